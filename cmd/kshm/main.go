package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/srediag/kernel-shm/adapter"
	"github.com/srediag/kernel-shm/internal/klog"
	"github.com/srediag/kernel-shm/pkg/kernel"
	"github.com/srediag/kernel-shm/pkg/workload"
)

var version = "0.1.0"
var usage = `
kshm -- shared memory between processes of a simulated kernel

Usage:
  kshm [options] shmtest [-no-unmap]
  kshm [options] logtest [-writers=<n>] [-messages=<n>] [-sleep-ticks=<n>]
  kshm -h | -help
  kshm -version

Options:
  -h -help               Show this screen.
  -version               Show version.
  -config=<path>         TOML config file.
  -nframes=<n>           Physical frames.
  -nproc=<n>             Process table size.
  -initial-pages=<n>     Size of a new process in pages.
  -tick-ms=<n>           Scheduler tick.
  -log-level=<level>     trace, debug, info, warn, error or none.
  -heap-arena            Back physical memory with the Go heap.
  -admin=<host:port>     Serve metrics and health while the workload runs.
`

var logger = klog.New("kshm", nil)

func Usage() string {
	return strings.TrimSpace(usage)
}

func main() {
	var config = NewConfig()
	if err := config.Load(os.Args[1:]); err != nil {
		fmt.Println(Usage() + "\n")
		fmt.Println(err.Error() + "\n")
		os.Exit(1)
	} else if config.ShowVersion {
		fmt.Println("kshm version", version)
		os.Exit(0)
	} else if config.ShowHelp {
		fmt.Println(Usage() + "\n")
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	status, err := run(ctx, config)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(status)
}

func run(ctx context.Context, config *Config) (int, error) {
	k, err := kernel.New(ctx, &config.Kernel, adapter.Telemetry(kernel.Options{Console: os.Stdout}))
	if err != nil {
		return 1, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := k.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("%v", err)
		}
	}()

	var prog kernel.Program
	switch config.Workload {
	case "shmtest":
		prog = workload.ShmTest(config.NoUnmap)
	case "logtest":
		prog = workload.LogTest(config.LogTest)
	default:
		return 1, fmt.Errorf("unknown workload %q", config.Workload)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if config.Kernel.AdminAddr != "" {
		srv, err := adapter.ListenAdmin(config.Kernel.AdminAddr, k)
		if err != nil {
			return 1, err
		}
		g.Go(func() error { return srv.Serve(gctx) })
	}

	var status int
	g.Go(func() error {
		// Stops the admin server once the workload is done.
		defer cancel()
		var err error
		status, err = k.Run(gctx, config.Workload, prog)
		return err
	})
	if err := g.Wait(); err != nil {
		return 1, err
	}
	return status, nil
}
