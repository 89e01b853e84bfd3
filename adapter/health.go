// Package adapter exposes a kernel to external systems: health checks, an
// admin HTTP surface and OpenTelemetry providers.
package adapter

import (
	"errors"
	"fmt"

	"github.com/heptiolabs/healthcheck"

	"github.com/srediag/kernel-shm/pkg/kernel"
)

const maxGoroutines = 10000

// NewHealth returns liveness and readiness checks for k, served on /live
// and /ready.
func NewHealth(k *kernel.Kernel) healthcheck.Handler {
	h := healthcheck.NewHandler()
	h.AddLivenessCheck("kernel", func() error {
		if k.Closed() {
			return errors.New("kernel shut down")
		}
		return nil
	})
	h.AddLivenessCheck("goroutines", healthcheck.GoroutineCountCheck(maxGoroutines))
	h.AddReadinessCheck("frames", func() error {
		if n := k.Frames().NumFree(); n == 0 {
			return errors.New("no free frames")
		}
		return nil
	})
	h.AddReadinessCheck("procs", func() error {
		if n, limit := len(k.Procs().Snapshot()), k.Config().NProc; n >= limit {
			return fmt.Errorf("process table full (%d/%d)", n, limit)
		}
		return nil
	})
	return h
}
