package main

import (
	"errors"
	"flag"
	"io"
	"os"

	"github.com/BurntSushi/toml"

	"github.com/srediag/kernel-shm/pkg/kernel"
	"github.com/srediag/kernel-shm/pkg/workload"
)

const defaultSystemConfigPath = "/etc/kshm.toml"

// Config is everything one kshm run needs.
type Config struct {
	SystemPath  string `toml:"-"`
	ShowHelp    bool   `toml:"-"`
	ShowVersion bool   `toml:"-"`

	// Workload is the program to run: shmtest or logtest.
	Workload string `toml:"-"`
	NoUnmap  bool   `toml:"-"`

	Kernel  kernel.Config      `toml:"kernel"`
	LogTest workload.LogConfig `toml:"logtest"`
}

// NewConfig returns a config holding the defaults.
func NewConfig() *Config {
	return &Config{
		SystemPath: defaultSystemConfigPath,
		Kernel:     *kernel.DefaultConfig(),
		LogTest:    workload.DefaultLogConfig(),
	}
}

// Load reads the system file, then the file named by -config, then flags.
func (c *Config) Load(arguments []string) error {
	var path string
	scratch := *c
	f := flag.NewFlagSet("kshm", flag.ContinueOnError)
	f.SetOutput(io.Discard)
	scratch.register(f, &path)
	// Errors are reported by LoadFlags.
	_ = f.Parse(arguments)

	if err := c.LoadSystemFile(); err != nil {
		return err
	}
	if path != "" {
		if err := c.LoadFile(path); err != nil {
			return err
		}
	}
	return c.LoadFlags(arguments)
}

// LoadSystemFile loads the system config file if it exists.
func (c *Config) LoadSystemFile() error {
	if _, err := os.Stat(c.SystemPath); os.IsNotExist(err) {
		return nil
	}
	return c.LoadFile(c.SystemPath)
}

// LoadFile loads a TOML file over c.
func (c *Config) LoadFile(path string) error {
	_, err := toml.DecodeFile(path, c)
	return err
}

func (c *Config) register(f *flag.FlagSet, path *string) {
	f.BoolVar(&c.ShowHelp, "h", false, "")
	f.BoolVar(&c.ShowHelp, "help", false, "")
	f.BoolVar(&c.ShowVersion, "version", false, "")
	f.StringVar(path, "config", "", "path to config file")

	f.IntVar(&c.Kernel.NFrames, "nframes", c.Kernel.NFrames, "")
	f.IntVar(&c.Kernel.NProc, "nproc", c.Kernel.NProc, "")
	f.IntVar(&c.Kernel.InitialPages, "initial-pages", c.Kernel.InitialPages, "")
	f.IntVar(&c.Kernel.TickMillis, "tick-ms", c.Kernel.TickMillis, "")
	f.StringVar(&c.Kernel.LogLevel, "log-level", c.Kernel.LogLevel, "")
	f.BoolVar(&c.Kernel.HeapArena, "heap-arena", c.Kernel.HeapArena, "")
	f.StringVar(&c.Kernel.AdminAddr, "admin", c.Kernel.AdminAddr, "")
}

// LoadFlags parses global flags, the workload name, and the workload's own
// flags.
func (c *Config) LoadFlags(arguments []string) error {
	var unused string
	f := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	f.SetOutput(io.Discard)
	c.register(f, &unused)

	if err := f.Parse(arguments); err != nil {
		return err
	}
	if c.ShowHelp || c.ShowVersion {
		return nil
	}
	if f.NArg() == 0 {
		return errors.New("no workload given")
	}
	c.Workload = f.Arg(0)

	w := flag.NewFlagSet(c.Workload, flag.ContinueOnError)
	w.SetOutput(io.Discard)
	switch c.Workload {
	case "shmtest":
		w.BoolVar(&c.NoUnmap, "no-unmap", false, "")
	case "logtest":
		w.IntVar(&c.LogTest.Writers, "writers", c.LogTest.Writers, "")
		w.IntVar(&c.LogTest.Messages, "messages", c.LogTest.Messages, "")
		w.IntVar(&c.LogTest.SleepTicks, "sleep-ticks", c.LogTest.SleepTicks, "")
	default:
		return errors.New("unknown workload " + c.Workload)
	}
	if err := w.Parse(f.Args()[1:]); err != nil {
		return err
	}
	if c.LogTest.Writers <= 0 || c.LogTest.Writers > 0xFFFF {
		return errors.New("writers must be in [1, 65535]")
	}
	if c.LogTest.Messages < 0 {
		return errors.New("messages must not be negative")
	}
	return nil
}
