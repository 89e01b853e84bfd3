package workload

import (
	"strconv"

	"github.com/valyala/bytebufferpool"

	"github.com/srediag/kernel-shm/pkg/kernel"
	"github.com/srediag/kernel-shm/pkg/shmlog"
	"github.com/srediag/kernel-shm/pkg/vm"
)

// LogConfig shapes LogTest.
type LogConfig struct {
	Writers  int `toml:"writers"`
	Messages int `toml:"messages"`
	// SleepTicks is the pause between two appends of one writer.
	SleepTicks int `toml:"sleep_ticks"`
}

// DefaultLogConfig is four writers of ten messages each.
func DefaultLogConfig() LogConfig {
	return LogConfig{Writers: 4, Messages: 10, SleepTicks: 1}
}

// LogTest returns the shared log program. The parent zeroes one page and
// forks the writers; each writer maps the parent's page into itself and
// appends its messages. Once every writer has exited the parent prints the
// log.
func LogTest(cfg LogConfig) kernel.Program {
	return func(u *kernel.User) int {
		sz, err := u.Sbrk(0)
		if err != nil {
			return 1
		}
		buf := vm.PGROUNDUP(sz)
		if _, err := u.Sbrk(int(buf-sz) + vm.PGSIZE); err != nil {
			u.Printf("Failed to allocate shared buffer\n")
			return 1
		}
		if err := u.Memset(buf, 0, vm.PGSIZE); err != nil {
			return 1
		}
		parentPid := u.Getpid()

		// writers start together once every child exists, so no fork
		// copies the page while it is being written
		start := make(chan struct{})
		forked := 0
		for i := 0; i < cfg.Writers; i++ {
			index := i
			_, err := u.Fork(func(c *kernel.User) int {
				<-start
				return logWriter(c, cfg, parentPid, buf, index)
			})
			if err != nil {
				u.Printf("fork failed\n")
				break
			}
			forked++
		}
		close(start)

		status := 0
		for i := 0; i < forked; i++ {
			if _, st, err := u.Wait(); err != nil || st != 0 {
				status = 1
			}
		}
		if forked != cfg.Writers {
			return 1
		}

		u.Printf("---- LOG OUTPUT ----\n")
		page, err := u.PageBytes(buf)
		if err != nil {
			return 1
		}
		log, err := shmlog.New(page)
		if err != nil {
			return 1
		}
		for _, r := range log.Records() {
			u.Printf("%s\n", r)
		}
		return status
	}
}

func logWriter(c *kernel.User, cfg LogConfig, parentPid int, buf uint64, index int) int {
	mapped, err := c.MapSharedPages(parentPid, c.Getpid(), buf, vm.PGSIZE)
	if err != nil {
		c.Printf("Child %d: failed to map shared memory\n", index)
		return 1
	}
	page, err := c.PageBytes(mapped)
	if err != nil {
		return 1
	}
	log, err := shmlog.New(page)
	if err != nil {
		return 1
	}

	msg := bytebufferpool.Get()
	defer bytebufferpool.Put(msg)
	for i := 0; i < cfg.Messages; i++ {
		msg.Reset()
		formatMsg(msg, index, i)
		if _, ok := log.Append(uint16(index), msg.B); !ok {
			// out of space
			return 0
		}
		if cfg.SleepTicks > 0 {
			_ = c.Sleep(cfg.SleepTicks)
		}
	}
	return 0
}

// formatMsg writes "Child <index>: message <n>".
func formatMsg(b *bytebufferpool.ByteBuffer, index, n int) {
	_, _ = b.WriteString("Child ")
	b.B = strconv.AppendInt(b.B, int64(index), 10)
	_, _ = b.WriteString(": message ")
	b.B = strconv.AppendInt(b.B, int64(n), 10)
}
