package workload

import (
	"bytes"
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/bytebufferpool"

	"github.com/srediag/kernel-shm/pkg/kernel"
	"github.com/srediag/kernel-shm/pkg/vm"
)

type console struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (c *console) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(p)
}

func (c *console) lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Split(strings.TrimSuffix(c.buf.String(), "\n"), "\n")
}

func (c *console) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.String()
}

func boot(t *testing.T) (*kernel.Kernel, *console) {
	t.Helper()
	cfg := kernel.DefaultConfig()
	cfg.NFrames = 1024
	cfg.NProc = 16
	cfg.TickMillis = 1
	cfg.HeapArena = true
	cfg.LogLevel = "error"
	out := &console{}
	k, err := kernel.New(context.Background(), cfg, kernel.Options{Console: out})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, k.Shutdown(ctx))
	})
	return k, out
}

func run(t *testing.T, k *kernel.Kernel, name string, prog kernel.Program) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	status, err := k.Run(ctx, name, prog)
	require.NoError(t, err)
	return status
}

// assertReclaimed checks that every frame is back and can be handed out
// again: a probe takes all of them and finds each one zeroed.
func assertReclaimed(t *testing.T, k *kernel.Kernel, free int) {
	t.Helper()
	assert.Equal(t, free, k.Frames().NumFree(), "frames leaked")
	assert.Equal(t, 0, k.Shm().Registry().Len(), "mappings left")

	status := run(t, k, "probe", func(u *kernel.User) int {
		// leave room for the root and leaf tables
		n := free - 4 - int(u.Size()/vm.PGSIZE)
		old, err := u.Sbrk(n * vm.PGSIZE)
		if err != nil {
			return 1
		}
		zero := make([]byte, vm.PGSIZE)
		for i := 0; i < n; i++ {
			page, err := u.Read(old+uint64(i)*vm.PGSIZE, vm.PGSIZE)
			if err != nil || !bytes.Equal(page, zero) {
				return 2
			}
		}
		return 0
	})
	assert.Equal(t, 0, status, "probe")
	assert.Equal(t, free, k.Frames().NumFree(), "frames leaked by probe")
}

var sizeLine = regexp.MustCompile(`^Child: Size (before mapping|after mapping|after unmapping): (0x[0-9a-f]{16})$`)

func childSizes(lines []string) map[string]string {
	sizes := map[string]string{}
	for _, l := range lines {
		if m := sizeLine.FindStringSubmatch(l); m != nil {
			sizes[m[1]] = m[2]
		}
	}
	return sizes
}

func TestShmTestScenarioB(t *testing.T) {
	k, out := boot(t)
	free := k.Frames().NumFree()

	require.Equal(t, 0, run(t, k, "shmtest", ShmTest(false)), out.String())

	lines := out.lines()
	assert.Contains(t, lines, "Parent: Reads from shared memory: Hello daddy")
	assert.Contains(t, lines, "Child: Memory size returned to original ")
	assert.Contains(t, lines, "Parent: Memory diff after child: 0 bytes")
	assert.NotContains(t, lines, "Child: Skipping unmap (testing kernel cleanup after exit)")

	sizes := childSizes(lines)
	require.Len(t, sizes, 3)
	assert.Equal(t, sizes["before mapping"], sizes["after unmapping"])
	assert.NotEqual(t, sizes["before mapping"], sizes["after mapping"])

	assertReclaimed(t, k, free)
}

func TestShmTestScenarioC(t *testing.T) {
	k, out := boot(t)
	free := k.Frames().NumFree()

	require.Equal(t, 0, run(t, k, "shmtest", ShmTest(true)), out.String())

	lines := out.lines()
	assert.Contains(t, lines, "Child: Skipping unmap (testing kernel cleanup after exit)")
	assert.Contains(t, lines, "Parent: Reads from shared memory: Hello daddy")
	assert.NotContains(t, lines, "Child: Memory size returned to original ")

	assertReclaimed(t, k, free)
}

func TestShmTestRepeated(t *testing.T) {
	k, out := boot(t)
	free := k.Frames().NumFree()
	for i := 0; i < 5; i++ {
		require.Equal(t, 0, run(t, k, "shmtest", ShmTest(i%2 == 0)), out.String())
	}
	assertReclaimed(t, k, free)
}

func TestLogTestScenarioA(t *testing.T) {
	k, out := boot(t)
	free := k.Frames().NumFree()

	cfg := DefaultLogConfig()
	require.Equal(t, 0, run(t, k, "logtest", LogTest(cfg)), out.String())

	lines := out.lines()
	idx := -1
	for i, l := range lines {
		if l == "---- LOG OUTPUT ----" {
			idx = i
		}
	}
	require.GreaterOrEqual(t, idx, 0, out.String())
	records := lines[idx+1:]
	require.Len(t, records, cfg.Writers*cfg.Messages)

	want := map[string]bool{}
	for i := 0; i < cfg.Writers; i++ {
		for j := 0; j < cfg.Messages; j++ {
			want[fmt.Sprintf("[Child %d] Child %d: message %d", i, i, j)] = true
		}
	}
	got := map[string]bool{}
	for _, r := range records {
		got[r] = true
	}
	assert.Equal(t, want, got)

	assertReclaimed(t, k, free)
}

func TestLogTestOverflow(t *testing.T) {
	k, out := boot(t)
	free := k.Frames().NumFree()

	cfg := LogConfig{Writers: 8, Messages: 100}
	require.Equal(t, 0, run(t, k, "logtest", LogTest(cfg)), out.String())

	lines := out.lines()
	var records []string
	for i, l := range lines {
		if l == "---- LOG OUTPUT ----" {
			records = lines[i+1:]
		}
	}
	require.NotEmpty(t, records)
	assert.Less(t, len(records), cfg.Writers*cfg.Messages)

	record := regexp.MustCompile(`^\[Child (\d)\] Child (\d): message \d+$`)
	used := 0
	for _, r := range records {
		m := record.FindStringSubmatch(r)
		require.NotNil(t, m, r)
		assert.Equal(t, m[1], m[2])
		payload := len(r) - len("[Child 0] ")
		used += (4 + payload + 3) &^ 3
	}
	assert.LessOrEqual(t, used, int(vm.PGSIZE))

	assertReclaimed(t, k, free)
}

func TestFormatMsg(t *testing.T) {
	for _, tc := range []struct {
		index, n int
		want     string
	}{
		{0, 0, "Child 0: message 0"},
		{3, 9, "Child 3: message 9"},
		{12, 345, "Child 12: message 345"},
	} {
		var b bytebufferpool.ByteBuffer
		formatMsg(&b, tc.index, tc.n)
		assert.Equal(t, tc.want, b.String())
	}
	assert.Equal(t, "0x0000000000014000", ptr(0x14000))
}
