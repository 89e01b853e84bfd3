package shmlog

import (
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestHeader(t *testing.T) {
	for _, tc := range []struct {
		writer, length uint16
		want           uint32
	}{
		{0, 1, 0x00000001},
		{3, 17, 0x00030011},
		{0xFFFF, 0xFFFF, 0xFFFFFFFF},
	} {
		h := EncodeHeader(tc.writer, tc.length)
		assert.Equal(t, tc.want, h)
		w, n := DecodeHeader(h)
		assert.Equal(t, tc.writer, w)
		assert.Equal(t, tc.length, n)
	}
}

func TestNewRejectsUnalignedArena(t *testing.T) {
	b := make([]byte, 64)
	_, err := New(b[1:])
	assert.Error(t, err)
	_, err = New(b)
	assert.NoError(t, err)
}

func TestAppendRejectsBadPayloads(t *testing.T) {
	l, err := New(make([]byte, 1<<17))
	require.NoError(t, err)
	_, ok := l.Append(1, nil)
	assert.False(t, ok)
	_, ok = l.Append(1, make([]byte, MaxPayload+1))
	assert.False(t, ok)
	assert.Empty(t, l.Records())

	off, ok := l.Append(1, make([]byte, MaxPayload))
	assert.True(t, ok)
	assert.Zero(t, off)
}

func TestAppendAndRead(t *testing.T) {
	l, err := New(make([]byte, 4096))
	require.NoError(t, err)

	msgs := []string{"a", "bb", "ccc", "dddd", "eeeee"}
	var offs []int
	for i, m := range msgs {
		off, ok := l.Append(uint16(i), []byte(m))
		require.True(t, ok)
		offs = append(offs, off)
	}
	assert.Equal(t, []int{0, 8, 16, 24, 32}, offs)

	recs := l.Records()
	require.Len(t, recs, len(msgs))
	for i, r := range recs {
		assert.Equal(t, uint16(i), r.Writer)
		assert.Equal(t, msgs[i], string(r.Payload))
		assert.Equal(t, offs[i], r.Offset)
	}
	assert.Equal(t, 44, l.Used())
	assert.Equal(t, "[Child 2] ccc", recs[2].String())
}

func TestFillToCapacity(t *testing.T) {
	for _, tc := range []struct {
		cap, payload, want int
	}{
		{64, 12, 4}, // records fill the arena exactly
		{64, 13, 3}, // padding leaves a 4-byte tail
		{16, 12, 1},
		{16, 13, 0},
		{3, 1, 0}, // no room for a header
	} {
		t.Run(fmt.Sprintf("cap%d_len%d", tc.cap, tc.payload), func(t *testing.T) {
			l, err := New(make([]byte, 64)[:tc.cap])
			require.NoError(t, err)
			n := 0
			for {
				if _, ok := l.Append(7, []byte(strings.Repeat("x", tc.payload))); !ok {
					break
				}
				n++
			}
			assert.Equal(t, tc.want, n)
			assert.Len(t, l.Records(), tc.want)
			assert.LessOrEqual(t, l.Used(), tc.cap)
		})
	}
}

func TestConcurrentWriters(t *testing.T) {
	const writers, perWriter = 4, 10
	l, err := New(make([]byte, 4096))
	require.NoError(t, err)

	var g errgroup.Group
	for w := 0; w < writers; w++ {
		w := w
		g.Go(func() error {
			for j := 0; j < perWriter; j++ {
				msg := fmt.Sprintf("Child %d: message %d", w, j)
				if _, ok := l.Append(uint16(w), []byte(msg)); !ok {
					return fmt.Errorf("writer %d message %d dropped", w, j)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	recs := l.Records()
	require.Len(t, recs, writers*perWriter)
	seen := map[string]bool{}
	next := 0
	for _, r := range recs {
		assert.Zero(t, r.Offset%HeaderSize)
		assert.GreaterOrEqual(t, r.Offset, next, "records overlap")
		next = r.Offset + HeaderSize + len(r.Payload)
		assert.True(t, strings.HasPrefix(string(r.Payload), fmt.Sprintf("Child %d: ", r.Writer)))
		seen[string(r.Payload)] = true
	}
	assert.Len(t, seen, writers*perWriter)
	assert.LessOrEqual(t, l.Used(), l.Cap())
}

func TestConcurrentWritersOverflow(t *testing.T) {
	l, err := New(make([]byte, 256))
	require.NoError(t, err)

	var written atomic.Int32
	var g errgroup.Group
	for w := 0; w < 8; w++ {
		w := w
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				if _, ok := l.Append(uint16(w), []byte("0123456789ab")); ok {
					written.Add(1)
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	assert.Equal(t, int32(16), written.Load())
	assert.Len(t, l.Records(), 16)
	assert.Equal(t, 256, l.Used())
}

func BenchmarkAppend(b *testing.B) {
	payload := []byte("Child 0: message 0")
	buf := make([]byte, 1<<20)
	l, _ := New(buf)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, ok := l.Append(0, payload); !ok {
			b.StopTimer()
			clear(buf)
			b.StartTimer()
		}
	}
}

func BenchmarkAppendParallel(b *testing.B) {
	payload := []byte("Child 0: message 0")
	buf := make([]byte, 1<<20)
	l, _ := New(buf)
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			l.Append(1, payload)
		}
	})
	b.ReportMetric(float64(l.Used()), "bytes-used")
}
