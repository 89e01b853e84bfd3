package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/kernel-shm/pkg/kernel"
	"github.com/srediag/kernel-shm/pkg/vm"
)

func testKernel(t *testing.T) *kernel.Kernel {
	t.Helper()
	c := kernel.DefaultConfig()
	c.NFrames = 256
	c.NProc = 8
	c.TickMillis = 1
	c.HeapArena = true
	c.LogLevel = "error"
	k, err := kernel.New(context.Background(), c, kernel.Options{Console: io.Discard})
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, k.Shutdown(ctx))
	})
	return k
}

func get(t *testing.T, srv *httptest.Server, path string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestAdminRoutes(t *testing.T) {
	k := testKernel(t)
	srv := httptest.NewServer(NewAdminRouter(k))
	defer srv.Close()

	tests := []struct {
		path     string
		status   int
		contains string
	}{
		{"/live", http.StatusOK, "{}"},
		{"/ready", http.StatusOK, "{}"},
		{"/metrics", http.StatusOK, "kshm_"},
		{"/debug/frames", http.StatusOK, `"Total":256`},
		{"/debug/procs", http.StatusOK, "[]"},
		{"/debug/shm", http.StatusOK, "[]"},
		{"/debug/shm/7", http.StatusOK, "[]"},
		{"/debug/shm/abc", http.StatusBadRequest, "bad pid"},
		{"/debug/shm/0", http.StatusBadRequest, "bad pid"},
		{"/nope", http.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			status, body := get(t, srv, tt.path)
			assert.Equal(t, tt.status, status)
			assert.Contains(t, string(body), tt.contains)
		})
	}
}

func TestAdminShowsLiveMapping(t *testing.T) {
	k := testKernel(t)
	srv := httptest.NewServer(NewAdminRouter(k))
	defer srv.Close()

	mapped := make(chan int, 1)
	release := make(chan struct{})
	p, err := k.Spawn(context.Background(), "parent", func(u *kernel.User) int {
		parent := u.Getpid()
		if _, err := u.Fork(func(c *kernel.User) int {
			if _, err := c.MapSharedPages(parent, c.Getpid(), 0, vm.PGSIZE); err != nil {
				return 1
			}
			mapped <- c.Getpid()
			<-release
			return 0
		}); err != nil {
			return 1
		}
		_, status, err := u.Wait()
		if err != nil {
			return 1
		}
		return status
	})
	require.NoError(t, err)

	var child int
	select {
	case child = <-mapped:
	case <-time.After(5 * time.Second):
		t.Fatal("child never mapped")
	}

	status, body := get(t, srv, fmt.Sprintf("/debug/shm/%d", child))
	require.Equal(t, http.StatusOK, status)
	var views []MappingView
	require.NoError(t, json.Unmarshal(body, &views))
	require.Len(t, views, 1)
	assert.Equal(t, p.Pid(), views[0].SrcPid)
	assert.Equal(t, child, views[0].DstPid)
	assert.Equal(t, 1, views[0].Pages)

	status, body = get(t, srv, "/debug/procs")
	require.Equal(t, http.StatusOK, status)
	assert.Contains(t, string(body), `"Name":"parent"`)

	close(release)
	<-p.Done()
	assert.Equal(t, 0, p.ExitStatus())

	_, body = get(t, srv, "/debug/shm")
	assert.Equal(t, "[]", strings.TrimSpace(string(body)))
}

func TestHealthAfterShutdown(t *testing.T) {
	k := testKernel(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, k.Shutdown(ctx))

	h := NewHealth(k)
	rec := httptest.NewRecorder()
	h.LiveEndpoint(rec, httptest.NewRequest(http.MethodGet, "/live?full=1", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "kernel shut down")
}

func TestAdminServer(t *testing.T) {
	k := testKernel(t)
	srv, err := ListenAdmin("127.0.0.1:0", k)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx) }()

	resp, err := http.Get("http://" + srv.Addr().String() + "/live")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}

func TestTelemetry(t *testing.T) {
	var out bytes.Buffer
	opts := Telemetry(kernel.Options{Console: &out})
	assert.NotNil(t, opts.Meter)
	assert.NotNil(t, opts.Tracer)
	assert.Same(t, &out, opts.Console)
}
