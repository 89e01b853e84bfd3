package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/srediag/kernel-shm/internal/klog"
	"github.com/srediag/kernel-shm/pkg/kernel"
)

var logger = klog.New("admin", nil)

// AdminServer serves the admin router over HTTP.
type AdminServer struct {
	srv *http.Server
	ln  net.Listener
}

// ListenAdmin binds addr. Use Addr to learn the port when addr ends in :0.
func ListenAdmin(addr string, k *kernel.Kernel) (*AdminServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &AdminServer{
		srv: &http.Server{
			Handler:           NewAdminRouter(k),
			ReadHeaderTimeout: 5 * time.Second,
		},
		ln: ln,
	}, nil
}

// Addr is the bound listen address.
func (s *AdminServer) Addr() net.Addr {
	return s.ln.Addr()
}

// Serve blocks until ctx is done, then shuts the server down.
func (s *AdminServer) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() {
		logger.Infof("admin listening on %s", s.ln.Addr())
		errc <- s.srv.Serve(s.ln)
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
