package transport

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/vango-dev/h2mux/pkg/mux"
)

// Server accepts connections and runs a server-role Session on each.
type Server struct {
	Config  Config
	Handler Handler

	// NewObserver, when set, supplies each connection's mux.Observer.
	// The returned release func runs after the session ends.
	NewObserver func(remote net.Addr) (obs mux.Observer, release func())

	// Wrap, when set, replaces each accepted connection's byte stream,
	// e.g. with a capture.Recorder. An error drops the connection.
	Wrap func(nc net.Conn) (io.ReadWriteCloser, error)

	// OnSession is called with each session before it runs.
	OnSession func(*Session)

	wg sync.WaitGroup
}

// Serve accepts on ln until ctx is cancelled or Accept fails. On
// cancellation it closes ln, lets every session send GOAWAY, and waits for
// them to end.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	logger := srv.Config.Logger
	if logger == nil {
		logger = srv.Config.Mux.Logger
	}
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				srv.wg.Wait()
				return ctx.Err()
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = min(max(delay*2, 5*time.Millisecond), time.Second)
				time.Sleep(delay)
				continue
			}
			srv.wg.Wait()
			return err
		}
		delay = 0
		srv.wg.Add(1)
		go func() {
			defer srv.wg.Done()
			srv.serveConn(ctx, nc)
		}()
		if logger != nil {
			logger.Debug("accepted connection", "remote", nc.RemoteAddr().String())
		}
	}
}

func (srv *Server) serveConn(ctx context.Context, nc net.Conn) {
	cfg := srv.Config
	cfg.Mux.Role = mux.RoleServer
	if cfg.Logger != nil {
		cfg.Logger = cfg.Logger.With("remote", nc.RemoteAddr().String())
	}
	if srv.NewObserver != nil {
		obs, release := srv.NewObserver(nc.RemoteAddr())
		if release != nil {
			defer release()
		}
		cfg.Mux.Observer = obs
	}
	var rw io.ReadWriteCloser = nc
	if srv.Wrap != nil {
		var err error
		if rw, err = srv.Wrap(nc); err != nil {
			if cfg.Logger != nil {
				cfg.Logger.Warn("dropping connection", "error", err)
			}
			nc.Close()
			return
		}
	}
	s := NewSession(rw, cfg, srv.Handler)
	if srv.OnSession != nil {
		srv.OnSession(s)
	}
	_ = s.Run(ctx)
}

// Dial connects to addr over TCP and returns a client-role Session that
// has not started yet.
func Dial(ctx context.Context, addr string, cfg Config, h Handler) (*Session, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	cfg.Mux.Role = mux.RoleClient
	return NewSession(nc, cfg, h), nil
}
