// Package transport runs a mux.Conn over a byte stream.
//
// A Session owns one Conn and one io.ReadWriteCloser. A reader goroutine
// pulls bytes off the transport; everything else, including calls into the
// Conn and the Handler, happens on the goroutine running Run, so the Conn
// never sees concurrent calls. Other goroutines reach the Conn through Do.
package transport

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vango-dev/h2mux/pkg/mux"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

// ErrSessionClosed is returned by Do after Run has returned.
var ErrSessionClosed = errors.New("transport: session closed")

// Handler receives the Conn's events. It runs on the session goroutine
// and may call any Conn method, but must not block: work that waits on
// something else belongs in its own goroutine, which then uses
// Session.Do.
type Handler interface {
	HandleEvent(s *Session, c *mux.Conn, ev mux.Event)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(s *Session, c *mux.Conn, ev mux.Event)

func (f HandlerFunc) HandleEvent(s *Session, c *mux.Conn, ev mux.Event) { f(s, c, ev) }

// Config configures a Session.
type Config struct {
	Mux mux.Config

	// ReadBufferSize is the size of each transport read (default 32 KiB).
	ReadBufferSize int

	// WriteTimeout bounds each write when the transport supports
	// deadlines. Zero means no deadline.
	WriteTimeout time.Duration

	// PingInterval sends a PING when positive.
	PingInterval time.Duration

	// Logger defaults to Mux.Logger, then slog.Default().
	Logger *slog.Logger
}

// DefaultConfig returns a Config for role.
func DefaultConfig(role mux.Role) Config {
	return Config{
		Mux:            mux.DefaultConfig(role),
		ReadBufferSize: 32 << 10,
		WriteTimeout:   10 * time.Second,
	}
}

type deadliner interface {
	SetWriteDeadline(time.Time) error
}

// Session drives a Conn over rw.
type Session struct {
	conn    *mux.Conn
	rw      io.ReadWriteCloser
	handler Handler
	config  Config
	logger  *slog.Logger

	ops  chan func(*mux.Conn)
	done chan struct{}

	closeOnce sync.Once
	mu        sync.Mutex
	err       error

	bytesIn, bytesOut int64
}

// NewSession creates a Session. Run starts it.
func NewSession(rw io.ReadWriteCloser, config Config, h Handler) *Session {
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = 32 << 10
	}
	logger := config.Logger
	if logger == nil {
		logger = config.Mux.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "transport", "role", config.Mux.Role.String())
	if config.Mux.Logger == nil {
		config.Mux.Logger = logger
	}
	if h == nil {
		h = HandlerFunc(func(*Session, *mux.Conn, mux.Event) {})
	}
	return &Session{
		conn:    mux.NewConn(config.Mux),
		rw:      rw,
		handler: h,
		config:  config,
		logger:  logger,
		ops:     make(chan func(*mux.Conn)),
		done:    make(chan struct{}),
	}
}

// Run processes the session until the peer hangs up, the connection
// fails, or ctx is cancelled. Cancelling ctx sends GOAWAY before closing.
// A clean end of input returns nil.
func (s *Session) Run(ctx context.Context) error {
	reads := make(chan []byte, 16)
	readErr := make(chan error, 1)
	go s.readLoop(reads, readErr)

	var tick <-chan time.Time
	if s.config.PingInterval > 0 {
		ticker := time.NewTicker(s.config.PingInterval)
		defer ticker.Stop()
		tick = ticker.C
	}

	if err := s.flush(); err != nil {
		return s.finish(err)
	}
	for {
		select {
		case <-ctx.Done():
			_ = s.conn.GoAway(protocol.ErrCodeNo, nil)
			_ = s.flush()
			return s.finish(ctx.Err())

		case b := <-reads:
			s.mu.Lock()
			s.bytesIn += int64(len(b))
			s.mu.Unlock()
			evs, err := s.conn.Feed(b)
			s.dispatch(evs)
			if err != nil {
				_ = s.flush()
				return s.finish(err)
			}

		case err := <-readErr:
			// Bytes read before the error are already queued.
			var ferr error
			for len(reads) > 0 && ferr == nil {
				b := <-reads
				s.mu.Lock()
				s.bytesIn += int64(len(b))
				s.mu.Unlock()
				var evs []mux.Event
				evs, ferr = s.conn.Feed(b)
				s.dispatch(evs)
			}
			s.dispatch(s.conn.Events())
			_ = s.flush()
			if ferr != nil {
				return s.finish(ferr)
			}
			if isClosed(err) {
				err = nil
			}
			return s.finish(err)

		case op := <-s.ops:
			op(s.conn)

		case <-tick:
			var data [8]byte
			copy(data[:], time.Now().Format("15:04:05"))
			_ = s.conn.Ping(data)
		}

		s.dispatch(s.conn.Events())
		if err := s.flush(); err != nil {
			return s.finish(err)
		}
	}
}

func (s *Session) readLoop(reads chan<- []byte, readErr chan<- error) {
	buf := make([]byte, s.config.ReadBufferSize)
	for {
		n, err := s.rw.Read(buf)
		if n > 0 {
			b := make([]byte, n)
			copy(b, buf[:n])
			select {
			case reads <- b:
			case <-s.done:
				return
			}
		}
		if err != nil {
			readErr <- err
			return
		}
	}
}

func (s *Session) dispatch(evs []mux.Event) {
	for _, ev := range evs {
		s.handle(ev)
	}
}

func (s *Session) handle(ev mux.Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic",
				"panic", r,
				"stream", ev.StreamID,
				"stack", string(debug.Stack()))
			if ev.StreamID != 0 {
				_ = s.conn.Reset(ev.StreamID, protocol.ErrCodeInternal)
			}
		}
	}()
	s.handler.HandleEvent(s, s.conn, ev)
}

func (s *Session) flush() error {
	for s.conn.WantWrite() {
		out := s.conn.Drain()
		if len(out) == 0 {
			break
		}
		if d, ok := s.rw.(deadliner); ok && s.config.WriteTimeout > 0 {
			_ = d.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
		}
		if _, err := s.rw.Write(out); err != nil {
			return err
		}
		s.mu.Lock()
		s.bytesOut += int64(len(out))
		s.mu.Unlock()
		s.dispatch(s.conn.Events())
	}
	return nil
}

func (s *Session) finish(err error) error {
	s.closeOnce.Do(func() {
		close(s.done)
		if cerr := s.rw.Close(); cerr != nil && err == nil && !isClosed(cerr) {
			err = cerr
		}
		s.mu.Lock()
		s.err = err
		s.mu.Unlock()
		if err != nil {
			s.logger.Warn("session ended", "error", err, "bytes_out", s.bytesOut)
		} else {
			s.logger.Debug("session ended", "bytes_out", s.bytesOut)
		}
	})
	return err
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe)
}

// Do runs fn on the session goroutine and waits for it. Events fn causes
// go to the Handler and resulting frames are written before Run waits
// again. It returns ErrSessionClosed once Run has returned.
func (s *Session) Do(fn func(c *mux.Conn) error) error {
	result := make(chan error, 1)
	op := func(c *mux.Conn) { result <- fn(c) }
	select {
	case s.ops <- op:
	case <-s.done:
		return ErrSessionClosed
	}
	return <-result
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the error Run returned, if it has.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Stats returns the bytes read from and written to the transport.
func (s *Session) Stats() (in, out int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesIn, s.bytesOut
}

// Close closes the transport, which ends Run.
func (s *Session) Close() error {
	return s.rw.Close()
}
