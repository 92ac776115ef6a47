package capture

import (
	"io"
	"sync"
	"time"
)

// Recorder wraps a transport and copies every read and write to a Sink.
// A failing sink never fails the transport; the first sink error is kept
// and reported by Err and Close.
type Recorder struct {
	rw   io.ReadWriteCloser
	sink Sink
	now  func() time.Time

	mu  sync.Mutex
	err error
}

// NewRecorder returns a Recorder over rw.
func NewRecorder(rw io.ReadWriteCloser, sink Sink) *Recorder {
	return &Recorder{rw: rw, sink: sink, now: time.Now}
}

func (r *Recorder) Read(p []byte) (int, error) {
	n, err := r.rw.Read(p)
	if n > 0 {
		r.record(Inbound, p[:n])
	}
	return n, err
}

func (r *Recorder) Write(p []byte) (int, error) {
	n, err := r.rw.Write(p)
	if n > 0 {
		r.record(Outbound, p[:n])
	}
	return n, err
}

// SetWriteDeadline forwards to the transport when it supports deadlines.
func (r *Recorder) SetWriteDeadline(t time.Time) error {
	if d, ok := r.rw.(interface{ SetWriteDeadline(time.Time) error }); ok {
		return d.SetWriteDeadline(t)
	}
	return nil
}

func (r *Recorder) record(dir Direction, p []byte) {
	err := r.sink.WriteRecord(Record{Dir: dir, Time: r.now(), Data: p})
	if err != nil {
		r.mu.Lock()
		if r.err == nil {
			r.err = err
		}
		r.mu.Unlock()
	}
}

// Err returns the first sink error.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close closes the transport and then the sink.
func (r *Recorder) Close() error {
	err := r.rw.Close()
	if serr := r.sink.Close(); err == nil {
		err = serr
	}
	if err == nil {
		err = r.Err()
	}
	return err
}
