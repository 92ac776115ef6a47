// Package flow implements credit-based flow-control windows.
//
// A Window is signed: a SETTINGS_INITIAL_WINDOW_SIZE reduction may push a
// stream's send window below zero, after which it must be credited back
// above zero before more DATA may be sent.
package flow

import "errors"

const (
	// MaxWindow is the largest legal window (2^31 - 1).
	MaxWindow = 1<<31 - 1

	// DefaultInitialWindow is the initial window for streams and connections.
	DefaultInitialWindow = 65535
)

var (
	ErrInsufficientWindow = errors.New("flow: insufficient window")
	ErrWindowOverflow     = errors.New("flow: window exceeds 2^31-1")
)

// Window is one direction's credit for one stream or connection.
type Window struct {
	n int64
}

// NewWindow creates a window with n bytes of credit.
func NewWindow(n int32) Window {
	return Window{n: int64(n)}
}

// Available returns the current credit, possibly negative.
func (w *Window) Available() int64 {
	return w.n
}

// Debit consumes n bytes. It fails without changing the window when n
// exceeds the available credit.
func (w *Window) Debit(n uint32) error {
	if int64(n) > w.n {
		return ErrInsufficientWindow
	}
	w.n -= int64(n)
	return nil
}

// Credit adds n bytes, as a WINDOW_UPDATE does. It fails without changing
// the window if the result would exceed MaxWindow.
func (w *Window) Credit(n uint32) error {
	if w.n+int64(n) > MaxWindow {
		return ErrWindowOverflow
	}
	w.n += int64(n)
	return nil
}

// Adjust applies the difference between an old and new initial window
// size. The result may be negative but never above MaxWindow.
func (w *Window) Adjust(delta int64) error {
	if w.n+delta > MaxWindow {
		return ErrWindowOverflow
	}
	w.n += delta
	return nil
}

// Receiver tracks inbound credit the application has consumed but not yet
// returned to the peer.
type Receiver struct {
	pending uint32
}

// Consumed records n bytes delivered to the application.
func (r *Receiver) Consumed(n uint32) {
	r.pending += n
}

// Pending returns the unreturned byte count.
func (r *Receiver) Pending() uint32 {
	return r.pending
}

// Take returns and clears the pending count; the caller sends it as a
// WINDOW_UPDATE increment.
func (r *Receiver) Take() uint32 {
	n := r.pending
	r.pending = 0
	return n
}
