package stream

import (
	"errors"
	"fmt"

	"github.com/vango-dev/h2mux/pkg/flow"
	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

// ErrInvalidState is returned for local operations the current state
// does not permit. It never reaches the peer.
var ErrInvalidState = errors.New("stream: operation not permitted in current state")

func invalidState(op string, s State) error {
	return fmt.Errorf("%w: %s in %s", ErrInvalidState, op, s)
}

// ItemKind distinguishes queued outbound work.
type ItemKind uint8

const (
	ItemHeaders ItemKind = iota
	ItemData
)

// Item is one unit of queued outbound work. Header fields are encoded
// when the item is emitted, not when it is queued.
type Item struct {
	Kind      ItemKind
	Fields    []hpack.HeaderField
	Data      []byte
	EndStream bool
}

// Stream is one logical bidirectional stream.
type Stream struct {
	id    uint32
	state State

	send flow.Window
	recv flow.Window
	// unreturned tracks received bytes the application has consumed but
	// that have not yet been credited back to the peer.
	unreturned flow.Receiver

	queue      []Item
	queuedEnd  bool
	queueBytes int

	recvBuf   []byte
	headers   []hpack.HeaderField
	resetCode protocol.ErrorCode
	wasReset  bool
}

// New creates an idle stream with the given initial windows.
func New(id uint32, sendWindow, recvWindow int32) *Stream {
	return &Stream{
		id:   id,
		send: flow.NewWindow(sendWindow),
		recv: flow.NewWindow(recvWindow),
	}
}

// NewReserved creates a stream reserved by PUSH_PROMISE. local is true
// when this endpoint made the promise.
func NewReserved(id uint32, local bool, sendWindow, recvWindow int32) *Stream {
	s := New(id, sendWindow, recvWindow)
	if local {
		s.state = ReservedLocal
	} else {
		s.state = ReservedRemote
	}
	return s
}

// ID returns the stream identifier.
func (s *Stream) ID() uint32 { return s.id }

// State returns the current state.
func (s *Stream) State() State { return s.state }

// SendWindow returns the available outbound credit.
func (s *Stream) SendWindow() int64 { return s.send.Available() }

// RecvWindow returns the available inbound credit.
func (s *Stream) RecvWindow() int64 { return s.recv.Available() }

// Headers returns the most recently received header block.
func (s *Stream) Headers() []hpack.HeaderField { return s.headers }

// ResetCode returns the error code of a reset, if any.
func (s *Stream) ResetCode() (protocol.ErrorCode, bool) { return s.resetCode, s.wasReset }

// SendHeaders applies the state transition for sending a HEADERS frame.
func (s *Stream) SendHeaders(endStream bool) error {
	switch s.state {
	case Idle:
		s.state = Open
	case ReservedLocal:
		// The peer never sends on a stream it was promised.
		s.state = HalfClosedRemote
	case Open, HalfClosedRemote:
	default:
		return invalidState("send HEADERS", s.state)
	}
	if endStream {
		s.closeLocal()
	}
	return nil
}

// SendData applies the transition for sending p as DATA. The send window
// is checked and debited; a frame larger than the window is refused with a
// FLOW_CONTROL_ERROR and the window is left unchanged.
func (s *Stream) SendData(p []byte, endStream bool) error {
	if !s.state.CanSend() {
		return invalidState("send DATA", s.state)
	}
	if err := s.send.Debit(uint32(len(p))); err != nil {
		return protocol.NewStreamError(s.id, protocol.ErrCodeFlowControl, "DATA exceeds send window")
	}
	if endStream {
		s.closeLocal()
	}
	return nil
}

// ReceiveHeaders applies the transition for a complete received header block.
func (s *Stream) ReceiveHeaders(fields []hpack.HeaderField, endStream bool) error {
	switch s.state {
	case Idle:
		s.state = Open
	case ReservedRemote:
		// We never send on a stream we were promised.
		s.state = HalfClosedLocal
	case Open, HalfClosedLocal:
	case ReservedLocal:
		return protocol.NewConnectionError(protocol.ErrCodeProtocol,
			fmt.Sprintf("HEADERS on locally reserved stream %d", s.id))
	default:
		return protocol.NewStreamError(s.id, protocol.ErrCodeStreamClosed, "HEADERS after END_STREAM")
	}
	s.headers = fields
	if endStream {
		s.closeRemote()
	}
	return nil
}

// ReceiveData applies the transition for a received DATA frame. flowLen is
// the frame's full payload length, padding included, which is what flow
// control accounts for.
func (s *Stream) ReceiveData(data []byte, flowLen uint32, endStream bool) error {
	switch s.state {
	case Open, HalfClosedLocal:
	case Idle, ReservedLocal, ReservedRemote:
		return protocol.NewConnectionError(protocol.ErrCodeProtocol,
			fmt.Sprintf("DATA on stream %d in state %s", s.id, s.state))
	default:
		return protocol.NewStreamError(s.id, protocol.ErrCodeStreamClosed, "DATA after END_STREAM")
	}
	if err := s.recv.Debit(flowLen); err != nil {
		return protocol.NewStreamError(s.id, protocol.ErrCodeFlowControl, "DATA exceeds receive window")
	}
	s.recvBuf = append(s.recvBuf, data...)
	// Padding is never delivered, so it is returned to the peer at once.
	s.unreturned.Consumed(flowLen - uint32(len(data)))
	if endStream {
		s.closeRemote()
	}
	return nil
}

// Reset moves the stream to Closed and discards both buffers.
func (s *Stream) Reset(code protocol.ErrorCode) {
	s.state = Closed
	s.resetCode = code
	s.wasReset = true
	s.queue = nil
	s.queueBytes = 0
	s.recvBuf = nil
}

func (s *Stream) closeLocal() {
	switch s.state {
	case Open:
		s.state = HalfClosedLocal
	case HalfClosedRemote:
		s.state = Closed
	}
}

func (s *Stream) closeRemote() {
	switch s.state {
	case Open:
		s.state = HalfClosedRemote
	case HalfClosedLocal:
		s.state = Closed
	}
}

// CreditSend applies a WINDOW_UPDATE from the peer.
func (s *Stream) CreditSend(n uint32) error {
	if err := s.send.Credit(n); err != nil {
		return protocol.NewStreamError(s.id, protocol.ErrCodeFlowControl, "send window overflow")
	}
	return nil
}

// AdjustSend applies a change of the peer's SETTINGS_INITIAL_WINDOW_SIZE.
func (s *Stream) AdjustSend(delta int64) error {
	return s.send.Adjust(delta)
}

// AdjustRecv applies a change of our acknowledged SETTINGS_INITIAL_WINDOW_SIZE.
func (s *Stream) AdjustRecv(delta int64) error {
	return s.recv.Adjust(delta)
}

// Consumed records n delivered bytes as processed by the application.
func (s *Stream) Consumed(n uint32) {
	s.unreturned.Consumed(n)
}

// TakeCredit credits the receive window with everything consumed so far
// and returns the increment to announce in a WINDOW_UPDATE.
func (s *Stream) TakeCredit() (uint32, error) {
	n := s.unreturned.Take()
	if n == 0 {
		return 0, nil
	}
	if err := s.recv.Credit(n); err != nil {
		return 0, err
	}
	return n, nil
}

// PendingCredit returns consumed bytes not yet credited back.
func (s *Stream) PendingCredit() uint32 {
	return s.unreturned.Pending()
}

// TakeReceived returns and clears the receive buffer.
func (s *Stream) TakeReceived() []byte {
	b := s.recvBuf
	s.recvBuf = nil
	return b
}

// Enqueue appends outbound work. Nothing may follow an item that ends the
// stream, and a closed stream accepts nothing.
func (s *Stream) Enqueue(it Item) error {
	switch {
	case s.queuedEnd:
		return invalidState("enqueue after END_STREAM", s.state)
	case s.state == Closed, s.state == HalfClosedLocal, s.state == ReservedRemote:
		return invalidState("enqueue", s.state)
	}
	opening := s.state == Idle || s.state == ReservedLocal
	if it.Kind == ItemData && opening && !s.hasQueuedHeaders() {
		return invalidState("enqueue DATA", s.state)
	}
	s.queue = append(s.queue, it)
	s.queueBytes += len(it.Data)
	if it.EndStream {
		s.queuedEnd = true
	}
	return nil
}

func (s *Stream) hasQueuedHeaders() bool {
	for _, it := range s.queue {
		if it.Kind == ItemHeaders {
			return true
		}
	}
	return false
}

// PendingBytes returns the DATA bytes waiting in the queue.
func (s *Stream) PendingBytes() int { return s.queueBytes }

// QueueLen returns the number of queued items.
func (s *Stream) QueueLen() int { return len(s.queue) }

// Sendable reports whether the head of the queue can be emitted when the
// connection has connWindow bytes of send credit.
func (s *Stream) Sendable(connWindow int64) bool {
	if len(s.queue) == 0 {
		return false
	}
	head := s.queue[0]
	if head.Kind == ItemHeaders || len(head.Data) == 0 {
		return true
	}
	return s.send.Available() > 0 && connWindow > 0
}

// Next pops the next frame's worth of work and applies its send
// transition. A DATA item yields at most limit bytes, further capped by the
// stream window; the remainder stays queued. The caller debits the
// connection window by len(Data).
func (s *Stream) Next(limit int) (Item, error) {
	if len(s.queue) == 0 {
		return Item{}, invalidState("next on empty queue", s.state)
	}
	head := &s.queue[0]
	if head.Kind == ItemHeaders {
		it := *head
		if err := s.SendHeaders(it.EndStream); err != nil {
			return Item{}, err
		}
		s.pop()
		return it, nil
	}

	n := len(head.Data)
	if w := s.send.Available(); int64(n) > w {
		n = int(max(w, 0))
	}
	if n > limit {
		n = limit
	}
	last := n == len(head.Data)
	it := Item{Kind: ItemData, Data: head.Data[:n], EndStream: head.EndStream && last}
	if err := s.SendData(it.Data, it.EndStream); err != nil {
		return Item{}, err
	}
	s.queueBytes -= n
	if last {
		s.pop()
	} else {
		head.Data = head.Data[n:]
	}
	return it, nil
}

func (s *Stream) pop() {
	s.queue[0] = Item{}
	s.queue = s.queue[1:]
	if len(s.queue) == 0 {
		s.queue = nil
	}
}

// Done reports whether the stream is closed with nothing left to flush or
// deliver, so its record can be released.
func (s *Stream) Done() bool {
	return s.state == Closed && len(s.queue) == 0 && len(s.recvBuf) == 0
}
