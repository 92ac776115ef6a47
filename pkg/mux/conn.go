// Package mux multiplexes prioritized, flow-controlled streams over one
// connection.
//
// A Conn does no I/O of its own. The host passes received bytes to Feed,
// acts on the returned events, and writes whatever Drain returns to the
// transport:
//
//	evs, err := conn.Feed(buf[:n])
//	for _, ev := range evs { ... }
//	if out := conn.Drain(); len(out) > 0 {
//	    w.Write(out)
//	}
//
// Header blocks are HPACK-encoded at the moment their frames are emitted,
// so the encoder's dynamic table always follows wire order.
package mux

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/vango-dev/h2mux/pkg/flow"
	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/priority"
	"github.com/vango-dev/h2mux/pkg/protocol"
	"github.com/vango-dev/h2mux/pkg/stream"
)

var (
	ErrConnClosed         = errors.New("mux: connection closed")
	ErrGoingAway          = errors.New("mux: connection is going away")
	ErrStreamNotFound     = errors.New("mux: stream not found")
	ErrStreamIDsExhausted = errors.New("mux: stream identifiers exhausted")
)

// maxHeaderBlock bounds a header block buffered across CONTINUATION frames.
const maxHeaderBlock = 1 << 20

type blockKind uint8

const (
	blockHeaders blockKind = iota
	blockPushPromise
)

// headerBlock accumulates a HEADERS or PUSH_PROMISE block until
// END_HEADERS.
type headerBlock struct {
	kind       blockKind
	streamID   uint32
	promisedID uint32
	endStream  bool
	prio       *protocol.PriorityParam
	buf        []byte
}

// Conn is one endpoint of a multiplexed connection. It is not safe for
// concurrent use; see transport.Session for a goroutine-driven wrapper.
type Conn struct {
	cfg Config
	log *slog.Logger
	obs Observer

	in  *protocol.Codec
	out *protocol.Codec

	// local holds our acknowledged settings; pending the ones sent and
	// not yet acknowledged, oldest first.
	local   Settings
	pending []Settings
	peer    Settings

	enc *hpack.Encoder
	dec *hpack.Decoder

	streams map[uint32]*stream.Stream
	tree    *priority.Tree
	closed  *closedRing

	nextID     uint32
	lastPeerID uint32

	sendWindow flow.Window
	recvWindow flow.Window
	unreturned flow.Receiver

	inbuf []byte
	skip  int
	block *headerBlock

	control []*protocol.Frame
	events  []Event

	goAwaySent bool
	goAwayRecv bool
	err        *protocol.ConnectionError
}

// NewConn creates a connection endpoint. Our initial SETTINGS frame is
// queued immediately and goes out with the first Drain.
func NewConn(cfg Config) *Conn {
	cfg = cfg.normalize()
	c := &Conn{
		cfg:        cfg,
		log:        cfg.Logger.With("role", cfg.Role.String()),
		obs:        cfg.Observer,
		in:         protocol.NewCodec(protocol.DefaultMaxFrameSize, cfg.StrictReservedBit),
		out:        protocol.NewCodec(protocol.DefaultMaxFrameSize, false),
		local:      InitialSettings(),
		peer:       InitialSettings(),
		enc:        hpack.NewEncoder(nil),
		dec:        hpack.NewDecoder(nil),
		streams:    make(map[uint32]*stream.Stream),
		tree:       priority.New(),
		closed:     newClosedRing(cfg.ClosedStreamGrace),
		sendWindow: flow.NewWindow(flow.DefaultInitialWindow),
		recvWindow: flow.NewWindow(flow.DefaultInitialWindow),
	}
	if cfg.Role == RoleClient {
		c.nextID = 1
	} else {
		c.nextID = 2
	}
	if cfg.MaxEncoderTableSize < hpack.DefaultTableSize {
		c.enc.SetMaxTableSize(cfg.MaxEncoderTableSize)
	}

	target := cfg.settings()
	c.pending = append(c.pending, target)
	c.queue(protocol.SettingsFrame(target.list()...))
	if inc := cfg.ConnWindowSize - flow.DefaultInitialWindow; inc > 0 {
		_ = c.recvWindow.Credit(inc)
		c.queue(protocol.WindowUpdateFrame(0, inc))
	}
	return c
}

// Role returns the endpoint's role.
func (c *Conn) Role() Role { return c.cfg.Role }

// Feed processes received bytes. Partial frames are buffered until the
// rest arrives. It returns the events produced, including any left over
// from local operations since the previous call. A *protocol.ConnectionError
// means the connection failed; the GOAWAY reporting it is ready in Drain
// and every later Feed returns ErrConnClosed.
func (c *Conn) Feed(p []byte) ([]Event, error) {
	if c.err != nil {
		return c.takeEvents(), ErrConnClosed
	}
	c.inbuf = append(c.inbuf, p...)
	off := 0
	for c.err == nil {
		if c.skip > 0 {
			n := min(c.skip, len(c.inbuf)-off)
			off += n
			c.skip -= n
			if c.skip > 0 {
				break
			}
		}
		f, n, err := c.in.Decode(c.inbuf[off:])
		if errors.Is(err, protocol.ErrShortBuffer) {
			break
		}
		if err != nil {
			c.decodeError(c.inbuf[off:], err)
			off += protocol.FrameHeaderSize
			continue
		}
		off += n
		c.obs.FrameReceived(f)
		if err := c.dispatch(f); err != nil {
			c.handleError(err)
		}
	}
	c.inbuf = append(c.inbuf[:0], c.inbuf[off:]...)

	evs := c.takeEvents()
	if c.err != nil {
		return evs, c.err
	}
	return evs, nil
}

// decodeError handles a frame header the codec refused. An oversized DATA
// frame on a stream only resets that stream; its payload is skipped.
func (c *Conn) decodeError(buf []byte, err error) {
	h, _ := protocol.DecodeFrameHeader(buf)
	switch {
	case errors.Is(err, protocol.ErrFrameTooLarge) && h.Type == protocol.FrameData && h.StreamID != 0 && c.block == nil:
		c.skip = int(h.Length)
		if err := c.recvWindow.Debit(h.Length); err != nil {
			c.fail(protocol.NewConnectionError(protocol.ErrCodeFlowControl, "DATA exceeds connection receive window"))
			return
		}
		c.connConsumed(h.Length)
		c.returnCredit(nil)
		c.handleError(protocol.NewStreamError(h.StreamID, protocol.ErrCodeFrameSize,
			fmt.Sprintf("DATA length %d exceeds SETTINGS_MAX_FRAME_SIZE", h.Length)))
	case errors.Is(err, protocol.ErrFrameTooLarge):
		c.fail(protocol.NewConnectionError(protocol.ErrCodeFrameSize,
			fmt.Sprintf("%s length %d exceeds SETTINGS_MAX_FRAME_SIZE", h.Type, h.Length)))
	case errors.Is(err, protocol.ErrReservedBit):
		c.fail(protocol.NewConnectionError(protocol.ErrCodeProtocol, "reserved stream id bit set"))
	default:
		c.fail(protocol.NewConnectionError(protocol.ErrCodeProtocol, err.Error()))
	}
}

// frameHandlers is indexed by frame type.
var frameHandlers = [protocol.NumFrameTypes]func(*Conn, *protocol.Frame) error{
	protocol.FrameData:         (*Conn).onData,
	protocol.FrameHeaders:      (*Conn).onHeaders,
	protocol.FramePriority:     (*Conn).onPriority,
	protocol.FrameRSTStream:    (*Conn).onRSTStream,
	protocol.FrameSettings:     (*Conn).onSettings,
	protocol.FramePushPromise:  (*Conn).onPushPromise,
	protocol.FramePing:         (*Conn).onPing,
	protocol.FrameGoAway:       (*Conn).onGoAway,
	protocol.FrameWindowUpdate: (*Conn).onWindowUpdate,
	protocol.FrameContinuation: (*Conn).onContinuation,
}

func (c *Conn) dispatch(f *protocol.Frame) error {
	if b := c.block; b != nil && (f.Type != protocol.FrameContinuation || f.StreamID != b.streamID) {
		return protocol.NewConnectionError(protocol.ErrCodeProtocol,
			fmt.Sprintf("%s on stream %d inside header block of stream %d", f.Type, f.StreamID, b.streamID))
	}
	if !f.Type.Known() {
		return nil
	}
	if err := protocol.CheckFrame(f); err != nil {
		return err
	}
	return frameHandlers[f.Type](c, f)
}

func (c *Conn) handleError(err error) {
	var se *protocol.StreamError
	var ce *protocol.ConnectionError
	switch {
	case errors.As(err, &se):
		c.log.Debug("stream error", "stream", se.StreamID, "code", se.Code.String(), "reason", se.Reason)
		c.obs.StreamError(se)
		c.resetStream(se.StreamID, se.Code)
	case errors.As(err, &ce):
		c.fail(ce)
	default:
		c.fail(protocol.NewConnectionError(protocol.ErrCodeInternal, err.Error()))
	}
}

// fail moves the connection to its terminal state and queues a GOAWAY
// carrying the error.
func (c *Conn) fail(ce *protocol.ConnectionError) {
	if c.err != nil {
		return
	}
	c.err = ce
	c.block = nil
	c.goAwaySent = true
	c.log.Warn("connection error", "code", ce.Code.String(), "reason", ce.Reason, "last_stream", c.lastPeerID)
	c.obs.ConnectionError(ce)
	c.queue(protocol.GoAwayFrame(protocol.GoAway{
		LastStreamID: c.lastPeerID,
		Code:         ce.Code,
		DebugData:    []byte(ce.Reason),
	}))
}

// resetStream queues RST_STREAM and releases the stream if we hold it.
func (c *Conn) resetStream(id uint32, code protocol.ErrorCode) {
	c.queue(protocol.RSTStreamFrame(id, code))
	s, ok := c.streams[id]
	if !ok {
		c.closed.add(id)
		return
	}
	s.Reset(code)
	c.release(s, false)
}

// release drops a finished stream from the connection.
func (c *Conn) release(s *stream.Stream, remote bool) {
	if !s.Done() {
		return
	}
	id := s.ID()
	code, _ := s.ResetCode()
	delete(c.streams, id)
	c.tree.Remove(id)
	c.closed.add(id)
	c.emit(Event{Kind: EventStreamClosed, StreamID: id, Code: code, Remote: remote})
	c.obs.StreamClosed(id, code)
}

func (c *Conn) queue(f *protocol.Frame) {
	c.control = append(c.control, f)
}

func (c *Conn) emit(ev Event) {
	c.events = append(c.events, ev)
}

func (c *Conn) takeEvents() []Event {
	evs := c.events
	c.events = nil
	return evs
}

// isPeerID reports whether id has the peer's parity.
func (c *Conn) isPeerID(id uint32) bool {
	return (id%2 == 0) == (c.cfg.Role == RoleClient)
}

// idle reports whether id has never been used by its initiator.
func (c *Conn) idle(id uint32) bool {
	if c.isPeerID(id) {
		return id > c.lastPeerID
	}
	return id >= c.nextID
}

// activeStreams counts open or half-closed streams initiated by us
// (local) or by the peer. Locally opened streams whose HEADERS are still
// queued count as well.
func (c *Conn) activeStreams(local bool) uint32 {
	var n uint32
	for id, s := range c.streams {
		if c.isPeerID(id) == local {
			continue
		}
		switch s.State() {
		case stream.Closed, stream.ReservedLocal, stream.ReservedRemote:
			continue
		}
		n++
	}
	return n
}

// connConsumed records n bytes of connection credit ready to return.
func (c *Conn) connConsumed(n uint32) {
	c.unreturned.Consumed(n)
}

// returnCredit queues WINDOW_UPDATE frames for credit consumed on s and on
// the connection. s may be nil.
func (c *Conn) returnCredit(s *stream.Stream) {
	if s != nil && s.State().CanReceive() {
		n, err := s.TakeCredit()
		if err != nil {
			c.log.Error("stream credit overflow", "stream", s.ID(), "error", err)
		} else if n > 0 {
			c.queue(protocol.WindowUpdateFrame(s.ID(), n))
		}
	}
	if n := c.unreturned.Take(); n > 0 {
		if err := c.recvWindow.Credit(n); err != nil {
			c.log.Error("connection credit overflow", "error", err)
			return
		}
		c.queue(protocol.WindowUpdateFrame(0, n))
	}
}

// Closed reports whether the connection failed.
func (c *Conn) Closed() bool { return c.err != nil }

// Err returns the connection error, if any.
func (c *Conn) Err() error {
	if c.err == nil {
		return nil
	}
	return c.err
}

// GoingAway reports whether either side sent GOAWAY.
func (c *Conn) GoingAway() bool { return c.goAwaySent || c.goAwayRecv }

// Events returns events produced by local operations, such as streams
// released while draining, without waiting for the next Feed.
func (c *Conn) Events() []Event { return c.takeEvents() }

// LocalSettings returns our acknowledged settings.
func (c *Conn) LocalSettings() Settings { return c.local }

// PeerSettings returns the peer's settings as last received.
func (c *Conn) PeerSettings() Settings { return c.peer }

// SendWindow returns the connection-level send credit.
func (c *Conn) SendWindow() int64 { return c.sendWindow.Available() }

// RecvWindow returns the connection-level receive credit.
func (c *Conn) RecvWindow() int64 { return c.recvWindow.Available() }

// NumStreams returns the number of streams the connection holds.
func (c *Conn) NumStreams() int { return len(c.streams) }

// StreamInfo is a snapshot of one stream.
type StreamInfo struct {
	ID           uint32
	State        stream.State
	SendWindow   int64
	RecvWindow   int64
	Weight       uint16
	Parent       uint32
	PendingBytes int
	Queued       int
}

// Stream returns a snapshot of stream id.
func (c *Conn) Stream(id uint32) (StreamInfo, bool) {
	s, ok := c.streams[id]
	if !ok {
		return StreamInfo{}, false
	}
	return StreamInfo{
		ID:           id,
		State:        s.State(),
		SendWindow:   s.SendWindow(),
		RecvWindow:   s.RecvWindow(),
		Weight:       c.tree.Weight(id),
		Parent:       c.tree.Parent(id),
		PendingBytes: s.PendingBytes(),
		Queued:       s.QueueLen(),
	}, true
}

// Schedule returns the streams that can send now, in the order of the
// bandwidth share the priority tree gives them.
func (c *Conn) Schedule() []uint32 {
	return c.tree.Schedule(c.sendable)
}
