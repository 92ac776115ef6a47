package mux

import (
	"fmt"

	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/protocol"
	"github.com/vango-dev/h2mux/pkg/stream"
)

// OpenStream allocates the next local stream id and queues its HEADERS.
// When the peer's SETTINGS_MAX_CONCURRENT_STREAMS is reached it returns a
// *protocol.StreamError with REFUSED_STREAM and allocates nothing.
func (c *Conn) OpenStream(fields []hpack.HeaderField, endStream bool) (uint32, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if c.activeStreams(true) >= c.peer.MaxConcurrentStreams {
		return 0, protocol.NewStreamError(c.nextID, protocol.ErrCodeRefusedStream, "peer concurrent stream limit reached")
	}
	id, err := c.allocID()
	if err != nil {
		return 0, err
	}
	s := stream.New(id, int32(c.peer.InitialWindowSize), int32(c.local.InitialWindowSize))
	if err := s.Enqueue(stream.Item{Kind: stream.ItemHeaders, Fields: fields, EndStream: endStream}); err != nil {
		return 0, err
	}
	c.streams[id] = s
	_ = c.tree.Add(id)
	c.obs.StreamOpened(id, true)
	return id, nil
}

func (c *Conn) checkOpen() error {
	switch {
	case c.err != nil:
		return ErrConnClosed
	case c.goAwaySent || c.goAwayRecv:
		return ErrGoingAway
	}
	return nil
}

func (c *Conn) allocID() (uint32, error) {
	if c.nextID > protocol.MaxStreamID {
		return 0, ErrStreamIDsExhausted
	}
	id := c.nextID
	c.nextID += 2
	return id, nil
}

func (c *Conn) lookup(id uint32) (*stream.Stream, error) {
	if c.err != nil {
		return nil, ErrConnClosed
	}
	s, ok := c.streams[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrStreamNotFound, id)
	}
	return s, nil
}

// EnqueueHeaders queues a header block, such as a response or trailers.
func (c *Conn) EnqueueHeaders(id uint32, fields []hpack.HeaderField, endStream bool) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	return s.Enqueue(stream.Item{Kind: stream.ItemHeaders, Fields: fields, EndStream: endStream})
}

// EnqueueData queues payload bytes. The bytes are copied. DATA is split to
// fit the peer's frame size and both flow-control windows when drained.
func (c *Conn) EnqueueData(id uint32, data []byte, endStream bool) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	return s.Enqueue(stream.Item{Kind: stream.ItemData, Data: append([]byte(nil), data...), EndStream: endStream})
}

// Reset abandons a stream with code. A stream whose HEADERS never left is
// dropped silently since the peer has not seen it.
func (c *Conn) Reset(id uint32, code protocol.ErrorCode) error {
	s, err := c.lookup(id)
	if err != nil {
		return err
	}
	if s.State() == stream.Idle {
		s.Reset(code)
		c.release(s, false)
		return nil
	}
	c.resetStream(id, code)
	return nil
}

// GoAway starts a graceful shutdown. Streams the peer opens afterwards are
// ignored; existing ones run to completion.
func (c *Conn) GoAway(code protocol.ErrorCode, debug []byte) error {
	if c.err != nil {
		return ErrConnClosed
	}
	c.goAwaySent = true
	c.queue(protocol.GoAwayFrame(protocol.GoAway{
		LastStreamID: c.lastPeerID,
		Code:         code,
		DebugData:    debug,
	}))
	return nil
}

// Ping queues a PING. The acknowledgement arrives as EventPingAck.
func (c *Conn) Ping(data [8]byte) error {
	if c.err != nil {
		return ErrConnClosed
	}
	c.queue(protocol.PingFrame(data, false))
	return nil
}

// SetPriority changes a stream's place in the dependency tree and tells
// the peer with a PRIORITY frame.
func (c *Conn) SetPriority(id uint32, weight uint16, parent uint32, exclusive bool) error {
	if c.err != nil {
		return ErrConnClosed
	}
	if err := c.tree.SetPriority(id, weight, parent, exclusive); err != nil {
		return err
	}
	c.queue(protocol.PriorityFrame(id, protocol.PriorityParam{
		StreamDep: parent,
		Exclusive: exclusive,
		Weight:    c.tree.Weight(id),
	}))
	return nil
}

// UpdateSettings sends new values for our settings. They take effect when
// the peer acknowledges them.
func (c *Conn) UpdateSettings(changes ...protocol.Setting) error {
	if c.err != nil {
		return ErrConnClosed
	}
	next := c.local
	if n := len(c.pending); n > 0 {
		next = c.pending[n-1]
	}
	for _, st := range changes {
		if err := st.Valid(); err != nil {
			return err
		}
		next.apply(st)
	}
	c.pending = append(c.pending, next)
	c.queue(protocol.SettingsFrame(changes...))
	return nil
}

// Consume returns n bytes of receive credit for stream id after the
// application has processed them. It only matters when AutoWindowUpdate
// is off. Credit for a stream that has since closed still goes back to the
// connection window.
func (c *Conn) Consume(id uint32, n uint32) error {
	if c.err != nil {
		return ErrConnClosed
	}
	if c.cfg.AutoWindowUpdate || n == 0 {
		return nil
	}
	s := c.streams[id]
	if s != nil {
		s.Consumed(n)
	}
	c.connConsumed(n)
	c.returnCredit(s)
	return nil
}

// WantWrite reports whether Drain would produce output.
func (c *Conn) WantWrite() bool {
	if len(c.control) > 0 {
		return true
	}
	if c.err != nil {
		return false
	}
	for id := range c.streams {
		if c.sendable(id) {
			return true
		}
	}
	return false
}

// Drain returns the bytes to write next: control frames first, then
// stream frames in priority order until nothing more fits the flow-control
// windows. After a connection error only control frames, ending with the
// GOAWAY, are produced.
func (c *Conn) Drain() []byte {
	var out []byte
	for _, f := range c.control {
		out = c.write(out, f)
	}
	c.control = nil
	if c.err != nil {
		return out
	}
	for {
		id, ok := c.tree.Next(c.sendable)
		if !ok {
			break
		}
		out = c.emitStream(out, c.streams[id])
	}
	return out
}

func (c *Conn) sendable(id uint32) bool {
	s, ok := c.streams[id]
	return ok && s.Sendable(c.sendWindow.Available())
}

// emitStream writes one frame's worth of s's queue.
func (c *Conn) emitStream(out []byte, s *stream.Stream) []byte {
	limit := int(min(c.sendWindow.Available(), int64(c.peer.MaxFrameSize)))
	it, err := s.Next(limit)
	if err != nil {
		c.log.Error("dropping stream with unsendable queue", "stream", s.ID(), "error", err)
		c.resetStream(s.ID(), protocol.ErrCodeInternal)
		return out
	}
	switch it.Kind {
	case stream.ItemHeaders:
		frags := splitBlock(c.enc.EncodeBlock(it.Fields), int(c.peer.MaxFrameSize), int(c.peer.MaxFrameSize))
		out = c.write(out, protocol.HeadersFrame(s.ID(), frags[0], it.EndStream, len(frags) == 1, nil))
		out = c.writeContinuations(out, s.ID(), frags[1:])
	case stream.ItemData:
		_ = c.sendWindow.Debit(uint32(len(it.Data)))
		out = c.write(out, protocol.DataFrame(s.ID(), it.Data, it.EndStream))
	}
	c.release(s, false)
	return out
}

func (c *Conn) writeContinuations(out []byte, id uint32, frags [][]byte) []byte {
	for i, frag := range frags {
		out = c.write(out, protocol.ContinuationFrame(id, frag, i == len(frags)-1))
	}
	return out
}

func (c *Conn) write(out []byte, f *protocol.Frame) []byte {
	b, err := c.out.AppendFrame(out, f)
	if err != nil {
		c.log.Error("dropping unencodable frame", "type", f.Type.String(), "stream", f.StreamID, "error", err)
		return out
	}
	c.obs.FrameSent(f)
	return b
}

// splitBlock cuts a header block into fragments: the first at most first
// bytes, the rest at most rest bytes. It always returns at least one,
// possibly empty, fragment.
func splitBlock(block []byte, first, rest int) [][]byte {
	n := min(len(block), first)
	frags := [][]byte{block[:n]}
	block = block[n:]
	for len(block) > 0 {
		n = min(len(block), rest)
		frags = append(frags, block[:n])
		block = block[n:]
	}
	return frags
}
