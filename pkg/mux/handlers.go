package mux

import (
	"fmt"
	"sort"

	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/protocol"
	"github.com/vango-dev/h2mux/pkg/stream"
)

func protocolError(format string, args ...any) error {
	return protocol.NewConnectionError(protocol.ErrCodeProtocol, fmt.Sprintf(format, args...))
}

// missingStream classifies a frame addressed to a stream we hold no
// record of.
func (c *Conn) missingStream(f *protocol.Frame) error {
	if c.idle(f.StreamID) {
		return protocolError("%s on idle stream %d", f.Type, f.StreamID)
	}
	return protocol.NewStreamError(f.StreamID, protocol.ErrCodeStreamClosed, f.Type.String()+" on closed stream")
}

func (c *Conn) onData(f *protocol.Frame) error {
	data, err := protocol.DecodeData(f)
	if err != nil {
		return protocolError("DATA: %v", err)
	}
	n := uint32(len(f.Payload))
	if err := c.recvWindow.Debit(n); err != nil {
		return protocol.NewConnectionError(protocol.ErrCodeFlowControl, "DATA exceeds connection receive window")
	}

	s, ok := c.streams[f.StreamID]
	if !ok {
		c.connConsumed(n)
		c.returnCredit(nil)
		return c.missingStream(f)
	}
	end := f.Flags.Has(protocol.FlagEndStream)
	if err := s.ReceiveData(data, n, end); err != nil {
		c.connConsumed(n)
		c.returnCredit(nil)
		return err
	}
	c.connConsumed(n - uint32(len(data)))

	if b := s.TakeReceived(); len(b) > 0 || end {
		c.emit(Event{Kind: EventData, StreamID: s.ID(), Data: b, EndStream: end})
	}
	if c.cfg.AutoWindowUpdate && len(data) > 0 {
		s.Consumed(uint32(len(data)))
		c.connConsumed(uint32(len(data)))
	}
	c.returnCredit(s)
	c.release(s, false)
	return nil
}

func (c *Conn) onHeaders(f *protocol.Frame) error {
	hp, err := protocol.DecodeHeaders(f)
	if err != nil {
		return protocolError("HEADERS: %v", err)
	}
	b := &headerBlock{
		kind:      blockHeaders,
		streamID:  f.StreamID,
		endStream: f.Flags.Has(protocol.FlagEndStream),
		prio:      hp.Priority,
	}
	return c.startBlock(b, hp.BlockFragment, f.Flags.Has(protocol.FlagEndHeaders))
}

func (c *Conn) startBlock(b *headerBlock, frag []byte, endHeaders bool) error {
	b.buf = append(b.buf, frag...)
	if endHeaders {
		return c.finishBlock(b)
	}
	c.block = b
	return nil
}

func (c *Conn) onContinuation(f *protocol.Frame) error {
	b := c.block
	if b == nil {
		return protocolError("CONTINUATION on stream %d without a header block", f.StreamID)
	}
	if len(b.buf)+len(f.Payload) > maxHeaderBlock {
		return protocol.NewConnectionError(protocol.ErrCodeEnhanceYourCalm, "header block too large")
	}
	b.buf = append(b.buf, f.Payload...)
	if !f.Flags.Has(protocol.FlagEndHeaders) {
		return nil
	}
	c.block = nil
	return c.finishBlock(b)
}

// finishBlock decodes a complete block. Decoding happens even when the
// stream is refused or closed so the dynamic table stays in step with the
// peer's encoder.
func (c *Conn) finishBlock(b *headerBlock) error {
	fields, err := c.dec.DecodeBlock(b.buf)
	if err != nil {
		return protocol.NewConnectionError(protocol.ErrCodeCompression, err.Error())
	}
	if b.kind == blockPushPromise {
		return c.finishPushPromise(b, fields)
	}
	return c.finishHeaders(b, fields)
}

func (c *Conn) finishHeaders(b *headerBlock, fields []hpack.HeaderField) error {
	id := b.streamID
	s, ok := c.streams[id]
	if !ok {
		var err error
		if s, err = c.acceptStream(id); err != nil || s == nil {
			return err
		}
	}
	if b.prio != nil {
		if err := c.applyPriority(id, *b.prio); err != nil {
			return err
		}
	}
	if size := hpack.ListSize(fields); size > c.local.MaxHeaderListSize {
		return protocol.NewStreamError(id, protocol.ErrCodeProtocol,
			fmt.Sprintf("header list size %d exceeds %d", size, c.local.MaxHeaderListSize))
	}
	if err := s.ReceiveHeaders(fields, b.endStream); err != nil {
		return err
	}
	c.emit(Event{Kind: EventHeaders, StreamID: id, Headers: fields, EndStream: b.endStream})
	c.release(s, false)
	return nil
}

// acceptStream creates a stream the peer opened with HEADERS. It returns
// a nil stream and nil error when the stream is ignored after GOAWAY.
func (c *Conn) acceptStream(id uint32) (*stream.Stream, error) {
	switch {
	case c.closed.contains(id) || !c.idle(id):
		return nil, protocol.NewStreamError(id, protocol.ErrCodeStreamClosed, "HEADERS on closed stream")
	case !c.isPeerID(id) || c.cfg.Role == RoleClient:
		return nil, protocolError("HEADERS cannot open stream %d", id)
	}
	c.lastPeerID = id
	if c.goAwaySent {
		return nil, nil
	}
	if c.activeStreams(false) >= c.local.MaxConcurrentStreams {
		return nil, protocol.NewStreamError(id, protocol.ErrCodeRefusedStream, "concurrent stream limit reached")
	}
	s := stream.New(id, int32(c.peer.InitialWindowSize), int32(c.local.InitialWindowSize))
	c.streams[id] = s
	// Add keeps any priority an earlier PRIORITY frame gave this id.
	_ = c.tree.Add(id)
	c.obs.StreamOpened(id, false)
	return s, nil
}

func (c *Conn) onPriority(f *protocol.Frame) error {
	p, err := protocol.DecodePriority(f)
	if err != nil {
		return protocol.NewStreamError(f.StreamID, protocol.ErrCodeFrameSize, err.Error())
	}
	return c.applyPriority(f.StreamID, p)
}

// applyPriority updates the tree. Nodes for streams that do not exist are
// capped at MaxPriorityNodes; PRIORITY frames beyond the cap are ignored.
func (c *Conn) applyPriority(id uint32, p protocol.PriorityParam) error {
	if p.StreamDep == id {
		return protocol.NewStreamError(id, protocol.ErrCodeProtocol, "stream depends on itself")
	}
	_, live := c.streams[id]
	if !live && !c.tree.Contains(id) && c.tree.Len()-len(c.streams) >= c.cfg.MaxPriorityNodes {
		c.log.Debug("priority node limit reached", "stream", id)
		return nil
	}
	if err := c.tree.SetPriority(id, p.Weight, p.StreamDep, p.Exclusive); err != nil {
		return protocol.NewStreamError(id, protocol.ErrCodeProtocol, err.Error())
	}
	return nil
}

func (c *Conn) onRSTStream(f *protocol.Frame) error {
	code, err := protocol.DecodeRSTStream(f)
	if err != nil {
		return protocol.NewConnectionError(protocol.ErrCodeFrameSize, err.Error())
	}
	s, ok := c.streams[f.StreamID]
	if !ok {
		if c.idle(f.StreamID) {
			return protocolError("RST_STREAM on idle stream %d", f.StreamID)
		}
		return nil
	}
	if s.State() == stream.Idle {
		return protocolError("RST_STREAM on idle stream %d", f.StreamID)
	}
	c.log.Debug("stream reset by peer", "stream", f.StreamID, "code", code.String())
	s.Reset(code)
	c.release(s, true)
	return nil
}

func (c *Conn) onSettings(f *protocol.Frame) error {
	if f.Flags.Has(protocol.FlagAck) {
		if len(c.pending) == 0 {
			return protocolError("unexpected SETTINGS acknowledgement")
		}
		next := c.pending[0]
		c.pending = c.pending[1:]
		c.applyLocal(next)
		return nil
	}

	settings, err := protocol.DecodeSettings(f.Payload)
	if err != nil {
		return protocol.NewConnectionError(protocol.ErrCodeFrameSize, err.Error())
	}
	for _, st := range settings {
		if err := st.Valid(); err != nil {
			return err
		}
		switch st.ID {
		case protocol.SettingInitialWindowSize:
			delta := int64(st.Val) - int64(c.peer.InitialWindowSize)
			for _, s := range c.streams {
				if err := s.AdjustSend(delta); err != nil {
					return protocol.NewConnectionError(protocol.ErrCodeFlowControl,
						fmt.Sprintf("stream %d send window overflow", s.ID()))
				}
			}
		case protocol.SettingHeaderTableSize:
			if n := min(st.Val, c.cfg.MaxEncoderTableSize); n != c.enc.Table().MaxSize() {
				c.enc.SetMaxTableSize(n)
			}
		case protocol.SettingMaxFrameSize:
			c.out.MaxFrameSize = st.Val
		}
		c.peer.apply(st)
	}
	c.queue(protocol.SettingsAckFrame())
	c.emit(Event{Kind: EventSettings})
	return nil
}

// applyLocal puts settings we sent into force once the peer acknowledges
// them.
func (c *Conn) applyLocal(next Settings) {
	delta := int64(next.InitialWindowSize) - int64(c.local.InitialWindowSize)
	c.local = next
	c.in.MaxFrameSize = next.MaxFrameSize
	c.dec.SetAllowedMaxTableSize(next.HeaderTableSize)
	if delta == 0 {
		return
	}
	for _, s := range c.streams {
		if err := s.AdjustRecv(delta); err != nil {
			c.log.Error("receive window overflow", "stream", s.ID(), "error", err)
		}
	}
}

func (c *Conn) onWindowUpdate(f *protocol.Frame) error {
	inc, err := protocol.DecodeWindowUpdate(f)
	if err != nil {
		return protocol.NewConnectionError(protocol.ErrCodeFrameSize, err.Error())
	}
	if f.StreamID == 0 {
		if inc == 0 {
			return protocolError("connection WINDOW_UPDATE with zero increment")
		}
		if err := c.sendWindow.Credit(inc); err != nil {
			return protocol.NewConnectionError(protocol.ErrCodeFlowControl, "connection send window overflow")
		}
		return nil
	}

	s, ok := c.streams[f.StreamID]
	if !ok {
		if c.closed.contains(f.StreamID) {
			return nil
		}
		return c.missingStream(f)
	}
	if inc == 0 {
		return protocol.NewStreamError(f.StreamID, protocol.ErrCodeProtocol, "WINDOW_UPDATE with zero increment")
	}
	return s.CreditSend(inc)
}

func (c *Conn) onPing(f *protocol.Frame) error {
	data, err := protocol.DecodePing(f)
	if err != nil {
		return protocol.NewConnectionError(protocol.ErrCodeFrameSize, err.Error())
	}
	if f.Flags.Has(protocol.FlagAck) {
		c.emit(Event{Kind: EventPingAck, Ping: data})
		return nil
	}
	c.queue(protocol.PingFrame(data, true))
	return nil
}

// onGoAway refuses every stream we opened above the peer's last stream id;
// the peer never processed them and they may be retried elsewhere.
func (c *Conn) onGoAway(f *protocol.Frame) error {
	g, err := protocol.DecodeGoAway(f)
	if err != nil {
		return protocol.NewConnectionError(protocol.ErrCodeFrameSize, err.Error())
	}
	c.goAwayRecv = true
	c.log.Info("goaway received", "last_stream", g.LastStreamID, "code", g.Code.String())

	var refused []uint32
	for id := range c.streams {
		if !c.isPeerID(id) && id > g.LastStreamID {
			refused = append(refused, id)
		}
	}
	sort.Slice(refused, func(i, j int) bool { return refused[i] < refused[j] })
	for _, id := range refused {
		s := c.streams[id]
		s.Reset(protocol.ErrCodeRefusedStream)
		c.release(s, true)
	}

	c.emit(Event{
		Kind:         EventGoAway,
		LastStreamID: g.LastStreamID,
		Code:         g.Code,
		DebugData:    g.DebugData,
	})
	return nil
}
