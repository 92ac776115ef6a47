package mux

import (
	"errors"
	"fmt"

	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/protocol"
	"github.com/vango-dev/h2mux/pkg/stream"
)

var (
	ErrPushNotAllowed    = errors.New("mux: only servers push")
	ErrPushDisabled      = errors.New("mux: peer disabled push")
	ErrInvalidPushParent = errors.New("mux: push needs an open stream initiated by the peer")
)

// Push reserves a server-initiated stream associated with parentID and
// queues the PUSH_PROMISE carrying the promised request headers. The
// response is then sent on the returned stream with EnqueueHeaders and
// EnqueueData.
func (c *Conn) Push(parentID uint32, request []hpack.HeaderField) (uint32, error) {
	if err := c.checkOpen(); err != nil {
		return 0, err
	}
	if c.cfg.Role != RoleServer {
		return 0, ErrPushNotAllowed
	}
	if !c.peer.EnablePush {
		return 0, ErrPushDisabled
	}
	parent, ok := c.streams[parentID]
	if !ok || !c.isPeerID(parentID) {
		return 0, fmt.Errorf("%w: stream %d", ErrInvalidPushParent, parentID)
	}
	switch parent.State() {
	case stream.Open, stream.HalfClosedRemote:
	default:
		return 0, fmt.Errorf("%w: stream %d is %s", ErrInvalidPushParent, parentID, parent.State())
	}
	if c.activeStreams(true) >= c.peer.MaxConcurrentStreams {
		return 0, protocol.NewStreamError(c.nextID, protocol.ErrCodeRefusedStream, "peer concurrent stream limit reached")
	}
	id, err := c.allocID()
	if err != nil {
		return 0, err
	}

	s := stream.NewReserved(id, true, int32(c.peer.InitialWindowSize), int32(c.local.InitialWindowSize))
	c.streams[id] = s
	_ = c.tree.SetPriority(id, protocol.DefaultWeight, parentID, false)

	// The block is encoded now and queued ahead of any stream frame, so
	// the encoder still sees blocks in wire order.
	limit := int(c.peer.MaxFrameSize)
	frags := splitBlock(c.enc.EncodeBlock(request), limit-4, limit)
	c.queue(protocol.PushPromiseFrame(parentID, id, frags[0], len(frags) == 1))
	for i, frag := range frags[1:] {
		c.queue(protocol.ContinuationFrame(parentID, frag, i == len(frags)-2))
	}
	c.obs.StreamOpened(id, true)
	return id, nil
}

func (c *Conn) onPushPromise(f *protocol.Frame) error {
	if c.cfg.Role == RoleServer {
		return protocolError("PUSH_PROMISE sent to a server")
	}
	if !c.local.EnablePush {
		return protocolError("PUSH_PROMISE with push disabled")
	}
	pp, err := protocol.DecodePushPromise(f)
	if err != nil {
		return protocolError("PUSH_PROMISE: %v", err)
	}
	if !c.isPeerID(pp.PromisedID) || pp.PromisedID <= c.lastPeerID {
		return protocolError("PUSH_PROMISE reserves invalid stream %d", pp.PromisedID)
	}
	c.lastPeerID = pp.PromisedID
	b := &headerBlock{
		kind:       blockPushPromise,
		streamID:   f.StreamID,
		promisedID: pp.PromisedID,
	}
	return c.startBlock(b, pp.BlockFragment, f.Flags.Has(protocol.FlagEndHeaders))
}

func (c *Conn) finishPushPromise(b *headerBlock, fields []hpack.HeaderField) error {
	parent, ok := c.streams[b.streamID]
	if !ok {
		if c.idle(b.streamID) || c.isPeerID(b.streamID) {
			return protocolError("PUSH_PROMISE on stream %d", b.streamID)
		}
		// The associated request is gone; nobody wants the response.
		return protocol.NewStreamError(b.promisedID, protocol.ErrCodeRefusedStream, "associated stream closed")
	}
	if c.isPeerID(b.streamID) {
		return protocolError("PUSH_PROMISE on server-initiated stream %d", b.streamID)
	}
	switch parent.State() {
	case stream.Open, stream.HalfClosedLocal:
	default:
		return protocolError("PUSH_PROMISE on stream %d in state %s", b.streamID, parent.State())
	}

	id := b.promisedID
	s := stream.NewReserved(id, false, int32(c.peer.InitialWindowSize), int32(c.local.InitialWindowSize))
	c.streams[id] = s
	_ = c.tree.SetPriority(id, protocol.DefaultWeight, b.streamID, false)
	c.obs.StreamOpened(id, false)
	c.emit(Event{Kind: EventPushPromise, StreamID: b.streamID, PromisedID: id, Headers: fields})
	return nil
}
