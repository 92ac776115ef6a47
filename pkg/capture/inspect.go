package capture

import (
	"errors"
	"time"

	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

// Entry is one frame reassembled from a capture.
type Entry struct {
	Dir   Direction
	Time  time.Time
	Frame *protocol.Frame

	// Headers is set on the frame that completes a header block.
	Headers []hpack.HeaderField

	// Err reports a frame or header block that failed to decode.
	Err error
}

var errContinuation = errors.New("capture: CONTINUATION outside a header block")

type half struct {
	buf   []byte
	dec   *hpack.Decoder
	block []byte
	open  bool
}

// Inspector turns records back into frames and decoded header blocks.
// Each direction keeps its own frame buffer and HPACK decoder. Decoding is
// lenient: frames up to the protocol maximum are accepted and a bad header
// block is reported without stopping the replay.
type Inspector struct {
	codec *protocol.Codec
	in    half
	out   half
}

// NewInspector returns an Inspector at the start of a connection.
func NewInspector() *Inspector {
	return &Inspector{
		codec: protocol.NewCodec(protocol.MaxFrameSizeLimit, false),
		in:    half{dec: hpack.NewDecoder(nil)},
		out:   half{dec: hpack.NewDecoder(nil)},
	}
}

// Add consumes a record and returns the frames it completes.
func (in *Inspector) Add(r Record) []Entry {
	h := &in.in
	if r.Dir == Outbound {
		h = &in.out
	}
	h.buf = append(h.buf, r.Data...)

	var out []Entry
	for {
		f, n, err := in.codec.Decode(h.buf)
		if errors.Is(err, protocol.ErrShortBuffer) {
			break
		}
		if err != nil {
			// A frame we cannot bound leaves nothing to resync on.
			out = append(out, Entry{Dir: r.Dir, Time: r.Time, Err: err})
			h.buf = nil
			break
		}
		h.buf = h.buf[n:]
		e := Entry{Dir: r.Dir, Time: r.Time, Frame: f}
		e.Headers, e.Err = in.headers(r.Dir, h, f)
		out = append(out, e)
	}
	if len(h.buf) == 0 {
		h.buf = nil
	}
	return out
}

func (in *Inspector) headers(dir Direction, h *half, f *protocol.Frame) ([]hpack.HeaderField, error) {
	var (
		frag []byte
		err  error
	)
	switch f.Type {
	case protocol.FrameHeaders:
		var hp protocol.HeadersPayload
		hp, err = protocol.DecodeHeaders(f)
		frag = hp.BlockFragment
		h.block = h.block[:0]
	case protocol.FramePushPromise:
		var pp protocol.PushPromisePayload
		pp, err = protocol.DecodePushPromise(f)
		frag = pp.BlockFragment
		h.block = h.block[:0]
	case protocol.FrameContinuation:
		if !h.open {
			return nil, errContinuation
		}
		frag = f.Payload
	case protocol.FrameSettings:
		in.settings(dir, f)
		return nil, nil
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	h.block = append(h.block, frag...)
	h.open = !f.Flags.Has(protocol.FlagEndHeaders)
	if h.open {
		return nil, nil
	}
	return h.dec.DecodeBlock(h.block)
}

// settings widens the peer decoder's table bound when this side
// advertises a larger HEADER_TABLE_SIZE.
func (in *Inspector) settings(dir Direction, f *protocol.Frame) {
	if f.Flags.Has(protocol.FlagAck) {
		return
	}
	list, err := protocol.DecodeSettings(f.Payload)
	if err != nil {
		return
	}
	peer := &in.in
	if dir == Inbound {
		peer = &in.out
	}
	for _, s := range list {
		if s.ID == protocol.SettingHeaderTableSize && s.Val > peer.dec.Table().MaxSize() {
			peer.dec.SetAllowedMaxTableSize(s.Val)
		}
	}
}

// Pending reports bytes held back as an incomplete frame, per direction.
func (in *Inspector) Pending() (inbound, outbound int) {
	return len(in.in.buf), len(in.out.buf)
}
