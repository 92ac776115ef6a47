package protocol

import (
	"errors"
	"io"
)

// Frame constants.
const (
	// FrameHeaderSize is the size of the frame header in bytes.
	FrameHeaderSize = 9

	// DefaultMaxFrameSize is the initial SETTINGS_MAX_FRAME_SIZE.
	DefaultMaxFrameSize = 16384

	// MaxFrameSizeLimit is the largest value SETTINGS_MAX_FRAME_SIZE may take (2^24 - 1).
	MaxFrameSizeLimit = 1<<24 - 1

	// MaxStreamID is the largest 31-bit stream identifier.
	MaxStreamID = 1<<31 - 1

	reservedBit = 1 << 31
)

// FrameType identifies the type of frame.
type FrameType uint8

const (
	FrameData         FrameType = 0x0
	FrameHeaders      FrameType = 0x1
	FramePriority     FrameType = 0x2
	FrameRSTStream    FrameType = 0x3
	FrameSettings     FrameType = 0x4
	FramePushPromise  FrameType = 0x5
	FramePing         FrameType = 0x6
	FrameGoAway       FrameType = 0x7
	FrameWindowUpdate FrameType = 0x8
	FrameContinuation FrameType = 0x9
)

// NumFrameTypes is the number of frame types this package understands.
// Dispatch tables are sized by it.
const NumFrameTypes = 10

var frameTypeNames = [NumFrameTypes]string{
	FrameData:         "DATA",
	FrameHeaders:      "HEADERS",
	FramePriority:     "PRIORITY",
	FrameRSTStream:    "RST_STREAM",
	FrameSettings:     "SETTINGS",
	FramePushPromise:  "PUSH_PROMISE",
	FramePing:         "PING",
	FrameGoAway:       "GOAWAY",
	FrameWindowUpdate: "WINDOW_UPDATE",
	FrameContinuation: "CONTINUATION",
}

// String returns the string representation of the frame type.
func (ft FrameType) String() string {
	if ft.Known() {
		return frameTypeNames[ft]
	}
	return "UNKNOWN"
}

// Known reports whether ft is one of the defined frame types.
func (ft FrameType) Known() bool {
	return ft < NumFrameTypes
}

// Flags are the per-type flag bits in the frame header.
type Flags uint8

const (
	FlagEndStream  Flags = 0x01 // DATA, HEADERS
	FlagAck        Flags = 0x01 // SETTINGS, PING
	FlagEndHeaders Flags = 0x04 // HEADERS, PUSH_PROMISE, CONTINUATION
	FlagPadded     Flags = 0x08 // DATA, HEADERS, PUSH_PROMISE
	FlagPriority   Flags = 0x20 // HEADERS
)

// Has returns true if the flags contain the specified flag.
func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Frame errors.
var (
	ErrShortBuffer     = errors.New("protocol: incomplete frame")
	ErrFrameTooLarge   = errors.New("protocol: frame payload too large")
	ErrReservedBit     = errors.New("protocol: reserved bit set")
	ErrInvalidStreamID = errors.New("protocol: invalid stream identifier")
	ErrFrameSize       = errors.New("protocol: invalid payload length for frame type")
	ErrPadding         = errors.New("protocol: padding exceeds payload")
)

// FrameHeader is the fixed 9-byte prefix of every frame.
type FrameHeader struct {
	Length   uint32
	Type     FrameType
	Flags    Flags
	StreamID uint32
	Reserved bool
}

// Frame represents a protocol frame with header and payload.
type Frame struct {
	Type     FrameType
	Flags    Flags
	StreamID uint32

	// Reserved is set when a received frame had the reserved bit on.
	// It must be false when encoding.
	Reserved bool

	Payload []byte
}

// Length returns the payload length.
func (f *Frame) Length() int {
	return len(f.Payload)
}

// Header returns the frame's header.
func (f *Frame) Header() FrameHeader {
	return FrameHeader{
		Length:   uint32(len(f.Payload)),
		Type:     f.Type,
		Flags:    f.Flags,
		StreamID: f.StreamID,
		Reserved: f.Reserved,
	}
}

// Codec encodes and decodes frames against a negotiated maximum frame size.
type Codec struct {
	// MaxFrameSize bounds the payload length in both directions.
	MaxFrameSize uint32

	// Strict rejects received frames with the reserved bit set.
	Strict bool
}

// NewCodec creates a codec. A zero maxFrameSize selects DefaultMaxFrameSize.
func NewCodec(maxFrameSize uint32, strict bool) *Codec {
	if maxFrameSize == 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Codec{MaxFrameSize: maxFrameSize, Strict: strict}
}

func (c *Codec) maxSize() uint32 {
	if c == nil || c.MaxFrameSize == 0 {
		return DefaultMaxFrameSize
	}
	return c.MaxFrameSize
}

// Encode encodes the frame to bytes including the header.
func (c *Codec) Encode(f *Frame) ([]byte, error) {
	return c.AppendFrame(make([]byte, 0, FrameHeaderSize+len(f.Payload)), f)
}

// AppendFrame appends the encoded frame to dst.
func (c *Codec) AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	if uint32(len(f.Payload)) > c.maxSize() {
		return dst, ErrFrameTooLarge
	}
	if f.StreamID > MaxStreamID {
		return dst, ErrInvalidStreamID
	}
	if f.Reserved {
		return dst, ErrReservedBit
	}
	e := NewEncoderBuffer(dst)
	e.WriteUint24(uint32(len(f.Payload)))
	e.WriteByte(byte(f.Type))
	e.WriteByte(byte(f.Flags))
	e.WriteUint32(f.StreamID)
	e.WriteBytes(f.Payload)
	return e.Bytes(), nil
}

// DecodeFrameHeader decodes just the 9-byte frame header.
func DecodeFrameHeader(data []byte) (FrameHeader, error) {
	if len(data) < FrameHeaderSize {
		return FrameHeader{}, ErrShortBuffer
	}
	d := NewDecoder(data[:FrameHeaderSize])
	length, _ := d.ReadUint24()
	ft, _ := d.ReadByte()
	flags, _ := d.ReadByte()
	sid, _ := d.ReadUint32()
	return FrameHeader{
		Length:   length,
		Type:     FrameType(ft),
		Flags:    Flags(flags),
		StreamID: sid &^ reservedBit,
		Reserved: sid&reservedBit != 0,
	}, nil
}

// Decode decodes one frame from the front of data and returns it along with
// the number of bytes consumed. ErrShortBuffer means more input is needed.
// The payload is copied and safe to retain.
func (c *Codec) Decode(data []byte) (*Frame, int, error) {
	h, err := DecodeFrameHeader(data)
	if err != nil {
		return nil, 0, err
	}
	if err := c.checkHeader(h); err != nil {
		return nil, 0, err
	}
	total := FrameHeaderSize + int(h.Length)
	if len(data) < total {
		return nil, 0, ErrShortBuffer
	}
	payload := make([]byte, h.Length)
	copy(payload, data[FrameHeaderSize:total])
	return &Frame{
		Type:     h.Type,
		Flags:    h.Flags,
		StreamID: h.StreamID,
		Reserved: h.Reserved,
		Payload:  payload,
	}, total, nil
}

// CheckHeader validates a decoded header against the codec's limits.
func (c *Codec) CheckHeader(h FrameHeader) error {
	return c.checkHeader(h)
}

func (c *Codec) checkHeader(h FrameHeader) error {
	if h.Length > c.maxSize() {
		return ErrFrameTooLarge
	}
	if h.Reserved && c != nil && c.Strict {
		return ErrReservedBit
	}
	return nil
}

// ReadFrame reads a complete frame from an io.Reader.
func ReadFrame(r io.Reader, c *Codec) (*Frame, error) {
	header := make([]byte, FrameHeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	h, err := DecodeFrameHeader(header)
	if err != nil {
		return nil, err
	}
	if err := c.checkHeader(h); err != nil {
		return nil, err
	}

	payload := make([]byte, h.Length)
	if h.Length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			return nil, err
		}
	}

	return &Frame{
		Type:     h.Type,
		Flags:    h.Flags,
		StreamID: h.StreamID,
		Reserved: h.Reserved,
		Payload:  payload,
	}, nil
}

// WriteFrame writes a complete frame to an io.Writer.
func WriteFrame(w io.Writer, c *Codec, f *Frame) error {
	data, err := c.Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// NewFrame creates a new frame with the given type, stream, and payload.
func NewFrame(ft FrameType, streamID uint32, payload []byte) *Frame {
	return &Frame{
		Type:     ft,
		StreamID: streamID,
		Payload:  payload,
	}
}

// NewFrameWithFlags creates a new frame with the given type, flags, stream, and payload.
func NewFrameWithFlags(ft FrameType, flags Flags, streamID uint32, payload []byte) *Frame {
	return &Frame{
		Type:     ft,
		Flags:    flags,
		StreamID: streamID,
		Payload:  payload,
	}
}
