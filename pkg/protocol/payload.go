package protocol

// Payload layouts for the typed frames. Builders produce ready-to-encode
// frames; Decode* helpers parse a received frame's payload and strip padding.

// Priority defaults.
const (
	DefaultWeight = 16
	MinWeight     = 1
	MaxWeight     = 256
)

const exclusiveBit = 1 << 31

// PriorityParam is the stream dependency block of HEADERS and PRIORITY frames.
type PriorityParam struct {
	// StreamDep is the stream this stream depends on; 0 is the root.
	StreamDep uint32

	// Exclusive makes this stream the sole dependent of StreamDep.
	Exclusive bool

	// Weight is in the range 1..256. It travels on the wire as Weight-1.
	Weight uint16
}

// IsZero reports whether p is the zero value.
func (p PriorityParam) IsZero() bool {
	return p == PriorityParam{}
}

func (p PriorityParam) encodeTo(e *Encoder) {
	dep := p.StreamDep & MaxStreamID
	if p.Exclusive {
		dep |= exclusiveBit
	}
	w := p.Weight
	if w < MinWeight {
		w = DefaultWeight
	} else if w > MaxWeight {
		w = MaxWeight
	}
	e.WriteUint32(dep)
	e.WriteByte(byte(w - 1))
}

func decodePriorityFrom(d *Decoder) (PriorityParam, error) {
	dep, err := d.ReadUint32()
	if err != nil {
		return PriorityParam{}, ErrFrameSize
	}
	w, err := d.ReadByte()
	if err != nil {
		return PriorityParam{}, ErrFrameSize
	}
	return PriorityParam{
		StreamDep: dep & MaxStreamID,
		Exclusive: dep&exclusiveBit != 0,
		Weight:    uint16(w) + 1,
	}, nil
}

// stripPadding removes the pad-length byte and trailing padding when the
// frame carries FlagPadded.
func stripPadding(f *Frame) ([]byte, error) {
	p := f.Payload
	if !f.Flags.Has(FlagPadded) {
		return p, nil
	}
	if len(p) == 0 {
		return nil, ErrFrameSize
	}
	pad := int(p[0])
	if pad >= len(p) {
		return nil, ErrPadding
	}
	return p[1 : len(p)-pad], nil
}

// Pad adds padLen bytes of padding to a DATA, HEADERS or PUSH_PROMISE frame.
func Pad(f *Frame, padLen uint8) {
	e := NewEncoderWithCap(1 + len(f.Payload) + int(padLen))
	e.WriteByte(padLen)
	e.WriteBytes(f.Payload)
	e.WriteZeros(int(padLen))
	f.Payload = e.Bytes()
	f.Flags |= FlagPadded
}

// DataFrame builds a DATA frame.
func DataFrame(streamID uint32, data []byte, endStream bool) *Frame {
	f := NewFrame(FrameData, streamID, data)
	if endStream {
		f.Flags |= FlagEndStream
	}
	return f
}

// DecodeData returns the application bytes of a DATA frame.
func DecodeData(f *Frame) ([]byte, error) {
	return stripPadding(f)
}

// HeadersPayload is the parsed payload of a HEADERS frame.
type HeadersPayload struct {
	// Priority is set when the frame carried FlagPriority.
	Priority      *PriorityParam
	BlockFragment []byte
}

// HeadersFrame builds a HEADERS frame carrying a header block fragment.
func HeadersFrame(streamID uint32, fragment []byte, endStream, endHeaders bool, prio *PriorityParam) *Frame {
	f := NewFrame(FrameHeaders, streamID, nil)
	if prio != nil {
		e := NewEncoderWithCap(5 + len(fragment))
		prio.encodeTo(e)
		e.WriteBytes(fragment)
		f.Payload = e.Bytes()
		f.Flags |= FlagPriority
	} else {
		f.Payload = fragment
	}
	if endStream {
		f.Flags |= FlagEndStream
	}
	if endHeaders {
		f.Flags |= FlagEndHeaders
	}
	return f
}

// DecodeHeaders parses a HEADERS frame payload.
func DecodeHeaders(f *Frame) (HeadersPayload, error) {
	p, err := stripPadding(f)
	if err != nil {
		return HeadersPayload{}, err
	}
	var hp HeadersPayload
	if f.Flags.Has(FlagPriority) {
		d := NewDecoder(p)
		prio, err := decodePriorityFrom(d)
		if err != nil {
			return HeadersPayload{}, err
		}
		hp.Priority = &prio
		p = d.Rest()
	}
	hp.BlockFragment = p
	return hp, nil
}

// ContinuationFrame builds a CONTINUATION frame.
func ContinuationFrame(streamID uint32, fragment []byte, endHeaders bool) *Frame {
	f := NewFrame(FrameContinuation, streamID, fragment)
	if endHeaders {
		f.Flags |= FlagEndHeaders
	}
	return f
}

// PushPromisePayload is the parsed payload of a PUSH_PROMISE frame.
type PushPromisePayload struct {
	PromisedID    uint32
	BlockFragment []byte
}

// PushPromiseFrame builds a PUSH_PROMISE frame on the associated stream.
func PushPromiseFrame(streamID, promisedID uint32, fragment []byte, endHeaders bool) *Frame {
	e := NewEncoderWithCap(4 + len(fragment))
	e.WriteUint32(promisedID & MaxStreamID)
	e.WriteBytes(fragment)
	f := NewFrame(FramePushPromise, streamID, e.Bytes())
	if endHeaders {
		f.Flags |= FlagEndHeaders
	}
	return f
}

// DecodePushPromise parses a PUSH_PROMISE frame payload.
func DecodePushPromise(f *Frame) (PushPromisePayload, error) {
	p, err := stripPadding(f)
	if err != nil {
		return PushPromisePayload{}, err
	}
	d := NewDecoder(p)
	id, err := d.ReadUint32()
	if err != nil {
		return PushPromisePayload{}, ErrFrameSize
	}
	return PushPromisePayload{PromisedID: id & MaxStreamID, BlockFragment: d.Rest()}, nil
}

// PriorityFrame builds a PRIORITY frame.
func PriorityFrame(streamID uint32, p PriorityParam) *Frame {
	e := NewEncoderWithCap(5)
	p.encodeTo(e)
	return NewFrame(FramePriority, streamID, e.Bytes())
}

// DecodePriority parses a PRIORITY frame payload.
func DecodePriority(f *Frame) (PriorityParam, error) {
	if len(f.Payload) != 5 {
		return PriorityParam{}, ErrFrameSize
	}
	return decodePriorityFrom(NewDecoder(f.Payload))
}

// RSTStreamFrame builds a RST_STREAM frame.
func RSTStreamFrame(streamID uint32, code ErrorCode) *Frame {
	e := NewEncoderWithCap(4)
	e.WriteUint32(uint32(code))
	return NewFrame(FrameRSTStream, streamID, e.Bytes())
}

// DecodeRSTStream returns the error code of a RST_STREAM frame.
func DecodeRSTStream(f *Frame) (ErrorCode, error) {
	if len(f.Payload) != 4 {
		return 0, ErrFrameSize
	}
	v, _ := NewDecoder(f.Payload).ReadUint32()
	return ErrorCode(v), nil
}

// GoAway is the parsed payload of a GOAWAY frame.
type GoAway struct {
	LastStreamID uint32
	Code         ErrorCode
	DebugData    []byte
}

// GoAwayFrame builds a GOAWAY frame.
func GoAwayFrame(g GoAway) *Frame {
	e := NewEncoderWithCap(8 + len(g.DebugData))
	e.WriteUint32(g.LastStreamID & MaxStreamID)
	e.WriteUint32(uint32(g.Code))
	e.WriteBytes(g.DebugData)
	return NewFrame(FrameGoAway, 0, e.Bytes())
}

// DecodeGoAway parses a GOAWAY frame payload.
func DecodeGoAway(f *Frame) (GoAway, error) {
	if len(f.Payload) < 8 {
		return GoAway{}, ErrFrameSize
	}
	d := NewDecoder(f.Payload)
	last, _ := d.ReadUint32()
	code, _ := d.ReadUint32()
	return GoAway{
		LastStreamID: last & MaxStreamID,
		Code:         ErrorCode(code),
		DebugData:    d.Rest(),
	}, nil
}

// WindowUpdateFrame builds a WINDOW_UPDATE frame.
func WindowUpdateFrame(streamID, increment uint32) *Frame {
	e := NewEncoderWithCap(4)
	e.WriteUint32(increment & MaxStreamID)
	return NewFrame(FrameWindowUpdate, streamID, e.Bytes())
}

// DecodeWindowUpdate returns the increment of a WINDOW_UPDATE frame.
func DecodeWindowUpdate(f *Frame) (uint32, error) {
	if len(f.Payload) != 4 {
		return 0, ErrFrameSize
	}
	v, _ := NewDecoder(f.Payload).ReadUint32()
	return v & MaxStreamID, nil
}

// PingFrame builds a PING frame.
func PingFrame(data [8]byte, ack bool) *Frame {
	f := NewFrame(FramePing, 0, append([]byte(nil), data[:]...))
	if ack {
		f.Flags |= FlagAck
	}
	return f
}

// DecodePing returns the opaque data of a PING frame.
func DecodePing(f *Frame) ([8]byte, error) {
	var data [8]byte
	if len(f.Payload) != 8 {
		return data, ErrFrameSize
	}
	copy(data[:], f.Payload)
	return data, nil
}
