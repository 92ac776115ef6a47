package protocol

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestFrameEncodeDecode(t *testing.T) {
	tests := []struct {
		name    string
		frame   Frame
		wantLen int
	}{
		{
			name:    "empty_payload",
			frame:   Frame{Type: FrameSettings, Payload: []byte{}},
			wantLen: FrameHeaderSize,
		},
		{
			name:    "data_end_stream",
			frame:   Frame{Type: FrameData, Flags: FlagEndStream, StreamID: 1, Payload: []byte{0x01, 0x02, 0x03}},
			wantLen: FrameHeaderSize + 3,
		},
		{
			name:    "headers_flags",
			frame:   Frame{Type: FrameHeaders, Flags: FlagEndHeaders | FlagEndStream, StreamID: 3, Payload: []byte("test")},
			wantLen: FrameHeaderSize + 4,
		},
		{
			name:    "max_stream_id",
			frame:   Frame{Type: FrameRSTStream, StreamID: MaxStreamID, Payload: []byte{0, 0, 0, 8}},
			wantLen: FrameHeaderSize + 4,
		},
		{
			name:    "unknown_type",
			frame:   Frame{Type: FrameType(0xfa), StreamID: 5, Payload: []byte("x")},
			wantLen: FrameHeaderSize + 1,
		},
	}

	codec := NewCodec(0, true)
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			encoded, err := codec.Encode(&tc.frame)
			if err != nil {
				t.Fatalf("Encode() error = %v", err)
			}
			if len(encoded) != tc.wantLen {
				t.Errorf("Encode() length = %d, want %d", len(encoded), tc.wantLen)
			}

			decoded, n, err := codec.Decode(encoded)
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if n != len(encoded) {
				t.Errorf("Decode() consumed = %d, want %d", n, len(encoded))
			}
			if decoded.Type != tc.frame.Type {
				t.Errorf("Decoded type = %v, want %v", decoded.Type, tc.frame.Type)
			}
			if decoded.Flags != tc.frame.Flags {
				t.Errorf("Decoded flags = %v, want %v", decoded.Flags, tc.frame.Flags)
			}
			if decoded.StreamID != tc.frame.StreamID {
				t.Errorf("Decoded stream = %d, want %d", decoded.StreamID, tc.frame.StreamID)
			}
			if !bytes.Equal(decoded.Payload, tc.frame.Payload) {
				t.Errorf("Decoded payload = %v, want %v", decoded.Payload, tc.frame.Payload)
			}
		})
	}
}

func TestFrameHeaderLayout(t *testing.T) {
	codec := NewCodec(0, false)
	f := &Frame{Type: FrameWindowUpdate, Flags: 0, StreamID: 0x01020304, Payload: []byte{0, 0, 0x10, 0}}
	got, err := codec.Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	want := []byte{0x00, 0x00, 0x04, 0x08, 0x00, 0x01, 0x02, 0x03, 0x04, 0, 0, 0x10, 0}
	if !bytes.Equal(got, want) {
		t.Errorf("Encode() = % x, want % x", got, want)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	codec := NewCodec(0, false)
	full, _ := codec.Encode(DataFrame(1, []byte("hello"), false))

	for i := 0; i < len(full); i++ {
		_, n, err := codec.Decode(full[:i])
		if !errors.Is(err, ErrShortBuffer) {
			t.Fatalf("Decode(%d bytes) error = %v, want ErrShortBuffer", i, err)
		}
		if n != 0 {
			t.Errorf("Decode(%d bytes) consumed = %d, want 0", i, n)
		}
	}
}

func TestDecodeConsumesOneFrame(t *testing.T) {
	codec := NewCodec(0, false)
	a, _ := codec.Encode(DataFrame(1, []byte("a"), false))
	b, _ := codec.Encode(DataFrame(3, []byte("bb"), true))
	buf := append(append([]byte{}, a...), b...)

	f1, n1, err := codec.Decode(buf)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	f2, n2, err := codec.Decode(buf[n1:])
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if f1.StreamID != 1 || f2.StreamID != 3 {
		t.Errorf("stream ids = %d, %d, want 1, 3", f1.StreamID, f2.StreamID)
	}
	if n1+n2 != len(buf) {
		t.Errorf("consumed = %d, want %d", n1+n2, len(buf))
	}
}

func TestFrameSizeLimit(t *testing.T) {
	codec := NewCodec(DefaultMaxFrameSize, false)

	// Exactly at the limit is accepted.
	ok := DataFrame(1, make([]byte, DefaultMaxFrameSize), false)
	encoded, err := codec.Encode(ok)
	if err != nil {
		t.Fatalf("Encode(max) error = %v", err)
	}
	if _, _, err := codec.Decode(encoded); err != nil {
		t.Errorf("Decode(max) error = %v", err)
	}

	over := DataFrame(1, make([]byte, DefaultMaxFrameSize+1), false)
	if _, err := codec.Encode(over); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Encode(max+1) error = %v, want ErrFrameTooLarge", err)
	}

	// A header declaring an oversized length is rejected before the payload arrives.
	header := []byte{0x00, 0x40, 0x01, byte(FrameData), 0, 0, 0, 0, 1}
	if _, _, err := codec.Decode(header); !errors.Is(err, ErrFrameTooLarge) {
		t.Errorf("Decode(oversized header) error = %v, want ErrFrameTooLarge", err)
	}

	larger := NewCodec(MaxFrameSizeLimit, false)
	if _, err := larger.Encode(over); err != nil {
		t.Errorf("Encode() with raised limit error = %v", err)
	}
}

func TestReservedBit(t *testing.T) {
	raw := []byte{0, 0, 0, byte(FrameData), 0, 0x80, 0, 0, 0x05}

	strict := NewCodec(0, true)
	if _, _, err := strict.Decode(raw); !errors.Is(err, ErrReservedBit) {
		t.Errorf("strict Decode() error = %v, want ErrReservedBit", err)
	}

	lenient := NewCodec(0, false)
	f, _, err := lenient.Decode(raw)
	if err != nil {
		t.Fatalf("lenient Decode() error = %v", err)
	}
	if !f.Reserved {
		t.Error("lenient Decode() Reserved = false, want true")
	}
	if f.StreamID != 5 {
		t.Errorf("lenient Decode() StreamID = %d, want 5", f.StreamID)
	}

	if _, err := lenient.Encode(f); !errors.Is(err, ErrReservedBit) {
		t.Errorf("Encode(reserved) error = %v, want ErrReservedBit", err)
	}
}

func TestEncodeInvalidStreamID(t *testing.T) {
	codec := NewCodec(0, false)
	_, err := codec.Encode(&Frame{Type: FrameData, StreamID: MaxStreamID + 1})
	if !errors.Is(err, ErrInvalidStreamID) {
		t.Errorf("Encode() error = %v, want ErrInvalidStreamID", err)
	}
}

func TestReadWriteFrame(t *testing.T) {
	codec := NewCodec(0, false)
	var buf bytes.Buffer

	frames := []*Frame{
		SettingsFrame(Setting{SettingInitialWindowSize, 1 << 20}),
		HeadersFrame(1, []byte{0x82}, false, true, nil),
		DataFrame(1, []byte("payload"), true),
	}
	for _, f := range frames {
		if err := WriteFrame(&buf, codec, f); err != nil {
			t.Fatalf("WriteFrame() error = %v", err)
		}
	}
	for i, want := range frames {
		got, err := ReadFrame(&buf, codec)
		if err != nil {
			t.Fatalf("ReadFrame(%d) error = %v", i, err)
		}
		if got.Type != want.Type || got.StreamID != want.StreamID || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("ReadFrame(%d) = %+v, want %+v", i, got, want)
		}
	}
	if _, err := ReadFrame(&buf, codec); err != io.EOF {
		t.Errorf("ReadFrame(empty) error = %v, want io.EOF", err)
	}
}

func TestFrameTypeString(t *testing.T) {
	tests := []struct {
		ft   FrameType
		want string
	}{
		{FrameData, "DATA"},
		{FrameHeaders, "HEADERS"},
		{FramePriority, "PRIORITY"},
		{FrameRSTStream, "RST_STREAM"},
		{FrameSettings, "SETTINGS"},
		{FramePushPromise, "PUSH_PROMISE"},
		{FramePing, "PING"},
		{FrameGoAway, "GOAWAY"},
		{FrameWindowUpdate, "WINDOW_UPDATE"},
		{FrameContinuation, "CONTINUATION"},
		{FrameType(0x42), "UNKNOWN"},
	}
	for _, tc := range tests {
		if got := tc.ft.String(); got != tc.want {
			t.Errorf("FrameType(%d).String() = %q, want %q", tc.ft, got, tc.want)
		}
	}
}

func TestFlagsHas(t *testing.T) {
	f := FlagEndStream | FlagPadded
	if !f.Has(FlagEndStream) {
		t.Error("Has(FlagEndStream) = false, want true")
	}
	if !f.Has(FlagPadded) {
		t.Error("Has(FlagPadded) = false, want true")
	}
	if f.Has(FlagEndHeaders) {
		t.Error("Has(FlagEndHeaders) = true, want false")
	}
}
