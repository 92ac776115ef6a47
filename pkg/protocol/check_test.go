package protocol

import (
	"errors"
	"testing"
)

func TestCheckFrame(t *testing.T) {
	tests := []struct {
		name   string
		frame  *Frame
		conn   bool
		stream bool
		code   ErrorCode
	}{
		{name: "data_ok", frame: DataFrame(1, nil, false)},
		{name: "data_stream_zero", frame: DataFrame(0, []byte("x"), false), conn: true, code: ErrCodeProtocol},
		{name: "headers_stream_zero", frame: HeadersFrame(0, []byte{0x82}, false, true, nil), conn: true, code: ErrCodeProtocol},
		{name: "headers_priority_short", frame: &Frame{Type: FrameHeaders, Flags: FlagPriority, StreamID: 1, Payload: []byte{0, 0}}, conn: true, code: ErrCodeFrameSize},
		{name: "priority_bad_length", frame: &Frame{Type: FramePriority, StreamID: 3, Payload: []byte{0, 0, 0, 1}}, stream: true, code: ErrCodeFrameSize},
		{name: "priority_stream_zero", frame: PriorityFrame(0, PriorityParam{Weight: 16}), conn: true, code: ErrCodeProtocol},
		{name: "rst_stream_zero", frame: RSTStreamFrame(0, ErrCodeCancel), conn: true, code: ErrCodeProtocol},
		{name: "rst_bad_length", frame: &Frame{Type: FrameRSTStream, StreamID: 1, Payload: []byte{0}}, conn: true, code: ErrCodeFrameSize},
		{name: "settings_on_stream", frame: &Frame{Type: FrameSettings, StreamID: 1}, conn: true, code: ErrCodeProtocol},
		{name: "settings_ack_payload", frame: &Frame{Type: FrameSettings, Flags: FlagAck, Payload: make([]byte, 6)}, conn: true, code: ErrCodeFrameSize},
		{name: "settings_partial", frame: &Frame{Type: FrameSettings, Payload: make([]byte, 5)}, conn: true, code: ErrCodeFrameSize},
		{name: "push_promise_short", frame: &Frame{Type: FramePushPromise, StreamID: 1, Payload: []byte{0, 0}}, conn: true, code: ErrCodeFrameSize},
		{name: "ping_short", frame: &Frame{Type: FramePing, Payload: make([]byte, 7)}, conn: true, code: ErrCodeFrameSize},
		{name: "ping_on_stream", frame: &Frame{Type: FramePing, StreamID: 1, Payload: make([]byte, 8)}, conn: true, code: ErrCodeProtocol},
		{name: "goaway_short", frame: &Frame{Type: FrameGoAway, Payload: make([]byte, 7)}, conn: true, code: ErrCodeFrameSize},
		{name: "window_update_bad_length", frame: &Frame{Type: FrameWindowUpdate, StreamID: 1, Payload: make([]byte, 3)}, conn: true, code: ErrCodeFrameSize},
		{name: "continuation_stream_zero", frame: ContinuationFrame(0, nil, true), conn: true, code: ErrCodeProtocol},
		{name: "unknown_type", frame: &Frame{Type: FrameType(0x20), StreamID: 0, Payload: []byte("anything")}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckFrame(tc.frame)
			var ce *ConnectionError
			var se *StreamError
			switch {
			case tc.conn:
				if !errors.As(err, &ce) {
					t.Fatalf("CheckFrame() = %v, want connection error", err)
				}
				if ce.Code != tc.code {
					t.Errorf("code = %v, want %v", ce.Code, tc.code)
				}
			case tc.stream:
				if !errors.As(err, &se) {
					t.Fatalf("CheckFrame() = %v, want stream error", err)
				}
				if se.Code != tc.code {
					t.Errorf("code = %v, want %v", se.Code, tc.code)
				}
			default:
				if err != nil {
					t.Errorf("CheckFrame() = %v, want nil", err)
				}
			}
		})
	}
}

func TestErrorStrings(t *testing.T) {
	if got := ErrCodeFlowControl.String(); got != "FLOW_CONTROL_ERROR" {
		t.Errorf("String() = %q, want FLOW_CONTROL_ERROR", got)
	}
	if got := ErrorCode(0x77).String(); got != "UNKNOWN_ERROR_0x77" {
		t.Errorf("String() = %q, want UNKNOWN_ERROR_0x77", got)
	}
	se := NewStreamError(3, ErrCodeRefusedStream, "too many streams")
	if got := se.Error(); got != "protocol: stream 3: REFUSED_STREAM: too many streams" {
		t.Errorf("StreamError.Error() = %q", got)
	}
	ce := NewConnectionError(ErrCodeCompression, "")
	if got := ce.Error(); got != "protocol: connection error: COMPRESSION_ERROR" {
		t.Errorf("ConnectionError.Error() = %q", got)
	}
}
