package protocol

import "fmt"

// ErrorCode identifies the reason for a stream reset or connection close.
type ErrorCode uint32

const (
	ErrCodeNo                 ErrorCode = 0x0 // Graceful shutdown
	ErrCodeProtocol           ErrorCode = 0x1 // Protocol violation
	ErrCodeInternal           ErrorCode = 0x2 // Implementation fault
	ErrCodeFlowControl        ErrorCode = 0x3 // Flow-control limits exceeded
	ErrCodeSettingsTimeout    ErrorCode = 0x4 // SETTINGS not acknowledged in time
	ErrCodeStreamClosed       ErrorCode = 0x5 // Frame received for closed stream
	ErrCodeFrameSize          ErrorCode = 0x6 // Frame size incorrect
	ErrCodeRefusedStream      ErrorCode = 0x7 // Stream not processed
	ErrCodeCancel             ErrorCode = 0x8 // Stream cancelled
	ErrCodeCompression        ErrorCode = 0x9 // Compression state not updated
	ErrCodeConnect            ErrorCode = 0xa // TCP connection error for CONNECT method
	ErrCodeEnhanceYourCalm    ErrorCode = 0xb // Processing capacity exceeded
	ErrCodeInadequateSecurity ErrorCode = 0xc // Negotiated TLS parameters not acceptable
	ErrCodeHTTP11Required     ErrorCode = 0xd // Use HTTP/1.1 for the request
)

var errorCodeNames = [...]string{
	ErrCodeNo:                 "NO_ERROR",
	ErrCodeProtocol:           "PROTOCOL_ERROR",
	ErrCodeInternal:           "INTERNAL_ERROR",
	ErrCodeFlowControl:        "FLOW_CONTROL_ERROR",
	ErrCodeSettingsTimeout:    "SETTINGS_TIMEOUT",
	ErrCodeStreamClosed:       "STREAM_CLOSED",
	ErrCodeFrameSize:          "FRAME_SIZE_ERROR",
	ErrCodeRefusedStream:      "REFUSED_STREAM",
	ErrCodeCancel:             "CANCEL",
	ErrCodeCompression:        "COMPRESSION_ERROR",
	ErrCodeConnect:            "CONNECT_ERROR",
	ErrCodeEnhanceYourCalm:    "ENHANCE_YOUR_CALM",
	ErrCodeInadequateSecurity: "INADEQUATE_SECURITY",
	ErrCodeHTTP11Required:     "HTTP_1_1_REQUIRED",
}

// String returns the string representation of the error code.
func (ec ErrorCode) String() string {
	if int(ec) < len(errorCodeNames) {
		return errorCodeNames[ec]
	}
	return fmt.Sprintf("UNKNOWN_ERROR_0x%x", uint32(ec))
}

// StreamError is a protocol violation confined to one stream.
// It is answered with RST_STREAM and leaves the connection usable.
type StreamError struct {
	StreamID uint32
	Code     ErrorCode
	Reason   string
}

func (e *StreamError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("protocol: stream %d: %s", e.StreamID, e.Code)
	}
	return fmt.Sprintf("protocol: stream %d: %s: %s", e.StreamID, e.Code, e.Reason)
}

// NewStreamError creates a stream error.
func NewStreamError(id uint32, code ErrorCode, reason string) *StreamError {
	return &StreamError{StreamID: id, Code: code, Reason: reason}
}

// ConnectionError is a protocol violation that terminates the connection.
// It is answered with GOAWAY.
type ConnectionError struct {
	Code   ErrorCode
	Reason string
}

func (e *ConnectionError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("protocol: connection error: %s", e.Code)
	}
	return fmt.Sprintf("protocol: connection error: %s: %s", e.Code, e.Reason)
}

// NewConnectionError creates a connection error.
func NewConnectionError(code ErrorCode, reason string) *ConnectionError {
	return &ConnectionError{Code: code, Reason: reason}
}
