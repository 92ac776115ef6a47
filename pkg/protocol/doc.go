// Package protocol implements the binary framing layer of the h2mux engine.
//
// Every unit on the wire is a frame: a fixed 9-byte header followed by a
// variable-length payload. Frames belong either to the connection as a whole
// (stream 0) or to a single stream.
//
// # Wire Format
//
//	┌───────────────────────────────────────────────┐
//	│                 Length (24)                   │
//	├───────────────┬───────────────┬───────────────┘
//	│   Type (8)    │   Flags (8)   │
//	├─┬─────────────┴───────────────┴───────────────┐
//	│R│             Stream Identifier (31)          │
//	├─┴─────────────────────────────────────────────┤
//	│                Frame Payload ...              │
//	└───────────────────────────────────────────────┘
//
// All integers are big-endian. The reserved bit R must be zero on send; on
// receive it is either ignored (lenient mode, recorded on Frame.Reserved) or
// rejected with ErrReservedBit (strict mode).
//
// # Frame Types
//
//   - FrameData (0x0): stream payload bytes, flow controlled
//   - FrameHeaders (0x1): opens a stream and carries a header block fragment
//   - FramePriority (0x2): dependency and weight for a stream
//   - FrameRSTStream (0x3): abnormal termination of one stream
//   - FrameSettings (0x4): connection parameters, acknowledged by the peer
//   - FramePushPromise (0x5): reserves a server-initiated stream
//   - FramePing (0x6): liveness probe, echoed with ACK
//   - FrameGoAway (0x7): graceful or error shutdown of the connection
//   - FrameWindowUpdate (0x8): flow-control credit
//   - FrameContinuation (0x9): continues a header block fragment
//
// # Errors
//
// Codec failures are reported as sentinel errors (ErrShortBuffer,
// ErrFrameTooLarge, ErrReservedBit, ErrFrameSize). Protocol violations
// detected by higher layers are reported as *StreamError, which resets a
// single stream, or *ConnectionError, which tears down the connection.
package protocol
