// Package stream implements the lifecycle of a single multiplexed stream:
// its state machine, flow-control windows, outbound queue and inbound
// buffer. A Stream knows nothing about other streams or the connection;
// the multiplexer owns all streams and drives them by id.
package stream

// State is a stream lifecycle state.
type State uint8

const (
	Idle State = iota
	ReservedLocal
	ReservedRemote
	Open
	HalfClosedLocal
	HalfClosedRemote
	Closed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case ReservedLocal:
		return "reserved (local)"
	case ReservedRemote:
		return "reserved (remote)"
	case Open:
		return "open"
	case HalfClosedLocal:
		return "half-closed (local)"
	case HalfClosedRemote:
		return "half-closed (remote)"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// CanSend reports whether frames carrying content may be sent in s.
func (s State) CanSend() bool {
	return s == Open || s == HalfClosedRemote
}

// CanReceive reports whether frames carrying content may be received in s.
func (s State) CanReceive() bool {
	return s == Open || s == HalfClosedLocal
}

// Active reports whether the stream counts toward a concurrency limit.
func (s State) Active() bool {
	return s == Open || s == HalfClosedLocal || s == HalfClosedRemote
}
