package mux

import (
	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

// EventKind identifies what an Event reports.
type EventKind uint8

const (
	// EventHeaders delivers a complete decoded header block.
	EventHeaders EventKind = iota

	// EventData delivers stream payload bytes, padding removed.
	EventData

	// EventStreamClosed reports that a stream reached Closed, either
	// normally (Code is NO_ERROR) or by reset.
	EventStreamClosed

	// EventPushPromise reports a stream reserved by the peer. StreamID is
	// the associated stream and PromisedID the reserved one.
	EventPushPromise

	// EventGoAway reports a GOAWAY from the peer.
	EventGoAway

	// EventPingAck reports the acknowledgement of one of our PINGs.
	EventPingAck

	// EventSettings reports that the peer's SETTINGS were applied.
	EventSettings
)

var eventKindNames = [...]string{
	EventHeaders:      "headers",
	EventData:         "data",
	EventStreamClosed: "stream-closed",
	EventPushPromise:  "push-promise",
	EventGoAway:       "goaway",
	EventPingAck:      "ping-ack",
	EventSettings:     "settings",
}

// String returns the string representation of the event kind.
func (k EventKind) String() string {
	if int(k) < len(eventKindNames) {
		return eventKindNames[k]
	}
	return "unknown"
}

// Event is something the host application must act on. Only the fields
// relevant to Kind are set.
type Event struct {
	Kind     EventKind
	StreamID uint32

	Headers   []hpack.HeaderField
	Data      []byte
	EndStream bool

	PromisedID uint32

	// Code is the error code of a reset stream or a GOAWAY.
	Code protocol.ErrorCode
	// Remote is true when the peer reset the stream.
	Remote bool

	LastStreamID uint32
	DebugData    []byte

	Ping [8]byte
}
