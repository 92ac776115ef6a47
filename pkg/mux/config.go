package mux

import (
	"log/slog"
	"math"

	"github.com/vango-dev/h2mux/pkg/flow"
	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

// Role is the endpoint's side of the connection. Clients initiate odd
// stream ids, servers even ones.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// String returns the string representation of the role.
func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Config configures a Conn. The settings fields are the values this
// endpoint advertises in its initial SETTINGS frame; they take effect once
// the peer acknowledges them.
//
// Start from DefaultConfig. In a Config literal the boolean fields and
// the table sizes keep their zero values, since zero is meaningful for
// them: AutoWindowUpdate false means the application must call Consume.
type Config struct {
	// Role selects stream id parity and push permissions.
	Role Role

	// MaxFrameSize is the largest frame payload we accept.
	// Default: 16384. Range: 16384..16777215.
	MaxFrameSize uint32

	// HeaderTableSize bounds the dynamic table our decoder keeps.
	// Default: 4096.
	HeaderTableSize uint32

	// InitialWindowSize is the receive window of each new stream.
	// Default: 65535.
	InitialWindowSize uint32

	// ConnWindowSize is the connection-level receive window. Values above
	// 65535 are announced with a WINDOW_UPDATE on stream 0.
	// Default: 65535.
	ConnWindowSize uint32

	// MaxConcurrentStreams limits streams the peer may have open at once.
	// Default: 100.
	MaxConcurrentStreams uint32

	// MaxHeaderListSize bounds the decoded size of one header list.
	// Default: 1 MiB.
	MaxHeaderListSize uint32

	// EnablePush allows the peer to send PUSH_PROMISE.
	// Default: true for clients, false for servers.
	EnablePush bool

	// MaxEncoderTableSize caps the dynamic table our encoder uses, whatever
	// the peer allows. Default: 4096.
	MaxEncoderTableSize uint32

	// StrictReservedBit rejects frames with the reserved stream-id bit set.
	StrictReservedBit bool

	// AutoWindowUpdate returns flow-control credit as soon as DATA is
	// delivered. When false the application returns it with Consume.
	AutoWindowUpdate bool

	// ClosedStreamGrace is how many recently closed stream ids are
	// remembered so late WINDOW_UPDATE and RST_STREAM frames are ignored.
	// Default: 64.
	ClosedStreamGrace int

	// MaxPriorityNodes caps tree nodes created by PRIORITY frames for
	// streams that do not exist yet. Default: 256.
	MaxPriorityNodes int

	// Logger receives protocol diagnostics.
	// Default: slog.Default() with component=mux.
	Logger *slog.Logger

	// Observer receives frame and stream lifecycle callbacks.
	Observer Observer
}

// DefaultConfig returns the default configuration for role.
func DefaultConfig(role Role) Config {
	return Config{
		Role:                 role,
		MaxFrameSize:         protocol.DefaultMaxFrameSize,
		HeaderTableSize:      hpack.DefaultTableSize,
		InitialWindowSize:    flow.DefaultInitialWindow,
		ConnWindowSize:       flow.DefaultInitialWindow,
		MaxConcurrentStreams: 100,
		MaxHeaderListSize:    1 << 20,
		EnablePush:           role == RoleClient,
		MaxEncoderTableSize:  hpack.DefaultTableSize,
		AutoWindowUpdate:     true,
		ClosedStreamGrace:    64,
		MaxPriorityNodes:     256,
	}
}

// normalize fills zero sizes, limits, Logger and Observer from
// DefaultConfig and clamps out-of-range values. AutoWindowUpdate,
// EnablePush, StrictReservedBit, HeaderTableSize and MaxEncoderTableSize
// are left as given.
func (c Config) normalize() Config {
	def := DefaultConfig(c.Role)
	if c.MaxFrameSize == 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	c.MaxFrameSize = min(max(c.MaxFrameSize, protocol.DefaultMaxFrameSize), protocol.MaxFrameSizeLimit)
	if c.InitialWindowSize == 0 {
		c.InitialWindowSize = def.InitialWindowSize
	}
	c.InitialWindowSize = min(c.InitialWindowSize, flow.MaxWindow)
	if c.ConnWindowSize == 0 {
		c.ConnWindowSize = def.ConnWindowSize
	}
	c.ConnWindowSize = min(max(c.ConnWindowSize, flow.DefaultInitialWindow), flow.MaxWindow)
	if c.MaxConcurrentStreams == 0 {
		c.MaxConcurrentStreams = def.MaxConcurrentStreams
	}
	if c.MaxHeaderListSize == 0 {
		c.MaxHeaderListSize = def.MaxHeaderListSize
	}
	if c.ClosedStreamGrace <= 0 {
		c.ClosedStreamGrace = def.ClosedStreamGrace
	}
	if c.MaxPriorityNodes <= 0 {
		c.MaxPriorityNodes = def.MaxPriorityNodes
	}
	if c.Logger == nil {
		c.Logger = slog.Default().With("component", "mux")
	}
	if c.Observer == nil {
		c.Observer = NopObserver{}
	}
	return c
}

// Settings is one endpoint's view of the connection parameters.
type Settings struct {
	HeaderTableSize      uint32
	EnablePush           bool
	MaxConcurrentStreams uint32
	InitialWindowSize    uint32
	MaxFrameSize         uint32
	MaxHeaderListSize    uint32
}

// InitialSettings returns the values in force before any SETTINGS frame
// is exchanged.
func InitialSettings() Settings {
	return Settings{
		HeaderTableSize:      hpack.DefaultTableSize,
		EnablePush:           true,
		MaxConcurrentStreams: math.MaxUint32,
		InitialWindowSize:    flow.DefaultInitialWindow,
		MaxFrameSize:         protocol.DefaultMaxFrameSize,
		MaxHeaderListSize:    math.MaxUint32,
	}
}

// apply sets one parameter. Unknown identifiers are ignored.
func (s *Settings) apply(st protocol.Setting) {
	switch st.ID {
	case protocol.SettingHeaderTableSize:
		s.HeaderTableSize = st.Val
	case protocol.SettingEnablePush:
		s.EnablePush = st.Val == 1
	case protocol.SettingMaxConcurrentStreams:
		s.MaxConcurrentStreams = st.Val
	case protocol.SettingInitialWindowSize:
		s.InitialWindowSize = st.Val
	case protocol.SettingMaxFrameSize:
		s.MaxFrameSize = st.Val
	case protocol.SettingMaxHeaderListSize:
		s.MaxHeaderListSize = st.Val
	}
}

// list returns every parameter as a SETTINGS payload entry.
func (s Settings) list() []protocol.Setting {
	push := uint32(0)
	if s.EnablePush {
		push = 1
	}
	return []protocol.Setting{
		{ID: protocol.SettingHeaderTableSize, Val: s.HeaderTableSize},
		{ID: protocol.SettingEnablePush, Val: push},
		{ID: protocol.SettingMaxConcurrentStreams, Val: s.MaxConcurrentStreams},
		{ID: protocol.SettingInitialWindowSize, Val: s.InitialWindowSize},
		{ID: protocol.SettingMaxFrameSize, Val: s.MaxFrameSize},
		{ID: protocol.SettingMaxHeaderListSize, Val: s.MaxHeaderListSize},
	}
}

func (c Config) settings() Settings {
	return Settings{
		HeaderTableSize:      c.HeaderTableSize,
		EnablePush:           c.EnablePush,
		MaxConcurrentStreams: c.MaxConcurrentStreams,
		InitialWindowSize:    c.InitialWindowSize,
		MaxFrameSize:         c.MaxFrameSize,
		MaxHeaderListSize:    c.MaxHeaderListSize,
	}
}
