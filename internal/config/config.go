package config

import (
	"bytes"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vango-dev/h2mux/internal/errors"
	"github.com/vango-dev/h2mux/pkg/flow"
	"github.com/vango-dev/h2mux/pkg/mux"
	"github.com/vango-dev/h2mux/pkg/protocol"
	"github.com/vango-dev/h2mux/pkg/transport"
)

const (
	// ConfigFileName is the name of the configuration file.
	ConfigFileName = "h2mux.json"

	// DefaultListen is the mux listener address.
	DefaultListen = ":8443"

	// DefaultAdmin is the admin HTTP server address.
	DefaultAdmin = ":9090"

	DefaultNamespace  = "h2mux"
	DefaultTracerName = "github.com/vango-dev/h2mux"
)

// Config represents h2mux.json.
type Config struct {
	// Engine holds the multiplexer settings.
	Engine EngineConfig `json:"engine"`

	// Server configures the listeners.
	Server ServerConfig `json:"server"`

	Metrics MetricsConfig `json:"metrics"`
	Tracing TracingConfig `json:"tracing"`

	// Capture configures wire capture. Both sinks may be set.
	Capture CaptureConfig `json:"capture"`

	Log LogConfig `json:"log"`

	configPath string
}

// EngineConfig mirrors mux.Config. Zero values take the mux defaults.
type EngineConfig struct {
	MaxFrameSize         uint32 `json:"maxFrameSize,omitempty"`
	HeaderTableSize      uint32 `json:"headerTableSize,omitempty"`
	InitialWindowSize    uint32 `json:"initialWindowSize,omitempty"`
	ConnWindowSize       uint32 `json:"connWindowSize,omitempty"`
	MaxConcurrentStreams uint32 `json:"maxConcurrentStreams,omitempty"`
	MaxHeaderListSize    uint32 `json:"maxHeaderListSize,omitempty"`
	MaxEncoderTableSize  uint32 `json:"maxEncoderTableSize,omitempty"`
	StrictReservedBit    bool   `json:"strictReservedBit,omitempty"`
	ClosedStreamGrace    int    `json:"closedStreamGrace,omitempty"`
	MaxPriorityNodes     int    `json:"maxPriorityNodes,omitempty"`

	// EnablePush defaults per role: on for clients, off for servers.
	EnablePush *bool `json:"enablePush,omitempty"`

	// ManualWindowUpdate leaves WINDOW_UPDATE to the application.
	ManualWindowUpdate bool `json:"manualWindowUpdate,omitempty"`
}

// ServerConfig configures the serve command.
type ServerConfig struct {
	// Listen is the TCP address for mux connections.
	Listen string `json:"listen,omitempty"`

	// Admin is the address of the /metrics, /healthz and /ws server.
	// "-" disables it.
	Admin string `json:"admin,omitempty"`

	ReadBufferSize int `json:"readBufferSize,omitempty"`

	// WriteTimeout and PingInterval are durations such as "10s".
	WriteTimeout string `json:"writeTimeout,omitempty"`
	PingInterval string `json:"pingInterval,omitempty"`

	// ServerName is sent as the "server" response header.
	ServerName string `json:"serverName,omitempty"`

	// PushPath is the request path that triggers a demo push.
	PushPath string `json:"pushPath,omitempty"`
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled,omitempty"`
	Namespace string `json:"namespace,omitempty"`
}

type TracingConfig struct {
	Enabled    bool   `json:"enabled,omitempty"`
	TracerName string `json:"tracerName,omitempty"`
}

// CaptureConfig configures wire capture of served connections.
type CaptureConfig struct {
	// Dir receives one file per connection.
	Dir string `json:"dir,omitempty"`

	// S3Bucket uploads captures to S3 under S3Prefix.
	S3Bucket string `json:"s3Bucket,omitempty"`
	S3Prefix string `json:"s3Prefix,omitempty"`

	// SegmentSize is the S3 object size in bytes (default 8 MiB).
	SegmentSize int `json:"segmentSize,omitempty"`
}

// Enabled reports whether any sink is configured.
func (c CaptureConfig) Enabled() bool {
	return c.Dir != "" || c.S3Bucket != ""
}

type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `json:"level,omitempty"`

	// Format is text or json.
	Format string `json:"format,omitempty"`
}

// New creates a Config with default values.
func New() *Config {
	c := &Config{}
	c.applyDefaults()
	return c
}

// Load reads h2mux.json from dir.
func Load(dir string) (*Config, error) {
	return LoadFile(filepath.Join(dir, ConfigFileName))
}

// LoadFile reads, defaults and validates the configuration at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("H001").
				WithDetail("No " + filepath.Base(path) + " found in " + filepath.Dir(path)).
				WithSuggestion("Run 'h2mux config init' to write the defaults")
		}
		return nil, errors.New("H001").Wrap(err)
	}

	cfg := &Config{}
	if err := decode(path, data, cfg); err != nil {
		return nil, err
	}

	cfg.configPath = path
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	err := dec.Decode(cfg)
	if err == nil {
		if dec.More() {
			err = stderrors.New("unexpected data after the top-level object")
		} else {
			return nil
		}
	}

	var (
		syntax  *json.SyntaxError
		typeErr *json.UnmarshalTypeError
		offset  = dec.InputOffset()
		detail  = err.Error()
		hint    = "Check that " + filepath.Base(path) + " is valid JSON"
	)
	switch {
	case stderrors.As(err, &syntax):
		offset = syntax.Offset
	case stderrors.As(err, &typeErr):
		offset = typeErr.Offset
		detail = fmt.Sprintf("%s must be a %s, not a %s", typeErr.Field, typeErr.Type, typeErr.Value)
		hint = "Fix the type of " + typeErr.Field
	case stderrors.Is(err, io.ErrUnexpectedEOF), stderrors.Is(err, io.EOF):
		offset = int64(len(data))
	case strings.HasPrefix(err.Error(), "json: unknown field"):
		hint = "Remove the field or check its spelling"
	}
	return errors.New("H002").
		WithDetail(detail).
		WithOffset(path, data, offset).
		WithSuggestion(hint)
}

// Save writes the configuration to the file it was loaded from.
func (c *Config) Save() error {
	if c.configPath == "" {
		return errors.Newf(errors.CategoryConfig, "no config path set")
	}
	return c.SaveTo(c.configPath)
}

// SaveTo writes the configuration to path.
func (c *Config) SaveTo(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.New("H004").Wrap(err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0644); err != nil {
		return errors.New("H004").Wrap(err)
	}
	c.configPath = path
	return nil
}

// Path returns the path the config was loaded from or saved to.
func (c *Config) Path() string {
	return c.configPath
}

// Dir returns the directory containing the config file.
func (c *Config) Dir() string {
	if c.configPath == "" {
		return ""
	}
	return filepath.Dir(c.configPath)
}

// applyDefaults fills in empty fields. Engine fields stay zero and are
// defaulted by mux per role.
func (c *Config) applyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}
	if c.Server.Admin == "" {
		c.Server.Admin = DefaultAdmin
	}
	if c.Server.ReadBufferSize == 0 {
		c.Server.ReadBufferSize = 32 << 10
	}
	if c.Server.WriteTimeout == "" {
		c.Server.WriteTimeout = "10s"
	}
	if c.Server.PingInterval == "" {
		c.Server.PingInterval = "0s"
	}
	if c.Server.ServerName == "" {
		c.Server.ServerName = "h2mux"
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultNamespace
	}
	if c.Tracing.TracerName == "" {
		c.Tracing.TracerName = DefaultTracerName
	}

	if c.Capture.S3Bucket != "" && c.Capture.S3Prefix == "" {
		c.Capture.S3Prefix = "captures"
	}
	if c.Capture.SegmentSize == 0 {
		c.Capture.SegmentSize = 8 << 20
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// Validate checks values against the protocol bounds.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) *errors.Error {
		return errors.New("H003").WithDetail(fmt.Sprintf(format, args...))
	}

	e := c.Engine
	if e.MaxFrameSize != 0 && (e.MaxFrameSize < protocol.DefaultMaxFrameSize || e.MaxFrameSize > protocol.MaxFrameSizeLimit) {
		return invalid("engine.maxFrameSize must be between %d and %d, got %d",
			protocol.DefaultMaxFrameSize, protocol.MaxFrameSizeLimit, e.MaxFrameSize)
	}
	if e.InitialWindowSize > flow.MaxWindow {
		return invalid("engine.initialWindowSize must be at most %d, got %d", flow.MaxWindow, e.InitialWindowSize)
	}
	if e.ConnWindowSize > flow.MaxWindow {
		return invalid("engine.connWindowSize must be at most %d, got %d", flow.MaxWindow, e.ConnWindowSize)
	}
	if e.ClosedStreamGrace < 0 || e.MaxPriorityNodes < 0 {
		return invalid("engine.closedStreamGrace and engine.maxPriorityNodes must not be negative")
	}

	if c.Server.ReadBufferSize < 0 {
		return invalid("server.readBufferSize must not be negative, got %d", c.Server.ReadBufferSize)
	}
	for _, d := range []struct{ name, value string }{
		{"server.writeTimeout", c.Server.WriteTimeout},
		{"server.pingInterval", c.Server.PingInterval},
	} {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return invalid("%s: %v", d.name, err).WithSuggestion(`Use a Go duration such as "10s" or "1m30s"`)
		}
		if v < 0 {
			return invalid("%s must not be negative, got %s", d.name, d.value)
		}
	}

	if c.Capture.SegmentSize < 0 {
		return invalid("capture.segmentSize must not be negative, got %d", c.Capture.SegmentSize)
	}

	if _, err := ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return invalid("log.format must be text or json, got %q", c.Log.Format)
	}
	return nil
}

// MuxConfig converts the engine section for role.
func (c *Config) MuxConfig(role mux.Role) mux.Config {
	mc := mux.DefaultConfig(role)
	e := c.Engine
	set := func(dst *uint32, v uint32) {
		if v != 0 {
			*dst = v
		}
	}
	set(&mc.MaxFrameSize, e.MaxFrameSize)
	set(&mc.HeaderTableSize, e.HeaderTableSize)
	set(&mc.InitialWindowSize, e.InitialWindowSize)
	set(&mc.ConnWindowSize, e.ConnWindowSize)
	set(&mc.MaxConcurrentStreams, e.MaxConcurrentStreams)
	set(&mc.MaxHeaderListSize, e.MaxHeaderListSize)
	set(&mc.MaxEncoderTableSize, e.MaxEncoderTableSize)
	if e.ClosedStreamGrace > 0 {
		mc.ClosedStreamGrace = e.ClosedStreamGrace
	}
	if e.MaxPriorityNodes > 0 {
		mc.MaxPriorityNodes = e.MaxPriorityNodes
	}
	if e.EnablePush != nil {
		mc.EnablePush = *e.EnablePush
	}
	mc.StrictReservedBit = e.StrictReservedBit
	mc.AutoWindowUpdate = !e.ManualWindowUpdate
	return mc
}

// TransportConfig builds a session config for role. Durations are
// assumed valid; Validate checks them.
func (c *Config) TransportConfig(role mux.Role) transport.Config {
	tc := transport.DefaultConfig(role)
	tc.Mux = c.MuxConfig(role)
	if c.Server.ReadBufferSize > 0 {
		tc.ReadBufferSize = c.Server.ReadBufferSize
	}
	if d, err := time.ParseDuration(c.Server.WriteTimeout); err == nil {
		tc.WriteTimeout = d
	}
	if d, err := time.ParseDuration(c.Server.PingInterval); err == nil {
		tc.PingInterval = d
	}
	return tc
}

// ParseLevel maps a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(s))
	return l, err
}

// NewLogger builds the process logger from the log section.
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := ParseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// Exists reports whether dir holds a config file.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, ConfigFileName))
	return err == nil
}
