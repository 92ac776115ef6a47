// Package metrics exports connection and stream activity to Prometheus.
//
// A single Collector is shared by every connection of a process; each
// connection gets its own observer from Collector.Conn:
//
//	col := metrics.New(metrics.WithNamespace("edge"))
//	cfg := mux.DefaultConfig(mux.RoleServer)
//	obs := col.Conn()
//	defer obs.Close()
//	cfg.Observer = obs
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/vango-dev/h2mux/pkg/mux"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

// Config configures the collector.
type Config struct {
	// Namespace is the metrics namespace (default: "h2mux").
	Namespace string

	// Subsystem is the metrics subsystem (default: "").
	Subsystem string

	// ConstLabels are constant labels added to all metrics.
	ConstLabels prometheus.Labels

	// Buckets are the histogram buckets for stream lifetimes.
	// Default: prometheus.DefBuckets
	Buckets []float64

	// Registry is the Prometheus registry to use.
	// Default: prometheus.DefaultRegisterer
	Registry prometheus.Registerer
}

// Option configures the collector.
type Option func(*Config)

// WithNamespace sets the metrics namespace.
func WithNamespace(namespace string) Option {
	return func(c *Config) {
		c.Namespace = namespace
	}
}

// WithSubsystem sets the metrics subsystem.
func WithSubsystem(subsystem string) Option {
	return func(c *Config) {
		c.Subsystem = subsystem
	}
}

// WithConstLabels sets constant labels for all metrics.
func WithConstLabels(labels prometheus.Labels) Option {
	return func(c *Config) {
		c.ConstLabels = labels
	}
}

// WithBuckets sets the stream lifetime histogram buckets.
func WithBuckets(buckets []float64) Option {
	return func(c *Config) {
		c.Buckets = buckets
	}
}

// WithRegistry sets the Prometheus registry.
func WithRegistry(registry prometheus.Registerer) Option {
	return func(c *Config) {
		c.Registry = registry
	}
}

func defaultConfig() Config {
	return Config{
		Namespace: "h2mux",
		Buckets:   prometheus.DefBuckets,
		Registry:  prometheus.DefaultRegisterer,
	}
}

// Collector holds the metric vectors shared by all connections.
type Collector struct {
	framesReceived *prometheus.CounterVec
	framesSent     *prometheus.CounterVec
	bytesReceived  prometheus.Counter
	bytesSent      prometheus.Counter
	streamsOpened  *prometheus.CounterVec
	streamsClosed  *prometheus.CounterVec
	streamLifetime prometheus.Histogram
	activeStreams  prometheus.Gauge
	activeConns    prometheus.Gauge
	streamErrors   *prometheus.CounterVec
	connErrors     *prometheus.CounterVec
}

// New registers the collector's metrics. Registering twice against the
// same registry panics, as promauto does.
func New(opts ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range opts {
		opt(&config)
	}
	factory := promauto.With(config.Registry)

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: config.ConstLabels,
		})
	}

	return &Collector{
		framesReceived: counterVec("frames_received_total", "Frames decoded from peers", "type"),
		framesSent:     counterVec("frames_sent_total", "Frames written to peers", "type"),
		bytesReceived:  counter("payload_bytes_received_total", "Frame payload bytes decoded from peers"),
		bytesSent:      counter("payload_bytes_sent_total", "Frame payload bytes written to peers"),
		streamsOpened:  counterVec("streams_opened_total", "Streams opened, by initiator", "initiator"),
		streamsClosed:  counterVec("streams_closed_total", "Streams closed, by error code", "code"),
		streamLifetime: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace:   config.Namespace,
			Subsystem:   config.Subsystem,
			Name:        "stream_duration_seconds",
			Help:        "Time from stream open to close",
			ConstLabels: config.ConstLabels,
			Buckets:     config.Buckets,
		}),
		activeStreams: gauge("active_streams", "Streams currently open"),
		activeConns:   gauge("active_connections", "Connections currently observed"),
		streamErrors:  counterVec("stream_errors_total", "Stream errors, by error code", "code"),
		connErrors:    counterVec("connection_errors_total", "Connection errors, by error code", "code"),
	}
}

// Conn returns an observer for one connection. Close it when the
// connection ends so its open streams leave the active gauge.
func (c *Collector) Conn() *ConnObserver {
	c.activeConns.Inc()
	return &ConnObserver{col: c, opened: make(map[uint32]time.Time)}
}

// ConnObserver implements mux.Observer for a single connection.
type ConnObserver struct {
	col *Collector

	mu     sync.Mutex
	opened map[uint32]time.Time
	closed bool
}

var _ mux.Observer = (*ConnObserver)(nil)

func (o *ConnObserver) FrameReceived(f *protocol.Frame) {
	o.col.framesReceived.WithLabelValues(f.Type.String()).Inc()
	o.col.bytesReceived.Add(float64(f.Length()))
}

func (o *ConnObserver) FrameSent(f *protocol.Frame) {
	o.col.framesSent.WithLabelValues(f.Type.String()).Inc()
	o.col.bytesSent.Add(float64(f.Length()))
}

func (o *ConnObserver) StreamOpened(id uint32, local bool) {
	initiator := "remote"
	if local {
		initiator = "local"
	}
	o.col.streamsOpened.WithLabelValues(initiator).Inc()

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if _, ok := o.opened[id]; !ok {
		o.opened[id] = time.Now()
		o.col.activeStreams.Inc()
	}
}

func (o *ConnObserver) StreamClosed(id uint32, code protocol.ErrorCode) {
	o.col.streamsClosed.WithLabelValues(code.String()).Inc()

	o.mu.Lock()
	defer o.mu.Unlock()
	start, ok := o.opened[id]
	if !ok {
		return
	}
	delete(o.opened, id)
	o.col.activeStreams.Dec()
	o.col.streamLifetime.Observe(time.Since(start).Seconds())
}

func (o *ConnObserver) StreamError(err *protocol.StreamError) {
	o.col.streamErrors.WithLabelValues(err.Code.String()).Inc()
}

func (o *ConnObserver) ConnectionError(err *protocol.ConnectionError) {
	o.col.connErrors.WithLabelValues(err.Code.String()).Inc()
}

// Close drops the connection's remaining streams from the active gauge.
// It is safe to call more than once.
func (o *ConnObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	o.closed = true
	o.col.activeStreams.Sub(float64(len(o.opened)))
	o.col.activeConns.Dec()
	clear(o.opened)
}
