// Package tracing records a connection and its streams as OpenTelemetry
// spans.
//
// The connection gets one span; each stream gets a child span that ends
// when the stream closes. The tracer comes from the global provider unless
// WithTracer is given. Configure the provider in main() before accepting
// connections:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//
//	obs := tracing.New(ctx, tracing.WithAttributes(attribute.String("peer", addr)))
//	defer obs.Close()
//	cfg.Observer = obs
package tracing

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vango-dev/h2mux/pkg/mux"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

const defaultTracerName = "h2mux"

// Config configures an Observer.
type Config struct {
	// TracerName is the name of the tracer (default: "h2mux").
	TracerName string

	// Filter decides which streams get a span. If nil, all do.
	Filter func(id uint32, local bool) bool

	// Attributes are added to the connection span.
	Attributes []attribute.KeyValue

	tracer trace.Tracer
}

// Option configures an Observer.
type Option func(*Config)

// WithTracerName sets the tracer name.
func WithTracerName(name string) Option {
	return func(c *Config) {
		c.TracerName = name
	}
}

// WithTracer uses t instead of a tracer from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(c *Config) {
		c.tracer = t
	}
}

// WithStreamFilter sets a filter for stream spans.
func WithStreamFilter(filter func(id uint32, local bool) bool) Option {
	return func(c *Config) {
		c.Filter = filter
	}
}

// WithAttributes adds attributes to the connection span.
func WithAttributes(attrs ...attribute.KeyValue) Option {
	return func(c *Config) {
		c.Attributes = append(c.Attributes, attrs...)
	}
}

type streamSpan struct {
	span      trace.Span
	bytesIn   int64
	bytesOut  int64
	framesIn  int64
	framesOut int64
}

// Observer implements mux.Observer with spans.
type Observer struct {
	config Config
	ctx    context.Context
	conn   trace.Span

	mu      sync.Mutex
	streams map[uint32]*streamSpan
	ended   bool
}

var _ mux.Observer = (*Observer)(nil)

// New starts the connection span as a child of any span in ctx.
func New(ctx context.Context, opts ...Option) *Observer {
	config := Config{TracerName: defaultTracerName}
	for _, opt := range opts {
		opt(&config)
	}
	if config.tracer == nil {
		config.tracer = otel.Tracer(config.TracerName)
	}

	spanCtx, span := config.tracer.Start(ctx, "h2mux.conn",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(config.Attributes...),
	)
	return &Observer{
		config:  config,
		ctx:     spanCtx,
		conn:    span,
		streams: make(map[uint32]*streamSpan),
	}
}

// Context returns a context carrying the connection span.
func (o *Observer) Context() context.Context {
	return o.ctx
}

func (o *Observer) FrameReceived(f *protocol.Frame) {
	o.frame(f, "frame.received", true)
}

func (o *Observer) FrameSent(f *protocol.Frame) {
	o.frame(f, "frame.sent", false)
}

func (o *Observer) frame(f *protocol.Frame, event string, in bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return
	}
	attrs := trace.WithAttributes(
		attribute.String("h2.frame_type", f.Type.String()),
		attribute.Int("h2.frame_length", f.Length()),
	)
	if f.StreamID == 0 {
		switch f.Type {
		case protocol.FrameGoAway, protocol.FrameSettings:
			o.conn.AddEvent(event, attrs)
		}
		return
	}
	ss, ok := o.streams[f.StreamID]
	if !ok {
		return
	}
	if in {
		ss.framesIn++
	} else {
		ss.framesOut++
	}
	// DATA is summarized at close.
	if f.Type != protocol.FrameData {
		ss.span.AddEvent(event, attrs)
		return
	}
	if in {
		ss.bytesIn += int64(f.Length())
	} else {
		ss.bytesOut += int64(f.Length())
	}
}

func (o *Observer) StreamOpened(id uint32, local bool) {
	if o.config.Filter != nil && !o.config.Filter(id, local) {
		return
	}
	initiator := "remote"
	if local {
		initiator = "local"
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return
	}
	if _, ok := o.streams[id]; ok {
		return
	}
	_, span := o.config.tracer.Start(o.ctx, "h2mux.stream",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.Int64("h2.stream_id", int64(id)),
			attribute.String("h2.initiator", initiator),
		),
	)
	o.streams[id] = &streamSpan{span: span}
}

func (o *Observer) StreamClosed(id uint32, code protocol.ErrorCode) {
	o.mu.Lock()
	defer o.mu.Unlock()
	ss, ok := o.streams[id]
	if !ok {
		return
	}
	delete(o.streams, id)
	finish(ss, code)
}

func finish(ss *streamSpan, code protocol.ErrorCode) {
	ss.span.SetAttributes(
		attribute.String("h2.error_code", code.String()),
		attribute.Int64("h2.bytes_received", ss.bytesIn),
		attribute.Int64("h2.bytes_sent", ss.bytesOut),
		attribute.Int64("h2.frames_received", ss.framesIn),
		attribute.Int64("h2.frames_sent", ss.framesOut),
	)
	if code != protocol.ErrCodeNo {
		ss.span.SetStatus(codes.Error, code.String())
	} else {
		ss.span.SetStatus(codes.Ok, "")
	}
	ss.span.End()
}

func (o *Observer) StreamError(err *protocol.StreamError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if ss, ok := o.streams[err.StreamID]; ok {
		ss.span.RecordError(err)
		return
	}
	if !o.ended {
		o.conn.AddEvent("stream.error", trace.WithAttributes(
			attribute.Int64("h2.stream_id", int64(err.StreamID)),
			attribute.String("h2.error_code", err.Code.String()),
		))
	}
}

func (o *Observer) ConnectionError(err *protocol.ConnectionError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return
	}
	o.conn.RecordError(err)
	o.conn.SetStatus(codes.Error, err.Code.String())
}

// Close ends the spans of streams still open, marking them cancelled,
// then the connection span.
func (o *Observer) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.ended {
		return
	}
	o.ended = true
	for id, ss := range o.streams {
		finish(ss, protocol.ErrCodeCancel)
		delete(o.streams, id)
	}
	o.conn.End()
}
