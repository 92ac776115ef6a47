package tracing

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/mux"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

type recordedSpan struct {
	trace.Span
	name   string
	attrs  map[attribute.Key]attribute.Value
	events []string
	errs   []error
	status codes.Code
	ended  bool
}

func (s *recordedSpan) SetAttributes(kv ...attribute.KeyValue) {
	for _, a := range kv {
		s.attrs[a.Key] = a.Value
	}
}

func (s *recordedSpan) AddEvent(name string, _ ...trace.EventOption) {
	s.events = append(s.events, name)
}

func (s *recordedSpan) RecordError(err error, _ ...trace.EventOption) {
	s.errs = append(s.errs, err)
}

func (s *recordedSpan) SetStatus(code codes.Code, _ string) { s.status = code }

func (s *recordedSpan) End(...trace.SpanEndOption) { s.ended = true }

type recordingTracer struct {
	trace.Tracer
	spans []*recordedSpan
}

func newRecordingTracer() *recordingTracer {
	return &recordingTracer{Tracer: noop.NewTracerProvider().Tracer("test")}
}

func (r *recordingTracer) Start(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	ctx, span := r.Tracer.Start(ctx, name, opts...)
	rs := &recordedSpan{Span: span, name: name, attrs: make(map[attribute.Key]attribute.Value)}
	cfg := trace.NewSpanStartConfig(opts...)
	rs.SetAttributes(cfg.Attributes()...)
	r.spans = append(r.spans, rs)
	return trace.ContextWithSpan(ctx, rs), rs
}

func (r *recordingTracer) streamSpan(id int64) *recordedSpan {
	for _, s := range r.spans {
		if s.name == "h2mux.stream" && s.attrs["h2.stream_id"].AsInt64() == id {
			return s
		}
	}
	return nil
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func newConn(role mux.Role, obs mux.Observer) *mux.Conn {
	cfg := mux.DefaultConfig(role)
	cfg.Logger = quiet
	cfg.Observer = obs
	return mux.NewConn(cfg)
}

func pump(t *testing.T, a, b *mux.Conn) {
	t.Helper()
	for i := 0; i < 100; i++ {
		outA, outB := a.Drain(), b.Drain()
		if len(outA) == 0 && len(outB) == 0 {
			return
		}
		if _, err := b.Feed(outA); err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
		if _, err := a.Feed(outB); err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
	}
	t.Fatal("pump did not settle")
}

var request = []hpack.HeaderField{
	{Name: ":method", Value: "GET"},
	{Name: ":scheme", Value: "https"},
	{Name: ":path", Value: "/"},
	{Name: ":authority", Value: "example.com"},
}

func TestObserverSpansPerStream(t *testing.T) {
	tr := newRecordingTracer()
	obs := New(context.Background(), WithTracer(tr), WithAttributes(attribute.String("peer", "test")))

	client := newConn(mux.RoleClient, obs)
	server := newConn(mux.RoleServer, nil)
	pump(t, client, server)

	ok, _ := client.OpenStream(request, false)
	client.EnqueueData(ok, []byte("hello"), true)
	bad, _ := client.OpenStream(request, true)
	pump(t, client, server)
	server.EnqueueHeaders(ok, []hpack.HeaderField{{Name: ":status", Value: "200"}}, true)
	server.Reset(bad, protocol.ErrCodeRefusedStream)
	pump(t, client, server)

	if len(tr.spans) != 3 {
		t.Fatalf("spans = %d, want 3", len(tr.spans))
	}
	conn := tr.spans[0]
	if conn.name != "h2mux.conn" || conn.attrs["peer"].AsString() != "test" {
		t.Errorf("connection span = %s %v", conn.name, conn.attrs)
	}

	s := tr.streamSpan(int64(ok))
	if s == nil || !s.ended {
		t.Fatalf("stream %d span = %+v, want ended", ok, s)
	}
	if s.status != codes.Ok {
		t.Errorf("stream %d status = %v, want Ok", ok, s.status)
	}
	if got := s.attrs["h2.bytes_sent"].AsInt64(); got != 5 {
		t.Errorf("h2.bytes_sent = %d, want 5", got)
	}
	if got := s.attrs["h2.initiator"].AsString(); got != "local" {
		t.Errorf("h2.initiator = %q, want local", got)
	}
	if len(s.events) != 2 {
		t.Errorf("stream %d events = %v, want sent and received HEADERS", ok, s.events)
	}

	r := tr.streamSpan(int64(bad))
	if r == nil || !r.ended || r.status != codes.Error {
		t.Fatalf("stream %d span = %+v, want ended with error", bad, r)
	}
	if got := r.attrs["h2.error_code"].AsString(); got != "REFUSED_STREAM" {
		t.Errorf("h2.error_code = %q, want REFUSED_STREAM", got)
	}

	obs.Close()
	if !conn.ended {
		t.Error("connection span not ended by Close()")
	}
}

func TestObserverConnectionError(t *testing.T) {
	tr := newRecordingTracer()
	obs := New(context.Background(), WithTracer(tr))
	server := newConn(mux.RoleServer, obs)
	b, err := protocol.NewCodec(protocol.DefaultMaxFrameSize, false).Encode(protocol.NewFrame(protocol.FramePing, 1, make([]byte, 8)))
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if _, err := server.Feed(b); err == nil {
		t.Fatal("Feed() error = nil, want connection error")
	}
	obs.Close()

	conn := tr.spans[0]
	if len(conn.errs) != 1 || conn.status != codes.Error {
		t.Errorf("connection span errs = %v, status = %v", conn.errs, conn.status)
	}
}

func TestObserverCloseEndsOpenStreams(t *testing.T) {
	tr := newRecordingTracer()
	obs := New(context.Background(), WithTracer(tr), WithStreamFilter(func(id uint32, _ bool) bool {
		return id != 3
	}))
	obs.StreamOpened(1, true)
	obs.StreamOpened(3, true)
	obs.StreamError(protocol.NewStreamError(1, protocol.ErrCodeProtocol, "bad"))
	obs.Close()
	obs.Close()

	if len(tr.spans) != 2 {
		t.Fatalf("spans = %d, want connection and stream 1", len(tr.spans))
	}
	s := tr.streamSpan(1)
	if !s.ended || s.status != codes.Error || len(s.errs) != 1 {
		t.Errorf("stream 1 span = %+v", s)
	}
	if got := s.attrs["h2.error_code"].AsString(); got != "CANCEL" {
		t.Errorf("h2.error_code = %q, want CANCEL", got)
	}
}

func TestObserverGlobalProvider(t *testing.T) {
	obs := New(context.Background())
	obs.StreamOpened(1, false)
	obs.StreamClosed(1, protocol.ErrCodeNo)
	if trace.SpanFromContext(obs.Context()) == nil {
		t.Fatal("Context() carries no span")
	}
	obs.Close()
}
