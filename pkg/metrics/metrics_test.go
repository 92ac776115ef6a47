package metrics

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/mux"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

func metricCounterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("counter Write() error: %v", err)
	}
	if m.Counter == nil {
		t.Fatal("expected counter metric to have Counter field")
	}
	return m.GetCounter().GetValue()
}

func metricGaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge Write() error: %v", err)
	}
	if m.Gauge == nil {
		t.Fatal("expected gauge metric to have Gauge field")
	}
	return m.GetGauge().GetValue()
}

func metricHistogramCount(t *testing.T, h prometheus.Histogram) uint64 {
	t.Helper()
	var m dto.Metric
	if err := h.Write(&m); err != nil {
		t.Fatalf("histogram Write() error: %v", err)
	}
	if m.Histogram == nil {
		t.Fatal("expected histogram metric to have Histogram field")
	}
	return m.GetHistogram().GetSampleCount()
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

func encode(t *testing.T, fs ...*protocol.Frame) []byte {
	t.Helper()
	codec := protocol.NewCodec(protocol.DefaultMaxFrameSize, false)
	var out []byte
	for _, f := range fs {
		var err error
		if out, err = codec.AppendFrame(out, f); err != nil {
			t.Fatalf("AppendFrame() error = %v", err)
		}
	}
	return out
}

var request = []hpack.HeaderField{
	{Name: ":method", Value: "GET"},
	{Name: ":scheme", Value: "https"},
	{Name: ":path", Value: "/"},
	{Name: ":authority", Value: "example.com"},
}

func TestCollectorRecordsExchange(t *testing.T) {
	reg := prometheus.NewRegistry()
	col := New(WithRegistry(reg))
	obs := col.Conn()

	client := newConn(mux.RoleClient, nil)
	server := newConn(mux.RoleServer, obs)
	pump(t, client, server)

	id, err := client.OpenStream(request, true)
	if err != nil {
		t.Fatalf("OpenStream() error = %v", err)
	}
	pump(t, client, server)
	if got := metricGaugeValue(t, col.activeStreams); got != 1 {
		t.Errorf("active_streams = %v, want 1", got)
	}

	server.EnqueueHeaders(id, []hpack.HeaderField{{Name: ":status", Value: "204"}}, true)
	pump(t, client, server)

	tests := []struct {
		name string
		c    prometheus.Counter
		want float64
	}{
		{"received SETTINGS", col.framesReceived.WithLabelValues("SETTINGS"), 2},
		{"received HEADERS", col.framesReceived.WithLabelValues("HEADERS"), 1},
		{"sent SETTINGS", col.framesSent.WithLabelValues("SETTINGS"), 2},
		{"sent HEADERS", col.framesSent.WithLabelValues("HEADERS"), 1},
		{"opened remote", col.streamsOpened.WithLabelValues("remote"), 1},
		{"opened local", col.streamsOpened.WithLabelValues("local"), 0},
		{"closed NO_ERROR", col.streamsClosed.WithLabelValues("NO_ERROR"), 1},
	}
	for _, tt := range tests {
		if got := metricCounterValue(t, tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}
	if got := metricGaugeValue(t, col.activeStreams); got != 0 {
		t.Errorf("active_streams = %v, want 0", got)
	}
	if got := metricHistogramCount(t, col.streamLifetime); got != 1 {
		t.Errorf("stream_duration_seconds count = %d, want 1", got)
	}
	if got := metricCounterValue(t, col.bytesSent); got == 0 {
		t.Error("payload_bytes_sent_total = 0, want > 0")
	}

	obs.Close()
	obs.Close()
	if got := metricGaugeValue(t, col.activeConns); got != 0 {
		t.Errorf("active_connections = %v, want 0", got)
	}
}

func TestCollectorRecordsErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	col := New(WithRegistry(reg), WithNamespace("test"))

	t.Run("stream", func(t *testing.T) {
		obs := col.Conn()
		defer obs.Close()
		server := newConn(mux.RoleServer, obs)
		block := hpack.NewEncoder(nil).EncodeBlock(request)
		_, err := server.Feed(encode(t,
			protocol.HeadersFrame(1, block, false, true, nil),
			protocol.WindowUpdateFrame(1, 0)))
		if err != nil {
			t.Fatalf("Feed() error = %v", err)
		}
		if got := metricCounterValue(t, col.streamErrors.WithLabelValues("PROTOCOL_ERROR")); got != 1 {
			t.Errorf("stream_errors_total = %v, want 1", got)
		}
		if got := metricCounterValue(t, col.streamsClosed.WithLabelValues("PROTOCOL_ERROR")); got != 1 {
			t.Errorf("streams_closed_total = %v, want 1", got)
		}
		if got := metricGaugeValue(t, col.activeStreams); got != 0 {
			t.Errorf("active_streams = %v, want 0", got)
		}
	})

	t.Run("connection", func(t *testing.T) {
		obs := col.Conn()
		defer obs.Close()
		server := newConn(mux.RoleServer, obs)
		if _, err := server.Feed(encode(t, protocol.NewFrame(protocol.FramePing, 1, make([]byte, 8)))); err == nil {
			t.Fatal("Feed() error = nil, want connection error")
		}
		if got := metricCounterValue(t, col.connErrors.WithLabelValues("PROTOCOL_ERROR")); got != 1 {
			t.Errorf("connection_errors_total = %v, want 1", got)
		}
	})

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "test_connection_errors_total" {
			return
		}
	}
	t.Error("test_connection_errors_total not registered")
}

func TestConnObserverCloseClearsStreams(t *testing.T) {
	col := New(WithRegistry(prometheus.NewRegistry()))
	obs := col.Conn()
	obs.StreamOpened(1, true)
	obs.StreamOpened(3, true)
	obs.StreamOpened(3, true)
	if got := metricGaugeValue(t, col.activeStreams); got != 2 {
		t.Fatalf("active_streams = %v, want 2", got)
	}
	obs.Close()
	if got := metricGaugeValue(t, col.activeStreams); got != 0 {
		t.Errorf("active_streams after Close() = %v, want 0", got)
	}
	obs.StreamClosed(1, protocol.ErrCodeNo)
	if got := metricGaugeValue(t, col.activeStreams); got != 0 {
		t.Errorf("active_streams after late close = %v, want 0", got)
	}
}
