package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/metrics"
	"github.com/vango-dev/h2mux/pkg/mux"
	"github.com/vango-dev/h2mux/pkg/transport"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func sessionConfig(role mux.Role) transport.Config {
	cfg := transport.DefaultConfig(role)
	cfg.Logger = quiet
	cfg.Mux.Logger = quiet
	return cfg
}

func get(t *testing.T, url string) (int, string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s error = %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read %s error = %v", url, err)
	}
	return resp.StatusCode, string(b)
}

func TestHealthz(t *testing.T) {
	var ready atomic.Pointer[error]

	srv := New(context.Background(), Options{
		Logger: quiet,
		Ready: func() error {
			if p := ready.Load(); p != nil {
				return *p
			}
			return nil
		},
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	tests := []struct {
		name       string
		err        error
		wantCode   int
		wantStatus string
	}{
		{"ready", nil, http.StatusOK, "ok"},
		{"not ready", errors.New("listener down"), http.StatusServiceUnavailable, "unavailable"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.err
			ready.Store(&err)
			code, body := get(t, ts.URL+"/healthz")
			if code != tt.wantCode {
				t.Errorf("status code = %d, want %d", code, tt.wantCode)
			}
			var h health
			if err := json.Unmarshal([]byte(body), &h); err != nil {
				t.Fatalf("body %q: %v", body, err)
			}
			if h.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", h.Status, tt.wantStatus)
			}
		})
	}
}

func TestOptionalRoutes(t *testing.T) {
	ts := httptest.NewServer(New(context.Background(), Options{Logger: quiet}))
	defer ts.Close()

	for _, path := range []string{"/metrics", "/ws"} {
		if code, _ := get(t, ts.URL+path); code != http.StatusNotFound {
			t.Errorf("GET %s = %d, want %d", path, code, http.StatusNotFound)
		}
	}
}

func TestWebSocketSessionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.New(metrics.WithRegistry(reg), metrics.WithNamespace("admin_test"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wrapped atomic.Int32
	srv := New(ctx, Options{
		Gatherer: reg,
		Session:  sessionConfig(mux.RoleServer),
		Handler:  &transport.Echo{ServerName: "admin-test"},
		NewObserver: func(string) (mux.Observer, func()) {
			obs := collector.Conn()
			return obs, obs.Close
		},
		Wrap: func(rw io.ReadWriteCloser, _ string) (io.ReadWriteCloser, error) {
			wrapped.Add(1)
			return rw, nil
		},
		Logger: quiet,
	})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn, err := transport.DialWebSocket("ws"+strings.TrimPrefix(ts.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("DialWebSocket() error = %v", err)
	}

	events := make(chan mux.Event, 64)
	client := transport.NewSession(conn, sessionConfig(mux.RoleClient),
		transport.HandlerFunc(func(_ *transport.Session, _ *mux.Conn, ev mux.Event) { events <- ev }))
	go client.Run(ctx)

	var id uint32
	err = client.Do(func(c *mux.Conn) error {
		var err error
		id, err = c.OpenStream([]hpack.HeaderField{
			{Name: ":method", Value: "POST"},
			{Name: ":scheme", Value: "http"},
			{Name: ":path", Value: "/admin"},
			{Name: ":authority", Value: "test"},
		}, false)
		if err != nil {
			return err
		}
		return c.EnqueueData(id, []byte("ping"), true)
	})
	if err != nil {
		t.Fatalf("Do() error = %v", err)
	}

	var body strings.Builder
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case ev := <-events:
			if ev.Kind == mux.EventData && ev.StreamID == id {
				body.Write(ev.Data)
			}
			done = ev.Kind == mux.EventStreamClosed && ev.StreamID == id
		case <-timeout:
			t.Fatal("stream did not close")
		}
	}
	if body.String() != "ping" {
		t.Errorf("body = %q, want %q", body.String(), "ping")
	}
	if n := srv.Sessions(); n != 1 {
		t.Errorf("Sessions() = %d, want 1", n)
	}

	_, text := get(t, ts.URL+"/metrics")
	for _, want := range []string{
		`admin_test_streams_opened_total{initiator="remote"} 1`,
		`admin_test_active_connections 1`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("/metrics missing %q", want)
		}
	}

	client.Close()
	<-client.Done()
	srv.Wait()
	if n := srv.Sessions(); n != 0 {
		t.Errorf("Sessions() after close = %d, want 0", n)
	}
	if wrapped.Load() != 1 {
		t.Errorf("Wrap called %d times, want 1", wrapped.Load())
	}
	_, text = get(t, ts.URL+"/metrics")
	if !strings.Contains(text, "admin_test_active_connections 0") {
		t.Error("active connections not released")
	}
}
