package mux

import (
	"errors"
	"testing"

	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/protocol"
	"github.com/vango-dev/h2mux/pkg/stream"
)

var pushedRequest = []hpack.HeaderField{
	{Name: ":method", Value: "GET"},
	{Name: ":scheme", Value: "https"},
	{Name: ":path", Value: "/style.css"},
	{Name: ":authority", Value: "example.com"},
}

func TestPushPromise(t *testing.T) {
	client, server := connected(t, nil, nil)
	parent, _ := client.OpenStream(request, true)
	pump(t, client, server)

	promised, err := server.Push(parent, pushedRequest)
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if promised != 2 {
		t.Errorf("Push() id = %d, want 2", promised)
	}
	if info, _ := server.Stream(promised); info.State != stream.ReservedLocal || info.Parent != parent {
		t.Errorf("promised stream = %+v, want reserved (local) under %d", info, parent)
	}

	server.EnqueueHeaders(promised, response, false)
	server.EnqueueData(promised, []byte("body{}"), true)
	server.EnqueueHeaders(parent, response, true)
	cliEvents, _ := pump(t, client, server)

	pp, ok := findEvent(cliEvents, EventPushPromise, parent)
	if !ok || pp.PromisedID != promised || pp.Headers[2].Value != "/style.css" {
		t.Fatalf("push promise event = %+v, %v", pp, ok)
	}
	if _, ok := findEvent(cliEvents, EventHeaders, promised); !ok {
		t.Error("client did not receive pushed response headers")
	}
	if got := string(dataFor(cliEvents, promised)); got != "body{}" {
		t.Errorf("pushed body = %q", got)
	}
	for _, id := range []uint32{parent, promised} {
		if _, ok := findEvent(cliEvents, EventStreamClosed, id); !ok {
			t.Errorf("stream %d not closed on client", id)
		}
	}
	if server.NumStreams() != 0 || client.NumStreams() != 0 {
		t.Errorf("streams left = %d, %d", server.NumStreams(), client.NumStreams())
	}
}

func TestClientRefusesPush(t *testing.T) {
	client, server := connected(t, nil, nil)
	parent, _ := client.OpenStream(request, true)
	pump(t, client, server)
	promised, _ := server.Push(parent, pushedRequest)
	pump(t, client, server)

	if info, ok := client.Stream(promised); !ok || info.State != stream.ReservedRemote {
		t.Fatalf("client promised stream = %+v, %v", info, ok)
	}
	if err := client.Reset(promised, protocol.ErrCodeCancel); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	_, srvEvents := pump(t, client, server)
	ev, ok := findEvent(srvEvents, EventStreamClosed, promised)
	if !ok || ev.Code != protocol.ErrCodeCancel || !ev.Remote {
		t.Errorf("server close event = %+v, %v", ev, ok)
	}
}

func TestPushErrors(t *testing.T) {
	t.Run("client", func(t *testing.T) {
		client, _ := connected(t, nil, nil)
		if _, err := client.Push(1, pushedRequest); !errors.Is(err, ErrPushNotAllowed) {
			t.Errorf("Push() error = %v, want ErrPushNotAllowed", err)
		}
	})
	t.Run("disabled", func(t *testing.T) {
		client, server := connected(t, func(c *Config) { c.EnablePush = false }, nil)
		parent, _ := client.OpenStream(request, true)
		pump(t, client, server)
		if _, err := server.Push(parent, pushedRequest); !errors.Is(err, ErrPushDisabled) {
			t.Errorf("Push() error = %v, want ErrPushDisabled", err)
		}
	})
	t.Run("unknown_parent", func(t *testing.T) {
		_, server := connected(t, nil, nil)
		if _, err := server.Push(7, pushedRequest); !errors.Is(err, ErrInvalidPushParent) {
			t.Errorf("Push() error = %v, want ErrInvalidPushParent", err)
		}
	})
	t.Run("closed_parent", func(t *testing.T) {
		client, server := connected(t, nil, nil)
		parent, _ := client.OpenStream(request, false)
		pump(t, client, server)
		server.EnqueueHeaders(parent, response, true)
		pump(t, client, server)
		if _, err := server.Push(parent, pushedRequest); !errors.Is(err, ErrInvalidPushParent) {
			t.Errorf("Push() on half-closed (local) parent error = %v, want ErrInvalidPushParent", err)
		}
	})
}

func TestReceivedPushPromiseErrors(t *testing.T) {
	block := hpack.NewEncoder(nil).EncodeBlock(pushedRequest)

	tests := []struct {
		name   string
		mutate func(*Config)
		frame  *protocol.Frame
	}{
		{
			name:  "odd_promised_id",
			frame: protocol.PushPromiseFrame(1, 3, block, true),
		},
		{
			name:  "idle_parent",
			frame: protocol.PushPromiseFrame(5, 2, block, true),
		},
		{
			name:   "push_disabled",
			mutate: func(c *Config) { c.EnablePush = false },
			frame:  protocol.PushPromiseFrame(1, 2, block, true),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newConn(RoleClient, tt.mutate)
			if _, err := client.OpenStream(request, true); err != nil {
				t.Fatalf("OpenStream() error = %v", err)
			}
			client.Drain()
			if _, err := client.Feed(rawFrames(t, protocol.SettingsFrame(), protocol.SettingsAckFrame())); err != nil {
				t.Fatalf("Feed(handshake) error = %v", err)
			}
			_, err := client.Feed(rawFrames(t, tt.frame))
			if code := connErrCode(t, err); code != protocol.ErrCodeProtocol {
				t.Errorf("code = %s, want PROTOCOL_ERROR", code)
			}
		})
	}
}

func TestPushPromiseAcrossContinuation(t *testing.T) {
	client := newConn(RoleClient, nil)
	client.OpenStream(request, true)
	client.Drain()
	client.Feed(rawFrames(t, protocol.SettingsFrame(), protocol.SettingsAckFrame()))

	block := hpack.NewEncoder(nil).EncodeBlock(pushedRequest)
	evs, err := client.Feed(rawFrames(t,
		protocol.PushPromiseFrame(1, 2, block[:3], false),
		protocol.ContinuationFrame(1, block[3:], true)))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	ev, ok := findEvent(evs, EventPushPromise, 1)
	if !ok || ev.PromisedID != 2 || len(ev.Headers) != len(pushedRequest) {
		t.Errorf("push promise event = %+v, %v", ev, ok)
	}
}
