package transport

import (
	"strconv"

	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/mux"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

// Echo answers every request with status 200 and sends the request body
// back as the response body. A request for PushPath also pushes an empty
// response for PushPath+".pushed" when the client allows push.
type Echo struct {
	// ServerName is sent as the server header when set.
	ServerName string

	// PushPath enables the push demonstration when set.
	PushPath string
}

var _ Handler = (*Echo)(nil)

func (e *Echo) HandleEvent(s *Session, c *mux.Conn, ev mux.Event) {
	switch ev.Kind {
	case mux.EventHeaders:
		if _, ok := field(ev.Headers, ":method"); !ok {
			// Trailers; echoed as response trailers.
			_ = c.EnqueueHeaders(ev.StreamID, ev.Headers, true)
			return
		}
		if p, _ := field(ev.Headers, ":path"); e.PushPath != "" && p == e.PushPath {
			e.push(s, c, ev)
		}
		_ = c.EnqueueHeaders(ev.StreamID, e.response(ev.Headers), ev.EndStream)

	case mux.EventData:
		_ = c.EnqueueData(ev.StreamID, ev.Data, ev.EndStream)
	}
}

func (e *Echo) response(request []hpack.HeaderField) []hpack.HeaderField {
	fields := []hpack.HeaderField{{Name: ":status", Value: "200"}}
	if e.ServerName != "" {
		fields = append(fields, hpack.HeaderField{Name: "server", Value: e.ServerName})
	}
	fields = append(fields, hpack.HeaderField{Name: "x-request-fields", Value: strconv.Itoa(len(request))})
	return fields
}

func (e *Echo) push(s *Session, c *mux.Conn, ev mux.Event) {
	promised := make([]hpack.HeaderField, 0, len(ev.Headers))
	for _, f := range ev.Headers {
		if f.Name == ":path" {
			f.Value += ".pushed"
		}
		promised = append(promised, f)
	}
	id, err := c.Push(ev.StreamID, promised)
	if err != nil {
		s.logger.Debug("push skipped", "stream", ev.StreamID, "error", err)
		return
	}
	if err := c.EnqueueHeaders(id, e.response(promised), true); err != nil {
		_ = c.Reset(id, protocol.ErrCodeInternal)
	}
}

func field(fields []hpack.HeaderField, name string) (string, bool) {
	for _, f := range fields {
		if f.Name == name {
			return f.Value, true
		}
	}
	return "", false
}
