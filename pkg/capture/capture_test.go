package capture

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/vango-dev/h2mux/pkg/hpack"
	"github.com/vango-dev/h2mux/pkg/mux"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

var records = []Record{
	{Dir: Outbound, Time: time.Unix(1700000000, 1), Data: []byte("hello")},
	{Dir: Inbound, Time: time.Unix(1700000000, 2), Data: []byte{0, 1, 2}},
	{Dir: Outbound, Time: time.Unix(1700000001, 0), Data: []byte{}},
}

func equalRecords(t *testing.T, got, want []Record) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("records = %d, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i].Dir != want[i].Dir || !got[i].Time.Equal(want[i].Time) || !bytes.Equal(got[i].Data, want[i].Data) {
			t.Errorf("record %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestFileSink(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conn.h2cap")
	sink, err := CreateFile(path)
	if err != nil {
		t.Fatalf("CreateFile() error = %v", err)
	}
	for _, r := range records {
		if err := sink.WriteRecord(r); err != nil {
			t.Fatalf("WriteRecord() error = %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sink.WriteRecord(records[0]); err == nil {
		t.Error("WriteRecord() after Close() = nil, want error")
	}

	got, err := ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	equalRecords(t, got, records)
}

func TestReadRecordsErrors(t *testing.T) {
	full := AppendRecord([]byte(Magic), records[0])
	tooLarge := AppendRecord([]byte(Magic), Record{Dir: Inbound})[:len(Magic)+9]
	tooLarge = append(tooLarge, 0xff, 0xff, 0xff, 0xff)

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrBadMagic},
		{"bad_magic", []byte("not a capture"), ErrBadMagic},
		{"truncated_header", full[:len(Magic)+5], io.ErrUnexpectedEOF},
		{"truncated_data", full[:len(full)-1], io.ErrUnexpectedEOF},
		{"too_large", tooLarge, ErrRecordTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ReadRecords(bytes.NewReader(tt.data))
			if !errors.Is(err, tt.want) {
				t.Errorf("ReadRecords() error = %v, want %v", err, tt.want)
			}
		})
	}
}

type fakeS3 struct {
	objects map[string][]byte
	fail    error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[*in.Bucket+"/"+*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3SinkSegments(t *testing.T) {
	client := &fakeS3{}
	sink := NewS3Sink(client, "bucket", "captures/c1").WithMaxSegment(len(Magic) + 20)
	for _, r := range records {
		if err := sink.WriteRecord(r); err != nil {
			t.Fatalf("WriteRecord() error = %v", err)
		}
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}

	// The second record fills the first segment.
	keys := []string{"bucket/captures/c1-0000.h2cap", "bucket/captures/c1-0001.h2cap"}
	if len(client.objects) != len(keys) {
		t.Fatalf("objects = %d, want %d", len(client.objects), len(keys))
	}
	var all []Record
	for _, k := range keys {
		body, ok := client.objects[k]
		if !ok {
			t.Fatalf("object %s missing", k)
		}
		got, err := ReadRecords(bytes.NewReader(body))
		if err != nil {
			t.Fatalf("ReadRecords(%s) error = %v", k, err)
		}
		all = append(all, got...)
	}
	equalRecords(t, all, records)
}

func TestS3SinkUploadError(t *testing.T) {
	boom := errors.New("boom")
	sink := NewS3Sink(&fakeS3{fail: boom}, "bucket", "k")
	sink.WriteRecord(records[0])
	if err := sink.Close(); !errors.Is(err, boom) {
		t.Errorf("Close() error = %v, want %v", err, boom)
	}
}

type memConn struct {
	r      io.Reader
	w      bytes.Buffer
	closed bool
}

func (m *memConn) Read(p []byte) (int, error)  { return m.r.Read(p) }
func (m *memConn) Write(p []byte) (int, error) { return m.w.Write(p) }
func (m *memConn) Close() error                { m.closed = true; return nil }

type memSink struct {
	recs []Record
	fail error
}

func (s *memSink) WriteRecord(r Record) error {
	if s.fail != nil {
		return s.fail
	}
	r.Data = append([]byte(nil), r.Data...)
	s.recs = append(s.recs, r)
	return nil
}

func (s *memSink) Close() error { return nil }

func TestRecorder(t *testing.T) {
	conn := &memConn{r: strings.NewReader("inbound")}
	sink := &memSink{}
	rec := NewRecorder(conn, sink)

	buf := make([]byte, 16)
	n, _ := rec.Read(buf)
	rec.Write([]byte("outbound"))
	if _, err := rec.Read(buf); !errors.Is(err, io.EOF) {
		t.Fatalf("Read() error = %v, want EOF", err)
	}
	if err := rec.Close(); err != nil || !conn.closed {
		t.Fatalf("Close() = %v, closed = %v", err, conn.closed)
	}

	if string(buf[:n]) != "inbound" || conn.w.String() != "outbound" {
		t.Errorf("transport saw %q / %q", buf[:n], conn.w.String())
	}
	if len(sink.recs) != 2 || sink.recs[0].Dir != Inbound || sink.recs[1].Dir != Outbound {
		t.Fatalf("records = %+v", sink.recs)
	}
	if string(sink.recs[1].Data) != "outbound" {
		t.Errorf("outbound record = %q", sink.recs[1].Data)
	}

	failing := NewRecorder(&memConn{r: strings.NewReader("x")}, &memSink{fail: io.ErrShortWrite})
	if _, err := failing.Write([]byte("y")); err != nil {
		t.Errorf("Write() with failing sink = %v, want nil", err)
	}
	if err := failing.Close(); !errors.Is(err, io.ErrShortWrite) {
		t.Errorf("Close() = %v, want sink error", err)
	}
}

func TestTee(t *testing.T) {
	a, b := &memSink{}, &memSink{fail: io.ErrShortWrite}
	sink := Tee(a, b)
	if err := sink.WriteRecord(records[0]); !errors.Is(err, io.ErrShortWrite) {
		t.Errorf("WriteRecord() error = %v, want %v", err, io.ErrShortWrite)
	}
	if len(a.recs) != 1 {
		t.Errorf("first sink records = %d, want 1", len(a.recs))
	}
	if err := sink.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if Tee(a) != Sink(a) {
		t.Error("Tee(one) should return the sink itself")
	}
}

func TestInspectorReassemblesConversation(t *testing.T) {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	ccfg := mux.DefaultConfig(mux.RoleClient)
	ccfg.Logger = quiet
	scfg := mux.DefaultConfig(mux.RoleServer)
	scfg.Logger = quiet
	scfg.HeaderTableSize = 8192
	client, server := mux.NewConn(ccfg), mux.NewConn(scfg)

	// The client's side of the conversation, cut at awkward offsets.
	var recs []Record
	add := func(dir Direction, b []byte) {
		for len(b) > 0 {
			n := min(len(b), 7)
			recs = append(recs, Record{Dir: dir, Data: b[:n]})
			b = b[n:]
		}
	}
	exchange := func() {
		for i := 0; i < 10; i++ {
			out, in := client.Drain(), server.Drain()
			if len(out) == 0 && len(in) == 0 {
				return
			}
			add(Outbound, out)
			add(Inbound, in)
			server.Feed(out)
			client.Feed(in)
		}
	}
	exchange()

	req := []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/inspect"},
		{Name: ":authority", Value: "example.com"},
		{Name: "x-trace", Value: "abc"},
	}
	for i := 0; i < 2; i++ {
		id, err := client.OpenStream(req, true)
		if err != nil {
			t.Fatalf("OpenStream() error = %v", err)
		}
		exchange()
		server.EnqueueHeaders(id, []hpack.HeaderField{{Name: ":status", Value: "404"}}, true)
		exchange()
	}

	in := NewInspector()
	var entries []Entry
	for _, r := range recs {
		entries = append(entries, in.Add(r)...)
	}
	if i, o := in.Pending(); i != 0 || o != 0 {
		t.Errorf("Pending() = %d, %d, want 0, 0", i, o)
	}

	var requests, responses int
	for _, e := range entries {
		if e.Err != nil {
			t.Fatalf("entry %s %v error = %v", e.Dir, e.Frame, e.Err)
		}
		if e.Frame.Type != protocol.FrameHeaders {
			continue
		}
		switch e.Dir {
		case Outbound:
			requests++
			if len(e.Headers) != len(req) || e.Headers[4].Value != "abc" {
				t.Errorf("request headers = %v", e.Headers)
			}
		case Inbound:
			responses++
			if len(e.Headers) != 1 || e.Headers[0].Value != "404" {
				t.Errorf("response headers = %v", e.Headers)
			}
		}
	}
	if requests != 2 || responses != 2 {
		t.Errorf("requests, responses = %d, %d, want 2, 2", requests, responses)
	}
}

func TestInspectorReportsBadFrames(t *testing.T) {
	in := NewInspector()
	evs := in.Add(Record{Dir: Inbound, Data: mustEncode(t, protocol.ContinuationFrame(1, []byte{0x82}, true))})
	if len(evs) != 1 || !errors.Is(evs[0].Err, errContinuation) {
		t.Errorf("Add(stray CONTINUATION) = %+v", evs)
	}

	evs = in.Add(Record{Dir: Inbound, Data: mustEncode(t, protocol.HeadersFrame(1, []byte{0xff, 0xff}, true, true, nil))})
	if len(evs) != 1 || evs[0].Err == nil {
		t.Errorf("Add(bad header block) = %+v, want decode error", evs)
	}
}

func mustEncode(t *testing.T, f *protocol.Frame) []byte {
	t.Helper()
	b, err := protocol.NewCodec(protocol.DefaultMaxFrameSize, false).Encode(f)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return b
}
