package main

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vango-dev/h2mux/internal/errors"
	"github.com/vango-dev/h2mux/pkg/capture"
	"github.com/vango-dev/h2mux/pkg/protocol"
)

const (
	ansiReset = "\033[0m"
	ansiRed   = "\033[31m"
	ansiGreen = "\033[32m"
	ansiCyan  = "\033[36m"
	ansiGray  = "\033[90m"
)

// palette colors text when true.
type palette bool

func (p palette) paint(code, s string) string {
	if !p {
		return s
	}
	return code + s + ansiReset
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func inspectCmd() *cobra.Command {
	var (
		asJSON      bool
		headersOnly bool
		colorMode   string
	)

	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Decode a wire capture",
		Long: `Replay a capture written by 'h2mux serve' through the frame codec
and HPACK decoder, printing one line per frame.

Outbound frames are marked '>', inbound frames '<'.

Examples:
  h2mux inspect captures/20240101T120000-000001-127.0.0.1_5123.h2cap
  h2mux inspect --headers-only conn.h2cap
  h2mux inspect --json conn.h2cap | jq .`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var color bool
			switch colorMode {
			case "auto":
				color = isTerminal(cmd.OutOrStdout())
			case "always":
				color = true
			case "never":
			default:
				return errors.New("H020").
					WithDetail(fmt.Sprintf("--color must be auto, always or never, got %q", colorMode))
			}

			recs, readErr := capture.ReadFile(args[0])
			if readErr != nil && len(recs) == 0 {
				return errors.New("H062").WithDetail(args[0]).Wrap(readErr)
			}

			p := &printer{w: cmd.OutOrStdout(), color: palette(color), json: asJSON, headersOnly: headersOnly}
			in := capture.NewInspector()
			for _, r := range recs {
				for _, e := range in.Add(r) {
					if err := p.entry(e); err != nil {
						return err
					}
				}
			}
			if i, o := in.Pending(); i+o > 0 && !asJSON {
				fmt.Fprintf(p.w, "%s\n", p.color.paint(ansiGray, fmt.Sprintf("# %d inbound and %d outbound bytes left in incomplete frames", i, o)))
			}
			if readErr != nil {
				return errors.New("H062").
					WithDetail(fmt.Sprintf("%s: stopped after %d records", args[0], len(recs))).
					Wrap(readErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print one JSON object per frame")
	cmd.Flags().BoolVar(&headersOnly, "headers-only", false, "Print only frames that complete a header block, and errors")
	cmd.Flags().StringVar(&colorMode, "color", "auto", "Color output: auto, always, never")

	return cmd
}

type printer struct {
	w           io.Writer
	color       palette
	json        bool
	headersOnly bool
}

type jsonField struct {
	Name      string `json:"name"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive,omitempty"`
}

type jsonEntry struct {
	Time    string      `json:"time,omitempty"`
	Dir     string      `json:"dir"`
	Type    string      `json:"type,omitempty"`
	Stream  uint32      `json:"stream"`
	Flags   []string    `json:"flags,omitempty"`
	Length  int         `json:"length"`
	Detail  string      `json:"detail,omitempty"`
	Headers []jsonField `json:"headers,omitempty"`
	Error   string      `json:"error,omitempty"`
}

func (p *printer) entry(e capture.Entry) error {
	if p.headersOnly && e.Headers == nil && e.Err == nil {
		return nil
	}
	if p.json {
		return p.jsonEntry(e)
	}

	ts := ""
	if !e.Time.IsZero() {
		ts = e.Time.UTC().Format("15:04:05.000000") + " "
	}
	arrow := p.color.paint(ansiGreen, ">")
	if e.Dir == capture.Inbound {
		arrow = p.color.paint(ansiCyan, "<")
	}

	if e.Frame == nil {
		_, err := fmt.Fprintf(p.w, "%s%s %s\n", ts, arrow, p.color.paint(ansiRed, "error: "+e.Err.Error()))
		return err
	}

	f := e.Frame
	var b strings.Builder
	fmt.Fprintf(&b, "%s%s %-13s stream=%d len=%d", ts, arrow, f.Type, f.StreamID, f.Length())
	if names := flagNames(f); len(names) > 0 {
		b.WriteString(" flags=" + strings.Join(names, "|"))
	}
	if d := detail(f); d != "" {
		b.WriteString(" " + p.color.paint(ansiGray, d))
	}
	b.WriteString("\n")
	for _, h := range e.Headers {
		v := h.Value
		if h.Sensitive {
			v += p.color.paint(ansiGray, " (never indexed)")
		}
		fmt.Fprintf(&b, "    %s: %s\n", h.Name, v)
	}
	if e.Err != nil {
		b.WriteString("    " + p.color.paint(ansiRed, "error: "+e.Err.Error()) + "\n")
	}
	_, err := io.WriteString(p.w, b.String())
	return err
}

func (p *printer) jsonEntry(e capture.Entry) error {
	out := jsonEntry{Dir: e.Dir.String()}
	if !e.Time.IsZero() {
		out.Time = e.Time.UTC().Format("2006-01-02T15:04:05.000000Z")
	}
	if f := e.Frame; f != nil {
		out.Type = f.Type.String()
		out.Stream = f.StreamID
		out.Flags = flagNames(f)
		out.Length = f.Length()
		out.Detail = detail(f)
	}
	for _, h := range e.Headers {
		out.Headers = append(out.Headers, jsonField{Name: h.Name, Value: h.Value, Sensitive: h.Sensitive})
	}
	if e.Err != nil {
		out.Error = e.Err.Error()
	}
	return json.NewEncoder(p.w).Encode(out)
}

// flagNames names the flags defined for the frame's type.
func flagNames(f *protocol.Frame) []string {
	type named struct {
		flag protocol.Flags
		name string
	}
	var defs []named
	switch f.Type {
	case protocol.FrameData:
		defs = []named{{protocol.FlagEndStream, "END_STREAM"}, {protocol.FlagPadded, "PADDED"}}
	case protocol.FrameHeaders:
		defs = []named{
			{protocol.FlagEndStream, "END_STREAM"},
			{protocol.FlagEndHeaders, "END_HEADERS"},
			{protocol.FlagPadded, "PADDED"},
			{protocol.FlagPriority, "PRIORITY"},
		}
	case protocol.FrameSettings, protocol.FramePing:
		defs = []named{{protocol.FlagAck, "ACK"}}
	case protocol.FramePushPromise:
		defs = []named{{protocol.FlagEndHeaders, "END_HEADERS"}, {protocol.FlagPadded, "PADDED"}}
	case protocol.FrameContinuation:
		defs = []named{{protocol.FlagEndHeaders, "END_HEADERS"}}
	}
	var names []string
	for _, d := range defs {
		if f.Flags.Has(d.flag) {
			names = append(names, d.name)
		}
	}
	return names
}

// detail summarizes the payload of control frames.
func detail(f *protocol.Frame) string {
	switch f.Type {
	case protocol.FrameSettings:
		list, err := protocol.DecodeSettings(f.Payload)
		if err != nil || len(list) == 0 {
			return ""
		}
		parts := make([]string, len(list))
		for i, s := range list {
			parts[i] = s.String()
		}
		return "[" + strings.Join(parts, " ") + "]"
	case protocol.FrameWindowUpdate:
		if inc, err := protocol.DecodeWindowUpdate(f); err == nil {
			return fmt.Sprintf("increment=%d", inc)
		}
	case protocol.FrameRSTStream:
		if code, err := protocol.DecodeRSTStream(f); err == nil {
			return "code=" + code.String()
		}
	case protocol.FrameGoAway:
		if g, err := protocol.DecodeGoAway(f); err == nil {
			s := fmt.Sprintf("last_stream=%d code=%s", g.LastStreamID, g.Code)
			if len(g.DebugData) > 0 {
				s += fmt.Sprintf(" debug=%q", g.DebugData)
			}
			return s
		}
	case protocol.FramePing:
		if data, err := protocol.DecodePing(f); err == nil {
			return "data=" + hex.EncodeToString(data[:])
		}
	case protocol.FramePriority:
		if pr, err := protocol.DecodePriority(f); err == nil {
			return fmt.Sprintf("depends_on=%d weight=%d exclusive=%t", pr.StreamDep, pr.Weight, pr.Exclusive)
		}
	case protocol.FramePushPromise:
		if pp, err := protocol.DecodePushPromise(f); err == nil {
			return fmt.Sprintf("promised=%d", pp.PromisedID)
		}
	}
	return ""
}
