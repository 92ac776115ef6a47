// Package capture records the raw bytes of a connection and reads them
// back.
//
// A capture file starts with an 8-byte magic and holds one record per
// transport read or write:
//
//	+-----+-----------+---------+---------+
//	| dir | unix nano | length  | bytes   |
//	| u8  | u64       | u32     | ...     |
//	+-----+-----------+---------+---------+
//
// Records keep transport chunking, not frame boundaries. Inspector
// reassembles frames.
package capture

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/vango-dev/h2mux/pkg/protocol"
)

// Magic opens every capture.
const Magic = "H2MUXC\x00\x01"

const recordHeaderSize = 13

// MaxRecordSize bounds a record's payload on read.
const MaxRecordSize = 16 << 20

var (
	ErrBadMagic       = errors.New("capture: not a capture file")
	ErrRecordTooLarge = errors.New("capture: record too large")
)

// Direction says which way a record's bytes travelled.
type Direction uint8

const (
	Inbound  Direction = '<'
	Outbound Direction = '>'
)

func (d Direction) String() string {
	switch d {
	case Inbound:
		return "in"
	case Outbound:
		return "out"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Record is one chunk of captured bytes.
type Record struct {
	Dir  Direction
	Time time.Time
	Data []byte
}

// AppendRecord appends the encoding of r to dst.
func AppendRecord(dst []byte, r Record) []byte {
	e := protocol.NewEncoderBuffer(dst)
	e.WriteByte(byte(r.Dir))
	e.WriteUint64(uint64(r.Time.UnixNano()))
	e.WriteUint32(uint32(len(r.Data)))
	e.WriteBytes(r.Data)
	return e.Bytes()
}

// Reader reads records from a capture stream.
type Reader struct {
	r      *bufio.Reader
	header [recordHeaderSize]byte
	magic  bool
}

// NewReader returns a Reader. The magic is checked on the first Next.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReader(r)}
}

// Next returns the next record, or io.EOF after the last one.
func (rd *Reader) Next() (Record, error) {
	if !rd.magic {
		var m [len(Magic)]byte
		if _, err := io.ReadFull(rd.r, m[:]); err != nil || string(m[:]) != Magic {
			return Record{}, ErrBadMagic
		}
		rd.magic = true
	}
	if _, err := io.ReadFull(rd.r, rd.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Record{}, fmt.Errorf("capture: truncated record header: %w", err)
		}
		return Record{}, err
	}
	d := protocol.NewDecoder(rd.header[:])
	dir, _ := d.ReadByte()
	nanos, _ := d.ReadUint64()
	n, _ := d.ReadUint32()
	if n > MaxRecordSize {
		return Record{}, fmt.Errorf("%w: %d bytes", ErrRecordTooLarge, n)
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(rd.r, data); err != nil {
		return Record{}, fmt.Errorf("capture: truncated record: %w", io.ErrUnexpectedEOF)
	}
	return Record{Dir: Direction(dir), Time: time.Unix(0, int64(nanos)), Data: data}, nil
}

// ReadRecords reads every record from r.
func ReadRecords(r io.Reader) ([]Record, error) {
	rd := NewReader(r)
	var out []Record
	for {
		rec, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
}

// ReadFile reads every record from the capture file at path.
func ReadFile(path string) ([]Record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadRecords(f)
}
