// Package hpack implements header compression for h2mux header blocks.
//
// A header block is a sequence of representations, each either an index
// into the combined static and dynamic tables or a literal name/value pair.
// Encoder and Decoder each own one DynamicTable; the peer's mirror of that
// table must see the same insertions in the same order, so every block must
// be decoded, even for streams that are about to be refused.
//
// Index space:
//
//	1 .. 61           static table
//	62 .. 61+Len()    dynamic table, 62 is the newest entry
package hpack

import (
	"errors"
	"fmt"
)

// EntryOverhead is the per-entry accounting overhead added to the name and
// value lengths when sizing the dynamic table.
const EntryOverhead = 32

// DefaultTableSize is the initial SETTINGS_HEADER_TABLE_SIZE.
const DefaultTableSize = 4096

// DefaultMaxStringLength bounds a single decoded name or value.
const DefaultMaxStringLength = 16 << 10

// Decoding errors. All of them are connection-level COMPRESSION_ERRORs.
var (
	ErrIndexOutOfRange   = errors.New("hpack: index out of range")
	ErrTruncated         = errors.New("hpack: truncated header block")
	ErrIntegerOverflow   = errors.New("hpack: integer overflow")
	ErrStringTooLong     = errors.New("hpack: string literal too long")
	ErrInvalidHuffman    = errors.New("hpack: invalid huffman encoding")
	ErrInvalidSizeUpdate = errors.New("hpack: invalid dynamic table size update")
)

// HeaderField is a name/value pair. Sensitive fields are never inserted
// into a dynamic table by an encoder or intermediary.
type HeaderField struct {
	Name      string
	Value     string
	Sensitive bool
}

// Size returns the entry size used for dynamic table accounting.
func (f HeaderField) Size() uint32 {
	return uint32(EntryOverhead + len(f.Name) + len(f.Value))
}

// IsPseudo reports whether the field is a pseudo-header (":method", ...).
func (f HeaderField) IsPseudo() bool {
	return len(f.Name) > 0 && f.Name[0] == ':'
}

func (f HeaderField) String() string {
	var suffix string
	if f.Sensitive {
		suffix = " (sensitive)"
	}
	return fmt.Sprintf("%s: %s%s", f.Name, f.Value, suffix)
}

// ListSize sums the entry sizes of fields, the quantity bounded by
// SETTINGS_MAX_HEADER_LIST_SIZE.
func ListSize(fields []HeaderField) uint32 {
	var n uint32
	for _, f := range fields {
		n += f.Size()
	}
	return n
}
