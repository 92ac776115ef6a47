package hpack

import (
	"fmt"

	nethpack "golang.org/x/net/http2/hpack"
)

// maxInteger bounds decoded prefix integers. Nothing in a header block
// (index, length, table size) legitimately exceeds 32 bits.
const maxInteger = 1<<32 - 1

// appendInt appends v as a prefix integer with an n-bit prefix. The high
// bits of the first byte are taken from first.
func appendInt(dst []byte, first byte, n uint8, v uint64) []byte {
	limit := uint64(1)<<n - 1
	if v < limit {
		return append(dst, first|byte(v))
	}
	dst = append(dst, first|byte(limit))
	v -= limit
	for v >= 0x80 {
		dst = append(dst, byte(v)|0x80)
		v >>= 7
	}
	return append(dst, byte(v))
}

// readInt reads a prefix integer with an n-bit prefix from p.
func readInt(p []byte, n uint8) (uint64, int, error) {
	if len(p) == 0 {
		return 0, 0, ErrTruncated
	}
	limit := uint64(1)<<n - 1
	v := uint64(p[0]) & limit
	if v < limit {
		return v, 1, nil
	}
	var m uint
	for i := 1; i < len(p); i++ {
		b := p[i]
		v += uint64(b&0x7f) << m
		if v > maxInteger {
			return 0, 0, ErrIntegerOverflow
		}
		if b&0x80 == 0 {
			return v, i + 1, nil
		}
		m += 7
		if m >= 35 {
			return 0, 0, ErrIntegerOverflow
		}
	}
	return 0, 0, ErrTruncated
}

// appendString appends a string literal, Huffman-coded when that is
// shorter and huffman is enabled.
func appendString(dst []byte, s string, huffman bool) []byte {
	if huffman {
		if hl := nethpack.HuffmanEncodeLength(s); hl < uint64(len(s)) {
			dst = appendInt(dst, 0x80, 7, hl)
			return nethpack.AppendHuffmanString(dst, s)
		}
	}
	dst = appendInt(dst, 0, 7, uint64(len(s)))
	return append(dst, s...)
}

// readString reads a string literal of at most maxLen decoded bytes.
func readString(p []byte, maxLen int) (string, int, error) {
	if len(p) == 0 {
		return "", 0, ErrTruncated
	}
	huff := p[0]&0x80 != 0
	n, used, err := readInt(p, 7)
	if err != nil {
		return "", 0, err
	}
	if n > uint64(len(p)-used) {
		return "", 0, ErrTruncated
	}
	raw := p[used : used+int(n)]
	used += int(n)
	if !huff {
		if maxLen > 0 && len(raw) > maxLen {
			return "", 0, ErrStringTooLong
		}
		return string(raw), used, nil
	}
	// Codes are at most 30 bits, which bounds the output from below.
	if maxLen > 0 && (len(raw)*8-7)/30 > maxLen {
		return "", 0, ErrStringTooLong
	}
	s, err := nethpack.HuffmanDecodeToString(raw)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", ErrInvalidHuffman, err)
	}
	if maxLen > 0 && len(s) > maxLen {
		return "", 0, ErrStringTooLong
	}
	return s, used, nil
}
