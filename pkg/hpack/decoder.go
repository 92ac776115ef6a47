package hpack

// Decoder parses header blocks against one dynamic table, mirroring the
// peer's Encoder.
type Decoder struct {
	table        *DynamicTable
	allowedMax   uint32
	maxStringLen int
}

// NewDecoder creates a decoder over table. A nil table gets a fresh one
// of DefaultTableSize.
func NewDecoder(table *DynamicTable) *Decoder {
	if table == nil {
		table = NewDynamicTable(DefaultTableSize)
	}
	return &Decoder{
		table:        table,
		allowedMax:   table.MaxSize(),
		maxStringLen: DefaultMaxStringLength,
	}
}

// Table returns the decoder's dynamic table.
func (d *Decoder) Table() *DynamicTable { return d.table }

// SetAllowedMaxTableSize sets the largest table size the peer may select
// with a size update, i.e. our advertised SETTINGS_HEADER_TABLE_SIZE. A
// table currently above the new bound is shrunk right away.
func (d *Decoder) SetAllowedMaxTableSize(n uint32) {
	d.allowedMax = n
	if d.table.MaxSize() > n {
		d.table.SetMaxSize(n)
	}
}

// SetMaxStringLength bounds decoded names and values. Zero disables the check.
func (d *Decoder) SetMaxStringLength(n int) { d.maxStringLen = n }

// DecodeHeader decodes the next field from p, applying any dynamic table
// size updates that precede it. It returns the field and the number of
// bytes consumed.
func (d *Decoder) DecodeHeader(p []byte) (HeaderField, int, error) {
	consumed := 0
	for {
		if consumed == len(p) {
			return HeaderField{}, 0, ErrTruncated
		}
		f, isField, n, err := d.decodeOne(p[consumed:], true)
		if err != nil {
			return HeaderField{}, 0, err
		}
		consumed += n
		if isField {
			return f, consumed, nil
		}
	}
}

// DecodeBlock decodes a complete header block. Size updates are only
// accepted before the first field.
func (d *Decoder) DecodeBlock(p []byte) ([]HeaderField, error) {
	var fields []HeaderField
	for len(p) > 0 {
		f, isField, n, err := d.decodeOne(p, len(fields) == 0)
		if err != nil {
			return fields, err
		}
		if isField {
			fields = append(fields, f)
		}
		p = p[n:]
	}
	return fields, nil
}

func (d *Decoder) decodeOne(p []byte, sizeUpdateOK bool) (HeaderField, bool, int, error) {
	b := p[0]
	switch {
	case b&0x80 != 0:
		idx, n, err := readInt(p, 7)
		if err != nil {
			return HeaderField{}, false, 0, err
		}
		f, ok := d.table.lookup(idx)
		if !ok {
			return HeaderField{}, false, 0, ErrIndexOutOfRange
		}
		return f, true, n, nil

	case b&0xc0 == reprIncremental:
		f, n, err := d.decodeLiteral(p, 6)
		if err != nil {
			return HeaderField{}, false, 0, err
		}
		d.table.Add(f)
		return f, true, n, nil

	case b&0xe0 == reprSizeUpdate:
		if !sizeUpdateOK {
			return HeaderField{}, false, 0, ErrInvalidSizeUpdate
		}
		size, n, err := readInt(p, 5)
		if err != nil {
			return HeaderField{}, false, 0, err
		}
		if size > uint64(d.allowedMax) {
			return HeaderField{}, false, 0, ErrInvalidSizeUpdate
		}
		d.table.SetMaxSize(uint32(size))
		return HeaderField{}, false, n, nil

	default:
		f, n, err := d.decodeLiteral(p, 4)
		if err != nil {
			return HeaderField{}, false, 0, err
		}
		f.Sensitive = b&0xf0 == reprNeverIndexed
		return f, true, n, nil
	}
}

func (d *Decoder) decodeLiteral(p []byte, prefix uint8) (HeaderField, int, error) {
	nameIdx, used, err := readInt(p, prefix)
	if err != nil {
		return HeaderField{}, 0, err
	}
	var f HeaderField
	if nameIdx == 0 {
		name, n, err := readString(p[used:], d.maxStringLen)
		if err != nil {
			return HeaderField{}, 0, err
		}
		f.Name = name
		used += n
	} else {
		e, ok := d.table.lookup(nameIdx)
		if !ok {
			return HeaderField{}, 0, ErrIndexOutOfRange
		}
		f.Name = e.Name
	}
	value, n, err := readString(p[used:], d.maxStringLen)
	if err != nil {
		return HeaderField{}, 0, err
	}
	f.Value = value
	return f, used + n, nil
}
