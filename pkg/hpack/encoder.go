package hpack

// Representation prefixes.
const (
	reprIndexed      = 0x80 // 1xxxxxxx, 7-bit index
	reprIncremental  = 0x40 // 01xxxxxx, 6-bit name index
	reprSizeUpdate   = 0x20 // 001xxxxx, 5-bit size
	reprNeverIndexed = 0x10 // 0001xxxx, 4-bit name index
	reprNotIndexed   = 0x00 // 0000xxxx, 4-bit name index
)

// Encoder produces header blocks against one dynamic table. Calls must be
// made in the order the resulting blocks are put on the wire.
type Encoder struct {
	table   *DynamicTable
	huffman bool

	// Size updates owed to the peer before the next field.
	pending    bool
	minPending uint32
}

// NewEncoder creates an encoder over table. A nil table gets a fresh one
// of DefaultTableSize.
func NewEncoder(table *DynamicTable) *Encoder {
	if table == nil {
		table = NewDynamicTable(DefaultTableSize)
	}
	return &Encoder{table: table, huffman: true}
}

// Table returns the encoder's dynamic table.
func (e *Encoder) Table() *DynamicTable { return e.table }

// SetHuffman toggles Huffman coding of string literals.
func (e *Encoder) SetHuffman(on bool) { e.huffman = on }

// SetMaxTableSize changes the dynamic table bound. Entries are evicted
// immediately, and a size update is emitted ahead of the next field.
func (e *Encoder) SetMaxTableSize(n uint32) {
	if !e.pending || n < e.minPending {
		e.minPending = n
	}
	e.pending = true
	e.table.SetMaxSize(n)
}

// EncodeHeader encodes a single field.
func (e *Encoder) EncodeHeader(name, value string) []byte {
	return e.AppendField(nil, HeaderField{Name: name, Value: value})
}

// EncodeBlock encodes fields as one header block.
func (e *Encoder) EncodeBlock(fields []HeaderField) []byte {
	var dst []byte
	for _, f := range fields {
		dst = e.AppendField(dst, f)
	}
	if len(fields) == 0 {
		dst = e.flushSizeUpdate(dst)
	}
	return dst
}

// AppendField appends the representation of f to dst. Exact static
// matches win, then exact dynamic matches; anything else is written as a
// literal and inserted into the table. Sensitive fields are always written
// as never-indexed literals.
func (e *Encoder) AppendField(dst []byte, f HeaderField) []byte {
	dst = e.flushSizeUpdate(dst)

	if f.Sensitive {
		return e.appendLiteral(dst, reprNeverIndexed, 4, f)
	}
	if i := staticIndex(f.Name, f.Value); i > 0 {
		return appendInt(dst, reprIndexed, 7, uint64(i))
	}
	if i := e.table.search(f.Name, f.Value); i > 0 {
		return appendInt(dst, reprIndexed, 7, uint64(StaticTableLen+i))
	}
	dst = e.appendLiteral(dst, reprIncremental, 6, f)
	e.table.Add(f)
	return dst
}

func (e *Encoder) appendLiteral(dst []byte, first byte, n uint8, f HeaderField) []byte {
	dst = appendInt(dst, first, n, 0)
	dst = appendString(dst, f.Name, e.huffman)
	return appendString(dst, f.Value, e.huffman)
}

func (e *Encoder) flushSizeUpdate(dst []byte) []byte {
	if !e.pending {
		return dst
	}
	e.pending = false
	if e.minPending < e.table.MaxSize() {
		dst = appendInt(dst, reprSizeUpdate, 5, uint64(e.minPending))
	}
	return appendInt(dst, reprSizeUpdate, 5, uint64(e.table.MaxSize()))
}
