package hpack

// DynamicTable is the FIFO of recently indexed fields. Index 1 is the newest
// entry. The sum of entry sizes never exceeds MaxSize.
type DynamicTable struct {
	// entries holds oldest first; Entry translates to newest-first indices.
	entries []HeaderField
	size    uint32
	maxSize uint32
}

// NewDynamicTable creates an empty table bounded by maxSize bytes.
func NewDynamicTable(maxSize uint32) *DynamicTable {
	return &DynamicTable{maxSize: maxSize}
}

// Len returns the number of entries.
func (t *DynamicTable) Len() int { return len(t.entries) }

// Size returns the accounted size of all entries.
func (t *DynamicTable) Size() uint32 { return t.size }

// MaxSize returns the current bound.
func (t *DynamicTable) MaxSize() uint32 { return t.maxSize }

// Entry returns the entry at 1-based index i, where 1 is the newest.
func (t *DynamicTable) Entry(i int) (HeaderField, bool) {
	if i < 1 || i > len(t.entries) {
		return HeaderField{}, false
	}
	return t.entries[len(t.entries)-i], true
}

// Add inserts f as the newest entry, evicting from the oldest end until it
// fits. An entry larger than MaxSize empties the table and is not stored.
func (t *DynamicTable) Add(f HeaderField) {
	sz := f.Size()
	if sz > t.maxSize {
		t.clear()
		return
	}
	t.evictTo(t.maxSize - sz)
	f.Sensitive = false
	t.entries = append(t.entries, f)
	t.size += sz
}

// SetMaxSize changes the bound and evicts immediately so the invariant
// holds before the call returns.
func (t *DynamicTable) SetMaxSize(n uint32) {
	t.maxSize = n
	t.evictTo(n)
}

func (t *DynamicTable) evictTo(limit uint32) {
	n := 0
	for t.size > limit && n < len(t.entries) {
		t.size -= t.entries[n].Size()
		t.entries[n] = HeaderField{}
		n++
	}
	if n == 0 {
		return
	}
	// Compact in place; entries[0] stays the oldest.
	copy(t.entries, t.entries[n:])
	for i := len(t.entries) - n; i < len(t.entries); i++ {
		t.entries[i] = HeaderField{}
	}
	t.entries = t.entries[:len(t.entries)-n]
}

func (t *DynamicTable) clear() {
	for i := range t.entries {
		t.entries[i] = HeaderField{}
	}
	t.entries = t.entries[:0]
	t.size = 0
}

// search returns the 1-based dynamic index of an exact match, or 0.
func (t *DynamicTable) search(name, value string) int {
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.Name == name && e.Value == value {
			return len(t.entries) - i
		}
	}
	return 0
}

// lookup resolves an index in the combined static and dynamic space.
func (t *DynamicTable) lookup(i uint64) (HeaderField, bool) {
	if i == 0 {
		return HeaderField{}, false
	}
	if i <= uint64(StaticTableLen) {
		return staticTable[i-1], true
	}
	d := i - uint64(StaticTableLen)
	if d > uint64(len(t.entries)) {
		return HeaderField{}, false
	}
	return t.Entry(int(d))
}
