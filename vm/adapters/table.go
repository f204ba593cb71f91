package adapters

// HashFunc maps a fingerprint to a bucket key.
type HashFunc func(*Fingerprint) uint32

// DefaultHash is the fingerprint's own mixing hash.
func DefaultHash(fp *Fingerprint) uint32 { return fp.Hash() }

// TableStats counts table traffic.
type TableStats struct {
	Entries     int
	Buckets     int
	Lookups     uint64
	Hits        uint64
	Equals      uint64 // full fingerprint comparisons
	CompactHits uint64
}

// Table maps fingerprints to adapter entries. Buckets are chosen by hash;
// a hit always requires full fingerprint equality so colliding signatures
// never share an entry. The table is not synchronized; Library serializes
// access to it.
type Table struct {
	buckets map[uint32][]*Entry
	hash    HashFunc
	stats   TableStats
}

// NewTable creates an empty table. A nil hash selects DefaultHash.
func NewTable(hash HashFunc) *Table {
	if hash == nil {
		hash = DefaultHash
	}
	return &Table{
		buckets: make(map[uint32][]*Entry),
		hash:    hash,
	}
}

// Lookup returns the entry registered for fp, or nil.
func (t *Table) Lookup(fp *Fingerprint) *Entry {
	t.stats.Lookups++
	for _, e := range t.buckets[t.hash(fp)] {
		t.stats.Equals++
		if e.Fingerprint.Equal(fp) {
			t.stats.Hits++
			if fp.IsCompact() {
				t.stats.CompactHits++
			}
			return e
		}
	}
	return nil
}

// Add registers e. The caller must have checked that no equal fingerprint
// is present.
func (t *Table) Add(e *Entry) {
	h := t.hash(e.Fingerprint)
	t.buckets[h] = append(t.buckets[h], e)
	t.stats.Entries++
}

// Len returns the number of entries.
func (t *Table) Len() int { return t.stats.Entries }

// Stats returns a copy of the counters.
func (t *Table) Stats() TableStats {
	s := t.stats
	s.Buckets = len(t.buckets)
	return s
}

// Each calls fn for every entry. Order is unspecified.
func (t *Table) Each(fn func(*Entry)) {
	for _, bucket := range t.buckets {
		for _, e := range bucket {
			fn(e)
		}
	}
}
