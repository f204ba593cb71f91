package vm

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/chazu/codecache/vm/codeheap"
)

// CodeCache tracks every compiled method record, ordered by address. Its
// lock is only ever held for a single record's worth of work.
type CodeCache struct {
	heap *codeheap.Heap

	mu      sync.Mutex
	records []*CompiledMethod
	nextID  int

	bytesChanged       atomic.Int64 // state-change volume since the last sweep
	compilationEnabled atomic.Bool

	flushedCount atomic.Uint64
	flushedBytes atomic.Uint64
}

func newCodeCache(heap *codeheap.Heap) *CodeCache {
	cc := &CodeCache{heap: heap}
	cc.compilationEnabled.Store(true)
	return cc
}

// Heap returns the backing code heap.
func (cc *CodeCache) Heap() *codeheap.Heap { return cc.heap }

func (cc *CodeCache) allocateID() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	cc.nextID++
	return cc.nextID
}

func (cc *CodeCache) add(cm *CompiledMethod) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	i := sort.Search(len(cc.records), func(i int) bool {
		return cc.records[i].blob.Start > cm.blob.Start
	})
	cc.records = append(cc.records, nil)
	copy(cc.records[i+1:], cc.records[i:])
	cc.records[i] = cm
}

func (cc *CodeCache) remove(cm *CompiledMethod) bool {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	for i, r := range cc.records {
		if r == cm {
			cc.records = append(cc.records[:i], cc.records[i+1:]...)
			return true
		}
	}
	return false
}

// FindByAddress returns the record whose code contains a, or nil.
func (cc *CodeCache) FindByAddress(a codeheap.Address) *CompiledMethod {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	i := sort.Search(len(cc.records), func(i int) bool {
		return cc.records[i].blob.End() > a
	})
	if i < len(cc.records) && cc.records[i].blob.Contains(a) {
		return cc.records[i]
	}
	return nil
}

// Snapshot returns the current records in address order.
func (cc *CodeCache) Snapshot() []*CompiledMethod {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	out := make([]*CompiledMethod, len(cc.records))
	copy(out, cc.records)
	return out
}

// Len returns the number of live records.
func (cc *CodeCache) Len() int {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	return len(cc.records)
}

// CountByState tallies records per lifecycle state.
func (cc *CodeCache) CountByState() map[MethodState]int {
	out := make(map[MethodState]int)
	for _, cm := range cc.Snapshot() {
		out[cm.State()]++
	}
	return out
}

// CompilationEnabled reports whether new compiled code may be installed.
func (cc *CodeCache) CompilationEnabled() bool { return cc.compilationEnabled.Load() }

func (cc *CodeCache) noteStateChange(bytes int) { cc.bytesChanged.Add(int64(bytes)) }

// BytesChanged returns the volume of state changes since the last sweep.
func (cc *CodeCache) BytesChanged() int64 { return cc.bytesChanged.Load() }

// FlushedBytes returns the total bytes reclaimed.
func (cc *CodeCache) FlushedBytes() uint64 { return cc.flushedBytes.Load() }

// FlushedCount returns the number of records reclaimed.
func (cc *CodeCache) FlushedCount() uint64 { return cc.flushedCount.Load() }
