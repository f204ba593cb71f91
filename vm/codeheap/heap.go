package codeheap

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// SegmentSize is the allocation granularity of the heap. Every blob size is
// rounded up to a multiple of it.
const SegmentSize = 64

// FreedCodeFill is written over the bytes of a blob when it is freed so that
// stale jumps into reclaimed code are easy to recognize in a dump.
const FreedCodeFill byte = 0xDD

var (
	ErrFull          = errors.New("code heap is full")
	ErrNotAllocated  = errors.New("blob is not allocated in this heap")
	ErrInvalidSize   = errors.New("invalid allocation size")
	ErrHeapClosed    = errors.New("code heap is closed")
	ErrCapacityLimit = errors.New("capacity must be a positive multiple of the segment size")
)

// BlobKind classifies what a blob holds.
type BlobKind uint8

const (
	KindMethod  BlobKind = iota // Compiled method body
	KindAdapter                 // i2c/c2i adapter stubs
	KindStub                    // Runtime stubs and IC transition stubs
)

func (k BlobKind) String() string {
	switch k {
	case KindMethod:
		return "method"
	case KindAdapter:
		return "adapter"
	case KindStub:
		return "stub"
	default:
		return fmt.Sprintf("BlobKind(%d)", uint8(k))
	}
}

// Blob is one allocated extent of the heap.
type Blob struct {
	Range
	Kind BlobKind
	Name string
}

func (b *Blob) String() string {
	return fmt.Sprintf("%s %q %s", b.Kind, b.Name, b.Range)
}

// Stats is a point-in-time view of heap occupancy.
type Stats struct {
	Capacity   int64
	Used       int64
	Peak       int64
	Allocs     uint64
	Frees      uint64
	Failures   uint64
	FreeBlocks int
}

// Heap is a fixed-capacity arena with a first-fit, coalescing free list.
// All methods are safe for concurrent use.
type Heap struct {
	mu      sync.Mutex
	mem     []byte
	release func() error
	base    Address

	free  []Range // sorted by Start, never adjacent
	blobs map[Address]*Blob

	used     int64
	peak     int64
	allocs   uint64
	frees    uint64
	failures uint64
}

// New maps an arena of the given capacity.
func New(capacity int) (*Heap, error) {
	if capacity <= 0 || capacity%SegmentSize != 0 {
		return nil, fmt.Errorf("codeheap: %d: %w", capacity, ErrCapacityLimit)
	}
	mem, release, err := mapArena(capacity)
	if err != nil {
		return nil, fmt.Errorf("codeheap: map %d bytes: %w", capacity, err)
	}
	h := &Heap{
		mem:     mem,
		release: release,
		base:    addressOf(mem),
		blobs:   make(map[Address]*Blob),
	}
	h.free = []Range{{Start: h.base, Size: capacity}}
	return h, nil
}

// Close unmaps the arena. Outstanding blobs become invalid.
func (h *Heap) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mem == nil {
		return nil
	}
	err := h.release()
	h.mem = nil
	h.free = nil
	h.blobs = nil
	return err
}

// Allocate reserves size bytes (rounded up to SegmentSize) using first fit.
func (h *Heap) Allocate(size int, kind BlobKind, name string) (*Blob, error) {
	if size <= 0 {
		return nil, ErrInvalidSize
	}
	size = alignUp(size)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mem == nil {
		return nil, ErrHeapClosed
	}

	for i, r := range h.free {
		if r.Size < size {
			continue
		}
		b := &Blob{Range: Range{Start: r.Start, Size: size}, Kind: kind, Name: name}
		if r.Size == size {
			h.free = append(h.free[:i], h.free[i+1:]...)
		} else {
			h.free[i] = Range{Start: r.Start.Add(size), Size: r.Size - size}
		}
		h.blobs[b.Start] = b
		h.used += int64(size)
		if h.used > h.peak {
			h.peak = h.used
		}
		h.allocs++
		return b, nil
	}

	h.failures++
	return nil, ErrFull
}

// Free returns a blob's extent to the free list and overwrites its bytes
// with FreedCodeFill.
func (h *Heap) Free(b *Blob) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.mem == nil {
		return ErrHeapClosed
	}
	if b == nil || h.blobs[b.Start] != b {
		return ErrNotAllocated
	}
	delete(h.blobs, b.Start)

	mem := h.slice(b.Range)
	for i := range mem {
		mem[i] = FreedCodeFill
	}

	h.insertFree(b.Range)
	h.used -= int64(b.Size)
	h.frees++
	return nil
}

// insertFree adds r to the free list, merging with its neighbours.
func (h *Heap) insertFree(r Range) {
	i := sort.Search(len(h.free), func(i int) bool { return h.free[i].Start > r.Start })
	h.free = append(h.free, Range{})
	copy(h.free[i+1:], h.free[i:])
	h.free[i] = r

	// Merge with successor
	if i+1 < len(h.free) && h.free[i].End() == h.free[i+1].Start {
		h.free[i].Size += h.free[i+1].Size
		h.free = append(h.free[:i+1], h.free[i+2:]...)
	}
	// Merge with predecessor
	if i > 0 && h.free[i-1].End() == h.free[i].Start {
		h.free[i-1].Size += h.free[i].Size
		h.free = append(h.free[:i], h.free[i+1:]...)
	}
}

// Bytes returns the writable bytes backing b. The slice is only valid while
// b stays allocated.
func (h *Heap) Bytes(b *Blob) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mem == nil || h.blobs[b.Start] != b {
		return nil
	}
	return h.slice(b.Range)
}

// Write copies code into the start of b.
func (h *Heap) Write(b *Blob, code []byte) error {
	return h.WriteAt(b, 0, code)
}

// WriteAt copies p into b starting off bytes from its start.
func (h *Heap) WriteAt(b *Blob, off int, p []byte) error {
	if off < 0 || off+len(p) > b.Size {
		return fmt.Errorf("codeheap: %d bytes at +%d into %s: %w", len(p), off, b, ErrInvalidSize)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mem == nil {
		return ErrHeapClosed
	}
	if h.blobs[b.Start] != b {
		return ErrNotAllocated
	}
	copy(h.slice(Range{Start: b.Start.Add(off), Size: len(p)}), p)
	return nil
}

// ReadAt returns a copy of n bytes starting at a.
func (h *Heap) ReadAt(a Address, n int) []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.mem == nil || a < h.base || a.Add(n) > h.base.Add(len(h.mem)) {
		return nil
	}
	out := make([]byte, n)
	copy(out, h.slice(Range{Start: a, Size: n}))
	return out
}

func (h *Heap) slice(r Range) []byte {
	off := int(r.Start - h.base)
	return h.mem[off : off+r.Size]
}

// Contains reports whether a lies inside the arena.
func (h *Heap) Contains(a Address) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mem != nil && a >= h.base && a < h.base.Add(len(h.mem))
}

// BlobAt returns the allocated blob starting exactly at a, or nil.
func (h *Heap) BlobAt(a Address) *Blob {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.blobs[a]
}

// Capacity returns the arena size in bytes.
func (h *Heap) Capacity() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.mem))
}

// Used returns the number of allocated bytes.
func (h *Heap) Used() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

// FreeBytes returns the number of unallocated bytes.
func (h *Heap) FreeBytes() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return int64(len(h.mem)) - h.used
}

// Fullness returns the allocated share of the arena as a percentage.
func (h *Heap) Fullness() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.mem) == 0 {
		return 100
	}
	return float64(h.used) * 100 / float64(len(h.mem))
}

// ReverseFreeRatio returns capacity divided by free bytes. It grows without
// bound as the heap fills; a completely full heap reports the capacity itself.
func (h *Heap) ReverseFreeRatio() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	free := int64(len(h.mem)) - h.used
	if free <= 0 {
		return float64(len(h.mem))
	}
	return float64(len(h.mem)) / float64(free)
}

// FreeBlocks returns a copy of the free list.
func (h *Heap) FreeBlocks() []Range {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Range, len(h.free))
	copy(out, h.free)
	return out
}

// Blobs returns the allocated blobs in address order.
func (h *Heap) Blobs() []*Blob {
	h.mu.Lock()
	out := make([]*Blob, 0, len(h.blobs))
	for _, b := range h.blobs {
		out = append(out, b)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// Stats returns occupancy counters.
func (h *Heap) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return Stats{
		Capacity:   int64(len(h.mem)),
		Used:       h.used,
		Peak:       h.peak,
		Allocs:     h.allocs,
		Frees:      h.frees,
		Failures:   h.failures,
		FreeBlocks: len(h.free),
	}
}

func alignUp(n int) int {
	return (n + SegmentSize - 1) &^ (SegmentSize - 1)
}
