// Package heapstate captures point-in-time views of a runtime's code heap:
// every compiled method with its lifecycle state, the adapters, the free
// list and aggregate inline cache statistics. Snapshots have a canonical
// CBOR encoding so two captures of the same state are byte-identical.
package heapstate

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/chazu/codecache/vm"
	"github.com/chazu/codecache/vm/codeheap"
)

// Snapshot is the state of one runtime's code heap.
type Snapshot struct {
	TakenAt    int64          `cbor:"1,keyasint"` // unix nanoseconds
	Epoch      int64          `cbor:"2,keyasint"`
	Heap       HeapInfo       `cbor:"3,keyasint"`
	Methods    []MethodInfo   `cbor:"4,keyasint,omitempty"`
	Adapters   []AdapterInfo  `cbor:"5,keyasint,omitempty"`
	FreeBlocks []Extent       `cbor:"6,keyasint,omitempty"`
	Stubs      []Extent       `cbor:"7,keyasint,omitempty"`
	ICs        InlineCacheSum `cbor:"8,keyasint"`
}

// HeapInfo summarizes occupancy.
type HeapInfo struct {
	Capacity int64   `cbor:"1,keyasint"`
	Used     int64   `cbor:"2,keyasint"`
	Peak     int64   `cbor:"3,keyasint"`
	Fullness float64 `cbor:"4,keyasint"`
	Allocs   uint64  `cbor:"5,keyasint"`
	Frees    uint64  `cbor:"6,keyasint"`
	Failures uint64  `cbor:"7,keyasint"`
}

// Extent is an address range, optionally named.
type Extent struct {
	Start uint64 `cbor:"1,keyasint"`
	Size  int    `cbor:"2,keyasint"`
	Name  string `cbor:"3,keyasint,omitempty"`
}

// MethodInfo describes one compiled method record.
type MethodInfo struct {
	ID            int        `cbor:"1,keyasint"`
	Method        string     `cbor:"2,keyasint"`
	State         string     `cbor:"3,keyasint"`
	Code          Extent     `cbor:"4,keyasint"`
	Hotness       int32      `cbor:"5,keyasint"`
	LastSeenEpoch int64      `cbor:"6,keyasint"`
	Pinned        bool       `cbor:"7,keyasint,omitempty"`
	Sites         []SiteInfo `cbor:"8,keyasint,omitempty"`
}

// SiteInfo describes one call site of a compiled method.
type SiteInfo struct {
	Offset       int    `cbor:"1,keyasint"`
	Kind         string `cbor:"2,keyasint"`
	State        string `cbor:"3,keyasint"`
	Target       uint64 `cbor:"4,keyasint"`
	Callee       string `cbor:"5,keyasint,omitempty"`
	Guard        string `cbor:"6,keyasint,omitempty"`
	InTransition bool   `cbor:"7,keyasint,omitempty"`
}

// AdapterInfo describes one generated adapter set.
type AdapterInfo struct {
	Fingerprint string `cbor:"1,keyasint"`
	Args        string `cbor:"2,keyasint"`
	Code        Extent `cbor:"3,keyasint"`
	Simple      string `cbor:"4,keyasint,omitempty"`
}

// InlineCacheSum aggregates call site states.
type InlineCacheSum struct {
	Sites        int    `cbor:"1,keyasint"`
	Clean        int    `cbor:"2,keyasint"`
	Monomorphic  int    `cbor:"3,keyasint"`
	Megamorphic  int    `cbor:"4,keyasint"`
	StaleHolder  int    `cbor:"5,keyasint"`
	InTransition int    `cbor:"6,keyasint"`
	Hits         uint64 `cbor:"7,keyasint"`
	Misses       uint64 `cbor:"8,keyasint"`
	Patches      uint64 `cbor:"9,keyasint"`
}

// Capture takes a snapshot of rt. Records are read one at a time, so a
// capture taken while the sweeper runs may mix states from before and
// after a transition of different records.
func Capture(rt *vm.Runtime) *Snapshot {
	h := rt.Heap()
	hs := h.Stats()
	s := &Snapshot{
		TakenAt: time.Now().UnixNano(),
		Epoch:   rt.Sweeper().Epoch(),
		Heap: HeapInfo{
			Capacity: hs.Capacity,
			Used:     hs.Used,
			Peak:     hs.Peak,
			Fullness: h.Fullness(),
			Allocs:   hs.Allocs,
			Frees:    hs.Frees,
			Failures: hs.Failures,
		},
	}

	for _, cm := range rt.CodeCache().Snapshot() {
		s.Methods = append(s.Methods, methodInfo(cm))
	}

	for _, e := range rt.Adapters().Entries() {
		a := AdapterInfo{
			Fingerprint: e.Fingerprint.String(),
			Args:        e.Fingerprint.ArgsString(),
			Simple:      e.Simple,
		}
		if e.Blob != nil {
			a.Code = extent(e.Blob.Range, "")
		}
		s.Adapters = append(s.Adapters, a)
	}
	sort.Slice(s.Adapters, func(i, j int) bool { return s.Adapters[i].Code.Start < s.Adapters[j].Code.Start })

	for _, r := range h.FreeBlocks() {
		s.FreeBlocks = append(s.FreeBlocks, extent(r, ""))
	}
	for _, b := range h.Blobs() {
		if b.Kind == codeheap.KindStub {
			s.Stubs = append(s.Stubs, extent(b.Range, b.Name))
		}
	}

	ic := rt.ICStats()
	s.ICs = InlineCacheSum{
		Sites:        ic.TotalSites,
		Clean:        ic.CleanSites,
		Monomorphic:  ic.MonomorphicSites,
		Megamorphic:  ic.MegamorphicSites,
		StaleHolder:  ic.StaleHolderSites,
		InTransition: ic.InTransition,
		Hits:         ic.TotalHits,
		Misses:       ic.TotalMisses,
		Patches:      ic.TotalPatches,
	}
	return s
}

func methodInfo(cm *vm.CompiledMethod) MethodInfo {
	mi := MethodInfo{
		ID:            cm.ID(),
		Method:        cm.Method().String(),
		State:         cm.State().String(),
		Code:          extent(cm.Range(), ""),
		Hotness:       cm.Hotness(),
		LastSeenEpoch: cm.LastSeenEpoch(),
		Pinned:        cm.IsPinned(),
	}
	for _, site := range cm.CallSites() {
		v := site.View()
		si := SiteInfo{
			Offset:       site.Offset(),
			Kind:         v.Kind.String(),
			State:        v.State.String(),
			Target:       uint64(v.Target),
			InTransition: v.InTransition,
		}
		if v.Callee != nil {
			si.Callee = v.Callee.String()
		}
		if v.ExpectedKlass != nil {
			si.Guard = v.ExpectedKlass.String()
		}
		mi.Sites = append(mi.Sites, si)
	}
	return mi
}

func extent(r codeheap.Range, name string) Extent {
	return Extent{Start: uint64(r.Start), Size: r.Size, Name: name}
}

// CountByState tallies methods per lifecycle state name.
func (s *Snapshot) CountByState() map[string]int {
	out := make(map[string]int)
	for _, m := range s.Methods {
		out[m.State]++
	}
	return out
}

// LargestFreeBlock returns the size of the largest free extent.
func (s *Snapshot) LargestFreeBlock() int {
	largest := 0
	for _, f := range s.FreeBlocks {
		if f.Size > largest {
			largest = f.Size
		}
	}
	return largest
}

// Print writes a human readable report.
func (s *Snapshot) Print(w io.Writer) {
	fmt.Fprintf(w, "Code heap at epoch %d: %s of %s used (%.1f%%), peak %s\n",
		s.Epoch, humanize.IBytes(uint64(s.Heap.Used)), humanize.IBytes(uint64(s.Heap.Capacity)),
		s.Heap.Fullness, humanize.IBytes(uint64(s.Heap.Peak)))
	fmt.Fprintf(w, "  free blocks: %d, largest %s\n",
		len(s.FreeBlocks), humanize.IBytes(uint64(s.LargestFreeBlock())))
	fmt.Fprintf(w, "  adapters: %d, runtime stubs: %d\n", len(s.Adapters), len(s.Stubs))

	counts := s.CountByState()
	states := make([]string, 0, len(counts))
	for st := range counts {
		states = append(states, st)
	}
	sort.Strings(states)
	fmt.Fprintf(w, "  compiled methods: %d\n", len(s.Methods))
	for _, st := range states {
		fmt.Fprintf(w, "    %-12s %d\n", st, counts[st])
	}

	ic := s.ICs
	fmt.Fprintf(w, "  call sites: %d (clean %d, mono %d, mega %d, stale %d, in transition %d)\n",
		ic.Sites, ic.Clean, ic.Monomorphic, ic.Megamorphic, ic.StaleHolder, ic.InTransition)
	fmt.Fprintf(w, "  inline cache: %s hits, %s misses, %s patches\n",
		humanize.Comma(int64(ic.Hits)), humanize.Comma(int64(ic.Misses)), humanize.Comma(int64(ic.Patches)))
}
