package vm

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/chazu/codecache/vm/codeheap"
)

const icStubSize = 32

// icStub is a transition stub. A call site in transition jumps here; the
// stub completes the call with final until the next safepoint, when the
// site is patched to final and the stub goes back to the pool.
type icStub struct {
	index int
	addr  codeheap.Address
	site  *CallSite
	final *icImage
}

// ICStubPool is a fixed-size pool of transition stubs carved out of one
// code heap blob.
type ICStubPool struct {
	heap *codeheap.Heap
	blob *codeheap.Blob

	mu      sync.Mutex
	stubs   []*icStub
	free    []*icStub
	pending []*icStub

	created  uint64
	failures uint64
}

func newICStubPool(heap *codeheap.Heap, n int) (*ICStubPool, error) {
	blob, err := heap.Allocate(n*icStubSize, codeheap.KindStub, "inline cache stubs")
	if err != nil {
		return nil, fmt.Errorf("inline cache stubs: %w", err)
	}
	p := &ICStubPool{heap: heap, blob: blob}
	for i := range n {
		s := &icStub{index: i, addr: blob.Start.Add(i * icStubSize)}
		p.stubs = append(p.stubs, s)
	}
	// Hand out low addresses first.
	for i := n - 1; i >= 0; i-- {
		p.free = append(p.free, p.stubs[i])
	}
	return p, nil
}

// create takes a stub for site that completes calls with final. It returns
// nil when the pool is exhausted.
func (p *ICStubPool) create(site *CallSite, final *icImage) *icStub {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 {
		p.failures++
		return nil
	}
	s := p.free[len(p.free)-1]

	// Stub body: the address of the call site being completed, then the
	// destination.
	var body [16]byte
	binary.LittleEndian.PutUint64(body[0:], uint64(site.Address()))
	binary.LittleEndian.PutUint64(body[8:], uint64(final.target))
	if err := p.heap.WriteAt(p.blob, s.index*icStubSize, body[:]); err != nil {
		resolverLog.Warningf("writing transition stub %d for %s: %s", s.index, site.Address(), err)
		p.failures++
		return nil
	}

	p.free = p.free[:len(p.free)-1]
	s.site = site
	s.final = final
	p.pending = append(p.pending, s)
	p.created++
	return s
}

// finalize retires every pending stub. Sites still pointing at their stub
// are patched to the stub's final image. It must run at a safepoint.
func (p *ICStubPool) finalize(patcher *CodePatcher) int {
	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.mu.Unlock()

	for _, s := range pending {
		site := s.site
		site.owner.withICLock(func() {
			if site.image.Load().stub == s && site.owner.State() != Flushed {
				patcher.Apply(site, s.final)
			}
		})
	}

	p.mu.Lock()
	for _, s := range pending {
		s.site = nil
		s.final = nil
		p.free = append(p.free, s)
	}
	p.mu.Unlock()
	return len(pending)
}

// InUse returns the number of stubs awaiting finalization.
func (p *ICStubPool) InUse() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Capacity returns the pool size.
func (p *ICStubPool) Capacity() int { return len(p.stubs) }

// Failures returns how many stub requests could not be served.
func (p *ICStubPool) Failures() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failures
}
