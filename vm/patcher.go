package vm

import (
	"encoding/binary"
)

// CodePatcher is the only writer of call site destinations. Each Apply
// rewrites the call instruction's target and publishes the matching inline
// cache image in one step; readers observe either the old image or the new
// one.
type CodePatcher struct {
	rt *Runtime
}

// Apply installs img at site. The caller holds the owner's IC lock.
// Patching a call site inside flushed code is fatal.
func (p *CodePatcher) Apply(site *CallSite, img *icImage) {
	owner := site.owner
	if owner.State() == Flushed {
		p.rt.fatalf("patcher", ErrPatchFlushedOwner, "%s", site)
		return
	}

	var target [8]byte
	binary.LittleEndian.PutUint64(target[:], uint64(img.target))
	if err := p.rt.heap.WriteAt(owner.blob, site.offset, target[:]); err != nil {
		p.rt.fatalf("patcher", err, "%s", site)
		return
	}
	site.image.Store(img)
	site.patches.Add(1)
	p.rt.metrics.patches.Inc()
}
