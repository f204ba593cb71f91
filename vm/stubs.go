package vm

import (
	"fmt"

	"github.com/chazu/codecache/vm/codeheap"
)

const runtimeStubSize = 16

// Stubs are the fixed entry points of the runtime. Clean call sites point
// at a resolve stub; megamorphic sites at a dispatch stub.
type Stubs struct {
	ResolveStatic       codeheap.Address
	ResolveVirtual      codeheap.Address
	ResolveOptVirtual   codeheap.Address
	ICMiss              codeheap.Address
	WrongMethod         codeheap.Address
	WrongMethodAbstract codeheap.Address
	AbstractMethodError codeheap.Address
	VtableDispatch      codeheap.Address
	ItableDispatch      codeheap.Address
	Interpreter         codeheap.Address

	blob  *codeheap.Blob
	names map[codeheap.Address]string
}

func generateStubs(heap *codeheap.Heap) (*Stubs, error) {
	s := &Stubs{names: make(map[codeheap.Address]string)}
	slots := []struct {
		name string
		dst  *codeheap.Address
	}{
		{"resolve_static_call", &s.ResolveStatic},
		{"resolve_virtual_call", &s.ResolveVirtual},
		{"resolve_opt_virtual_call", &s.ResolveOptVirtual},
		{"ic_miss", &s.ICMiss},
		{"handle_wrong_method", &s.WrongMethod},
		{"handle_wrong_method_abstract", &s.WrongMethodAbstract},
		{"throw_abstract_method_error", &s.AbstractMethodError},
		{"vtable_dispatch", &s.VtableDispatch},
		{"itable_dispatch", &s.ItableDispatch},
		{"interpreter_entry", &s.Interpreter},
	}

	blob, err := heap.Allocate(len(slots)*runtimeStubSize, codeheap.KindStub, "runtime stubs")
	if err != nil {
		return nil, fmt.Errorf("runtime stubs: %w", err)
	}
	code := make([]byte, blob.Size)
	for i, slot := range slots {
		addr := blob.Start.Add(i * runtimeStubSize)
		*slot.dst = addr
		s.names[addr] = slot.name
		code[i*runtimeStubSize] = byte(i + 1)
	}
	if err := heap.Write(blob, code); err != nil {
		return nil, err
	}
	s.blob = blob
	return s, nil
}

// Name returns the stub name for a, or "".
func (s *Stubs) Name(a codeheap.Address) string { return s.names[a] }

// resolveStubFor returns the stub a clean site of the given kind calls.
func (s *Stubs) resolveStubFor(kind CallKind) codeheap.Address {
	switch kind {
	case CallStatic:
		return s.ResolveStatic
	case CallOptimizedVirtual:
		return s.ResolveOptVirtual
	default:
		return s.ResolveVirtual
	}
}
