package vm

import (
	"encoding/binary"
	"testing"

	"github.com/chazu/codecache/vm/codeheap"
)

func TestICStubPoolCreate(t *testing.T) {
	heap, err := codeheap.New(64 << 10)
	if err != nil {
		t.Fatalf("codeheap.New failed: %v", err)
	}
	pool, err := newICStubPool(heap, 2)
	if err != nil {
		t.Fatalf("newICStubPool failed: %v", err)
	}
	code, err := heap.Allocate(64, codeheap.KindMethod, "caller")
	if err != nil {
		t.Fatalf("Allocate failed: %v", err)
	}
	site := &CallSite{owner: &CompiledMethod{blob: code}, offset: 8}
	final := &icImage{state: ICMonomorphic, target: code.Start.Add(32)}

	s := pool.create(site, final)
	if s == nil {
		t.Fatal("Expected a stub")
	}
	body := heap.ReadAt(s.addr, 16)
	if got := codeheap.Address(binary.LittleEndian.Uint64(body[0:])); got != site.Address() {
		t.Errorf("Expected stub to record site %s, got %s", site.Address(), got)
	}
	if got := codeheap.Address(binary.LittleEndian.Uint64(body[8:])); got != final.target {
		t.Errorf("Expected stub destination %s, got %s", final.target, got)
	}
	if pool.InUse() != 1 {
		t.Errorf("Expected 1 stub in use, got %d", pool.InUse())
	}

	// A stub whose body cannot be written is not handed out.
	if err := heap.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if s := pool.create(site, final); s != nil {
		t.Error("Expected no stub once the heap is closed")
	}
	if pool.InUse() != 1 {
		t.Errorf("Expected the failed stub back in the pool, got %d in use", pool.InUse())
	}
	if pool.Failures() != 1 {
		t.Errorf("Expected 1 failure, got %d", pool.Failures())
	}
}
