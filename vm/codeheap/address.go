// Package codeheap owns the memory that holds generated code: compiled
// methods, calling-convention adapters and runtime stubs.
//
// Code is addressed through the opaque Address handle. Callers never hold
// raw pointers into the arena; they hold Blobs and Addresses and ask the Heap
// for byte views when they need to read or emit code.
package codeheap

import "fmt"

// Address identifies a location inside the code heap.
type Address uintptr

// Nil is the zero address. No blob ever starts at Nil.
const Nil Address = 0

// IsNil reports whether a is the zero address.
func (a Address) IsNil() bool { return a == Nil }

// Add returns a displaced by off bytes.
func (a Address) Add(off int) Address { return Address(int(a) + off) }

func (a Address) String() string {
	if a == Nil {
		return "0x0"
	}
	return fmt.Sprintf("%#x", uintptr(a))
}

// Range is a half-open extent [Start, Start+Size) of the code heap.
type Range struct {
	Start Address
	Size  int
}

// End returns the first address past the range.
func (r Range) End() Address { return r.Start.Add(r.Size) }

// Contains reports whether a falls inside the range.
func (r Range) Contains(a Address) bool {
	return a >= r.Start && a < r.End()
}

func (r Range) String() string {
	return fmt.Sprintf("[%s, %s)", r.Start, r.End())
}
