// Package adapters generates and shares the stubs that convert between the
// interpreter's and compiled code's calling conventions.
//
// Adapters are keyed by a Fingerprint of the coarse parameter types of a
// method, so every method with the same shape shares one set of stubs.
package adapters

import "fmt"

// BasicType is the coarse type of one parameter slot. The numeric values are
// small enough to pack four bits per slot.
type BasicType uint8

const (
	Boolean BasicType = 4
	Char    BasicType = 5
	Float   BasicType = 6
	Double  BasicType = 7
	Byte    BasicType = 8
	Short   BasicType = 9
	Int     BasicType = 10
	Long    BasicType = 11
	Object  BasicType = 12
	Array   BasicType = 13
	Void    BasicType = 14
)

func (t BasicType) String() string {
	switch t {
	case Boolean:
		return "Z"
	case Char:
		return "C"
	case Float:
		return "F"
	case Double:
		return "D"
	case Byte:
		return "B"
	case Short:
		return "S"
	case Int:
		return "I"
	case Long:
		return "J"
	case Object:
		return "L"
	case Array:
		return "["
	case Void:
		return "V"
	default:
		return fmt.Sprintf("BasicType(%d)", uint8(t))
	}
}

// IsIntLike reports whether t is passed as an int by the calling convention.
func (t BasicType) IsIntLike() bool {
	switch t {
	case Boolean, Char, Byte, Short, Int:
		return true
	}
	return false
}

// IsReference reports whether t is a managed pointer.
func (t BasicType) IsReference() bool {
	return t == Object || t == Array
}

// IsTwoSlot reports whether t occupies two parameter slots.
func (t BasicType) IsTwoSlot() bool {
	return t == Long || t == Double
}

// encoding folds types that adapters handle identically. Sub-int types are
// promoted to Int; references travel in any register wide enough for a
// Long.
func encoding(t BasicType) BasicType {
	switch t {
	case Boolean, Byte, Short, Char:
		return Int
	case Object, Array:
		return Long
	case Int, Long, Float, Double, Void:
		return t
	default:
		panic(fmt.Sprintf("adapters: no encoding for %v", t))
	}
}

// Signature describes a method's parameters as seen by an adapter.
type Signature struct {
	Static   bool
	Abstract bool
	Params   []BasicType // Declared parameters, receiver excluded
}

// Slots expands the signature into per-slot types: the receiver first for
// instance methods, and a Void after every Long or Double.
func (s Signature) Slots() []BasicType {
	n := len(s.Params)
	if !s.Static {
		n++
	}
	for _, p := range s.Params {
		if p.IsTwoSlot() {
			n++
		}
	}
	slots := make([]BasicType, 0, n)
	if !s.Static {
		slots = append(slots, Object)
	}
	for _, p := range s.Params {
		slots = append(slots, p)
		if p.IsTwoSlot() {
			slots = append(slots, Void)
		}
	}
	return slots
}

func (s Signature) String() string {
	out := "("
	for _, p := range s.Params {
		out += p.String()
	}
	out += ")"
	if s.Static {
		out = "static " + out
	}
	return out
}
