package adapters

import (
	"github.com/chazu/codecache/vm/codeheap"
)

// Offsets locates the four adapter entry points relative to the start of
// the generated code.
type Offsets struct {
	I2C              int
	C2IUnverified    int
	C2INoClinitCheck int
	C2I              int
}

// Generator emits the adapter code for one slot list into buf. Machine code
// generation is outside this module; implementations only have to produce
// deterministic bytes with four distinct entry offsets.
type Generator interface {
	Generate(buf *codeheap.Buffer, slots []BasicType) (Offsets, error)
}

// Template opcodes. They are not executable; they make the emitted shape
// recognizable in a heap dump.
const (
	opEnter     = 0xA0
	opMove      = 0xB0 // low nibble carries the folded slot type
	opCheckKind = 0xC1
	opClinit    = 0xC2
	opJump      = 0xE9
	opPad       = 0xCC
)

// TemplateGenerator emits a fixed template per entry: an entry marker, one
// move per slot and a jump. The unverified entry adds a receiver klass
// check and falls through into the no-clinit-check entry, which falls
// through into the c2i entry after its class-init barrier.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(buf *codeheap.Buffer, slots []BasicType) (Offsets, error) {
	var off Offsets

	off.I2C = buf.Len()
	emitShuffle(buf, slots)

	buf.Align(8, opPad)
	off.C2IUnverified = buf.Len()
	buf.PutByte(opCheckKind)
	buf.PutUint32(uint32(len(slots)))

	off.C2INoClinitCheck = buf.Len()
	buf.PutByte(opClinit)

	off.C2I = buf.Len()
	emitShuffle(buf, slots)
	buf.Align(8, opPad)

	return off, buf.Err()
}

func emitShuffle(buf *codeheap.Buffer, slots []BasicType) {
	buf.PutByte(opEnter)
	for _, s := range slots {
		buf.PutByte(opMove | byte(encoding(s)))
	}
	buf.PutByte(opJump)
	buf.PutUint32(0)
}
