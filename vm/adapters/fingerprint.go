package adapters

import (
	"fmt"
	"strings"
)

const (
	typeBits     = 4
	typeMask     = 1<<typeBits - 1
	typesPerWord = 32 / typeBits
	compactWords = 3
)

// Fingerprint is the canonical packed form of a parameter-slot list. Eight
// slots share one 32-bit word, first slot in the highest bits. Signatures
// of up to 24 slots stay in the inline array; longer ones spill.
type Fingerprint struct {
	compact [compactWords]uint32
	spill   []uint32
	words   int
}

// NewFingerprint packs slots, applying the adapter type folding.
func NewFingerprint(slots []BasicType) *Fingerprint {
	fp := &Fingerprint{}
	fp.words = (len(slots) + typesPerWord - 1) / typesPerWord

	var dst []uint32
	if fp.words <= compactWords {
		dst = fp.compact[:fp.words]
	} else {
		fp.spill = make([]uint32, fp.words)
		dst = fp.spill
	}

	i := 0
	for w := range dst {
		var v uint32
		for n := 0; i < len(slots) && n < typesPerWord; n++ {
			v = v<<typeBits | uint32(encoding(slots[i]))
			i++
		}
		dst[w] = v
	}
	return fp
}

// Len returns the number of packed words.
func (fp *Fingerprint) Len() int { return fp.words }

// IsCompact reports whether the fingerprint lives in the inline array.
func (fp *Fingerprint) IsCompact() bool { return fp.spill == nil }

// Word returns packed word i.
func (fp *Fingerprint) Word(i int) uint32 {
	if fp.spill != nil {
		return fp.spill[i]
	}
	return fp.compact[i]
}

// Hash mixes the packed words. Equal fingerprints hash equally; the
// converse does not hold.
func (fp *Fingerprint) Hash() uint32 {
	var h int32
	for i := 0; i < fp.words; i++ {
		v := int32(fp.Word(i))
		h = (h << 8) ^ v ^ (h >> 5)
	}
	return uint32(h)
}

// Equal compares every packed word.
func (fp *Fingerprint) Equal(other *Fingerprint) bool {
	if other == nil || fp.words != other.words {
		return false
	}
	for i := 0; i < fp.words; i++ {
		if fp.Word(i) != other.Word(i) {
			return false
		}
	}
	return true
}

// String renders the packed words in hex.
func (fp *Fingerprint) String() string {
	var sb strings.Builder
	sb.WriteString("0x")
	for i := 0; i < fp.words; i++ {
		fmt.Fprintf(&sb, "%x", fp.Word(i))
	}
	return sb.String()
}

// ArgsString reconstructs the folded slot types, e.g. "LIJDF". A Long slot
// followed by Void prints as J; a Long without its Void half is a folded
// reference and prints as L.
func (fp *Fingerprint) ArgsString() string {
	var sb strings.Builder
	longPrev := false
	for i := 0; i < fp.words; i++ {
		w := fp.Word(i)
		for shift := 32 - typeBits; shift >= 0; shift -= typeBits {
			v := BasicType((w >> uint(shift)) & typeMask)
			if v == 0 {
				continue
			}
			if longPrev {
				longPrev = false
				if v == Void {
					sb.WriteByte('J')
				} else {
					sb.WriteByte('L')
				}
			}
			switch v {
			case Int:
				sb.WriteByte('I')
			case Long:
				longPrev = true
			case Float:
				sb.WriteByte('F')
			case Double:
				sb.WriteByte('D')
			}
		}
	}
	if longPrev {
		sb.WriteByte('L')
	}
	return sb.String()
}
