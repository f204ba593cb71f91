package adapters

import "testing"

func TestFingerprintPacking(t *testing.T) {
	// Receiver, int, long: L I J V folds to 0xb 0xa 0xb 0xe
	sig := Signature{Params: []BasicType{Int, Long}}
	fp := NewFingerprint(sig.Slots())

	if fp.Len() != 1 {
		t.Fatalf("Expected 1 word, got %d", fp.Len())
	}
	if got := fp.Word(0); got != 0xbabe {
		t.Errorf("Expected 0xbabe, got %#x", got)
	}
	if got := fp.String(); got != "0xbabe" {
		t.Errorf("Expected String 0xbabe, got %s", got)
	}
	if got := fp.Hash(); got != 0xbabe {
		t.Errorf("Expected single-word hash 0xbabe, got %#x", got)
	}
}

func TestFingerprintArgsString(t *testing.T) {
	tests := []struct {
		sig  Signature
		want string
	}{
		{Signature{Params: []BasicType{Int, Long, Double, Float}}, "LIJDF"},
		{Signature{Static: true, Params: []BasicType{Boolean, Char, Short, Byte}}, "IIII"},
		{Signature{Static: true, Params: []BasicType{Array, Object}}, "LL"},
		{Signature{Static: true, Params: []BasicType{Long}}, "J"},
		{Signature{Static: true}, ""},
	}
	for _, tt := range tests {
		fp := NewFingerprint(tt.sig.Slots())
		if got := fp.ArgsString(); got != tt.want {
			t.Errorf("%s: expected %q, got %q", tt.sig, tt.want, got)
		}
	}
}

func TestFingerprintFoldsEquivalentTypes(t *testing.T) {
	a := NewFingerprint(Signature{Static: true, Params: []BasicType{Boolean, Object}}.Slots())
	b := NewFingerprint(Signature{Static: true, Params: []BasicType{Int, Array}}.Slots())
	if !a.Equal(b) {
		t.Errorf("Expected %s and %s to be equal after folding", a, b)
	}

	c := NewFingerprint(Signature{Static: true, Params: []BasicType{Int, Float}}.Slots())
	if a.Equal(c) {
		t.Errorf("Expected %s and %s to differ", a, c)
	}
}

func TestFingerprintSpillsLongSignatures(t *testing.T) {
	params := make([]BasicType, 30)
	for i := range params {
		params[i] = Int
	}
	sig := Signature{Static: true, Params: params}
	fp := NewFingerprint(sig.Slots())

	if fp.IsCompact() {
		t.Error("Expected a 30-slot fingerprint to spill")
	}
	if fp.Len() != 4 {
		t.Errorf("Expected 4 words, got %d", fp.Len())
	}
	if !fp.Equal(NewFingerprint(sig.Slots())) {
		t.Error("Expected spilled fingerprints of the same signature to be equal")
	}

	short := NewFingerprint(Signature{Static: true, Params: params[:24]}.Slots())
	if !short.IsCompact() {
		t.Error("Expected a 24-slot fingerprint to stay compact")
	}
	if short.Equal(fp) {
		t.Error("Expected fingerprints of different length to differ")
	}
}

func TestSignatureSlots(t *testing.T) {
	slots := Signature{Params: []BasicType{Double, Int}}.Slots()
	want := []BasicType{Object, Double, Void, Int}
	if len(slots) != len(want) {
		t.Fatalf("Expected %v, got %v", want, slots)
	}
	for i := range want {
		if slots[i] != want[i] {
			t.Errorf("slot %d: expected %v, got %v", i, want[i], slots[i])
		}
	}
}
