package heapstate

import (
	"crypto/sha256"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// cborEncMode uses canonical mode so equal snapshots encode identically.
var cborEncMode cbor.EncMode

func init() {
	em, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("heapstate: failed to create CBOR enc mode: %v", err))
	}
	cborEncMode = em
}

// Marshal serializes a Snapshot to CBOR bytes.
func Marshal(s *Snapshot) ([]byte, error) {
	return cborEncMode.Marshal(s)
}

// Unmarshal deserializes a Snapshot from CBOR bytes.
func Unmarshal(data []byte) (*Snapshot, error) {
	var s Snapshot
	if err := cbor.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("heapstate: unmarshal snapshot: %w", err)
	}
	return &s, nil
}

// Digest returns the SHA-256 of the snapshot's canonical encoding with the
// capture time cleared, so two captures of an unchanged heap share a digest.
func Digest(s *Snapshot) ([32]byte, error) {
	c := *s
	c.TakenAt = 0
	data, err := Marshal(&c)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}
