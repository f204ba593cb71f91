//go:build !(linux || darwin || freebsd)

package codeheap

import "unsafe"

// mapArena falls back to a Go-allocated slice where anonymous mappings are
// unavailable. The Go heap does not move large objects, so addresses stay stable.
func mapArena(size int) ([]byte, func() error, error) {
	mem := make([]byte, size)
	return mem, func() error { return nil }, nil
}

func addressOf(mem []byte) Address {
	return Address(uintptr(unsafe.Pointer(&mem[0])))
}
