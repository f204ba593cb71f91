//go:build linux || darwin || freebsd

package codeheap

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// mapArena reserves anonymous private memory outside the Go heap.
func mapArena(size int) ([]byte, func() error, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, err
	}
	return mem, func() error { return unix.Munmap(mem) }, nil
}

func addressOf(mem []byte) Address {
	return Address(uintptr(unsafe.Pointer(&mem[0])))
}
