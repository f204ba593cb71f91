// Package vm implements compiled-code dispatch and the code cache lifecycle.
//
// This package contains:
//   - Call sites with inline caches and the resolver that binds them
//   - Transition stubs and the patcher that installs inline cache changes
//   - Compiled method records and their NotEntrant, Zombie, Flushed lifecycle
//   - The sweeper that retires and reclaims compiled code
//   - Mutator threads, safepoints and handshakes
//   - The safepoint operation pump and its watchdog
//   - A compile broker feeding an external compiler
//
// Generated adapters live in package adapters and the code heap in package
// codeheap.
package vm
