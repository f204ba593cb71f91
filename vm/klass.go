package vm

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"github.com/chazu/codecache/vm/adapters"
	"github.com/chazu/codecache/vm/codeheap"
)

// ---------------------------------------------------------------------------
// Class loaders and classes
// ---------------------------------------------------------------------------

// ClassLoader owns a set of classes. Unloading a loader makes every cached
// reference to its classes stale.
type ClassLoader struct {
	Name   string
	unload atomic.Bool
}

// NewClassLoader creates a live loader.
func NewClassLoader(name string) *ClassLoader {
	return &ClassLoader{Name: name}
}

// Unload marks the loader dead.
func (l *ClassLoader) Unload() { l.unload.Store(true) }

// IsAlive reports whether classes of this loader may still be used. The nil
// loader is the boot loader and never unloads.
func (l *ClassLoader) IsAlive() bool {
	return l == nil || !l.unload.Load()
}

// Klass is a class or interface.
type Klass struct {
	Name       string
	Super      *Klass
	Interfaces []*Klass
	Loader     *ClassLoader
	Interface  bool
	Final      bool

	mu      sync.RWMutex
	methods map[string]*Method
}

// NewKlass creates a class.
func NewKlass(name string, super *Klass, loader *ClassLoader) *Klass {
	return &Klass{
		Name:    name,
		Super:   super,
		Loader:  loader,
		methods: make(map[string]*Method),
	}
}

// NewInterface creates an interface.
func NewInterface(name string, loader *ClassLoader) *Klass {
	k := NewKlass(name, nil, loader)
	k.Interface = true
	return k
}

func (k *Klass) String() string {
	if k == nil {
		return "<nil klass>"
	}
	return k.Name
}

// Implements records that k implements iface.
func (k *Klass) Implements(iface *Klass) *Klass {
	k.Interfaces = append(k.Interfaces, iface)
	return k
}

// IsAlive reports whether k's loader is still alive.
func (k *Klass) IsAlive() bool { return k.Loader.IsAlive() }

// IsSubtypeOf reports whether k is other, extends it or implements it.
func (k *Klass) IsSubtypeOf(other *Klass) bool {
	for c := k; c != nil; c = c.Super {
		if c == other {
			return true
		}
		for _, i := range c.Interfaces {
			if i.IsSubtypeOf(other) {
				return true
			}
		}
	}
	return false
}

// AddMethod defines a method on k.
func (k *Klass) AddMethod(name string, flags MethodFlags, params ...adapters.BasicType) *Method {
	m := newMethod(k, name, flags, params)
	k.mu.Lock()
	k.methods[name] = m
	k.mu.Unlock()
	return m
}

// DeclaredMethod returns the current version of a method declared by k.
func (k *Klass) DeclaredMethod(name string) *Method {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.methods[name]
}

// LookupMethod finds name in k or its superclasses, then in its
// interfaces.
func (k *Klass) LookupMethod(name string) *Method {
	for c := k; c != nil; c = c.Super {
		if m := c.DeclaredMethod(name); m != nil {
			return m
		}
	}
	for c := k; c != nil; c = c.Super {
		for _, i := range c.Interfaces {
			if m := i.LookupMethod(name); m != nil {
				return m
			}
		}
	}
	return nil
}

// Redefine replaces the method called name with a new version. The old
// version is marked stale and its compiled code must be discarded by the
// caller.
func (k *Klass) Redefine(name string) (old, replacement *Method, err error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	old = k.methods[name]
	if old == nil {
		return nil, nil, fmt.Errorf("redefine %s.%s: %w", k.Name, name, ErrNoSuchMethod)
	}
	replacement = newMethod(k, name, old.Flags, old.Params)
	replacement.version = old.version + 1
	k.methods[name] = replacement
	old.stale.Store(true)
	return old, replacement, nil
}

// Object is a receiver. Only its class matters for dispatch.
type Object struct {
	Klass *Klass
}

// NewObject creates an instance of k.
func NewObject(k *Klass) *Object { return &Object{Klass: k} }

// ---------------------------------------------------------------------------
// Methods
// ---------------------------------------------------------------------------

// MethodFlags are access and binding flags.
type MethodFlags uint8

const (
	FlagStatic MethodFlags = 1 << iota
	FlagFinal
	FlagPrivate
	FlagAbstract
)

// ageUnset marks a method whose code has not had invocation aging enabled.
const ageUnset = math.MaxInt32

// Method is one version of a method. Compiled code, the adapter and the
// invocation counters hang off it.
type Method struct {
	Name   string
	Params []adapters.BasicType
	Flags  MethodFlags

	holder  *Klass
	version int

	code    atomic.Pointer[CompiledMethod]
	adapter atomic.Pointer[adapters.Entry]
	stale   atomic.Bool

	invocations atomic.Uint64
	age         atomic.Int32 // counts down compiled invocations once aging is enabled
	deopts      atomic.Int32
	queued      atomic.Bool
}

func newMethod(holder *Klass, name string, flags MethodFlags, params []adapters.BasicType) *Method {
	m := &Method{
		Name:   name,
		Params: params,
		Flags:  flags,
		holder: holder,
	}
	m.age.Store(ageUnset)
	return m
}

func (m *Method) String() string {
	if m == nil {
		return "<nil method>"
	}
	if m.version > 0 {
		return fmt.Sprintf("%s.%s#%d", m.holder.Name, m.Name, m.version)
	}
	return m.holder.Name + "." + m.Name
}

// Holder returns the declaring class.
func (m *Method) Holder() *Klass { return m.holder }

func (m *Method) IsStatic() bool   { return m.Flags&FlagStatic != 0 }
func (m *Method) IsAbstract() bool { return m.Flags&FlagAbstract != 0 }
func (m *Method) IsPrivate() bool  { return m.Flags&FlagPrivate != 0 }

// IsFinal reports whether the method cannot be overridden.
func (m *Method) IsFinal() bool {
	return m.Flags&FlagFinal != 0 || m.holder.Final
}

// CanBeStaticallyBound reports whether every call to m selects m itself.
// Such call sites never need a receiver check.
func (m *Method) CanBeStaticallyBound() bool {
	if m.IsAbstract() {
		return false
	}
	return m.IsStatic() || m.IsPrivate() || (m.IsFinal() && !m.holder.Interface)
}

// IsStale reports whether the method has been superseded by a redefinition.
func (m *Method) IsStale() bool { return m.stale.Load() }

// Code returns the method's installed compiled code, or nil.
func (m *Method) Code() *CompiledMethod { return m.code.Load() }

// Adapter returns the method's adapter entry, or nil before first link.
func (m *Method) Adapter() *adapters.Entry { return m.adapter.Load() }

// Invocations returns the number of calls dispatched to m.
func (m *Method) Invocations() uint64 { return m.invocations.Load() }

// AdapterSignature describes m's parameter slots for the adapter library.
func (m *Method) AdapterSignature() adapters.Signature {
	return adapters.Signature{
		Static:   m.IsStatic(),
		Abstract: m.IsAbstract(),
		Params:   m.Params,
	}
}

// clearCode uninstalls cm if it is still the installed code.
func (m *Method) clearCode(cm *CompiledMethod) bool {
	return m.code.CompareAndSwap(cm, nil)
}

func (m *Method) resetAge(limit int32) { m.age.Store(limit) }

// tickAge counts one compiled invocation once aging is enabled.
func (m *Method) tickAge() {
	if a := m.age.Load(); a != ageUnset && a > 0 {
		m.age.Add(-1)
	}
}

// MethodRef is a symbolic method reference as it appears at a call site.
type MethodRef struct {
	Klass *Klass
	Name  string
}

func (r MethodRef) String() string { return r.Klass.String() + "." + r.Name }

// ---------------------------------------------------------------------------
// Collaborators
// ---------------------------------------------------------------------------

// CallInfo is the outcome of linking a call: the method named by the
// symbolic reference and the method selected for the receiver.
type CallInfo struct {
	Resolved *Method
	Selected *Method
}

// Linker applies the language's linkage rules. Errors wrap one of the
// linkage sentinel errors.
type Linker interface {
	Resolve(kind CallKind, ref MethodRef, receiver *Object) (CallInfo, error)
}

// StaleChecker reports whether a method has been superseded by class
// redefinition.
type StaleChecker interface {
	IsStale(m *Method) bool
}

// StackWalker enumerates the return addresses of a thread's activations.
// It is called during handshakes and must not block on runtime locks.
type StackWalker interface {
	ForEachActivation(t *Thread, fn func(pc codeheap.Address))
}

// HierarchyLinker resolves calls by walking the class hierarchy.
type HierarchyLinker struct{}

func (HierarchyLinker) Resolve(kind CallKind, ref MethodRef, receiver *Object) (CallInfo, error) {
	if ref.Klass == nil {
		return CallInfo{}, ErrNoSuchMethod
	}
	resolved := ref.Klass.LookupMethod(ref.Name)
	if resolved == nil {
		return CallInfo{}, ErrNoSuchMethod
	}

	if kind == CallStatic {
		if !resolved.IsStatic() {
			return CallInfo{}, ErrIncompatibleClassChange
		}
		return CallInfo{Resolved: resolved, Selected: resolved}, nil
	}

	if receiver == nil || receiver.Klass == nil {
		return CallInfo{}, ErrNullReceiver
	}
	if resolved.IsStatic() {
		return CallInfo{}, ErrIncompatibleClassChange
	}
	if kind == CallInterface && !receiver.Klass.IsSubtypeOf(ref.Klass) {
		return CallInfo{}, ErrIncompatibleClassChange
	}
	if resolved.CanBeStaticallyBound() {
		return CallInfo{Resolved: resolved, Selected: resolved}, nil
	}
	selected := receiver.Klass.LookupMethod(ref.Name)
	switch {
	case selected == nil:
		return CallInfo{}, ErrNoSuchMethod
	case selected.IsAbstract():
		return CallInfo{}, ErrAbstractMethod
	}
	return CallInfo{Resolved: resolved, Selected: selected}, nil
}

type flagStaleChecker struct{}

func (flagStaleChecker) IsStale(m *Method) bool { return m.IsStale() }

type frameWalker struct{}

func (frameWalker) ForEachActivation(t *Thread, fn func(pc codeheap.Address)) {
	for _, pc := range t.Frames() {
		fn(pc)
	}
}
