package adapters

import (
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/tliron/commonlog"

	"github.com/chazu/codecache/vm/codeheap"
)

var log = commonlog.GetLogger("codecache.adapters")

// ErrGenerationDisabled is returned once the code heap has been exhausted.
// Callers fall back to the interpreter entry.
var ErrGenerationDisabled = errors.New("adapter generation disabled")

// DefaultBufferSize bounds the code emitted for a single adapter set.
const DefaultBufferSize = 16 * 1024

// Entry holds the four entry points of one adapter set. Entries are never
// freed and may be shared by any number of methods.
type Entry struct {
	Fingerprint      *Fingerprint
	I2C              codeheap.Address
	C2I              codeheap.Address
	C2IUnverified    codeheap.Address
	C2INoClinitCheck codeheap.Address
	Blob             *codeheap.Blob // nil for the abstract-method entry
	Simple           string         // name of the pre-created shape, if any
}

func (e *Entry) String() string {
	return fmt.Sprintf("adapter %s args=%q i2c=%s c2i=%s c2iUV=%s c2iNCI=%s",
		e.Fingerprint, e.Fingerprint.ArgsString(), e.I2C, e.C2I, e.C2IUnverified, e.C2INoClinitCheck)
}

// Created describes a newly generated adapter set.
type Created struct {
	Signature   Signature
	Fingerprint *Fingerprint
	Code        codeheap.Range
	Name        string
}

// Options configures a Library.
type Options struct {
	BufferSize int
	Generator  Generator
	Hash       HashFunc

	// Entry points substituted for abstract methods. Invoking one raises
	// AbstractMethodError.
	AbstractMethodEntry      codeheap.Address
	WrongMethodAbstractEntry codeheap.Address

	// OnCreated is called after the library lock is released.
	OnCreated func(Created)
}

// Library deduplicates adapter sets by fingerprint. A handful of trivial
// shapes are generated when the library is created and returned without
// consulting the table.
type Library struct {
	heap      *codeheap.Heap
	gen       Generator
	onCreated func(Created)

	mu       sync.Mutex
	table    *Table
	buf      *codeheap.Buffer
	disabled bool

	abstract *Entry
	noArg    *Entry
	obj      *Entry
	intArg   *Entry
	objInt   *Entry
	objObj   *Entry
}

// NewLibrary creates the library and pre-generates the trivial shapes.
func NewLibrary(heap *codeheap.Heap, opts Options) (*Library, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Generator == nil {
		opts.Generator = TemplateGenerator{}
	}
	l := &Library{
		heap:      heap,
		gen:       opts.Generator,
		onCreated: opts.OnCreated,
		table:     NewTable(opts.Hash),
		buf:       codeheap.NewBuffer(opts.BufferSize),
	}

	l.abstract = &Entry{
		Fingerprint:      NewFingerprint(nil),
		I2C:              opts.AbstractMethodEntry,
		C2I:              opts.WrongMethodAbstractEntry,
		C2IUnverified:    opts.WrongMethodAbstractEntry,
		C2INoClinitCheck: opts.WrongMethodAbstractEntry,
		Simple:           "abstract",
	}

	simple := []struct {
		name string
		sig  Signature
		dst  **Entry
	}{
		{"no-arg", Signature{Static: true}, &l.noArg},
		{"obj", Signature{}, &l.obj},
		{"int", Signature{Static: true, Params: []BasicType{Int}}, &l.intArg},
		{"obj-int", Signature{Params: []BasicType{Int}}, &l.objInt},
		{"obj-obj", Signature{Params: []BasicType{Object}}, &l.objObj},
	}
	var created []Created
	l.mu.Lock()
	for _, s := range simple {
		e, c, err := l.generate(s.sig, NewFingerprint(s.sig.Slots()))
		if err != nil {
			l.mu.Unlock()
			return nil, fmt.Errorf("adapters: pre-generate %s: %w", s.name, err)
		}
		e.Simple = s.name
		*s.dst = e
		created = append(created, c)
	}
	l.mu.Unlock()
	l.notify(created...)
	return l, nil
}

// GetAdapter returns the adapter set for sig, generating it on first use.
// On code heap exhaustion it returns a nil entry and an error wrapping
// codeheap.ErrFull; generation stays disabled until Enable is called.
func (l *Library) GetAdapter(sig Signature) (*Entry, error) {
	if e := l.simpleHandler(sig); e != nil {
		return e, nil
	}

	fp := NewFingerprint(sig.Slots())

	l.mu.Lock()
	if e := l.table.Lookup(fp); e != nil {
		l.mu.Unlock()
		return e, nil
	}
	if l.disabled {
		l.mu.Unlock()
		return nil, fmt.Errorf("adapters: %s: %w: %w", sig, ErrGenerationDisabled, codeheap.ErrFull)
	}
	e, created, err := l.generate(sig, fp)
	if errors.Is(err, codeheap.ErrFull) {
		l.disabled = true
		log.Warningf("code heap full, disabling adapter generation (%s in use)",
			humanize.IBytes(uint64(l.heap.Used())))
	}
	l.mu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("adapters: %s: %w", sig, err)
	}
	l.notify(created)
	return e, nil
}

// Lookup returns an existing adapter set for sig without generating one.
func (l *Library) Lookup(sig Signature) *Entry {
	if e := l.simpleHandler(sig); e != nil {
		return e
	}
	fp := NewFingerprint(sig.Slots())
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.Lookup(fp)
}

// generate emits code for fp into the shared buffer, copies it into a new
// adapter blob and registers the entry. Called with l.mu held.
func (l *Library) generate(sig Signature, fp *Fingerprint) (*Entry, Created, error) {
	l.buf.Reset()
	off, err := l.gen.Generate(l.buf, sig.Slots())
	if err == nil {
		err = l.buf.Err()
	}
	if err != nil {
		return nil, Created{}, err
	}

	name := "adapter" + fp.String()
	blob, err := l.heap.Allocate(l.buf.Len(), codeheap.KindAdapter, name)
	if err != nil {
		return nil, Created{}, err
	}
	if err := l.heap.Write(blob, l.buf.Bytes()); err != nil {
		if ferr := l.heap.Free(blob); ferr != nil {
			log.Warningf("releasing %s: %s", blob, ferr)
		}
		return nil, Created{}, err
	}

	e := &Entry{
		Fingerprint:      fp,
		I2C:              blob.Start.Add(off.I2C),
		C2I:              blob.Start.Add(off.C2I),
		C2IUnverified:    blob.Start.Add(off.C2IUnverified),
		C2INoClinitCheck: blob.Start.Add(off.C2INoClinitCheck),
		Blob:             blob,
	}
	l.table.Add(e)
	log.Debugf("created %s (%s)", e, humanize.IBytes(uint64(blob.Size)))
	return e, Created{Signature: sig, Fingerprint: fp, Code: blob.Range, Name: name}, nil
}

func (l *Library) notify(created ...Created) {
	if l.onCreated == nil {
		return
	}
	for _, c := range created {
		l.onCreated(c)
	}
}

// simpleHandler returns a pre-created entry for trivial shapes, or nil.
func (l *Library) simpleHandler(sig Signature) *Entry {
	if sig.Abstract {
		return l.abstract
	}
	total := len(sig.Params)
	if !sig.Static {
		total++
	}
	switch total {
	case 0:
		return l.noArg
	case 1:
		if !sig.Static {
			return l.obj
		}
		p := sig.Params[0]
		switch {
		case p.IsReference():
			return l.obj
		case p.IsIntLike():
			return l.intArg
		}
	case 2:
		if sig.Static {
			return nil
		}
		p := sig.Params[0]
		switch {
		case p.IsReference():
			return l.objObj
		case p.IsIntLike():
			return l.objInt
		}
	}
	return nil
}

// Len returns the number of generated (non-trivial) entries, including the
// pre-created shapes.
func (l *Library) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.Len()
}

// Disabled reports whether generation has been turned off.
func (l *Library) Disabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.disabled
}

// Enable turns generation back on after heap exhaustion. It reports
// whether generation had been disabled.
func (l *Library) Enable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	was := l.disabled
	l.disabled = false
	return was
}

// Stats returns table counters.
func (l *Library) Stats() TableStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.table.Stats()
}

// Entries returns every generated entry.
func (l *Library) Entries() []*Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Entry, 0, l.table.Len())
	l.table.Each(func(e *Entry) { out = append(out, e) })
	return out
}
