package loader

import (
	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/errors"
)

// Binder resolves an imported symbol to a guest address.
type Binder interface {
	Bind(library, symbol string) (uint32, bool)
}

// BinderFunc adapts a function to Binder.
type BinderFunc func(library, symbol string) (uint32, bool)

func (f BinderFunc) Bind(library, symbol string) (uint32, bool) { return f(library, symbol) }

// SymbolBinder adapts a library-agnostic lookup such as
// dispatch.Table.Resolve or objc.Runtime.ClassSymbol.
func SymbolBinder(lookup func(symbol string) (uint32, bool)) Binder {
	return BinderFunc(func(_, symbol string) (uint32, bool) { return lookup(symbol) })
}

// Chain tries binders in order; the first one that knows a symbol wins.
//
// The environment chains the host dispatch table, the object runtime's
// class symbols and host constants, in that order.
type Chain []Binder

func (c Chain) Bind(library, symbol string) (uint32, bool) {
	for _, b := range c {
		if b == nil {
			continue
		}
		if addr, ok := b.Bind(library, symbol); ok {
			return addr, true
		}
	}
	return 0, false
}

// Stubber provides a failing entry point for an import nothing implements.
// dispatch.Table satisfies it.
type Stubber interface {
	Stub(library, symbol string) (uint32, error)
}

// resolver binds imports for one image load, remembering every answer so
// each symbol resolves once.
type resolver struct {
	binder     Binder
	stubs      Stubber
	cache      map[string]uint32
	unresolved map[string]bool
	order      []string
	strict     bool
}

func newResolver(b Binder, stubs Stubber, strict bool) *resolver {
	return &resolver{
		binder:     b,
		stubs:      stubs,
		strict:     strict,
		cache:      make(map[string]uint32),
		unresolved: make(map[string]bool),
	}
}

// resolve returns the address to bind symbol to. Weak imports nothing
// implements bind to zero.
func (r *resolver) resolve(library, symbol string, weak bool) (uint32, bool, error) {
	if addr, ok := r.cache[symbol]; ok {
		return addr, !r.unresolved[symbol], nil
	}
	if r.binder != nil {
		if addr, ok := r.binder.Bind(library, symbol); ok {
			r.cache[symbol] = addr
			return addr, true, nil
		}
	}

	r.unresolved[symbol] = true
	if weak {
		Logger().Debug("weak import unresolved, bound to null",
			zap.String("library", library),
			zap.String("symbol", symbol))
		r.cache[symbol] = 0
		return 0, false, nil
	}
	r.order = append(r.order, library+"#"+symbol)
	if r.strict || r.stubs == nil {
		r.cache[symbol] = 0
		return 0, false, nil
	}
	addr, err := r.stubs.Stub(library, symbol)
	if err != nil {
		return 0, false, errors.New(errors.PhaseLoad, errors.KindMissingImport).
			Symbol(symbol).
			Cause(err).
			Detail("create stub for unresolved import").
			Build()
	}
	Logger().Warn("unresolved import bound to stub",
		zap.String("library", library),
		zap.String("symbol", symbol),
		zap.Uint32("stub", addr))
	r.cache[symbol] = addr
	return addr, false, nil
}

// missing returns the unresolved strong imports as "library#symbol".
func (r *resolver) missing() []string {
	return r.order
}
