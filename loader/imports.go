package loader

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/errors"
	"github.com/wippyai/hle-runtime/macho"
)

// bindImports patches every import site: symbol pointer sections, symbol
// stubs, external relocations and dyld-info bind records.
func (img *Image) bindImports(mem Memory, r *resolver) error {
	f := img.File
	for _, seg := range f.Segments {
		for _, sec := range seg.Sections {
			var err error
			switch sec.Type() {
			case macho.SectionLazyPointers:
				err = img.bindPointers(mem, r, sec, KindLazyPointer)
			case macho.SectionNonLazyPointers:
				err = img.bindPointers(mem, r, sec, KindNonLazyPointer)
			case macho.SectionSymbolStubs:
				err = img.bindStubs(mem, r, sec)
			}
			if err != nil {
				return err
			}
		}
	}
	if err := img.bindExtRelocs(mem, r); err != nil {
		return err
	}
	for _, binds := range [][]macho.Bind{f.Binds, f.LazyBinds} {
		for _, b := range binds {
			if err := img.bindRecord(mem, r, b); err != nil {
				return err
			}
		}
	}
	return nil
}

// indirectSymbol returns the symbol for entry i of a section's slice of
// the indirect symbol table. ok is false for local and absolute entries.
func (img *Image) indirectSymbol(sec *macho.Section, i uint32) (macho.Symbol, uint32, bool, error) {
	f := img.File
	idx := sec.Reserved1 + i
	if int(idx) >= len(f.IndirectSymbols) {
		return macho.Symbol{}, 0, false, errors.Load(
			fmt.Sprintf("%s entry %d has no indirect symbol", sec.Name, i), nil)
	}
	ref := f.IndirectSymbols[idx]
	if ref&(macho.IndirectLocal|macho.IndirectAbs) != 0 {
		return macho.Symbol{}, ref, false, nil
	}
	if int(ref) >= len(f.Symbols) {
		return macho.Symbol{}, ref, false, errors.Load(
			fmt.Sprintf("%s entry %d names symbol %d of %d", sec.Name, i, ref, len(f.Symbols)), nil)
	}
	return f.Symbols[ref], ref, true, nil
}

// target resolves a symbol referenced from the image: defined symbols bind
// to themselves, imports go through the resolver.
func (img *Image) target(r *resolver, sym macho.Symbol) (uint32, bool, error) {
	if sym.Defined() {
		return sym.Address() + img.Slide, true, nil
	}
	library := img.File.LibraryName(sym.LibraryOrdinal())
	return r.resolve(library, sym.Name, sym.Weak())
}

func (img *Image) bindPointers(mem Memory, r *resolver, sec *macho.Section, kind string) error {
	for i := uint32(0); i*4+4 <= sec.Size; i++ {
		site := sec.Addr + img.Slide + i*4
		sym, ref, ok, err := img.indirectSymbol(sec, i)
		if err != nil {
			return err
		}
		if !ok {
			// Local non-lazy pointers hold image addresses and slide with it.
			if ref&macho.IndirectLocal != 0 && ref&macho.IndirectAbs == 0 && img.Slide != 0 {
				if err := slideWord(mem, site, img.Slide); err != nil {
					return err
				}
			}
			continue
		}
		addr, resolved, err := img.target(r, sym)
		if err != nil {
			return err
		}
		if err := mem.PokeU32(site, addr); err != nil {
			return errors.Load("bind "+sym.Name, err)
		}
		img.record(sym.Name, sym, kind, site, addr, resolved)
	}
	return nil
}

// bindStubs rewrites each symbol stub to jump straight to its target.
func (img *Image) bindStubs(mem Memory, r *resolver, sec *macho.Section) error {
	size := sec.Reserved2
	if size < 8 {
		return errors.Load(fmt.Sprintf("symbol stubs in %s are %d bytes", sec.Name, size), nil)
	}
	for i := uint32(0); (i+1)*size <= sec.Size; i++ {
		site := sec.Addr + img.Slide + i*size
		sym, _, ok, err := img.indirectSymbol(sec, i)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		addr, resolved, err := img.target(r, sym)
		if err != nil {
			return err
		}
		if err := mem.Poke(site, stubCode(addr)); err != nil {
			return errors.Load("rewrite stub for "+sym.Name, err)
		}
		img.record(sym.Name, sym, KindStub, site, addr, resolved)
	}
	return nil
}

func (img *Image) bindExtRelocs(mem Memory, r *resolver) error {
	base := img.relocBase()
	for _, rel := range img.File.ExtRelocs {
		if !rel.Extern || rel.Length != 2 || rel.PCRel {
			Logger().Debug("external relocation skipped",
				zap.Uint32("addr", rel.Addr),
				zap.Uint8("type", rel.Type))
			continue
		}
		if int(rel.Symbol) >= len(img.File.Symbols) {
			return errors.Load(fmt.Sprintf("external relocation names symbol %d", rel.Symbol), nil)
		}
		sym := img.File.Symbols[rel.Symbol]
		addr, resolved, err := img.target(r, sym)
		if err != nil {
			return err
		}
		site := base + rel.Addr + img.Slide
		addend, err := mem.PeekU32(site)
		if err != nil {
			return errors.Load("external relocation for "+sym.Name, err)
		}
		if err := mem.PokeU32(site, addr+addend); err != nil {
			return errors.Load("external relocation for "+sym.Name, err)
		}
		img.record(sym.Name, sym, KindExtReloc, site, addr, resolved)
	}
	return nil
}

func (img *Image) bindRecord(mem Memory, r *resolver, b macho.Bind) error {
	if b.Type != macho.BindTypePointer {
		return errors.Load(fmt.Sprintf("bind type %d for %s", b.Type, b.Symbol), nil)
	}
	var (
		addr     uint32
		resolved bool
		err      error
	)
	if sym, ok := img.File.Lookup(b.Symbol); ok && b.Library == macho.OrdinalSelf {
		addr, resolved = sym.Address()+img.Slide, true
	} else {
		addr, resolved, err = r.resolve(img.File.LibraryName(b.Library), b.Symbol, b.Weak)
		if err != nil {
			return err
		}
	}
	site := b.Addr + img.Slide
	if err := mem.PokeU32(site, addr+uint32(b.Addend)); err != nil {
		return errors.Load("bind "+b.Symbol, err)
	}
	img.Imports = append(img.Imports, Import{
		Symbol:   b.Symbol,
		Library:  img.File.LibraryName(b.Library),
		Kind:     KindBind,
		Site:     site,
		Target:   addr,
		Resolved: resolved,
		Weak:     b.Weak,
	})
	return nil
}

func (img *Image) record(name string, sym macho.Symbol, kind string, site, addr uint32, resolved bool) {
	imp := Import{
		Symbol:   name,
		Kind:     kind,
		Site:     site,
		Target:   addr,
		Resolved: resolved,
		Weak:     sym.Weak(),
	}
	if !sym.Defined() {
		imp.Library = img.File.LibraryName(sym.LibraryOrdinal())
	}
	img.Imports = append(img.Imports, imp)
}
