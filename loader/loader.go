package loader

import (
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	hleruntime "github.com/wippyai/hle-runtime"
	"github.com/wippyai/hle-runtime/errors"
	"github.com/wippyai/hle-runtime/macho"
	"github.com/wippyai/hle-runtime/memory"
	"github.com/wippyai/hle-runtime/objc"
)

// Memory is the address space an image is loaded into.
type Memory interface {
	hleruntime.GuestMemory
	Map(base, size uint32, perm memory.Perm, owner memory.Owner, name string) (*memory.Region, error)
	MapAnywhere(size uint32, perm memory.Perm, owner memory.Owner, name string) (*memory.Region, error)
	Region(addr uint32) (memory.Info, bool)
	Poke(addr uint32, data []byte) error
	PeekU32(addr uint32) (uint32, error)
	PokeU32(addr, value uint32) error
}

// Options configures a load.
type Options struct {
	// Binder resolves imports; Stubs provides entry points for the rest.
	Binder Binder
	Stubs  Stubber
	// Strict fails the load when any strong import is unresolved.
	Strict bool
	// Slide is added to every segment address. It must be page aligned.
	Slide uint32
}

// Import is one place an imported symbol was bound.
type Import struct {
	Symbol  string
	Library string
	Kind    string
	// Site is the patched pointer or stub; Target the bound address.
	Site     uint32
	Target   uint32
	Resolved bool
	Weak     bool
}

// Import kinds.
const (
	KindLazyPointer    = "lazy-pointer"
	KindNonLazyPointer = "non-lazy-pointer"
	KindStub           = "stub"
	KindExtReloc       = "external-relocation"
	KindBind           = "bind"
)

// Image is a loaded executable.
type Image struct {
	File *macho.File
	Path string
	// Exports maps external symbols to slid addresses, Thumb bit included.
	Exports map[string]uint32
	Imports []Import
	// Unresolved lists strong imports bound to stubs, as "library#symbol".
	Unresolved []string
	// Initializers and Terminators are module constructor and destructor
	// addresses in order.
	Initializers []uint32
	Terminators  []uint32
	Segments     []memory.Info
	Slide        uint32
	// Entry is the slid entry point; bit 0 selects Thumb.
	Entry uint32
	// EntryIsMain means Entry is main(argc, argv, envp, apple) and returns
	// the exit status.
	EntryIsMain bool
}

// Load parses data and loads it into mem.
func Load(mem Memory, data []byte, path string, opts Options) (*Image, error) {
	f, err := macho.Parse(data)
	if err != nil {
		return nil, errors.Load("parse "+path, err)
	}
	img, err := LoadFile(mem, f, opts)
	if err != nil {
		return nil, err
	}
	img.Path = path
	return img, nil
}

// LoadFile maps a parsed image, applies its relocations and binds its
// imports.
func LoadFile(mem Memory, f *macho.File, opts Options) (*Image, error) {
	if opts.Slide%memory.PageSize != 0 {
		return nil, errors.InvalidInput(errors.PhaseLoad, fmt.Sprintf("slide 0x%x is not page aligned", opts.Slide))
	}
	if !f.HasEntry && f.Type == macho.TypeExecute {
		return nil, errors.Load("executable has no entry point", nil)
	}

	img := &Image{
		File:        f,
		Slide:       opts.Slide,
		Exports:     make(map[string]uint32),
		EntryIsMain: f.EntryIsMain,
	}
	if f.HasEntry {
		img.Entry = f.Entry + opts.Slide
	}

	if err := img.mapSegments(mem); err != nil {
		return nil, err
	}
	if err := img.relocate(mem); err != nil {
		return nil, err
	}
	for _, s := range f.Exports() {
		img.Exports[s.Name] = s.Address() + opts.Slide
	}

	r := newResolver(opts.Binder, opts.Stubs, opts.Strict)
	if err := img.bindImports(mem, r); err != nil {
		return nil, err
	}
	img.Unresolved = r.missing()
	if opts.Strict && len(img.Unresolved) > 0 {
		return nil, errors.NewUnresolvedImportsError(img.Unresolved)
	}

	var err error
	if img.Initializers, err = img.pointers(mem, macho.SectionModInitPointers); err != nil {
		return nil, err
	}
	if img.Terminators, err = img.pointers(mem, macho.SectionModTermPointers); err != nil {
		return nil, err
	}

	Logger().Info("image loaded",
		zap.String("arch", f.Arch),
		zap.Uint32("entry", img.Entry),
		zap.Uint32("slide", img.Slide),
		zap.Int("segments", len(img.Segments)),
		zap.Int("imports", len(img.Imports)),
		zap.Int("unresolved", len(img.Unresolved)),
		zap.Int("initializers", len(img.Initializers)))
	return img, nil
}

func permOf(prot uint32) memory.Perm {
	var p memory.Perm
	if prot&macho.ProtRead != 0 {
		p |= memory.PermRead
	}
	if prot&macho.ProtWrite != 0 {
		p |= memory.PermWrite
	}
	if prot&macho.ProtExec != 0 {
		p |= memory.PermExec
	}
	return p
}

// mapSegments maps every segment with its initial protection and copies
// its file bytes. Guard segments that fall on the null page reuse it.
func (img *Image) mapSegments(mem Memory) error {
	for _, seg := range img.File.Segments {
		if seg.Size == 0 {
			continue
		}
		base := seg.Addr + img.Slide
		end := uint64(base) + uint64(alignUp(seg.Size, memory.PageSize))
		if end > 1<<32 {
			return errors.Load(fmt.Sprintf("segment %s does not fit the address space", seg.Name), nil)
		}
		perm := permOf(seg.InitProt)

		if info, ok := mem.Region(base); ok && info.Owner == memory.OwnerNull && perm == memory.PermNone {
			covered := uint64(info.Base) + uint64(info.Size)
			if covered >= end {
				Logger().Debug("guard segment covered by null page", zap.String("segment", seg.Name))
				img.Segments = append(img.Segments, info)
				continue
			}
			base = uint32(covered)
		}

		r, err := mem.Map(base, uint32(end-uint64(base)), perm, memory.OwnerSegment, seg.Name)
		if err != nil {
			return errors.Load("map segment "+seg.Name, err)
		}
		if len(seg.Data) > 0 {
			if err := mem.Poke(seg.Addr+img.Slide, seg.Data); err != nil {
				return errors.Load("copy segment "+seg.Name, err)
			}
		}
		img.Segments = append(img.Segments, memory.Info{
			Name:  r.Name,
			Base:  r.Base,
			Size:  r.Size,
			Perm:  r.Perm,
			Owner: r.Owner,
		})
	}
	return nil
}

// relocate slides absolute pointers named by local relocations and rebase
// records.
func (img *Image) relocate(mem Memory) error {
	if img.Slide == 0 {
		return nil
	}
	base := img.relocBase()
	n := 0
	for _, r := range img.File.LocalRelocs {
		if r.Type != macho.RelocVanilla || r.Length != 2 || r.PCRel {
			continue
		}
		if err := slideWord(mem, base+r.Addr+img.Slide, img.Slide); err != nil {
			return err
		}
		n++
	}
	for _, addr := range img.File.Rebases {
		if err := slideWord(mem, addr+img.Slide, img.Slide); err != nil {
			return err
		}
		n++
	}
	Logger().Debug("relocations applied", zap.Int("count", n), zap.Uint32("slide", img.Slide))
	return nil
}

func slideWord(mem Memory, addr, slide uint32) error {
	v, err := mem.PeekU32(addr)
	if err != nil {
		return errors.Load(fmt.Sprintf("relocation at 0x%08x", addr), err)
	}
	return mem.PokeU32(addr, v+slide)
}

// relocBase is the address relocation entries are relative to: the first
// segment's, unslid.
func (img *Image) relocBase() uint32 {
	for _, seg := range img.File.Segments {
		if seg.Size != 0 {
			return seg.Addr
		}
	}
	return 0
}

// pointers reads the slid words of every section of the given type.
func (img *Image) pointers(mem Memory, typ uint32) ([]uint32, error) {
	var out []uint32
	for _, sec := range img.File.SectionsOfType(typ) {
		for off := uint32(0); off+4 <= sec.Size; off += 4 {
			v, err := mem.PeekU32(sec.Addr + img.Slide + off)
			if err != nil {
				return nil, errors.Load("read "+sec.Name, err)
			}
			if v != 0 {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

// Section returns the slid range of a section, or false.
func (img *Image) Section(segment, name string) (objc.Range, bool) {
	s := img.File.Section(segment, name)
	if s == nil {
		return objc.Range{}, false
	}
	return objc.Range{Addr: s.Addr + img.Slide, Size: s.Size}, true
}

// ObjC locates the image's objc2 metadata.
func (img *Image) ObjC() objc.ImageInfo {
	var info objc.ImageInfo
	for _, seg := range img.File.Segments {
		for _, s := range seg.Sections {
			r := objc.Range{Addr: s.Addr + img.Slide, Size: s.Size}
			switch s.Name {
			case "__objc_classlist":
				info.ClassList = append(info.ClassList, r)
			case "__objc_catlist":
				info.CategoryList = append(info.CategoryList, r)
			case "__objc_selrefs":
				info.SelectorRefs = append(info.SelectorRefs, r)
			}
		}
	}
	return info
}

// Export returns the address of an exported symbol.
func (img *Image) Export(name string) (uint32, bool) {
	addr, ok := img.Exports[name]
	return addr, ok
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

// stubCode is "ldr pc, [pc, #-4]; .word target".
func stubCode(target uint32) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint32(b[:], 0xe51ff004)
	binary.LittleEndian.PutUint32(b[4:], target)
	return b[:]
}
