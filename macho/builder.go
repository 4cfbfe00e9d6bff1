package macho

import (
	"fmt"

	"github.com/wippyai/hle-runtime/macho/internal/binary"
)

// Builder assembles minimal executables. Addresses are chosen by the
// caller; Build lays the file out and emits the load commands and link
// edit tables.
type Builder struct {
	segments    []*BuildSegment
	libraries   []Library
	exports     []buildSymbol
	imports     []buildSymbol
	indirect    []string
	localRelocs []uint32
	binds       []Bind
	lazyBinds   []Bind
	installName string
	CPUSubtype  uint32
	FileType    uint32
	entry       uint32
	cryptID     uint32
	hasEntry    bool
	entryMain   bool
}

type buildSymbol struct {
	name    string
	addr    uint32
	ordinal int
	thumb   bool
	weak    bool
}

// BuildSegment is a segment under construction.
type BuildSegment struct {
	Name     string
	Sections []*BuildSection
	Addr     uint32
	Size     uint32
	Prot     uint32
}

// BuildSection is a section under construction.
type BuildSection struct {
	Name      string
	Data      []byte
	Addr      uint32
	Size      uint32
	Type      uint32
	Reserved1 uint32
	Reserved2 uint32
	Align     uint32
}

// NewBuilder returns a builder for an armv7 executable.
func NewBuilder() *Builder {
	return &Builder{CPUSubtype: CPUSubtypeARMV7, FileType: TypeExecute}
}

// Segment adds a segment covering [addr, addr+size).
func (b *Builder) Segment(name string, addr, size, prot uint32) *BuildSegment {
	s := &BuildSegment{Name: name, Addr: addr, Size: size, Prot: prot}
	b.segments = append(b.segments, s)
	return s
}

// Section adds a section with file contents at addr.
func (s *BuildSegment) Section(name string, addr uint32, data []byte) *BuildSection {
	sec := &BuildSection{Name: name, Addr: addr, Data: data, Size: uint32(len(data)), Align: 2}
	s.Sections = append(s.Sections, sec)
	return sec
}

// ZeroFill adds a section with no file contents.
func (s *BuildSegment) ZeroFill(name string, addr, size uint32) *BuildSection {
	sec := &BuildSection{Name: name, Addr: addr, Size: size, Type: SectionZeroFill, Align: 2}
	s.Sections = append(s.Sections, sec)
	return sec
}

// Library adds an LC_LOAD_DYLIB and returns its ordinal.
func (b *Builder) Library(name string) int {
	b.libraries = append(b.libraries, Library{Name: name, CurrentVersion: 0x10000, CompatVersion: 0x10000})
	return len(b.libraries)
}

// WeakLibrary adds an LC_LOAD_WEAK_DYLIB and returns its ordinal.
func (b *Builder) WeakLibrary(name string) int {
	b.libraries = append(b.libraries, Library{Name: name, Weak: true})
	return len(b.libraries)
}

// InstallName marks the image as a library with the given LC_ID_DYLIB.
func (b *Builder) InstallName(name string) {
	b.installName = name
}

// Export defines an external symbol.
func (b *Builder) Export(name string, addr uint32, thumb bool) {
	b.exports = append(b.exports, buildSymbol{name: name, addr: addr, thumb: thumb})
}

// Import declares an undefined external symbol from the library ordinal.
func (b *Builder) Import(name string, ordinal int, weak bool) {
	b.imports = append(b.imports, buildSymbol{name: name, ordinal: ordinal, weak: weak})
}

// Indirect appends indirect symbol entries by name and returns the index of
// the first one, for a pointer or stub section's Reserved1. An empty name
// is a local entry.
func (b *Builder) Indirect(names ...string) uint32 {
	start := uint32(len(b.indirect))
	b.indirect = append(b.indirect, names...)
	return start
}

// LocalReloc marks the word at addr as an absolute pointer to slide.
func (b *Builder) LocalReloc(addr uint32) {
	b.localRelocs = append(b.localRelocs, addr)
}

// Bind adds a dyld-info bind record.
func (b *Builder) Bind(bind Bind) {
	b.binds = append(b.binds, bind)
}

// LazyBind adds a dyld-info lazy bind record.
func (b *Builder) LazyBind(bind Bind) {
	b.lazyBinds = append(b.lazyBinds, bind)
}

// Entry sets an LC_UNIXTHREAD entry; bit 0 selects Thumb.
func (b *Builder) Entry(addr uint32) {
	b.entry, b.hasEntry, b.entryMain = addr, true, false
}

// Main sets an LC_MAIN entry.
func (b *Builder) Main(addr uint32) {
	b.entry, b.hasEntry, b.entryMain = addr, true, true
}

// Encrypt adds an LC_ENCRYPTION_INFO with the given cryptid.
func (b *Builder) Encrypt(cryptID uint32) {
	b.cryptID = cryptID
}

// StubCode returns one 12-byte symbol stub loading its target through the
// lazy pointer at ptr: ldr ip, [pc]; ldr pc, [ip]; .word ptr.
func StubCode(ptr uint32) []byte {
	w := binary.NewWriter()
	w.WriteU32(0xe59fc000)
	w.WriteU32(0xe59cf000)
	w.WriteU32(ptr)
	return w.Bytes()
}

// Words encodes little-endian words, for pointer sections and code.
func Words(words ...uint32) []byte {
	w := binary.NewWriter()
	for _, v := range words {
		w.WriteU32(v)
	}
	return w.Bytes()
}

const fileAlign = 16

// Build lays out and encodes the image.
func (b *Builder) Build() ([]byte, error) {
	if err := b.validate(); err != nil {
		return nil, err
	}

	symIndex := make(map[string]uint32, len(b.exports)+len(b.imports))
	for i, s := range b.exports {
		symIndex[s.name] = uint32(i)
	}
	for i, s := range b.imports {
		symIndex[s.name] = uint32(len(b.exports) + i)
	}

	// Load commands, sized first so segment file offsets are known.
	cmdSize := 0
	for _, s := range b.segments {
		cmdSize += segmentCommandSize + sectionSize*len(s.Sections)
	}
	cmdSize += 24 + 80 // symtab, dysymtab
	for _, l := range b.libraries {
		cmdSize += dylibCommandSize(l.Name)
	}
	if b.installName != "" {
		cmdSize += dylibCommandSize(b.installName)
	}
	if b.hasEntry {
		if b.entryMain {
			cmdSize += 24
		} else {
			cmdSize += 16 + 4*threadStateARMCount
		}
	}
	if b.cryptID != 0 {
		cmdSize += 20
	}
	haveDyldInfo := len(b.binds) > 0 || len(b.lazyBinds) > 0
	if haveDyldInfo {
		cmdSize += 48
	}

	// Segment contents.
	cursor := alignInt(headerSize+cmdSize, fileAlign)
	segOff := make([]uint32, len(b.segments))
	segFile := make([][]byte, len(b.segments))
	for i, s := range b.segments {
		var extent uint32
		for _, sec := range s.Sections {
			if sec.Type != SectionZeroFill && sec.Addr+sec.Size-s.Addr > extent {
				extent = sec.Addr + sec.Size - s.Addr
			}
		}
		if extent == 0 {
			continue
		}
		buf := make([]byte, extent)
		for _, sec := range s.Sections {
			if sec.Type != SectionZeroFill {
				copy(buf[sec.Addr-s.Addr:], sec.Data)
			}
		}
		segOff[i] = uint32(cursor)
		segFile[i] = buf
		cursor = alignInt(cursor+int(extent), fileAlign)
	}

	// Link edit.
	le := binary.NewWriter()
	symoff := cursor
	strtab := binary.NewWriter()
	strtab.Byte(0)
	for _, s := range b.exports {
		le.WriteU32(uint32(strtab.Len()))
		strtab.WriteCString(s.name)
		le.Byte(SymSect | SymExt)
		le.Byte(b.sectionOrdinal(s.addr))
		var desc uint16
		if s.thumb {
			desc |= DescARMThumbDef
		}
		le.WriteU16(desc)
		le.WriteU32(s.addr &^ 1)
	}
	for _, s := range b.imports {
		le.WriteU32(uint32(strtab.Len()))
		strtab.WriteCString(s.name)
		le.Byte(SymUndef | SymExt)
		le.Byte(0)
		desc := uint16(s.ordinal&0xff) << 8
		if s.weak {
			desc |= DescWeakRef
		}
		le.WriteU16(desc)
		le.WriteU32(0)
	}
	nsyms := len(b.exports) + len(b.imports)

	indirectOff := cursor + le.Len()
	for _, name := range b.indirect {
		if name == "" {
			le.WriteU32(IndirectLocal)
			continue
		}
		idx, ok := symIndex[name]
		if !ok {
			return nil, fmt.Errorf("indirect symbol %q is not declared", name)
		}
		le.WriteU32(idx)
	}

	locrelOff := cursor + le.Len()
	var relocBase uint32
	if len(b.segments) > 0 {
		relocBase = b.segments[0].Addr
	}
	for _, addr := range b.localRelocs {
		w0, w1 := encodeReloc(Reloc{Addr: addr - relocBase, Symbol: uint32(b.sectionOrdinal(addr)), Length: 2, Type: RelocVanilla})
		le.WriteU32(w0)
		le.WriteU32(w1)
	}

	bindOff := cursor + le.Len()
	bindStream := binary.NewWriter()
	if len(b.binds) > 0 {
		if err := encodeBinds(bindStream, b.binds, b.segments, false); err != nil {
			return nil, err
		}
	}
	le.WriteBytes(bindStream.Bytes())
	lazyOff := cursor + le.Len()
	lazyStream := binary.NewWriter()
	if len(b.lazyBinds) > 0 {
		if err := encodeBinds(lazyStream, b.lazyBinds, b.segments, true); err != nil {
			return nil, err
		}
	}
	le.WriteBytes(lazyStream.Bytes())
	le.Pad(4)

	stroff := cursor + le.Len()
	le.WriteBytes(strtab.Bytes())

	// Emit.
	w := binary.NewWriter()
	ncmds := len(b.segments) + 2 + len(b.libraries)
	if b.installName != "" {
		ncmds++
	}
	if b.hasEntry {
		ncmds++
	}
	if b.cryptID != 0 {
		ncmds++
	}
	if haveDyldInfo {
		ncmds++
	}
	w.WriteU32(Magic32)
	w.WriteU32(CPUTypeARM)
	w.WriteU32(b.CPUSubtype)
	w.WriteU32(b.FileType)
	w.WriteU32(uint32(ncmds))
	w.WriteU32(uint32(cmdSize))
	w.WriteU32(0)

	for i, s := range b.segments {
		w.WriteU32(LoadSegment)
		w.WriteU32(uint32(segmentCommandSize + sectionSize*len(s.Sections)))
		w.WriteName(s.Name, 16)
		w.WriteU32(s.Addr)
		w.WriteU32(s.Size)
		w.WriteU32(segOff[i])
		w.WriteU32(uint32(len(segFile[i])))
		w.WriteU32(ProtRead | ProtWrite | ProtExec)
		w.WriteU32(s.Prot)
		w.WriteU32(uint32(len(s.Sections)))
		w.WriteU32(0)
		for _, sec := range s.Sections {
			w.WriteName(sec.Name, 16)
			w.WriteName(s.Name, 16)
			w.WriteU32(sec.Addr)
			w.WriteU32(sec.Size)
			if sec.Type == SectionZeroFill {
				w.WriteU32(0)
			} else {
				w.WriteU32(segOff[i] + sec.Addr - s.Addr)
			}
			w.WriteU32(sec.Align)
			w.WriteU32(0)
			w.WriteU32(0)
			w.WriteU32(sec.Type)
			w.WriteU32(sec.Reserved1)
			w.WriteU32(sec.Reserved2)
		}
	}

	w.WriteU32(LoadSymtab)
	w.WriteU32(24)
	w.WriteU32(uint32(symoff))
	w.WriteU32(uint32(nsyms))
	w.WriteU32(uint32(stroff))
	w.WriteU32(uint32(strtab.Len()))

	w.WriteU32(LoadDysymtab)
	w.WriteU32(80)
	for _, v := range []uint32{
		0, 0, // local symbols
		0, uint32(len(b.exports)),
		uint32(len(b.exports)), uint32(len(b.imports)),
		0, 0, 0, 0, 0, 0, // toc, modules, external refs
		uint32(indirectOff), uint32(len(b.indirect)),
		0, 0, // external relocations
		uint32(locrelOff), uint32(len(b.localRelocs)),
	} {
		w.WriteU32(v)
	}

	for _, l := range b.libraries {
		cmd := LoadDylib
		if l.Weak {
			cmd = LoadWeakDylib
		}
		writeDylib(w, cmd, l)
	}
	if b.installName != "" {
		writeDylib(w, LoadIDDylib, Library{Name: b.installName})
	}

	if b.hasEntry {
		if b.entryMain {
			off, ok := b.fileOffset(b.entry&^1, segOff)
			if !ok {
				return nil, fmt.Errorf("entry 0x%08x is not backed by file data", b.entry)
			}
			w.WriteU32(LoadMain)
			w.WriteU32(24)
			w.WriteU32(off)
			w.WriteU32(0)
			w.WriteU32(0)
			w.WriteU32(0)
		} else {
			w.WriteU32(LoadUnixThread)
			w.WriteU32(uint32(16 + 4*threadStateARMCount))
			w.WriteU32(threadStateARM)
			w.WriteU32(threadStateARMCount)
			for r := 0; r < 15; r++ {
				w.WriteU32(0)
			}
			w.WriteU32(b.entry &^ 1)
			var cpsr uint32 = 0x10
			if b.entry&1 != 0 {
				cpsr |= 1 << 5
			}
			w.WriteU32(cpsr)
		}
	}

	if b.cryptID != 0 {
		w.WriteU32(LoadEncryptionInfo)
		w.WriteU32(20)
		w.WriteU32(0)
		w.WriteU32(0)
		w.WriteU32(b.cryptID)
	}

	if haveDyldInfo {
		w.WriteU32(LoadDyldInfoOnly)
		w.WriteU32(48)
		for _, v := range []uint32{
			0, 0,
			uint32(bindOff), uint32(bindStream.Len()),
			0, 0,
			uint32(lazyOff), uint32(lazyStream.Len()),
			0, 0,
		} {
			w.WriteU32(v)
		}
	}

	for i := range b.segments {
		if segFile[i] == nil {
			continue
		}
		for w.Len() < int(segOff[i]) {
			w.Byte(0)
		}
		w.WriteBytes(segFile[i])
	}
	for w.Len() < symoff {
		w.Byte(0)
	}
	w.WriteBytes(le.Bytes())
	return w.Bytes(), nil
}

func (b *Builder) validate() error {
	for i, s := range b.segments {
		for _, sec := range s.Sections {
			if sec.Addr < s.Addr || uint64(sec.Addr)+uint64(sec.Size) > uint64(s.Addr)+uint64(s.Size) {
				return fmt.Errorf("section %s,%s lies outside its segment", s.Name, sec.Name)
			}
		}
		for _, o := range b.segments[:i] {
			if uint64(s.Addr) < uint64(o.Addr)+uint64(o.Size) && uint64(o.Addr) < uint64(s.Addr)+uint64(s.Size) {
				return fmt.Errorf("segment %s overlaps %s", s.Name, o.Name)
			}
		}
	}
	return nil
}

// sectionOrdinal returns the 1-based section containing addr, or 0.
func (b *Builder) sectionOrdinal(addr uint32) uint8 {
	n := 0
	for _, s := range b.segments {
		for _, sec := range s.Sections {
			n++
			if addr >= sec.Addr && uint64(addr) < uint64(sec.Addr)+uint64(sec.Size) {
				return uint8(n)
			}
		}
	}
	return 0
}

func (b *Builder) fileOffset(addr uint32, segOff []uint32) (uint32, bool) {
	for i, s := range b.segments {
		for _, sec := range s.Sections {
			if sec.Type != SectionZeroFill && addr >= sec.Addr && addr < sec.Addr+sec.Size {
				return segOff[i] + addr - s.Addr, true
			}
		}
	}
	return 0, false
}

func dylibCommandSize(name string) int {
	return alignInt(24+len(name)+1, 4)
}

func writeDylib(w *binary.Writer, cmd uint32, l Library) {
	size := dylibCommandSize(l.Name)
	w.WriteU32(cmd)
	w.WriteU32(uint32(size))
	w.WriteU32(24)
	w.WriteU32(2)
	w.WriteU32(l.CurrentVersion)
	w.WriteU32(l.CompatVersion)
	w.WriteName(l.Name, size-24)
}

func alignInt(v, align int) int {
	return (v + align - 1) &^ (align - 1)
}
