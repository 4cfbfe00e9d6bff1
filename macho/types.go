package macho

// File is a parsed 32-bit ARM Mach-O image.
type File struct {
	// Arch names the selected slice ("armv6", "armv7", ...).
	Arch        string
	Segments    []*Segment
	Symbols     []Symbol
	Libraries   []Library
	Binds       []Bind
	LazyBinds   []Bind
	WeakBinds   []Bind
	Rebases     []uint32
	ExtRelocs   []Reloc
	LocalRelocs []Reloc

	// IndirectSymbols holds symbol table indices, or IndirectLocal/IndirectAbs.
	IndirectSymbols []uint32

	// InitialState is the LC_UNIXTHREAD register file (r0-r12, sp, lr, pc, cpsr).
	InitialState []uint32

	// InstallName is the LC_ID_DYLIB name of a library image.
	InstallName string

	CPUType    uint32
	CPUSubtype uint32
	Type       uint32
	Flags      uint32

	// Entry is the initial pc; bit 0 set means Thumb.
	Entry uint32
	// StackSize comes from LC_MAIN when set.
	StackSize uint32
	HasEntry  bool
	// EntryIsMain reports an LC_MAIN entry: main(argc, argv, envp, apple)
	// that returns its exit status rather than a start routine.
	EntryIsMain bool
}

// Segment is an LC_SEGMENT command and its file bytes.
type Segment struct {
	Name     string
	Data     []byte
	Sections []*Section
	Addr     uint32
	Size     uint32
	Offset   uint32
	FileSize uint32
	MaxProt  uint32
	InitProt uint32
	Flags    uint32
}

// Section is a section header of a segment.
type Section struct {
	Name      string
	Segment   string
	Addr      uint32
	Size      uint32
	Offset    uint32
	Align     uint32
	RelOff    uint32
	NReloc    uint32
	Flags     uint32
	Reserved1 uint32
	Reserved2 uint32
}

// Type returns the section type.
func (s *Section) Type() uint32 {
	return s.Flags & SectionTypeMask
}

// Contains reports whether addr lies inside the section.
func (s *Section) Contains(addr uint32) bool {
	return addr >= s.Addr && uint64(addr) < uint64(s.Addr)+uint64(s.Size)
}

// Symbol is an nlist entry with its name resolved.
type Symbol struct {
	Name  string
	Value uint32
	Desc  uint16
	Type  uint8
	Sect  uint8
}

// External reports whether the symbol is visible outside the image.
func (s Symbol) External() bool {
	return s.Type&SymExt != 0 && s.Type&SymStab == 0
}

// Defined reports whether the symbol is defined in a section of the image.
func (s Symbol) Defined() bool {
	return s.Type&SymStab == 0 && s.Type&SymType == SymSect
}

// Undefined reports whether the symbol is an import.
func (s Symbol) Undefined() bool {
	return s.Type&SymStab == 0 && s.Type&SymType == SymUndef && s.Type&SymExt != 0
}

// Thumb reports whether the symbol is a Thumb function.
func (s Symbol) Thumb() bool {
	return s.Desc&DescARMThumbDef != 0
}

// Weak reports a weak import.
func (s Symbol) Weak() bool {
	return s.Desc&DescWeakRef != 0
}

// LibraryOrdinal is the two-level namespace ordinal of an import.
func (s Symbol) LibraryOrdinal() int {
	return int(s.Desc>>8) & 0xff
}

// Address returns the symbol value with the Thumb bit applied.
func (s Symbol) Address() uint32 {
	if s.Thumb() {
		return s.Value | 1
	}
	return s.Value
}

// Library is a dylib load command.
type Library struct {
	Name           string
	CurrentVersion uint32
	CompatVersion  uint32
	Weak           bool
}

// Bind is one pointer bound by a dyld-info bind stream.
type Bind struct {
	Symbol  string
	Addend  int64
	Library int
	Addr    uint32
	Type    uint8
	Weak    bool
}

// Reloc is a relocation entry. Addr is relative to the first segment for
// dynamic-symbol-table relocations and to the section for section ones.
type Reloc struct {
	Addr uint32
	// Symbol is the symbol index when Extern, else the section ordinal.
	Symbol uint32
	// Value is the target address of a scattered relocation.
	Value     uint32
	Type      uint8
	Length    uint8
	PCRel     bool
	Extern    bool
	Scattered bool
}

// Segment returns the named segment.
func (f *File) Segment(name string) *Segment {
	for _, s := range f.Segments {
		if s.Name == name {
			return s
		}
	}
	return nil
}

// Section returns the named section of the named segment.
func (f *File) Section(segment, name string) *Section {
	for _, seg := range f.Segments {
		if seg.Name != segment {
			continue
		}
		for _, s := range seg.Sections {
			if s.Name == name {
				return s
			}
		}
	}
	return nil
}

// SectionsOfType returns every section of the given type, in load order.
func (f *File) SectionsOfType(typ uint32) []*Section {
	var out []*Section
	for _, seg := range f.Segments {
		for _, s := range seg.Sections {
			if s.Type() == typ {
				out = append(out, s)
			}
		}
	}
	return out
}

// SectionByOrdinal returns the 1-based nth section across all segments.
func (f *File) SectionByOrdinal(n int) *Section {
	if n <= 0 {
		return nil
	}
	for _, seg := range f.Segments {
		if n <= len(seg.Sections) {
			return seg.Sections[n-1]
		}
		n -= len(seg.Sections)
	}
	return nil
}

// LibraryName resolves a two-level namespace ordinal. It returns "" for
// flat-namespace and self references.
func (f *File) LibraryName(ordinal int) string {
	if ordinal <= 0 || ordinal > len(f.Libraries) {
		return ""
	}
	return f.Libraries[ordinal-1].Name
}

// Exports returns the external defined symbols.
func (f *File) Exports() []Symbol {
	var out []Symbol
	for _, s := range f.Symbols {
		if s.External() && s.Defined() {
			out = append(out, s)
		}
	}
	return out
}

// Imports returns the undefined external symbols.
func (f *File) Imports() []Symbol {
	var out []Symbol
	for _, s := range f.Symbols {
		if s.Undefined() {
			out = append(out, s)
		}
	}
	return out
}

// Lookup returns the defined symbol with the given name.
func (f *File) Lookup(name string) (Symbol, bool) {
	for _, s := range f.Symbols {
		if s.Name == name && s.Defined() {
			return s, true
		}
	}
	return Symbol{}, false
}

// ReadAt returns the file bytes backing [addr, addr+n) of a segment, or nil
// when the range is not fully backed by file data.
func (f *File) ReadAt(addr, n uint32) []byte {
	for _, seg := range f.Segments {
		if addr < seg.Addr {
			continue
		}
		off := uint64(addr - seg.Addr)
		if off+uint64(n) <= uint64(len(seg.Data)) {
			return seg.Data[off : off+uint64(n)]
		}
	}
	return nil
}
