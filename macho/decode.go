package macho

import (
	"errors"
	"fmt"
	"io"

	"github.com/wippyai/hle-runtime/macho/internal/binary"
)

// Parsing errors returned by Parse.
var (
	ErrInvalidMagic = errors.New("not a 32-bit Mach-O image")
	ErrWrongCPU     = errors.New("not an ARM image")
	ErrNoARMSlice   = errors.New("fat archive has no ARM slice")
	ErrEncrypted    = errors.New("image is encrypted")
)

// ParseError is a malformed-image error with the offset it was found at.
type ParseError = binary.ParseError

// Parse parses a thin 32-bit ARM Mach-O image or a fat archive containing
// one. From a fat archive the best ARM slice is chosen: armv7 over its
// variants, then armv6, then anything else targeting ARM.
func Parse(data []byte) (*File, error) {
	r := binary.NewReader(data)
	magic, err := r.ReadU32BE()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic == MagicFat {
		return parseFat(r)
	}
	return parseThin(data)
}

func parseFat(r *binary.Reader) (*File, error) {
	n, err := r.ReadU32BE()
	if err != nil {
		return nil, r.WrapError("fat header", err)
	}
	if uint64(n)*20 > uint64(r.Remaining()) {
		return nil, r.WrapError("fat header", fmt.Errorf("%d slices overrun the file", n))
	}

	var best *binary.Reader
	bestRank := -1
	var bestSub uint32
	for i := uint32(0); i < n; i++ {
		var fields [5]uint32
		for j := range fields {
			if fields[j], err = r.ReadU32BE(); err != nil {
				return nil, r.WrapError("fat arch", err)
			}
		}
		cpuType, sub, off, size := fields[0], fields[1], fields[2], fields[3]
		if cpuType != CPUTypeARM {
			continue
		}
		slice, err := r.Sub(int(off), int(size))
		if err != nil {
			return nil, r.WrapError("fat arch", err)
		}
		if rank := subtypeRank(sub); rank > bestRank {
			best, bestRank, bestSub = slice, rank, sub
		}
	}
	if best == nil {
		return nil, ErrNoARMSlice
	}

	data, _ := best.ReadBytes(best.Len())
	f, err := parseThin(data)
	if err != nil {
		return nil, fmt.Errorf("%s slice: %w", ArchName(bestSub), err)
	}
	return f, nil
}

func subtypeRank(sub uint32) int {
	switch sub {
	case CPUSubtypeARMV7:
		return 4
	case CPUSubtypeARMV7S, CPUSubtypeARMV7F, CPUSubtypeARMV7K:
		return 3
	case CPUSubtypeARMV6:
		return 2
	default:
		return 1
	}
}

// ArchName returns the conventional name of an ARM CPU subtype.
func ArchName(sub uint32) string {
	switch sub {
	case CPUSubtypeARMAll:
		return "arm"
	case CPUSubtypeARMV4T:
		return "armv4t"
	case CPUSubtypeARMV6:
		return "armv6"
	case CPUSubtypeARMV7:
		return "armv7"
	case CPUSubtypeARMV7F:
		return "armv7f"
	case CPUSubtypeARMV7S:
		return "armv7s"
	case CPUSubtypeARMV7K:
		return "armv7k"
	default:
		return fmt.Sprintf("arm(%d)", sub)
	}
}

// linkedit collects table locations from load commands so they can be
// decoded once every segment is known.
type linkedit struct {
	symoff, nsyms, stroff, strsize uint32
	indirectOff, nIndirect         uint32
	extrelOff, nExtrel             uint32
	locrelOff, nLocrel             uint32
	rebaseOff, rebaseSize          uint32
	bindOff, bindSize              uint32
	weakOff, weakSize              uint32
	lazyOff, lazySize              uint32
	mainOff                        uint32
	haveSymtab, haveMain           bool
}

func parseThin(data []byte) (*File, error) {
	r := binary.NewReader(data)

	magic, err := r.ReadU32()
	if err != nil {
		return nil, r.WrapError("header", err)
	}
	if magic != Magic32 {
		return nil, ErrInvalidMagic
	}

	f := &File{}
	var hdr [6]uint32
	for i := range hdr {
		if hdr[i], err = r.ReadU32(); err != nil {
			return nil, r.WrapError("header", err)
		}
	}
	f.CPUType, f.CPUSubtype, f.Type = hdr[0], hdr[1], hdr[2]
	ncmds, sizeofcmds := hdr[3], hdr[4]
	f.Flags = hdr[5]
	f.Arch = ArchName(f.CPUSubtype)

	if f.CPUType != CPUTypeARM {
		return nil, fmt.Errorf("%w: cpu type %d", ErrWrongCPU, f.CPUType)
	}
	cmdsEnd := uint64(headerSize) + uint64(sizeofcmds)
	if cmdsEnd > uint64(len(data)) {
		return nil, r.WrapError("header", fmt.Errorf("load commands overrun the file: %w", io.ErrUnexpectedEOF))
	}

	var le linkedit
	for i := uint32(0); i < ncmds; i++ {
		pos := r.Position()
		cmd, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("load command", err)
		}
		size, err := r.ReadU32()
		if err != nil {
			return nil, r.WrapError("load command", err)
		}
		if size < 8 || uint64(pos)+uint64(size) > cmdsEnd {
			return nil, r.WrapError("load command", fmt.Errorf("command 0x%x has bad size %d", cmd, size))
		}
		cr, _ := r.Sub(pos, int(size))
		_ = cr.Skip(8)

		if err := f.parseCommand(cmd, cr, data, &le); err != nil {
			if errors.Is(err, ErrEncrypted) {
				return nil, err
			}
			var pe *binary.ParseError
			if errors.As(err, &pe) {
				pe.Position += pos
				return nil, pe
			}
			return nil, err
		}
		if err := r.Seek(pos + int(size)); err != nil {
			return nil, r.WrapError("load command", err)
		}
	}

	if err := f.parseLinkedit(data, &le); err != nil {
		return nil, err
	}
	if le.haveMain {
		text := f.segmentAtOffset(le.mainOff)
		if text == nil {
			return nil, &binary.ParseError{Section: "LC_MAIN", Err: fmt.Errorf("entry offset 0x%x is not in a segment", le.mainOff)}
		}
		f.Entry = text.Addr + (le.mainOff - text.Offset)
		f.HasEntry = true
		f.EntryIsMain = true
	}
	return f, nil
}

func (f *File) parseCommand(cmd uint32, r *binary.Reader, data []byte, le *linkedit) error {
	switch cmd {
	case LoadSegment:
		return f.parseSegment(r, data)

	case LoadSymtab:
		v, err := readWords(r, 4)
		if err != nil {
			return r.WrapError("LC_SYMTAB", err)
		}
		le.symoff, le.nsyms, le.stroff, le.strsize = v[0], v[1], v[2], v[3]
		le.haveSymtab = true

	case LoadDysymtab:
		v, err := readWords(r, 18)
		if err != nil {
			return r.WrapError("LC_DYSYMTAB", err)
		}
		le.indirectOff, le.nIndirect = v[12], v[13]
		le.extrelOff, le.nExtrel = v[14], v[15]
		le.locrelOff, le.nLocrel = v[16], v[17]

	case LoadUnixThread:
		return f.parseThread(r)

	case LoadMain:
		v, err := readWords(r, 4)
		if err != nil {
			return r.WrapError("LC_MAIN", err)
		}
		le.mainOff = v[0]
		f.StackSize = v[2]
		le.haveMain = true

	case LoadDylib, LoadWeakDylib, LoadIDDylib:
		v, err := readWords(r, 4)
		if err != nil {
			return r.WrapError("LC_LOAD_DYLIB", err)
		}
		name, err := r.CStringAt(int(v[0]))
		if err != nil {
			return r.WrapError("LC_LOAD_DYLIB", err)
		}
		if cmd == LoadIDDylib {
			f.InstallName = name
			return nil
		}
		f.Libraries = append(f.Libraries, Library{
			Name:           name,
			CurrentVersion: v[2],
			CompatVersion:  v[3],
			Weak:           cmd == LoadWeakDylib,
		})

	case LoadEncryptionInfo:
		v, err := readWords(r, 3)
		if err != nil {
			return r.WrapError("LC_ENCRYPTION_INFO", err)
		}
		if v[2] != 0 {
			return fmt.Errorf("%w (cryptid %d over 0x%x bytes at 0x%x)", ErrEncrypted, v[2], v[1], v[0])
		}

	case LoadDyldInfo, LoadDyldInfoOnly:
		v, err := readWords(r, 10)
		if err != nil {
			return r.WrapError("LC_DYLD_INFO", err)
		}
		le.rebaseOff, le.rebaseSize = v[0], v[1]
		le.bindOff, le.bindSize = v[2], v[3]
		le.weakOff, le.weakSize = v[4], v[5]
		le.lazyOff, le.lazySize = v[6], v[7]
	}
	return nil
}

func (f *File) parseSegment(r *binary.Reader, data []byte) error {
	seg := &Segment{}
	var err error
	if seg.Name, err = r.ReadName(16); err != nil {
		return r.WrapError("LC_SEGMENT", err)
	}
	v, err := readWords(r, 8)
	if err != nil {
		return r.WrapError("LC_SEGMENT", err)
	}
	seg.Addr, seg.Size, seg.Offset, seg.FileSize = v[0], v[1], v[2], v[3]
	seg.MaxProt, seg.InitProt = v[4], v[5]
	nsects := v[6]
	seg.Flags = v[7]

	if seg.FileSize > seg.Size {
		return r.WrapError("LC_SEGMENT", fmt.Errorf("segment %s file size 0x%x exceeds vm size 0x%x", seg.Name, seg.FileSize, seg.Size))
	}
	if uint64(seg.Addr)+uint64(seg.Size) > 1<<32 {
		return r.WrapError("LC_SEGMENT", fmt.Errorf("segment %s wraps the address space", seg.Name))
	}
	if seg.FileSize > 0 {
		end := uint64(seg.Offset) + uint64(seg.FileSize)
		if end > uint64(len(data)) {
			return r.WrapError("LC_SEGMENT", fmt.Errorf("segment %s data overruns the file: %w", seg.Name, io.ErrUnexpectedEOF))
		}
		seg.Data = data[seg.Offset:end]
	}

	for i := uint32(0); i < nsects; i++ {
		s := &Section{}
		if s.Name, err = r.ReadName(16); err != nil {
			return r.WrapError("section", err)
		}
		if s.Segment, err = r.ReadName(16); err != nil {
			return r.WrapError("section", err)
		}
		v, err := readWords(r, 9)
		if err != nil {
			return r.WrapError("section", err)
		}
		s.Addr, s.Size, s.Offset, s.Align = v[0], v[1], v[2], v[3]
		s.RelOff, s.NReloc, s.Flags = v[4], v[5], v[6]
		s.Reserved1, s.Reserved2 = v[7], v[8]
		if s.Addr < seg.Addr || uint64(s.Addr)+uint64(s.Size) > uint64(seg.Addr)+uint64(seg.Size) {
			return r.WrapError("section", fmt.Errorf("section %s,%s lies outside its segment", s.Segment, s.Name))
		}
		seg.Sections = append(seg.Sections, s)
	}

	f.Segments = append(f.Segments, seg)
	return nil
}

func (f *File) parseThread(r *binary.Reader) error {
	for r.Remaining() >= 8 {
		flavor, _ := r.ReadU32()
		count, _ := r.ReadU32()
		state, err := readWords(r, int(count))
		if err != nil {
			return r.WrapError("LC_UNIXTHREAD", err)
		}
		if flavor != threadStateARM || count != threadStateARMCount {
			continue
		}
		f.InitialState = state
		f.Entry = state[15]
		if state[16]&(1<<5) != 0 {
			f.Entry |= 1
		}
		f.HasEntry = true
	}
	return nil
}

func (f *File) parseLinkedit(data []byte, le *linkedit) error {
	r := binary.NewReader(data)

	if le.haveSymtab {
		strtab, err := r.Sub(int(le.stroff), int(le.strsize))
		if err != nil {
			return r.WrapError("string table", err)
		}
		syms, err := r.Sub(int(le.symoff), int(le.nsyms)*nlistSize)
		if err != nil {
			return r.WrapError("symbol table", err)
		}
		f.Symbols = make([]Symbol, le.nsyms)
		for i := range f.Symbols {
			strx, _ := syms.ReadU32()
			typ, _ := syms.ReadByte()
			sect, _ := syms.ReadByte()
			desc, _ := syms.ReadU16()
			value, _ := syms.ReadU32()
			var name string
			if strx != 0 {
				if name, err = strtab.CStringAt(int(strx)); err != nil {
					return syms.WrapError("symbol name", err)
				}
			}
			f.Symbols[i] = Symbol{Name: name, Type: typ, Sect: sect, Desc: desc, Value: value}
		}
	}

	if le.nIndirect > 0 {
		ir, err := r.Sub(int(le.indirectOff), int(le.nIndirect)*4)
		if err != nil {
			return r.WrapError("indirect symbol table", err)
		}
		if f.IndirectSymbols, err = readWords(ir, int(le.nIndirect)); err != nil {
			return ir.WrapError("indirect symbol table", err)
		}
	}

	var err error
	if f.ExtRelocs, err = readRelocs(r, le.extrelOff, le.nExtrel); err != nil {
		return err
	}
	if f.LocalRelocs, err = readRelocs(r, le.locrelOff, le.nLocrel); err != nil {
		return err
	}

	streams := []struct {
		name      string
		off, size uint32
		out       *[]Bind
		lazy      bool
	}{
		{"bind", le.bindOff, le.bindSize, &f.Binds, false},
		{"weak bind", le.weakOff, le.weakSize, &f.WeakBinds, false},
		{"lazy bind", le.lazyOff, le.lazySize, &f.LazyBinds, true},
	}
	for _, s := range streams {
		if s.size == 0 {
			continue
		}
		sr, err := r.Sub(int(s.off), int(s.size))
		if err != nil {
			return r.WrapError(s.name+" info", err)
		}
		if *s.out, err = decodeBinds(sr, f.Segments, s.lazy); err != nil {
			return sr.WrapError(s.name+" info", err)
		}
	}

	if le.rebaseSize != 0 {
		rr, err := r.Sub(int(le.rebaseOff), int(le.rebaseSize))
		if err != nil {
			return r.WrapError("rebase info", err)
		}
		if f.Rebases, err = decodeRebases(rr, f.Segments); err != nil {
			return rr.WrapError("rebase info", err)
		}
	}
	return nil
}

func readRelocs(r *binary.Reader, off, n uint32) ([]Reloc, error) {
	if n == 0 {
		return nil, nil
	}
	rr, err := r.Sub(int(off), int(n)*relocSize)
	if err != nil {
		return nil, r.WrapError("relocations", err)
	}
	out := make([]Reloc, n)
	for i := range out {
		w0, _ := rr.ReadU32()
		w1, _ := rr.ReadU32()
		out[i] = decodeReloc(w0, w1)
	}
	return out, nil
}

func decodeReloc(w0, w1 uint32) Reloc {
	if w0&relocScattered != 0 {
		return Reloc{
			Scattered: true,
			Addr:      w0 & 0xffffff,
			Type:      uint8(w0>>24) & 0xf,
			Length:    uint8(w0>>28) & 3,
			PCRel:     w0&(1<<30) != 0,
			Value:     w1,
		}
	}
	return Reloc{
		Addr:   w0,
		Symbol: w1 & 0xffffff,
		PCRel:  w1&(1<<24) != 0,
		Length: uint8(w1>>25) & 3,
		Extern: w1&(1<<27) != 0,
		Type:   uint8(w1 >> 28),
	}
}

func encodeReloc(rel Reloc) (uint32, uint32) {
	if rel.Scattered {
		w0 := uint32(relocScattered) | rel.Addr&0xffffff | uint32(rel.Type&0xf)<<24 | uint32(rel.Length&3)<<28
		if rel.PCRel {
			w0 |= 1 << 30
		}
		return w0, rel.Value
	}
	w1 := rel.Symbol&0xffffff | uint32(rel.Length&3)<<25 | uint32(rel.Type)<<28
	if rel.PCRel {
		w1 |= 1 << 24
	}
	if rel.Extern {
		w1 |= 1 << 27
	}
	return rel.Addr, w1
}

func (f *File) segmentAtOffset(off uint32) *Segment {
	for _, s := range f.Segments {
		if s.FileSize > 0 && off >= s.Offset && off < s.Offset+s.FileSize {
			return s
		}
	}
	return nil
}

func readWords(r *binary.Reader, n int) ([]uint32, error) {
	if n < 0 || n*4 > r.Remaining() {
		return nil, io.ErrUnexpectedEOF
	}
	out := make([]uint32, n)
	for i := range out {
		out[i], _ = r.ReadU32()
	}
	return out, nil
}
