package macho

import (
	"fmt"

	"github.com/wippyai/hle-runtime/macho/internal/binary"
)

// decodeBinds runs a dyld bind opcode stream. Lazy streams use DONE as an
// entry separator rather than a terminator.
func decodeBinds(r *binary.Reader, segs []*Segment, lazy bool) ([]Bind, error) {
	var out []Bind
	var cur Bind
	cur.Type = BindTypePointer
	var seg *Segment
	var offset uint64

	emit := func() error {
		if seg == nil {
			return fmt.Errorf("bind of %q before a segment was set", cur.Symbol)
		}
		if offset+pointerSize > uint64(seg.Size) {
			return fmt.Errorf("bind of %q at 0x%x is outside segment %s", cur.Symbol, offset, seg.Name)
		}
		b := cur
		b.Addr = seg.Addr + uint32(offset)
		out = append(out, b)
		return nil
	}

	for r.Remaining() > 0 {
		op, _ := r.ReadByte()
		imm := op & bindImmediateMask
		switch op & bindOpcodeMask {
		case bindDone:
			if !lazy {
				return out, nil
			}
		case bindSetDylibOrdinalImm:
			cur.Library = int(imm)
		case bindSetDylibOrdinalULEB:
			v, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			cur.Library = int(v)
		case bindSetDylibSpecialImm:
			if imm == 0 {
				cur.Library = 0
			} else {
				cur.Library = int(int8(imm | bindOpcodeMask))
			}
		case bindSetSymbolTrailingFlags:
			name, err := r.ReadCString()
			if err != nil {
				return nil, err
			}
			cur.Symbol = name
			cur.Weak = imm&bindSymbolFlagsWeakImport != 0
		case bindSetTypeImm:
			cur.Type = imm
		case bindSetAddendSLEB:
			v, err := r.ReadSLEB()
			if err != nil {
				return nil, err
			}
			cur.Addend = v
		case bindSetSegmentAndOffsetULEB:
			if int(imm) >= len(segs) {
				return nil, fmt.Errorf("bind segment index %d out of range", imm)
			}
			seg = segs[imm]
			v, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			offset = v
		case bindAddAddrULEB:
			v, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			offset = uint64(uint32(offset + v))
		case bindDoBind:
			if err := emit(); err != nil {
				return nil, err
			}
			offset += pointerSize
		case bindDoBindAddAddrULEB:
			if err := emit(); err != nil {
				return nil, err
			}
			v, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			offset = uint64(uint32(offset + pointerSize + v))
		case bindDoBindAddAddrImmScaled:
			if err := emit(); err != nil {
				return nil, err
			}
			offset += pointerSize + uint64(imm)*pointerSize
		case bindDoBindULEBTimesSkipULEB:
			count, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			skip, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			for i := uint64(0); i < count; i++ {
				if err := emit(); err != nil {
					return nil, err
				}
				offset += pointerSize + skip
			}
		default:
			return nil, fmt.Errorf("unknown bind opcode 0x%02x", op)
		}
	}
	return out, nil
}

// decodeRebases runs a dyld rebase opcode stream and returns the addresses
// of every pointer that must be slid.
func decodeRebases(r *binary.Reader, segs []*Segment) ([]uint32, error) {
	var out []uint32
	var seg *Segment
	var offset uint64

	emit := func() error {
		if seg == nil || offset+pointerSize > uint64(seg.Size) {
			return fmt.Errorf("rebase at offset 0x%x is outside its segment", offset)
		}
		out = append(out, seg.Addr+uint32(offset))
		return nil
	}
	repeat := func(n, skip uint64) error {
		for i := uint64(0); i < n; i++ {
			if err := emit(); err != nil {
				return err
			}
			offset += pointerSize + skip
		}
		return nil
	}

	for r.Remaining() > 0 {
		op, _ := r.ReadByte()
		imm := uint64(op & bindImmediateMask)
		switch op & bindOpcodeMask {
		case rebaseDone:
			return out, nil
		case rebaseSetTypeImm:
		case rebaseSetSegmentAndOffsetULEB:
			if int(imm) >= len(segs) {
				return nil, fmt.Errorf("rebase segment index %d out of range", imm)
			}
			seg = segs[imm]
			v, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			offset = v
		case rebaseAddAddrULEB:
			v, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			offset = uint64(uint32(offset + v))
		case rebaseAddAddrImmScaled:
			offset += imm * pointerSize
		case rebaseDoImmTimes:
			if err := repeat(imm, 0); err != nil {
				return nil, err
			}
		case rebaseDoULEBTimes:
			n, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			if err := repeat(n, 0); err != nil {
				return nil, err
			}
		case rebaseDoAddAddrULEB:
			v, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			if err := repeat(1, v); err != nil {
				return nil, err
			}
		case rebaseDoULEBTimesSkipULEB:
			n, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			skip, err := r.ReadULEB()
			if err != nil {
				return nil, err
			}
			if err := repeat(n, skip); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown rebase opcode 0x%02x", op)
		}
	}
	return out, nil
}

// encodeBinds writes binds as a stream that sets every field explicitly.
func encodeBinds(w *binary.Writer, binds []Bind, segs []*BuildSegment, lazy bool) error {
	var addend int64
	for _, b := range binds {
		idx := -1
		for i, s := range segs {
			if b.Addr >= s.Addr && uint64(b.Addr)+pointerSize <= uint64(s.Addr)+uint64(s.Size) {
				idx = i
				break
			}
		}
		if idx < 0 || idx > bindImmediateMask {
			return fmt.Errorf("bind of %q at 0x%08x is not inside a segment", b.Symbol, b.Addr)
		}

		switch {
		case b.Library < 0:
			w.Byte(bindSetDylibSpecialImm | byte(b.Library)&bindImmediateMask)
		case b.Library <= bindImmediateMask:
			w.Byte(bindSetDylibOrdinalImm | byte(b.Library))
		default:
			w.Byte(bindSetDylibOrdinalULEB)
			w.WriteULEB(uint64(b.Library))
		}
		flags := byte(0)
		if b.Weak {
			flags = bindSymbolFlagsWeakImport
		}
		w.Byte(bindSetSymbolTrailingFlags | flags)
		w.WriteCString(b.Symbol)
		if !lazy {
			w.Byte(bindSetTypeImm | BindTypePointer)
		}
		if b.Addend != addend {
			w.Byte(bindSetAddendSLEB)
			w.WriteSLEB(b.Addend)
			addend = b.Addend
		}
		w.Byte(bindSetSegmentAndOffsetULEB | byte(idx))
		w.WriteULEB(uint64(b.Addr - segs[idx].Addr))
		w.Byte(bindDoBind)
		if lazy {
			w.Byte(bindDone)
		}
	}
	if !lazy {
		w.Byte(bindDone)
	}
	return nil
}
