package interp

import (
	"math/bits"

	"github.com/wippyai/hle-runtime/cpu"
)

// singleTransfer handles ldr/str/ldrb/strb.
func (it *Interpreter) singleTransfer(instr uint32) cpu.Stop {
	pre := instr&(1<<24) != 0
	up := instr&(1<<23) != 0
	byteSize := instr&(1<<22) != 0
	writeback := instr&(1<<21) != 0 || !pre
	load := instr&(1<<20) != 0
	rn := (instr >> 16) & 0xF
	rd := (instr >> 12) & 0xF

	var offset uint32
	if instr&(1<<25) == 0 {
		offset = instr & 0xFFF
	} else {
		offset, _ = shift(it.readReg(instr&0xF), (instr>>5)&3, (instr>>7)&0x1F, it.flag(cpu.FlagC), false)
	}

	base := it.readReg(rn)
	offsetAddr := base - offset
	if up {
		offsetAddr = base + offset
	}
	addr := base
	if pre {
		addr = offsetAddr
	}

	if load {
		var v uint32
		if byteSize {
			b, err := it.bus.ReadU8(addr)
			if err != nil {
				return it.abort(addr, "read", err)
			}
			v = uint32(b)
		} else {
			w, err := it.bus.ReadU32(addr)
			if err != nil {
				return it.abort(addr, "read", err)
			}
			v = w
		}
		if writeback {
			it.ctx.Regs[rn] = offsetAddr
		}
		it.writeReg(rd, v)
		return cpu.Stop{}
	}

	v := it.readReg(rd)
	var err error
	if byteSize {
		err = it.bus.WriteU8(addr, uint8(v))
	} else {
		err = it.bus.WriteU32(addr, v)
	}
	if err != nil {
		return it.abort(addr, "write", err)
	}
	if writeback {
		it.ctx.Regs[rn] = offsetAddr
	}
	return cpu.Stop{}
}

// halfwordTransfer handles ldrh/strh/ldrsb/ldrsh/ldrd/strd.
func (it *Interpreter) halfwordTransfer(instr uint32) cpu.Stop {
	pre := instr&(1<<24) != 0
	up := instr&(1<<23) != 0
	imm := instr&(1<<22) != 0
	writeback := instr&(1<<21) != 0 || !pre
	load := instr&(1<<20) != 0
	rn := (instr >> 16) & 0xF
	rd := (instr >> 12) & 0xF
	sh := (instr >> 5) & 3

	var offset uint32
	if imm {
		offset = (instr>>4)&0xF0 | instr&0xF
	} else {
		offset = it.readReg(instr & 0xF)
	}

	base := it.readReg(rn)
	offsetAddr := base - offset
	if up {
		offsetAddr = base + offset
	}
	addr := base
	if pre {
		addr = offsetAddr
	}

	switch {
	case load: // ldrh, ldrsb, ldrsh
		var v uint32
		switch sh {
		case 1:
			h, err := it.bus.ReadU16(addr)
			if err != nil {
				return it.abort(addr, "read", err)
			}
			v = uint32(h)
		case 2:
			b, err := it.bus.ReadU8(addr)
			if err != nil {
				return it.abort(addr, "read", err)
			}
			v = uint32(int32(int8(b)))
		default:
			h, err := it.bus.ReadU16(addr)
			if err != nil {
				return it.abort(addr, "read", err)
			}
			v = uint32(int32(int16(h)))
		}
		if writeback {
			it.ctx.Regs[rn] = offsetAddr
		}
		it.writeReg(rd, v)

	case sh == 1: // strh
		if err := it.bus.WriteU16(addr, uint16(it.readReg(rd))); err != nil {
			return it.abort(addr, "write", err)
		}
		if writeback {
			it.ctx.Regs[rn] = offsetAddr
		}

	case sh == 2: // ldrd
		if rd&1 != 0 || rd == 14 {
			return it.undefined()
		}
		lo, err := it.bus.ReadU32(addr)
		if err != nil {
			return it.abort(addr, "read", err)
		}
		hi, err := it.bus.ReadU32(addr + 4)
		if err != nil {
			return it.abort(addr+4, "read", err)
		}
		if writeback {
			it.ctx.Regs[rn] = offsetAddr
		}
		it.ctx.Regs[rd] = lo
		it.ctx.Regs[rd+1] = hi

	default: // strd
		if rd&1 != 0 || rd == 14 {
			return it.undefined()
		}
		if err := it.bus.WriteU32(addr, it.readReg(rd)); err != nil {
			return it.abort(addr, "write", err)
		}
		if err := it.bus.WriteU32(addr+4, it.readReg(rd+1)); err != nil {
			return it.abort(addr+4, "write", err)
		}
		if writeback {
			it.ctx.Regs[rn] = offsetAddr
		}
	}
	return cpu.Stop{}
}

// blockTransfer handles ldm/stm in all four addressing modes. Loads are
// committed only after every word has been read.
func (it *Interpreter) blockTransfer(instr uint32) cpu.Stop {
	pre := instr&(1<<24) != 0
	up := instr&(1<<23) != 0
	writeback := instr&(1<<21) != 0
	load := instr&(1<<20) != 0
	rn := (instr >> 16) & 0xF
	list := instr & 0xFFFF

	if list == 0 {
		return it.undefined()
	}

	n := uint32(bits.OnesCount32(list))
	base := it.ctx.Regs[rn]
	var start, newBase uint32
	if up {
		start = base
		if pre {
			start += 4
		}
		newBase = base + 4*n
	} else {
		start = base - 4*n
		if !pre {
			start += 4
		}
		newBase = base - 4*n
	}

	addr := start
	if load {
		var values [16]uint32
		for r := uint32(0); r < 16; r++ {
			if list&(1<<r) == 0 {
				continue
			}
			v, err := it.bus.ReadU32(addr)
			if err != nil {
				return it.abort(addr, "read", err)
			}
			values[r] = v
			addr += 4
		}
		if writeback && list&(1<<rn) == 0 {
			it.ctx.Regs[rn] = newBase
		}
		for r := uint32(0); r < 15; r++ {
			if list&(1<<r) != 0 {
				it.ctx.Regs[r] = values[r]
			}
		}
		if list&(1<<15) != 0 {
			it.writePC(values[15])
		}
		return cpu.Stop{}
	}

	for r := uint32(0); r < 16; r++ {
		if list&(1<<r) == 0 {
			continue
		}
		if err := it.bus.WriteU32(addr, it.readReg(r)); err != nil {
			return it.abort(addr, "write", err)
		}
		addr += 4
	}
	if writeback {
		it.ctx.Regs[rn] = newBase
	}
	return cpu.Stop{}
}

func (it *Interpreter) swap(instr uint32) cpu.Stop {
	rn := (instr >> 16) & 0xF
	rd := (instr >> 12) & 0xF
	rm := instr & 0xF
	addr := it.ctx.Regs[rn]

	if instr&(1<<22) != 0 {
		old, err := it.bus.ReadU8(addr)
		if err != nil {
			return it.abort(addr, "read", err)
		}
		if err := it.bus.WriteU8(addr, uint8(it.ctx.Regs[rm])); err != nil {
			return it.abort(addr, "write", err)
		}
		it.writeReg(rd, uint32(old))
		return cpu.Stop{}
	}

	old, err := it.bus.ReadU32(addr)
	if err != nil {
		return it.abort(addr, "read", err)
	}
	if err := it.bus.WriteU32(addr, it.ctx.Regs[rm]); err != nil {
		return it.abort(addr, "write", err)
	}
	it.writeReg(rd, old)
	return cpu.Stop{}
}

func (it *Interpreter) loadExclusive(instr uint32) cpu.Stop {
	addr := it.ctx.Regs[(instr>>16)&0xF]
	v, err := it.bus.ReadU32(addr)
	if err != nil {
		return it.abort(addr, "read", err)
	}
	it.writeReg((instr>>12)&0xF, v)
	return cpu.Stop{}
}

// storeExclusive always succeeds: only one guest thread runs at a time and
// threads switch only at host calls, so no other store can intervene.
func (it *Interpreter) storeExclusive(instr uint32) cpu.Stop {
	addr := it.ctx.Regs[(instr>>16)&0xF]
	if err := it.bus.WriteU32(addr, it.ctx.Regs[instr&0xF]); err != nil {
		return it.abort(addr, "write", err)
	}
	it.writeReg((instr>>12)&0xF, 0)
	return cpu.Stop{}
}
