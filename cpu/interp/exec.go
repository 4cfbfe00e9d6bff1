package interp

import (
	"math/bits"

	"github.com/wippyai/hle-runtime/cpu"
)

func (it *Interpreter) exec(instr uint32) cpu.Stop {
	switch (instr >> 25) & 7 {
	case 0:
		return it.execMisc(instr)
	case 1:
		switch {
		case instr&0x0FF00000 == 0x03000000: // movw
			it.writeReg((instr>>12)&0xF, (instr>>4)&0xF000|instr&0xFFF)
		case instr&0x0FF00000 == 0x03400000: // movt
			rd := (instr >> 12) & 0xF
			imm := (instr>>4)&0xF000 | instr&0xFFF
			it.writeReg(rd, it.ctx.Regs[rd]&0xFFFF|imm<<16)
		case instr&0x0FB0F000 == 0x0320F000: // msr immediate, or a hint when the mask is empty
			if (instr>>16)&0xF != 0 {
				v, _ := it.shifterOperand(instr)
				it.msr(instr, v)
			}
		case instr&0x0F900000 == 0x03000000:
			return it.undefined()
		default:
			it.dataProcessing(instr)
		}
	case 2:
		return it.singleTransfer(instr)
	case 3:
		if instr&0x10 != 0 {
			return it.execMedia(instr)
		}
		return it.singleTransfer(instr)
	case 4:
		return it.blockTransfer(instr)
	case 5:
		offset := uint32(int32(instr<<8) >> 6)
		if instr&(1<<24) != 0 {
			it.ctx.Regs[cpu.LR] = it.pc + 4
		}
		it.ctx.Regs[cpu.PC] = it.pc + 8 + offset
	case 6:
		return it.undefined()
	case 7:
		if instr&(1<<24) != 0 {
			return cpu.Stop{Kind: cpu.StopSVC, PC: it.pc, Imm: instr & 0xFFFFFF}
		}
		return it.coprocessor(instr)
	}
	return cpu.Stop{}
}

func (it *Interpreter) execMisc(instr uint32) cpu.Stop {
	switch {
	case instr&0x0FFFFFF0 == 0x012FFF10: // bx
		it.writePC(it.readReg(instr & 0xF))
	case instr&0x0FFFFFF0 == 0x012FFF30: // blx register
		target := it.readReg(instr & 0xF)
		it.ctx.Regs[cpu.LR] = it.pc + 4
		it.writePC(target)
	case instr&0x0FFF0FF0 == 0x016F0F10: // clz
		it.writeReg((instr>>12)&0xF, uint32(bits.LeadingZeros32(it.readReg(instr&0xF))))
	case instr&0x0FF000F0 == 0x01200070: // bkpt
		return cpu.Stop{Kind: cpu.StopBreakpoint, PC: it.pc, Imm: (instr>>4)&0xFFF0 | instr&0xF}
	case instr&0x0FC000F0 == 0x00000090:
		it.multiply(instr)
	case instr&0x0F8000F0 == 0x00800090:
		it.multiplyLong(instr)
	case instr&0x0FB00FF0 == 0x01000090:
		return it.swap(instr)
	case instr&0x0FF00FFF == 0x01900F9F:
		return it.loadExclusive(instr)
	case instr&0x0FF00FF0 == 0x01800F90:
		return it.storeExclusive(instr)
	case instr&0x0E000090 == 0x00000090 && (instr>>5)&3 != 0:
		return it.halfwordTransfer(instr)
	case instr&0x0FBF0FFF == 0x010F0000: // mrs
		it.writeReg((instr>>12)&0xF, it.ctx.CPSR)
	case instr&0x0FB0FFF0 == 0x0120F000: // msr register
		it.msr(instr, it.readReg(instr&0xF))
	case instr&0x0F900000 == 0x01000000:
		// Remaining encodings of the test opcodes without S are
		// saturating and halfword multiply instructions.
		return it.undefined()
	default:
		it.dataProcessing(instr)
	}
	return cpu.Stop{}
}

// msr only updates the condition flags; user mode cannot touch the rest.
func (it *Interpreter) msr(instr, v uint32) {
	if instr&(1<<22) != 0 {
		return
	}
	if instr&(1<<19) != 0 {
		const flags = 0xF8000000
		it.ctx.CPSR = it.ctx.CPSR&^flags | v&flags
	}
}

func (it *Interpreter) execUnconditional(instr uint32) cpu.Stop {
	switch {
	case instr&0x0E000000 == 0x0A000000: // blx immediate
		offset := uint32(int32(instr<<8)>>6) | (instr>>23)&2
		it.ctx.Regs[cpu.LR] = it.pc + 4
		it.ctx.CPSR |= cpu.FlagT
		it.ctx.Regs[cpu.PC] = it.pc + 8 + offset
	case instr&0x0D70F000 == 0x0550F000: // pld
	case instr&0xFFFFFF00 == 0xF57FF000: // clrex, dsb, dmb, isb
	default:
		return it.undefined()
	}
	return cpu.Stop{}
}

func (it *Interpreter) coprocessor(instr uint32) cpu.Stop {
	if instr&0x10 == 0 || (instr>>8)&0xF != 15 {
		return it.undefined()
	}
	load := instr&(1<<20) != 0
	crn := (instr >> 16) & 0xF
	rt := (instr >> 12) & 0xF
	opc1 := (instr >> 21) & 7
	crm := instr & 0xF
	opc2 := (instr >> 5) & 7

	switch {
	case load && opc1 == 0 && crn == 13 && crm == 0 && opc2 == 3:
		it.writeReg(rt, it.ctx.TLS)
	case !load && opc1 == 0 && crn == 7:
		// cp15 barrier operations
	default:
		return it.undefined()
	}
	return cpu.Stop{}
}

// shifterOperand decodes the second operand of a data-processing
// instruction and the shifter's carry out.
func (it *Interpreter) shifterOperand(instr uint32) (uint32, bool) {
	carry := it.flag(cpu.FlagC)
	if instr&(1<<25) != 0 {
		imm := instr & 0xFF
		rot := ((instr >> 8) & 0xF) * 2
		if rot == 0 {
			return imm, carry
		}
		v := bits.RotateLeft32(imm, -int(rot))
		return v, v&0x80000000 != 0
	}

	rm := instr & 0xF
	typ := (instr >> 5) & 3
	if instr&0x10 != 0 {
		value := it.readReg(rm)
		if rm == 15 {
			value += 4
		}
		return shift(value, typ, it.ctx.Regs[(instr>>8)&0xF]&0xFF, carry, true)
	}
	return shift(it.readReg(rm), typ, (instr>>7)&0x1F, carry, false)
}

// shift applies an ARM barrel-shifter operation. Immediate shift amounts of
// zero encode LSR #32, ASR #32 and RRX.
func shift(value, typ, amount uint32, carry, byReg bool) (uint32, bool) {
	switch typ {
	case 0: // lsl
		switch {
		case amount == 0:
			return value, carry
		case amount < 32:
			return value << amount, (value>>(32-amount))&1 != 0
		case amount == 32:
			return 0, value&1 != 0
		default:
			return 0, false
		}
	case 1: // lsr
		if amount == 0 {
			if byReg {
				return value, carry
			}
			amount = 32
		}
		switch {
		case amount < 32:
			return value >> amount, (value>>(amount-1))&1 != 0
		case amount == 32:
			return 0, value>>31 != 0
		default:
			return 0, false
		}
	case 2: // asr
		if amount == 0 {
			if byReg {
				return value, carry
			}
			amount = 32
		}
		if amount < 32 {
			return uint32(int32(value) >> amount), (value>>(amount-1))&1 != 0
		}
		if value>>31 != 0 {
			return 0xFFFFFFFF, true
		}
		return 0, false
	default: // ror
		if amount == 0 {
			if byReg {
				return value, carry
			}
			r := value >> 1
			if carry {
				r |= 0x80000000
			}
			return r, value&1 != 0
		}
		amount &= 31
		if amount == 0 {
			return value, value>>31 != 0
		}
		r := bits.RotateLeft32(value, -int(amount))
		return r, r>>31 != 0
	}
}

// addWithCarry is the ARM AddWithCarry pseudo-function.
func addWithCarry(x, y uint32, carryIn bool) (result uint32, carry, overflow bool) {
	var c uint32
	if carryIn {
		c = 1
	}
	sum, carryOut := bits.Add32(x, y, c)
	result = sum
	carry = carryOut != 0
	overflow = (x^result)&(y^result)&0x80000000 != 0
	return result, carry, overflow
}

func (it *Interpreter) dataProcessing(instr uint32) {
	opcode := (instr >> 21) & 0xF
	setFlags := instr&(1<<20) != 0
	rn := (instr >> 16) & 0xF
	rd := (instr >> 12) & 0xF

	b, shiftCarry := it.shifterOperand(instr)
	a := it.readReg(rn)
	carryIn := it.flag(cpu.FlagC)

	var (
		result   uint32
		carry    = shiftCarry
		overflow = it.flag(cpu.FlagV)
		logical  = true
		write    = true
	)

	switch opcode {
	case 0x0: // and
		result = a & b
	case 0x1: // eor
		result = a ^ b
	case 0x2: // sub
		result, carry, overflow = addWithCarry(a, ^b, true)
		logical = false
	case 0x3: // rsb
		result, carry, overflow = addWithCarry(b, ^a, true)
		logical = false
	case 0x4: // add
		result, carry, overflow = addWithCarry(a, b, false)
		logical = false
	case 0x5: // adc
		result, carry, overflow = addWithCarry(a, b, carryIn)
		logical = false
	case 0x6: // sbc
		result, carry, overflow = addWithCarry(a, ^b, carryIn)
		logical = false
	case 0x7: // rsc
		result, carry, overflow = addWithCarry(b, ^a, carryIn)
		logical = false
	case 0x8: // tst
		result, write = a&b, false
	case 0x9: // teq
		result, write = a^b, false
	case 0xA: // cmp
		result, carry, overflow = addWithCarry(a, ^b, true)
		logical, write = false, false
	case 0xB: // cmn
		result, carry, overflow = addWithCarry(a, b, false)
		logical, write = false, false
	case 0xC: // orr
		result = a | b
	case 0xD: // mov
		result = b
	case 0xE: // bic
		result = a &^ b
	case 0xF: // mvn
		result = ^b
	}

	if setFlags || !write {
		it.setNZ(result)
		it.setFlag(cpu.FlagC, carry)
		if !logical {
			it.setFlag(cpu.FlagV, overflow)
		}
	}
	if write {
		it.writeReg(rd, result)
	}
}

func (it *Interpreter) multiply(instr uint32) {
	rd := (instr >> 16) & 0xF
	rn := (instr >> 12) & 0xF
	rs := (instr >> 8) & 0xF
	rm := instr & 0xF

	result := it.ctx.Regs[rm] * it.ctx.Regs[rs]
	if instr&(1<<21) != 0 {
		result += it.ctx.Regs[rn]
	}
	if instr&(1<<20) != 0 {
		it.setNZ(result)
	}
	it.writeReg(rd, result)
}

func (it *Interpreter) multiplyLong(instr uint32) {
	hi := (instr >> 16) & 0xF
	lo := (instr >> 12) & 0xF
	rs := (instr >> 8) & 0xF
	rm := instr & 0xF

	var result uint64
	if instr&(1<<22) != 0 {
		result = uint64(int64(int32(it.ctx.Regs[rm])) * int64(int32(it.ctx.Regs[rs])))
	} else {
		result = uint64(it.ctx.Regs[rm]) * uint64(it.ctx.Regs[rs])
	}
	if instr&(1<<21) != 0 {
		result += uint64(it.ctx.Regs[hi])<<32 | uint64(it.ctx.Regs[lo])
	}
	if instr&(1<<20) != 0 {
		it.setFlag(cpu.FlagN, result>>63 != 0)
		it.setFlag(cpu.FlagZ, result == 0)
	}
	it.writeReg(lo, uint32(result))
	it.writeReg(hi, uint32(result>>32))
}

func (it *Interpreter) execMedia(instr uint32) cpu.Stop {
	rd := (instr >> 12) & 0xF
	rm := instr & 0xF

	switch {
	case instr&0x0F8003F0 == 0x06800070 && (instr>>20)&0xF >= 0xA:
		// sxtb/sxth/uxtb/uxth and their accumulating forms
		rn := (instr >> 16) & 0xF
		v := bits.RotateLeft32(it.readReg(rm), -int(((instr>>10)&3)*8))
		switch (instr >> 20) & 0xF {
		case 0xA:
			v = uint32(int32(int8(v)))
		case 0xB:
			v = uint32(int32(int16(v)))
		case 0xE:
			v &= 0xFF
		case 0xF:
			v &= 0xFFFF
		default:
			return it.undefined()
		}
		if rn != 15 {
			v += it.readReg(rn)
		}
		it.writeReg(rd, v)
	case instr&0x0FFF0FF0 == 0x06BF0F30: // rev
		it.writeReg(rd, bits.ReverseBytes32(it.readReg(rm)))
	case instr&0x0FFF0FF0 == 0x06BF0FB0: // rev16
		v := it.readReg(rm)
		it.writeReg(rd, (v&0x00FF00FF)<<8|(v&0xFF00FF00)>>8)
	case instr&0x0FE00070 == 0x07E00050, instr&0x0FE00070 == 0x07A00050: // ubfx, sbfx
		lsb := (instr >> 7) & 0x1F
		width := (instr>>16)&0x1F + 1
		if lsb+width > 32 {
			return it.undefined()
		}
		v := it.readReg(rm) >> lsb
		if width < 32 {
			v &= 1<<width - 1
			if instr&(1<<22) == 0 && v&(1<<(width-1)) != 0 {
				v |= ^uint32(0) << width
			}
		}
		it.writeReg(rd, v)
	case instr&0x0FE00070 == 0x07C00010: // bfi, bfc
		lsb := (instr >> 7) & 0x1F
		msb := (instr >> 16) & 0x1F
		if msb < lsb {
			return it.undefined()
		}
		width := msb - lsb + 1
		mask := uint32((uint64(1)<<width - 1) << lsb)
		var src uint32
		if rm != 15 {
			src = it.readReg(rm) << lsb
		}
		it.writeReg(rd, it.ctx.Regs[rd]&^mask|src&mask)
	case instr&0x0FF0F0F0 == 0x0710F010, instr&0x0FF0F0F0 == 0x0730F010: // sdiv, udiv
		return it.divide(instr)
	default:
		return it.undefined()
	}
	return cpu.Stop{}
}

func (it *Interpreter) divide(instr uint32) cpu.Stop {
	rd := (instr >> 16) & 0xF
	rm := (instr >> 8) & 0xF
	rn := instr & 0xF

	divisor := it.readReg(rm)
	if divisor == 0 {
		it.ctx.Regs[cpu.PC] = it.pc
		return cpu.Stop{Kind: cpu.StopFault, PC: it.pc, Fault: &cpu.Fault{
			Kind:  cpu.FaultDivideByZero,
			PC:    it.pc,
			Instr: instr,
		}}
	}
	dividend := it.readReg(rn)
	if instr&(1<<21) != 0 {
		it.writeReg(rd, dividend/divisor)
		return cpu.Stop{}
	}
	n, d := int32(dividend), int32(divisor)
	if n == -1<<31 && d == -1 {
		it.writeReg(rd, uint32(n))
		return cpu.Stop{}
	}
	it.writeReg(rd, uint32(n/d))
	return cpu.Stop{}
}
