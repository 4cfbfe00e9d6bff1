// Package interp is a reference ARM interpreter implementing cpu.Core.
//
// It covers the ARMv6/ARMv7 ARM-state instructions compilers emit for
// ordinary application code. Thumb state is reported as an unsupported-state
// fault; VFP/NEON instructions fault as undefined.
package interp

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/cpu"
)

// Interpreter executes guest code one instruction at a time.
type Interpreter struct {
	bus   cpu.Bus
	traps cpu.TrapSet
	ctx   cpu.Context
	// pc and instr describe the instruction being executed.
	pc        uint32
	instr     uint32
	interrupt atomic.Bool
}

var _ cpu.Core = (*Interpreter)(nil)

// New creates an interpreter in ARM user mode with all registers zero.
func New(bus cpu.Bus, traps cpu.TrapSet) *Interpreter {
	it := &Interpreter{bus: bus, traps: traps}
	it.ctx.CPSR = cpu.ModeUser
	return it
}

// Factory is the cpu.Factory for the interpreter.
func Factory(bus cpu.Bus, traps cpu.TrapSet) cpu.Core {
	return New(bus, traps)
}

func (it *Interpreter) Reg(r cpu.Reg) uint32 { return it.ctx.Regs[r] }

func (it *Interpreter) SetReg(r cpu.Reg, v uint32) {
	if r == cpu.PC {
		it.SetPC(v)
		return
	}
	it.ctx.Regs[r] = v
}

func (it *Interpreter) PC() uint32 { return it.ctx.Regs[cpu.PC] }

func (it *Interpreter) SetPC(addr uint32) {
	if addr&1 != 0 {
		it.ctx.CPSR |= cpu.FlagT
		it.ctx.Regs[cpu.PC] = addr &^ 1
		return
	}
	it.ctx.CPSR &^= cpu.FlagT
	it.ctx.Regs[cpu.PC] = addr &^ 3
}

func (it *Interpreter) CPSR() uint32 { return it.ctx.CPSR }

func (it *Interpreter) SetCPSR(v uint32) { it.ctx.CPSR = v }

func (it *Interpreter) Context() cpu.Context { return it.ctx }

func (it *Interpreter) SetContext(c cpu.Context) { it.ctx = c }

func (it *Interpreter) Interrupt() { it.interrupt.Store(true) }

// InvalidateCache is a no-op: every instruction is fetched from memory.
func (it *Interpreter) InvalidateCache(addr, size uint32) {}

// Step executes one instruction.
func (it *Interpreter) Step() cpu.Stop {
	return it.Run(1)
}

// Run executes until a stop condition. Trampolines are checked before an
// instruction is fetched, so their contents never execute.
func (it *Interpreter) Run(budget uint64) cpu.Stop {
	var ticks uint64
	for {
		pc := it.ctx.Regs[cpu.PC]
		if it.interrupt.Swap(false) {
			return cpu.Stop{Kind: cpu.StopInterrupt, PC: pc, Ticks: ticks}
		}
		if it.traps != nil && it.traps.IsTrap(pc) {
			return cpu.Stop{Kind: cpu.StopTrampoline, PC: pc, Ticks: ticks}
		}
		if budget != 0 && ticks >= budget {
			return cpu.Stop{Kind: cpu.StopBudget, PC: pc, Ticks: ticks}
		}

		stop := it.step()
		if stop.Kind == cpu.StopFault {
			stop.Ticks = ticks
			cpu.Logger().Debug("guest fault",
				zap.Stringer("kind", stop.Fault.Kind),
				zap.Uint32("pc", stop.PC),
				zap.Uint32("addr", stop.Fault.Addr),
				zap.Uint32("instr", stop.Fault.Instr))
			return stop
		}
		ticks++
		if stop.Kind != cpu.StopNone {
			stop.Ticks = ticks
			return stop
		}
	}
}

func (it *Interpreter) step() cpu.Stop {
	pc := it.ctx.Regs[cpu.PC]
	it.pc = pc
	it.instr = 0

	if it.ctx.CPSR&cpu.FlagT != 0 {
		return cpu.Stop{Kind: cpu.StopFault, PC: pc, Fault: &cpu.Fault{
			Kind: cpu.FaultUnsupported,
			PC:   pc,
		}}
	}

	instr, err := it.bus.Fetch(pc)
	if err != nil {
		return it.abort(pc, "fetch", err)
	}
	it.instr = instr
	it.ctx.Regs[cpu.PC] = pc + 4

	cond := instr >> 28
	if cond == 0xF {
		return it.execUnconditional(instr)
	}
	if !it.condition(cond) {
		return cpu.Stop{}
	}
	return it.exec(instr)
}

// readReg returns a register as an operand: r15 reads as the current
// instruction plus 8.
func (it *Interpreter) readReg(r uint32) uint32 {
	if r == 15 {
		return it.pc + 8
	}
	return it.ctx.Regs[r]
}

// writeReg writes a result register; writes to r15 branch with interworking.
func (it *Interpreter) writeReg(r uint32, v uint32) {
	if r == 15 {
		it.writePC(v)
		return
	}
	it.ctx.Regs[r] = v
}

func (it *Interpreter) writePC(v uint32) {
	if v&1 != 0 {
		it.ctx.CPSR |= cpu.FlagT
		it.ctx.Regs[cpu.PC] = v &^ 1
		return
	}
	it.ctx.CPSR &^= cpu.FlagT
	it.ctx.Regs[cpu.PC] = v &^ 3
}

func (it *Interpreter) abort(addr uint32, access string, err error) cpu.Stop {
	it.ctx.Regs[cpu.PC] = it.pc
	return cpu.Stop{Kind: cpu.StopFault, PC: it.pc, Fault: &cpu.Fault{
		Kind:   cpu.FaultMemory,
		PC:     it.pc,
		Addr:   addr,
		Access: access,
		Instr:  it.instr,
		Err:    err,
	}}
}

func (it *Interpreter) undefined() cpu.Stop {
	it.ctx.Regs[cpu.PC] = it.pc
	return cpu.Stop{Kind: cpu.StopFault, PC: it.pc, Fault: &cpu.Fault{
		Kind:  cpu.FaultUndefined,
		PC:    it.pc,
		Instr: it.instr,
	}}
}

func (it *Interpreter) flag(f uint32) bool {
	return it.ctx.CPSR&f != 0
}

func (it *Interpreter) setFlag(f uint32, on bool) {
	if on {
		it.ctx.CPSR |= f
	} else {
		it.ctx.CPSR &^= f
	}
}

func (it *Interpreter) setNZ(v uint32) {
	it.setFlag(cpu.FlagN, v&0x80000000 != 0)
	it.setFlag(cpu.FlagZ, v == 0)
}

func (it *Interpreter) condition(cond uint32) bool {
	n := it.flag(cpu.FlagN)
	z := it.flag(cpu.FlagZ)
	c := it.flag(cpu.FlagC)
	v := it.flag(cpu.FlagV)
	switch cond {
	case 0x0: // eq
		return z
	case 0x1: // ne
		return !z
	case 0x2: // cs
		return c
	case 0x3: // cc
		return !c
	case 0x4: // mi
		return n
	case 0x5: // pl
		return !n
	case 0x6: // vs
		return v
	case 0x7: // vc
		return !v
	case 0x8: // hi
		return c && !z
	case 0x9: // ls
		return !c || z
	case 0xA: // ge
		return n == v
	case 0xB: // lt
		return n != v
	case 0xC: // gt
		return !z && n == v
	case 0xD: // le
		return z || n != v
	default: // al
		return true
	}
}
