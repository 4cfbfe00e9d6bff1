package cpu

import (
	"fmt"

	hleruntime "github.com/wippyai/hle-runtime"
	"github.com/wippyai/hle-runtime/errors"
)

// Reg names a core register.
type Reg int

const (
	R0 Reg = iota
	R1
	R2
	R3
	R4
	R5
	R6
	R7
	R8
	R9
	R10
	R11
	R12
	SP
	LR
	PC
)

// NumRegs is the size of the general-purpose register file.
const NumRegs = 16

func (r Reg) String() string {
	switch r {
	case SP:
		return "sp"
	case LR:
		return "lr"
	case PC:
		return "pc"
	default:
		return fmt.Sprintf("r%d", int(r))
	}
}

// CPSR bits.
const (
	FlagN uint32 = 1 << 31
	FlagZ uint32 = 1 << 30
	FlagC uint32 = 1 << 29
	FlagV uint32 = 1 << 28
	FlagQ uint32 = 1 << 27
	FlagT uint32 = 1 << 5

	ModeUser uint32 = 0x10
)

// Context is an Execution Context: everything needed to suspend a guest
// thread and resume it later on the same or another core.
type Context struct {
	Regs [NumRegs]uint32
	CPSR uint32
	// TLS is the user read-only thread register (TPIDRURO).
	TLS uint32
}

// Thumb reports whether the context is in Thumb state.
func (c *Context) Thumb() bool {
	return c.CPSR&FlagT != 0
}

// StopKind says why Run returned.
type StopKind uint8

const (
	StopNone StopKind = iota
	StopTrampoline
	StopSVC
	StopBudget
	StopInterrupt
	StopBreakpoint
	StopFault
)

func (k StopKind) String() string {
	switch k {
	case StopNone:
		return "none"
	case StopTrampoline:
		return "trampoline"
	case StopSVC:
		return "svc"
	case StopBudget:
		return "budget"
	case StopInterrupt:
		return "interrupt"
	case StopBreakpoint:
		return "breakpoint"
	case StopFault:
		return "fault"
	default:
		return "unknown"
	}
}

// Stop describes where and why execution stopped.
type Stop struct {
	Fault *Fault
	// Ticks is the number of instructions retired by this Run.
	Ticks uint64
	// PC is the trampoline address, the SVC instruction, the breakpoint or
	// the faulting instruction. For budget and interrupt stops it is the
	// next instruction to execute.
	PC uint32
	// Imm is the SVC or BKPT immediate.
	Imm  uint32
	Kind StopKind
}

func (s Stop) String() string {
	switch s.Kind {
	case StopSVC:
		return fmt.Sprintf("svc #%d at 0x%08x", s.Imm, s.PC)
	case StopFault:
		return s.Fault.Error()
	default:
		return fmt.Sprintf("%s at 0x%08x", s.Kind, s.PC)
	}
}

// FaultKind classifies guest faults.
type FaultKind uint8

const (
	FaultMemory FaultKind = iota
	FaultUndefined
	FaultDivideByZero
	FaultUnsupported
)

func (k FaultKind) String() string {
	switch k {
	case FaultMemory:
		return "memory abort"
	case FaultUndefined:
		return "undefined instruction"
	case FaultDivideByZero:
		return "divide by zero"
	case FaultUnsupported:
		return "unsupported state"
	default:
		return "unknown fault"
	}
}

// Fault is a guest fault reported by the core.
type Fault struct {
	Err    error
	Access string
	PC     uint32
	Addr   uint32
	Instr  uint32
	Kind   FaultKind
}

func (f *Fault) Error() string {
	if f.Kind == FaultMemory {
		return fmt.Sprintf("%s: %s of 0x%08x at pc 0x%08x", f.Kind, f.Access, f.Addr, f.PC)
	}
	return fmt.Sprintf("%s 0x%08x at pc 0x%08x", f.Kind, f.Instr, f.PC)
}

func (f *Fault) Unwrap() error {
	return f.Err
}

// ToError converts the fault into the structured error the run loop reports.
// Memory aborts carry the faulting data address; other faults the pc.
func (f *Fault) ToError() *errors.Error {
	b := errors.New(errors.PhaseCPU, errors.KindFault).
		Value(f.Kind.String()).
		Cause(f.Err)
	if f.Kind == FaultMemory {
		return b.Addr(f.Addr).Detail("%s during %s at pc 0x%08x", f.Kind, f.Access, f.PC).Build()
	}
	return b.Addr(f.PC).Detail("%s 0x%08x", f.Kind, f.Instr).Build()
}

// Bus is the core's view of guest memory.
type Bus interface {
	hleruntime.Memory
	Fetch(addr uint32) (uint32, error)
}

// TrapSet names addresses the core must stop at instead of executing.
type TrapSet interface {
	IsTrap(addr uint32) bool
}

// TrapFunc adapts a function to TrapSet.
type TrapFunc func(addr uint32) bool

func (f TrapFunc) IsTrap(addr uint32) bool { return f(addr) }

// Core is a guest CPU.
type Core interface {
	Reg(r Reg) uint32
	SetReg(r Reg, v uint32)
	// PC returns the address of the next instruction.
	PC() uint32
	// SetPC sets the next instruction; bit 0 selects Thumb state.
	SetPC(addr uint32)
	CPSR() uint32
	SetCPSR(v uint32)
	Context() Context
	SetContext(c Context)
	// Run executes at most budget instructions. A budget of 0 means no limit.
	Run(budget uint64) Stop
	// Step executes a single instruction.
	Step() Stop
	// Interrupt makes a running or future Run return StopInterrupt.
	// It is safe to call from any goroutine.
	Interrupt()
	// InvalidateCache drops anything derived from guest code in the range.
	InvalidateCache(addr, size uint32)
}

// Factory builds a core over the given memory and trap set.
type Factory func(bus Bus, traps TrapSet) Core
