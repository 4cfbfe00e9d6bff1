package dispatch

import (
	"context"
	"math"

	hleruntime "github.com/wippyai/hle-runtime"
	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/errors"
)

// GuestCaller runs guest code on behalf of a host function and returns
// r0 and r1 as a 64-bit value (r0 in the low word).
type GuestCaller interface {
	CallGuest(ctx context.Context, addr uint32, args ...uint32) (uint64, error)
}

// Call is one guest call into a host function. Arguments are read in AAPCS
// order: r0-r3, then the caller's stack at sp. 64-bit values take an even
// register pair or an 8-byte aligned stack slot.
type Call struct {
	ctx   context.Context
	Entry *Entry
	Core  cpu.Core
	Mem   hleruntime.GuestMemory
	Guest GuestCaller

	// Addr is the trampoline the guest called.
	Addr uint32
	// Return is the guest return address (lr at the call).
	Return uint32

	results  [2]uint32
	nresults int
	next     int
	tail     uint32
	err      error
	hasTail  bool
	noResume bool
	yield    bool
}

// Context returns the context of the dispatch.
func (c *Call) Context() context.Context {
	return c.ctx
}

// Arg returns argument word i.
func (c *Call) Arg(i int) uint32 {
	if i < 4 {
		return c.Core.Reg(cpu.Reg(i))
	}
	sp := c.Core.Reg(cpu.SP)
	v, err := c.Mem.ReadU32(sp + uint32(4*(i-4)))
	if err != nil && c.err == nil {
		c.err = err
	}
	return v
}

// Err returns the first error met while reading stack arguments.
func (c *Call) Err() error {
	return c.err
}

// Skip moves the argument cursor to word i.
func (c *Call) Skip(i int) {
	c.next = i
}

// Next returns the next 32-bit argument.
func (c *Call) Next() uint32 {
	v := c.Arg(c.next)
	c.next++
	return v
}

// Next64 returns the next 64-bit argument.
func (c *Call) Next64() uint64 {
	if c.next%2 != 0 {
		c.next++
	}
	lo := c.Arg(c.next)
	hi := c.Arg(c.next + 1)
	c.next += 2
	return uint64(hi)<<32 | uint64(lo)
}

// NextF32 returns the next single-precision argument.
func (c *Call) NextF32() float32 {
	return math.Float32frombits(c.Next())
}

// NextF64 returns the next double-precision argument.
func (c *Call) NextF64() float64 {
	return math.Float64frombits(c.Next64())
}

// NextString reads the next argument as a C string. A NULL pointer reads
// as the empty string.
func (c *Call) NextString() (string, error) {
	ptr := c.Next()
	if ptr == 0 {
		return "", nil
	}
	return c.Mem.ReadCString(ptr)
}

// Return32 sets r0.
func (c *Call) Return32(v uint32) {
	c.results[0] = v
	c.nresults = 1
}

// Return64 sets r0 and r1.
func (c *Call) Return64(v uint64) {
	c.results[0] = uint32(v)
	c.results[1] = uint32(v >> 32)
	c.nresults = 2
}

// ReturnF32 returns a float in r0.
func (c *Call) ReturnF32(v float32) {
	c.Return32(math.Float32bits(v))
}

// ReturnF64 returns a double in r0 and r1.
func (c *Call) ReturnF64(v float64) {
	c.Return64(math.Float64bits(v))
}

// TailCall makes the guest continue at addr instead of returning. The
// return address is left in lr, so the target returns straight to the
// original caller. Registers the handler changed are kept.
func (c *Call) TailCall(addr uint32) {
	c.tail = addr
	c.hasTail = true
}

// NoResume tells the dispatcher to leave the core where it is; the owner of
// the run loop decides where execution continues. Used by exit and thread
// termination.
func (c *Call) NoResume() {
	c.noResume = true
}

// Yield asks the scheduler to switch guest threads after this call returns.
func (c *Call) Yield() {
	c.yield = true
}

// Yielded reports whether the handler asked to yield.
func (c *Call) Yielded() bool {
	return c.yield
}

// Resumes reports whether the dispatcher resumed the guest.
func (c *Call) Resumes() bool {
	return !c.noResume
}

// CallGuest calls guest code at addr with up to four register arguments.
func (c *Call) CallGuest(addr uint32, args ...uint32) (uint32, error) {
	if c.Guest == nil {
		return 0, errors.InvalidInput(errors.PhaseDispatch, "no guest caller available")
	}
	v, err := c.Guest.CallGuest(c.ctx, addr, args...)
	return uint32(v), err
}
