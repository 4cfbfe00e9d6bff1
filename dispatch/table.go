package dispatch

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	hleruntime "github.com/wippyai/hle-runtime"
	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/errors"
	"github.com/wippyai/hle-runtime/memory"
)

// SlotSize is the size of one trampoline: svc #n; bx lr.
const SlotSize = 8

const (
	opSVC  uint32 = 0xef000000
	opBxLR uint32 = 0xe12fff1e
)

// Handler implements a host function.
type Handler func(c *Call) error

// Policy says what a call to an unimplemented import does.
type Policy uint8

const (
	// PolicyHalt fails the call with an unimplemented error.
	PolicyHalt Policy = iota
	// PolicyReturnZero logs the call and returns 0.
	PolicyReturnZero
)

func (p Policy) String() string {
	if p == PolicyReturnZero {
		return "return-zero"
	}
	return "halt"
}

// ParsePolicy parses "halt" or "return-zero".
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "halt":
		return PolicyHalt, nil
	case "return-zero":
		return PolicyReturnZero, nil
	default:
		return PolicyHalt, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown unimplemented-call policy %q", s))
	}
}

// Memory is the guest memory the table maps its trampolines and constants into.
type Memory interface {
	hleruntime.GuestMemory
	Map(base, size uint32, perm memory.Perm, owner memory.Owner, name string) (*memory.Region, error)
	Poke(addr uint32, data []byte) error
}

// Entry is a Host Dispatch Entry: one symbol bound to a trampoline.
type Entry struct {
	Handler   Handler
	Symbol    string
	Library   string
	Signature Signature
	Addr      uint32
	Slot      uint32
	Calls     uint64
	// Stub marks an unresolved import bound to the unimplemented handler.
	Stub bool
}

// Table is the Host Dispatch Table. It owns the trampoline region.
type Table struct {
	mem          Memory
	entries      []*Entry
	bySymbol     map[string]*Entry
	constants    map[string]uint32
	errorReturns map[string]uint32
	base         uint32
	capacity     uint32
	policy       Policy
	mu           sync.RWMutex
}

// NewTable maps a trampoline region of slots entries at base.
func NewTable(mem Memory, base, slots uint32) (*Table, error) {
	if slots == 0 {
		return nil, errors.InvalidInput(errors.PhaseDispatch, "trampoline region needs at least one slot")
	}
	if base%SlotSize != 0 {
		return nil, errors.InvalidInput(errors.PhaseDispatch, fmt.Sprintf("trampoline base 0x%08x is not slot aligned", base))
	}
	if uint64(base)+uint64(slots)*SlotSize > 1<<32 {
		return nil, errors.InvalidInput(errors.PhaseDispatch, "trampoline region wraps the address space")
	}
	if _, err := mem.Map(base, slots*SlotSize, memory.PermRX, memory.OwnerTrampoline, "trampolines"); err != nil {
		return nil, errors.Wrap(errors.PhaseDispatch, errors.KindAllocation, err, "map trampoline region")
	}
	return &Table{
		mem:          mem,
		bySymbol:     make(map[string]*Entry),
		constants:    make(map[string]uint32),
		errorReturns: make(map[string]uint32),
		base:         base,
		capacity:     slots,
	}, nil
}

// Base returns the first trampoline address.
func (t *Table) Base() uint32 { return t.base }

// Size returns the size of the trampoline region in bytes.
func (t *Table) Size() uint32 { return t.capacity * SlotSize }

// SetPolicy sets the unimplemented-call policy.
func (t *Table) SetPolicy(p Policy) {
	t.mu.Lock()
	t.policy = p
	t.mu.Unlock()
}

// Register binds symbol to handler. Registering a symbol again replaces the
// handler and keeps the trampoline address, so imports bound earlier call
// the new implementation.
func (t *Table) Register(symbol string, sig Signature, h Handler) (*Entry, error) {
	return t.register("", symbol, sig, h)
}

// RegisterLibrary is Register for a function provided by library.
func (t *Table) RegisterLibrary(library, symbol string, sig Signature, h Handler) (*Entry, error) {
	return t.register(library, symbol, sig, h)
}

func (t *Table) register(library, symbol string, sig Signature, h Handler) (*Entry, error) {
	if symbol == "" {
		return nil, errors.InvalidInput(errors.PhaseDispatch, "symbol cannot be empty")
	}
	if h == nil {
		return nil, errors.Registration(errors.PhaseDispatch, symbol, fmt.Errorf("nil handler"))
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.bySymbol[symbol]; ok {
		e.Handler = h
		e.Signature = sig
		e.Stub = false
		if library != "" {
			e.Library = library
		}
		Logger().Debug("host function replaced",
			zap.String("symbol", symbol),
			zap.Uint32("addr", e.Addr))
		return e, nil
	}
	e, err := t.allocLocked(symbol)
	if err != nil {
		return nil, err
	}
	e.Handler, e.Signature, e.Library = h, sig, library
	Logger().Debug("host function registered",
		zap.String("symbol", symbol),
		zap.String("signature", sig.String()),
		zap.Uint32("addr", e.Addr))
	return e, nil
}

func (t *Table) allocLocked(symbol string) (*Entry, error) {
	slot := uint32(len(t.entries))
	if slot >= t.capacity {
		return nil, errors.New(errors.PhaseDispatch, errors.KindAllocation).
			Symbol(symbol).
			Detail("trampoline region full (%d slots)", t.capacity).
			Build()
	}
	addr := t.base + slot*SlotSize
	code := make([]byte, SlotSize)
	binary.LittleEndian.PutUint32(code, opSVC|slot)
	binary.LittleEndian.PutUint32(code[4:], opBxLR)
	if err := t.mem.Poke(addr, code); err != nil {
		return nil, err
	}
	e := &Entry{Symbol: symbol, Addr: addr, Slot: slot}
	t.entries = append(t.entries, e)
	t.bySymbol[symbol] = e
	return e, nil
}

// Stub returns the trampoline for symbol, creating an unimplemented stub
// when nothing is registered. A later Register takes over the stub.
func (t *Table) Stub(library, symbol string) (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.bySymbol[symbol]; ok {
		return e.Addr, nil
	}
	e, err := t.allocLocked(symbol)
	if err != nil {
		return 0, err
	}
	e.Library = library
	e.Stub = true
	e.Handler = t.unimplemented(e)
	return e.Addr, nil
}

func (t *Table) unimplemented(e *Entry) Handler {
	return func(c *Call) error {
		t.mu.RLock()
		ret, hasRet := t.errorReturns[e.Symbol]
		policy := t.policy
		t.mu.RUnlock()

		if hasRet {
			Logger().Warn("unimplemented function returned error value",
				zap.String("symbol", e.Symbol),
				zap.Uint32("value", ret))
			c.Return32(ret)
			return nil
		}
		if policy == PolicyReturnZero {
			Logger().Warn("unimplemented function returned zero",
				zap.String("symbol", e.Symbol),
				zap.String("library", e.Library),
				zap.Uint32("caller", c.Return))
			c.Return32(0)
			return nil
		}
		return errors.Unimplemented(e.Symbol, e.Addr)
	}
}

// RegisterErrorReturn makes calls to symbol, while it is unimplemented,
// return value instead of failing.
func (t *Table) RegisterErrorReturn(symbol string, value uint32) {
	t.mu.Lock()
	t.errorReturns[symbol] = value
	t.mu.Unlock()
}

// RegisterConstant copies data into guest memory and exports it as a data
// symbol. It returns the guest address.
func (t *Table) RegisterConstant(symbol string, data []byte) (uint32, error) {
	size := uint32(len(data))
	if size == 0 {
		size = 4
	}
	addr, err := t.mem.Alloc(size, 16)
	if err != nil {
		return 0, errors.Registration(errors.PhaseDispatch, symbol, err)
	}
	if err := t.mem.Write(addr, data); err != nil {
		return 0, errors.Registration(errors.PhaseDispatch, symbol, err)
	}
	t.mu.Lock()
	t.constants[symbol] = addr
	t.mu.Unlock()
	return addr, nil
}

// RegisterConstantWord exports a single little-endian word.
func (t *Table) RegisterConstantWord(symbol string, v uint32) (uint32, error) {
	return t.RegisterConstant(symbol, []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

// Lookup returns the entry registered for symbol.
func (t *Table) Lookup(symbol string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.bySymbol[symbol]
	return e, ok
}

// LookupAddr returns the entry whose trampoline is at addr.
func (t *Table) LookupAddr(addr uint32) (*Entry, bool) {
	if addr < t.base || addr-t.base >= t.capacity*SlotSize || (addr-t.base)%SlotSize != 0 {
		return nil, false
	}
	return t.LookupSlot((addr - t.base) / SlotSize)
}

// LookupSlot returns the entry with the given slot number.
func (t *Table) LookupSlot(slot uint32) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if slot >= uint32(len(t.entries)) {
		return nil, false
	}
	return t.entries[slot], true
}

// InRegion reports whether addr lies in the trampoline region.
func (t *Table) InRegion(addr uint32) bool {
	return addr >= t.base && addr-t.base < t.capacity*SlotSize
}

// IsTrap reports whether addr is an assigned trampoline. It is the trap
// predicate handed to the CPU core.
func (t *Table) IsTrap(addr uint32) bool {
	_, ok := t.LookupAddr(addr)
	return ok
}

var _ cpu.TrapSet = (*Table)(nil)

// Resolve returns the address bound to symbol: a function trampoline or a
// host constant. Unimplemented stubs resolve too.
func (t *Table) Resolve(symbol string) (uint32, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if e, ok := t.bySymbol[symbol]; ok {
		return e.Addr, true
	}
	if addr, ok := t.constants[symbol]; ok {
		return addr, true
	}
	return 0, false
}

// Entries returns all entries in slot order.
func (t *Table) Entries() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Constants returns the exported constants sorted by name.
func (t *Table) Constants() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.constants))
	for name := range t.constants {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Dispatch runs the host function whose trampoline is at addr, then resumes
// the core at the return address in lr unless the handler tail-called or
// asked not to resume. The returned Call reports what the handler did.
func (t *Table) Dispatch(ctx context.Context, addr uint32, core cpu.Core, mem hleruntime.GuestMemory, guest GuestCaller) (*Call, error) {
	e, ok := t.LookupAddr(addr)
	if !ok {
		return nil, errors.New(errors.PhaseDispatch, errors.KindNotFound).
			Addr(addr).
			Detail("no host function at trampoline").
			Build()
	}

	c := &Call{
		ctx:    ctx,
		Entry:  e,
		Core:   core,
		Mem:    mem,
		Guest:  guest,
		Addr:   addr,
		Return: core.Reg(cpu.LR),
	}

	t.mu.Lock()
	e.Calls++
	t.mu.Unlock()

	if err := e.Handler(c); err != nil {
		return c, annotate(err, e)
	}
	if c.err != nil {
		return c, annotate(c.err, e)
	}
	if c.noResume {
		return c, nil
	}

	for i := 0; i < c.nresults; i++ {
		core.SetReg(cpu.Reg(i), c.results[i])
	}
	if c.hasTail {
		core.SetPC(c.tail)
		return c, nil
	}
	core.SetPC(c.Return)
	return c, nil
}

// annotate fills in the symbol of structured errors raised without one.
func annotate(err error, e *Entry) error {
	if he, ok := err.(*errors.Error); ok {
		if he.Symbol == "" {
			he.Symbol = e.Symbol
		}
		return he
	}
	return errors.New(errors.PhaseDispatch, errors.KindFault).
		Symbol(e.Symbol).
		Addr(e.Addr).
		Cause(err).
		Detail("host function failed").
		Build()
}
