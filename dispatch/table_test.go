package dispatch_test

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/cpu/interp"
	"github.com/wippyai/hle-runtime/dispatch"
	rterrors "github.com/wippyai/hle-runtime/errors"
	"github.com/wippyai/hle-runtime/memory"
)

const (
	trampBase = 0x00F00000
	textBase  = 0x1000
	stackTop  = 0x9000
	retAddr   = 0x1010
)

type fixture struct {
	mem   *memory.Memory
	table *dispatch.Table
	core  *interp.Interpreter
}

func setup(t *testing.T, slots uint32) *fixture {
	t.Helper()
	m, err := memory.New(memory.Config{
		NullPageSize: 0x1000,
		HeapBase:     0x100000,
		HeapInitial:  0x1000,
		HeapCeiling:  0x10000,
		MapFloor:     0x400000,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(textBase, 0x1000, memory.PermRX, memory.OwnerSegment, "__TEXT"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(stackTop-0x1000, 0x1000, memory.PermRW, memory.OwnerStack, "stack"); err != nil {
		t.Fatal(err)
	}
	table, err := dispatch.NewTable(m, trampBase, slots)
	if err != nil {
		t.Fatal(err)
	}
	core := interp.New(m, table)
	core.SetReg(cpu.SP, stackTop-0x100)
	core.SetReg(cpu.LR, retAddr)
	return &fixture{mem: m, table: table, core: core}
}

func (f *fixture) dispatch(t *testing.T, addr uint32) (*dispatch.Call, error) {
	t.Helper()
	f.core.SetPC(addr)
	return f.table.Dispatch(context.Background(), addr, f.core, f.mem, nil)
}

func kindOf(err error) rterrors.Kind {
	k, _ := rterrors.KindOf(err)
	return k
}

func TestRegisterAssignsTrampolines(t *testing.T) {
	f := setup(t, 16)
	noop := func(c *dispatch.Call) error { return nil }

	a, err := f.table.Register("_a", dispatch.Signature{}, noop)
	if err != nil {
		t.Fatal(err)
	}
	b, err := f.table.Register("_b", dispatch.Signature{}, noop)
	if err != nil {
		t.Fatal(err)
	}
	if a.Addr != trampBase || b.Addr != trampBase+dispatch.SlotSize || b.Slot != 1 {
		t.Errorf("addresses: 0x%x 0x%x", a.Addr, b.Addr)
	}

	svc, err := f.mem.Fetch(b.Addr)
	if err != nil || svc != 0xef000001 {
		t.Errorf("slot 1 first word: 0x%08x, %v", svc, err)
	}
	bx, _ := f.mem.Fetch(b.Addr + 4)
	if bx != 0xe12fff1e {
		t.Errorf("slot 1 second word: 0x%08x", bx)
	}

	tests := []struct {
		addr uint32
		want bool
	}{
		{trampBase, true},
		{trampBase + 8, true},
		{trampBase + 4, false},
		{trampBase + 16, false}, // slot 2 unassigned
		{trampBase - 8, false},
		{textBase, false},
	}
	for _, tt := range tests {
		if got := f.table.IsTrap(tt.addr); got != tt.want {
			t.Errorf("IsTrap(0x%x) = %v, want %v", tt.addr, got, tt.want)
		}
	}
	if !f.table.InRegion(trampBase+16) || f.table.InRegion(trampBase+16*8) {
		t.Error("InRegion boundaries wrong")
	}

	if e, ok := f.table.Lookup("_b"); !ok || e != b {
		t.Error("Lookup(_b) failed")
	}
	if addr, ok := f.table.Resolve("_a"); !ok || addr != a.Addr {
		t.Error("Resolve(_a) failed")
	}
	if _, ok := f.table.Resolve("_nope"); ok {
		t.Error("Resolve of unknown symbol succeeded")
	}
}

func TestRegisterValidation(t *testing.T) {
	f := setup(t, 1)
	if _, err := f.table.Register("", dispatch.Signature{}, func(*dispatch.Call) error { return nil }); kindOf(err) != rterrors.KindInvalidInput {
		t.Errorf("empty symbol: %v", err)
	}
	if _, err := f.table.Register("_x", dispatch.Signature{}, nil); kindOf(err) != rterrors.KindRegistration {
		t.Errorf("nil handler: %v", err)
	}
	if _, err := f.table.RegisterFunc("_x", 42); kindOf(err) != rterrors.KindRegistration {
		t.Errorf("non-function: %v", err)
	}
	if _, err := f.table.RegisterFunc("_x", func(m map[string]int) {}); err == nil {
		t.Error("expected error for map parameter")
	}
	if _, err := f.table.RegisterFunc("_x", func() (string, error) { return "", nil }); err == nil {
		t.Error("expected error for string result")
	}

	if _, err := f.table.RegisterFunc("_one", func() {}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.table.RegisterFunc("_two", func() {}); kindOf(err) != rterrors.KindAllocation {
		t.Errorf("full region: %v", err)
	}

	if _, err := dispatch.NewTable(f.mem, trampBase+4, 1); kindOf(err) != rterrors.KindInvalidInput {
		t.Errorf("misaligned base: %v", err)
	}
	if _, err := dispatch.NewTable(f.mem, trampBase, 1); kindOf(err) != rterrors.KindAllocation {
		t.Errorf("overlapping region: %v", err)
	}
}

func TestReregistrationKeepsAddress(t *testing.T) {
	f := setup(t, 4)
	first, _ := f.table.RegisterFunc("_value", func() uint32 { return 1 })
	second, err := f.table.RegisterFunc("_value", func() uint32 { return 2 })
	if err != nil {
		t.Fatal(err)
	}
	if first.Addr != second.Addr {
		t.Fatalf("address changed: 0x%x -> 0x%x", first.Addr, second.Addr)
	}
	if _, err := f.dispatch(t, first.Addr); err != nil {
		t.Fatal(err)
	}
	if got := f.core.Reg(cpu.R0); got != 2 {
		t.Errorf("r0 = %d, want the override's 2", got)
	}
	if n := len(f.table.Entries()); n != 1 {
		t.Errorf("entries: %d", n)
	}
}

func TestArgumentMarshaling(t *testing.T) {
	f := setup(t, 4)

	var got struct {
		a uint32
		b uint64
		c int32
		s string
		d float64
		e bool
		g float32
	}
	e, err := f.table.RegisterFunc("_mix", func(a uint32, b uint64, c int32, s string, d float64, e bool, g float32) uint64 {
		got.a, got.b, got.c, got.s, got.d, got.e, got.g = a, b, c, s, d, e, g
		return 0x1122334455667788
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := "func(u32, u64, s32, string, f64, bool, f32) -> u64"; e.Signature.String() != want {
		t.Errorf("signature: %s", e.Signature)
	}
	if e.Signature.Words() != 10 {
		t.Errorf("words: %d", e.Signature.Words())
	}

	str, err := f.mem.AllocCString("hello")
	if err != nil {
		t.Fatal(err)
	}
	sp := f.core.Reg(cpu.SP)
	dbits := math.Float64bits(-2.5)
	// r0 = a, r1 unused, r2:r3 = b, stack: c, s, d (aligned), e, g
	f.core.SetReg(cpu.R0, 7)
	f.core.SetReg(cpu.R1, 0xdead)
	f.core.SetReg(cpu.R2, 0xcafef00d)
	f.core.SetReg(cpu.R3, 0x00000001)
	stack := []uint32{uint32(0xfffffffd), str, uint32(dbits), uint32(dbits >> 32), 1, math.Float32bits(0.5)}
	for i, w := range stack {
		if err := f.mem.WriteU32(sp+uint32(4*i), w); err != nil {
			t.Fatal(err)
		}
	}

	if _, err := f.dispatch(t, e.Addr); err != nil {
		t.Fatal(err)
	}
	if got.a != 7 || got.b != 0x1cafef00d || got.c != -3 || got.s != "hello" || got.d != -2.5 || !got.e || got.g != 0.5 {
		t.Errorf("arguments: %+v", got)
	}
	if f.core.Reg(cpu.R0) != 0x55667788 || f.core.Reg(cpu.R1) != 0x11223344 {
		t.Errorf("result: r0=0x%x r1=0x%x", f.core.Reg(cpu.R0), f.core.Reg(cpu.R1))
	}
	if f.core.PC() != retAddr {
		t.Errorf("pc: 0x%x, want 0x%x", f.core.PC(), retAddr)
	}
}

func TestCallHandlerAPI(t *testing.T) {
	f := setup(t, 8)

	t.Run("raw words", func(t *testing.T) {
		e, _ := f.table.Register("_raw", dispatch.Sig([]wit.Type{wit.U32{}, wit.U32{}, wit.U32{}, wit.U32{}, wit.U32{}}, wit.U32{}),
			func(c *dispatch.Call) error {
				sum := uint32(0)
				for i := 0; i < 5; i++ {
					sum += c.Next()
				}
				c.Return32(sum)
				return nil
			})
		for i := 0; i < 4; i++ {
			f.core.SetReg(cpu.Reg(i), uint32(i+1))
		}
		_ = f.mem.WriteU32(f.core.Reg(cpu.SP), 10)
		if _, err := f.dispatch(t, e.Addr); err != nil {
			t.Fatal(err)
		}
		if f.core.Reg(cpu.R0) != 20 {
			t.Errorf("sum: %d", f.core.Reg(cpu.R0))
		}
	})

	t.Run("thumb return", func(t *testing.T) {
		e, _ := f.table.RegisterFunc("_thumb", func() {})
		f.core.SetReg(cpu.LR, 0x1201)
		defer f.core.SetReg(cpu.LR, retAddr)
		if _, err := f.dispatch(t, e.Addr); err != nil {
			t.Fatal(err)
		}
		if f.core.PC() != 0x1200 || f.core.CPSR()&cpu.FlagT == 0 {
			t.Errorf("pc 0x%x cpsr 0x%x", f.core.PC(), f.core.CPSR())
		}
		f.core.SetCPSR(cpu.ModeUser)
	})

	t.Run("tail call", func(t *testing.T) {
		e, _ := f.table.Register("_tail", dispatch.Signature{}, func(c *dispatch.Call) error {
			c.Core.SetReg(cpu.R2, 99)
			c.TailCall(0x1100)
			return nil
		})
		if _, err := f.dispatch(t, e.Addr); err != nil {
			t.Fatal(err)
		}
		if f.core.PC() != 0x1100 || f.core.Reg(cpu.LR) != retAddr || f.core.Reg(cpu.R2) != 99 {
			t.Errorf("pc 0x%x lr 0x%x r2 %d", f.core.PC(), f.core.Reg(cpu.LR), f.core.Reg(cpu.R2))
		}
	})

	t.Run("no resume", func(t *testing.T) {
		e, _ := f.table.Register("_exit", dispatch.Signature{}, func(c *dispatch.Call) error {
			c.Return32(5)
			c.NoResume()
			return nil
		})
		f.core.SetReg(cpu.R0, 1)
		c, err := f.dispatch(t, e.Addr)
		if err != nil {
			t.Fatal(err)
		}
		if c.Resumes() || f.core.PC() != e.Addr || f.core.Reg(cpu.R0) != 1 {
			t.Errorf("core moved: pc 0x%x r0 %d", f.core.PC(), f.core.Reg(cpu.R0))
		}
	})

	t.Run("handler error gets symbol", func(t *testing.T) {
		e, _ := f.table.RegisterFunc("_fails", func() error { return errors.New("boom") })
		_, err := f.dispatch(t, e.Addr)
		var he *rterrors.Error
		if !errors.As(err, &he) || he.Symbol != "_fails" || he.Phase != rterrors.PhaseDispatch {
			t.Errorf("got %v", err)
		}
	})

	t.Run("bad stack argument", func(t *testing.T) {
		e, _ := f.table.Register("_deep", dispatch.Signature{}, func(c *dispatch.Call) error {
			c.Arg(4)
			return nil
		})
		f.core.SetReg(cpu.SP, 0x20000000)
		defer f.core.SetReg(cpu.SP, stackTop-0x100)
		if _, err := f.dispatch(t, e.Addr); kindOf(err) != rterrors.KindOutOfBounds {
			t.Errorf("got %v", err)
		}
	})

	t.Run("no guest caller", func(t *testing.T) {
		e, _ := f.table.Register("_cb", dispatch.Signature{}, func(c *dispatch.Call) error {
			_, err := c.CallGuest(0x1000)
			return err
		})
		if _, err := f.dispatch(t, e.Addr); kindOf(err) != rterrors.KindInvalidInput {
			t.Errorf("got %v", err)
		}
	})

	t.Run("unknown trampoline", func(t *testing.T) {
		if _, err := f.dispatch(t, trampBase+7*dispatch.SlotSize); kindOf(err) != rterrors.KindNotFound {
			t.Errorf("got %v", err)
		}
	})
}

func TestUnimplementedStubs(t *testing.T) {
	f := setup(t, 8)

	addr, err := f.table.Stub("/usr/lib/libSystem.B.dylib", "_missing")
	if err != nil {
		t.Fatal(err)
	}
	again, _ := f.table.Stub("/usr/lib/libSystem.B.dylib", "_missing")
	if again != addr {
		t.Fatal("second Stub call allocated a new slot")
	}

	_, err = f.dispatch(t, addr)
	var he *rterrors.Error
	if !errors.As(err, &he) || he.Kind != rterrors.KindUnimplemented || he.Symbol != "_missing" || he.Addr != addr {
		t.Fatalf("got %v", err)
	}

	f.table.SetPolicy(dispatch.PolicyReturnZero)
	f.core.SetReg(cpu.R0, 77)
	if _, err := f.dispatch(t, addr); err != nil {
		t.Fatal(err)
	}
	if f.core.Reg(cpu.R0) != 0 || f.core.PC() != retAddr {
		t.Errorf("return-zero: r0 %d pc 0x%x", f.core.Reg(cpu.R0), f.core.PC())
	}

	f.table.SetPolicy(dispatch.PolicyHalt)
	f.table.RegisterErrorReturn("_missing", 0xffffffff)
	if _, err := f.dispatch(t, addr); err != nil {
		t.Fatal(err)
	}
	if f.core.Reg(cpu.R0) != 0xffffffff {
		t.Errorf("error return: r0 0x%x", f.core.Reg(cpu.R0))
	}

	e, err := f.table.RegisterFunc("_missing", func(x uint32) uint32 { return x * 2 })
	if err != nil {
		t.Fatal(err)
	}
	if e.Addr != addr || e.Stub {
		t.Fatalf("late binding: addr 0x%x stub %v", e.Addr, e.Stub)
	}
	f.core.SetReg(cpu.R0, 21)
	if _, err := f.dispatch(t, addr); err != nil {
		t.Fatal(err)
	}
	if f.core.Reg(cpu.R0) != 42 {
		t.Errorf("late-bound result: %d", f.core.Reg(cpu.R0))
	}
	if e.Calls != 4 {
		t.Errorf("calls: %d", e.Calls)
	}
}

func TestConstants(t *testing.T) {
	f := setup(t, 2)
	addr, err := f.table.RegisterConstantWord("_kCFBooleanTrue", 0x12345678)
	if err != nil {
		t.Fatal(err)
	}
	got, ok := f.table.Resolve("_kCFBooleanTrue")
	if !ok || got != addr {
		t.Fatalf("Resolve: 0x%x %v", got, ok)
	}
	v, err := f.mem.ReadU32(addr)
	if err != nil || v != 0x12345678 {
		t.Errorf("constant value: 0x%x %v", v, err)
	}
	if names := f.table.Constants(); len(names) != 1 || names[0] != "_kCFBooleanTrue" {
		t.Errorf("constants: %v", names)
	}
}

func TestPolicyParse(t *testing.T) {
	tests := []struct {
		in      string
		want    dispatch.Policy
		wantErr bool
	}{
		{"", dispatch.PolicyHalt, false},
		{"halt", dispatch.PolicyHalt, false},
		{"return-zero", dispatch.PolicyReturnZero, false},
		{"ignore", dispatch.PolicyHalt, true},
	}
	for _, tt := range tests {
		got, err := dispatch.ParsePolicy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParsePolicy(%q) = %v, %v", tt.in, got, err)
		}
		if err != nil {
			continue
		}
		if back, _ := dispatch.ParsePolicy(got.String()); back != got {
			t.Errorf("String() of %v does not parse back", got)
		}
	}
}

type libc struct{}

func (libc) Library() string { return "/usr/lib/libSystem.B.dylib" }

func (libc) Functions() map[string]any {
	return map[string]any{
		"_abs": func(v int32) int32 {
			if v < 0 {
				return -v
			}
			return v
		},
		"_strlen": func(s string) uint32 { return uint32(len(s)) },
	}
}

func TestRegisterHost(t *testing.T) {
	f := setup(t, 4)
	if err := f.table.RegisterHost(libc{}); err != nil {
		t.Fatal(err)
	}
	e, ok := f.table.Lookup("_abs")
	if !ok || e.Library != "/usr/lib/libSystem.B.dylib" {
		t.Fatalf("_abs: %+v", e)
	}
	f.core.SetReg(cpu.R0, uint32(0xfffffff9)) // -7
	if _, err := f.dispatch(t, e.Addr); err != nil {
		t.Fatal(err)
	}
	if f.core.Reg(cpu.R0) != 7 {
		t.Errorf("abs(-7) = %d", int32(f.core.Reg(cpu.R0)))
	}
}

// The guest reaches a trampoline through blx, the core stops before the
// slot, and dispatch resumes after the call.
func TestGuestCallThroughTrampoline(t *testing.T) {
	f := setup(t, 4)
	e, err := f.table.RegisterFunc("_add", func(a, b uint32) uint32 { return a + b })
	if err != nil {
		t.Fatal(err)
	}
	code := []uint32{
		0xe3a00002, // mov r0, #2
		0xe3a01003, // mov r1, #3
		0xe59fc008, // ldr ip, [pc, #8]
		0xe12fff3c, // blx ip
		0xe1a04000, // mov r4, r0
		0xef000099, // svc #0x99
		e.Addr,
	}
	for i, w := range code {
		if err := f.mem.PokeU32(textBase+uint32(4*i), w); err != nil {
			t.Fatal(err)
		}
	}
	f.core.SetPC(textBase)

	stop := f.core.Run(0)
	if stop.Kind != cpu.StopTrampoline || stop.PC != e.Addr {
		t.Fatalf("first stop: %s", stop)
	}
	if _, err := f.table.Dispatch(context.Background(), stop.PC, f.core, f.mem, nil); err != nil {
		t.Fatal(err)
	}
	stop = f.core.Run(0)
	if stop.Kind != cpu.StopSVC || stop.Imm != 0x99 {
		t.Fatalf("second stop: %s", stop)
	}
	if f.core.Reg(cpu.R4) != 5 {
		t.Errorf("r4 = %d, want 5", f.core.Reg(cpu.R4))
	}
}
