package loader_test

import (
	"context"
	stderrors "errors"
	"testing"

	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/cpu/interp"
	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/errors"
	"github.com/wippyai/hle-runtime/loader"
	"github.com/wippyai/hle-runtime/macho"
	"github.com/wippyai/hle-runtime/memory"
)

const (
	libSystem = "/usr/lib/libSystem.B.dylib"
	trampBase = 0x00F00000
)

type fixture struct {
	mem   *memory.Memory
	table *dispatch.Table
}

func setup(t *testing.T) *fixture {
	t.Helper()
	m, err := memory.New(memory.Config{
		NullPageSize: 0x1000,
		HeapBase:     0x100000,
		HeapInitial:  0x4000,
		HeapCeiling:  0x40000,
		MapFloor:     0x400000,
	})
	if err != nil {
		t.Fatal(err)
	}
	table, err := dispatch.NewTable(m, trampBase, 64)
	if err != nil {
		t.Fatal(err)
	}
	return &fixture{mem: m, table: table}
}

func (f *fixture) options() loader.Options {
	return loader.Options{
		Binder: loader.SymbolBinder(f.table.Resolve),
		Stubs:  f.table,
	}
}

// callerImage is a two-segment program calling _puts and then _missing
// through symbol stubs, with a weak _optional pointer and one initializer.
func callerImage(t *testing.T) []byte {
	t.Helper()
	b := macho.NewBuilder()
	lib := b.Library(libSystem)
	b.Segment("__PAGEZERO", 0, 0x1000, 0)

	code := macho.Words(
		0xe59f0010, // ldr r0, [pc, #16]
		0xeb00003d, // bl _puts stub
		0xe1a04000, // mov r4, r0
		0xeb00003e, // bl _missing stub
		0xe1a05000, // mov r5, r0
		0xef000000, // svc #0
		0x00001020, // "hello"
		0x00000000,
	)
	code = append(code, "hello\x00"...)

	text := b.Segment("__TEXT", 0x1000, 0x1000, macho.ProtRead|macho.ProtExec)
	text.Section("__text", 0x1000, code)
	stubs := text.Section("__symbol_stub4", 0x1100, append(macho.StubCode(0x2000), macho.StubCode(0x2004)...))
	stubs.Type = macho.SectionSymbolStubs | macho.SectionAttrPureInstrs
	stubs.Reserved1 = b.Indirect("_puts", "_missing")
	stubs.Reserved2 = 12

	data := b.Segment("__DATA", 0x2000, 0x1000, macho.ProtRead|macho.ProtWrite)
	lazy := data.Section("__la_symbol_ptr", 0x2000, macho.Words(0x1100, 0x110c))
	lazy.Type = macho.SectionLazyPointers
	lazy.Reserved1 = b.Indirect("_puts", "_missing")
	nl := data.Section("__nl_symbol_ptr", 0x2008, macho.Words(0, 0))
	nl.Type = macho.SectionNonLazyPointers
	nl.Reserved1 = b.Indirect("_optional", "_main")
	mod := data.Section("__mod_init_func", 0x2010, macho.Words(0x1008))
	mod.Type = macho.SectionModInitPointers
	data.ZeroFill("__bss", 0x2100, 0x40)

	b.Import("_puts", lib, false)
	b.Import("_missing", lib, false)
	b.Import("_optional", lib, true)
	b.Export("_main", 0x1000, false)
	b.Export("_helper", 0x1008, true)
	b.LocalReloc(0x2010)
	b.Entry(0x1000)

	image, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return image
}

func kindOf(err error) errors.Kind {
	k, _ := errors.KindOf(err)
	return k
}

func TestLoadMapsSegments(t *testing.T) {
	f := setup(t)
	img, err := loader.Load(f.mem, callerImage(t), "/app/Caller", f.options())
	if err != nil {
		t.Fatal(err)
	}
	if img.Path != "/app/Caller" || img.Entry != 0x1000 || img.EntryIsMain {
		t.Errorf("image = path %q entry 0x%x main %v", img.Path, img.Entry, img.EntryIsMain)
	}

	tests := []struct {
		addr  uint32
		name  string
		perm  memory.Perm
		owner memory.Owner
	}{
		{0x0, "null", memory.PermNone, memory.OwnerNull},
		{0x1000, "__TEXT", memory.PermRX, memory.OwnerSegment},
		{0x2000, "__DATA", memory.PermRW, memory.OwnerSegment},
	}
	for _, tt := range tests {
		info, ok := f.mem.Region(tt.addr)
		if !ok || info.Name != tt.name || info.Perm != tt.perm || info.Owner != tt.owner {
			t.Errorf("region at 0x%x = %+v", tt.addr, info)
		}
	}
	if len(img.Segments) != 3 {
		t.Errorf("segments = %+v", img.Segments)
	}

	if w, _ := f.mem.ReadU32(0x1008); w != 0xe1a04000 {
		t.Errorf("code word = 0x%08x", w)
	}
	if s, _ := f.mem.ReadCString(0x1020); s != "hello" {
		t.Errorf("literal = %q", s)
	}
	if w, _ := f.mem.ReadU32(0x2100); w != 0 {
		t.Errorf("bss = 0x%x", w)
	}
	if err := f.mem.WriteU32(0x1000, 0); err == nil {
		t.Error("text segment is writable")
	}

	if img.Exports["_main"] != 0x1000 || img.Exports["_helper"] != 0x1009 {
		t.Errorf("exports = %v", img.Exports)
	}
	if len(img.Initializers) != 1 || img.Initializers[0] != 0x1008 {
		t.Errorf("initializers = %x", img.Initializers)
	}
}

func TestLoadBindsImports(t *testing.T) {
	f := setup(t)
	puts, err := f.table.RegisterFunc("_puts", func(s string) int32 { return int32(len(s)) })
	if err != nil {
		t.Fatal(err)
	}
	img, err := loader.Load(f.mem, callerImage(t), "caller", f.options())
	if err != nil {
		t.Fatal(err)
	}

	missing, ok := f.table.Lookup("_missing")
	if !ok || !missing.Stub || missing.Library != libSystem {
		t.Fatalf("stub for _missing = %+v", missing)
	}

	words := []struct {
		name string
		addr uint32
		want uint32
	}{
		{"lazy _puts", 0x2000, puts.Addr},
		{"lazy _missing", 0x2004, missing.Addr},
		{"weak _optional", 0x2008, 0},
		{"local _main", 0x200c, 0x1000},
		{"stub _puts code", 0x1100, 0xe51ff004},
		{"stub _puts target", 0x1104, puts.Addr},
		{"stub _missing target", 0x1110, missing.Addr},
	}
	for _, w := range words {
		got, err := f.mem.ReadU32(w.addr)
		if err != nil || got != w.want {
			t.Errorf("%s = 0x%x, %v; want 0x%x", w.name, got, err, w.want)
		}
	}

	if len(img.Unresolved) != 1 || img.Unresolved[0] != libSystem+"#_missing" {
		t.Errorf("unresolved = %v", img.Unresolved)
	}
	kinds := map[string]int{}
	for _, imp := range img.Imports {
		kinds[imp.Kind]++
		if imp.Symbol == "_puts" && (!imp.Resolved || imp.Target != puts.Addr || imp.Library != libSystem) {
			t.Errorf("_puts import = %+v", imp)
		}
		if imp.Symbol == "_optional" && (imp.Resolved || !imp.Weak) {
			t.Errorf("_optional import = %+v", imp)
		}
	}
	if kinds[loader.KindStub] != 2 || kinds[loader.KindLazyPointer] != 2 || kinds[loader.KindNonLazyPointer] != 2 {
		t.Errorf("import kinds = %v", kinds)
	}
}

// The guest calls a resolvable import, which runs the host function, and
// then an unresolvable one, which fails with unimplemented instead of
// crashing the loader.
func TestLoadedImportsDispatch(t *testing.T) {
	f := setup(t)
	var got string
	if _, err := f.table.RegisterFunc("_puts", func(s string) int32 {
		got = s
		return int32(len(s))
	}); err != nil {
		t.Fatal(err)
	}
	img, err := loader.Load(f.mem, callerImage(t), "caller", f.options())
	if err != nil {
		t.Fatal(err)
	}
	st, err := loader.SetupStack(f.mem, loader.StackOptions{Size: 0x4000, Args: []string{"caller"}})
	if err != nil {
		t.Fatal(err)
	}

	core := interp.New(f.mem, f.table)
	core.SetReg(cpu.SP, st.SP)
	core.SetPC(img.Entry)

	stop := core.Run(1000)
	if stop.Kind != cpu.StopTrampoline {
		t.Fatalf("first stop = %v", stop)
	}
	if _, err := f.table.Dispatch(context.Background(), stop.PC, core, f.mem, nil); err != nil {
		t.Fatalf("dispatch _puts: %v", err)
	}
	if got != "hello" {
		t.Errorf("_puts received %q", got)
	}

	stop = core.Run(1000)
	if stop.Kind != cpu.StopTrampoline {
		t.Fatalf("second stop = %v", stop)
	}
	if core.Reg(cpu.R4) != 5 {
		t.Errorf("r4 = %d, want _puts result 5", core.Reg(cpu.R4))
	}
	_, err = f.table.Dispatch(context.Background(), stop.PC, core, f.mem, nil)
	if kindOf(err) != errors.KindUnimplemented {
		t.Fatalf("expected unimplemented, got %v", err)
	}
	var he *errors.Error
	if !stderrors.As(err, &he) || he.Symbol != "_missing" {
		t.Errorf("error = %v", err)
	}
}

func TestLoadStrict(t *testing.T) {
	f := setup(t)
	opts := f.options()
	opts.Strict = true
	_, err := loader.Load(f.mem, callerImage(t), "caller", opts)

	var unresolved *errors.UnresolvedImportsError
	if !stderrors.As(err, &unresolved) {
		t.Fatalf("expected UnresolvedImportsError, got %v", err)
	}
	if len(unresolved.Imports) != 2 {
		t.Fatalf("unresolved = %+v", unresolved.Imports)
	}
	want := map[string]bool{"_puts": true, "_missing": true}
	for _, imp := range unresolved.Imports {
		if !want[imp.Symbol] || imp.Library != libSystem {
			t.Errorf("unexpected unresolved import %+v", imp)
		}
	}
	if _, ok := f.table.Lookup("_missing"); ok {
		t.Error("strict load created stubs")
	}
}

func TestLoadSlide(t *testing.T) {
	f := setup(t)
	opts := f.options()
	opts.Slide = 0x10000
	img, err := loader.Load(f.mem, callerImage(t), "caller", opts)
	if err != nil {
		t.Fatal(err)
	}
	if img.Entry != 0x11000 {
		t.Errorf("entry = 0x%x", img.Entry)
	}
	if img.Exports["_helper"] != 0x11009 {
		t.Errorf("_helper = 0x%x", img.Exports["_helper"])
	}
	if len(img.Initializers) != 1 || img.Initializers[0] != 0x11008 {
		t.Errorf("initializers = %x", img.Initializers)
	}
	if v, _ := f.mem.ReadU32(0x1200c); v != 0x11000 {
		t.Errorf("local non-lazy pointer = 0x%x", v)
	}
	if info, ok := f.mem.Region(0x10000); !ok || info.Name != "__PAGEZERO" || info.Perm != memory.PermNone {
		t.Errorf("guard segment = %+v", info)
	}

	if _, err := loader.Load(setup(t).mem, callerImage(t), "caller", loader.Options{Slide: 0x800}); kindOf(err) != errors.KindInvalidInput {
		t.Errorf("unaligned slide: %v", err)
	}
}

func TestLoadDyldInfoBinds(t *testing.T) {
	f := setup(t)
	environ, err := f.table.RegisterConstantWord("_environ", 0)
	if err != nil {
		t.Fatal(err)
	}
	malloc, err := f.table.RegisterFunc("_malloc", func(n uint32) uint32 { return 0 })
	if err != nil {
		t.Fatal(err)
	}

	b := macho.NewBuilder()
	lib := b.Library(libSystem)
	text := b.Segment("__TEXT", 0x1000, 0x1000, macho.ProtRead|macho.ProtExec)
	text.Section("__text", 0x1000, macho.Words(0xe12fff1e))
	data := b.Segment("__DATA", 0x2000, 0x1000, macho.ProtRead|macho.ProtWrite)
	data.Section("__data", 0x2000, macho.Words(0, 0, 0))
	b.Import("_environ", lib, false)
	b.Import("_malloc", lib, false)
	b.Bind(macho.Bind{Symbol: "_environ", Library: lib, Addr: 0x2000, Addend: 8, Type: macho.BindTypePointer})
	b.LazyBind(macho.Bind{Symbol: "_malloc", Library: lib, Addr: 0x2004, Type: macho.BindTypePointer})
	b.Main(0x1000)
	image, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}

	img, err := loader.Load(f.mem, image, "binds", f.options())
	if err != nil {
		t.Fatal(err)
	}
	if !img.EntryIsMain {
		t.Error("LC_MAIN entry not reported")
	}
	if v, _ := f.mem.ReadU32(0x2000); v != environ+8 {
		t.Errorf("_environ pointer = 0x%x, want 0x%x", v, environ+8)
	}
	if v, _ := f.mem.ReadU32(0x2004); v != malloc.Addr {
		t.Errorf("_malloc pointer = 0x%x, want 0x%x", v, malloc.Addr)
	}
}

func TestLoadErrors(t *testing.T) {
	encrypted := func(t *testing.T) []byte {
		b := macho.NewBuilder()
		b.Segment("__TEXT", 0x1000, 0x1000, macho.ProtRead|macho.ProtExec).
			Section("__text", 0x1000, macho.Words(0xe12fff1e))
		b.Entry(0x1000)
		b.Encrypt(1)
		image, err := b.Build()
		if err != nil {
			t.Fatal(err)
		}
		return image
	}
	noEntry := func(t *testing.T) []byte {
		b := macho.NewBuilder()
		b.Segment("__TEXT", 0x1000, 0x1000, macho.ProtRead|macho.ProtExec).
			Section("__text", 0x1000, macho.Words(0xe12fff1e))
		image, err := b.Build()
		if err != nil {
			t.Fatal(err)
		}
		return image
	}
	overlapping := func(t *testing.T) []byte {
		b := macho.NewBuilder()
		b.Segment("__TEXT", 0x100000, 0x1000, macho.ProtRead|macho.ProtExec).
			Section("__text", 0x100000, macho.Words(0xe12fff1e))
		b.Entry(0x100000)
		image, err := b.Build()
		if err != nil {
			t.Fatal(err)
		}
		return image
	}

	tests := []struct {
		name  string
		image func(t *testing.T) []byte
		cause error
	}{
		{"garbage", func(*testing.T) []byte { return []byte("not an executable") }, macho.ErrInvalidMagic},
		{"encrypted", encrypted, macho.ErrEncrypted},
		{"no entry point", noEntry, nil},
		{"segment over heap", overlapping, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setup(t)
			_, err := loader.Load(f.mem, tt.image(t), tt.name, f.options())
			if err == nil {
				t.Fatal("load succeeded")
			}
			var he *errors.Error
			if !stderrors.As(err, &he) || he.Phase != errors.PhaseLoad {
				t.Errorf("error = %v", err)
			}
			if tt.cause != nil && !stderrors.Is(err, tt.cause) {
				t.Errorf("error %v does not wrap %v", err, tt.cause)
			}
		})
	}
}

func TestChain(t *testing.T) {
	first := loader.BinderFunc(func(lib, sym string) (uint32, bool) {
		return 0x100, sym == "_a"
	})
	second := loader.SymbolBinder(func(sym string) (uint32, bool) {
		return 0x200, sym == "_a" || sym == "_b"
	})
	chain := loader.Chain{nil, first, second}

	tests := []struct {
		sym  string
		want uint32
		ok   bool
	}{
		{"_a", 0x100, true},
		{"_b", 0x200, true},
		{"_c", 0, false},
	}
	for _, tt := range tests {
		got, ok := chain.Bind(libSystem, tt.sym)
		if got != tt.want || ok != tt.ok {
			t.Errorf("Bind(%s) = 0x%x, %v", tt.sym, got, ok)
		}
	}
}

func TestSetupStack(t *testing.T) {
	f := setup(t)
	st, err := loader.SetupStack(f.mem, loader.StackOptions{
		Size:     0x2000,
		Top:      0x800000,
		ExecPath: "/app/Game",
		Args:     []string{"/app/Game", "-level", "3"},
		Env:      []string{"HOME=/var/mobile"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if st.Base != 0x7fe000 || st.Top != 0x800000 || st.SP%16 != 0 {
		t.Errorf("stack = %+v", st)
	}
	if argc, _ := f.mem.ReadU32(st.SP); argc != 3 || st.Argc != 3 {
		t.Errorf("argc = %d", argc)
	}

	readVec := func(addr uint32) []string {
		var out []string
		for {
			p, err := f.mem.ReadU32(addr)
			if err != nil {
				t.Fatal(err)
			}
			if p == 0 {
				return out
			}
			s, err := f.mem.ReadCString(p)
			if err != nil {
				t.Fatal(err)
			}
			out = append(out, s)
			addr += 4
		}
	}
	vectors := []struct {
		name string
		addr uint32
		want []string
	}{
		{"argv", st.Argv, []string{"/app/Game", "-level", "3"}},
		{"envp", st.Envp, []string{"HOME=/var/mobile"}},
		{"apple", st.Apple, []string{"executable_path=/app/Game"}},
	}
	for _, v := range vectors {
		got := readVec(v.addr)
		if len(got) != len(v.want) {
			t.Errorf("%s = %q", v.name, got)
			continue
		}
		for i := range got {
			if got[i] != v.want[i] {
				t.Errorf("%s[%d] = %q, want %q", v.name, i, got[i], v.want[i])
			}
		}
	}
	if st.Argv != st.SP+4 {
		t.Errorf("argv at 0x%x, sp 0x%x", st.Argv, st.SP)
	}

	if _, err := loader.SetupStack(f.mem, loader.StackOptions{}); kindOf(err) != errors.KindInvalidInput {
		t.Errorf("zero size: %v", err)
	}
	if _, err := loader.SetupStack(f.mem, loader.StackOptions{Size: 0x1000, Args: []string{string(make([]byte, 0x2000))}}); err == nil {
		t.Error("oversized arguments fit the stack")
	}
}
