package runtime_test

import (
	"strings"
	"testing"

	"github.com/wippyai/hle-runtime/config"
	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/macho"
	"github.com/wippyai/hle-runtime/runtime"
)

// Guest layout of test programs.
const (
	textBase    = 0x1000
	cstringBase = 0x2800
	dataBase    = 0x3000
	gotBase     = 0x3000
	initBase    = 0x3080
	scratch     = 0x3100

	execPath = "/var/mobile/Applications/Test.app/Test"
)

const (
	r0 uint32 = iota
	r1
	r2
	r3
	r4
	ip = 12
)

// ARM encodings used by the test programs.
const (
	ret  = 0xe12fff1e // bx lr
	push = 0xe92d4010 // push {r4, lr}
	pop  = 0xe8bd8010 // pop {r4, pc}
	spin = 0xeafffffe // b .
	svc  = 0xef000000 // svc #0
)

func movw(rd, v uint32) uint32 { return 0xe3000000 | (v>>12&0xf)<<16 | rd<<12 | v&0xfff }
func movt(rd, v uint32) uint32 { return 0xe3400000 | (v>>12&0xf)<<16 | rd<<12 | v&0xfff }
func ldr(rd, rn, off uint32) uint32 { return 0xe5900000 | rn<<16 | rd<<12 | off }
func str(rd, rn, off uint32) uint32 { return 0xe5800000 | rn<<16 | rd<<12 | off }
func add(rd, rn, rm uint32) uint32 { return 0xe0800000 | rn<<16 | rd<<12 | rm }
func addi(rd, rn, v uint32) uint32 { return 0xe2800000 | rn<<16 | rd<<12 | v }
func mov(rd, rm uint32) uint32 { return 0xe1a00000 | rd<<12 | rm }
func blx(rm uint32) uint32 { return 0xe12fff30 | rm }

// program assembles a small executable. Imports are called through
// pointers bound by dyld info; functions must be defined before their
// address is taken.
type program struct {
	code   []uint32
	names  []string
	labels map[string]uint32
	got    []string
	strs   []byte
	inits  []string
}

func newProgram() *program {
	return &program{labels: make(map[string]uint32)}
}

func (p *program) here() uint32 { return textBase + 4*uint32(len(p.code)) }

// fn starts an exported function at the current position.
func (p *program) fn(name string) *program {
	p.names = append(p.names, name)
	p.labels[name] = p.here()
	return p
}

func (p *program) emit(words ...uint32) *program {
	p.code = append(p.code, words...)
	return p
}

func (p *program) addr(t *testing.T, name string) uint32 {
	t.Helper()
	a, ok := p.labels[name]
	if !ok {
		t.Fatalf("function %s is not defined yet", name)
	}
	return a
}

// slot returns the address of the pointer bound to sym.
func (p *program) slot(sym string) uint32 {
	for i, s := range p.got {
		if s == sym {
			return gotBase + 4*uint32(i)
		}
	}
	p.got = append(p.got, sym)
	return gotBase + 4*uint32(len(p.got)-1)
}

// cstring places s in __cstring and returns its address.
func (p *program) cstring(s string) uint32 {
	a := cstringBase + uint32(len(p.strs))
	p.strs = append(p.strs, s...)
	p.strs = append(p.strs, 0)
	return a
}

// set loads a 32-bit constant into rd.
func (p *program) set(rd, v uint32) *program {
	p.emit(movw(rd, v&0xffff))
	if v>>16 != 0 {
		p.emit(movt(rd, v>>16))
	}
	return p
}

// call calls an imported function through ip.
func (p *program) call(sym string) *program {
	return p.set(ip, p.slot(sym)).emit(ldr(ip, ip, 0), blx(ip))
}

func (p *program) build(t *testing.T) []byte {
	t.Helper()
	b := macho.NewBuilder()
	libSystem := b.Library(runtime.LibSystem)
	libobjc := b.Library("/usr/lib/libobjc.A.dylib")

	text := b.Segment("__TEXT", textBase, 0x2000, macho.ProtRead|macho.ProtExec)
	text.Section("__text", textBase, macho.Words(p.code...))
	if len(p.strs) > 0 {
		text.Section("__cstring", cstringBase, p.strs)
	}

	data := b.Segment("__DATA", dataBase, 0x1000, macho.ProtRead|macho.ProtWrite)
	data.Section("__got", gotBase, make([]byte, 4*max(len(p.got), 1)))
	for i, sym := range p.got {
		lib := libSystem
		if strings.HasPrefix(sym, "_OBJC_") {
			lib = libobjc
		}
		b.Import(sym, lib, false)
		b.Bind(macho.Bind{Symbol: sym, Library: lib, Addr: gotBase + 4*uint32(i), Type: macho.BindTypePointer})
	}
	if len(p.inits) > 0 {
		ptrs := make([]uint32, len(p.inits))
		for i, name := range p.inits {
			ptrs[i] = p.addr(t, name)
		}
		mod := data.Section("__mod_init_func", initBase, macho.Words(ptrs...))
		mod.Type = macho.SectionModInitPointers
	}
	data.ZeroFill("__bss", scratch, 0x100)

	for _, name := range p.names {
		b.Export(name, p.labels[name], false)
	}
	b.Main(p.addr(t, "_main"))
	image, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return image
}

// recorder is a framework module for test programs.
type recorder struct {
	notes []uint32
}

func (r *recorder) Library() string { return "/usr/lib/libtest.dylib" }

func (r *recorder) Register(t *dispatch.Table) error { return t.RegisterHost(r) }

func (r *recorder) Functions() map[string]any {
	return map[string]any{
		"_note": func(v uint32) { r.notes = append(r.notes, v) },
		// _apply(fn, x) returns fn(x) + 1.
		"_apply": func(c *dispatch.Call, fn, x uint32) (uint32, error) {
			v, err := c.CallGuest(fn, x)
			return v + 1, err
		},
	}
}

// start builds and loads p into a fresh environment.
func start(t *testing.T, p *program, tweak func(*config.Config)) (*runtime.Environment, *recorder) {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.HeapInitial = 64 << 10
	cfg.Memory.HeapCeiling = 4 << 20
	cfg.Stack.Size = 64 << 10
	cfg.Stack.ThreadSize = 64 << 10
	if tweak != nil {
		tweak(&cfg)
	}
	rec := &recorder{}
	env, err := runtime.New(cfg, runtime.WithHost(rec))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Load(p.build(t), execPath); err != nil {
		t.Fatal(err)
	}
	return env, rec
}
