package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/config"
	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/cpu/interp"
	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/errors"
	"github.com/wippyai/hle-runtime/loader"
	"github.com/wippyai/hle-runtime/memory"
	"github.com/wippyai/hle-runtime/objc"
	"github.com/wippyai/hle-runtime/resource"
)

// Host is a framework module: a library of host functions installed into
// the dispatch table before an image is loaded.
type Host interface {
	Library() string
	Register(t *dispatch.Table) error
}

// Option configures an Environment.
type Option func(*options)

type options struct {
	core  cpu.Factory
	hosts []Host
}

// WithCore replaces the reference interpreter.
func WithCore(f cpu.Factory) Option {
	return func(o *options) { o.core = f }
}

// WithHost installs a framework module.
func WithHost(h Host) Option {
	return func(o *options) { o.hosts = append(o.hosts, h) }
}

// Environment is one emulated process: its memory, dispatch table, object
// runtime, loaded image and guest threads. All guest activity runs on the
// goroutine calling RunUntilExit; only Halt may be called concurrently.
type Environment struct {
	cfg     config.Config
	id      uuid.UUID
	mem     *memory.Memory
	table   *dispatch.Table
	objc    *objc.Runtime
	core    cpu.Core
	handles *resource.Table
	threads *resource.Typed[*Thread]
	trace   *Trace
	hosts   []string

	image *loader.Image
	stack *loader.Stack
	sched *scheduler

	frames  []*frame
	returns []uint32
	mutexes map[uint32]*mutex

	mainReturn   uint32
	threadReturn uint32
	atexit       []uint32

	handling bool
	exited   bool
	exitCode int32
	halt     atomic.Bool
}

// New builds an environment from cfg. Framework modules passed with
// WithHost are registered after the built-in libSystem and libobjc
// functions, so they can replace them.
func New(cfg config.Config, opts ...Option) (*Environment, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{core: interp.Factory}
	for _, opt := range opts {
		opt(&o)
	}

	mem, err := memory.New(memory.Config{
		NullPageSize: cfg.Memory.NullPage.U32(),
		HeapBase:     cfg.Memory.HeapBase,
		HeapInitial:  cfg.Memory.HeapInitial.U32(),
		HeapCeiling:  cfg.Memory.HeapCeiling.U32(),
		MapFloor:     cfg.Memory.MapFloor,
	})
	if err != nil {
		return nil, err
	}
	table, err := dispatch.NewTable(mem, cfg.Dispatch.Base, cfg.Dispatch.Slots)
	if err != nil {
		return nil, err
	}
	policy, err := dispatch.ParsePolicy(cfg.Dispatch.Unimplemented)
	if err != nil {
		return nil, err
	}
	table.SetPolicy(policy)
	for sym, v := range cfg.Dispatch.ErrorReturns {
		table.RegisterErrorReturn(sym, uint32(v))
	}

	rt, err := objc.New(mem)
	if err != nil {
		return nil, err
	}
	rt.SetTraceSends(cfg.ObjC.TraceSends)

	handles := resource.NewTable(cfg.Guest.MaxThreads)
	e := &Environment{
		cfg:     cfg,
		id:      uuid.New(),
		mem:     mem,
		table:   table,
		objc:    rt,
		handles: handles,
		threads: resource.NewTyped[*Thread](handles, resource.KindThread),
		trace:   NewTrace(cfg.Dispatch.TraceSize),
		mutexes: make(map[uint32]*mutex),
	}
	e.core = o.core(mem, table)
	rt.SetGuestCaller(e)
	handles.Subscribe(resource.ObserverFunc(func(ev resource.Event) {
		Logger().Debug("guest handle "+ev.Type.String(),
			zap.Stringer("kind", ev.Kind),
			zap.Uint32("handle", uint32(ev.Handle)))
	}))

	if err := e.registerInternal(); err != nil {
		return nil, err
	}
	hosts := append([]Host{rt, &libSystem{e: e}}, o.hosts...)
	for _, h := range hosts {
		if err := e.InstallHost(h); err != nil {
			return nil, err
		}
	}

	Logger().Info("environment created",
		zap.Stringer("run", e.id),
		zap.Stringer("heap", cfg.Memory.HeapCeiling),
		zap.Uint32("trampolines", cfg.Dispatch.Slots),
		zap.Stringer("policy", policy))
	return e, nil
}

// InstallHost registers a framework module. Modules installed after Load
// only take over imports that were bound to unimplemented stubs.
func (e *Environment) InstallHost(h Host) error {
	if err := h.Register(e.table); err != nil {
		return errors.Wrap(errors.PhaseHost, errors.KindRegistration, err, "register "+h.Library())
	}
	e.hosts = append(e.hosts, h.Library())
	Logger().Debug("host module installed", zap.String("library", h.Library()))
	return nil
}

// registerInternal creates the trampolines guest code returns into.
func (e *Environment) registerInternal() error {
	entry, err := e.table.Register("__hle_main_return", dispatch.Signature{}, func(c *dispatch.Call) error {
		return e.exit(c, int32(c.Arg(0)))
	})
	if err != nil {
		return err
	}
	e.mainReturn = entry.Addr

	entry, err = e.table.Register("__hle_thread_return", dispatch.Signature{}, func(c *dispatch.Call) error {
		return e.exitThread(c, c.Arg(0))
	})
	if err != nil {
		return err
	}
	e.threadReturn = entry.Addr
	return nil
}

// Load maps the executable, binds its imports, registers its classes and
// prepares the main thread at the entry point.
func (e *Environment) Load(data []byte, path string) (*loader.Image, error) {
	if e.image != nil {
		return nil, errors.InvalidInput(errors.PhaseLoad, "an image is already loaded")
	}
	img, err := loader.Load(e.mem, data, path, loader.Options{
		Binder: loader.Chain{
			loader.SymbolBinder(e.table.Resolve),
			loader.SymbolBinder(e.objc.ClassSymbol),
		},
		Stubs:  e.table,
		Strict: e.cfg.Loader.Strict,
		Slide:  e.cfg.Loader.Slide,
	})
	if err != nil {
		return nil, err
	}
	if err := e.objc.LoadImage(img.ObjC()); err != nil {
		return nil, err
	}

	execPath := e.cfg.Guest.ExecPath
	if execPath == "" {
		execPath = path
	}
	stack, err := loader.SetupStack(e.mem, loader.StackOptions{
		ExecPath: execPath,
		Args:     append([]string{execPath}, e.cfg.Guest.Args...),
		Env:      e.cfg.Guest.Env,
		Size:     e.cfg.Stack.Size.U32(),
		Top:      e.cfg.Stack.Top,
	})
	if err != nil {
		return nil, err
	}

	var ctx cpu.Context
	ctx.CPSR = cpu.ModeUser
	ctx.Regs[cpu.SP] = stack.SP
	if img.EntryIsMain {
		ctx.Regs[cpu.R0] = stack.Argc
		ctx.Regs[cpu.R1] = stack.Argv
		ctx.Regs[cpu.R2] = stack.Envp
		ctx.Regs[cpu.R3] = stack.Apple
		ctx.Regs[cpu.LR] = e.mainReturn
	}
	setContextPC(&ctx, img.Entry)

	main, err := e.newThread(ctx, nil)
	if err != nil {
		return nil, err
	}
	e.sched = newScheduler(main)
	e.core.SetContext(ctx)
	e.image = img
	e.stack = stack

	Logger().Info("image ready",
		zap.String("path", path),
		zap.Uint32("entry", img.Entry),
		zap.Bool("lc_main", img.EntryIsMain),
		zap.Int("unresolved", len(img.Unresolved)),
		zap.Int("classes", len(e.objc.Classes())))
	return img, nil
}

// setContextPC sets the pc of a saved context; bit 0 selects Thumb.
func setContextPC(ctx *cpu.Context, addr uint32) {
	if addr&1 != 0 {
		ctx.CPSR |= cpu.FlagT
	} else {
		ctx.CPSR &^= cpu.FlagT
	}
	ctx.Regs[cpu.PC] = addr &^ 1
}

// Halt asks the run loop to stop at the next dispatch boundary of the
// outermost call. It is safe to call from any goroutine.
func (e *Environment) Halt() {
	e.halt.Store(true)
	e.core.Interrupt()
}

// ID identifies this run in logs and dumps.
func (e *Environment) ID() uuid.UUID { return e.id }

func (e *Environment) Config() config.Config { return e.cfg }

func (e *Environment) Memory() *memory.Memory { return e.mem }

func (e *Environment) Table() *dispatch.Table { return e.table }

func (e *Environment) ObjC() *objc.Runtime { return e.objc }

func (e *Environment) Core() cpu.Core { return e.core }

// Image returns the loaded image, or nil before Load.
func (e *Environment) Image() *loader.Image { return e.image }

// Stack returns the main thread's stack, or nil before Load.
func (e *Environment) Stack() *loader.Stack { return e.stack }

// Trace returns the dispatch trace.
func (e *Environment) Trace() *Trace { return e.trace }

// Hosts lists the libraries of the installed framework modules.
func (e *Environment) Hosts() []string { return e.hosts }

// Depth is the number of host-to-guest calls in progress.
func (e *Environment) Depth() int { return len(e.frames) }

// Symbolize names addr as the closest preceding export or host function.
func (e *Environment) Symbolize(addr uint32) string {
	if entry, ok := e.table.LookupAddr(addr); ok {
		return entry.Symbol
	}
	if e.image == nil {
		return ""
	}
	type export struct {
		name string
		addr uint32
	}
	exports := make([]export, 0, len(e.image.Exports))
	for name, a := range e.image.Exports {
		exports = append(exports, export{name, a &^ 1})
	}
	sort.Slice(exports, func(i, j int) bool {
		if exports[i].addr != exports[j].addr {
			return exports[i].addr < exports[j].addr
		}
		return exports[i].name < exports[j].name
	})
	i := sort.Search(len(exports), func(i int) bool { return exports[i].addr > addr }) - 1
	if i < 0 {
		return ""
	}
	info, ok := e.mem.Region(addr)
	if !ok || info.Owner != memory.OwnerSegment || exports[i].addr < info.Base {
		return ""
	}
	if off := addr - exports[i].addr; off != 0 {
		return fmt.Sprintf("%s+0x%x", exports[i].name, off)
	}
	return exports[i].name
}

// CallSymbol calls an exported guest function by name.
func (e *Environment) CallSymbol(ctx context.Context, name string, args ...uint32) (uint64, error) {
	if e.image == nil {
		return 0, errors.InvalidInput(errors.PhaseRuntime, "no image loaded")
	}
	addr, ok := e.image.Export(name)
	if !ok {
		return 0, errors.NotFound(errors.PhaseRuntime, "export", name)
	}
	return e.CallGuest(ctx, addr, args...)
}
