package runtime

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/errors"
)

// frame is one host-to-guest call in progress. Its synthetic return
// address is a trampoline owned by the frame's depth.
type frame struct {
	depth int
	ret   uint32
	done  bool
}

func exitErr(code int32) *errors.Error {
	return errors.New(errors.PhaseRuntime, errors.KindExited).
		Value(code).
		Detail("guest exited with status %d", code).
		Build()
}

// RunUntilExit runs the module initializers and then the guest threads
// until the process exits, faults, or is halted.
func (e *Environment) RunUntilExit(ctx context.Context) Result {
	if e.image == nil {
		return e.result(errors.InvalidInput(errors.PhaseRuntime, "no image loaded"))
	}
	start := time.Now()
	stop := context.AfterFunc(ctx, e.core.Interrupt)
	defer stop()

	err := e.runInitializers(ctx)
	if err == nil {
		err = e.loop(ctx, nil)
	}
	res := e.result(err)
	Logger().Info("run finished",
		zap.Stringer("run", e.id),
		zap.Stringer("kind", res.Kind),
		zap.String("classification", res.Classification),
		zap.Int32("code", res.Code),
		zap.Uint32("pc", res.PC),
		zap.String("symbol", res.Symbol),
		zap.Uint64("dispatches", res.Dispatches),
		zap.Duration("elapsed", time.Since(start)))
	return res
}

func (e *Environment) runInitializers(ctx context.Context) error {
	inits := e.image.Initializers
	e.image.Initializers = nil
	for _, fn := range inits {
		Logger().Debug("running initializer", zap.Uint32("addr", fn), zap.String("symbol", e.Symbolize(fn)))
		if _, err := e.CallGuest(ctx, fn, e.stack.Argc, e.stack.Argv, e.stack.Envp, e.stack.Apple); err != nil {
			return err
		}
	}
	return nil
}

// loop runs the core until f returns, or forever for the outermost loop
// (f == nil). Thread switches and graceful halts only happen there.
func (e *Environment) loop(ctx context.Context, f *frame) error {
	outer := f == nil
	for {
		if f != nil && f.done {
			return nil
		}
		if e.exited {
			return exitErr(e.exitCode)
		}
		if err := ctx.Err(); err != nil {
			return errors.New(errors.PhaseRuntime, errors.KindHalted).
				Addr(e.core.PC()).
				Cause(err).
				Detail("run cancelled").
				Build()
		}
		if outer && e.halt.Load() {
			return errors.New(errors.PhaseRuntime, errors.KindHalted).
				Addr(e.core.PC()).
				Detail("halt requested").
				Build()
		}

		stop := e.core.Run(e.cfg.CPU.Slice)
		switch stop.Kind {
		case cpu.StopTrampoline:
			if err := e.dispatch(ctx, stop.PC, outer); err != nil {
				return err
			}
		case cpu.StopSVC:
			if !e.table.InRegion(stop.PC) {
				return errors.New(errors.PhaseCPU, errors.KindFault).
					Addr(stop.PC).
					Value("supervisor call").
					Detail("svc #%d outside the trampoline region", stop.Imm).
					Build()
			}
			if err := e.dispatch(ctx, stop.PC, outer); err != nil {
				return err
			}
		case cpu.StopBudget:
			if outer {
				if err := e.reschedule(); err != nil {
					return err
				}
			}
		case cpu.StopInterrupt:
		case cpu.StopBreakpoint:
			return errors.New(errors.PhaseCPU, errors.KindFault).
				Addr(stop.PC).
				Value("breakpoint").
				Detail("bkpt #%d", stop.Imm).
				Build()
		case cpu.StopFault:
			return stop.Fault.ToError()
		default:
			return errors.New(errors.PhaseCPU, errors.KindUnsupported).
				Addr(stop.PC).
				Detail("unexpected stop %s", stop.Kind).
				Build()
		}
	}
}

// dispatch runs the host function at a trampoline and records it in the
// trace. At the outermost level a yielding or blocking call switches
// threads.
func (e *Environment) dispatch(ctx context.Context, addr uint32, outer bool) error {
	rec := Record{
		Addr:   addr,
		Return: e.core.Reg(cpu.LR),
		Depth:  len(e.frames),
		Thread: e.CurrentThread(),
	}
	for i := range rec.Args {
		rec.Args[i] = e.core.Reg(cpu.Reg(i))
	}
	if entry, ok := e.table.LookupAddr(addr); ok {
		rec.Symbol = entry.Symbol
	}

	call, err := e.table.Dispatch(ctx, addr, e.core, e.mem, e)
	rec.Result = e.core.Reg(cpu.R0)
	if err != nil {
		rec.Err = err.Error()
	}
	e.trace.Add(rec)

	if err != nil {
		if k, _ := errors.KindOf(err); k == errors.KindDoesNotUnderstand {
			e.uncaught(ctx, err)
		}
		return err
	}
	if e.exited {
		return exitErr(e.exitCode)
	}
	if outer && e.sched != nil && (call.Yielded() || e.sched.current.State != ThreadRunnable) {
		return e.reschedule()
	}
	return nil
}

// CallGuest calls guest code at addr and runs it until it returns to a
// synthetic return trampoline. The first four arguments go in r0-r3, the
// rest on the stack. Calls nest up to the configured depth; the caller's
// registers are restored when the call returns.
func (e *Environment) CallGuest(ctx context.Context, addr uint32, args ...uint32) (uint64, error) {
	depth := len(e.frames) + 1
	if depth > e.cfg.Guest.MaxCallDepth {
		return 0, errors.Reentrancy(depth, e.cfg.Guest.MaxCallDepth)
	}
	ret, err := e.returnAddr(depth)
	if err != nil {
		return 0, err
	}

	saved := e.core.Context()
	ctxt := saved
	sp := saved.Regs[cpu.SP]
	if len(args) > 4 {
		extra := args[4:]
		sp = (sp - uint32(4*len(extra))) &^ 7
		for i, v := range extra {
			if err := e.mem.WriteU32(sp+uint32(4*i), v); err != nil {
				return 0, err
			}
		}
	}
	ctxt.Regs[cpu.SP] = sp &^ 7
	for i := 0; i < 4; i++ {
		ctxt.Regs[i] = 0
		if i < len(args) {
			ctxt.Regs[i] = args[i]
		}
	}
	ctxt.Regs[cpu.LR] = ret
	setContextPC(&ctxt, addr)
	e.core.SetContext(ctxt)

	f := &frame{depth: depth, ret: ret}
	e.frames = append(e.frames, f)
	err = e.loop(ctx, f)
	e.frames = e.frames[:depth-1]
	if err != nil {
		return 0, err
	}
	result := uint64(e.core.Reg(cpu.R1))<<32 | uint64(e.core.Reg(cpu.R0))
	e.core.SetContext(saved)
	return result, nil
}

// returnAddr returns the synthetic return trampoline for depth, creating
// it on first use.
func (e *Environment) returnAddr(depth int) (uint32, error) {
	for len(e.returns) < depth {
		d := len(e.returns) + 1
		entry, err := e.table.Register(fmt.Sprintf("__hle_return_%d", d), dispatch.Signature{}, func(c *dispatch.Call) error {
			return e.guestReturned(c, d)
		})
		if err != nil {
			return 0, err
		}
		e.returns = append(e.returns, entry.Addr)
	}
	return e.returns[depth-1], nil
}

func (e *Environment) guestReturned(c *dispatch.Call, depth int) error {
	if len(e.frames) != depth {
		return errors.Consistency(errors.PhaseRuntime, c.Addr,
			fmt.Sprintf("guest returned to depth %d while at depth %d", depth, len(e.frames)))
	}
	e.frames[depth-1].done = true
	c.NoResume()
	return nil
}

// uncaught offers a message-not-understood error to the guest's uncaught
// exception handler as an NSException before the run ends.
func (e *Environment) uncaught(ctx context.Context, err error) {
	handler := e.objc.UncaughtExceptionHandler()
	if handler == 0 || e.handling {
		return
	}
	var he *errors.Error
	if !stderrors.As(err, &he) {
		return
	}
	e.handling = true
	defer func() { e.handling = false }()

	class, _ := he.Value.(string)
	kind := "-"
	if strings.HasPrefix(class, "+") {
		kind, class = "+", class[1:]
	}
	reason := fmt.Sprintf("%s[%s %s]: unrecognized selector sent to instance 0x%x", kind, class, he.Symbol, he.Addr)
	exc, xerr := e.objc.NewException("NSInvalidArgumentException", reason)
	if xerr != nil {
		Logger().Warn("cannot create exception object", zap.Error(xerr))
		return
	}
	Logger().Info("calling uncaught exception handler",
		zap.Uint32("handler", handler),
		zap.String("reason", reason))
	if _, herr := e.CallGuest(ctx, handler, exc); herr != nil {
		Logger().Warn("uncaught exception handler failed", zap.Error(herr))
	}
}

// exit runs the atexit functions and ends the process.
func (e *Environment) exit(c *dispatch.Call, code int32) error {
	for len(e.atexit) > 0 {
		fn := e.atexit[len(e.atexit)-1]
		e.atexit = e.atexit[:len(e.atexit)-1]
		if _, err := e.CallGuest(c.Context(), fn); err != nil {
			return err
		}
	}
	e.terminate(c, code)
	return nil
}

func (e *Environment) terminate(c *dispatch.Call, code int32) {
	e.exited = true
	e.exitCode = code
	c.NoResume()
	Logger().Info("guest exited", zap.Int32("code", code), zap.Uint32("caller", c.Return))
}
