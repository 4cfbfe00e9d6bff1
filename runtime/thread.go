package runtime

import (
	stderrors "errors"

	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/errors"
	"github.com/wippyai/hle-runtime/memory"
	"github.com/wippyai/hle-runtime/resource"
)

// errno values returned by the pthread functions.
const (
	errEPERM   = 1
	errESRCH   = 3
	errENOMEM  = 12
	errEDEADLK = 11
	errEBUSY   = 16
	errEINVAL  = 22
	errEAGAIN  = 35
)

// ThreadState is the scheduling state of a guest thread.
type ThreadState uint8

const (
	ThreadRunnable ThreadState = iota
	ThreadJoining
	ThreadLocking
	ThreadExited
)

func (s ThreadState) String() string {
	switch s {
	case ThreadRunnable:
		return "runnable"
	case ThreadJoining:
		return "joining"
	case ThreadLocking:
		return "locking"
	case ThreadExited:
		return "exited"
	default:
		return "unknown"
	}
}

// Thread is a guest thread: an Execution Context the scheduler swaps into
// the core at dispatch boundaries.
type Thread struct {
	Context  cpu.Context
	Handle   resource.Handle
	State    ThreadState
	Value    uint32
	Detached bool

	stack   uint32
	errno   uint32
	joinPtr uint32
	mutex   uint32
	joiners []*Thread
}

// ThreadInfo is a snapshot of one thread.
type ThreadInfo struct {
	Context cpu.Context
	Handle  uint32
	State   ThreadState
	Current bool
}

type scheduler struct {
	threads  []*Thread
	current  *Thread
	switches uint64
}

func newScheduler(main *Thread) *scheduler {
	return &scheduler{threads: []*Thread{main}, current: main}
}

func (s *scheduler) add(t *Thread) {
	s.threads = append(s.threads, t)
}

func (s *scheduler) remove(t *Thread) {
	for i, th := range s.threads {
		if th == t {
			s.threads = append(s.threads[:i], s.threads[i+1:]...)
			return
		}
	}
}

// next picks the first runnable thread after the current one, wrapping
// around to the current thread last.
func (s *scheduler) next() *Thread {
	start := 0
	for i, t := range s.threads {
		if t == s.current {
			start = i + 1
			break
		}
	}
	n := len(s.threads)
	for i := 0; i < n; i++ {
		t := s.threads[(start+i)%n]
		if t.State == ThreadRunnable {
			return t
		}
	}
	return nil
}

func (e *Environment) newThread(ctx cpu.Context, stack *memory.Region) (*Thread, error) {
	errno, err := e.mem.Alloc(4, 4)
	if err != nil {
		return nil, err
	}
	t := &Thread{Context: ctx, errno: errno}
	if stack != nil {
		t.stack = stack.Base
	}
	h, err := e.threads.Insert(t)
	if err != nil {
		_ = e.mem.Free(errno)
		return nil, err
	}
	t.Handle = h
	return t, nil
}

// reschedule switches the core to the next runnable thread. It only runs
// at the outermost dispatch boundary.
func (e *Environment) reschedule() error {
	s := e.sched
	cur := s.current
	next := s.next()
	if next == nil {
		if len(s.threads) == 0 {
			Logger().Info("last guest thread exited")
			e.exited = true
			e.exitCode = 0
			return exitErr(0)
		}
		return errors.New(errors.PhaseRuntime, errors.KindFault).
			Value("deadlock").
			Detail("all %d guest threads are blocked", len(s.threads)).
			Build()
	}
	if next == cur {
		return nil
	}
	if cur.State != ThreadExited {
		cur.Context = e.core.Context()
	}
	e.core.SetContext(next.Context)
	s.current = next
	s.switches++
	Logger().Debug("thread switch",
		zap.Uint32("from", uint32(cur.Handle)),
		zap.Uint32("to", uint32(next.Handle)),
		zap.Stringer("from_state", cur.State))
	return nil
}

// Threads returns a snapshot of the live threads.
func (e *Environment) Threads() []ThreadInfo {
	if e.sched == nil {
		return nil
	}
	var out []ThreadInfo
	e.threads.Each(func(h resource.Handle, t *Thread) bool {
		info := ThreadInfo{Handle: uint32(h), State: t.State, Context: t.Context}
		if t == e.sched.current {
			info.Current = true
			info.Context = e.core.Context()
		}
		out = append(out, info)
		return true
	})
	return out
}

// CurrentThread returns the handle of the running thread.
func (e *Environment) CurrentThread() uint32 {
	if e.sched == nil {
		return 0
	}
	return uint32(e.sched.current.Handle)
}

func (e *Environment) pthreadCreate(out, attr, start, arg uint32) (int32, error) {
	if e.sched == nil {
		return 0, errors.InvalidInput(errors.PhaseRuntime, "no image loaded")
	}
	size := e.cfg.Stack.ThreadSize.U32()
	stack, err := e.mem.MapAnywhere(size, memory.PermRW, memory.OwnerStack, "thread stack")
	if err != nil {
		Logger().Warn("thread stack allocation failed", zap.Error(err))
		return errEAGAIN, nil
	}

	var ctx cpu.Context
	ctx.CPSR = cpu.ModeUser
	ctx.Regs[cpu.R0] = arg
	ctx.Regs[cpu.SP] = (stack.Base + stack.Size) &^ 15
	ctx.Regs[cpu.LR] = e.threadReturn
	setContextPC(&ctx, start)

	t, err := e.newThread(ctx, stack)
	if err != nil {
		_ = e.mem.Unmap(stack.Base)
		if stderrors.Is(err, resource.ErrFull) {
			return errEAGAIN, nil
		}
		return 0, err
	}
	if out != 0 {
		if err := e.mem.WriteU32(out, uint32(t.Handle)); err != nil {
			return 0, err
		}
	}
	e.sched.add(t)
	Logger().Debug("thread created",
		zap.Uint32("handle", uint32(t.Handle)),
		zap.Uint32("start", start),
		zap.Uint32("stack", stack.Base))
	return 0, nil
}

func (e *Environment) pthreadJoin(c *dispatch.Call, h, valuePtr uint32) (int32, error) {
	cur := e.sched.current
	t, ok := e.threads.Get(resource.Handle(h))
	switch {
	case !ok:
		return errESRCH, nil
	case t == cur:
		return errEDEADLK, nil
	case t.Detached:
		return errEINVAL, nil
	}
	if t.State == ThreadExited {
		if valuePtr != 0 {
			if err := e.mem.WriteU32(valuePtr, t.Value); err != nil {
				return 0, err
			}
		}
		e.reap(t)
		return 0, nil
	}
	if len(e.frames) > 0 {
		Logger().Warn("pthread_join would block inside a nested guest call",
			zap.Uint32("thread", h),
			zap.Int("depth", len(e.frames)))
		return errEDEADLK, nil
	}
	e.handles.Pin(t.Handle)
	cur.State = ThreadJoining
	cur.joinPtr = valuePtr
	t.joiners = append(t.joiners, cur)
	c.Yield()
	return 0, nil
}

func (e *Environment) pthreadDetach(h uint32) int32 {
	t, ok := e.threads.Get(resource.Handle(h))
	if !ok {
		return errESRCH
	}
	if t.State == ThreadExited {
		e.reap(t)
		return 0
	}
	t.Detached = true
	return 0
}

// exitThread ends the current thread, wakes its joiners and releases its
// stack. The process ends when no thread is left.
func (e *Environment) exitThread(c *dispatch.Call, value uint32) error {
	if len(e.frames) > 0 {
		return errors.New(errors.PhaseRuntime, errors.KindReentrancy).
			Detail("thread exit inside a nested guest call (depth %d)", len(e.frames)).
			Build()
	}
	t := e.sched.current
	t.State = ThreadExited
	t.Value = value
	e.sched.remove(t)

	for _, j := range t.joiners {
		if j.joinPtr != 0 {
			if err := e.mem.WriteU32(j.joinPtr, value); err != nil {
				return err
			}
		}
		j.State = ThreadRunnable
		j.joinPtr = 0
		e.handles.Unpin(t.Handle)
	}
	if len(t.joiners) > 0 || t.Detached {
		e.reap(t)
	}
	t.joiners = nil
	if t.stack != 0 {
		if err := e.mem.Unmap(t.stack); err != nil {
			Logger().Warn("thread stack unmap failed", zap.Error(err))
		}
		t.stack = 0
	}
	Logger().Debug("thread exited",
		zap.Uint32("handle", uint32(t.Handle)),
		zap.Uint32("value", value))
	c.NoResume()
	c.Yield()
	return nil
}

// reap drops an exited thread's handle.
func (e *Environment) reap(t *Thread) {
	if _, _, err := e.threads.Remove(t.Handle); err != nil {
		Logger().Warn("thread handle still in use", zap.Uint32("handle", uint32(t.Handle)), zap.Error(err))
		return
	}
	if t.errno != 0 {
		_ = e.mem.Free(t.errno)
		t.errno = 0
	}
}

// Mutexes live in host state keyed by the guest address of their
// pthread_mutex_t. Statically initialized mutexes are created on first use.

const (
	mutexSig     = 0x4d555458
	mutexAttrSig = 0x4d545841

	mutexNormal     = 0
	mutexErrorCheck = 1
	mutexRecursive  = 2
)

type mutex struct {
	owner   *Thread
	waiters []*Thread
	count   int
	kind    uint32
}

func (e *Environment) mutexFor(addr uint32) *mutex {
	m, ok := e.mutexes[addr]
	if !ok {
		m = &mutex{kind: mutexNormal}
		e.mutexes[addr] = m
	}
	return m
}

func (e *Environment) mutexInit(addr, attr uint32) (int32, error) {
	kind := uint32(mutexNormal)
	if attr != 0 {
		sig, err := e.mem.ReadU32(attr)
		if err != nil {
			return 0, err
		}
		if sig != mutexAttrSig {
			return errEINVAL, nil
		}
		if kind, err = e.mem.ReadU32(attr + 4); err != nil {
			return 0, err
		}
	}
	if err := e.mem.WriteU32(addr, mutexSig); err != nil {
		return 0, err
	}
	e.mutexes[addr] = &mutex{kind: kind}
	return 0, nil
}

func (e *Environment) mutexLock(c *dispatch.Call, addr uint32) int32 {
	m := e.mutexFor(addr)
	cur := e.sched.current
	switch m.owner {
	case nil:
		m.owner, m.count = cur, 1
		return 0
	case cur:
		if m.kind == mutexRecursive {
			m.count++
			return 0
		}
		return errEDEADLK
	}
	if len(e.frames) > 0 {
		Logger().Warn("mutex lock would block inside a nested guest call",
			zap.Uint32("mutex", addr),
			zap.Int("depth", len(e.frames)))
		return errEDEADLK
	}
	cur.State = ThreadLocking
	cur.mutex = addr
	m.waiters = append(m.waiters, cur)
	c.Yield()
	return 0
}

func (e *Environment) mutexTryLock(addr uint32) int32 {
	m := e.mutexFor(addr)
	cur := e.sched.current
	switch {
	case m.owner == nil:
		m.owner, m.count = cur, 1
		return 0
	case m.owner == cur && m.kind == mutexRecursive:
		m.count++
		return 0
	default:
		return errEBUSY
	}
}

// mutexUnlock hands the mutex to the first waiter, if any.
func (e *Environment) mutexUnlock(addr uint32) int32 {
	m, ok := e.mutexes[addr]
	if !ok || m.owner != e.sched.current {
		return errEPERM
	}
	m.count--
	if m.count > 0 {
		return 0
	}
	if len(m.waiters) == 0 {
		m.owner = nil
		return 0
	}
	w := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.owner, m.count = w, 1
	w.State = ThreadRunnable
	w.mutex = 0
	return 0
}

func (e *Environment) mutexDestroy(addr uint32) int32 {
	if m, ok := e.mutexes[addr]; ok {
		if m.owner != nil {
			return errEBUSY
		}
		delete(e.mutexes, addr)
	}
	return 0
}

func (e *Environment) mutexAttrInit(attr uint32) (int32, error) {
	if err := e.mem.WriteU32(attr, mutexAttrSig); err != nil {
		return 0, err
	}
	return 0, e.mem.WriteU32(attr+4, mutexNormal)
}

func (e *Environment) mutexAttrSetType(attr, kind uint32) (int32, error) {
	if kind > mutexRecursive {
		return errEINVAL, nil
	}
	sig, err := e.mem.ReadU32(attr)
	if err != nil {
		return 0, err
	}
	if sig != mutexAttrSig {
		return errEINVAL, nil
	}
	return 0, e.mem.WriteU32(attr+4, kind)
}
