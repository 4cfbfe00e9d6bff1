package objc

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	hleruntime "github.com/wippyai/hle-runtime"
	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/errors"
)

// Runtime is the object message runtime of one emulated process. It is not
// safe for concurrent use; the environment serializes all guest activity.
type Runtime struct {
	mem   hleruntime.GuestMemory
	guest dispatch.GuestCaller
	ctx   context.Context

	selByName map[string]SEL
	selNames  map[SEL]string

	classes     map[string]*Class
	classByAddr map[uint32]*Class
	// generation invalidates every method cache when it changes.
	generation uint64

	objects map[uint32]*Object
	// freed holds records of freed objects until their memory is reused.
	freed map[uint32]*Object
	pools [][]uint32

	uncaughtHandler uint32
	root            string
	traceSends      bool
}

// New creates a runtime with the built-in root classes registered.
func New(mem hleruntime.GuestMemory) (*Runtime, error) {
	rt := &Runtime{
		mem:         mem,
		ctx:         context.Background(),
		selByName:   make(map[string]SEL),
		selNames:    make(map[SEL]string),
		classes:     make(map[string]*Class),
		classByAddr: make(map[uint32]*Class),
		objects:     make(map[uint32]*Object),
		freed:       make(map[uint32]*Object),
		root:        "NSObject",
	}
	for _, def := range builtinClasses() {
		if _, err := rt.RegisterClass(def); err != nil {
			return nil, err
		}
	}
	return rt, nil
}

// SetGuestCaller sets how guest IMPs are called from host sends.
func (rt *Runtime) SetGuestCaller(g dispatch.GuestCaller) {
	rt.guest = g
}

// SetTraceSends turns debug logging of every message send on or off.
func (rt *Runtime) SetTraceSends(on bool) {
	rt.traceSends = on
}

func (rt *Runtime) trace(cls *Class, receiver uint32, sel SEL) {
	if !rt.traceSends {
		return
	}
	Logger().Debug("send",
		zap.Stringer("class", cls),
		zap.String("selector", rt.SelName(sel)),
		zap.Uint32("receiver", receiver))
}

// withContext sets the context of guest calls made by host sends and
// returns a function restoring the previous one.
func (rt *Runtime) withContext(ctx context.Context) func() {
	prev := rt.ctx
	if ctx != nil {
		rt.ctx = ctx
	}
	return func() { rt.ctx = prev }
}

// Memory returns the guest memory the runtime allocates from.
func (rt *Runtime) Memory() hleruntime.GuestMemory {
	return rt.mem
}

// UncaughtExceptionHandler returns the guest function registered with
// NSSetUncaughtExceptionHandler, or 0.
func (rt *Runtime) UncaughtExceptionHandler() uint32 {
	return rt.uncaughtHandler
}

// Func is a host method implementation.
type Func func(m *Message) (uint32, error)

// Message is one message send being handled by a host method.
type Message struct {
	rt *Runtime
	// Class is the class the method was found in.
	Class    *Class
	Receiver uint32
	Sel      SEL
	// StructReturn is the result buffer of a _stret send, or 0.
	StructReturn uint32

	argv func(i int) uint32
	ret  uint64
	wide bool
}

// Runtime returns the runtime handling the message.
func (m *Message) Runtime() *Runtime {
	return m.rt
}

// Arg returns argument i after self and _cmd.
func (m *Message) Arg(i int) uint32 {
	if m.argv == nil {
		return 0
	}
	return m.argv(i)
}

// ArgString reads argument i as a C string. NULL reads as "".
func (m *Message) ArgString(i int) (string, error) {
	ptr := m.Arg(i)
	if ptr == 0 {
		return "", nil
	}
	return m.rt.mem.ReadCString(ptr)
}

// Return64 makes the send return v in r0 and r1. The method's own result is
// ignored.
func (m *Message) Return64(v uint64) {
	m.ret = v
	m.wide = true
}

// result is the r1:r0 value of the send given the method's own result.
func (m *Message) result(v uint32) uint64 {
	if m.wide {
		return m.ret
	}
	return uint64(v)
}

// SendSuper sends sel to the receiver starting at the superclass of the
// class the current method was found in.
func (m *Message) SendSuper(sel SEL, args ...uint32) (uint32, error) {
	return m.rt.SendSuper(m.Class, m.Receiver, sel, args...)
}

// Send sends a message from host code. A nil receiver returns 0.
func (rt *Runtime) Send(receiver uint32, sel SEL, args ...uint32) (uint32, error) {
	v, err := rt.Send64(receiver, sel, args...)
	return uint32(v), err
}

// Send64 is Send for methods returning a 64-bit value in r0 and r1.
func (rt *Runtime) Send64(receiver uint32, sel SEL, args ...uint32) (uint64, error) {
	if receiver == 0 {
		return 0, nil
	}
	cls, err := rt.ClassOf(receiver)
	if err != nil {
		return 0, err
	}
	if err := rt.initialize(receiver); err != nil {
		return 0, err
	}
	return rt.send64(cls, receiver, sel, args)
}

// SendSuper sends sel to receiver, looking the method up from the
// superclass of class.
func (rt *Runtime) SendSuper(class *Class, receiver uint32, sel SEL, args ...uint32) (uint32, error) {
	if receiver == 0 {
		return 0, nil
	}
	super := rt.Superclass(class)
	if super == nil {
		return 0, rt.notUnderstood(class, receiver, sel)
	}
	return rt.send(super, receiver, sel, args)
}

// SendName interns sel and sends it.
func (rt *Runtime) SendName(receiver uint32, sel string, args ...uint32) (uint32, error) {
	s, err := rt.Intern(sel)
	if err != nil {
		return 0, err
	}
	return rt.Send(receiver, s, args...)
}

func (rt *Runtime) send(start *Class, receiver uint32, sel SEL, args []uint32) (uint32, error) {
	v, err := rt.send64(start, receiver, sel, args)
	return uint32(v), err
}

func (rt *Runtime) send64(start *Class, receiver uint32, sel SEL, args []uint32) (uint64, error) {
	rt.trace(start, receiver, sel)
	method, owner := rt.Lookup(start, sel)
	if method == nil {
		v, err := rt.forward(start, receiver, sel)
		return uint64(v), err
	}
	if method.IMP != 0 {
		return rt.callGuestIMP(method, receiver, sel, args)
	}
	m := &Message{
		rt:       rt,
		Class:    owner,
		Receiver: receiver,
		Sel:      sel,
		argv:     sliceArgs(args),
	}
	v, err := method.Func(m)
	if err != nil {
		return 0, err
	}
	return m.result(v), nil
}

// forward hands an unrecognized selector to doesNotRecognizeSelector:.
func (rt *Runtime) forward(cls *Class, receiver uint32, sel SEL) (uint32, error) {
	dnr := rt.Sel(selDoesNotRecognize)
	handler, owner := rt.Lookup(cls, dnr)
	if handler == nil || sel == dnr {
		return 0, rt.notUnderstood(cls, receiver, sel)
	}
	Logger().Debug("forwarding unrecognized selector",
		zap.String("class", cls.Name),
		zap.String("selector", rt.SelName(sel)),
		zap.Uint32("receiver", receiver))
	if handler.IMP != 0 {
		if _, err := rt.callGuestIMP(handler, receiver, dnr, []uint32{uint32(sel)}); err != nil {
			return 0, err
		}
		return 0, nil
	}
	m := &Message{
		rt:       rt,
		Class:    owner,
		Receiver: receiver,
		Sel:      dnr,
		argv:     sliceArgs([]uint32{uint32(sel)}),
	}
	_, err := handler.Func(m)
	return 0, err
}

func (rt *Runtime) notUnderstood(cls *Class, receiver uint32, sel SEL) error {
	name := "?"
	if cls != nil {
		name = cls.Name
		if cls.Meta {
			name = "+" + name
		}
	}
	return errors.DoesNotUnderstand(name, rt.SelName(sel), receiver)
}

func (rt *Runtime) callGuestIMP(method *Method, receiver uint32, sel SEL, args []uint32) (uint64, error) {
	if rt.guest == nil {
		return 0, errors.New(errors.PhaseObjC, errors.KindInvalidInput).
			Symbol(rt.SelName(sel)).
			Addr(method.IMP).
			Detail("guest method called without a guest caller").
			Build()
	}
	words := make([]uint32, 0, len(args)+2)
	words = append(words, receiver, uint32(sel))
	words = append(words, args...)
	return rt.guest.CallGuest(rt.ctx, method.IMP, words...)
}

func sliceArgs(args []uint32) func(int) uint32 {
	return func(i int) uint32 {
		if i < 0 || i >= len(args) {
			return 0
		}
		return args[i]
	}
}

// ClassOf returns the class a message to receiver is looked up in: the
// metaclass for class objects, the isa class for instances.
func (rt *Runtime) ClassOf(receiver uint32) (*Class, error) {
	if cls, ok := rt.classByAddr[receiver]; ok {
		if cls.Meta {
			return rt.rootMeta(), nil
		}
		return cls.meta, nil
	}
	if obj, ok := rt.objects[receiver]; ok {
		return obj.Class, nil
	}
	if obj, ok := rt.tombstone(receiver); ok {
		return nil, errors.Consistency(errors.PhaseObjC, receiver,
			fmt.Sprintf("message sent to deallocated %s instance", obj.Class.Name))
	}
	isa, err := rt.mem.ReadU32(receiver)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseObjC, errors.KindConsistency, err,
			fmt.Sprintf("read isa of 0x%08x", receiver))
	}
	cls, ok := rt.classByAddr[isa]
	if !ok {
		return nil, errors.Consistency(errors.PhaseObjC, receiver,
			fmt.Sprintf("object has unknown class pointer 0x%08x", isa))
	}
	return cls, nil
}

// initialize sends +initialize to a class object the first time it
// receives a message, superclasses first.
func (rt *Runtime) initialize(receiver uint32) error {
	cls, ok := rt.classByAddr[receiver]
	if !ok || cls.Meta || cls.initialized {
		return nil
	}
	var chain []*Class
	for c := cls; c != nil && !c.initialized; c = rt.Superclass(c) {
		if c.Placeholder {
			break
		}
		chain = append(chain, c)
	}
	sel := rt.Sel("initialize")
	for i := len(chain) - 1; i >= 0; i-- {
		c := chain[i]
		c.initialized = true
		if _, err := rt.send(c.meta, c.Addr, sel, nil); err != nil {
			return err
		}
	}
	return nil
}
