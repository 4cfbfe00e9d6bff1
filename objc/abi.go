package objc

import (
	"go.bytecodealliance.org/wit"

	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/errors"
)

// LibObjC is the install name of the library the runtime stands in for.
const LibObjC = "/usr/lib/libobjc.A.dylib"

// Library returns the install name the guest ABI functions are bound from.
func (rt *Runtime) Library() string { return LibObjC }

// Functions returns the typed guest ABI functions of the runtime.
func (rt *Runtime) Functions() map[string]any {
	return map[string]any{
		"_objc_retain":                        rt.abiRetain,
		"_objc_release":                       rt.abiRelease,
		"_objc_autorelease":                   rt.abiAutorelease,
		"_objc_retainAutoreleasedReturnValue": rt.abiRetain,
		"_objc_autoreleaseReturnValue":        rt.abiAutorelease,
		"_objc_retainAutorelease":             rt.abiRetainAutorelease,
		"_objc_autoreleasePoolPush":           rt.abiPoolPush,
		"_objc_autoreleasePoolPop":            rt.abiPoolPop,
		"_objc_getClass":                      rt.abiGetClass,
		"_objc_lookUpClass":                   rt.abiGetClass,
		"_objc_getMetaClass":                  rt.abiGetMetaClass,
		"_object_getClass":                    rt.abiObjectGetClass,
		"_class_getName":                      rt.abiClassGetName,
		"_class_getSuperclass":                rt.abiClassGetSuperclass,
		"_class_respondsToSelector":           rt.abiClassRespondsTo,
		"_sel_registerName":                   rt.abiRegisterName,
		"_sel_getUid":                         rt.abiRegisterName,
		"_sel_getName":                        func(sel uint32) uint32 { return sel },
		"_objc_setUncaughtExceptionHandler":   rt.abiSetUncaught,
		"_NSSetUncaughtExceptionHandler":      func(fn uint32) { rt.uncaughtHandler = fn },
		"_NSGetUncaughtExceptionHandler":      func() uint32 { return rt.uncaughtHandler },
	}
}

// Register binds the guest ABI to t, including the message send entry
// points.
func (rt *Runtime) Register(t *dispatch.Table) error {
	if err := t.RegisterHost(rt); err != nil {
		return err
	}
	word := wit.U32{}
	sends := []struct {
		symbol string
		sig    dispatch.Signature
		h      dispatch.Handler
	}{
		{"_objc_msgSend", dispatch.Sig([]wit.Type{word, word}, word), rt.msgSend},
		{"_objc_msgSend_stret", dispatch.Sig([]wit.Type{word, word, word}), rt.msgSendStret},
		{"_objc_msgSendSuper", dispatch.Sig([]wit.Type{word, word}, word), rt.msgSendSuper(false)},
		{"_objc_msgSendSuper2", dispatch.Sig([]wit.Type{word, word}, word), rt.msgSendSuper(true)},
	}
	for _, s := range sends {
		if _, err := t.Register(s.symbol, s.sig, s.h); err != nil {
			return err
		}
	}
	return nil
}

// msgSend is objc_msgSend(self, _cmd, ...). Guest IMPs are entered by a
// tail call with the argument registers untouched.
func (rt *Runtime) msgSend(c *dispatch.Call) error {
	defer rt.withContext(c.Context())()
	receiver, sel := c.Arg(0), SEL(c.Arg(1))
	if receiver == 0 {
		c.Return64(0)
		return nil
	}
	cls, err := rt.ClassOf(receiver)
	if err != nil {
		return err
	}
	if err := rt.initialize(receiver); err != nil {
		return err
	}
	return rt.dispatchSend(c, cls, receiver, sel, 2, 0)
}

// msgSendStret is objc_msgSend_stret(buf, self, _cmd, ...).
func (rt *Runtime) msgSendStret(c *dispatch.Call) error {
	defer rt.withContext(c.Context())()
	buf, receiver, sel := c.Arg(0), c.Arg(1), SEL(c.Arg(2))
	if receiver == 0 {
		return nil
	}
	cls, err := rt.ClassOf(receiver)
	if err != nil {
		return err
	}
	if err := rt.initialize(receiver); err != nil {
		return err
	}
	return rt.dispatchSend(c, cls, receiver, sel, 3, buf)
}

// msgSendSuper is objc_msgSendSuper(super, _cmd, ...) where super points at
// {receiver, class}. The lookup starts at class, or at its superclass for
// objc_msgSendSuper2.
func (rt *Runtime) msgSendSuper(second bool) dispatch.Handler {
	return func(c *dispatch.Call) error {
		defer rt.withContext(c.Context())()
		ptr, sel := c.Arg(0), SEL(c.Arg(1))
		receiver, err := c.Mem.ReadU32(ptr)
		if err != nil {
			return err
		}
		classAddr, err := c.Mem.ReadU32(ptr + 4)
		if err != nil {
			return err
		}
		if receiver == 0 {
			c.Return64(0)
			return nil
		}
		cls, ok := rt.ClassAt(classAddr)
		if !ok {
			return errUnknownClass(classAddr)
		}
		if second {
			if cls = rt.Superclass(cls); cls == nil {
				return rt.notUnderstood(nil, receiver, sel)
			}
		}
		c.Core.SetReg(cpu.R0, receiver)
		return rt.dispatchSend(c, cls, receiver, sel, 2, 0)
	}
}

func errUnknownClass(addr uint32) error {
	return errors.Consistency(errors.PhaseObjC, addr, "super send names an unknown class")
}

// dispatchSend finishes a guest send: args start at word first.
func (rt *Runtime) dispatchSend(c *dispatch.Call, cls *Class, receiver uint32, sel SEL, first int, stret uint32) error {
	rt.trace(cls, receiver, sel)
	method, owner := rt.Lookup(cls, sel)
	if method == nil {
		dnr := rt.Sel(selDoesNotRecognize)
		method, owner = rt.Lookup(cls, dnr)
		if method == nil || sel == dnr {
			return rt.notUnderstood(cls, receiver, sel)
		}
		if method.IMP != 0 {
			c.Core.SetReg(cpu.R0, receiver)
			c.Core.SetReg(cpu.R1, uint32(dnr))
			c.Core.SetReg(cpu.R2, uint32(sel))
			c.TailCall(method.IMP)
			return nil
		}
		m := &Message{rt: rt, Class: owner, Receiver: receiver, Sel: dnr, argv: sliceArgs([]uint32{uint32(sel)})}
		_, err := method.Func(m)
		return err
	}
	if method.IMP != 0 {
		c.TailCall(method.IMP)
		return nil
	}
	m := &Message{
		rt:           rt,
		Class:        owner,
		Receiver:     receiver,
		Sel:          sel,
		StructReturn: stret,
		argv:         func(i int) uint32 { return c.Arg(first + i) },
	}
	v, err := method.Func(m)
	if err != nil {
		return err
	}
	if stret != 0 {
		return nil
	}
	if m.wide {
		c.Return64(m.result(v))
		return nil
	}
	c.Return32(v)
	return nil
}

func (rt *Runtime) abiRetain(c *dispatch.Call, obj uint32) (uint32, error) {
	defer rt.withContext(c.Context())()
	if obj == 0 {
		return 0, nil
	}
	return rt.SendName(obj, "retain")
}

func (rt *Runtime) abiRelease(c *dispatch.Call, obj uint32) error {
	defer rt.withContext(c.Context())()
	if obj == 0 {
		return nil
	}
	_, err := rt.SendName(obj, "release")
	return err
}

func (rt *Runtime) abiAutorelease(c *dispatch.Call, obj uint32) (uint32, error) {
	defer rt.withContext(c.Context())()
	if obj == 0 {
		return 0, nil
	}
	return rt.SendName(obj, "autorelease")
}

func (rt *Runtime) abiRetainAutorelease(c *dispatch.Call, obj uint32) (uint32, error) {
	if _, err := rt.abiRetain(c, obj); err != nil {
		return 0, err
	}
	return rt.abiAutorelease(c, obj)
}

func (rt *Runtime) abiPoolPush() uint32 {
	return rt.PushPool()
}

func (rt *Runtime) abiPoolPop(c *dispatch.Call, token uint32) error {
	defer rt.withContext(c.Context())()
	return rt.PopPool(token)
}

func (rt *Runtime) abiGetClass(name string) uint32 {
	if cls, ok := rt.Class(name); ok {
		return cls.Addr
	}
	return 0
}

func (rt *Runtime) abiGetMetaClass(name string) uint32 {
	if cls, ok := rt.Class(name); ok {
		return cls.meta.Addr
	}
	return 0
}

func (rt *Runtime) abiObjectGetClass(obj uint32) (uint32, error) {
	if obj == 0 {
		return 0, nil
	}
	cls, err := rt.ClassOf(obj)
	if err != nil {
		return 0, err
	}
	return cls.Addr, nil
}

func (rt *Runtime) abiClassGetName(addr uint32) (uint32, error) {
	cls, ok := rt.ClassAt(addr)
	if !ok {
		return 0, nil
	}
	return rt.className(cls)
}

func (rt *Runtime) abiClassGetSuperclass(addr uint32) uint32 {
	cls, ok := rt.ClassAt(addr)
	if !ok {
		return 0
	}
	if super := rt.Superclass(cls); super != nil {
		return super.Addr
	}
	return 0
}

func (rt *Runtime) abiClassRespondsTo(addr, sel uint32) bool {
	cls, ok := rt.ClassAt(addr)
	if !ok {
		return false
	}
	return rt.RespondsTo(cls, SEL(sel))
}

func (rt *Runtime) abiRegisterName(name string) (uint32, error) {
	sel, err := rt.Intern(name)
	return uint32(sel), err
}

func (rt *Runtime) abiSetUncaught(fn uint32) uint32 {
	prev := rt.uncaughtHandler
	rt.uncaughtHandler = fn
	return prev
}
