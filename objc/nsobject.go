package objc

import (
	"github.com/wippyai/hle-runtime/errors"
)

const selDoesNotRecognize = "doesNotRecognizeSelector:"

func builtinClasses() []ClassDef {
	return []ClassDef{
		{
			Name:         "NSObject",
			InstanceSize: minInstanceSize,
			ClassMethods: map[string]Func{
				"alloc":          classAlloc,
				"allocWithZone:": classAlloc,
				"new":            classNew,
				"class":          func(m *Message) (uint32, error) { return m.Receiver, nil },
				"superclass":     classSuperclass,
				"initialize":     func(m *Message) (uint32, error) { return 0, nil },
			},
			InstanceMethods: map[string]Func{
				"init":                        func(m *Message) (uint32, error) { return m.Receiver, nil },
				"self":                        func(m *Message) (uint32, error) { return m.Receiver, nil },
				"hash":                        func(m *Message) (uint32, error) { return m.Receiver, nil },
				"isEqual:":                    objectIsEqual,
				"retain":                      objectRetain,
				"release":                     objectRelease,
				"autorelease":                 objectAutorelease,
				"retainCount":                 objectRetainCount,
				"dealloc":                     objectDealloc,
				"class":                       objectClass,
				"superclass":                  objectSuperclass,
				"respondsToSelector:":         objectRespondsTo,
				"isKindOfClass:":              objectIsKindOf,
				"isMemberOfClass:":            objectIsMemberOf,
				"copy":                        objectCopy,
				"performSelector:":            objectPerform,
				"performSelector:withObject:": objectPerform,
				selDoesNotRecognize:           objectDoesNotRecognize,
			},
		},
		{
			Name:            "NSAutoreleasePool",
			Super:           "NSObject",
			InstanceSize:    minInstanceSize,
			InstanceMethods: map[string]Func{
				"init":        poolInit,
				"drain":       poolDrain,
				"release":     poolDrain,
				"retain":      func(m *Message) (uint32, error) { return m.Receiver, nil },
				"autorelease": func(m *Message) (uint32, error) { return m.Receiver, nil },
			},
		},
		{
			Name:            "NSException",
			Super:           "NSObject",
			InstanceSize:    minInstanceSize,
			InstanceMethods: map[string]Func{
				"name":   exceptionField(func(e *Exception) string { return e.Name }),
				"reason": exceptionField(func(e *Exception) string { return e.Reason }),
			},
		},
	}
}

func classAlloc(m *Message) (uint32, error) {
	cls, ok := m.rt.ClassAt(m.Receiver)
	if !ok || cls.Meta {
		return 0, errors.Consistency(errors.PhaseObjC, m.Receiver, "alloc sent to a non-class")
	}
	return m.rt.AllocObject(cls, nil)
}

func classNew(m *Message) (uint32, error) {
	obj, err := m.rt.SendName(m.Receiver, "alloc")
	if err != nil || obj == 0 {
		return 0, err
	}
	return m.rt.SendName(obj, "init")
}

func classSuperclass(m *Message) (uint32, error) {
	cls, ok := m.rt.ClassAt(m.Receiver)
	if !ok {
		return 0, nil
	}
	if super := m.rt.Superclass(cls); super != nil {
		return super.Addr, nil
	}
	return 0, nil
}

func objectIsEqual(m *Message) (uint32, error) {
	return boolWord(m.Receiver == m.Arg(0)), nil
}

func objectRetain(m *Message) (uint32, error) {
	return m.Receiver, m.rt.Retain(m.Receiver)
}

func objectRelease(m *Message) (uint32, error) {
	return 0, m.rt.Release(m.Receiver)
}

func objectAutorelease(m *Message) (uint32, error) {
	return m.Receiver, m.rt.Autorelease(m.Receiver)
}

func objectRetainCount(m *Message) (uint32, error) {
	return m.rt.RetainCount(m.Receiver), nil
}

func objectDealloc(m *Message) (uint32, error) {
	if _, ok := m.rt.ClassAt(m.Receiver); ok {
		return 0, nil
	}
	if _, ok := m.rt.Object(m.Receiver); !ok {
		return 0, nil
	}
	return 0, m.rt.Dealloc(m.Receiver)
}

// objectClass returns the class of an instance; a class object answers
// itself.
func objectClass(m *Message) (uint32, error) {
	if cls, ok := m.rt.ClassAt(m.Receiver); ok && !cls.Meta {
		return m.Receiver, nil
	}
	cls, err := m.rt.ClassOf(m.Receiver)
	if err != nil {
		return 0, err
	}
	return cls.Addr, nil
}

func objectSuperclass(m *Message) (uint32, error) {
	cls, err := m.rt.ClassOf(m.Receiver)
	if err != nil {
		return 0, err
	}
	if super := m.rt.Superclass(cls); super != nil {
		return super.Addr, nil
	}
	return 0, nil
}

func objectRespondsTo(m *Message) (uint32, error) {
	cls, err := m.rt.ClassOf(m.Receiver)
	if err != nil {
		return 0, err
	}
	return boolWord(m.rt.RespondsTo(cls, SEL(m.Arg(0)))), nil
}

func objectIsKindOf(m *Message) (uint32, error) {
	target, ok := m.rt.ClassAt(m.Arg(0))
	if !ok {
		return 0, nil
	}
	cls, err := m.rt.ClassOf(m.Receiver)
	if err != nil {
		return 0, err
	}
	return boolWord(m.rt.IsSubclass(cls, target)), nil
}

func objectIsMemberOf(m *Message) (uint32, error) {
	cls, err := m.rt.ClassOf(m.Receiver)
	if err != nil {
		return 0, err
	}
	return boolWord(cls.Addr == m.Arg(0)), nil
}

func objectCopy(m *Message) (uint32, error) {
	return m.rt.SendName(m.Receiver, "copyWithZone:", 0)
}

func objectPerform(m *Message) (uint32, error) {
	return m.rt.Send(m.Receiver, SEL(m.Arg(0)), m.Arg(1))
}

func objectDoesNotRecognize(m *Message) (uint32, error) {
	cls, err := m.rt.ClassOf(m.Receiver)
	if err != nil {
		return 0, err
	}
	return 0, m.rt.notUnderstood(cls, m.Receiver, SEL(m.Arg(0)))
}

func poolInit(m *Message) (uint32, error) {
	token := m.rt.PushPool()
	if err := m.rt.SetHostObject(m.Receiver, token); err != nil {
		return 0, err
	}
	return m.Receiver, nil
}

func poolDrain(m *Message) (uint32, error) {
	if token, ok := m.rt.HostObject(m.Receiver).(uint32); ok && int(token) <= m.rt.PoolDepth() {
		if err := m.rt.PopPool(token); err != nil {
			return 0, err
		}
	}
	return m.SendSuper(m.rt.Sel("release"))
}

// Exception is the host state of an NSException.
type Exception struct {
	Name   string
	Reason string
	// strings caches the guest C strings handed out by name and reason.
	strings map[string]uint32
}

// NewException allocates an NSException carrying name and reason.
func (rt *Runtime) NewException(name, reason string) (uint32, error) {
	cls, ok := rt.Class("NSException")
	if !ok {
		return 0, errors.NotFound(errors.PhaseObjC, "class", "NSException")
	}
	return rt.AllocObject(cls, &Exception{Name: name, Reason: reason})
}

// exceptionField returns a field of the exception as a guest C string.
func exceptionField(get func(*Exception) string) Func {
	return func(m *Message) (uint32, error) {
		e, ok := m.rt.HostObject(m.Receiver).(*Exception)
		if !ok {
			return 0, nil
		}
		s := get(e)
		if addr, ok := e.strings[s]; ok {
			return addr, nil
		}
		addr, err := m.rt.allocCString(s)
		if err != nil {
			return 0, err
		}
		if e.strings == nil {
			e.strings = make(map[string]uint32)
		}
		e.strings[s] = addr
		return addr, nil
	}
}

func boolWord(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}
