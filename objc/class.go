package objc

import (
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/errors"
)

// classObjectSize is the size of an objc2 class_t on a 32-bit guest:
// isa, superclass, cache, vtable, data.
const classObjectSize = 20

// Method is one entry of a method table: a host function or a guest IMP.
type Method struct {
	Func  Func
	Types string
	IMP   uint32
}

// Ivar describes an instance variable of a guest class.
type Ivar struct {
	Name   string
	Type   string
	Offset uint32
	Size   uint32
}

// Class is a class or metaclass record.
type Class struct {
	methods map[SEL]*Method
	cache   map[SEL]cacheEntry
	// meta is the metaclass of a class and the class of a metaclass.
	meta *Class

	Name string
	// SuperName names the superclass; it is resolved on every lookup so
	// classes may be registered in any order.
	SuperName    string
	Ivars        []Ivar
	cacheGen     uint64
	Addr         uint32
	InstanceSize uint32
	nameAddr     uint32
	Meta         bool
	// Guest classes come from a loaded image.
	Guest bool
	// Placeholder classes were referenced before being registered.
	Placeholder bool
	initialized bool
}

type cacheEntry struct {
	method *Method
	owner  *Class
}

// Metaclass returns the metaclass of a class, or the class of a metaclass.
func (c *Class) Metaclass() *Class {
	return c.meta
}

// Methods returns the selectors the class itself implements.
func (c *Class) Methods() []SEL {
	out := make([]SEL, 0, len(c.methods))
	for sel := range c.methods {
		out = append(out, sel)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func (c *Class) String() string {
	if c.Meta {
		return "meta " + c.Name
	}
	return c.Name
}

// ClassDef describes a host class.
type ClassDef struct {
	InstanceMethods map[string]Func
	ClassMethods    map[string]Func
	Name            string
	Super           string
	InstanceSize    uint32
}

// RegisterClass registers a host class. Registering a name again merges the
// method tables; a selector registered later replaces the earlier method.
func (rt *Runtime) RegisterClass(def ClassDef) (*Class, error) {
	if def.Name == "" {
		return nil, errors.InvalidInput(errors.PhaseObjC, "class name cannot be empty")
	}
	cls, err := rt.ensureClass(def.Name)
	if err != nil {
		return nil, err
	}
	rt.define(cls, def.Super, def.InstanceSize)
	for name, fn := range def.InstanceMethods {
		if err := rt.addMethod(cls, name, &Method{Func: fn}); err != nil {
			return nil, err
		}
	}
	for name, fn := range def.ClassMethods {
		if err := rt.addMethod(cls.meta, name, &Method{Func: fn}); err != nil {
			return nil, err
		}
	}
	rt.flushCaches()
	if err := rt.writeClassObjects(cls); err != nil {
		return nil, err
	}
	for _, sub := range rt.classes {
		if sub != cls && sub.SuperName == cls.Name {
			if err := rt.writeClassObjects(sub); err != nil {
				return nil, err
			}
		}
	}
	Logger().Debug("class registered",
		zap.String("class", cls.Name),
		zap.String("super", cls.SuperName),
		zap.Uint32("addr", cls.Addr))
	return cls, nil
}

// define fills in a class record from its definition.
func (rt *Runtime) define(cls *Class, super string, size uint32) {
	if cls.Placeholder || cls.SuperName == "" {
		cls.SuperName = super
		cls.meta.SuperName = super
	}
	cls.Placeholder = false
	if size > cls.InstanceSize {
		cls.InstanceSize = size
	}
}

// AddMethods adds methods to a registered class, replacing methods with the
// same selectors.
func (rt *Runtime) AddMethods(class string, meta bool, methods map[string]Func) error {
	cls, ok := rt.classes[class]
	if !ok {
		return errors.NotFound(errors.PhaseObjC, "class", class)
	}
	target := cls
	if meta {
		target = cls.meta
	}
	for name, fn := range methods {
		if err := rt.addMethod(target, name, &Method{Func: fn}); err != nil {
			return err
		}
	}
	rt.flushCaches()
	return nil
}

func (rt *Runtime) addMethod(cls *Class, name string, m *Method) error {
	sel, err := rt.Intern(name)
	if err != nil {
		return err
	}
	rt.setMethod(cls, sel, m)
	return nil
}

func (rt *Runtime) setMethod(cls *Class, sel SEL, m *Method) {
	if _, ok := cls.methods[sel]; ok {
		Logger().Debug("method replaced",
			zap.String("class", cls.String()),
			zap.String("selector", rt.SelName(sel)))
	}
	cls.methods[sel] = m
}

// ensureClass returns the record for name, creating a placeholder with
// class objects in guest memory when the class is unknown.
func (rt *Runtime) ensureClass(name string) (*Class, error) {
	if cls, ok := rt.classes[name]; ok {
		return cls, nil
	}
	addr, err := rt.mem.Alloc(2*classObjectSize, 16)
	if err != nil {
		return nil, errors.New(errors.PhaseObjC, errors.KindAllocation).
			Symbol(name).
			Cause(err).
			Detail("allocate class object").
			Build()
	}
	cls, err := rt.newClassPair(name, addr, addr+classObjectSize)
	if err != nil {
		return nil, err
	}
	cls.Placeholder = true
	return cls, nil
}

func (rt *Runtime) newClassPair(name string, addr, metaAddr uint32) (*Class, error) {
	if addr == 0 || metaAddr == 0 {
		return nil, errors.InvalidInput(errors.PhaseObjC, fmt.Sprintf("class %s has no class object", name))
	}
	cls := &Class{
		Name:    name,
		Addr:    addr,
		methods: make(map[SEL]*Method),
	}
	meta := &Class{
		Name:    name,
		Addr:    metaAddr,
		Meta:    true,
		methods: make(map[SEL]*Method),
	}
	cls.meta, meta.meta = meta, cls
	rt.classes[name] = cls
	rt.classByAddr[addr] = cls
	rt.classByAddr[metaAddr] = meta
	return cls, nil
}

// writeClassObjects writes isa and superclass of a host class pair into
// guest memory.
func (rt *Runtime) writeClassObjects(cls *Class) error {
	if cls.Guest {
		return nil
	}
	root := rt.rootMeta()
	rootAddr := cls.meta.Addr
	if root != nil {
		rootAddr = root.Addr
	}
	var super, superMeta uint32
	if s := rt.Superclass(cls); s != nil {
		super = s.Addr
		superMeta = s.meta.Addr
	} else if cls.SuperName == "" {
		superMeta = cls.Addr
	}
	words := []struct{ addr, v uint32 }{
		{cls.Addr, cls.meta.Addr},
		{cls.Addr + 4, super},
		{cls.meta.Addr, rootAddr},
		{cls.meta.Addr + 4, superMeta},
	}
	for _, w := range words {
		if err := rt.mem.WriteU32(w.addr, w.v); err != nil {
			return errors.Wrap(errors.PhaseObjC, errors.KindConsistency, err,
				"write class object of "+cls.Name)
		}
	}
	return nil
}

// Class returns the registered class named name.
func (rt *Runtime) Class(name string) (*Class, bool) {
	cls, ok := rt.classes[name]
	if !ok || cls.Placeholder {
		return nil, false
	}
	return cls, true
}

// ClassAt returns the class or metaclass whose class object is at addr.
func (rt *Runtime) ClassAt(addr uint32) (*Class, bool) {
	cls, ok := rt.classByAddr[addr]
	return cls, ok
}

// Classes returns the names of all registered classes.
func (rt *Runtime) Classes() []string {
	out := make([]string, 0, len(rt.classes))
	for name, cls := range rt.classes {
		if !cls.Placeholder {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Superclass returns the superclass of c, or nil at the root or when the
// superclass is not registered. The root metaclass's superclass is the root
// class.
func (rt *Runtime) Superclass(c *Class) *Class {
	if c.SuperName == "" {
		if c.Meta {
			return c.meta
		}
		return nil
	}
	super, ok := rt.classes[c.SuperName]
	if !ok {
		return nil
	}
	if c.Meta {
		return super.meta
	}
	return super
}

func (rt *Runtime) rootMeta() *Class {
	root, ok := rt.classes[rt.root]
	if !ok {
		return nil
	}
	return root.meta
}

// Lookup finds the method for sel starting at c and walking superclasses.
// It returns the method and the class that implements it.
func (rt *Runtime) Lookup(c *Class, sel SEL) (*Method, *Class) {
	if c == nil {
		return nil, nil
	}
	if c.cacheGen != rt.generation || c.cache == nil {
		c.cache = make(map[SEL]cacheEntry)
		c.cacheGen = rt.generation
	}
	if e, ok := c.cache[sel]; ok {
		return e.method, e.owner
	}
	seen := 0
	for cls := c; cls != nil; cls = rt.Superclass(cls) {
		if m, ok := cls.methods[sel]; ok {
			c.cache[sel] = cacheEntry{method: m, owner: cls}
			return m, cls
		}
		seen++
		if seen > len(rt.classByAddr) {
			Logger().Warn("superclass cycle", zap.String("class", c.String()))
			break
		}
	}
	return nil, nil
}

// RespondsTo reports whether instances of c (or c itself, for a metaclass)
// handle sel.
func (rt *Runtime) RespondsTo(c *Class, sel SEL) bool {
	m, _ := rt.Lookup(c, sel)
	return m != nil
}

// IsSubclass reports whether c is sub or inherits from it.
func (rt *Runtime) IsSubclass(c, sub *Class) bool {
	for i, cls := 0, c; cls != nil && i <= len(rt.classByAddr); i, cls = i+1, rt.Superclass(cls) {
		if cls == sub {
			return true
		}
	}
	return false
}

func (rt *Runtime) flushCaches() {
	rt.generation++
}

// ClassSymbol resolves _OBJC_CLASS_$_X and _OBJC_METACLASS_$_X to the class
// object of X, creating a placeholder if X is not registered yet.
func (rt *Runtime) ClassSymbol(symbol string) (uint32, bool) {
	var name string
	meta := false
	switch {
	case strings.HasPrefix(symbol, classSymbolPrefix):
		name = symbol[len(classSymbolPrefix):]
	case strings.HasPrefix(symbol, metaclassSymbolPrefix):
		name = symbol[len(metaclassSymbolPrefix):]
		meta = true
	default:
		return 0, false
	}
	if name == "" {
		return 0, false
	}
	cls, err := rt.ensureClass(name)
	if err != nil {
		Logger().Warn("class symbol unresolved", zap.String("symbol", symbol), zap.Error(err))
		return 0, false
	}
	if cls.Placeholder {
		if err := rt.writeClassObjects(cls); err != nil {
			return 0, false
		}
		Logger().Debug("forward class reference", zap.String("class", name))
	}
	if meta {
		return cls.meta.Addr, true
	}
	return cls.Addr, true
}

const (
	classSymbolPrefix     = "_OBJC_CLASS_$_"
	metaclassSymbolPrefix = "_OBJC_METACLASS_$_"
)

// className returns the guest C string holding the name of c.
func (rt *Runtime) className(c *Class) (uint32, error) {
	owner := c
	if c.Meta {
		owner = c.meta
	}
	if owner.nameAddr != 0 {
		return owner.nameAddr, nil
	}
	addr, err := rt.allocCString(owner.Name)
	if err != nil {
		return 0, err
	}
	owner.nameAddr = addr
	return addr, nil
}
