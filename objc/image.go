package objc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/errors"
)

// Range is a span of guest memory.
type Range struct {
	Addr uint32
	Size uint32
}

// ImageInfo locates the objc2 metadata sections of a mapped, bound image.
type ImageInfo struct {
	ClassList    []Range
	CategoryList []Range
	SelectorRefs []Range
}

// objc2 layouts for a 32-bit guest.
const (
	classIsa        = 0
	classSuper      = 4
	classData       = 16
	roInstanceSize  = 8
	roName          = 16
	roBaseMethods   = 20
	roIvars         = 28
	catName         = 0
	catClass        = 4
	catInstMethods  = 8
	catClassMethods = 12
	ivarEntrySize   = 20
	methodEntrySize = 12
)

// LoadImage registers the classes and categories of an image and uniques
// its selector references. Image classes keep their class object
// addresses; their methods merge into classes of the same name.
func (rt *Runtime) LoadImage(info ImageInfo) error {
	for _, r := range info.SelectorRefs {
		if err := rt.uniqueSelRefs(r); err != nil {
			return err
		}
	}

	var classes []uint32
	for _, r := range info.ClassList {
		for off := uint32(0); off+4 <= r.Size; off += 4 {
			addr, err := rt.mem.ReadU32(r.Addr + off)
			if err != nil {
				return metadataError("__objc_classlist", r.Addr+off, "read class pointer", err)
			}
			if addr != 0 {
				classes = append(classes, addr)
			}
		}
	}

	records := make([]*Class, len(classes))
	for i, addr := range classes {
		cls, err := rt.declareGuestClass(addr)
		if err != nil {
			return err
		}
		records[i] = cls
	}
	for i, addr := range classes {
		if err := rt.defineGuestClass(records[i], addr); err != nil {
			return err
		}
	}

	for _, r := range info.CategoryList {
		for off := uint32(0); off+4 <= r.Size; off += 4 {
			addr, err := rt.mem.ReadU32(r.Addr + off)
			if err != nil {
				return metadataError("__objc_catlist", r.Addr+off, "read category pointer", err)
			}
			if addr == 0 {
				continue
			}
			if err := rt.loadCategory(addr); err != nil {
				return err
			}
		}
	}

	rt.flushCaches()
	Logger().Info("objc metadata loaded",
		zap.Int("classes", len(classes)),
		zap.Int("selectors", len(rt.selNames)))
	return nil
}

func (rt *Runtime) uniqueSelRefs(r Range) error {
	for off := uint32(0); off+4 <= r.Size; off += 4 {
		ref := r.Addr + off
		ptr, err := rt.mem.ReadU32(ref)
		if err != nil {
			return metadataError("__objc_selrefs", ref, "read selector reference", err)
		}
		if ptr == 0 {
			continue
		}
		sel, err := rt.uniqueSel(ptr)
		if err != nil {
			return metadataError("__objc_selrefs", ref, "read selector name", err)
		}
		if uint32(sel) != ptr {
			if err := rt.mem.WriteU32(ref, uint32(sel)); err != nil {
				return metadataError("__objc_selrefs", ref, "write selector reference", err)
			}
		}
	}
	return nil
}

// declareGuestClass creates the record for the class object at addr.
func (rt *Runtime) declareGuestClass(addr uint32) (*Class, error) {
	name, err := rt.guestClassName(addr)
	if err != nil {
		return nil, err
	}
	metaAddr, err := rt.mem.ReadU32(addr + classIsa)
	if err != nil {
		return nil, metadataError(name, addr, "read isa", err)
	}

	if existing, ok := rt.classes[name]; ok {
		Logger().Debug("image class merges into existing class",
			zap.String("class", name),
			zap.Bool("placeholder", existing.Placeholder))
		rt.classByAddr[addr] = existing
		if metaAddr != 0 {
			rt.classByAddr[metaAddr] = existing.meta
		}
		existing.Guest = true
		return existing, nil
	}
	cls, err := rt.newClassPair(name, addr, metaAddr)
	if err != nil {
		return nil, err
	}
	cls.Guest = true
	return cls, nil
}

func (rt *Runtime) defineGuestClass(cls *Class, addr uint32) error {
	superAddr, err := rt.mem.ReadU32(addr + classSuper)
	if err != nil {
		return metadataError(cls.Name, addr, "read superclass", err)
	}
	super := ""
	if superAddr != 0 {
		if sc, ok := rt.classByAddr[superAddr]; ok {
			super = sc.Name
		} else if super, err = rt.guestClassName(superAddr); err != nil {
			return err
		}
	} else if cls.Name != rt.root {
		Logger().Warn("image class has no superclass", zap.String("class", cls.Name))
	}
	if cls.Placeholder || cls.SuperName == "" {
		cls.SuperName = super
		cls.meta.SuperName = super
	}
	cls.Placeholder = false

	ro, err := rt.classRO(addr)
	if err != nil {
		return metadataError(cls.Name, addr, "read class data", err)
	}
	size, err := rt.mem.ReadU32(ro + roInstanceSize)
	if err != nil {
		return metadataError(cls.Name, ro, "read instance size", err)
	}
	if size > cls.InstanceSize {
		cls.InstanceSize = size
	}
	if err := rt.loadMethods(cls, ro+roBaseMethods); err != nil {
		return err
	}
	if err := rt.loadIvars(cls, ro+roIvars); err != nil {
		return err
	}

	metaAddr := cls.meta.Addr
	if isa, err := rt.mem.ReadU32(addr + classIsa); err == nil && isa != 0 {
		metaAddr = isa
	}
	metaRO, err := rt.classRO(metaAddr)
	if err != nil {
		return metadataError(cls.Name, metaAddr, "read metaclass data", err)
	}
	if err := rt.loadMethods(cls.meta, metaRO+roBaseMethods); err != nil {
		return err
	}
	Logger().Debug("image class loaded",
		zap.String("class", cls.Name),
		zap.String("super", cls.SuperName),
		zap.Uint32("addr", addr),
		zap.Uint32("instance_size", cls.InstanceSize))
	return nil
}

func (rt *Runtime) loadCategory(addr uint32) error {
	namePtr, err := rt.mem.ReadU32(addr + catName)
	if err != nil {
		return metadataError("__objc_catlist", addr, "read category", err)
	}
	name, _ := rt.mem.ReadCString(namePtr)
	classAddr, err := rt.mem.ReadU32(addr + catClass)
	if err != nil {
		return metadataError("__objc_catlist", addr, "read category class", err)
	}
	cls, ok := rt.classByAddr[classAddr]
	if !ok {
		Logger().Warn("category of unknown class skipped",
			zap.String("category", name),
			zap.Uint32("class", classAddr))
		return nil
	}
	if cls.Meta {
		cls = cls.meta
	}
	if err := rt.loadMethods(cls, addr+catInstMethods); err != nil {
		return err
	}
	if err := rt.loadMethods(cls.meta, addr+catClassMethods); err != nil {
		return err
	}
	Logger().Debug("category loaded", zap.String("class", cls.Name), zap.String("category", name))
	return nil
}

// loadMethods reads the method list whose pointer is at field.
func (rt *Runtime) loadMethods(cls *Class, field uint32) error {
	list, err := rt.mem.ReadU32(field)
	if err != nil {
		return metadataError(cls.Name, field, "read method list pointer", err)
	}
	if list == 0 {
		return nil
	}
	entsize, count, err := rt.listHeader(list)
	if err != nil {
		return metadataError(cls.Name, list, "read method list", err)
	}
	if entsize < methodEntrySize {
		return metadataError(cls.Name, list, fmt.Sprintf("method entry size %d", entsize), nil)
	}
	for i := uint32(0); i < count; i++ {
		entry := list + 8 + i*entsize
		namePtr, err1 := rt.mem.ReadU32(entry)
		typesPtr, err2 := rt.mem.ReadU32(entry + 4)
		imp, err3 := rt.mem.ReadU32(entry + 8)
		if err := firstErr(err1, err2, err3); err != nil {
			return metadataError(cls.Name, entry, "read method", err)
		}
		sel, err := rt.uniqueSel(namePtr)
		if err != nil {
			return metadataError(cls.Name, entry, "read method name", err)
		}
		types, _ := rt.mem.ReadCString(typesPtr)
		if imp == 0 {
			continue
		}
		rt.setMethod(cls, sel, &Method{IMP: imp, Types: types})
	}
	return nil
}

func (rt *Runtime) loadIvars(cls *Class, field uint32) error {
	list, err := rt.mem.ReadU32(field)
	if err != nil || list == 0 {
		return err
	}
	entsize, count, err := rt.listHeader(list)
	if err != nil {
		return metadataError(cls.Name, list, "read ivar list", err)
	}
	if entsize < ivarEntrySize {
		entsize = ivarEntrySize
	}
	ivars := make([]Ivar, 0, count)
	for i := uint32(0); i < count; i++ {
		entry := list + 8 + i*entsize
		offPtr, err1 := rt.mem.ReadU32(entry)
		namePtr, err2 := rt.mem.ReadU32(entry + 4)
		typePtr, err3 := rt.mem.ReadU32(entry + 8)
		size, err4 := rt.mem.ReadU32(entry + 16)
		if err := firstErr(err1, err2, err3, err4); err != nil {
			return metadataError(cls.Name, entry, "read ivar", err)
		}
		iv := Ivar{Size: size}
		iv.Name, _ = rt.mem.ReadCString(namePtr)
		iv.Type, _ = rt.mem.ReadCString(typePtr)
		if offPtr != 0 {
			iv.Offset, _ = rt.mem.ReadU32(offPtr)
		}
		ivars = append(ivars, iv)
	}
	cls.Ivars = ivars
	return nil
}

func (rt *Runtime) listHeader(list uint32) (entsize, count uint32, err error) {
	entsize, err = rt.mem.ReadU32(list)
	if err != nil {
		return 0, 0, err
	}
	count, err = rt.mem.ReadU32(list + 4)
	return entsize &^ 3, count, err
}

// classRO returns the class_ro_t of the class object at addr.
func (rt *Runtime) classRO(addr uint32) (uint32, error) {
	data, err := rt.mem.ReadU32(addr + classData)
	if err != nil {
		return 0, err
	}
	ro := data &^ 3
	if ro == 0 {
		return 0, fmt.Errorf("class 0x%08x has no data", addr)
	}
	return ro, nil
}

func (rt *Runtime) guestClassName(addr uint32) (string, error) {
	ro, err := rt.classRO(addr)
	if err != nil {
		return "", metadataError("class", addr, "read class data", err)
	}
	namePtr, err := rt.mem.ReadU32(ro + roName)
	if err != nil {
		return "", metadataError("class", ro, "read class name pointer", err)
	}
	name, err := rt.mem.ReadCString(namePtr)
	if err != nil || name == "" {
		return "", metadataError("class", namePtr, "read class name", err)
	}
	return name, nil
}

func metadataError(where string, addr uint32, what string, cause error) error {
	return errors.New(errors.PhaseObjC, errors.KindInvalidData).
		Path(where).
		Addr(addr).
		Cause(cause).
		Detail("%s", what).
		Build()
}

func firstErr(errs ...error) error {
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}
