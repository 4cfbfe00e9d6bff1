package objc

import (
	"github.com/wippyai/hle-runtime/errors"
)

// SEL is a selector: the guest address of its interned name. Equal names
// always intern to the same SEL.
type SEL uint32

// Intern returns the selector for name, writing the name into guest memory
// the first time it is seen.
func (rt *Runtime) Intern(name string) (SEL, error) {
	if sel, ok := rt.selByName[name]; ok {
		return sel, nil
	}
	addr, err := rt.allocCString(name)
	if err != nil {
		return 0, errors.New(errors.PhaseObjC, errors.KindAllocation).
			Symbol(name).
			Cause(err).
			Detail("intern selector").
			Build()
	}
	sel := SEL(addr)
	rt.selByName[name] = sel
	rt.selNames[sel] = name
	return sel, nil
}

// Sel interns name and panics on failure. For host code registering
// selectors that must exist.
func (rt *Runtime) Sel(name string) SEL {
	sel, err := rt.Intern(name)
	if err != nil {
		panic(err)
	}
	return sel
}

// LookupSel returns the selector for name without interning it.
func (rt *Runtime) LookupSel(name string) (SEL, bool) {
	sel, ok := rt.selByName[name]
	return sel, ok
}

// SelName returns the name of sel. Selectors not interned by the runtime
// are read from guest memory.
func (rt *Runtime) SelName(sel SEL) string {
	if name, ok := rt.selNames[sel]; ok {
		return name
	}
	if sel == 0 {
		return ""
	}
	name, err := rt.mem.ReadCString(uint32(sel))
	if err != nil {
		return ""
	}
	return name
}

// uniqueSel maps a guest selector pointer to the interned selector with the
// same name.
func (rt *Runtime) uniqueSel(ptr uint32) (SEL, error) {
	if _, ok := rt.selNames[SEL(ptr)]; ok {
		return SEL(ptr), nil
	}
	name, err := rt.mem.ReadCString(ptr)
	if err != nil {
		return 0, err
	}
	return rt.Intern(name)
}

func (rt *Runtime) allocCString(s string) (uint32, error) {
	addr, err := rt.mem.Alloc(uint32(len(s)+1), 1)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	if err := rt.mem.Write(addr, buf); err != nil {
		return 0, err
	}
	return addr, nil
}
