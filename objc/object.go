package objc

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/errors"
)

// ObjectState is the lifecycle state of an allocated object.
type ObjectState uint8

const (
	StateLive ObjectState = iota
	StateDeallocating
	StateFreed
)

func (s ObjectState) String() string {
	switch s {
	case StateLive:
		return "live"
	case StateDeallocating:
		return "deallocating"
	case StateFreed:
		return "freed"
	default:
		return "unknown"
	}
}

// Object is the host-side record of an object allocated by the runtime.
// Objects the runtime did not allocate, such as constant strings in an
// image, have no record and are never freed.
type Object struct {
	// Host is state a host class keeps for the object.
	Host     any
	Class    *Class
	Addr     uint32
	RefCount uint32
	State    ObjectState
}

// minInstanceSize covers the isa pointer.
const minInstanceSize = 4

// maxTombstones bounds the freed-object records kept for use-after-free
// detection.
const maxTombstones = 4096

// heapBlocks is guest memory that can report whether a heap block is
// allocated.
type heapBlocks interface {
	AllocSize(ptr uint32) (uint32, bool)
}

// AllocObject allocates a zeroed instance of cls with a reference count of
// one.
func (rt *Runtime) AllocObject(cls *Class, host any) (uint32, error) {
	if cls == nil || cls.Meta {
		return 0, errors.InvalidInput(errors.PhaseObjC, "allocate instance of a non-class")
	}
	size := cls.InstanceSize
	if size < minInstanceSize {
		size = minInstanceSize
	}
	addr, err := rt.mem.Alloc(size, 16)
	if err != nil {
		return 0, errors.New(errors.PhaseObjC, errors.KindAllocation).
			Symbol(cls.Name).
			Cause(err).
			Detail("allocate %d-byte instance", size).
			Build()
	}
	if err := rt.mem.Write(addr, make([]byte, size)); err != nil {
		return 0, err
	}
	if err := rt.mem.WriteU32(addr, cls.Addr); err != nil {
		return 0, err
	}
	delete(rt.freed, addr)
	rt.objects[addr] = &Object{
		Host:     host,
		Class:    cls,
		Addr:     addr,
		RefCount: 1,
	}
	Logger().Debug("object allocated",
		zap.String("class", cls.Name),
		zap.Uint32("addr", addr),
		zap.Uint32("size", size))
	return addr, nil
}

// Object returns the record of obj, if the runtime allocated it. A freed
// object keeps a record in StateFreed until its memory is allocated again.
func (rt *Runtime) Object(obj uint32) (*Object, bool) {
	if o, ok := rt.objects[obj]; ok {
		return o, true
	}
	return rt.tombstone(obj)
}

// HostObject returns the host state attached to obj.
func (rt *Runtime) HostObject(obj uint32) any {
	if o, ok := rt.objects[obj]; ok {
		return o.Host
	}
	return nil
}

// SetHostObject attaches host state to obj.
func (rt *Runtime) SetHostObject(obj uint32, host any) error {
	o, ok := rt.objects[obj]
	if !ok {
		return errors.Consistency(errors.PhaseObjC, obj, "host state attached to an object the runtime does not own")
	}
	o.Host = host
	return nil
}

// Retain increments the reference count of obj. Retaining nil or an object
// the runtime does not own does nothing.
func (rt *Runtime) Retain(obj uint32) error {
	o, err := rt.owned(obj, "retain")
	if err != nil || o == nil {
		return err
	}
	if o.State == StateLive {
		o.RefCount++
	}
	return nil
}

// Release decrements the reference count of obj and deallocates it when
// the count reaches zero. dealloc is sent before the memory is freed.
func (rt *Runtime) Release(obj uint32) error {
	o, err := rt.owned(obj, "release")
	if err != nil || o == nil {
		return err
	}
	if o.State != StateLive {
		return nil
	}
	if o.RefCount > 1 {
		o.RefCount--
		return nil
	}
	o.RefCount = 0
	o.State = StateDeallocating
	if _, err := rt.send(o.Class, obj, rt.Sel("dealloc"), nil); err != nil {
		return err
	}
	if o.State == StateDeallocating {
		Logger().Warn("dealloc did not reach the root class",
			zap.String("class", o.Class.Name),
			zap.Uint32("addr", obj))
		return rt.Dealloc(obj)
	}
	return nil
}

// Dealloc frees the memory of obj. It is what the root class's dealloc
// does; freeing an object twice is a consistency error.
func (rt *Runtime) Dealloc(obj uint32) error {
	o, ok := rt.objects[obj]
	if !ok {
		if dead, ok := rt.tombstone(obj); ok {
			return errors.Consistency(errors.PhaseObjC, obj,
				fmt.Sprintf("%s instance freed twice", dead.Class.Name))
		}
		return errors.Consistency(errors.PhaseObjC, obj, "dealloc of an object the runtime does not own")
	}
	delete(rt.objects, obj)
	o.State = StateFreed
	o.RefCount = 0
	o.Host = nil
	if err := rt.mem.Free(obj); err != nil {
		return errors.Wrap(errors.PhaseObjC, errors.KindConsistency, err, "free object memory")
	}
	rt.bury(o)
	Logger().Debug("object freed", zap.String("class", o.Class.Name), zap.Uint32("addr", obj))
	return nil
}

// bury records a freed object. When the records reach maxTombstones the
// ones whose memory was reused are dropped, then all of them if that is
// not enough.
func (rt *Runtime) bury(o *Object) {
	if len(rt.freed) >= maxTombstones {
		for addr := range rt.freed {
			if rt.reused(addr) {
				delete(rt.freed, addr)
			}
		}
		if len(rt.freed) >= maxTombstones {
			clear(rt.freed)
		}
	}
	rt.freed[o.Addr] = o
}

// tombstone returns the record of the object freed at obj, unless the heap
// has since handed the block out again.
func (rt *Runtime) tombstone(obj uint32) (*Object, bool) {
	o, ok := rt.freed[obj]
	if !ok {
		return nil, false
	}
	if rt.reused(obj) {
		delete(rt.freed, obj)
		return nil, false
	}
	return o, true
}

func (rt *Runtime) reused(addr uint32) bool {
	hb, ok := rt.mem.(heapBlocks)
	if !ok {
		return false
	}
	_, live := hb.AllocSize(addr)
	return live
}

// RetainCount returns the reference count of obj. Objects the runtime does
// not own report the maximum count.
func (rt *Runtime) RetainCount(obj uint32) uint32 {
	o, ok := rt.Object(obj)
	if !ok {
		return ^uint32(0)
	}
	return o.RefCount
}

func (rt *Runtime) owned(obj uint32, op string) (*Object, error) {
	if obj == 0 {
		return nil, nil
	}
	if o, ok := rt.objects[obj]; ok {
		return o, nil
	}
	if o, ok := rt.tombstone(obj); ok {
		return nil, errors.Consistency(errors.PhaseObjC, obj,
			fmt.Sprintf("%s of deallocated %s instance", op, o.Class.Name))
	}
	return nil, nil
}

// LiveObjects counts live objects by class name.
func (rt *Runtime) LiveObjects() map[string]int {
	out := make(map[string]int)
	for _, o := range rt.objects {
		out[o.Class.Name]++
	}
	return out
}

// Autorelease adds obj to the innermost autorelease pool. Without a pool
// the object leaks, as on the guest platform.
func (rt *Runtime) Autorelease(obj uint32) error {
	if obj == 0 {
		return nil
	}
	if _, err := rt.owned(obj, "autorelease"); err != nil {
		return err
	}
	if len(rt.pools) == 0 {
		Logger().Warn("object autoreleased with no pool in place, leaking", zap.Uint32("addr", obj))
		return nil
	}
	top := len(rt.pools) - 1
	rt.pools[top] = append(rt.pools[top], obj)
	return nil
}

// PushPool opens an autorelease pool and returns its token.
func (rt *Runtime) PushPool() uint32 {
	rt.pools = append(rt.pools, nil)
	return uint32(len(rt.pools))
}

// PopPool drains the pool with token and every pool opened after it,
// releasing objects in reverse order of autorelease.
func (rt *Runtime) PopPool(token uint32) error {
	if token == 0 || int(token) > len(rt.pools) {
		return errors.Consistency(errors.PhaseObjC, token, "pop of an autorelease pool that is not open")
	}
	for len(rt.pools) >= int(token) {
		top := len(rt.pools) - 1
		// Releases may autorelease more objects into this pool.
		for len(rt.pools[top]) > 0 {
			n := len(rt.pools[top]) - 1
			obj := rt.pools[top][n]
			rt.pools[top] = rt.pools[top][:n]
			if err := rt.Release(obj); err != nil {
				return err
			}
		}
		rt.pools = rt.pools[:top]
	}
	return nil
}

// PoolDepth returns the number of open autorelease pools.
func (rt *Runtime) PoolDepth() int {
	return len(rt.pools)
}
