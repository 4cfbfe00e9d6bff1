package memory

// Perm is a set of access permissions
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec

	PermNone Perm = 0
	PermRW        = PermRead | PermWrite
	PermRX        = PermRead | PermExec
	PermRWX       = PermRead | PermWrite | PermExec
)

// String renders the permission set as "rwx" with dashes for missing bits.
func (p Perm) String() string {
	b := []byte("---")
	if p&PermRead != 0 {
		b[0] = 'r'
	}
	if p&PermWrite != 0 {
		b[1] = 'w'
	}
	if p&PermExec != 0 {
		b[2] = 'x'
	}
	return string(b)
}

// Owner tags what a region is used for
type Owner uint8

const (
	OwnerNull Owner = iota
	OwnerSegment
	OwnerStack
	OwnerHeap
	OwnerTrampoline
	OwnerHost
)

func (o Owner) String() string {
	switch o {
	case OwnerNull:
		return "null"
	case OwnerSegment:
		return "segment"
	case OwnerStack:
		return "stack"
	case OwnerHeap:
		return "heap"
	case OwnerTrampoline:
		return "trampoline"
	case OwnerHost:
		return "host"
	default:
		return "unknown"
	}
}

// Region is a contiguous mapped range [Base, Base+Size).
type Region struct {
	Name  string
	data  []byte
	Base  uint32
	Size  uint32
	Perm  Perm
	Owner Owner
}

// End returns the first address past the region.
func (r *Region) End() uint64 {
	return uint64(r.Base) + uint64(r.Size)
}

// Contains reports whether addr lies inside the region.
func (r *Region) Contains(addr uint32) bool {
	return addr >= r.Base && uint64(addr) < r.End()
}

// Info is a copy of a region's metadata, safe to hand to callers.
type Info struct {
	Name  string
	Base  uint32
	Size  uint32
	Perm  Perm
	Owner Owner
}

func (r *Region) info() Info {
	return Info{Name: r.Name, Base: r.Base, Size: r.Size, Perm: r.Perm, Owner: r.Owner}
}

func regionLess(a, b *Region) bool {
	return a.Base < b.Base
}
