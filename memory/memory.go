package memory

import (
	"bytes"
	"encoding/binary"

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/errors"
)

const (
	// PageSize is the granularity MapAnywhere places regions at.
	PageSize = 0x1000

	addressSpace = uint64(1) << 32

	// maxCString bounds ReadCString so a missing terminator cannot run away.
	maxCString = 1 << 20
)

// Config describes the address-space layout.
type Config struct {
	// NullPageSize bytes at address 0 are mapped with no access.
	NullPageSize uint32
	// HeapBase is where the managed heap region starts.
	HeapBase uint32
	// HeapInitial is the heap region's starting size.
	HeapInitial uint32
	// HeapCeiling is the largest size the heap region may grow to.
	HeapCeiling uint32
	// MapFloor is the lowest address MapAnywhere places regions at.
	MapFloor uint32
}

// DefaultConfig returns the layout used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		NullPageSize: 0x1000,
		HeapBase:     0x20000000,
		HeapInitial:  1 << 20,
		HeapCeiling:  256 << 20,
		MapFloor:     0x30000000,
	}
}

// Memory is the guest address space.
// It is not safe for concurrent use; the Environment's run loop is its only mutator.
type Memory struct {
	regions *btree.BTreeG[*Region]
	last    *Region
	heap    *heap
	cfg     Config
}

// New creates an address space with the null page and the heap mapped.
func New(cfg Config) (*Memory, error) {
	m := &Memory{
		regions: btree.NewG[*Region](8, regionLess),
		cfg:     cfg,
	}

	if cfg.NullPageSize > 0 {
		if _, err := m.Map(0, cfg.NullPageSize, PermNone, OwnerNull, "null"); err != nil {
			return nil, err
		}
	}

	if cfg.HeapInitial > 0 {
		if cfg.HeapCeiling < cfg.HeapInitial {
			return nil, errors.InvalidInput(errors.PhaseMemory, "heap ceiling below initial heap size")
		}
		r, err := m.Map(cfg.HeapBase, cfg.HeapInitial, PermRW, OwnerHeap, "heap")
		if err != nil {
			return nil, err
		}
		m.heap = newHeap(r, cfg.HeapCeiling)
	}

	return m, nil
}

// Map creates a zero-filled region. It fails if the range is empty, wraps
// the address space or overlaps an existing region.
func (m *Memory) Map(base, size uint32, perm Perm, owner Owner, name string) (*Region, error) {
	if size == 0 {
		return nil, errors.New(errors.PhaseMemory, errors.KindInvalidInput).
			Addr(base).Detail("cannot map empty region %q", name).Build()
	}
	end := uint64(base) + uint64(size)
	if end > addressSpace {
		return nil, errors.New(errors.PhaseMemory, errors.KindInvalidInput).
			Addr(base).Detail("region %q of %d bytes wraps the address space", name, size).Build()
	}
	if other := m.overlapping(base, end); other != nil {
		return nil, errors.Overlap(base, size, other.Name)
	}

	r := &Region{
		Name:  name,
		Base:  base,
		Size:  size,
		Perm:  perm,
		Owner: owner,
		data:  make([]byte, size),
	}
	m.regions.ReplaceOrInsert(r)

	Logger().Debug("mapped region",
		zap.String("name", name),
		zap.Uint32("base", base),
		zap.Uint32("size", size),
		zap.Stringer("perm", perm),
		zap.Stringer("owner", owner))

	return r, nil
}

// MapAnywhere maps a region at the lowest page-aligned free address at or
// above the configured floor.
func (m *Memory) MapAnywhere(size uint32, perm Perm, owner Owner, name string) (*Region, error) {
	if size == 0 {
		return nil, errors.InvalidInput(errors.PhaseMemory, "cannot map empty region")
	}
	base, ok := m.findGap(uint64(m.cfg.MapFloor), uint64(alignUp(size, PageSize)))
	if !ok {
		return nil, errors.AllocationFailed(errors.PhaseMemory, size, PageSize)
	}
	return m.Map(uint32(base), size, perm, owner, name)
}

func (m *Memory) findGap(floor, size uint64) (uint64, bool) {
	candidate := alignUp64(floor, PageSize)
	found := false
	m.regions.Ascend(func(r *Region) bool {
		if r.End() <= candidate {
			return true
		}
		if candidate+size <= uint64(r.Base) {
			found = true
			return false
		}
		candidate = alignUp64(r.End(), PageSize)
		return true
	})
	if found || candidate+size <= addressSpace {
		return candidate, true
	}
	return 0, false
}

// Unmap removes the region starting exactly at base. The heap cannot be unmapped.
func (m *Memory) Unmap(base uint32) error {
	r := m.find(base)
	if r == nil || r.Base != base {
		return errors.New(errors.PhaseMemory, errors.KindNotFound).
			Addr(base).Detail("no region starts here").Build()
	}
	if m.heap != nil && r == m.heap.region {
		return errors.New(errors.PhaseMemory, errors.KindInvalidInput).
			Addr(base).Detail("the heap region cannot be unmapped").Build()
	}
	m.regions.Delete(r)
	if m.last == r {
		m.last = nil
	}
	return nil
}

// Protect changes the permissions of [addr, addr+size), splitting regions at
// the range boundaries. The range must be fully mapped and outside the heap.
func (m *Memory) Protect(addr, size uint32, perm Perm) error {
	if size == 0 {
		return nil
	}
	end := uint64(addr) + uint64(size)
	if end > addressSpace {
		return errors.OutOfBounds(errors.PhaseMemory, addr, size)
	}

	var affected []*Region
	cur := uint64(addr)
	for cur < end {
		r := m.find(uint32(cur))
		if r == nil {
			return errors.OutOfBounds(errors.PhaseMemory, uint32(cur), uint32(end-cur))
		}
		if m.heap != nil && r == m.heap.region {
			return errors.New(errors.PhaseMemory, errors.KindInvalidInput).
				Addr(uint32(cur)).Detail("heap permissions are fixed").Build()
		}
		affected = append(affected, r)
		cur = r.End()
	}

	for _, r := range affected {
		m.regions.Delete(r)
		lo := max(uint64(addr), uint64(r.Base))
		hi := min(end, r.End())
		if lo > uint64(r.Base) {
			m.regions.ReplaceOrInsert(r.slice(uint64(r.Base), lo, r.Perm))
		}
		m.regions.ReplaceOrInsert(r.slice(lo, hi, perm))
		if hi < r.End() {
			m.regions.ReplaceOrInsert(r.slice(hi, r.End(), r.Perm))
		}
	}
	m.last = nil
	return nil
}

func (r *Region) slice(lo, hi uint64, perm Perm) *Region {
	off := lo - uint64(r.Base)
	return &Region{
		Name:  r.Name,
		Base:  uint32(lo),
		Size:  uint32(hi - lo),
		Perm:  perm,
		Owner: r.Owner,
		data:  r.data[off : off+(hi-lo) : off+(hi-lo)],
	}
}

// Region returns metadata for the region containing addr.
func (m *Memory) Region(addr uint32) (Info, bool) {
	r := m.find(addr)
	if r == nil {
		return Info{}, false
	}
	return r.info(), true
}

// Regions returns metadata for every mapped region in address order.
func (m *Memory) Regions() []Info {
	out := make([]Info, 0, m.regions.Len())
	m.regions.Ascend(func(r *Region) bool {
		out = append(out, r.info())
		return true
	})
	return out
}

func (m *Memory) find(addr uint32) *Region {
	if r := m.last; r != nil && r.Contains(addr) {
		return r
	}
	var found *Region
	m.regions.DescendLessOrEqual(&Region{Base: addr}, func(r *Region) bool {
		found = r
		return false
	})
	if found == nil || !found.Contains(addr) {
		return nil
	}
	m.last = found
	return found
}

func (m *Memory) overlapping(base uint32, end uint64) *Region {
	var found *Region
	m.regions.DescendLessOrEqual(&Region{Base: uint32(end - 1)}, func(r *Region) bool {
		found = r
		return false
	})
	if found != nil && found.End() > uint64(base) {
		return found
	}
	return nil
}

type span struct {
	region *Region
	off    uint32
	n      uint32
}

// spans validates [addr, addr+n) against need and returns the pieces of the
// regions covering it. Nothing is touched unless every byte passes.
func (m *Memory) spans(addr, n uint32, need Perm) ([]span, error) {
	if uint64(addr)+uint64(n) > addressSpace {
		return nil, errors.OutOfBounds(errors.PhaseMemory, addr, n)
	}
	var out []span
	cur, remaining := addr, n
	for remaining > 0 {
		r := m.find(cur)
		if r == nil {
			return nil, errors.OutOfBounds(errors.PhaseMemory, cur, remaining)
		}
		if r.Perm&need != need {
			return nil, errors.PermissionDenied(errors.PhaseMemory, cur, need.String(), r.Perm.String())
		}
		off := cur - r.Base
		cnt := min(remaining, r.Size-off)
		out = append(out, span{region: r, off: off, n: cnt})
		cur += cnt
		remaining -= cnt
	}
	return out, nil
}

func (m *Memory) readInto(addr uint32, buf []byte, need Perm) error {
	spans, err := m.spans(addr, uint32(len(buf)), need)
	if err != nil {
		return err
	}
	pos := 0
	for _, s := range spans {
		pos += copy(buf[pos:], s.region.data[s.off:s.off+s.n])
	}
	return nil
}

func (m *Memory) writeFrom(addr uint32, data []byte, need Perm) error {
	spans, err := m.spans(addr, uint32(len(data)), need)
	if err != nil {
		return err
	}
	pos := 0
	for _, s := range spans {
		pos += copy(s.region.data[s.off:s.off+s.n], data[pos:])
	}
	return nil
}

// Read copies length bytes starting at addr. Every byte must be readable.
func (m *Memory) Read(addr, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if err := m.readInto(addr, buf, PermRead); err != nil {
		return nil, err
	}
	return buf, nil
}

// Write stores data at addr. Every byte must be writable; on failure nothing is written.
func (m *Memory) Write(addr uint32, data []byte) error {
	return m.writeFrom(addr, data, PermWrite)
}

// Peek reads without permission checks. The range must still be mapped.
func (m *Memory) Peek(addr, length uint32) ([]byte, error) {
	buf := make([]byte, length)
	if err := m.readInto(addr, buf, PermNone); err != nil {
		return nil, err
	}
	return buf, nil
}

// Poke writes without permission checks, for the loader and host-owned
// read-only data. The range must still be mapped.
func (m *Memory) Poke(addr uint32, data []byte) error {
	return m.writeFrom(addr, data, PermNone)
}

// PokeU32 is Poke for a single little-endian word.
func (m *Memory) PokeU32(addr, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return m.writeFrom(addr, b[:], PermNone)
}

// PeekU32 is Peek for a single little-endian word.
func (m *Memory) PeekU32(addr uint32) (uint32, error) {
	var b [4]byte
	if err := m.readInto(addr, b[:], PermNone); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

// Fetch reads an instruction word. The region must be executable.
func (m *Memory) Fetch(addr uint32) (uint32, error) {
	var b [4]byte
	if err := m.readInto(addr, b[:], PermExec); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *Memory) ReadU8(addr uint32) (uint8, error) {
	var b [1]byte
	if err := m.readInto(addr, b[:], PermRead); err != nil {
		return 0, err
	}
	return b[0], nil
}

func (m *Memory) ReadU16(addr uint32) (uint16, error) {
	var b [2]byte
	if err := m.readInto(addr, b[:], PermRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b[:]), nil
}

func (m *Memory) ReadU32(addr uint32) (uint32, error) {
	var b [4]byte
	if err := m.readInto(addr, b[:], PermRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (m *Memory) ReadU64(addr uint32) (uint64, error) {
	var b [8]byte
	if err := m.readInto(addr, b[:], PermRead); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (m *Memory) WriteU8(addr uint32, value uint8) error {
	return m.writeFrom(addr, []byte{value}, PermWrite)
}

func (m *Memory) WriteU16(addr uint32, value uint16) error {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], value)
	return m.writeFrom(addr, b[:], PermWrite)
}

func (m *Memory) WriteU32(addr uint32, value uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], value)
	return m.writeFrom(addr, b[:], PermWrite)
}

func (m *Memory) WriteU64(addr uint32, value uint64) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], value)
	return m.writeFrom(addr, b[:], PermWrite)
}

// ReadCString reads a NUL-terminated string starting at addr.
func (m *Memory) ReadCString(addr uint32) (string, error) {
	var out []byte
	cur := addr
	for len(out) < maxCString {
		r := m.find(cur)
		if r == nil {
			return "", errors.OutOfBounds(errors.PhaseMemory, cur, 1)
		}
		if r.Perm&PermRead == 0 {
			return "", errors.PermissionDenied(errors.PhaseMemory, cur, PermRead.String(), r.Perm.String())
		}
		chunk := r.data[cur-r.Base:]
		if i := bytes.IndexByte(chunk, 0); i >= 0 {
			return string(append(out, chunk[:i]...)), nil
		}
		out = append(out, chunk...)
		if r.End() >= addressSpace {
			break
		}
		cur = uint32(r.End())
	}
	return "", errors.New(errors.PhaseMemory, errors.KindInvalidData).
		Addr(addr).Detail("unterminated string").Build()
}

// AllocCString copies s plus a terminator into a fresh heap block.
func (m *Memory) AllocCString(s string) (uint32, error) {
	ptr, err := m.Alloc(uint32(len(s))+1, 1)
	if err != nil {
		return 0, err
	}
	buf := make([]byte, len(s)+1)
	copy(buf, s)
	if err := m.Write(ptr, buf); err != nil {
		return 0, err
	}
	return ptr, nil
}

func alignUp(v, align uint32) uint32 {
	return (v + align - 1) &^ (align - 1)
}

func alignUp64(v uint64, align uint32) uint64 {
	a := uint64(align)
	return (v + a - 1) &^ (a - 1)
}
