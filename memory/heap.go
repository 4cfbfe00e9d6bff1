package memory

import (
	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/errors"
)

// minAlign matches the guest malloc's 16-byte alignment guarantee.
const minAlign = 16

type block struct {
	base uint32
	size uint32
}

func (b block) end() uint64 { return uint64(b.base) + uint64(b.size) }

type heap struct {
	region  *Region
	free    *btree.BTreeG[block]
	allocs  map[uint32]uint32
	ceiling uint32
	used    uint32
}

func newHeap(r *Region, ceiling uint32) *heap {
	h := &heap{
		region:  r,
		free:    btree.NewG[block](8, func(a, b block) bool { return a.base < b.base }),
		allocs:  make(map[uint32]uint32),
		ceiling: ceiling,
	}
	h.free.ReplaceOrInsert(block{base: r.Base, size: r.Size})
	return h
}

// HeapStats describes heap usage.
type HeapStats struct {
	Size        uint32
	Ceiling     uint32
	Used        uint32
	Free        uint32
	Allocations int
	FreeBlocks  int
}

// Alloc returns the base of a fresh zeroed block of at least size bytes.
// Placement is first-fit by address; the heap grows when nothing fits.
func (m *Memory) Alloc(size, align uint32) (uint32, error) {
	h := m.heap
	if h == nil {
		return 0, errors.Unsupported(errors.PhaseMemory, "no heap configured")
	}
	if align < minAlign {
		align = minAlign
	}
	if align&(align-1) != 0 {
		return 0, errors.InvalidInput(errors.PhaseMemory, "alignment must be a power of two")
	}
	if uint64(size)+minAlign > uint64(h.ceiling) {
		return 0, errors.AllocationFailed(errors.PhaseMemory, size, align)
	}
	// Zero-size requests still get a unique block.
	rounded := alignUp(max(size, 1), minAlign)

	for {
		if base, ok := h.takeFirstFit(rounded, align); ok {
			h.allocs[base] = rounded
			h.used += rounded
			off := base - h.region.Base
			clear(h.region.data[off : off+rounded])
			return base, nil
		}
		if err := m.growHeap(rounded + align); err != nil {
			return 0, err
		}
	}
}

// Free releases a block returned by Alloc.
func (m *Memory) Free(ptr uint32) error {
	h := m.heap
	if h == nil {
		return errors.Unsupported(errors.PhaseMemory, "no heap configured")
	}
	size, ok := h.allocs[ptr]
	if !ok {
		return errors.InvalidFree(ptr)
	}
	delete(h.allocs, ptr)
	h.used -= size
	h.insertFree(block{base: ptr, size: size})
	return nil
}

// AllocSize returns the size of the live allocation starting at ptr.
func (m *Memory) AllocSize(ptr uint32) (uint32, bool) {
	if m.heap == nil {
		return 0, false
	}
	size, ok := m.heap.allocs[ptr]
	return size, ok
}

// HeapStats reports the heap's current usage.
func (m *Memory) HeapStats() HeapStats {
	h := m.heap
	if h == nil {
		return HeapStats{}
	}
	return HeapStats{
		Size:        h.region.Size,
		Ceiling:     h.ceiling,
		Used:        h.used,
		Free:        h.region.Size - h.used,
		Allocations: len(h.allocs),
		FreeBlocks:  h.free.Len(),
	}
}

func (h *heap) takeFirstFit(size, align uint32) (uint32, bool) {
	var (
		chosen block
		start  uint64
		found  bool
	)
	h.free.Ascend(func(b block) bool {
		s := alignUp64(uint64(b.base), align)
		if s+uint64(size) <= b.end() {
			chosen, start, found = b, s, true
			return false
		}
		return true
	})
	if !found {
		return 0, false
	}

	h.free.Delete(chosen)
	if start > uint64(chosen.base) {
		h.free.ReplaceOrInsert(block{base: chosen.base, size: uint32(start - uint64(chosen.base))})
	}
	end := start + uint64(size)
	if end < chosen.end() {
		h.free.ReplaceOrInsert(block{base: uint32(end), size: uint32(chosen.end() - end)})
	}
	return uint32(start), true
}

// insertFree adds b to the free list, merging it with adjacent free blocks.
func (h *heap) insertFree(b block) {
	var prev block
	hasPrev := false
	h.free.DescendLessOrEqual(b, func(p block) bool {
		prev, hasPrev = p, true
		return false
	})
	if hasPrev && prev.end() == uint64(b.base) {
		h.free.Delete(prev)
		b = block{base: prev.base, size: prev.size + b.size}
	}

	if next, ok := h.free.Get(block{base: uint32(b.end())}); ok && b.end() < addressSpace {
		h.free.Delete(next)
		b.size += next.size
	}
	h.free.ReplaceOrInsert(b)
}

// growHeap extends the heap region, doubling or adding need bytes, without
// crossing the ceiling or the next mapped region. It fails only when the
// region cannot grow at all.
func (m *Memory) growHeap(need uint32) error {
	h := m.heap
	r := h.region
	oldSize := r.Size

	limit := uint64(r.Base) + uint64(h.ceiling)
	if next := m.nextRegion(r); next != nil && uint64(next.Base) < limit {
		limit = uint64(next.Base)
	}
	if limit > addressSpace {
		limit = addressSpace
	}

	want := max(uint64(oldSize)*2, uint64(oldSize)+uint64(need))
	newEnd := min(uint64(r.Base)+want, limit)
	if newEnd <= r.End() {
		Logger().Warn("heap exhausted",
			zap.Uint32("size", oldSize),
			zap.Uint32("ceiling", h.ceiling),
			zap.Uint32("request", need))
		return errors.AllocationFailed(errors.PhaseMemory, need, minAlign)
	}

	newSize := uint32(newEnd - uint64(r.Base))
	r.data = append(r.data, make([]byte, newSize-oldSize)...)
	r.Size = newSize
	h.insertFree(block{base: r.Base + oldSize, size: newSize - oldSize})

	Logger().Debug("heap grown", zap.Uint32("from", oldSize), zap.Uint32("to", newSize))
	return nil
}

func (m *Memory) nextRegion(r *Region) *Region {
	var next *Region
	m.regions.AscendGreaterOrEqual(&Region{Base: r.Base + 1}, func(n *Region) bool {
		next = n
		return false
	})
	return next
}
