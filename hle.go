package hleruntime

// Memory is bounds- and permission-checked access to the guest address space.
// All values are little-endian, as on the guest CPU.
type Memory interface {
	Read(addr uint32, length uint32) ([]byte, error)
	Write(addr uint32, data []byte) error
	ReadU8(addr uint32) (uint8, error)
	ReadU16(addr uint32) (uint16, error)
	ReadU32(addr uint32) (uint32, error)
	ReadU64(addr uint32) (uint64, error)
	WriteU8(addr uint32, value uint8) error
	WriteU16(addr uint32, value uint16) error
	WriteU32(addr uint32, value uint32) error
	WriteU64(addr uint32, value uint64) error
	ReadCString(addr uint32) (string, error)
}

// Allocator allocates guest heap memory
type Allocator interface {
	Alloc(size, align uint32) (uint32, error)
	Free(ptr uint32) error
}

// GuestMemory is guest memory together with its heap.
type GuestMemory interface {
	Memory
	Allocator
}
