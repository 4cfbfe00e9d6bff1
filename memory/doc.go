// Package memory implements the guest address space.
//
// The 32-bit space is a set of non-overlapping regions, each tagged with
// read/write/execute permissions and an owner (segment, stack, heap, ...).
// Every access goes through bounds and permission checks; host code never
// dereferences a guest address any other way.
//
//	mem, _ := memory.New(memory.DefaultConfig())
//	mem.Map(0x1000, 0x2000, memory.PermRX, memory.OwnerSegment, "__TEXT")
//	ptr, _ := mem.Alloc(64, 16)
//	mem.WriteU32(ptr, 0xdeadbeef)
//
// A managed heap region serves Alloc/Free with a first-fit free list. The
// heap grows on exhaustion up to a configured ceiling.
package memory
