// Package cpu defines the contract between the emulator and a guest CPU core.
//
// A Core executes ARM code from guest memory until something needs the
// host: the program counter reaches a trampoline, the guest issues an SVC,
// the tick budget runs out, the host interrupts it, or the guest faults.
// Run reports which of these happened as a Stop; faults are typed values,
// never swallowed.
//
// The core owns no memory. It is handed a Bus (a permission-checked view of
// guest memory) and a TrapSet naming the trampoline addresses to stop at
// before executing. Backends are built through a Factory so a JIT can stand
// in for the reference interpreter in cpu/interp.
package cpu
