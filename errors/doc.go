// Package errors provides structured error types for the emulator.
//
// Errors are categorized by Phase (which component raised it) and Kind (error
// category). The Error type carries the guest address and symbol involved so
// a halted run can be reported with enough context to diagnose it.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseMemory, errors.KindPermission).
//		Addr(0x4000).
//		Symbol("_memcpy").
//		Detail("write to read-only segment").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.OutOfBounds(errors.PhaseMemory, addr, 4)
//	err := errors.Unimplemented("_UIApplicationMain", trampoline)
//
// All errors implement the standard error interface and support errors.Is/As.
package errors
