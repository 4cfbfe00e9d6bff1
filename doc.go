// Package hleruntime is a high-level emulator core for 32-bit ARM iPhone OS
// applications.
//
// Guest machine code runs on a CPU core (an interpreter ships in-tree, an
// external JIT can be plugged in); calls into system libraries land on
// trampolines and are served by host-native Go implementations instead of
// an emulated operating system.
//
// # Architecture Overview
//
//	hleruntime/          Root package with the Memory and Allocator interfaces
//	├── runtime/         Environment: run loop, reentrant guest calls, threads
//	├── memory/          Guest address space, regions, permissions, heap
//	├── cpu/             CPU core contract (registers, run-until-stop, faults)
//	│   └── interp/      Reference ARM interpreter
//	├── macho/           32-bit Mach-O parser and builder
//	├── loader/          Dynamic loader: segments, relocations, import binding
//	├── dispatch/        Host dispatch table and trampolines
//	├── objc/            Objective-C message runtime
//	├── hostwasm/        Host functions implemented as wasm plugins
//	├── resource/        Handle table for guest-visible host objects
//	├── config/          TOML configuration
//	├── diag/            Crash dumps
//	└── errors/          Structured error types
//
// # Quick Start
//
//	env, err := runtime.New(config.Default())
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if _, err := env.Table().RegisterFunc("_add", func(a, b uint32) uint32 { return a + b }); err != nil {
//	    log.Fatal(err)
//	}
//
//	if _, err := env.Load(image, "/Applications/Demo.app/Demo"); err != nil {
//	    log.Fatal(err)
//	}
//
//	res := env.RunUntilExit(ctx)
//	fmt.Println(res)
//
// # Concurrency
//
// An Environment is single-threaded: guest memory and the object runtime
// have exactly one mutator, the run loop. Guest threads are cooperative
// execution contexts switched at host dispatch boundaries. Halt is the only
// method safe to call from another goroutine.
package hleruntime
