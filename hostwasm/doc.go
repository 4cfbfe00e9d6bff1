// Package hostwasm loads framework modules written as WebAssembly plugins.
//
// A plugin is a core wasm module. Each exported function becomes the host
// function for the guest symbol of the same name, so a plugin exporting
// "_CGRectMake" implements CGRectMake. Parameters and results are mapped
// from wasm value types: i32 is a 32-bit word, i64 a register pair, f32 and
// f64 are passed as their bit patterns. Exports named _initialize, _start
// or starting with hle_ are reserved; _initialize runs once after
// instantiation.
//
// Plugins reach guest state through the "hle" import module:
//
//	read_u8(addr i32) i32          write_u8(addr i32, v i32)
//	read_u32(addr i32) i32         write_u32(addr i32, v i32)
//	read_u64(addr i32) i64         write_u64(addr i32, v i64)
//	alloc(size i32) i32            free(ptr i32)
//	call_guest(fn i32, arg i32) i32
//	log(ptr i32, len i32)
//
// Guest addresses are 32-bit; a failed access traps the plugin and the
// dispatch fails with the memory error. A Plugin implements runtime.Host:
//
//	eng := hostwasm.NewEngine(ctx, nil)
//	defer eng.Close(ctx)
//	p, err := eng.LoadFile(ctx, "plugins/UIKit.wasm")
//	if err != nil {
//		return err
//	}
//	env, err := runtime.New(cfg, runtime.WithHost(p))
package hostwasm
