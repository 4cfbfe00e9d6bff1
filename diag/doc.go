// Package diag records crash dumps.
//
// A dump captures what is needed to look at a finished run after the
// process is gone: the run ID, the result, the register file, the memory
// map, heap statistics, the recent dispatch trace and every thread. Dumps
// are CBOR in canonical form inside an LZ4 frame.
//
//	res := env.RunUntilExit(ctx)
//	if res.Kind != runtime.ResultExited {
//		f, _ := os.Create("crash.hled")
//		_ = diag.Write(f, diag.Capture(env, res))
//		f.Close()
//	}
package diag
