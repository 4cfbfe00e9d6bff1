// Package runtime is the Execution Environment: one emulated process built
// from a configuration, a loaded image and the installed framework modules.
//
// New wires guest memory, the dispatch table, the Objective-C runtime and a
// CPU core together and installs the built-in libSystem and libobjc
// functions. Load maps an executable and prepares its main thread.
// RunUntilExit runs the module initializers and then the guest until it
// exits, faults or is halted, and reports the outcome as a Result:
//
//	env, err := runtime.New(config.Default(), runtime.WithHost(uikit))
//	if err != nil {
//		return err
//	}
//	if _, err := env.Load(data, path); err != nil {
//		return err
//	}
//	res := env.RunUntilExit(ctx)
//	fmt.Println(res)
//	os.Exit(res.ExitCode())
//
// All guest code runs on the goroutine that called RunUntilExit. Host
// functions re-enter the guest through CallGuest, which nests on the same
// core and restores the caller's registers when the callee returns.
// pthread threads are scheduled cooperatively: the scheduler switches
// threads only at dispatch boundaries of the outermost call, when a thread
// blocks, yields or exhausts its time slice.
package runtime
