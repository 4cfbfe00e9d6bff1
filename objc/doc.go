// Package objc is the object message runtime: selectors, classes, objects
// and message dispatch for guest Objective-C code.
//
// Host classes are registered with RegisterClass; classes and categories
// compiled into a guest image are read from its objc2 metadata by
// LoadImage. Both kinds share one class table keyed by name, so a guest
// subclass of a host class (or a category on one) works in either
// registration order.
//
// Guest code reaches the runtime through objc_msgSend and the other
// libobjc functions Register binds into a dispatch.Table:
//
//	rt, err := objc.New(mem)
//	if err != nil {
//		return err
//	}
//	if err := rt.Register(table); err != nil {
//		return err
//	}
//	rt.SetGuestCaller(env)
//
// Host code sends messages with Send. Guest method implementations are
// entered through the guest caller; from objc_msgSend they are entered by a
// tail call, so a guest-to-guest send never nests a host frame.
package objc
