// Package resource keeps guest-visible handles to host objects.
//
// Guest code sees opaque 32-bit values (a pthread_t, a timer reference)
// while the host keeps the real object in a Table:
//
//	table := resource.NewTable(0)
//	threads := resource.NewTyped[*Thread](table, resource.KindThread)
//
//	h, err := threads.Insert(th)
//	th, ok := threads.Get(h)
//
// Handles are never 0 and slots are reused after Remove. A pinned handle
// cannot be removed; joins pin the thread they wait for so its exit status
// stays readable.
//
// Observers see every create and drop:
//
//	table.Subscribe(resource.ObserverFunc(func(e resource.Event) {
//		log.Printf("%s %s %d", e.Kind, e.Type, e.Handle)
//	}))
package resource
