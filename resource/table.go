package resource

import (
	"sync"
)

// Table maps guest handles to host values and notifies observers of their
// lifecycle.
type Table struct {
	store     *store
	observers []Observer
	obsMu     sync.RWMutex
}

// NewTable creates a table. A limit of 0 means unbounded.
func NewTable(limit int) *Table {
	return &Table{store: newStore(limit)}
}

// Insert adds a value and returns its handle.
func (t *Table) Insert(kind Kind, value any) (Handle, error) {
	h, err := t.store.create(kind, value)
	if err != nil {
		return 0, err
	}
	t.notify(Event{Type: EventCreated, Handle: h, Kind: kind, Value: value})
	return h, nil
}

// Get returns the value behind a handle.
func (t *Table) Get(h Handle) (any, bool) {
	v, _, ok := t.store.get(h)
	return v, ok
}

// GetKind returns the value only if the handle has the expected kind.
func (t *Table) GetKind(h Handle, kind Kind) (any, bool) {
	v, k, ok := t.store.get(h)
	if !ok || k != kind {
		return nil, false
	}
	return v, true
}

// KindOf returns the kind of a live handle.
func (t *Table) KindOf(h Handle) (Kind, bool) {
	_, k, ok := t.store.get(h)
	return k, ok
}

// Remove drops a handle. Values implementing Dropper are dropped. A pinned
// handle stays in place and ErrPinned is returned.
func (t *Table) Remove(h Handle) (any, bool, error) {
	v, kind, err := t.store.drop(h)
	if err != nil {
		return nil, false, err
	}
	if kind == 0 {
		return nil, false, nil
	}
	if d, ok := v.(Dropper); ok {
		d.Drop()
	}
	t.notify(Event{Type: EventDropped, Handle: h, Kind: kind, Value: v})
	return v, true, nil
}

// Pin keeps a handle alive until Unpin; Remove fails while it is pinned.
func (t *Table) Pin(h Handle) bool { return t.store.pin(h, 1) }

// Unpin releases one Pin.
func (t *Table) Unpin(h Handle) bool { return t.store.pin(h, -1) }

// Subscribe adds an observer.
func (t *Table) Subscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	t.observers = append(t.observers, o)
}

// Unsubscribe removes an observer added with Subscribe.
func (t *Table) Unsubscribe(o Observer) {
	t.obsMu.Lock()
	defer t.obsMu.Unlock()
	for i, obs := range t.observers {
		if obs == o {
			t.observers = append(t.observers[:i], t.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of live handles.
func (t *Table) Len() int {
	return t.store.len()
}

// Each calls fn for every live handle in handle order until fn returns
// false.
func (t *Table) Each(fn func(Handle, Kind, any) bool) {
	t.store.each(fn)
}

// Close drops every live value and rejects further inserts.
func (t *Table) Close() error {
	for _, v := range t.store.close() {
		if d, ok := v.(Dropper); ok {
			d.Drop()
		}
	}
	return nil
}

func (t *Table) notify(e Event) {
	t.obsMu.RLock()
	defer t.obsMu.RUnlock()
	for _, o := range t.observers {
		o.OnResourceEvent(e)
	}
}
