package resource

// Typed is a view of a Table restricted to one kind of value.
type Typed[T any] struct {
	table *Table
	kind  Kind
}

// NewTyped returns a typed view of table for kind.
func NewTyped[T any](table *Table, kind Kind) *Typed[T] {
	return &Typed[T]{table: table, kind: kind}
}

// Insert adds a value.
func (t *Typed[T]) Insert(v T) (Handle, error) {
	return t.table.Insert(t.kind, v)
}

// Get returns the value for h if it is live and of this view's kind.
func (t *Typed[T]) Get(h Handle) (T, bool) {
	var zero T
	v, ok := t.table.GetKind(h, t.kind)
	if !ok {
		return zero, false
	}
	typed, ok := v.(T)
	if !ok {
		return zero, false
	}
	return typed, true
}

// Remove drops h if it belongs to this view.
func (t *Typed[T]) Remove(h Handle) (T, bool, error) {
	var zero T
	if k, ok := t.table.KindOf(h); !ok || k != t.kind {
		return zero, false, nil
	}
	v, ok, err := t.table.Remove(h)
	if !ok || err != nil {
		return zero, ok, err
	}
	typed, _ := v.(T)
	return typed, true, nil
}

// Len counts live handles of this view's kind.
func (t *Typed[T]) Len() int {
	n := 0
	t.table.Each(func(_ Handle, k Kind, _ any) bool {
		if k == t.kind {
			n++
		}
		return true
	})
	return n
}

// Each iterates the values of this view's kind in handle order.
func (t *Typed[T]) Each(fn func(Handle, T) bool) {
	t.table.Each(func(h Handle, k Kind, v any) bool {
		if k != t.kind {
			return true
		}
		typed, ok := v.(T)
		if !ok {
			return true
		}
		return fn(h, typed)
	})
}
