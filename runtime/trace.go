package runtime

// Record is one host function call seen by the run loop.
type Record struct {
	Symbol string
	Err    string
	Seq    uint64
	Args   [4]uint32
	Addr   uint32
	Return uint32
	Result uint32
	Thread uint32
	Depth  int
}

// Trace keeps the most recent dispatch records in a ring buffer.
type Trace struct {
	buf   []Record
	next  int
	total uint64
}

// NewTrace creates a trace holding up to size records. A size of 0 keeps
// only the count.
func NewTrace(size int) *Trace {
	if size < 0 {
		size = 0
	}
	return &Trace{buf: make([]Record, 0, size)}
}

// Add appends a record, overwriting the oldest when full.
func (t *Trace) Add(r Record) {
	t.total++
	r.Seq = t.total
	if cap(t.buf) == 0 {
		return
	}
	if len(t.buf) < cap(t.buf) {
		t.buf = append(t.buf, r)
		return
	}
	t.buf[t.next] = r
	t.next = (t.next + 1) % len(t.buf)
}

// Records returns the kept records, oldest first.
func (t *Trace) Records() []Record {
	out := make([]Record, 0, len(t.buf))
	out = append(out, t.buf[t.next:]...)
	return append(out, t.buf[:t.next]...)
}

// Last returns the most recent record.
func (t *Trace) Last() (Record, bool) {
	if len(t.buf) == 0 {
		return Record{}, false
	}
	i := t.next - 1
	if i < 0 {
		i = len(t.buf) - 1
	}
	return t.buf[i], true
}

// Total is the number of records ever added.
func (t *Trace) Total() uint64 { return t.total }
