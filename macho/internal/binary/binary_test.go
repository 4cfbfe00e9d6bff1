package binary

import (
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestReaderFixedWidth(t *testing.T) {
	data := []byte{0x01, 0x34, 0x12, 0x78, 0x56, 0x34, 0x12, 0xca, 0xfe, 0xba, 0xbe}
	r := NewReader(data)

	b, err := r.ReadByte()
	if err != nil || b != 0x01 {
		t.Fatalf("ReadByte: got 0x%02x, %v", b, err)
	}
	h, err := r.ReadU16()
	if err != nil || h != 0x1234 {
		t.Fatalf("ReadU16: got 0x%04x, %v", h, err)
	}
	w, err := r.ReadU32()
	if err != nil || w != 0x12345678 {
		t.Fatalf("ReadU32: got 0x%08x, %v", w, err)
	}
	be, err := r.ReadU32BE()
	if err != nil || be != 0xcafebabe {
		t.Fatalf("ReadU32BE: got 0x%08x, %v", be, err)
	}
	if r.Position() != len(data) {
		t.Errorf("position: got %d, want %d", r.Position(), len(data))
	}
	if _, err := r.ReadByte(); !errors.Is(err, io.EOF) {
		t.Errorf("expected EOF, got %v", err)
	}
	if _, err := r.ReadU32(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("expected unexpected EOF, got %v", err)
	}
}

func TestReaderStrings(t *testing.T) {
	data := []byte("__TEXT\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00_main\x00_printf\x00")
	r := NewReader(data)

	name, err := r.ReadName(16)
	if err != nil || name != "__TEXT" {
		t.Fatalf("ReadName: got %q, %v", name, err)
	}
	s, err := r.ReadCString()
	if err != nil || s != "_main" {
		t.Fatalf("ReadCString: got %q, %v", s, err)
	}
	s, err = r.CStringAt(22)
	if err != nil || s != "_printf" {
		t.Fatalf("CStringAt: got %q, %v", s, err)
	}
	if r.Position() != 22 {
		t.Errorf("CStringAt moved the reader to %d", r.Position())
	}
	if _, err := NewReader([]byte("abc")).ReadCString(); err == nil {
		t.Error("expected error for unterminated string")
	}
	if _, err := r.CStringAt(len(data)); err == nil {
		t.Error("expected error for offset past end")
	}
}

func TestReaderSeekAndSub(t *testing.T) {
	r := NewReader([]byte{0, 1, 2, 3, 4, 5, 6, 7})
	if err := r.Seek(6); err != nil {
		t.Fatal(err)
	}
	if r.Remaining() != 2 {
		t.Errorf("remaining: got %d, want 2", r.Remaining())
	}
	if err := r.Seek(9); err == nil {
		t.Error("expected error seeking past end")
	}
	if err := r.Skip(-6); err != nil || r.Position() != 0 {
		t.Errorf("Skip back: pos %d, err %v", r.Position(), err)
	}

	sub, err := r.Sub(2, 4)
	if err != nil {
		t.Fatal(err)
	}
	got, _ := sub.ReadBytes(4)
	if !bytes.Equal(got, []byte{2, 3, 4, 5}) {
		t.Errorf("Sub: got %v", got)
	}
	if _, err := r.Sub(6, 4); err == nil {
		t.Error("expected error for sub range past end")
	}
}

func TestLEBRoundTrip(t *testing.T) {
	unsigned := []uint64{0, 1, 127, 128, 624485, 0xFFFFFFFF, 1 << 63}
	signed := []int64{0, 1, -1, 63, -64, 64, -65, -123456, 1 << 40}

	w := NewWriter()
	for _, v := range unsigned {
		w.WriteULEB(v)
	}
	for _, v := range signed {
		w.WriteSLEB(v)
	}

	r := NewReader(w.Bytes())
	for _, want := range unsigned {
		got, err := r.ReadULEB()
		if err != nil || got != want {
			t.Errorf("ReadULEB: got %d, %v, want %d", got, err, want)
		}
	}
	for _, want := range signed {
		got, err := r.ReadSLEB()
		if err != nil || got != want {
			t.Errorf("ReadSLEB: got %d, %v, want %d", got, err, want)
		}
	}
	if r.Remaining() != 0 {
		t.Errorf("%d bytes left over", r.Remaining())
	}
}

func TestReaderLEBErrors(t *testing.T) {
	if _, err := NewReader([]byte{0x80, 0x80}).ReadULEB(); !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Errorf("truncated uleb: got %v", err)
	}
	long := bytes.Repeat([]byte{0x80}, 11)
	long = append(long, 0x01)
	if _, err := NewReader(long).ReadULEB(); !errors.Is(err, ErrOverflow) {
		t.Errorf("overlong uleb: got %v", err)
	}
}

func TestWriterLayout(t *testing.T) {
	w := NewWriter()
	w.WriteU32(0xfeedface)
	w.WriteU16(0xbeef)
	w.WriteName("__DATA", 16)
	w.WriteCString("x")
	w.Pad(4)

	want := []byte{0xce, 0xfa, 0xed, 0xfe, 0xef, 0xbe}
	want = append(want, []byte("__DATA\x00\x00\x00\x00\x00\x00\x00\x00\x00\x00")...)
	want = append(want, 'x', 0)
	if !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("bytes: got %x\nwant %x", w.Bytes(), want)
	}
	if w.Len()%4 != 0 {
		t.Errorf("Pad left length %d", w.Len())
	}
}

func TestParseError(t *testing.T) {
	r := NewReader([]byte{1, 2, 3})
	_ = r.Skip(2)
	err := r.WrapError("load command", io.ErrUnexpectedEOF)

	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *ParseError, got %T", err)
	}
	if pe.Position != 2 || pe.Section != "load command" {
		t.Errorf("got %+v", pe)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("ParseError must unwrap to its cause")
	}
	if got := err.Error(); got != "macho: load command at offset 0x2: unexpected EOF" {
		t.Errorf("Error(): %q", got)
	}
}
