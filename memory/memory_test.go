package memory

import (
	"bytes"
	"errors"
	"testing"

	hleruntime "github.com/wippyai/hle-runtime"
	rterrors "github.com/wippyai/hle-runtime/errors"
)

var _ hleruntime.GuestMemory = (*Memory)(nil)

func newTestMemory(t *testing.T) *Memory {
	t.Helper()
	m, err := New(Config{
		NullPageSize: 0x1000,
		HeapBase:     0x100000,
		HeapInitial:  0x1000,
		HeapCeiling:  0x10000,
		MapFloor:     0x400000,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return m
}

func isKind(err error, kind rterrors.Kind) bool {
	var e *rterrors.Error
	return errors.As(err, &e) && e.Kind == kind
}

func TestMap(t *testing.T) {
	tests := []struct {
		name    string
		base    uint32
		size    uint32
		wantErr rterrors.Kind
	}{
		{"fresh range", 0x2000, 0x1000, ""},
		{"adjacent below", 0x1000, 0x1000, ""},
		{"overlaps start", 0x2800, 0x1000, rterrors.KindOverlap},
		{"overlaps end", 0x1800, 0x1000, rterrors.KindOverlap},
		{"contains existing", 0x800, 0x4000, rterrors.KindOverlap},
		{"overlaps null page", 0, 0x10, rterrors.KindOverlap},
		{"empty", 0x9000, 0, rterrors.KindInvalidInput},
		{"wraps", 0xFFFFF000, 0x2000, rterrors.KindInvalidInput},
	}

	m := newTestMemory(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := m.Map(tt.base, tt.size, PermRW, OwnerSegment, tt.name)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Map: %v", err)
				}
				return
			}
			if !isKind(err, tt.wantErr) {
				t.Errorf("Map error = %v, want kind %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoundTrip(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Map(0x2000, 0x1000, PermRW, OwnerSegment, "data"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(0x3000, 0x1000, PermRW, OwnerSegment, "data2"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		addr uint32
		data []byte
	}{
		{"single byte", 0x2000, []byte{0x7f}},
		{"last byte", 0x2fff, []byte{0x01}},
		{"word", 0x2100, []byte{1, 2, 3, 4}},
		{"spans regions", 0x2ffe, []byte{9, 8, 7, 6}},
		{"empty", 0x2000, []byte{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := m.Write(tt.addr, tt.data); err != nil {
				t.Fatalf("Write: %v", err)
			}
			got, err := m.Read(tt.addr, uint32(len(tt.data)))
			if err != nil {
				t.Fatalf("Read: %v", err)
			}
			if !bytes.Equal(got, tt.data) {
				t.Errorf("Read = %v, want %v", got, tt.data)
			}
		})
	}
}

func TestTypedAccessors(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Map(0x2000, 0x100, PermRW, OwnerSegment, "data"); err != nil {
		t.Fatal(err)
	}

	if err := m.WriteU8(0x2000, 0xab); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteU16(0x2002, 0xbeef); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteU32(0x2004, 0xdeadbeef); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteU64(0x2008, 0x0123456789abcdef); err != nil {
		t.Fatal(err)
	}

	if v, _ := m.ReadU8(0x2000); v != 0xab {
		t.Errorf("ReadU8 = %#x, want 0xab", v)
	}
	if v, _ := m.ReadU16(0x2002); v != 0xbeef {
		t.Errorf("ReadU16 = %#x, want 0xbeef", v)
	}
	if v, _ := m.ReadU32(0x2004); v != 0xdeadbeef {
		t.Errorf("ReadU32 = %#x, want 0xdeadbeef", v)
	}
	if v, _ := m.ReadU64(0x2008); v != 0x0123456789abcdef {
		t.Errorf("ReadU64 = %#x", v)
	}

	raw, _ := m.Read(0x2004, 4)
	if !bytes.Equal(raw, []byte{0xef, 0xbe, 0xad, 0xde}) {
		t.Errorf("little-endian layout = %x", raw)
	}
}

func TestAccessErrors(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Map(0x2000, 0x1000, PermRX, OwnerSegment, "__TEXT"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(0x3000, 0x1000, PermRW, OwnerSegment, "__DATA"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(0x5000, 0x1000, PermNone, OwnerSegment, "guard"); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name  string
		op    func() error
		kind  rterrors.Kind
		fault uint32
	}{
		{"read unmapped", func() error { _, err := m.Read(0x8000, 4); return err }, rterrors.KindOutOfBounds, 0x8000},
		{"write unmapped", func() error { return m.Write(0x8000, []byte{1}) }, rterrors.KindOutOfBounds, 0x8000},
		{"read runs off end", func() error { _, err := m.Read(0x3ffe, 4); return err }, rterrors.KindOutOfBounds, 0x4000},
		{"null page read", func() error { _, err := m.ReadU32(0); return err }, rterrors.KindPermission, 0},
		{"write read-only", func() error { return m.WriteU32(0x2000, 1) }, rterrors.KindPermission, 0x2000},
		{"read guard", func() error { _, err := m.ReadU8(0x5000); return err }, rterrors.KindPermission, 0x5000},
		{"fetch data", func() error { _, err := m.Fetch(0x3000); return err }, rterrors.KindPermission, 0x3000},
		{"starts in unmapped gap", func() error { return m.Write(0x1ffe, []byte{1, 2, 3, 4}) }, rterrors.KindOutOfBounds, 0x1ffe},
		{"wraps", func() error { _, err := m.Read(0xfffffffe, 4); return err }, rterrors.KindOutOfBounds, 0xfffffffe},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.op()
			var e *rterrors.Error
			if !errors.As(err, &e) {
				t.Fatalf("error = %v, want *errors.Error", err)
			}
			if e.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", e.Kind, tt.kind)
			}
			if e.Addr != tt.fault {
				t.Errorf("Addr = %#x, want %#x", e.Addr, tt.fault)
			}
		})
	}
}

func TestFailedWriteIsAtomic(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Map(0x2000, 0x1000, PermRW, OwnerSegment, "rw"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(0x3000, 0x1000, PermRX, OwnerSegment, "rx"); err != nil {
		t.Fatal(err)
	}

	if err := m.Write(0x2ffe, []byte{1, 2, 3, 4}); err == nil {
		t.Fatal("write into read-only region succeeded")
	}
	got, _ := m.Read(0x2ffe, 2)
	if !bytes.Equal(got, []byte{0, 0}) {
		t.Errorf("partial write leaked: %v", got)
	}
}

func TestPeekPoke(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Map(0x2000, 0x1000, PermRX, OwnerSegment, "__TEXT"); err != nil {
		t.Fatal(err)
	}
	if err := m.PokeU32(0x2000, 0xe12fff1e); err != nil {
		t.Fatalf("PokeU32: %v", err)
	}
	if v, err := m.Fetch(0x2000); err != nil || v != 0xe12fff1e {
		t.Errorf("Fetch = %#x, %v", v, err)
	}
	if err := m.Poke(0x9000, []byte{1}); !isKind(err, rterrors.KindOutOfBounds) {
		t.Errorf("Poke unmapped = %v, want out_of_bounds", err)
	}
}

func TestProtect(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Map(0x2000, 0x3000, PermRW, OwnerSegment, "__DATA"); err != nil {
		t.Fatal(err)
	}
	if err := m.WriteU32(0x3000, 42); err != nil {
		t.Fatal(err)
	}
	if err := m.Protect(0x3000, 0x1000, PermRead); err != nil {
		t.Fatalf("Protect: %v", err)
	}

	if err := m.WriteU32(0x3000, 1); !isKind(err, rterrors.KindPermission) {
		t.Errorf("write to protected page = %v, want permission", err)
	}
	if v, _ := m.ReadU32(0x3000); v != 42 {
		t.Errorf("contents changed by Protect: %d", v)
	}
	if err := m.WriteU32(0x2000, 1); err != nil {
		t.Errorf("page below split: %v", err)
	}
	if err := m.WriteU32(0x4000, 1); err != nil {
		t.Errorf("page above split: %v", err)
	}
	if n := len(m.Regions()); n != 5 {
		t.Errorf("regions after split = %d, want 5", n)
	}
}

func TestMapAnywhere(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Map(0x400000, 0x1000, PermRW, OwnerSegment, "blocker"); err != nil {
		t.Fatal(err)
	}
	r, err := m.MapAnywhere(0x1800, PermRW, OwnerStack, "stack")
	if err != nil {
		t.Fatalf("MapAnywhere: %v", err)
	}
	if r.Base != 0x401000 {
		t.Errorf("Base = %#x, want 0x401000", r.Base)
	}
	r2, err := m.MapAnywhere(0x1000, PermRW, OwnerStack, "stack2")
	if err != nil {
		t.Fatal(err)
	}
	if r2.Base != 0x403000 {
		t.Errorf("second Base = %#x, want 0x403000", r2.Base)
	}
}

func TestUnmap(t *testing.T) {
	m := newTestMemory(t)
	if _, err := m.Map(0x2000, 0x1000, PermRW, OwnerStack, "stack"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadU8(0x2000); err != nil {
		t.Fatal(err)
	}
	if err := m.Unmap(0x2000); err != nil {
		t.Fatalf("Unmap: %v", err)
	}
	if _, err := m.ReadU8(0x2000); !isKind(err, rterrors.KindOutOfBounds) {
		t.Errorf("read after unmap = %v", err)
	}
	if err := m.Unmap(0x100000); !isKind(err, rterrors.KindInvalidInput) {
		t.Errorf("unmapping heap = %v, want invalid_input", err)
	}
}

func TestCString(t *testing.T) {
	m := newTestMemory(t)
	ptr, err := m.AllocCString("hello")
	if err != nil {
		t.Fatal(err)
	}
	s, err := m.ReadCString(ptr)
	if err != nil || s != "hello" {
		t.Errorf("ReadCString = %q, %v", s, err)
	}

	if _, err := m.Map(0x2000, 0x1000, PermRW, OwnerSegment, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Map(0x3000, 0x1000, PermRW, OwnerSegment, "b"); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(0x2ffd, []byte("abcdef\x00")); err != nil {
		t.Fatal(err)
	}
	if s, err := m.ReadCString(0x2ffd); err != nil || s != "abcdef" {
		t.Errorf("cross-region ReadCString = %q, %v", s, err)
	}

	if _, err := m.Map(0x5000, 0x10, PermRW, OwnerSegment, "unterminated"); err != nil {
		t.Fatal(err)
	}
	if err := m.Write(0x5000, bytes.Repeat([]byte{'x'}, 0x10)); err != nil {
		t.Fatal(err)
	}
	if _, err := m.ReadCString(0x5000); err == nil {
		t.Error("unterminated string read succeeded")
	}
}
