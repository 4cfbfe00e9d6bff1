package diag_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"reflect"
	"testing"
	"time"

	"github.com/wippyai/hle-runtime/config"
	"github.com/wippyai/hle-runtime/diag"
	"github.com/wippyai/hle-runtime/errors"
	"github.com/wippyai/hle-runtime/macho"
	"github.com/wippyai/hle-runtime/memory"
	"github.com/wippyai/hle-runtime/runtime"
)

const (
	textBase = 0x1000
	gotBase  = 0x3000
	ip       = 12
)

func movw(rd, v uint32) uint32     { return 0xe3000000 | (v>>12&0xf)<<16 | rd<<12 | v&0xfff }
func ldr(rd, rn, off uint32) uint32 { return 0xe5900000 | rn<<16 | rd<<12 | off }
func blx(rm uint32) uint32          { return 0xe12fff30 | rm }

// crashingImage allocates 16 bytes and then loads from address 0x10.
func crashingImage(t *testing.T) []byte {
	t.Helper()
	code := []uint32{
		0xe92d4010, // push {r4, lr}
		movw(0, 16),
		movw(ip, gotBase),
		ldr(ip, ip, 0),
		blx(ip), // malloc(16)
		movw(1, 0x10),
		ldr(0, 1, 0),
		0xe8bd8010, // pop {r4, pc}
	}
	b := macho.NewBuilder()
	lib := b.Library(runtime.LibSystem)
	text := b.Segment("__TEXT", textBase, 0x1000, macho.ProtRead|macho.ProtExec)
	text.Section("__text", textBase, macho.Words(code...))
	data := b.Segment("__DATA", gotBase, 0x1000, macho.ProtRead|macho.ProtWrite)
	data.Section("__got", gotBase, make([]byte, 4))
	b.Import("_malloc", lib, false)
	b.Bind(macho.Bind{Symbol: "_malloc", Library: lib, Addr: gotBase, Type: macho.BindTypePointer})
	b.Export("_main", textBase, false)
	b.Main(textBase)
	image, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	return image
}

func crash(t *testing.T) (*runtime.Environment, runtime.Result) {
	t.Helper()
	cfg := config.Default()
	cfg.Memory.HeapInitial = 64 << 10
	cfg.Memory.HeapCeiling = 1 << 20
	cfg.Stack.Size = 64 << 10
	env, err := runtime.New(cfg)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := env.Load(crashingImage(t), "/var/mobile/Applications/Crash.app/Crash"); err != nil {
		t.Fatal(err)
	}
	res := env.RunUntilExit(context.Background())
	if res.Kind != runtime.ResultFault {
		t.Fatalf("run ended with %v", res)
	}
	return env, res
}

func TestCapture(t *testing.T) {
	env, res := crash(t)
	d := diag.Capture(env, res)

	if d.Version != diag.Version || d.RunID != env.ID().String() {
		t.Errorf("header = %d %q", d.Version, d.RunID)
	}
	if d.Image != "/var/mobile/Applications/Crash.app/Crash" {
		t.Errorf("Image = %q", d.Image)
	}
	o := d.Outcome
	if o.Kind != "fault" || o.Classification != "memory abort" || o.Addr != 0x10 || o.PC != textBase+24 || o.ExitCode != 1 {
		t.Errorf("Outcome = %+v", o)
	}
	if d.Registers.R[1] != 0x10 || d.Registers.Context() != res.Context {
		t.Errorf("Registers = %+v", d.Registers)
	}

	if len(d.Trace) != 1 || d.Trace[0].Symbol != "_malloc" || d.Trace[0].Args[0] != 16 {
		t.Errorf("Trace = %+v", d.Trace)
	}
	if hs := env.Memory().HeapStats(); d.Heap.Allocations != hs.Allocations || d.Heap.Used != hs.Used || hs.Used < 16 {
		t.Errorf("Heap = %+v, memory reports %+v", d.Heap, hs)
	}
	if len(d.Threads) != 1 || !d.Threads[0].Current || d.Threads[0].State != "runnable" {
		t.Errorf("Threads = %+v", d.Threads)
	}

	var text *diag.Region
	for i := range d.Regions {
		if d.Regions[i].Base == textBase {
			text = &d.Regions[i]
		}
	}
	if text == nil || text.Perm != memory.PermRX.String() || text.Owner != "segment" {
		t.Errorf("text region = %+v in %+v", text, d.Regions)
	}

	if d.Code.Addr != textBase+8 || len(d.Code.Bytes) != 32 {
		t.Fatalf("Code = 0x%x, %d bytes", d.Code.Addr, len(d.Code.Bytes))
	}
	if w := binary.LittleEndian.Uint32(d.Code.Bytes[16:]); w != ldr(0, 1, 0) {
		t.Errorf("instruction at pc = 0x%08x", w)
	}
}

func TestWriteRead(t *testing.T) {
	env, res := crash(t)
	want := diag.Capture(env, res)

	var buf bytes.Buffer
	if err := diag.Write(&buf, want); err != nil {
		t.Fatal(err)
	}
	got, err := diag.Read(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Time.Equal(want.Time) {
		t.Errorf("Time = %v, want %v", got.Time, want.Time)
	}
	got.Time, want.Time = time.Time{}, time.Time{}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("round trip:\n got %+v\nwant %+v", got, want)
	}
}

func TestWriteDeterministic(t *testing.T) {
	d := &diag.Dump{
		Version: diag.Version,
		RunID:   "run",
		Time:    time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		Regions: []diag.Region{{Name: "heap", Base: 0x20000000, Size: 0x1000, Perm: "rw-", Owner: "heap"}},
	}
	var a, b bytes.Buffer
	if err := diag.Write(&a, d); err != nil {
		t.Fatal(err)
	}
	if err := diag.Write(&b, d); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(a.Bytes(), b.Bytes()) {
		t.Error("encoding is not deterministic")
	}
}

func TestReadErrors(t *testing.T) {
	var future bytes.Buffer
	if err := diag.Write(&future, &diag.Dump{Version: diag.Version + 1}); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data []byte
		want errors.Kind
	}{
		{"not compressed", []byte("plain text"), errors.KindInvalidData},
		{"empty", nil, errors.KindInvalidData},
		{"newer version", future.Bytes(), errors.KindUnsupported},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := diag.Read(bytes.NewReader(tt.data))
			if k, ok := errors.KindOf(err); !ok || k != tt.want {
				t.Errorf("Read error = %v, want kind %s", err, tt.want)
			}
		})
	}
}
