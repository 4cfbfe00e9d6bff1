package config

import (
	"bytes"
	"testing"

	"github.com/wippyai/hle-runtime/errors"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
plugins = ["uikit.wasm"]

[memory]
heap-ceiling = "64MiB"
heap-initial = 65536

[stack]
size = "256KiB"
top = 0x2f000000

[dispatch]
unimplemented = "return-zero"
error-returns = { _sysctlbyname = -1, _geteuid = 501 }

[guest]
args = ["-level", "3"]
max-call-depth = 8

[log]
level = "debug"
format = "json"
`))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"heap ceiling", cfg.Memory.HeapCeiling, Size(64 << 20)},
		{"heap initial", cfg.Memory.HeapInitial, Size(65536)},
		{"heap base default", cfg.Memory.HeapBase, uint32(0x20000000)},
		{"stack size", cfg.Stack.Size, Size(256 << 10)},
		{"stack top", cfg.Stack.Top, uint32(0x2f000000)},
		{"policy", cfg.Dispatch.Unimplemented, "return-zero"},
		{"error return", cfg.Dispatch.ErrorReturns["_sysctlbyname"], int64(-1)},
		{"slots default", cfg.Dispatch.Slots, uint32(4096)},
		{"call depth", cfg.Guest.MaxCallDepth, 8},
		{"threads default", cfg.Guest.MaxThreads, 64},
		{"log format", cfg.Log.Format, "json"},
		{"plugins", len(cfg.Plugins), 1},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		toml string
		kind errors.Kind
	}{
		{"syntax", `[memory`, errors.KindInvalidData},
		{"bad size", "[stack]\nsize = \"lots\"", errors.KindInvalidData},
		{"unknown key", "[memory]\nheap-size = 1", errors.KindInvalidInput},
		{"zero stack", "[stack]\nsize = 0", errors.KindInvalidInput},
		{"unaligned heap", "[memory]\nheap-base = 0x20000010", errors.KindInvalidInput},
		{"heap ceiling", "[memory]\nheap-ceiling = \"4KiB\"", errors.KindInvalidInput},
		{"map floor in heap", "[memory]\nmap-floor = 0x20001000", errors.KindInvalidInput},
		{"policy", "[dispatch]\nunimplemented = \"ignore\"", errors.KindInvalidInput},
		{"core", "[cpu]\ncore = \"jit\"", errors.KindInvalidInput},
		{"log level", "[log]\nlevel = \"loud\"", errors.KindInvalidInput},
		{"error return range", "[dispatch]\nerror-returns = { _f = 0x100000000 }", errors.KindInvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.toml))
			if err == nil {
				t.Fatal("expected error")
			}
			if k, _ := errors.KindOf(err); k != tt.kind {
				t.Errorf("kind = %s, want %s (%v)", k, tt.kind, err)
			}
		})
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Guest.Args = []string{"a", "b"}
	cfg.Stack.Size = 1536 << 10

	var buf bytes.Buffer
	if err := cfg.Encode(&buf); err != nil {
		t.Fatal(err)
	}
	back, err := Parse(buf.Bytes())
	if err != nil {
		t.Fatalf("%v\n%s", err, buf.String())
	}
	if back.Stack.Size != cfg.Stack.Size || len(back.Guest.Args) != 2 || back.Memory.HeapCeiling != cfg.Memory.HeapCeiling {
		t.Errorf("round trip = %+v", back)
	}
}

func TestSize(t *testing.T) {
	tests := []struct {
		in   string
		want Size
	}{
		{"4096", 4096},
		{"4KiB", 4096},
		{"1.5MiB", 1536 << 10},
		{"2g", 2 << 30},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.in)
		if err != nil || got != tt.want {
			t.Errorf("ParseSize(%q) = %d, %v", tt.in, got, err)
		}
	}
	if Size(512<<10).String() != "512KiB" {
		t.Errorf("String = %s", Size(512<<10))
	}
	if _, err := ParseSize("-1"); err == nil {
		t.Error("negative size parsed")
	}
}

func TestLogger(t *testing.T) {
	for _, format := range []string{"console", "json"} {
		l, err := Log{Level: "warn", Format: format}.Logger()
		if err != nil {
			t.Fatal(err)
		}
		if l.Core().Enabled(-1) {
			t.Errorf("%s logger enables debug", format)
		}
	}
}
