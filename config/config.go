package config

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/wippyai/hle-runtime/errors"
)

// Config is the emulator configuration, usually read from hle.toml.
type Config struct {
	Memory   Memory   `toml:"memory"`
	Stack    Stack    `toml:"stack"`
	CPU      CPU      `toml:"cpu"`
	Dispatch Dispatch `toml:"dispatch"`
	Loader   Loader   `toml:"loader"`
	ObjC     ObjC     `toml:"objc"`
	Guest    Guest    `toml:"guest"`
	Log      Log      `toml:"log"`
	// Plugins are wasm modules providing framework functions.
	Plugins []string `toml:"plugins"`
}

// Memory lays out the guest address space.
type Memory struct {
	NullPage    Size   `toml:"null-page"`
	HeapBase    uint32 `toml:"heap-base"`
	HeapInitial Size   `toml:"heap-initial"`
	HeapCeiling Size   `toml:"heap-ceiling"`
	MapFloor    uint32 `toml:"map-floor"`
}

// Stack sizes the main and secondary thread stacks. A zero Top places the
// main stack anywhere above the map floor.
type Stack struct {
	Size       Size   `toml:"size"`
	ThreadSize Size   `toml:"thread-size"`
	Top        uint32 `toml:"top"`
}

// CPU selects the core and its scheduling slice.
type CPU struct {
	Core string `toml:"core"`
	// Slice is the number of instructions between cancellation checks and
	// thread preemption points.
	Slice uint64 `toml:"slice"`
}

// Dispatch configures the host dispatch table.
type Dispatch struct {
	Base  uint32 `toml:"base"`
	Slots uint32 `toml:"slots"`
	// Unimplemented is "halt" or "return-zero".
	Unimplemented string `toml:"unimplemented"`
	// ErrorReturns maps unimplemented symbols to the value they return;
	// negative values are stored as their 32-bit two's complement.
	ErrorReturns map[string]int64 `toml:"error-returns"`
	TraceSize    int              `toml:"trace-size"`
}

// Loader configures image loading.
type Loader struct {
	Strict bool   `toml:"strict"`
	Slide  uint32 `toml:"slide"`
}

// ObjC configures the object message runtime.
type ObjC struct {
	// TraceSends logs every message send at debug level.
	TraceSends bool `toml:"trace-sends"`
}

// Guest describes the process the image runs as.
type Guest struct {
	ExecPath     string   `toml:"exec-path"`
	Args         []string `toml:"args"`
	Env          []string `toml:"env"`
	MaxCallDepth int      `toml:"max-call-depth"`
	MaxThreads   int      `toml:"max-threads"`
}

// Log configures the zap logger.
type Log struct {
	Level string `toml:"level"`
	// Format is "console" or "json".
	Format string `toml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Memory: Memory{
			NullPage:    0x1000,
			HeapBase:    0x20000000,
			HeapInitial: 1 << 20,
			HeapCeiling: 256 << 20,
			MapFloor:    0x30000000,
		},
		Stack: Stack{
			Size:       1 << 20,
			ThreadSize: 512 << 10,
		},
		CPU: CPU{
			Core:  "interp",
			Slice: 100000,
		},
		Dispatch: Dispatch{
			Base:          0xF0000000,
			Slots:         4096,
			Unimplemented: "halt",
			TraceSize:     64,
		},
		Guest: Guest{
			MaxCallDepth: 64,
			MaxThreads:   64,
		},
		Log: Log{
			Level:  "info",
			Format: "console",
		},
	}
}

// Load reads a TOML file over the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindNotFound, err, "read "+path)
	}
	cfg, err := Parse(data)
	if err != nil {
		if he, ok := err.(*errors.Error); ok {
			he.Path = append([]string{path}, he.Path...)
		}
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes TOML over the defaults and validates the result. Unknown
// keys are rejected.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidData, err, "decode configuration")
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.InvalidInput(errors.PhaseConfig, fmt.Sprintf("unknown configuration key %q", undecoded[0].String()))
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Encode writes the configuration as TOML.
func (c Config) Encode(w io.Writer) error {
	return toml.NewEncoder(w).Encode(c)
}

const pageSize = 0x1000

// Validate checks the layout for overlaps and misalignment.
func (c Config) Validate() error {
	m := c.Memory
	switch {
	case m.NullPage%pageSize != 0:
		return invalid("memory.null-page", "must be page aligned")
	case m.HeapBase%pageSize != 0:
		return invalid("memory.heap-base", "must be page aligned")
	case m.HeapInitial == 0:
		return invalid("memory.heap-initial", "cannot be zero")
	case m.HeapCeiling < m.HeapInitial:
		return invalid("memory.heap-ceiling", "below heap-initial")
	case uint64(m.HeapBase)+uint64(m.HeapCeiling) > 1<<32:
		return invalid("memory.heap-ceiling", "heap does not fit the address space")
	case uint64(m.HeapBase) < uint64(m.NullPage):
		return invalid("memory.heap-base", "overlaps the null page")
	case m.MapFloor != 0 && uint64(m.MapFloor) < uint64(m.HeapBase)+uint64(m.HeapCeiling):
		return invalid("memory.map-floor", "inside the heap")
	}

	if c.Stack.Size == 0 {
		return invalid("stack.size", "cannot be zero")
	}
	if c.Stack.Top%16 != 0 {
		return invalid("stack.top", "must be 16-byte aligned")
	}
	if c.CPU.Core != "interp" {
		return invalid("cpu.core", fmt.Sprintf("unknown core %q", c.CPU.Core))
	}

	d := c.Dispatch
	if d.Slots == 0 {
		return invalid("dispatch.slots", "cannot be zero")
	}
	if d.Base%pageSize != 0 {
		return invalid("dispatch.base", "must be page aligned")
	}
	if uint64(d.Base)+uint64(d.Slots)*8 > 1<<32 {
		return invalid("dispatch.slots", "trampolines do not fit the address space")
	}
	if d.Unimplemented != "halt" && d.Unimplemented != "return-zero" {
		return invalid("dispatch.unimplemented", fmt.Sprintf("unknown policy %q", d.Unimplemented))
	}
	for sym, v := range d.ErrorReturns {
		if v < -1<<31 || v > 1<<32-1 {
			return invalid("dispatch.error-returns."+sym, "value does not fit 32 bits")
		}
	}
	if c.Loader.Slide%pageSize != 0 {
		return invalid("loader.slide", "must be page aligned")
	}
	if c.Guest.MaxCallDepth <= 0 {
		return invalid("guest.max-call-depth", "must be positive")
	}
	if c.Guest.MaxThreads <= 0 {
		return invalid("guest.max-threads", "must be positive")
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return invalid("log.level", err.Error())
	}
	if c.Log.Format != "console" && c.Log.Format != "json" {
		return invalid("log.format", fmt.Sprintf("unknown format %q", c.Log.Format))
	}
	return nil
}

func invalid(key, detail string) error {
	return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
		Path(key).
		Detail("%s", detail).
		Build()
}

// Logger builds the zap logger the configuration describes.
func (l Log) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.DisableStacktrace = level > zapcore.DebugLevel
	return zc.Build()
}
