package hostwasm

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/errors"
)

// Engine compiles and instantiates plugins. All plugins of an engine share
// one wazero runtime and one "hle" host module.
type Engine struct {
	runtime wazero.Runtime
	mu      sync.Mutex
	hostMod bool
	plugins map[string]*Plugin
}

// Config holds configuration for engine creation.
type Config struct {
	// MemoryLimitPages caps each plugin's linear memory in 64KiB pages.
	// 0 keeps the wazero default.
	MemoryLimitPages uint32
}

// NewEngine creates an engine.
func NewEngine(ctx context.Context, cfg *Config) *Engine {
	runtimeCfg := wazero.NewRuntimeConfig()
	if cfg != nil && cfg.MemoryLimitPages > 0 {
		runtimeCfg = runtimeCfg.WithMemoryLimitPages(cfg.MemoryLimitPages)
	}
	return &Engine{
		runtime: wazero.NewRuntimeWithConfig(ctx, runtimeCfg),
		plugins: make(map[string]*Plugin),
	}
}

// LibraryFor derives a framework install name from a plugin file name:
// "UIKit.wasm" stands in for /System/Library/Frameworks/UIKit.framework/UIKit.
// Names starting with "lib" map to /usr/lib/<name>.dylib.
func LibraryFor(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if strings.HasPrefix(name, "lib") {
		return "/usr/lib/" + name + ".dylib"
	}
	return "/System/Library/Frameworks/" + name + ".framework/" + name
}

// LoadFile loads a plugin from disk, naming its library with LibraryFor.
func (e *Engine) LoadFile(ctx context.Context, path string) (*Plugin, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(errors.PhaseHost, errors.KindNotFound, err, "read plugin "+path)
	}
	return e.Load(ctx, LibraryFor(path), data)
}

// Load compiles and instantiates a plugin standing in for library.
func (e *Engine) Load(ctx context.Context, library string, wasm []byte) (*Plugin, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.plugins[library]; ok {
		return nil, errors.New(errors.PhaseHost, errors.KindRegistration).
			Path(library).
			Detail("plugin already loaded").
			Build()
	}
	if !e.hostMod {
		if err := instantiateHost(ctx, e.runtime); err != nil {
			return nil, errors.Wrap(errors.PhaseHost, errors.KindRegistration, err, "instantiate host module")
		}
		e.hostMod = true
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, errors.New(errors.PhaseHost, errors.KindInvalidData).
			Path(library).
			Cause(err).
			Detail("compile plugin").
			Build()
	}
	p, err := newPlugin(library, compiled)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, err
	}

	modCfg := wazero.NewModuleConfig().
		WithName(library).
		WithStartFunctions()
	mod, err := e.runtime.InstantiateModule(ctx, compiled, modCfg)
	if err != nil {
		_ = compiled.Close(ctx)
		return nil, errors.New(errors.PhaseHost, errors.KindRegistration).
			Path(library).
			Cause(err).
			Detail("instantiate plugin").
			Build()
	}
	p.module = mod
	if init := mod.ExportedFunction(initExport); init != nil {
		if _, err := init.Call(ctx); err != nil {
			_ = mod.Close(ctx)
			return nil, errors.New(errors.PhaseHost, errors.KindFault).
				Path(library).
				Cause(err).
				Detail("plugin %s failed", initExport).
				Build()
		}
	}
	e.plugins[library] = p

	Logger().Info("plugin loaded",
		zap.String("library", library),
		zap.Int("functions", len(p.exports)))
	return p, nil
}

// Close releases every plugin.
func (e *Engine) Close(ctx context.Context) error {
	return e.runtime.Close(ctx)
}
