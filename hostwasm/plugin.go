package hostwasm

import (
	"context"
	stderrors "errors"
	"sort"
	"strings"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.bytecodealliance.org/wit"
	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/errors"
)

// initExport is called once after instantiation when a plugin exports it.
const initExport = "_initialize"

// Plugin is a framework module implemented in WebAssembly. Every exported
// function except the reserved ones becomes a host function for the guest
// symbol of the same name.
type Plugin struct {
	library string
	module  api.Module
	exports []export
}

type export struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
}

func reserved(name string) bool {
	return name == initExport || name == "_start" || strings.HasPrefix(name, "hle_")
}

func newPlugin(library string, compiled wazero.CompiledModule) (*Plugin, error) {
	p := &Plugin{library: library}
	for name, def := range compiled.ExportedFunctions() {
		if reserved(name) {
			continue
		}
		if len(def.ResultTypes()) > 1 {
			return nil, errors.New(errors.PhaseHost, errors.KindUnsupported).
				Path(library).
				Symbol(name).
				Detail("functions return at most one value, %s returns %d", name, len(def.ResultTypes())).
				Build()
		}
		p.exports = append(p.exports, export{
			name:    name,
			params:  def.ParamTypes(),
			results: def.ResultTypes(),
		})
	}
	sort.Slice(p.exports, func(i, j int) bool { return p.exports[i].name < p.exports[j].name })
	return p, nil
}

// Library is the install name the plugin stands in for.
func (p *Plugin) Library() string { return p.library }

// Symbols lists the guest symbols the plugin provides.
func (p *Plugin) Symbols() []string {
	out := make([]string, len(p.exports))
	for i, ex := range p.exports {
		out[i] = ex.name
	}
	return out
}

// Register adds the plugin's functions to t.
func (p *Plugin) Register(t *dispatch.Table) error {
	for _, ex := range p.exports {
		fn := p.module.ExportedFunction(ex.name)
		if fn == nil {
			return errors.NotFound(errors.PhaseHost, "plugin export", ex.name)
		}
		sig := dispatch.Signature{Params: witTypes(ex.params), Results: witTypes(ex.results)}
		if _, err := t.RegisterLibrary(p.library, ex.name, sig, p.handler(ex, fn)); err != nil {
			return err
		}
	}
	Logger().Debug("plugin registered",
		zap.String("library", p.library),
		zap.Strings("symbols", p.Symbols()))
	return nil
}

// Close releases the plugin's instance.
func (p *Plugin) Close(ctx context.Context) error {
	return p.module.Close(ctx)
}

func witTypes(vts []api.ValueType) []wit.Type {
	if len(vts) == 0 {
		return nil
	}
	out := make([]wit.Type, len(vts))
	for i, vt := range vts {
		switch vt {
		case api.ValueTypeI64:
			out[i] = wit.U64{}
		case api.ValueTypeF32:
			out[i] = wit.F32{}
		case api.ValueTypeF64:
			out[i] = wit.F64{}
		default:
			out[i] = wit.U32{}
		}
	}
	return out
}

// handler reads the AAPCS arguments for ex, calls into the plugin and
// writes the result back to r0/r1.
func (p *Plugin) handler(ex export, fn api.Function) dispatch.Handler {
	return func(c *dispatch.Call) error {
		args := make([]uint64, len(ex.params))
		for i, vt := range ex.params {
			switch vt {
			case api.ValueTypeI64:
				args[i] = c.Next64()
			case api.ValueTypeF32:
				args[i] = api.EncodeF32(c.NextF32())
			case api.ValueTypeF64:
				args[i] = api.EncodeF64(c.NextF64())
			default:
				args[i] = uint64(c.Next())
			}
		}
		if err := c.Err(); err != nil {
			return err
		}

		results, err := fn.Call(withCall(c.Context(), c), args...)
		if err != nil {
			var he *errors.Error
			if stderrors.As(err, &he) {
				return he
			}
			return errors.New(errors.PhaseHost, errors.KindFault).
				Path(p.library).
				Symbol(ex.name).
				Addr(c.Addr).
				Cause(err).
				Detail("plugin trapped").
				Build()
		}
		if len(ex.results) == 1 {
			switch ex.results[0] {
			case api.ValueTypeI64:
				c.Return64(results[0])
			case api.ValueTypeF64:
				c.ReturnF64(api.DecodeF64(results[0]))
			case api.ValueTypeF32:
				c.ReturnF32(api.DecodeF32(results[0]))
			default:
				c.Return32(uint32(results[0]))
			}
		}
		return nil
	}
}
