package hostwasm

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/dispatch"
	"github.com/wippyai/hle-runtime/errors"
)

// HostModule is the import module name plugins use for guest access.
const HostModule = "hle"

type callKey struct{}

func withCall(ctx context.Context, c *dispatch.Call) context.Context {
	return context.WithValue(ctx, callKey{}, c)
}

// callFrom returns the dispatch in progress. Host functions trap when a
// plugin export is called outside a guest dispatch.
func callFrom(ctx context.Context) *dispatch.Call {
	c, ok := ctx.Value(callKey{}).(*dispatch.Call)
	if !ok {
		panic(errors.InvalidInput(errors.PhaseHost, "guest access outside a guest call"))
	}
	return c
}

// must turns a guest memory error into a trap. wazero recovers the panic
// and returns the error from the plugin call.
func must(err error) {
	if err != nil {
		panic(err)
	}
}

var (
	i32 = api.ValueTypeI32
	i64 = api.ValueTypeI64
)

type hostFunc struct {
	name    string
	fn      api.GoModuleFunc
	params  []api.ValueType
	results []api.ValueType
}

func hostFuncs() []hostFunc {
	return []hostFunc{
		{"read_u8", func(ctx context.Context, _ api.Module, stack []uint64) {
			v, err := callFrom(ctx).Mem.ReadU8(api.DecodeU32(stack[0]))
			must(err)
			stack[0] = uint64(v)
		}, []api.ValueType{i32}, []api.ValueType{i32}},
		{"read_u32", func(ctx context.Context, _ api.Module, stack []uint64) {
			v, err := callFrom(ctx).Mem.ReadU32(api.DecodeU32(stack[0]))
			must(err)
			stack[0] = uint64(v)
		}, []api.ValueType{i32}, []api.ValueType{i32}},
		{"read_u64", func(ctx context.Context, _ api.Module, stack []uint64) {
			v, err := callFrom(ctx).Mem.ReadU64(api.DecodeU32(stack[0]))
			must(err)
			stack[0] = v
		}, []api.ValueType{i32}, []api.ValueType{i64}},
		{"write_u8", func(ctx context.Context, _ api.Module, stack []uint64) {
			must(callFrom(ctx).Mem.WriteU8(api.DecodeU32(stack[0]), uint8(stack[1])))
		}, []api.ValueType{i32, i32}, nil},
		{"write_u32", func(ctx context.Context, _ api.Module, stack []uint64) {
			must(callFrom(ctx).Mem.WriteU32(api.DecodeU32(stack[0]), api.DecodeU32(stack[1])))
		}, []api.ValueType{i32, i32}, nil},
		{"write_u64", func(ctx context.Context, _ api.Module, stack []uint64) {
			must(callFrom(ctx).Mem.WriteU64(api.DecodeU32(stack[0]), stack[1]))
		}, []api.ValueType{i32, i64}, nil},
		// alloc returns 0 when the guest heap is exhausted.
		{"alloc", func(ctx context.Context, _ api.Module, stack []uint64) {
			addr, err := callFrom(ctx).Mem.Alloc(api.DecodeU32(stack[0]), 16)
			if err != nil {
				Logger().Warn("plugin allocation failed", zap.Error(err))
				addr = 0
			}
			stack[0] = uint64(addr)
		}, []api.ValueType{i32}, []api.ValueType{i32}},
		{"free", func(ctx context.Context, _ api.Module, stack []uint64) {
			if ptr := api.DecodeU32(stack[0]); ptr != 0 {
				must(callFrom(ctx).Mem.Free(ptr))
			}
		}, []api.ValueType{i32}, nil},
		// call_guest(fn, arg) calls a guest function pointer.
		{"call_guest", func(ctx context.Context, _ api.Module, stack []uint64) {
			v, err := callFrom(ctx).CallGuest(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
			must(err)
			stack[0] = uint64(v)
		}, []api.ValueType{i32, i32}, []api.ValueType{i32}},
		// log(ptr, len) logs a message from the plugin's own memory.
		{"log", func(ctx context.Context, m api.Module, stack []uint64) {
			var msg []byte
			ok := false
			if mem := m.Memory(); mem != nil {
				msg, ok = mem.Read(api.DecodeU32(stack[0]), api.DecodeU32(stack[1]))
			}
			if !ok {
				panic(errors.OutOfBounds(errors.PhaseHost, api.DecodeU32(stack[0]), api.DecodeU32(stack[1])))
			}
			Logger().Info(string(msg), zap.String("plugin", m.Name()))
		}, []api.ValueType{i32, i32}, nil},
	}
}

func instantiateHost(ctx context.Context, r wazero.Runtime) error {
	builder := r.NewHostModuleBuilder(HostModule)
	for _, f := range hostFuncs() {
		builder.NewFunctionBuilder().
			WithGoModuleFunction(f.fn, f.params, f.results).
			Export(f.name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}
