package dispatch

import (
	"fmt"
	"math"
	"reflect"

	"go.bytecodealliance.org/wit"

	"github.com/wippyai/hle-runtime/errors"
)

var (
	callType  = reflect.TypeOf((*Call)(nil))
	errorType = reflect.TypeOf((*error)(nil)).Elem()
)

// Host is a framework module: a library of host functions keyed by guest
// symbol name.
type Host interface {
	// Library returns the install name of the library the functions
	// stand in for, e.g. "/usr/lib/libSystem.B.dylib".
	Library() string
	// Functions maps guest symbols ("_puts") to typed Go functions.
	Functions() map[string]any
}

// RegisterHost registers every function of h.
func (t *Table) RegisterHost(h Host) error {
	lib := h.Library()
	for symbol, fn := range h.Functions() {
		if _, err := t.registerFunc(lib, symbol, fn); err != nil {
			return err
		}
	}
	return nil
}

// RegisterFunc registers a typed Go function. Parameters and results are
// marshaled by type:
//
//	uint8..uint32, int8..int32, bool   one argument word
//	uint64, int64                      an aligned register pair or stack slot
//	float32, float64                   softfp, as their bit patterns
//	string                             a guest C string pointer, read on entry
//
// A leading *Call parameter receives the call itself. The function may
// return one value of the types above, optionally followed by an error.
func (t *Table) RegisterFunc(symbol string, fn any) (*Entry, error) {
	return t.registerFunc("", symbol, fn)
}

func (t *Table) registerFunc(library, symbol string, fn any) (*Entry, error) {
	h, sig, err := wrapFunc(fn)
	if err != nil {
		return nil, errors.Registration(errors.PhaseDispatch, symbol, err)
	}
	return t.register(library, symbol, sig, h)
}

func wrapFunc(fn any) (Handler, Signature, error) {
	rv := reflect.ValueOf(fn)
	if rv.Kind() != reflect.Func {
		return nil, Signature{}, fmt.Errorf("handler must be a function, got %T", fn)
	}
	rt := rv.Type()
	if rt.IsVariadic() {
		return nil, Signature{}, fmt.Errorf("variadic handlers must take *dispatch.Call and read arguments themselves")
	}

	var sig Signature
	first := 0
	if rt.NumIn() > 0 && rt.In(0) == callType {
		first = 1
	}
	for i := first; i < rt.NumIn(); i++ {
		wt, err := witType(rt.In(i))
		if err != nil {
			return nil, Signature{}, fmt.Errorf("parameter %d: %w", i, err)
		}
		sig.Params = append(sig.Params, wt)
	}

	nout := rt.NumOut()
	returnsErr := nout > 0 && rt.Out(nout-1) == errorType
	if returnsErr {
		nout--
	}
	if nout > 1 {
		return nil, Signature{}, fmt.Errorf("at most one result besides error, got %d", nout)
	}
	if nout == 1 {
		wt, err := witType(rt.Out(0))
		if err != nil {
			return nil, Signature{}, fmt.Errorf("result: %w", err)
		}
		if _, ok := wt.(wit.String); ok {
			return nil, Signature{}, fmt.Errorf("string results need guest memory; return a pointer from a *Call handler")
		}
		sig.Results = []wit.Type{wt}
	}

	params := sig.Params
	h := func(c *Call) error {
		in := make([]reflect.Value, 0, rt.NumIn())
		if first == 1 {
			in = append(in, reflect.ValueOf(c))
		}
		for i, p := range params {
			v, err := readArg(c, p, rt.In(first+i))
			if err != nil {
				return err
			}
			in = append(in, v)
		}
		if err := c.Err(); err != nil {
			return err
		}

		out := rv.Call(in)
		if returnsErr {
			if e := out[len(out)-1]; !e.IsNil() {
				return e.Interface().(error)
			}
		}
		if nout == 1 {
			writeResult(c, out[0])
		}
		return nil
	}
	return h, sig, nil
}

func witType(t reflect.Type) (wit.Type, error) {
	switch t.Kind() {
	case reflect.Bool:
		return wit.Bool{}, nil
	case reflect.Uint8:
		return wit.U8{}, nil
	case reflect.Int8:
		return wit.S8{}, nil
	case reflect.Uint16:
		return wit.U16{}, nil
	case reflect.Int16:
		return wit.S16{}, nil
	case reflect.Uint32, reflect.Uintptr:
		return wit.U32{}, nil
	case reflect.Int32:
		return wit.S32{}, nil
	case reflect.Uint64:
		return wit.U64{}, nil
	case reflect.Int64:
		return wit.S64{}, nil
	case reflect.Float32:
		return wit.F32{}, nil
	case reflect.Float64:
		return wit.F64{}, nil
	case reflect.String:
		return wit.String{}, nil
	default:
		return nil, fmt.Errorf("unsupported type %s", t)
	}
}

func readArg(c *Call, p wit.Type, t reflect.Type) (reflect.Value, error) {
	v := reflect.New(t).Elem()
	switch p.(type) {
	case wit.String:
		s, err := c.NextString()
		if err != nil {
			return v, err
		}
		v.SetString(s)
	case wit.F32:
		v.SetFloat(float64(c.NextF32()))
	case wit.F64:
		v.SetFloat(c.NextF64())
	case wit.U64:
		v.SetUint(c.Next64())
	case wit.S64:
		v.SetInt(int64(c.Next64()))
	case wit.Bool:
		v.SetBool(c.Next() != 0)
	case wit.S8:
		v.SetInt(int64(int8(c.Next())))
	case wit.S16:
		v.SetInt(int64(int16(c.Next())))
	case wit.S32:
		v.SetInt(int64(int32(c.Next())))
	default:
		v.SetUint(uint64(c.Next()))
	}
	return v, nil
}

func writeResult(c *Call, v reflect.Value) {
	switch v.Kind() {
	case reflect.Bool:
		if v.Bool() {
			c.Return32(1)
		} else {
			c.Return32(0)
		}
	case reflect.Int8, reflect.Int16, reflect.Int32:
		c.Return32(uint32(int32(v.Int())))
	case reflect.Int64:
		c.Return64(uint64(v.Int()))
	case reflect.Uint64:
		c.Return64(v.Uint())
	case reflect.Float32:
		c.Return32(math.Float32bits(float32(v.Float())))
	case reflect.Float64:
		c.Return64(math.Float64bits(v.Float()))
	default:
		c.Return32(uint32(v.Uint()))
	}
}
