package dispatch

import (
	"strings"

	"go.bytecodealliance.org/wit"
)

// Signature describes a host function's parameters and results. Strings
// are guest C string pointers; everything else follows the AAPCS softfp
// layout of its size.
type Signature struct {
	Params  []wit.Type
	Results []wit.Type
}

// Sig is shorthand for a Signature.
func Sig(params []wit.Type, results ...wit.Type) Signature {
	return Signature{Params: params, Results: results}
}

// Words returns how many 32-bit argument words the parameters occupy,
// including alignment padding.
func (s Signature) Words() int {
	n := 0
	for _, p := range s.Params {
		if wordCount(p) == 2 && n%2 != 0 {
			n++
		}
		n += wordCount(p)
	}
	return n
}

func (s Signature) String() string {
	var b strings.Builder
	b.WriteString("func(")
	for i, p := range s.Params {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(typeName(p))
	}
	b.WriteByte(')')
	switch len(s.Results) {
	case 0:
	case 1:
		b.WriteString(" -> ")
		b.WriteString(typeName(s.Results[0]))
	default:
		b.WriteString(" -> (")
		for i, r := range s.Results {
			if i > 0 {
				b.WriteString(", ")
			}
			b.WriteString(typeName(r))
		}
		b.WriteByte(')')
	}
	return b.String()
}

// wordCount is the number of core registers a value occupies.
func wordCount(t wit.Type) int {
	switch t.(type) {
	case wit.U64, wit.S64, wit.F64:
		return 2
	default:
		return 1
	}
}

func typeName(t wit.Type) string {
	switch t.(type) {
	case wit.Bool:
		return "bool"
	case wit.U8:
		return "u8"
	case wit.S8:
		return "s8"
	case wit.U16:
		return "u16"
	case wit.S16:
		return "s16"
	case wit.U32:
		return "u32"
	case wit.S32:
		return "s32"
	case wit.U64:
		return "u64"
	case wit.S64:
		return "s64"
	case wit.F32:
		return "f32"
	case wit.F64:
		return "f64"
	case wit.Char:
		return "char"
	case wit.String:
		return "string"
	default:
		return "?"
	}
}
