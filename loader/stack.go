package loader

import (
	"go.uber.org/zap"

	"github.com/wippyai/hle-runtime/errors"
	"github.com/wippyai/hle-runtime/memory"
)

// Stack is a mapped main-thread stack with the process arguments laid out
// at its top.
type Stack struct {
	Base uint32
	Top  uint32
	// SP points at argc, as start expects.
	SP    uint32
	Argc  uint32
	Argv  uint32
	Envp  uint32
	Apple uint32
}

// StackOptions describes the initial process stack.
type StackOptions struct {
	// ExecPath is apple[0], the path the executable was started from.
	ExecPath string
	Args     []string
	Env      []string
	Size     uint32
	// Top maps the stack to end at Top; zero places it anywhere.
	Top uint32
}

// SetupStack maps the stack and writes the strings and vectors:
//
//	sp ->  argc
//	       argv[0..argc-1], NULL
//	       envp[...], NULL
//	       apple[0], NULL
//	       strings
func SetupStack(mem Memory, opts StackOptions) (*Stack, error) {
	size := alignUp(opts.Size, memory.PageSize)
	if size == 0 {
		return nil, errors.InvalidInput(errors.PhaseLoad, "stack size cannot be zero")
	}

	var (
		r   *memory.Region
		err error
	)
	if opts.Top != 0 {
		if opts.Top < size {
			return nil, errors.InvalidInput(errors.PhaseLoad, "stack top below stack size")
		}
		r, err = mem.Map(opts.Top-size, size, memory.PermRW, memory.OwnerStack, "stack")
	} else {
		r, err = mem.MapAnywhere(size, memory.PermRW, memory.OwnerStack, "stack")
	}
	if err != nil {
		return nil, errors.Load("map stack", err)
	}
	st := &Stack{Base: r.Base, Top: r.Base + r.Size}

	apple := []string{"executable_path=" + opts.ExecPath}
	if opts.ExecPath == "" {
		apple = nil
	}
	var strs []string
	strs = append(strs, opts.Args...)
	strs = append(strs, opts.Env...)
	strs = append(strs, apple...)

	cursor := st.Top
	ptrs := make([]uint32, len(strs))
	for i := len(strs) - 1; i >= 0; i-- {
		n := uint32(len(strs[i]) + 1)
		if n > cursor-st.Base {
			return nil, errors.Load("process arguments do not fit the stack", nil)
		}
		cursor -= n
		buf := make([]byte, n)
		copy(buf, strs[i])
		if err := mem.Write(cursor, buf); err != nil {
			return nil, errors.Load("write process arguments", err)
		}
		ptrs[i] = cursor
	}

	argc := len(opts.Args)
	envc := len(opts.Env)
	words := make([]uint32, 0, 1+len(strs)+3)
	words = append(words, uint32(argc))
	words = append(words, ptrs[:argc]...)
	words = append(words, 0)
	words = append(words, ptrs[argc:argc+envc]...)
	words = append(words, 0)
	words = append(words, ptrs[argc+envc:]...)
	words = append(words, 0)

	vec := uint32(4 * len(words))
	if cursor-st.Base < vec+16 {
		return nil, errors.Load("process arguments do not fit the stack", nil)
	}
	sp := (cursor - vec) &^ 15
	for i, w := range words {
		if err := mem.WriteU32(sp+uint32(4*i), w); err != nil {
			return nil, errors.Load("write process vectors", err)
		}
	}

	st.SP = sp
	st.Argc = uint32(argc)
	st.Argv = sp + 4
	st.Envp = st.Argv + uint32(4*(argc+1))
	st.Apple = st.Envp + uint32(4*(envc+1))

	Logger().Debug("stack ready",
		zap.Uint32("base", st.Base),
		zap.Uint32("top", st.Top),
		zap.Uint32("sp", st.SP),
		zap.Int("argc", argc))
	return st, nil
}
