package runtime

import (
	stderrors "errors"
	"fmt"

	"github.com/wippyai/hle-runtime/cpu"
	"github.com/wippyai/hle-runtime/errors"
)

// ResultKind classifies how a run ended.
type ResultKind uint8

const (
	// ResultExited is a normal process exit.
	ResultExited ResultKind = iota
	// ResultGuestError is an unhandled guest-visible error: a message not
	// understood or a call to an unimplemented function.
	ResultGuestError
	// ResultFault is a host-detected fatal fault.
	ResultFault
	// ResultHalted means the run was halted or cancelled.
	ResultHalted
	// ResultError is a failure outside guest execution, such as a load or
	// configuration error.
	ResultError
)

func (k ResultKind) String() string {
	switch k {
	case ResultExited:
		return "exited"
	case ResultGuestError:
		return "guest error"
	case ResultFault:
		return "fault"
	case ResultHalted:
		return "halted"
	default:
		return "error"
	}
}

// Result describes how a run ended, with enough context to report the
// last fault.
type Result struct {
	Err            error
	Classification string
	Symbol         string
	Threads        []ThreadInfo
	Context        cpu.Context
	Dispatches     uint64
	Kind           ResultKind
	Code           int32
	Addr           uint32
	PC             uint32
}

func (r Result) String() string {
	switch r.Kind {
	case ResultExited:
		return r.Classification
	case ResultHalted:
		return fmt.Sprintf("%s at pc 0x%08x", r.Classification, r.PC)
	}
	where := fmt.Sprintf("0x%08x", r.Addr)
	if r.Symbol != "" {
		where += " (" + r.Symbol + ")"
	}
	return fmt.Sprintf("%s: %s at %s: %v", r.Kind, r.Classification, where, r.Err)
}

// ExitCode maps the result to a process exit status.
func (r Result) ExitCode() int {
	switch r.Kind {
	case ResultExited:
		return int(r.Code)
	case ResultHalted:
		return 130
	default:
		return 1
	}
}

func (e *Environment) result(err error) Result {
	r := Result{
		Err:        err,
		PC:         e.core.PC(),
		Context:    e.core.Context(),
		Dispatches: e.trace.Total(),
		Threads:    e.Threads(),
	}
	var he *errors.Error
	if !stderrors.As(err, &he) {
		r.Kind = ResultError
		r.Classification = "host error"
		return r
	}
	r.Addr = he.Addr
	r.Symbol = he.Symbol

	switch he.Kind {
	case errors.KindExited:
		r.Kind = ResultExited
		r.Code = e.exitCode
		r.Classification = fmt.Sprintf("exited with status %d", e.exitCode)
		return r
	case errors.KindHalted:
		r.Kind = ResultHalted
		r.Classification = "halted"
		if he.Cause != nil {
			r.Classification = "cancelled"
		}
		return r
	case errors.KindDoesNotUnderstand:
		r.Kind = ResultGuestError
		r.Classification = fmt.Sprintf("%v does not understand %s", he.Value, he.Symbol)
		return r
	case errors.KindUnimplemented:
		r.Kind = ResultGuestError
		r.Classification = "unimplemented function " + he.Symbol
		return r
	}

	switch {
	case he.Phase == errors.PhaseLoad, he.Phase == errors.PhaseParse, he.Phase == errors.PhaseConfig:
		r.Kind = ResultError
		r.Classification = string(he.Phase) + " error"
		return r
	case he.Kind == errors.KindInvalidInput:
		r.Kind = ResultError
		r.Classification = "invalid input"
		return r
	}

	r.Kind = ResultFault
	switch v := he.Value.(type) {
	case string:
		r.Classification = v
	default:
		r.Classification = string(he.Kind)
	}
	if he.Kind == errors.KindFault && he.Phase == errors.PhaseCPU && r.Symbol == "" {
		r.Symbol = e.Symbolize(r.PC)
	}
	return r
}
