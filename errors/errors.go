package errors

import (
	"fmt"
	"strings"
)

// Phase indicates which component produced the error
type Phase string

const (
	PhaseLoad     Phase = "load"     // image loading and binding
	PhaseParse    Phase = "parse"    // executable format parsing
	PhaseMemory   Phase = "memory"   // guest memory access
	PhaseCPU      Phase = "cpu"      // guest instruction execution
	PhaseDispatch Phase = "dispatch" // host function dispatch
	PhaseObjC     Phase = "objc"     // object message runtime
	PhaseRuntime  Phase = "runtime"  // run loop orchestration
	PhaseConfig   Phase = "config"   // configuration loading
	PhaseHost     Phase = "host"     // host module registration
	PhaseDiag     Phase = "diag"     // crash dump encoding
)

// Kind categorizes the error
type Kind string

const (
	KindOutOfBounds       Kind = "out_of_bounds"
	KindPermission        Kind = "permission"
	KindOverlap           Kind = "overlap"
	KindAllocation        Kind = "allocation"
	KindInvalidFree       Kind = "invalid_free"
	KindInvalidData       Kind = "invalid_data"
	KindUnsupported       Kind = "unsupported"
	KindNotFound          Kind = "not_found"
	KindInvalidInput      Kind = "invalid_input"
	KindRegistration      Kind = "registration"
	KindMissingImport     Kind = "missing_import"
	KindUnimplemented     Kind = "unimplemented"
	KindDoesNotUnderstand Kind = "does_not_understand"
	KindFault             Kind = "fault"
	KindReentrancy        Kind = "reentrancy"
	KindConsistency       Kind = "consistency"
	KindHalted            Kind = "halted"
	KindExited            Kind = "exited"
)

// Error is the structured error type used throughout the emulator
type Error struct {
	Value   any
	Cause   error
	Phase   Phase
	Kind    Kind
	Symbol  string
	Detail  string
	Path    []string
	Addr    uint32
	HasAddr bool
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if len(e.Path) > 0 {
		b.WriteString(" in ")
		b.WriteString(strings.Join(e.Path, "."))
	}

	if e.HasAddr {
		fmt.Fprintf(&b, " at 0x%08x", e.Addr)
	}

	if e.Symbol != "" {
		b.WriteString(" (")
		b.WriteString(Demangle(e.Symbol))
		b.WriteByte(')')
	}

	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}

	if e.Cause != nil {
		b.WriteString(" (caused by: ")
		b.WriteString(e.Cause.Error())
		b.WriteByte(')')
	}

	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Phase == t.Phase && e.Kind == t.Kind
	}
	return false
}

// Builder provides structured error construction
type Builder struct {
	err Error
}

// New creates a new error builder
func New(phase Phase, kind Kind) *Builder {
	return &Builder{
		err: Error{
			Phase: phase,
			Kind:  kind,
		},
	}
}

// Path sets the location path (segment, section, class, ...)
func (b *Builder) Path(path ...string) *Builder {
	b.err.Path = path
	return b
}

// Addr sets the guest address the error refers to
func (b *Builder) Addr(addr uint32) *Builder {
	b.err.Addr = addr
	b.err.HasAddr = true
	return b
}

// Symbol sets the guest symbol the error refers to
func (b *Builder) Symbol(name string) *Builder {
	b.err.Symbol = name
	return b
}

// Value sets the offending value
func (b *Builder) Value(v any) *Builder {
	b.err.Value = v
	return b
}

// Cause sets the underlying error
func (b *Builder) Cause(err error) *Builder {
	b.err.Cause = err
	return b
}

// Detail sets the human-readable detail message
func (b *Builder) Detail(msg string, args ...any) *Builder {
	if len(args) > 0 {
		b.err.Detail = fmt.Sprintf(msg, args...)
	} else {
		b.err.Detail = msg
	}
	return b
}

// Build returns the constructed error
func (b *Builder) Build() *Error {
	return &b.err
}

// Convenience constructors for common error patterns

// OutOfBounds creates an error for an access touching unmapped memory
func OutOfBounds(phase Phase, addr, length uint32) *Error {
	return &Error{
		Phase:   phase,
		Kind:    KindOutOfBounds,
		Addr:    addr,
		HasAddr: true,
		Detail:  fmt.Sprintf("access of %d bytes outside any mapped region", length),
		Value:   length,
	}
}

// PermissionDenied creates an error for an access the region does not grant
func PermissionDenied(phase Phase, addr uint32, access, granted string) *Error {
	return &Error{
		Phase:   phase,
		Kind:    KindPermission,
		Addr:    addr,
		HasAddr: true,
		Detail:  fmt.Sprintf("%s access denied (region is %s)", access, granted),
	}
}

// Overlap creates an error for a mapping that intersects an existing region
func Overlap(base, size uint32, existing string) *Error {
	return &Error{
		Phase:   PhaseMemory,
		Kind:    KindOverlap,
		Addr:    base,
		HasAddr: true,
		Detail:  fmt.Sprintf("region of %d bytes overlaps %s", size, existing),
	}
}

// AllocationFailed creates an allocation failure error
func AllocationFailed(phase Phase, size, align uint32) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindAllocation,
		Detail: fmt.Sprintf("failed to allocate %d bytes (align %d)", size, align),
	}
}

// InvalidFree creates an error for freeing an address that is not an allocation base
func InvalidFree(addr uint32) *Error {
	return &Error{
		Phase:   PhaseMemory,
		Kind:    KindInvalidFree,
		Addr:    addr,
		HasAddr: true,
		Detail:  "address is not the base of a live allocation",
	}
}

// Unsupported creates an unsupported operation error
func Unsupported(phase Phase, what string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindUnsupported,
		Detail: what,
	}
}

// InvalidData creates an invalid data error
func InvalidData(phase Phase, path []string, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidData,
		Path:   path,
		Detail: detail,
	}
}

// Unimplemented creates the error raised when the guest calls a host symbol
// nothing has registered an implementation for.
func Unimplemented(symbol string, addr uint32) *Error {
	return &Error{
		Phase:   PhaseDispatch,
		Kind:    KindUnimplemented,
		Symbol:  symbol,
		Addr:    addr,
		HasAddr: true,
		Detail:  "call to unimplemented host function",
	}
}

// DoesNotUnderstand creates the error raised when no class in the receiver's
// chain implements a selector.
func DoesNotUnderstand(class, selector string, receiver uint32) *Error {
	return &Error{
		Phase:   PhaseObjC,
		Kind:    KindDoesNotUnderstand,
		Symbol:  selector,
		Addr:    receiver,
		HasAddr: true,
		Detail:  fmt.Sprintf("%s does not recognize selector %q", class, selector),
		Value:   class,
	}
}

// Consistency creates a fatal runtime consistency error
func Consistency(phase Phase, addr uint32, detail string) *Error {
	return &Error{
		Phase:   phase,
		Kind:    KindConsistency,
		Addr:    addr,
		HasAddr: true,
		Detail:  detail,
	}
}

// Reentrancy creates an error for host-to-guest calls nested too deeply
func Reentrancy(depth, limit int) *Error {
	return &Error{
		Phase:  PhaseRuntime,
		Kind:   KindReentrancy,
		Detail: fmt.Sprintf("guest call depth %d exceeds limit %d", depth, limit),
		Value:  depth,
	}
}

// Wrap wraps an existing error with additional context
func Wrap(phase Phase, kind Kind, cause error, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   kind,
		Detail: detail,
		Cause:  cause,
	}
}

// UnresolvedImport represents a single import no binder could satisfy
type UnresolvedImport struct {
	Library string // e.g., "/System/Library/Frameworks/UIKit.framework/UIKit"
	Symbol  string // e.g., "_UIApplicationMain"
}

// UnresolvedImportsError is returned by strict loads when imports have no host implementation
type UnresolvedImportsError struct {
	Imports []UnresolvedImport
}

// NewUnresolvedImportsError creates an error from a list of "library#symbol" strings
func NewUnresolvedImportsError(imports []string) *UnresolvedImportsError {
	result := &UnresolvedImportsError{
		Imports: make([]UnresolvedImport, 0, len(imports)),
	}
	for _, imp := range imports {
		lib, sym := parseImportKey(imp)
		result.Imports = append(result.Imports, UnresolvedImport{
			Library: lib,
			Symbol:  sym,
		})
	}
	return result
}

func parseImportKey(key string) (library, symbol string) {
	lib, sym, found := strings.Cut(key, "#")
	if found {
		return lib, sym
	}
	return "", key
}

// Demangle makes a Mach-O symbol name readable: the C leading underscore is
// dropped and Itanium nested names (__ZN3Foo3barEv) become Foo::bar.
func Demangle(name string) string {
	switch {
	case strings.HasPrefix(name, "__ZN"):
		name = name[1:]
	case strings.HasPrefix(name, "_ZN"):
	case strings.HasPrefix(name, "_"):
		return name[1:]
	default:
		return name
	}

	// Format: _ZN<len><name><len><name>...E<params>
	s := name[3:]
	var parts []string

	for len(s) > 0 && s[0] != 'E' {
		// Read length (can be multiple digits)
		lenEnd := 0
		for lenEnd < len(s) && s[lenEnd] >= '0' && s[lenEnd] <= '9' {
			lenEnd++
		}
		if lenEnd == 0 {
			break
		}

		length := 0
		for i := 0; i < lenEnd; i++ {
			length = length*10 + int(s[i]-'0')
		}
		s = s[lenEnd:]

		if length > len(s) {
			break
		}

		parts = append(parts, s[:length])
		s = s[length:]
	}

	if len(parts) == 0 {
		return name
	}

	return strings.Join(parts, "::")
}

func (e *UnresolvedImportsError) Error() string {
	if len(e.Imports) == 0 {
		return "[load] missing_import: no imports specified"
	}

	var b strings.Builder
	b.WriteString(fmt.Sprintf("%d unresolved import(s):\n", len(e.Imports)))

	// Group by library for cleaner output
	byLib := make(map[string][]string)
	var libOrder []string
	for _, imp := range e.Imports {
		lib := imp.Library
		if lib == "" {
			lib = "(flat namespace)"
		}
		if _, exists := byLib[lib]; !exists {
			libOrder = append(libOrder, lib)
		}
		byLib[lib] = append(byLib[lib], Demangle(imp.Symbol))
	}

	for _, lib := range libOrder {
		b.WriteString("\n  ")
		b.WriteString(lib)
		b.WriteString(":\n")
		for _, sym := range byLib[lib] {
			b.WriteString("    - ")
			b.WriteString(sym)
			b.WriteByte('\n')
		}
	}

	return strings.TrimSuffix(b.String(), "\n")
}

// Is reports whether target matches this error type
func (e *UnresolvedImportsError) Is(target error) bool {
	_, ok := target.(*UnresolvedImportsError)
	return ok
}

// NotFound creates a not-found error
func NotFound(phase Phase, what, name string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindNotFound,
		Detail: fmt.Sprintf("%s %q not found", what, name),
	}
}

// InvalidInput creates an invalid input error
func InvalidInput(phase Phase, detail string) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindInvalidInput,
		Detail: detail,
	}
}

// Registration creates a registration error
func Registration(phase Phase, symbol string, cause error) *Error {
	return &Error{
		Phase:  phase,
		Kind:   KindRegistration,
		Symbol: symbol,
		Detail: "register host function",
		Cause:  cause,
	}
}

// Load creates an image loading error
func Load(detail string, cause error) *Error {
	return &Error{
		Phase:  PhaseLoad,
		Kind:   KindInvalidData,
		Detail: detail,
		Cause:  cause,
	}
}

// ParseFailed creates a parsing error
func ParseFailed(what string, cause error) *Error {
	return &Error{
		Phase:  PhaseParse,
		Kind:   KindInvalidData,
		Detail: fmt.Sprintf("parse %s", what),
		Cause:  cause,
	}
}

// KindOf returns the Kind of err if it is (or wraps) an *Error
func KindOf(err error) (Kind, bool) {
	for err != nil {
		if e, ok := err.(*Error); ok {
			return e.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return "", false
		}
		err = u.Unwrap()
	}
	return "", false
}
