package errors

import (
	"fmt"
	"strings"
)

// Phase indicates where in the pipeline the error occurred
type Phase string

const (
	PhaseDecode  Phase = "decode"  // module binary decoding
	PhaseCompile Phase = "compile" // function compilation
	PhaseStream  Phase = "stream"  // streaming byte ingestion
	PhaseLazy    Phase = "lazy"    // on-demand compilation
	PhaseLink    Phase = "link"    // wrapper generation / export linking
	PhaseRuntime Phase = "runtime" // backend / code-space operations
)

// Kind categorizes the error
type Kind string

const (
	KindMalformed       Kind = "malformed"        // binary violates the wire format
	KindInvalidFunction Kind = "invalid_function" // a function body failed validation
	KindAborted         Kind = "aborted"          // compilation was aborted by the embedder
	KindResource        Kind = "resource"         // allocation or guard-region failure
	KindUnsupported     Kind = "unsupported"      // feature not enabled or not implemented
	KindNotFound        Kind = "not_found"        // missing function, export, or section
	KindInvalidInput    Kind = "invalid_input"    // bad argument from the embedder
)

// Error is the structured error type used throughout the pipeline
type Error struct {
	Cause  error
	Phase  Phase
	Kind   Kind
	Detail string

	// FuncIndex is the index of the offending function, or -1 when the
	// error is not attributable to a single function.
	FuncIndex int32

	// Offset is the wire-byte offset the error was detected at.
	Offset uint32
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder

	b.WriteByte('[')
	b.WriteString(string(e.Phase))
	b.WriteString("] ")
	b.WriteString(string(e.Kind))

	if e.FuncIndex >= 0 {
		fmt.Fprintf(&b, " in function %d", e.FuncIndex)
	}
	if e.Offset != 0 {
		fmt.Fprintf(&b, " @+%d", e.Offset)
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
			Phase:     phase,
			Kind:      kind,
			FuncIndex: -1,
		},
	}
}

// Func sets the offending function index
func (b *Builder) Func(index uint32) *Builder {
	b.err.FuncIndex = int32(index)
	return b
}

// Offset sets the wire-byte offset
func (b *Builder) Offset(offset uint32) *Builder {
	b.err.Offset = offset
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

// Malformed creates a wire-format error at the given offset
func Malformed(phase Phase, offset uint32, detail string, args ...any) *Error {
	return New(phase, KindMalformed).Offset(offset).Detail(detail, args...).Build()
}

// InvalidFunction creates a function-body validation error
func InvalidFunction(index uint32, offset uint32, detail string, args ...any) *Error {
	return New(PhaseCompile, KindInvalidFunction).
		Func(index).
		Offset(offset).
		Detail(detail, args...).
		Build()
}

// Resource creates an allocation or code-space failure error
func Resource(phase Phase, detail string, args ...any) *Error {
	return New(phase, KindResource).Detail(detail, args...).Build()
}

// Unsupported creates an unsupported-feature error
func Unsupported(phase Phase, what string) *Error {
	return New(phase, KindUnsupported).Detail("%s is not supported", what).Build()
}

// InvalidInput creates a bad-argument error
func InvalidInput(phase Phase, detail string) *Error {
	return New(phase, KindInvalidInput).Detail("%s", detail).Build()
}
