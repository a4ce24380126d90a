package errors

import "fmt"

// CompileError records the first function-level failure of a module compile.
// It is the value stored in the compilation state's error latch: at most one
// CompileError wins per module, all later errors are dropped.
type CompileError struct {
	FuncIndex uint32
	Offset    uint32
	Err       error
}

// NewCompileError wraps err as the latched error for the given function.
func NewCompileError(funcIndex uint32, err error) *CompileError {
	ce := &CompileError{FuncIndex: funcIndex, Err: err}
	if e, ok := err.(*Error); ok {
		ce.Offset = e.Offset
	}
	return ce
}

// Aborted returns the generic error latched by an abort. It unblocks all
// tasks waiting on the compilation state.
func Aborted() *CompileError {
	return &CompileError{
		Err: New(PhaseCompile, KindAborted).Detail("Compilation aborted").Build(),
	}
}

// IsAborted reports whether e was produced by Aborted.
func IsAborted(e *CompileError) bool {
	if e == nil {
		return false
	}
	err, ok := e.Err.(*Error)
	return ok && err.Kind == KindAborted
}

func (e *CompileError) Error() string {
	return e.Message(fmt.Sprintf("wasm-function[%d]", e.FuncIndex))
}

func (e *CompileError) Unwrap() error {
	return e.Err
}

// Message formats the user-visible compile failure for the named function.
// The name comes from the module's name section when present, otherwise the
// caller passes the wasm-function[i] fallback.
func (e *CompileError) Message(name string) string {
	if IsAborted(e) {
		return "Compilation aborted"
	}
	msg := e.Err.Error()
	if err, ok := e.Err.(*Error); ok && err.Detail != "" {
		msg = err.Detail
	}
	return fmt.Sprintf("Compiling wasm function %q failed: %s", name, msg)
}
