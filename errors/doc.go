// Package errors provides structured error types for the wasm-pipeline
// library.
//
// Errors are categorized by Phase (where in the pipeline the error occurred)
// and Kind (error category). The Error type includes rich context: the
// offending function index, the wire-byte offset, and a cause chain.
//
// Use the Builder for structured error construction:
//
//	err := errors.New(errors.PhaseCompile, errors.KindInvalidFunction).
//		Func(2).
//		Offset(17).
//		Detail("unknown opcode 0xff").
//		Build()
//
// Or use convenience constructors for common patterns:
//
//	err := errors.Malformed(errors.PhaseDecode, offset, "section out of order")
//	err := errors.InvalidFunction(index, offset, "unbalanced block nesting")
//
// CompileError is the value held by the compilation state's one-shot error
// latch; its Message method renders the user-visible failure string.
//
// All errors implement the standard error interface and support
// errors.Is/As.
package errors
