package engine

import (
	wasmpipeline "github.com/wippyai/wasm-pipeline"
)

// Address is a position inside a native module's code space.
type Address uint64

// CodeKind distinguishes the artifacts living in a code table.
type CodeKind uint8

const (
	// CodeFunction is translated function code.
	CodeFunction CodeKind = iota
	// CodeLazyStub is the universal trampoline installed for lazy
	// compilation; calling it triggers on-demand compilation.
	CodeLazyStub
	// CodeWrapper is a JS↔wasm call adapter.
	CodeWrapper
)

func (k CodeKind) String() string {
	switch k {
	case CodeFunction:
		return "function"
	case CodeLazyStub:
		return "lazy-stub"
	case CodeWrapper:
		return "wrapper"
	}
	return "unknown"
}

// Code is one generated artifact: a function at a tier, a lazy stub, or a
// wrapper. The instruction start is assigned when the artifact is installed
// into a native module's code space.
type Code struct {
	Index uint32
	Tier  wasmpipeline.Tier
	Kind  CodeKind

	// Size is the artifact's code-space footprint.
	Size uint32

	start Address
}

// InstructionStart returns the artifact's address inside the module's code
// space. Zero until installed.
func (c *Code) InstructionStart() Address { return c.start }
