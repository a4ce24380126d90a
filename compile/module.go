package compile

import (
	"context"

	"github.com/wippyai/wasm-pipeline/engine"
)

// Module is the compiled module handed to the embedder: the native module
// with its code table, the compilation state (still active while tiering
// continues in the background), and the export call adapters.
type Module struct {
	native         *engine.NativeModule
	state          *CompilationState
	exportWrappers []*engine.Code
}

// Native returns the native module.
func (m *Module) Native() *engine.NativeModule { return m.native }

// State returns the module's compilation state.
func (m *Module) State() *CompilationState { return m.state }

// ExportWrappers returns the JS↔wasm adapters for the module's exports, in
// export order.
func (m *Module) ExportWrappers() []*engine.Code { return m.exportWrappers }

// Close tears the module down: any in-flight background compilation is
// aborted and joined, then the tier backends are released. Must be called
// from the foreground.
func (m *Module) Close(ctx context.Context) error {
	if m.state != nil {
		m.state.Abort()
		m.state.CancelAndWait()
	}
	return m.native.Close(ctx)
}

// Resolver is the external continuation for asynchronous compilation
// results. Exactly one of the two methods is called, from the foreground.
type Resolver interface {
	OnCompilationSucceeded(*Module)
	OnCompilationFailed(error)
}
