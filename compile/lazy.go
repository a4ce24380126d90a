package compile

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/errors"
	"github.com/wippyai/wasm-pipeline/wasm"
)

// prepareLazyCompilation validates the module (wasm origin only; asm.js
// modules are valid by construction) and installs the universal lazy
// trampoline for every function instead of compiling.
func (p *Pipeline) prepareLazyCompilation(state *CompilationState) error {
	module := state.native.Module()
	if module.Origin == wasm.OriginWasm {
		if err := validateSequentially(state); err != nil {
			return err
		}
	}
	state.native.SetLazyStubs()
	if p.cfg.Trace.Lazy {
		Logger().Debug("lazy stubs installed",
			zap.Uint32("functions", module.NumDeclaredFuncs()))
	}
	return nil
}

// validateSequentially validates every declared function body without
// generating code.
func validateSequentially(state *CompilationState) error {
	module := state.native.Module()
	wire := state.GetWireBytesStorage()
	enabled := state.native.EnabledFeatures()

	var detected wasm.Features
	for i := module.NumImportedFuncs; i < module.NumFunctions(); i++ {
		fn, _ := module.FunctionAt(i)
		body := wire.GetCode(fn.Body)
		if body == nil {
			return errors.New(errors.PhaseCompile, errors.KindNotFound).
				Func(i).
				Detail("function body not available").
				Build()
		}
		if err := wasm.ValidateFunctionBody(module, i, body, fn.Body.Offset, enabled, &detected); err != nil {
			name := module.FunctionName(i)
			offset := uint32(0)
			msg := err.Error()
			if e, ok := err.(*errors.Error); ok {
				offset = e.Offset
				msg = e.Detail
			}
			return fmt.Errorf("Compiling function #%d:%s failed: %s @+%d", i, name, msg, offset)
		}
	}
	state.PublishDetectedFeatures(detected)
	return nil
}

// LazyCompile compiles the function at funcIndex on demand and returns the
// address of its code. The module was validated when it was created, so
// compilation must not fail here; a failure is a contract violation and
// panics, as does running out of resources.
func LazyCompile(mod *Module, funcIndex uint32) engine.Address {
	state := mod.state
	native := mod.native

	if existing := native.CodeAt(funcIndex); existing != nil && existing.Kind == engine.CodeFunction {
		return existing.InstructionStart()
	}

	start := time.Now()
	if state.cfg.Trace.Lazy {
		Logger().Debug("lazy compiling", zap.Uint32("func", funcIndex))
	}

	var detected wasm.Features
	code, err := state.gen.CompileFunction(
		native, funcIndex, defaultTier(), state.GetWireBytesStorage(), &detected, state.mets)
	// Lazy compilation must not see compilation errors: the module was
	// verified before execution started.
	if err != nil {
		panic(fmt.Sprintf("lazy compilation of validated function %d failed: %v", funcIndex, err))
	}

	installed := native.InstallCode(code)
	state.PublishDetectedFeatures(detected)
	if state.mets != nil {
		state.mets.LazyCompilation(time.Since(start))
	}
	return installed.InstructionStart()
}
