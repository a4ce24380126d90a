package compile

import (
	"context"
	"runtime"

	"go.uber.org/zap"

	wasmpipeline "github.com/wippyai/wasm-pipeline"
	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/wasm"
)

// CompileSync decodes and compiles a module, blocking the caller until
// baseline compilation has finished. In tiering mode, optimized
// compilation continues in the background after the call returns; the
// returned module's state tracks it.
func (p *Pipeline) CompileSync(ctx context.Context, bytes []byte, origin wasm.Origin, enabled wasm.Features) (*Module, error) {
	module, err := wasm.DecodeModule(bytes, origin, enabled)
	if err != nil {
		return nil, err
	}

	native := engine.NewNativeModule(module, enabled, p.cfg.trapMode())
	native.SetWireBytes(bytes)

	state := p.newState(native, origin, enabled)
	state.SetWireBytesStorage(wasm.NewWireBytes(bytes))

	mod := &Module{native: native, state: state}
	if err := p.compileNativeModule(ctx, state); err != nil {
		return nil, err
	}

	mod.exportWrappers = engine.CompileExportWrappers(p.wrappers, module)
	return mod, nil
}

// compileNativeModule runs the configured compilation policy to
// completion of the baseline tier (or full completion in regular mode).
func (p *Pipeline) compileNativeModule(ctx context.Context, state *CompilationState) error {
	module := state.native.Module()

	if p.cfg.LazyCompilation {
		return p.prepareLazyCompilation(state)
	}

	funcs := int(module.NumDeclaredFuncs())
	parallel := p.cfg.NumCompilationTasks > 0 && funcs > 1 && runtime.NumCPU() > 0
	if parallel {
		compileInParallel(state)
	} else {
		compileSequentially(state)
	}
	if state.Failed() {
		return state.CompileError()
	}

	// Materialize the executable backend for the completed tier. Baseline
	// only in tiering mode: after the parallel driver the optimized tier is
	// still compiling in the background and commits when it completes. The
	// sequential driver compiles nothing further, so in tiering mode it
	// also ends with only the baseline backend committed.
	commitTier := defaultTier()
	if state.mode == ModeTiering {
		commitTier = wasmpipeline.TierBaseline
	}
	if funcs > 0 {
		if err := state.native.CommitTier(ctx, commitTier); err != nil {
			return err
		}
	}
	return nil
}

// compileInParallel publishes all units, then lets the calling thread
// alternate between acting as an extra compilation worker and acting as
// the finisher until the baseline tier is done.
func compileInParallel(state *CompilationState) {
	// This thread finishes compilation; no foreground finisher task may
	// be spawned for it.
	state.SetFinisherRunning(true)

	module := state.native.Module()
	if err := state.SetTotal(int(module.NumDeclaredFuncs())); err != nil {
		state.SetError(0, err)
		return
	}

	// Publishing the units spawns background workers.
	initializeCompilationUnits(state)

	// Act as one more worker, finishing executed units between
	// compilations so memory for results is reclaimed early.
	var detected wasm.Features
	for state.fetchAndRun(&detected) && !state.BaselineFinished() {
		state.finishPending()
		if state.Failed() {
			break
		}
	}

	// Pending units are gone; keep finishing until the background workers
	// have delivered everything baseline still owes.
	for !state.Failed() {
		state.finishPending()
		if state.BaselineFinished() {
			break
		}
		runtime.Gosched()
	}

	state.PublishDetectedFeatures(detected)

	// With tiering, clear the finisher flag so background workers spawn
	// foreground finisher tasks for the remaining top-tier units.
	if !state.Failed() && state.mode == ModeTiering {
		state.SetFinisherRunning(false)
		// Units scheduled while this thread still held the flag have no
		// finisher task yet; start one for them.
		if state.HasUnitToFinish() && state.SetFinisherRunning(true) {
			state.scheduleFinisherTask()
		}
	}
}

// compileSequentially compiles every declared function in module order on
// the calling thread, stopping at the first failure. Used when the module
// is tiny or no worker threads are configured.
func compileSequentially(state *CompilationState) {
	module := state.native.Module()
	wire := state.GetWireBytesStorage()

	var detected wasm.Features
	for i := module.NumImportedFuncs; i < module.NumFunctions(); i++ {
		code, err := state.gen.CompileFunction(state.native, i, defaultTier(), wire, &detected, state.mets)
		if err != nil {
			state.SetError(i, err)
			break
		}
		state.native.InstallCode(code)
	}
	state.PublishDetectedFeatures(detected)

	if state.cfg.Trace.Compiler {
		Logger().Debug("sequential compilation done",
			zap.Uint32("functions", module.NumDeclaredFuncs()),
			zap.Bool("failed", state.Failed()))
	}
}
