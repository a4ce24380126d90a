package compile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	wasmpipeline "github.com/wippyai/wasm-pipeline"
	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/wasm"
)

func newSyncPipeline(t *testing.T, cfg Config) (*Pipeline, *engine.Scheduler) {
	t.Helper()
	sched := engine.NewScheduler(cfg.NumCompilationTasks)
	return NewPipeline(sched, cfg), sched
}

func TestCompileSync_EmptyModule(t *testing.T) {
	p, _ := newSyncPipeline(t, DefaultConfig())
	mod, err := p.CompileSync(context.Background(), validModule(0), wasm.OriginWasm, wasm.DefaultFeatures())
	require.NoError(t, err)
	require.NotNil(t, mod)
	assert.Zero(t, mod.Native().Module().NumFunctions())
	assert.Empty(t, mod.ExportWrappers())
}

func TestCompileSync_Sequential(t *testing.T) {
	// Zero compilation tasks forces the sequential driver.
	cfg := DefaultConfig()
	cfg.NumCompilationTasks = 0
	p, _ := newSyncPipeline(t, cfg)

	mod, err := p.CompileSync(context.Background(), validModule(2), wasm.OriginWasm, wasm.DefaultFeatures())
	require.NoError(t, err)

	for i := uint32(0); i < 2; i++ {
		require.True(t, mod.Native().HasCode(i), "function %d has no code", i)
	}
	assert.Len(t, mod.ExportWrappers(), 1)
	require.NoError(t, mod.Close(context.Background()))
}

func TestCompileSync_Parallel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCompilationTasks = 4
	cfg.EnableTierUp = false // regular mode: done when the call returns
	p, _ := newSyncPipeline(t, cfg)

	mod, err := p.CompileSync(context.Background(), validModule(16), wasm.OriginWasm, wasm.DefaultFeatures())
	require.NoError(t, err)
	defer mod.Close(context.Background())

	for i := uint32(0); i < 16; i++ {
		require.True(t, mod.Native().HasCode(i), "function %d has no code", i)
	}
	assert.False(t, mod.State().HasOutstandingUnits())

	// Regular mode committed the top-tier backend.
	assert.Len(t, mod.Native().CommittedTiers(), 1)
}

func TestCompileSync_ParallelTiering(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCompilationTasks = 4
	p, sched := newSyncPipeline(t, cfg)

	mod, err := p.CompileSync(context.Background(), validModule(8), wasm.OriginWasm, wasm.DefaultFeatures())
	require.NoError(t, err)
	defer mod.Close(context.Background())

	// Baseline is done when the call returns.
	assert.True(t, mod.State().BaselineFinished())

	// Top-tier units keep finishing in the background; pump the foreground
	// finisher tasks until they are gone.
	pump(t, sched.Foreground(), func() bool { return !mod.State().HasOutstandingUnits() })

	for i := uint32(0); i < 8; i++ {
		code := mod.Native().CodeAt(i)
		require.NotNil(t, code)
		assert.Equal(t, wasmpipeline.TierOptimized, code.Tier,
			"function %d not upgraded to the optimized tier", i)
	}
}

func TestCompileSync_InvalidFunction(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCompilationTasks = 0
	p, _ := newSyncPipeline(t, cfg)

	// Function #2 of three has an unknown opcode.
	_, err := p.CompileSync(context.Background(), invalidAt(3, 2), wasm.OriginWasm, wasm.DefaultFeatures())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Compiling wasm function "wasm-function[2]" failed:`)
	assert.Contains(t, err.Error(), "unknown opcode")
}

func TestCompileSync_InvalidFunctionParallel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCompilationTasks = 4
	p, _ := newSyncPipeline(t, cfg)

	_, err := p.CompileSync(context.Background(), invalidAt(8, 5), wasm.OriginWasm, wasm.DefaultFeatures())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed:")
}

func TestCompileSync_DecodeError(t *testing.T) {
	p, _ := newSyncPipeline(t, DefaultConfig())
	_, err := p.CompileSync(context.Background(), []byte{1, 2, 3}, wasm.OriginWasm, wasm.DefaultFeatures())
	require.Error(t, err)
}

func TestCompileSync_AsmJSOriginUsesRegularMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCompilationTasks = 0
	p, _ := newSyncPipeline(t, cfg)

	mod, err := p.CompileSync(context.Background(), validModule(1), wasm.OriginAsmJS, wasm.DefaultFeatures())
	require.NoError(t, err)
	defer mod.Close(context.Background())
	assert.Equal(t, ModeRegular, mod.State().Mode(),
		"asm.js origin must not tier even with tier-up enabled")
}

func TestCompileSync_MaxWorkersOne(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCompilationTasks = 1
	p, _ := newSyncPipeline(t, cfg)

	mod, err := p.CompileSync(context.Background(), validModule(8), wasm.OriginWasm, wasm.DefaultFeatures())
	require.NoError(t, err)
	defer mod.Close(context.Background())
	assert.True(t, mod.State().BaselineFinished())
}
