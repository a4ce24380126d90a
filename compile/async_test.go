package compile

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/wasm"
)

func newAsyncPipeline(t *testing.T, cfg Config, opts ...Option) (*Pipeline, *engine.Scheduler) {
	t.Helper()
	sched := engine.NewScheduler(cfg.NumCompilationTasks)
	return NewPipeline(sched, cfg, opts...), sched
}

func TestCompileAsync_EmptyModule(t *testing.T) {
	p, sched := newAsyncPipeline(t, DefaultConfig())
	resolver := &testResolver{}

	p.CompileAsync(validModule(0), wasm.DefaultFeatures(), resolver)
	pump(t, sched.Foreground(), resolver.done)

	require.NoError(t, resolver.failure())
	mod := resolver.module()
	require.NotNil(t, mod)
	assert.Zero(t, mod.Native().Module().NumFunctions())

	// The job finished; the registry is empty.
	pump(t, sched.Foreground(), func() bool { return p.NumJobs() == 0 })
}

func TestCompileAsync_RegularMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.EnableTierUp = false
	p, sched := newAsyncPipeline(t, cfg)
	resolver := &testResolver{}

	p.CompileAsync(validModule(2), wasm.DefaultFeatures(), resolver)
	pump(t, sched.Foreground(), resolver.done)

	require.NoError(t, resolver.failure())
	mod := resolver.module()
	require.NotNil(t, mod)
	for i := uint32(0); i < 2; i++ {
		assert.True(t, mod.Native().HasCode(i), "function %d has no code", i)
	}
	assert.Len(t, mod.ExportWrappers(), 1)

	// Regular mode: the job deregisters in FinishModule.
	pump(t, sched.Foreground(), func() bool { return p.NumJobs() == 0 })
}

func TestCompileAsync_TieringMode(t *testing.T) {
	p, sched := newAsyncPipeline(t, DefaultConfig())
	resolver := &testResolver{}

	p.CompileAsync(validModule(2), wasm.DefaultFeatures(), resolver)
	pump(t, sched.Foreground(), resolver.done)

	require.NoError(t, resolver.failure())
	mod := resolver.module()
	require.NotNil(t, mod)

	// The promise resolves after baseline; top-tier compilation drains in
	// the background and removes the job.
	pump(t, sched.Foreground(), func() bool { return p.NumJobs() == 0 })
	assert.False(t, mod.State().HasOutstandingUnits())

	// Optimized code replaced baseline code for every function.
	for i := uint32(0); i < 2; i++ {
		code := mod.Native().CodeAt(i)
		require.NotNil(t, code)
		assert.Equal(t, "optimized", code.Tier.String())
	}
}

func TestCompileAsync_Deterministic(t *testing.T) {
	// With zero compilation tasks every background task runs on the
	// foreground queue; the whole compile is a deterministic task replay.
	cfg := DefaultConfig()
	cfg.NumCompilationTasks = 0
	p, sched := newAsyncPipeline(t, cfg)
	resolver := &testResolver{}

	p.CompileAsync(validModule(2), wasm.DefaultFeatures(), resolver)
	pump(t, sched.Foreground(), func() bool { return p.NumJobs() == 0 })

	require.NoError(t, resolver.failure())
	mod := resolver.module()
	require.NotNil(t, mod)
	assert.False(t, mod.State().HasOutstandingUnits())
}

func TestCompileAsync_DecodeFailure(t *testing.T) {
	p, sched := newAsyncPipeline(t, DefaultConfig())
	resolver := &testResolver{}

	p.CompileAsync([]byte{0xDE, 0xAD}, wasm.DefaultFeatures(), resolver)
	pump(t, sched.Foreground(), resolver.done)

	require.Error(t, resolver.failure())
	assert.Nil(t, resolver.module())
	assert.Zero(t, p.NumJobs())
}

func TestCompileAsync_InvalidFunction(t *testing.T) {
	p, sched := newAsyncPipeline(t, DefaultConfig())
	resolver := &testResolver{}

	p.CompileAsync(invalidAt(3, 2), wasm.DefaultFeatures(), resolver)
	pump(t, sched.Foreground(), resolver.done)

	err := resolver.failure()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `Compiling wasm function "wasm-function[2]" failed:`)
	assert.Zero(t, p.NumJobs())
}

func TestCompileAsync_Abort(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCompilationTasks = 2
	p, sched := newAsyncPipeline(t, cfg, WithGeneratorFactory(func(enabled wasm.Features) CodeGenerator {
		return &slowGenerator{inner: engine.NewGenerator(enabled), delay: time.Millisecond}
	}))
	resolver := &testResolver{}

	job := p.CompileAsync(validModule(100), wasm.DefaultFeatures(), resolver)

	// Let compilation get under way, then abort from the foreground.
	time.Sleep(10 * time.Millisecond)
	sched.Foreground().Post(job.Abort)

	pump(t, sched.Foreground(), resolver.done)

	err := resolver.failure()
	require.Error(t, err, "abort must reject the promise")
	assert.Contains(t, err.Error(), "Compilation aborted")
	assert.Zero(t, p.NumJobs(), "aborted job still registered")
}

func TestCompileAsync_AbortBeforeDecodeCompletes(t *testing.T) {
	p, sched := newAsyncPipeline(t, DefaultConfig())
	resolver := &testResolver{}

	job := p.CompileAsync(validModule(4), wasm.DefaultFeatures(), resolver)
	sched.Foreground().Post(job.Abort)

	// The job leaves the registry; whether the resolver fires depends on
	// how far compilation got, which is fine — the test must not deadlock.
	pump(t, sched.Foreground(), func() bool { return p.NumJobs() == 0 })
}
