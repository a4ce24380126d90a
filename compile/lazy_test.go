package compile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/wasm"
)

func lazyConfig() Config {
	cfg := DefaultConfig()
	cfg.LazyCompilation = true
	cfg.NumCompilationTasks = 0
	return cfg
}

func TestLazyCompilation_InstallsStubs(t *testing.T) {
	p, _ := newSyncPipeline(t, lazyConfig())
	mod, err := p.CompileSync(context.Background(), validModule(3), wasm.OriginWasm, wasm.DefaultFeatures())
	require.NoError(t, err)
	defer mod.Close(context.Background())

	for i := uint32(0); i < 3; i++ {
		code := mod.Native().CodeAt(i)
		require.NotNil(t, code, "function %d has no stub", i)
		assert.Equal(t, engine.CodeLazyStub, code.Kind)
		assert.False(t, mod.Native().HasCode(i))
	}
}

func TestLazyCompile_OnDemand(t *testing.T) {
	p, _ := newSyncPipeline(t, lazyConfig())
	mod, err := p.CompileSync(context.Background(), validModule(2), wasm.OriginWasm, wasm.DefaultFeatures())
	require.NoError(t, err)
	defer mod.Close(context.Background())

	addr := LazyCompile(mod, 1)
	assert.NotZero(t, addr)
	assert.True(t, mod.Native().HasCode(1), "lazy compile did not install code")
	assert.False(t, mod.Native().HasCode(0), "untouched function was compiled")

	// Compiling again returns the installed code's address.
	assert.Equal(t, addr, LazyCompile(mod, 1))
}

func TestLazyCompilation_WasmOriginValidates(t *testing.T) {
	p, _ := newSyncPipeline(t, lazyConfig())
	_, err := p.CompileSync(context.Background(), invalidAt(3, 1), wasm.OriginWasm, wasm.DefaultFeatures())
	require.Error(t, err, "lazy compilation must validate wasm-origin modules up front")
	assert.Contains(t, err.Error(), "Compiling function #1")
	assert.Contains(t, err.Error(), "@+")
}

func TestLazyCompilation_AsmJSOriginSkipsValidation(t *testing.T) {
	// asm.js modules are valid by construction; module creation must not
	// reject them even with a bad body.
	p, _ := newSyncPipeline(t, lazyConfig())
	mod, err := p.CompileSync(context.Background(), invalidAt(2, 1), wasm.OriginAsmJS, wasm.DefaultFeatures())
	require.NoError(t, err)
	defer mod.Close(context.Background())

	code := mod.Native().CodeAt(0)
	require.NotNil(t, code)
	assert.Equal(t, engine.CodeLazyStub, code.Kind)
}

func TestLazyCompile_PanicsOnInvalidFunction(t *testing.T) {
	// Reaching lazy compilation with an invalid body means validation was
	// skipped (asm.js origin); that contract violation must not be
	// silently swallowed.
	p, _ := newSyncPipeline(t, lazyConfig())
	mod, err := p.CompileSync(context.Background(), invalidAt(2, 1), wasm.OriginAsmJS, wasm.DefaultFeatures())
	require.NoError(t, err)
	defer mod.Close(context.Background())

	assert.Panics(t, func() { LazyCompile(mod, 1) })
}
