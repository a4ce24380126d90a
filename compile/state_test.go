package compile

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wippyai/wasm-pipeline/errors"
	"github.com/wippyai/wasm-pipeline/wasm"
)

func deterministicConfig() Config {
	cfg := DefaultConfig()
	cfg.NumCompilationTasks = 0
	return cfg
}

func TestState_RegularModeEvents(t *testing.T) {
	state, sched := newTestState(t, validModule(2), ModeRegular, deterministicConfig())
	rec := &eventRecorder{}
	state.AddCallback(rec.callback())

	require.NoError(t, state.SetTotal(2))
	initializeCompilationUnits(state)
	pump(t, sched.Foreground(), rec.sawFinal)

	// In regular mode the top-tier event fires together with baseline.
	require.Equal(t, []Event{EventFinishedBaseline, EventFinishedTopTier}, rec.recorded())
	assert.False(t, state.HasOutstandingUnits())
	assert.False(t, state.Failed())

	// Both functions have installed code.
	for i := uint32(0); i < 2; i++ {
		assert.True(t, state.NativeModule().HasCode(i), "function %d has no code", i)
	}
}

func TestState_TieringModeEvents(t *testing.T) {
	state, sched := newTestState(t, validModule(2), ModeTiering, deterministicConfig())
	rec := &eventRecorder{}
	state.AddCallback(rec.callback())

	require.NoError(t, state.SetTotal(2))
	initializeCompilationUnits(state)
	pump(t, sched.Foreground(), rec.sawFinal)

	// Four units finalized: two baseline, then two optimized.
	require.Equal(t, []Event{EventFinishedBaseline, EventFinishedTopTier}, rec.recorded())
	assert.False(t, state.HasOutstandingUnits())
}

func TestState_SetTotalContract(t *testing.T) {
	state, _ := newTestState(t, validModule(1), ModeRegular, deterministicConfig())

	require.NoError(t, state.SetTotal(1))
	assert.Error(t, state.SetTotal(1), "second SetTotal accepted")

	state2, _ := newTestState(t, validModule(1), ModeRegular, deterministicConfig())
	state2.SetError(0, errors.InvalidFunction(0, 0, "boom"))
	assert.Error(t, state2.SetTotal(1), "SetTotal after error accepted")
}

func TestState_ErrorLatchOnce(t *testing.T) {
	state, sched := newTestState(t, validModule(1), ModeRegular, deterministicConfig())
	rec := &eventRecorder{}
	state.AddCallback(rec.callback())
	require.NoError(t, state.SetTotal(1))

	for i := 0; i < 5; i++ {
		state.SetError(uint32(i), errors.InvalidFunction(uint32(i), 0, "error %d", i))
	}
	pump(t, sched.Foreground(), rec.sawFinal)

	events := rec.recorded()
	require.Equal(t, []Event{EventFailed}, events, "exactly one FailedCompilation must fire")
	require.True(t, state.Failed())

	// The first error wins: function index 0.
	err := state.CompileError()
	require.Error(t, err)
	assert.Contains(t, err.Error(), `wasm-function[0]`)
	assert.Contains(t, err.Error(), "error 0")
}

func TestState_CompileErrorUsesNameSection(t *testing.T) {
	b := wasm.NewModuleBuilder()
	ty := b.AddType(nil, nil)
	f := b.AddFunction(ty, wasm.EmptyBody())
	b.SetName(f, "crunch")
	state, _ := newTestState(t, b.Build(), ModeRegular, deterministicConfig())

	state.SetError(f, errors.InvalidFunction(f, 7, "bad body"))
	err := state.CompileError()
	require.Error(t, err)
	assert.Equal(t, `Compiling wasm function "crunch" failed: bad body`, err.Error())
}

func TestState_UnitBuilderEmptyCommit(t *testing.T) {
	state, _ := newTestState(t, validModule(1), ModeTiering, deterministicConfig())
	builder := NewUnitBuilder(state)

	assert.False(t, builder.Commit(), "empty commit must be a no-op returning false")
	state.mu.Lock()
	assert.Empty(t, state.pendingBaseline)
	assert.Empty(t, state.pendingTiering)
	state.mu.Unlock()
}

func TestState_UnitBuilderTiering(t *testing.T) {
	state, _ := newTestState(t, validModule(2), ModeTiering, deterministicConfig())
	require.NoError(t, state.SetTotal(2))

	builder := NewUnitBuilder(state)
	builder.Add(0)
	builder.Add(1)
	assert.True(t, builder.Commit())

	state.mu.Lock()
	assert.Len(t, state.pendingBaseline, 2)
	assert.Len(t, state.pendingTiering, 2)
	state.mu.Unlock()
}

func TestState_NextUnitBaselineFirst(t *testing.T) {
	state, _ := newTestState(t, validModule(2), ModeTiering, deterministicConfig())
	require.NoError(t, state.SetTotal(2))

	// Stop workers from consuming the queues during the test by latching
	// nothing — just add units directly without restart side effects.
	builder := NewUnitBuilder(state)
	builder.Add(0)
	builder.Add(1)
	state.mu.Lock()
	state.pendingBaseline = append(state.pendingBaseline, builder.baseline...)
	state.pendingTiering = append(state.pendingTiering, builder.tiering...)
	state.mu.Unlock()
	builder.Clear()

	var tiers []string
	for {
		u := state.NextUnit()
		if u == nil {
			break
		}
		tiers = append(tiers, u.Tier().String())
	}
	require.Len(t, tiers, 4)
	assert.Equal(t, []string{"baseline", "baseline", "optimized", "optimized"}, tiers)
}

func TestState_WorkerClamp(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NumCompilationTasks = 2
	state, _ := newTestState(t, validModule(64), ModeRegular, cfg)
	require.NoError(t, state.SetTotal(64))

	initializeCompilationUnits(state)
	state.mu.Lock()
	workers := state.numWorkers
	maxWorkers := state.maxWorkers
	state.mu.Unlock()
	assert.LessOrEqual(t, workers, maxWorkers)
	assert.LessOrEqual(t, maxWorkers, 2)

	state.Abort()
	state.CancelAndWait()
}

func TestState_AbortIdempotent(t *testing.T) {
	state, sched := newTestState(t, validModule(4), ModeRegular, deterministicConfig())
	rec := &eventRecorder{}
	state.AddCallback(rec.callback())
	require.NoError(t, state.SetTotal(4))

	state.Abort()
	state.Abort()
	pump(t, sched.Foreground(), rec.sawFinal)

	assert.Equal(t, []Event{EventFailed}, rec.recorded())
	require.True(t, state.Failed())
	assert.True(t, strings.Contains(state.CompileError().Error(), "Compilation aborted"))

	state.CancelAndWait()
	state.CancelAndWait()
}

func TestState_NoNewWorkUnitsAfterError(t *testing.T) {
	state, _ := newTestState(t, validModule(2), ModeRegular, deterministicConfig())
	require.NoError(t, state.SetTotal(2))
	state.SetError(0, errors.InvalidFunction(0, 0, "boom"))

	// RestartWorkers after an error must not spawn anything.
	state.RestartWorkers(8)
	state.mu.Lock()
	assert.Zero(t, state.numWorkers)
	state.mu.Unlock()
}

func TestState_FinisherSingleFlight(t *testing.T) {
	state, _ := newTestState(t, validModule(1), ModeRegular, deterministicConfig())

	assert.True(t, state.SetFinisherRunning(true), "first transition must report a change")
	assert.False(t, state.SetFinisherRunning(true), "repeated set must report no change")
	assert.True(t, state.SetFinisherRunning(false))
	assert.False(t, state.SetFinisherRunning(false))
}

func TestState_DetectedFeaturesPublished(t *testing.T) {
	// One function using a sign-extension opcode.
	b := wasm.NewModuleBuilder()
	ty := b.AddType(nil, nil)
	b.AddFunction(ty, []byte{0x00, 0x41, 0x00, 0xC0, 0x1A, 0x0B})
	state, sched := newTestState(t, b.Build(), ModeRegular, deterministicConfig())
	rec := &eventRecorder{}
	state.AddCallback(rec.callback())

	require.NoError(t, state.SetTotal(1))
	initializeCompilationUnits(state)
	pump(t, sched.Foreground(), rec.sawFinal)

	assert.True(t, state.DetectedFeatures().SignExtension,
		"sign-extension not propagated from the worker's local feature set")
}
