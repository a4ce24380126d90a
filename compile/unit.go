package compile

import (
	wasmpipeline "github.com/wippyai/wasm-pipeline"
	"github.com/wippyai/wasm-pipeline/engine"
)

// Unit is one function's compilation work at one tier. A unit is owned by
// exactly one location at a time: the pending queue, the worker executing
// it, or the finished queue. The finisher consumes it.
type Unit struct {
	index uint32
	tier  wasmpipeline.Tier

	// Exactly one of result and err is set after execution.
	result *engine.Code
	err    error
}

func newUnit(index uint32, tier wasmpipeline.Tier) *Unit {
	return &Unit{index: index, tier: tier}
}

// Index returns the unit's global function index.
func (u *Unit) Index() uint32 { return u.index }

// Tier returns the tier the unit compiles for.
func (u *Unit) Tier() wasmpipeline.Tier { return u.tier }

// defaultTier is the tier used for the single unit per function in regular
// mode.
func defaultTier() wasmpipeline.Tier { return wasmpipeline.TierOptimized }

// UnitBuilder batches newly discovered functions into units and publishes
// them to the compilation state atomically. The builder must be empty when
// discarded: either committed or cleared.
type UnitBuilder struct {
	state    *CompilationState
	baseline []*Unit
	tiering  []*Unit
}

// NewUnitBuilder returns an empty builder publishing into state.
func NewUnitBuilder(state *CompilationState) *UnitBuilder {
	return &UnitBuilder{state: state}
}

// Add buffers the units for one function: baseline plus optimized in
// tiering mode, a single top-tier unit otherwise.
func (b *UnitBuilder) Add(funcIndex uint32) {
	switch b.state.Mode() {
	case ModeTiering:
		b.tiering = append(b.tiering, newUnit(funcIndex, wasmpipeline.TierOptimized))
		b.baseline = append(b.baseline, newUnit(funcIndex, wasmpipeline.TierBaseline))
	case ModeRegular:
		b.baseline = append(b.baseline, newUnit(funcIndex, defaultTier()))
	}
}

// Commit publishes the buffered units and kicks off compilation. Committing
// an empty builder is a no-op returning false.
func (b *UnitBuilder) Commit() bool {
	if len(b.baseline) == 0 && len(b.tiering) == 0 {
		return false
	}
	b.state.AddUnits(b.baseline, b.tiering)
	b.Clear()
	return true
}

// Clear discards buffered units without publishing them.
func (b *UnitBuilder) Clear() {
	b.baseline = nil
	b.tiering = nil
}

// initializeCompilationUnits publishes one builder batch covering every
// declared function of the state's module.
func initializeCompilationUnits(state *CompilationState) {
	module := state.native.Module()
	builder := NewUnitBuilder(state)
	start := module.NumImportedFuncs
	end := module.NumFunctions()
	for i := start; i < end; i++ {
		builder.Add(i)
	}
	builder.Commit()
}
