package engine

import (
	"context"
	"testing"

	wasmpipeline "github.com/wippyai/wasm-pipeline"
	"github.com/wippyai/wasm-pipeline/wasm"
)

func testModule(t *testing.T) (*wasm.Module, []byte) {
	t.Helper()
	b := wasm.NewModuleBuilder()
	ty := b.AddType(nil, nil)
	f0 := b.AddFunction(ty, wasm.EmptyBody())
	b.AddFunction(ty, wasm.EmptyBody())
	b.AddExport("run", f0)
	data := b.Build()
	m, err := wasm.DecodeModule(data, wasm.OriginWasm, wasm.DefaultFeatures())
	if err != nil {
		t.Fatalf("DecodeModule failed: %v", err)
	}
	return m, data
}

func TestInstallCode_TierReplacement(t *testing.T) {
	m, _ := testModule(t)
	n := NewNativeModule(m, wasm.DefaultFeatures(), TrapHandlerPreferred)

	baseline := &Code{Index: 0, Tier: wasmpipeline.TierBaseline, Kind: CodeFunction, Size: 10}
	if got := n.InstallCode(baseline); got != baseline {
		t.Fatalf("baseline install rejected")
	}
	if baseline.InstructionStart() == 0 {
		t.Errorf("installed code has no address")
	}

	optimized := &Code{Index: 0, Tier: wasmpipeline.TierOptimized, Kind: CodeFunction, Size: 20}
	if got := n.InstallCode(optimized); got != optimized {
		t.Fatalf("optimized code did not replace baseline")
	}

	// A late baseline result must not downgrade installed optimized code.
	late := &Code{Index: 0, Tier: wasmpipeline.TierBaseline, Kind: CodeFunction, Size: 10}
	if got := n.InstallCode(late); got != optimized {
		t.Errorf("baseline replaced optimized code")
	}
	if n.CodeAt(0) != optimized {
		t.Errorf("CodeAt(0) = %v, want the optimized artifact", n.CodeAt(0))
	}
}

func TestLazyStubs(t *testing.T) {
	m, _ := testModule(t)
	n := NewNativeModule(m, wasm.DefaultFeatures(), TrapHandlerPreferred)
	n.SetLazyStubs()

	for i := uint32(0); i < m.NumFunctions(); i++ {
		c := n.CodeAt(i)
		if c == nil || c.Kind != CodeLazyStub {
			t.Fatalf("function %d: no lazy stub installed", i)
		}
		if n.HasCode(i) {
			t.Errorf("HasCode(%d) = true for a stub", i)
		}
	}

	real := &Code{Index: 1, Tier: wasmpipeline.TierBaseline, Kind: CodeFunction, Size: 8}
	n.InstallCode(real)
	if !n.HasCode(1) {
		t.Errorf("HasCode(1) = false after installing real code over a stub")
	}
}

func TestCommitTier(t *testing.T) {
	m, data := testModule(t)
	n := NewNativeModule(m, wasm.DefaultFeatures(), TrapHandlerPreferred)
	n.SetWireBytes(data)
	defer n.Close(context.Background())

	if err := n.CommitTier(context.Background(), wasmpipeline.TierBaseline); err != nil {
		t.Fatalf("CommitTier(baseline) failed: %v", err)
	}
	// Idempotent.
	if err := n.CommitTier(context.Background(), wasmpipeline.TierBaseline); err != nil {
		t.Fatalf("second CommitTier failed: %v", err)
	}
	if got := len(n.CommittedTiers()); got != 1 {
		t.Errorf("CommittedTiers = %d, want 1", got)
	}
}

func TestCommitTier_RequiresWireBytes(t *testing.T) {
	m, _ := testModule(t)
	n := NewNativeModule(m, wasm.DefaultFeatures(), TrapHandlerPreferred)
	if err := n.CommitTier(context.Background(), wasmpipeline.TierBaseline); err == nil {
		t.Errorf("CommitTier without wire bytes succeeded")
	}
}

func TestTrapHandlerFallback(t *testing.T) {
	m, _ := testModule(t)

	n := NewNativeModule(m, wasm.DefaultFeatures(), TrapHandlerDisabled)
	if !n.BoundsChecks() {
		t.Errorf("TrapHandlerDisabled did not force bounds checks")
	}

	old := guardRegionsAvailable
	guardRegionsAvailable = func() bool { return false }
	defer func() { guardRegionsAvailable = old }()

	n = NewNativeModule(m, wasm.DefaultFeatures(), TrapHandlerPreferred)
	if !n.BoundsChecks() {
		t.Errorf("guard-region failure did not fall back to bounds checks")
	}
}
