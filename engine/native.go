package engine

import (
	"context"
	"sync"

	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"

	wasmpipeline "github.com/wippyai/wasm-pipeline"
	"github.com/wippyai/wasm-pipeline/errors"
	"github.com/wippyai/wasm-pipeline/wasm"
)

// TrapHandlerMode selects how out-of-bounds memory accesses are caught.
type TrapHandlerMode uint8

const (
	// TrapHandlerPreferred uses guard regions when the platform can
	// allocate them, falling back to bounds checks otherwise.
	TrapHandlerPreferred TrapHandlerMode = iota
	// TrapHandlerDisabled always uses bounds checks.
	TrapHandlerDisabled
)

// guardRegionsAvailable is swapped out by tests to exercise the
// bounds-check fallback.
var guardRegionsAvailable = func() bool { return true }

// NativeModule owns everything produced for one module: the code table, the
// fake code space, the per-tier executable backends, and the decoded module
// it was built from.
type NativeModule struct {
	module  *wasm.Module
	enabled wasm.Features

	// boundsChecks is set when guard regions could not be used.
	boundsChecks bool

	mu        sync.Mutex
	wireBytes []byte
	code      []*Code
	nextAddr  Address

	backendMu sync.Mutex
	backends  map[wasmpipeline.Tier]wazero.CompiledModule
	runtimes  []wazero.Runtime
}

// NewNativeModule allocates the code table for module.
func NewNativeModule(module *wasm.Module, enabled wasm.Features, trapMode TrapHandlerMode) *NativeModule {
	n := &NativeModule{
		module:   module,
		enabled:  enabled,
		code:     make([]*Code, module.NumFunctions()),
		nextAddr: 0x1000,
		backends: make(map[wasmpipeline.Tier]wazero.CompiledModule),
	}
	if trapMode == TrapHandlerDisabled || !guardRegionsAvailable() {
		n.boundsChecks = true
		Logger().Debug("guard regions unavailable, using bounds checks")
	}
	return n
}

// Module returns the decoded module.
func (n *NativeModule) Module() *wasm.Module { return n.module }

// EnabledFeatures returns the features the module was compiled with.
func (n *NativeModule) EnabledFeatures() wasm.Features { return n.enabled }

// BoundsChecks reports whether the module runs with explicit bounds checks.
func (n *NativeModule) BoundsChecks() bool { return n.boundsChecks }

// SetWireBytes installs the module's complete wire bytes. For streaming
// compilation this happens when the stream finishes.
func (n *NativeModule) SetWireBytes(b []byte) {
	n.mu.Lock()
	n.wireBytes = b
	n.mu.Unlock()
}

// WireBytes returns the module's wire bytes, or nil before SetWireBytes.
func (n *NativeModule) WireBytes() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.wireBytes
}

// InstallCode places an artifact into the code table. A function artifact
// replaces the existing entry only when its tier is at least the installed
// one; lazy stubs are always replaced by real code. The installed artifact
// is returned: either c, or the entry that kept its slot.
func (n *NativeModule) InstallCode(c *Code) *Code {
	n.mu.Lock()
	defer n.mu.Unlock()
	if int(c.Index) >= len(n.code) {
		return nil
	}
	prev := n.code[c.Index]
	if prev != nil && prev.Kind == CodeFunction && c.Kind == CodeFunction && c.Tier < prev.Tier {
		return prev
	}
	c.start = n.nextAddr
	n.nextAddr += Address(c.Size) + 16
	n.code[c.Index] = c
	return c
}

// CodeAt returns the installed artifact for a global function index.
func (n *NativeModule) CodeAt(index uint32) *Code {
	n.mu.Lock()
	defer n.mu.Unlock()
	if int(index) >= len(n.code) {
		return nil
	}
	return n.code[index]
}

// HasCode reports whether real (non-stub) code is installed for index.
func (n *NativeModule) HasCode(index uint32) bool {
	c := n.CodeAt(index)
	return c != nil && c.Kind == CodeFunction
}

// SetLazyStubs installs the universal lazy trampoline for every declared
// function that has no code yet.
func (n *NativeModule) SetLazyStubs() {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := n.module.NumImportedFuncs; i < n.module.NumFunctions(); i++ {
		if n.code[i] != nil {
			continue
		}
		stub := &Code{Index: i, Kind: CodeLazyStub, Size: 16, start: n.nextAddr}
		n.nextAddr += 32
		n.code[i] = stub
	}
}

// CommitTier produces the executable backend for a fully compiled tier by
// handing the whole module to wazero: the interpreter for the baseline
// tier, the compiling engine for the optimized tier. Committing a tier
// twice is a no-op.
func (n *NativeModule) CommitTier(ctx context.Context, tier wasmpipeline.Tier) error {
	wire := n.WireBytes()
	if wire == nil {
		return errors.InvalidInput(errors.PhaseRuntime, "wire bytes not set before tier commit")
	}

	n.backendMu.Lock()
	defer n.backendMu.Unlock()
	if _, done := n.backends[tier]; done {
		return nil
	}

	var cfg wazero.RuntimeConfig
	if tier == wasmpipeline.TierBaseline {
		cfg = wazero.NewRuntimeConfigInterpreter()
	} else {
		cfg = wazero.NewRuntimeConfig()
	}
	r := wazero.NewRuntimeWithConfig(ctx, cfg)
	compiled, err := r.CompileModule(ctx, wire)
	if err != nil {
		_ = r.Close(ctx)
		return errors.New(errors.PhaseRuntime, errors.KindResource).
			Detail("committing %s tier backend", tier).
			Cause(err).
			Build()
	}
	n.backends[tier] = compiled
	n.runtimes = append(n.runtimes, r)
	Logger().Debug("tier backend committed", zap.String("tier", tier.String()))
	return nil
}

// CommittedTiers returns which tiers have an executable backend.
func (n *NativeModule) CommittedTiers() []wasmpipeline.Tier {
	n.backendMu.Lock()
	defer n.backendMu.Unlock()
	out := make([]wasmpipeline.Tier, 0, len(n.backends))
	for t := range n.backends {
		out = append(out, t)
	}
	return out
}

// Close releases the backends.
func (n *NativeModule) Close(ctx context.Context) error {
	n.backendMu.Lock()
	defer n.backendMu.Unlock()
	var firstErr error
	for _, r := range n.runtimes {
		if err := r.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	n.runtimes = nil
	n.backends = make(map[wasmpipeline.Tier]wazero.CompiledModule)
	return firstErr
}
