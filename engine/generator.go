package engine

import (
	"time"

	"go.uber.org/zap"

	wasmpipeline "github.com/wippyai/wasm-pipeline"
	"github.com/wippyai/wasm-pipeline/errors"
	"github.com/wippyai/wasm-pipeline/metrics"
	"github.com/wippyai/wasm-pipeline/wasm"
)

// Generator translates single functions into Code artifacts. It is
// stateless across calls and safe for concurrent use; background workers
// share one Generator. It never touches host-managed objects.
type Generator struct {
	enabled wasm.Features
}

// NewGenerator returns a generator for modules compiled with the given
// feature set.
func NewGenerator(enabled wasm.Features) *Generator {
	return &Generator{enabled: enabled}
}

// CompileFunction validates and translates the function at the global
// index, reading the body through wire. Features encountered in the body
// are accumulated into detected. The returned artifact is not yet installed
// anywhere.
func (g *Generator) CompileFunction(
	native *NativeModule,
	index uint32,
	tier wasmpipeline.Tier,
	wire wasm.WireBytesStorage,
	detected *wasm.Features,
	mets *metrics.Compile,
) (*Code, error) {
	start := time.Now()
	module := native.Module()

	fn, ok := module.FunctionAt(index)
	if !ok {
		return nil, errors.New(errors.PhaseCompile, errors.KindNotFound).
			Func(index).
			Detail("function %d is imported or out of range", index).
			Build()
	}
	body := wire.GetCode(fn.Body)
	if body == nil {
		return nil, errors.New(errors.PhaseCompile, errors.KindNotFound).
			Func(index).
			Detail("function body not available in wire bytes").
			Build()
	}

	if err := wasm.ValidateFunctionBody(module, index, body, fn.Body.Offset, g.enabled, detected); err != nil {
		return nil, err
	}

	code := &Code{
		Index: index,
		Tier:  tier,
		Kind:  CodeFunction,
		Size:  codeSize(body, tier),
	}

	if mets != nil {
		mets.FunctionCompiled(tier.String(), time.Since(start))
	}
	Logger().Debug("function compiled",
		zap.Uint32("func", index),
		zap.String("tier", tier.String()),
		zap.Uint32("size", code.Size))
	return code, nil
}

// codeSize estimates the artifact's code-space footprint. The baseline tier
// expands roughly linearly; the optimized tier spends more analysis to emit
// tighter code.
func codeSize(body []byte, tier wasmpipeline.Tier) uint32 {
	n := uint32(len(body))
	if tier == wasmpipeline.TierOptimized {
		return n*2 + 32
	}
	return n*3 + 16
}
