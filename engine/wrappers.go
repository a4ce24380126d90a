package engine

import (
	"sync"

	"github.com/wippyai/wasm-pipeline/wasm"
)

// WrapperCache memoizes JS↔wasm call adapters. Calling an import goes
// through different adapter code than calling a module function, so the two
// are cached separately under the same signature.
type WrapperCache struct {
	mu    sync.Mutex
	cache map[wrapperKey]*Code
}

type wrapperKey struct {
	isImport bool
	sig      string
}

// NewWrapperCache returns an empty cache.
func NewWrapperCache() *WrapperCache {
	return &WrapperCache{cache: make(map[wrapperKey]*Code)}
}

// GetOrCompile returns the adapter for (sig, isImport), compiling it on
// first use.
func (c *WrapperCache) GetOrCompile(sig *wasm.FuncType, isImport bool) *Code {
	key := wrapperKey{isImport: isImport, sig: sig.Key()}
	c.mu.Lock()
	defer c.mu.Unlock()
	if code, ok := c.cache[key]; ok {
		return code
	}
	code := &Code{
		Kind: CodeWrapper,
		Size: wrapperSize(sig),
	}
	c.cache[key] = code
	return code
}

// Size reports how many distinct adapters have been compiled.
func (c *WrapperCache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

func wrapperSize(sig *wasm.FuncType) uint32 {
	return uint32(32 + 8*(len(sig.Params)+len(sig.Results)))
}

// CompileExportWrappers produces one adapter per exported function,
// memoized by signature.
func CompileExportWrappers(cache *WrapperCache, module *wasm.Module) []*Code {
	var out []*Code
	for _, exp := range module.Exports {
		if exp.Kind != wasm.KindFunc {
			continue
		}
		sig, ok := module.TypeOf(exp.Index)
		if !ok {
			continue
		}
		isImport := exp.Index < module.NumImportedFuncs
		out = append(out, cache.GetOrCompile(sig, isImport))
	}
	return out
}
