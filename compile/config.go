package compile

import (
	"runtime"

	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/wasm"
)

// TraceFlags gates the pipeline's debug logging per area.
type TraceFlags struct {
	Compiler  bool `yaml:"compiler"`
	Streaming bool `yaml:"streaming"`
	Lazy      bool `yaml:"lazy"`
	Instances bool `yaml:"instances"`
}

// Config is the pipeline configuration record. It is read at compilation
// start; workers never consult it directly.
type Config struct {
	// EnableTierUp selects tiering for wasm-origin modules.
	EnableTierUp bool `yaml:"enable_tier_up"`

	// LazyCompilation skips bulk compilation and installs a lazy
	// trampoline per function.
	LazyCompilation bool `yaml:"lazy_compilation"`

	// NumCompilationTasks bounds background compilation. Zero posts all
	// worker tasks to the foreground runner for deterministic timing.
	NumCompilationTasks int `yaml:"num_compilation_tasks"`

	// TrapHandlerDisabled forces bounds-checked memory accesses instead of
	// guard regions.
	TrapHandlerDisabled bool `yaml:"trap_handler_disabled"`

	Trace TraceFlags `yaml:"trace"`
}

// DefaultConfig returns the production defaults: tier-up on, eager
// compilation, one task per host CPU.
func DefaultConfig() Config {
	return Config{
		EnableTierUp:        true,
		NumCompilationTasks: runtime.NumCPU(),
	}
}

// maxWorkers clamps the configured task count to [1, host workers]. A zero
// task count still yields one worker slot; its tasks just run on the
// foreground runner.
func (c Config) maxWorkers() int {
	host := runtime.NumCPU()
	n := c.NumCompilationTasks
	if n > host {
		n = host
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (c Config) trapMode() engine.TrapHandlerMode {
	if c.TrapHandlerDisabled {
		return engine.TrapHandlerDisabled
	}
	return engine.TrapHandlerPreferred
}

// modeFor picks the compilation policy: tiering for wasm-origin modules
// when tier-up is enabled, regular otherwise.
func modeFor(origin wasm.Origin, cfg Config) Mode {
	if cfg.EnableTierUp && origin == wasm.OriginWasm {
		return ModeTiering
	}
	return ModeRegular
}
