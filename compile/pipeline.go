package compile

import (
	"sync"

	wasmpipeline "github.com/wippyai/wasm-pipeline"
	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/metrics"
	"github.com/wippyai/wasm-pipeline/wasm"
)

// GeneratorFactory builds the code generator for one compilation with the
// given enabled features.
type GeneratorFactory func(enabled wasm.Features) CodeGenerator

// Pipeline is the engine-level entry point: it owns the async job registry,
// the wrapper cache, and the configuration every compilation starts from.
type Pipeline struct {
	cfg      Config
	runner   wasmpipeline.TaskRunner
	mets     *metrics.Compile
	wrappers *engine.WrapperCache
	newGen   GeneratorFactory

	mu   sync.Mutex
	jobs map[*AsyncJob]struct{}
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics installs a metrics collector.
func WithMetrics(m *metrics.Compile) Option {
	return func(p *Pipeline) { p.mets = m }
}

// WithGeneratorFactory replaces the production code generator. Tests use
// this to inject failing or slow generators.
func WithGeneratorFactory(f GeneratorFactory) Option {
	return func(p *Pipeline) { p.newGen = f }
}

// NewPipeline creates a pipeline scheduling on runner.
func NewPipeline(runner wasmpipeline.TaskRunner, cfg Config, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:      cfg,
		runner:   runner,
		wrappers: engine.NewWrapperCache(),
		jobs:     make(map[*AsyncJob]struct{}),
		newGen: func(enabled wasm.Features) CodeGenerator {
			return engine.NewGenerator(enabled)
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// NumJobs returns how many async jobs are registered.
func (p *Pipeline) NumJobs() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

func (p *Pipeline) registerJob(job *AsyncJob) {
	p.mu.Lock()
	p.jobs[job] = struct{}{}
	p.mu.Unlock()
}

// removeJob drops the job from the registry and tears it down. Idempotent.
func (p *Pipeline) removeJob(job *AsyncJob) {
	p.mu.Lock()
	_, present := p.jobs[job]
	delete(p.jobs, job)
	p.mu.Unlock()
	if present {
		job.close()
	}
}

// newState builds the per-module compilation state for one compile.
func (p *Pipeline) newState(native *engine.NativeModule, origin wasm.Origin, enabled wasm.Features) *CompilationState {
	return NewCompilationState(
		native,
		modeFor(origin, p.cfg),
		p.cfg,
		p.runner,
		p.newGen(enabled),
		p.mets,
	)
}
