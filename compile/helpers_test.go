package compile

import (
	"sync"
	"testing"
	"time"

	wasmpipeline "github.com/wippyai/wasm-pipeline"
	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/metrics"
	"github.com/wippyai/wasm-pipeline/wasm"
)

// pump drives the foreground queue from the test goroutine until done
// reports true, failing the test on timeout. Any remaining foreground work
// is drained before returning.
func pump(t *testing.T, fg *engine.ForegroundQueue, done func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for !done() {
		if fg.RunUntilIdle() == 0 {
			time.Sleep(time.Millisecond)
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out pumping the foreground queue")
		}
	}
	fg.RunUntilIdle()
}

// testResolver records the async result.
type testResolver struct {
	mu  sync.Mutex
	mod *Module
	err error
	set bool
}

func (r *testResolver) OnCompilationSucceeded(mod *Module) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set {
		panic("resolver invoked twice")
	}
	r.set = true
	r.mod = mod
}

func (r *testResolver) OnCompilationFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.set {
		panic("resolver invoked twice")
	}
	r.set = true
	r.err = err
}

func (r *testResolver) done() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.set
}

func (r *testResolver) module() *Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mod
}

func (r *testResolver) failure() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// eventRecorder collects compilation events in order.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
	errs   []error
}

func (r *eventRecorder) callback() Callback {
	return func(ev Event, err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, ev)
		r.errs = append(r.errs, err)
	}
}

func (r *eventRecorder) recorded() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func (r *eventRecorder) sawFinal() bool {
	for _, ev := range r.recorded() {
		if ev.final() {
			return true
		}
	}
	return false
}

// slowGenerator delays every compilation, giving abort tests a window.
type slowGenerator struct {
	inner CodeGenerator
	delay time.Duration
}

func (g *slowGenerator) CompileFunction(
	native *engine.NativeModule,
	index uint32,
	tier wasmpipeline.Tier,
	wire wasm.WireBytesStorage,
	detected *wasm.Features,
	mets *metrics.Compile,
) (*engine.Code, error) {
	time.Sleep(g.delay)
	return g.inner.CompileFunction(native, index, tier, wire, detected, mets)
}

// validModule builds a module with n empty () -> () functions.
func validModule(n int) []byte {
	b := wasm.NewModuleBuilder()
	ty := b.AddType(nil, nil)
	for i := 0; i < n; i++ {
		f := b.AddFunction(ty, wasm.EmptyBody())
		if i == 0 && n > 0 {
			b.AddExport("main", f)
		}
	}
	return b.Build()
}

// invalidAt builds a module with n functions where the function at
// declared index bad has an unknown opcode in its body.
func invalidAt(n int, bad int) []byte {
	b := wasm.NewModuleBuilder()
	ty := b.AddType(nil, nil)
	for i := 0; i < n; i++ {
		body := wasm.EmptyBody()
		if i == bad {
			body = []byte{0x00, 0xFF, 0x0B}
		}
		b.AddFunction(ty, body)
	}
	return b.Build()
}

// newTestState builds a state over the given module bytes, using the
// deterministic scheduler, and returns both.
func newTestState(t *testing.T, bytes []byte, mode Mode, cfg Config) (*CompilationState, *engine.Scheduler) {
	t.Helper()
	m, err := wasm.DecodeModule(bytes, wasm.OriginWasm, wasm.DefaultFeatures())
	if err != nil {
		t.Fatalf("DecodeModule failed: %v", err)
	}
	sched := engine.NewScheduler(cfg.NumCompilationTasks)
	native := engine.NewNativeModule(m, wasm.DefaultFeatures(), cfg.trapMode())
	native.SetWireBytes(bytes)
	state := NewCompilationState(native, mode, cfg, sched, engine.NewGenerator(wasm.DefaultFeatures()), metrics.New(nil))
	state.SetWireBytesStorage(wasm.NewWireBytes(bytes))
	return state, sched
}
