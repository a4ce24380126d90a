package compile

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	wasmpipeline "github.com/wippyai/wasm-pipeline"
	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/errors"
	"github.com/wippyai/wasm-pipeline/wasm"
)

// compileStep is one step of the async job. Exactly one of the two entry
// points is implemented per step; steps transition by constructing the next
// step and scheduling it foreground or background.
type compileStep interface {
	runInForeground(job *AsyncJob)
	runInBackground(job *AsyncJob)
}

// foregroundOnly and backgroundOnly mark the entry point a step does not
// implement.
type foregroundOnly struct{}

func (foregroundOnly) runInBackground(*AsyncJob) { panic("step runs on the foreground") }

type backgroundOnly struct{}

func (backgroundOnly) runInForeground(*AsyncJob) { panic("step runs on the background") }

// AsyncJob drives one asynchronous module compilation as a sequence of
// steps. The job lives in the pipeline's registry until it finishes, fails,
// or is aborted.
type AsyncJob struct {
	pipeline *Pipeline
	enabled  wasm.Features
	resolver Resolver
	runner   wasmpipeline.TaskRunner

	// wireBytes is the job's copy of the module bytes. For streaming it is
	// nil until the stream finishes.
	wireBytes []byte

	// bgTasks manages this job's own background steps (decoding). Worker
	// tasks belong to the compilation state, not the job.
	bgTasks *engine.TaskManager

	mu                    sync.Mutex
	step                  compileStep
	pendingForegroundTask *compileTask
	closed                bool
	resolved              bool

	// outstandingFinishers counts the producers that must report before
	// the job may finish: the compilation callback, plus the streaming
	// processor when streaming.
	outstandingFinishers atomic.Int32

	module       *wasm.Module
	native       *engine.NativeModule
	state        *CompilationState
	moduleObject *Module

	stream *wasm.StreamingDecoder
}

// CompileAsync starts an asynchronous compilation of bytes. The resolver
// receives the module or the error from a foreground task. The returned
// job handle supports Abort.
func (p *Pipeline) CompileAsync(bytes []byte, enabled wasm.Features, resolver Resolver) *AsyncJob {
	copied := make([]byte, len(bytes))
	copy(copied, bytes)

	job := newAsyncJob(p, enabled, resolver)
	job.wireBytes = copied
	p.registerJob(job)
	job.start()
	return job
}

func newAsyncJob(p *Pipeline, enabled wasm.Features, resolver Resolver) *AsyncJob {
	job := &AsyncJob{
		pipeline: p,
		enabled:  enabled,
		resolver: resolver,
		runner:   p.runner,
		bgTasks:  engine.NewTaskManager(),
	}
	job.outstandingFinishers.Store(1)
	return job
}

// start kicks off step 1: decoding on the background.
func (j *AsyncJob) start() {
	j.doAsync(&stepDecodeModule{})
}

// Abort removes the job from the registry, cancelling its compilation. The
// resolver receives the generic aborted error through the failure path.
// Must be called from the foreground.
func (j *AsyncJob) Abort() {
	j.pipeline.removeJob(j)
}

// close cancels the job's tasks and aborts its compilation state. Called
// once, when the job leaves the registry.
func (j *AsyncJob) close() {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return
	}
	j.closed = true
	j.mu.Unlock()

	j.bgTasks.CancelAndWait()
	if j.state != nil {
		j.state.Abort()
	}
	if j.stream != nil {
		j.stream.Close()
	}
	j.cancelPendingForegroundTask()

	// An aborted job still owes its resolver an answer. The state released
	// its callbacks during Abort, so the failure is scheduled here instead
	// of through the event path.
	j.mu.Lock()
	resolved := j.resolved
	j.mu.Unlock()
	if !resolved {
		var err error
		if j.state != nil {
			err = j.state.CompileError()
		}
		if err == nil {
			err = errors.Aborted()
		}
		j.doSync(&stepCompileFailed{err: err})
	}
}

// compileTask runs the job's current step on the foreground or background.
// Cancelling nulls the job pointer, turning a queued task into a no-op.
type compileTask struct {
	mu           sync.Mutex
	job          *AsyncJob
	onForeground bool
}

func (t *compileTask) run() {
	t.mu.Lock()
	job := t.job
	t.job = nil
	t.mu.Unlock()
	if job == nil {
		return
	}
	if t.onForeground {
		job.resetPendingForegroundTask(t)
	}
	step := job.currentStep()
	if t.onForeground {
		step.runInForeground(job)
	} else {
		step.runInBackground(job)
	}
}

func (t *compileTask) cancel() {
	t.mu.Lock()
	t.job = nil
	t.mu.Unlock()
}

func (j *AsyncJob) currentStep() compileStep {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.step
}

func (j *AsyncJob) setStep(step compileStep) {
	j.mu.Lock()
	j.step = step
	j.mu.Unlock()
}

func (j *AsyncJob) resetPendingForegroundTask(t *compileTask) {
	j.mu.Lock()
	if j.pendingForegroundTask == t {
		j.pendingForegroundTask = nil
	}
	j.mu.Unlock()
}

func (j *AsyncJob) hasPendingForegroundTask() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.pendingForegroundTask != nil
}

func (j *AsyncJob) startForegroundTask() {
	t := &compileTask{job: j, onForeground: true}
	j.mu.Lock()
	j.pendingForegroundTask = t
	j.mu.Unlock()
	j.runner.PostForeground(t.run)
}

func (j *AsyncJob) executeForegroundTaskImmediately() {
	t := &compileTask{job: j, onForeground: true}
	j.mu.Lock()
	j.pendingForegroundTask = t
	j.mu.Unlock()
	t.run()
}

func (j *AsyncJob) cancelPendingForegroundTask() {
	j.mu.Lock()
	t := j.pendingForegroundTask
	j.pendingForegroundTask = nil
	j.mu.Unlock()
	if t != nil {
		t.cancel()
	}
}

func (j *AsyncJob) startBackgroundTask() {
	t := &compileTask{job: j, onForeground: false}
	j.runner.PostWorker(j.bgTasks.Wrap(t.run))
}

// doSync transitions to step and schedules it on the foreground.
func (j *AsyncJob) doSync(step compileStep) {
	j.setStep(step)
	j.startForegroundTask()
}

// doSyncUseExisting transitions to step; a pending foreground task is
// reused instead of posting another.
func (j *AsyncJob) doSyncUseExisting(step compileStep) {
	j.setStep(step)
	if j.hasPendingForegroundTask() {
		return
	}
	j.startForegroundTask()
}

// doImmediately transitions to step and runs it on the calling thread,
// which must be the foreground.
func (j *AsyncJob) doImmediately(step compileStep) {
	j.setStep(step)
	j.executeForegroundTaskImmediately()
}

// doAsync transitions to step and schedules it on the background.
func (j *AsyncJob) doAsync(step compileStep) {
	j.setStep(step)
	j.startBackgroundTask()
}

// decrementAndCheckFinisherCount retires one finisher, reporting whether
// the job may now finish.
func (j *AsyncJob) decrementAndCheckFinisherCount() bool {
	return j.outstandingFinishers.Add(-1) == 0
}

// prepareRuntimeObjects creates the native module, the compilation state,
// and the module object for the decoded module.
func (j *AsyncJob) prepareRuntimeObjects(module *wasm.Module) {
	j.module = module
	j.native = engine.NewNativeModule(module, j.enabled, j.pipeline.cfg.trapMode())
	j.state = j.pipeline.newState(j.native, module.Origin, j.enabled)
	if j.wireBytes != nil {
		j.native.SetWireBytes(j.wireBytes)
		j.state.SetWireBytesStorage(wasm.NewWireBytes(j.wireBytes))
	}
	j.moduleObject = &Module{native: j.native, state: j.state}
}

// finishCompile runs once every producer has reported: it publishes
// detected features, materializes the finished tier backends, and moves on
// to wrapper compilation.
func (j *AsyncJob) finishCompile(compileWrappers bool) {
	j.state.PublishDetectedFeatures(wasm.Features{})

	if j.native.WireBytes() != nil && j.module.NumDeclaredFuncs() > 0 {
		ctx := context.Background()
		if j.state.Mode() == ModeTiering {
			j.commitTier(ctx, wasmpipeline.TierBaseline)
			if !j.state.HasOutstandingUnits() {
				j.commitTier(ctx, wasmpipeline.TierOptimized)
			}
		} else {
			j.commitTier(ctx, defaultTier())
		}
	}

	if compileWrappers {
		j.doSync(&stepCompileWrappers{})
	} else {
		j.doSync(&stepFinishModule{})
	}
}

// commitTier materializes one tier's backend. A commit failure leaves the
// module without that backend but does not fail the compilation; the
// success event already fired.
func (j *AsyncJob) commitTier(ctx context.Context, tier wasmpipeline.Tier) {
	if err := j.native.CommitTier(ctx, tier); err != nil {
		Logger().Warn("tier backend commit failed",
			zap.String("tier", tier.String()),
			zap.Error(err))
	}
}

// asyncCompileFailed rejects the promise and removes the job. The promise
// resolves at most once; a failure racing with teardown is dropped.
func (j *AsyncJob) asyncCompileFailed(err error) {
	if !j.markResolved() {
		return
	}
	j.pipeline.removeJob(j)
	j.resolver.OnCompilationFailed(err)
}

// asyncCompileSucceeded resolves the promise with the module object.
func (j *AsyncJob) asyncCompileSucceeded(mod *Module) {
	if !j.markResolved() {
		return
	}
	j.resolver.OnCompilationSucceeded(mod)
}

// markResolved claims the promise, reporting whether the caller should
// deliver the result.
func (j *AsyncJob) markResolved() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.resolved {
		return false
	}
	j.resolved = true
	return true
}

// stateCallback reacts to compilation events. It runs only from foreground
// tasks.
func (j *AsyncJob) stateCallback(event Event, err error) {
	switch event {
	case EventFinishedBaseline:
		if j.decrementAndCheckFinisherCount() {
			j.finishCompile(true)
		}
	case EventFinishedTopTier:
		if j.native.WireBytes() != nil {
			j.commitTier(context.Background(), wasmpipeline.TierOptimized)
		}
		// If a foreground task or finisher is still pending, FinishModule
		// removes the job instead.
		if !j.hasPendingForegroundTask() && j.outstandingFinishers.Load() == 0 {
			j.pipeline.removeJob(j)
		}
	case EventFailed:
		j.doSyncUseExisting(&stepCompileFailed{err: err})
	}
}

//
// Step 1 (background): decode the module.
//

type stepDecodeModule struct{ backgroundOnly }

func (stepDecodeModule) runInBackground(j *AsyncJob) {
	module, err := wasm.DecodeModule(j.wireBytes, wasm.OriginWasm, j.enabled)
	if err != nil {
		j.doSync(&stepDecodeFail{err: err})
		return
	}
	j.doSync(&stepPrepareAndStartCompile{module: module, startCompilation: true})
}

//
// Step 1b (foreground): decoding failed, reject.
//

type stepDecodeFail struct {
	foregroundOnly
	err error
}

func (s *stepDecodeFail) runInForeground(j *AsyncJob) {
	j.asyncCompileFailed(s.err)
}

//
// Step 2 (foreground): create runtime objects and start compilation.
//

type stepPrepareAndStartCompile struct {
	foregroundOnly
	module           *wasm.Module
	startCompilation bool
}

func (s *stepPrepareAndStartCompile) runInForeground(j *AsyncJob) {
	// Make sure the job's own background tasks (decoding) stopped before
	// state changes hands.
	j.bgTasks.CancelAndWait()

	j.prepareRuntimeObjects(s.module)

	if s.module.NumDeclaredFuncs() == 0 {
		// Degenerate case of a module without functions.
		j.finishCompile(true)
		return
	}

	j.state.AddCallback(j.stateCallback)
	if s.startCompilation {
		if err := j.state.SetTotal(int(s.module.NumDeclaredFuncs())); err != nil {
			j.state.SetError(0, err)
			return
		}
		initializeCompilationUnits(j.state)
	}
}

//
// Step 4b (foreground): compilation failed, reject.
//

type stepCompileFailed struct {
	foregroundOnly
	err error
}

func (s *stepCompileFailed) runInForeground(j *AsyncJob) {
	j.asyncCompileFailed(s.err)
}

//
// Step 5 (foreground): compile the JS↔wasm adapters for the exports.
//

type stepCompileWrappers struct{ foregroundOnly }

func (stepCompileWrappers) runInForeground(j *AsyncJob) {
	j.moduleObject.exportWrappers = engine.CompileExportWrappers(j.pipeline.wrappers, j.module)
	j.doSync(&stepFinishModule{})
}

//
// Step 6 (foreground): resolve the promise; deregister when no background
// tiering remains.
//

type stepFinishModule struct{ foregroundOnly }

func (stepFinishModule) runInForeground(j *AsyncJob) {
	j.asyncCompileSucceeded(j.moduleObject)

	if j.state == nil || j.state.Mode() == ModeRegular || j.module.NumDeclaredFuncs() == 0 {
		j.pipeline.removeJob(j)
		return
	}
	if !j.state.HasOutstandingUnits() {
		j.pipeline.removeJob(j)
	}
}
