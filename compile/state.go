package compile

import (
	"fmt"
	"math"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	wasmpipeline "github.com/wippyai/wasm-pipeline"
	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/errors"
	"github.com/wippyai/wasm-pipeline/metrics"
	"github.com/wippyai/wasm-pipeline/wasm"
)

// CodeGenerator is the external function-level code generator the workers
// invoke. engine.Generator is the production implementation.
type CodeGenerator interface {
	CompileFunction(
		native *engine.NativeModule,
		index uint32,
		tier wasmpipeline.Tier,
		wire wasm.WireBytesStorage,
		detected *wasm.Features,
		mets *metrics.Compile,
	) (*engine.Code, error)
}

// CompilationState keeps track of the compilation state of its native
// module: which functions are left to compile, the queues of pending and
// finished units, worker accounting, the one-shot error latch, and the
// event callbacks. One state exists per module compilation; it is shared
// between the driver, the background workers, and the finisher.
type CompilationState struct {
	native *engine.NativeModule
	mode   Mode
	cfg    Config
	runner wasmpipeline.TaskRunner
	gen    CodeGenerator
	mets   *metrics.Compile

	// compileErr is updated atomically, at most once (nil -> error).
	// Stores use release semantics, loads for inspection acquire; the
	// failed fast-path check needs no ordering beyond the atomic load.
	compileErr atomic.Pointer[errors.CompileError]

	// mu protects every field in the block below.
	mu sync.Mutex

	pendingBaseline []*Unit
	pendingTiering  []*Unit

	finishedBaseline []*Unit
	finishedTiering  []*Unit

	outstandingBaseline int
	outstandingTiering  int
	totalSet            bool

	finisherRunning bool
	numWorkers      int

	detected  wasm.Features
	wireBytes wasm.WireBytesStorage

	// logTask is the pending foreground code-logging task, nil when none
	// is scheduled.
	logTask *codeLogTask

	// End of fields protected by mu.

	// callbacks is mutated only from the foreground.
	callbacks []Callback

	maxWorkers int

	bgTasks *engine.TaskManager
	fgTasks *engine.TaskManager
}

// NewCompilationState creates the per-module coordinator. mode is fixed for
// the state's lifetime.
func NewCompilationState(
	native *engine.NativeModule,
	mode Mode,
	cfg Config,
	runner wasmpipeline.TaskRunner,
	gen CodeGenerator,
	mets *metrics.Compile,
) *CompilationState {
	return &CompilationState{
		native:     native,
		mode:       mode,
		cfg:        cfg,
		runner:     runner,
		gen:        gen,
		mets:       mets,
		maxWorkers: cfg.maxWorkers(),
		bgTasks:    engine.NewTaskManager(),
		fgTasks:    engine.NewTaskManager(),
	}
}

// Mode returns the compilation policy.
func (s *CompilationState) Mode() Mode { return s.mode }

// NativeModule returns the module this state compiles into.
func (s *CompilationState) NativeModule() *engine.NativeModule { return s.native }

// Failed reports whether the error latch is set. Safe to call from any
// thread; workers use it as their loop condition.
func (s *CompilationState) Failed() bool {
	return s.compileErr.Load() != nil
}

// compileFailure renders the latched error with the function's name.
type compileFailure struct {
	ce   *errors.CompileError
	name string
}

func (f *compileFailure) Error() string { return f.ce.Message(f.name) }
func (f *compileFailure) Unwrap() error { return f.ce }

// CompileError returns the latched error formatted for the embedder, or
// nil. Call from the foreground only: the name lookup reads the wire
// bytes, which streaming sets from the foreground once the stream ends.
func (s *CompilationState) CompileError() error {
	ce := s.compileErr.Load()
	if ce == nil {
		return nil
	}
	name := s.native.Module().FunctionName(ce.FuncIndex)
	if name == "" {
		name = fmt.Sprintf("wasm-function[%d]", ce.FuncIndex)
	}
	return &compileFailure{ce: ce, name: name}
}

// SetTotal sets the number of functions expected to be compiled. Must be
// called exactly once, before the first AddUnits.
func (s *CompilationState) SetTotal(n int) error {
	if s.Failed() {
		return errors.InvalidInput(errors.PhaseCompile, "set total after compile error")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalSet || len(s.pendingBaseline) > 0 || len(s.pendingTiering) > 0 {
		return errors.InvalidInput(errors.PhaseCompile, "set total after units were added")
	}
	s.totalSet = true
	s.outstandingBaseline = n
	if s.mode == ModeTiering {
		s.outstandingTiering = n
	}
	return nil
}

// AddCallback registers an event sink. Must be called from the foreground,
// before compilation can fire events.
func (s *CompilationState) AddCallback(cb Callback) {
	s.callbacks = append(s.callbacks, cb)
}

// SetWireBytesStorage installs the shared wire-bytes handle workers read
// function bodies through.
func (s *CompilationState) SetWireBytesStorage(storage wasm.WireBytesStorage) {
	s.mu.Lock()
	s.wireBytes = storage
	s.mu.Unlock()
}

// GetWireBytesStorage returns the shared handle. Workers hold the returned
// value across a compilation so the bytes outlive their original owner.
func (s *CompilationState) GetWireBytesStorage() wasm.WireBytesStorage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.wireBytes
}

// AddUnits appends new compilation units and kicks off background
// compilation.
func (s *CompilationState) AddUnits(baseline, tiering []*Unit) {
	s.mu.Lock()
	if s.mode == ModeTiering {
		s.pendingTiering = append(s.pendingTiering, tiering...)
	}
	s.pendingBaseline = append(s.pendingBaseline, baseline...)
	s.mu.Unlock()

	s.RestartWorkers(math.MaxInt)
}

// NextUnit pops a pending unit, baseline first. Nil when both stacks are
// empty.
func (s *CompilationState) NextUnit() *Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.pendingBaseline); n > 0 {
		u := s.pendingBaseline[n-1]
		s.pendingBaseline = s.pendingBaseline[:n-1]
		return u
	}
	if n := len(s.pendingTiering); n > 0 {
		u := s.pendingTiering[n-1]
		s.pendingTiering = s.pendingTiering[:n-1]
		return u
	}
	return nil
}

// finishStack returns the stack the finisher currently drains: finished
// baseline units until baseline compilation is done, finished tiering
// units after.
func (s *CompilationState) finishStack() *[]*Unit {
	if s.baselineFinishedLocked() {
		return &s.finishedTiering
	}
	return &s.finishedBaseline
}

func (s *CompilationState) baselineFinishedLocked() bool {
	return s.outstandingBaseline == 0 ||
		(s.mode == ModeTiering && s.outstandingTiering == 0)
}

// BaselineFinished reports whether every baseline unit has been finalized.
func (s *CompilationState) BaselineFinished() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baselineFinishedLocked()
}

// HasOutstandingUnits reports whether any unit still awaits finalization.
func (s *CompilationState) HasOutstandingUnits() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outstandingBaseline > 0 || s.outstandingTiering > 0
}

// NextFinished pops an executed unit awaiting finalization.
func (s *CompilationState) NextFinished() *Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	stack := s.finishStack()
	n := len(*stack)
	if n == 0 {
		return nil
	}
	u := (*stack)[n-1]
	*stack = (*stack)[:n-1]
	return u
}

// HasUnitToFinish reports whether the active finished stack is non-empty.
func (s *CompilationState) HasUnitToFinish() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(*s.finishStack()) > 0
}

// ScheduleForFinishing hands an executed unit to the finisher, starting a
// finisher task if none is running and no error is latched.
func (s *CompilationState) ScheduleForFinishing(unit *Unit, tier wasmpipeline.Tier) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == ModeTiering && tier == wasmpipeline.TierOptimized {
		s.finishedTiering = append(s.finishedTiering, unit)
	} else {
		s.finishedBaseline = append(s.finishedBaseline, unit)
	}

	if !s.finisherRunning && !s.Failed() {
		s.scheduleFinisherTask()
		// Set the flag here so that no second finisher is started.
		s.finisherRunning = true
	}
}

// OnFinishedUnit counts down one finalized unit and fires the events that
// reach zero. Must run on the foreground.
func (s *CompilationState) OnFinishedUnit() {
	var fire []Event

	s.mu.Lock()
	isTiering := s.mode == ModeTiering
	isTieringUnit := isTiering && s.outstandingBaseline == 0

	if isTieringUnit {
		s.outstandingTiering--
		if s.outstandingTiering == 0 {
			// Baseline units all finish before tiering units.
			fire = append(fire, EventFinishedTopTier)
		}
	} else {
		s.outstandingBaseline--
		if s.outstandingBaseline == 0 {
			fire = append(fire, EventFinishedBaseline)
			// Without tiering, top tier finishes together with baseline.
			if !isTiering {
				fire = append(fire, EventFinishedTopTier)
			}
		}
	}
	s.mu.Unlock()

	for _, ev := range fire {
		s.notify(ev, nil)
	}
}

// SetError attempts the one-shot transition of the error latch. The first
// caller wins and schedules the FailedCompilation notification; later
// errors are dropped.
func (s *CompilationState) SetError(funcIndex uint32, err error) {
	s.setError(errors.NewCompileError(funcIndex, err))
}

func (s *CompilationState) setError(ce *errors.CompileError) {
	if !s.compileErr.CompareAndSwap(nil, ce) {
		return
	}
	if s.mets != nil && !errors.IsAborted(ce) {
		s.mets.ModuleFailed()
	}
	s.runner.PostForeground(s.fgTasks.Wrap(func() {
		s.notify(EventFailed, s.CompileError())
	}))
}

// Abort latches a generic error (unless one is set), cancels all background
// tasks and waits for them, then releases the callbacks on the foreground.
// Idempotent. Must be called from the foreground.
func (s *CompilationState) Abort() {
	s.setError(errors.Aborted())
	s.bgTasks.CancelAndWait()
	// Release callback resources on the foreground; embedder references
	// may only be dropped there.
	if len(s.callbacks) > 0 {
		released := s.callbacks
		s.callbacks = nil
		s.runner.PostForeground(func() {
			released = nil
			_ = released
		})
	}
}

// CancelAndWait blocks until all background and foreground tasks of this
// state have completed or been cancelled. Idempotent.
func (s *CompilationState) CancelAndWait() {
	s.bgTasks.CancelAndWait()
	s.fgTasks.CancelAndWait()
}

// RestartWorkers tops the worker pool up to min(max, pending units,
// remaining worker slots).
func (s *CompilationState) RestartWorkers(max int) {
	var spawn int
	s.mu.Lock()
	if s.Failed() {
		s.mu.Unlock()
		return
	}
	pending := len(s.pendingBaseline) + len(s.pendingTiering)
	idle := s.maxWorkers - s.numWorkers
	spawn = max
	if pending < spawn {
		spawn = pending
	}
	if idle < spawn {
		spawn = idle
	}
	s.numWorkers += spawn
	s.mu.Unlock()

	for i := 0; i < spawn; i++ {
		if s.mets != nil {
			s.mets.WorkerStarted()
		}
		s.runner.PostWorker(s.bgTasks.Wrap(s.runWorker))
	}
}

// OnWorkerStopped retires one worker and merges its locally detected
// features.
func (s *CompilationState) OnWorkerStopped(detected wasm.Features) {
	s.mu.Lock()
	s.numWorkers--
	s.detected.Union(detected)
	s.mu.Unlock()
	if s.mets != nil {
		s.mets.WorkerStopped()
	}
}

// PublishDetectedFeatures merges detected features and reports feature
// usage to the host. Reporting happens under the mutex: tiering
// compilation may still detect features in the background.
func (s *CompilationState) PublishDetectedFeatures(detected wasm.Features) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detected.Union(detected)
	if s.mets != nil {
		for _, f := range s.detected.List() {
			s.mets.FeatureUsed(f)
		}
	}
}

// DetectedFeatures returns the features seen so far.
func (s *CompilationState) DetectedFeatures() wasm.Features {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detected
}

// SetFinisherRunning compare-and-sets the single-finisher flag, reporting
// whether the value changed.
func (s *CompilationState) SetFinisherRunning(value bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finisherRunning == value {
		return false
	}
	s.finisherRunning = value
	return true
}

// scheduleFinisherTask posts a finisher run to the foreground. Callers hold
// mu or otherwise guarantee the finisher flag transition.
func (s *CompilationState) scheduleFinisherTask() {
	s.runner.PostForeground(s.fgTasks.Wrap(s.finishTask))
}

// notify fires one event to every callback, from the foreground. After a
// final event the callbacks are released.
func (s *CompilationState) notify(event Event, err error) {
	if s.cfg.Trace.Compiler {
		Logger().Debug("compilation event",
			zap.String("event", event.String()),
			zap.Error(err))
	}
	for _, cb := range s.callbacks {
		cb(event, err)
	}
	if event.final() {
		s.callbacks = nil
	}
}
