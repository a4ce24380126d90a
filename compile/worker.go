package compile

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/wasm"
)

// runWorker is the body of one background compilation worker: pull units
// until the queues drain or the state fails, then retire. Workers are
// stateless across iterations, hold no locks while the code generator
// runs, and never touch host-managed objects.
func (s *CompilationState) runWorker() {
	var detected wasm.Features
	for !s.Failed() {
		if !s.fetchAndRun(&detected) {
			break
		}
	}
	s.OnWorkerStopped(detected)
}

// fetchAndRun executes one compilation unit. It is run by background
// workers and, in the parallel sync driver, by the calling thread. Returns
// false when no pending unit was available.
func (s *CompilationState) fetchAndRun(detected *wasm.Features) bool {
	unit := s.NextUnit()
	if unit == nil {
		return false
	}

	// Capture the tier before compilation; the routing into the finished
	// stacks must not depend on the unit's post-compilation status.
	tier := unit.tier

	code, err := s.gen.CompileFunction(s.native, unit.index, tier, s.GetWireBytesStorage(), detected, s.mets)
	if err != nil {
		unit.err = err
		s.SetError(unit.index, err)
	} else {
		unit.result = code
		s.scheduleCodeLogging(code)
	}
	s.ScheduleForFinishing(unit, tier)
	return true
}

// codeLogTask batches generated code artifacts and logs them in one
// foreground task. At most one task is pending; the next artifact after it
// ran schedules a new one.
type codeLogTask struct {
	state *CompilationState
	codes []*engine.Code
}

func (t *codeLogTask) run() {
	// Detach so the next finished compilation schedules a fresh task.
	t.state.mu.Lock()
	t.state.logTask = nil
	codes := t.codes
	t.state.mu.Unlock()

	for _, c := range codes {
		Logger().Debug("code generated",
			zap.Uint32("func", c.Index),
			zap.String("tier", c.Tier.String()),
			zap.String("kind", c.Kind.String()),
			zap.Uint32("size", c.Size))
	}
}

// scheduleCodeLogging queues a code artifact for foreground logging.
// Disabled unless compiler tracing is on.
func (s *CompilationState) scheduleCodeLogging(code *engine.Code) {
	if !s.cfg.Trace.Compiler {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.logTask == nil {
		t := &codeLogTask{state: s}
		s.logTask = t
		s.runner.PostForeground(s.fgTasks.Wrap(t.run))
	}
	s.logTask.codes = append(s.logTask.codes, code)
}
