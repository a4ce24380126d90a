package compile

import (
	"math"
	"time"
)

// finisherDeadline bounds how long one finisher task occupies the
// foreground before re-posting itself.
const finisherDeadline = time.Millisecond

// finishTask is the foreground finisher: it drains executed units, installs
// their code, and counts them down. At most one finisher runs at a time,
// enforced through the finisher flag. When the deadline passes, the task
// re-posts itself without clearing the flag, yielding the foreground
// cooperatively.
func (s *CompilationState) finishTask() {
	if s.Failed() {
		s.SetFinisherRunning(false)
		return
	}

	deadline := time.Now().Add(finisherDeadline)
	for {
		s.RestartWorkers(math.MaxInt)

		unit := s.NextFinished()
		if unit == nil {
			// A background task may have scheduled a unit after our pop
			// but skipped starting a finisher because the flag was still
			// set. Re-check before exiting.
			s.SetFinisherRunning(false)
			if s.HasUnitToFinish() && s.SetFinisherRunning(true) {
				continue
			}
			return
		}

		if s.Failed() {
			return
		}

		s.finishUnit(unit)

		if time.Now().After(deadline) {
			// Deadline reached: reschedule and return without clearing
			// the finisher flag, since the new task takes over.
			s.scheduleFinisherTask()
			return
		}
	}
}

// finishUnit installs a successful unit's code and updates the counters.
// Runs on the foreground, from the finisher or the sync driver.
func (s *CompilationState) finishUnit(unit *Unit) {
	if unit.err == nil && unit.result != nil {
		s.native.InstallCode(unit.result)
	}
	s.OnFinishedUnit()
}

// finishPending drains the executed units that are ready, without deadline.
// The sync driver uses it while blocking its caller.
func (s *CompilationState) finishPending() {
	for !s.Failed() {
		unit := s.NextFinished()
		if unit == nil {
			return
		}
		s.finishUnit(unit)
	}
}
