package compile

import (
	"go.uber.org/zap"

	"github.com/wippyai/wasm-pipeline/wasm"
)

// StreamHandle is the embedder's push interface to a streaming compilation.
type StreamHandle struct {
	job    *AsyncJob
	stream *wasm.StreamingDecoder
}

// ProcessBytes pushes one chunk of arriving wire bytes.
func (h *StreamHandle) ProcessBytes(chunk []byte) {
	h.stream.OnBytesReceived(chunk)
}

// Finish signals the end of the byte stream.
func (h *StreamHandle) Finish() {
	h.stream.Finish()
}

// Abort terminates the stream and the compilation.
func (h *StreamHandle) Abort() {
	h.stream.Abort()
}

// CompileStreaming starts a streaming compilation. Bytes pushed through the
// returned handle are decoded incrementally; compilation units are
// published as function bodies complete, so workers start before the
// download ends.
func (p *Pipeline) CompileStreaming(enabled wasm.Features, resolver Resolver) *StreamHandle {
	job := newAsyncJob(p, enabled, resolver)
	proc := &streamingProcessor{
		decoder: wasm.NewModuleDecoder(enabled, wasm.OriginWasm),
		ctl:     job,
		trace:   p.cfg.Trace.Streaming,
	}
	job.stream = wasm.NewStreamingDecoder(proc)
	p.registerJob(job)
	return &StreamHandle{job: job, stream: job.stream}
}

// jobControl is the narrow slice of the async job the streaming processor
// drives. The processor never holds the whole job; it reaches the job's
// sub-objects through this interface.
type jobControl interface {
	// prepareAndStartCompileNow runs the PrepareAndStartCompile step on
	// the calling thread, without publishing units.
	prepareAndStartCompileNow(module *wasm.Module)

	// compilationState returns the state created by
	// prepareAndStartCompileNow, nil before it ran.
	compilationState() *CompilationState

	// setOutstandingFinishers arms the finisher latch.
	setOutstandingFinishers(n int32)

	// finishAfterStream completes the job's share of stream teardown.
	finishAfterStream(module *wasm.Module, full []byte)

	// failWithDecodeError fails the job with a decoding error.
	failWithDecodeError(err error)

	// abortJob aborts the whole compilation.
	abortJob()
}

func (j *AsyncJob) prepareAndStartCompileNow(module *wasm.Module) {
	j.doImmediately(&stepPrepareAndStartCompile{module: module, startCompilation: false})
}

func (j *AsyncJob) compilationState() *CompilationState { return j.state }

func (j *AsyncJob) setOutstandingFinishers(n int32) {
	j.outstandingFinishers.Store(n)
}

// finishAfterStream stores the finalized bytes and, when the compilation
// callback already reported, finishes the compile. For a module without a
// code section the runtime objects are created here.
func (j *AsyncJob) finishAfterStream(module *wasm.Module, full []byte) {
	needsFinish := j.decrementAndCheckFinisherCount()
	j.wireBytes = full
	if j.native == nil {
		// Module without a code section: runtime objects were never
		// created by ProcessCodeSectionHeader.
		j.prepareRuntimeObjects(module)
	} else {
		j.native.SetWireBytes(full)
	}
	if needsFinish {
		j.finishCompile(true)
	}
}

// failWithDecodeError makes sure background work stopped, aborts any
// existing compilation state, and transitions to the decode-failure step.
func (j *AsyncJob) failWithDecodeError(err error) {
	j.bgTasks.CancelAndWait()
	if j.native != nil {
		j.state.Abort()
		j.doSyncUseExisting(&stepDecodeFail{err: err})
		return
	}
	j.doSync(&stepDecodeFail{err: err})
}

func (j *AsyncJob) abortJob() {
	j.Abort()
}

// streamingProcessor feeds the pieces a StreamingDecoder splits off into
// the incremental module decoder and the unit builder. It runs on the
// thread pushing stream bytes, which is the foreground.
type streamingProcessor struct {
	decoder *wasm.ModuleDecoder
	ctl     jobControl
	builder *UnitBuilder

	// nextFunc is the next declared function index expected from the code
	// section.
	nextFunc uint32
	trace    bool
}

func (p *streamingProcessor) ProcessModuleHeader(bytes []byte, offset uint32) bool {
	if p.trace {
		Logger().Debug("stream: module header")
	}
	if err := p.decoder.DecodeModuleHeader(bytes, offset); err != nil {
		p.fail(err)
		return false
	}
	return true
}

// ProcessSection handles every section but the code section. The first
// section after the code section retires the unit builder.
func (p *streamingProcessor) ProcessSection(code byte, bytes []byte, offset uint32) bool {
	if p.trace {
		Logger().Debug("stream: section", zap.Uint8("id", code))
	}
	if p.builder != nil {
		// A section after the code section: the builder is done.
		p.builder.Commit()
		p.builder = nil
	}
	if err := p.decoder.DecodeSection(code, bytes, offset); err != nil {
		p.fail(err)
		return false
	}
	return true
}

// ProcessCodeSectionHeader starts compilation: runtime objects are created
// immediately, the shared wire-bytes handle is installed, and the finisher
// latch is armed for both producers — the streaming processor and the
// compilation callback can report in either order.
func (p *streamingProcessor) ProcessCodeSectionHeader(count uint32, offset uint32, storage *wasm.StreamingWireBytes) bool {
	if p.trace {
		Logger().Debug("stream: code section", zap.Uint32("functions", count))
	}
	if err := p.decoder.CheckFunctionsCount(count, offset); err != nil {
		p.fail(err)
		return false
	}

	p.ctl.prepareAndStartCompileNow(p.decoder.Module())
	state := p.ctl.compilationState()
	state.SetWireBytesStorage(storage)
	if err := state.SetTotal(int(count)); err != nil {
		p.fail(err)
		return false
	}

	p.ctl.setOutstandingFinishers(2)
	p.builder = NewUnitBuilder(state)
	return true
}

func (p *streamingProcessor) ProcessFunctionBody(bytes []byte, offset uint32) bool {
	if err := p.decoder.DecodeFunctionBody(p.nextFunc, uint32(len(bytes)), offset); err != nil {
		p.fail(err)
		return false
	}
	index := p.nextFunc + p.decoder.Module().NumImportedFuncs
	p.builder.Add(index)
	p.nextFunc++
	return true
}

// OnFinishedChunk commits the buffered units so workers pick them up as
// soon as possible.
func (p *streamingProcessor) OnFinishedChunk() {
	if p.builder != nil {
		p.builder.Commit()
	}
}

func (p *streamingProcessor) OnFinishedStream(bytes []byte) {
	if p.trace {
		Logger().Debug("stream: finished", zap.Int("bytes", len(bytes)))
	}
	module, err := p.decoder.FinishDecoding(false)
	if err != nil {
		p.fail(err)
		return
	}
	p.ctl.finishAfterStream(module, bytes)
}

func (p *streamingProcessor) OnError(err error) {
	p.fail(err)
}

func (p *streamingProcessor) OnAbort() {
	if p.trace {
		Logger().Debug("stream: abort")
	}
	if p.builder != nil {
		p.builder.Clear()
		p.builder = nil
	}
	p.ctl.abortJob()
}

// fail clears the unit builder — it must be empty when discarded — and
// fails the job.
func (p *streamingProcessor) fail(err error) {
	if p.trace {
		Logger().Debug("stream: error", zap.Error(err))
	}
	if p.builder != nil {
		p.builder.Clear()
		p.builder = nil
	}
	p.ctl.failWithDecodeError(err)
}
