// Package wasmpipeline provides the module compilation pipeline of a
// WebAssembly engine embedded in a JavaScript host: it turns a module
// binary into a native-code module ready for execution.
//
// # Architecture Overview
//
// The library is organized into several packages with distinct
// responsibilities:
//
//	wasmpipeline/        Root package with the Tier and TaskRunner contracts
//	├── compile/         Compilation orchestrator: units, queues, state,
//	│                    workers, finisher, sync/async/streaming drivers
//	├── wasm/            Module decoding: bulk, incremental, and streaming,
//	│                    plus function validation and feature detection
//	├── engine/          Native module, code generator, wrapper cache, and
//	│                    task scheduling primitives
//	├── errors/          Structured error types for debugging
//	├── metrics/         Prometheus instrumentation
//	└── cmd/wasm-compile CLI front end
//
// # Quick Start
//
// Compile a module synchronously:
//
//	cfg := compile.DefaultConfig()
//	sched := engine.NewScheduler(cfg.NumCompilationTasks)
//	pipeline := compile.NewPipeline(sched, cfg)
//
//	mod, err := pipeline.CompileSync(ctx, wasmBytes, wasm.OriginWasm, wasm.DefaultFeatures())
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer mod.Close(ctx)
//
// Or stream the bytes as they arrive:
//
//	stream := pipeline.CompileStreaming(wasm.DefaultFeatures(), resolver)
//	for chunk := range chunks {
//	    stream.ProcessBytes(chunk)
//	}
//	stream.Finish()
//
// # Compilation Policies
//
// Each module compiles under one of two policies. Regular compiles every
// function once at the top tier. Tiering compiles each function twice:
// a fast baseline so execution can start early, then optimized code in the
// background, installed as it finishes. Lazy compilation defers functions
// until first call. The policy is selected per module from the pipeline
// configuration and the module's origin.
//
// The foreground/background split follows the host model: host-heap
// objects are touched only by foreground tasks, which run serialized on
// the embedder's main thread; compilation work runs on background workers
// that never see host objects.
package wasmpipeline
