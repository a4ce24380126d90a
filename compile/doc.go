// Package compile implements the module compilation pipeline: the
// concurrent state machine that coordinates decoding, background
// compilation workers, per-function tier selection, foreground
// finalization, error propagation, and event notification.
//
// Three ingestion modes are exposed through Pipeline:
//
//   - CompileSync blocks the caller and drives workers plus the finisher on
//     the calling thread until baseline compilation completes.
//   - CompileAsync runs a sequenced step machine (decode in the background,
//     prepare/wrappers/finish on the foreground) and resolves the embedder's
//     promise through a Resolver.
//   - CompileStreaming pushes arriving wire bytes through a streaming
//     decoder, publishing compilation units as function bodies complete so
//     background workers start before the download ends.
//
// Two compilation policies are selected per module: Regular compiles each
// function once at the top tier; Tiering compiles each function twice —
// baseline first so execution can start early, optimized in the background.
// Lazy compilation bypasses the bulk pipeline entirely, installing a
// trampoline per function and compiling on first call.
//
// The CompilationState is the per-module coordinator. Pending and finished
// units live in tier-separated LIFO stacks under one mutex; the compile
// error is a one-shot atomic latch that workers check lock-free; lifecycle
// events (baseline finished, top tier finished, failed) fire exactly once,
// from foreground tasks only, in that order.
package compile
