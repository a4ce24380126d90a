// Package engine provides the execution side of the compilation pipeline:
// the native module (per-function code table with tier replacement and lazy
// stubs), the per-function code generator, the JS↔wasm wrapper cache, and
// the task scheduling primitives the orchestrator runs on.
//
// Code generation is split in two. The Generator validates and translates
// one function at a time, producing a per-function Code artifact that the
// finisher installs into the NativeModule's code table. The executable
// backend for a tier is produced once the tier completes, by
// NativeModule.CommitTier, which hands the whole module to wazero — the
// interpreter configuration for the baseline tier, the default (compiling)
// configuration for the optimized tier.
//
// Scheduling follows the host model of the pipeline: a single foreground
// goroutine pumps a serialized task queue (ForegroundQueue), while worker
// tasks run on their own goroutines. TaskManager gives the orchestrator the
// cancel-and-wait join point it needs for abort and teardown.
package engine
