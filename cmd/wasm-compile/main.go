package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wippyai/wasm-pipeline/compile"
	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/metrics"
	"github.com/wippyai/wasm-pipeline/wasm"
)

func main() {
	var (
		wasmFile    = flag.String("wasm", "", "Path to the wasm module to compile")
		configFile  = flag.String("config", "", "Optional YAML pipeline config")
		mode        = flag.String("mode", "sync", "Compilation mode: sync, async, or streaming")
		chunkSize   = flag.Int("chunk", 1024, "Chunk size for streaming mode")
		lazy        = flag.Bool("lazy", false, "Use lazy compilation")
		noTierUp    = flag.Bool("no-tier-up", false, "Disable tiering")
		tasks       = flag.Int("tasks", -1, "Number of compilation tasks (-1 = default, 0 = foreground only)")
		verbose     = flag.Bool("v", false, "Verbose logging with compiler traces")
		interactive = flag.Bool("i", false, "Interactive mode with progress TUI")
	)
	flag.Parse()

	if *wasmFile == "" {
		fmt.Fprintln(os.Stderr, "Usage: wasm-compile -wasm <file.wasm> [-mode sync|async|streaming] [-config cfg.yaml]")
		os.Exit(1)
	}

	cfg := compile.DefaultConfig()
	if *configFile != "" {
		raw, err := os.ReadFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid config: %v\n", err)
			os.Exit(1)
		}
	}
	if *lazy {
		cfg.LazyCompilation = true
	}
	if *noTierUp {
		cfg.EnableTierUp = false
	}
	if *tasks >= 0 {
		cfg.NumCompilationTasks = *tasks
	}
	if *verbose {
		cfg.Trace.Compiler = true
		cfg.Trace.Streaming = true
		cfg.Trace.Lazy = true

		logger, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		compile.SetLogger(logger)
		engine.SetLogger(logger)
	}

	bytes, err := os.ReadFile(*wasmFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	if *interactive {
		if err := runInteractive(bytes, cfg, *mode, *chunkSize); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if err := run(bytes, cfg, *mode, *chunkSize); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(bytes []byte, cfg compile.Config, mode string, chunkSize int) error {
	sched := engine.NewScheduler(cfg.NumCompilationTasks)
	reg := prometheus.NewRegistry()
	pipeline := compile.NewPipeline(sched, cfg, compile.WithMetrics(metrics.New(reg)))

	start := time.Now()
	var mod *compile.Module

	switch mode {
	case "sync":
		var err error
		mod, err = pipeline.CompileSync(context.Background(), bytes, wasm.OriginWasm, wasm.DefaultFeatures())
		if err != nil {
			return err
		}

	case "async":
		resolver := &cliResolver{}
		pipeline.CompileAsync(bytes, wasm.DefaultFeatures(), resolver)
		sched.Foreground().RunUntil(resolver.resolved)
		if resolver.err != nil {
			return resolver.err
		}
		mod = resolver.mod

	case "streaming":
		resolver := &cliResolver{}
		stream := pipeline.CompileStreaming(wasm.DefaultFeatures(), resolver)
		for off := 0; off < len(bytes); off += chunkSize {
			end := off + chunkSize
			if end > len(bytes) {
				end = len(bytes)
			}
			stream.ProcessBytes(bytes[off:end])
		}
		stream.Finish()
		sched.Foreground().RunUntil(resolver.resolved)
		if resolver.err != nil {
			return resolver.err
		}
		mod = resolver.mod

	default:
		return fmt.Errorf("unknown mode %q", mode)
	}

	// Let background tiering finish before reporting.
	if mod.State() != nil {
		sched.Foreground().RunUntil(func() bool { return !mod.State().HasOutstandingUnits() })
	}

	printSummary(mod, time.Since(start))
	return mod.Close(context.Background())
}

func printSummary(mod *compile.Module, elapsed time.Duration) {
	m := mod.Native().Module()
	fmt.Printf("compiled %d functions (%d imported) in %v\n",
		m.NumDeclaredFuncs(), m.NumImportedFuncs, elapsed.Round(time.Microsecond))
	fmt.Printf("exports: %d, wrappers: %d, mode: %s\n",
		len(m.Exports), len(mod.ExportWrappers()), mod.State().Mode())
	if feats := mod.State().DetectedFeatures().List(); len(feats) > 0 {
		fmt.Printf("detected features: %v\n", feats)
	}
	if mod.Native().BoundsChecks() {
		fmt.Println("memory: bounds-checked (no guard regions)")
	}
}

// cliResolver adapts the promise resolver to the blocking CLI.
type cliResolver struct {
	mod *compile.Module
	err error
	set bool
}

func (r *cliResolver) OnCompilationSucceeded(mod *compile.Module) {
	r.mod = mod
	r.set = true
}

func (r *cliResolver) OnCompilationFailed(err error) {
	r.err = err
	r.set = true
}

// resolved is only read from the foreground pumping goroutine, where both
// callbacks also run.
func (r *cliResolver) resolved() bool { return r.set }
