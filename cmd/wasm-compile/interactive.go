package main

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/wasm-pipeline/compile"
	"github.com/wippyai/wasm-pipeline/engine"
	"github.com/wippyai/wasm-pipeline/wasm"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	eventStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// runInteractive shows compilation progress in a TUI while the pipeline
// runs on its own goroutine, reporting phases through a channel. It always
// compiles synchronously: mode only appears in the title, and chunkSize is
// not used.
func runInteractive(bytes []byte, cfg compile.Config, mode string, chunkSize int) error {
	model := newProgressModel(bytes, cfg, mode)
	p := tea.NewProgram(model)
	finished, err := p.Run()
	if err != nil {
		return err
	}
	if m, ok := finished.(*progressModel); ok && m.err != nil {
		return m.err
	}
	return nil
}

type progressModel struct {
	bytes []byte
	cfg   compile.Config
	mode  string

	progress chan string
	spinner  spinner.Model
	events   []string
	err      error
	done     bool
	started  time.Time
}

type eventMsg string

type doneMsg struct{ err error }

func newProgressModel(bytes []byte, cfg compile.Config, mode string) *progressModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	return &progressModel{
		bytes:    bytes,
		cfg:      cfg,
		mode:     mode,
		progress: make(chan string, 8),
		spinner:  s,
		started:  time.Now(),
	}
}

func (m *progressModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.startCompile(), m.nextEvent())
}

// startCompile runs the whole pipeline on its own goroutine, pushing phase
// strings into the progress channel as it goes.
func (m *progressModel) startCompile() tea.Cmd {
	return func() tea.Msg {
		defer close(m.progress)
		sched := engine.NewScheduler(m.cfg.NumCompilationTasks)
		pipeline := compile.NewPipeline(sched, m.cfg)

		mod, err := pipeline.CompileSync(context.Background(), m.bytes, wasm.OriginWasm, wasm.DefaultFeatures())
		if err != nil {
			return doneMsg{err: err}
		}
		defer mod.Close(context.Background())
		m.progress <- fmt.Sprintf("baseline ready: %d functions", mod.Native().Module().NumDeclaredFuncs())

		sched.Foreground().RunUntil(func() bool { return !mod.State().HasOutstandingUnits() })
		if mod.State().Mode() == compile.ModeTiering {
			m.progress <- "top tier ready"
		}
		if feats := mod.State().DetectedFeatures().List(); len(feats) > 0 {
			m.progress <- fmt.Sprintf("features: %v", feats)
		}
		return doneMsg{}
	}
}

// nextEvent waits for one progress string.
func (m *progressModel) nextEvent() tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-m.progress
		if !ok {
			return nil
		}
		return eventMsg(ev)
	}
}

func (m *progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case eventMsg:
		m.events = append(m.events, string(msg))
		return m, m.nextEvent()
	case doneMsg:
		// Drain any phases reported just before completion.
		for ev := range m.progress {
			m.events = append(m.events, ev)
		}
		m.done = true
		m.err = msg.err
		return m, tea.Quit
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *progressModel) View() string {
	out := titleStyle.Render(fmt.Sprintf("wasm-compile · %s · %d bytes", m.mode, len(m.bytes))) + "\n\n"
	for _, ev := range m.events {
		out += eventStyle.Render("✓ "+ev) + "\n"
	}
	switch {
	case m.err != nil:
		out += errorStyle.Render("✗ "+m.err.Error()) + "\n"
	case m.done:
		out += eventStyle.Render(fmt.Sprintf("✓ done in %v", time.Since(m.started).Round(time.Millisecond))) + "\n"
	default:
		out += m.spinner.View() + " compiling...\n"
	}
	out += helpStyle.Render("\nq to quit")
	return out
}
