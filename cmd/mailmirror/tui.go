package main

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"

	"github.com/pepperpark/mailmirror/internal/folders"
	"github.com/pepperpark/mailmirror/internal/syncer"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
)

type model struct {
	ctx     context.Context
	cancel  context.CancelFunc
	worker  *syncer.MailboxSyncer
	plan    []folders.Descriptor
	spinner spinner.Model
	bar     progress.Model

	current   string
	phase     syncer.Phase
	total     int
	done      int
	boxesDone int // folders finished or skipped
	messages  int // messages archived or relayed so far
	skipped   []string
	errs      []error
	fatal     error
	finished  bool
	cancelled bool

	// Smoothed ETA for the current phase
	emaRate  float64 // msgs/sec (EMA)
	lastDone int
	lastAt   time.Time
	started  time.Time
}

type tickMsg time.Time

type finishedMsg struct {
	errs  []error
	fatal error
}

func newModel(ctx context.Context, worker *syncer.MailboxSyncer, plan []folders.Descriptor) *model {
	cctx, cancel := context.WithCancel(ctx)
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &model{ctx: cctx, cancel: cancel, worker: worker, plan: plan, spinner: s, bar: bar, started: now, lastAt: now}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick(), m.startSync())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *model) startSync() tea.Cmd {
	return func() tea.Msg {
		errs, fatal := m.worker.SyncAll(m.ctx, m.plan)
		return finishedMsg{errs: errs, fatal: fatal}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			m.cancelled = true
			m.cancel()
			// Wait for SyncAll to unwind so the archive is closed cleanly.
			return m, nil
		}
	case finishedMsg:
		m.drain()
		m.errs, m.fatal = msg.errs, msg.fatal
		m.finished = true
		return m, tea.Quit
	case tickMsg:
		m.drain()
		m.updateEMARate()
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// drain applies every pending event without blocking.
func (m *model) drain() {
	for {
		select {
		case ev, ok := <-m.worker.Events():
			if !ok {
				return
			}
			m.apply(ev)
		default:
			return
		}
	}
}

func (m *model) apply(ev syncer.Event) {
	switch ev.Type {
	case syncer.EventMailboxStart:
		m.current, m.phase = ev.Mailbox, syncer.PhaseScan
		m.resetPhase(0)
	case syncer.EventMailboxProgress:
		if ev.Mailbox != m.current || ev.Phase != m.phase {
			m.current, m.phase = ev.Mailbox, ev.Phase
			m.resetPhase(ev.Total)
		}
		if ev.Phase != syncer.PhaseScan && ev.Done > m.done {
			m.messages += ev.Done - m.done
		}
		m.total, m.done = ev.Total, ev.Done
	case syncer.EventMailboxDone:
		m.boxesDone++
	case syncer.EventMailboxSkipped:
		m.boxesDone++
		m.skipped = append(m.skipped, ev.Mailbox)
	}
}

func (m *model) resetPhase(total int) {
	now := time.Now()
	m.total, m.done = total, 0
	m.emaRate, m.lastDone, m.lastAt = 0, 0, now
	m.started = now
}

func (m *model) View() string {
	s := titleStyle.Render("mailmirror") + "\n\nPress q to quit\n\n"
	s += fmt.Sprintf("Folders %d/%d   messages transferred %d\n", m.boxesDone, len(m.plan), m.messages)
	if m.current != "" && !m.finished {
		pct := 0.0
		if m.total > 0 {
			pct = float64(m.done) / float64(m.total)
		}
		s += fmt.Sprintf("%s %s [%s] %d/%d   %s\n", m.spinner.View(), m.current, m.phase, m.done, m.total, m.formatETA())
		s += m.bar.ViewAs(pct) + "\n"
	}
	s += "\n"
	if len(m.skipped) > 0 {
		s += dimStyle.Render(fmt.Sprintf("Skipped: %v", m.skipped)) + "\n"
	}
	if m.cancelled && !m.finished {
		s += dimStyle.Render("Stopping after the current command...") + "\n"
	}
	if m.fatal != nil {
		s += errStyle.Render("Error: "+m.fatal.Error()) + "\n"
	}
	return s
}

func (m *model) formatETA() string {
	if m.total == 0 {
		return "ETA --"
	}
	remaining := m.total - m.done
	if remaining <= 0 {
		return "ETA 0s"
	}
	// Prefer smoothed rate if available; fallback to average rate
	rate := m.emaRate
	if rate <= 0.01 {
		elapsed := time.Since(m.started)
		if elapsed <= 0 {
			return "ETA --"
		}
		rate = float64(m.done) / elapsed.Seconds()
	}
	if rate <= 0.01 {
		return "ETA --"
	}
	secs := float64(remaining) / rate
	if secs < 1 {
		return "ETA <1s"
	}
	d := time.Duration(secs) * time.Second
	if d > 99*time.Hour {
		return "ETA >99h"
	}
	if d >= time.Hour {
		h := int(d / time.Hour)
		mrem := int((d - time.Duration(h)*time.Hour) / time.Minute)
		return fmt.Sprintf("ETA %dh%dm", h, mrem)
	}
	if d >= time.Minute {
		return fmt.Sprintf("ETA %dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// updateEMARate updates the EMA of processing rate based on deltas since last tick.
func (m *model) updateEMARate() {
	now := time.Now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	inst := float64(m.done-m.lastDone) / dt
	// half-life ~3s
	alpha := 1 - math.Exp(-math.Ln2*dt/3.0)
	if m.emaRate == 0 {
		m.emaRate = inst
	} else {
		m.emaRate = alpha*inst + (1-alpha)*m.emaRate
	}
	m.lastDone = m.done
	m.lastAt = now
}

// runTUI runs the Bubble Tea UI and returns the run's outcome.
func runTUI(ctx context.Context, worker *syncer.MailboxSyncer, plan []folders.Descriptor) ([]error, error) {
	m := newModel(ctx, worker, plan)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		fmt.Println("TUI failed:", err)
		if m.finished {
			return m.errs, m.fatal
		}
		// The sync may still be running in the program's command goroutine.
		m.cancel()
		return nil, err
	}
	return m.errs, m.fatal
}
