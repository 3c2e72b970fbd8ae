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

	"github.com/121-Online/IMAP-Sync-CLI/internal/syncer"
)

type folderProgress struct {
	total  int
	done   int
	failed int
	active bool
}

type syncModel struct {
	cancel   context.CancelFunc
	folders  []string
	prog     map[string]*folderProgress
	totalAll int
	doneAll  int
	spinner  spinner.Model
	bar      progress.Model
	finished bool
	started  time.Time
	// Smoothed ETA
	emaRate  float64 // msgs/sec (EMA)
	lastDone int
	lastAt   time.Time
}

type tickMsg time.Time
type evMsg syncer.Event
type doneMsg struct{}
type errsMsg []error
type countProgMsg int

func newSyncModel(cancel context.CancelFunc) *syncModel {
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &syncModel{
		cancel:  cancel,
		prog:    map[string]*folderProgress{},
		spinner: s,
		bar:     bar,
		started: now,
		lastAt:  now,
	}
}

func (m *syncModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, tick())
}

func tick() tea.Cmd {
	return tea.Tick(200*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *syncModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			// In-flight transfers drain; no new ones start.
			m.cancel()
		}
	case doneMsg:
		m.finished = true
		return m, tea.Quit
	case evMsg:
		m.apply(syncer.Event(msg))
		return m, nil
	case tickMsg:
		m.updateEMARate()
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	return m, nil
}

func (m *syncModel) apply(ev syncer.Event) {
	switch ev.Type {
	case syncer.EventFolderStarted:
		if _, ok := m.prog[ev.Folder]; !ok {
			m.prog[ev.Folder] = &folderProgress{}
			m.folders = append(m.folders, ev.Folder)
		}
		m.prog[ev.Folder].active = true
	case syncer.EventMessageCopied, syncer.EventMessageFailed:
		fp, ok := m.prog[ev.Folder]
		if !ok {
			fp = &folderProgress{}
			m.prog[ev.Folder] = fp
			m.folders = append(m.folders, ev.Folder)
		}
		fp.total, fp.done = ev.Total, ev.Done
		if ev.Type == syncer.EventMessageFailed {
			fp.failed++
		}
		m.recomputeTotals()
	case syncer.EventFolderCompleted:
		if fp, ok := m.prog[ev.Folder]; ok {
			fp.active = false
			fp.total, fp.done = ev.Total, ev.Done
		}
		m.recomputeTotals()
	}
}

func (m *syncModel) recomputeTotals() {
	total, done := 0, 0
	for _, p := range m.prog {
		total += p.total
		done += p.done
	}
	m.totalAll, m.doneAll = total, done
}

func (m *syncModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("121 Digital IMAP Sync")
	s := title + "\n\nPress q to cancel\n\n"
	pct := 0.0
	if m.totalAll > 0 {
		pct = float64(m.doneAll) / float64(m.totalAll)
	}
	s += fmt.Sprintf("%s Overall %d/%d   %s\n", m.spinner.View(), m.doneAll, m.totalAll, m.formatETA())
	s += m.bar.ViewAs(pct) + "\n\n"
	active := ""
	for _, name := range m.folders {
		p := m.prog[name]
		if p.active {
			active += fmt.Sprintf("  %s %d/%d", name, p.done, p.total)
			if p.failed > 0 {
				active += lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render(fmt.Sprintf(" (%d failed)", p.failed))
			}
			active += "\n"
		}
	}
	if active != "" {
		s += active
	}
	return s
}

func (m *syncModel) formatETA() string {
	if m.totalAll == 0 {
		return "ETA --"
	}
	remaining := m.totalAll - m.doneAll
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
		rate = float64(m.doneAll) / elapsed.Seconds()
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
		rem := d - time.Duration(h)*time.Hour
		mrem := int(rem / time.Minute)
		return fmt.Sprintf("ETA %dh%dm", h, mrem)
	}
	if d >= time.Minute {
		mns := int(d.Minutes())
		sec := int(d.Seconds()) % 60
		return fmt.Sprintf("ETA %dm%ds", mns, sec)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// updateEMARate updates the EMA of processing rate based on deltas since last tick.
func (m *syncModel) updateEMARate() {
	now := time.Now()
	dt := now.Sub(m.lastAt).Seconds()
	if dt <= 0 {
		return
	}
	delta := m.doneAll - m.lastDone
	inst := float64(delta) / dt // msgs/sec
	// EMA with half-life ~3s -> alpha depends on dt
	halfLife := 3.0 // seconds
	alpha := 1 - math.Exp(-math.Ln2*dt/halfLife)
	if m.emaRate == 0 {
		m.emaRate = inst
	} else {
		m.emaRate = alpha*inst + (1-alpha)*m.emaRate
	}
	m.lastDone = m.doneAll
	m.lastAt = now
}

// runSyncTUI renders progress from the event stream until it closes. Key q
// cancels the run; the stream still drains to completion afterwards.
func runSyncTUI(cancel context.CancelFunc, events <-chan syncer.Event) {
	m := newSyncModel(cancel)
	p := tea.NewProgram(m)
	go func() {
		for ev := range events {
			p.Send(evMsg(ev))
		}
		p.Send(doneMsg{})
	}()
	if _, err := p.Run(); err != nil {
		// Fallback to plain output
		fmt.Println("TUI failed:", err)
		drainEvents(events)
	}
}

// --- Count-based TUI for MBOX import ---

type countModel struct {
	title    string
	total    int
	done     int
	spinner  spinner.Model
	bar      progress.Model
	errs     []error
	finished bool
	// ETA smoothing
	emaRate  float64
	lastDone int
	lastAt   time.Time
	started  time.Time
}

func newCountModel(title string, total int) *countModel {
	s := spinner.New()
	s.Spinner = spinner.Line
	bar := progress.New(progress.WithDefaultGradient())
	now := time.Now()
	return &countModel{title: title, total: total, spinner: s, bar: bar, started: now, lastAt: now}
}

func (m *countModel) Init() tea.Cmd { return tea.Batch(m.spinner.Tick, tick()) }

func (m *countModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
	case errsMsg:
		m.errs = []error(msg)
		m.finished = true
		if len(m.errs) == 0 {
			m.done = m.total
		}
		return m, tea.Quit
	case countProgMsg:
		m.done += int(msg)
		return m, m.spinner.Tick
	case tickMsg:
		now := time.Now()
		dt := now.Sub(m.lastAt).Seconds()
		if dt > 0 {
			delta := m.done - m.lastDone
			inst := float64(delta) / dt
			halfLife := 3.0
			alpha := 1 - math.Exp(-math.Ln2*dt/halfLife)
			if m.emaRate == 0 {
				m.emaRate = inst
			} else {
				m.emaRate = alpha*inst + (1-alpha)*m.emaRate
			}
			m.lastDone = m.done
			m.lastAt = now
		}
		return m, tea.Batch(m.spinner.Tick, tick())
	}
	return m, nil
}

func (m *countModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("121 Digital IMAP Sync")
	s := title + "\n\nPress q to quit\n\n"
	pct := 0.0
	if m.total > 0 {
		pct = float64(m.done) / float64(m.total)
	}
	s += fmt.Sprintf("%s %s %d/%d   %s\n", m.spinner.View(), m.title, m.done, m.total, m.countETA())
	s += m.bar.ViewAs(pct) + "\n\n"
	if m.finished && len(m.errs) > 0 {
		s += lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Render("Errors:\n")
		for _, e := range m.errs {
			s += " - " + e.Error() + "\n"
		}
	}
	return s
}

func (m *countModel) countETA() string {
	if m.total == 0 {
		return "ETA --"
	}
	remaining := m.total - m.done
	if remaining <= 0 {
		return "ETA 0s"
	}
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
		rem := d - time.Duration(h)*time.Hour
		mrem := int(rem / time.Minute)
		return fmt.Sprintf("ETA %dh%dm", h, mrem)
	}
	if d >= time.Minute {
		mns := int(d.Minutes())
		sec := int(d.Seconds()) % 60
		return fmt.Sprintf("ETA %dm%ds", mns, sec)
	}
	return fmt.Sprintf("ETA %ds", int(d.Seconds()))
}

// runCountTUI displays a simple progress bar for count-based operations.
func runCountTUI(total int, title string, progress <-chan int, errc <-chan error) []error {
	m := newCountModel(title, total)
	p := tea.NewProgram(m)
	go func() {
		for inc := range progress {
			p.Send(countProgMsg(inc))
		}
		if err := <-errc; err != nil {
			p.Send(errsMsg{err})
		} else {
			p.Send(errsMsg{})
		}
	}()
	if _, err := p.Run(); err != nil {
		errs := []error{}
		for range progress {
		}
		if err := <-errc; err != nil {
			errs = append(errs, err)
		}
		return errs
	}
	return m.errs
}

// --- Confirmation TUI ---

type confirmModel struct {
	title   string
	summary string
	choice  *bool
}

func newConfirmModel(title, summary string) *confirmModel {
	return &confirmModel{title: title, summary: summary}
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "y", "enter":
			v := true
			m.choice = &v
			return m, tea.Quit
		case "n", "q", "esc", "ctrl+c":
			v := false
			m.choice = &v
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render(m.title)
	desc := lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render("Press y to confirm, n to cancel")
	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(1, 2).Width(78).Render(m.summary)
	return fmt.Sprintf("%s\n\n%s\n\n%s\n", title, box, desc)
}

// runConfirmTUI displays a confirmation dialog with a summary and returns true if confirmed.
func runConfirmTUI(title, summary string) (bool, error) {
	m := newConfirmModel(title, summary)
	if _, err := tea.NewProgram(m).Run(); err != nil {
		return false, err
	}
	if m.choice == nil {
		return false, nil
	}
	return *m.choice, nil
}
