// Package tui renders a running chat or dream pass in the terminal.
package tui

import (
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/felixgeelhaar/enkidu/internal/ui"
)

// ErrInterrupted is returned by Run when the user quits before the work ends.
var ErrInterrupted = errors.New("interrupted")

// chrome is the number of rows used around the activity pane.
const chrome = 6

var (
	bannerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#E8D5A3"))
	phaseStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#8FBC8F"))
	faintStyle  = lipgloss.NewStyle().Faint(true)
	failStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#D9534F"))
)

// Program adapts a bubbletea program to ui.UI. Calls are safe from any
// goroutine.
type Program struct {
	p *tea.Program
}

var _ ui.UI = (*Program)(nil)

func (p *Program) UpdateStatus(status string)        { p.p.Send(StatusMsg(status)) }
func (p *Program) UpdateIteration(iter, ceiling int) { p.p.Send(IterMsg{Iteration: iter, Ceiling: ceiling}) }
func (p *Program) Log(line string)                   { p.p.Send(LogMsg(line)) }

type (
	LogMsg    string
	StatusMsg string
)

type IterMsg struct {
	Iteration int
	Ceiling   int
}

// DoneMsg ends the program with the work's reply or error.
type DoneMsg struct {
	Reply string
	Err   error
}

type Model struct {
	Title     string
	Status    string
	Iteration int
	Ceiling   int
	Lines     []string
	Reply     string
	Err       error
	Finished  bool
	Aborted   bool

	spin  spinner.Model
	bar   progress.Model
	pane  viewport.Model
	sized bool
}

func NewModel(title string, ceiling int) Model {
	return Model{
		Title:   title,
		Status:  "Starting",
		Ceiling: ceiling,
		spin:    spinner.New(spinner.WithSpinner(spinner.MiniDot)),
		bar:     progress.New(progress.WithSolidFill("#8FBC8F"), progress.WithoutPercentage()),
	}
}

func (m Model) Init() tea.Cmd {
	return m.spin.Tick
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			m.Aborted = true
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		height := max(msg.Height-chrome, 3)
		if !m.sized {
			m.pane = viewport.New(msg.Width, height)
			m.sized = true
		} else {
			m.pane.Width, m.pane.Height = msg.Width, height
		}
		m.bar.Width = min(msg.Width-4, 60)
		m.refresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case StatusMsg:
		m.Status = string(msg)

	case IterMsg:
		m.Iteration = msg.Iteration
		if msg.Ceiling > 0 {
			m.Ceiling = msg.Ceiling
		}

	case LogMsg:
		m.Lines = append(m.Lines, string(msg))
		m.refresh()

	case DoneMsg:
		m.Reply, m.Err = msg.Reply, msg.Err
		m.Finished = true
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.pane, cmd = m.pane.Update(msg)
	return m, cmd
}

func (m *Model) refresh() {
	if !m.sized {
		return
	}
	m.pane.SetContent(strings.Join(m.Lines, "\n"))
	m.pane.GotoBottom()
}

func (m Model) ratio() float64 {
	if m.Ceiling <= 0 {
		return 0
	}
	return min(float64(m.Iteration)/float64(m.Ceiling), 1)
}

func (m Model) View() string {
	if !m.sized {
		return m.spin.View() + " " + m.Title + ": Starting"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", m.spin.View(), bannerStyle.Render(m.Title), phaseStyle.Render(m.Status))
	fmt.Fprintf(&b, "%s %s\n\n", m.bar.ViewAs(m.ratio()), faintStyle.Render(fmt.Sprintf("%d/%d", m.Iteration, m.Ceiling)))
	b.WriteString(m.pane.View())
	b.WriteString("\n")

	switch {
	case m.Err != nil:
		b.WriteString(failStyle.Render(m.Err.Error()) + "\n")
	case m.Aborted:
		b.WriteString(faintStyle.Render("stopping") + "\n")
	default:
		b.WriteString(faintStyle.Render("q to quit") + "\n")
	}
	return b.String()
}

// Run shows progress while work runs and returns its reply. Quitting early
// discards the result and returns ErrInterrupted.
func Run(title string, ceiling int, work func(u ui.UI) (string, error)) (string, error) {
	p := tea.NewProgram(NewModel(title, ceiling))

	go func() {
		reply, err := work(&Program{p: p})
		p.Send(DoneMsg{Reply: reply, Err: err})
	}()

	final, err := p.Run()
	if err != nil {
		return "", err
	}
	m := final.(Model)
	if !m.Finished {
		return "", ErrInterrupted
	}
	return m.Reply, m.Err
}
