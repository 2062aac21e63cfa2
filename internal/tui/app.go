// Package tui is the optional terminal renderer on the progress bus: a
// full-screen Bubble Tea view of one job's phases, map items, and event
// tail. It is a consumer like any other sink; job execution never depends
// on it.
package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	busevents "github.com/prodigy-cli/prodigy/internal/progress"
)

// eventTailLen bounds the rolling event log at the bottom of the screen.
const eventTailLen = 8

// AppConfig configures one TUI session.
type AppConfig struct {
	// Version renders in the title bar.
	Version string

	// JobName is the workflow being watched.
	JobName string

	// Events is the channel a progress.ChannelSink feeds. The app drains
	// it until it closes, which ends the session.
	Events <-chan busevents.Event

	// Cancel, when set, is invoked when the user quits so the underlying
	// job is interrupted rather than orphaned.
	Cancel func()
}

// itemRow is one map-phase work item's latest known state.
type itemRow struct {
	id     string
	status string
	detail string
}

// App is the Bubble Tea model. It holds only render state; all real state
// lives with the coordinator and arrives as events.
type App struct {
	cfg    AppConfig
	styles styles
	bar    progress.Model

	phase     string
	jobID     string
	items     map[string]*itemRow
	order     []string
	completed int
	failed    int
	events    []string
	finished  bool
	width     int
	height    int
}

// NewApp creates the model.
func NewApp(cfg AppConfig) *App {
	return &App{
		cfg:    cfg,
		styles: defaultStyles(),
		bar:    progress.New(progress.WithDefaultGradient(), progress.WithWidth(40), progress.WithoutPercentage()),
		items:  make(map[string]*itemRow),
		width:  80,
		height: 24,
	}
}

func (a *App) Init() tea.Cmd {
	return listen(a.cfg.Events)
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if a.cfg.Cancel != nil {
				a.cfg.Cancel()
			}
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width, a.height = msg.Width, msg.Height

	case eventMsg:
		a.apply(busevents.Event(msg))
		return a, listen(a.cfg.Events)

	case drainedMsg:
		return a, tea.Quit
	}
	return a, nil
}

// apply folds one bus event into the render state.
func (a *App) apply(ev busevents.Event) {
	if ev.JobID != "" {
		a.jobID = ev.JobID
	}
	if ev.Phase != "" {
		a.phase = ev.Phase
	}

	switch ev.Type {
	case busevents.ItemDispatched:
		a.setItem(ev.ItemID, "running", "")
	case busevents.ItemCompleted:
		a.completed++
		a.setItem(ev.ItemID, "done", "")
	case busevents.ItemFailed:
		a.failed++
		a.setItem(ev.ItemID, "failed", ev.Error)
	case busevents.ItemDeadLettered:
		a.setItem(ev.ItemID, "dead-lettered", ev.Error)
	case busevents.StepRetrying:
		if ev.ItemID != "" {
			a.setItem(ev.ItemID, "retrying", ev.Message)
		}
	case busevents.JobCompleted, busevents.JobFailed:
		a.finished = true
	}

	line := string(ev.Type)
	switch {
	case ev.Error != "":
		line += ": " + ev.Error
	case ev.Step != "":
		line += ": " + ev.Step
	case ev.Message != "":
		line += ": " + ev.Message
	}
	a.events = append(a.events, line)
	if len(a.events) > eventTailLen {
		a.events = a.events[len(a.events)-eventTailLen:]
	}
}

func (a *App) setItem(id, status, detail string) {
	if id == "" {
		return
	}
	row, ok := a.items[id]
	if !ok {
		row = &itemRow{id: id}
		a.items[id] = row
		a.order = append(a.order, id)
	}
	row.status = status
	row.detail = detail
}

func (a *App) View() string {
	var b strings.Builder

	title := fmt.Sprintf("Prodigy v%s", a.cfg.Version)
	if a.cfg.JobName != "" {
		title += " - " + a.cfg.JobName
	}
	b.WriteString(a.styles.Title.Render(title))
	b.WriteString("\n")

	status := fmt.Sprintf("job %s  phase %s", a.jobID, a.phase)
	if a.finished {
		status += "  (finished, press q)"
	}
	b.WriteString(a.styles.Dim.Render(status))
	b.WriteString("\n\n")

	if total := len(a.items); total > 0 {
		b.WriteString(a.bar.ViewAs(float64(a.completed) / float64(total)))
		b.WriteString(fmt.Sprintf(" %d/%d items", a.completed, total))
		if a.failed > 0 {
			b.WriteString(a.styles.Fail.Render(fmt.Sprintf("  %d failed", a.failed)))
		}
		b.WriteString("\n\n")
		b.WriteString(a.renderItems())
		b.WriteString("\n")
	}

	b.WriteString(a.styles.Dim.Render(strings.Repeat("-", minInt(a.width, 60))))
	b.WriteString("\n")
	for _, line := range a.events {
		b.WriteString(truncate(line, a.width-2))
		b.WriteString("\n")
	}

	return b.String()
}

// renderItems lists items in first-seen order, clamped to the space the
// terminal has left after the header and event tail.
func (a *App) renderItems() string {
	budget := a.height - eventTailLen - 8
	if budget < 3 {
		budget = 3
	}

	ids := a.order
	if len(ids) > budget {
		// Keep the still-active tail visible: running items sort first.
		ids = append([]string(nil), a.order...)
		sort.SliceStable(ids, func(i, j int) bool {
			return itemRank(a.items[ids[i]].status) < itemRank(a.items[ids[j]].status)
		})
		ids = ids[:budget]
	}

	var b strings.Builder
	for _, id := range ids {
		row := a.items[id]
		var badge string
		switch row.status {
		case "done":
			badge = a.styles.OK.Render("done")
		case "failed", "dead-lettered":
			badge = a.styles.Fail.Render(row.status)
		default:
			badge = a.styles.Busy.Render(row.status)
		}
		line := fmt.Sprintf("  %-24s %s", row.id, badge)
		if row.detail != "" {
			line += " " + a.styles.Dim.Render(truncate(row.detail, 40))
		}
		b.WriteString(truncate(line, a.width-2))
		b.WriteString("\n")
	}
	return b.String()
}

func itemRank(status string) int {
	switch status {
	case "running", "retrying":
		return 0
	case "failed", "dead-lettered":
		return 1
	default:
		return 2
	}
}

func truncate(s string, n int) string {
	if n <= 3 || len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// styles groups the lipgloss styles the views share.
type styles struct {
	Title lipgloss.Style
	OK    lipgloss.Style
	Fail  lipgloss.Style
	Busy  lipgloss.Style
	Dim   lipgloss.Style
}

func defaultStyles() styles {
	return styles{
		Title: lipgloss.NewStyle().Bold(true),
		OK:    lipgloss.NewStyle().Foreground(lipgloss.Color("10")),
		Fail:  lipgloss.NewStyle().Foreground(lipgloss.Color("9")),
		Busy:  lipgloss.NewStyle().Foreground(lipgloss.Color("11")),
		Dim:   lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// RunTUI runs the app full-screen until the user quits or the event
// channel closes.
func RunTUI(cfg AppConfig) error {
	p := tea.NewProgram(NewApp(cfg), tea.WithAltScreen())
	if _, err := p.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	return nil
}
