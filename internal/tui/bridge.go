package tui

import (
	tea "github.com/charmbracelet/bubbletea"

	busevents "github.com/prodigy-cli/prodigy/internal/progress"
)

// eventMsg carries one bus event into the Bubble Tea update loop.
type eventMsg busevents.Event

// drainedMsg signals that the event channel closed: the job is over and
// its publisher is gone.
type drainedMsg struct{}

// listen returns a command that blocks on the next bus event. Update
// re-issues it after every received event, forming the drain loop.
func listen(ch <-chan busevents.Event) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		ev, ok := <-ch
		if !ok {
			return drainedMsg{}
		}
		return eventMsg(ev)
	}
}
