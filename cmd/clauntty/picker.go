package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/list"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/octerm/clauntty/internal/rtach"
)

type sessionItem struct {
	s rtach.Session
}

func (i sessionItem) Title() string {
	if i.s.Live {
		return i.s.Name
	}
	return i.s.Name + " (stale)"
}

func (i sessionItem) Description() string {
	desc := i.s.ID + " · active " + humanize.Time(i.s.LastActivity())
	if i.s.Title != "" {
		desc += " · " + i.s.Title
	}
	return desc
}

func (i sessionItem) FilterValue() string { return i.s.Name + " " + i.s.ID + " " + i.s.Title }

// newItem is the "start a new session" entry at the top of the list.
type newItem struct{}

func (newItem) Title() string       { return "+ new session" }
func (newItem) Description() string { return "start a fresh persistent shell" }
func (newItem) FilterValue() string { return "new" }

type pickerModel struct {
	list     list.Model
	chosen   string
	picked   bool
	quitting bool
}

func newPicker(sessions []rtach.Session) pickerModel {
	items := make([]list.Item, 0, len(sessions)+1)
	items = append(items, newItem{})
	for _, s := range sessions {
		items = append(items, sessionItem{s: s})
	}
	l := list.New(items, list.NewDefaultDelegate(), 0, 0)
	l.Title = "clauntty sessions"
	if len(sessions) > 0 {
		l.Select(1)
	}
	return pickerModel{list: l}
}

func (m pickerModel) Init() tea.Cmd { return nil }

func (m pickerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch t := msg.(type) {
	case tea.WindowSizeMsg:
		m.list.SetSize(t.Width, t.Height)
		return m, nil
	case tea.KeyMsg:
		if m.list.FilterState() == list.Filtering {
			break
		}
		switch t.String() {
		case "ctrl+c", "q", "esc":
			m.quitting = true
			return m, tea.Quit
		case "enter":
			switch it := m.list.SelectedItem().(type) {
			case sessionItem:
				m.chosen, m.picked = it.s.ID, true
			case newItem:
				m.picked = true
			}
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.list, cmd = m.list.Update(msg)
	return m, cmd
}

func (m pickerModel) View() string {
	if m.quitting || m.picked {
		return ""
	}
	return m.list.View()
}

func newSessionsPickCmd(root *rootOptions) *cobra.Command {
	flags := &connectFlags{}
	cmd := &cobra.Command{
		Use:   "pick",
		Short: "Choose a session interactively and attach to it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			c, err := root.dial(ctx, flags.transportConfig(root))
			if err != nil {
				return err
			}
			defer c.client.Disconnect()

			d, err := c.deployer(root, flags.assets)
			if err != nil {
				return err
			}
			if err := d.EnsureDeployed(ctx); err != nil {
				return err
			}
			sessions, err := d.ListSessions(ctx)
			if err != nil {
				return err
			}

			final, err := tea.NewProgram(newPicker(sessions), tea.WithAltScreen(), tea.WithContext(ctx)).Run()
			if err != nil {
				return fmt.Errorf("session picker: %w", err)
			}
			m, ok := final.(pickerModel)
			if !ok || !m.picked {
				return nil
			}
			return runConnect(ctx, root, c, flags, m.chosen)
		},
	}
	flags.bind(cmd)
	return cmd
}
