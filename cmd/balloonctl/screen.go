package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/memory-meld/virtio-balloon/balloon"
)

const pollInterval = time.Second

var (
	colorPrimary = lipgloss.Color("39")
	colorDim     = lipgloss.Color("241")
)

// snapshotMsg carries one poll of the device's counters and config
// space into the Bubble Tea update loop.
type snapshotMsg struct {
	config   balloon.ConfigSnapshot
	counters map[string]uint64
}

type pollTickMsg struct{}

type keyMap struct {
	Help key.Binding
	Quit key.Binding
}

func (k keyMap) ShortHelp() []key.Binding  { return []key.Binding{k.Help, k.Quit} }
func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{{k.Help, k.Quit}} }

// screen is a read-only counters/config viewer: it polls
// Device.Counters().Snapshot() and Device.ConfigSnapshot() on an
// interval and renders them. It has no key binding that calls
// Device.Resize — balloonctl is an observability tool, not a
// management plane.
type screen struct {
	device *balloon.Device
	keys   keyMap
	help   help.Model

	config   balloon.ConfigSnapshot
	counters map[string]uint64
	width    int
}

func newScreen(device *balloon.Device) screen {
	return screen{
		device: device,
		keys: keyMap{
			Help: key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "more")),
			Quit: key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
		},
		help: help.New(),
	}
}

func (m screen) Init() tea.Cmd {
	return tea.Batch(pollOnce(m.device), pollTick())
}

func pollOnce(d *balloon.Device) tea.Cmd {
	return func() tea.Msg {
		return snapshotMsg{config: d.ConfigSnapshot(), counters: d.Counters().Snapshot()}
	}
}

func pollTick() tea.Cmd {
	return tea.Tick(pollInterval, func(_ time.Time) tea.Msg { return pollTickMsg{} })
}

func (m screen) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case snapshotMsg:
		m.config = msg.config
		m.counters = msg.counters
		return m, nil

	case pollTickMsg:
		return m, tea.Batch(pollOnce(m.device), pollTick())

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Help):
			m.help.ShowAll = !m.help.ShowAll
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m screen) View() string {
	var b strings.Builder

	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(colorPrimary).Render("  virtio-balloon"))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf("  num_pages      %d\n", m.config.NumPages))
	b.WriteString(fmt.Sprintf("  actual         %d\n", m.config.Actual))
	b.WriteString(fmt.Sprintf("  hetero_pages   %d\n", m.config.NumHeteroPages))
	b.WriteString(fmt.Sprintf("  hetero_actual  %d\n", m.config.HeteroActual))

	b.WriteString("\n  statistics\n")
	if len(m.counters) == 0 {
		b.WriteString(lipgloss.NewStyle().Foreground(colorDim).Render("    (none reported yet)"))
		b.WriteString("\n")
	} else {
		names := make([]string, 0, len(m.counters))
		for name := range m.counters {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			b.WriteString(fmt.Sprintf("    %-18s %d\n", name, m.counters[name]))
		}
	}

	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}
