package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"go.uber.org/zap"

	bundleruntime "github.com/wippyai/bundle-runtime"
	"github.com/wippyai/bundle-runtime/bundle"
	"github.com/wippyai/bundle-runtime/registry"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	nameStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	stateStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	outputStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

type modelState int

const (
	stateSelectEnv modelState = iota
	stateModules
	stateInputBundle
	stateShowResult
)

type envInfo struct {
	id    string
	state registry.State
	url   string
}

type interactiveModel struct {
	err      error
	rt       *bundleruntime.Runtime
	out      *syncBuffer
	opts     options
	logger   *zap.Logger
	envs     []envInfo
	modules  []moduleInfo
	input    textinput.Model
	result   string
	selected int
	modSel   int
	state    modelState
	loaded   bool
}

func newInteractiveModel(o options, logger *zap.Logger) *interactiveModel {
	return &interactiveModel{
		opts:   o,
		logger: logger,
		out:    &syncBuffer{},
		state:  stateSelectEnv,
	}
}

type startedMsg struct {
	err    error
	rt     *bundleruntime.Runtime
	output string
}

type resultMsg struct {
	err    error
	output string
}

type modulesMsg struct {
	err     error
	modules []moduleInfo
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.startRuntime
}

func (m *interactiveModel) startRuntime() tea.Msg {
	ctx := context.Background()

	rt, specs, err := newRuntime(m.opts, m.logger, m.out)
	if err != nil {
		return startedMsg{err: err}
	}
	if err := start(ctx, rt, specs); err != nil {
		rt.Close(ctx)
		return startedMsg{err: err}
	}
	return startedMsg{rt: rt, output: m.out.Drain()}
}

func (m *interactiveModel) refreshEnvs() {
	m.envs = m.envs[:0]
	for _, id := range m.rt.Environments() {
		env, err := m.rt.Environment(id)
		if err != nil {
			continue
		}
		m.envs = append(m.envs, envInfo{id: id, state: env.State(), url: env.BundleURL()})
	}
	if m.selected >= len(m.envs) {
		m.selected = 0
	}
}

func (m *interactiveModel) quit() (tea.Model, tea.Cmd) {
	if m.rt != nil {
		m.rt.Close(context.Background())
	}
	return m, tea.Quit
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.state == stateInputBundle {
			switch msg.String() {
			case "ctrl+c":
				return m.quit()
			case "enter":
				return m, m.loadBundle(strings.TrimSpace(m.input.Value()))
			case "esc":
				m.state = stateSelectEnv
				return m, nil
			}
			var cmd tea.Cmd
			m.input, cmd = m.input.Update(msg)
			return m, cmd
		}

		switch msg.String() {
		case "ctrl+c", "q":
			return m.quit()

		case "up", "k":
			switch m.state {
			case stateSelectEnv:
				if m.selected > 0 {
					m.selected--
				}
			case stateModules:
				if m.modSel > 0 {
					m.modSel--
				}
			}

		case "down", "j":
			switch m.state {
			case stateSelectEnv:
				if m.selected < len(m.envs)-1 {
					m.selected++
				}
			case stateModules:
				if m.modSel < len(m.modules)-1 {
					m.modSel++
				}
			}

		case "enter":
			switch m.state {
			case stateSelectEnv:
				if len(m.envs) > 0 {
					return m, m.listModules
				}
			case stateShowResult:
				m.state = stateSelectEnv
				m.result = ""
				m.err = nil
				m.refreshEnvs()
			}

		case "l":
			if m.state == stateSelectEnv && len(m.envs) > 0 {
				ti := textinput.New()
				ti.Placeholder = "bundle name"
				ti.Prompt = "load into " + m.envs[m.selected].id + ": "
				ti.Width = 40
				ti.Focus()
				m.input = ti
				m.state = stateInputBundle
				return m, textinput.Blink
			}

		case "esc":
			switch m.state {
			case stateModules, stateShowResult:
				m.state = stateSelectEnv
				m.result = ""
				m.err = nil
				m.refreshEnvs()
			}
		}

	case startedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt = msg.rt
		m.loaded = true
		m.refreshEnvs()
		if msg.output != "" {
			m.result = msg.output
			m.state = stateShowResult
		}

	case modulesMsg:
		if msg.err != nil {
			m.err = msg.err
			m.state = stateShowResult
			return m, nil
		}
		m.modules = msg.modules
		m.modSel = 0
		m.state = stateModules

	case resultMsg:
		m.result = msg.output
		m.err = msg.err
		m.state = stateShowResult
		m.refreshEnvs()
	}

	return m, nil
}

func (m *interactiveModel) listModules() tea.Msg {
	env := m.envs[m.selected]
	if env.url == "" {
		return modulesMsg{err: fmt.Errorf("environment %s has no bundle", env.id)}
	}
	b, ok := m.rt.Registry().Bundle(env.url)
	if !ok {
		return modulesMsg{err: fmt.Errorf("bundle %s is not loaded", env.url)}
	}
	mods, err := describe(b)
	return modulesMsg{modules: mods, err: err}
}

func (m *interactiveModel) loadBundle(name string) tea.Cmd {
	envID := m.envs[m.selected].id
	return func() tea.Msg {
		if name == "" {
			return resultMsg{err: fmt.Errorf("no bundle name")}
		}
		err := m.rt.LoadBundle(context.Background(), envID, name)
		return resultMsg{err: err, output: m.out.Drain()}
	}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}

	if !m.loaded {
		return "Starting environments..."
	}

	var b strings.Builder

	b.WriteString(titleStyle.Render("Bundle Runner"))
	b.WriteString(" ")
	b.WriteString(fmt.Sprintf("%d environment(s)", len(m.envs)))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectEnv:
		b.WriteString("Environments:\n\n")
		for i, env := range m.envs {
			line := m.formatEnv(env)
			if i == m.selected {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter modules • l load bundle • q quit"))

	case stateModules:
		env := m.envs[m.selected]
		b.WriteString(fmt.Sprintf("Modules of %s\n\n", nameStyle.Render(env.url)))
		for i, mod := range m.modules {
			line := fmt.Sprintf("%4d %8d bytes  %s", mod.id, mod.length, mod.preview)
			if i == m.modSel {
				b.WriteString(selectedStyle.Render("> " + line))
			} else {
				b.WriteString("  " + line)
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • esc back • q quit"))

	case stateInputBundle:
		b.WriteString(m.input.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter load • esc back"))

	case stateShowResult:
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else if m.result == "" {
			b.WriteString(outputStyle.Render("(no output)"))
		} else {
			b.WriteString(outputStyle.Render(strings.TrimRight(m.result, "\n")))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *interactiveModel) formatEnv(env envInfo) string {
	url := env.url
	if url == "" {
		url = "-"
	}
	line := nameStyle.Render(env.id) + " " + stateStyle.Render(env.state.String()) + " " + url
	if t := m.bundleType(env); t != "" {
		line += " (" + t + ")"
	}
	return line
}

// bundleType reports the type of the environment's initial bundle.
func (m *interactiveModel) bundleType(env envInfo) string {
	if env.url == "" {
		return ""
	}
	b, ok := m.rt.Registry().Bundle(env.url)
	if !ok {
		return ""
	}
	if b.Type() == bundle.TypeIndexed {
		return "indexed"
	}
	return "plain"
}

func runInteractive(o options, logger *zap.Logger) error {
	p := tea.NewProgram(newInteractiveModel(o, logger), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
