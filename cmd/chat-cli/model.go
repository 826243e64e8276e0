package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ashureev/stockchat/internal/agent"
	"github.com/ashureev/stockchat/internal/domain"
)

type streamEndMsg struct{}

type styles struct {
	user    lipgloss.Style
	bot     lipgloss.Style
	card    lipgloss.Style
	pending lipgloss.Style
	failed  lipgloss.Style
	status  lipgloss.Style
	input   lipgloss.Style
}

func newStyles() styles {
	mint := lipgloss.Color("#05ffa1")
	blue := lipgloss.Color("#01cdfe")
	pink := lipgloss.Color("#ff71ce")
	muted := lipgloss.Color("#9ca3d8")
	return styles{
		user:    lipgloss.NewStyle().Foreground(mint).Bold(true),
		bot:     lipgloss.NewStyle().Foreground(blue),
		card:    lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(blue).Padding(0, 1),
		pending: lipgloss.NewStyle().Foreground(muted).Italic(true),
		failed:  lipgloss.NewStyle().Foreground(pink),
		status:  lipgloss.NewStyle().Foreground(muted),
		input:   lipgloss.NewStyle().BorderStyle(lipgloss.RoundedBorder()).BorderForeground(mint),
	}
}

// unit is one rendered row of the transcript, keyed like the server's
// UI units so deltas land on the right row.
type unit struct {
	id      string
	user    bool
	text    string
	display []domain.Renderable
	pending bool
	failed  bool
}

type model struct {
	client *client
	styles styles

	input    textinput.Model
	timeline viewport.Model
	width    int
	height   int

	units  []*unit
	byID   map[string]*unit
	stream chan tea.Msg
	status string
}

func newModel(c *client) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 2000
	input.Placeholder = "Ask about a stock, or /buy SYMBOL AMOUNT PRICE"
	input.Focus()

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true

	return model{
		client:   c,
		styles:   newStyles(),
		input:    input,
		timeline: timeline,
		byID:     make(map[string]*unit),
		status:   "ready",
	}
}

func (m model) Init() tea.Cmd {
	return textinput.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.timeline.Width = msg.Width
		m.timeline.Height = max(msg.Height-4, 1)
		m.input.Width = max(msg.Width-6, 10)
		m.render()
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			cmd := m.submit(strings.TrimSpace(m.input.Value()))
			m.input.SetValue("")
			m.render()
			return m, cmd
		}
	case deltaMsg:
		m.apply(agent.Delta(msg))
		m.render()
		cmds = append(cmds, waitStream(m.stream))
	case warningMsg:
		m.status = "warning: " + string(msg)
		cmds = append(cmds, waitStream(m.stream))
	case doneMsg:
		m.status = fmt.Sprintf("done (%d messages)", msg.Messages)
		cmds = append(cmds, waitStream(m.stream))
	case streamErrMsg:
		m.status = "error: " + msg.err.Error()
		cmds = append(cmds, waitStream(m.stream))
	case streamEndMsg:
		m.stream = nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.timeline, cmd = m.timeline.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

// submit starts a request for the input line. Only one request runs at
// a time; the server would reject a second turn anyway.
func (m *model) submit(line string) tea.Cmd {
	if line == "" {
		return nil
	}
	if line == "/quit" {
		return tea.Quit
	}
	if m.stream != nil {
		m.status = "a turn is still running"
		return nil
	}

	ch := make(chan tea.Msg, 64)
	if strings.HasPrefix(line, "/buy") {
		symbol, amount, price, err := parseBuy(line)
		if err != nil {
			m.status = err.Error()
			return nil
		}
		go m.client.purchase(context.Background(), symbol, price, amount, ch)
	} else {
		m.addUserLine(line)
		go m.client.send(context.Background(), line, ch)
	}
	m.stream = ch
	m.status = "thinking..."
	return waitStream(ch)
}

func waitStream(ch <-chan tea.Msg) tea.Cmd {
	if ch == nil {
		return nil
	}
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return streamEndMsg{}
		}
		return msg
	}
}

func parseBuy(line string) (string, float64, float64, error) {
	fields := strings.Fields(line)
	if len(fields) != 4 {
		return "", 0, 0, fmt.Errorf("usage: /buy SYMBOL AMOUNT PRICE")
	}
	amount, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("bad amount %q", fields[2])
	}
	price, err := strconv.ParseFloat(fields[3], 64)
	if err != nil {
		return "", 0, 0, fmt.Errorf("bad price %q", fields[3])
	}
	return strings.ToUpper(fields[1]), amount, price, nil
}

func (m *model) addUserLine(text string) {
	u := &unit{id: fmt.Sprintf("local-%d", len(m.units)), user: true, text: text}
	m.units = append(m.units, u)
}

func (m *model) unitFor(id string) *unit {
	if u, ok := m.byID[id]; ok {
		return u
	}
	u := &unit{id: id}
	m.byID[id] = u
	m.units = append(m.units, u)
	return u
}

// apply folds one delta into its unit.
func (m *model) apply(d agent.Delta) {
	u := m.unitFor(d.UnitID)
	switch d.Kind {
	case agent.DeltaText:
		u.text += d.Text
	case agent.DeltaPlaceholder:
		u.display = d.Display
		u.pending = true
	case agent.DeltaResult:
		u.pending = false
		if len(d.Display) > 0 {
			u.display = d.Display
		}
	case agent.DeltaError:
		u.pending = false
		u.failed = true
		u.display = d.Display
	}
}

func (m *model) render() {
	var b strings.Builder
	for _, u := range m.units {
		b.WriteString(m.renderUnit(u))
		b.WriteString("\n")
	}
	atBottom := m.timeline.AtBottom()
	m.timeline.SetContent(b.String())
	if atBottom {
		m.timeline.GotoBottom()
	}
}

func (m model) renderUnit(u *unit) string {
	if u.user {
		return m.styles.user.Render("you: ") + u.text
	}
	var parts []string
	if u.text != "" {
		parts = append(parts, m.styles.bot.Render(u.text))
	}
	for _, r := range u.display {
		parts = append(parts, m.renderDisplay(r, u))
	}
	return strings.Join(parts, "\n")
}

func (m model) renderDisplay(r domain.Renderable, u *unit) string {
	switch r.Kind {
	case domain.RenderBotText:
		return m.styles.bot.Render(r.Text)
	case domain.RenderUserText:
		return m.styles.user.Render("you: ") + r.Text
	case domain.RenderSpinner:
		return m.styles.pending.Render("… " + r.Text)
	case domain.RenderNotice, domain.RenderSystemNotice:
		if u.failed {
			return m.styles.failed.Render(r.Text)
		}
		return m.styles.pending.Render(r.Text)
	}

	label := string(r.Kind)
	if strings.HasSuffix(label, "-skeleton") {
		return m.styles.pending.Render("loading " + strings.TrimSuffix(label, "-skeleton") + "...")
	}
	body := r.Text
	if r.Data != nil {
		data, err := json.Marshal(r.Data)
		if err == nil {
			body = string(data)
		}
	}
	return m.styles.card.Render(label + "\n" + body)
}

func (m model) View() string {
	return m.timeline.View() + "\n" +
		m.styles.input.Render(m.input.View()) + "\n" +
		m.styles.status.Render(m.status)
}
