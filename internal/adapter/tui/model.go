// Package tui implements a Bubble Tea chat front end for the stream
// consumer.
package tui

import (
	"context"
	"errors"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"chatrelay/internal/domain"
)

// inputHeight is the textarea height plus its border.
const inputHeight = 3 + 2

// Deps are the collaborators of the chat model.
type Deps struct {
	// Send relays one message; rendering arrives through Bridge.
	Send     func(ctx context.Context, message string) error
	Clear    func() error
	Bridge   *Bridge
	History  []domain.Turn
	Provider string
}

// Model is the root Bubble Tea model.
type Model struct {
	deps     Deps
	viewport viewport.Model
	input    textarea.Model
	spinner  spinner.Model

	turns   []domain.Turn
	live    string // answer streaming in
	status  string
	errText string
	waiting bool
	cancel  context.CancelFunc

	width, height int
	ready         bool
}

// New creates the chat model.
func New(deps Deps) Model {
	ta := textarea.New()
	ta.Placeholder = "Type your message..."
	ta.Prompt = "> "
	ta.ShowLineNumbers = false
	ta.CharLimit = 0
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(colorInfo)

	return Model{
		deps:    deps,
		input:   ta,
		spinner: s,
		turns:   append([]domain.Turn(nil), deps.History...),
	}
}

// Run starts the program and blocks until the user quits or ctx ends.
func Run(ctx context.Context, deps Deps) error {
	p := tea.NewProgram(New(deps), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	deps.Bridge.Close()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.deps.Bridge.listen())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC:
			if m.waiting && m.cancel != nil {
				m.cancel()
				return m, nil
			}
			return m.quit()
		case tea.KeyEsc:
			if m.waiting && m.cancel != nil {
				m.cancel()
			}
			return m, nil
		case tea.KeyEnter:
			if m.waiting {
				return m, nil
			}
			value := strings.TrimSpace(m.input.Value())
			m.input.Reset()
			if value == "" {
				return m, nil
			}
			return m.submit(value)
		}

	case statusMsg:
		m.status = string(msg)
		m.refresh()
		return m, m.deps.Bridge.listen()

	case contentMsg:
		m.live = string(msg)
		m.status = ""
		m.refresh()
		return m, m.deps.Bridge.listen()

	case resetMsg:
		m.live = ""
		m.status = "retrying"
		m.refresh()
		return m, m.deps.Bridge.listen()

	case finishMsg:
		return m, m.deps.Bridge.listen()

	case sendDoneMsg:
		m.finish(msg.err)
		return m, m.deps.Bridge.listen()

	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m Model) quit() (tea.Model, tea.Cmd) {
	m.deps.Bridge.Close()
	return m, tea.Quit
}

func (m Model) submit(value string) (tea.Model, tea.Cmd) {
	switch value {
	case "/quit", "/exit":
		return m.quit()
	case "/clear":
		m.errText = ""
		if m.deps.Clear != nil {
			if err := m.deps.Clear(); err != nil {
				m.errText = err.Error()
			}
		}
		m.turns = nil
		m.refresh()
		return m, nil
	}

	m.turns = append(m.turns, domain.Turn{Role: domain.RoleUser, Content: value})
	m.errText = ""
	m.waiting = true
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.refresh()
	return m, tea.Batch(m.send(ctx, value), m.spinner.Tick)
}

// send runs the request off the UI goroutine. Completion goes through the
// bridge so it is ordered after every rendering message of the answer.
func (m Model) send(ctx context.Context, value string) tea.Cmd {
	bridge := m.deps.Bridge
	sendFn := m.deps.Send
	return func() tea.Msg {
		err := sendFn(ctx, value)
		bridge.push(sendDoneMsg{err: err})
		return nil
	}
}

func (m *Model) finish(err error) {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.live != "" {
		m.turns = append(m.turns, domain.Turn{Role: domain.RoleAssistant, Content: m.live})
	}
	m.live = ""
	m.status = ""
	m.waiting = false
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		m.errText = "cancelled"
	default:
		m.errText = err.Error()
	}
	m.refresh()
}

func (m *Model) resize(w, h int) {
	m.width, m.height = w, h
	m.input.SetWidth(w - 2)
	vpHeight := h - inputHeight - 1
	if vpHeight < 1 {
		vpHeight = 1
	}
	if !m.ready {
		m.viewport = viewport.New(w, vpHeight)
		m.ready = true
	} else {
		m.viewport.Width = w
		m.viewport.Height = vpHeight
	}
	m.refresh()
}

// transcript renders every turn plus the answer in progress.
func (m Model) transcript() string {
	var sb strings.Builder
	wrap := lipgloss.NewStyle()
	if m.width > 0 {
		wrap = wrap.Width(m.width)
	}
	write := func(label, text string) {
		sb.WriteString(label)
		sb.WriteString("\n")
		sb.WriteString(wrap.Render(text))
		sb.WriteString("\n\n")
	}
	for _, t := range m.turns {
		switch t.Role {
		case domain.RoleUser:
			write(userLabel.Render("You"), t.Content)
		default:
			write(botLabel.Render("Assistant"), t.Content)
		}
	}
	if m.live != "" {
		write(botLabel.Render("Assistant"), m.live)
	}
	return strings.TrimRight(sb.String(), "\n")
}

func (m *Model) refresh() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.transcript())
	m.viewport.GotoBottom()
}

func (m Model) statusLine() string {
	switch {
	case m.waiting:
		note := m.status
		if note == "" {
			note = "waiting for reply"
		}
		return m.spinner.View() + " " + textMuted.Render(note)
	case m.errText != "":
		return errorLabel.Render("error: ") + m.errText
	}
	provider := m.deps.Provider
	if provider == "" {
		provider = "default provider"
	}
	return statusBar.Render(provider + " | Enter send | Esc cancel | /clear | Ctrl+C quit")
}

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}
	return m.viewport.View() + "\n" + m.statusLine() + "\n" + inputBorder.Render(m.input.View())
}
