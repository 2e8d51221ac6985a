// Package tui is the interactive chat screen: a conversation list with
// unread badges next to the open conversation and its draft.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/tOgg1/huddle/internal/chat"
	"github.com/tOgg1/huddle/internal/models"
)

const (
	listWidth     = 26
	minListHeight = 3
	timeLayout    = "15:04"
)

type focus int

const (
	focusList focus = iota
	focusInput
)

// Session is the part of a chat session the screen drives.
type Session interface {
	Updates() <-chan struct{}
	Done() <-chan struct{}
	LocalUserID() string
	Active() models.Conversation
	ActiveMessages() []models.Message
	UnreadCounts() map[string]int
	UnreadTotal() int
	Contacts(filter string) []models.Counterparty
	DisplayName(id string) string
	Draft() string
	SetDraft(text string)
	SelectConversation(ctx context.Context, conv models.Conversation) error
	Send(ctx context.Context, body string) (*models.Message, error)
	RefreshDirectory(ctx context.Context) error
}

// Config wires the screen to a session.
type Config struct {
	Session Session

	// Initial is opened on start.
	Initial models.Conversation

	// OnSelect is called after a conversation opens successfully.
	OnSelect func(models.Conversation)
}

type (
	updatedMsg  struct{}
	closedMsg   struct{}
	selectedMsg struct {
		conv models.Conversation
		err  error
	}
	sentMsg struct {
		err error
	}
	refreshedMsg struct {
		err error
	}
)

type entry struct {
	conv   models.Conversation
	label  string
	unread int
}

// Model is the bubbletea model of the chat screen.
type Model struct {
	ctx      context.Context
	session  Session
	onSelect func(models.Conversation)
	initial  models.Conversation
	styles   *styles

	width  int
	height int

	focus  focus
	cursor int
	filter string
	status string
}

// New builds the screen. ctx bounds the session calls it makes.
func New(ctx context.Context, cfg Config) *Model {
	initial := cfg.Initial
	if initial.Kind == "" {
		initial = models.Broadcast()
	}
	return &Model{
		ctx:      ctx,
		session:  cfg.Session,
		onSelect: cfg.OnSelect,
		initial:  initial,
		styles:   newStyles(defaultPalette),
		focus:    focusInput,
	}
}

// Run shows the screen until the user quits or ctx ends.
func Run(ctx context.Context, cfg Config) error {
	model := New(ctx, cfg)
	program := tea.NewProgram(model, tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.waitForUpdate(), m.selectCmd(m.initial))
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch typed := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = typed.Width
		m.height = typed.Height
		return m, nil
	case updatedMsg:
		m.clampCursor()
		return m, m.waitForUpdate()
	case closedMsg:
		return m, tea.Quit
	case selectedMsg:
		if typed.err != nil {
			m.status = "open failed: " + typed.err.Error()
			return m, nil
		}
		m.status = ""
		if m.onSelect != nil {
			m.onSelect(typed.conv)
		}
		return m, nil
	case sentMsg:
		if typed.err != nil {
			m.status = "send failed: " + typed.err.Error()
		} else {
			m.status = ""
		}
		return m, nil
	case refreshedMsg:
		if typed.err != nil {
			m.status = "directory refresh failed: " + typed.err.Error()
		}
		m.clampCursor()
		return m, nil
	case tea.KeyMsg:
		return m, m.handleKey(typed)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.String() {
	case "ctrl+c":
		return tea.Quit
	case "tab":
		if m.focus == focusList {
			m.focus = focusInput
		} else {
			m.focus = focusList
		}
		return nil
	case "ctrl+r":
		return m.refreshCmd()
	}

	if m.focus == focusList {
		return m.handleListKey(msg)
	}
	return m.handleInputKey(msg)
}

func (m *Model) handleListKey(msg tea.KeyMsg) tea.Cmd {
	switch msg.Type {
	case tea.KeyUp:
		if m.cursor > 0 {
			m.cursor--
		}
		return nil
	case tea.KeyDown:
		if m.cursor < len(m.entries())-1 {
			m.cursor++
		}
		return nil
	case tea.KeyEnter:
		entries := m.entries()
		if m.cursor >= len(entries) {
			return nil
		}
		m.focus = focusInput
		return m.selectCmd(entries[m.cursor].conv)
	case tea.KeyEsc:
		if m.filter == "" {
			return tea.Quit
		}
		m.filter = ""
		m.cursor = 0
		return nil
	case tea.KeyBackspace:
		if m.filter != "" {
			runes := []rune(m.filter)
			m.filter = string(runes[:len(runes)-1])
			m.cursor = 0
		}
		return nil
	case tea.KeyRunes, tea.KeySpace:
		m.filter += string(msg.Runes)
		m.cursor = 0
		return nil
	}
	return nil
}

func (m *Model) handleInputKey(msg tea.KeyMsg) tea.Cmd {
	draft := m.session.Draft()
	switch msg.Type {
	case tea.KeyEnter:
		if strings.TrimSpace(draft) == "" {
			return nil
		}
		return m.sendCmd(draft)
	case tea.KeyEsc:
		m.focus = focusList
		return nil
	case tea.KeyBackspace:
		if draft != "" {
			runes := []rune(draft)
			m.session.SetDraft(string(runes[:len(runes)-1]))
		}
		return nil
	case tea.KeyCtrlU:
		m.session.SetDraft("")
		return nil
	case tea.KeySpace:
		m.session.SetDraft(draft + " ")
		return nil
	case tea.KeyRunes:
		m.session.SetDraft(draft + string(msg.Runes))
		return nil
	}
	return nil
}

// entries is the broadcast channel followed by contacts matching the filter.
func (m *Model) entries() []entry {
	counts := m.session.UnreadCounts()
	out := make([]entry, 0, 16)
	if m.filter == "" || strings.Contains(models.BroadcastID, strings.ToLower(m.filter)) {
		out = append(out, entry{conv: models.Broadcast(), label: "# " + models.BroadcastID})
	}
	for _, c := range m.session.Contacts(m.filter) {
		out = append(out, entry{
			conv:   models.Direct(c.ID),
			label:  "@ " + c.DisplayName,
			unread: counts[c.ID],
		})
	}
	return out
}

func (m *Model) clampCursor() {
	if n := len(m.entries()); m.cursor >= n {
		m.cursor = n - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

func (m *Model) waitForUpdate() tea.Cmd {
	updates, done := m.session.Updates(), m.session.Done()
	return func() tea.Msg {
		select {
		case <-updates:
			return updatedMsg{}
		case <-done:
			return closedMsg{}
		}
	}
}

func (m *Model) selectCmd(conv models.Conversation) tea.Cmd {
	return func() tea.Msg {
		return selectedMsg{conv: conv, err: m.session.SelectConversation(m.ctx, conv)}
	}
}

func (m *Model) sendCmd(body string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.session.Send(m.ctx, body)
		return sentMsg{err: err}
	}
}

func (m *Model) refreshCmd() tea.Cmd {
	return func() tea.Msg {
		return refreshedMsg{err: m.session.RefreshDirectory(m.ctx)}
	}
}

func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "loading..."
	}

	footer := m.renderFooter()
	bodyHeight := m.height - lipgloss.Height(footer) - 2
	if bodyHeight < minListHeight {
		bodyHeight = minListHeight
	}

	listPane, convPane := m.styles.idlePane, m.styles.activePane
	if m.focus == focusList {
		listPane, convPane = m.styles.activePane, m.styles.idlePane
	}
	convWidth := m.width - listWidth - 4
	if convWidth < 10 {
		convWidth = 10
	}

	left := listPane.Width(listWidth).Height(bodyHeight).Render(m.renderList(bodyHeight))
	right := convPane.Width(convWidth).Height(bodyHeight).Render(m.renderConversation(convWidth, bodyHeight))
	return lipgloss.JoinVertical(lipgloss.Left, lipgloss.JoinHorizontal(lipgloss.Top, left, right), footer)
}

func (m *Model) renderList(height int) string {
	var b strings.Builder
	title := "Conversations"
	if total := m.session.UnreadTotal(); total > 0 {
		title += m.styles.badge.Render(fmt.Sprintf(" (%d)", total))
	}
	b.WriteString(m.styles.header.Render(title))
	b.WriteString("\n")
	if m.filter != "" {
		b.WriteString(m.styles.muted.Render("/" + m.filter))
		b.WriteString("\n")
	}

	active := m.session.Active()
	for i, e := range m.entries() {
		if i >= height-2 {
			break
		}
		line := e.label
		if e.conv == active {
			line = m.styles.active.Render(line)
		}
		if e.unread > 0 {
			line += m.styles.badge.Render(fmt.Sprintf(" %d", e.unread))
		}
		if i == m.cursor && m.focus == focusList {
			line = m.styles.selected.Render("› ") + line
		} else {
			line = "  " + line
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Model) renderConversation(width, height int) string {
	active := m.session.Active()
	title := "# " + models.BroadcastID
	if active.IsDirect() {
		title = "@ " + m.session.DisplayName(active.CounterpartyID)
	}

	local := m.session.LocalUserID()
	msgs := m.session.ActiveMessages()
	lines := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		lines = append(lines, m.renderMessage(msg, local, width))
	}

	available := height - 3
	if available < 1 {
		available = 1
	}
	shown := fitLines(lines, available)

	prompt := "> "
	if m.focus == focusInput {
		prompt = m.styles.selected.Render("> ")
	}
	input := prompt + m.session.Draft()
	if m.focus == focusInput {
		input += "█"
	}

	parts := []string{m.styles.header.Render(title)}
	if len(shown) == 0 {
		parts = append(parts, m.styles.muted.Render("No messages yet"))
	} else {
		parts = append(parts, shown...)
	}
	body := strings.Join(parts, "\n")
	gap := height - lipgloss.Height(body) - 1
	if gap > 0 {
		body += strings.Repeat("\n", gap)
	}
	return body + "\n" + input
}

func (m *Model) renderMessage(msg models.Message, local string, width int) string {
	name := m.styles.sender(msg.SenderID).Render(msg.SenderName)
	if msg.FromSelf(local) {
		name = m.styles.own.Render(msg.SenderName)
	}
	stamp := m.styles.muted.Render(msg.CreatedAt.Local().Format(timeLayout))
	body := msg.Body
	if msg.Pending {
		body = m.styles.pending.Render(body + " …")
	}
	if msg.IsDirect() && msg.FromSelf(local) && msg.IsRead() {
		body += m.styles.muted.Render(" ✓")
	}
	return lipgloss.NewStyle().Width(width).Render(stamp + " " + name + ": " + body)
}

// fitLines keeps the newest rendered messages that fit in height rows.
func fitLines(rendered []string, height int) []string {
	used := 0
	start := len(rendered)
	for start > 0 {
		h := lipgloss.Height(rendered[start-1])
		if used+h > height {
			break
		}
		used += h
		start--
	}
	return rendered[start:]
}

func (m *Model) renderFooter() string {
	help := "tab switch pane · enter open/send · ctrl+r refresh · ctrl+c quit"
	if m.status != "" {
		return m.styles.err.Render(m.status)
	}
	return m.styles.muted.Render(help)
}

var _ Session = (*chat.Session)(nil)
