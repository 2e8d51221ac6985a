package tui

import (
	"hash/fnv"
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// senderPalette is an ANSI-256 palette for stable per-sender colors.
// Red and green are left for status.
var senderPalette = []string{
	"33", "39", "45", "69", "75", "81", "87", "99",
	"111", "117", "123", "147", "153", "159", "183", "189",
}

type palette struct {
	Foreground string
	Muted      string
	Accent     string
	Own        string
	Error      string
	Badge      string
	ActivePane string
	IdlePane   string
}

var defaultPalette = palette{
	Foreground: "252",
	Muted:      "245",
	Accent:     "75",
	Own:        "81",
	Error:      "203",
	Badge:      "214",
	ActivePane: "75",
	IdlePane:   "240",
}

type styles struct {
	header     lipgloss.Style
	muted      lipgloss.Style
	selected   lipgloss.Style
	active     lipgloss.Style
	badge      lipgloss.Style
	own        lipgloss.Style
	err        lipgloss.Style
	pending    lipgloss.Style
	activePane lipgloss.Style
	idlePane   lipgloss.Style

	senders map[string]lipgloss.Style
}

func newStyles(p palette) *styles {
	pane := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	return &styles{
		header:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(p.Accent)),
		muted:      lipgloss.NewStyle().Foreground(lipgloss.Color(p.Muted)),
		selected:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(p.Accent)),
		active:     lipgloss.NewStyle().Underline(true),
		badge:      lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(p.Badge)),
		own:        lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(p.Own)),
		err:        lipgloss.NewStyle().Foreground(lipgloss.Color(p.Error)),
		pending:    lipgloss.NewStyle().Faint(true).Italic(true),
		activePane: pane.BorderForeground(lipgloss.Color(p.ActivePane)),
		idlePane:   pane.BorderForeground(lipgloss.Color(p.IdlePane)),
		senders:    make(map[string]lipgloss.Style, 32),
	}
}

// sender returns the cached color style for a sender id.
func (s *styles) sender(id string) lipgloss.Style {
	key := strings.ToLower(strings.TrimSpace(id))
	if style, ok := s.senders[key]; ok {
		return style
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	code := senderPalette[int(h.Sum32()%uint32(len(senderPalette)))]
	style := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color(code))
	s.senders[key] = style
	return style
}
