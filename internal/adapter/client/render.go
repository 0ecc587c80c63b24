package client

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/fatih/color"
)

// Renderer displays one assistant answer while it streams in.
type Renderer interface {
	// Status shows a progress note before any content exists.
	Status(note string)
	// Render shows the whole answer accumulated so far.
	Render(text string)
	// Reset discards what was shown for a failed attempt.
	Reset()
	// Finish ends the answer.
	Finish()
}

// PlainRenderer prints deltas as they arrive.
type PlainRenderer struct {
	w       io.Writer
	printed int
}

// NewPlainRenderer creates a renderer that writes raw text to w.
func NewPlainRenderer(w io.Writer) *PlainRenderer {
	return &PlainRenderer{w: w}
}

func (p *PlainRenderer) Status(note string) {
	fmt.Fprintln(p.w, color.YellowString("[%s]", note))
}

func (p *PlainRenderer) Render(text string) {
	if len(text) < p.printed {
		p.printed = 0
	}
	io.WriteString(p.w, text[p.printed:])
	p.printed = len(text)
}

func (p *PlainRenderer) Reset() {
	if p.printed > 0 {
		fmt.Fprintln(p.w)
		fmt.Fprintln(p.w, color.RedString("[retrying]"))
	}
	p.printed = 0
}

func (p *PlainRenderer) Finish() {
	fmt.Fprintln(p.w)
	p.printed = 0
}

// MarkdownRenderer re-renders the whole answer as markdown on every delta,
// erasing the previous rendering with ANSI cursor movement.
type MarkdownRenderer struct {
	w     io.Writer
	glam  *glamour.TermRenderer
	lines int
}

// NewMarkdownRenderer creates a glamour-backed renderer wrapping at width columns.
func NewMarkdownRenderer(w io.Writer, width int) (*MarkdownRenderer, error) {
	if width <= 0 {
		width = 100
	}
	glam, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return nil, fmt.Errorf("markdown renderer: %w", err)
	}
	return &MarkdownRenderer{w: w, glam: glam}, nil
}

func (m *MarkdownRenderer) Status(note string) {
	m.replace(color.YellowString("[%s]", note) + "\n")
}

func (m *MarkdownRenderer) Render(text string) {
	out, err := m.glam.Render(text)
	if err != nil {
		out = text + "\n"
	}
	m.replace(out)
}

func (m *MarkdownRenderer) Reset() { m.replace("") }

func (m *MarkdownRenderer) Finish() { m.lines = 0 }

func (m *MarkdownRenderer) replace(out string) {
	if m.lines > 0 {
		fmt.Fprintf(m.w, "\x1b[%dA\x1b[J", m.lines)
	}
	io.WriteString(m.w, out)
	m.lines = strings.Count(out, "\n")
}
