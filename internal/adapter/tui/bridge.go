package tui

import (
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// Messages produced while an answer streams in.
type (
	statusMsg   string
	contentMsg  string
	resetMsg    struct{}
	finishMsg   struct{}
	sendDoneMsg struct{ err error }
)

// Bridge is a client.Renderer that forwards rendering calls to the Bubble
// Tea program as messages. The program drains them with listen.
type Bridge struct {
	ch   chan tea.Msg
	done chan struct{}
	once sync.Once
}

// NewBridge creates a Bridge.
func NewBridge() *Bridge {
	return &Bridge{ch: make(chan tea.Msg, 64), done: make(chan struct{})}
}

func (b *Bridge) Status(note string) { b.push(statusMsg(note)) }
func (b *Bridge) Render(text string) { b.push(contentMsg(text)) }
func (b *Bridge) Reset()             { b.push(resetMsg{}) }
func (b *Bridge) Finish()            { b.push(finishMsg{}) }

// Close unblocks pending pushes once the program has exited.
func (b *Bridge) Close() { b.once.Do(func() { close(b.done) }) }

func (b *Bridge) push(m tea.Msg) {
	select {
	case b.ch <- m:
	case <-b.done:
	}
}

// listen waits for the next forwarded message.
func (b *Bridge) listen() tea.Cmd {
	return func() tea.Msg {
		select {
		case m := <-b.ch:
			return m
		case <-b.done:
			return nil
		}
	}
}
