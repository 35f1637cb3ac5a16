package tui

import (
	"github.com/charmbracelet/bubbles/key"
)

// keyMap lists every binding of the run view. It implements help.KeyMap.
type keyMap struct {
	NextPane key.Binding
	PrevPane key.Binding
	Jump     key.Binding
	Up       key.Binding
	Down     key.Binding
	Cancel   key.Binding
	Quit     key.Binding
}

var keys = keyMap{
	NextPane: key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "cycle focus")),
	PrevPane: key.NewBinding(key.WithKeys("shift+tab")),
	Jump:     key.NewBinding(key.WithKeys("1", "2", "3"), key.WithHelp("1/2/3", "jump to pane")),
	Up:       key.NewBinding(key.WithKeys("k", "up"), key.WithHelp("k/↑", "previous task")),
	Down:     key.NewBinding(key.WithKeys("j", "down"), key.WithHelp("j/↓", "next task")),
	Cancel:   key.NewBinding(key.WithKeys("x"), key.WithHelp("x", "cancel run")),
	Quit:     key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.NextPane, k.Jump, k.Down, k.Up, k.Cancel, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{k.ShortHelp()}
}
