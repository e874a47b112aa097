// Package ui reports agent progress to whoever is watching a turn.
package ui

import (
	"fmt"
	"io"
	"sync"
)

type UI interface {
	UpdateStatus(status string)
	UpdateIteration(iter, ceiling int)
	Log(msg string)
}

type SilentUI struct{}

func (s SilentUI) UpdateStatus(status string)        {}
func (s SilentUI) UpdateIteration(iter, ceiling int) {}
func (s SilentUI) Log(msg string)                    {}

// Lines writes one line per progress event, prefixed with the current
// iteration once the loop has started.
type Lines struct {
	mu      sync.Mutex
	w       io.Writer
	iter    int
	ceiling int
}

func NewLines(w io.Writer) *Lines {
	return &Lines{w: w}
}

func (l *Lines) UpdateStatus(status string) {
	l.write(status)
}

func (l *Lines) UpdateIteration(iter, ceiling int) {
	l.mu.Lock()
	l.iter, l.ceiling = iter, ceiling
	l.mu.Unlock()
}

func (l *Lines) Log(msg string) {
	l.write(msg)
}

func (l *Lines) write(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.iter > 0 {
		fmt.Fprintf(l.w, "[%d/%d] %s\n", l.iter, l.ceiling, msg)
		return
	}
	fmt.Fprintf(l.w, "%s\n", msg)
}
