// Package progress reports per-item progress of multi-package operations.
package progress

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Callback receives an update after each item of an operation.
type Callback func(op string, current, total int, item string)

// Noop discards updates.
func Noop(string, int, int, string) {}

// Progress counts finished items and forwards each step to a Callback.
type Progress struct {
	op      string
	total   int
	current int
	cb      Callback
}

// New creates a tracker for total items. A nil cb is replaced by Noop.
func New(op string, total int, cb Callback) *Progress {
	if cb == nil {
		cb = Noop
	}
	return &Progress{op: op, total: total, cb: cb}
}

// Step marks item finished.
func (p *Progress) Step(item string) {
	if p.current < p.total {
		p.current++
	}
	p.cb(p.op, p.current, p.total, item)
}

// Current returns the number of finished items.
func (p *Progress) Current() int {
	return p.current
}

// Terminal draws a single rewriting status line, e.g.
// "uninstall npm [=====     ] 2/4 left-pad".
type Terminal struct {
	mu      sync.Mutex
	w       io.Writer
	enabled bool
	width   int
	lastLen int
}

// NewTerminal returns a Terminal writing to w. A disabled Terminal is silent,
// which is what non-interactive output wants.
func NewTerminal(w io.Writer, enabled bool) *Terminal {
	return &Terminal{w: w, enabled: enabled, width: 20}
}

// Callback returns a Callback that renders to the terminal.
func (t *Terminal) Callback() Callback {
	return func(op string, current, total int, item string) {
		t.mu.Lock()
		defer t.mu.Unlock()
		if !t.enabled {
			return
		}
		t.render(op, current, total, item)
	}
}

func (t *Terminal) render(op string, current, total int, item string) {
	if total <= 0 {
		total = 1
	}
	filled := t.width * current / total
	if filled > t.width {
		filled = t.width
	}
	line := fmt.Sprintf("%s [%s%s] %d/%d", op, strings.Repeat("=", filled), strings.Repeat(" ", t.width-filled), current, total)
	if item != "" {
		line += " " + item
	}
	pad := ""
	if t.lastLen > len(line) {
		pad = strings.Repeat(" ", t.lastLen-len(line))
	}
	fmt.Fprint(t.w, "\r"+line+pad)
	t.lastLen = len(line)
}

// Done ends the status line.
func (t *Terminal) Done() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.enabled || t.lastLen == 0 {
		return
	}
	fmt.Fprintln(t.w)
	t.lastLen = 0
}
