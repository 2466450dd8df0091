// Package tui runs the patient record wizard in a terminal: huh forms for
// the three field steps, a slot board for the scan uploads, and toasts
// printed as styled lines.
package tui

import (
	"fmt"
	"io"
	"sync"
)

// Terminal is the wizard's toaster and navigator. Toasts are printed as they
// arrive; navigation is recorded until the driver loop takes it.
type Terminal struct {
	out io.Writer

	mu   sync.Mutex
	next string
}

func NewTerminal(out io.Writer) *Terminal {
	return &Terminal{out: out}
}

func (t *Terminal) Success(msg string) {
	t.print(successStyle.Render("✓ " + msg))
}

func (t *Terminal) Error(msg string) {
	t.print(errorStyle.Render("✗ " + msg))
}

func (t *Terminal) Info(msg string) {
	t.print(mutedStyle.Render(msg))
}

func (t *Terminal) print(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, line)
}

// Navigate records the page the wizard wants to show next.
func (t *Terminal) Navigate(url string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.next = url
}

// Take returns and clears the pending navigation, or "" when there is none.
func (t *Terminal) Take() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	url := t.next
	t.next = ""
	return url
}
