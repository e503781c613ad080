package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"
)

// Progress prints a carriage-return progress line for the batches of one
// epoch. Nothing is printed when the writer is not a terminal.
type Progress struct {
	w          io.Writer
	tty        bool
	total      int
	start      time.Time
	lastOutput int
}

// NewProgress starts a progress line over total steps. isTTY overrides
// terminal detection when non-nil.
func NewProgress(w io.Writer, total int, isTTY *bool) *Progress {
	tty := isTerminalWriter(w)
	if isTTY != nil {
		tty = *isTTY
	}
	return &Progress{w: w, tty: tty, total: total, start: time.Now()}
}

func isTerminalWriter(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}

// Elapsed returns the time since the progress line started
func (p *Progress) Elapsed() time.Duration {
	return time.Since(p.start)
}

// Update redraws the line for step done with the latest batch loss
func (p *Progress) Update(done int, loss float64) {
	if !p.tty || p.w == nil {
		return
	}
	line := fmt.Sprintf("[%.2f sec](%d/%d): -- loss: %.5f", p.Elapsed().Seconds(), done, p.total, loss)
	pad := ""
	if n := p.lastOutput - len(line); n > 0 {
		pad = strings.Repeat(" ", n)
	}
	p.lastOutput = len(line)
	fmt.Fprintf(p.w, "\r%s%s", line, pad)
}

// Done clears the progress line
func (p *Progress) Done() {
	if !p.tty || p.w == nil || p.lastOutput == 0 {
		return
	}
	fmt.Fprintf(p.w, "\r%s\r", strings.Repeat(" ", p.lastOutput))
	p.lastOutput = 0
}
