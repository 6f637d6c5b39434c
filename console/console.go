// Package console renders a pinned operator status header above a
// scrolling log pane, for the daemon subcommand. A terminal scroll
// region protects the header from the log stream scrolling underneath
// it.
package console

import (
	"fmt"
	"io"
	"sync"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// Layout coordinates drawing a pinned header while log output scrolls
// underneath without disturbing it. Disabled automatically when out
// isn't backed by a TTY.
type Layout struct {
	out           io.Writer
	enabled       bool
	fd            int
	rows          int
	reservedLines int
	mu            sync.Mutex
}

// NewLayout builds a Layout writing to out, using fd (typically
// os.Stdout.Fd()) to size the terminal. enabled is further gated by TTY
// detection; callers on a non-TTY (e.g. under a process supervisor) get
// a disabled, line-oriented fallback.
func NewLayout(out io.Writer, fd int, enabled bool) *Layout {
	if out == nil {
		out = io.Discard
	}
	enabled = enabled && fd >= 0 && isatty.IsTerminal(uintptr(fd))
	if enabled {
		fmt.Fprint(out, "\x1b[2J\x1b[H")
	}
	rows := 24
	if enabled {
		if _, h, err := term.GetSize(fd); err == nil && h > 0 {
			rows = h
		} else {
			enabled = false
		}
	}
	return &Layout{out: out, enabled: enabled, fd: fd, rows: rows}
}

// Enabled reports whether the live layout is active.
func (l *Layout) Enabled() bool { return l.enabled }

// Close restores the terminal's full scroll region.
func (l *Layout) Close() {
	if !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.resetScrollRegion()
}

func (l *Layout) resetScrollRegion() {
	fmt.Fprint(l.out, "\x1b[r")
}

// LogWriter returns an io.Writer for the scrolling log pane below the
// header.
func (l *Layout) LogWriter() io.Writer {
	return &logWriter{layout: l}
}

func (l *Layout) screenRows() int {
	if l.fd < 0 {
		return l.rows
	}
	_, h, err := term.GetSize(l.fd)
	if err != nil || h <= 0 {
		return l.rows
	}
	l.rows = h
	return l.rows
}

// Render rewrites the pinned header to lines.
func (l *Layout) Render(lines []string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled {
		for _, line := range lines {
			fmt.Fprintln(l.out, line)
		}
		fmt.Fprintln(l.out, "---")
		return
	}

	rows := l.screenRows()
	if rows <= 1 {
		for _, line := range lines {
			fmt.Fprintln(l.out, line)
		}
		fmt.Fprintln(l.out, "---")
		return
	}

	reserved := len(lines) + 2
	if reserved >= rows {
		reserved = rows - 1
	}
	if reserved < 1 {
		reserved = 1
	}

	if reserved != l.reservedLines {
		l.resetScrollRegion()
		fmt.Fprintf(l.out, "\x1b[%d;%dr", reserved+1, rows)
		l.reservedLines = reserved
	}

	fmt.Fprint(l.out, "\x1b[H")
	for i := 0; i < reserved; i++ {
		var text string
		if i < len(lines) {
			text = lines[i]
		}
		fmt.Fprintf(l.out, "%s\x1b[K\n", text)
	}
	fmt.Fprintf(l.out, "\x1b[%d;1H", reserved+1)
}

type logWriter struct {
	layout *Layout
}

func (w *logWriter) Write(p []byte) (int, error) {
	w.layout.mu.Lock()
	defer w.layout.mu.Unlock()
	return w.layout.out.Write(p)
}
