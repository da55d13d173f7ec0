// Package diag prints single-line diagnostics to stderr, colorized when
// stderr is a terminal.
package diag

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

var colorEnabled = isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

const (
	red    = "\x1b[31m"
	yellow = "\x1b[33m"
	reset  = "\x1b[0m"
)

func paint(color, s string) string {
	if !colorEnabled {
		return s
	}
	return color + s + reset
}

// Error prints a fatal diagnostic: "pynuxc: error: <msg>", red when
// stderr is a TTY.
func Error(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, paint(red, "pynuxc: error: "+msg))
}

// Warn prints a non-fatal diagnostic, yellow when stderr is a TTY.
func Warn(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintln(os.Stderr, paint(yellow, "pynuxc: warning: "+msg))
}

// Info prints a plain progress line (module list, "compiled to ..."), never
// colorized: it's not a diagnostic, just batch-tool progress output.
func Info(format string, args ...any) {
	fmt.Fprintln(os.Stderr, fmt.Sprintf(format, args...))
}
