package cmds

import (
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"

	"github.com/go-delve/nativedbg/pkg/proc"
)

const (
	ansiReset  = "\x1b[0m"
	ansiRed    = "\x1b[31m"
	ansiGreen  = "\x1b[32m"
	ansiYellow = "\x1b[33m"
	ansiBlue   = "\x1b[34m"
	ansiGray   = "\x1b[90m"
)

// eventPrinter writes one line per debug event, colored by kind when
// the output is a terminal.
type eventPrinter struct {
	w     io.Writer
	color bool
}

// newStdoutPrinter returns a printer for standard output. Escape codes
// are translated on consoles that do not understand them.
func newStdoutPrinter() *eventPrinter {
	if !isatty.IsTerminal(os.Stdout.Fd()) {
		return &eventPrinter{w: os.Stdout}
	}
	return &eventPrinter{w: colorable.NewColorableStdout(), color: true}
}

func kindColor(k proc.EventKind) string {
	switch k {
	case proc.BreakpointHit, proc.Step:
		return ansiGreen
	case proc.Exception:
		return ansiRed
	case proc.ProcessStarted, proc.ProcessAttached, proc.ProcessExited, proc.ProcessDetached, proc.ProcessSuspended:
		return ansiYellow
	case proc.Information:
		return ansiBlue
	}
	return ansiGray
}

func (p *eventPrinter) event(ev *proc.Event) {
	if p.color {
		fmt.Fprintf(p.w, "%s%s%s\n", kindColor(ev.Kind), ev, ansiReset)
		return
	}
	fmt.Fprintln(p.w, ev)
}

func (p *eventPrinter) printf(format string, args ...interface{}) {
	fmt.Fprintf(p.w, format, args...)
}

func (p *eventPrinter) errorf(format string, args ...interface{}) {
	if p.color {
		fmt.Fprintf(p.w, ansiRed+format+ansiReset, args...)
		return
	}
	fmt.Fprintf(p.w, format, args...)
}
