package cmds

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/go-delve/nativedbg/pkg/proc"
	"github.com/go-delve/nativedbg/pkg/proc/native"
)

// debugger is the part of *native.Session the event loop drives.
type debugger interface {
	proc.ProcessController
	RequestPause() error
	LookupExport(name string) []native.ExportSymbol
}

// runner prints the events of one debuggee until it goes away.
type runner struct {
	d           debugger
	out         *eventPrinter
	pending     []*breakSpec // breakpoints whose location is not loaded yet
	attached    bool
	pollTimeout time.Duration
	interrupt   <-chan os.Signal

	started bool
}

// installBreakpoints sets every pending breakpoint that can be resolved
// now. Exports of libraries loaded later are retried on the next event.
func (r *runner) installBreakpoints() {
	var keep []*breakSpec
	for _, bs := range r.pending {
		addrs := bs.resolve(r.d.LookupExport)
		if len(addrs) == 0 {
			keep = append(keep, bs)
			continue
		}
		for i, err := range r.d.SetBreakpoints(bs.requests(addrs)) {
			if err != nil {
				r.out.errorf("could not set breakpoint %s at %#x: %v\n", bs, addrs[i], err)
				continue
			}
			r.out.printf("breakpoint %s set at %#x\n", bs, addrs[i])
		}
	}
	r.pending = keep
}

// stop kills a launched debuggee or detaches from an attached one. The
// final event is still delivered by PollEvent.
func (r *runner) stop() error {
	if r.attached {
		return r.d.Detach()
	}
	return r.d.Terminate()
}

// run returns the exit code of the debuggee, 0 after a detach and 1 on
// errors.
func (r *runner) run(ctx context.Context) int {
	stopping := false
	for {
		select {
		case <-r.interrupt:
			if err := r.d.RequestPause(); err != nil {
				r.out.errorf("could not pause: %v\n", err)
			}
		default:
		}
		if !stopping && ctx.Err() != nil {
			stopping = true
			r.out.printf("stopping: %v\n", ctx.Err())
			if err := r.stop(); err != nil {
				r.out.errorf("%v\n", err)
				return 1
			}
		}
		pollCtx := ctx
		if stopping {
			pollCtx = context.Background()
		}
		res, ev, err := r.d.PollEvent(pollCtx, r.pollTimeout)
		if err != nil {
			if !stopping && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				continue
			}
			r.out.errorf("%v\n", err)
			return 1
		}
		if res == proc.NoEvent {
			continue
		}
		r.out.event(ev)
		switch ev.Kind {
		case proc.ProcessStarted, proc.ProcessAttached:
			r.started = true
		}
		if r.started && !stopping && len(r.pending) > 0 {
			r.installBreakpoints()
		}
		if err := r.d.ContinueAfterEvent(ev); err != nil {
			r.out.errorf("%v\n", err)
			return 1
		}
		switch ev.Kind {
		case proc.ProcessExited:
			return ev.ExitCode
		case proc.ProcessDetached:
			return 0
		}
	}
}
