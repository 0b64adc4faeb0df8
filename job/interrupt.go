package job

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
)

// Interrupter is polled by the engine after every advanced item and every
// completed stage. Returning true asks the attempt to save its position and
// stop; it is never consulted while an item is being processed.
type Interrupter interface {
	Interrupted() bool
}

// InterrupterFunc adapts a function to the Interrupter interface.
type InterrupterFunc func() bool

// Interrupted calls f.
func (f InterrupterFunc) Interrupted() bool { return f() }

// Never is an Interrupter that never fires.
var Never Interrupter = InterrupterFunc(func() bool { return false })

// Flag is a cooperative stop request that can be set from any goroutine.
// Requesting more than once has the same effect as requesting once.
// The zero value is ready to use.
type Flag struct {
	requested atomic.Bool
}

// Request asks the running attempt to stop at the next boundary.
func (f *Flag) Request() { f.requested.Store(true) }

// Interrupted reports whether a stop was requested.
func (f *Flag) Interrupted() bool { return f.requested.Load() }

// Reset clears the request so the flag can be reused for another attempt.
func (f *Flag) Reset() { f.requested.Store(false) }

// NotifySignals returns a Flag that is set when the process receives one of
// sigs (SIGINT and SIGTERM if none are given). Signals never reach the
// engine directly; the running item finishes, its advance is saved, and the
// attempt returns Interrupted.
//
// The returned stop function releases the signal subscription. It is also
// released when ctx is done.
//
// Example:
//
//	flag, stop := job.NotifySignals(ctx)
//	defer stop()
//	out := engine.Run(ctx, key, State{}, flag)
func NotifySignals(ctx context.Context, sigs ...os.Signal) (*Flag, func()) {
	if len(sigs) == 0 {
		sigs = []os.Signal{os.Interrupt, syscall.SIGTERM}
	}

	flag := &Flag{}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	done := make(chan struct{})
	var once sync.Once
	stop := func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}

	go func() {
		for {
			select {
			case <-ch:
				flag.Request()
			case <-ctx.Done():
				stop()
				return
			case <-done:
				return
			}
		}
	}()

	return flag, stop
}

// ContextInterrupter fires once ctx is done. Pass a context separate from
// the one given to Run; the run context governs store and source I/O, which
// must still work while the final checkpoint is written.
func ContextInterrupter(ctx context.Context) Interrupter {
	return InterrupterFunc(func() bool { return ctx.Err() != nil })
}

// AnyInterrupter fires when any of ins fires. Nil entries are ignored.
func AnyInterrupter(ins ...Interrupter) Interrupter {
	return InterrupterFunc(func() bool {
		for _, in := range ins {
			if in != nil && in.Interrupted() {
				return true
			}
		}
		return false
	})
}
