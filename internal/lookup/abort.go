package lookup

import (
	"context"
	"sync"
)

// AbortSignal is a set-once cancellation flag shared by a caller, the
// dispatcher, and its workers. Once set it is never cleared.
type AbortSignal struct {
	once sync.Once
	ch   chan struct{}
	init sync.Once
}

// NewAbortSignal returns an unset signal.
func NewAbortSignal() *AbortSignal {
	a := &AbortSignal{}
	a.lazyInit()
	return a
}

func (a *AbortSignal) lazyInit() {
	a.init.Do(func() {
		a.ch = make(chan struct{})
	})
}

// Set fires the signal. Repeated calls are no-ops.
func (a *AbortSignal) Set() {
	if a == nil {
		return
	}
	a.lazyInit()
	a.once.Do(func() {
		close(a.ch)
	})
}

// IsSet reports whether the signal has fired. A nil signal never fires.
func (a *AbortSignal) IsSet() bool {
	if a == nil {
		return false
	}
	select {
	case <-a.Done():
		return true
	default:
		return false
	}
}

// Done returns a channel closed once the signal fires. A nil signal returns
// a nil channel, which blocks forever in a select.
func (a *AbortSignal) Done() <-chan struct{} {
	if a == nil {
		return nil
	}
	a.lazyInit()
	return a.ch
}

// AbortOnDone sets the signal when ctx finishes. The returned stop function
// releases the watcher without firing the signal.
func (a *AbortSignal) AbortOnDone(ctx context.Context) (stop func()) {
	stopCh := make(chan struct{})
	var stopOnce sync.Once
	go func() {
		select {
		case <-ctx.Done():
			a.Set()
		case <-stopCh:
		case <-a.Done():
		}
	}()
	return func() {
		stopOnce.Do(func() { close(stopCh) })
	}
}

// Context derives a context from parent that is canceled when the signal
// fires.
func (a *AbortSignal) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-a.Done():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
