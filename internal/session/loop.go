package session

import (
	"context"
	"sync"

	"github.com/mbeoliero/chatsync/pkg/errcode"
)

// Loop runs posted funcs one at a time on a single goroutine. Everything a session
// owns is only touched from its loop.
type Loop struct {
	ch   chan func()
	done chan struct{}
	once sync.Once
}

// NewLoop starts a loop with the given queue size
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = 256
	}
	l := &Loop{ch: make(chan func(), size), done: make(chan struct{})}
	go l.run()
	return l
}

func (l *Loop) run() {
	for {
		select {
		case fn := <-l.ch:
			fn()
		case <-l.done:
			return
		}
	}
}

// Post queues fn. It is dropped once the loop stopped.
func (l *Loop) Post(fn func()) {
	select {
	case l.ch <- fn:
	case <-l.done:
	}
}

// Call runs fn on the loop and waits for it to return
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.ch <- task:
	case <-l.done:
		return errcode.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-l.done:
		return errcode.ErrSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop ends the loop; queued funcs that did not run yet are dropped
func (l *Loop) Stop() {
	l.once.Do(func() { close(l.done) })
}

// Done is closed once the loop stopped
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
