package pgclient

import "context"

// turnLock is the single FIFO "may I drive the connection" token described
// for extended-query pipelining: exactly one goroutine at a time is allowed
// to write a Parse/Bind/Describe/Execute/Sync sequence and read its
// synchronous replies, but requests are granted in arrival order rather
// than by scheduler whim.
type turnLock struct {
	ch chan struct{}
}

func newTurnLock() *turnLock {
	l := &turnLock{ch: make(chan struct{}, 1)}
	l.ch <- struct{}{}
	return l
}

// acquire blocks until it is this caller's turn, ctx is done, or the
// connection's done-latch fires first (Close was called, or the server sent
// a FATAL/PANIC ErrorResponse): a lock that never comes free because the
// connection already died must not hang its caller forever.
func (l *turnLock) acquire(ctx context.Context, connDone <-chan struct{}) error {
	select {
	case <-l.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-connDone:
		return ErrConnectionClosed
	}
}

func (l *turnLock) release() {
	l.ch <- struct{}{}
}
