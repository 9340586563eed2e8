package pgclient

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// listenerSet is the per-channel registration: the listener functions
// currently subscribed, and a one-shot latch marking the moment this
// client's LISTEN took effect. The latch is what lets the dispatcher
// discard a notification that raced ahead of our own LISTEN reaching the
// server (see deliver) instead of delivering a notification from a
// subscription generation we never actually confirmed.
type listenerSet struct {
	mu         sync.Mutex
	listeners  map[int]func(Notification)
	nextID     int
	subscribed *deferred[struct{}]
}

func newListenerSet() *listenerSet {
	return &listenerSet{
		listeners:  make(map[int]func(Notification)),
		subscribed: newDeferred[struct{}](),
	}
}

// deliver routes a NotificationResponse to every listener on n.Channel,
// running them concurrently and waiting for all of them, per the
// dispatcher's documented fan-out. A channel with no tracked entry, or
// whose subscribed-latch hasn't resolved yet, is silently dropped: gaps
// are possible between issuing LISTEN and the server honoring it, and a
// notification from before that point belongs to no generation we ever
// confirmed.
func (c *Connection) deliver(n Notification) {
	if c.metrics != nil {
		c.metrics.Notifications.Inc()
	}

	c.listenMu.Lock()
	set, ok := c.channels[n.Channel]
	c.listenMu.Unlock()
	if !ok {
		return
	}

	select {
	case <-set.subscribed.ch():
	default:
		return
	}

	set.mu.Lock()
	fns := make([]func(Notification), 0, len(set.listeners))
	for _, f := range set.listeners {
		fns = append(fns, f)
	}
	set.mu.Unlock()

	var wg sync.WaitGroup
	wg.Add(len(fns))
	for _, f := range fns {
		f := f
		go func() {
			defer wg.Done()
			f(n)
		}()
	}
	wg.Wait()
}

// AddListener registers f against channel, issuing LISTEN the first time
// this connection sees that channel and sharing the existing subscription
// for every call after. f runs on its own goroutine per delivery, but the
// dispatcher waits for every listener before reading the next message, so a
// slow listener slows the whole connection. The returned cancel function
// removes only this registration; removing the last one issues UNLISTEN.
func (c *Connection) AddListener(ctx context.Context, channel string, f func(Notification)) (cancel func(), err error) {
	if err := validateChannelName(channel); err != nil {
		return nil, err
	}

	c.listenMu.Lock()
	set, exists := c.channels[channel]
	if exists {
		set.mu.Lock()
		id := set.nextID
		set.nextID++
		set.listeners[id] = f
		set.mu.Unlock()
		c.listenMu.Unlock()
		return func() { c.removeListener(channel, id) }, nil
	}

	set = newListenerSet()
	id := set.nextID
	set.nextID++
	set.listeners[id] = f
	c.channels[channel] = set
	c.listenMu.Unlock()

	if _, err := c.Execute(ctx, `LISTEN `+quoteIdent(channel)); err != nil {
		c.listenMu.Lock()
		delete(c.channels, channel)
		c.listenMu.Unlock()
		return nil, err
	}

	set.subscribed.resolve(struct{}{})
	return func() { c.removeListener(channel, id) }, nil
}

func (c *Connection) removeListener(channel string, id int) {
	c.listenMu.Lock()
	set, ok := c.channels[channel]
	if !ok {
		c.listenMu.Unlock()
		return
	}

	set.mu.Lock()
	delete(set.listeners, id)
	empty := len(set.listeners) == 0
	set.mu.Unlock()

	if empty {
		delete(c.channels, channel)
	}
	c.listenMu.Unlock()

	if empty {
		_, _ = c.Execute(context.Background(), `UNLISTEN `+quoteIdent(channel))
	}
}

// Listen subscribes to channel and returns a buffered channel of
// deliveries along with an unsubscribe function. A slow consumer drops
// intermediate notifications rather than stall the dispatcher's fan-out;
// LISTEN/NOTIFY is a best-effort signal, not a queue.
func (c *Connection) Listen(ctx context.Context, channel string) (<-chan Notification, func(), error) {
	ch := make(chan Notification, 32)
	cancel, err := c.AddListener(ctx, channel, func(n Notification) {
		select {
		case ch <- n:
		default:
		}
	})
	if err != nil {
		return nil, nil, err
	}
	return ch, cancel, nil
}

// validateChannelName rejects channel names carrying a backslash or double
// quote outright rather than trying to escape them: a name that would need
// escaping inside a LISTEN command is not one this client will trust.
func validateChannelName(channel string) error {
	if strings.ContainsAny(channel, `\"`) {
		return fmt.Errorf("invalid channel name %q: must not contain \\ or \"", channel)
	}
	return nil
}

// quoteIdent double-quotes a SQL identifier for inclusion in a LISTEN/UNLISTEN
// command, the only place this client ever builds SQL text itself rather than
// sending it verbatim from the caller. Callers must validate the identifier
// with validateChannelName first; quoteIdent assumes it contains no quote or
// backslash.
func quoteIdent(ident string) string {
	return `"` + ident + `"`
}
