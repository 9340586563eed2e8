package pgclient

import (
	"github.com/pgstream/pgclient/internal/errs"
	"github.com/pgstream/pgclient/internal/protocol"
)

// dispatch is the single background reader goroutine: it owns the socket's
// read side for the lifetime of the connection, demultiplexing asynchronous
// server traffic (ParameterStatus, NoticeResponse, NotificationResponse)
// from the synchronous replies a query is waiting on. Exactly one query can
// be in flight at a time (turnLock), so every other tag is simply handed to
// resp for that query's state machine to consume in order.
func (c *Connection) dispatch() {
	for {
		tag, _, err := c.reader.ReadTypedMsg()
		if err != nil {
			c.failAll(err)
			return
		}

		switch tag {
		case protocol.ServerParameterStatus:
			key, kerr := c.reader.GetString()
			val, verr := c.reader.GetString()
			if kerr == nil && verr == nil {
				c.setParam(key, val)
			}
			continue

		case protocol.ServerNoticeResponse:
			notice, err := parseErrorFields(c.reader)
			if err == nil {
				c.logger.Debug("server notice", "severity", notice.Severity, "message", notice.Message)
				if c.notice != nil {
					c.notice(notice)
				}
			}
			continue

		case protocol.ServerNotificationResponse:
			pid, _ := c.reader.GetInt32()
			channel, _ := c.reader.GetString()
			payload, _ := c.reader.GetString()
			c.deliver(Notification{Channel: channel, Payload: payload, PID: pid})
			continue

		case protocol.ServerErrorResponse:
			body := make([]byte, len(c.reader.Msg))
			copy(body, c.reader.Msg)
			c.reader.Msg = c.reader.Msg[:0]

			if pgErr, err := parseErrorFields(newBodyReader(body)); err == nil && errs.IsFatal(errs.Severity(pgErr.Severity)) {
				// FATAL/PANIC ends the session outright, but the query loop
				// that sent this command still gets to see the real
				// ErrorResponse: forward it in addition to resolving closed.
				// The forward is best-effort (closed is already resolved), so
				// recv may return either pgErr or ErrConnectionClosed; Err
				// always reports pgErr.
				c.logger.Debug("connection read loop ended", "err", pgErr)
				c.closed.resolve(pgErr)
				c.resp.trySend(frameMsg{tag: tag, body: body})
				return
			}
			if !c.resp.sendOrDone(frameMsg{tag: tag, body: body}, c.closed.ch()) {
				return
			}
			continue
		}

		body := make([]byte, len(c.reader.Msg))
		copy(body, c.reader.Msg)
		c.reader.Msg = c.reader.Msg[:0]
		if !c.resp.sendOrDone(frameMsg{tag: tag, body: body}, c.closed.ch()) {
			return
		}
	}
}

// failAll unblocks any goroutine waiting on a reply once the read loop dies
// or the server sends a FATAL/PANIC ErrorResponse, so a broken connection
// surfaces as err (or ErrConnectionClosed, via recv) rather than a silent
// hang. The sentinel send is best-effort: a goroutine already blocked in
// recv is released via closed's channel closing, not this send.
func (c *Connection) failAll(err error) {
	select {
	case <-c.closed.ch():
		// Close already settled the latch; this read error is just the loop
		// observing its own socket teardown.
	default:
		c.logger.Debug("connection read loop ended", "err", err)
	}
	c.closed.resolve(err)
	c.resp.trySend(frameMsg{tag: 0, body: nil})
}

// recv blocks for the next query-path frame, or returns ErrConnectionClosed
// if the dispatcher has already died.
func (c *Connection) recv() (frameMsg, error) {
	select {
	case m := <-c.resp.ch:
		if m.tag == 0 && m.body == nil {
			return frameMsg{}, ErrConnectionClosed
		}
		return m, nil
	case <-c.closed.ch():
		return frameMsg{}, ErrConnectionClosed
	}
}
