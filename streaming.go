package pgclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/pgstream/pgclient/codes"
	"github.com/pgstream/pgclient/internal/errs"
	"github.com/pgstream/pgclient/internal/protocol"
	"github.com/pgstream/pgclient/typeregistry"
)

// StreamingQueryResult delivers rows one at a time as they arrive off the
// wire instead of buffering the whole result set. If the consumer stops
// calling Next before the server reports completion, Close drains and
// discards the remaining messages rather than leaving the connection's turn
// lock held or the pipeline desynchronised.
type StreamingQueryResult struct {
	Fields []FieldDescription

	rows   chan rowEvent
	cancel chan struct{}
	done   chan struct{}

	closeOnce  sync.Once
	completion CompletionInfo
	err        error
}

type rowEvent struct {
	row Row
	err error
}

// QueryStreaming is the ad-hoc streaming query path: it Parses the unnamed
// statement, Describes it, and then — without releasing the turn lock or
// waiting for an intervening ReadyForQuery — immediately Binds params and
// begins streaming rows (fused Parse/Bind/Execute). The returned result owns
// the connection's turn lock until the result set is either fully consumed or
// Close is called. Use Prepare plus PreparedStatement.ExecuteStreaming
// instead when the same sql will run repeatedly with different params.
func (c *Connection) QueryStreaming(ctx context.Context, sql string, params ...typeregistry.Value) (*StreamingQueryResult, error) {
	stmt, err := c.parseAndDescribe(ctx, "", sql, nil, true)
	if err != nil {
		return nil, err
	}
	return bindAndStream(c, stmt, params, true)
}

// bindAndStream binds params against stmt and spawns the background reader,
// assuming the turn lock is already held (either by a prior parseAndDescribe
// call or by the caller acquiring it directly around a reused
// PreparedStatement). midCycle says a fused Parse/Describe/Flush precedes
// this Bind, so a failure here must sync the still-open cycle shut before
// the lock is released. The lock is released either here on a Bind error, or
// by run() once the result is fully consumed.
func bindAndStream(c *Connection, stmt *PreparedStatement, params []typeregistry.Value, midCycle bool) (*StreamingQueryResult, error) {
	if err := c.bindExecuteConsumingLock(stmt, params); err != nil {
		if midCycle {
			c.syncAndDrain()
		}
		c.lock.release()
		return nil, err
	}

	result := &StreamingQueryResult{
		Fields: stmt.fields,
		rows:   make(chan rowEvent),
		cancel: make(chan struct{}),
		done:   make(chan struct{}),
	}

	go result.run(c)

	return result, nil
}

func (r *StreamingQueryResult) run(c *Connection) {
	defer close(r.done)
	defer close(r.rows)
	defer c.lock.release()

	draining := false

	for {
		msg, err := c.recv()
		if err != nil {
			// When the event is delivered the consumer records it from Next;
			// only keep it here if the consumer is already gone, so the two
			// sides never write err concurrently.
			if draining || !r.deliver(rowEvent{err: err}) {
				r.err = err
			}
			return
		}

		switch msg.tag {
		case protocol.ServerBindComplete:
			continue

		case protocol.ServerDataRow:
			if draining {
				continue
			}
			row, err := decodeDataRow(c, r.Fields, msg)
			if err != nil {
				r.deliver(rowEvent{err: err})
				draining = true
				continue
			}
			if !r.deliver(rowEvent{row: row}) {
				draining = true
			}

		case protocol.ServerEmptyQuery:
			continue

		case protocol.ServerCommandComplete:
			tag, err := newBodyReader(msg.body).GetString()
			if err == nil {
				r.completion = parseCompletionInfo(tag)
			}

		case protocol.ServerErrorResponse:
			pgErr, err := parseErrorFields(newBodyReader(msg.body))
			if err == nil {
				if draining || !r.deliver(rowEvent{err: pgErr}) {
					r.err = pgErr
				}
			}
			draining = true

		case protocol.ServerReady:
			return

		default:
			if !draining {
				r.deliver(rowEvent{err: errs.WithCode(fmt.Errorf("streaming query: unexpected message %q", msg.tag), codes.ProtocolViolation)})
			}
			draining = true
		}
	}
}

// deliver sends ev to the consumer unless Close has already been called, in
// which case it reports that the result is draining.
func (r *StreamingQueryResult) deliver(ev rowEvent) bool {
	select {
	case r.rows <- ev:
		return true
	case <-r.cancel:
		return false
	}
}

// Next blocks for the next row. It returns false once the result set is
// exhausted or an error occurred; call Err afterward to distinguish the two.
func (r *StreamingQueryResult) Next() (Row, bool) {
	ev, ok := <-r.rows
	if !ok {
		return Row{}, false
	}
	if ev.err != nil {
		r.err = ev.err
		return Row{}, false
	}
	return ev.row, true
}

// Err returns the first error encountered while streaming, if any.
func (r *StreamingQueryResult) Err() error { return r.err }

// Completion returns the CommandComplete summary. It is only valid once Next
// has returned false with a nil Err.
func (r *StreamingQueryResult) Completion() CompletionInfo { return r.completion }

// Buffer consumes every remaining row into a BufferedQueryResult, for
// callers that started streaming but decided they want the whole result set
// in memory after all.
func (r *StreamingQueryResult) Buffer() (*BufferedQueryResult, error) {
	result := &BufferedQueryResult{Fields: r.Fields}
	for {
		row, ok := r.Next()
		if !ok {
			break
		}
		result.Rows = append(result.Rows, row)
	}
	if err := r.Err(); err != nil {
		return nil, err
	}
	result.Completion = r.Completion()
	return result, nil
}

// Close stops consuming early if rows remain, draining the rest of the
// pipeline on the connection's behalf so the turn lock is released cleanly.
func (r *StreamingQueryResult) Close() {
	r.closeOnce.Do(func() {
		close(r.cancel)
	})
	<-r.done
}
