package pgclient

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/pgstream/pgclient/codes"
	"github.com/pgstream/pgclient/internal/errs"
	"github.com/pgstream/pgclient/internal/frame"
	"github.com/pgstream/pgclient/internal/protocol"
	"github.com/pgstream/pgclient/typeregistry"
)

// FieldDescription is one column of a RowDescription, naming the format the
// rest of the pipeline will decode that column's values with.
type FieldDescription struct {
	Name      string
	TableOID  uint32
	Column    int16
	TypeOID   uint32
	TypeSize  int16
	TypeMod   int32
	FormatCode protocol.FormatCode
}

// PreparedStatement is the result of Parse+Describe+Sync: a named statement
// the server has already planned, ready for repeated Bind/Execute cycles.
type PreparedStatement struct {
	conn      *Connection
	name      string
	sql       string
	paramOIDs []uint32
	fields    []FieldDescription
}

var statementCounter int64

func nextStatementName() string {
	n := atomic.AddInt64(&statementCounter, 1)
	return fmt.Sprintf("pgclient_stmt_%d", n)
}

// Prepare plans sql against the server, inferring parameter types from
// paramOIDs (pass a nil/zero OID to let the server infer it from context).
func (c *Connection) Prepare(ctx context.Context, sql string, paramOIDs []uint32) (*PreparedStatement, error) {
	stmt, err := c.parseAndDescribe(ctx, nextStatementName(), sql, paramOIDs, false)
	if err != nil {
		return nil, err
	}
	c.lock.release()
	return stmt, nil
}

// parseAndDescribe runs Parse+Describe('S') for name/sql and reads the reply
// through ParseComplete/ParameterDescription/RowDescription (or NoData). It
// acquires the turn lock and, on success, deliberately leaves it held.
//
// In fused mode (the ad-hoc query path) it follows Describe with a Flush
// rather than a Sync: the server sends the describe replies immediately but
// the command cycle stays open, so the caller's Bind/Execute/Sync that
// follows shares the one cycle and the one ReadyForQuery. Otherwise (named
// Prepare) it syncs and consumes the ReadyForQuery itself. On any error the
// cycle has been synced shut and the lock released.
func (c *Connection) parseAndDescribe(ctx context.Context, name, sql string, paramOIDs []uint32, fused bool) (*PreparedStatement, error) {
	if err := c.lock.acquire(ctx, c.closed.ch()); err != nil {
		return nil, err
	}

	c.writer.Start(protocol.ClientParse)
	c.writer.AddString(name)
	c.writer.AddString(sql)
	c.writer.AddInt16(int16(len(paramOIDs)))
	for _, oid := range paramOIDs {
		c.writer.AddUint32(oid)
	}
	if err := c.writer.End(); err != nil {
		c.lock.release()
		return nil, err
	}

	c.writer.Start(protocol.ClientDescribe)
	c.writer.AddByte('S')
	c.writer.AddString(name)
	if err := c.writer.End(); err != nil {
		c.lock.release()
		return nil, err
	}

	if fused {
		c.writer.Start(protocol.ClientFlush)
	} else {
		c.writer.Start(protocol.ClientSync)
	}
	if err := c.writer.End(); err != nil {
		c.lock.release()
		return nil, err
	}

	stmt := &PreparedStatement{conn: c, name: name, sql: sql}
	if len(paramOIDs) > 0 {
		stmt.paramOIDs = append([]uint32(nil), paramOIDs...)
	}

	for {
		msg, err := c.recv()
		if err != nil {
			c.lock.release()
			return nil, err
		}

		switch msg.tag {
		case protocol.ServerParseComplete:
			continue

		case protocol.ServerParameterDescription:
			oids, err := frame.GetArray(newBodyReader(msg.body), func(r *frame.Reader) (uint32, error) {
				return r.GetUint32()
			})
			if err != nil {
				c.lock.release()
				return nil, err
			}
			if len(stmt.paramOIDs) == 0 {
				stmt.paramOIDs = oids
			} else {
				// A zero OID asked the server to infer the type; adopt what
				// it resolved.
				for i, oid := range oids {
					if i < len(stmt.paramOIDs) && stmt.paramOIDs[i] == 0 {
						stmt.paramOIDs[i] = oid
					}
				}
			}
			continue

		case protocol.ServerRowDescription, protocol.ServerNoData:
			fields, err := decodeRowDescription(msg)
			if err != nil {
				if fused {
					c.syncAndDrain()
				}
				c.lock.release()
				return nil, err
			}
			stmt.fields = fields
			if fused {
				// No ReadyForQuery is coming yet: the cycle stays open for
				// the caller's Bind/Execute/Sync.
				return stmt, nil
			}

		case protocol.ServerErrorResponse:
			pgErr, err := parseErrorFields(newBodyReader(msg.body))
			if err != nil {
				c.lock.release()
				return nil, err
			}
			if fused {
				// Only a Sync coaxes the ReadyForQuery out of an aborted
				// cycle; the Flush alone never will.
				c.syncAndDrain()
			} else {
				c.drainUntilReady()
			}
			c.lock.release()
			return nil, pgErr

		case protocol.ServerReady:
			return stmt, nil

		default:
			if fused {
				c.syncAndDrain()
			}
			c.lock.release()
			return nil, errs.WithCode(fmt.Errorf("prepare: unexpected message %q", msg.tag), codes.ProtocolViolation)
		}
	}
}

// syncAndDrain closes an extended-query cycle that was left open (Flush but
// no Sync yet) after a failure partway through the fused pipeline: the
// server still owes a ReadyForQuery, and the lock must not be released
// before it arrives.
func (c *Connection) syncAndDrain() {
	c.writer.Start(protocol.ClientSync)
	if err := c.writer.End(); err != nil {
		return
	}
	c.drainUntilReady()
}

// Params returns the parameter type OIDs the server resolved for s.
func (s *PreparedStatement) Params() []uint32 { return s.paramOIDs }

// Columns returns the result set's column descriptions.
func (s *PreparedStatement) Columns() []FieldDescription { return s.fields }

// Execute binds params against the already-planned statement and reads every
// row into a BufferedQueryResult. Unlike Connection.Execute, s may be reused
// across repeated calls with different params.
func (s *PreparedStatement) Execute(ctx context.Context, params ...typeregistry.Value) (*BufferedQueryResult, error) {
	c := s.conn
	if err := c.lock.acquire(ctx, c.closed.ch()); err != nil {
		return nil, err
	}
	defer c.lock.release()

	if err := c.bindExecuteConsumingLock(s, params); err != nil {
		return nil, err
	}
	return c.readBufferedResult(s.fields)
}

// ExecuteStreaming is the streaming counterpart of Execute: it binds params
// against the already-planned statement and begins streaming rows. The
// returned result owns the connection's turn lock until fully consumed or
// closed.
func (s *PreparedStatement) ExecuteStreaming(ctx context.Context, params ...typeregistry.Value) (*StreamingQueryResult, error) {
	c := s.conn
	if err := c.lock.acquire(ctx, c.closed.ch()); err != nil {
		return nil, err
	}
	return bindAndStream(c, s, params, false)
}

// Close releases the statement on the server (Close('S', name) + Sync),
// ensuring repeated Prepare calls on a long-lived connection don't leak
// server-side plans.
func (s *PreparedStatement) Close(ctx context.Context) error {
	c := s.conn
	if err := c.lock.acquire(ctx, c.closed.ch()); err != nil {
		return err
	}
	defer c.lock.release()

	c.writer.Start(protocol.ClientClose)
	c.writer.AddByte('S')
	c.writer.AddString(s.name)
	if err := c.writer.End(); err != nil {
		return err
	}

	c.writer.Start(protocol.ClientSync)
	if err := c.writer.End(); err != nil {
		return err
	}

	for {
		msg, err := c.recv()
		if err != nil {
			return err
		}
		switch msg.tag {
		case protocol.ServerCloseComplete:
			continue
		case protocol.ServerReady:
			return nil
		case protocol.ServerErrorResponse:
			pgErr, err := parseErrorFields(newBodyReader(msg.body))
			if err != nil {
				return err
			}
			c.drainUntilReady()
			return pgErr
		default:
			return errs.WithCode(fmt.Errorf("close statement: unexpected message %q", msg.tag), codes.ProtocolViolation)
		}
	}
}

// drainUntilReady consumes messages up to and including the next
// ReadyForQuery, the recovery path after an ErrorResponse aborts the current
// extended-query cycle: the server still owes one ReadyForQuery before a new
// cycle may start.
func (c *Connection) drainUntilReady() {
	for {
		msg, err := c.recv()
		if err != nil || msg.tag == protocol.ServerReady {
			return
		}
	}
}
