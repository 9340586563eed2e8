package pgclient

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pgstream/pgclient/codes"
	"github.com/pgstream/pgclient/internal/errs"
	"github.com/pgstream/pgclient/internal/protocol"
	"github.com/pgstream/pgclient/typeregistry"
)

func decodeRowDescription(msg frameMsg) ([]FieldDescription, error) {
	if msg.tag == protocol.ServerNoData {
		return nil, nil
	}

	r := newBodyReader(msg.body)
	count, err := r.GetInt16()
	if err != nil {
		return nil, err
	}

	fields := make([]FieldDescription, count)
	for i := range fields {
		name, err := r.GetString()
		if err != nil {
			return nil, err
		}
		tableOID, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		col, err := r.GetInt16()
		if err != nil {
			return nil, err
		}
		typeOID, err := r.GetUint32()
		if err != nil {
			return nil, err
		}
		typeSize, err := r.GetInt16()
		if err != nil {
			return nil, err
		}
		typeMod, err := r.GetInt32()
		if err != nil {
			return nil, err
		}
		format, err := r.GetInt16()
		if err != nil {
			return nil, err
		}
		fields[i] = FieldDescription{
			Name: name, TableOID: tableOID, Column: col,
			TypeOID: typeOID, TypeSize: typeSize, TypeMod: typeMod,
			FormatCode: protocol.FormatCode(format),
		}
	}
	return fields, nil
}

// Row is a single decoded DataRow.
type Row struct {
	fields []FieldDescription
	values []typeregistry.Value
}

// Value returns the decoded value of the named column.
func (r Row) Value(name string) (typeregistry.Value, bool) {
	for i, f := range r.fields {
		if f.Name == name {
			return r.values[i], true
		}
	}
	return typeregistry.Value{}, false
}

// At returns the decoded value at column index i.
func (r Row) At(i int) typeregistry.Value { return r.values[i] }

// Fields returns the column descriptions for this row's result set.
func (r Row) Fields() []FieldDescription { return r.fields }

// CompletionInfo is the parsed form of a CommandComplete tag, e.g.
// "INSERT 0 3" or "SELECT 5".
type CompletionInfo struct {
	Command string
	Rows    int64
}

func parseCompletionInfo(tag string) CompletionInfo {
	parts := strings.Fields(tag)
	if len(parts) == 0 {
		return CompletionInfo{}
	}
	info := CompletionInfo{Command: parts[0]}
	if n, err := strconv.ParseInt(parts[len(parts)-1], 10, 64); err == nil {
		info.Rows = n
	}
	return info
}

// BufferedQueryResult is the outcome of Execute: every row read into memory
// up front.
type BufferedQueryResult struct {
	Fields     []FieldDescription
	Rows       []Row
	Completion CompletionInfo
}

// bindExecuteConsumingLock writes Bind+Execute(0)+Sync for the named (or
// unnamed "") statement with the given binary-encoded parameters, using
// registry to encode each value against its known paramOID. It assumes the
// turn lock is already held, either by a prior parseAndDescribe call (the
// fused ad-hoc path) or by the caller acquiring it directly around a reused
// PreparedStatement.
func (c *Connection) bindExecuteConsumingLock(stmt *PreparedStatement, params []typeregistry.Value) error {
	if len(params) != len(stmt.paramOIDs) {
		return errs.WithCode(fmt.Errorf("expected %d parameters, got %d", len(stmt.paramOIDs), len(params)), codes.SyntaxErrorOrAccessRuleViolation)
	}

	portal := ""

	c.writer.Start(protocol.ClientBind)
	c.writer.AddString(portal)
	c.writer.AddString(stmt.name)

	c.writer.AddInt16(int16(len(params)))
	for range params {
		c.writer.AddInt16(int16(protocol.BinaryFormat))
	}

	c.writer.AddInt16(int16(len(params)))
	for i, p := range params {
		if p.IsNull() {
			c.writer.AddInt32(-1)
			continue
		}
		encoded, err := c.registry.Send(stmt.paramOIDs[i], p)
		if err != nil {
			return fmt.Errorf("Error sending param $%d: %w", i+1, err)
		}
		c.writer.AddInt32(int32(len(encoded)))
		c.writer.AddBytes(encoded)
	}

	c.writer.AddInt16(1)
	c.writer.AddInt16(int16(protocol.BinaryFormat))
	if err := c.writer.End(); err != nil {
		return err
	}

	c.writer.Start(protocol.ClientExecute)
	c.writer.AddString(portal)
	c.writer.AddInt32(0)
	if err := c.writer.End(); err != nil {
		return err
	}

	c.writer.Start(protocol.ClientSync)
	return c.writer.End()
}

// Execute is the ad-hoc query path: it Parses the unnamed statement,
// Describes it, and then — without releasing the turn lock or waiting for an
// intervening ReadyForQuery — immediately Binds params and Executes it (fused
// Parse/Bind/Execute). Use Prepare plus PreparedStatement.Execute instead when
// the same sql will run repeatedly with different params.
func (c *Connection) Execute(ctx context.Context, sql string, params ...typeregistry.Value) (result *BufferedQueryResult, err error) {
	start := time.Now()
	defer func() {
		command := ""
		if result != nil {
			command = result.Completion.Command
		}
		c.metrics.observeQuery(command, start, err)
	}()

	stmt, err := c.parseAndDescribe(ctx, "", sql, nil, true)
	if err != nil {
		return nil, err
	}
	defer c.lock.release()

	if err := c.bindExecuteConsumingLock(stmt, params); err != nil {
		// The cycle is still open after the Flush; sync it shut so the lock
		// is only released in a clean state.
		c.syncAndDrain()
		return nil, err
	}

	result, err = c.readBufferedResult(stmt.fields)
	return result, err
}

// readBufferedResult reads an extended-query reply (BindComplete through
// ReadyForQuery) into a BufferedQueryResult, assuming Bind/Execute/Sync have
// already been written.
func (c *Connection) readBufferedResult(fields []FieldDescription) (*BufferedQueryResult, error) {
	result := &BufferedQueryResult{Fields: fields}

	for {
		msg, err := c.recv()
		if err != nil {
			return nil, err
		}

		switch msg.tag {
		case protocol.ServerBindComplete:
			continue

		case protocol.ServerDataRow:
			row, err := decodeDataRow(c, fields, msg)
			if err != nil {
				return nil, err
			}
			result.Rows = append(result.Rows, row)

		case protocol.ServerEmptyQuery:
			continue

		case protocol.ServerCommandComplete:
			tag, err := newBodyReader(msg.body).GetString()
			if err != nil {
				return nil, err
			}
			result.Completion = parseCompletionInfo(tag)

		case protocol.ServerErrorResponse:
			pgErr, err := parseErrorFields(newBodyReader(msg.body))
			if err != nil {
				return nil, err
			}
			c.drainUntilReady()
			return nil, pgErr

		case protocol.ServerReady:
			return result, nil

		default:
			return nil, errs.WithCode(fmt.Errorf("execute: unexpected message %q", msg.tag), codes.ProtocolViolation)
		}
	}
}

func decodeDataRow(c *Connection, fields []FieldDescription, msg frameMsg) (Row, error) {
	r := newBodyReader(msg.body)
	count, err := r.GetInt16()
	if err != nil {
		return Row{}, err
	}
	if int(count) != len(fields) {
		return Row{}, errs.WithCode(fmt.Errorf("data row carries %d values for %d described columns", count, len(fields)), codes.ProtocolViolation)
	}

	values := make([]typeregistry.Value, count)
	for i := 0; i < int(count); i++ {
		length, err := r.GetInt32()
		if err != nil {
			return Row{}, err
		}
		if length < 0 {
			values[i] = typeregistry.Null()
			continue
		}
		raw, err := r.GetBytes(int(length))
		if err != nil {
			return Row{}, err
		}
		v, err := c.registry.Recv(fields[i].TypeOID, raw)
		if err != nil {
			return Row{}, fmt.Errorf("Error receiving column $%d: %w", i+1, err)
		}
		values[i] = v
	}

	return Row{fields: fields, values: values}, nil
}
