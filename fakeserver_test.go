package pgclient

import (
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/neilotoole/slogt"

	"github.com/pgstream/pgclient/internal/frame"
	"github.com/pgstream/pgclient/internal/protocol"
	"github.com/pgstream/pgclient/typeregistry"
)

// The package under test is the client half of the protocol, so these tests
// need the server half: a real net.Listen("tcp", ...) listener with a
// hand-written PostgreSQL backend behind it, canned-answering exact SQL text
// instead of implementing a SQL engine. The backend reuses the client's own
// frame.Writer to author its frames; since Writer.Start is typed for
// ClientMessage tags, serverTag cross-casts a ServerMessage tag into it.

func serverTag(t protocol.ServerMessage) protocol.ClientMessage {
	return protocol.ClientMessage(t)
}

func encodeInt4(v int32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(v))
	return b
}

func decodeInt4(b []byte) int32 {
	return int32(binary.BigEndian.Uint32(b))
}

// fakeColumn describes one output column of a canned query result.
type fakeColumn struct {
	name string
	oid  uint32
}

// fakeError is a canned ErrorResponse.
type fakeError struct {
	severity string
	code     string
	message  string
}

// fakeResult is the canned reply to a single query text, keyed by its exact
// SQL. rows, when non-nil, is invoked with the bound parameter bytes at Bind
// time to compute the rows for this invocation (a nil rows yields no rows),
// letting the same statement answer differently across repeated Bind/Execute
// cycles (needed for the prepared-statement-reuse test).
type fakeResult struct {
	columns   []fakeColumn
	paramOIDs []uint32
	rows      func(params [][]byte) [][][]byte
	command   func(nrows int) string
	err       *fakeError
}

func selectResult(col fakeColumn, paramOIDs []uint32, rows func(params [][]byte) [][][]byte) fakeResult {
	return fakeResult{
		columns:   []fakeColumn{col},
		paramOIDs: paramOIDs,
		rows:      rows,
		command:   func(n int) string { return fmt.Sprintf("SELECT %d", n) },
	}
}

func errorResult(severity, code, message string) fakeResult {
	return fakeResult{err: &fakeError{severity: severity, code: code, message: message}}
}

// fakeNotify is a NotificationResponse to push down the next connection's
// socket the moment the harness is asked to.
type fakeNotify struct {
	pid     int32
	channel string
	payload string
}

// fakeServer is a hand-written PostgreSQL v3 backend used only to drive this
// client's wire handling in tests: it canned-responds to exact SQL text via
// a handler table rather than implementing a SQL engine.
type fakeServer struct {
	t        testing.TB
	listener net.Listener

	mu      sync.Mutex
	queries map[string]fakeResult

	notify chan fakeNotify

	paramsMu          sync.Mutex
	lastStartupParams map[string]string
}

func newFakeServer(t testing.TB) *fakeServer {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &fakeServer{
		t:        t,
		listener: ln,
		queries:  make(map[string]fakeResult),
		notify:   make(chan fakeNotify, 8),
	}
	t.Cleanup(func() { ln.Close() })

	s.on(typeregistry.LoaderQuery, fakeResult{
		columns: []fakeColumn{
			{name: "oid", oid: OIDInt4},
			{name: "typname", oid: OIDText},
			{name: "typtype", oid: OIDText},
			{name: "typelem", oid: OIDInt4},
			{name: "typreceive", oid: OIDText},
			{name: "typsend", oid: OIDText},
			{name: "attrtypids", oid: OIDInt4Array},
		},
		rows:    func([][]byte) [][][]byte { return nil },
		command: func(n int) string { return fmt.Sprintf("SELECT %d", n) },
	})

	go s.acceptLoop()
	return s
}

func (s *fakeServer) addr() string { return s.listener.Addr().String() }

// hostPort splits addr into a host/port pair suitable for ConnectConfig.
func (s *fakeServer) hostPort(t testing.TB) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(s.addr())
	if err != nil {
		t.Fatalf("split addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

// startupParam returns the value the most recently handshaked connection
// sent for key in its StartupMessage.
func (s *fakeServer) startupParam(key string) string {
	s.paramsMu.Lock()
	defer s.paramsMu.Unlock()
	return s.lastStartupParams[key]
}

func (s *fakeServer) on(sql string, result fakeResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queries[sql] = result
}

func (s *fakeServer) resultFor(sql string) (fakeResult, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.queries[sql]
	return r, ok
}

// pushNotify queues a NotificationResponse on the server's shared notify
// channel; whichever served connection takes it next emits it, so each
// notification reaches exactly one connection. This mirrors how a real server's
// NOTIFY can arrive at any time rather than only in reply to a query.
func (s *fakeServer) pushNotify(pid int32, channel, payload string) {
	s.notify <- fakeNotify{pid: pid, channel: channel, payload: payload}
}

func (s *fakeServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		go s.serve(conn)
	}
}

type fakeStmt struct {
	result fakeResult
}

type fakePortal struct {
	columns []fakeColumn
	rows    [][][]byte
	command func(int) string
}

func (s *fakeServer) serve(conn net.Conn) {
	defer conn.Close()

	reader := frame.NewReader(nil, conn, frame.DefaultBufferSize)
	writer := frame.NewWriter(nil, conn)
	var writeMu sync.Mutex

	if err := s.handshake(reader, writer, &writeMu); err != nil {
		return
	}

	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			select {
			case n := <-s.notify:
				writeMu.Lock()
				_ = writeNotification(writer, n)
				writeMu.Unlock()
			case <-done:
				return
			}
		}
	}()

	stmts := make(map[string]*fakeStmt)
	portals := make(map[string]*fakePortal)
	errored := false

	for {
		tag, _, err := reader.ReadTypedMsg()
		if err != nil {
			return
		}

		writeMu.Lock()
		err = s.handleMessage(reader, writer, protocol.ClientMessage(tag), stmts, portals, &errored)
		writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

func (s *fakeServer) handleMessage(
	reader *frame.Reader,
	writer *frame.Writer,
	tag protocol.ClientMessage,
	stmts map[string]*fakeStmt,
	portals map[string]*fakePortal,
	errored *bool,
) error {
	switch tag {
	case protocol.ClientParse:
		name, err := reader.GetString()
		if err != nil {
			return err
		}
		sql, err := reader.GetString()
		if err != nil {
			return err
		}
		if _, err := frame.GetArray(reader, func(r *frame.Reader) (uint32, error) { return r.GetUint32() }); err != nil {
			return err
		}

		if *errored {
			return nil
		}

		result, ok := lookupResult(s, sql)
		if !ok {
			result = errorResult("ERROR", "42601", fmt.Sprintf("syntax error at or near %q", sql))
		}
		if result.err != nil {
			*errored = true
			return writeErrorResponse(writer, result.err)
		}

		stmts[name] = &fakeStmt{result: result}
		return writeEmpty(writer, protocol.ServerParseComplete)

	case protocol.ClientDescribe:
		kind, err := reader.GetByte()
		if err != nil {
			return err
		}
		name, err := reader.GetString()
		if err != nil {
			return err
		}
		if *errored || kind != 'S' {
			return nil
		}

		stmt, ok := stmts[name]
		if !ok {
			*errored = true
			return writeErrorResponse(writer, &fakeError{severity: "ERROR", code: "26000", message: fmt.Sprintf("prepared statement %q does not exist", name)})
		}

		if err := writeParameterDescription(writer, stmt.result.paramOIDs); err != nil {
			return err
		}
		if len(stmt.result.columns) == 0 {
			return writeEmpty(writer, protocol.ServerNoData)
		}
		return writeRowDescription(writer, stmt.result.columns)

	case protocol.ClientBind:
		portalName, err := reader.GetString()
		if err != nil {
			return err
		}
		stmtName, err := reader.GetString()
		if err != nil {
			return err
		}
		params, err := readBindParams(reader)
		if err != nil {
			return err
		}
		if _, err := frame.GetArray(reader, func(r *frame.Reader) (int16, error) { return r.GetInt16() }); err != nil {
			return err
		}

		if *errored {
			return nil
		}

		stmt, ok := stmts[stmtName]
		if !ok {
			*errored = true
			return writeErrorResponse(writer, &fakeError{severity: "ERROR", code: "26000", message: fmt.Sprintf("prepared statement %q does not exist", stmtName)})
		}

		var rows [][][]byte
		if stmt.result.rows != nil {
			rows = stmt.result.rows(params)
		}
		portals[portalName] = &fakePortal{columns: stmt.result.columns, rows: rows, command: stmt.result.command}
		return writeEmpty(writer, protocol.ServerBindComplete)

	case protocol.ClientExecute:
		portalName, err := reader.GetString()
		if err != nil {
			return err
		}
		if _, err := reader.GetInt32(); err != nil {
			return err
		}
		if *errored {
			return nil
		}

		portal, ok := portals[portalName]
		if !ok {
			*errored = true
			return writeErrorResponse(writer, &fakeError{severity: "ERROR", code: "34000", message: fmt.Sprintf("portal %q does not exist", portalName)})
		}

		for _, row := range portal.rows {
			if err := writeDataRow(writer, row); err != nil {
				return err
			}
		}
		tag := "SELECT 0"
		if portal.command != nil {
			tag = portal.command(len(portal.rows))
		}
		return writeCommandComplete(writer, tag)

	case protocol.ClientClose:
		kind, err := reader.GetByte()
		if err != nil {
			return err
		}
		name, err := reader.GetString()
		if err != nil {
			return err
		}
		if kind == 'S' {
			delete(stmts, name)
		} else {
			delete(portals, name)
		}
		return writeEmpty(writer, protocol.ServerCloseComplete)

	case protocol.ClientFlush:
		// Replies are written eagerly above, so there is nothing buffered to
		// push out.
		return nil

	case protocol.ClientSync:
		*errored = false
		return writeReady(writer)

	case protocol.ClientTerminate:
		return io.EOF

	default:
		return fmt.Errorf("fakeserver: unexpected client message %q", byte(tag))
	}
}

// lookupResult resolves sql against the registered fixtures, special-casing
// LISTEN/UNLISTEN (whose exact text varies by channel name) as an
// always-succeeding command with no result columns.
func lookupResult(s *fakeServer, sql string) (fakeResult, bool) {
	if r, ok := s.resultFor(sql); ok {
		return r, true
	}
	if strings.HasPrefix(sql, "LISTEN ") || strings.HasPrefix(sql, "UNLISTEN ") {
		cmd := "LISTEN"
		if strings.HasPrefix(sql, "UNLISTEN ") {
			cmd = "UNLISTEN"
		}
		return fakeResult{command: func(int) string { return cmd }}, true
	}
	return fakeResult{}, false
}

func readBindParams(reader *frame.Reader) ([][]byte, error) {
	if _, err := frame.GetArray(reader, func(r *frame.Reader) (int16, error) { return r.GetInt16() }); err != nil {
		return nil, err
	}

	count, err := reader.GetInt16()
	if err != nil {
		return nil, err
	}

	params := make([][]byte, count)
	for i := range params {
		length, err := reader.GetInt32()
		if err != nil {
			return nil, err
		}
		if length < 0 {
			continue
		}
		raw, err := reader.GetBytes(int(length))
		if err != nil {
			return nil, err
		}
		params[i] = append([]byte(nil), raw...)
	}
	return params, nil
}

func (s *fakeServer) handshake(reader *frame.Reader, writer *frame.Writer, writeMu *sync.Mutex) error {
	if _, err := reader.ReadUntypedMsg(); err != nil {
		return err
	}
	if _, err := reader.GetInt32(); err != nil {
		return err
	}
	startup := make(map[string]string)
	for {
		key, err := reader.GetString()
		if err != nil {
			return err
		}
		if key == "" {
			break
		}
		value, err := reader.GetString()
		if err != nil {
			return err
		}
		startup[key] = value
	}
	s.paramsMu.Lock()
	s.lastStartupParams = startup
	s.paramsMu.Unlock()

	writeMu.Lock()
	defer writeMu.Unlock()

	writer.Start(serverTag(protocol.ServerAuth))
	writer.AddInt32(int32(protocol.AuthOK))
	if err := writer.End(); err != nil {
		return err
	}

	params := [][2]string{
		{"integer_datetimes", "on"},
		{"client_encoding", "UTF8"},
		{"server_version", "16.0"},
	}
	for _, kv := range params {
		writer.Start(serverTag(protocol.ServerParameterStatus))
		writer.AddString(kv[0])
		writer.AddString(kv[1])
		if err := writer.End(); err != nil {
			return err
		}
	}

	writer.Start(serverTag(protocol.ServerBackendKeyData))
	writer.AddInt32(4242)
	writer.AddInt32(1234)
	if err := writer.End(); err != nil {
		return err
	}

	return writeReady(writer)
}

func writeEmpty(writer *frame.Writer, tag protocol.ServerMessage) error {
	writer.Start(serverTag(tag))
	return writer.End()
}

func writeReady(writer *frame.Writer) error {
	writer.Start(serverTag(protocol.ServerReady))
	writer.AddByte(byte(protocol.ServerIdle))
	return writer.End()
}

func writeErrorResponse(writer *frame.Writer, e *fakeError) error {
	writer.Start(serverTag(protocol.ServerErrorResponse))
	writer.AddByte('S')
	writer.AddString(e.severity)
	writer.AddByte('C')
	writer.AddString(e.code)
	writer.AddByte('M')
	writer.AddString(e.message)
	writer.AddByte(0)
	return writer.End()
}

func writeNotification(writer *frame.Writer, n fakeNotify) error {
	writer.Start(serverTag(protocol.ServerNotificationResponse))
	writer.AddInt32(n.pid)
	writer.AddString(n.channel)
	writer.AddString(n.payload)
	return writer.End()
}

func writeParameterDescription(writer *frame.Writer, oids []uint32) error {
	writer.Start(serverTag(protocol.ServerParameterDescription))
	frame.AddArray(writer, oids, func(w *frame.Writer, oid uint32) { w.AddUint32(oid) })
	return writer.End()
}

func writeRowDescription(writer *frame.Writer, columns []fakeColumn) error {
	writer.Start(serverTag(protocol.ServerRowDescription))
	writer.AddInt16(int16(len(columns)))
	for _, c := range columns {
		writer.AddString(c.name)
		writer.AddUint32(0)
		writer.AddInt16(0)
		writer.AddUint32(c.oid)
		writer.AddInt16(-1)
		writer.AddInt32(-1)
		writer.AddInt16(int16(protocol.BinaryFormat))
	}
	return writer.End()
}

func writeDataRow(writer *frame.Writer, row [][]byte) error {
	writer.Start(serverTag(protocol.ServerDataRow))
	writer.AddInt16(int16(len(row)))
	for _, v := range row {
		if v == nil {
			writer.AddInt32(-1)
			continue
		}
		writer.AddInt32(int32(len(v)))
		writer.AddBytes(v)
	}
	return writer.End()
}

func writeCommandComplete(writer *frame.Writer, tag string) error {
	writer.Start(serverTag(protocol.ServerCommandComplete))
	writer.AddString(tag)
	return writer.End()
}

// connectFake dials s and runs the startup handshake, returning a ready
// Connection the test owns; it is closed automatically at test cleanup.
func connectFake(t testing.TB, s *fakeServer) *Connection {
	t.Helper()

	host, port := s.hostPort(t)

	cfg := ConnectConfig{
		Host:     host,
		Port:     port,
		Username: "testuser",
		Database: "testdb",
	}

	conn, err := Connect(context.Background(), cfg, WithLogger(slogt.New(t)))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}
