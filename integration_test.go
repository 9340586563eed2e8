package pgclient

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pgstream/pgclient/typeregistry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectAndSequentialQueries(t *testing.T) {
	s := newFakeServer(t)
	s.on(`SELECT 1`, selectResult(fakeColumn{name: "one", oid: OIDInt4}, nil,
		func([][]byte) [][][]byte { return [][][]byte{{encodeInt4(1)}} }))
	s.on(`SELECT 2`, selectResult(fakeColumn{name: "two", oid: OIDInt4}, nil,
		func([][]byte) [][][]byte { return [][][]byte{{encodeInt4(2)}} }))

	conn := connectFake(t, s)

	res, err := conn.Execute(context.Background(), `SELECT 1`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	v, ok := res.Rows[0].At(0).Int32()
	require.True(t, ok)
	assert.Equal(t, int32(1), v)
	assert.Equal(t, "SELECT", res.Completion.Command)

	res, err = conn.Execute(context.Background(), `SELECT 2`)
	require.NoError(t, err)
	require.Len(t, res.Rows, 1)
	v, ok = res.Rows[0].At(0).Int32()
	require.True(t, ok)
	assert.Equal(t, int32(2), v)
}

func TestExecuteSyntaxErrorRecovers(t *testing.T) {
	s := newFakeServer(t)
	s.on(`SELECT 1`, selectResult(fakeColumn{name: "one", oid: OIDInt4}, nil,
		func([][]byte) [][][]byte { return [][][]byte{{encodeInt4(1)}} }))

	conn := connectFake(t, s)

	_, err := conn.Execute(context.Background(), `SELEKT 42`)
	require.Error(t, err)
	var pgErr *PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "42601", pgErr.Code)

	res, err := conn.Execute(context.Background(), `SELECT 1`)
	require.NoError(t, err, "connection must still be usable after a syntax error")
	require.Len(t, res.Rows, 1)
}

func TestExecuteParamEncodeErrorRecovers(t *testing.T) {
	s := newFakeServer(t)
	s.on(`SELECT $1::int`, fakeResult{
		columns:   []fakeColumn{{name: "x", oid: OIDInt4}},
		paramOIDs: []uint32{OIDInt4},
		rows: func(params [][]byte) [][][]byte {
			return [][][]byte{{params[0]}}
		},
		command: func(n int) string { return "SELECT 1" },
	})
	s.on(`SELECT 1`, selectResult(fakeColumn{name: "one", oid: OIDInt4}, nil,
		func([][]byte) [][][]byte { return [][][]byte{{encodeInt4(1)}} }))

	conn := connectFake(t, s)

	_, err := conn.Execute(context.Background(), `SELECT $1::int`, typeregistry.Text("not a number"))
	require.Error(t, err)
	assert.Equal(t, "Error sending param $1: Expected number, got string", err.Error())

	res, err := conn.Execute(context.Background(), `SELECT 1`)
	require.NoError(t, err, "connection must still be usable after a client-side encode error")
	require.Len(t, res.Rows, 1)
}

func TestPreparedStatementReuse(t *testing.T) {
	s := newFakeServer(t)
	s.on(`SELECT $1 + 100`, fakeResult{
		columns:   []fakeColumn{{name: "sum", oid: OIDInt4}},
		paramOIDs: []uint32{OIDInt4},
		rows: func(params [][]byte) [][][]byte {
			v := decodeInt4(params[0])
			return [][][]byte{{encodeInt4(v + 100)}}
		},
		command: func(n int) string { return "SELECT 1" },
	})

	conn := connectFake(t, s)

	stmt, err := conn.Prepare(context.Background(), `SELECT $1 + 100`, []uint32{OIDInt4})
	require.NoError(t, err)
	assert.Equal(t, []uint32{OIDInt4}, stmt.Params())
	require.Len(t, stmt.Columns(), 1)
	assert.Equal(t, "sum", stmt.Columns()[0].Name)

	for i, want := range []int32{101, 102, 103} {
		res, err := stmt.Execute(context.Background(), typeregistry.Int32(int32(i+1)))
		require.NoError(t, err)
		require.Len(t, res.Rows, 1)
		got, ok := res.Rows[0].At(0).Int32()
		require.True(t, ok)
		assert.Equal(t, want, got)
	}

	require.NoError(t, stmt.Close(context.Background()))
}

func TestQueryStreamingIteration(t *testing.T) {
	s := newFakeServer(t)
	s.on(`SELECT generate_series(1, 100)`, selectResult(fakeColumn{name: "generate_series", oid: OIDInt4}, nil,
		func([][]byte) [][][]byte {
			rows := make([][][]byte, 100)
			for i := range rows {
				rows[i] = [][]byte{encodeInt4(int32(i + 1))}
			}
			return rows
		}))

	conn := connectFake(t, s)

	result, err := conn.QueryStreaming(context.Background(), `SELECT generate_series(1, 100)`)
	require.NoError(t, err)

	var sum, count int32
	for {
		row, ok := result.Next()
		if !ok {
			break
		}
		v, _ := row.At(0).Int32()
		sum += v
		count++
	}
	require.NoError(t, result.Err())
	assert.Equal(t, int32(100), count)
	assert.Equal(t, int32(5050), sum)
	assert.Equal(t, "SELECT", result.Completion().Command)
	assert.Equal(t, int64(100), result.Completion().Rows)

	// The turn lock must have been released so a subsequent query succeeds.
	_, err = conn.Execute(context.Background(), `SELECT generate_series(1, 100)`)
	require.NoError(t, err)
}

func TestConcurrentQueriesSerialise(t *testing.T) {
	s := newFakeServer(t)
	for _, q := range []string{`SELECT 1`, `SELECT 2`, `SELECT 3`} {
		q := q
		want := int32(q[len(q)-1] - '0')
		s.on(q, selectResult(fakeColumn{name: "n", oid: OIDInt4}, nil,
			func([][]byte) [][][]byte { return [][][]byte{{encodeInt4(want)}} }))
	}

	conn := connectFake(t, s)

	// Issue all three without waiting for each other: the turn lock must
	// serialise them on the wire and each must still observe its own result.
	var wg sync.WaitGroup
	for i := int32(1); i <= 3; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := conn.Execute(context.Background(), fmt.Sprintf("SELECT %d", i))
			if err != nil {
				t.Errorf("SELECT %d: %v", i, err)
				return
			}
			if len(res.Rows) != 1 {
				t.Errorf("SELECT %d: got %d rows", i, len(res.Rows))
				return
			}
			v, _ := res.Rows[0].At(0).Int32()
			if v != i {
				t.Errorf("SELECT %d returned %d", i, v)
			}
		}()
	}
	wg.Wait()
}

func TestServerFatalTerminatesConnection(t *testing.T) {
	s := newFakeServer(t)
	s.on(`SELECT doomed`, errorResult("FATAL", "57P01", "terminating connection due to administrator command"))

	conn := connectFake(t, s)

	// The query sees either the server's FATAL diagnostic or the generic
	// closed-connection error, depending on whether the handoff or the done
	// latch wins; the latch itself always carries the real diagnostic.
	_, err := conn.Execute(context.Background(), `SELECT doomed`)
	require.Error(t, err)

	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("done latch did not fire after a FATAL error")
	}
	require.Error(t, conn.Err())
	assert.Contains(t, conn.Err().Error(), "terminating connection due to administrator command")
}

func TestQueryStreamingBuffer(t *testing.T) {
	s := newFakeServer(t)
	s.on(`SELECT n FROM series`, selectResult(fakeColumn{name: "n", oid: OIDInt4}, nil,
		func([][]byte) [][][]byte {
			return [][][]byte{
				{encodeInt4(1)},
				{encodeInt4(2)},
				{encodeInt4(3)},
			}
		}))

	conn := connectFake(t, s)

	result, err := conn.QueryStreaming(context.Background(), `SELECT n FROM series`)
	require.NoError(t, err)

	buffered, err := result.Buffer()
	require.NoError(t, err)
	require.Len(t, buffered.Rows, 3)
	v, _ := buffered.Rows[2].At(0).Int32()
	assert.Equal(t, int32(3), v)
	assert.Equal(t, "SELECT", buffered.Completion.Command)
}

func TestQueryStreamingEarlyClose(t *testing.T) {
	s := newFakeServer(t)
	s.on(`SELECT n FROM series`, selectResult(fakeColumn{name: "n", oid: OIDInt4}, nil,
		func([][]byte) [][][]byte {
			return [][][]byte{
				{encodeInt4(1)},
				{encodeInt4(2)},
				{encodeInt4(3)},
			}
		}))
	s.on(`SELECT 1`, selectResult(fakeColumn{name: "one", oid: OIDInt4}, nil,
		func([][]byte) [][][]byte { return [][][]byte{{encodeInt4(1)}} }))

	conn := connectFake(t, s)

	result, err := conn.QueryStreaming(context.Background(), `SELECT n FROM series`)
	require.NoError(t, err)

	row, ok := result.Next()
	require.True(t, ok)
	v, _ := row.At(0).Int32()
	assert.Equal(t, int32(1), v)

	result.Close()

	res, err := conn.Execute(context.Background(), `SELECT 1`)
	require.NoError(t, err, "connection must be usable again after an early Close")
	require.Len(t, res.Rows, 1)
}

func TestNotifications(t *testing.T) {
	s := newFakeServer(t)

	conn := connectFake(t, s)

	type delivery struct {
		who string
		n   Notification
	}
	deliveries := make(chan delivery, 16)

	cancelA, err := conn.AddListener(context.Background(), "orders", func(n Notification) {
		deliveries <- delivery{who: "a", n: n}
	})
	require.NoError(t, err)

	cancelB, err := conn.AddListener(context.Background(), "orders", func(n Notification) {
		deliveries <- delivery{who: "b", n: n}
	})
	require.NoError(t, err)

	s.pushNotify(4242, "orders", "first")

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case d := <-deliveries:
			seen[d.who] = true
			assert.Equal(t, "orders", d.n.Channel)
			assert.Equal(t, "first", d.n.Payload)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for notification delivery")
		}
	}
	assert.True(t, seen["a"])
	assert.True(t, seen["b"])

	cancelB()

	s.pushNotify(4242, "orders", "second")

	select {
	case d := <-deliveries:
		assert.Equal(t, "a", d.who)
		assert.Equal(t, "second", d.n.Payload)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification delivery after removing one listener")
	}

	select {
	case d := <-deliveries:
		t.Fatalf("unexpected delivery to removed listener: %+v", d)
	case <-time.After(200 * time.Millisecond):
	}

	cancelA()
}

func TestQueryAfterCloseRejected(t *testing.T) {
	s := newFakeServer(t)
	s.on(`SELECT 1`, selectResult(fakeColumn{name: "one", oid: OIDInt4}, nil,
		func([][]byte) [][][]byte { return [][][]byte{{encodeInt4(1)}} }))

	conn := connectFake(t, s)
	require.NoError(t, conn.Close())

	// Once Close has torn down the socket, a query issued afterward must
	// fail one way or another: either the turn lock observes the closed
	// latch and rejects it with ErrConnectionClosed, or it briefly wins the
	// race for the lock's token and then fails writing to the closed
	// socket. Either is an acceptable rejection; only a nil error would be
	// a bug.
	_, err := conn.Execute(context.Background(), `SELECT 1`)
	require.Error(t, err)
}

func TestConnectDefaultsDatabaseToUsername(t *testing.T) {
	s := newFakeServer(t)

	host, port := s.hostPort(t)
	cfg := ConnectConfig{
		Host:     host,
		Port:     port,
		Username: "appuser",
	}

	conn, err := Connect(context.Background(), cfg)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "appuser", s.startupParam("database"))
}
