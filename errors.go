package pgclient

import (
	"fmt"
	"strconv"

	"github.com/pgstream/pgclient/codes"
	"github.com/pgstream/pgclient/internal/errs"
	"github.com/pgstream/pgclient/internal/frame"
)

// PgError is the client-side decoding of an ErrorResponse or NoticeResponse
// field stream: every field code the protocol defines, not just the ones a
// typical driver surfaces, since a client library has no way to know ahead
// of time which ones a caller will need.
type PgError struct {
	Severity         string
	SeverityNonLocal string
	Code             string
	Message          string
	Detail           string
	Hint             string
	Position         int32
	InternalPosition int32
	InternalQuery    string
	Where            string
	SchemaName       string
	TableName        string
	ColumnName       string
	DataTypeName     string
	ConstraintName   string
	File             string
	Line             int32
	Routine          string
}

func (e *PgError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (SQLSTATE %s)", e.Message, e.Code)
	}
	return e.Message
}

// parseErrorFields decodes the repeated (byte code, NUL-terminated string)
// sequence shared by ErrorResponse and NoticeResponse, terminated by a zero
// byte, into a PgError.
func parseErrorFields(r *frame.Reader) (*PgError, error) {
	e := &PgError{}

	for {
		code, err := r.GetByte()
		if err != nil {
			return nil, err
		}
		if code == 0 {
			break
		}

		value, err := r.GetString()
		if err != nil {
			return nil, err
		}

		switch code {
		case 'S':
			e.Severity = value
		case 'V':
			e.SeverityNonLocal = value
		case 'C':
			e.Code = value
		case 'M':
			e.Message = value
		case 'D':
			e.Detail = value
		case 'H':
			e.Hint = value
		case 'P':
			if n, err := strconv.Atoi(value); err == nil {
				e.Position = int32(n)
			}
		case 'p':
			if n, err := strconv.Atoi(value); err == nil {
				e.InternalPosition = int32(n)
			}
		case 'q':
			e.InternalQuery = value
		case 'W':
			e.Where = value
		case 's':
			e.SchemaName = value
		case 't':
			e.TableName = value
		case 'c':
			e.ColumnName = value
		case 'd':
			e.DataTypeName = value
		case 'n':
			e.ConstraintName = value
		case 'F':
			e.File = value
		case 'L':
			if n, err := strconv.Atoi(value); err == nil {
				e.Line = int32(n)
			}
		case 'R':
			e.Routine = value
		}
	}

	return e, nil
}

// ErrConnectionClosed is returned to any in-flight operation that is still
// waiting on a reply when the connection is torn down.
var ErrConnectionClosed = errs.WithSeverity(
	errs.WithCode(fmt.Errorf("Connection closed before query finished."), codes.ConnectionDoesNotExist),
	errs.LevelFatal,
)
