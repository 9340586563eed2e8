package pgclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"

	"github.com/pgstream/pgclient/codes"
	"github.com/pgstream/pgclient/internal/errs"
	"github.com/pgstream/pgclient/internal/frame"
	"github.com/pgstream/pgclient/internal/protocol"
)

// sslRequestCode is the magic version number that asks the server whether it
// will accept a TLS upgrade in place of the regular startup sequence.
const sslRequestCode = 80877103

// handshake runs the startup sequence: an optional SSL upgrade, the
// StartupMessage, authentication, and the ParameterStatus/BackendKeyData
// stream up to the first ReadyForQuery.
func (c *Connection) handshake(ctx context.Context, conn net.Conn, cfg ConnectConfig, opts *ConnectionOptions) (net.Conn, *frame.Reader, *frame.Writer, error) {
	reader := frame.NewReader(opts.Logger, conn, frame.DefaultBufferSize)
	writer := frame.NewWriter(opts.Logger, conn)

	if opts.TLSConfig != nil {
		var err error
		conn, err = c.upgradeTLS(conn, writer, opts.TLSConfig)
		if err != nil {
			return conn, reader, writer, err
		}
		reader = frame.NewReader(opts.Logger, conn, frame.DefaultBufferSize)
		writer = frame.NewWriter(opts.Logger, conn)
	}

	if err := c.writeStartup(writer, cfg, opts); err != nil {
		return conn, reader, writer, err
	}

	if err := c.authenticate(ctx, reader, writer, cfg); err != nil {
		return conn, reader, writer, err
	}

	for {
		tag, _, err := reader.ReadTypedMsg()
		if err != nil {
			return conn, reader, writer, err
		}

		switch tag {
		case protocol.ServerBackendKeyData:
			pid, err := reader.GetInt32()
			if err != nil {
				return conn, reader, writer, err
			}
			secret, err := reader.GetInt32()
			if err != nil {
				return conn, reader, writer, err
			}
			c.backendPID = pid
			c.backendSecret = secret

		case protocol.ServerParameterStatus:
			key, _ := reader.GetString()
			val, _ := reader.GetString()
			c.setParam(key, val)

		case protocol.ServerNoticeResponse:
			notice, err := parseErrorFields(reader)
			if err != nil {
				return conn, reader, writer, err
			}
			opts.Logger.Debug("server notice during startup", "severity", notice.Severity, "message", notice.Message)

		case protocol.ServerErrorResponse:
			pgErr, err := parseErrorFields(reader)
			if err != nil {
				return conn, reader, writer, err
			}
			return conn, reader, writer, pgErr

		case protocol.ServerReady:
			_, _ = reader.GetByte()
			return conn, reader, writer, nil

		default:
			return conn, reader, writer, errs.WithCode(fmt.Errorf("handshake: unexpected message %q", tag), codes.ProtocolViolation)
		}
	}
}

// upgradeTLS sends an SSLRequest and, if the server agrees ('S'), wraps conn
// in a TLS client connection. A server 'N' reply is treated as a hard error:
// this client does not silently fall back to plaintext once TLS has been
// requested.
func (c *Connection) upgradeTLS(conn net.Conn, writer *frame.Writer, cfg *tls.Config) (net.Conn, error) {
	writer.StartUntyped()
	writer.AddInt32(sslRequestCode)
	if err := writer.End(); err != nil {
		return conn, err
	}

	reply := make([]byte, 1)
	if _, err := conn.Read(reply); err != nil {
		return conn, fmt.Errorf("ssl negotiation: %w", err)
	}

	switch reply[0] {
	case 'S':
		return tls.Client(conn, cfg), nil
	case 'N':
		return conn, fmt.Errorf("ssl negotiation: server does not support TLS")
	default:
		return conn, fmt.Errorf("ssl negotiation: unexpected reply byte 0x%02x", reply[0])
	}
}

func (c *Connection) writeStartup(writer *frame.Writer, cfg ConnectConfig, opts *ConnectionOptions) error {
	writer.StartUntyped()
	writer.AddUint32(protocol.StartupVersion)
	writer.AddString("user")
	writer.AddString(cfg.Username)
	writer.AddString("database")
	writer.AddString(cfg.Database)

	if opts.ApplicationName != "" {
		writer.AddString("application_name")
		writer.AddString(opts.ApplicationName)
	}

	for key, value := range cfg.Params {
		writer.AddString(key)
		writer.AddString(value)
	}

	writer.AddByte(0)
	return writer.End()
}
