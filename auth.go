package pgclient

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"

	"github.com/pgstream/pgclient/internal/frame"
	"github.com/pgstream/pgclient/internal/protocol"
)

// authenticate reads the first AuthenticationXXX message and drives
// whichever strategy it names to completion, finishing once AuthOK arrives.
func (c *Connection) authenticate(ctx context.Context, reader *frame.Reader, writer *frame.Writer, cfg ConnectConfig) error {
	tag, _, err := reader.ReadTypedMsg()
	if err != nil {
		return err
	}
	if tag == protocol.ServerErrorResponse {
		pgErr, err := parseErrorFields(reader)
		if err != nil {
			return err
		}
		return pgErr
	}
	if tag != protocol.ServerAuth {
		return fmt.Errorf("authenticate: unexpected message %q", tag)
	}

	authType, err := reader.GetInt32()
	if err != nil {
		return err
	}

	switch protocol.AuthType(authType) {
	case protocol.AuthOK:
		return nil

	case protocol.AuthCleartextPassword:
		return c.authCleartext(reader, writer, cfg)

	case protocol.AuthMD5Password:
		return c.authMD5(reader, writer, cfg)

	case protocol.AuthSASL:
		return c.authSCRAM(reader, writer, cfg)

	default:
		return fmt.Errorf("authenticate: unsupported authentication type %d", authType)
	}
}

// readAuthOK consumes the AuthenticationOK message an auth strategy expects
// to see immediately after its final response.
func (c *Connection) readAuthOK(reader *frame.Reader) error {
	tag, _, err := reader.ReadTypedMsg()
	if err != nil {
		return err
	}
	if tag == protocol.ServerErrorResponse {
		pgErr, err := parseErrorFields(reader)
		if err != nil {
			return err
		}
		return pgErr
	}
	if tag != protocol.ServerAuth {
		return fmt.Errorf("authenticate: unexpected message %q", tag)
	}
	code, err := reader.GetInt32()
	if err != nil {
		return err
	}
	if protocol.AuthType(code) != protocol.AuthOK {
		return fmt.Errorf("authenticate: expected AuthenticationOK, got code %d", code)
	}
	return nil
}

func (c *Connection) authCleartext(reader *frame.Reader, writer *frame.Writer, cfg ConnectConfig) error {
	writer.Start(protocol.ClientPassword)
	writer.AddString(cfg.Password)
	if err := writer.End(); err != nil {
		return err
	}
	return c.readAuthOK(reader)
}

// authMD5 implements the PostgreSQL-specific md5(md5(password+username)+salt)
// challenge response. The two MD5 applications are treated as black-box
// primitives per the protocol's own definition of this auth mode; this
// client does not design a cryptographic scheme of its own here.
func (c *Connection) authMD5(reader *frame.Reader, writer *frame.Writer, cfg ConnectConfig) error {
	salt, err := reader.GetBytes(4)
	if err != nil {
		return err
	}

	inner := md5.Sum([]byte(cfg.Password + cfg.Username))
	innerHex := hex.EncodeToString(inner[:])

	outer := md5.New()
	outer.Write([]byte(innerHex))
	outer.Write(salt)
	response := "md5" + hex.EncodeToString(outer.Sum(nil))

	writer.Start(protocol.ClientPassword)
	writer.AddString(response)
	if err := writer.End(); err != nil {
		return err
	}
	return c.readAuthOK(reader)
}
