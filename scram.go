package pgclient

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/pgstream/pgclient/internal/frame"
	"github.com/pgstream/pgclient/internal/protocol"
)

const scramMechanism = "SCRAM-SHA-256"

// authSCRAM implements the client half of SCRAM-SHA-256 (RFC 5802 as
// profiled by PostgreSQL): client-first-message, consume
// server-first-message, client-final-message, then verify the server's
// final signature before accepting AuthenticationOK. The mechanism list
// AuthenticationSASL carries is read and discarded beyond checking that
// SCRAM-SHA-256 is offered; this client never negotiates down to a weaker
// mechanism.
func (c *Connection) authSCRAM(reader *frame.Reader, writer *frame.Writer, cfg ConnectConfig) error {
	if err := requireMechanism(reader); err != nil {
		return err
	}

	clientNonce, err := randomNonce(18)
	if err != nil {
		return err
	}

	clientFirstBare := "n=,r=" + clientNonce
	clientFirst := "n,," + clientFirstBare

	writer.Start(protocol.ClientPassword)
	writer.AddRawString(scramMechanism)
	writer.AddByte(0)
	writer.AddInt32(int32(len(clientFirst)))
	writer.AddBytes([]byte(clientFirst))
	if err := writer.End(); err != nil {
		return err
	}

	serverFirst, err := readSASLContinue(reader)
	if err != nil {
		return err
	}

	nonce, salt, iterCount, err := parseServerFirst(serverFirst)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(nonce, clientNonce) {
		return fmt.Errorf("scram: server nonce does not extend client nonce")
	}

	salted := pbkdf2.Key([]byte(cfg.Password), salt, iterCount, sha256.Size, sha256.New)

	clientKey := hmacSHA256(salted, []byte("Client Key"))
	storedKey := sha256.Sum256(clientKey)

	channelBinding := base64.StdEncoding.EncodeToString([]byte("n,,"))
	clientFinalNoProof := "c=" + channelBinding + ",r=" + nonce

	authMessage := clientFirstBare + "," + serverFirst + "," + clientFinalNoProof
	clientSignature := hmacSHA256(storedKey[:], []byte(authMessage))

	clientProof := make([]byte, len(clientKey))
	for i := range clientKey {
		clientProof[i] = clientKey[i] ^ clientSignature[i]
	}

	clientFinal := clientFinalNoProof + ",p=" + base64.StdEncoding.EncodeToString(clientProof)

	writer.Start(protocol.ClientPassword)
	writer.AddRawString(clientFinal)
	if err := writer.End(); err != nil {
		return err
	}

	serverFinal, err := readSASLFinal(reader)
	if err != nil {
		return err
	}

	serverKey := hmacSHA256(salted, []byte("Server Key"))
	expectedSignature := hmacSHA256(serverKey, []byte(authMessage))
	gotSignature, err := parseServerFinalSignature(serverFinal)
	if err != nil {
		return err
	}
	if !hmac.Equal(expectedSignature, gotSignature) {
		return fmt.Errorf("scram: server signature verification failed")
	}

	return c.readAuthOK(reader)
}

func requireMechanism(reader *frame.Reader) error {
	for {
		mech, err := reader.GetString()
		if err != nil {
			return err
		}
		if mech == "" {
			return fmt.Errorf("scram: server did not offer %s", scramMechanism)
		}
		if mech == scramMechanism {
			// Drain the remaining NUL-terminated list plus its terminator.
			for {
				next, err := reader.GetString()
				if err != nil {
					return err
				}
				if next == "" {
					return nil
				}
			}
		}
	}
}

func readSASLContinue(reader *frame.Reader) (string, error) {
	tag, _, err := reader.ReadTypedMsg()
	if err != nil {
		return "", err
	}
	if tag == protocol.ServerErrorResponse {
		pgErr, err := parseErrorFields(reader)
		if err != nil {
			return "", err
		}
		return "", pgErr
	}
	if tag != protocol.ServerAuth {
		return "", fmt.Errorf("scram: unexpected message %q", tag)
	}
	code, err := reader.GetInt32()
	if err != nil {
		return "", err
	}
	if protocol.AuthType(code) != protocol.AuthSASLContinue {
		return "", fmt.Errorf("scram: expected AuthenticationSASLContinue, got code %d", code)
	}
	return string(reader.Msg), nil
}

func readSASLFinal(reader *frame.Reader) (string, error) {
	tag, _, err := reader.ReadTypedMsg()
	if err != nil {
		return "", err
	}
	if tag == protocol.ServerErrorResponse {
		pgErr, err := parseErrorFields(reader)
		if err != nil {
			return "", err
		}
		return "", pgErr
	}
	if tag != protocol.ServerAuth {
		return "", fmt.Errorf("scram: unexpected message %q", tag)
	}
	code, err := reader.GetInt32()
	if err != nil {
		return "", err
	}
	if protocol.AuthType(code) != protocol.AuthSASLFinal {
		return "", fmt.Errorf("scram: expected AuthenticationSASLFinal, got code %d", code)
	}
	return string(reader.Msg), nil
}

func parseServerFirst(msg string) (nonce string, salt []byte, iterCount int, err error) {
	for _, field := range strings.Split(msg, ",") {
		if len(field) < 2 || field[1] != '=' {
			continue
		}
		switch field[0] {
		case 'r':
			nonce = field[2:]
		case 's':
			salt, err = base64.StdEncoding.DecodeString(field[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("scram: invalid salt: %w", err)
			}
		case 'i':
			iterCount, err = strconv.Atoi(field[2:])
			if err != nil {
				return "", nil, 0, fmt.Errorf("scram: invalid iteration count: %w", err)
			}
		}
	}
	if nonce == "" || salt == nil || iterCount == 0 {
		return "", nil, 0, fmt.Errorf("scram: malformed server-first-message %q", msg)
	}
	return nonce, salt, iterCount, nil
}

func parseServerFinalSignature(msg string) ([]byte, error) {
	for _, field := range strings.Split(msg, ",") {
		if strings.HasPrefix(field, "v=") {
			return base64.StdEncoding.DecodeString(field[2:])
		}
	}
	return nil, fmt.Errorf("scram: malformed server-final-message %q", msg)
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

func randomNonce(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawStdEncoding.EncodeToString(buf), nil
}
