package frame

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/pgstream/pgclient/internal/protocol"
)

// DefaultBufferSize is the default size of the underlying buffered reader.
const DefaultBufferSize = 4096

// DefaultMaxMessageSize bounds the size of a single frame body. The server
// controls framing so this is a defensive ceiling against a misbehaving or
// compromised backend, not a protocol requirement.
const DefaultMaxMessageSize = 64 << 20

// Reader reads length-prefixed tagged frames sent by a PostgreSQL backend.
// It is not safe for concurrent use; the connection core serialises reads
// through a single dispatcher goroutine.
type Reader struct {
	buf            *bufio.Reader
	logger         *slog.Logger
	MaxMessageSize int

	// Msg holds the unread remainder of the current frame's body. Primitive
	// accessors consume from the front of this slice.
	Msg []byte

	header [4]byte
}

// NewReader constructs a Reader reading frames from r.
func NewReader(logger *slog.Logger, r io.Reader, bufferSize int) *Reader {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}

	return &Reader{
		buf:            bufio.NewReaderSize(r, bufferSize),
		logger:         logger,
		MaxMessageSize: DefaultMaxMessageSize,
	}
}

// ReadTypedMsg reads one type-tagged frame: [type:u8][length:i32][body...].
// The returned length is the number of body bytes (excluding the type byte
// and the length field itself).
func (r *Reader) ReadTypedMsg() (protocol.ServerMessage, int, error) {
	t, err := r.buf.ReadByte()
	if err != nil {
		return 0, 0, err
	}

	n, err := r.readBody()
	if err != nil {
		return 0, 0, err
	}

	return protocol.ServerMessage(t), n, nil
}

// ReadUntypedMsg reads a frame without a leading type byte:
// [length:i32][body...], the framing of StartupMessage/SSLRequest. The client
// never receives such a frame; the in-process test backend uses it to read
// the StartupMessage.
func (r *Reader) ReadUntypedMsg() (int, error) {
	return r.readBody()
}

func (r *Reader) readBody() (int, error) {
	nread, err := io.ReadFull(r.buf, r.header[:])
	if err != nil {
		return nread, err
	}

	size := int(binary.BigEndian.Uint32(r.header[:])) - 4
	if size < 0 || size > r.MaxMessageSize {
		return nread, &ErrMessageSizeExceeded{Size: size, Max: r.MaxMessageSize}
	}

	r.reset(size)
	n, err := io.ReadFull(r.buf, r.Msg)
	return n, err
}

// reset grows/shrinks Msg to exactly size, reusing spare capacity when
// possible to avoid an allocation on every frame.
func (r *Reader) reset(size int) {
	if cap(r.Msg) >= size {
		r.Msg = r.Msg[:size]
		return
	}

	alloc := size
	if alloc < DefaultBufferSize {
		alloc = DefaultBufferSize
	}
	r.Msg = make([]byte, size, alloc)
}

// Done asserts that the current frame body has been fully consumed: after
// parsing a message exactly length-4 body bytes must have been consumed, and
// any remainder indicates a schema/codec bug.
func (r *Reader) Done() error {
	if len(r.Msg) != 0 {
		return ErrTrailingData
	}
	return nil
}

// ReadByte reads a single raw byte from the connection, bypassing any
// in-progress frame. The handshake does not use it: upgradeTLS reads the
// single-byte SSL negotiation reply ('S'/'N') straight from the socket.
func (r *Reader) ReadByte() (byte, error) {
	return r.buf.ReadByte()
}

// GetByte consumes one byte from the current frame body.
func (r *Reader) GetByte() (byte, error) {
	if len(r.Msg) < 1 {
		return 0, NewErrInsufficientData(len(r.Msg), 1)
	}
	b := r.Msg[0]
	r.Msg = r.Msg[1:]
	return b, nil
}

// GetBytes consumes exactly n raw bytes from the current frame body.
func (r *Reader) GetBytes(n int) ([]byte, error) {
	if n < 0 || len(r.Msg) < n {
		return nil, NewErrInsufficientData(len(r.Msg), n)
	}
	v := r.Msg[:n]
	r.Msg = r.Msg[n:]
	return v, nil
}

// GetInt16 consumes a signed 16-bit big-endian integer.
func (r *Reader) GetInt16() (int16, error) {
	v, err := r.GetUint16()
	return int16(v), err
}

// GetUint16 consumes an unsigned 16-bit big-endian integer.
func (r *Reader) GetUint16() (uint16, error) {
	if len(r.Msg) < 2 {
		return 0, NewErrInsufficientData(len(r.Msg), 2)
	}
	v := binary.BigEndian.Uint16(r.Msg[:2])
	r.Msg = r.Msg[2:]
	return v, nil
}

// GetInt32 consumes a signed 32-bit big-endian integer.
func (r *Reader) GetInt32() (int32, error) {
	v, err := r.GetUint32()
	return int32(v), err
}

// GetUint32 consumes an unsigned 32-bit big-endian integer.
func (r *Reader) GetUint32() (uint32, error) {
	if len(r.Msg) < 4 {
		return 0, NewErrInsufficientData(len(r.Msg), 4)
	}
	v := binary.BigEndian.Uint32(r.Msg[:4])
	r.Msg = r.Msg[4:]
	return v, nil
}

// GetString consumes a NUL-terminated UTF-8 string.
func (r *Reader) GetString() (string, error) {
	pos := bytes.IndexByte(r.Msg, 0)
	if pos == -1 {
		return "", ErrMissingNulTerminator
	}

	s := string(r.Msg[:pos])
	r.Msg = r.Msg[pos+1:]
	return s, nil
}

// GetArray reads a length-prefixed array (count as i16) whose elements are
// each parsed by decode.
func GetArray[T any](r *Reader, decode func(*Reader) (T, error)) ([]T, error) {
	count, err := r.GetUint16()
	if err != nil {
		return nil, err
	}

	out := make([]T, count)
	for i := range out {
		out[i], err = decode(r)
		if err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Slurp discards n bytes from the underlying stream, used to recover from an
// oversized frame by reading past its declared body without buffering it.
func (r *Reader) Slurp(n int) error {
	_, err := io.CopyN(io.Discard, r.buf, int64(n))
	return err
}
