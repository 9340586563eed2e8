package frame

import (
	"bytes"
	"encoding/binary"
	"io"
	"log/slog"

	"github.com/pgstream/pgclient/internal/protocol"
)

// Writer writes length-prefixed tagged frames to a PostgreSQL backend. Not
// safe for concurrent use; callers serialise writes through the connection's
// lock.
type Writer struct {
	io.Writer
	logger *slog.Logger
	frame  bytes.Buffer
	tagged bool
	err    error
}

// NewWriter constructs a Writer writing frames to w.
func NewWriter(logger *slog.Logger, w io.Writer) *Writer {
	return &Writer{Writer: w, logger: logger}
}

// Start resets the frame buffer and begins a new typed message, reserving
// the 4-byte length field to be patched in by End.
func (w *Writer) Start(t protocol.ClientMessage) {
	w.Reset()
	w.tagged = true
	w.frame.WriteByte(byte(t))
	w.frame.Write([]byte{0, 0, 0, 0})
}

// StartUntyped begins a new message with no leading type byte, used only for
// StartupMessage and SSLRequest.
func (w *Writer) StartUntyped() {
	w.Reset()
	w.tagged = false
	w.frame.Write([]byte{0, 0, 0, 0})
}

func (w *Writer) AddByte(b byte) {
	if w.err != nil {
		return
	}
	w.err = w.frame.WriteByte(b)
}

func (w *Writer) AddBytes(b []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.frame.Write(b)
}

func (w *Writer) AddInt16(v int16) {
	if w.err != nil {
		return
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(v))
	_, w.err = w.frame.Write(b[:])
}

func (w *Writer) AddInt32(v int32) {
	if w.err != nil {
		return
	}
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	_, w.err = w.frame.Write(b[:])
}

func (w *Writer) AddUint32(v uint32) {
	w.AddInt32(int32(v))
}

// AddString writes s followed by a NUL terminator.
func (w *Writer) AddString(s string) {
	if w.err != nil {
		return
	}
	if _, w.err = w.frame.WriteString(s); w.err != nil {
		return
	}
	w.err = w.frame.WriteByte(0)
}

// AddRawString writes s with no terminator (used mid-message, e.g. before a
// length-prefixed value).
func (w *Writer) AddRawString(s string) {
	if w.err != nil {
		return
	}
	_, w.err = w.frame.WriteString(s)
}

// AddArray writes a length-prefixed array (count as i16), encoding each
// element with encode.
func AddArray[T any](w *Writer, items []T, encode func(*Writer, T)) {
	w.AddInt16(int16(len(items)))
	for _, item := range items {
		encode(w, item)
	}
}

func (w *Writer) Error() error {
	return w.err
}

// Reset discards any buffered, not-yet-flushed message.
func (w *Writer) Reset() {
	w.frame.Reset()
	w.err = nil
}

// End patches the length field and flushes the message to the underlying
// writer, then resets the frame buffer.
func (w *Writer) End() error {
	defer w.Reset()
	if w.err != nil {
		return w.err
	}

	buf := w.frame.Bytes()

	// The length field covers everything after the type byte (or from the
	// very start for untyped messages), itself included.
	lengthOffset := 0
	if w.tagged {
		lengthOffset = 1
	}

	length := uint32(len(buf) - lengthOffset)
	binary.BigEndian.PutUint32(buf[lengthOffset:lengthOffset+4], length)

	_, err := w.Write(buf)
	if w.logger != nil {
		w.logger.Debug("-> writing message", slog.Int("bytes", len(buf)))
	}
	return err
}
