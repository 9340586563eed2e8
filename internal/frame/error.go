package frame

import (
	"errors"
	"fmt"
)

// ErrMissingNulTerminator is returned when a NUL terminator is expected but
// not found while reading a string from a message body.
var ErrMissingNulTerminator = errors.New("pgclient: NUL terminator not found")

// ErrInsufficientData is returned when a message body has fewer bytes
// remaining than a requested primitive needs.
var ErrInsufficientData = errors.New("pgclient: insufficient data in message body")

// ErrTrailingData is returned when a message body still has unread bytes
// after its parser believes it is done; this indicates a codec/schema bug or
// a corrupted stream and is always fatal to the connection.
var ErrTrailingData = errors.New("pgclient: trailing data in message body")

// ErrMessageSizeExceeded is returned when a frame's declared length exceeds
// the reader's configured maximum.
type ErrMessageSizeExceeded struct {
	Size int
	Max  int
}

func (e *ErrMessageSizeExceeded) Error() string {
	return fmt.Sprintf("pgclient: message size %d exceeds maximum allowed size %d", e.Size, e.Max)
}

// NewErrInsufficientData annotates ErrInsufficientData with the number of
// bytes that were actually available.
func NewErrInsufficientData(remaining, needed int) error {
	return fmt.Errorf("remaining %d, needed %d: %w", remaining, needed, ErrInsufficientData)
}
