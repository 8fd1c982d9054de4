// Package delivery composes the autoreply and hands it to a transport.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/emersion/go-smtp"
)

// Transport submits a finished message for delivery. An empty from is the
// null envelope sender.
type Transport interface {
	Submit(ctx context.Context, msg []byte, from string, rcpts []string) error
	Name() string
}

// TransportError wraps an error with information about whether it's permanent or temporary.
// Permanent errors should not be retried.
type TransportError struct {
	Err       error
	Permanent bool
}

func (e *TransportError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent failure: %v", e.Err)
	}
	return fmt.Sprintf("temporary failure: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsPermanentError checks if an error is a permanent failure.
// Returns true for 5xx SMTP replies and errors already classified as permanent,
// false for 4xx replies and network/connection errors.
func IsPermanentError(err error) bool {
	if err == nil {
		return false
	}

	var transportErr *TransportError
	if errors.As(err, &transportErr) {
		return transportErr.Permanent
	}

	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		return !smtpErr.Temporary()
	}

	return false
}

// EncodeEnvelope builds the qmail-queue envelope: F<from>\0, one T<rcpt>\0
// per recipient and a final \0. Addresses must not contain NUL bytes.
func EncodeEnvelope(from string, rcpts []string) []byte {
	size := len(from) + 3
	for _, r := range rcpts {
		size += len(r) + 2
	}
	buf := make([]byte, 0, size)

	buf = appendCString(buf, "F"+from)
	for _, r := range rcpts {
		buf = appendCString(buf, "T"+r)
	}
	return append(buf, 0x00)
}

// appendCString appends a C style string to the buffer and returns it (like append does).
func appendCString(dest []byte, s string) []byte {
	dest = append(dest, s...)
	return append(dest, 0x00)
}
