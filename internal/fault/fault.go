// Package fault classifies errors into the transient and permanent kinds
// that drive retry, backoff and worker shutdown decisions.
package fault

import (
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"os"
	"syscall"
)

// Kind is the retry class of an error.
type Kind int

const (
	// KindTransient errors are retried after a backoff.
	KindTransient Kind = iota
	// KindPermanent errors disable the affected mailbox.
	KindPermanent
)

func (k Kind) String() string {
	switch k {
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

// Error attaches a Kind to an underlying error.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient marks err as retryable. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent marks err as non-retryable. A nil err stays nil.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindPermanent, Err: err}
}

// Auth classifies a login failure: network trouble while authenticating is
// transient, anything the server actually answered is a rejection.
func Auth(err error) error {
	if err == nil {
		return nil
	}
	if IsNetwork(err) {
		return Transient(err)
	}
	return Permanent(err)
}

// KindOf reports the class of err. Explicitly marked errors win, then SMTP
// reply codes (5xx permanent, everything else transient). Unknown errors are
// transient.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	var pe *textproto.Error
	if errors.As(err, &pe) && pe.Code >= 500 && pe.Code < 600 {
		return KindPermanent
	}
	return KindTransient
}

// IsPermanent is shorthand for KindOf(err) == KindPermanent.
func IsPermanent(err error) bool {
	return err != nil && KindOf(err) == KindPermanent
}

// IsNetwork reports whether err came from the transport rather than from a
// server response.
func IsNetwork(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, io.EOF),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, net.ErrClosed),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.EPIPE):
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}
