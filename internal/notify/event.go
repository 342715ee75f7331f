package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/tracyhatemice/mailforward/internal/forward"
)

// Kind names what happened.
type Kind string

const (
	KindForwarded      Kind = "forwarded"
	KindForwardFailed  Kind = "forward_failed"
	KindWorkerDisabled Kind = "worker_disabled"
	KindLedgerFailure  Kind = "ledger_failure"
)

// Severity orders events by urgency.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "info"
	}
}

// Event is one notification. Every delivery of the same event carries the
// same ID.
type Event struct {
	ID        string
	Kind      Kind
	Severity  Severity
	Account   string
	MessageID string
	Subject   string
	ForwardTo string
	Err       error
	Time      time.Time
}

func newEvent(kind Kind, sev Severity, account string) Event {
	return Event{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: sev,
		Account:  account,
		Time:     time.Now(),
	}
}

// FromOutcome builds a forwarded or forward_failed event.
func FromOutcome(out forward.Outcome) Event {
	ev := newEvent(KindForwarded, SeverityInfo, out.Account)
	if !out.Success {
		ev.Kind = KindForwardFailed
		ev.Severity = SeverityWarning
		ev.Err = out.Err
	}
	ev.MessageID = out.MessageID
	ev.Subject = out.Subject
	ev.ForwardTo = out.ForwardTo
	if !out.At.IsZero() {
		ev.Time = out.At
	}
	return ev
}

// WorkerDisabled reports a mailbox that stopped on a permanent error.
func WorkerDisabled(account string, err error) Event {
	ev := newEvent(KindWorkerDisabled, SeverityCritical, account)
	ev.Err = err
	return ev
}

// LedgerFailure reports a forwarded message that could not be recorded.
func LedgerFailure(account, messageID string, err error) Event {
	ev := newEvent(KindLedgerFailure, SeverityCritical, account)
	ev.MessageID = messageID
	ev.Err = err
	return ev
}

// Text renders the event as a short human readable message.
func (e Event) Text() string {
	switch e.Kind {
	case KindForwarded:
		return fmt.Sprintf("Forwarded email ID: %s to %s (account %s, subject %q)", e.MessageID, e.ForwardTo, e.Account, e.Subject)
	case KindForwardFailed:
		return fmt.Sprintf("Failed to forward email ID: %s from account %s: %v", e.MessageID, e.Account, e.Err)
	case KindWorkerDisabled:
		return fmt.Sprintf("Mailbox %s disabled: %v", e.Account, e.Err)
	case KindLedgerFailure:
		return fmt.Sprintf("Email ID: %s from account %s was forwarded but could not be recorded and may be forwarded again: %v", e.MessageID, e.Account, e.Err)
	default:
		return fmt.Sprintf("%s event for account %s", e.Kind, e.Account)
	}
}
