// Package receiver opens mailbox sessions over POP3 or IMAP. A session
// lists message references, retrieves one message at a time and deletes
// messages on request, so the caller decides what happens between fetch
// and delete.
package receiver

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Account carries the connection settings of one mailbox.
type Account struct {
	Protocol string // "pop3" or "imap"
	Host     string
	Port     int
	Username string
	Password string
	UseTLS   bool
	Folder   string // IMAP only
}

// Ref points at a message in an open session.
type Ref struct {
	ID  string // stable identifier within the account (UIDL or UIDVALIDITY:UID)
	Num uint32 // protocol handle: POP3 message number or IMAP UID
}

// Email represents a fetched email message.
type Email struct {
	ID      string    // same as the Ref ID it was retrieved with
	Date    time.Time // date the email was sent/received
	Content []byte    // raw RFC 5322 message bytes
}

// Receiver opens sessions against one mailbox.
type Receiver interface {
	Protocol() string
	Connect(ctx context.Context) (Session, error)
}

// Session is one authenticated connection to a mailbox.
type Session interface {
	// List returns candidate messages in server order.
	List(ctx context.Context) ([]Ref, error)
	// Retrieve downloads one message.
	Retrieve(ctx context.Context, ref Ref) (Email, error)
	// Delete marks a message for removal. Removal is committed on Close.
	Delete(ctx context.Context, ref Ref) error
	Close() error
}

// New returns the receiver for acct.Protocol.
func New(acct Account, logger *slog.Logger) (Receiver, error) {
	switch acct.Protocol {
	case "pop3":
		return NewPOP3(acct, logger), nil
	case "imap":
		return NewIMAP(acct, logger), nil
	default:
		return nil, fmt.Errorf("unsupported protocol: %s", acct.Protocol)
	}
}
