package receiver

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-message/mail"
	pop3client "github.com/knadh/go-pop3"

	"github.com/tracyhatemice/mailforward/internal/fault"
)

type pop3Conn interface {
	Auth(user, password string) error
	Quit() error
	Uidl(msgID int) ([]pop3client.MessageID, error)
	RetrRaw(msgID int) (*bytes.Buffer, error)
	Dele(msgID ...int) error
}

// POP3Receiver fetches emails over POP3/POP3S.
type POP3Receiver struct {
	account     Account
	dialTimeout time.Duration
	logger      *slog.Logger
	newConn     func(Account) (pop3Conn, error)
}

// NewPOP3 creates a new POP3 receiver.
func NewPOP3(acct Account, logger *slog.Logger) *POP3Receiver {
	r := &POP3Receiver{
		account:     acct,
		dialTimeout: 30 * time.Second,
		logger:      logger,
	}
	r.newConn = r.dial
	return r
}

func (r *POP3Receiver) Protocol() string {
	return "pop3"
}

func (r *POP3Receiver) dial(acct Account) (pop3Conn, error) {
	client := pop3client.New(pop3client.Opt{
		Host:        acct.Host,
		Port:        acct.Port,
		DialTimeout: r.dialTimeout,
		TLSEnabled:  acct.UseTLS,
	})
	return client.NewConn()
}

// Connect dials and authenticates. A rejected login is a permanent error.
func (r *POP3Receiver) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(r.account.Host, strconv.Itoa(r.account.Port))

	conn, err := r.newConn(r.account)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("pop3 connect %s: %w", addr, err))
	}

	if err := conn.Auth(r.account.Username, r.account.Password); err != nil {
		conn.Quit()
		return nil, fault.Auth(fmt.Errorf("pop3 auth %s: %w", r.account.Username, err))
	}
	return &pop3Session{conn: conn, logger: r.logger}, nil
}

type pop3Session struct {
	conn   pop3Conn
	logger *slog.Logger
}

// List enumerates every message in the maildrop; POP3 has no server-side
// notion of new mail, filtering happens in the caller.
func (s *pop3Session) List(ctx context.Context) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	msgs, err := s.conn.Uidl(0)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("pop3 uidl: %w", err))
	}

	refs := make([]Ref, 0, len(msgs))
	for _, m := range msgs {
		id := m.UID
		if id == "" {
			// Message numbers are only stable within one session.
			s.logger.Warn("pop3 server returned no UIDL, falling back to message number", "msg_num", m.ID)
			id = strconv.Itoa(m.ID)
		}
		refs = append(refs, Ref{ID: id, Num: uint32(m.ID)})
	}
	return refs, nil
}

func (s *pop3Session) Retrieve(ctx context.Context, ref Ref) (Email, error) {
	if err := ctx.Err(); err != nil {
		return Email{}, err
	}
	buf, err := s.conn.RetrRaw(int(ref.Num))
	if err != nil {
		return Email{}, fault.Transient(fmt.Errorf("pop3 retr %d: %w", ref.Num, err))
	}
	raw := append([]byte(nil), buf.Bytes()...)
	return Email{
		ID:      ref.ID,
		Date:    extractDate(raw),
		Content: raw,
	}, nil
}

func (s *pop3Session) Delete(ctx context.Context, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.conn.Dele(int(ref.Num)); err != nil {
		return fault.Transient(fmt.Errorf("pop3 dele %d: %w", ref.Num, err))
	}
	return nil
}

// Close sends QUIT, which is when the server applies deletions.
func (s *pop3Session) Close() error {
	if err := s.conn.Quit(); err != nil {
		return fmt.Errorf("pop3 quit: %w", err)
	}
	return nil
}

// extractDate parses the Date header from raw email bytes.
func extractDate(raw []byte) time.Time {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return time.Time{}
	}
	defer reader.Close()
	date, err := reader.Header.Date()
	if err != nil {
		return time.Time{}
	}
	return date
}
