package receiver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	pop3client "github.com/knadh/go-pop3"
	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailforward/internal/fault"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakePOP3Conn struct {
	uidl      []pop3client.MessageID
	raw       map[int][]byte
	deleted   []int
	quitCalls int

	authErr error
	uidlErr error
	retrErr map[int]error
	deleErr error
}

func (f *fakePOP3Conn) Auth(_, _ string) error { return f.authErr }

func (f *fakePOP3Conn) Quit() error {
	f.quitCalls++
	return nil
}

func (f *fakePOP3Conn) Uidl(_ int) ([]pop3client.MessageID, error) {
	if f.uidlErr != nil {
		return nil, f.uidlErr
	}
	out := make([]pop3client.MessageID, len(f.uidl))
	copy(out, f.uidl)
	return out, nil
}

func (f *fakePOP3Conn) RetrRaw(id int) (*bytes.Buffer, error) {
	if err, ok := f.retrErr[id]; ok {
		return nil, err
	}
	payload, ok := f.raw[id]
	if !ok {
		return nil, fmt.Errorf("unknown message %d", id)
	}
	return bytes.NewBuffer(payload), nil
}

func (f *fakePOP3Conn) Dele(ids ...int) error {
	if f.deleErr != nil {
		return f.deleErr
	}
	f.deleted = append(f.deleted, ids...)
	return nil
}

func newTestPOP3(conn *fakePOP3Conn) *POP3Receiver {
	r := NewPOP3(Account{Protocol: "pop3", Host: "mail.example", Port: 995, Username: "agent", Password: "secret", UseTLS: true}, discardLogger())
	r.newConn = func(Account) (pop3Conn, error) { return conn, nil }
	return r
}

func TestPOP3SessionListRetrieveDelete(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl: []pop3client.MessageID{
			{ID: 1, UID: "uid-1", Size: 123},
			{ID: 2, UID: "", Size: 456},
		},
		raw: map[int][]byte{
			1: []byte("Date: Mon, 02 Jan 2006 15:04:05 +0000\r\nSubject: first\r\n\r\nbody"),
		},
	}
	ctx := context.Background()
	sess, err := newTestPOP3(conn).Connect(ctx)
	require.NoError(t, err)

	refs, err := sess.List(ctx)
	require.NoError(t, err)
	require.Equal(t, []Ref{{ID: "uid-1", Num: 1}, {ID: "2", Num: 2}}, refs)

	email, err := sess.Retrieve(ctx, refs[0])
	require.NoError(t, err)
	require.Equal(t, "uid-1", email.ID)
	require.Equal(t, 2006, email.Date.Year())
	require.Contains(t, string(email.Content), "Subject: first")

	require.NoError(t, sess.Delete(ctx, refs[0]))
	require.Equal(t, []int{1}, conn.deleted)

	require.NoError(t, sess.Close())
	require.Equal(t, 1, conn.quitCalls)
}

func TestPOP3AuthRejectedIsPermanent(t *testing.T) {
	conn := &fakePOP3Conn{authErr: errors.New("-ERR invalid credentials")}
	_, err := newTestPOP3(conn).Connect(context.Background())
	require.ErrorContains(t, err, "pop3 auth")
	require.True(t, fault.IsPermanent(err))
	require.Equal(t, 1, conn.quitCalls)
}

func TestPOP3AuthNetworkErrorIsTransient(t *testing.T) {
	conn := &fakePOP3Conn{authErr: io.ErrUnexpectedEOF}
	_, err := newTestPOP3(conn).Connect(context.Background())
	require.Error(t, err)
	require.False(t, fault.IsPermanent(err))
}

func TestPOP3ConnectErrorIsTransient(t *testing.T) {
	r := NewPOP3(Account{Host: "mail.example", Port: 110, Username: "u"}, discardLogger())
	r.newConn = func(Account) (pop3Conn, error) { return nil, errors.New("connection refused") }
	_, err := r.Connect(context.Background())
	require.ErrorContains(t, err, "pop3 connect mail.example:110")
	require.False(t, fault.IsPermanent(err))
}

func TestPOP3RetrieveAndListErrors(t *testing.T) {
	conn := &fakePOP3Conn{
		uidl:    []pop3client.MessageID{{ID: 1, UID: "a"}},
		retrErr: map[int]error{1: errors.New("-ERR no such message")},
	}
	ctx := context.Background()
	sess, err := newTestPOP3(conn).Connect(ctx)
	require.NoError(t, err)

	_, err = sess.Retrieve(ctx, Ref{ID: "a", Num: 1})
	require.ErrorContains(t, err, "pop3 retr 1")

	conn.uidlErr = errors.New("server gone")
	_, err = sess.List(ctx)
	require.ErrorContains(t, err, "pop3 uidl")
}

func TestPOP3HonoursCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := newTestPOP3(&fakePOP3Conn{}).Connect(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewSelectsProtocol(t *testing.T) {
	r, err := New(Account{Protocol: "pop3"}, discardLogger())
	require.NoError(t, err)
	require.Equal(t, "pop3", r.Protocol())

	r, err = New(Account{Protocol: "imap"}, discardLogger())
	require.NoError(t, err)
	require.Equal(t, "imap", r.Protocol())

	_, err = New(Account{Protocol: "ews"}, discardLogger())
	require.Error(t, err)
}
