package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailforward/internal/config"
	"github.com/tracyhatemice/mailforward/internal/forward"
	"github.com/tracyhatemice/mailforward/internal/sender/sendertest"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func forwardedEvent(id string) Event {
	return FromOutcome(forward.Outcome{
		Account:   "home",
		MessageID: id,
		Subject:   "Hello",
		ForwardTo: "target@example.com",
		Success:   true,
		At:        time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	})
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
}

func TestFanOutIndependence(t *testing.T) {
	var telegramCalls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		telegramCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "notify.log")
	d, err := New([]Target{
		{Kind: TargetTelegram, Telegram: &Telegram{ChatID: "1", Token: "bad"}},
		{Kind: TargetFile, File: &File{Path: path}},
	}, discardLogger(), Options{TelegramAPI: srv.URL})
	require.NoError(t, err)

	d.Publish(forwardedEvent("msg-1"))
	closeDispatcher(t, d)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)
	require.Contains(t, lines[0], "Forwarded email ID: msg-1 to target@example.com")
	require.True(t, strings.HasPrefix(lines[0], "[2026-03-04 05:06:07]"))
	require.Equal(t, int32(1), telegramCalls.Load())
}

func TestTelegramPayload(t *testing.T) {
	type payload struct {
		ChatID string `json:"chat_id"`
		Text   string `json:"text"`
	}
	got := make(chan payload, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/botTOKEN/sendMessage", r.URL.Path)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		var p payload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&p))
		got <- p
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	err := sendTelegram(context.Background(), srv.Client(), srv.URL, &Telegram{ChatID: "42", Token: "TOKEN"}, forwardedEvent("abc"))
	require.NoError(t, err)

	p := <-got
	require.Equal(t, "42", p.ChatID)
	require.Contains(t, p.Text, "abc")
}

func TestTelegramErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad request", http.StatusBadRequest)
	}))
	defer srv.Close()

	err := sendTelegram(context.Background(), srv.Client(), srv.URL, &Telegram{ChatID: "1", Token: "secret-token"}, forwardedEvent("x"))
	require.ErrorContains(t, err, "400")
	require.NotContains(t, err.Error(), "secret-token")
}

func TestEmailTargetSendsToItself(t *testing.T) {
	smtpSrv := sendertest.Start(t)
	d, err := New([]Target{{Kind: TargetEmail, Email: &Email{
		Host:     smtpSrv.Host(),
		Port:     smtpSrv.Port(),
		Username: "notify@example.com",
	}}}, discardLogger(), Options{SendTimeout: 5 * time.Second})
	require.NoError(t, err)

	d.Publish(forwardedEvent("id-7"))
	closeDispatcher(t, d)

	msgs := smtpSrv.Messages()
	require.Len(t, msgs, 1)
	require.Equal(t, "notify@example.com", msgs[0].From)
	require.Equal(t, []string{"notify@example.com"}, msgs[0].To)
	require.Contains(t, string(msgs[0].Data), "Subject: Notification: Email id-7 forwarded")
}

func TestPublishDoesNotBlock(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	d, err := New([]Target{{Kind: TargetTelegram, Telegram: &Telegram{ChatID: "1", Token: "t"}}},
		discardLogger(), Options{TelegramAPI: srv.URL, QueueSize: 4})
	require.NoError(t, err)

	start := time.Now()
	for i := 0; i < 100; i++ {
		d.Publish(forwardedEvent("m"))
	}
	require.Less(t, time.Since(start), time.Second)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = d.Close(ctx)
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestQueueDropsOldest(t *testing.T) {
	s := &sink{name: "test", capacity: 2, wake: make(chan struct{}, 1), logger: discardLogger()}
	s.push(forwardedEvent("1"))
	s.push(forwardedEvent("2"))
	s.push(forwardedEvent("3"))

	require.Equal(t, 2, s.pending())
	ev, ok, _ := s.next()
	require.True(t, ok)
	require.Equal(t, "2", ev.MessageID)
	ev, ok, _ = s.next()
	require.True(t, ok)
	require.Equal(t, "3", ev.MessageID)
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	path := filepath.Join(t.TempDir(), "n.log")
	d, err := New([]Target{{Kind: TargetFile, File: &File{Path: path}}}, discardLogger(), Options{})
	require.NoError(t, err)
	closeDispatcher(t, d)

	d.Publish(forwardedEvent("late"))
	_, err = os.Stat(path)
	require.True(t, os.IsNotExist(err))
}

func TestTargetFromConfig(t *testing.T) {
	tg, err := TargetFromConfig(config.Notification{Type: "telegram", ChatID: "1", Token: "t"})
	require.NoError(t, err)
	require.Equal(t, TargetTelegram, tg.Kind)
	require.Equal(t, "t", tg.Telegram.Token)

	f, err := TargetFromConfig(config.Notification{Type: "file", FilePath: "/tmp/x"})
	require.NoError(t, err)
	require.Equal(t, "/tmp/x", f.File.Path)

	e, err := TargetFromConfig(config.Notification{Type: "email", SMTPHost: "h", SMTPPort: 587, SMTPUsername: "u"})
	require.NoError(t, err)
	require.Equal(t, 587, e.Email.Port)

	_, err = TargetFromConfig(config.Notification{Type: "pager"})
	require.Error(t, err)
}

func TestEventConstructors(t *testing.T) {
	failed := FromOutcome(forward.Outcome{Account: "a", MessageID: "m", Err: errors.New("smtp down")})
	require.Equal(t, KindForwardFailed, failed.Kind)
	require.Equal(t, SeverityWarning, failed.Severity)
	require.Contains(t, failed.Text(), "smtp down")
	require.NotEmpty(t, failed.ID)

	disabled := WorkerDisabled("a", errors.New("auth rejected"))
	require.Equal(t, SeverityCritical, disabled.Severity)
	require.Equal(t, "critical", disabled.Severity.String())

	ledger := LedgerFailure("a", "m", errors.New("disk full"))
	require.Equal(t, KindLedgerFailure, ledger.Kind)
	require.Equal(t, SeverityCritical, ledger.Severity)
	require.NotEqual(t, disabled.ID, ledger.ID)
}
