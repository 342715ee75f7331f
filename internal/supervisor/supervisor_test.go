package supervisor

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tracyhatemice/mailforward/internal/fault"
	"github.com/tracyhatemice/mailforward/internal/forward"
	"github.com/tracyhatemice/mailforward/internal/forwarder"
	"github.com/tracyhatemice/mailforward/internal/ledger"
	"github.com/tracyhatemice/mailforward/internal/notify"
	"github.com/tracyhatemice/mailforward/internal/receiver/receivertest"
)

type countingTransport struct {
	mu   sync.Mutex
	sent int
}

func (c *countingTransport) Send(context.Context, string, []string, []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent++
	return nil
}

func (c *countingTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sent
}

type closeTracker struct {
	ledger.Ledger
	closed atomic.Bool
}

func (c *closeTracker) Close() error {
	c.closed.Store(true)
	return c.Ledger.Close()
}

type fakeDispatcher struct {
	closed atomic.Bool
}

func (d *fakeDispatcher) Close(context.Context) error {
	d.closed.Store(true)
	return nil
}

type fakePruner struct {
	started, stopped atomic.Bool
}

func (p *fakePruner) Start() { p.started.Store(true) }
func (p *fakePruner) Stop()  { p.stopped.Store(true) }

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newWorker(account string, interval time.Duration, mb *receivertest.Mailbox, tr forward.Transport, l ledger.Ledger, pub notify.Publisher) *forwarder.Worker {
	spec := forwarder.ReceiverSpec{AccountID: account, Protocol: "pop3", CheckInterval: interval}
	pipe := forward.New(tr, "relay@example.com", "target@example.com", discard())
	return forwarder.New(spec, mb, pipe, l, pub, discard(), forwarder.Options{
		BackoffInitial: time.Millisecond,
		BackoffMax:     time.Millisecond,
	})
}

func runFor(t *testing.T, s *Supervisor, d time.Duration) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	require.NoError(t, s.Run(ctx))
}

func TestWorkerIsolation(t *testing.T) {
	l := &closeTracker{Ledger: ledger.NewMemory()}
	disp, err := notify.New(nil, discard(), notify.Options{})
	require.NoError(t, err)
	tr := &countingTransport{}

	var workers []Worker
	var mailboxes []*receivertest.Mailbox
	for _, name := range []string{"a", "b", "c"} {
		mb := receivertest.New("pop3")
		mb.Add(name+"-1", []byte("Subject: x\r\n\r\nx\r\n"))
		mb.Add(name+"-2", []byte("Subject: y\r\n\r\ny\r\n"))
		mailboxes = append(mailboxes, mb)
		workers = append(workers, newWorker(name, time.Hour, mb, tr, l, disp))
	}
	mailboxes[1].FailConnect(func(int) error {
		return fault.Permanent(errors.New("auth rejected"))
	})

	s, err := New(workers, l, disp, Options{Grace: time.Second, Logger: discard()})
	require.NoError(t, err)
	runFor(t, s, 300*time.Millisecond)

	require.Equal(t, 4, tr.count())
	for _, id := range []string{"a-1", "a-2", "c-1", "c-2"} {
		seen, err := l.Has(context.Background(), id[:1], id)
		require.NoError(t, err)
		require.True(t, seen, id)
	}
	require.Equal(t, 1, mailboxes[1].Connects())
	for _, w := range workers {
		require.Equal(t, forwarder.PhaseStopped, w.(*forwarder.Worker).Phase())
	}
	require.True(t, l.closed.Load())
}

func TestIndependentIntervals(t *testing.T) {
	l := ledger.NewMemory()
	tr := &countingTransport{}
	fast := receivertest.New("pop3")
	slow := receivertest.New("pop3")

	s, err := New([]Worker{
		newWorker("fast", 10*time.Millisecond, fast, tr, l, nil),
		newWorker("slow", 20*time.Millisecond, slow, tr, l, nil),
	}, l, nil, Options{Grace: time.Second, Logger: discard()})
	require.NoError(t, err)
	runFor(t, s, 200*time.Millisecond)

	require.GreaterOrEqual(t, slow.Connects(), 2)
	require.Greater(t, fast.Connects(), slow.Connects())
	require.Zero(t, tr.count())
}

type stuckWorker struct {
	account string
	release chan struct{}
	done    chan struct{}
}

func (w *stuckWorker) Run(context.Context) {
	defer close(w.done)
	<-w.release
}
func (w *stuckWorker) Account() string       { return w.account }
func (w *stuckWorker) Done() <-chan struct{} { return w.done }

func TestGraceTimeoutReportsStuckWorkers(t *testing.T) {
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))

	stuck := &stuckWorker{account: "stuck-box", release: make(chan struct{}), done: make(chan struct{})}
	defer close(stuck.release)

	l := &closeTracker{Ledger: ledger.NewMemory()}
	disp := &fakeDispatcher{}
	pruner := &fakePruner{}
	mb := receivertest.New("pop3")

	s, err := New([]Worker{
		newWorker("ok-box", time.Hour, mb, &countingTransport{}, l, nil),
		stuck,
	}, l, disp, Options{Grace: 50 * time.Millisecond, Pruner: pruner, Logger: logger})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	require.NoError(t, s.Run(ctx))
	require.Less(t, time.Since(start), 2*time.Second)

	require.Contains(t, logs.String(), "did not stop within grace period")
	require.Contains(t, logs.String(), "stuck-box")
	require.NotContains(t, logs.String(), "ok-box")
	require.True(t, disp.closed.Load())
	require.True(t, l.closed.Load())
	require.True(t, pruner.started.Load())
	require.True(t, pruner.stopped.Load())
}

func TestNewRequiresWorkers(t *testing.T) {
	_, err := New(nil, ledger.NewMemory(), nil, Options{})
	require.ErrorContains(t, err, "no receivers")
}

func TestShutdownSucceedsWhenNotificationsHang(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })

	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, nil))
	disp, err := notify.New([]notify.Target{{Kind: notify.TargetTelegram, Telegram: &notify.Telegram{ChatID: "1", Token: "t"}}},
		logger, notify.Options{TelegramAPI: srv.URL})
	require.NoError(t, err)

	l := &closeTracker{Ledger: ledger.NewMemory()}
	mb := receivertest.New("pop3")
	mb.Add("m1", []byte("Subject: x\r\n\r\nx\r\n"))
	w := newWorker("a", time.Hour, mb, &countingTransport{}, l, disp)

	s, err := New([]Worker{w}, l, disp, Options{
		Grace:       time.Second,
		NotifyDrain: 50 * time.Millisecond,
		Logger:      logger,
	})
	require.NoError(t, err)

	runFor(t, s, 200*time.Millisecond)
	require.True(t, l.closed.Load())
	require.Contains(t, logs.String(), "notifications not fully delivered")
}
