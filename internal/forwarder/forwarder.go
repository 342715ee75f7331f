// Package forwarder runs one polling worker per mailbox. A worker connects,
// lists messages, skips those already recorded, then forwards, records and
// optionally deletes each remaining message in server order.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tracyhatemice/mailforward/internal/config"
	"github.com/tracyhatemice/mailforward/internal/fault"
	"github.com/tracyhatemice/mailforward/internal/forward"
	"github.com/tracyhatemice/mailforward/internal/ledger"
	"github.com/tracyhatemice/mailforward/internal/metrics"
	"github.com/tracyhatemice/mailforward/internal/notify"
	"github.com/tracyhatemice/mailforward/internal/receiver"
)

const (
	defaultRecordAttempts = 3
	defaultRecordPause    = 200 * time.Millisecond
)

// ReceiverSpec is the immutable description of one monitored mailbox.
type ReceiverSpec struct {
	AccountID          string
	Protocol           string
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	Folder             string
	CheckInterval      time.Duration
	DeleteAfterForward bool
}

// SpecFromConfig converts a validated receiver entry.
func SpecFromConfig(r config.Receiver) ReceiverSpec {
	spec := ReceiverSpec{
		AccountID:          r.AccountID(),
		Protocol:           r.Protocol,
		Host:               r.Host,
		Port:               r.Port,
		Username:           r.Username,
		Password:           r.Password,
		UseTLS:             r.UseTLS,
		CheckInterval:      r.CheckInterval(),
		DeleteAfterForward: r.DeleteAfterForward,
	}
	if r.Protocol == "imap" {
		spec.Folder = r.GetIMAPFolder()
	}
	return spec
}

// Account returns the connection settings for the receiver package.
func (s ReceiverSpec) Account() receiver.Account {
	return receiver.Account{
		Protocol: s.Protocol,
		Host:     s.Host,
		Port:     s.Port,
		Username: s.Username,
		Password: s.Password,
		UseTLS:   s.UseTLS,
		Folder:   s.Folder,
	}
}

// Pipeline relays one message. *forward.Pipeline implements it.
type Pipeline interface {
	Forward(ctx context.Context, account string, email receiver.Email) forward.Outcome
}

// Options tunes a Worker. Zero values fall back to defaults.
type Options struct {
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// SendTimeout bounds how long an in-flight message may keep running
	// after shutdown was requested.
	SendTimeout    time.Duration
	RecordAttempts int
	RecordPause    time.Duration
	Metrics        *metrics.Metrics
}

type nopPublisher struct{}

func (nopPublisher) Publish(notify.Event) {}

// runtimeState is owned by the worker goroutine.
type runtimeState struct {
	backoff  *Backoff
	failures int
}

// Worker monitors one mailbox and forwards new messages.
type Worker struct {
	spec     ReceiverSpec
	receiver receiver.Receiver
	pipeline Pipeline
	ledger   ledger.Ledger
	notifier notify.Publisher
	opts     Options
	logger   *slog.Logger
	now      func() time.Time

	state runtimeState
	phase atomic.Int32
	done  chan struct{}
}

// New creates a Worker for spec.
func New(
	spec ReceiverSpec,
	recv receiver.Receiver,
	pipeline Pipeline,
	l ledger.Ledger,
	notifier notify.Publisher,
	logger *slog.Logger,
	opts Options,
) *Worker {
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = 5 * time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 300 * time.Second
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = time.Minute
	}
	if opts.RecordAttempts <= 0 {
		opts.RecordAttempts = defaultRecordAttempts
	}
	if opts.RecordPause <= 0 {
		opts.RecordPause = defaultRecordPause
	}
	if notifier == nil {
		notifier = nopPublisher{}
	}
	if spec.CheckInterval <= 0 {
		spec.CheckInterval = 300 * time.Second
	}
	return &Worker{
		spec:     spec,
		receiver: recv,
		pipeline: pipeline,
		ledger:   l,
		notifier: notifier,
		opts:     opts,
		logger:   logger.With("account", spec.AccountID),
		now:      time.Now,
		state:    runtimeState{backoff: NewBackoff(opts.BackoffInitial, opts.BackoffMax)},
		done:     make(chan struct{}),
	}
}

// Account returns the account ID the worker is bound to.
func (w *Worker) Account() string {
	return w.spec.AccountID
}

// Phase reports the current step. Safe for concurrent use.
func (w *Worker) Phase() Phase {
	return Phase(w.phase.Load())
}

// Done is closed once Run has returned.
func (w *Worker) Done() <-chan struct{} {
	return w.done
}

func (w *Worker) setPhase(p Phase) {
	w.phase.Store(int32(p))
}

// Run polls the mailbox until ctx is cancelled or a permanent error occurs.
// The first poll starts immediately.
func (w *Worker) Run(ctx context.Context) {
	defer close(w.done)
	defer w.setPhase(PhaseStopped)
	defer func() {
		// A crash stops this mailbox only.
		if r := recover(); r != nil {
			err := fmt.Errorf("forwarder panicked: %v", r)
			w.logger.Error("forwarder crashed, disabling mailbox", "error", err, "stack", string(debug.Stack()))
			w.notifier.Publish(notify.WorkerDisabled(w.spec.AccountID, err))
		}
	}()

	w.logger.Info("starting forwarder",
		"protocol", w.spec.Protocol,
		"host", w.spec.Host,
		"interval", w.spec.CheckInterval,
		"delete_after_forward", w.spec.DeleteAfterForward,
	)

	for {
		w.setPhase(PhaseIdle)
		err := w.cycle(ctx)
		w.opts.Metrics.PollCycle(w.spec.AccountID)

		if ctx.Err() != nil {
			w.logger.Info("forwarder stopped")
			return
		}

		if fault.IsPermanent(err) {
			w.logger.Error("permanent failure, disabling mailbox", "error", err)
			w.notifier.Publish(notify.WorkerDisabled(w.spec.AccountID, err))
			return
		}

		if err != nil {
			w.state.failures++
			delay := w.state.backoff.Next()
			w.opts.Metrics.SetBackoff(w.spec.AccountID, delay.Seconds())
			w.logger.Warn("poll failed, backing off",
				"error", err,
				"failures", w.state.failures,
				"delay", delay,
			)
			w.setPhase(PhaseBackoff)
			if !sleep(ctx, delay) {
				w.logger.Info("forwarder stopped")
				return
			}
			continue
		}

		if w.state.failures > 0 {
			w.logger.Info("mailbox recovered", "after_failures", w.state.failures)
		}
		w.state.failures = 0
		w.state.backoff.Reset()
		w.opts.Metrics.SetBackoff(w.spec.AccountID, 0)

		w.setPhase(PhaseSleeping)
		if !sleep(ctx, w.spec.CheckInterval) {
			w.logger.Info("forwarder stopped")
			return
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

var errShutdown = errors.New("shutdown requested")

// cycle runs one connect-to-close pass over the mailbox. It returns the
// first permanent error, otherwise the last transient one.
func (w *Worker) cycle(ctx context.Context) error {
	// The session runs on its own context so that work already started
	// when ctx is cancelled can finish. inflight is held from the first
	// delete or forward until the session is closed, so pending deletes
	// are committed before the session is cancelled. The wait is bounded
	// by the send timeout.
	sctx, cancelSession := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSession()
	var inflight sync.Mutex
	stop := context.AfterFunc(ctx, func() {
		t := time.AfterFunc(w.opts.SendTimeout, cancelSession)
		inflight.Lock()
		cancelSession()
		inflight.Unlock()
		t.Stop()
	})
	defer stop()

	w.setPhase(PhaseConnecting)
	w.logger.Debug("polling")
	sess, err := w.receiver.Connect(sctx)
	if err != nil {
		return err
	}
	locked := false
	defer func() {
		if err := sess.Close(); err != nil {
			w.logger.Warn("closing mailbox session failed", "error", err)
		}
		if locked {
			inflight.Unlock()
		}
	}()

	w.setPhase(PhaseFetching)
	refs, err := sess.List(sctx)
	if err != nil {
		return err
	}

	w.setPhase(PhaseFiltering)
	pending, stale, err := w.filter(sctx, refs)
	if err != nil {
		return err
	}

	inflight.Lock()
	locked = true

	var failed error
	for _, ref := range stale {
		if ctx.Err() != nil {
			return nil
		}
		// Already forwarded and recorded; an earlier delete was lost.
		if err := sess.Delete(sctx, ref); err != nil {
			w.logger.Warn("delete of recorded message failed", "msg_id", ref.ID, "error", err)
			failed = err
			continue
		}
		w.logger.Info("deleted previously forwarded message", "msg_id", ref.ID)
	}

	if len(pending) == 0 {
		w.logger.Debug("no new emails")
		return failed
	}
	w.logger.Info(fmt.Sprintf("found %d new email(s)", len(pending)))

	for _, ref := range pending {
		if ctx.Err() != nil {
			break
		}
		err := w.process(ctx, sctx, sess, ref)
		if errors.Is(err, errShutdown) {
			break
		}
		if fault.IsPermanent(err) {
			return err
		}
		if err != nil {
			failed = err
		}
	}
	return failed
}

// filter splits refs into messages to forward and recorded messages that
// are still on the server and due for deletion.
func (w *Worker) filter(ctx context.Context, refs []receiver.Ref) (pending, stale []receiver.Ref, err error) {
	for _, ref := range refs {
		seen, err := w.ledger.Has(ctx, w.spec.AccountID, ref.ID)
		if err != nil {
			return nil, nil, fault.Transient(fmt.Errorf("ledger lookup %s: %w", ref.ID, err))
		}
		switch {
		case !seen:
			pending = append(pending, ref)
		case w.spec.DeleteAfterForward:
			stale = append(stale, ref)
		}
	}
	return pending, stale, nil
}

// process forwards, records and optionally deletes one message. ctx is the
// worker context, sctx the session context that outlives a shutdown
// request while the message is in flight.
func (w *Worker) process(ctx, sctx context.Context, sess receiver.Session, ref receiver.Ref) error {
	if ctx.Err() != nil {
		return errShutdown
	}

	w.setPhase(PhaseForwarding)
	email, err := sess.Retrieve(sctx, ref)
	if err != nil {
		w.opts.Metrics.ForwardFailed(w.spec.AccountID, fault.KindOf(err).String())
		w.logger.Error("retrieve failed", "msg_id", ref.ID, "error", err)
		return err
	}

	out := w.pipeline.Forward(sctx, w.spec.AccountID, email)
	if !out.Success {
		w.opts.Metrics.ForwardFailed(w.spec.AccountID, out.Kind().String())
		w.logger.Error("forward failed",
			"msg_id", ref.ID,
			"kind", out.Kind(),
			"error", out.Err,
		)
		w.notifier.Publish(notify.FromOutcome(out))
		return out.Err
	}

	w.setPhase(PhaseCommitting)
	rec := ledger.Record{Account: w.spec.AccountID, MessageID: ref.ID, ForwardedAt: out.At}
	if rec.ForwardedAt.IsZero() {
		rec.ForwardedAt = w.now()
	}
	if err := w.record(sctx, rec); err != nil {
		w.opts.Metrics.LedgerFailed(w.spec.AccountID)
		w.logger.Error("forwarded but not recorded, message may be forwarded again",
			"msg_id", ref.ID,
			"error", err,
		)
		w.notifier.Publish(notify.LedgerFailure(w.spec.AccountID, ref.ID, err))
		return fault.Transient(fmt.Errorf("record %s: %w", ref.ID, err))
	}

	w.opts.Metrics.Forwarded(w.spec.AccountID)
	w.logger.Info("forwarded",
		"msg_id", ref.ID,
		"subject", out.Subject,
		"to", out.ForwardTo,
	)
	w.notifier.Publish(notify.FromOutcome(out))

	if w.spec.DeleteAfterForward {
		if err := sess.Delete(sctx, ref); err != nil {
			w.logger.Warn("delete failed", "msg_id", ref.ID, "error", err)
			return fault.Transient(err)
		}
	}
	return nil
}

// record writes rec, retrying a bounded number of times.
func (w *Worker) record(ctx context.Context, rec ledger.Record) error {
	var err error
	for attempt := 1; ; attempt++ {
		if err = w.ledger.Record(ctx, rec); err == nil {
			return nil
		}
		if attempt >= w.opts.RecordAttempts {
			return fmt.Errorf("after %d attempts: %w", attempt, err)
		}
		w.logger.Warn("ledger record failed, retrying", "msg_id", rec.MessageID, "attempt", attempt, "error", err)
		if !sleep(ctx, w.opts.RecordPause) {
			return err
		}
	}
}
