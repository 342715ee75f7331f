// Package notify fans events out to the configured notification targets.
// Each target has its own bounded queue and delivery goroutine, so a slow
// or failing target never delays the others or the publisher.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/tracyhatemice/mailforward/internal/metrics"
	"github.com/tracyhatemice/mailforward/internal/sender"
)

const (
	defaultQueueSize   = 64
	defaultSendTimeout = 30 * time.Second
)

// Publisher accepts events without blocking.
type Publisher interface {
	Publish(ev Event)
}

// Options tunes a Dispatcher. The zero value is usable.
type Options struct {
	QueueSize   int
	SendTimeout time.Duration
	HTTPClient  *http.Client
	TelegramAPI string
	Metrics     *metrics.Metrics
}

// Dispatcher delivers events to every target independently.
type Dispatcher struct {
	sinks  []*sink
	logger *slog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
	once   sync.Once
}

// New starts one delivery goroutine per target.
func New(targets []Target, logger *slog.Logger, opts Options) (*Dispatcher, error) {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.SendTimeout}
	}
	if opts.TelegramAPI == "" {
		opts.TelegramAPI = defaultTelegramAPI
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{logger: logger, cancel: cancel}
	for i, t := range targets {
		s, err := newSink(i, t, logger, opts)
		if err != nil {
			cancel()
			return nil, err
		}
		d.sinks = append(d.sinks, s)
	}
	for _, s := range d.sinks {
		s := s
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			s.run(ctx)
		}()
	}
	return d, nil
}

func newSink(i int, t Target, logger *slog.Logger, opts Options) (*sink, error) {
	s := &sink{
		name:        fmt.Sprintf("%s#%d", t.Kind, i),
		kind:        t.Kind.String(),
		capacity:    opts.QueueSize,
		wake:        make(chan struct{}, 1),
		sendTimeout: opts.SendTimeout,
		metrics:     opts.Metrics,
		logger:      logger,
	}
	switch t.Kind {
	case TargetTelegram:
		if t.Telegram == nil {
			return nil, fmt.Errorf("notification target %d: missing telegram settings", i)
		}
		tg, client, api := t.Telegram, opts.HTTPClient, opts.TelegramAPI
		s.send = func(ctx context.Context, ev Event) error {
			return sendTelegram(ctx, client, api, tg, ev)
		}
	case TargetFile:
		if t.File == nil {
			return nil, fmt.Errorf("notification target %d: missing file settings", i)
		}
		path := t.File.Path
		s.send = func(_ context.Context, ev Event) error {
			return appendFile(path, ev)
		}
	case TargetEmail:
		if t.Email == nil {
			return nil, fmt.Errorf("notification target %d: missing email settings", i)
		}
		e := t.Email
		client := sender.New(e.Host, e.Port, e.Username, e.Password, e.Port == 465, opts.SendTimeout, logger)
		s.send = func(ctx context.Context, ev Event) error {
			return sendEmail(ctx, client, ev)
		}
	default:
		return nil, fmt.Errorf("notification target %d: unknown kind %d", i, t.Kind)
	}
	return s, nil
}

// Publish enqueues ev on every target. It never blocks.
func (d *Dispatcher) Publish(ev Event) {
	if d == nil {
		return
	}
	for _, s := range d.sinks {
		s.push(ev)
	}
}

// Close stops intake and waits for queued events to be delivered. When ctx
// expires first, in-flight deliveries are cancelled and the remaining
// events are discarded.
func (d *Dispatcher) Close(ctx context.Context) error {
	if d == nil {
		return nil
	}
	for _, s := range d.sinks {
		s.close()
	}
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("notification drain: %w", ctx.Err())
		for _, s := range d.sinks {
			if n := s.pending(); n > 0 {
				d.logger.Warn("discarding undelivered notifications", "target", s.name, "count", n)
			}
		}
	}
	d.once.Do(d.cancel)
	<-done
	return err
}

// sink is the queue and delivery loop of one target.
type sink struct {
	name        string
	kind        string
	send        func(ctx context.Context, ev Event) error
	sendTimeout time.Duration
	metrics     *metrics.Metrics
	logger      *slog.Logger

	mu       sync.Mutex
	queue    []Event
	capacity int
	closed   bool
	wake     chan struct{}
}

// push appends ev, dropping the oldest pending event when full.
func (s *sink) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.capacity {
		dropped := s.queue[0]
		s.queue = s.queue[1:]
		s.logger.Warn("notification queue full, dropping oldest event",
			"target", s.name, "event_id", dropped.ID, "kind", dropped.Kind)
		s.metrics.NotificationDropped(s.kind)
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *sink) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *sink) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *sink) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *sink) next() (Event, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return Event{}, false, s.closed
	}
	ev := s.queue[0]
	s.queue = s.queue[1:]
	return ev, true, false
}

func (s *sink) run(ctx context.Context) {
	for {
		ev, ok, closed := s.next()
		if closed {
			return
		}
		if !ok {
			select {
			case <-s.wake:
			case <-ctx.Done():
				return
			}
			continue
		}
		if ctx.Err() != nil {
			return
		}
		s.deliver(ctx, ev)
	}
}

func (s *sink) deliver(ctx context.Context, ev Event) {
	sendCtx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	if err := s.send(sendCtx, ev); err != nil {
		s.metrics.NotificationFailed(s.kind)
		s.logger.Error("notification failed",
			"target", s.name,
			"event_id", ev.ID,
			"kind", ev.Kind,
			"account", ev.Account,
			"error", err,
		)
		return
	}
	s.logger.Debug("notification sent", "target", s.name, "event_id", ev.ID, "kind", ev.Kind)
}
