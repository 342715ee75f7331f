// Package receivertest provides an in-memory mailbox implementing
// receiver.Receiver for tests.
package receivertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/tracyhatemice/mailforward/internal/receiver"
)

// Mailbox holds messages in server order. Deletions are applied when the
// session that requested them is closed, as POP3 does on QUIT.
type Mailbox struct {
	mu          sync.Mutex
	protocol    string
	msgs        []message
	next        uint32
	connects    int
	connectErr  func(attempt int) error
	listErr     error
	retrieveErr map[string]error
	onOp        func(op string)
	deleted     []string
	lateCloses  int
}

type message struct {
	id      string
	num     uint32
	content []byte
}

// New returns an empty mailbox speaking protocol.
func New(protocol string) *Mailbox {
	return &Mailbox{protocol: protocol, retrieveErr: make(map[string]error)}
}

// Add appends a message with the given ID.
func (m *Mailbox) Add(id string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	m.msgs = append(m.msgs, message{id: id, num: m.next, content: content})
}

// FailConnect makes Connect return fn(attempt) when non-nil.
func (m *Mailbox) FailConnect(fn func(attempt int) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = fn
}

// FailList makes List return err.
func (m *Mailbox) FailList(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listErr = err
}

// FailRetrieve makes Retrieve of id return err.
func (m *Mailbox) FailRetrieve(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.retrieveErr[id] = err
}

// OnOp registers a hook called with "retrieve:<id>" and "delete:<id>".
func (m *Mailbox) OnOp(fn func(op string)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onOp = fn
}

// IDs returns the IDs still on the server.
func (m *Mailbox) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.msgs))
	for _, msg := range m.msgs {
		ids = append(ids, msg.id)
	}
	return ids
}

// Deleted returns the IDs removed so far, in order.
func (m *Mailbox) Deleted() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.deleted...)
}

// Connects returns how many sessions were requested.
func (m *Mailbox) Connects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connects
}

// CancelledAtClose returns how many sessions were closed after their
// context had already been cancelled.
func (m *Mailbox) CancelledAtClose() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lateCloses
}

func (m *Mailbox) Protocol() string {
	return m.protocol
}

func (m *Mailbox) Connect(ctx context.Context) (receiver.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.connects++
	attempt, fn := m.connects, m.connectErr
	m.mu.Unlock()
	if fn != nil {
		if err := fn(attempt); err != nil {
			return nil, err
		}
	}
	return &session{mb: m, ctx: ctx, marked: make(map[uint32]bool)}, nil
}

func (m *Mailbox) op(name, id string) {
	m.mu.Lock()
	fn := m.onOp
	m.mu.Unlock()
	if fn != nil {
		fn(name + ":" + id)
	}
}

type session struct {
	mb     *Mailbox
	ctx    context.Context
	marked map[uint32]bool
}

func (s *session) List(ctx context.Context) ([]receiver.Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	if s.mb.listErr != nil {
		return nil, s.mb.listErr
	}
	refs := make([]receiver.Ref, 0, len(s.mb.msgs))
	for _, msg := range s.mb.msgs {
		refs = append(refs, receiver.Ref{ID: msg.id, Num: msg.num})
	}
	return refs, nil
}

func (s *session) Retrieve(ctx context.Context, ref receiver.Ref) (receiver.Email, error) {
	if err := ctx.Err(); err != nil {
		return receiver.Email{}, err
	}
	s.mb.op("retrieve", ref.ID)
	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	if err := s.mb.retrieveErr[ref.ID]; err != nil {
		return receiver.Email{}, err
	}
	for _, msg := range s.mb.msgs {
		if msg.num == ref.Num {
			return receiver.Email{ID: msg.id, Content: append([]byte(nil), msg.content...)}, nil
		}
	}
	return receiver.Email{}, fmt.Errorf("no such message %d", ref.Num)
}

func (s *session) Delete(ctx context.Context, ref receiver.Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mb.op("delete", ref.ID)
	s.marked[ref.Num] = true
	return nil
}

func (s *session) Close() error {
	s.mb.mu.Lock()
	defer s.mb.mu.Unlock()
	if s.ctx.Err() != nil {
		s.mb.lateCloses++
	}
	kept := s.mb.msgs[:0]
	for _, msg := range s.mb.msgs {
		if s.marked[msg.num] {
			s.mb.deleted = append(s.mb.deleted, msg.id)
			continue
		}
		kept = append(kept, msg)
	}
	s.mb.msgs = kept
	return nil
}
