// Package forward relays one fetched message to the destination address and
// reports the result as an Outcome. It never touches the ledger or the
// source mailbox.
package forward

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/tracyhatemice/mailforward/internal/fault"
	"github.com/tracyhatemice/mailforward/internal/receiver"
)

// Transport submits a prepared message. *sender.Client implements it.
type Transport interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

// Outcome is the result of relaying one message.
type Outcome struct {
	Account   string
	MessageID string
	Subject   string
	From      string
	ForwardTo string
	Success   bool
	Err       error
	At        time.Time
}

// Kind classifies a failed outcome.
func (o Outcome) Kind() fault.Kind {
	return fault.KindOf(o.Err)
}

// Pipeline builds and submits forwarded copies through a shared Transport.
type Pipeline struct {
	transport Transport
	from      string
	forwardTo string
	now       func() time.Time
	logger    *slog.Logger
}

// New returns a pipeline that sends as envelope sender from to forwardTo.
func New(transport Transport, from, forwardTo string, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		transport: transport,
		from:      from,
		forwardTo: forwardTo,
		now:       time.Now,
		logger:    logger,
	}
}

// Forward relays email on behalf of account. It always returns an Outcome;
// failures are carried in Outcome.Err with their fault classification.
func (p *Pipeline) Forward(ctx context.Context, account string, email receiver.Email) (out Outcome) {
	out = Outcome{
		Account:   account,
		MessageID: email.ID,
		ForwardTo: p.forwardTo,
	}
	defer func() {
		if r := recover(); r != nil {
			out.Success = false
			out.Err = fault.Permanent(fmt.Errorf("forward panicked: %v", r))
			p.logger.Error("forward panicked", "account", account, "msg_id", email.ID, "panic", r)
		}
		out.At = p.now()
	}()

	out.Subject, out.From = summarize(email.Content)

	msg := p.build(account, email)
	if err := p.transport.Send(ctx, p.from, []string{p.forwardTo}, msg); err != nil {
		out.Err = err
		return out
	}
	out.Success = true
	return out
}

// build prepends tracing and resent headers to the original message. The
// original header block and body are left untouched.
func (p *Pipeline) build(account string, email receiver.Email) []byte {
	now := p.now().UTC()
	var b bytes.Buffer
	fmt.Fprintf(&b, "Resent-From: %s\r\n", headerValue(p.from))
	fmt.Fprintf(&b, "Resent-To: %s\r\n", headerValue(p.forwardTo))
	fmt.Fprintf(&b, "Resent-Date: %s\r\n", now.Format(time.RFC1123Z))
	b.WriteString("X-Forwarded-By: mailforward\r\n")
	fmt.Fprintf(&b, "X-Forwarded-Account: %s\r\n", headerValue(account))
	fmt.Fprintf(&b, "X-Original-Message-ID: %s\r\n", headerValue(email.ID))
	fmt.Fprintf(&b, "X-Forwarded-Time: %s\r\n", now.Format(time.RFC3339))
	b.Write(email.Content)
	return b.Bytes()
}

// headerValue keeps caller-supplied values on one header line.
func headerValue(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

// summarize extracts Subject and the first From address for notifications.
func summarize(raw []byte) (subject, from string) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return "", ""
	}
	defer reader.Close()
	subject, _ = reader.Header.Subject()
	if addrs, err := reader.Header.AddressList("From"); err == nil && len(addrs) > 0 {
		from = addrs[0].Address
	}
	return subject, from
}
