package sender

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"net/textproto"
	"strconv"
	"time"

	"github.com/tracyhatemice/mailforward/internal/fault"
)

// Client submits raw messages over SMTP. Every Send opens its own
// connection, so concurrent callers never queue behind each other.
type Client struct {
	host     string
	port     int
	username string
	password string
	useTLS   bool
	timeout  time.Duration
	logger   *slog.Logger
	dial     func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New creates a new SMTP client. useTLS selects implicit TLS (SMTPS);
// otherwise STARTTLS is used when the server offers it. timeout bounds a
// whole session from dial to QUIT.
func New(host string, port int, username, password string, useTLS bool, timeout time.Duration, logger *slog.Logger) *Client {
	d := &net.Dialer{Timeout: timeout}
	return &Client{
		host:     host,
		port:     port,
		username: username,
		password: password,
		useTLS:   useTLS,
		timeout:  timeout,
		logger:   logger,
		dial:     d.DialContext,
	}
}

// Username returns the account the client authenticates as.
func (c *Client) Username() string {
	return c.username
}

// Send delivers msg to every address in to. It returns nil only after the
// server accepted the message data.
func (c *Client) Send(ctx context.Context, from string, to []string, msg []byte) error {
	if len(to) == 0 {
		return fmt.Errorf("no recipients specified")
	}
	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	conn, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if err := conn.SetDeadline(deadline); err != nil {
		conn.Close()
		return fmt.Errorf("smtp set deadline: %w", err)
	}
	// Cancelling ctx expires the deadline, which unblocks any pending I/O.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	tlsConfig := &tls.Config{ServerName: c.host}
	if c.useTLS {
		tlsConn := tls.Client(conn, tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("smtp tls handshake %s: %w", addr, err)
		}
		conn = tlsConn
	}

	client, err := smtp.NewClient(conn, c.host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp new client: %w", err)
	}
	defer client.Close()

	if !c.useTLS {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(tlsConfig); err != nil {
				return fmt.Errorf("smtp starttls: %w", err)
			}
		}
	}

	if c.username != "" && c.password != "" {
		auth := smtp.PlainAuth("", c.username, c.password, c.host)
		if err := client.Auth(auth); err != nil {
			return authError(fmt.Errorf("smtp auth: %w", err))
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp RCPT TO %s: %w", rcpt, err)
		}
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp close data: %w", err)
	}

	// The message is accepted at this point; a failed QUIT changes nothing.
	if err := client.Quit(); err != nil {
		c.logger.Debug("smtp quit failed after acceptance", "error", err)
	}
	return nil
}

// authError keeps 4xx replies retryable; any other failure that is not a
// network error (bad credentials, no AUTH, plain auth refused without TLS)
// will not fix itself.
func authError(err error) error {
	var pe *textproto.Error
	if errors.As(err, &pe) && pe.Code < 500 {
		return fault.Transient(err)
	}
	return fault.Auth(err)
}
