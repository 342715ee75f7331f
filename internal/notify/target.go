package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/tracyhatemice/mailforward/internal/config"
	"github.com/tracyhatemice/mailforward/internal/sender"
)

// TargetKind selects the Target variant.
type TargetKind int

const (
	TargetTelegram TargetKind = iota + 1
	TargetFile
	TargetEmail
)

func (k TargetKind) String() string {
	switch k {
	case TargetTelegram:
		return "telegram"
	case TargetFile:
		return "file"
	case TargetEmail:
		return "email"
	default:
		return "unknown"
	}
}

// Target is a notification destination. Exactly one of the variant fields
// is set, as selected by Kind.
type Target struct {
	Kind     TargetKind
	Telegram *Telegram
	File     *File
	Email    *Email
}

// Telegram is a chat reached through the Bot API.
type Telegram struct {
	ChatID string
	Token  string
}

// File is a local log appended to once per event.
type File struct {
	Path string
}

// Email notifies the sending account itself.
type Email struct {
	Host     string
	Port     int
	Username string
	Password string
}

// TargetFromConfig converts a validated notification entry.
func TargetFromConfig(n config.Notification) (Target, error) {
	switch n.Type {
	case "telegram":
		return Target{Kind: TargetTelegram, Telegram: &Telegram{ChatID: n.ChatID, Token: n.Token}}, nil
	case "file":
		return Target{Kind: TargetFile, File: &File{Path: n.FilePath}}, nil
	case "email":
		return Target{Kind: TargetEmail, Email: &Email{
			Host:     n.SMTPHost,
			Port:     n.SMTPPort,
			Username: n.SMTPUsername,
			Password: n.SMTPPassword,
		}}, nil
	default:
		return Target{}, fmt.Errorf("unknown notification type %q", n.Type)
	}
}

const defaultTelegramAPI = "https://api.telegram.org"

func sendTelegram(ctx context.Context, client *http.Client, api string, t *Telegram, ev Event) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": t.ChatID,
		"text":    ev.Text(),
	})
	if err != nil {
		return fmt.Errorf("encode telegram payload: %w", err)
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", api, t.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		// The URL carries the bot token; keep it out of logs.
		var uerr *url.Error
		if errors.As(err, &uerr) {
			err = uerr.Err
		}
		return fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram api error: %s: %s", resp.Status, bytes.TrimSpace(body))
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}

// fileLocks serializes appends to the same path across targets.
var fileLocks sync.Map

func appendFile(path string, ev Event) error {
	mu, _ := fileLocks.LoadOrStore(path, &sync.Mutex{})
	mu.(*sync.Mutex).Lock()
	defer mu.(*sync.Mutex).Unlock()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create notification dir: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open notification file: %w", err)
	}
	line := fmt.Sprintf("[%s] %s\n", ev.Time.Format(time.DateTime), ev.Text())
	if _, err := f.WriteString(line); err != nil {
		f.Close()
		return fmt.Errorf("write notification file: %w", err)
	}
	return f.Close()
}

func emailMessage(from string, ev Event) []byte {
	subject := fmt.Sprintf("Notification: Email %s forwarded", ev.MessageID)
	switch ev.Kind {
	case KindForwardFailed:
		subject = fmt.Sprintf("Notification: Email %s failed to forward", ev.MessageID)
	case KindWorkerDisabled:
		subject = fmt.Sprintf("Notification: mailbox %s disabled", ev.Account)
	case KindLedgerFailure:
		subject = fmt.Sprintf("Notification: Email %s not recorded", ev.MessageID)
	}
	var b bytes.Buffer
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", from)
	fmt.Fprintf(&b, "Subject: %s\r\n", headerSafe(subject))
	fmt.Fprintf(&b, "Date: %s\r\n", ev.Time.Format(time.RFC1123Z))
	fmt.Fprintf(&b, "X-Notification-ID: %s\r\n", ev.ID)
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(ev.Text())
	b.WriteString("\r\n")
	return b.Bytes()
}

func headerSafe(s string) string {
	return strings.NewReplacer("\r", " ", "\n", " ").Replace(s)
}

func sendEmail(ctx context.Context, client *sender.Client, ev Event) error {
	from := client.Username()
	return client.Send(ctx, from, []string{from}, emailMessage(from, ev))
}
