package ledger

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// File is an append-only Ledger. Every record is one line of
// quoted account, quoted message ID and RFC 3339 timestamp separated by
// tabs. The whole set is held in memory and all writes go through one
// mutex-guarded handle.
type File struct {
	mu      sync.Mutex
	records map[key]time.Time
	path    string
	f       appendHandle
	size    int64 // offset just past the last complete line
}

type appendHandle interface {
	Write(p []byte) (int, error)
	Sync() error
	Truncate(size int64) error
	Close() error
}

// OpenFile loads (or creates) a file ledger at path. An unterminated final
// line is what an interrupted append leaves behind; it is discarded.
func OpenFile(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger dir: %w", err)
	}

	l := &File{
		records: make(map[key]time.Time),
		path:    path,
	}
	if err := l.load(); err != nil {
		return nil, err
	}
	if err := l.reopen(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *File) reopen() error {
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger file for append: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat ledger file: %w", err)
	}
	if info.Size() > l.size {
		if err := f.Truncate(l.size); err != nil {
			f.Close()
			return fmt.Errorf("truncate torn ledger tail: %w", err)
		}
	}
	l.f = f
	return nil
}

func (l *File) load() error {
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read ledger file: %w", err)
	}

	var offset int64
	lineNo := 0
	for len(data) > 0 {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			// Torn tail, dropped by reopen.
			break
		}
		lineNo++
		line := strings.TrimSpace(string(data[:i]))
		data = data[i+1:]
		offset += int64(i + 1)
		if line == "" {
			continue
		}
		rec, err := parseLine(line)
		if err != nil {
			return fmt.Errorf("ledger file %s line %d: %w", l.path, lineNo, err)
		}
		k := key{rec.Account, rec.MessageID}
		if _, ok := l.records[k]; !ok {
			l.records[k] = rec.ForwardedAt
		}
	}
	l.size = offset
	return nil
}

func formatLine(rec Record) string {
	return strconv.Quote(rec.Account) + "\t" +
		strconv.Quote(rec.MessageID) + "\t" +
		rec.ForwardedAt.UTC().Format(time.RFC3339Nano) + "\n"
}

func parseLine(line string) (Record, error) {
	parts := strings.Split(line, "\t")
	if len(parts) != 3 {
		return Record{}, fmt.Errorf("expected 3 fields, got %d", len(parts))
	}
	account, err := strconv.Unquote(parts[0])
	if err != nil {
		return Record{}, fmt.Errorf("account: %w", err)
	}
	id, err := strconv.Unquote(parts[1])
	if err != nil {
		return Record{}, fmt.Errorf("message id: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, parts[2])
	if err != nil {
		return Record{}, fmt.Errorf("timestamp: %w", err)
	}
	return Record{Account: account, MessageID: id, ForwardedAt: at}, nil
}

func (l *File) Has(_ context.Context, account, messageID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.records[key{account, messageID}]
	return ok, nil
}

// Record appends rec and fsyncs before it becomes visible to Has. A failed
// write is cut back to the last complete line so the next append starts
// clean.
func (l *File) Record(_ context.Context, rec Record) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key{rec.Account, rec.MessageID}
	if _, exists := l.records[k]; exists {
		return nil
	}
	if l.f == nil {
		return fmt.Errorf("ledger file closed")
	}

	line := formatLine(rec)
	if _, err := l.f.Write([]byte(line)); err != nil {
		return l.rollback(fmt.Errorf("write ledger record: %w", err))
	}
	if err := l.f.Sync(); err != nil {
		return l.rollback(fmt.Errorf("sync ledger file: %w", err))
	}
	l.size += int64(len(line))
	l.records[k] = rec.ForwardedAt
	return nil
}

func (l *File) rollback(err error) error {
	if terr := l.f.Truncate(l.size); terr != nil {
		return fmt.Errorf("%w (truncate to %d: %v)", err, l.size, terr)
	}
	return err
}

// Prune rewrites the file without records older than before. The rewrite
// goes to a temporary file that replaces the original atomically.
func (l *File) Prune(_ context.Context, before time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	keep := make(map[key]time.Time, len(l.records))
	for k, at := range l.records {
		if !at.Before(before) {
			keep[k] = at
		}
	}
	removed := len(l.records) - len(keep)
	if removed == 0 {
		return 0, nil
	}

	tmp, err := os.CreateTemp(filepath.Dir(l.path), filepath.Base(l.path)+".tmp-*")
	if err != nil {
		return 0, fmt.Errorf("create ledger temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	var written int64
	for k, at := range keep {
		n, err := w.WriteString(formatLine(Record{Account: k.account, MessageID: k.id, ForwardedAt: at}))
		written += int64(n)
		if err != nil {
			tmp.Close()
			return 0, fmt.Errorf("write ledger temp file: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("flush ledger temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return 0, fmt.Errorf("sync ledger temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("close ledger temp file: %w", err)
	}

	if l.f != nil {
		l.f.Close()
		l.f = nil
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		if rerr := l.reopen(); rerr != nil {
			return 0, fmt.Errorf("reopen ledger file: %w", rerr)
		}
		return 0, fmt.Errorf("replace ledger file: %w", err)
	}
	l.size = written
	if err := l.reopen(); err != nil {
		return 0, fmt.Errorf("reopen ledger file: %w", err)
	}
	l.records = keep
	return removed, nil
}

// Count returns the number of tracked records.
func (l *File) Count(_ context.Context) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.records), nil
}

func (l *File) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
