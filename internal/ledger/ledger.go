// Package ledger records which messages have already been forwarded so a
// restart never relays them again.
package ledger

import (
	"context"
	"fmt"
	"time"
)

// Record marks one message of one account as forwarded.
type Record struct {
	Account     string
	MessageID   string
	ForwardedAt time.Time
}

// Ledger is the durable set of forwarded (account, message ID) pairs.
// Implementations must be safe for concurrent use.
type Ledger interface {
	// Has reports whether the pair was recorded.
	Has(ctx context.Context, account, messageID string) (bool, error)
	// Record persists the pair. Recording an existing pair is a no-op and
	// keeps the original timestamp.
	Record(ctx context.Context, rec Record) error
	// Prune removes records forwarded before the cutoff.
	Prune(ctx context.Context, before time.Time) (int, error)
	// Count returns the number of records.
	Count(ctx context.Context) (int, error)
	Close() error
}

// Open returns the ledger backend named by backend, stored at path.
func Open(backend, path string) (Ledger, error) {
	switch backend {
	case "sqlite":
		return OpenSQLite(path)
	case "file":
		return OpenFile(path)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", backend)
	}
}

type key struct {
	account string
	id      string
}
