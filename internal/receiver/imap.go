package receiver

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/tracyhatemice/mailforward/internal/fault"
)

type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) selectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter
	Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter
	Expunge() expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imap.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imap.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// IMAPReceiver fetches emails over IMAP/IMAPS from a single folder.
type IMAPReceiver struct {
	account     Account
	dialTimeout time.Duration
	logger      *slog.Logger
	newClient   func(Account) (imapClient, error)
}

// NewIMAP creates a new IMAP receiver.
func NewIMAP(acct Account, logger *slog.Logger) *IMAPReceiver {
	if acct.Folder == "" {
		acct.Folder = "INBOX"
	}
	r := &IMAPReceiver{
		account:     acct,
		dialTimeout: 30 * time.Second,
		logger:      logger,
	}
	r.newClient = r.dial
	return r
}

func (r *IMAPReceiver) Protocol() string {
	return "imap"
}

func (r *IMAPReceiver) dial(acct Account) (imapClient, error) {
	addr := net.JoinHostPort(acct.Host, strconv.Itoa(acct.Port))
	opts := &imapclient.Options{Dialer: &net.Dialer{Timeout: r.dialTimeout}}

	var client *imapclient.Client
	var err error
	if acct.UseTLS {
		opts.TLSConfig = &tls.Config{ServerName: acct.Host}
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, err
	}
	return &imapClientWrapper{Client: client}, nil
}

// Connect dials, logs in and selects the configured folder. The connection
// is torn down as soon as ctx is cancelled so blocked commands return.
func (r *IMAPReceiver) Connect(ctx context.Context) (Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	addr := net.JoinHostPort(r.account.Host, strconv.Itoa(r.account.Port))

	client, err := r.newClient(r.account)
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("imap connect %s: %w", addr, err))
	}
	stop := context.AfterFunc(ctx, func() { client.Close() })

	if err := client.Login(r.account.Username, r.account.Password).Wait(); err != nil {
		stop()
		client.Close()
		return nil, fault.Auth(fmt.Errorf("imap login %s: %w", r.account.Username, err))
	}

	data, err := client.Select(r.account.Folder, nil).Wait()
	if err != nil {
		stop()
		client.Close()
		return nil, fault.Transient(fmt.Errorf("imap select %s: %w", r.account.Folder, err))
	}
	var validity uint32
	if data != nil {
		validity = data.UIDValidity
	}

	return &imapSession{
		client:      client,
		folder:      r.account.Folder,
		uidValidity: validity,
		stop:        stop,
		logger:      r.logger,
	}, nil
}

type imapSession struct {
	client      imapClient
	folder      string
	uidValidity uint32
	stop        func() bool
	deleted     int
	logger      *slog.Logger
}

func (s *imapSession) messageID(uid imap.UID) string {
	return fmt.Sprintf("%d:%d", s.uidValidity, uid)
}

// List returns the unseen messages of the folder.
func (s *imapSession) List(ctx context.Context) ([]Ref, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	criteria := &imap.SearchCriteria{
		NotFlag: []imap.Flag{imap.FlagSeen},
	}
	data, err := s.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, fault.Transient(fmt.Errorf("imap search: %w", err))
	}

	uids := data.AllUIDs()
	refs := make([]Ref, 0, len(uids))
	for _, uid := range uids {
		refs = append(refs, Ref{ID: s.messageID(uid), Num: uint32(uid)})
	}
	s.logger.Debug("listed unseen messages", "folder", s.folder, "count", len(refs))
	return refs, nil
}

var bodySection = &imap.FetchItemBodySection{Peek: true}

// Retrieve downloads one message without setting \Seen.
func (s *imapSession) Retrieve(ctx context.Context, ref Ref) (Email, error) {
	if err := ctx.Err(); err != nil {
		return Email{}, err
	}
	uid := imap.UID(ref.Num)
	opts := &imap.FetchOptions{
		UID:          true,
		InternalDate: true,
		BodySection:  []*imap.FetchItemBodySection{bodySection},
	}
	bufs, err := s.client.Fetch(imap.UIDSetNum(uid), opts).Collect()
	if err != nil {
		return Email{}, fault.Transient(fmt.Errorf("imap fetch %d: %w", uid, err))
	}

	for _, buf := range bufs {
		if buf.UID != uid {
			continue
		}
		content := buf.FindBodySection(bodySection)
		if len(content) == 0 {
			return Email{}, fault.Transient(fmt.Errorf("imap fetch %d: empty body", uid))
		}
		return Email{
			ID:      ref.ID,
			Date:    buf.InternalDate,
			Content: append([]byte(nil), content...),
		}, nil
	}
	return Email{}, fault.Transient(fmt.Errorf("imap fetch %d: message not returned", uid))
}

// Delete flags the message \Deleted; Close expunges.
func (s *imapSession) Delete(ctx context.Context, ref Ref) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	store := &imap.StoreFlags{
		Op:     imap.StoreFlagsAdd,
		Silent: true,
		Flags:  []imap.Flag{imap.FlagDeleted},
	}
	if err := s.client.Store(imap.UIDSetNum(imap.UID(ref.Num)), store, nil).Close(); err != nil {
		return fault.Transient(fmt.Errorf("imap store deleted %d: %w", ref.Num, err))
	}
	s.deleted++
	return nil
}

func (s *imapSession) Close() error {
	defer s.stop()
	defer s.client.Close()

	if s.deleted > 0 {
		if err := s.client.Expunge().Close(); err != nil {
			return fmt.Errorf("imap expunge: %w", err)
		}
	}
	if err := s.client.Logout().Wait(); err != nil {
		return fmt.Errorf("imap logout: %w", err)
	}
	return nil
}

type imapClientWrapper struct{ *imapclient.Client }

func (w *imapClientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *imapClientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *imapClientWrapper) Select(mailbox string, options *imap.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *imapClientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *imapClientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *imapClientWrapper) Store(numSet imap.NumSet, store *imap.StoreFlags, options *imap.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *imapClientWrapper) Expunge() expungeWaiter { return w.Client.Expunge() }
