package session

import (
	"crypto/tls"
	"fmt"
	"net"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
)

// Client is the narrow slice of the IMAP client the session uses. Tests
// substitute a fake via WithClientFactory.
type Client interface {
	Login(username, password string) CommandWaiter
	Logout() CommandWaiter
	Close() error
	Select(mailbox string, options *imap.SelectOptions) SelectWaiter
	UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) SearchWaiter
	Fetch(numSet imap.NumSet, options *imap.FetchOptions) FetchWaiter
	Store(numSet imap.NumSet, flags *imap.StoreFlags, options *imap.StoreOptions) FetchWaiter
	UIDExpunge(uids imap.UIDSet) ExpungeWaiter
	List(ref, pattern string, options *imap.ListOptions) ListWaiter
}

type CommandWaiter interface{ Wait() error }

type SelectWaiter interface {
	Wait() (*imap.SelectData, error)
}

type SearchWaiter interface {
	Wait() (*imap.SearchData, error)
}

type FetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}

type ExpungeWaiter interface{ Close() error }

type ListWaiter interface {
	Collect() ([]*imap.ListData, error)
}

// ClientFactory dials and returns a ready (unauthenticated) client.
type ClientFactory func() (Client, error)

func (s *Session) defaultClientFactory() (Client, error) {
	addr := net.JoinHostPort(s.host, fmt.Sprintf("%d", s.port))
	opts := &imapclient.Options{
		Dialer: &net.Dialer{Timeout: s.dialTimeout},
	}

	var client *imapclient.Client
	var err error
	if s.useTLS {
		opts.TLSConfig = &tls.Config{ServerName: s.host}
		client, err = imapclient.DialTLS(addr, opts)
	} else {
		client, err = imapclient.DialInsecure(addr, opts)
	}
	if err != nil {
		return nil, fmt.Errorf("imap dial %s: %w", addr, err)
	}
	return &clientWrapper{Client: client}, nil
}

type clientWrapper struct{ *imapclient.Client }

func (w *clientWrapper) Login(username, password string) CommandWaiter {
	return w.Client.Login(username, password)
}

func (w *clientWrapper) Logout() CommandWaiter { return w.Client.Logout() }

func (w *clientWrapper) Select(mailbox string, options *imap.SelectOptions) SelectWaiter {
	return w.Client.Select(mailbox, options)
}

func (w *clientWrapper) UIDSearch(criteria *imap.SearchCriteria, options *imap.SearchOptions) SearchWaiter {
	return w.Client.UIDSearch(criteria, options)
}

func (w *clientWrapper) Fetch(numSet imap.NumSet, options *imap.FetchOptions) FetchWaiter {
	return w.Client.Fetch(numSet, options)
}

func (w *clientWrapper) Store(numSet imap.NumSet, flags *imap.StoreFlags, options *imap.StoreOptions) FetchWaiter {
	return w.Client.Store(numSet, flags, options)
}

func (w *clientWrapper) UIDExpunge(uids imap.UIDSet) ExpungeWaiter {
	return w.Client.UIDExpunge(uids)
}

func (w *clientWrapper) List(ref, pattern string, options *imap.ListOptions) ListWaiter {
	return w.Client.List(ref, pattern, options)
}
