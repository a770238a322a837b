// Package session owns the lifecycle of one IMAP mailbox connection and the
// low-level primitives against it: UID search, fetch, flag, delete, folder
// listing. One Session manages exactly one mailbox, and all commands are
// serialized because an IMAP connection is not safe for concurrent use.
package session

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
)

// State tracks how far the connection lifecycle has progressed.
type State int

const (
	StateDisconnected State = iota
	StateConnected
	StateAuthenticated
	StateSelected
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateAuthenticated:
		return "authenticated"
	case StateSelected:
		return "selected"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by every operation on a session whose Connect
// failed or was never called. Callers distinguish "mailbox is empty" from
// "session is unusable" through it.
var ErrNotConnected = errors.New("imap session not connected")

// ConnError reports a connect/login/select failure.
type ConnError struct {
	Op  string
	Err error
}

func (e *ConnError) Error() string { return fmt.Sprintf("imap %s: %v", e.Op, e.Err) }
func (e *ConnError) Unwrap() error { return e.Err }

// CommandError reports a failed protocol command on an established session.
type CommandError struct {
	Op  string
	Err error
}

func (e *CommandError) Error() string { return fmt.Sprintf("imap %s: %v", e.Op, e.Err) }
func (e *CommandError) Unwrap() error { return e.Err }

// Session is a stateful connection to one folder of one IMAP mailbox.
type Session struct {
	host        string
	port        int
	username    string
	password    string
	useTLS      bool
	folder      string
	dialTimeout time.Duration
	logger      *slog.Logger

	newClient ClientFactory

	mu     sync.Mutex
	client Client
	state  State
}

// Option customizes session behavior.
type Option func(*Session)

// WithDialTimeout overrides the socket dial timeout.
func WithDialTimeout(timeout time.Duration) Option {
	return func(s *Session) {
		if timeout > 0 {
			s.dialTimeout = timeout
		}
	}
}

// WithClientFactory overrides how the underlying client is dialed,
// primarily for tests.
func WithClientFactory(factory ClientFactory) Option {
	return func(s *Session) {
		if factory != nil {
			s.newClient = factory
		}
	}
}

// New creates a session for the given mailbox. No connection is made until
// Connect is called.
func New(host string, port int, username, password string, useTLS bool, folder string, logger *slog.Logger, opts ...Option) *Session {
	if folder == "" {
		folder = "INBOX"
	}
	s := &Session{
		host:        host,
		port:        port,
		username:    username,
		password:    password,
		useTLS:      useTLS,
		folder:      folder,
		dialTimeout: 10 * time.Second,
		logger:      logger,
	}
	s.newClient = s.defaultClientFactory
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connect dials, authenticates and selects the configured folder. On any
// failure the session is torn down and left disconnected; subsequent
// operations return ErrNotConnected until a Connect succeeds. Calling
// Connect on an already-selected session is a no-op.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateSelected {
		return nil
	}

	client, err := s.newClient()
	if err != nil {
		s.logger.Error("imap connect failed", "host", s.host, "error", err)
		return &ConnError{Op: "connect", Err: err}
	}
	s.client = client
	s.state = StateConnected

	if err := client.Login(s.username, s.password).Wait(); err != nil {
		s.logger.Error("imap login failed", "user", s.username, "error", err)
		s.teardownLocked()
		return &ConnError{Op: "login", Err: err}
	}
	s.state = StateAuthenticated

	if _, err := client.Select(s.folder, nil).Wait(); err != nil {
		s.logger.Error("imap select failed", "folder", s.folder, "error", err)
		s.teardownLocked()
		return &ConnError{Op: "select " + s.folder, Err: err}
	}
	s.state = StateSelected

	s.logger.Info("imap session ready", "host", s.host, "folder", s.folder)
	return nil
}

// Disconnect gracefully ends the session. Safe to call on an
// already-disconnected session.
func (s *Session) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client == nil {
		return
	}
	if err := s.client.Logout().Wait(); err != nil {
		s.logger.Debug("imap logout", "error", err)
	}
	s.teardownLocked()
	s.logger.Info("imap session closed", "host", s.host)
}

func (s *Session) teardownLocked() {
	if s.client != nil {
		if err := s.client.Close(); err != nil {
			s.logger.Debug("imap close", "error", err)
		}
		s.client = nil
	}
	s.state = StateDisconnected
}

func (s *Session) selectedLocked() (Client, error) {
	if s.state != StateSelected || s.client == nil {
		return nil, ErrNotConnected
	}
	return s.client, nil
}

// SearchAllUIDs returns every UID in the selected folder.
func (s *Session) SearchAllUIDs() ([]imap.UID, error) {
	return s.search("search all", &imap.SearchCriteria{})
}

// SearchUIDsAbove returns the UIDs the server reports for the range
// watermark+1:*. The result is a raw server answer; callers re-filter it.
func (s *Session) SearchUIDsAbove(watermark imap.UID) ([]imap.UID, error) {
	criteria := &imap.SearchCriteria{
		UID: []imap.UIDSet{{imap.UIDRange{Start: watermark + 1, Stop: 0}}},
	}
	return s.search(fmt.Sprintf("search uid %d:*", watermark+1), criteria)
}

func (s *Session) search(op string, criteria *imap.SearchCriteria) ([]imap.UID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.selectedLocked()
	if err != nil {
		return nil, err
	}
	data, err := client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		s.logger.Error("imap search failed", "op", op, "error", err)
		return nil, &CommandError{Op: op, Err: err}
	}
	return data.AllUIDs(), nil
}

// FetchRaw returns the full raw RFC 5322 bytes of one message. The fetch
// peeks, so it does not set \Seen on the server.
func (s *Session) FetchRaw(uid imap.UID) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.selectedLocked()
	if err != nil {
		return nil, err
	}

	bodySection := &imap.FetchItemBodySection{Peek: true}
	fetchOpts := &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{bodySection},
	}
	buffers, err := client.Fetch(imap.UIDSetNum(uid), fetchOpts).Collect()
	if err != nil {
		s.logger.Error("imap fetch failed", "uid", uid, "error", err)
		return nil, &CommandError{Op: fmt.Sprintf("fetch %d", uid), Err: err}
	}
	for _, buf := range buffers {
		if body := buf.FindBodySection(bodySection); body != nil {
			return append([]byte(nil), body...), nil
		}
	}
	return nil, &CommandError{Op: fmt.Sprintf("fetch %d", uid), Err: errors.New("no body returned")}
}

// SetFlag adds a flag (e.g. \Flagged) to one message.
func (s *Session) SetFlag(uid imap.UID, flag imap.Flag) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.selectedLocked()
	if err != nil {
		return err
	}
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{flag}}
	if err := client.Store(imap.UIDSetNum(uid), store, nil).Close(); err != nil {
		s.logger.Error("imap store failed", "uid", uid, "flag", flag, "error", err)
		return &CommandError{Op: fmt.Sprintf("store %d", uid), Err: err}
	}
	return nil
}

// Delete marks one message \Deleted and expunges it.
func (s *Session) Delete(uid imap.UID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.selectedLocked()
	if err != nil {
		return err
	}
	uidSet := imap.UIDSetNum(uid)
	store := &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}
	if err := client.Store(uidSet, store, nil).Close(); err != nil {
		s.logger.Error("imap store deleted failed", "uid", uid, "error", err)
		return &CommandError{Op: fmt.Sprintf("store %d", uid), Err: err}
	}
	if err := client.UIDExpunge(uidSet).Close(); err != nil {
		s.logger.Error("imap expunge failed", "uid", uid, "error", err)
		return &CommandError{Op: fmt.Sprintf("expunge %d", uid), Err: err}
	}
	return nil
}

// ListFolders enumerates the mailbox folders, for diagnostics.
func (s *Session) ListFolders() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	client, err := s.selectedLocked()
	if err != nil {
		return nil, err
	}
	data, err := client.List("", "*", nil).Collect()
	if err != nil {
		s.logger.Error("imap list failed", "error", err)
		return nil, &CommandError{Op: "list", Err: err}
	}
	folders := make([]string, 0, len(data))
	for _, d := range data {
		folders = append(folders, d.Mailbox)
	}
	return folders, nil
}
