// Package watermark tracks the last-processed message UID and computes the
// delta set of unseen UIDs. The tracker never advances itself: advancement
// is the caller's decision after each message has been durably consumed, so
// a partial pipeline failure cannot silently skip messages.
package watermark

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
)

// ErrUninitialized is returned by ListNew before the watermark has been set
// by Initialize, Advance or a restored state file.
var ErrUninitialized = errors.New("watermark not initialized")

// Searcher is the slice of the session the tracker needs.
type Searcher interface {
	SearchAllUIDs() ([]imap.UID, error)
	SearchUIDsAbove(watermark imap.UID) ([]imap.UID, error)
}

// Tracker holds the watermark UID. It is monotonically non-decreasing for
// the tracker's lifetime; only Initialize may place it anywhere, and only
// before any Advance.
type Tracker struct {
	mu       sync.Mutex
	search   Searcher
	logger   *slog.Logger
	file     string
	uid      imap.UID
	set      bool
	restored bool
}

// NewTracker creates a tracker. If stateFile is non-empty and exists, the
// persisted watermark is restored from it; otherwise the caller is expected
// to run Initialize. stateFile may be empty for a purely in-memory tracker.
func NewTracker(search Searcher, stateFile string, logger *slog.Logger) (*Tracker, error) {
	t := &Tracker{
		search: search,
		logger: logger,
		file:   stateFile,
	}
	if stateFile == "" {
		return t, nil
	}

	if err := os.MkdirAll(filepath.Dir(stateFile), 0o755); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	data, err := os.ReadFile(stateFile)
	if err != nil {
		if os.IsNotExist(err) {
			return t, nil
		}
		return nil, fmt.Errorf("read watermark state: %w", err)
	}
	value, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 32)
	if err != nil {
		return nil, fmt.Errorf("parse watermark state: %w", err)
	}
	t.uid = imap.UID(value)
	t.set = true
	t.restored = true
	return t, nil
}

// Restored reports whether the watermark came from the state file.
func (t *Tracker) Restored() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.restored
}

// Current returns the watermark and whether it has been set.
func (t *Tracker) Current() (imap.UID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.uid, t.set
}

// Initialize queries all UIDs in the folder and sets the watermark to
// max − 1 − offset, so the newest message plus offset older ones count as
// unseen. With an empty folder the watermark stays unset.
func (t *Tracker) Initialize(offset uint32) error {
	uids, err := t.search.SearchAllUIDs()
	if err != nil {
		return fmt.Errorf("initialize watermark: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if len(uids) == 0 {
		t.set = false
		t.logger.Info("no messages found, watermark unset")
		return nil
	}

	var max imap.UID
	for _, uid := range uids {
		if uid > max {
			max = uid
		}
	}
	rewound := int64(max) - 1 - int64(offset)
	if rewound < 0 {
		rewound = 0
	}
	t.uid = imap.UID(rewound)
	t.set = true
	t.logger.Info("initialized watermark", "uid", t.uid, "offset", offset)
	return t.persistLocked()
}

// ListNew returns the UIDs strictly greater than the watermark, ascending,
// without duplicates. The server answers the range query, but the result is
// re-filtered client-side: some servers compare UID ranges loosely and a
// stale or lexical answer must not leak through.
func (t *Tracker) ListNew() ([]imap.UID, error) {
	t.mu.Lock()
	current, set := t.uid, t.set
	t.mu.Unlock()

	if !set {
		return nil, ErrUninitialized
	}

	raw, err := t.search.SearchUIDsAbove(current)
	if err != nil {
		return nil, fmt.Errorf("list new uids: %w", err)
	}

	seen := make(map[imap.UID]struct{}, len(raw))
	uids := make([]imap.UID, 0, len(raw))
	for _, uid := range raw {
		if uid <= current {
			continue
		}
		if _, dup := seen[uid]; dup {
			continue
		}
		seen[uid] = struct{}{}
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })
	return uids, nil
}

// Advance moves the watermark forward to uid and persists it. Calls that
// would move it backward are ignored.
func (t *Tracker) Advance(uid imap.UID) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.set && uid <= t.uid {
		return nil
	}
	t.uid = uid
	t.set = true
	return t.persistLocked()
}

func (t *Tracker) persistLocked() error {
	if t.file == "" {
		return nil
	}
	if err := os.WriteFile(t.file, []byte(strconv.FormatUint(uint64(t.uid), 10)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write watermark state: %w", err)
	}
	return nil
}
