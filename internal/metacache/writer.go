// Package metacache projects slim per-message metadata into a key-value
// store, so lookups by UID do not require re-fetching full messages.
package metacache

import (
	"context"
	"log/slog"
	"strconv"

	"github.com/emersion/go-imap/v2"
	"github.com/redis/go-redis/v9"

	"github.com/openbilling/mailsync/internal/routing"
)

// HashSetter is the slice of the Redis client the writer uses.
type HashSetter interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
}

// Fetcher returns the raw bytes of one message.
type Fetcher interface {
	FetchRaw(uid imap.UID) ([]byte, error)
}

// HeaderDecoder is the light decode path: sender and subject only.
type HeaderDecoder interface {
	DecodeHeaders(raw []byte) (address, subject string, err error)
}

// Writer writes one hash per UID with the fields {business, subject}.
type Writer struct {
	store   HashSetter
	fetcher Fetcher
	decoder HeaderDecoder
	logger  *slog.Logger
}

// New creates a metadata cache writer.
func New(store HashSetter, fetcher Fetcher, decoder HeaderDecoder, logger *slog.Logger) *Writer {
	return &Writer{
		store:   store,
		fetcher: fetcher,
		decoder: decoder,
		logger:  logger,
	}
}

// WriteBatch caches metadata for the given UIDs. Per-UID failures are
// logged and do not abort the batch; the number of records written is
// returned.
func (w *Writer) WriteBatch(ctx context.Context, uids []imap.UID) int {
	written := 0
	for _, uid := range uids {
		if ctx.Err() != nil {
			return written
		}

		raw, err := w.fetcher.FetchRaw(uid)
		if err != nil {
			w.logger.Error("metadata fetch failed", "uid", uid, "error", err)
			continue
		}
		address, subject, err := w.decoder.DecodeHeaders(raw)
		if err != nil {
			w.logger.Error("metadata decode failed", "uid", uid, "error", err)
			continue
		}

		key := strconv.FormatUint(uint64(uid), 10)
		err = w.store.HSet(ctx, key,
			"business", routing.ExtractBusiness(address),
			"subject", subject,
		).Err()
		if err != nil {
			w.logger.Error("metadata cache write failed", "uid", uid, "error", err)
			continue
		}
		written++
	}
	return written
}
