// Package pipeline drives one sync cycle over the mailbox: list unseen
// UIDs, fetch and decode each message, and emit one extraction record per
// PDF attachment (or a single attachment-less record). The pipeline never
// advances the watermark; the caller does, after each record has been
// durably consumed downstream.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/emersion/go-imap/v2"

	"github.com/openbilling/mailsync/internal/decode"
	"github.com/openbilling/mailsync/internal/routing"
)

// Lister supplies the delta set of unseen UIDs, ascending.
type Lister interface {
	ListNew() ([]imap.UID, error)
}

// Fetcher returns the raw bytes of one message.
type Fetcher interface {
	FetchRaw(uid imap.UID) ([]byte, error)
}

// Decoder extracts structured content from raw message bytes.
type Decoder interface {
	Decode(raw []byte) (*decode.Message, error)
}

// Record pairs one message's context with at most one PDF attachment. A
// message with N attachments produces N records; one with none produces a
// single record with a nil Attachment.
type Record struct {
	UID      imap.UID
	Address  string
	Business string // empty when no business could be derived
	Subject  string
	Text     string
	Raw      []byte

	// Attachment is the decoded PDF payload, nil for attachment-less
	// records. Index is the record's position among the message's records.
	Attachment []byte
	Index      int
}

// Stage names the step at which a message failed.
type Stage string

const (
	StageFetch  Stage = "fetch"
	StageDecode Stage = "decode"
)

// Failure records one message that produced no records. Keeping failures in
// the report lets callers tell "no data because empty" from "no data
// because of failure".
type Failure struct {
	UID   imap.UID
	Stage Stage
	Err   error
}

// Report is the outcome of one sync cycle. Records are ordered by ascending
// UID, attachment order within each message.
type Report struct {
	Records  []Record
	Failures []Failure
}

// Pipeline orchestrates the watermark tracker, session and decoder.
type Pipeline struct {
	lister  Lister
	fetcher Fetcher
	decoder Decoder
	logger  *slog.Logger
}

// New creates a pipeline.
func New(lister Lister, fetcher Fetcher, decoder Decoder, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		lister:  lister,
		fetcher: fetcher,
		decoder: decoder,
		logger:  logger,
	}
}

// Sync runs one cycle. Messages are processed strictly sequentially in
// ascending UID order, and the context is checked between messages so large
// backlogs stay abortable. A per-message failure is logged, recorded, and
// does not halt the batch; Sync itself errors only when listing fails or
// the context is cancelled.
func (p *Pipeline) Sync(ctx context.Context) (*Report, error) {
	uids, err := p.lister.ListNew()
	if err != nil {
		return nil, fmt.Errorf("listing: %w", err)
	}

	report := &Report{}
	if len(uids) == 0 {
		p.logger.Debug("no new messages")
		return report, nil
	}
	p.logger.Info("syncing new messages", "count", len(uids))

	for _, uid := range uids {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		raw, err := p.fetcher.FetchRaw(uid)
		if err != nil {
			p.logger.Error("fetch failed", "uid", uid, "error", err)
			report.Failures = append(report.Failures, Failure{UID: uid, Stage: StageFetch, Err: err})
			continue
		}

		msg, err := p.decoder.Decode(raw)
		if err != nil {
			p.logger.Error("decode failed", "uid", uid, "error", err)
			report.Failures = append(report.Failures, Failure{UID: uid, Stage: StageDecode, Err: err})
			continue
		}

		base := Record{
			UID:      uid,
			Address:  msg.Address,
			Business: routing.ExtractBusiness(msg.Address),
			Subject:  msg.Subject,
			Text:     msg.Text,
			Raw:      raw,
		}
		if len(msg.PDFs) == 0 {
			report.Records = append(report.Records, base)
			continue
		}
		for i, pdf := range msg.PDFs {
			rec := base
			rec.Attachment = pdf
			rec.Index = i
			report.Records = append(report.Records, rec)
		}
	}
	return report, nil
}
