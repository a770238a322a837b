// Package export is the built-in consumer of extraction records. The real
// invoice/IDOC builders are external systems; this exporter writes each
// record to disk in the shape their constructors take, one JSON metadata
// document plus the attachment payload.
package export

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"

	"github.com/openbilling/mailsync/internal/pipeline"
)

// SegmentPaths carries the three IDOC segment template paths handed to
// downstream document builders with every record.
type SegmentPaths struct {
	Start   string
	Dynamic string
	End     string
}

// FileExporter writes extraction records under a single output directory.
type FileExporter struct {
	dir      string
	segments SegmentPaths
	logger   *slog.Logger
}

// New creates the exporter and its output directory.
func New(dir string, segments SegmentPaths, logger *slog.Logger) (*FileExporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create export dir: %w", err)
	}
	return &FileExporter{
		dir:      dir,
		segments: segments,
		logger:   logger,
	}, nil
}

type recordDoc struct {
	UID            uint32 `json:"uid"`
	Address        string `json:"address"`
	Business       string `json:"business,omitempty"`
	Subject        string `json:"subject"`
	Text           string `json:"text"`
	Attachment     string `json:"attachment,omitempty"`
	StartSegment   string `json:"start_segment,omitempty"`
	DynamicSegment string `json:"dynamic_segment,omitempty"`
	EndSegment     string `json:"end_segment,omitempty"`
}

// Consume writes one record as <uid>-<index>.json, with the PDF payload (if
// any) alongside as <uid>-<index>.pdf.
func (e *FileExporter) Consume(_ context.Context, rec pipeline.Record) error {
	stem := fmt.Sprintf("%d-%d", rec.UID, rec.Index)

	doc := recordDoc{
		UID:            uint32(rec.UID),
		Address:        rec.Address,
		Business:       rec.Business,
		Subject:        rec.Subject,
		Text:           rec.Text,
		StartSegment:   e.segments.Start,
		DynamicSegment: e.segments.Dynamic,
		EndSegment:     e.segments.End,
	}

	if rec.Attachment != nil {
		name := stem + ".pdf"
		if err := os.WriteFile(filepath.Join(e.dir, name), rec.Attachment, 0o644); err != nil {
			return fmt.Errorf("write attachment: %w", err)
		}
		doc.Attachment = name
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := os.WriteFile(filepath.Join(e.dir, stem+".json"), data, 0o644); err != nil {
		return fmt.Errorf("write record: %w", err)
	}

	e.logger.Debug("exported record", "uid", rec.UID, "index", rec.Index)
	return nil
}
