package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/redis/go-redis/v9"

	"github.com/openbilling/mailsync/internal/config"
	"github.com/openbilling/mailsync/internal/decode"
	"github.com/openbilling/mailsync/internal/export"
	"github.com/openbilling/mailsync/internal/metacache"
	"github.com/openbilling/mailsync/internal/pipeline"
	"github.com/openbilling/mailsync/internal/routing"
	"github.com/openbilling/mailsync/internal/session"
	"github.com/openbilling/mailsync/internal/watermark"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	logger.Info("mailsync starting", "host", cfg.IMAP.Host, "folder", cfg.IMAP.GetFolder())

	criteria, err := routing.LoadCriteria(cfg.Criteria)
	if err != nil {
		logger.Error("failed to load criteria", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded routing criteria", "businesses", len(criteria))

	sess := session.New(
		cfg.IMAP.Host, cfg.IMAP.Port,
		cfg.IMAP.Username, cfg.IMAP.Password,
		cfg.IMAP.UseTLS, cfg.IMAP.GetFolder(),
		logger,
		session.WithDialTimeout(cfg.IMAP.DialTimeout()),
	)
	defer sess.Disconnect()

	tracker, err := watermark.NewTracker(sess, cfg.Watermark.StateFile, logger)
	if err != nil {
		logger.Error("failed to create watermark tracker", "error", err)
		os.Exit(1)
	}
	if tracker.Restored() {
		uid, _ := tracker.Current()
		logger.Info("restored watermark", "uid", uid)
	}

	decoder := decode.NewDecoder(logger)

	exporter, err := export.New(cfg.Export.Dir, export.SegmentPaths{
		Start:   cfg.Export.StartSegment,
		Dynamic: cfg.Export.DynamicSegment,
		End:     cfg.Export.EndSegment,
	}, logger)
	if err != nil {
		logger.Error("failed to create exporter", "error", err)
		os.Exit(1)
	}

	var cache *metacache.Writer
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		cache = metacache.New(rdb, sess, decoder, logger)
	}

	a := &app{
		cfg:      cfg,
		logger:   logger,
		sess:     sess,
		tracker:  tracker,
		pipe:     pipeline.New(tracker, sess, decoder, logger),
		criteria: criteria,
		exporter: exporter,
		cache:    cache,
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.run(ctx)
	logger.Info("mailsync stopped")
}

type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	sess     *session.Session
	tracker  *watermark.Tracker
	pipe     *pipeline.Pipeline
	criteria routing.Criteria
	exporter *export.FileExporter
	cache    *metacache.Writer
}

// run polls the mailbox on the configured interval until ctx is cancelled.
func (a *app) run(ctx context.Context) {
	// Poll immediately on start, then on interval.
	a.poll(ctx)

	ticker := time.NewTicker(a.cfg.PollInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.poll(ctx)
		}
	}
}

// poll runs one sync cycle. A dead connection or a failed cycle is logged
// and retried on the next tick; the process keeps draining the mailbox.
func (a *app) poll(ctx context.Context) {
	if a.sess.State() != session.StateSelected {
		if err := a.sess.Connect(); err != nil {
			a.logger.Error("connect failed, will retry", "error", err)
			return
		}
		if folders, err := a.sess.ListFolders(); err == nil {
			a.logger.Debug("available folders", "folders", folders)
		}
		if _, set := a.tracker.Current(); !set {
			if err := a.tracker.Initialize(a.cfg.Watermark.Offset); err != nil {
				a.logger.Error("watermark initialization failed", "error", err)
				return
			}
		}
	}

	report, err := a.pipe.Sync(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if errors.Is(err, watermark.ErrUninitialized) {
			// Empty mailbox at startup; initialization retries next poll.
			return
		}
		a.logger.Error("sync failed", "error", err)
		// A listing failure usually means the connection died. Tear it
		// down so the next poll reconnects.
		a.sess.Disconnect()
		return
	}

	a.consume(ctx, report)
}

// consume settles the report in ascending UID order: export the records
// that pass the criteria, project metadata into the cache, apply the
// post-process action, then advance the watermark. The watermark only moves
// over messages that are fully settled, so an export failure or a transient
// fetch failure stops advancement and the remaining messages are retried.
func (a *app) consume(ctx context.Context, report *pipeline.Report) {
	failures := make(map[imap.UID]pipeline.Failure, len(report.Failures))
	for _, f := range report.Failures {
		failures[f.UID] = f
	}

	byUID := make(map[imap.UID][]pipeline.Record)
	uids := make([]imap.UID, 0, len(failures))
	for _, rec := range report.Records {
		if _, seen := byUID[rec.UID]; !seen {
			uids = append(uids, rec.UID)
		}
		byUID[rec.UID] = append(byUID[rec.UID], rec)
	}
	for uid := range failures {
		uids = append(uids, uid)
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i] < uids[j] })

	for _, uid := range uids {
		if ctx.Err() != nil {
			return
		}

		if f, failed := failures[uid]; failed {
			if f.Stage == pipeline.StageFetch {
				// Likely transient; keep the watermark below it so the
				// message is fetched again.
				return
			}
			// Decode failures are final: the message counts as seen.
			a.advance(uid)
			continue
		}

		settled := true
		for _, rec := range byUID[uid] {
			if !a.criteria.ShouldProcess(rec.Business, rec.Subject) {
				a.logger.Info("no criteria match, skipping record",
					"uid", uid, "business", rec.Business, "subject", rec.Subject)
				continue
			}
			if err := a.exporter.Consume(ctx, rec); err != nil {
				a.logger.Error("export failed", "uid", uid, "index", rec.Index, "error", err)
				settled = false
				break
			}
		}
		if !settled {
			return
		}

		if a.cache != nil {
			a.cache.WriteBatch(ctx, []imap.UID{uid})
		}
		a.postProcess(uid)
		a.advance(uid)
	}
}

func (a *app) postProcess(uid imap.UID) {
	switch a.cfg.PostProcess {
	case "flag":
		if err := a.sess.SetFlag(uid, imap.FlagFlagged); err != nil {
			a.logger.Error("flag failed", "uid", uid, "error", err)
		}
	case "delete":
		if err := a.sess.Delete(uid); err != nil {
			a.logger.Error("delete failed", "uid", uid, "error", err)
		}
	}
}

func (a *app) advance(uid imap.UID) {
	if err := a.tracker.Advance(uid); err != nil {
		a.logger.Error("watermark persist failed", "uid", uid, "error", err)
	}
}

func setupLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
