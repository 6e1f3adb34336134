// Package ingest runs the sync cycles: fetch mails over IMAP, extract and
// parse the report documents and publish a fresh snapshot.
package ingest

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mjl-/reportview/config"
	"github.com/mjl-/reportview/dmarcrpt"
	"github.com/mjl-/reportview/imapfetch"
	"github.com/mjl-/reportview/metrics"
	"github.com/mjl-/reportview/mlog"
	"github.com/mjl-/reportview/store"
	"github.com/mjl-/reportview/tlsrpt"
	"github.com/mjl-/reportview/unpack"
)

type fetchFunc func(ctx context.Context, log *mlog.Log, cfg config.IMAP, timeout time.Duration) ([]imapfetch.Mail, error)

// Runner schedules and executes sync cycles. At most one cycle runs at a
// time; triggers arriving while a cycle is in progress are dropped, the
// next scheduled run picks the new mail up anyway.
type Runner struct {
	log   *mlog.Log
	store *store.Store
	cfg   *config.Static

	fetch    fetchFunc
	schedule cron.Schedule // Nil when running on a fixed interval.
	triggers chan struct{}
	busy     atomic.Bool
}

// NewRunner returns a runner publishing into st. The config must have been
// validated by config.Load.
func NewRunner(log *mlog.Log, st *store.Store, cfg *config.Static) (*Runner, error) {
	r := &Runner{
		log:      log,
		store:    st,
		cfg:      cfg,
		fetch:    imapfetch.Fetch,
		triggers: make(chan struct{}, 1),
	}
	if cfg.Schedule.Cron != "" {
		sched, err := cron.ParseStandard(cfg.Schedule.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing cron expression: %v", err)
		}
		r.schedule = sched
	}
	return r, nil
}

// Kick requests a cycle outside the schedule. It reports whether the
// trigger was accepted; a trigger during a running cycle is dropped.
func (r *Runner) Kick() bool {
	if r.busy.Load() {
		metrics.SyncCycleSkipped()
		r.log.Info("sync cycle already in progress, dropping trigger")
		return false
	}
	select {
	case r.triggers <- struct{}{}:
		return true
	default:
		return false
	}
}

// Run starts with an immediate cycle and then loops until ctx is done,
// running cycles on the configured schedule and on Kick.
func (r *Runner) Run(ctx context.Context) {
	r.Kick()
	timer := time.NewTimer(r.nextRun(time.Now()))
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.Kick()
			timer.Reset(r.nextRun(time.Now()))
		case <-r.triggers:
			r.busy.Store(true)
			if err := r.Cycle(ctx); err != nil {
				r.log.Errorx("sync cycle, keeping previous snapshot", err)
			}
			r.busy.Store(false)
		}
	}
}

// nextRun returns how long to wait after now for the next scheduled cycle.
func (r *Runner) nextRun(now time.Time) time.Duration {
	if r.schedule != nil {
		return r.schedule.Next(now.UTC()).Sub(now)
	}
	return time.Duration(r.cfg.Schedule.Interval) * time.Second
}

// Cycle performs one fetch-extract-parse pass and publishes the resulting
// snapshot. On error nothing is published and the previous snapshot stays
// current.
func (r *Runner) Cycle(ctx context.Context) error {
	start := time.Now()
	mails, err := r.fetch(ctx, r.log, r.cfg.IMAP, r.cfg.IMAPTimeout())
	if err != nil {
		metrics.SyncCycleObserve("error", start)
		return fmt.Errorf("fetching mails: %w", err)
	}
	metrics.MailsFetchedAdd(len(mails))

	snap := buildSnapshot(r.log, mails, r.cfg.IMAP.MaxMailSize)
	r.store.Publish(snap)
	metrics.SyncCycleObserve("ok", start)
	r.log.Info("sync cycle finished",
		mlog.Field("mails", len(snap.Mails)),
		mlog.Field("reports", len(snap.Reports)),
		mlog.Field("parseerrors", len(snap.Errors)),
		mlog.Field("duration", time.Since(start)))
	return nil
}

// buildSnapshot turns one cycle's mails into a complete snapshot. Documents
// whose kind does not match the folder's configured kind are skipped.
func buildSnapshot(log *mlog.Log, mails []imapfetch.Mail, maxSize int64) *store.Snapshot {
	b := store.NewBuilder()
	for _, fm := range mails {
		var date int64
		if !fm.Date.IsZero() {
			date = fm.Date.Unix()
		}
		m := b.AddMail(store.Mail{
			UID:       fm.UID,
			Account:   fm.Account,
			Folder:    fm.Folder,
			Size:      fm.Size,
			Oversized: fm.Oversized,
			Date:      date,
			Subject:   fm.Subject,
			Sender:    fm.Sender,
			To:        fm.To,
		})
		if fm.Body == nil {
			continue
		}

		docs, partErrs := unpack.Extract(log, fm.Body, maxSize)
		for _, perr := range partErrs {
			log.Infox("extracting report from mail part", perr.Err,
				mlog.Field("mail", m.ID), mlog.Field("part", perr.Part))
		}
		for _, doc := range docs {
			switch doc.Kind {
			case unpack.DMARC:
				if fm.Kind == "tlsrpt" {
					log.Debug("skipping dmarc document in tlsrpt folder", mlog.Field("mail", m.ID))
					continue
				}
				m.XMLFiles++
				metrics.DocumentInc(string(doc.Kind))
				f, err := dmarcrpt.Parse(doc.Data)
				if err != nil {
					b.AddError(m, store.DMARC, doc.Data, err)
					metrics.ParseErrorInc(string(doc.Kind))
					continue
				}
				b.AddDMARC(m, doc.Data, f)
			case unpack.TLSRPT:
				if fm.Kind == "dmarc" {
					log.Debug("skipping tls document in dmarc folder", mlog.Field("mail", m.ID))
					continue
				}
				m.JSONFiles++
				metrics.DocumentInc(string(doc.Kind))
				t, err := tlsrpt.Parse(doc.Data)
				if err != nil {
					b.AddError(m, store.TLSRPT, doc.Data, err)
					metrics.ParseErrorInc(string(doc.Kind))
					continue
				}
				b.AddTLS(m, doc.Data, t)
			default:
				log.Debug("skipping attachment of unknown kind",
					mlog.Field("mail", m.ID), mlog.Field("filename", doc.Filename))
			}
		}
	}
	return b.Snapshot(time.Now())
}
