// Package engine assembles the procurement integrity components in
// dependency order and owns their shutdown.
package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"

	"tenderguard/audit"
	"tenderguard/calendar"
	"tenderguard/commitment"
	"tenderguard/config"
	"tenderguard/db"
	"tenderguard/dispute"
	"tenderguard/escrow"
	"tenderguard/metrics"
	"tenderguard/notify"
	"tenderguard/tender"
)

// Deps overrides what New would otherwise build from the configuration.
type Deps struct {
	Clock    calendar.Clock
	Store    audit.Store
	Pool     *pgxpool.Pool
	Logger   *logrus.Logger
	Metrics  *metrics.Collector
	Notifier notify.Notifier
}

type Engine struct {
	Log         *logrus.Entry
	Metrics     *metrics.Collector
	Clock       calendar.Clock
	Calendar    *calendar.Calendar
	Chain       *audit.Chain
	Commitments *commitment.Store
	Tenders     *tender.Lifecycle
	Disputes    *dispute.Gate
	Escrow      *escrow.Ledger

	notifier *notify.Async
	pool     *pgxpool.Pool
	ownsPool bool
}

func New(ctx context.Context, cfg config.Config, deps Deps) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		var err error
		if logger, err = cfg.Log.Logger(os.Stderr); err != nil {
			return nil, err
		}
	}
	log := logrus.NewEntry(logger)
	if deps.Clock == nil {
		deps.Clock = calendar.SystemClock()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NewCollector("tenderguard")
	}

	e := &Engine{
		Log:     log,
		Metrics: deps.Metrics,
		Clock:   deps.Clock,
		pool:    deps.Pool,
	}
	ok := false
	defer func() {
		if !ok {
			e.Close()
		}
	}()

	cal, err := buildCalendar(cfg.Procurement)
	if err != nil {
		return nil, err
	}
	e.Calendar = cal

	needPool := cfg.Audit.Backend == config.AuditBackendPostgres || cfg.Notify.Outbox
	if e.pool == nil && needPool {
		if e.pool, err = db.NewPool(ctx, cfg.Database); err != nil {
			return nil, err
		}
		e.ownsPool = true
	}

	store := deps.Store
	if store == nil {
		switch cfg.Audit.Backend {
		case config.AuditBackendPostgres:
			store = audit.NewPostgresStore(e.pool)
		default:
			store = audit.NewMemoryStore()
		}
	}
	e.Chain, err = audit.NewChain(ctx, store, audit.Options{
		Clock:     deps.Clock,
		Logger:    log,
		Metrics:   deps.Metrics,
		QueueSize: cfg.Audit.QueueSize,
	})
	if err != nil {
		return nil, err
	}

	base := deps.Notifier
	if base == nil {
		sinks := notify.Multi{notify.LogNotifier{Log: log.WithField("component", "notify")}}
		if cfg.Notify.Outbox && e.pool != nil {
			sinks = append(sinks, notify.NewOutbox(e.pool))
		}
		base = sinks
	}
	e.notifier = notify.NewAsync(base, cfg.Notify.QueueSize, log, deps.Metrics)

	e.Commitments = commitment.NewStore()
	e.Disputes = dispute.NewGate(dispute.Options{
		Chain:    e.Chain,
		Logger:   log,
		Metrics:  deps.Metrics,
		Notifier: e.notifier,
	})
	e.Escrow = escrow.NewLedger(escrow.Options{
		Chain:    e.Chain,
		Gate:     e.Disputes,
		Logger:   log,
		Metrics:  deps.Metrics,
		Notifier: e.notifier,
	})
	e.Tenders = tender.NewLifecycle(tender.Options{
		Chain:          e.Chain,
		Commitments:    e.Commitments,
		Ledger:         e.Escrow,
		Disputes:       e.Disputes,
		Calendar:       cal,
		Clock:          deps.Clock,
		StandstillDays: cfg.Procurement.StandstillBusinessDays,
		Logger:         log,
		Metrics:        deps.Metrics,
		Notifier:       e.notifier,
	})
	e.Disputes.Bind(e.Tenders, e.Escrow)

	ok = true
	log.WithFields(logrus.Fields{
		"audit_backend":   cfg.Audit.Backend,
		"standstill_days": cfg.Procurement.StandstillBusinessDays,
		"holidays":        len(cal.Holidays()),
	}).Info("engine ready")
	return e, nil
}

func buildCalendar(p config.Procurement) (*calendar.Calendar, error) {
	holidays, err := calendar.ParseDates(p.Holidays)
	if err != nil {
		return nil, fmt.Errorf("engine: %w", err)
	}
	if p.HolidaysFile != "" {
		more, err := calendar.LoadHolidays(p.HolidaysFile)
		if err != nil {
			return nil, fmt.Errorf("engine: %w", err)
		}
		holidays = append(holidays, more...)
	}
	return calendar.New(holidays...), nil
}

// VerifyEvery runs a full chain verification every interval until ctx is
// done. A failure halts the chain; it is logged here and surfaced to
// writers as ErrChainIntegrity.
func (e *Engine) VerifyEvery(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			started := time.Now()
			bad, err := e.Chain.Verify(ctx, 0, 0)
			fields := logrus.Fields{"took": time.Since(started).String()}
			if err != nil {
				e.Log.WithError(err).WithFields(fields).WithField("seq", bad).Error("periodic chain verification failed")
				continue
			}
			seq, _ := e.Chain.Head()
			e.Log.WithFields(fields).WithField("head", seq).Debug("chain verified")
		}
	}
}

// Close drains notifications and stops the audit worker. It is safe to call
// on a partially built engine.
func (e *Engine) Close() {
	if e.notifier != nil {
		e.notifier.Close()
	}
	if e.Chain != nil {
		e.Chain.Close()
	}
	if e.ownsPool && e.pool != nil {
		e.pool.Close()
	}
}

// Discard is a logger for tests and tools that want no output.
func Discard() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
