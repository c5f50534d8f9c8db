package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"opsline/internal/config"
	"opsline/internal/domain"
	"opsline/internal/feed"
	"opsline/internal/notify"
	"opsline/internal/repo"
)

// NoteSource is what the loop reads between triggers.
type NoteSource interface {
	GetNote(ctx context.Context, id string) (domain.Note, error)
	ListNotes(ctx context.Context, statuses []string) ([]domain.Note, error)
	ListSettings(ctx context.Context) ([]domain.Setting, error)
}

// BatchResult summarizes one ProcessBatch call.
type BatchResult struct {
	Skipped    bool `json:"skipped"`
	Considered int  `json:"considered"`
	Triggered  int  `json:"triggered"`
	Created    int  `json:"created"`
}

// Loop drives the trigger from change subscriptions and a periodic re-scan.
// At most one batch runs at a time across the whole process.
type Loop struct {
	Trigger  Trigger
	Notes    NoteSource
	Feed     *feed.Broker
	Cache    Invalidator
	Notifier notify.Notifier
	// Privileged reports whether the loop's actor may trigger automation.
	Privileged func(ctx context.Context) (bool, error)
	// Interval overrides the configured poll interval when positive.
	Interval time.Duration
	Logger   *slog.Logger

	guard *semaphore.Weighted
	once  sync.Once

	mu      sync.Mutex
	cancel  context.CancelFunc
	unsubs  []func()
	ticking sync.WaitGroup
}

func (l *Loop) init() {
	l.once.Do(func() {
		l.guard = semaphore.NewWeighted(1)
	})
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default().With("component", "automation")
}

// ProcessBatch handles the given notes, or every note in a triggering status when none are given.
// A call made while another batch is running returns immediately with Skipped set.
// The batch is not cancelled by ctx; once started it runs to completion.
func (l *Loop) ProcessBatch(ctx context.Context, noteIDs ...string) (BatchResult, error) {
	l.init()
	if !l.guard.TryAcquire(1) {
		l.logger().DebugContext(ctx, "batch already running, skipping")
		return BatchResult{Skipped: true}, nil
	}
	defer l.guard.Release(1)
	ctx = context.WithoutCancel(ctx)

	settings, err := l.Notes.ListSettings(ctx)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list settings: %w", err)
	}
	cfg, cfgErr := config.ResolveAutomation(settings)
	if cfgErr != nil {
		l.logger().WarnContext(ctx, "automation settings fell back to defaults", "error", cfgErr)
	}
	privileged := true
	if l.Privileged != nil {
		if privileged, err = l.Privileged(ctx); err != nil {
			return BatchResult{}, fmt.Errorf("check privilege: %w", err)
		}
	}

	notes, err := l.candidates(ctx, cfg, noteIDs)
	if err != nil {
		return BatchResult{}, err
	}
	res := BatchResult{Considered: len(notes)}
	for _, n := range notes {
		if !ShouldTrigger(n, privileged, cfg) {
			continue
		}
		res.Triggered++
		if unit := l.Trigger.Process(ctx, n, cfg); unit != nil {
			res.Created++
		}
	}
	if res.Created > 0 || res.Triggered > 0 {
		l.logger().InfoContext(ctx, "automation batch finished", "considered", res.Considered, "triggered", res.Triggered, "created", res.Created)
	}
	return res, nil
}

func (l *Loop) candidates(ctx context.Context, cfg config.Automation, noteIDs []string) ([]domain.Note, error) {
	if len(noteIDs) == 0 {
		notes, err := l.Notes.ListNotes(ctx, TriggerStatuses(cfg))
		if err != nil {
			return nil, fmt.Errorf("scan notes: %w", err)
		}
		return notes, nil
	}
	notes := make([]domain.Note, 0, len(noteIDs))
	for _, id := range noteIDs {
		n, err := l.Notes.GetNote(ctx, id)
		if errors.Is(err, repo.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load note %s: %w", id, err)
		}
		notes = append(notes, n)
	}
	return notes, nil
}

// RunScan re-scans every note in a triggering status.
func (l *Loop) RunScan(ctx context.Context) (BatchResult, error) {
	if l.Cache != nil {
		l.Cache.Invalidate(domain.KindTask, domain.KindNote, domain.KindWorker)
	}
	return l.ProcessBatch(ctx)
}

// Start subscribes to note, work-unit and worker changes and starts the periodic re-scan.
// It runs one scan immediately. Calling Start on a running loop is a no-op.
func (l *Loop) Start(ctx context.Context) error {
	l.init()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cancel != nil {
		return nil
	}
	interval := l.Interval
	if interval <= 0 {
		cfg := config.AutomationDefaults()
		if settings, err := l.Notes.ListSettings(ctx); err == nil {
			cfg, _ = config.ResolveAutomation(settings)
		}
		interval = cfg.PollInterval
	}
	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	if l.Feed != nil {
		l.unsubs = append(l.unsubs,
			l.Feed.Subscribe(domain.KindNote, func(c feed.Change) {
				if c.Type == feed.Delete {
					return
				}
				go l.dispatch(runCtx, c.ID)
			}),
			l.Feed.Subscribe(domain.KindTask, l.onTaskChange(runCtx)),
			l.Feed.Subscribe(domain.KindWorker, func(feed.Change) {
				if l.Cache != nil {
					l.Cache.Invalidate(domain.KindWorker)
				}
			}),
		)
	}

	l.ticking.Add(1)
	go func() {
		defer l.ticking.Done()
		go l.scan(runCtx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				go l.scan(runCtx)
			}
		}
	}()
	l.logger().InfoContext(ctx, "automation loop started", "interval", interval.String())
	return nil
}

// Stop unsubscribes and stops the re-scan. It does not wait for a running batch, which finishes on its own.
func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	unsubs := l.unsubs
	l.cancel = nil
	l.unsubs = nil
	l.mu.Unlock()
	if cancel == nil {
		return
	}
	for _, u := range unsubs {
		u()
	}
	cancel()
	l.ticking.Wait()
	l.logger().Info("automation loop stopped")
}

// Running reports whether Start has been called without a matching Stop.
func (l *Loop) Running() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cancel != nil
}

func (l *Loop) dispatch(ctx context.Context, noteIDs ...string) {
	if ctx.Err() != nil {
		return
	}
	if _, err := l.ProcessBatch(ctx, noteIDs...); err != nil {
		l.logger().WarnContext(ctx, "automation batch failed", "error", err)
	}
}

func (l *Loop) scan(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := l.RunScan(ctx); err != nil {
		l.logger().WarnContext(ctx, "automation scan failed", "error", err)
	}
}

func (l *Loop) onTaskChange(ctx context.Context) feed.Handler {
	return func(c feed.Change) {
		if l.Cache != nil {
			l.Cache.Invalidate(domain.KindTask)
		}
		unit, ok := c.Record.(domain.WorkUnit)
		if !ok || c.Type != feed.Update || unit.Status != domain.TaskCompleted || l.Notifier == nil {
			return
		}
		l.Notifier.Success(ctx, fmt.Sprintf("Work unit %s completed", unit.Title), notify.WithEntity(domain.KindTask, unit.ID))
	}
}
