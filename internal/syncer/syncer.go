// Package syncer orchestrates a sync run: single-instance lock, scroll
// producer, bounded workers, per-task transactions, and the run log.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/radiator/internal/db"
	"github.com/randalmurphal/radiator/internal/db/driver"
	"github.com/randalmurphal/radiator/internal/history"
	"github.com/randalmurphal/radiator/internal/lock"
	"github.com/randalmurphal/radiator/internal/tracker"
)

// orphanAge is how old a running sync_runs row must be before it is
// considered abandoned by a dead process.
const orphanAge = 24 * time.Hour

// Options configures one run.
type Options struct {
	Filter string
	Limit  int

	// SkipHistory leaves task_history untouched. ForceFullHistory is
	// accepted for explicit intent; replacement is always full-per-task.
	SkipHistory      bool
	ForceFullHistory bool

	Workers    int
	LockPath   string
	RunTimeout time.Duration
}

// Result summarizes a finished run.
type Result struct {
	RunID     int64
	Counters  db.RunCounters
	Cancelled bool
}

// Syncer drives sync runs.
type Syncer struct {
	db     *db.DB
	client *tracker.Client
	logger *slog.Logger
}

// New creates a syncer.
func New(database *db.DB, client *tracker.Client, logger *slog.Logger) *Syncer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{db: database, client: client, logger: logger}
}

// counters aggregates worker-side bookkeeping under one mutex.
type counters struct {
	mu sync.Mutex
	c  db.RunCounters
}

func (c *counters) snapshot() db.RunCounters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.c
}

// Run executes one sync. The lock is taken before any work; contention
// surfaces as lock.ErrLocked with no run row created.
func (s *Syncer) Run(ctx context.Context, opts Options) (*Result, error) {
	if opts.Workers <= 0 {
		opts.Workers = 10
	}

	held, err := lock.Acquire(opts.LockPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := held.Release(); err != nil {
			s.logger.Warn("lock release failed", "error", err)
		}
	}()

	if n, err := s.db.SweepOrphanRuns(ctx, orphanAge); err != nil {
		s.logger.Warn("orphan run sweep failed", "error", err)
	} else if n > 0 {
		s.logger.Warn("marked orphaned sync runs as failed", "count", n)
	}

	runID, err := s.db.StartRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("create sync run: %w", err)
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if opts.RunTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, opts.RunTimeout)
		defer cancel()
	}

	cnt := &counters{}
	runErr := s.process(runCtx, opts, cnt)

	// Finalization must survive a dead context.
	finCtx, finCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer finCancel()

	result := &Result{RunID: runID, Counters: cnt.snapshot()}
	switch {
	case runErr != nil && isCancellation(runErr):
		result.Cancelled = true
		result.Counters.Errors++
		if err := s.db.FailRun(finCtx, runID, "cancelled", result.Counters); err != nil {
			s.logger.Error("finalize cancelled run failed", "error", err)
		}
		return result, runErr
	case runErr != nil:
		result.Counters.Errors++
		if err := s.db.FailRun(finCtx, runID, runErr.Error(), result.Counters); err != nil {
			s.logger.Error("finalize failed run failed", "error", err)
		}
		return result, runErr
	}

	if !opts.SkipHistory && result.Counters.HistoryProcessed > 0 {
		if removed, err := s.db.CleanupDuplicateHistory(finCtx); err != nil {
			s.logger.Warn("duplicate history cleanup failed", "error", err)
		} else if removed > 0 {
			s.logger.Info("removed duplicate history rows", "count", removed)
		}
	}

	if err := s.db.CompleteRun(finCtx, runID, result.Counters); err != nil {
		return result, fmt.Errorf("finalize sync run: %w", err)
	}
	s.logger.Info("sync completed",
		"run_id", runID,
		"processed", result.Counters.TasksProcessed,
		"created", result.Counters.TasksCreated,
		"updated", result.Counters.TasksUpdated,
		"history_entries", result.Counters.HistoryProcessed,
		"errors", result.Counters.Errors)
	return result, nil
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// batchSize matches the client's batch-get chunk so one producer batch is
// one request.
const batchSize = 50

// process runs the producer and worker pool. The producer drives the
// scroll, amortizes round-trips through batched issue fetches, and feeds a
// bounded channel; workers replay history and write one transaction per
// task.
func (s *Syncer) process(ctx context.Context, opts Options, cnt *counters) error {
	issues := make(chan *tracker.Issue, opts.Workers*2)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(issues)
		iter := s.client.Search(opts.Filter, opts.Limit)
		defer iter.Close()
		batch := make([]string, 0, batchSize)

		flush := func() error {
			if len(batch) == 0 {
				return nil
			}
			fetched, err := s.client.GetIssuesBatch(gctx, batch)
			if err != nil {
				// The whole batch failed; count and move on.
				cnt.mu.Lock()
				cnt.c.Errors += len(batch)
				cnt.mu.Unlock()
				s.logger.Warn("batch fetch failed", "size", len(batch), "error", err)
				batch = batch[:0]
				return nil
			}
			for _, key := range batch {
				iss, ok := fetched[key]
				if !ok {
					cnt.mu.Lock()
					cnt.c.Errors++
					cnt.mu.Unlock()
					s.logger.Warn("issue missing from batch response", "key", key)
					continue
				}
				select {
				case issues <- iss:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			batch = batch[:0]
			return nil
		}

		for {
			key, ok, err := iter.Next(gctx)
			if err != nil {
				return fmt.Errorf("search scroll: %w", err)
			}
			if !ok {
				break
			}
			batch = append(batch, key)
			if len(batch) >= batchSize {
				if err := flush(); err != nil {
					return err
				}
			}
		}
		return flush()
	})

	for i := 0; i < opts.Workers; i++ {
		g.Go(func() error {
			for iss := range issues {
				if err := gctx.Err(); err != nil {
					return err
				}
				// Cancellation stops between tasks; a task already picked
				// up finishes its fetch and write.
				s.syncOne(context.WithoutCancel(gctx), iss, opts, cnt)
			}
			return nil
		})
	}

	return g.Wait()
}

// syncOne upserts one task and replaces its history in a single
// transaction. Failures are counted, not propagated; one bad task never
// fails the run.
func (s *Syncer) syncOne(ctx context.Context, iss *tracker.Issue, opts Options, cnt *counters) {
	var entries []db.HistoryEntry
	if !opts.SkipHistory {
		events, skipped, err := s.client.GetChangelog(ctx, iss.Key)
		if err != nil {
			s.logger.Warn("changelog fetch failed", "key", iss.Key, "error", err)
			cnt.mu.Lock()
			cnt.c.Errors++
			cnt.mu.Unlock()
			return
		}
		intervals, malformed := history.Rebuild(events, iss.CreatedAt, iss.Status, iss.StatusDisplay)
		if skipped+malformed > 0 {
			s.logger.Warn("skipped malformed changelog events",
				"key", iss.Key, "count", skipped+malformed)
		}
		entries = make([]db.HistoryEntry, 0, len(intervals))
		for _, iv := range intervals {
			entries = append(entries, db.HistoryEntry{
				TrackerID:     iss.ID,
				Status:        iv.Status,
				StatusDisplay: iv.StatusDisplay,
				StartDate:     iv.Start,
				EndDate:       iv.End,
			})
		}
	}

	task := taskFromIssue(iss)
	var created bool
	err := s.db.RunInTx(ctx, func(tx driver.Tx) error {
		var err error
		created, err = s.db.UpsertTaskTx(ctx, tx, task)
		if err != nil {
			return err
		}
		if !opts.SkipHistory {
			if err := s.db.ReplaceHistoryTx(ctx, tx, task.ID, task.TrackerID, entries); err != nil {
				return err
			}
		}
		return s.db.TouchLastSyncTx(ctx, tx, task.ID, time.Now())
	})
	if err != nil {
		s.logger.Warn("task sync failed", "key", iss.Key, "error", err)
		cnt.mu.Lock()
		cnt.c.Errors++
		cnt.mu.Unlock()
		return
	}

	cnt.mu.Lock()
	cnt.c.TasksProcessed++
	if created {
		cnt.c.TasksCreated++
	} else {
		cnt.c.TasksUpdated++
	}
	cnt.c.HistoryProcessed += len(entries)
	cnt.mu.Unlock()

	s.logger.Info("task synced", "key", iss.Key, "history_entries", len(entries))
}

func taskFromIssue(iss *tracker.Issue) *db.Task {
	return &db.Task{
		TrackerID:      iss.ID,
		Key:            iss.Key,
		Summary:        iss.Summary,
		Description:    iss.Description,
		Status:         iss.Status,
		Author:         iss.Author,
		Assignee:       iss.Assignee,
		BusinessClient: iss.BusinessClient,
		Team:           iss.Team,
		Prodteam:       iss.Prodteam,
		ProfitForecast: iss.ProfitForecast,
		Links:          iss.Links,
		CreatedAt:      iss.CreatedAt,
		UpdatedAt:      iss.UpdatedAt,
	}
}
