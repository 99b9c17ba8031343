// Package scheduler promotes due, approved work items to publication on a
// fixed cadence, with per-item failure isolation and restart catch-up.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"flywheel/internal/items"
	"flywheel/internal/publisher"
)

// Publisher sends one due item to the posting API.
type Publisher interface {
	Publish(ctx context.Context, item *items.WorkItem) (*publisher.Result, error)
}

type Scheduler struct {
	log      *slog.Logger
	store    items.Store
	pub      Publisher
	interval time.Duration

	now     func() time.Time
	ticking atomic.Bool // guards against overlapping ticks

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(log *slog.Logger, store items.Store, pub Publisher, interval time.Duration) *Scheduler {
	return &Scheduler{
		log:      log,
		store:    store,
		pub:      pub,
		interval: interval,
		now:      time.Now,
	}
}

// Start launches the recurring tick loop. It is idempotent: calling it while
// running does nothing. One immediate tick fires at start time to catch up on
// items that became due while the process was down.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.log.Debug("scheduler already running")
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func() {
		defer close(s.done)
		s.Tick(runCtx) // restart recovery: publish anything already overdue
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.Tick(runCtx)
			}
		}
	}()
	s.log.Info("scheduler started", "interval", s.interval)
}

// Stop cancels the recurring schedule and waits for an in-flight tick to
// finish. Safe to call when not running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	s.log.Info("scheduler stopped")
}

// Tick publishes every due approved item once and returns how many were
// published. An overlapping tick is skipped rather than run concurrently.
// Each item is re-read by id right before acting; a status that moved away
// from approved in the meantime means someone else won the race and the item
// is skipped silently. One bad item never blocks the rest of the batch.
func (s *Scheduler) Tick(ctx context.Context) int {
	if !s.ticking.CompareAndSwap(false, true) {
		s.log.Warn("previous tick still running, skipping")
		return 0
	}
	defer s.ticking.Store(false)

	due, err := s.store.ListDue(s.now())
	if err != nil {
		s.log.Error("list due items", "err", err)
		return 0
	}
	if len(due) == 0 {
		return 0
	}
	s.log.Info("processing due items", "count", len(due))

	published := 0
	for _, stale := range due {
		if ctx.Err() != nil {
			return published
		}
		item, err := s.store.GetByID(stale.ID)
		if err != nil {
			s.log.Error("reload due item", "item_id", stale.ID, "err", err)
			continue
		}
		if item.Status != items.StatusApproved {
			s.log.Debug("due item changed status, skipping", "item_id", item.ID, "status", item.Status)
			continue
		}
		if !item.Publishable() {
			// Approved without content; publication waits until content exists.
			s.log.Debug("due item has no publishable content yet", "item_id", item.ID)
			continue
		}
		if _, err := s.pub.Publish(ctx, item); err != nil {
			// The publisher already persisted the failure; keep going.
			s.log.Error("scheduled publish failed", "item_id", item.ID, "err", err)
			continue
		}
		published++
	}
	return published
}
