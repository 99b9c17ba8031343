// Package orchestrator glues the pipeline together: it creates work items for
// new ideas, fires detached automation runs against the single-flight engine,
// and performs the approve transition with immediate or deferred publication.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"flywheel/internal/automation"
	"flywheel/internal/common"
	"flywheel/internal/items"
	"flywheel/internal/publisher"
)

// Engine is the slice of the automation engine the orchestrator drives.
type Engine interface {
	Busy() bool
	ProcessIdea(ctx context.Context, itemID int64, idea, profileURL string) (automation.Campaign, error)
}

// Publisher sends one finished item to the posting API.
type Publisher interface {
	Publish(ctx context.Context, item *items.WorkItem) (*publisher.Result, error)
}

type Orchestrator struct {
	log   *slog.Logger
	store items.Store
	eng   Engine
	pub   Publisher
}

func New(log *slog.Logger, store items.Store, eng Engine, pub Publisher) *Orchestrator {
	return &Orchestrator{log: log, store: store, eng: eng, pub: pub}
}

// SubmitIdea creates a work item for the idea and kicks off generation.
// The returned flag and message describe whether automation actually started;
// a busy engine leaves the fresh item in generating for manual resubmission.
func (o *Orchestrator) SubmitIdea(ctx context.Context, idea string, scheduledAt *time.Time) (*items.WorkItem, bool, string, error) {
	item, err := o.store.Create(idea, scheduledAt)
	if err != nil {
		return nil, false, "", fmt.Errorf("create work item: %w", err)
	}
	started, msg := o.TriggerGeneration(ctx, item)
	return item, started, msg, nil
}

// TriggerGeneration fires a background automation run for the item without
// blocking the caller. When the engine is busy it returns immediately with
// started=false and performs no state change: the item stays in generating
// and is never retried automatically (deliberate; there is no deferred-retry
// queue, a human resubmits).
func (o *Orchestrator) TriggerGeneration(ctx context.Context, item *items.WorkItem) (bool, string) {
	if o.eng.Busy() {
		o.log.Info("generation deferred, engine busy", "item_id", item.ID)
		return false, "another generation is in progress; resubmit this idea shortly"
	}

	profileURL, err := o.store.GetSetting(common.SettingProfileSourceURL)
	if err != nil {
		o.log.Warn("read profile source url", "err", err)
	}

	// Detach from the request context: the run outlives the HTTP call. The
	// engine persists failure state itself; logging here is the last-resort
	// safety net so a detached error can never vanish silently.
	runCtx := context.WithoutCancel(ctx)
	go func() {
		if _, err := o.eng.ProcessIdea(runCtx, item.ID, item.Idea, profileURL); err != nil {
			o.log.Error("background generation failed", "item_id", item.ID, "err", err)
		}
	}()
	return true, "generation started"
}

// ApproveResult is what an approval returns to the caller: the refreshed
// item, the publication result when one happened, and the publication error
// message when it was attempted and failed.
type ApproveResult struct {
	Item      *items.WorkItem
	Published *publisher.Result
	ErrorMsg  string
}

// Approve moves a reviewed item to approved. With a scheduled time (supplied
// now or already on the item) publication is left to the scheduler. Without
// one, publishable content is sent immediately; missing content degrades to
// "approved but not yet publishable", which is not an error.
func (o *Orchestrator) Approve(ctx context.Context, item *items.WorkItem, scheduledAt *time.Time) (ApproveResult, error) {
	if !items.CanTransition(item.Status, items.StatusApproved) {
		return ApproveResult{}, fmt.Errorf("cannot approve item in status %s", item.Status)
	}

	if scheduledAt == nil {
		scheduledAt = item.ScheduledAt
	}
	if err := o.store.SaveApproval(item.ID, scheduledAt); err != nil {
		return ApproveResult{}, fmt.Errorf("persist approval: %w", err)
	}
	fresh, err := o.store.GetByID(item.ID)
	if err != nil {
		return ApproveResult{}, fmt.Errorf("reload item: %w", err)
	}

	if scheduledAt != nil {
		o.log.Info("item approved for later", "item_id", item.ID, "scheduled_at", scheduledAt)
		return ApproveResult{Item: fresh}, nil
	}
	if !fresh.Publishable() {
		o.log.Info("item approved without content, publish deferred", "item_id", item.ID)
		return ApproveResult{Item: fresh}, nil
	}

	res, err := o.pub.Publish(ctx, fresh)
	if err != nil {
		// The publisher already wrote the terminal state; surface the
		// message alongside the refreshed item instead of failing the call.
		refreshed, gerr := o.store.GetByID(item.ID)
		if gerr != nil {
			refreshed = fresh
		}
		return ApproveResult{Item: refreshed, ErrorMsg: err.Error()}, nil
	}
	refreshed, err := o.store.GetByID(item.ID)
	if err != nil {
		return ApproveResult{}, fmt.Errorf("reload item: %w", err)
	}
	return ApproveResult{Item: refreshed, Published: res}, nil
}

// Reject marks a reviewed item rejected.
func (o *Orchestrator) Reject(ctx context.Context, item *items.WorkItem) (*items.WorkItem, error) {
	if !items.CanTransition(item.Status, items.StatusRejected) {
		return nil, fmt.Errorf("cannot reject item in status %s", item.Status)
	}
	if err := o.store.SaveRejection(item.ID); err != nil {
		return nil, fmt.Errorf("persist rejection: %w", err)
	}
	return o.store.GetByID(item.ID)
}
