package items

import (
	"time"
)

// Status represents the lifecycle state of a work item.
type Status string

const (
	StatusGenerating    Status = "generating"
	StatusPendingReview Status = "pending_review"
	StatusApproved      Status = "approved"
	StatusPosted        Status = "posted"
	StatusFailed        Status = "failed"
	StatusRejected      Status = "rejected"
)

// Terminal reports whether the status is never exited.
func (s Status) Terminal() bool {
	return s == StatusPosted || s == StatusFailed || s == StatusRejected
}

// Known reports whether s is one of the defined lifecycle states.
func (s Status) Known() bool {
	switch s {
	case StatusGenerating, StatusPendingReview, StatusApproved, StatusPosted, StatusFailed, StatusRejected:
		return true
	}
	return false
}

// allowedEdges is the full transition graph. Transitions are monotonic along
// the pipeline; terminal states have no outgoing edges.
var allowedEdges = map[Status][]Status{
	StatusGenerating:    {StatusPendingReview, StatusFailed},
	StatusPendingReview: {StatusApproved, StatusRejected},
	StatusApproved:      {StatusPosted, StatusFailed},
}

// CanTransition reports whether moving from one status to another is a legal
// pipeline edge.
func CanTransition(from, to Status) bool {
	for _, next := range allowedEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

// WorkItem describes one idea's journey through generation, review, approval
// and publication.
type WorkItem struct {
	ID                 int64      // store-assigned identity
	Idea               string     // original free-text prompt, immutable
	GeneratedCaption   string     // set once by the automation engine
	GeneratedAssetPath string     // first downloaded asset, set once by the engine
	EditedCaption      *string    // optional human override; wins over GeneratedCaption
	Status             Status     // current lifecycle state
	PublishedID        *string    // set on successful publication
	PublishedURL       *string    // set on successful publication
	PublishedAt        *time.Time // set on successful publication
	ScheduledAt        *time.Time // optional absolute publish time; meaningful while approved
	ErrorMessage       *string    // last failure reason
	CreatedAt          time.Time  // set once at creation
}

// EffectiveCaption resolves the caption for display and publication: the human
// override when present, otherwise the generated one.
func (w *WorkItem) EffectiveCaption() string {
	if w.EditedCaption != nil && *w.EditedCaption != "" {
		return *w.EditedCaption
	}
	return w.GeneratedCaption
}

// Publishable reports whether the item has the content publication requires.
func (w *WorkItem) Publishable() bool {
	return w.EffectiveCaption() != "" && w.GeneratedAssetPath != ""
}

// Store defines persistence for work items and the flat settings map.
type Store interface {
	// Create inserts a new item in status generating and returns it with its
	// assigned id.
	Create(idea string, scheduledAt *time.Time) (*WorkItem, error)
	GetByID(id int64) (*WorkItem, error)
	// ListByStatus returns items in the given status, newest first. An empty
	// status returns everything.
	ListByStatus(status Status) ([]*WorkItem, error)
	// ListDue returns approved items with scheduledAt <= now, oldest due first.
	ListDue(now time.Time) ([]*WorkItem, error)

	// SaveGeneration records a successful engine run: caption, first asset
	// path and status pending_review. Clears any previous error.
	SaveGeneration(id int64, caption, assetPath string) error
	// SaveFailure marks the item failed with the given message.
	SaveFailure(id int64, message string) error
	// SaveApproval moves the item to approved, recording the scheduled time
	// (nil clears it). Clears any previous error.
	SaveApproval(id int64, scheduledAt *time.Time) error
	// SaveRejection marks the item rejected.
	SaveRejection(id int64) error
	// SavePublication records a successful publish: identifiers, timestamp
	// and status posted. Clears any previous error.
	SavePublication(id int64, publishedID, publishedURL string, publishedAt time.Time) error
	// SetEditedCaption stores the human caption override.
	SetEditedCaption(id int64, caption string) error

	// GetSetting returns the value for key, or "" when absent.
	GetSetting(key string) (string, error)
	// SetSetting creates or overwrites the value for key.
	SetSetting(key, value string) error

	Close() error
}
