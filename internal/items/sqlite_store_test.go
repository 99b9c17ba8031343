package items

import (
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "items.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStore_ItemLifecycle(t *testing.T) {
	store := newTestStore(t)

	item, err := store.Create("Summer sale", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if item.ID == 0 {
		t.Fatal("expected assigned id")
	}
	if item.Status != StatusGenerating {
		t.Fatalf("new item status = %s, want generating", item.Status)
	}
	if item.CreatedAt.IsZero() {
		t.Fatal("expected created_at to be set")
	}

	if err := store.SaveGeneration(item.ID, "Save 20% today", "/tmp/asset.jpg"); err != nil {
		t.Fatalf("SaveGeneration: %v", err)
	}
	got, err := store.GetByID(item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusPendingReview || got.GeneratedCaption != "Save 20% today" || got.GeneratedAssetPath != "/tmp/asset.jpg" {
		t.Fatalf("unexpected item after generation: %+v", got)
	}

	if err := store.SaveApproval(item.ID, nil); err != nil {
		t.Fatalf("SaveApproval: %v", err)
	}
	published := time.Now().UTC().Truncate(time.Second)
	if err := store.SavePublication(item.ID, "pub-1", "https://posts.example/p/1", published); err != nil {
		t.Fatalf("SavePublication: %v", err)
	}
	got, err = store.GetByID(item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.Status != StatusPosted {
		t.Fatalf("status = %s, want posted", got.Status)
	}
	if got.PublishedID == nil || *got.PublishedID != "pub-1" {
		t.Fatalf("published id = %v, want pub-1", got.PublishedID)
	}
	if got.PublishedAt == nil || !got.PublishedAt.Equal(published) {
		t.Fatalf("published at = %v, want %v", got.PublishedAt, published)
	}
}

func TestSQLiteStore_FailureClearedBySuccess(t *testing.T) {
	store := newTestStore(t)
	item, err := store.Create("idea", nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := store.SaveFailure(item.ID, "generation timed out after 120s"); err != nil {
		t.Fatalf("SaveFailure: %v", err)
	}
	got, _ := store.GetByID(item.ID)
	if got.Status != StatusFailed || got.ErrorMessage == nil {
		t.Fatalf("expected failed with message, got %+v", got)
	}

	if err := store.SaveGeneration(item.ID, "caption", "/tmp/a.jpg"); err != nil {
		t.Fatalf("SaveGeneration: %v", err)
	}
	got, _ = store.GetByID(item.ID)
	if got.ErrorMessage != nil {
		t.Fatalf("successful transition should clear error, got %q", *got.ErrorMessage)
	}
}

func TestSQLiteStore_GetByID_NotFound(t *testing.T) {
	store := newTestStore(t)
	if _, err := store.GetByID(999); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
	if err := store.SaveFailure(999, "nope"); err != ErrNotFound {
		t.Fatalf("update of missing item should be ErrNotFound, got %v", err)
	}
}

func TestSQLiteStore_ListDue_BoundaryAndOrder(t *testing.T) {
	store := newTestStore(t)
	now := time.Now().UTC().Truncate(time.Second)

	past := now.Add(-10 * time.Minute)
	exact := now
	future := now.Add(10 * time.Minute)

	mk := func(idea string, at time.Time) *WorkItem {
		item, err := store.Create(idea, &at)
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		if err := store.SaveGeneration(item.ID, "c", "/a.jpg"); err != nil {
			t.Fatalf("SaveGeneration: %v", err)
		}
		if err := store.SaveApproval(item.ID, &at); err != nil {
			t.Fatalf("SaveApproval: %v", err)
		}
		return item
	}

	later := mk("exactly due", exact)
	earlier := mk("overdue", past)
	mk("not yet", future)

	// An approved item with no schedule is never "due".
	unscheduled, _ := store.Create("no schedule", nil)
	_ = store.SaveGeneration(unscheduled.ID, "c", "/a.jpg")
	_ = store.SaveApproval(unscheduled.ID, nil)

	// A pending item with a past schedule is not due either.
	pending, _ := store.Create("still reviewing", &past)
	_ = store.SaveGeneration(pending.ID, "c", "/a.jpg")

	due, err := store.ListDue(now)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("got %d due items, want 2", len(due))
	}
	if due[0].ID != earlier.ID || due[1].ID != later.ID {
		t.Fatalf("due items not oldest-first: %d, %d", due[0].ID, due[1].ID)
	}
}

func TestSQLiteStore_ListByStatus(t *testing.T) {
	store := newTestStore(t)
	a, _ := store.Create("first", nil)
	b, _ := store.Create("second", nil)
	_ = store.SaveFailure(b.ID, "boom")

	generating, err := store.ListByStatus(StatusGenerating)
	if err != nil {
		t.Fatalf("ListByStatus: %v", err)
	}
	if len(generating) != 1 || generating[0].ID != a.ID {
		t.Fatalf("unexpected generating list: %+v", generating)
	}

	all, err := store.ListByStatus("")
	if err != nil {
		t.Fatalf("ListByStatus all: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("got %d items, want 2", len(all))
	}
}

func TestSQLiteStore_EditedCaption(t *testing.T) {
	store := newTestStore(t)
	item, _ := store.Create("idea", nil)
	if err := store.SetEditedCaption(item.ID, "better caption"); err != nil {
		t.Fatalf("SetEditedCaption: %v", err)
	}
	got, _ := store.GetByID(item.ID)
	if got.EditedCaption == nil || *got.EditedCaption != "better caption" {
		t.Fatalf("edited caption not persisted: %+v", got)
	}
}

func TestSQLiteStore_Settings(t *testing.T) {
	store := newTestStore(t)

	v, err := store.GetSetting("missing")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "" {
		t.Fatalf("missing setting should be empty, got %q", v)
	}

	if err := store.SetSetting("posts_2026-08", "3"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := store.SetSetting("posts_2026-08", "4"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	v, err = store.GetSetting("posts_2026-08")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if v != "4" {
		t.Fatalf("got %q, want overwritten value 4", v)
	}
}
