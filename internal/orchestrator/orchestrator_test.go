package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"flywheel/internal/automation"
	"flywheel/internal/common"
	"flywheel/internal/errs"
	"flywheel/internal/items"
	"flywheel/internal/publisher"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestStore(t *testing.T) *items.SQLiteStore {
	t.Helper()
	store, err := items.NewSQLiteStore(filepath.Join(t.TempDir(), "items.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// fakeEngine simulates one automation run: it persists the generation the
// way the real engine does and signals completion on done.
type fakeEngine struct {
	mu       sync.Mutex
	store    items.Store
	busy     bool
	fail     bool
	calls    []int64
	profiles []string
	done     chan struct{}
}

func (f *fakeEngine) Busy() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.busy
}

func (f *fakeEngine) ProcessIdea(ctx context.Context, itemID int64, idea, profileURL string) (automation.Campaign, error) {
	f.mu.Lock()
	f.calls = append(f.calls, itemID)
	f.profiles = append(f.profiles, profileURL)
	fail := f.fail
	f.mu.Unlock()
	defer close(f.done)

	if fail {
		_ = f.store.SaveFailure(itemID, "session expired")
		return automation.Campaign{}, errs.New(errs.KindSessionExpired, "session expired")
	}
	caption := "caption for " + idea
	asset := "/assets/generated.jpg"
	if err := f.store.SaveGeneration(itemID, caption, asset); err != nil {
		return automation.Campaign{}, err
	}
	return automation.Campaign{Assets: []string{asset}, Caption: caption}, nil
}

type fakePublisher struct {
	mu    sync.Mutex
	store items.Store
	fail  bool
	calls []int64
}

func (f *fakePublisher) Publish(ctx context.Context, item *items.WorkItem) (*publisher.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, item.ID)
	fail := f.fail
	f.mu.Unlock()

	if fail {
		_ = f.store.SaveFailure(item.ID, "posting api status 502")
		return nil, errs.New(errs.KindAPIError, "posting api status 502")
	}
	id := fmt.Sprintf("pub-%d", item.ID)
	url := "https://posts.example/p/" + id
	if err := f.store.SavePublication(item.ID, id, url, time.Now().UTC()); err != nil {
		return nil, err
	}
	return &publisher.Result{ID: id, URL: url}, nil
}

func waitDone(t *testing.T, done chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("background generation never finished")
	}
}

func TestSubmitIdea_GeneratesThenPublishesOnApproval(t *testing.T) {
	store := newTestStore(t)
	eng := &fakeEngine{store: store, done: make(chan struct{})}
	pub := &fakePublisher{store: store}
	o := New(testLogger(), store, eng, pub)

	item, started, _, err := o.SubmitIdea(context.Background(), "autumn lookbook", nil)
	if err != nil {
		t.Fatalf("SubmitIdea: %v", err)
	}
	if !started {
		t.Fatal("generation should have started on an idle engine")
	}
	if item.Status != items.StatusGenerating {
		t.Fatalf("fresh item status = %s, want generating", item.Status)
	}

	waitDone(t, eng.done)
	reviewed, err := store.GetByID(item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reviewed.Status != items.StatusPendingReview {
		t.Fatalf("after generation status = %s, want pending_review", reviewed.Status)
	}
	if reviewed.GeneratedCaption == "" || reviewed.GeneratedAssetPath == "" {
		t.Fatal("generation result not persisted")
	}

	res, err := o.Approve(context.Background(), reviewed, nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.Published == nil {
		t.Fatal("immediate approval should publish")
	}
	if res.Item.Status != items.StatusPosted {
		t.Fatalf("approved item status = %s, want posted", res.Item.Status)
	}
	if res.Item.PublishedID == nil || res.Item.PublishedURL == nil {
		t.Fatal("publication identifiers missing")
	}
}

func TestSubmitIdea_BusyEngineDefersWithoutStateChange(t *testing.T) {
	store := newTestStore(t)
	eng := &fakeEngine{store: store, busy: true, done: make(chan struct{})}
	o := New(testLogger(), store, eng, &fakePublisher{store: store})

	item, started, msg, err := o.SubmitIdea(context.Background(), "second idea", nil)
	if err != nil {
		t.Fatalf("SubmitIdea: %v", err)
	}
	if started {
		t.Fatal("generation should not start on a busy engine")
	}
	if !strings.Contains(msg, "in progress") {
		t.Fatalf("busy message = %q", msg)
	}

	got, _ := store.GetByID(item.ID)
	if got.Status != items.StatusGenerating {
		t.Fatalf("deferred item status = %s, want generating with no automatic retry", got.Status)
	}
	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.calls) != 0 {
		t.Fatalf("engine should not have been invoked, got calls %v", eng.calls)
	}
}

func TestTriggerGeneration_PassesProfileSetting(t *testing.T) {
	store := newTestStore(t)
	if err := store.SetSetting(common.SettingProfileSourceURL, "https://brand.example/about"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	eng := &fakeEngine{store: store, done: make(chan struct{})}
	o := New(testLogger(), store, eng, &fakePublisher{store: store})

	if _, started, _, err := o.SubmitIdea(context.Background(), "idea", nil); err != nil || !started {
		t.Fatalf("SubmitIdea started=%v err=%v", started, err)
	}
	waitDone(t, eng.done)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	if len(eng.profiles) != 1 || eng.profiles[0] != "https://brand.example/about" {
		t.Fatalf("profile url passed to engine = %v", eng.profiles)
	}
}

func TestApprove_WithScheduleDefersToScheduler(t *testing.T) {
	store := newTestStore(t)
	eng := &fakeEngine{store: store, done: make(chan struct{})}
	pub := &fakePublisher{store: store}
	o := New(testLogger(), store, eng, pub)

	item, _, _, _ := o.SubmitIdea(context.Background(), "idea", nil)
	waitDone(t, eng.done)
	reviewed, _ := store.GetByID(item.ID)

	at := time.Now().UTC().Add(time.Hour)
	res, err := o.Approve(context.Background(), reviewed, &at)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.Published != nil {
		t.Fatal("scheduled approval must not publish immediately")
	}
	if res.Item.Status != items.StatusApproved {
		t.Fatalf("status = %s, want approved", res.Item.Status)
	}
	if res.Item.ScheduledAt == nil || !res.Item.ScheduledAt.Equal(at) {
		t.Fatalf("scheduled_at = %v, want %v", res.Item.ScheduledAt, at)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.calls) != 0 {
		t.Fatalf("publisher should be untouched, got calls %v", pub.calls)
	}
}

func TestApprove_KeepsScheduleFromSubmission(t *testing.T) {
	store := newTestStore(t)
	eng := &fakeEngine{store: store, done: make(chan struct{})}
	pub := &fakePublisher{store: store}
	o := New(testLogger(), store, eng, pub)

	at := time.Now().UTC().Add(2 * time.Hour)
	item, _, _, _ := o.SubmitIdea(context.Background(), "idea", &at)
	waitDone(t, eng.done)
	reviewed, _ := store.GetByID(item.ID)

	res, err := o.Approve(context.Background(), reviewed, nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.Published != nil {
		t.Fatal("item carrying a schedule must wait for the scheduler")
	}
	if res.Item.ScheduledAt == nil || !res.Item.ScheduledAt.Equal(at) {
		t.Fatalf("scheduled_at = %v, want the one set at submission %v", res.Item.ScheduledAt, at)
	}
}

func TestApprove_WithoutContentIsNotAnError(t *testing.T) {
	store := newTestStore(t)
	pub := &fakePublisher{store: store}
	o := New(testLogger(), store, &fakeEngine{store: store, done: make(chan struct{})}, pub)

	item, _ := store.Create("idea", nil)
	_ = store.SaveGeneration(item.ID, "", "") // empty review payload
	reviewed, _ := store.GetByID(item.ID)

	res, err := o.Approve(context.Background(), reviewed, nil)
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if res.Item.Status != items.StatusApproved {
		t.Fatalf("status = %s, want approved", res.Item.Status)
	}
	pub.mu.Lock()
	defer pub.mu.Unlock()
	if len(pub.calls) != 0 {
		t.Fatal("unpublishable item must not reach the publisher")
	}
}

func TestApprove_PublishFailureSurfacesMessage(t *testing.T) {
	store := newTestStore(t)
	eng := &fakeEngine{store: store, done: make(chan struct{})}
	pub := &fakePublisher{store: store, fail: true}
	o := New(testLogger(), store, eng, pub)

	item, _, _, _ := o.SubmitIdea(context.Background(), "idea", nil)
	waitDone(t, eng.done)
	reviewed, _ := store.GetByID(item.ID)

	res, err := o.Approve(context.Background(), reviewed, nil)
	if err != nil {
		t.Fatalf("Approve should not error on publish failure: %v", err)
	}
	if !strings.Contains(res.ErrorMsg, "502") {
		t.Fatalf("ErrorMsg = %q, want the publisher's message", res.ErrorMsg)
	}
	if res.Item.Status != items.StatusFailed {
		t.Fatalf("status = %s, want failed", res.Item.Status)
	}
}

func TestApprove_RejectsWrongStatus(t *testing.T) {
	store := newTestStore(t)
	o := New(testLogger(), store, &fakeEngine{store: store, done: make(chan struct{})}, &fakePublisher{store: store})

	item, _ := store.Create("idea", nil) // still generating
	if _, err := o.Approve(context.Background(), item, nil); err == nil {
		t.Fatal("approving a generating item must fail")
	}
}

func TestReject(t *testing.T) {
	store := newTestStore(t)
	eng := &fakeEngine{store: store, done: make(chan struct{})}
	o := New(testLogger(), store, eng, &fakePublisher{store: store})

	item, _, _, _ := o.SubmitIdea(context.Background(), "idea", nil)
	waitDone(t, eng.done)
	reviewed, _ := store.GetByID(item.ID)

	got, err := o.Reject(context.Background(), reviewed)
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if got.Status != items.StatusRejected {
		t.Fatalf("status = %s, want rejected", got.Status)
	}

	if _, err := o.Reject(context.Background(), got); err == nil {
		t.Fatal("rejecting a rejected item must fail")
	}
}

func TestBackgroundGenerationFailurePersists(t *testing.T) {
	store := newTestStore(t)
	eng := &fakeEngine{store: store, fail: true, done: make(chan struct{})}
	o := New(testLogger(), store, eng, &fakePublisher{store: store})

	item, started, _, err := o.SubmitIdea(context.Background(), "idea", nil)
	if err != nil || !started {
		t.Fatalf("SubmitIdea started=%v err=%v", started, err)
	}
	waitDone(t, eng.done)

	got, _ := store.GetByID(item.ID)
	if got.Status != items.StatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.ErrorMessage == nil || !strings.Contains(*got.ErrorMessage, "expired") {
		t.Fatalf("error message = %v, want session-expired text", got.ErrorMessage)
	}
}
