package expiry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-vault-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/event"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/lease"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func day(offset int) *time.Time {
	v := time.Date(2026, 3, 10+offset, 12, 0, 0, 0, time.UTC)
	return &v
}

func addTracked(t *testing.T, store storage.Store, id, ownerID string, due, exp *time.Time) {
	t.Helper()
	scope := model.Scope{PersonalVaultID: "pv-" + ownerID}
	key := "vault/" + scope.Key() + "/" + id
	doc := model.Document{ID: id, Scope: scope, OwnerID: ownerID, Name: id + ".pdf", Size: 1, StorageKey: key,
		DueDate: due, ExpirationDate: exp, TrackingEnabled: true, CreatedAt: testNow, UpdatedAt: testNow}
	first := model.DocumentVersion{ID: id + "-v1", DocumentID: id, VersionNumber: 1, Size: 1, StorageKey: key, CreatedAt: testNow}
	if err := store.CreateDocument(context.Background(), doc, first); err != nil {
		t.Fatalf("CreateDocument(%s) error = %v", id, err)
	}
}

func countNotifications(t *testing.T, store storage.Store, userID string) []model.Notification {
	t.Helper()
	list, err := store.ListNotifications(context.Background(), model.NotificationQuery{UserID: userID, Limit: 100})
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	return list
}

// TestSweepDueTodayOnce runs the sweep twice on the day a document is due.
func TestSweepDueTodayOnce(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	rec := event.NewRecorder()
	addTracked(t, store, "doc-1", "user-1", day(0), nil)
	engine := NewEngine(store, rec, WithClock(func() time.Time { return testNow }))

	res, err := engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("RunSweep() error = %v", err)
	}
	if res.Processed != 1 || res.Created != 1 || res.Failed != 0 {
		t.Errorf("first RunSweep() = %+v", res)
	}

	res, err = engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("second RunSweep() error = %v", err)
	}
	if res.Created != 0 {
		t.Errorf("second RunSweep() created %d, want 0", res.Created)
	}

	list := countNotifications(t, store, "user-1")
	if len(list) != 1 || list[0].Category != model.CategoryDueToday || list[0].SubjectID != "doc-1" {
		t.Errorf("notifications = %+v, want one due_today", list)
	}
	if types := rec.Types(); len(types) != 1 || types[0] != event.NotificationCreated {
		t.Errorf("events = %v", types)
	}
}

func TestSweepSkipsUntrackedAndDistant(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	addTracked(t, store, "soon", "user-1", nil, day(3))
	addTracked(t, store, "expired", "user-1", nil, day(-5))
	addTracked(t, store, "past-due", "user-2", day(-1), nil)

	untracked := model.Document{ID: "untracked", Scope: model.Scope{PersonalVaultID: "pv-1"}, OwnerID: "user-1",
		StorageKey: "k", ExpirationDate: day(-1), CreatedAt: testNow, UpdatedAt: testNow}
	_ = store.CreateDocument(ctx, untracked, model.DocumentVersion{ID: "u1", DocumentID: "untracked", VersionNumber: 1, StorageKey: "k"})

	engine := NewEngine(store, event.NewNoop(), WithClock(func() time.Time { return testNow }))
	res, err := engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("RunSweep() error = %v", err)
	}
	if res.Processed != 2 || res.Created != 2 {
		t.Errorf("RunSweep() = %+v, want 2 processed and created", res)
	}
	if list := countNotifications(t, store, "user-1"); len(list) != 1 || list[0].Category != model.CategoryExpired {
		t.Errorf("user-1 notifications = %+v", list)
	}
	if list := countNotifications(t, store, "user-2"); len(list) != 1 || list[0].Category != model.CategoryPastDue {
		t.Errorf("user-2 notifications = %+v", list)
	}
}

func TestReadNotificationAllowsNewOne(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	addTracked(t, store, "doc-1", "user-1", nil, day(-1))
	engine := NewEngine(store, event.NewNoop(), WithClock(func() time.Time { return testNow }))

	if _, err := engine.RunSweep(ctx); err != nil {
		t.Fatalf("RunSweep() error = %v", err)
	}
	if _, err := store.MarkAllNotificationsRead(ctx, "user-1", testNow); err != nil {
		t.Fatalf("MarkAllNotificationsRead() error = %v", err)
	}
	res, err := engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("RunSweep() error = %v", err)
	}
	if res.Created != 1 {
		t.Errorf("RunSweep() after read created %d, want 1", res.Created)
	}
}

// failingStore fails notification creation for one subject.
type failingStore struct {
	storage.Store
	failSubject string
}

func (f *failingStore) CreateNotification(ctx context.Context, n model.Notification) error {
	if n.SubjectID == f.failSubject {
		return errors.New("disk full")
	}
	return f.Store.CreateNotification(ctx, n)
}

func TestSweepIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	addTracked(t, mem, "doc-a", "user-1", day(0), nil)
	addTracked(t, mem, "doc-b", "user-1", day(0), nil)
	addTracked(t, mem, "doc-c", "user-1", day(0), nil)

	engine := NewEngine(&failingStore{Store: mem, failSubject: "doc-b"}, event.NewNoop(),
		WithClock(func() time.Time { return testNow }))
	res, err := engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("RunSweep() error = %v", err)
	}
	if res.Processed != 3 || res.Created != 2 || res.Failed != 1 {
		t.Errorf("RunSweep() = %+v, want 3/2/1", res)
	}
}

func TestSweepLeaseConflict(t *testing.T) {
	ctx := context.Background()
	locker := lease.NewMemory()
	release, err := locker.Acquire(ctx, sweepLease, time.Minute)
	if err != nil {
		t.Fatalf("Acquire() error = %v", err)
	}

	engine := NewEngine(storage.NewMemory(), event.NewNoop(), WithLease(locker, time.Minute))
	if _, err := engine.RunSweep(ctx); !errordefs.Is(err, errordefs.VAULT_CONFLICT) {
		t.Errorf("RunSweep() while held error = %v, want %s", err, errordefs.VAULT_CONFLICT)
	}
	_ = release(ctx)
	if _, err := engine.RunSweep(ctx); err != nil {
		t.Errorf("RunSweep() after release error = %v", err)
	}
}

// TestSweepStopsWhenCancelled checks that a cancelled sweep reports an error
// instead of counting the unvisited items as failures.
func TestSweepStopsWhenCancelled(t *testing.T) {
	store := storage.NewMemory()
	addTracked(t, store, "doc-1", "user-1", day(0), nil)
	engine := NewEngine(store, event.NewNoop(), WithClock(func() time.Time { return testNow }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := engine.RunSweep(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunSweep() error = %v, want context.Canceled", err)
	}
	if list := countNotifications(t, store, "user-1"); len(list) != 0 {
		t.Errorf("cancelled sweep created %d notifications", len(list))
	}
}

func TestUrgentCheckScopedToUser(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	addTracked(t, store, "mine", "user-1", nil, day(0))
	addTracked(t, store, "theirs", "user-2", nil, day(0))
	engine := NewEngine(store, event.NewNoop(), WithClock(func() time.Time { return testNow }))

	res, err := engine.CheckAndCreateUrgentNotifications(ctx, "user-1")
	if err != nil {
		t.Fatalf("CheckAndCreateUrgentNotifications() error = %v", err)
	}
	if res.Processed != 1 || res.Created != 1 {
		t.Errorf("CheckAndCreateUrgentNotifications() = %+v", res)
	}
	if list := countNotifications(t, store, "user-2"); len(list) != 0 {
		t.Errorf("user-2 got %d notifications", len(list))
	}

	// The scheduled sweep later the same day adds only user-2's
	res, err = engine.RunSweep(ctx)
	if err != nil {
		t.Fatalf("RunSweep() error = %v", err)
	}
	if res.Created != 1 {
		t.Errorf("RunSweep() created %d, want 1", res.Created)
	}

	if _, err := engine.CheckAndCreateUrgentNotifications(ctx, ""); !errordefs.Is(err, errordefs.VAULT_VALIDATION) {
		t.Errorf("empty user error = %v", err)
	}
}

func TestConcurrentUrgentChecks(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	addTracked(t, store, "doc-1", "user-1", day(-1), day(-1))
	engine := NewEngine(store, event.NewNoop(), WithClock(func() time.Time { return testNow }))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := engine.CheckAndCreateUrgentNotifications(ctx, "user-1"); err != nil {
				t.Errorf("CheckAndCreateUrgentNotifications() error = %v", err)
			}
		}()
	}
	wg.Wait()

	if list := countNotifications(t, store, "user-1"); len(list) != 2 {
		t.Errorf("notifications = %d, want 2 (expired, past_due)", len(list))
	}
}

func TestScheduleUrgentCheck(t *testing.T) {
	store := storage.NewMemory()
	addTracked(t, store, "doc-1", "user-1", day(0), nil)
	engine := NewEngine(store, event.NewNoop(),
		WithClock(func() time.Time { return testNow }),
		WithUrgentDelay(10*time.Millisecond))

	if !engine.ScheduleUrgentCheck("user-1") {
		t.Fatal("ScheduleUrgentCheck() = false")
	}
	if engine.ScheduleUrgentCheck("user-1") {
		t.Error("second ScheduleUrgentCheck() while pending = true")
	}
	engine.Wait()

	if list := countNotifications(t, store, "user-1"); len(list) != 1 {
		t.Errorf("notifications = %d, want 1", len(list))
	}
	if !engine.ScheduleUrgentCheck("user-1") {
		t.Error("ScheduleUrgentCheck() after completion = false")
	}
	engine.Wait()
}

func TestGetUpcomingExpirations(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	addTracked(t, store, "later", "user-1", nil, day(30))
	addTracked(t, store, "soon", "user-1", day(2), nil)
	addTracked(t, store, "gone", "user-1", nil, day(-3))
	addTracked(t, store, "far", "user-1", nil, day(200))

	portal := model.Portal{ID: "portal-1", OrganizationID: "org-1", ClientName: "C", ClientEmail: "c@example.com", CreatedBy: "user-1", CreatedAt: testNow}
	if err := store.CreatePortal(ctx, portal); err != nil {
		t.Fatalf("CreatePortal() error = %v", err)
	}
	if err := store.CreatePortalRequest(ctx, model.PortalRequest{ID: "req-1", PortalID: "portal-1", Title: "W-2", Required: true, DueDate: day(1), CreatedAt: testNow}); err != nil {
		t.Fatalf("CreatePortalRequest() error = %v", err)
	}

	engine := NewEngine(store, event.NewNoop(), WithClock(func() time.Time { return testNow }))
	items, err := engine.GetUpcomingExpirations(ctx, "user-1")
	if err != nil {
		t.Fatalf("GetUpcomingExpirations() error = %v", err)
	}

	want := []string{"gone", "req-1", "soon", "later"}
	if len(items) != len(want) {
		t.Fatalf("items = %d, want %d: %+v", len(items), len(want), items)
	}
	for i, id := range want {
		if items[i].SubjectID != id {
			t.Errorf("items[%d] = %s, want %s", i, items[i].SubjectID, id)
		}
	}
	if items[1].SubjectType != model.SubjectPortalRequest || items[1].Due != StatusDueSoon {
		t.Errorf("portal item = %+v", items[1])
	}
	if list := countNotifications(t, store, "user-1"); len(list) != 0 {
		t.Errorf("read path created %d notifications", len(list))
	}
}
