package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
)

var testNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func seedDocument(t *testing.T, s Store, id string) {
	t.Helper()
	doc := model.Document{
		ID:         id,
		Scope:      model.Scope{PersonalVaultID: "vault-1"},
		OwnerID:    "user-1",
		Name:       id + ".pdf",
		MimeType:   "application/pdf",
		Size:       10,
		StorageKey: "k/" + id + "/1",
		CreatedAt:  testNow,
		UpdatedAt:  testNow,
	}
	v := model.DocumentVersion{ID: id + "-v1", DocumentID: id, VersionNumber: 1, Size: 10, StorageKey: doc.StorageKey, UploaderID: "user-1", CreatedAt: testNow}
	if err := s.CreateDocument(context.Background(), doc, v); err != nil {
		t.Fatalf("CreateDocument(%s) error: %v", id, err)
	}
}

func intPtr(v int) *int { return &v }

// TestMemoryDocumentLockRollback checks that staged writes are dropped when the callback fails.
func TestMemoryDocumentLockRollback(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedDocument(t, s, "doc-1")

	boom := errors.New("boom")
	err := s.WithDocumentLock(ctx, "doc-1", func(tx DocumentTx) error {
		if err := tx.InsertVersion(model.DocumentVersion{ID: "doc-1-v2", DocumentID: "doc-1", VersionNumber: 2}); err != nil {
			return err
		}
		if err := tx.SetContent("k/other", 99, testNow); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("WithDocumentLock() error = %v, want %v", err, boom)
	}

	versions, _ := s.ListVersions(ctx, "doc-1")
	if len(versions) != 1 {
		t.Errorf("versions after rollback: got %d want 1", len(versions))
	}
	doc, _ := s.GetDocument(ctx, "doc-1")
	if doc.StorageKey != "k/doc-1/1" {
		t.Errorf("storage key after rollback: got %s want k/doc-1/1", doc.StorageKey)
	}

	if err := s.WithDocumentLock(ctx, "missing", func(tx DocumentTx) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("lock on missing document: got %v want %v", err, ErrNotFound)
	}
}

// TestMemoryInsertVersionRejectsDuplicateNumber checks the per-document version number uniqueness.
func TestMemoryInsertVersionRejectsDuplicateNumber(t *testing.T) {
	s := NewMemory()
	seedDocument(t, s, "doc-1")

	err := s.WithDocumentLock(context.Background(), "doc-1", func(tx DocumentTx) error {
		return tx.InsertVersion(model.DocumentVersion{ID: "other", DocumentID: "doc-1", VersionNumber: 1})
	})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("InsertVersion(duplicate) error = %v, want %v", err, ErrConflict)
	}
}

// TestMemoryDeleteDocument checks that only active links block deletion.
func TestMemoryDeleteDocument(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedDocument(t, s, "doc-1")
	seedDocument(t, s, "doc-2")

	past := testNow.Add(-time.Hour)
	expired := model.ShareLink{Token: "expired", DocumentIDs: []string{"doc-1", "doc-2"}, ExpiresAt: &past, CreatedAt: testNow}
	active := model.ShareLink{Token: "active", DocumentIDs: []string{"doc-2"}, CreatedAt: testNow}
	for _, l := range []model.ShareLink{expired, active} {
		if err := s.CreateShareLink(ctx, l); err != nil {
			t.Fatalf("CreateShareLink(%s) error: %v", l.Token, err)
		}
	}

	if err := s.DeleteDocument(ctx, "doc-2", testNow); !errors.Is(err, ErrConflict) {
		t.Errorf("delete with active link: got %v want %v", err, ErrConflict)
	}
	if err := s.DeleteDocument(ctx, "doc-1", testNow); err != nil {
		t.Fatalf("delete with expired link: %v", err)
	}

	link, _ := s.GetShareLink(ctx, "expired")
	if len(link.DocumentIDs) != 1 || link.DocumentIDs[0] != "doc-2" {
		t.Errorf("expired link documents: got %v want [doc-2]", link.DocumentIDs)
	}
	if _, err := s.ListVersions(ctx, "doc-1"); !errors.Is(err, ErrNotFound) {
		t.Errorf("versions after delete: got %v want %v", err, ErrNotFound)
	}

	// Exhausted links don't block either
	exhausted := model.ShareLink{Token: "exhausted", DocumentIDs: []string{"doc-2"}, MaxDownloads: intPtr(1), DownloadCount: 1, CreatedAt: testNow}
	if err := s.CreateShareLink(ctx, exhausted); err != nil {
		t.Fatalf("CreateShareLink(exhausted) error: %v", err)
	}
	if err := s.ExpireShareLink(ctx, "active", testNow); err != nil {
		t.Fatalf("ExpireShareLink() error: %v", err)
	}
	if err := s.DeleteDocument(ctx, "doc-2", testNow); err != nil {
		t.Errorf("delete after revoke: %v", err)
	}
}

// TestMemoryCreateShareLinkMissingDocument checks that links can't reference unknown documents.
func TestMemoryCreateShareLinkMissingDocument(t *testing.T) {
	s := NewMemory()
	seedDocument(t, s, "doc-1")

	err := s.CreateShareLink(context.Background(), model.ShareLink{Token: "t", DocumentIDs: []string{"doc-1", "ghost"}})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("CreateShareLink() error = %v, want %v", err, ErrNotFound)
	}
}

// TestMemoryIncrementShareDownloadConcurrent checks that the quota holds under contention.
func TestMemoryIncrementShareDownloadConcurrent(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedDocument(t, s, "doc-1")
	if err := s.CreateShareLink(ctx, model.ShareLink{Token: "t", DocumentIDs: []string{"doc-1"}, MaxDownloads: intPtr(3)}); err != nil {
		t.Fatalf("CreateShareLink() error: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failed    int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementShareDownload(ctx, "t", testNow)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrConditionFailed):
				failed++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if succeeded != 3 || failed != 17 {
		t.Errorf("got %d successes and %d failures, want 3 and 17", succeeded, failed)
	}
	if _, err := s.IncrementShareDownload(ctx, "missing", testNow); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing token: got %v want %v", err, ErrNotFound)
	}
}

// TestMemoryExpireShareLinkKeepsEarlierExpiry checks that revoke never extends a link.
func TestMemoryExpireShareLinkKeepsEarlierExpiry(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	seedDocument(t, s, "doc-1")
	earlier := testNow.Add(-24 * time.Hour)
	if err := s.CreateShareLink(ctx, model.ShareLink{Token: "t", DocumentIDs: []string{"doc-1"}, ExpiresAt: &earlier}); err != nil {
		t.Fatalf("CreateShareLink() error: %v", err)
	}

	if err := s.ExpireShareLink(ctx, "t", testNow); err != nil {
		t.Fatalf("ExpireShareLink() error: %v", err)
	}
	link, _ := s.GetShareLink(ctx, "t")
	if !link.ExpiresAt.Equal(earlier) {
		t.Errorf("expiresAt: got %v want %v", link.ExpiresAt, earlier)
	}
}

// TestMemoryUnreadNotificationUniqueness checks the unread duplicate guard.
func TestMemoryUnreadNotificationUniqueness(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	n := model.Notification{ID: "n1", UserID: "u", Category: model.CategoryExpired, SubjectType: model.SubjectDocument, SubjectID: "d", CreatedAt: testNow}
	if err := s.CreateNotification(ctx, n); err != nil {
		t.Fatalf("CreateNotification() error: %v", err)
	}
	dup := n
	dup.ID = "n2"
	if err := s.CreateNotification(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("duplicate unread: got %v want %v", err, ErrConflict)
	}

	if err := s.MarkNotificationRead(ctx, "n1", testNow); err != nil {
		t.Fatalf("MarkNotificationRead() error: %v", err)
	}
	if err := s.CreateNotification(ctx, dup); err != nil {
		t.Errorf("create after read: %v", err)
	}

	count, _ := s.CountUnreadNotifications(ctx, "u")
	if count != 1 {
		t.Errorf("unread count: got %d want 1", count)
	}
}

// TestMemoryListNotificationsPaging checks ordering and offset/limit handling.
func TestMemoryListNotificationsPaging(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	for i, id := range []string{"a", "b", "c"} {
		n := model.Notification{ID: id, UserID: "u", Category: model.CategoryPastDue, SubjectType: model.SubjectDocument, SubjectID: id, CreatedAt: testNow.Add(time.Duration(i) * time.Minute)}
		if err := s.CreateNotification(ctx, n); err != nil {
			t.Fatalf("CreateNotification(%s) error: %v", id, err)
		}
	}

	page, _ := s.ListNotifications(ctx, model.NotificationQuery{UserID: "u", Limit: 2})
	if len(page) != 2 || page[0].ID != "c" || page[1].ID != "b" {
		t.Errorf("first page: got %v", page)
	}
	page, _ = s.ListNotifications(ctx, model.NotificationQuery{UserID: "u", Limit: 2, Offset: 2})
	if len(page) != 1 || page[0].ID != "a" {
		t.Errorf("second page: got %v", page)
	}
	page, _ = s.ListNotifications(ctx, model.NotificationQuery{UserID: "u", Limit: 2, Offset: 5})
	if len(page) != 0 {
		t.Errorf("past the end: got %d items want 0", len(page))
	}
}

// TestMemorySubmissionRevision checks create-once and the revision guard on update.
func TestMemorySubmissionRevision(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	if err := s.CreatePortal(ctx, model.Portal{ID: "p", OrganizationID: "org", CreatedBy: "u"}); err != nil {
		t.Fatalf("CreatePortal() error: %v", err)
	}
	due := testNow
	if err := s.CreatePortalRequest(ctx, model.PortalRequest{ID: "r", PortalID: "p", Required: true, DueDate: &due}); err != nil {
		t.Fatalf("CreatePortalRequest() error: %v", err)
	}

	dueReqs, _ := s.ListDueRequests(ctx, "", testNow)
	if len(dueReqs) != 1 || dueReqs[0].OwnerID != "u" {
		t.Fatalf("due requests before submit: got %v", dueReqs)
	}

	sub := model.PortalSubmission{ID: "s", RequestID: "r", Status: model.SubmissionSubmitted, DocumentIDs: []string{"d"}, Revision: 1, SubmittedAt: testNow}
	if err := s.CreateSubmission(ctx, sub); err != nil {
		t.Fatalf("CreateSubmission() error: %v", err)
	}
	if err := s.CreateSubmission(ctx, model.PortalSubmission{ID: "s2", RequestID: "r"}); !errors.Is(err, ErrConflict) {
		t.Errorf("second submission: got %v want %v", err, ErrConflict)
	}

	dueReqs, _ = s.ListDueRequests(ctx, "", testNow)
	if len(dueReqs) != 0 {
		t.Errorf("due requests after submit: got %d want 0", len(dueReqs))
	}

	sub.Revision = 2
	if err := s.UpdateSubmission(ctx, sub, 1); err != nil {
		t.Fatalf("UpdateSubmission() error: %v", err)
	}
	if err := s.UpdateSubmission(ctx, sub, 1); !errors.Is(err, ErrConditionFailed) {
		t.Errorf("stale revision: got %v want %v", err, ErrConditionFailed)
	}

	reqs, _ := s.ListPortalRequests(ctx, "p")
	if len(reqs) != 1 || !reqs[0].Uploaded() || reqs[0].Submission.Revision != 2 {
		t.Errorf("requests: got %+v", reqs)
	}
}
