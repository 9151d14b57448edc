package storage

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
)

// newPostgresStore connects to VAULT_TEST_DB_DSN and skips the test when it
// is unset. Tests share the database, so every id they write is unique.
func newPostgresStore(t *testing.T) Store {
	t.Helper()
	dsn := os.Getenv("VAULT_TEST_DB_DSN")
	if dsn == "" {
		t.Skip("VAULT_TEST_DB_DSN not set")
	}
	s, err := NewPostgres(dsn)
	if err != nil {
		t.Fatalf("NewPostgres() error: %v", err)
	}
	t.Cleanup(s.(*postgres).Close)
	return s
}

func uniqueID(prefix string) string { return prefix + "-" + uuid.New().String() }

// TestPostgresIncrementShareDownloadConcurrent checks the conditional UPDATE
// hands out exactly the quota under contention.
func TestPostgresIncrementShareDownloadConcurrent(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	docID, token := uniqueID("doc"), uniqueID("tok")
	seedDocument(t, s, docID)
	link := model.ShareLink{Token: token, DocumentIDs: []string{docID}, MaxDownloads: intPtr(3), CreatedBy: "user-1", CreatedAt: testNow}
	if err := s.CreateShareLink(ctx, link); err != nil {
		t.Fatalf("CreateShareLink() error: %v", err)
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		failed    int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.IncrementShareDownload(ctx, token, testNow)
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

	if succeeded != 3 || failed != 9 {
		t.Errorf("got %d successes and %d failures, want 3 and 9", succeeded, failed)
	}
	got, err := s.GetShareLink(ctx, token)
	if err != nil {
		t.Fatalf("GetShareLink() error: %v", err)
	}
	if got.DownloadCount != 3 {
		t.Errorf("download count: got %d want 3", got.DownloadCount)
	}
	if _, err := s.IncrementShareDownload(ctx, uniqueID("missing"), testNow); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing token: got %v want %v", err, ErrNotFound)
	}
}

// TestPostgresDeleteDocumentActiveLinks checks that only active links block a delete.
func TestPostgresDeleteDocumentActiveLinks(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	docID := uniqueID("doc")
	seedDocument(t, s, docID)

	past := testNow.Add(-time.Hour)
	expired := model.ShareLink{Token: uniqueID("expired"), DocumentIDs: []string{docID}, ExpiresAt: &past, CreatedBy: "user-1", CreatedAt: testNow}
	exhausted := model.ShareLink{Token: uniqueID("exhausted"), DocumentIDs: []string{docID}, MaxDownloads: intPtr(1), DownloadCount: 1, CreatedBy: "user-1", CreatedAt: testNow}
	active := model.ShareLink{Token: uniqueID("active"), DocumentIDs: []string{docID}, CreatedBy: "user-1", CreatedAt: testNow}
	for _, l := range []model.ShareLink{expired, exhausted, active} {
		if err := s.CreateShareLink(ctx, l); err != nil {
			t.Fatalf("CreateShareLink(%s) error: %v", l.Token, err)
		}
	}

	if err := s.DeleteDocument(ctx, docID, testNow); !errors.Is(err, ErrConflict) {
		t.Errorf("delete with active link: got %v want %v", err, ErrConflict)
	}

	// A link whose expiry is exactly now is no longer active
	if err := s.ExpireShareLink(ctx, active.Token, testNow); err != nil {
		t.Fatalf("ExpireShareLink() error: %v", err)
	}
	if err := s.DeleteDocument(ctx, docID, testNow); err != nil {
		t.Fatalf("delete after revoke: %v", err)
	}
	if _, err := s.GetDocument(ctx, docID); !errors.Is(err, ErrNotFound) {
		t.Errorf("document after delete: got %v want %v", err, ErrNotFound)
	}
	link, err := s.GetShareLink(ctx, expired.Token)
	if err != nil {
		t.Fatalf("GetShareLink() error: %v", err)
	}
	if len(link.DocumentIDs) != 0 {
		t.Errorf("expired link documents: got %v want none", link.DocumentIDs)
	}
}

// TestPostgresUnreadNotificationIndex checks that concurrent inserts of the
// same unread notification leave exactly one row.
func TestPostgresUnreadNotificationIndex(t *testing.T) {
	ctx := context.Background()
	s := newPostgresStore(t)
	userID, subjectID := uniqueID("user"), uniqueID("doc")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.CreateNotification(ctx, model.Notification{
				ID: uniqueID("n"), UserID: userID, Category: model.CategoryDueToday,
				SubjectType: model.SubjectDocument, SubjectID: subjectID, Title: "Due today", CreatedAt: testNow,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || conflicts != 7 {
		t.Errorf("got %d created and %d conflicts, want 1 and 7", created, conflicts)
	}
	if count, _ := s.CountUnreadNotifications(ctx, userID); count != 1 {
		t.Errorf("unread count: got %d want 1", count)
	}

	// Reading the notification frees the slot for a new one
	if _, err := s.MarkAllNotificationsRead(ctx, userID, testNow); err != nil {
		t.Fatalf("MarkAllNotificationsRead() error: %v", err)
	}
	again := model.Notification{ID: uniqueID("n"), UserID: userID, Category: model.CategoryDueToday,
		SubjectType: model.SubjectDocument, SubjectID: subjectID, Title: "Due today", CreatedAt: testNow}
	if err := s.CreateNotification(ctx, again); err != nil {
		t.Errorf("create after read: %v", err)
	}
}
