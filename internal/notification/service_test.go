package notification

import (
	"context"
	"fmt"
	"testing"
	"time"

	errordefs "github.com/RegistryAccord/registryaccord-vault-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
)

var testNow = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

func seed(t *testing.T, store storage.Store, userID string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		err := store.CreateNotification(context.Background(), model.Notification{
			ID:          fmt.Sprintf("%s-n%02d", userID, i),
			UserID:      userID,
			Category:    model.CategoryExpired,
			SubjectType: model.SubjectDocument,
			SubjectID:   fmt.Sprintf("doc-%d", i),
			Title:       "expired",
			CreatedAt:   testNow.Add(time.Duration(i) * time.Minute),
		})
		if err != nil {
			t.Fatalf("CreateNotification() error = %v", err)
		}
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	seed(t, store, "user-1", 25)
	seed(t, store, "user-2", 1)
	svc := NewService(store, func() time.Time { return testNow })

	page, err := svc.List(ctx, model.NotificationQuery{UserID: "user-1"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(page) != DefaultLimit || page[0].ID != "user-1-n24" {
		t.Errorf("List() = %d items starting %s, want %d starting user-1-n24", len(page), page[0].ID, DefaultLimit)
	}

	page, _ = svc.List(ctx, model.NotificationQuery{UserID: "user-1", Limit: 10, Offset: 20})
	if len(page) != 5 || page[4].ID != "user-1-n00" {
		t.Errorf("List(offset 20) = %d items", len(page))
	}

	if _, err := svc.MarkAsRead(ctx, "user-1-n24", "user-1"); err != nil {
		t.Fatalf("MarkAsRead() error = %v", err)
	}
	page, _ = svc.List(ctx, model.NotificationQuery{UserID: "user-1", Limit: 1000, UnreadOnly: true})
	if len(page) != 24 {
		t.Errorf("List(unread) = %d, want 24", len(page))
	}

	if _, err := svc.List(ctx, model.NotificationQuery{}); !errordefs.Is(err, errordefs.VAULT_VALIDATION) {
		t.Errorf("List(no user) error = %v", err)
	}
	if _, err := svc.List(ctx, model.NotificationQuery{UserID: "user-1", Offset: -1}); !errordefs.Is(err, errordefs.VAULT_VALIDATION) {
		t.Errorf("List(negative offset) error = %v", err)
	}
}

func TestMarkAsRead(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemory()
	seed(t, store, "user-1", 3)
	svc := NewService(store, func() time.Time { return testNow })

	if _, err := svc.MarkAsRead(ctx, "user-1-n00", "user-2"); !errordefs.Is(err, errordefs.VAULT_FORBIDDEN) {
		t.Errorf("MarkAsRead(other user) error = %v, want %s", err, errordefs.VAULT_FORBIDDEN)
	}
	if _, err := svc.MarkAsRead(ctx, "missing", "user-1"); !errordefs.Is(err, errordefs.VAULT_NOT_FOUND) {
		t.Errorf("MarkAsRead(missing) error = %v", err)
	}

	n, err := svc.MarkAsRead(ctx, "user-1-n00", "user-1")
	if err != nil {
		t.Fatalf("MarkAsRead() error = %v", err)
	}
	if !n.Read || n.ReadAt == nil || !n.ReadAt.Equal(testNow) {
		t.Errorf("MarkAsRead() = %+v", n)
	}
	if _, err := svc.MarkAsRead(ctx, "user-1-n00", "user-1"); err != nil {
		t.Errorf("second MarkAsRead() error = %v", err)
	}

	count, _ := svc.UnreadCount(ctx, "user-1")
	if count != 2 {
		t.Errorf("UnreadCount() = %d, want 2", count)
	}
	changed, err := svc.MarkAllAsRead(ctx, "user-1")
	if err != nil || changed != 2 {
		t.Errorf("MarkAllAsRead() = %d, %v, want 2", changed, err)
	}
	if count, _ := svc.UnreadCount(ctx, "user-1"); count != 0 {
		t.Errorf("UnreadCount() after MarkAllAsRead = %d", count)
	}
}
