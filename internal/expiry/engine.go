package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	errordefs "github.com/RegistryAccord/registryaccord-vault-go/internal/errors"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/event"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/lease"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/metrics"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/model"
	"github.com/RegistryAccord/registryaccord-vault-go/internal/storage"
)

// sweepLease is the lease name held while a sweep runs.
const sweepLease = "sweep"

// Item is one tracked document or portal request with its buckets.
type Item struct {
	SubjectType    string     `json:"subjectType"`
	SubjectID      string     `json:"subjectId"`
	UserID         string     `json:"userId"`
	Title          string     `json:"title"`
	DueDate        *time.Time `json:"dueDate,omitempty"`
	ExpirationDate *time.Time `json:"expirationDate,omitempty"`
	Classification
}

// Engine runs the scheduled sweep and the per-user urgent check.
type Engine struct {
	store       storage.Store
	pub         event.Publisher
	locker      lease.Locker
	metrics     *metrics.Metrics
	now         func() time.Time
	th          Thresholds
	leaseTTL    time.Duration
	urgentDelay time.Duration

	mu      sync.Mutex
	pending map[string]bool
	wg      sync.WaitGroup
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithThresholds sets the bucketing windows.
func WithThresholds(th Thresholds) Option { return func(e *Engine) { e.th = th } }

// WithLease sets the lock that keeps sweeps from overlapping.
func WithLease(locker lease.Locker, ttl time.Duration) Option {
	return func(e *Engine) {
		e.locker = locker
		e.leaseTTL = ttl
	}
}

// WithUrgentDelay sets how long ScheduleUrgentCheck waits before running.
func WithUrgentDelay(d time.Duration) Option { return func(e *Engine) { e.urgentDelay = d } }

// NewEngine creates an Engine. Without WithLease an in-process lease is used.
func NewEngine(store storage.Store, pub event.Publisher, opts ...Option) *Engine {
	e := &Engine{
		store:       store,
		pub:         pub,
		locker:      lease.NewMemory(),
		metrics:     metrics.NewMetrics(),
		now:         func() time.Time { return time.Now().UTC() },
		th:          DefaultThresholds(),
		leaseTTL:    30 * time.Minute,
		urgentDelay: 2 * time.Second,
		pending:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RunSweep creates urgent notifications for every user. Running it again the
// same day creates nothing new. A failing item is logged and counted but
// does not stop the sweep.
func (e *Engine) RunSweep(ctx context.Context) (*model.SweepResult, error) {
	start := time.Now()
	release, err := e.locker.Acquire(ctx, sweepLease, e.leaseTTL)
	switch {
	case errors.Is(err, lease.ErrHeld):
		e.metrics.SweepRunsTotal.WithLabelValues("conflict").Inc()
		return nil, errordefs.New(errordefs.VAULT_CONFLICT, "sweep already running", "")
	case err != nil:
		// The lease is best effort; a broken lock store must not stop the daily sweep
		slog.WarnContext(ctx, "sweep lease unavailable, running without it", "error", err)
	default:
		defer func() {
			if err := release(context.Background()); err != nil {
				slog.Warn("failed to release sweep lease", "error", err)
			}
		}()
	}

	if e.leaseTTL > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.leaseTTL)
		defer cancel()
	}
	res, err := e.scan(ctx, "")
	duration := time.Since(start)
	e.metrics.SweepDuration.Observe(duration.Seconds())
	if err != nil {
		e.metrics.SweepRunsTotal.WithLabelValues("error").Inc()
		slog.ErrorContext(ctx, "sweep failed", "error", err, "duration", duration)
		return nil, err
	}
	e.metrics.SweepRunsTotal.WithLabelValues("success").Inc()
	slog.InfoContext(ctx, "sweep completed",
		"processed", res.Processed,
		"created", res.Created,
		"failed", res.Failed,
		"duration", duration)
	return res, nil
}

// CheckAndCreateUrgentNotifications runs the sweep logic for one user.
func (e *Engine) CheckAndCreateUrgentNotifications(ctx context.Context, userID string) (*model.SweepResult, error) {
	if userID == "" {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "userId is required", "")
	}
	return e.scan(ctx, userID)
}

// ScheduleUrgentCheck runs the urgent check for userID after the configured
// delay. Requests for a user with a check already pending are dropped.
func (e *Engine) ScheduleUrgentCheck(userID string) bool {
	e.mu.Lock()
	if e.pending[userID] {
		e.mu.Unlock()
		return false
	}
	e.pending[userID] = true
	e.mu.Unlock()

	e.wg.Add(1)
	time.AfterFunc(e.urgentDelay, func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.pending, userID)
			e.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		res, err := e.CheckAndCreateUrgentNotifications(ctx, userID)
		if err != nil {
			slog.Error("urgent check failed", "user_id", userID, "error", err)
			return
		}
		slog.Debug("urgent check completed", "user_id", userID, "created", res.Created, "failed", res.Failed)
	})
	return true
}

// Wait blocks until scheduled urgent checks have finished.
func (e *Engine) Wait() { e.wg.Wait() }

// GetUpcomingExpirations returns every tracked item of the user inside the
// look-ahead window, soonest first. It does not create notifications.
func (e *Engine) GetUpcomingExpirations(ctx context.Context, userID string) ([]Item, error) {
	if userID == "" {
		return nil, errordefs.New(errordefs.VAULT_VALIDATION, "userId is required", "")
	}
	now := e.now()
	items, err := e.collect(ctx, userID, e.th.Horizon(now), now)
	if err != nil {
		return nil, err
	}
	out := items[:0]
	for _, it := range items {
		if it.Relevant() {
			out = append(out, it)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return soonest(out[i]) < soonest(out[j]) })
	return out, nil
}

func soonest(it Item) int {
	best := int(^uint(0) >> 1)
	if it.DaysUntilExpiry != nil && *it.DaysUntilExpiry < best {
		best = *it.DaysUntilExpiry
	}
	if it.DaysUntilDue != nil && *it.DaysUntilDue < best {
		best = *it.DaysUntilDue
	}
	return best
}

// collect loads and classifies tracked documents and due portal requests.
func (e *Engine) collect(ctx context.Context, userID string, horizon, now time.Time) ([]Item, error) {
	docs, err := e.store.ListTrackedDocuments(ctx, userID, horizon)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to list tracked documents", err)
	}
	due, err := e.store.ListDueRequests(ctx, userID, horizon)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.VAULT_INTERNAL, "failed to list due portal requests", err)
	}

	items := make([]Item, 0, len(docs)+len(due))
	for _, d := range docs {
		items = append(items, Item{
			SubjectType:    model.SubjectDocument,
			SubjectID:      d.ID,
			UserID:         d.OwnerID,
			Title:          d.Name,
			DueDate:        d.DueDate,
			ExpirationDate: d.ExpirationDate,
			Classification: Classify(now, d.DueDate, d.ExpirationDate, e.th),
		})
	}
	for _, r := range due {
		items = append(items, Item{
			SubjectType:    model.SubjectPortalRequest,
			SubjectID:      r.Request.ID,
			UserID:         r.OwnerID,
			Title:          r.Request.Title,
			DueDate:        r.Request.DueDate,
			Classification: Classify(now, r.Request.DueDate, nil, e.th),
		})
	}
	return items, nil
}

// scan notifies about every urgent item of userID, or of all users when empty.
func (e *Engine) scan(ctx context.Context, userID string) (*model.SweepResult, error) {
	now := e.now()
	// Only items dated today or earlier can be urgent
	endOfToday := startOfDay(now, e.th.location()).AddDate(0, 0, 1).Add(-time.Nanosecond)
	items, err := e.collect(ctx, userID, endOfToday, now)
	if err != nil {
		return nil, err
	}

	res := &model.SweepResult{}
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("scan interrupted after %d items: %w", res.Processed, err)
		}
		res.Processed++
		failed := false
		for _, cat := range it.Urgent() {
			created, err := e.notify(ctx, it, cat, now)
			if err != nil {
				failed = true
				slog.ErrorContext(ctx, "failed to create notification",
					"subject_type", it.SubjectType,
					"subject_id", it.SubjectID,
					"category", cat,
					"user_id", it.UserID,
					"error", err)
				continue
			}
			if created {
				res.Created++
			}
		}
		if failed {
			res.Failed++
			e.metrics.SweepItemsTotal.WithLabelValues("failed").Inc()
		} else {
			e.metrics.SweepItemsTotal.WithLabelValues("ok").Inc()
		}
	}
	return res, nil
}

// notify creates the notification unless an unread one already exists. The
// store's uniqueness constraint settles races between concurrent checks.
func (e *Engine) notify(ctx context.Context, it Item, cat model.NotificationCategory, now time.Time) (bool, error) {
	exists, err := e.store.HasUnreadNotification(ctx, it.UserID, it.SubjectType, it.SubjectID, cat)
	if err != nil {
		return false, fmt.Errorf("failed to check existing notification: %w", err)
	}
	if exists {
		return false, nil
	}

	n := model.Notification{
		ID:          uuid.New().String(),
		UserID:      it.UserID,
		Category:    cat,
		SubjectType: it.SubjectType,
		SubjectID:   it.SubjectID,
		Title:       title(it.Title, cat),
		CreatedAt:   now,
	}
	if err := e.store.CreateNotification(ctx, n); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			return false, nil
		}
		return false, fmt.Errorf("failed to create notification: %w", err)
	}
	e.metrics.NotificationsCreatedTotal.WithLabelValues(string(cat)).Inc()
	event.Emit(ctx, e.pub, event.Event{Type: event.NotificationCreated, Key: n.ID, Payload: n})
	return true, nil
}

func title(name string, cat model.NotificationCategory) string {
	switch cat {
	case model.CategoryExpired:
		return name + " has expired"
	case model.CategoryExpiringToday:
		return name + " expires today"
	case model.CategoryDueToday:
		return name + " is due today"
	case model.CategoryPastDue:
		return name + " is past due"
	}
	return name
}
