package event

import (
	"context"
	"errors"
	"strings"
	"testing"
)

type failing struct{ calls int }

func (f *failing) Publish(ctx context.Context, evt Event) error {
	f.calls++
	return errors.New("broker down")
}

func (f *failing) Close() error { return nil }

func TestEmitSwallowsFailures(t *testing.T) {
	f := &failing{}
	Emit(context.Background(), f, Event{Type: ShareCreated, Key: "tok"})
	if f.calls != 1 {
		t.Errorf("Publish called %d times, want 1", f.calls)
	}
	Emit(context.Background(), nil, Event{Type: ShareCreated, Key: "tok"})
}

func TestNewPublisherWithoutURL(t *testing.T) {
	if _, ok := NewPublisher("").(noop); !ok {
		t.Error("NewPublisher(\"\") did not return the noop publisher")
	}
}

func TestEventTypesMapToStreams(t *testing.T) {
	types := []string{
		DocumentCreated, DocumentVersioned, DocumentRestored, DocumentDeleted,
		ShareCreated, ShareDownloaded, ShareRevoked,
		PortalSubmitted, PortalReplaced, PortalReviewed, PortalEmailed,
		NotificationCreated,
	}
	for _, typ := range types {
		found := false
		for _, prefix := range streams {
			if strings.HasPrefix(typ, prefix+".") {
				found = true
			}
		}
		if !found {
			t.Errorf("event type %s is not covered by any stream", typ)
		}
	}
}

func TestRecorder(t *testing.T) {
	r := NewRecorder()
	Emit(context.Background(), r, Event{Type: DocumentCreated, Key: "d1"})
	Emit(context.Background(), r, Event{Type: DocumentDeleted, Key: "d1"})
	got := r.Types()
	if len(got) != 2 || got[0] != DocumentCreated || got[1] != DocumentDeleted {
		t.Errorf("Types() = %v", got)
	}
}
