package thread_test

import (
	"reflect"
	"testing"
	"time"

	"github.com/google/uuid"

	"handoff/internal/domain"
	"handoff/internal/thread"
)

func mustPayload(t *testing.T, p any) []byte {
	t.Helper()
	data, err := domain.MarshalPayload(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return data
}

func event(t *testing.T, ts time.Time, ref string, typ domain.EventType, actor string, p any) domain.Event {
	t.Helper()
	return domain.Event{
		ID:         uuid.NewString(),
		TS:         ts,
		ExchangeID: "home",
		ThreadRef:  &ref,
		Type:       typ,
		ActorID:    actor,
		Payload:    mustPayload(t, p),
	}
}

func TestReduceEmpty(t *testing.T) {
	view, err := thread.Reduce(nil)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if view != nil {
		t.Fatalf("expected nil view for empty sequence, got %+v", view)
	}
}

func TestReduceLifecycle(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []domain.Event{
		event(t, base, "req-1", domain.EventThreadCreated, "alex",
			domain.ThreadCreatedPayload{Intent: "Check the door", Priority: "high"}),
		event(t, base.Add(time.Minute), "req-1", domain.EventStatusChanged, "phone",
			domain.StatusChangedPayload{Status: domain.StatusClaimed, ExecutorID: "phone"}),
		event(t, base.Add(2*time.Minute), "req-1", domain.EventMessageAdded, "phone",
			domain.MessageAddedPayload{From: "phone", Content: []domain.ContentItem{{Type: domain.ItemStatus, Text: "on it"}}}),
	}

	view, err := thread.Reduce(events)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if view.Ref != "req-1" || view.Intent != "Check the door" || view.Priority != "high" {
		t.Fatalf("unexpected view %+v", view)
	}
	if view.RequestorID != "alex" {
		t.Fatalf("requestor = %q", view.RequestorID)
	}
	if view.Status != domain.StatusClaimed {
		t.Fatalf("status = %q", view.Status)
	}
	if view.ExecutorID == nil || *view.ExecutorID != "phone" {
		t.Fatalf("executor = %v", view.ExecutorID)
	}
	if len(view.Messages) != 1 || view.Messages[0].Content[0].Text != "on it" {
		t.Fatalf("messages = %+v", view.Messages)
	}
	if !view.CreatedAt.Equal(base) || !view.UpdatedAt.Equal(base.Add(2*time.Minute)) {
		t.Fatalf("timestamps: created %v updated %v", view.CreatedAt, view.UpdatedAt)
	}
}

func TestReduceFirstClaimWins(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []domain.Event{
		event(t, base, "req-1", domain.EventThreadCreated, "alex",
			domain.ThreadCreatedPayload{Intent: "water the plants"}),
		event(t, base.Add(time.Minute), "req-1", domain.EventStatusChanged, "phone",
			domain.StatusChangedPayload{Status: domain.StatusClaimed, ExecutorID: "phone"}),
		event(t, base.Add(2*time.Minute), "req-1", domain.EventStatusChanged, "tablet",
			domain.StatusChangedPayload{Status: domain.StatusInProgress, ExecutorID: "tablet"}),
	}
	view, err := thread.Reduce(events)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if view.ExecutorID == nil || *view.ExecutorID != "phone" {
		t.Fatalf("executor = %v, want phone", view.ExecutorID)
	}
	if view.Status != domain.StatusInProgress {
		t.Fatalf("status = %q", view.Status)
	}
}

func TestReduceOrderIndependent(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []domain.Event{
		event(t, base, "req-1", domain.EventThreadCreated, "alex",
			domain.ThreadCreatedPayload{Intent: "take out trash"}),
		event(t, base.Add(time.Minute), "req-1", domain.EventStatusChanged, "phone",
			domain.StatusChangedPayload{Status: domain.StatusClaimed, ExecutorID: "phone"}),
		event(t, base.Add(2*time.Minute), "req-1", domain.EventStatusChanged, "phone",
			domain.StatusChangedPayload{Status: domain.StatusCompleted}),
	}
	forward, err := thread.Reduce(events)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	reversed := []domain.Event{events[2], events[1], events[0]}
	backward, err := thread.Reduce(reversed)
	if err != nil {
		t.Fatalf("reduce reversed: %v", err)
	}
	if !reflect.DeepEqual(forward, backward) {
		t.Fatalf("order changed result:\n%+v\n%+v", forward, backward)
	}
}

func TestReduceMessageFromDefaultsToActor(t *testing.T) {
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	events := []domain.Event{
		event(t, base, "req-1", domain.EventThreadCreated, "alex",
			domain.ThreadCreatedPayload{Intent: "x"}),
		event(t, base.Add(time.Minute), "req-1", domain.EventMessageAdded, "phone",
			domain.MessageAddedPayload{Content: []domain.ContentItem{{Type: domain.ItemStatus, Text: "ok"}}}),
	}
	view, err := thread.Reduce(events)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if view.Messages[0].From != "phone" {
		t.Fatalf("from = %q, want actor fallback", view.Messages[0].From)
	}
}
