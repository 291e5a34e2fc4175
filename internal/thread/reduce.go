// Package thread materializes a ThreadView by folding an event sequence.
// The fold is pure and deterministic: identical input yields an identical
// view, so the store never persists a "current state" that can go stale.
package thread

import (
	"sort"

	"handoff/internal/domain"
)

// Reduce folds events in ascending timestamp order (input order breaks
// ties, so append order wins between equal timestamps). An empty sequence
// yields nil, which callers map to "not found". Missing optional payload
// fields take defaults; only undecodable payloads are an error.
func Reduce(events []domain.Event) (*domain.ThreadView, error) {
	if len(events) == 0 {
		return nil, nil
	}
	ordered := make([]domain.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TS.Before(ordered[j].TS)
	})

	view := &domain.ThreadView{
		Status:   domain.StatusPending,
		Messages: []domain.Message{},
	}
	for _, evt := range ordered {
		payload, err := evt.DecodePayload()
		if err != nil {
			return nil, err
		}
		switch p := payload.(type) {
		case domain.ThreadCreatedPayload:
			if evt.ThreadRef != nil {
				view.Ref = *evt.ThreadRef
			}
			view.Intent = p.Intent
			view.RequestorID = evt.ActorID
			view.Priority = p.Priority
			view.CreatedAt = evt.TS
		case domain.StatusChangedPayload:
			view.Status = p.Status
			// First claim wins; later transitions never clear it.
			if p.ExecutorID != "" && view.ExecutorID == nil {
				executor := p.ExecutorID
				view.ExecutorID = &executor
			}
		case domain.MessageAddedPayload:
			from := p.From
			if from == "" {
				from = evt.ActorID
			}
			view.Messages = append(view.Messages, domain.Message{
				From:     from,
				Received: evt.TS,
				Channel:  p.Channel,
				Content:  p.Content,
			})
		case domain.ExecutorRegisteredPayload:
			// Exchange-level fact; no thread state to update.
		}
		view.UpdatedAt = evt.TS
	}
	return view, nil
}
