// Package eventstore persists immutable event records through the storage
// backend, partitioned by exchange and date.
package eventstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"handoff/internal/domain"
	"handoff/internal/storage"
)

// Store appends and lists events. It has no other side effects; backend
// failures propagate unchanged.
type Store struct {
	Backend storage.Backend
}

// Key returns the partition key for an event:
// events/exchange={id}/{yyyy}/{mm}/{dd}/{event_id}.json
func Key(evt domain.Event) string {
	ts := evt.TS.UTC()
	return fmt.Sprintf("events/exchange=%s/%04d/%02d/%02d/%s.json",
		evt.ExchangeID, ts.Year(), int(ts.Month()), ts.Day(), evt.ID)
}

func exchangePrefix(exchangeID string) string {
	return fmt.Sprintf("events/exchange=%s/", exchangeID)
}

// Append durably persists one event. An event_id already present in the
// store is never overwritten; re-appending it is a no-op, which makes
// document re-import idempotent.
func (s Store) Append(ctx context.Context, evt domain.Event) error {
	if evt.ID == "" {
		return errors.New("event_id is required")
	}
	if evt.ExchangeID == "" {
		return errors.New("exchange_id is required")
	}
	if evt.TS.IsZero() {
		return errors.New("ts is required")
	}
	if _, err := evt.DecodePayload(); err != nil {
		return err
	}
	key := Key(evt)
	if _, found, err := s.Backend.Get(ctx, key); err != nil {
		return err
	} else if found {
		return nil
	}
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event %s: %w", evt.ID, err)
	}
	return s.Backend.Put(ctx, key, data)
}

// ListForExchange returns every event recorded for the exchange. Events
// come back in key order (date, then event id); callers needing strict
// chronology sort by timestamp themselves.
func (s Store) ListForExchange(ctx context.Context, exchangeID string) ([]domain.Event, error) {
	keys, err := s.Backend.List(ctx, exchangePrefix(exchangeID))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	events := make([]domain.Event, 0, len(keys))
	for _, key := range keys {
		data, found, err := s.Backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var evt domain.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return nil, fmt.Errorf("decode event %s: %w", key, err)
		}
		events = append(events, evt)
	}
	return events, nil
}

// ListForThread filters the exchange log to events for one thread ref.
func (s Store) ListForThread(ctx context.Context, exchangeID, ref string) ([]domain.Event, error) {
	all, err := s.ListForExchange(ctx, exchangeID)
	if err != nil {
		return nil, err
	}
	var events []domain.Event
	for _, evt := range all {
		if evt.ThreadRef != nil && *evt.ThreadRef == ref {
			events = append(events, evt)
		}
	}
	return events, nil
}
