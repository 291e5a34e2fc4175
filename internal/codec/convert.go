package codec

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"handoff/internal/domain"
)

// EventsToDocument builds the document materialization of a thread from
// its event log. The initial request and its acknowledgement are
// synthesized from the thread_created event; each status change appends a
// history entry and a status message; stored messages are carried over
// verbatim.
func EventsToDocument(events []domain.Event) (*Document, error) {
	ordered := make([]domain.Event, len(events))
	copy(ordered, events)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].TS.Before(ordered[j].TS)
	})

	createdIdx := -1
	for i, evt := range ordered {
		if evt.Type == domain.EventThreadCreated {
			createdIdx = i
			break
		}
	}
	if createdIdx < 0 {
		return nil, errors.New("event sequence has no thread_created")
	}
	created := ordered[createdIdx]
	payload, err := created.DecodePayload()
	if err != nil {
		return nil, err
	}
	cp := payload.(domain.ThreadCreatedPayload)
	if created.ThreadRef == nil {
		return nil, errors.New("thread_created missing thread_ref")
	}

	env := domain.Envelope{
		Ref:       *created.ThreadRef,
		Requestor: created.ActorID,
		Status:    domain.StatusPending,
		Created:   created.TS,
		Updated:   created.TS,
		Intent:    cp.Intent,
		Priority:  cp.Priority,
		History: []domain.HistoryEntry{
			{Action: "created", At: created.TS, By: created.ActorID},
		},
	}
	msgs := []domain.Message{
		{
			From:     created.ActorID,
			Received: created.TS,
			Content:  []domain.ContentItem{{Type: domain.ItemRequest, Text: cp.Intent}},
		},
		{
			From:     created.ExchangeID,
			Received: created.TS,
			Content:  []domain.ContentItem{{Type: domain.ItemAck, Text: "request received"}},
		},
	}

	for i, evt := range ordered {
		if i == createdIdx {
			continue
		}
		payload, err := evt.DecodePayload()
		if err != nil {
			return nil, err
		}
		switch p := payload.(type) {
		case domain.StatusChangedPayload:
			env.Status = p.Status
			if p.ExecutorID != "" && env.Executor == "" {
				env.Executor = p.ExecutorID
			}
			env.History = append(env.History, domain.HistoryEntry{
				Action: p.Status, At: evt.TS, By: evt.ActorID,
			})
			msgs = append(msgs, domain.Message{
				From:     evt.ActorID,
				Received: evt.TS,
				Content:  []domain.ContentItem{{Type: domain.ItemStatus, Text: p.Status}},
			})
			env.Updated = evt.TS
		case domain.MessageAddedPayload:
			from := p.From
			if from == "" {
				from = evt.ActorID
			}
			msgs = append(msgs, domain.Message{
				From:     from,
				Received: evt.TS,
				Channel:  p.Channel,
				Content:  p.Content,
			})
			env.Updated = evt.TS
		}
	}
	return &Document{Envelope: env, Messages: msgs}, nil
}

// DocumentToEvents is the inverse translation, used to import externally
// authored documents. It emits one thread_created event from the envelope
// plus the first request-bearing message, one message_added per remaining
// non-synthetic message, and one status_changed per transition recovered
// from the history. Event IDs derive deterministically from {ref,
// sequence}, so re-importing the same document is idempotent.
//
// Synthetic messages are recognized by shape: a single-item ack or status
// message mirrors data already carried by the envelope and history, and is
// skipped rather than doubled into the log.
func DocumentToEvents(doc *Document, exchangeID string) ([]domain.Event, error) {
	env := doc.Envelope
	if env.Ref == "" {
		return nil, errors.New("envelope missing ref")
	}
	ref := env.Ref
	seq := 0
	nextID := func() string {
		id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("handoff:%s:%d", ref, seq))).String()
		seq++
		return id
	}

	intent := env.Intent
	requestSeen := false
	var events []domain.Event

	createdPayload, err := domain.MarshalPayload(domain.ThreadCreatedPayload{
		Intent:   intent,
		Priority: env.Priority,
	})
	if err != nil {
		return nil, err
	}
	events = append(events, domain.Event{
		ID:         nextID(),
		TS:         env.Created,
		ExchangeID: exchangeID,
		ThreadRef:  &ref,
		Type:       domain.EventThreadCreated,
		ActorID:    env.Requestor,
		Payload:    createdPayload,
	})

	for _, msg := range doc.Messages {
		if !requestSeen && bearsRequest(msg) {
			// Folded into thread_created above.
			requestSeen = true
			continue
		}
		if isSynthetic(msg, env) {
			continue
		}
		payload, err := domain.MarshalPayload(domain.MessageAddedPayload{
			From:    msg.From,
			Channel: msg.Channel,
			Content: msg.Content,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, domain.Event{
			ID:         nextID(),
			TS:         msg.Received,
			ExchangeID: exchangeID,
			ThreadRef:  &ref,
			Type:       domain.EventMessageAdded,
			ActorID:    msg.From,
			Payload:    payload,
		})
	}

	transitions := transitionsFromHistory(env)
	for _, tr := range transitions {
		executorID := ""
		if env.Executor != "" && tr.By == env.Executor {
			executorID = tr.By
		}
		payload, err := domain.MarshalPayload(domain.StatusChangedPayload{
			Status:     tr.Action,
			ExecutorID: executorID,
		})
		if err != nil {
			return nil, err
		}
		events = append(events, domain.Event{
			ID:         nextID(),
			TS:         tr.At,
			ExchangeID: exchangeID,
			ThreadRef:  &ref,
			Type:       domain.EventStatusChanged,
			ActorID:    tr.By,
			Payload:    payload,
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].TS.Before(events[j].TS)
	})
	return events, nil
}

// transitionsFromHistory recovers the status transitions not already
// represented by the thread_created event. When history is absent but the
// envelope has advanced past pending, a single transition is synthesized
// from the envelope itself.
func transitionsFromHistory(env domain.Envelope) []domain.HistoryEntry {
	var out []domain.HistoryEntry
	for _, entry := range env.History {
		if entry.Action == "created" || entry.Action == "" {
			continue
		}
		out = append(out, entry)
	}
	if len(out) == 0 && env.Status != "" && env.Status != domain.StatusPending {
		by := env.Executor
		if by == "" {
			by = env.Requestor
		}
		out = append(out, domain.HistoryEntry{Action: env.Status, At: env.Updated, By: by})
	}
	return out
}

func bearsRequest(msg domain.Message) bool {
	for _, item := range msg.Content {
		if item.Type == domain.ItemRequest {
			return true
		}
	}
	return false
}

// isSynthetic reports whether the message only restates envelope/history
// data. The ack synthesized at creation shares the envelope's created
// timestamp; a synthesized status message mirrors one history entry in
// text, actor, and time. A lone status item matching none of the history
// is a genuine message and is kept.
func isSynthetic(msg domain.Message, env domain.Envelope) bool {
	if len(msg.Content) != 1 {
		return false
	}
	item := msg.Content[0]
	switch item.Type {
	case domain.ItemAck:
		return msg.Received.Equal(env.Created)
	case domain.ItemStatus:
		for _, entry := range env.History {
			if entry.Action == item.Text && entry.By == msg.From && entry.At.Equal(msg.Received) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
