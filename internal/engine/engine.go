// Package engine ties the stores, codec, router, and auth guard together
// into the operations the CLI and HTTP API expose. Every read re-derives
// thread state from the event log or the document files; the engine keeps
// no cache of its own.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"handoff/internal/codec"
	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/engine/auth"
	"handoff/internal/eventstore"
	"handoff/internal/notify"
	"handoff/internal/router"
	"handoff/internal/storage"
	"handoff/internal/thread"
)

var refRe = regexp.MustCompile(`^[a-z0-9][a-z0-9._-]*$`)

// newEventID returns a time-ordered (v7) id, so event keys sort in append
// order even when timestamps collide.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Engine executes handoff operations against one exchange.
type Engine struct {
	Backend storage.Backend
	Events  eventstore.Store
	Config  *config.Config
	Notify  notify.Sink
	Now     func() time.Time
}

// New wires an engine over the given backend.
func New(b storage.Backend, cfg *config.Config) Engine {
	sink := notify.Sink(notify.Discard{})
	if cfg != nil && cfg.Notify.URL != "" {
		sink = &notify.WebhookSink{URL: cfg.Notify.URL}
	}
	return Engine{
		Backend: b,
		Events:  eventstore.Store{Backend: b},
		Config:  cfg,
		Notify:  sink,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) exchangeID() string {
	return e.Config.Exchange.ID
}

// CreateThreadOptions are parameters for opening a new request thread.
type CreateThreadOptions struct {
	Ref        string
	Intent     string
	Priority   string
	Context    string
	WantsPhoto bool
	Requestor  string
}

// CreateThread opens a thread, writes its first event and document set
// into the received partition, and pings the notification sink.
func (e Engine) CreateThread(ctx context.Context, opts CreateThreadOptions) (*domain.ThreadView, error) {
	if strings.TrimSpace(opts.Intent) == "" {
		return nil, ValidationError{Field: "intent", Reason: "is required"}
	}
	if opts.Requestor == "" {
		return nil, ValidationError{Field: "requestor", Reason: "is required"}
	}
	if opts.Priority == "" {
		opts.Priority = "normal"
	}
	ref := opts.Ref
	if ref == "" {
		ref = "req-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	if !refRe.MatchString(ref) {
		return nil, ValidationError{Field: "ref", Reason: "must be lowercase alphanumeric with . _ -"}
	}
	existing, err := e.Events.ListForThread(ctx, e.exchangeID(), ref)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, ConflictError{Reason: fmt.Sprintf("thread %s already exists", ref)}
	}

	now := e.now()
	payload, err := domain.MarshalPayload(domain.ThreadCreatedPayload{
		Intent:     opts.Intent,
		Priority:   opts.Priority,
		Context:    opts.Context,
		WantsPhoto: opts.WantsPhoto,
	})
	if err != nil {
		return nil, err
	}
	evt := domain.Event{
		ID:         newEventID(),
		TS:         now,
		ExchangeID: e.exchangeID(),
		ThreadRef:  &ref,
		Type:       domain.EventThreadCreated,
		ActorID:    opts.Requestor,
		Payload:    payload,
	}
	if err := e.Events.Append(ctx, evt); err != nil {
		return nil, err
	}
	if err := e.rewriteDocuments(ctx, ref, router.PartitionReceived); err != nil {
		return nil, err
	}
	e.Notify.Send(ctx, notify.Notification{
		Ref:        ref,
		Intent:     opts.Intent,
		Priority:   opts.Priority,
		Requestor:  opts.Requestor,
		Context:    opts.Context,
		WantsPhoto: opts.WantsPhoto,
	})
	return e.GetThread(ctx, ref)
}

// UpdateStatusOptions are parameters for a lifecycle transition.
type UpdateStatusOptions struct {
	Ref     string
	Status  string
	ActorID string
	// Message optionally rides along with the transition, e.g. a response
	// attached to completion.
	Message *domain.Message
}

// UpdateStatus transitions a thread, relocating its document set when the
// new status maps to a different partition. Repeating the current status
// is a no-op.
func (e Engine) UpdateStatus(ctx context.Context, opts UpdateStatusOptions) (*domain.ThreadView, error) {
	if !domain.ValidStatus(opts.Status) {
		return nil, ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", opts.Status)}
	}
	if opts.ActorID == "" {
		return nil, ValidationError{Field: "actor_id", Reason: "is required"}
	}
	view, err := e.GetThread(ctx, opts.Ref)
	if err != nil {
		return nil, err
	}
	if view.Status == opts.Status {
		return view, nil
	}

	oldPartition := router.PartitionFor(view.Status)
	newPartition := router.PartitionFor(opts.Status)

	executorID := ""
	if view.ExecutorID == nil && newPartition == router.PartitionExecuting {
		executorID = opts.ActorID
	}
	payload, err := domain.MarshalPayload(domain.StatusChangedPayload{
		Status:     opts.Status,
		ExecutorID: executorID,
	})
	if err != nil {
		return nil, err
	}
	ref := opts.Ref
	now := e.now()
	evt := domain.Event{
		ID:         newEventID(),
		TS:         now,
		ExchangeID: e.exchangeID(),
		ThreadRef:  &ref,
		Type:       domain.EventStatusChanged,
		ActorID:    opts.ActorID,
		Payload:    payload,
	}
	if err := e.Events.Append(ctx, evt); err != nil {
		return nil, err
	}
	if opts.Message != nil {
		if err := e.appendMessage(ctx, ref, *opts.Message, oldPartition, now.Add(time.Millisecond)); err != nil {
			return nil, err
		}
	}
	if err := router.Relocate(ctx, e.Backend, ref, oldPartition, newPartition); err != nil {
		return nil, err
	}
	if err := e.rewriteDocuments(ctx, ref, newPartition); err != nil {
		return nil, err
	}
	return e.GetThread(ctx, ref)
}

// AddMessageOptions are parameters for appending one message.
type AddMessageOptions struct {
	Ref     string
	From    string
	Channel string
	Content []domain.ContentItem
}

// AddMessage appends a message to a thread and refreshes its documents.
func (e Engine) AddMessage(ctx context.Context, opts AddMessageOptions) (*domain.ThreadView, error) {
	if opts.From == "" {
		return nil, ValidationError{Field: "from", Reason: "is required"}
	}
	if len(opts.Content) == 0 {
		return nil, ValidationError{Field: "content", Reason: "at least one item is required"}
	}
	for _, item := range opts.Content {
		if !domain.ValidItemType(item.Type) {
			return nil, ValidationError{Field: "content", Reason: fmt.Sprintf("unknown item type %q", item.Type)}
		}
	}
	view, err := e.GetThread(ctx, opts.Ref)
	if err != nil {
		return nil, err
	}
	partition := router.PartitionFor(view.Status)
	msg := domain.Message{
		From:    opts.From,
		Content: opts.Content,
	}
	if opts.Channel != "" {
		channel := opts.Channel
		msg.Channel = &channel
	}
	if err := e.appendMessage(ctx, opts.Ref, msg, partition, e.now()); err != nil {
		return nil, err
	}
	if err := e.rewriteDocuments(ctx, opts.Ref, partition); err != nil {
		return nil, err
	}
	return e.GetThread(ctx, opts.Ref)
}

// appendMessage externalizes oversized inline payloads into attachment
// blobs, then appends the message_added event. Keeping large binaries out
// of the log is what makes full-log replays cheap.
func (e Engine) appendMessage(ctx context.Context, ref string, msg domain.Message, partition string, ts time.Time) error {
	existing, err := e.listAttachments(ctx, partition, ref)
	if err != nil {
		return err
	}
	msg, created := codec.ExternalizeMessage(msg, existing, e.Config.Limits.AttachmentThreshold)
	prefix := router.ThreadPrefix(partition, ref)
	for _, att := range created {
		if err := e.Backend.Put(ctx, prefix+att.Name, att.Content); err != nil {
			return err
		}
	}
	payload, err := domain.MarshalPayload(domain.MessageAddedPayload{
		From:    msg.From,
		Channel: msg.Channel,
		Content: msg.Content,
	})
	if err != nil {
		return err
	}
	return e.Events.Append(ctx, domain.Event{
		ID:         newEventID(),
		TS:         ts,
		ExchangeID: e.exchangeID(),
		ThreadRef:  &ref,
		Type:       domain.EventMessageAdded,
		ActorID:    msg.From,
		Payload:    payload,
	})
}

// GetThread rebuilds the thread view by folding its events.
func (e Engine) GetThread(ctx context.Context, ref string) (*domain.ThreadView, error) {
	events, err := e.Events.ListForThread(ctx, e.exchangeID(), ref)
	if err != nil {
		return nil, err
	}
	view, err := thread.Reduce(events)
	if err != nil {
		return nil, err
	}
	if view == nil {
		return nil, fmt.Errorf("thread %s: %w", ref, ErrNotFound)
	}
	return view, nil
}

// GetDocument locates and parses a thread's document set, scanning the
// partitions in order. Malformed content surfaces as a codec.ParseError.
func (e Engine) GetDocument(ctx context.Context, ref string) (*codec.Document, string, error) {
	for _, partition := range router.Partitions {
		blobs, err := e.threadBlobs(ctx, partition, ref)
		if err != nil {
			return nil, "", err
		}
		if len(blobs) > 0 {
			doc, err := codec.ParseDocument(blobs)
			if err != nil {
				return nil, "", err
			}
			return doc, partition, nil
		}
		flat, found, err := e.Backend.Get(ctx, router.FlatKey(partition, ref))
		if err != nil {
			return nil, "", err
		}
		if found {
			doc, err := codec.ParseFlatDocument(flat)
			if err != nil {
				return nil, "", err
			}
			return doc, partition, nil
		}
	}
	return nil, "", fmt.Errorf("thread %s: %w", ref, ErrNotFound)
}

// ListThreads returns the envelopes in one partition, or in all partitions
// when partition is empty. A thread whose documents fail to parse is
// skipped so one corrupt thread cannot hide the rest.
func (e Engine) ListThreads(ctx context.Context, partition string) ([]domain.Envelope, error) {
	partitions := router.Partitions
	if partition != "" {
		partitions = []string{partition}
	}
	var envelopes []domain.Envelope
	for _, p := range partitions {
		keys, err := e.Backend.List(ctx, "threads/"+p+"/")
		if err != nil {
			return nil, err
		}
		for _, ref := range refsFromKeys(p, keys) {
			doc, _, err := e.GetDocument(ctx, ref)
			if err != nil {
				var pe *codec.ParseError
				if errors.As(err, &pe) {
					continue
				}
				return nil, err
			}
			envelopes = append(envelopes, doc.Envelope)
		}
	}
	sort.Slice(envelopes, func(i, j int) bool {
		return envelopes[i].Updated.After(envelopes[j].Updated)
	})
	return envelopes, nil
}

// ExportFlat renders a thread into the legacy single-file layout.
func (e Engine) ExportFlat(ctx context.Context, ref string) ([]byte, error) {
	events, err := e.Events.ListForThread(ctx, e.exchangeID(), ref)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("thread %s: %w", ref, ErrNotFound)
	}
	doc, err := codec.EventsToDocument(events)
	if err != nil {
		return nil, err
	}
	return codec.SerializeFlatDocument(doc.Envelope, doc.Messages)
}

// ImportDocument ingests an externally authored document set: its events
// are derived deterministically and appended (idempotently), attachments
// are copied over, and the document set is rewritten into the partition
// the envelope's status routes to.
func (e Engine) ImportDocument(ctx context.Context, files []codec.NamedBlob) (*domain.ThreadView, error) {
	doc, err := codec.ParseDocument(files)
	if err != nil {
		return nil, err
	}
	return e.importParsed(ctx, doc)
}

// ImportFlatDocument ingests a legacy single-file document.
func (e Engine) ImportFlatDocument(ctx context.Context, content []byte) (*domain.ThreadView, error) {
	doc, err := codec.ParseFlatDocument(content)
	if err != nil {
		return nil, err
	}
	return e.importParsed(ctx, doc)
}

func (e Engine) importParsed(ctx context.Context, doc *codec.Document) (*domain.ThreadView, error) {
	// Imported messages pass through the same externalization rule as
	// native appends, so oversized inline data never enters the event log
	// and later rewrites find nothing left to externalize.
	atts := append([]domain.Attachment(nil), doc.Attachments...)
	msgs := make([]domain.Message, len(doc.Messages))
	for i, msg := range doc.Messages {
		rewritten, created := codec.ExternalizeMessage(msg, atts, e.Config.Limits.AttachmentThreshold)
		msgs[i] = rewritten
		atts = append(atts, created...)
	}
	doc.Messages = msgs

	events, err := codec.DocumentToEvents(doc, e.exchangeID())
	if err != nil {
		return nil, ValidationError{Field: "document", Reason: err.Error()}
	}
	for _, evt := range events {
		if err := e.Events.Append(ctx, evt); err != nil {
			return nil, err
		}
	}
	ref := doc.Envelope.Ref
	partition := router.PartitionFor(doc.Envelope.Status)
	prefix := router.ThreadPrefix(partition, ref)
	for _, att := range atts {
		if err := e.Backend.Put(ctx, prefix+att.Name, att.Content); err != nil {
			return nil, err
		}
	}
	if err := e.rewriteDocuments(ctx, ref, partition); err != nil {
		return nil, err
	}
	return e.GetThread(ctx, ref)
}

// rewriteDocuments regenerates a thread's document files from its event
// log, replacing what the partition currently holds. Attachment blobs are
// left alone; only numbered document files are rewritten.
func (e Engine) rewriteDocuments(ctx context.Context, ref, partition string) error {
	events, err := e.Events.ListForThread(ctx, e.exchangeID(), ref)
	if err != nil {
		return err
	}
	doc, err := codec.EventsToDocument(events)
	if err != nil {
		return err
	}
	existing, err := e.listAttachments(ctx, partition, ref)
	if err != nil {
		return err
	}
	files, created, err := codec.SerializeDocumentLimits(
		doc.Envelope, doc.Messages, existing,
		e.Config.Limits.FileCap, e.Config.Limits.AttachmentThreshold)
	if err != nil {
		return err
	}
	prefix := router.ThreadPrefix(partition, ref)
	for _, att := range created {
		if err := e.Backend.Put(ctx, prefix+att.Name, att.Content); err != nil {
			return err
		}
	}
	for _, f := range files {
		if err := e.Backend.Put(ctx, prefix+f.Name, f.Content); err != nil {
			return err
		}
	}
	// Drop stale numbered files left over from a previously longer set.
	keys, err := e.Backend.List(ctx, prefix)
	if err != nil {
		return err
	}
	names := make(map[string]bool, len(files))
	for _, f := range files {
		names[f.Name] = true
	}
	for _, key := range keys {
		name := strings.TrimPrefix(key, prefix)
		if codec.IsDocumentFile(name) && !names[name] {
			if err := e.Backend.Delete(ctx, key); err != nil {
				return err
			}
		}
	}
	return nil
}

func (e Engine) threadBlobs(ctx context.Context, partition, ref string) ([]codec.NamedBlob, error) {
	prefix := router.ThreadPrefix(partition, ref)
	keys, err := e.Backend.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	var blobs []codec.NamedBlob
	for _, key := range keys {
		content, found, err := e.Backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		blobs = append(blobs, codec.NamedBlob{Name: strings.TrimPrefix(key, prefix), Content: content})
	}
	return blobs, nil
}

func (e Engine) listAttachments(ctx context.Context, partition, ref string) ([]domain.Attachment, error) {
	blobs, err := e.threadBlobs(ctx, partition, ref)
	if err != nil {
		return nil, err
	}
	var atts []domain.Attachment
	for _, b := range blobs {
		if codec.IsAttachmentName(b.Name) {
			atts = append(atts, domain.Attachment{Name: b.Name, Content: b.Content, Size: len(b.Content)})
		}
	}
	return atts, nil
}

// refsFromKeys extracts the distinct thread refs under one partition from
// raw storage keys, covering both directory and flat layouts.
func refsFromKeys(partition string, keys []string) []string {
	base := "threads/" + partition + "/"
	seen := map[string]bool{}
	var refs []string
	for _, key := range keys {
		rest := strings.TrimPrefix(key, base)
		var ref string
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			ref = rest[:i]
		} else {
			ref = strings.TrimSuffix(rest, ".yaml")
		}
		if ref != "" && !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs
}

// RegisterExecutorOptions are parameters for adding a responding party.
type RegisterExecutorOptions struct {
	ExecutorID   string
	Name         string
	Channels     []string
	Capabilities []string
}

// RegisterExecutor stores a new executor and returns the plaintext token
// exactly once; only its digest is persisted.
func (e Engine) RegisterExecutor(ctx context.Context, opts RegisterExecutorOptions) (string, *domain.Executor, error) {
	if opts.ExecutorID == "" {
		return "", nil, ValidationError{Field: "executor_id", Reason: "is required"}
	}
	if !refRe.MatchString(opts.ExecutorID) {
		return "", nil, ValidationError{Field: "executor_id", Reason: "must be lowercase alphanumeric with . _ -"}
	}
	key := auth.ExecutorKey(e.exchangeID(), opts.ExecutorID)
	if _, found, err := e.Backend.Get(ctx, key); err != nil {
		return "", nil, err
	} else if found {
		return "", nil, ConflictError{Reason: fmt.Sprintf("executor %s already registered", opts.ExecutorID)}
	}

	token := auth.Issue(e.exchangeID())
	now := e.now()
	ex := domain.Executor{
		ID:           opts.ExecutorID,
		Name:         opts.Name,
		Channels:     opts.Channels,
		Capabilities: opts.Capabilities,
		TokenDigest:  auth.Digest(token),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	data, err := json.Marshal(ex)
	if err != nil {
		return "", nil, fmt.Errorf("marshal executor: %w", err)
	}
	if err := e.Backend.Put(ctx, key, data); err != nil {
		return "", nil, err
	}
	payload, err := domain.MarshalPayload(domain.ExecutorRegisteredPayload{
		ExecutorID: opts.ExecutorID,
		Name:       opts.Name,
	})
	if err != nil {
		return "", nil, err
	}
	if err := e.Events.Append(ctx, domain.Event{
		ID:         newEventID(),
		TS:         now,
		ExchangeID: e.exchangeID(),
		Type:       domain.EventExecutorRegistered,
		ActorID:    opts.ExecutorID,
		Payload:    payload,
	}); err != nil {
		return "", nil, err
	}
	ex.ExchangeID = e.exchangeID()
	return token, &ex, nil
}

// UpdateExecutorProfileOptions are parameters for a profile edit.
type UpdateExecutorProfileOptions struct {
	ExecutorID   string
	ActorID      string
	Name         string
	Channels     []string
	Capabilities []string
}

// UpdateExecutorProfile lets an executor edit its own profile. An edit
// attempted under a different identity is a conflict, not a silent merge.
func (e Engine) UpdateExecutorProfile(ctx context.Context, opts UpdateExecutorProfileOptions) (*domain.Executor, error) {
	if opts.ActorID != opts.ExecutorID {
		return nil, ConflictError{Reason: fmt.Sprintf("executor %s cannot edit profile of %s", opts.ActorID, opts.ExecutorID)}
	}
	key := auth.ExecutorKey(e.exchangeID(), opts.ExecutorID)
	data, found, err := e.Backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("executor %s: %w", opts.ExecutorID, ErrNotFound)
	}
	var ex domain.Executor
	if err := json.Unmarshal(data, &ex); err != nil {
		return nil, fmt.Errorf("decode executor %s: %w", opts.ExecutorID, err)
	}
	if opts.Name != "" {
		ex.Name = opts.Name
	}
	if opts.Channels != nil {
		ex.Channels = opts.Channels
	}
	if opts.Capabilities != nil {
		ex.Capabilities = opts.Capabilities
	}
	ex.UpdatedAt = e.now()
	updated, err := json.Marshal(ex)
	if err != nil {
		return nil, fmt.Errorf("marshal executor: %w", err)
	}
	if err := e.Backend.Put(ctx, key, updated); err != nil {
		return nil, err
	}
	ex.ExchangeID = e.exchangeID()
	return &ex, nil
}

// ListExecutors returns the exchange's registered executors.
func (e Engine) ListExecutors(ctx context.Context) ([]domain.Executor, error) {
	keys, err := e.Backend.List(ctx, auth.ExecutorPrefix(e.exchangeID()))
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	var executors []domain.Executor
	for _, key := range keys {
		data, found, err := e.Backend.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		var ex domain.Executor
		if err := json.Unmarshal(data, &ex); err != nil {
			return nil, fmt.Errorf("decode executor %s: %w", key, err)
		}
		ex.ExchangeID = e.exchangeID()
		executors = append(executors, ex)
	}
	return executors, nil
}

// Authenticate verifies an opaque bearer token against this engine's
// backend via the auth guard.
func (e Engine) Authenticate(ctx context.Context, token string) (*domain.Executor, error) {
	return auth.Authenticate(ctx, e.Backend, token)
}
