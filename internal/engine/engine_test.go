package engine_test

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"testing"
	"time"

	"handoff/internal/codec"
	"handoff/internal/config"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/storage"
)

type testEnv struct {
	Engine  engine.Engine
	Backend storage.Backend
	Ctx     context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	b, err := storage.NewFSBackend(t.TempDir())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	cfg := config.Default("home")
	eng := engine.New(b, cfg)
	// Monotonic test clock: one second per call keeps event order stable.
	now := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	eng.Now = func() time.Time {
		now = now.Add(time.Second)
		return now
	}
	return testEnv{Engine: eng, Backend: b, Ctx: context.Background()}
}

func (env testEnv) createThread(t *testing.T, ref, intent string) *domain.ThreadView {
	t.Helper()
	view, err := env.Engine.CreateThread(env.Ctx, engine.CreateThreadOptions{
		Ref:       ref,
		Intent:    intent,
		Requestor: "alex",
	})
	if err != nil {
		t.Fatalf("create thread: %v", err)
	}
	return view
}

func TestRegisterExecutor(t *testing.T) {
	env := newTestEnv(t)
	token, ex, err := env.Engine.RegisterExecutor(env.Ctx, engine.RegisterExecutorOptions{
		ExecutorID: "phone",
		Name:       "Kitchen phone",
		Channels:   []string{"push"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if !regexp.MustCompile(`^ho1\.home\.[0-9a-f]{32}$`).MatchString(token) {
		t.Fatalf("token layout: %q", token)
	}
	if ex.TokenDigest == "" || strings.Contains(ex.TokenDigest, token) {
		t.Fatalf("digest must be stored, not the token: %+v", ex)
	}

	got, err := env.Engine.Authenticate(env.Ctx, token)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got == nil || got.ID != "phone" {
		t.Fatalf("authenticate returned %+v", got)
	}

	_, _, err = env.Engine.RegisterExecutor(env.Ctx, engine.RegisterExecutorOptions{ExecutorID: "phone"})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("duplicate registration: %v, want ConflictError", err)
	}
}

func TestCreateThread(t *testing.T) {
	env := newTestEnv(t)
	view := env.createThread(t, "", "Check the door")

	if view.Status != domain.StatusPending {
		t.Fatalf("status = %q", view.Status)
	}
	if !strings.HasPrefix(view.Ref, "req-") {
		t.Fatalf("generated ref = %q", view.Ref)
	}
	keys, err := env.Backend.List(env.Ctx, "threads/received/"+view.Ref+"/")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(keys) == 0 {
		t.Fatal("no document files in received partition")
	}

	_, err = env.Engine.CreateThread(env.Ctx, engine.CreateThreadOptions{
		Ref: view.Ref, Intent: "again", Requestor: "alex",
	})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("duplicate ref: %v, want ConflictError", err)
	}

	_, err = env.Engine.CreateThread(env.Ctx, engine.CreateThreadOptions{Requestor: "alex"})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "intent" {
		t.Fatalf("missing intent: %v", err)
	}
}

func TestClaimAndCompleteLifecycle(t *testing.T) {
	env := newTestEnv(t)
	view := env.createThread(t, "req-door", "Check the door")

	view, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{
		Ref: "req-door", Status: domain.StatusClaimed, ActorID: "phone",
	})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if view.ExecutorID == nil || *view.ExecutorID != "phone" {
		t.Fatalf("executor after claim = %v", view.ExecutorID)
	}
	if keys, _ := env.Backend.List(env.Ctx, "threads/received/req-door/"); len(keys) != 0 {
		t.Fatalf("received partition not emptied: %v", keys)
	}
	if keys, _ := env.Backend.List(env.Ctx, "threads/executing/req-door/"); len(keys) == 0 {
		t.Fatal("documents missing from executing partition")
	}

	view, err = env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{
		Ref: "req-door", Status: domain.StatusCompleted, ActorID: "phone",
		Message: &domain.Message{
			From:    "phone",
			Content: []domain.ContentItem{{Type: domain.ItemResponse, Text: "door is locked"}},
		},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if view.Status != domain.StatusCompleted {
		t.Fatalf("status = %q", view.Status)
	}
	if len(view.Messages) != 1 || view.Messages[0].Content[0].Text != "door is locked" {
		t.Fatalf("messages = %+v", view.Messages)
	}
	if *view.ExecutorID != "phone" {
		t.Fatalf("executor lost on completion: %v", view.ExecutorID)
	}
	if keys, _ := env.Backend.List(env.Ctx, "threads/finished/req-door/"); len(keys) == 0 {
		t.Fatal("documents missing from finished partition")
	}
}

func TestUpdateStatusRepeatIsNoop(t *testing.T) {
	env := newTestEnv(t)
	env.createThread(t, "req-1", "x")
	view, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{
		Ref: "req-1", Status: domain.StatusPending, ActorID: "alex",
	})
	if err != nil {
		t.Fatalf("repeat status: %v", err)
	}
	events, err := env.Engine.Events.ListForThread(env.Ctx, "home", "req-1")
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("no-op transition appended events: %d", len(events))
	}
	if view.Status != domain.StatusPending {
		t.Fatalf("status = %q", view.Status)
	}
}

func TestUpdateStatusRejectsUnknown(t *testing.T) {
	env := newTestEnv(t)
	env.createThread(t, "req-1", "x")
	_, err := env.Engine.UpdateStatus(env.Ctx, engine.UpdateStatusOptions{
		Ref: "req-1", Status: "exploded", ActorID: "phone",
	})
	var ve engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "status" {
		t.Fatalf("err = %v, want status ValidationError", err)
	}
}

func TestAddMessageExternalizesLargeData(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Limits.AttachmentThreshold = 16
	env.createThread(t, "req-1", "photo please")

	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	view, err := env.Engine.AddMessage(env.Ctx, engine.AddMessageOptions{
		Ref:  "req-1",
		From: "phone",
		Content: []domain.ContentItem{
			{Type: domain.ItemResponse, Data: data, Mime: "image/jpeg"},
		},
	})
	if err != nil {
		t.Fatalf("add message: %v", err)
	}
	item := view.Messages[0].Content[0]
	if len(item.Data) != 0 {
		t.Fatal("oversized data stayed inline in the event log")
	}
	if item.File == nil || item.File.Size != len(data) {
		t.Fatalf("file ref = %+v", item.File)
	}
	content, found, err := env.Backend.Get(env.Ctx, "threads/received/req-1/"+item.File.Name)
	if err != nil || !found {
		t.Fatalf("attachment blob %s missing (found=%v err=%v)", item.File.Name, found, err)
	}
	if len(content) != len(data) {
		t.Fatalf("attachment size = %d", len(content))
	}
}

func TestImportExternalizesInlineData(t *testing.T) {
	env := sampleImportEnvelope("req-ext")
	data := make([]byte, 64)
	for i := range data {
		data[i] = byte(i)
	}
	msgs := []domain.Message{
		{
			From:     "alex",
			Received: env.Created,
			Content:  []domain.ContentItem{{Type: domain.ItemRequest, Text: env.Intent}},
		},
		{
			From:     "phone",
			Received: env.Created.Add(time.Minute),
			Content:  []domain.ContentItem{{Type: domain.ItemResponse, Data: data, Mime: "image/jpeg"}},
		},
	}
	flat, err := codec.SerializeFlatDocument(env, msgs)
	if err != nil {
		t.Fatalf("serialize flat: %v", err)
	}

	dst := newTestEnv(t)
	dst.Engine.Config.Limits.AttachmentThreshold = 16
	view, err := dst.Engine.ImportFlatDocument(dst.Ctx, flat)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	item := view.Messages[0].Content[0]
	if len(item.Data) != 0 {
		t.Fatal("oversized imported data stayed inline in the event log")
	}
	if item.File == nil || item.File.Size != len(data) {
		t.Fatalf("file ref = %+v", item.File)
	}
	if n := countAttachments(t, dst, "threads/received/req-ext/"); n != 1 {
		t.Fatalf("attachment count after import = %d, want 1", n)
	}

	// A later rewrite of the document set must not re-externalize.
	if _, err := dst.Engine.AddMessage(dst.Ctx, engine.AddMessageOptions{
		Ref:     "req-ext",
		From:    "alex",
		Content: []domain.ContentItem{{Type: domain.ItemQuery, Text: "still there?"}},
	}); err != nil {
		t.Fatalf("add message: %v", err)
	}
	if n := countAttachments(t, dst, "threads/received/req-ext/"); n != 1 {
		t.Fatalf("attachment count after rewrite = %d, want 1", n)
	}
}

func sampleImportEnvelope(ref string) domain.Envelope {
	created := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)
	return domain.Envelope{
		Ref:       ref,
		Requestor: "alex",
		Status:    domain.StatusPending,
		Created:   created,
		Updated:   created,
		Intent:    "photo please",
		Priority:  "normal",
		History: []domain.HistoryEntry{
			{Action: "created", At: created, By: "alex"},
		},
	}
}

func countAttachments(t *testing.T, env testEnv, prefix string) int {
	t.Helper()
	keys, err := env.Backend.List(env.Ctx, prefix)
	if err != nil {
		t.Fatalf("list %s: %v", prefix, err)
	}
	n := 0
	for _, key := range keys {
		if codec.IsAttachmentName(strings.TrimPrefix(key, prefix)) {
			n++
		}
	}
	return n
}

func TestEqualTimestampEventsKeepAppendOrder(t *testing.T) {
	env := newTestEnv(t)
	fixed := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	env.Engine.Now = func() time.Time { return fixed }
	env.createThread(t, "req-1", "x")

	for _, text := range []string{"first", "second", "third"} {
		if _, err := env.Engine.AddMessage(env.Ctx, engine.AddMessageOptions{
			Ref:     "req-1",
			From:    "phone",
			Content: []domain.ContentItem{{Type: domain.ItemStatus, Text: text}},
		}); err != nil {
			t.Fatalf("add %q: %v", text, err)
		}
	}

	view, err := env.Engine.GetThread(env.Ctx, "req-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(view.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(view.Messages))
	}
	for i, want := range []string{"first", "second", "third"} {
		if got := view.Messages[i].Content[0].Text; got != want {
			t.Fatalf("message %d = %q, want %q", i, got, want)
		}
	}
}

func TestProfileEditCrossIdentityConflict(t *testing.T) {
	env := newTestEnv(t)
	if _, _, err := env.Engine.RegisterExecutor(env.Ctx, engine.RegisterExecutorOptions{ExecutorID: "phone"}); err != nil {
		t.Fatalf("register: %v", err)
	}
	_, err := env.Engine.UpdateExecutorProfile(env.Ctx, engine.UpdateExecutorProfileOptions{
		ExecutorID: "phone",
		ActorID:    "tablet",
		Name:       "hijacked",
	})
	var ce engine.ConflictError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ConflictError", err)
	}

	ex, err := env.Engine.UpdateExecutorProfile(env.Ctx, engine.UpdateExecutorProfileOptions{
		ExecutorID: "phone",
		ActorID:    "phone",
		Name:       "Kitchen phone",
	})
	if err != nil {
		t.Fatalf("self edit: %v", err)
	}
	if ex.Name != "Kitchen phone" {
		t.Fatalf("name = %q", ex.Name)
	}
}

func TestCorruptDocumentSkippedInListing(t *testing.T) {
	env := newTestEnv(t)
	env.createThread(t, "req-good", "fine")
	env.createThread(t, "req-bad", "about to break")

	key := "threads/received/req-bad/000-req-bad.yaml"
	if err := env.Backend.Put(env.Ctx, key, []byte("\t{{{not yaml")); err != nil {
		t.Fatalf("corrupt: %v", err)
	}

	envelopes, err := env.Engine.ListThreads(env.Ctx, "")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(envelopes) != 1 || envelopes[0].Ref != "req-good" {
		t.Fatalf("listing = %+v, want only req-good", envelopes)
	}

	_, _, err = env.Engine.GetDocument(env.Ctx, "req-bad")
	var pe *codec.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("direct fetch err = %v, want ParseError", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestEnv(t)
	src.createThread(t, "req-door", "Check the door")
	if _, err := src.Engine.UpdateStatus(src.Ctx, engine.UpdateStatusOptions{
		Ref: "req-door", Status: domain.StatusClaimed, ActorID: "phone",
	}); err != nil {
		t.Fatalf("claim: %v", err)
	}
	want, err := src.Engine.UpdateStatus(src.Ctx, engine.UpdateStatusOptions{
		Ref: "req-door", Status: domain.StatusCompleted, ActorID: "phone",
		Message: &domain.Message{
			From:    "phone",
			Content: []domain.ContentItem{{Type: domain.ItemResponse, Text: "done"}},
		},
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}

	flat, err := src.Engine.ExportFlat(src.Ctx, "req-door")
	if err != nil {
		t.Fatalf("export: %v", err)
	}

	dst := newTestEnv(t)
	got, err := dst.Engine.ImportFlatDocument(dst.Ctx, flat)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if got.Status != want.Status || got.Intent != want.Intent {
		t.Fatalf("import changed state: want %+v got %+v", want, got)
	}
	if got.ExecutorID == nil || *got.ExecutorID != "phone" {
		t.Fatalf("executor = %v", got.ExecutorID)
	}
	if len(got.Messages) != len(want.Messages) {
		t.Fatalf("messages: want %d got %d", len(want.Messages), len(got.Messages))
	}
	if keys, _ := dst.Backend.List(dst.Ctx, "threads/finished/req-door/"); len(keys) == 0 {
		t.Fatal("imported thread not filed under finished")
	}

	// Re-import must be a no-op thanks to deterministic event ids.
	before, _ := dst.Engine.Events.ListForThread(dst.Ctx, "home", "req-door")
	if _, err := dst.Engine.ImportFlatDocument(dst.Ctx, flat); err != nil {
		t.Fatalf("re-import: %v", err)
	}
	after, _ := dst.Engine.Events.ListForThread(dst.Ctx, "home", "req-door")
	if len(before) != len(after) {
		t.Fatalf("re-import grew the log: %d -> %d", len(before), len(after))
	}
}

func TestGetThreadNotFound(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.GetThread(env.Ctx, "req-missing")
	if !errors.Is(err, engine.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
