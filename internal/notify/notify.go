// Package notify delivers fire-and-forget notifications about new
// requests. Delivery failures are logged and never propagated; the core
// does not retry.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"
)

const defaultTimeout = 5 * time.Second

// Notification is the payload handed to a sink when a thread is created.
type Notification struct {
	Ref        string `json:"ref"`
	Intent     string `json:"intent"`
	Priority   string `json:"priority"`
	Requestor  string `json:"requestor"`
	Context    string `json:"context,omitempty"`
	WantsPhoto bool   `json:"wants_photo"`
	URL        string `json:"url,omitempty"`
}

// Sink accepts notifications. Implementations must not block the caller on
// failure.
type Sink interface {
	Send(ctx context.Context, n Notification)
}

// WebhookSink POSTs notifications as JSON to a fixed URL.
type WebhookSink struct {
	URL    string
	Client *http.Client
	Logger *log.Logger
}

func (s *WebhookSink) logger() *log.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return log.Default()
}

func (s *WebhookSink) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	return &http.Client{Timeout: defaultTimeout}
}

func (s *WebhookSink) Send(ctx context.Context, n Notification) {
	if s.URL == "" {
		return
	}
	body, err := json.Marshal(n)
	if err != nil {
		s.logger().Printf("notify: encode %s failed: %v", n.Ref, err)
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.URL, bytes.NewReader(body))
	if err != nil {
		s.logger().Printf("notify: build request for %s failed: %v", n.Ref, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client().Do(req)
	if err != nil {
		s.logger().Printf("notify: deliver %s to %s failed: %v", n.Ref, s.URL, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		s.logger().Printf("notify: deliver %s to %s returned %s", n.Ref, s.URL, resp.Status)
	}
}

// Discard is a Sink that drops every notification, for configurations
// without a notification channel.
type Discard struct{}

func (Discard) Send(context.Context, Notification) {}
