package domain

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Thread lifecycle statuses. The set is closed: anything else is rejected
// before a write, though the partition table tolerates unknown values on
// the read side.
const (
	StatusPending           = "pending"
	StatusClaimed           = "claimed"
	StatusInProgress        = "in-progress"
	StatusWaiting           = "waiting"
	StatusHeld              = "held"
	StatusNeedsInput        = "needs_input"
	StatusNeedsConfirmation = "needs_confirmation"
	StatusCompleted         = "completed"
	StatusPartial           = "partial"
	StatusFailed            = "failed"
	StatusDeclined          = "declined"
	StatusCancelled         = "cancelled"
	StatusExpired           = "expired"
	StatusDelegated         = "delegated"
	StatusSuperseded        = "superseded"
)

var knownStatuses = map[string]bool{
	StatusPending:           true,
	StatusClaimed:           true,
	StatusInProgress:        true,
	StatusWaiting:           true,
	StatusHeld:              true,
	StatusNeedsInput:        true,
	StatusNeedsConfirmation: true,
	StatusCompleted:         true,
	StatusPartial:           true,
	StatusFailed:            true,
	StatusDeclined:          true,
	StatusCancelled:         true,
	StatusExpired:           true,
	StatusDelegated:         true,
	StatusSuperseded:        true,
}

// ValidStatus reports whether s is a recognized lifecycle status.
func ValidStatus(s string) bool {
	return knownStatuses[s]
}

// Content item types within a message.
const (
	ItemRequest  = "request"
	ItemStatus   = "status"
	ItemResponse = "response"
	ItemAck      = "ack"
	ItemCancel   = "cancel"
	ItemQuery    = "query"
)

var knownItemTypes = map[string]bool{
	ItemRequest:  true,
	ItemStatus:   true,
	ItemResponse: true,
	ItemAck:      true,
	ItemCancel:   true,
	ItemQuery:    true,
}

// ValidItemType reports whether t is a recognized content item type.
func ValidItemType(t string) bool {
	return knownItemTypes[t]
}

// ThreadView is the materialized state of a thread, always rebuilt by
// folding its event sequence. It is never persisted directly.
type ThreadView struct {
	Ref         string    `json:"ref"`
	Status      string    `json:"status"`
	Intent      string    `json:"intent"`
	RequestorID string    `json:"requestor_id"`
	ExecutorID  *string   `json:"executor_id,omitempty"`
	Priority    string    `json:"priority"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
	Messages    []Message `json:"messages"`
}

// Envelope is the document-format header summarizing a thread. It mirrors
// ThreadView but carries the append-only transition history instead of the
// message bodies, which live in their own documents.
type Envelope struct {
	Ref       string         `yaml:"ref" json:"ref"`
	Requestor string         `yaml:"requestor" json:"requestor"`
	Executor  string         `yaml:"executor,omitempty" json:"executor,omitempty"`
	Status    string         `yaml:"status" json:"status"`
	Created   time.Time      `yaml:"created" json:"created"`
	Updated   time.Time      `yaml:"updated" json:"updated"`
	Intent    string         `yaml:"intent" json:"intent"`
	Priority  string         `yaml:"priority" json:"priority"`
	History   []HistoryEntry `yaml:"history" json:"history"`
}

// HistoryEntry records one lifecycle transition.
type HistoryEntry struct {
	Action string    `yaml:"action" json:"action"`
	At     time.Time `yaml:"at" json:"at"`
	By     string    `yaml:"by" json:"by"`
}

// Message is one timestamped exchange of content items within a thread.
type Message struct {
	From     string        `yaml:"from" json:"from"`
	Received time.Time     `yaml:"received" json:"received"`
	Channel  *string       `yaml:"channel,omitempty" json:"channel,omitempty"`
	Content  []ContentItem `yaml:"content" json:"content"`
}

// ContentItem is one typed entry in a message body. Large inline Data is
// externalized into an Attachment at serialization time, leaving File set
// instead.
type ContentItem struct {
	Type string   `yaml:"type" json:"type"`
	Text string   `yaml:"text,omitempty" json:"text,omitempty"`
	Data Blob     `yaml:"data,omitempty" json:"data,omitempty"`
	Mime string   `yaml:"mime,omitempty" json:"mime,omitempty"`
	File *FileRef `yaml:"file,omitempty" json:"file,omitempty"`
}

// Blob is inline binary content. JSON keeps the standard base64 encoding of
// []byte; YAML renders the canonical !!binary form rather than yaml.v3's
// default byte-per-line sequence, and accepts either shape on read.
type Blob []byte

func (b Blob) MarshalYAML() (any, error) {
	return &yaml.Node{
		Kind:  yaml.ScalarNode,
		Tag:   "!!binary",
		Value: base64.StdEncoding.EncodeToString(b),
	}, nil
}

func (b *Blob) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		// !!binary scalars may be folded across lines.
		raw := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\t', '\n', '\r':
				return -1
			}
			return r
		}, node.Value)
		decoded, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return fmt.Errorf("decode binary content: %w", err)
		}
		*b = decoded
		return nil
	case yaml.SequenceNode:
		decoded := make([]byte, len(node.Content))
		for i, c := range node.Content {
			n, err := strconv.Atoi(c.Value)
			if err != nil || n < 0 || n > 255 {
				return fmt.Errorf("decode binary content: invalid byte %q", c.Value)
			}
			decoded[i] = byte(n)
		}
		*b = decoded
		return nil
	default:
		return fmt.Errorf("decode binary content: unexpected %s node", node.Tag)
	}
}

// FileRef points a content item at an externalized attachment.
type FileRef struct {
	Name string `yaml:"name" json:"name"`
	Mime string `yaml:"mime,omitempty" json:"mime,omitempty"`
	Size int    `yaml:"size" json:"size"`
}

// Attachment is large binary content stored next to its thread's document
// files under a serial-prefixed, type-tagged name.
type Attachment struct {
	Name    string `json:"name"`
	Content []byte `json:"-"`
	Binary  bool   `json:"binary"`
	Size    int    `json:"size"`
}

// Executor is a registered responding party within an exchange. The token
// digest is stored in place of the plaintext credential.
type Executor struct {
	ID           string    `json:"id"`
	ExchangeID   string    `json:"exchange_id,omitempty"`
	Name         string    `json:"name,omitempty"`
	Channels     []string  `json:"channels,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty"`
	TokenDigest  string    `json:"token_digest"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
