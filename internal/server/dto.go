package server

import (
	"encoding/base64"
	"time"

	"handoff/internal/domain"
)

// Request payloads

type CreateThreadRequest struct {
	Ref        string `json:"ref,omitempty"`
	Intent     string `json:"intent"`
	Priority   string `json:"priority,omitempty" enum:"low,normal,high,urgent"`
	Context    string `json:"context,omitempty"`
	WantsPhoto bool   `json:"wants_photo,omitempty"`
}

type ContentItemRequest struct {
	Type string `json:"type" enum:"request,status,response,ack,cancel,query"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty" format:"byte"`
	Mime string `json:"mime,omitempty"`
}

type AddMessageRequest struct {
	Channel string               `json:"channel,omitempty"`
	Content []ContentItemRequest `json:"content"`
}

type UpdateStatusRequest struct {
	Status  string             `json:"status"`
	Message *AddMessageRequest `json:"message,omitempty"`
}

type RegisterExecutorRequest struct {
	ExecutorID   string   `json:"executor_id"`
	Name         string   `json:"name,omitempty"`
	Channels     []string `json:"channels,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

type UpdateExecutorRequest struct {
	Name         string   `json:"name,omitempty"`
	Channels     []string `json:"channels,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Response payloads

type ContentItemResponse struct {
	Type string           `json:"type"`
	Text string           `json:"text,omitempty"`
	Data string           `json:"data,omitempty" format:"byte"`
	Mime string           `json:"mime,omitempty"`
	File *FileRefResponse `json:"file,omitempty"`
}

type FileRefResponse struct {
	Name string `json:"name"`
	Mime string `json:"mime,omitempty"`
	Size int    `json:"size"`
}

type MessageResponse struct {
	From     string                `json:"from"`
	Received string                `json:"received" format:"date-time"`
	Channel  *string               `json:"channel,omitempty"`
	Content  []ContentItemResponse `json:"content"`
}

type ThreadResponse struct {
	Ref        string            `json:"ref"`
	Status     string            `json:"status"`
	Intent     string            `json:"intent"`
	Priority   string            `json:"priority"`
	Requestor  string            `json:"requestor"`
	ExecutorID *string           `json:"executor_id,omitempty"`
	CreatedAt  string            `json:"created_at" format:"date-time"`
	UpdatedAt  string            `json:"updated_at" format:"date-time"`
	Messages   []MessageResponse `json:"messages"`
}

type ThreadSummaryResponse struct {
	Ref       string `json:"ref"`
	Status    string `json:"status"`
	Intent    string `json:"intent"`
	Priority  string `json:"priority,omitempty"`
	Requestor string `json:"requestor"`
	Executor  string `json:"executor,omitempty"`
	Partition string `json:"partition"`
	Updated   string `json:"updated" format:"date-time"`
}

type ExecutorResponse struct {
	ID           string   `json:"id"`
	ExchangeID   string   `json:"exchange_id"`
	Name         string   `json:"name,omitempty"`
	Channels     []string `json:"channels,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	CreatedAt    string   `json:"created_at" format:"date-time"`
	UpdatedAt    string   `json:"updated_at" format:"date-time"`
}

type RegisterExecutorResponse struct {
	Token    string           `json:"token"`
	Executor ExecutorResponse `json:"executor"`
}

func contentItemsFromRequest(items []ContentItemRequest) ([]domain.ContentItem, error) {
	out := make([]domain.ContentItem, len(items))
	for i, item := range items {
		out[i] = domain.ContentItem{Type: item.Type, Text: item.Text, Mime: item.Mime}
		if item.Data != "" {
			data, err := base64.StdEncoding.DecodeString(item.Data)
			if err != nil {
				return nil, err
			}
			out[i].Data = data
		}
	}
	return out, nil
}

func messageResponse(m domain.Message) MessageResponse {
	items := make([]ContentItemResponse, len(m.Content))
	for i, item := range m.Content {
		items[i] = ContentItemResponse{Type: item.Type, Text: item.Text, Mime: item.Mime}
		if len(item.Data) > 0 {
			items[i].Data = base64.StdEncoding.EncodeToString(item.Data)
		}
		if item.File != nil {
			items[i].File = &FileRefResponse{Name: item.File.Name, Mime: item.File.Mime, Size: item.File.Size}
		}
	}
	return MessageResponse{
		From:     m.From,
		Received: m.Received.Format(time.RFC3339),
		Channel:  m.Channel,
		Content:  items,
	}
}

func threadResponse(v *domain.ThreadView) ThreadResponse {
	msgs := make([]MessageResponse, len(v.Messages))
	for i, m := range v.Messages {
		msgs[i] = messageResponse(m)
	}
	return ThreadResponse{
		Ref:        v.Ref,
		Status:     v.Status,
		Intent:     v.Intent,
		Priority:   v.Priority,
		Requestor:  v.RequestorID,
		ExecutorID: v.ExecutorID,
		CreatedAt:  v.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  v.UpdatedAt.Format(time.RFC3339),
		Messages:   msgs,
	}
}

func executorResponse(ex *domain.Executor) ExecutorResponse {
	return ExecutorResponse{
		ID:           ex.ID,
		ExchangeID:   ex.ExchangeID,
		Name:         ex.Name,
		Channels:     ex.Channels,
		Capabilities: ex.Capabilities,
		CreatedAt:    ex.CreatedAt.Format(time.RFC3339),
		UpdatedAt:    ex.UpdatedAt.Format(time.RFC3339),
	}
}
