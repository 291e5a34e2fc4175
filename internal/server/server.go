// Package server exposes the handoff engine over HTTP. Executors
// authenticate with their opaque tokens; exchange administration uses a
// signed JWT.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"handoff/internal/codec"
	"handoff/internal/domain"
	"handoff/internal/engine"
	"handoff/internal/router"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"thread req-1a2b3c4d: not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the uniform error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the handoff API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	mux := chi.NewRouter()
	mux.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Handoff API", "0.1.0")
	api := humachi.New(mux, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerExecutors(group, cfg.Engine)
	registerThreads(group, cfg.Engine)
	registerDocuments(group, cfg.Engine)

	return mux, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field})
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var pe *codec.ParseError
	if errors.As(err, &pe) {
		return newAPIError(http.StatusUnprocessableEntity, "malformed_document", err.Error(), map[string]any{"file": pe.Name})
	}
	if errors.Is(err, engine.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "malformed_document"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerExecutors(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "register-executor",
		Method:        http.MethodPost,
		Path:          "/executors",
		Summary:       "Register executor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body RegisterExecutorRequest `json:"body"`
	}) (*struct {
		Body RegisterExecutorResponse `json:"body"`
	}, error) {
		if authErr := requireAdmin(ctx); authErr != nil {
			return nil, authErr
		}
		token, ex, err := e.RegisterExecutor(ctx, engine.RegisterExecutorOptions{
			ExecutorID:   input.Body.ExecutorID,
			Name:         input.Body.Name,
			Channels:     input.Body.Channels,
			Capabilities: input.Body.Capabilities,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RegisterExecutorResponse `json:"body"`
		}{Body: RegisterExecutorResponse{Token: token, Executor: executorResponse(ex)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-executors",
		Method:      http.MethodGet,
		Path:        "/executors",
		Summary:     "List executors",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ExecutorResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListExecutors(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ExecutorResponse, len(items))
		for i := range items {
			out[i] = executorResponse(&items[i])
		}
		return &struct {
			Body []ExecutorResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-executor",
		Method:      http.MethodPatch,
		Path:        "/executors/{executor_id}",
		Summary:     "Update executor profile",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ExecutorID string                `path:"executor_id"`
		Body       UpdateExecutorRequest `json:"body"`
	}) (*struct {
		Body ExecutorResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ex, err := e.UpdateExecutorProfile(ctx, engine.UpdateExecutorProfileOptions{
			ExecutorID:   input.ExecutorID,
			ActorID:      actorID,
			Name:         input.Body.Name,
			Channels:     input.Body.Channels,
			Capabilities: input.Body.Capabilities,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ExecutorResponse `json:"body"`
		}{Body: executorResponse(ex)}, nil
	})
}

func registerThreads(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-thread",
		Method:        http.MethodPost,
		Path:          "/threads",
		Summary:       "Create request thread",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateThreadRequest `json:"body"`
	}) (*struct {
		Body ThreadResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.CreateThread(ctx, engine.CreateThreadOptions{
			Ref:        input.Body.Ref,
			Intent:     input.Body.Intent,
			Priority:   input.Body.Priority,
			Context:    input.Body.Context,
			WantsPhoto: input.Body.WantsPhoto,
			Requestor:  actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreadResponse `json:"body"`
		}{Body: threadResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-threads",
		Method:      http.MethodGet,
		Path:        "/threads",
		Summary:     "List threads",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Partition string `query:"partition" enum:"received,executing,finished,canceled,"`
	}) (*struct {
		Body []ThreadSummaryResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		envelopes, err := e.ListThreads(ctx, input.Partition)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ThreadSummaryResponse, len(envelopes))
		for i, env := range envelopes {
			out[i] = threadSummary(env)
		}
		return &struct {
			Body []ThreadSummaryResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-thread",
		Method:      http.MethodGet,
		Path:        "/threads/{ref}",
		Summary:     "Get thread",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		Body ThreadResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		view, err := e.GetThread(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreadResponse `json:"body"`
		}{Body: threadResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "add-message",
		Method:      http.MethodPost,
		Path:        "/threads/{ref}/messages",
		Summary:     "Add message",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Ref  string            `path:"ref"`
		Body AddMessageRequest `json:"body"`
	}) (*struct {
		Body ThreadResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		content, err := contentItemsFromRequest(input.Body.Content)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "content data must be base64", nil)
		}
		view, err := e.AddMessage(ctx, engine.AddMessageOptions{
			Ref:     input.Ref,
			From:    actorID,
			Channel: input.Body.Channel,
			Content: content,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreadResponse `json:"body"`
		}{Body: threadResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-status",
		Method:      http.MethodPost,
		Path:        "/threads/{ref}/status",
		Summary:     "Update thread status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Ref  string              `path:"ref"`
		Body UpdateStatusRequest `json:"body"`
	}) (*struct {
		Body ThreadResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.UpdateStatusOptions{
			Ref:     input.Ref,
			Status:  input.Body.Status,
			ActorID: actorID,
		}
		if input.Body.Message != nil {
			content, err := contentItemsFromRequest(input.Body.Message.Content)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "content data must be base64", nil)
			}
			msg := domain.Message{From: actorID, Content: content}
			if input.Body.Message.Channel != "" {
				channel := input.Body.Message.Channel
				msg.Channel = &channel
			}
			opts.Message = &msg
		}
		view, err := e.UpdateStatus(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreadResponse `json:"body"`
		}{Body: threadResponse(view)}, nil
	})
}

func registerDocuments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-thread",
		Method:      http.MethodGet,
		Path:        "/threads/{ref}/document",
		Summary:     "Export thread as a flat document",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Ref string `path:"ref"`
	}) (*struct {
		ContentType string `header:"Content-Type"`
		Body        []byte
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		content, err := e.ExportFlat(ctx, input.Ref)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			ContentType string `header:"Content-Type"`
			Body        []byte
		}{ContentType: "application/yaml", Body: content}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-thread",
		Method:      http.MethodPut,
		Path:        "/threads/import",
		Summary:     "Import a flat thread document",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		RawBody []byte `contentType:"application/yaml"`
	}) (*struct {
		Body ThreadResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if len(input.RawBody) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "document body required", nil)
		}
		view, err := e.ImportFlatDocument(ctx, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ThreadResponse `json:"body"`
		}{Body: threadResponse(view)}, nil
	})
}

func threadSummary(env domain.Envelope) ThreadSummaryResponse {
	return ThreadSummaryResponse{
		Ref:       env.Ref,
		Status:    env.Status,
		Intent:    env.Intent,
		Priority:  env.Priority,
		Requestor: env.Requestor,
		Executor:  env.Executor,
		Partition: router.PartitionFor(env.Status),
		Updated:   env.Updated.Format(time.RFC3339),
	}
}
