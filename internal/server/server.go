package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"milemark/internal/domain"
	"milemark/internal/engine"
	"milemark/internal/gate"
	"milemark/internal/milestone"
	"milemark/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"regression_not_allowed"`
	Message string         `json:"message" example:"cannot move back from 25 to 20"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"allowed\":[30,40]}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Milemark API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Milemark API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMilestones(group, cfg.Engine)
	registerEngagements(group, cfg.Engine)
	registerProgress(group, cfg.Engine)
	registerAccess(group, cfg.Engine)
	registerFeedback(group, cfg.Engine)
	registerStalled(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
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
	var ve milestone.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, ve.Code, err.Error(), map[string]any{"allowed": ve.Allowed})
	}
	var ae gate.AccessError
	if errors.As(err, &ae) {
		return newAPIError(http.StatusForbidden, "access_denied", err.Error(), map[string]any{"mode": string(ae.Mode)})
	}
	if errors.Is(err, gate.ErrNotCompleted) {
		return newAPIError(http.StatusConflict, "not_completed", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrTransactionAborted) {
		return newAPIError(http.StatusInternalServerError, "transaction_aborted", err.Error(), map[string]any{"retryable": true})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "already submitted"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") || strings.Contains(lowered, "must be"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
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
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
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

func registerMilestones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-milestones",
		Method:      http.MethodGet,
		Path:        "/milestones",
		Summary:     "Milestone catalog",
	}, func(ctx context.Context, _ *struct{}) (*milestonesOutput, error) {
		out := &milestonesOutput{}
		for _, v := range e.Registry.Values() {
			m, _ := e.Registry.Get(v)
			out.Body.Items = append(out.Body.Items, MilestoneResponse{
				Value:       m.Value,
				Label:       m.Label,
				Description: m.Description,
				Automatic:   m.Automatic,
				Next:        m.Next,
			})
		}
		return out, nil
	})
}

type engagementPath struct {
	EngagementID string `path:"engagement_id"`
}

func registerEngagements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-engagement",
		Method:      http.MethodPost,
		Path:        "/engagements",
		Summary:     "Open an engagement",
	}, func(ctx context.Context, input *struct {
		Body CreateEngagementRequest
	}) (*engagementOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.CreateOptions{
			ClientID: input.Body.ClientID,
			Title:    input.Body.Title,
			ActorID:  actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			opts.Description = *input.Body.Description
		}
		eng, err := e.CreateEngagement(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &engagementOutput{Body: eng}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-engagement",
		Method:      http.MethodGet,
		Path:        "/engagements/{engagement_id}",
		Summary:     "Show an engagement",
	}, func(ctx context.Context, input *engagementPath) (*engagementOutput, error) {
		eng, err := e.GetEngagement(ctx, input.EngagementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &engagementOutput{Body: eng}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-engagements",
		Method:      http.MethodGet,
		Path:        "/engagements",
		Summary:     "List engagements",
	}, func(ctx context.Context, input *struct {
		ClientID  string `query:"client_id"`
		Completed *bool  `query:"completed"`
		Active    *bool  `query:"active"`
		Limit     int    `query:"limit"`
		Cursor    string `query:"cursor"`
	}) (*engagementListOutput, error) {
		f := repo.EngagementFilters{
			ClientID:  input.ClientID,
			Completed: input.Completed,
			Active:    input.Active,
			Limit:     input.Limit,
		}
		if input.Cursor != "" {
			createdAt, id, ok := decodeCursor(input.Cursor)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			f.CursorCreatedAt = createdAt
			f.CursorID = id
		}
		items, err := e.ListEngagements(ctx, f)
		if err != nil {
			return nil, handleError(err)
		}
		out := &engagementListOutput{}
		out.Body.Items = items
		if f.Limit > 0 && len(items) == f.Limit {
			last := items[len(items)-1]
			out.Body.NextCursor = encodeCursor(last.CreatedAt, last.ID)
		}
		return out, nil
	})
}

func registerProgress(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-progress",
		Method:      http.MethodPost,
		Path:        "/engagements/{engagement_id}/progress",
		Summary:     "Advance an engagement milestone",
	}, func(ctx context.Context, input *struct {
		engagementPath
		Body UpdateProgressRequest
	}) (*engagementOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ProgressUpdateOptions{
			EngagementID: input.EngagementID,
			Value:        input.Body.Value,
			ActorID:      actorID,
			Automatic:    input.Body.Automatic,
		}
		if input.Body.Note != nil {
			opts.Note = *input.Body.Note
		}
		eng, err := e.UpdateProgress(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &engagementOutput{Body: eng}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-history",
		Method:      http.MethodGet,
		Path:        "/engagements/{engagement_id}/history",
		Summary:     "Audit trail, newest first",
	}, func(ctx context.Context, input *struct {
		engagementPath
		Limit int `query:"limit"`
	}) (*historyOutput, error) {
		items, err := e.GetHistory(ctx, input.EngagementID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		out := &historyOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-timeline",
		Method:      http.MethodGet,
		Path:        "/engagements/{engagement_id}/timeline",
		Summary:     "Milestone path with dwell times",
	}, func(ctx context.Context, input *engagementPath) (*timelineOutput, error) {
		items, err := e.GetTimeline(ctx, input.EngagementID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &timelineOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-analytics",
		Method:      http.MethodGet,
		Path:        "/engagements/{engagement_id}/analytics",
		Summary:     "Progress pace summary",
	}, func(ctx context.Context, input *engagementPath) (*analyticsOutput, error) {
		a, err := e.GetAnalytics(ctx, input.EngagementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &analyticsOutput{Body: a}, nil
	})
}

func registerAccess(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-access-mode",
		Method:      http.MethodGet,
		Path:        "/engagements/{engagement_id}/access",
		Summary:     "Derived access mode",
	}, func(ctx context.Context, input *engagementPath) (*accessOutput, error) {
		mode, reason, err := e.GetAccessMode(ctx, input.EngagementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &accessOutput{Body: AccessModeResponse{
			EngagementID: input.EngagementID,
			Mode:         string(mode),
			Reason:       reason,
			CanAccess:    mode.CanAccess(),
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-messaging",
		Method:      http.MethodGet,
		Path:        "/engagements/{engagement_id}/messaging",
		Summary:     "Whether client messaging is open",
	}, func(ctx context.Context, input *engagementPath) (*messagingOutput, error) {
		allowed, err := e.IsMessagingAllowed(ctx, input.EngagementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &messagingOutput{Body: MessagingResponse{
			EngagementID:     input.EngagementID,
			MessagingAllowed: allowed,
		}}, nil
	})
}

func registerFeedback(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "submit-feedback",
		Method:      http.MethodPost,
		Path:        "/engagements/{engagement_id}/feedback",
		Summary:     "Submit completion feedback",
	}, func(ctx context.Context, input *struct {
		engagementPath
		Body SubmitFeedbackRequest
	}) (*feedbackOutput, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.FeedbackOptions{
			EngagementID: input.EngagementID,
			ActorID:      actorID,
			Rating:       input.Body.Rating,
		}
		if input.Body.Comment != nil {
			opts.Comment = *input.Body.Comment
		}
		f, err := e.SubmitFeedback(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &feedbackOutput{Body: f}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-feedback",
		Method:      http.MethodGet,
		Path:        "/engagements/{engagement_id}/feedback",
		Summary:     "Show completion feedback",
	}, func(ctx context.Context, input *engagementPath) (*feedbackOutput, error) {
		f, err := e.GetFeedback(ctx, input.EngagementID)
		if err != nil {
			return nil, handleError(err)
		}
		return &feedbackOutput{Body: f}, nil
	})
}

func registerStalled(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stalled",
		Method:      http.MethodGet,
		Path:        "/stalled",
		Summary:     "Engagements with no recent activity",
	}, func(ctx context.Context, input *struct {
		Days int `query:"days"`
	}) (*stalledOutput, error) {
		items, err := e.FindStalled(ctx, input.Days)
		if err != nil {
			return nil, handleError(err)
		}
		out := &stalledOutput{}
		out.Body.Items = items
		return out, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "create-key",
		Method:      http.MethodPost,
		Path:        "/keys",
		Summary:     "Issue an API key",
	}, func(ctx context.Context, input *struct {
		Body CreateKeyRequest
	}) (*createdKeyOutput, error) {
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id required", nil)
		}
		secret := uuid.New().String()
		key := domain.APIKey{
			ID:      uuid.New().String(),
			ActorID: input.Body.ActorID,
			KeyHash: repo.HashAPIKey(secret),
		}
		if input.Body.Name != nil {
			key.Name = *input.Body.Name
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &createdKeyOutput{Body: CreatedKeyResponse{
			ID:      key.ID,
			ActorID: key.ActorID,
			Name:    key.Name,
			Key:     secret,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*keyListOutput, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &keyListOutput{}
		out.Body.Items = items
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{key_id}",
		Summary:     "Revoke an API key",
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func encodeCursor(createdAt, id string) string {
	return createdAt + "|" + id
}

func decodeCursor(cursor string) (createdAt, id string, ok bool) {
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Milemark API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
