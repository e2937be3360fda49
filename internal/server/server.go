package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"intakeline/internal/domain"
	"intakeline/internal/engine"
	"intakeline/internal/repo"
	"intakeline/internal/transitions"
	"intakeline/internal/workflow"
)

// Config for the HTTP API handler.
type Config struct {
	Engine     engine.Engine
	Dispatcher workflow.Dispatcher
	BasePath   string
	Auth       AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"client email already exists"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Intakeline API.
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
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyData, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyData))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyData)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Intakeline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerClients(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerAgentLogs(group, cfg.Engine)
	registerSettings(group, cfg.Engine)
	registerAgents(group, cfg.Engine)
	registerDashboard(group, cfg.Engine)
	registerPipeline(group, cfg.Dispatcher)
	registerDevAuth(group, cfg.Auth)
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
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "must be"):
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Intakeline API Docs</title>
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

func registerClients(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-client",
		Method:        http.MethodPost,
		Path:          "/clients",
		Summary:       "Create client",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateClientRequest `json:"body"`
	}) (*struct {
		Body domain.Client `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Email == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "email is required", nil)
		}
		c, err := e.CreateClient(ctx, engine.ClientCreateOptions{
			Email:    input.Body.Email,
			Name:     input.Body.Name,
			Company:  input.Body.Company,
			Country:  input.Body.Country,
			Timezone: input.Body.Timezone,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Client `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-clients",
		Method:      http.MethodGet,
		Path:        "/clients",
		Summary:     "List clients",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Client `json:"body"`
	}, error) {
		items, err := e.Repo.ListClients(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Client{}
		}
		return &struct {
			Body []domain.Client `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-client",
		Method:      http.MethodGet,
		Path:        "/clients/{id}",
		Summary:     "Get client",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body domain.Client `json:"body"`
	}, error) {
		c, err := e.Repo.GetClient(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Client `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "blacklist-client",
		Method:      http.MethodPost,
		Path:        "/clients/{id}/blacklist",
		Summary:     "Set client blacklist flag",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64                  `path:"id"`
		Body BlacklistClientRequest `json:"body"`
	}) (*struct {
		Body domain.Client `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		c, err := e.SetClientBlacklist(ctx, input.ID, input.Body.Blacklisted, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Client `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-client",
		Method:      http.MethodDelete,
		Path:        "/clients/{id}",
		Summary:     "Delete client and owned projects",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteClient(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if input.Body.ClientID == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "client_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, engine.ProjectCreateOptions{
			ClientID:        input.Body.ClientID,
			Title:           input.Body.Title,
			Description:     input.Body.Description,
			Category:        input.Body.Category,
			SourceChannel:   input.Body.SourceChannel,
			SourceMessageID: input.Body.SourceMessageID,
			ActorID:         actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ClientID int64  `query:"client_id"`
		State    string `query:"state"`
		Limit    int    `query:"limit" default:"50"`
		Cursor   string `query:"cursor"`
	}) (*struct {
		Body paginatedProjects `json:"body"`
	}, error) {
		if input.State != "" && !domain.ValidState(input.State) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown state %q", input.State), nil)
		}
		limit := normalizeLimit(input.Limit)
		cursorUpdated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{
			ClientID:        input.ClientID,
			State:           input.State,
			Limit:           limit + 1,
			CursorUpdatedAt: cursorUpdated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedProjects{Items: []ProjectResponse{}}
		if len(items) > limit {
			items = items[:limit]
			last := items[limit-1]
			resp.NextCursor = composeCursor(last.UpdatedAt, last.ID)
		}
		resp.Items = mapProjects(items)
		return &struct {
			Body paginatedProjects `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-project",
		Method:      http.MethodPatch,
		Path:        "/projects/{id}",
		Summary:     "Update project analysis fields",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64                 `path:"id"`
		Body UpdateAnalysisRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		p, err := e.Repo.GetProject(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		applyAnalysisPatch(&p, input.Body)
		p, err = e.UpdateProjectAnalysis(ctx, p)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-project",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/transition",
		Summary:     "Transition project state",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ToState == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to_state is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Transition(ctx, engine.TransitionOptions{
			ProjectID: input.ID,
			ToState:   input.Body.ToState,
			ActorID:   actorID,
			Reason:    input.Body.Reason,
			Metadata:  transitions.Metadata(input.Body.Metadata),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "project-history",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/history",
		Summary:     "Project state history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		Asc   bool  `query:"asc"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		items, err := e.History(ctx, input.ID, !input.Asc, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: mapTransitions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "flag-scam",
		Method:      http.MethodPost,
		Path:        "/projects/{id}/flag-scam",
		Summary:     "Flag project as scam or illegal",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64           `path:"id"`
		Body FlagScamRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.FlagScam(ctx, engine.FlagScamOptions{
			ProjectID: input.ID,
			ScamScore: input.Body.ScamScore,
			IsIllegal: input.Body.IsIllegal,
			Reason:    input.Body.Reason,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{id}",
		Summary:     "Delete project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func applyAnalysisPatch(p *domain.Project, body UpdateAnalysisRequest) {
	if body.Title != nil {
		p.Title = *body.Title
	}
	if body.Description != nil {
		p.Description = *body.Description
	}
	if body.Category != nil {
		p.Category = *body.Category
	}
	if body.Complexity != nil {
		p.Complexity = *body.Complexity
	}
	if body.TechStack != nil {
		data, _ := json.Marshal(body.TechStack)
		s := string(data)
		p.TechStackJSON = &s
	}
	if body.IsFamiliarStack != nil {
		p.IsFamiliarStack = *body.IsFamiliarStack
	}
	if body.BudgetMin != nil {
		p.BudgetMin = body.BudgetMin
	}
	if body.BudgetMax != nil {
		p.BudgetMax = body.BudgetMax
	}
	if body.EstimatedHours != nil {
		p.EstimatedHours = body.EstimatedHours
	}
	if body.QuotedPrice != nil {
		p.QuotedPrice = body.QuotedPrice
	}
	if body.FinalPrice != nil {
		p.FinalPrice = body.FinalPrice
	}
	if body.RequirementsDoc != nil {
		p.RequirementsDoc = *body.RequirementsDoc
	}
	if body.SpecDoc != nil {
		p.SpecDoc = *body.SpecDoc
	}
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			ProjectID:      input.ID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			EstimatedHours: input.Body.EstimatedHours,
			Priority:       input.Body.Priority,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/tasks",
		Summary:     "List project tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasks(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-status",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64                   `path:"id"`
		Body UpdateTaskStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		t, err := e.UpdateTaskStatus(ctx, input.ID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "append-message",
		Method:        http.MethodPost,
		Path:          "/projects/{id}/messages",
		Summary:       "Append message to project log",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64                `path:"id"`
		Body AppendMessageRequest `json:"body"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		m, err := e.AppendMessage(ctx, engine.MessageAppendOptions{
			ProjectID:      input.ID,
			Direction:      input.Body.Direction,
			SenderEmail:    input.Body.SenderEmail,
			RecipientEmail: input.Body.RecipientEmail,
			Subject:        input.Body.Subject,
			Body:           input.Body.Body,
			BodyHTML:       input.Body.BodyHTML,
			MessageID:      input.Body.MessageID,
			InReplyTo:      input.Body.InReplyTo,
			Metadata:       input.Body.Metadata,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/projects/{id}/messages",
		Summary:     "List project messages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		Desc  bool  `query:"desc"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []MessageResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProject(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMessages(ctx, input.ID, input.Desc, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MessageResponse `json:"body"`
		}{Body: mapMessages(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-message-processed",
		Method:      http.MethodPost,
		Path:        "/messages/{id}/processed",
		Summary:     "Mark message processed",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID int64 `path:"id"`
	}) (*struct {
		Body MessageResponse `json:"body"`
	}, error) {
		if err := e.Repo.MarkMessageProcessed(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		m, err := e.Repo.GetMessage(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MessageResponse `json:"body"`
		}{Body: messageResponse(m)}, nil
	})
}

func registerAgentLogs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent-log",
		Method:        http.MethodPost,
		Path:          "/agent-logs",
		Summary:       "Record agent action",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentLogRequest `json:"body"`
	}) (*struct {
		Body AgentLogResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		l, err := e.LogAgentAction(ctx, engine.AgentLogOptions{
			AgentName:       input.Body.AgentName,
			ProjectID:       input.Body.ProjectID,
			Action:          input.Body.Action,
			Input:           input.Body.Input,
			Output:          input.Body.Output,
			Success:         input.Body.Success,
			ErrorMessage:    input.Body.ErrorMessage,
			ExecutionTimeMS: input.Body.ExecutionTimeMS,
			TokensUsed:      input.Body.TokensUsed,
			Cost:            input.Body.Cost,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentLogResponse `json:"body"`
		}{Body: agentLogResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agent-logs",
		Method:      http.MethodGet,
		Path:        "/agent-logs",
		Summary:     "List agent logs",
	}, func(ctx context.Context, input *struct {
		ProjectID int64  `query:"project_id"`
		AgentName string `query:"agent_name"`
		Desc      bool   `query:"desc"`
		Limit     int    `query:"limit" default:"50"`
	}) (*struct {
		Body []AgentLogResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAgentLogs(ctx, repo.AgentLogFilters{
			ProjectID: input.ProjectID,
			AgentName: input.AgentName,
			Desc:      input.Desc,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AgentLogResponse `json:"body"`
		}{Body: mapAgentLogs(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "agent-costs",
		Method:      http.MethodGet,
		Path:        "/agent-logs/costs",
		Summary:     "Aggregate cost per agent",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AgentCost `json:"body"`
	}, error) {
		items, err := e.Repo.AgentCosts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AgentCost{}
		}
		return &struct {
			Body []domain.AgentCost `json:"body"`
		}{Body: items}, nil
	})
}

func registerSettings(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-settings",
		Method:      http.MethodGet,
		Path:        "/settings",
		Summary:     "List settings",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Setting `json:"body"`
	}, error) {
		items, err := e.Repo.ListSettings(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Setting{}
		}
		return &struct {
			Body []domain.Setting `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-setting",
		Method:      http.MethodGet,
		Path:        "/settings/{key}",
		Summary:     "Get setting",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Key string `path:"key"`
	}) (*struct {
		Body domain.Setting `json:"body"`
	}, error) {
		s, err := e.Repo.GetSetting(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Setting `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "put-setting",
		Method:      http.MethodPut,
		Path:        "/settings/{key}",
		Summary:     "Create or update setting",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Key  string            `path:"key"`
		Body SetSettingRequest `json:"body"`
	}) (*struct {
		Body domain.Setting `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		s, err := e.SetSetting(ctx, input.Key, input.Body.Value, input.Body.ValueType, input.Body.Description)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Setting `json:"body"`
		}{Body: s}, nil
	})
}

func registerAgents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agent instructions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AgentInstruction `json:"body"`
	}, error) {
		items, err := e.Repo.ListInstructions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AgentInstruction{}
		}
		return &struct {
			Body []domain.AgentInstruction `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-agent",
		Method:      http.MethodGet,
		Path:        "/agents/{name}",
		Summary:     "Get agent instruction",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body domain.AgentInstruction `json:"body"`
	}, error) {
		a, err := e.Repo.GetInstruction(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentInstruction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Create agent instruction",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.AgentInstruction `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		a, err := e.CreateAgentInstruction(ctx, engine.InstructionCreateOptions{
			AgentName:       input.Body.AgentName,
			InstructionText: input.Body.InstructionText,
			SystemPrompt:    input.Body.SystemPrompt,
			IsActive:        input.Body.IsActive,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentInstruction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-agent",
		Method:      http.MethodPut,
		Path:        "/agents/{name}",
		Summary:     "Update agent instruction text",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string             `path:"name"`
		Body UpdateAgentRequest `json:"body"`
	}) (*struct {
		Body domain.AgentInstruction `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		a, err := e.UpdateAgentInstruction(ctx, input.Name, input.Body.InstructionText, input.Body.SystemPrompt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentInstruction `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "toggle-agent",
		Method:      http.MethodPost,
		Path:        "/agents/{name}/toggle",
		Summary:     "Enable or disable agent",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string             `path:"name"`
		Body ToggleAgentRequest `json:"body"`
	}) (*struct {
		Body domain.AgentInstruction `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		a, err := e.ToggleAgentInstruction(ctx, input.Name, input.Body.IsActive)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AgentInstruction `json:"body"`
		}{Body: a}, nil
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Per-project reporting view",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.DashboardRow `json:"body"`
	}, error) {
		items, err := e.Repo.Dashboard(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.DashboardRow{}
		}
		return &struct {
			Body []domain.DashboardRow `json:"body"`
		}{Body: items}, nil
	})
}

func registerPipeline(api huma.API, d workflow.Dispatcher) {
	huma.Register(api, huma.Operation{
		OperationID: "workflow-pipeline",
		Method:      http.MethodGet,
		Path:        "/workflow/pipeline",
		Summary:     "Configured pipeline stages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PipelineStageResponse `json:"body"`
	}, error) {
		stages := d.Stages()
		res := make([]PipelineStageResponse, 0, len(stages))
		for _, state := range domain.States() {
			stage, ok := stages[state]
			if !ok {
				continue
			}
			res = append(res, PipelineStageResponse{State: state, Agent: stage.Agent, Next: stage.Next})
		}
		return &struct {
			Body []PipelineStageResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	if !authCfg.DevLoginEnabled {
		return
	}
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 200 {
		return 200
	}
	return limit
}

func parseCompositeCursor(cursor string) (string, int64, error) {
	if cursor == "" {
		return "", 0, nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", 0, fmt.Errorf("invalid cursor")
	}
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, fmt.Errorf("invalid cursor")
	}
	return parts[0], id, nil
}

func composeCursor(updatedAt string, id int64) string {
	if updatedAt == "" || id == 0 {
		return ""
	}
	return updatedAt + "|" + strconv.FormatInt(id, 10)
}
