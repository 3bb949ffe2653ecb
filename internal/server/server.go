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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/kryptobaseddev/cleo/internal/cleoerr"
	"github.com/kryptobaseddev/cleo/internal/config"
	"github.com/kryptobaseddev/cleo/internal/domain"
	"github.com/kryptobaseddev/cleo/internal/engine"
	"github.com/kryptobaseddev/cleo/internal/graph"
	"github.com/kryptobaseddev/cleo/internal/hierarchy"
	"github.com/kryptobaseddev/cleo/internal/lifecycle"
	"github.com/kryptobaseddev/cleo/internal/protocol"
	"github.com/kryptobaseddev/cleo/internal/repo"
)

const schemaVersion = "1"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

// meta travels with every response so agents can correlate output with
// the operation that produced it.
type meta struct {
	Operation     string `json:"operation"`
	Timestamp     string `json:"timestamp" format:"date-time"`
	SchemaVersion string `json:"schema_version"`
}

type envelope[T any] struct {
	Meta    meta             `json:"meta"`
	Success bool             `json:"success"`
	Outcome *cleoerr.Outcome `json:"outcome,omitempty"`
	Data    T                `json:"data"`
}

type response[T any] struct {
	Body envelope[T] `json:"body"`
}

func respond[T any](e engine.Engine, op string, data T, outcome *cleoerr.Outcome) *response[T] {
	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	return &response[T]{Body: envelope[T]{
		Meta:    meta{Operation: op, Timestamp: now().UTC().Format(time.RFC3339), SchemaVersion: schemaVersion},
		Success: true,
		Outcome: outcome,
		Data:    data,
	}}
}

// APIErrorBody must be exported: Huma's schema link transformer only
// copies exported fields into the $schema-wrapped response, and an
// embedded unexported type would be silently dropped.
type APIErrorBody struct {
	Meta    meta           `json:"meta"`
	Success bool           `json:"success"`
	Err     *cleoerr.Error `json:"error"`
}

type apiError struct {
	status int
	APIErrorBody
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Err.Message }

// New returns an HTTP handler exposing the coordination API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the uniform envelope.
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Cleo Coordination API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerDependencies(group, cfg.Engine)
	registerHierarchy(group, cfg.Engine)
	registerSessions(group, cfg.Engine)
	registerLifecycle(group, cfg.Engine)
	registerProtocol(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		APIErrorBody: APIErrorBody{
			Meta:    meta{Timestamp: time.Now().UTC().Format(time.RFC3339), SchemaVersion: schemaVersion},
			Success: false,
			Err:     &cleoerr.Error{Code: code, Message: message, Details: details},
		},
	}
}

// handleError maps typed coordination errors onto HTTP statuses while
// preserving the code, remediation and ranked alternatives verbatim.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce *cleoerr.Error
	if errors.As(err, &ce) {
		return &apiError{
			status: statusForCode(ce.Code),
			APIErrorBody: APIErrorBody{
				Meta:    meta{Timestamp: time.Now().UTC().Format(time.RFC3339), SchemaVersion: schemaVersion},
				Success: false,
				Err:     ce,
			},
		}
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, cleoerr.CodeNotFound, err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForCode(code string) int {
	switch code {
	case cleoerr.CodeNotFound, cleoerr.CodeParentNotFound:
		return http.StatusNotFound
	case cleoerr.CodeInvalidInput:
		return http.StatusBadRequest
	case cleoerr.CodeLockTimeout, cleoerr.CodeFingerprintMismatch, cleoerr.CodeConcurrentModification,
		cleoerr.CodeIDCollision, cleoerr.CodeScopeConflict, cleoerr.CodeTaskClaimed,
		cleoerr.CodeSessionCloseBlocked, cleoerr.CodeSessionInvalidState, cleoerr.CodeLifecycleGateFailed:
		return http.StatusConflict
	default:
		return http.StatusUnprocessableEntity
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return cleoerr.CodeInvalidInput
	case http.StatusNotFound:
		return cleoerr.CodeNotFound
	case http.StatusUnprocessableEntity:
		return cleoerr.CodeValidation
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
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
    <title>Cleo API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[StatusResponse], error) {
		p, err := e.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "status", StatusResponse{ProjectID: p.ID, Status: p.Status, TaskCounts: counts}, nil), nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "init-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Initialize project",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body InitProjectRequest `json:"body"`
	}) (*response[domain.Project], error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, cleoerr.CodeInvalidInput, "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.InitProject(ctx, input.Body.ID, stringOrEmpty(input.Body.Description), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "project.init", p, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[*config.Config], error) {
		cfg, err := e.Repo.GetProjectConfig(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "config.get", cfg, nil), nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*response[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			ProjectID:   input.ProjectID,
			Type:        domain.TaskType(input.Body.Type),
			Title:       input.Body.Title,
			Description: stringOrEmpty(input.Body.Description),
			Size:        domain.TaskSize(input.Body.Size),
			Depends:     input.Body.Depends,
			ActorID:     actorID,
		}
		if input.Body.ParentID != nil {
			opts.ParentID = *input.Body.ParentID
		}
		if input.Body.Priority != nil {
			opts.Priority = *input.Body.Priority
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "task.create", taskResponse(t), nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		ProjectID       string `path:"project_id"`
		Status          string `query:"status"`
		ParentID        string `query:"parent_id"`
		Type            string `query:"type"`
		IncludeArchived bool   `query:"include_archived"`
	}) (*response[[]TaskResponse], error) {
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID:       input.ProjectID,
			Status:          input.Status,
			Parent:          input.ParentID,
			Type:            input.Type,
			IncludeArchived: input.IncludeArchived,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "task.list", mapTasks(tasks), nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*response[TaskResponse], error) {
		t, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, cleoerr.CodeNotFound, "task "+input.TaskID+" not found", nil)
			}
			return nil, handleError(err)
		}
		return respond(e, "task.show", taskResponse(t), nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{task_id}",
		Summary:     "Update task",
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   UpdateTaskRequest `json:"body"`
	}) (*response[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskUpdateOptions{
			ID:            input.TaskID,
			Title:         stringOrEmpty(input.Body.Title),
			Description:   input.Body.Description,
			Priority:      input.Body.Priority,
			SetParent:     input.Body.ParentID,
			AddDeps:       input.Body.AddDepends,
			RemoveDeps:    input.Body.RemoveDepends,
			SessionID:     stringOrEmpty(input.Body.SessionID),
			ActorID:       actorID,
			IfFingerprint: stringOrEmpty(input.Body.IfFingerprint),
		}
		if input.Body.Status != nil {
			opts.Status = domain.TaskStatus(*input.Body.Status)
		}
		if input.Body.BlockedReason != nil {
			opts.BlockedReason = *input.Body.BlockedReason
		}
		if input.Body.Size != nil {
			opts.Size = domain.TaskSize(*input.Body.Size)
		}
		t, outcome, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "task.update", taskResponse(t), outcome), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete task",
	}, func(ctx context.Context, input *struct {
		TaskID string              `path:"task_id"`
		Body   CompleteTaskRequest `json:"body"`
	}) (*response[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, outcome, err := e.CompleteTask(ctx, input.TaskID, stringOrEmpty(input.Body.SessionID), actorID, stringOrEmpty(input.Body.IfFingerprint))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "task.complete", taskResponse(t), outcome), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/archive",
		Summary:     "Archive task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*response[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, outcome, err := e.ArchiveTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "task.archive", taskResponse(t), outcome), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "restore-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/restore",
		Summary:     "Restore archived task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*response[TaskResponse], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, outcome, err := e.RestoreTask(ctx, input.TaskID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "task.restore", taskResponse(t), outcome), nil
	})
}

func registerDependencies(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dependency-ready",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/dependencies/ready",
		Summary:     "Tasks ready for dispatch",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[[]TaskResponse], error) {
		tasks, err := e.Ready(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "dependency.ready", mapTasks(tasks), nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dependency-waves",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/dependencies/waves",
		Summary:     "Parallel execution waves",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[graph.WaveResult], error) {
		res, err := e.Waves(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "dependency.waves", res, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dependency-critical-path",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/dependencies/critical-path",
		Summary:     "Longest dependency chain",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[graph.CriticalPath], error) {
		res, err := e.CriticalPath(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "dependency.criticalPath", res, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dependency-unblock",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/dependencies/unblock",
		Summary:     "Unblock opportunities",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*response[graph.Opportunities], error) {
		res, err := e.UnblockOpportunities(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "dependency.unblock", res, nil), nil
	})
}

func registerHierarchy(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-placement",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/hierarchy/validate",
		Summary:     "Validate a proposed parent/child placement",
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      ValidatePlacementRequest `json:"body"`
	}) (*response[[]hierarchy.Violation], error) {
		violations, err := e.ValidatePlacement(ctx, input.ProjectID, stringOrEmpty(input.Body.ChildID), input.Body.ParentID)
		if err != nil {
			return nil, handleError(err)
		}
		if violations == nil {
			violations = []hierarchy.Violation{}
		}
		return respond(e, "hierarchy.validate", violations, nil), nil
	})
}

func registerSessions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-session",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/sessions",
		Summary:       "Start session",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID string              `path:"project_id"`
		Body      StartSessionRequest `json:"body"`
	}) (*response[domain.Session], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.StartSession(ctx, input.ProjectID, input.Body.Scope, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "session.start", s, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/sessions",
		Summary:     "List sessions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
	}) (*response[[]domain.Session], error) {
		items, err := e.Repo.ListSessions(ctx, repo.SessionFilters{ProjectID: input.ProjectID, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "session.list", items, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{session_id}",
		Summary:     "Get session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*response[domain.Session], error) {
		s, err := e.Repo.GetSession(ctx, input.SessionID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, newAPIError(http.StatusNotFound, cleoerr.CodeNotFound, "session "+input.SessionID+" not found", nil)
			}
			return nil, handleError(err)
		}
		return respond(e, "session.show", s, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-focus",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/focus",
		Summary:     "Set session focus",
	}, func(ctx context.Context, input *struct {
		SessionID string          `path:"session_id"`
		Body      SetFocusRequest `json:"body"`
	}) (*response[domain.Session], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, outcome, err := e.SetFocus(ctx, input.SessionID, input.Body.TaskID, input.Body.Note, input.Body.NextAction, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "session.focus", s, outcome), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suspend-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/suspend",
		Summary:     "Suspend session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*response[domain.Session], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.SuspendSession(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "session.suspend", s, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/resume",
		Summary:     "Resume session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*response[domain.Session], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ResumeSession(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "session.resume", s, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "end-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/end",
		Summary:     "End session",
	}, func(ctx context.Context, input *struct {
		SessionID string            `path:"session_id"`
		Body      EndSessionRequest `json:"body"`
	}) (*response[domain.Session], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.EndSession(ctx, input.SessionID, input.Body.Note, input.Body.RequireComplete, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "session.end", s, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{session_id}/archive",
		Summary:     "Archive ended session",
	}, func(ctx context.Context, input *struct {
		SessionID string `path:"session_id"`
	}) (*response[domain.Session], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.ArchiveSession(ctx, input.SessionID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "session.archive", s, nil), nil
	})
}

func registerLifecycle(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "lifecycle-check",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}/gates/{stage}",
		Summary:     "Check stage gate",
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
		Stage  string `path:"stage"`
	}) (*response[lifecycle.GateCheck], error) {
		check, err := e.CheckGate(ctx, input.EpicID, domain.Stage(input.Stage))
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "lifecycle.check", check, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lifecycle-dispatch-check",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}/dispatch-check",
		Summary:     "Check whether a protocol dispatch may proceed",
	}, func(ctx context.Context, input *struct {
		EpicID       string `path:"epic_id"`
		ProtocolType string `query:"protocol_type"`
	}) (*response[lifecycle.GateCheck], error) {
		check, err := e.CheckDispatch(ctx, input.EpicID, input.ProtocolType)
		if err != nil {
			return nil, handleError(err)
		}
		if gerr := check.Err(); gerr != nil {
			return nil, handleError(gerr)
		}
		return respond(e, "lifecycle.checkDispatch", check, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lifecycle-complete-stage",
		Method:      http.MethodPost,
		Path:        "/epics/{epic_id}/gates/complete",
		Summary:     "Complete a lifecycle stage",
	}, func(ctx context.Context, input *struct {
		EpicID string       `path:"epic_id"`
		Body   StageRequest `json:"body"`
	}) (*response[domain.GateState], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, outcome, err := e.CompleteStage(ctx, input.EpicID, domain.Stage(input.Body.Stage), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "lifecycle.completeStage", g, outcome), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lifecycle-skip-stage",
		Method:      http.MethodPost,
		Path:        "/epics/{epic_id}/gates/skip",
		Summary:     "Skip a lifecycle stage",
	}, func(ctx context.Context, input *struct {
		EpicID string       `path:"epic_id"`
		Body   StageRequest `json:"body"`
	}) (*response[domain.GateState], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, outcome, err := e.SkipStage(ctx, input.EpicID, domain.Stage(input.Body.Stage), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "lifecycle.skipStage", g, outcome), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "lifecycle-progress",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}/gates",
		Summary:     "Full stage progress for an epic",
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*response[[]domain.GateState], error) {
		states, err := e.GateProgress(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "lifecycle.progress", states, nil), nil
	})
}

func registerProtocol(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "validate-manifest",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/manifests/validate",
		Summary:     "Dry-run manifest validation",
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      SubmitManifestRequest `json:"body"`
	}) (*response[protocol.Result], error) {
		res, err := e.ValidateManifest(ctx, input.ProjectID, manifestFromRequest(input.Body), input.Body.ProtocolType)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "protocol.validate", res, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-manifest",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/manifests",
		Summary:       "Submit manifest entry",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      SubmitManifestRequest `json:"body"`
	}) (*response[domain.ManifestEntry], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entry, _, err := e.SubmitManifest(ctx, input.ProjectID, manifestFromRequest(input.Body), input.Body.ProtocolType, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "protocol.submit", entry, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-manifests",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/manifests",
		Summary:     "List manifest entries",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TaskID    string `query:"task_id"`
		Status    string `query:"status"`
		Limit     int    `query:"limit" default:"50"`
	}) (*response[[]domain.ManifestEntry], error) {
		items, err := e.Repo.ListManifests(ctx, repo.ManifestFilters{
			ProjectID: input.ProjectID,
			TaskID:    input.TaskID,
			Status:    input.Status,
			Limit:     input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "protocol.list", items, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "validate-return-message",
		Method:      http.MethodPost,
		Path:        "/protocol/return-message/validate",
		Summary:     "Validate a return message against the canonical set",
	}, func(ctx context.Context, input *struct {
		Body ReturnMessageRequest `json:"body"`
	}) (*response[map[string]bool], error) {
		if err := e.ValidateReturnMessage(input.Body.Message); err != nil {
			return nil, handleError(err)
		}
		return respond(e, "protocol.validateReturn", map[string]bool{"valid": true}, nil), nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-decision",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/decisions",
		Summary:       "Record decision",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      RecordDecisionRequest `json:"body"`
	}) (*response[domain.Decision], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.RecordDecision(ctx, domain.Decision{
			ProjectID:    input.ProjectID,
			SessionID:    input.Body.SessionID,
			TaskID:       input.Body.TaskID,
			Rationale:    input.Body.Rationale,
			Alternatives: input.Body.Alternatives,
			ActorID:      actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "decision.record", d, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-decisions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/decisions",
		Summary:     "List decisions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TaskID    string `query:"task_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*response[[]domain.Decision], error) {
		items, err := e.Repo.ListDecisions(ctx, input.ProjectID, input.TaskID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "decision.list", items, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "record-assumption",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/assumptions",
		Summary:       "Record assumption",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		ProjectID string                  `path:"project_id"`
		Body      RecordAssumptionRequest `json:"body"`
	}) (*response[domain.Assumption], error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.RecordAssumption(ctx, domain.Assumption{
			ProjectID:  input.ProjectID,
			SessionID:  input.Body.SessionID,
			TaskID:     input.Body.TaskID,
			Text:       input.Body.Text,
			Confidence: input.Body.Confidence,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "assumption.record", a, nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assumptions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/assumptions",
		Summary:     "List assumptions",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		TaskID    string `query:"task_id"`
		Limit     int    `query:"limit" default:"50"`
	}) (*response[[]domain.Assumption], error) {
		items, err := e.Repo.ListAssumptions(ctx, input.ProjectID, input.TaskID, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "assumption.list", items, nil), nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*response[[]domain.Event], error) {
		items, err := e.Repo.LatestEvents(ctx, input.Limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return respond(e, "log.tail", items, nil), nil
	})
}
