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

	"taskflow/internal/domain"
	"taskflow/internal/engine"
	"taskflow/internal/engine/auth"
	"taskflow/internal/lifecycle"
	"taskflow/internal/repo"
	"taskflow/internal/telemetry"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	Metrics  *telemetry.Metrics
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition approve_completion: completion_status is \"none\", expected requested"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the taskflow API.
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
			// Schema/request validation errors are 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	var keys APIKeyLookup
	if cfg.Repo.DB != nil {
		keys = cfg.Repo
	}
	router.Use(newAuthMiddleware(basePath, cfg.Auth, keys))
	if cfg.Metrics != nil {
		router.Handle("/metrics", cfg.Metrics.Handler())
	}
	hcfg := huma.DefaultConfig("Taskflow API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine, cfg.Repo)
	registerTransitions(group, cfg.Engine)
	registerMetrics(group, cfg.Engine, cfg.Repo)
	registerCron(group, cfg.Engine)
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
	var (
		fe auth.ForbiddenError
		it lifecycle.InvalidTransition
		iu engine.IdentityUnresolved
		ce engine.CollaboratorError
	)
	switch {
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"transition": string(fe.Transition), "party": string(fe.Party)})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", "task not found", nil)
	case errors.As(err, &it):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"transition": string(it.Transition),
			"field":      it.Field,
			"actual":     it.Actual,
			"expected":   it.Expected,
		})
	case errors.As(err, &iu):
		return newAPIError(http.StatusUnprocessableEntity, "identity_unresolved", err.Error(), map[string]any{"address": iu.Address, "role": iu.Role})
	case errors.As(err, &ce):
		return newAPIError(http.StatusBadGateway, "collaborator_error", err.Error(), map[string]any{"op": ce.Op})
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
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
		Name: APIKeyHeader,
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
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
    <title>Taskflow API Docs</title>
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

type taskOutput struct {
	Body TaskResponse `json:"body"`
}

type taskPath struct {
	TaskID string `path:"task_id"`
}

var transitionErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusBadGateway,
	http.StatusInternalServerError,
}

func registerTasks(api huma.API, e engine.Engine, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Request a task",
		DefaultStatus: http.StatusCreated,
		Errors:        transitionErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*taskOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", map[string]any{"field": "title"})
		}
		if strings.TrimSpace(input.Body.Assignee) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "assignee is required", map[string]any{"field": "assignee"})
		}
		nt := lifecycle.NewTask{
			Title:    input.Body.Title,
			Assignee: input.Body.Assignee,
		}
		if input.Body.ID != nil {
			nt.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			nt.Description = *input.Body.Description
		}
		if input.Body.DueDate != nil {
			due, err := parseTime("due_date", *input.Body.DueDate)
			if err != nil {
				return nil, err
			}
			nt.DueDate = &due
		}
		t, err := e.CreateTask(ctx, nt, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status"`
		Assignee  string `query:"assignee"`
		Requester string `query:"requester"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body TaskList `json:"body"`
	}, error) {
		items, err := r.ListTasks(ctx, repo.TaskFilters{
			Status:    input.Status,
			Assignee:  input.Assignee,
			Requester: input.Requester,
			Limit:     normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskList `json:"body"`
		}{Body: TaskList{Items: mapTasks(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		t, err := r.GetSnapshot(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-audit",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/audit",
		Summary:     "Task audit log, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body AuditList `json:"body"`
	}, error) {
		if _, err := r.GetSnapshot(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		items, err := r.ListAudit(ctx, input.TaskID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.AuditRecord{}
		}
		return &struct {
			Body AuditList `json:"body"`
		}{Body: AuditList{Items: items}}, nil
	})
}

// registerAction registers a body-less transition.
func registerAction(api huma.API, id, route, summary string, run func(ctx context.Context, taskID, actor string) (domain.TaskSnapshot, error)) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *taskPath) (*taskOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := run(ctx, input.TaskID, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})
}

// registerTransition registers a transition taking a JSON body of type B.
func registerTransition[B any](api huma.API, id, route, summary string, run func(ctx context.Context, taskID, actor string, body B) (domain.TaskSnapshot, error)) {
	huma.Register(api, huma.Operation{
		OperationID: id,
		Method:      http.MethodPost,
		Path:        route,
		Summary:     summary,
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   B      `json:"body"`
	}) (*taskOutput, error) {
		actor, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := run(ctx, input.TaskID, actor, input.Body)
		if err != nil {
			var se huma.StatusError
			if errors.As(err, &se) {
				return nil, se
			}
			return nil, handleError(err)
		}
		return &taskOutput{Body: taskResponse(t)}, nil
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	registerAction(api, "approve-task", "/tasks/{task_id}/approve", "Accept a requested task", e.ApproveTask)
	registerTransition(api, "reject-task", "/tasks/{task_id}/reject", "Decline a requested task",
		func(ctx context.Context, id, actor string, b ReasonRequest) (domain.TaskSnapshot, error) {
			return e.RejectTask(ctx, id, actor, b.Reason)
		})
	registerTransition(api, "revise-task", "/tasks/{task_id}/revise", "Resubmit a rejected task",
		func(ctx context.Context, id, actor string, b ReviseTaskRequest) (domain.TaskSnapshot, error) {
			var due *time.Time
			if b.DueDate != nil {
				t, err := parseTime("due_date", *b.DueDate)
				if err != nil {
					return domain.TaskSnapshot{}, err
				}
				due = &t
			}
			return e.ReviseTask(ctx, id, actor, due)
		})

	registerTransition(api, "request-completion", "/tasks/{task_id}/completion/request", "Ask the requester to accept completion",
		func(ctx context.Context, id, actor string, b CompletionRequest) (domain.TaskSnapshot, error) {
			return e.RequestCompletion(ctx, id, actor, b.Note)
		})
	registerAction(api, "approve-completion", "/tasks/{task_id}/completion/approve", "Accept completion", e.ApproveCompletion)
	registerTransition(api, "reject-completion", "/tasks/{task_id}/completion/reject", "Reopen the task with a new due date",
		func(ctx context.Context, id, actor string, b RejectCompletionRequest) (domain.TaskSnapshot, error) {
			due, err := parseTime("due_date", b.DueDate)
			if err != nil {
				return domain.TaskSnapshot{}, err
			}
			return e.RejectCompletion(ctx, id, actor, due, b.Reason)
		})

	registerTransition(api, "request-extension", "/tasks/{task_id}/extension/request", "Ask for a later due date",
		func(ctx context.Context, id, actor string, b ExtensionRequest) (domain.TaskSnapshot, error) {
			due, err := parseTime("due_date", b.DueDate)
			if err != nil {
				return domain.TaskSnapshot{}, err
			}
			return e.RequestExtension(ctx, id, actor, due, b.Reason)
		})
	registerAction(api, "approve-extension", "/tasks/{task_id}/extension/approve", "Accept the requested due date", e.ApproveExtension)
	registerTransition(api, "reject-extension", "/tasks/{task_id}/extension/reject", "Keep the current due date",
		func(ctx context.Context, id, actor string, b ReasonRequest) (domain.TaskSnapshot, error) {
			return e.RejectExtension(ctx, id, actor, b.Reason)
		})

	registerTransition(api, "mark-reminder-read", "/tasks/{task_id}/reminders/read", "Acknowledge a reminder",
		func(ctx context.Context, id, actor string, b MarkReadRequest) (domain.TaskSnapshot, error) {
			stage, ok := domain.ParseStage(b.Stage)
			if !ok {
				return domain.TaskSnapshot{}, newAPIError(http.StatusBadRequest, "bad_request", "unknown stage", map[string]any{"field": "stage"})
			}
			return e.MarkReminderRead(ctx, id, actor, stage)
		})
}

func registerMetrics(api huma.API, e engine.Engine, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "task-metrics",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/metrics",
		Summary:     "Overdue points record of a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *taskPath) (*struct {
		Body MetricsResponse `json:"body"`
	}, error) {
		rec, err := r.GetMetrics(ctx, input.TaskID)
		if errors.Is(err, repo.ErrNotFound) {
			rec, err = e.SyncTask(ctx, input.TaskID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MetricsResponse `json:"body"`
		}{Body: metricsResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-summaries",
		Method:      http.MethodGet,
		Path:        "/summaries",
		Summary:     "Per-assignee summaries",
	}, func(ctx context.Context, input *struct {
		Refresh bool `query:"refresh"`
	}) (*struct {
		Body SummaryList `json:"body"`
	}, error) {
		if input.Refresh {
			if _, err := e.RefreshSummaries(ctx, time.Time{}); err != nil {
				return nil, handleError(err)
			}
		}
		items, err := r.ListSummaries(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SummaryResponse, 0, len(items))
		for _, s := range items {
			out = append(out, summaryResponse(s))
		}
		return &struct {
			Body SummaryList `json:"body"`
		}{Body: SummaryList{Items: out}}, nil
	})
}

type passInput struct {
	Now string `query:"now" format:"date-time"`
}

type passOutput struct {
	Body PassResponse `json:"body"`
}

func registerCron(api huma.API, e engine.Engine) {
	passes := []struct {
		id, route, summary string
		run                func(context.Context, time.Time) (engine.PassSummary, error)
	}{
		{"run-reminders", "/cron/reminders", "Run the reminder pass", e.RunReminderPass},
		{"run-escalations", "/cron/escalations", "Run the approval escalation pass", e.RunApprovalEscalationPass},
		{"run-summaries", "/cron/summaries", "Rebuild assignee summaries", func(ctx context.Context, now time.Time) (engine.PassSummary, error) {
			if now.IsZero() {
				now = time.Now()
			}
			summaries, err := e.RefreshSummaries(ctx, now)
			return engine.PassSummary{Pass: engine.PassSummaries, Timestamp: now, Checked: len(summaries)}, err
		}},
	}
	for _, p := range passes {
		huma.Register(api, huma.Operation{
			OperationID: p.id,
			Method:      http.MethodPost,
			Path:        p.route,
			Summary:     p.summary,
			Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusBadGateway},
		}, func(ctx context.Context, input *passInput) (*passOutput, error) {
			if _, authErr := actorIDFromContext(ctx); authErr != nil {
				return nil, authErr
			}
			var now time.Time
			if input.Now != "" {
				t, err := parseTime("now", input.Now)
				if err != nil {
					return nil, err
				}
				now = t
			}
			sum, err := p.run(ctx, now)
			if err != nil {
				return nil, handleError(err)
			}
			return &passOutput{Body: sum}, nil
		})
	}
}

func parseTime(field, value string) (time.Time, huma.StatusError) {
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(value))
	if err != nil {
		return time.Time{}, newAPIError(http.StatusBadRequest, "bad_request", field+" must be RFC3339", map[string]any{"field": field, "value": value})
	}
	return t, nil
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 500 {
		return 500
	}
	return in
}
