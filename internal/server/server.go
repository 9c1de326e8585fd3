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
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"stride/internal/engine"
	"stride/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Identity IdentityConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_completed"`
	Message string         `json:"message" example:"action already completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"difficulty\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Stride API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Identity.JWTSecret == "" && cfg.Identity.AllowUserHeader {
		cfg.Identity.logger().Printf("identity: no jwt secret configured, trusting X-User-Id header")
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			b, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(b))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, b)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newIdentityMiddleware(basePath, cfg.Identity))
	hcfg := huma.DefaultConfig("Stride API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerGoals(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerActions(group, cfg.Engine)
	registerPosition(group, cfg.Engine)
	registerRecords(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
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
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	switch {
	case errors.Is(err, engine.ErrAlreadyCompleted):
		return newAPIError(http.StatusConflict, "already_completed", err.Error(), nil)
	case errors.Is(err, engine.ErrCannotReverseCompleted):
		return newAPIError(http.StatusConflict, "cannot_reverse_completed", err.Error(), nil)
	case errors.Is(err, engine.ErrGoalNotStartable):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "cannot be started"), strings.Contains(lowered, "cannot change status"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
			applyIdentitySecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyIdentitySecurity(oas *huma.OpenAPI, basePath string) {
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
	oas.Components.SecuritySchemes["userHeader"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-User-Id",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"userHeader": {}},
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
    <title>Stride API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt; or X-User-Id.
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

func registerGoals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-goal",
		Method:        http.MethodPost,
		Path:          "/goals",
		Summary:       "Create goal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateGoalRequest `json:"body"`
	}) (*struct {
		Body GoalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.GoalCreateOptions{
			ID:        stringOrEmpty(input.Body.ID),
			Owner:     userID,
			Category:  input.Body.Category,
			StartDate: stringOrEmpty(input.Body.StartDate),
			EndDate:   stringOrEmpty(input.Body.EndDate),
			UserID:    userID,
		}
		g, err := e.CreateGoal(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalResponse `json:"body"`
		}{Body: goalResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-goals",
		Method:      http.MethodGet,
		Path:        "/goals",
		Summary:     "List goals",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Owner  string `query:"owner"`
		Status string `query:"status" enum:",active,paused,completed"`
	}) (*struct {
		Body []GoalResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListGoals(ctx, repo.GoalFilters{Owner: input.Owner, Status: input.Status})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []GoalResponse `json:"body"`
		}{Body: mapGoals(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-goal",
		Method:      http.MethodGet,
		Path:        "/goals/{goal_id}",
		Summary:     "Get goal",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*struct {
		Body GoalResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		g, err := e.Repo.GetGoal(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalResponse `json:"body"`
		}{Body: goalResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "goal-outline",
		Method:      http.MethodGet,
		Path:        "/goals/{goal_id}/outline",
		Summary:     "Goal outline",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*struct {
		Body OutlineResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		outline, err := e.Outline(ctx, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OutlineResponse `json:"body"`
		}{Body: outlineResponse(outline)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-goal",
		Method:      http.MethodPatch,
		Path:        "/goals/{goal_id}",
		Summary:     "Update goal status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		GoalID string            `path:"goal_id"`
		Body   UpdateGoalRequest `json:"body"`
	}) (*struct {
		Body GoalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.SetGoalStatus(ctx, input.GoalID, input.Body.Status, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GoalResponse `json:"body"`
		}{Body: goalResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-goal",
		Method:      http.MethodDelete,
		Path:        "/goals/{goal_id}",
		Summary:     "Delete goal",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*struct{}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteGoal(ctx, input.GoalID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-goal",
		Method:      http.MethodPost,
		Path:        "/goals/{goal_id}/start",
		Summary:     "Start goal",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		GoalID string `path:"goal_id"`
	}) (*struct {
		Body PositionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pos, err := e.StartGoal(ctx, userID, input.GoalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PositionResponse `json:"body"`
		}{Body: positionResponse(pos)}, nil
	})
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-phase",
		Method:        http.MethodPost,
		Path:          "/goals/{goal_id}/phases",
		Summary:       "Append phase to goal",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		GoalID string          `path:"goal_id"`
		Body   AddPhaseRequest `json:"body"`
	}) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.AddPhase(ctx, input.GoalID, input.Body.Name, stringOrEmpty(input.Body.Description), userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(p)}, nil
	})
}

func registerActions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-action",
		Method:        http.MethodPost,
		Path:          "/phases/{phase_id}/actions",
		Summary:       "Append action to phase",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		PhaseID string           `path:"phase_id"`
		Body    AddActionRequest `json:"body"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.AddAction(ctx, engine.ActionCreateOptions{
			PhaseID:       input.PhaseID,
			Title:         input.Body.Title,
			Definition:    input.Body.Definition,
			EstimatedTime: input.Body.EstimatedTime,
			UserID:        userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-action",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}",
		Summary:     "Get action",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body ActionResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		a, err := e.Repo.GetAction(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActionResponse `json:"body"`
		}{Body: actionResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-action",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/complete",
		Summary:     "Complete action and advance position",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string                `path:"action_id"`
		Body     CompleteActionRequest `json:"body"`
	}) (*struct {
		Body CompletionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CompleteAction(ctx, userID, input.ActionID, input.Body.Difficulty, input.Body.Energy)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CompletionResponse `json:"body"`
		}{Body: CompletionResponse{NextActionID: res.NextActionID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "mark-action-incomplete",
		Method:      http.MethodPost,
		Path:        "/actions/{action_id}/incomplete",
		Summary:     "Record a missed attempt",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body AckResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.MarkIncomplete(ctx, userID, input.ActionID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AckResponse `json:"body"`
		}{Body: AckResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-next",
		Method:      http.MethodGet,
		Path:        "/actions/{action_id}/next",
		Summary:     "Resolve the unit after an action",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ActionID string `path:"action_id"`
	}) (*struct {
		Body NextActionResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		next, err := e.ResolveNext(ctx, input.ActionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body NextActionResponse `json:"body"`
		}{Body: nextActionResponse(next)}, nil
	})
}

func registerPosition(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-position",
		Method:      http.MethodGet,
		Path:        "/position",
		Summary:     "Current position",
		Errors:      []int{http.StatusNotFound, http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PositionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pos, err := e.Position(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PositionResponse `json:"body"`
		}{Body: positionResponse(pos)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "init-position",
		Method:        http.MethodPost,
		Path:          "/position/init",
		Summary:       "Initialize position",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PositionResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		pos, err := e.InitPosition(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PositionResponse `json:"body"`
		}{Body: positionResponse(pos)}, nil
	})
}

func registerRecords(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-records",
		Method:      http.MethodGet,
		Path:        "/records",
		Summary:     "List execution records",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ActionID string `query:"action_id"`
		Limit    int    `query:"limit" minimum:"0" maximum:"500"`
	}) (*struct {
		Body []RecordResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListExecutionRecords(ctx, repo.RecordFilters{
			UserID:   userID,
			ActionID: input.ActionID,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RecordResponse `json:"body"`
		}{Body: mapRecords(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Audit event tail",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" minimum:"0" maximum:"500"`
		GoalID     string `query:"goal_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		items, err := e.Repo.LatestEvents(ctx, limit, input.GoalID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Tracker config",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body TrackerConfigResponse `json:"body"`
	}, error) {
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body TrackerConfigResponse `json:"body"`
		}{Body: trackerConfigResponse(e.Config)}, nil
	})
}
