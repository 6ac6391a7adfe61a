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
	"github.com/go-chi/chi/v5/middleware"

	"coordline/internal/domain"
	"coordline/internal/engine"
	"coordline/internal/engine/auth"
	"coordline/internal/logger"
	"coordline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *logger.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_conflict"`
	Message string         `json:"message" example:"only submitted requests can be confirmed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"status\":\"assigned\"}"`
}

// apiError models the error envelope {"error": {...}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// service carries what every handler needs.
type service struct {
	e   engine.Engine
	log *logger.Logger
}

type response[T any] struct {
	Body T `json:"body"`
}

func reply[T any](v T) *response[T] {
	return &response[T]{Body: v}
}

// New returns an HTTP handler exposing the coordination API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	cfg.Engine.Log = log
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// Schema/request validation errors are 400 like engine validation errors.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo, log))
	hcfg := huma.DefaultConfig("Coordline API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	s := service{e: cfg.Engine, log: log}
	registerDocs(router, basePath)
	registerHealth(group)
	registerRequests(group, s)
	registerTransitions(group, s)
	registerAssignments(group, s)
	registerDashboard(group, s)
	registerProviders(group, s)
	registerAPIKeys(group, s)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

// requestLogger logs one line per request and exposes the request id to the engine's logger.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			ctx := context.WithValue(r.Context(), logger.RequestIDKey, middleware.GetReqID(r.Context()))
			next.ServeHTTP(ww, r.WithContext(ctx))
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.WithContext(ctx).HTTPRequest(r.Method, r.URL.Path, status,
				float64(time.Since(start).Microseconds())/1000, r.RemoteAddr)
		})
	}
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

// fail maps an engine error to its HTTP status. Store failures are logged here once.
func (s service) fail(ctx context.Context, err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var (
		ve engine.ValidationError
		fe auth.ForbiddenError
		nf engine.NotFoundError
		se engine.StateConflictError
		pe engine.PersistenceError
	)
	switch {
	case errors.As(err, &ve):
		return newAPIError(http.StatusBadRequest, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	case errors.As(err, &nf):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.As(err, &se):
		return newAPIError(http.StatusConflict, "state_conflict", se.Reason, map[string]any{
			"op":                  se.Op,
			"request_id":          se.RequestID,
			"status":              se.Status,
			"coordination_status": se.CoordinationStatus,
		})
	case errors.As(err, &pe):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", "store unavailable, retry", map[string]any{"op": pe.Op})
	default:
		s.log.WithContext(ctx).Error("unhandled error", "error", err)
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
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
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var mutationErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusServiceUnavailable,
}

var readErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusServiceUnavailable,
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
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
    <title>Coordline API Docs</title>
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
	}, func(ctx context.Context, _ *struct{}) (*response[HealthResponse], error) {
		return reply(HealthResponse{Status: "ok"}), nil
	})
}

type requestPath struct {
	ID string `path:"id"`
}

func registerRequests(api huma.API, s service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Submit a service request",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestBody `json:"body"`
	}) (*response[domain.ServiceRequest], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sr, err := s.e.CreateRequest(ctx, actor, engine.CreateRequestInput{
			ClientID:    input.Body.ClientID,
			ServiceType: input.Body.ServiceType,
			Location:    input.Body.Location,
			Description: input.Body.Description,
			Priority:    domain.Priority(input.Body.Priority),
		})
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return reply(sr), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "Coordination pipeline",
		Description: "Requests newest first with their active assignment and effective SLA. Clients only see their own requests and providers only those they hold.",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		Status      []string `query:"status" doc:"Comma-separated statuses"`
		Priority    string   `query:"priority" enum:"normal,urgent,emergency"`
		ServiceType string   `query:"service_type"`
		ClientID    string   `query:"client_id"`
		ProviderID  string   `query:"provider_id"`
		Escalated   bool     `query:"escalated"`
		Limit       int      `query:"limit" default:"50"`
		Cursor      string   `query:"cursor"`
	}) (*response[engine.Pipeline], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		f := engine.PipelineFilter{
			Priority:      domain.Priority(input.Priority),
			ServiceType:   input.ServiceType,
			ClientID:      input.ClientID,
			ProviderID:    input.ProviderID,
			EscalatedOnly: input.Escalated,
			Limit:         input.Limit,
			Cursor:        input.Cursor,
		}
		for _, st := range input.Status {
			f.Statuses = append(f.Statuses, domain.Status(strings.TrimSpace(st)))
		}
		switch actor.Role {
		case auth.RoleClient:
			f.ClientID = actor.ID
		case auth.RoleProvider:
			f.ProviderID = actor.ID
		}
		page, err := s.e.GetPipeline(ctx, f)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return reply(page), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Request detail with assignments, timeline and candidates",
		Errors:      readErrors,
	}, func(ctx context.Context, input *requestPath) (*response[engine.RequestDetail], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := s.e.GetRequestDetail(ctx, input.ID)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		if actor.Role == auth.RoleClient && detail.Request.ClientID != actor.ID {
			return nil, s.fail(ctx, engine.NotFoundError{Kind: "service_request", ID: input.ID})
		}
		return reply(detail), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-candidates",
		Method:      http.MethodGet,
		Path:        "/requests/{id}/candidates",
		Summary:     "Ranked providers for a request",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit"`
	}) (*response[CandidatesResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = s.e.Config.Matching.CandidateLimit
		}
		items, err := s.e.MatchCandidates(ctx, input.ID, limit)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return reply(CandidatesResponse{RequestID: input.ID, Items: nonNil(items)}), nil
	})
}

// registerTransitions wires one POST per lifecycle operation on a request.
func registerTransitions(api huma.API, s service) {
	op := func(id, p, summary string) huma.Operation {
		return huma.Operation{
			OperationID: id,
			Method:      http.MethodPost,
			Path:        "/requests/{id}/" + p,
			Summary:     summary,
			Errors:      mutationErrors,
		}
	}

	huma.Register(api, op("confirm-request", "confirm", "Confirm a submitted request"),
		func(ctx context.Context, input *requestPath) (*response[domain.ServiceRequest], error) {
			return s.mutate(ctx, func(actor engine.Actor) (domain.ServiceRequest, error) {
				return s.e.ConfirmRequest(ctx, actor, input.ID)
			})
		})

	huma.Register(api, op("assign-provider", "assign", "Assign a provider"),
		func(ctx context.Context, input *struct {
			ID   string     `path:"id"`
			Body AssignBody `json:"body"`
		}) (*response[engine.AssignmentResult], error) {
			actor, authErr := actorFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			res, err := s.e.AssignProvider(ctx, actor, input.ID, input.Body.ProviderID)
			if err != nil {
				return nil, s.fail(ctx, err)
			}
			return reply(res), nil
		})

	huma.Register(api, op("start-work", "start", "Start work on an accepted request"),
		func(ctx context.Context, input *requestPath) (*response[domain.ServiceRequest], error) {
			return s.mutate(ctx, func(actor engine.Actor) (domain.ServiceRequest, error) {
				return s.e.StartWork(ctx, actor, input.ID)
			})
		})

	huma.Register(api, op("complete-job", "complete", "Record job completion"),
		func(ctx context.Context, input *struct {
			ID   string       `path:"id"`
			Body CompleteBody `json:"body"`
		}) (*response[domain.ServiceRequest], error) {
			return s.mutate(ctx, func(actor engine.Actor) (domain.ServiceRequest, error) {
				return s.e.CompleteJob(ctx, actor, input.ID, input.Body.Notes, input.Body.QualityScore)
			})
		})

	huma.Register(api, op("verify-completion", "verify", "Verify a completed job"),
		func(ctx context.Context, input *struct {
			ID   string     `path:"id"`
			Body VerifyBody `json:"body"`
		}) (*response[domain.ServiceRequest], error) {
			return s.mutate(ctx, func(actor engine.Actor) (domain.ServiceRequest, error) {
				return s.e.VerifyCompletion(ctx, actor, input.ID, input.Body.SatisfactionScore)
			})
		})

	huma.Register(api, op("escalate-request", "escalate", "Raise the escalation level"),
		func(ctx context.Context, input *struct {
			ID   string     `path:"id"`
			Body ReasonBody `json:"body"`
		}) (*response[domain.ServiceRequest], error) {
			return s.mutate(ctx, func(actor engine.Actor) (domain.ServiceRequest, error) {
				return s.e.Escalate(ctx, actor, input.ID, input.Body.Reason)
			})
		})

	huma.Register(api, op("cancel-request", "cancel", "Cancel a request"),
		func(ctx context.Context, input *struct {
			ID   string     `path:"id"`
			Body ReasonBody `json:"body"`
		}) (*response[domain.ServiceRequest], error) {
			return s.mutate(ctx, func(actor engine.Actor) (domain.ServiceRequest, error) {
				return s.e.CancelRequest(ctx, actor, input.ID, input.Body.Reason)
			})
		})

	huma.Register(api, op("set-priority", "priority", "Change priority and recompute deadlines"),
		func(ctx context.Context, input *struct {
			ID   string       `path:"id"`
			Body PriorityBody `json:"body"`
		}) (*response[domain.ServiceRequest], error) {
			return s.mutate(ctx, func(actor engine.Actor) (domain.ServiceRequest, error) {
				return s.e.SetPriority(ctx, actor, input.ID, domain.Priority(input.Body.Priority))
			})
		})

	notes := op("add-note", "notes", "Append a note to the timeline")
	notes.DefaultStatus = http.StatusCreated
	huma.Register(api, notes, func(ctx context.Context, input *struct {
		ID   string   `path:"id"`
		Body NoteBody `json:"body"`
	}) (*response[domain.TimelineEvent], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		evt, err := s.e.AddNote(ctx, actor, input.ID, input.Body.Text)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return reply(evt), nil
	})
}

func (s service) mutate(ctx context.Context, fn func(actor engine.Actor) (domain.ServiceRequest, error)) (*response[domain.ServiceRequest], error) {
	actor, authErr := actorFromContext(ctx)
	if authErr != nil {
		return nil, authErr
	}
	sr, err := fn(actor)
	if err != nil {
		return nil, s.fail(ctx, err)
	}
	return reply(sr), nil
}

func registerAssignments(api huma.API, s service) {
	huma.Register(api, huma.Operation{
		OperationID: "respond-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/response",
		Summary:     "Record the provider's answer to an assignment",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string      `path:"id"`
		Body RespondBody `json:"body"`
	}) (*response[engine.AssignmentResult], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := s.e.UpdateAssignmentResponse(ctx, actor, input.ID, domain.Response(input.Body.Response), input.Body.DeclineReason)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return reply(res), nil
	})
}

func registerDashboard(api huma.API, s service) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Coordination desk overview",
		Errors:      readErrors,
	}, func(ctx context.Context, _ *struct{}) (*response[engine.Dashboard], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !actor.Privileged() {
			return nil, s.fail(ctx, auth.ForbiddenError{Permission: "dashboard.read", Reason: fmt.Sprintf("role %q", actor.Role)})
		}
		d, err := s.e.GetDashboard(ctx)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return reply(d), nil
	})
}

func registerProviders(api huma.API, s service) {
	huma.Register(api, huma.Operation{
		OperationID: "provider-leaderboard",
		Method:      http.MethodGet,
		Path:        "/providers/leaderboard",
		Summary:     "Providers ranked by reliability score",
		Errors:      readErrors,
	}, func(ctx context.Context, input *struct {
		WindowDays int `query:"window_days" minimum:"0" doc:"0 ranks on cumulative metrics"`
	}) (*response[LeaderboardResponse], error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := s.e.GetProviderLeaderboard(ctx, input.WindowDays)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return reply(LeaderboardResponse{WindowDays: input.WindowDays, Items: nonNil(items)}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-provider",
		Method:      http.MethodPut,
		Path:        "/providers/{id}",
		Summary:     "Replicate a provider directory entry",
		Errors:      mutationErrors,
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ProviderBody `json:"body"`
	}) (*response[domain.Provider], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := s.e.UpsertProvider(ctx, actor, domain.Provider{
			ID:           input.ID,
			Name:         input.Body.Name,
			ServiceTypes: nonNil(input.Body.ServiceTypes),
			Verified:     input.Body.Verified,
			Active:       input.Body.Active,
		})
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return reply(p), nil
	})
}

func registerAPIKeys(api huma.API, s service) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Issue an API key bound to an actor and role",
		DefaultStatus: http.StatusCreated,
		Errors:        mutationErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyBody `json:"body"`
	}) (*response[APIKeyResponse], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plain, key, err := s.e.CreateAPIKey(ctx, actor, input.Body.ActorID, auth.Role(input.Body.Role), input.Body.Name)
		if err != nil {
			return nil, s.fail(ctx, err)
		}
		return reply(apiKeyResponse(key, plain)), nil
	})
}
