package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"heroinit/internal/app"
	"heroinit/internal/domain"
	"heroinit/internal/engine"
	"heroinit/internal/logging"
	"heroinit/internal/metrics"
	"heroinit/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Session  *app.Session
	Repo     repo.Repo
	Metrics  *metrics.Metrics
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found: \"Grond\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func normalizeBasePath(basePath string) string {
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return basePath
}

// New returns an HTTP handler exposing the session status API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Session == nil {
		return nil, errors.New("server: session is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	basePath := normalizeBasePath(cfg.BasePath)
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	router.Use(newRequestLogger(cfg.Logger))
	hcfg := huma.DefaultConfig("HERO Initiative API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	router.Handle("/metrics", cfg.Metrics.Handler())
	registerHealth(group)
	registerReads(group, cfg.Session)
	registerEvents(group, cfg.Session, cfg.Repo)
	registerCommands(group, cfg.Session)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newRequestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			attrs := []any{"method", r.Method, "path", r.URL.Path}
			if p, ok := principalFromContext(r.Context()); ok {
				attrs = append(attrs, "subject", p.Subject)
			}
			log.Debug("request", attrs...)
			next.ServeHTTP(w, r)
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

// handleError maps engine sentinels onto the envelope codes.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, engine.ErrDuplicateName):
		return newAPIError(http.StatusConflict, "duplicate_name", msg, nil)
	case errors.Is(err, engine.ErrNotFound), errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrInvalidRange):
		return newAPIError(http.StatusBadRequest, "invalid_range", msg, nil)
	case errors.Is(err, engine.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", msg, nil)
	case errors.Is(err, engine.ErrUnknownCounter):
		return newAPIError(http.StatusBadRequest, "unknown_counter", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
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
			applyAuthSecurity(oas)
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

// applyAuthSecurity marks every command operation as bearer-protected.
func applyAuthSecurity(oas *huma.OpenAPI) {
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
	security := []map[string][]string{{"bearerAuth": {}}}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Put, item.Post, item.Delete, item.Patch} {
			if op != nil {
				op.Security = security
			}
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
    <title>HERO Initiative API Docs</title>
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
      Reads are open. Commands need Authorization: Bearer &lt;token&gt; with the gm role.
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

type namePath struct {
	Name string `path:"name" doc:"Combatant name or unique prefix"`
}

type combatantBody struct {
	Body domain.Combatant `json:"body"`
}

type combatantsBody struct {
	Body []domain.Combatant `json:"body"`
}

type stepBody struct {
	Body domain.Step `json:"body"`
}

func combatantsOut(items []domain.Combatant) *combatantsBody {
	if items == nil {
		items = []domain.Combatant{}
	}
	return &combatantsBody{Body: items}
}

func registerReads(api huma.API, s *app.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Full snapshot: cursor, current actor and every combatant",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Status `json:"body"`
	}, error) {
		return &struct {
			Body domain.Status `json:"body"`
		}{Body: s.Status()}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-combatants",
		Method:      http.MethodGet,
		Path:        "/combatants",
		Summary:     "List combatants in insertion order",
	}, func(ctx context.Context, _ *struct{}) (*combatantsBody, error) {
		return combatantsOut(s.Combatants()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-combatant",
		Method:      http.MethodGet,
		Path:        "/combatants/{name}",
		Summary:     "Get one combatant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *namePath) (*combatantBody, error) {
		c, err := s.Combatant(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &combatantBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pcs",
		Method:      http.MethodGet,
		Path:        "/pcs",
		Summary:     "List player characters",
	}, func(ctx context.Context, _ *struct{}) (*combatantsBody, error) {
		return combatantsOut(s.PCs()), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pc",
		Method:      http.MethodGet,
		Path:        "/pcs/{name}",
		Summary:     "Get one player character",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *namePath) (*combatantBody, error) {
		c, err := s.PC(input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &combatantBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "acting",
		Method:      http.MethodGet,
		Path:        "/acting",
		Summary:     "Combatants due in the current segment, highest DEX first",
	}, func(ctx context.Context, _ *struct{}) (*combatantsBody, error) {
		return combatantsOut(s.Acting()), nil
	})
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

func registerEvents(api huma.API, s *app.Session, r repo.Repo) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent journal events for this session",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type      string `query:"type"`
		Combatant string `query:"combatant"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		resp := paginatedEvents{Items: []EventResponse{}}
		if r.DB == nil {
			return &struct {
				Body paginatedEvents `json:"body"`
			}{Body: resp}, nil
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := r.LatestEvents(ctx, limit+1, cursorID, repo.EventFilter{
			SessionID: s.ID(),
			Type:      input.Type,
			Combatant: input.Combatant,
		})
		if err != nil {
			return nil, handleError(err)
		}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerCommands(api huma.API, s *app.Session) {
	huma.Register(api, huma.Operation{
		OperationID: "advance",
		Method:      http.MethodPost,
		Path:        "/advance",
		Summary:     "Advance to the next acting combatant",
	}, func(ctx context.Context, _ *struct{}) (*stepBody, error) {
		return &stepBody{Body: s.Advance(ctx)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-combatant",
		Method:        http.MethodPost,
		Path:          "/combatants",
		Summary:       "Add a combatant",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body AddCombatantRequest `json:"body"`
	}) (*combatantBody, error) {
		kind, err := engine.ParseKind(input.Body.Kind)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := s.Add(ctx, engine.CombatantSpec{
			Name:        input.Body.Name,
			DisplayName: input.Body.DisplayName,
			Speed:       input.Body.Speed,
			Reflex:      input.Body.Dex,
			Stun:        engine.NewCounter(input.Body.Stun),
			Body:        engine.NewCounter(input.Body.Body),
			End:         engine.NewCounter(input.Body.End),
			Kind:        kind,
			Status:      input.Body.Status,
			Recovery:    input.Body.Recovery,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &combatantBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-combatant",
		Method:      http.MethodDelete,
		Path:        "/combatants/{name}",
		Summary:     "Remove a combatant",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *namePath) (*struct {
		Body RemoveResponse `json:"body"`
	}, error) {
		name, err := s.Remove(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RemoveResponse `json:"body"`
		}{Body: RemoveResponse{Name: name}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "abort-phase",
		Method:      http.MethodPost,
		Path:        "/combatants/{name}/abort",
		Summary:     "Abort the combatant's next phase",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *namePath) (*stepBody, error) {
		_, step, err := s.Abort(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &stepBody{Body: step}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-speed",
		Method:      http.MethodPatch,
		Path:        "/combatants/{name}/speed",
		Summary:     "Change SPD without reopening closed segments",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string             `path:"name"`
		Body ChangeSpeedRequest `json:"body"`
	}) (*combatantBody, error) {
		c, err := s.ChangeSpeed(ctx, input.Name, input.Body.Speed)
		if err != nil {
			return nil, handleError(err)
		}
		return &combatantBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-delta",
		Method:      http.MethodPost,
		Path:        "/combatants/{name}/delta",
		Summary:     "Damage or heal STUN, BODY or END",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string       `path:"name"`
		Body DeltaRequest `json:"body"`
	}) (*combatantBody, error) {
		counter := input.Body.Counter
		if counter == "" {
			counter = string(engine.Stun)
		}
		c, err := s.ApplyDelta(ctx, input.Name, counter, input.Body.Amount)
		if err != nil {
			return nil, handleError(err)
		}
		return &combatantBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-status",
		Method:      http.MethodPut,
		Path:        "/combatants/{name}/status",
		Summary:     "Replace the combatant's status text",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Name string        `path:"name"`
		Body StatusRequest `json:"body"`
	}) (*combatantBody, error) {
		c, err := s.SetStatus(ctx, input.Name, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &combatantBody{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "skip-to-segment",
		Method:      http.MethodPost,
		Path:        "/skip",
		Summary:     "Jump ahead to a segment",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body SkipRequest `json:"body"`
	}) (*stepBody, error) {
		step, err := s.SkipTo(ctx, input.Body.Segment)
		if err != nil {
			return nil, handleError(err)
		}
		return &stepBody{Body: step}, nil
	})
}
