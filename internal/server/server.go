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

	"fabline/internal/assign"
	"fabline/internal/catalog"
	"fabline/internal/engine"
	"fabline/internal/engine/access"
	"fabline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_completed"`
	Message string         `json:"message" example:"unit already completed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Fabline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the error envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors surface as 400 bad_request.
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
	hcfg := huma.DefaultConfig("Fabline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStages(group, cfg.Engine)
	registerUnits(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerDashboard(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
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

// handleError maps engine errors to HTTP status codes. Every branch
// matches a typed error; no message sniffing.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe access.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ue assign.UnassignableError
	if errors.As(err, &ue) {
		return newAPIError(http.StatusServiceUnavailable, "no_eligible_assignee", err.Error(), map[string]any{"stage": ue.Stage, "role": ue.Role})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyCompleted):
		return newAPIError(http.StatusConflict, "already_completed", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, assign.ErrUnassignable):
		return newAPIError(http.StatusServiceUnavailable, "no_eligible_assignee", err.Error(), nil)
	case errors.Is(err, catalog.ErrInconsistent):
		return newAPIError(http.StatusInternalServerError, "catalog_inconsistency", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalid):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusServiceUnavailable:
		return "no_eligible_assignee"
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
	open := map[string]struct{}{
		path.Join(basePath, "health"):         {},
		path.Join(basePath, "auth/dev/login"): {},
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if _, ok := open[route]; ok {
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
    <title>Fabline API Docs</title>
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

func registerStages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-stages",
		Method:      http.MethodGet,
		Path:        "/stages",
		Summary:     "List pipeline stages",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []StageResponse `json:"body"`
	}, error) {
		if _, authErr := actorFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body []StageResponse `json:"body"`
		}{Body: mapStages(e.Catalog.List())}, nil
	})
}

func registerUnits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-unit",
		Method:        http.MethodPost,
		Path:          "/units",
		Summary:       "Create unit",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateUnitRequest `json:"body"`
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.SerialNumber) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "serial_number is required", nil)
		}
		u, err := e.CreateUnit(ctx, actor, engine.UnitInput{
			SerialNumber:  input.Body.SerialNumber,
			MachineType:   stringOrEmpty(input.Body.MachineType),
			ClientName:    stringOrEmpty(input.Body.ClientName),
			ClientSociety: stringOrEmpty(input.Body.ClientSociety),
			Remarks:       stringOrEmpty(input.Body.Remarks),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "List units visible to the caller",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"active,completed,"`
		Stage      string `query:"stage"`
		AssigneeID string `query:"assignee_id"`
	}) (*struct {
		Body []UnitResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		units, err := e.ListUnits(ctx, actor, repo.UnitFilters{
			Status:     input.Status,
			Stage:      input.Stage,
			AssigneeID: input.AssigneeID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UnitResponse `json:"body"`
		}{Body: nonNilSlice(mapUnits(units))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-unit",
		Method:      http.MethodGet,
		Path:        "/units/{id}",
		Summary:     "Get unit with history",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body UnitDetailResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := e.GetUnitDetail(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := UnitDetailResponse{
			Unit:    unitResponse(detail.Unit),
			History: nonNilSlice(mapHistory(detail.History)),
		}
		if detail.StageInfo != nil {
			s := stageResponse(*detail.StageInfo)
			resp.StageInfo = &s
		}
		return &struct {
			Body UnitDetailResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-unit-history",
		Method:      http.MethodGet,
		Path:        "/units/{id}/history",
		Summary:     "Unit history ledger",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []HistoryEntryResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		detail, err := e.GetUnitDetail(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryEntryResponse `json:"body"`
		}{Body: nonNilSlice(mapHistory(detail.History))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-unit-stage",
		Method:      http.MethodPost,
		Path:        "/units/{id}/complete",
		Summary:     "Complete the unit's current stage",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body CompleteStageRequest `json:"body"`
	}) (*struct {
		Body TransitionResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.CompleteStage(ctx, input.ID, actor, input.Body.Remarks)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionResponse `json:"body"`
		}{Body: transitionResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-unit",
		Method:      http.MethodPatch,
		Path:        "/units/{id}",
		Summary:     "Update unit info (non-pipeline fields)",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateUnitRequest `json:"body"`
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.UpdateUnit(ctx, actor, input.ID, repo.UnitUpdate{
			SerialNumber:  input.Body.SerialNumber,
			MachineType:   input.Body.MachineType,
			ClientName:    input.Body.ClientName,
			ClientSociety: input.Body.ClientSociety,
			Remarks:       input.Body.Remarks,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-unit",
		Method:      http.MethodDelete,
		Path:        "/units/{id}",
		Summary:     "Delete unit and its history",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DeleteUnitResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		removed, err := e.DeleteUnit(ctx, actor, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteUnitResponse `json:"body"`
		}{Body: DeleteUnitResponse{DeletedHistoryEntries: removed}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "my-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "Active units assigned to the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UnitResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		units, err := e.MyTasks(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UnitResponse `json:"body"`
		}{Body: nonNilSlice(mapUnits(units))}, nil
	})
}

func registerDashboard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Unit counts in the caller's scope",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Dashboard `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		d, err := e.GetDashboard(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Dashboard `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard-statistics",
		Method:      http.MethodGet,
		Path:        "/dashboard/statistics",
		Summary:     "Per-stage unit distribution",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Statistics `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := e.GetStatistics(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		stats.Distribution = nonNilSlice(stats.Distribution)
		return &struct {
			Body engine.Statistics `json:"body"`
		}{Body: stats}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "dashboard-activities",
		Method:      http.MethodGet,
		Path:        "/dashboard/activities",
		Summary:     "Recent stage completions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"20"`
	}) (*struct {
		Body []HistoryEntryResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		entries, err := e.RecentActivities(ctx, actor, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []HistoryEntryResponse `json:"body"`
		}{Body: nonNilSlice(mapHistory(entries))}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.CreateUser(ctx, actor, engine.UserInput{
			ID:       stringOrEmpty(input.Body.ID),
			Username: input.Body.Username,
			Email:    stringOrEmpty(input.Body.Email),
			Role:     input.Body.Role,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !actor.IsAdmin() {
			return nil, handleError(access.ForbiddenError{Reason: "admin role required"})
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: nonNilSlice(mapUsers(users))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPatch,
		Path:        "/users/{id}",
		Summary:     "Update user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.UpdateUser(ctx, actor, input.ID, engine.UserPatch{
			Email:    input.Body.Email,
			Role:     input.Body.Role,
			IsActive: input.Body.IsActive,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "users-by-stage",
		Method:      http.MethodGet,
		Path:        "/users/by-stage/{stage}",
		Summary:     "Users with access to a stage",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Stage string `path:"stage"`
	}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if !actor.IsAdmin() {
			return nil, handleError(access.ForbiddenError{Reason: "admin role required"})
		}
		if _, ok := e.Catalog.ByName(input.Stage); !ok {
			return nil, newAPIError(http.StatusNotFound, "not_found", fmt.Sprintf("stage %s not found", input.Stage), nil)
		}
		users, err := e.Repo.ListUsersByStage(ctx, input.Stage)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: nonNilSlice(mapUsers(users))}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Mint an API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plaintext, key, err := e.CreateAPIKey(ctx, actor, input.Body.UserID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:        key.ID,
			UserID:    key.UserID,
			Name:      key.Name,
			Key:       plaintext,
			CreatedAt: key.CreatedAt,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys (hashes only)",
	}, func(ctx context.Context, input *struct {
		UserID string `query:"user_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		keys, err := e.ListAPIKeys(ctx, actor, input.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(keys))
		for _, k := range keys {
			out = append(out, APIKeyResponse{
				ID:        k.ID,
				UserID:    k.UserID,
				Name:      k.Name,
				CreatedAt: k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Revoke an API key",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAPIKey(ctx, actor, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"deleted": input.ID}}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		principal, ok := principalFromContext(ctx)
		if !ok || principal.Actor.UserID == "" {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{
			UserID:      principal.Actor.UserID,
			Username:    principal.Actor.Username,
			Role:        principal.Actor.Role,
			StageAccess: principal.Actor.StageAccess,
			IsAdmin:     principal.Actor.IsAdmin(),
			Source:      principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for a known user",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		u, err := e.Repo.GetUser(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !u.IsActive {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user deactivated", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, u.ID, u.Username, u.Role, u.StageAccess)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}
