package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"obcatalog/internal/domain"
	"obcatalog/internal/facts"
	"obcatalog/internal/logging"
	"obcatalog/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Repo     repo.Repo
	BasePath string
	Auth     AuthConfig
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"product not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"uuid\":\"0b6f...\"}"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the read-only catalog query API.
func New(cfg Config) (http.Handler, error) {
	basePath := normalizeBasePath(cfg.BasePath)
	log := logging.OrNop(cfg.Log).Named("http")
	if cfg.Auth.Log == nil {
		cfg.Auth.Log = log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// request validation failures are client errors
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Repo))
	hcfg := huma.DefaultConfig("Observation Catalog API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{repo: cfg.Repo, log: log}
	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group)
	registerInstruments(group, h)
	registerObservingBlocks(group, h)
	registerTasks(group, h)
	registerProducts(group, h)
	registerEvents(group, h)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func normalizeBasePath(basePath string) string {
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	return strings.TrimSuffix(basePath, "/")
}

type handlers struct {
	repo repo.Repo
	log  *zap.Logger
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

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, domain.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, domain.ErrUnsupportedFactType):
		return newAPIError(http.StatusBadRequest, "unsupported_fact_type", msg, nil)
	case errors.Is(err, domain.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		h.log.Error("request failed", zap.Error(err))
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
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
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
    <title>Observation Catalog API Docs</title>
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "whoami",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Authenticated principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body MeResponse `json:"body"`
		}{Body: MeResponse{Subject: p.Subject, Source: p.Source}}, nil
	})
}

func registerInstruments(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-instruments",
		Method:      http.MethodGet,
		Path:        "/instruments",
		Summary:     "List instruments",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Instrument `json:"body"`
	}, error) {
		items, err := h.repo.ListInstruments(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Instrument `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerObservingBlocks(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-observing-blocks",
		Method:      http.MethodGet,
		Path:        "/obs",
		Summary:     "List observing blocks",
	}, func(ctx context.Context, input *struct {
		Instrument string `query:"instrument"`
		ParentID   string `query:"parent_id"`
		Roots      bool   `query:"roots" doc:"only blocks without a parent"`
	}) (*struct {
		Body []domain.ObservingBlock `json:"body"`
	}, error) {
		items, err := h.repo.ListObservingBlocks(ctx, repo.OBFilters{
			Instrument: input.Instrument,
			ParentID:   input.ParentID,
			Roots:      input.Roots,
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.ObservingBlock `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-observing-block",
		Method:      http.MethodGet,
		Path:        "/obs/{ob_id}",
		Summary:     "Observing block with frames, facts and children",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OBID string `path:"ob_id"`
	}) (*struct {
		Body ObservingBlockResponse `json:"body"`
	}, error) {
		ob, err := h.repo.GetObservingBlock(ctx, input.OBID)
		if err != nil {
			return nil, h.handleError(err)
		}
		frames, err := h.repo.ListFrames(ctx, ob.ID)
		if err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.repo.ObservingBlockFacts(ob.ID).Items(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		children, err := h.repo.ListObservingBlocks(ctx, repo.OBFilters{ParentID: ob.ID})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ObservingBlockResponse `json:"body"`
		}{Body: observingBlockResponse(ob, frames, items, children)}, nil
	})
}

func registerTasks(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		OBID  string `query:"ob_id"`
		State string `query:"state" doc:"RUNNING or FINISHED"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		state := domain.TaskState(strings.ToUpper(input.State))
		if state != "" && state != domain.TaskRunning && state != domain.TaskFinished {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid task state", map[string]any{"state": input.State})
		}
		items, err := h.repo.ListTasks(ctx, input.OBID, state)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := h.repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-result",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/result",
		Summary:     "Reduction result recorded for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body ResultResponse `json:"body"`
	}, error) {
		res, err := h.repo.GetResultByTask(ctx, input.TaskID)
		if err != nil {
			return nil, h.handleError(err)
		}
		products, err := h.repo.ListProducts(ctx, repo.ProductFilters{TaskID: input.TaskID})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ResultResponse `json:"body"`
		}{Body: ResultResponse{Result: res, Products: nonNilSlice(products)}}, nil
	})
}

func registerProducts(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "List data products, highest priority first",
	}, func(ctx context.Context, input *struct {
		Instrument string `query:"instrument"`
		Datatype   string `query:"datatype"`
		TaskID     string `query:"task_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.DataProduct `json:"body"`
	}, error) {
		items, err := h.repo.ListProducts(ctx, repo.ProductFilters{
			Instrument: input.Instrument,
			Datatype:   input.Datatype,
			TaskID:     input.TaskID,
			Limit:      normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.DataProduct `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-products",
		Method:      http.MethodGet,
		Path:        "/products/search",
		Summary:     "Find products by fact",
		Description: "Matches products carrying the fact key with exactly value. The value is parsed according to type.",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Key   string `query:"key" required:"true"`
		Value string `query:"value" required:"true"`
		Type  string `query:"type" default:"string" enum:"int,float,bool,string,unicode"`
	}) (*struct {
		Body []domain.DataProduct `json:"body"`
	}, error) {
		v, err := facts.Parse(facts.Type(input.Type), input.Value)
		if err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.repo.FindProductsByFact(ctx, input.Key, v)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body []domain.DataProduct `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product",
		Method:      http.MethodGet,
		Path:        "/products/{uuid}",
		Summary:     "Get a product and its facts by provenance UUID",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		UUID string `path:"uuid"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		p, err := h.repo.GetProductByUUID(ctx, input.UUID)
		if err != nil {
			return nil, h.handleError(err)
		}
		items, err := h.repo.ProductFacts(p.ID).Items(ctx)
		if err != nil {
			return nil, h.handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: ProductResponse{Product: p, Facts: factMap(items)}}, nil
	})
}

func registerEvents(api huma.API, h handlers) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List catalog events after a cursor",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type   string `query:"type"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.repo.EventsAfter(ctx, limit+1, cursorID, input.Type)
		if err != nil {
			return nil, h.handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}
