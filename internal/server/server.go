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
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"followups/internal/board"
	"followups/internal/engine"
	"followups/internal/logging"
	"followups/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	// Location is the calendar used for "today" when a request names none.
	Location *time.Location
	Logger   *log.Logger
}

// apiError is the {"error": "..."} envelope every failure uses.
type apiError struct {
	status  int
	Message string `json:"error" example:"Missing required fields"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

const (
	msgMethodNotAllowed  = "Method not allowed"
	msgNotFound          = "Not found"
	msgAlreadyCompleted  = "Task already completed"
	msgInvalidTimezone   = "Invalid tz"
	msgInvalidReferentAt = "Invalid at"
)

// New returns an HTTP handler exposing the follow-up task API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Discard()
	}
	huma.DefaultArrayNullable = false
	// Huma-generated errors use the same envelope as handler errors.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return frameworkError(status, msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return frameworkError(status, msg)
	}

	router := chi.NewRouter()
	router.NotFound(jsonError(http.StatusNotFound, msgNotFound))
	router.MethodNotAllowed(jsonError(http.StatusMethodNotAllowed, msgMethodNotAllowed))
	router.Use(requestLogger(cfg.Logger))
	router.Use(recoverer(cfg.Logger))

	hcfg := huma.DefaultConfig("Followups API", "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	hcfg.CreateHooks = nil
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCreateTask(group, cfg.Engine, cfg.Logger)
	registerBoard(group, cfg.Engine, cfg.Location)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, message string) huma.StatusError {
	return &apiError{status: status, Message: message}
}

// frameworkError builds errors raised by huma itself. Body-level rejections
// (oversized or unsupported payloads) answer like any unreadable body.
func frameworkError(status int, msg string) huma.StatusError {
	switch status {
	case http.StatusRequestEntityTooLarge, http.StatusUnsupportedMediaType:
		return newAPIError(http.StatusInternalServerError, engine.MsgInternal)
	}
	return newAPIError(status, msg)
}

// handleError maps engine errors onto the envelope. Internal detail is logged
// and replaced by fallback.
func handleError(logger *log.Logger, err error, fallback string) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, ve.Message)
	}
	var nf *engine.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, nf.Error())
	}
	if errors.Is(err, repo.ErrAlreadyCompleted) {
		return newAPIError(http.StatusConflict, msgAlreadyCompleted)
	}
	logger.WithError(err).Error("request failed")
	return newAPIError(http.StatusInternalServerError, fallback)
}

func jsonError(status int, msg string) http.HandlerFunc {
	body, _ := json.Marshal(apiError{Message: msg})
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write(body)
	}
}

func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.WithFields(log.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"status":   ww.Status(),
				"bytes":    ww.BytesWritten(),
				"duration": time.Since(start).String(),
			}).Debug("request")
		})
	}
}

func recoverer(logger *log.Logger) func(http.Handler) http.Handler {
	internal := jsonError(http.StatusInternalServerError, engine.MsgInternal)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					if rec == http.ErrAbortHandler {
						panic(rec)
					}
					logger.WithField("panic", rec).WithField("path", r.URL.Path).Error("handler panic")
					internal(w, r)
				}
			}()
			next.ServeHTTP(w, r)
		})
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
	var ref *huma.Schema
	if oas.Components != nil && oas.Components.Schemas != nil {
		ref = oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: ref},
				},
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
    <title>Followups API Docs</title>
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

func registerCreateTask(api huma.API, e engine.Engine, logger *log.Logger) {
	huma.Register(api, huma.Operation{
		OperationID: "create-task",
		Method:      http.MethodPost,
		Path:        "/create-task",
		Summary:     "Create a follow-up task for an application",
		// The raw body is decoded by the handler so every unreadable payload
		// gets the same answer; the schema below only documents it.
		SkipValidateBody: true,
		MaxBodyBytes:     maxCreateTaskBody,
		RequestBody: &huma.RequestBody{
			Required: false,
			Content: map[string]*huma.MediaType{
				"application/json": {
					Schema: api.OpenAPI().Components.Schemas.Schema(reflect.TypeOf(engine.CreateTaskRequest{}), true, "CreateTaskRequest"),
				},
			},
		},
		Errors: []int{
			http.StatusBadRequest,
			http.StatusMethodNotAllowed,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		RawBody []byte `contentType:"application/json"`
	}) (*struct {
		Body CreateTaskResponse `json:"body"`
	}, error) {
		req, err := decodeCreateTask(input.RawBody)
		if err != nil {
			logger.WithError(err).Warn("decode create-task body")
			return nil, newAPIError(http.StatusInternalServerError, engine.MsgInternal)
		}
		id, err := e.CreateTask(ctx, req, e.Clock())
		if err != nil {
			// A missing application is reported as a bad request.
			var nf *engine.NotFoundError
			if errors.As(err, &nf) {
				return nil, newAPIError(http.StatusBadRequest, nf.Error())
			}
			return nil, handleError(logger, err, engine.MsgInternal)
		}
		return &struct {
			Body CreateTaskResponse `json:"body"`
		}{Body: CreateTaskResponse{Success: true, TaskID: id}}, nil
	})
}

const maxCreateTaskBody = 1 << 20

// decodeCreateTask requires a single JSON object; anything else is malformed.
func decodeCreateTask(body []byte) (engine.CreateTaskRequest, error) {
	var req engine.CreateTaskRequest
	if len(body) > maxCreateTaskBody {
		return req, fmt.Errorf("request body exceeds %d bytes", maxCreateTaskBody)
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return req, errors.New("request body must be a JSON object")
	}
	if err := json.Unmarshal(trimmed, &req); err != nil {
		return req, err
	}
	return req, nil
}

func registerBoard(api huma.API, e engine.Engine, defaultLoc *time.Location) {
	logger := e.Log
	if logger == nil {
		logger = logging.Discard()
	}
	huma.Register(api, huma.Operation{
		OperationID: "list-today",
		Method:      http.MethodGet,
		Path:        "/tasks/today",
		Summary:     "Open tasks due today",
		Description: "Returns every task that is not completed and falls due on the calendar day of `at` (default: now) in `tz`, earliest first.",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		TZ string `query:"tz" doc:"IANA time zone naming the calendar day"`
		At string `query:"at" doc:"Reference instant (RFC 3339); defaults to the server clock"`
	}) (*struct {
		Body TodayResponse `json:"body"`
	}, error) {
		now, apiErr := referenceInstant(e, input.At, input.TZ, defaultLoc)
		if apiErr != nil {
			return nil, apiErr
		}
		tasks, err := e.ListToday(ctx, now)
		if err != nil {
			return nil, handleError(logger, err, board.MsgLoadFailed)
		}
		return &struct {
			Body TodayResponse `json:"body"`
		}{Body: TodayResponse{Items: mapTasks(tasks)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/complete",
		Summary:     "Mark a task completed",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CompleteTaskResponse `json:"body"`
	}, error) {
		if err := e.MarkComplete(ctx, input.ID); err != nil {
			return nil, handleError(logger, err, board.MsgUpdateFailed)
		}
		return &struct {
			Body CompleteTaskResponse `json:"body"`
		}{Body: CompleteTaskResponse{Success: true}}, nil
	})
}

// referenceInstant resolves the instant whose calendar day is listed. An
// explicit at keeps its own offset unless tz overrides the zone.
func referenceInstant(e engine.Engine, at, tz string, defaultLoc *time.Location) (time.Time, huma.StatusError) {
	now := e.Clock().In(defaultLoc)
	if at != "" {
		parsed, err := time.Parse(time.RFC3339Nano, at)
		if err != nil {
			return time.Time{}, newAPIError(http.StatusBadRequest, msgInvalidReferentAt)
		}
		now = parsed
	}
	if tz != "" {
		loc, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, newAPIError(http.StatusBadRequest, msgInvalidTimezone)
		}
		now = now.In(loc)
	}
	return now, nil
}
