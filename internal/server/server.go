package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"caseline/internal/extract"
	"caseline/internal/logging"
	"caseline/internal/orchestrator"
	"caseline/internal/reasoning"
	"caseline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Orchestrator orchestrator.Orchestrator
	BasePath     string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"petition is awaiting_documents"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caseline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
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
	hcfg := huma.DefaultConfig("Caseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerPetitions(group, cfg.Orchestrator)
	registerDocuments(group, cfg.Orchestrator)
	registerSpecialists(group, cfg.Orchestrator)
	registerAnalysis(group, cfg.Orchestrator)
	registerEvents(group, cfg.Orchestrator)
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
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, repo.ErrInvalidState):
		return newAPIError(http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, repo.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrNotReady):
		return newAPIError(http.StatusConflict, "not_ready", err.Error(), nil)
	case errors.Is(err, orchestrator.ErrValidationFailed):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), nil)
	case errors.Is(err, repo.ErrInvalidInput):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, extract.ErrUnsupportedFormat):
		return newAPIError(http.StatusBadRequest, "unsupported_format", err.Error(), nil)
	case reasoning.Transient(err):
		return newAPIError(http.StatusServiceUnavailable, "dependency_unavailable", err.Error(), nil)
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
	case http.StatusServiceUnavailable:
		return "dependency_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

type ActorHeader struct {
	ActorID string `header:"X-Actor-Id"`
}

func (a ActorHeader) actor() string {
	if a.ActorID == "" {
		return "api"
	}
	return a.ActorID
}

type PetitionPath struct {
	PetitionID string `path:"petition_id"`
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
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

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Caseline API Docs</title>
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

func registerPetitions(api huma.API, o orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-petition",
		Method:        http.MethodPost,
		Path:          "/petitions",
		Summary:       "Create petition",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ActorHeader
		Body CreatePetitionRequest `json:"body"`
	}) (*struct {
		Body PetitionResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Text) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "text is required", nil)
		}
		p, err := o.CreatePetition(ctx, input.Body.Text, input.actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PetitionResponse `json:"body"`
		}{Body: petitionResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-petitions",
		Method:      http.MethodGet,
		Path:        "/petitions",
		Summary:     "List petitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PetitionResponse `json:"body"`
	}, error) {
		items, err := o.Repo.ListPetitions(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []PetitionResponse `json:"body"`
		}{Body: mapPetitions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-petition",
		Method:      http.MethodGet,
		Path:        "/petitions/{petition_id}",
		Summary:     "Get petition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *PetitionPath) (*struct {
		Body PetitionResponse `json:"body"`
	}, error) {
		p, err := o.Repo.GetPetition(ctx, input.PetitionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PetitionResponse `json:"body"`
		}{Body: petitionResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-status",
		Method:      http.MethodGet,
		Path:        "/petitions/{petition_id}/status",
		Summary:     "Petition status projection",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *PetitionPath) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		proj, err := o.Status(ctx, input.PetitionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: statusResponse(proj)}, nil
	})
}

func registerDocuments(api huma.API, o orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "suggest-documents",
		Method:      http.MethodPost,
		Path:        "/petitions/{petition_id}/documents/suggest",
		Summary:     "Suggest document checklist",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		ActorHeader
		PetitionPath
	}) (*struct {
		Body []RequirementResponse `json:"body"`
	}, error) {
		reqs, err := o.SuggestDocuments(ctx, input.PetitionID, input.actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequirementResponse `json:"body"`
		}{Body: mapRequirements(reqs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-documents",
		Method:      http.MethodGet,
		Path:        "/petitions/{petition_id}/documents",
		Summary:     "List document requirements",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *PetitionPath) (*struct {
		Body []RequirementResponse `json:"body"`
	}, error) {
		if _, err := o.Repo.GetPetition(ctx, input.PetitionID); err != nil {
			return nil, handleError(err)
		}
		reqs, err := o.Repo.ListRequirements(ctx, input.PetitionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequirementResponse `json:"body"`
		}{Body: mapRequirements(reqs)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upload-document",
		Method:      http.MethodPost,
		Path:        "/petitions/{petition_id}/documents/{requirement_id}",
		Summary:     "Upload a document for a requirement",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ActorHeader
		PetitionID    string                `path:"petition_id"`
		RequirementID string                `path:"requirement_id"`
		Body          UploadDocumentRequest `json:"body"`
	}) (*struct {
		Body UploadResponse `json:"body"`
	}, error) {
		if len(input.Body.Data) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "data is required", nil)
		}
		status, err := o.UploadDocument(ctx, input.PetitionID, input.RequirementID, input.Body.Data, input.Body.MediaType, input.actor())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UploadResponse `json:"body"`
		}{Body: UploadResponse{RequirementID: input.RequirementID, Status: status}}, nil
	})
}

func registerSpecialists(api huma.API, o orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-specialists",
		Method:      http.MethodGet,
		Path:        "/specialists",
		Summary:     "List available specialist agents",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []SpecialistResponse `json:"body"`
	}, error) {
		out := make([]SpecialistResponse, 0, len(o.Agents))
		for id, agent := range o.Agents {
			out = append(out, SpecialistResponse{ID: id, Kind: string(agent.Kind())})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		return &struct {
			Body []SpecialistResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "select-specialists",
		Method:      http.MethodPut,
		Path:        "/petitions/{petition_id}/specialists",
		Summary:     "Select specialists for a petition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ActorHeader
		PetitionPath
		Body SelectSpecialistsRequest `json:"body"`
	}) (*struct {
		Body PetitionResponse `json:"body"`
	}, error) {
		if err := o.SelectSpecialists(ctx, input.PetitionID, input.Body.Agents, input.actor()); err != nil {
			return nil, handleError(err)
		}
		p, err := o.Repo.GetPetition(ctx, input.PetitionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PetitionResponse `json:"body"`
		}{Body: petitionResponse(p)}, nil
	})
}

func registerAnalysis(api huma.API, o orchestrator.Orchestrator) {
	logger := logging.New("server")
	huma.Register(api, huma.Operation{
		OperationID:   "start-analysis",
		Method:        http.MethodPost,
		Path:          "/petitions/{petition_id}/analysis",
		Summary:       "Start the analysis run",
		DefaultStatus: http.StatusAccepted,
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ActorHeader
		PetitionPath
	}) (*struct {
		Body StartAnalysisResponse `json:"body"`
	}, error) {
		runID, started, err := o.StartAnalysis(ctx, input.PetitionID, input.actor())
		if err != nil {
			return nil, handleError(err)
		}
		if started {
			// The run outlives the request.
			go func() {
				if err := o.Run(context.Background(), input.PetitionID, runID); err != nil {
					logger.Error("analysis run", "petition_id", input.PetitionID, "run_id", runID, "error", err)
				}
			}()
		}
		return &struct {
			Body StartAnalysisResponse `json:"body"`
		}{Body: StartAnalysisResponse{RunID: runID, Started: started}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-result",
		Method:      http.MethodGet,
		Path:        "/petitions/{petition_id}/result",
		Summary:     "Analysis result",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *PetitionPath) (*struct {
		Body ResultResponse `json:"body"`
	}, error) {
		res, err := o.Result(ctx, input.PetitionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ResultResponse `json:"body"`
		}{Body: resultResponse(res)}, nil
	})
}

func registerEvents(api huma.API, o orchestrator.Orchestrator) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/petitions/{petition_id}/events",
		Summary:     "Audit events for a petition",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PetitionPath
		Limit int    `query:"limit" minimum:"1" maximum:"500" default:"100"`
		Type  string `query:"type"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, err := o.Repo.GetPetition(ctx, input.PetitionID); err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 100
		}
		items, err := o.Repo.LatestEvents(ctx, limit, input.PetitionID, input.Type)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}
