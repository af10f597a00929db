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
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"

	"huntboard/internal/activity"
	"huntboard/internal/domain"
	"huntboard/internal/economy"
	"huntboard/internal/engine"
	"huntboard/internal/graph"
	"huntboard/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"node_not_available"`
	Message string         `json:"message" example:"node is not available to this team"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Huntboard API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	installErrorEnvelope()

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Huntboard API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEvents(group, cfg.Engine)
	registerNodes(group, cfg.Engine)
	registerTeams(group, cfg.Engine)
	registerSubmissions(group, cfg.Engine)
	registerPurchases(group, cfg.Engine)
	registerActivity(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
	registerStream(router, basePath, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

var errorEnvelopeOnce sync.Once

// installErrorEnvelope rewires huma's error constructors to this API's
// envelope. Huma models them as package globals, so the envelope applies
// process-wide: the binary serves exactly one API and every New call
// installs the same shape, guarded by a Once so repeated construction
// (tests) stays deterministic.
func installErrorEnvelope() {
	errorEnvelopeOnce.Do(func() {
		huma.DefaultArrayNullable = false
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
	})
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
	case errors.Is(err, engine.ErrDuplicatePending):
		return newAPIError(http.StatusConflict, "duplicate_pending", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyReviewed):
		return newAPIError(http.StatusConflict, "already_reviewed", err.Error(), nil)
	case errors.Is(err, engine.ErrNodeNotAvailable):
		return newAPIError(http.StatusUnprocessableEntity, "node_not_available", err.Error(), nil)
	case errors.Is(err, engine.ErrEventNotOpen):
		return newAPIError(http.StatusUnprocessableEntity, "event_not_open", err.Error(), nil)
	case errors.Is(err, economy.ErrInnNotCompleted):
		return newAPIError(http.StatusUnprocessableEntity, "inn_not_completed", err.Error(), nil)
	case errors.Is(err, economy.ErrInsufficientResources):
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_resources", err.Error(), nil)
	case errors.Is(err, economy.ErrInvalidSelection):
		return newAPIError(http.StatusBadRequest, "invalid_selection", err.Error(), nil)
	case errors.Is(err, graph.ErrInvalidGraph):
		return newAPIError(http.StatusBadRequest, "invalid_graph", err.Error(), nil)
	case repo.Unavailable(err):
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "storage busy, retry later", nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "cannot"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
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
    <title>Huntboard API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-event",
		Method:        http.MethodPost,
		Path:          "/events",
		Summary:       "Create event",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateEventRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		ev, err := e.CreateEvent(ctx, engine.EventCreateOptions{
			ID:       input.Body.ID,
			Name:     input.Body.Name,
			StartsAt: input.Body.StartsAt,
			EndsAt:   input.Body.EndsAt,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		items, err := e.Repo.ListEvents(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-event",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}",
		Summary:     "Get event",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		ev, err := e.Repo.GetEvent(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-event-status",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/status",
		Summary:     "Advance event lifecycle",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string           `path:"event_id"`
		Body    SetStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Event `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		ev, err := e.SetEventStatus(ctx, input.EventID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Event `json:"body"`
		}{Body: ev}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "regenerate-map",
		Method:      http.MethodPost,
		Path:        "/events/{event_id}/map/regenerate",
		Summary:     "Regenerate node map coordinates",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if err := e.RegenerateMap(ctx, input.EventID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OKResponse `json:"body"`
		}{Body: OKResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "purge-event",
		Method:      http.MethodDelete,
		Path:        "/events/{event_id}",
		Summary:     "Purge an archived event",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		if err := e.PurgeEvent(ctx, input.EventID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OKResponse `json:"body"`
		}{Body: OKResponse{OK: true}}, nil
	})
}

func registerNodes(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "import-nodes",
		Method:      http.MethodPut,
		Path:        "/events/{event_id}/nodes",
		Summary:     "Replace the event's node graph",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string             `path:"event_id"`
		Body    ImportNodesRequest `json:"body"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		nodes := input.Body.Nodes
		for i := range nodes {
			nodes[i].EventID = input.EventID
		}
		if err := e.ImportNodes(ctx, input.EventID, nodes); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OKResponse `json:"body"`
		}{Body: OKResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-nodes",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/nodes",
		Summary:     "List the event's nodes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body []domain.Node `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEvent(ctx, input.EventID); err != nil {
			return nil, handleError(err)
		}
		nodes, err := e.Repo.ListNodes(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Node `json:"body"`
		}{Body: nodes}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-node",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/nodes/{node_id}",
		Summary:     "Get a node",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
		NodeID  string `path:"node_id"`
	}) (*struct {
		Body domain.Node `json:"body"`
	}, error) {
		node, err := e.Repo.GetNode(ctx, input.EventID, input.NodeID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Node `json:"body"`
		}{Body: node}, nil
	})
}

func registerTeams(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-team",
		Method:        http.MethodPost,
		Path:          "/events/{event_id}/teams",
		Summary:       "Register a team",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		EventID string            `path:"event_id"`
		Body    CreateTeamRequest `json:"body"`
	}) (*struct {
		Body domain.Team `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		t, err := e.CreateTeam(ctx, input.EventID, input.Body.Name, input.Body.Members)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Team `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-teams",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/teams",
		Summary:     "List teams",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
	}) (*struct {
		Body []domain.Team `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEvent(ctx, input.EventID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTeams(ctx, input.EventID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Team `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-team-state",
		Method:      http.MethodGet,
		Path:        "/teams/{team_id}/state",
		Summary:     "Full team state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body domain.TeamState `json:"body"`
	}, error) {
		state, err := e.GetTeamState(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TeamState `json:"body"`
		}{Body: state}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-team-note",
		Method:      http.MethodPut,
		Path:        "/teams/{team_id}/notes/{node_id}",
		Summary:     "Set a team note on a node",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string      `path:"team_id"`
		NodeID string      `path:"node_id"`
		Body   NoteRequest `json:"body"`
	}) (*struct {
		Body OKResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.SetTeamNote(ctx, input.TeamID, input.NodeID, input.Body.Note); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OKResponse `json:"body"`
		}{Body: OKResponse{OK: true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recompute-availability",
		Method:      http.MethodPost,
		Path:        "/teams/{team_id}/availability/recompute",
		Summary:     "Rebuild the team's available set from the graph",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TeamID string `path:"team_id"`
	}) (*struct {
		Body AvailabilityResponse `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		avail, err := e.RecomputeAvailability(ctx, input.TeamID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AvailabilityResponse `json:"body"`
		}{Body: AvailabilityResponse{Available: avail}}, nil
	})
}

func registerSubmissions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-proof",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/submissions",
		Summary:       "Submit proof for a node",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string        `path:"team_id"`
		Body   SubmitRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.NodeID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "node_id is required", nil)
		}
		s, err := e.SubmitProof(ctx, engine.SubmitOptions{
			TeamID:        input.TeamID,
			NodeID:        input.Body.NodeID,
			SubmitterID:   actorID,
			SubmitterName: input.Body.SubmitterName,
			ChannelID:     input.Body.ChannelID,
			ProofURL:      input.Body.ProofURL,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-submissions",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/submissions",
		Summary:     "List submissions",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID string `path:"event_id"`
		TeamID  string `query:"team_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit" minimum:"0" maximum:"500"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body SubmissionListResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEvent(ctx, input.EventID); err != nil {
			return nil, handleError(err)
		}
		cursorTS, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
		}
		items, err := e.Repo.ListSubmissions(ctx, repo.SubmissionFilters{
			EventID:         input.EventID,
			TeamID:          input.TeamID,
			Status:          input.Status,
			Limit:           input.Limit,
			CursorSubmitted: cursorTS,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := SubmissionListResponse{Items: items}
		if len(items) > 0 {
			last := items[len(items)-1]
			resp.NextCursor = composeCursor(last.SubmittedAt, last.ID)
		}
		return &struct {
			Body SubmissionListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-submission",
		Method:      http.MethodGet,
		Path:        "/submissions/{submission_id}",
		Summary:     "Get submission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SubmissionID string `path:"submission_id"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		s, err := e.Repo.GetSubmission(ctx, input.SubmissionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-submission",
		Method:      http.MethodPost,
		Path:        "/submissions/{submission_id}/review",
		Summary:     "Approve or deny a pending submission",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		SubmissionID string        `path:"submission_id"`
		Body         ReviewRequest `json:"body"`
	}) (*struct {
		Body domain.Submission `json:"body"`
	}, error) {
		if err := requireAdmin(ctx); err != nil {
			return nil, err
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var approve bool
		switch input.Body.Decision {
		case "approve":
			approve = true
		case "deny":
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision must be approve or deny", nil)
		}
		s, err := e.ReviewSubmission(ctx, engine.ReviewOptions{
			SubmissionID: input.SubmissionID,
			ReviewerID:   actorID,
			Approve:      approve,
			Reason:       input.Body.Reason,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Submission `json:"body"`
		}{Body: s}, nil
	})
}

func registerPurchases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "purchase-inn-reward",
		Method:        http.MethodPost,
		Path:          "/teams/{team_id}/purchases",
		Summary:       "Buy an inn catalogue entry",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TeamID string          `path:"team_id"`
		Body   PurchaseRequest `json:"body"`
	}) (*struct {
		Body domain.InnPurchase `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if input.Body.NodeID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "node_id is required", nil)
		}
		p, err := e.PurchaseInnReward(ctx, input.TeamID, input.Body.NodeID, input.Body.OfferIndex)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.InnPurchase `json:"body"`
		}{Body: p}, nil
	})
}

func registerActivity(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/events/{event_id}/activity",
		Summary:     "Chronological activity log",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EventID  string `path:"event_id"`
		TeamID   string `query:"team_id"`
		Type     string `query:"type"`
		Limit    int    `query:"limit" minimum:"0" maximum:"500"`
		CursorID int64  `query:"cursor_id"`
		Desc     bool   `query:"desc"`
	}) (*struct {
		Body []domain.ActivityEntry `json:"body"`
	}, error) {
		if _, err := e.Repo.GetEvent(ctx, input.EventID); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Activity.Query(ctx, input.EventID, activity.Filters{
			TeamID:   input.TeamID,
			Type:     input.Type,
			Limit:    input.Limit,
			CursorID: input.CursorID,
			Desc:     input.Desc,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.ActivityEntry `json:"body"`
		}{Body: entries}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
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
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func signDevToken(secret, actorID string, roles []string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	claims := jwtClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actorID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(12 * time.Hour)),
		},
		Roles: roles,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
