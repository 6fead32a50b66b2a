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

	"vaultline/internal/dashboard"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Dashboard dashboard.Aggregator
	BasePath  string
	Auth      AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_claimed"`
	Message string         `json:"message" example:"Triaged/item-1: already claimed"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the vault API.
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

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Vaultline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerIntake(group, cfg.Engine)
	registerCollections(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerClaims(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerLedger(group, cfg.Engine)
	registerDashboard(group, cfg.Dashboard)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

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

// handleError maps the engine/store taxonomy onto HTTP statuses.
// Contention outcomes become 409s the caller recovers from locally;
// protocol errors become 422s that also land in the ledger.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ae *apiError
	if errors.As(err, &ae) {
		return ae
	}
	switch {
	case errors.Is(err, engine.ErrAlreadyClaimed):
		return newAPIError(http.StatusConflict, "already_claimed", err.Error(), nil)
	case errors.Is(err, store.ErrAlreadyExists):
		return newAPIError(http.StatusConflict, "already_exists", err.Error(), nil)
	case errors.Is(err, engine.ErrIllegalTransition):
		return newAPIError(http.StatusUnprocessableEntity, "illegal_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrExpired):
		return newAPIError(http.StatusGone, "expired", err.Error(), nil)
	case errors.Is(err, store.ErrMalformed):
		return newAPIError(http.StatusUnprocessableEntity, "malformed_record", err.Error(), nil)
	case errors.Is(err, store.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, dashboard.ErrNotWriter):
		return newAPIError(http.StatusForbidden, "not_writer", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") || strings.Contains(lowered, "not in catalog") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
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
    <title>Vaultline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Vault status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "item.read"); err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Counts(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Counts: counts}}, nil
	})
}

func registerIntake(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-intake",
		Method:        http.MethodPost,
		Path:          "/intake",
		Summary:       "Create a work item in Intake (idempotent)",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateIntakeRequest `json:"body"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "intake.write"); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.CreateItem(ctx, engine.CreateOptions{
			ID:       input.Body.ID,
			Kind:     input.Body.Kind,
			Priority: input.Body.Priority,
			Source:   input.Body.Source,
			Body:     input.Body.Body,
			Metadata: input.Body.Metadata,
			ActorID:  actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})
}

func registerCollections(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-collection",
		Method:      http.MethodGet,
		Path:        "/collections/{name}",
		Summary:     "List a state collection",
	}, func(ctx context.Context, input *struct {
		Name string `path:"name"`
	}) (*struct {
		Body CollectionResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "item.read"); err != nil {
			return nil, handleError(err)
		}
		if domain.StateFor(input.Name) == "" && input.Name != domain.CollectionQuarantine {
			return nil, newAPIError(http.StatusNotFound, "not_found", "unknown collection "+input.Name, nil)
		}
		recs, malformed, err := e.Store.List(ctx, input.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CollectionResponse `json:"body"`
		}{Body: CollectionResponse{Collection: input.Name, Items: recs, Malformed: malformed}}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Locate an item across collections",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ItemResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "item.read"); err != nil {
			return nil, handleError(err)
		}
		rec, collection, err := e.FindItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemResponse `json:"body"`
		}{Body: ItemResponse{Collection: collection, Record: rec}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/transition",
		Summary:     "Perform a state transition",
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "item.write"); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Transition(ctx, input.ID, input.Body.From, input.Body.To, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/resubmit",
		Summary:     "Resubmit a rejected item as a fresh Intake record",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "item.write"); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.Resubmit(ctx, input.ID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})
}

func registerClaims(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "claim-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/claim",
		Summary:     "Claim exclusive custody of an item",
	}, func(ctx context.Context, input *struct {
		ID   string       `path:"id"`
		Body ClaimRequest `json:"body"`
	}) (*struct {
		Body domain.Claim `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "item.write"); err != nil {
			return nil, handleError(err)
		}
		owner := input.Body.Owner
		if owner == "" {
			owner = actorIDFromContext(ctx)
		}
		claim, err := e.Claim(ctx, input.Body.State, input.ID, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Claim `json:"body"`
		}{Body: claim}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "release-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/release",
		Summary:     "Release a claim back to its origin collection",
	}, func(ctx context.Context, input *struct {
		ID   string `path:"id"`
		Body struct {
			Owner string `json:"owner,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "item.write"); err != nil {
			return nil, handleError(err)
		}
		owner := input.Body.Owner
		if owner == "" {
			owner = actorIDFromContext(ctx)
		}
		rec, err := e.Release(ctx, input.ID, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/complete",
		Summary:     "Finish a claim by moving the item onward",
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body CompleteRequest `json:"body"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "item.write"); err != nil {
			return nil, handleError(err)
		}
		owner := input.Body.Owner
		if owner == "" {
			owner = actorIDFromContext(ctx)
		}
		rec, err := e.Complete(ctx, input.ID, owner, input.Body.To, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reclaim-stale",
		Method:      http.MethodPost,
		Path:        "/claims/reclaim",
		Summary:     "Reclaim claims older than the configured TTL",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReclaimResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "item.write"); err != nil {
			return nil, handleError(err)
		}
		n, err := e.ReclaimStale(ctx, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReclaimResponse `json:"body"`
		}{Body: ReclaimResponse{Reclaimed: n}}, nil
	})
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Open a time-bounded approval request",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body CreateApprovalRequest `json:"body"`
	}) (*struct {
		Body domain.Record `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "approval.request"); err != nil {
			return nil, handleError(err)
		}
		rec, err := e.CreateApproval(ctx, engine.ApprovalOptions{
			ID:           input.Body.ID,
			Action:       input.Body.Action,
			To:           input.Body.To,
			LinkedItemID: input.Body.LinkedItemID,
			Priority:     input.Body.Priority,
			Source:       input.Body.Source,
			Body:         input.Body.Body,
			Metadata:     input.Body.Metadata,
			ActorID:      actorIDFromContext(ctx),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Record `json:"body"`
		}{Body: rec}, nil
	})

	decide := func(opID, pathSuffix, summary string, fn func(context.Context, string, string) (domain.Record, error)) {
		huma.Register(api, huma.Operation{
			OperationID: opID,
			Method:      http.MethodPost,
			Path:        "/approvals/{id}/" + pathSuffix,
			Summary:     summary,
		}, func(ctx context.Context, input *struct {
			ID string `path:"id"`
		}) (*struct {
			Body domain.Record `json:"body"`
		}, error) {
			if err := requirePermission(ctx, "approval.decide"); err != nil {
				return nil, handleError(err)
			}
			rec, err := fn(ctx, input.ID, actorIDFromContext(ctx))
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body domain.Record `json:"body"`
			}{Body: rec}, nil
		})
	}
	decide("approve-request", "approve", "Grant a pending approval", e.Approve)
	decide("reject-request", "reject", "Reject a pending approval", e.Reject)

	huma.Register(api, huma.Operation{
		OperationID: "check-executable",
		Method:      http.MethodPost,
		Path:        "/approvals/{id}/executable",
		Summary:     "Check whether an approval may still be executed",
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body VerdictResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "approval.check"); err != nil {
			return nil, handleError(err)
		}
		verdict, rec, err := e.CheckExecutable(ctx, input.ID, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body VerdictResponse `json:"body"`
		}{Body: VerdictResponse{Verdict: verdict, Record: rec}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-approvals",
		Method:      http.MethodPost,
		Path:        "/approvals/sweep",
		Summary:     "Expire all approval requests past their window",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "approval.check"); err != nil {
			return nil, handleError(err)
		}
		n, err := e.SweepExpired(ctx, actorIDFromContext(ctx))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Expired: n}}, nil
	})
}

func registerLedger(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-ledger-partitions",
		Method:      http.MethodGet,
		Path:        "/ledger",
		Summary:     "List ledger partitions",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body struct {
			Partitions []string `json:"partitions"`
		} `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "ledger.read"); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.Ledger.Partitions()
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Partitions []string `json:"partitions"`
			} `json:"body"`
		}{}
		out.Body.Partitions = keys
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-ledger-partition",
		Method:      http.MethodGet,
		Path:        "/ledger/{date}",
		Summary:     "Read one day's ledger entries",
	}, func(ctx context.Context, input *struct {
		Date string `path:"date" doc:"Partition key, YYYY-MM-DD"`
	}) (*struct {
		Body struct {
			Entries []domain.Entry `json:"entries"`
		} `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "ledger.read"); err != nil {
			return nil, handleError(err)
		}
		entries, err := e.Ledger.Read(input.Date)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Entries []domain.Entry `json:"entries"`
			} `json:"body"`
		}{}
		out.Body.Entries = entries
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "append-ledger",
		Method:        http.MethodPost,
		Path:          "/ledger",
		Summary:       "Report an action outcome to the audit ledger",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body LedgerAppendRequest `json:"body"`
	}) (*struct {
		Body domain.Entry `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "ledger.write"); err != nil {
			return nil, handleError(err)
		}
		if input.Body.ActionType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "action_type is required", nil)
		}
		entry := domain.Entry{
			ActionType:  input.Body.ActionType,
			Actor:       actorIDFromContext(ctx),
			Target:      input.Body.Target,
			Parameters:  input.Body.Parameters,
			Result:      input.Body.Result,
			ErrorDetail: input.Body.ErrorDetail,
		}
		if err := e.Ledger.Append(entry); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Entry `json:"body"`
		}{Body: entry}, nil
	})
}

func registerDashboard(api huma.API, agg dashboard.Aggregator) {
	huma.Register(api, huma.Operation{
		OperationID: "get-dashboard",
		Method:      http.MethodGet,
		Path:        "/dashboard",
		Summary:     "Build the dashboard snapshot",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "dashboard.read"); err != nil {
			return nil, handleError(err)
		}
		snap, err := agg.Build(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-dashboard-delta",
		Method:        http.MethodPost,
		Path:          "/dashboard/deltas",
		Summary:       "Submit a dashboard delta to the side channel",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *struct {
		Body DeltaRequest `json:"body"`
	}) (*struct {
		Body domain.Delta `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "dashboard.read"); err != nil {
			return nil, handleError(err)
		}
		d, err := agg.SubmitDelta(ctx, actorIDFromContext(ctx), input.Body.Fields)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Delta `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "write-dashboard",
		Method:      http.MethodPost,
		Path:        "/dashboard/write",
		Summary:     "Persist the authoritative snapshot (designated writer only)",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.Snapshot `json:"body"`
	}, error) {
		if err := requirePermission(ctx, "dashboard.write"); err != nil {
			return nil, handleError(err)
		}
		snap, err := agg.Build(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if err := agg.Write(ctx, actorIDFromContext(ctx), snap); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Snapshot `json:"body"`
		}{Body: snap}, nil
	})
}
