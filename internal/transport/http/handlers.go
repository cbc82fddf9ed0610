// Package httptransport is the thin HTTP boundary of the engine. Handlers
// decode, delegate to the domain services, and translate domain errors;
// business rules live below.
package httptransport

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"shuttle/internal/consistency"
	"shuttle/internal/metadata"
	"shuttle/internal/mover"
	dErrors "shuttle/pkg/domain-errors"
	audit "shuttle/pkg/platform/audit"
	"shuttle/pkg/platform/httputil"
	"shuttle/pkg/requestcontext"
)

// MoverService is the transfer surface the handlers depend on.
type MoverService interface {
	Move(ctx context.Context, req mover.MoveRequest) (*mover.TransferResult, error)
	Seed(ctx context.Context, req mover.SeedRequest) (*metadata.ObjectRecord, error)
	Replicate(ctx context.Context, req mover.ReplicateRequest) (*metadata.ObjectRecord, error)
	DescribePolicy(ctx context.Context, objectID string) (metadata.PolicySnapshot, error)
}

// ConsistencyService is the audit-and-repair surface the handlers depend on.
type ConsistencyService interface {
	CheckObject(ctx context.Context, objectID string) (*consistency.Report, error)
	Resync(ctx context.Context, objectID string, opts consistency.ResyncOptions) (*consistency.ResyncResult, error)
	Status(ctx context.Context, objectID string) ([]consistency.ObjectStatus, error)
}

// KeyService rotates domain keys.
type KeyService interface {
	Rotate(domain, material string) (uint32, error)
}

type auditor interface {
	Emit(ctx context.Context, event audit.Event) error
}

type Handler struct {
	mover       MoverService
	consistency ConsistencyService
	keys        KeyService
	audit       auditor
	logger      *slog.Logger
}

func NewHandler(mv MoverService, cs ConsistencyService, keys KeyService, aud auditor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{mover: mv, consistency: cs, keys: keys, audit: aud, logger: logger}
}

// Register mounts the engine endpoints on the router.
func (h *Handler) Register(r chi.Router) {
	r.Post("/v1/objects/{objectID}/seed", h.HandleSeed)
	r.Post("/v1/objects/{objectID}/move", h.HandleMove)
	r.Post("/v1/objects/{objectID}/replicate", h.HandleReplicate)
	r.Get("/v1/objects/{objectID}/policy", h.HandlePolicy)
	r.Post("/v1/objects/{objectID}/check", h.HandleCheck)
	r.Post("/v1/objects/{objectID}/resync", h.HandleResync)
	r.Get("/v1/consistency/status", h.HandleStatus)
	r.Post("/v1/domains/{domain}/keys/rotate", h.HandleRotate)
}

type moveRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// HandleMove handles POST /v1/objects/{objectID}/move.
func (h *Handler) HandleMove(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	objectID := chi.URLParam(r, "objectID")
	start := time.Now()

	req, ok := httputil.Decode[moveRequest](w, r, h.logger)
	if !ok {
		return
	}
	result, err := h.mover.Move(ctx, mover.MoveRequest{
		ObjectID:    objectID,
		Source:      req.Source,
		Destination: req.Destination,
		Roles:       requestcontext.Roles(ctx),
	})
	if err != nil {
		h.logger.ErrorContext(ctx, "move rejected",
			"request_id", requestcontext.RequestID(ctx),
			"object_id", objectID,
			"error", err,
		)
		httputil.WriteError(w, err)
		return
	}
	h.logger.InfoContext(ctx, "move served",
		"request_id", requestcontext.RequestID(ctx),
		"object_id", objectID,
		"destination", req.Destination,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	httputil.WriteJSON(w, http.StatusOK, result)
}

type seedRequest struct {
	Domain string `json:"domain"`
	// Payload is the plaintext, base64-encoded for JSON transport.
	Payload string `json:"payload"`
}

// HandleSeed handles POST /v1/objects/{objectID}/seed.
func (h *Handler) HandleSeed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	objectID := chi.URLParam(r, "objectID")

	req, ok := httputil.Decode[seedRequest](w, r, h.logger)
	if !ok {
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Payload)
	if err != nil {
		httputil.WriteError(w, dErrors.New(dErrors.CodeBadRequest, "payload is not valid base64"))
		return
	}
	record, err := h.mover.Seed(ctx, mover.SeedRequest{
		ObjectID:  objectID,
		Domain:    req.Domain,
		Plaintext: plaintext,
		Roles:     requestcontext.Roles(ctx),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, record)
}

type replicateRequest struct {
	Destination string `json:"destination"`
}

// HandleReplicate handles POST /v1/objects/{objectID}/replicate.
func (h *Handler) HandleReplicate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	objectID := chi.URLParam(r, "objectID")

	req, ok := httputil.Decode[replicateRequest](w, r, h.logger)
	if !ok {
		return
	}
	record, err := h.mover.Replicate(ctx, mover.ReplicateRequest{
		ObjectID:    objectID,
		Destination: req.Destination,
		Roles:       requestcontext.Roles(ctx),
	})
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, record)
}

// HandlePolicy handles GET /v1/objects/{objectID}/policy.
func (h *Handler) HandlePolicy(w http.ResponseWriter, r *http.Request) {
	snapshot, err := h.mover.DescribePolicy(r.Context(), chi.URLParam(r, "objectID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, snapshot)
}

// HandleCheck handles POST /v1/objects/{objectID}/check.
func (h *Handler) HandleCheck(w http.ResponseWriter, r *http.Request) {
	report, err := h.consistency.CheckObject(r.Context(), chi.URLParam(r, "objectID"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, report)
}

type resyncRequest struct {
	SourceDomain string `json:"source_domain,omitempty"`
}

// HandleResync handles POST /v1/objects/{objectID}/resync. A resync that
// leaves replicas divergent reports the partial result alongside the error
// status so operators see what did repair.
func (h *Handler) HandleResync(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	objectID := chi.URLParam(r, "objectID")

	req, ok := httputil.Decode[resyncRequest](w, r, h.logger)
	if !ok {
		return
	}
	result, err := h.consistency.Resync(ctx, objectID, consistency.ResyncOptions{SourceDomain: req.SourceDomain})
	if err != nil {
		h.logger.WarnContext(ctx, "resync incomplete",
			"request_id", requestcontext.RequestID(ctx), "object_id", objectID, "error", err)
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, result)
}

// HandleStatus handles GET /v1/consistency/status with an optional object_id
// query parameter.
func (h *Handler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := h.consistency.Status(r.Context(), r.URL.Query().Get("object_id"))
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"objects": statuses})
}

type rotateRequest struct {
	Material string `json:"material"`
}

// HandleRotate handles POST /v1/domains/{domain}/keys/rotate.
func (h *Handler) HandleRotate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	domain := chi.URLParam(r, "domain")

	req, ok := httputil.Decode[rotateRequest](w, r, h.logger)
	if !ok {
		return
	}
	keyID, err := h.keys.Rotate(domain, req.Material)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	if h.audit != nil {
		if err := h.audit.Emit(ctx, audit.Event{Action: audit.ActionKeyRotated, Domain: domain}); err != nil {
			h.logger.ErrorContext(ctx, "emit audit event", "action", audit.ActionKeyRotated, "error", err)
		}
	}
	h.logger.InfoContext(ctx, "domain key rotated",
		"request_id", requestcontext.RequestID(ctx), "domain", domain, "key_id", keyID)
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"domain": domain, "key_id": keyID})
}
