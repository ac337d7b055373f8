package syncer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/ledgerbridge/ledgerbridge/internal/mirror"
	"github.com/ledgerbridge/ledgerbridge/internal/platform/httpx"
)

// ChecksPort reads persisted reconciliation verdicts.
type ChecksPort interface {
	LatestTrialBalanceCheck(ctx context.Context, tenantID int64) (*mirror.TrialBalanceCheck, error)
}

// HardStopPort reads the tenant hard-stop flag.
type HardStopPort interface {
	IsHardStopped(ctx context.Context, tenantID int64) (bool, error)
}

// Handler exposes the sync operations over HTTP.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	checks   ChecksPort
	hardStop HardStopPort
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, checks ChecksPort, hardStop HardStopPort) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		checks:   checks,
		hardStop: hardStop,
		validate: validator.New(),
	}
}

// MountRoutes registers sync routes under /tenants.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/tenants/{tenantID}", func(r chi.Router) {
		r.Post("/sync/backfill", h.runOp(h.service.Backfill))
		r.Post("/sync/incremental", h.runOp(h.service.Incremental))
		r.Post("/sync/reconcile", h.runOp(h.service.Reconcile))
		r.Post("/sync/bank-activity", h.runOp(h.service.SyncBankActivity))
		r.Post("/sync/entity/{entityType}", h.syncEntity)
		r.Get("/reconciliation/latest", h.latestReconciliation)
	})
}

func tenantID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "tenantID"), 10, 64)
	return id, err == nil && id > 0
}

func (h *Handler) runOp(op func(context.Context, int64) *Result) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tenant, ok := tenantID(r)
		if !ok {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tenant id")
			return
		}
		h.respondResult(w, op(r.Context(), tenant))
	}
}

type syncEntityParams struct {
	EntityType string `validate:"required,alpha"`
}

func (h *Handler) syncEntity(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tenant id")
		return
	}
	params := syncEntityParams{EntityType: chi.URLParam(r, "entityType")}
	if err := h.validate.Struct(params); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid entity type")
		return
	}
	h.respondResult(w, h.service.SyncEntity(r.Context(), tenant, params.EntityType))
}

func (h *Handler) respondResult(w http.ResponseWriter, res *Result) {
	switch res.Status {
	case StatusConflict:
		httpx.JSON(w, http.StatusConflict, res)
	default:
		httpx.JSON(w, http.StatusOK, res)
	}
}

type reconciliationView struct {
	TenantID      int64     `json:"tenant_id"`
	ExternalTotal string    `json:"external_total"`
	InternalTotal string    `json:"internal_total"`
	TotalDiff     string    `json:"total_diff"`
	ARDiff        string    `json:"ar_diff"`
	APDiff        string    `json:"ap_diff"`
	Balanced      bool      `json:"balanced"`
	HardStopped   bool      `json:"hard_stopped"`
	CheckedAt     time.Time `json:"checked_at"`
}

// latestReconciliation returns the most recent trial-balance verdict plus the
// live hard-stop flag. Collaborators poll this before posting downstream.
func (h *Handler) latestReconciliation(w http.ResponseWriter, r *http.Request) {
	tenant, ok := tenantID(r)
	if !ok {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid tenant id")
		return
	}

	check, err := h.checks.LatestTrialBalanceCheck(r.Context(), tenant)
	if err != nil {
		if !errors.Is(err, mirror.ErrNotFound) {
			h.logger.Error("latest reconciliation", slog.Any("error", err))
		}
		httpx.RespondError(w, err)
		return
	}

	stopped, err := h.hardStop.IsHardStopped(r.Context(), tenant)
	if err != nil {
		h.logger.Error("hard stop flag", slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
		return
	}

	httpx.JSON(w, http.StatusOK, reconciliationView{
		TenantID:      check.TenantID,
		ExternalTotal: check.ExternalTotal.StringFixed(2),
		InternalTotal: check.InternalTotal.StringFixed(2),
		TotalDiff:     check.TotalDiff.StringFixed(2),
		ARDiff:        check.ARDiff.StringFixed(2),
		APDiff:        check.APDiff.StringFixed(2),
		Balanced:      check.Balanced,
		HardStopped:   stopped,
		CheckedAt:     check.CheckedAt,
	})
}
