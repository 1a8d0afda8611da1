package summary

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/tallyops/tallyops/internal/platform/httpx"
	"github.com/tallyops/tallyops/internal/shared"
)

// Handler exposes the period summary endpoints.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers summary routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/summary", h.getSummary)
	r.Get("/summary/export.csv", h.exportCSV)
}

func (h *Handler) getSummary(w http.ResponseWriter, r *http.Request) {
	companyID, period, ok := h.queryParams(w, r)
	if !ok {
		return
	}
	result, err := h.service.GetSummary(r.Context(), companyID, period)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) exportCSV(w http.ResponseWriter, r *http.Request) {
	companyID, period, ok := h.queryParams(w, r)
	if !ok {
		return
	}
	result, err := h.service.GetSummary(r.Context(), companyID, period)
	if err != nil {
		h.respondError(w, r, err)
		return
	}

	filename := fmt.Sprintf("summary-%d-%s.csv", companyID, period.String())
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	if err := WriteCSV(w, result); err != nil {
		h.logger.Error("summary csv export failed", slog.Any("error", err))
	}
}

func (h *Handler) queryParams(w http.ResponseWriter, r *http.Request) (int64, shared.Period, bool) {
	q := r.URL.Query()
	companyID, err := strconv.ParseInt(q.Get("company_id"), 10, 64)
	if err != nil || companyID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "company_id is required")
		return 0, shared.Period{}, false
	}
	period, err := shared.ParsePeriod(q.Get("period"))
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return 0, shared.Period{}, false
	}
	return companyID, period, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, shared.ErrInvalidPeriod) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	h.logger.Error("summary request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	httpx.RespondError(w, err)
}
