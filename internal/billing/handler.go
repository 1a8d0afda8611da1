package billing

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/tallyops/tallyops/internal/platform/httpx"
	"github.com/tallyops/tallyops/internal/shared"
)

// Handler exposes the billing JSON API.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{
		logger:   logger,
		service:  service,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// MountRoutes registers billing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/bills", func(r chi.Router) {
		r.Get("/", h.listBills)
		r.Post("/", h.createBill)
		r.Post("/batch-propose", h.proposeBills)
		r.Post("/batch-commit", h.commitBills)
		r.Get("/{id}", h.getBill)
		r.Patch("/{id}", h.updateBill)
		r.Delete("/{id}", h.deleteBill)
		r.Post("/{id}/settle-full", h.settleFull)
	})
	r.Route("/payments", func(r chi.Router) {
		r.Post("/", h.recordPayment)
		r.Patch("/{id}", h.editPayment)
		r.Delete("/{id}", h.deletePayment)
	})
	r.Post("/entities/{id}/settle-full", h.settleEntity)
}

type createBillRequest struct {
	CompanyID int64  `json:"company_id" validate:"required,gt=0"`
	EntityID  *int64 `json:"entity_id" validate:"omitempty,gt=0"`
	Period    string `json:"period" validate:"required"`
	Amount    int64  `json:"amount" validate:"gte=0"`
	DueDate   string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Memo      string `json:"memo" validate:"max=500"`
	ActorID   int64  `json:"actor_id"`
}

func (h *Handler) createBill(w http.ResponseWriter, r *http.Request) {
	var req createBillRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	period, err := shared.ParsePeriod(req.Period)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var dueDate time.Time
	if req.DueDate != "" {
		dueDate, err = time.Parse("2006-01-02", req.DueDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "due_date must be YYYY-MM-DD")
			return
		}
	}

	bill, err := h.service.CreateBill(r.Context(), CreateBillInput{
		CompanyID: req.CompanyID,
		EntityID:  req.EntityID,
		Period:    period,
		Amount:    req.Amount,
		DueDate:   dueDate,
		Memo:      req.Memo,
		ActorID:   req.ActorID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, bill)
}

func (h *Handler) getBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	bill, err := h.service.GetBill(r.Context(), id)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bill)
}

func (h *Handler) listBills(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	companyID, err := strconv.ParseInt(q.Get("company_id"), 10, 64)
	if err != nil || companyID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "company_id is required")
		return
	}
	entityID, _ := strconv.ParseInt(q.Get("entity_id"), 10, 64)
	page, _ := strconv.Atoi(q.Get("page"))
	perPage, _ := strconv.Atoi(q.Get("per_page"))
	pagination := shared.NewPagination(page, perPage, 0)

	bills, total, err := h.service.ListBills(r.Context(), ListBillsRequest{
		CompanyID: companyID,
		Period:    q.Get("period"),
		Status:    BillStatus(q.Get("status")),
		EntityID:  entityID,
		Page:      pagination.Page,
		PerPage:   pagination.PerPage,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"bills":    bills,
		"total":    total,
		"page":     pagination.Page,
		"per_page": pagination.PerPage,
	})
}

type updateBillRequest struct {
	Amount  *int64  `json:"amount" validate:"omitempty,gte=0"`
	DueDate *string `json:"due_date" validate:"omitempty,datetime=2006-01-02"`
	Memo    *string `json:"memo" validate:"omitempty,max=500"`
	ActorID int64   `json:"actor_id"`
}

func (h *Handler) updateBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req updateBillRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := UpdateBillInput{BillID: id, Amount: req.Amount, Memo: req.Memo, ActorID: req.ActorID}
	if req.DueDate != nil {
		due, err := time.Parse("2006-01-02", *req.DueDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "due_date must be YYYY-MM-DD")
			return
		}
		input.DueDate = &due
	}

	bill, err := h.service.UpdateBill(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, bill)
}

func (h *Handler) deleteBill(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	if err := h.service.DeleteBill(r.Context(), id); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type recordPaymentRequest struct {
	BillID     int64  `json:"bill_id" validate:"required,gt=0"`
	Amount     int64  `json:"amount" validate:"required,gt=0"`
	ReceivedAt string `json:"received_at" validate:"omitempty,datetime=2006-01-02"`
	Memo       string `json:"memo" validate:"max=500"`
	ActorID    int64  `json:"actor_id"`
}

func (h *Handler) recordPayment(w http.ResponseWriter, r *http.Request) {
	var req recordPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	var receivedAt time.Time
	if req.ReceivedAt != "" {
		parsed, err := time.Parse("2006-01-02", req.ReceivedAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "received_at must be YYYY-MM-DD")
			return
		}
		receivedAt = parsed
	}

	payment, err := h.service.RecordPayment(r.Context(), RecordPaymentInput{
		BillID:     req.BillID,
		Amount:     req.Amount,
		ReceivedAt: receivedAt,
		Memo:       req.Memo,
		ActorID:    req.ActorID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

type settleRequest struct {
	AsOf    string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
	ActorID int64  `json:"actor_id"`
}

func (r settleRequest) asOf() (time.Time, error) {
	if r.AsOf == "" {
		return time.Time{}, nil
	}
	return time.Parse("2006-01-02", r.AsOf)
}

func (h *Handler) settleFull(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	// Body is optional; an omitted as_of settles as of now.
	var req settleRequest
	_ = httpx.DecodeJSON(r, &req)
	asOf, err := req.asOf()
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
		return
	}

	payment, err := h.service.SettleFull(r.Context(), id, asOf, req.ActorID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, payment)
}

type settleEntityRequest struct {
	CompanyID int64  `json:"company_id" validate:"required,gt=0"`
	Period    string `json:"period" validate:"required"`
	AsOf      string `json:"as_of" validate:"omitempty,datetime=2006-01-02"`
	ActorID   int64  `json:"actor_id"`
}

func (h *Handler) settleEntity(w http.ResponseWriter, r *http.Request) {
	entityID, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req settleEntityRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	period, err := shared.ParsePeriod(req.Period)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	var asOf time.Time
	if req.AsOf != "" {
		asOf, err = time.Parse("2006-01-02", req.AsOf)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "as_of must be YYYY-MM-DD")
			return
		}
	}

	outcomes, err := h.service.SettleFullForEntity(r.Context(), req.CompanyID, entityID, period, asOf, req.ActorID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"outcomes": outcomes})
}

type editPaymentRequest struct {
	Amount     *int64  `json:"amount" validate:"omitempty,gt=0"`
	ReceivedAt *string `json:"received_at" validate:"omitempty,datetime=2006-01-02"`
	Memo       *string `json:"memo" validate:"omitempty,max=500"`
	ActorID    int64   `json:"actor_id"`
}

func (h *Handler) editPayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req editPaymentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	input := EditPaymentInput{PaymentID: id, Amount: req.Amount, Memo: req.Memo, ActorID: req.ActorID}
	if req.ReceivedAt != nil {
		received, err := time.Parse("2006-01-02", *req.ReceivedAt)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "received_at must be YYYY-MM-DD")
			return
		}
		input.ReceivedAt = &received
	}

	payment, err := h.service.EditPayment(r.Context(), input)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, payment)
}

func (h *Handler) deletePayment(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req settleRequest
	_ = httpx.DecodeJSON(r, &req)

	if err := h.service.DeletePayment(r.Context(), id, req.ActorID); err != nil {
		h.respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rosterEntryRequest struct {
	EntityID        int64  `json:"entity_id" validate:"required,gt=0"`
	RecurringAmount *int64 `json:"recurring_amount" validate:"omitempty,gte=0"`
	CycleDay        int    `json:"cycle_day" validate:"required,min=1,max=31"`
}

type proposeBillsRequest struct {
	CompanyID int64                `json:"company_id" validate:"required,gt=0"`
	Period    string               `json:"period" validate:"required"`
	Roster    []rosterEntryRequest `json:"roster" validate:"required,min=1,dive"`
}

func (h *Handler) proposeBills(w http.ResponseWriter, r *http.Request) {
	var req proposeBillsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	period, err := shared.ParsePeriod(req.Period)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	roster := make([]RosterEntry, 0, len(req.Roster))
	for _, entry := range req.Roster {
		roster = append(roster, RosterEntry{
			EntityID:        entry.EntityID,
			RecurringAmount: entry.RecurringAmount,
			CycleDay:        entry.CycleDay,
		})
	}

	proposals, err := h.service.ProposeBills(r.Context(), req.CompanyID, period, roster)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"proposals": proposals})
}

type commitEntryRequest struct {
	EntityID int64  `json:"entity_id" validate:"required,gt=0"`
	Amount   int64  `json:"amount" validate:"gte=0"`
	DueDate  string `json:"due_date" validate:"required,datetime=2006-01-02"`
	Memo     string `json:"memo" validate:"max=500"`
}

type commitBillsRequest struct {
	CompanyID      int64                `json:"company_id" validate:"required,gt=0"`
	Period         string               `json:"period" validate:"required"`
	Entries        []commitEntryRequest `json:"entries" validate:"required,min=1,dive"`
	RequireNonZero bool                 `json:"require_non_zero"`
	IdempotencyKey string               `json:"idempotency_key" validate:"omitempty,max=128"`
	ActorID        int64                `json:"actor_id"`
}

func (h *Handler) commitBills(w http.ResponseWriter, r *http.Request) {
	var req commitBillsRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Body", err.Error())
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	period, err := shared.ParsePeriod(req.Period)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}

	entries := make([]CommitEntry, 0, len(req.Entries))
	for _, entry := range req.Entries {
		due, err := time.Parse("2006-01-02", entry.DueDate)
		if err != nil {
			httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "due_date must be YYYY-MM-DD")
			return
		}
		entries = append(entries, CommitEntry{
			EntityID: entry.EntityID,
			Amount:   entry.Amount,
			DueDate:  due,
			Memo:     entry.Memo,
		})
	}

	key := req.IdempotencyKey
	if key == "" {
		key = r.Header.Get("Idempotency-Key")
	}

	result, err := h.service.CommitBills(r.Context(), CommitBillsInput{
		CompanyID:      req.CompanyID,
		Period:         period,
		Entries:        entries,
		RequireNonZero: req.RequireNonZero,
		IdempotencyKey: key,
		ActorID:        req.ActorID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "id must be a positive integer")
		return 0, false
	}
	return id, true
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrBillNotFound), errors.Is(err, ErrPaymentNotFound), errors.Is(err, ErrEntityNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, ErrOverAllocation), errors.Is(err, ErrNothingToSettle), errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrNegativeAmount), errors.Is(err, ErrPeriodRequired),
		errors.Is(err, ErrDuplicateRoster), errors.Is(err, shared.ErrInvalidPeriod), errors.Is(err, shared.ErrInvalidCycleDay):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	default:
		h.logger.Error("billing request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}
