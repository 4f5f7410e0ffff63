package stock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/odyssey-wms/internal/platform/httpx"
)

// CountService books physical counts.
type CountService interface {
	Count(ctx context.Context, in CountInput) (AdjustResult, error)
}

// TransferService moves stock between warehouses.
type TransferService interface {
	Transfer(ctx context.Context, req TransferRequest, qty decimal.Decimal) (TransferResult, error)
}

// PickService executes FEFO picks.
type PickService interface {
	PickFEFO(ctx context.Context, req PickRequest, qty decimal.Decimal) (PickResult, error)
}

// ReconcileService reports divergences.
type ReconcileService interface {
	Reconcile(ctx context.Context, scope Scope) ([]Divergence, error)
}

// HistoryService lists ledger entries.
type HistoryService interface {
	History(ctx context.Context, filter HistoryFilter) ([]LedgerEntry, error)
}

// Handler exposes the stock operations as JSON endpoints.
type Handler struct {
	logger     *slog.Logger
	adjuster   Adjuster
	counter    CountService
	planner    Planner
	picker     PickService
	transferer TransferService
	reconciler ReconcileService
	history    HistoryService
	validator  *validator.Validate
}

// NewHandler constructs the stock handler.
func NewHandler(logger *slog.Logger, adjuster Adjuster, counter CountService, planner Planner, picker PickService, transferer TransferService, reconciler ReconcileService, history HistoryService) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:     logger,
		adjuster:   adjuster,
		counter:    counter,
		planner:    planner,
		picker:     picker,
		transferer: transferer,
		reconciler: reconciler,
		history:    history,
		validator:  validator.New(),
	}
}

// MountRoutes registers stock routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/adjustments", h.handleAdjust)
	r.Post("/plans", h.handlePlan)
	r.Post("/picks", h.handlePick)
	r.Post("/counts", h.handleCount)
	r.Post("/transfers", h.handleTransfer)
	r.Get("/history", h.handleHistory)
	r.Get("/reconcile", h.handleReconcile)
}

type batchRequest struct {
	ProductionDate string `json:"production_date" validate:"omitempty,datetime=2006-01-02"`
	ExpiryDate     string `json:"expiry_date" validate:"omitempty,datetime=2006-01-02"`
	ShelfLifeDays  *int   `json:"shelf_life_days" validate:"omitempty,gte=0"`
}

type adjustRequest struct {
	WarehouseID    int64           `json:"warehouse_id" validate:"required,gt=0"`
	ItemID         int64           `json:"item_id" validate:"required,gt=0"`
	BatchCode      string          `json:"batch_code" validate:"max=64"`
	Delta          decimal.Decimal `json:"delta"`
	Reason         string          `json:"reason" validate:"required"`
	Reference      string          `json:"reference" validate:"required,max=128"`
	ReferenceLine  string          `json:"reference_line" validate:"max=64"`
	AllowOverdraft bool            `json:"allow_overdraft"`
	OccurredAt     *time.Time      `json:"occurred_at"`
	TraceID        string          `json:"trace_id" validate:"max=64"`
	ActorID        int64           `json:"actor_id"`
	Batch          *batchRequest   `json:"batch"`
}

type adjustResponse struct {
	Status        Status          `json:"status"`
	AfterQuantity decimal.Decimal `json:"after_quantity"`
	EntryID       int64           `json:"entry_id"`
	TraceID       string          `json:"trace_id,omitempty"`
}

type planRequest struct {
	WarehouseID  int64           `json:"warehouse_id" validate:"required,gt=0"`
	ItemID       int64           `json:"item_id" validate:"required,gt=0"`
	Quantity     decimal.Decimal `json:"quantity"`
	AllowExpired bool            `json:"allow_expired"`
	TieBreak     string          `json:"tie_break" validate:"omitempty,oneof=batch_code balance_id"`
}

type allocationLineResponse struct {
	BatchCode  string          `json:"batch_code"`
	Quantity   decimal.Decimal `json:"quantity"`
	ExpiryDate string          `json:"expiry_date,omitempty"`
}

type planResponse struct {
	Lines        []allocationLineResponse `json:"lines"`
	Required     decimal.Decimal          `json:"required"`
	Allocated    decimal.Decimal          `json:"allocated"`
	Shortfall    decimal.Decimal          `json:"shortfall"`
	Insufficient bool                     `json:"insufficient"`
}

type pickRequest struct {
	WarehouseID  int64           `json:"warehouse_id" validate:"required,gt=0"`
	ItemID       int64           `json:"item_id" validate:"required,gt=0"`
	Quantity     decimal.Decimal `json:"quantity"`
	Reason       string          `json:"reason"`
	Reference    string          `json:"reference" validate:"required,max=128"`
	StartLine    int             `json:"start_line" validate:"gte=0"`
	AllowPartial bool            `json:"allow_partial"`
	AllowExpired bool            `json:"allow_expired"`
	ActorID      int64           `json:"actor_id"`
}

type pickLineResponse struct {
	BatchCode     string          `json:"batch_code"`
	Quantity      decimal.Decimal `json:"quantity"`
	ReferenceLine string          `json:"reference_line"`
	Status        Status          `json:"status"`
	AfterQuantity decimal.Decimal `json:"after_quantity"`
}

type pickResponse struct {
	Lines     []pickLineResponse `json:"lines"`
	Requested decimal.Decimal    `json:"requested"`
	Picked    decimal.Decimal    `json:"picked"`
	Shortfall decimal.Decimal    `json:"shortfall"`
	Replans   int                `json:"replans"`
}

type countRequest struct {
	WarehouseID   int64           `json:"warehouse_id" validate:"required,gt=0"`
	ItemID        int64           `json:"item_id" validate:"required,gt=0"`
	BatchCode     string          `json:"batch_code" validate:"max=64"`
	Actual        decimal.Decimal `json:"actual"`
	Reference     string          `json:"reference" validate:"required,max=128"`
	ReferenceLine string          `json:"reference_line" validate:"max=64"`
	ActorID       int64           `json:"actor_id"`
}

type transferRequest struct {
	ItemID          int64           `json:"item_id" validate:"required,gt=0"`
	FromWarehouseID int64           `json:"from_warehouse_id" validate:"required,gt=0"`
	ToWarehouseID   int64           `json:"to_warehouse_id" validate:"required,gt=0,nefield=FromWarehouseID"`
	Quantity        decimal.Decimal `json:"quantity"`
	Reference       string          `json:"reference" validate:"required,max=128"`
	StartLine       int             `json:"start_line" validate:"gte=0"`
	AllowPartial    bool            `json:"allow_partial"`
	AllowExpired    bool            `json:"allow_expired"`
	ActorID         int64           `json:"actor_id"`
}

type transferLineResponse struct {
	BatchCode        string          `json:"batch_code"`
	Quantity         decimal.Decimal `json:"quantity"`
	ReferenceLine    string          `json:"reference_line"`
	Status           Status          `json:"status"`
	SourceAfter      decimal.Decimal `json:"source_after"`
	DestinationAfter decimal.Decimal `json:"destination_after"`
}

type transferResponse struct {
	Lines     []transferLineResponse `json:"lines"`
	Requested decimal.Decimal        `json:"requested"`
	Moved     decimal.Decimal        `json:"moved"`
	Shortfall decimal.Decimal        `json:"shortfall"`
	Replans   int                    `json:"replans"`
}

type ledgerEntryResponse struct {
	ID            int64           `json:"id"`
	Reason        Reason          `json:"reason"`
	Delta         decimal.Decimal `json:"delta"`
	AfterQuantity decimal.Decimal `json:"after_quantity"`
	Reference     string          `json:"reference"`
	ReferenceLine string          `json:"reference_line"`
	TraceID       string          `json:"trace_id,omitempty"`
	OccurredAt    time.Time       `json:"occurred_at"`
}

type divergenceResponse struct {
	Kind        DivergenceKind  `json:"kind"`
	WarehouseID int64           `json:"warehouse_id"`
	ItemID      int64           `json:"item_id"`
	BatchCode   string          `json:"batch_code"`
	LedgerSum   decimal.Decimal `json:"ledger_sum"`
	BalanceQty  decimal.Decimal `json:"balance_qty"`
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustRequest
	if !h.decode(w, r, &req) {
		return
	}
	reason, err := ParseReason(req.Reason)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	in := AdjustInput{
		Key:            Key{WarehouseID: req.WarehouseID, ItemID: req.ItemID, BatchCode: req.BatchCode},
		Delta:          req.Delta,
		Reason:         reason,
		Reference:      req.Reference,
		ReferenceLine:  req.ReferenceLine,
		AllowOverdraft: req.AllowOverdraft,
		TraceID:        req.TraceID,
		ActorID:        req.ActorID,
	}
	if req.OccurredAt != nil {
		in.OccurredAt = req.OccurredAt.UTC()
	}
	if req.Batch != nil {
		batch, err := req.Batch.toInput()
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		in.Batch = &batch
	}
	res, err := h.adjuster.Adjust(r.Context(), in)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, adjustResponse{
		Status:        res.Status,
		AfterQuantity: res.AfterQuantity,
		EntryID:       res.Entry.ID,
		TraceID:       res.Entry.TraceID,
	})
}

func (h *Handler) handlePlan(w http.ResponseWriter, r *http.Request) {
	var req planRequest
	if !h.decode(w, r, &req) {
		return
	}
	tieBreak, err := ParseTieBreak(req.TieBreak)
	if err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	plan, err := h.planner.Plan(r.Context(), req.WarehouseID, req.ItemID, req.Quantity,
		PlanOptions{AllowExpired: req.AllowExpired, TieBreak: tieBreak})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := planResponse{
		Lines:        make([]allocationLineResponse, 0, len(plan.Lines)),
		Required:     plan.Required,
		Allocated:    plan.Allocated,
		Shortfall:    plan.Shortfall,
		Insufficient: plan.Insufficient,
	}
	for _, line := range plan.Lines {
		item := allocationLineResponse{BatchCode: line.BatchCode, Quantity: line.Quantity}
		if line.ExpiryDate != nil {
			item.ExpiryDate = line.ExpiryDate.Format(time.DateOnly)
		}
		resp.Lines = append(resp.Lines, item)
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handlePick(w http.ResponseWriter, r *http.Request) {
	var req pickRequest
	if !h.decode(w, r, &req) {
		return
	}
	var reason Reason
	if req.Reason != "" {
		parsed, err := ParseReason(req.Reason)
		if err != nil {
			h.respondError(w, r, err)
			return
		}
		reason = parsed
	}
	res, err := h.picker.PickFEFO(r.Context(), PickRequest{
		WarehouseID:  req.WarehouseID,
		ItemID:       req.ItemID,
		Reason:       reason,
		Reference:    req.Reference,
		StartLine:    req.StartLine,
		AllowPartial: req.AllowPartial,
		ActorID:      req.ActorID,
		Options:      PlanOptions{AllowExpired: req.AllowExpired},
	}, req.Quantity)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := pickResponse{
		Lines:     make([]pickLineResponse, 0, len(res.Lines)),
		Requested: res.Requested,
		Picked:    res.Picked,
		Shortfall: res.Shortfall,
		Replans:   res.Replans,
	}
	for _, line := range res.Lines {
		resp.Lines = append(resp.Lines, pickLineResponse(line))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCount(w http.ResponseWriter, r *http.Request) {
	var req countRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.counter.Count(r.Context(), CountInput{
		Key:           Key{WarehouseID: req.WarehouseID, ItemID: req.ItemID, BatchCode: req.BatchCode},
		Actual:        req.Actual,
		Reference:     req.Reference,
		ReferenceLine: req.ReferenceLine,
		ActorID:       req.ActorID,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{
		"status":         res.Status,
		"after_quantity": res.AfterQuantity,
		"delta":          res.Entry.Delta,
		"entry_id":       res.Entry.ID,
	})
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	res, err := h.transferer.Transfer(r.Context(), TransferRequest{
		ItemID:          req.ItemID,
		FromWarehouseID: req.FromWarehouseID,
		ToWarehouseID:   req.ToWarehouseID,
		Reference:       req.Reference,
		StartLine:       req.StartLine,
		AllowPartial:    req.AllowPartial,
		ActorID:         req.ActorID,
		Options:         PlanOptions{AllowExpired: req.AllowExpired},
	}, req.Quantity)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := transferResponse{
		Lines:     make([]transferLineResponse, 0, len(res.Lines)),
		Requested: res.Requested,
		Moved:     res.Moved,
		Shortfall: res.Shortfall,
		Replans:   res.Replans,
	}
	for _, line := range res.Lines {
		resp.Lines = append(resp.Lines, transferLineResponse(line))
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	warehouseID, err1 := parseID(q.Get("warehouse_id"))
	itemID, err2 := parseID(q.Get("item_id"))
	if err := errors.Join(err1, err2); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return
	}
	filter := HistoryFilter{Key: Key{WarehouseID: warehouseID, ItemID: itemID, BatchCode: q.Get("batch_code")}}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			httpx.RespondError(w, fmt.Errorf("%w: invalid limit", httpx.ErrValidation))
			return
		}
		filter.Limit = n
	}
	entries, err := h.history.History(r.Context(), filter)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := make([]ledgerEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, ledgerEntryResponse{
			ID:            e.ID,
			Reason:        e.Reason,
			Delta:         e.Delta,
			AfterQuantity: e.AfterQuantity,
			Reference:     e.Reference,
			ReferenceLine: e.ReferenceLine,
			TraceID:       e.TraceID,
			OccurredAt:    e.OccurredAt,
		})
	}
	httpx.JSON(w, http.StatusOK, resp)
}

func (h *Handler) handleReconcile(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var scope Scope
	var err error
	if v := q.Get("warehouse_id"); v != "" {
		if scope.WarehouseID, err = parseID(v); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
	}
	if v := q.Get("item_id"); v != "" {
		if scope.ItemID, err = parseID(v); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
			return
		}
	}
	if v := q.Get("snapshot_date"); v != "" {
		if scope.SnapshotDate, err = time.Parse(time.DateOnly, v); err != nil {
			httpx.RespondError(w, fmt.Errorf("%w: invalid snapshot_date", httpx.ErrValidation))
			return
		}
	}
	divergences, err := h.reconciler.Reconcile(r.Context(), scope)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	resp := make([]divergenceResponse, 0, len(divergences))
	for _, d := range divergences {
		resp = append(resp, divergenceResponse{
			Kind:        d.Kind,
			WarehouseID: d.Key.WarehouseID,
			ItemID:      d.Key.ItemID,
			BatchCode:   d.Key.BatchCode,
			LedgerSum:   d.LedgerSum,
			BalanceQty:  d.BalanceQty,
		})
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"divergences": resp, "consistent": len(resp) == 0})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: malformed body: %v", httpx.ErrValidation, err))
		return false
	}
	if err := h.validator.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			err = fmt.Errorf("%s failed %s", fe.Field(), fe.Tag())
		}
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
		return false
	}
	return true
}

// respondError maps stock errors onto problem responses.
func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	var insufficient *InsufficientStockError
	switch {
	case errors.As(err, &insufficient):
		httpx.ProblemWith(w, http.StatusConflict, "Insufficient Stock", err.Error(), map[string]any{
			"current":   insufficient.Current,
			"shortfall": insufficient.Shortfall(),
		})
	case errors.Is(err, ErrInsufficientStock):
		httpx.Problem(w, http.StatusConflict, "Insufficient Stock", err.Error())
	case errors.Is(err, ErrContention):
		w.Header().Set("Retry-After", "1")
		httpx.Problem(w, http.StatusServiceUnavailable, "Contention", err.Error())
	case errors.Is(err, ErrReferenceConflict):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrDuplicate, err))
	case errors.Is(err, ErrEntryNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
	case IsClientError(err):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	default:
		h.logger.Error("stock request failed",
			slog.String("path", r.URL.Path),
			slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

func (b batchRequest) toInput() (BatchInput, error) {
	var in BatchInput
	if b.ProductionDate != "" {
		d, err := time.Parse(time.DateOnly, b.ProductionDate)
		if err != nil {
			return BatchInput{}, fmt.Errorf("%w: production_date: %v", ErrInvalidBatchDates, err)
		}
		in.ProductionDate = &d
	}
	if b.ExpiryDate != "" {
		d, err := time.Parse(time.DateOnly, b.ExpiryDate)
		if err != nil {
			return BatchInput{}, fmt.Errorf("%w: expiry_date: %v", ErrInvalidBatchDates, err)
		}
		in.ExpiryDate = &d
	}
	in.ShelfLifeDays = b.ShelfLifeDays
	return in, nil
}

func parseID(v string) (int64, error) {
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", v)
	}
	return id, nil
}
