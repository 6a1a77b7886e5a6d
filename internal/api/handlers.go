/**
 * @description
 * HTTP handlers for the commission simulator and conversion tracking.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/scoutlink/referral-service/internal/app"
	"github.com/scoutlink/referral-service/internal/domain"
	"github.com/scoutlink/referral-service/internal/money"
	"github.com/scoutlink/referral-service/internal/store"
)

const maxBodyBytes = 1 << 20

// ReferralService is the application surface the handlers call.
type ReferralService interface {
	ResolveActor(ctx context.Context, clerkUserID string) (domain.Actor, error)
	DefaultScoutSharePercent() float64
	Calculate(input domain.CommissionInput) (domain.CommissionResult, error)
	CompareShops(ctx context.Context, req app.CompareRequest) (domain.ShopComparison, error)
	RateSweep(input domain.CommissionInput, rates []float64) ([]domain.RateComparison, error)
	CreateConversion(ctx context.Context, in app.NewConversion) (*domain.Conversion, error)
	GetConversion(ctx context.Context, id string, actor domain.Actor) (*domain.Conversion, error)
	ListConversions(ctx context.Context, actor domain.Actor, filter store.ConversionFilter) ([]domain.Conversion, error)
	NextStatus(ctx context.Context, id string, actor domain.Actor) (*app.NextStatusView, error)
	Advance(ctx context.Context, req app.AdvanceRequest, actor domain.Actor) (*app.AdvanceResult, error)
	UpdateMemo(ctx context.Context, id string, memo *string, actor domain.Actor) (*domain.Conversion, error)
	AdjustPayout(ctx context.Context, id string, amount int64, sharePercent float64, actor domain.Actor) (*domain.Conversion, error)
	MarkPaid(ctx context.Context, id string, actor domain.Actor) (*domain.Conversion, error)
	MarkUnpaid(ctx context.Context, id string, actor domain.Actor) (*domain.Conversion, error)
	BulkMarkPaid(ctx context.Context, ids []string, actor domain.Actor) (*app.BulkResult, error)
	RunUnpaidPayoutDigest(ctx context.Context) (*app.DigestResult, error)
}

// Handler holds the application service that handlers will interact with.
type Handler struct {
	service  ReferralService
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a new Handler with the given service.
func NewHandler(service ReferralService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	validate := validator.New()
	validate.RegisterTagNameFunc(func(field reflect.StructField) string {
		if field.Anonymous {
			return embeddedSegment
		}
		name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{service: service, validate: validate, logger: logger}
}

type calculateRequest struct {
	EstimatedSales     int64    `json:"estimated_sales" validate:"gte=0"`
	CommissionBaseType string   `json:"commission_base_type" validate:"required,oneof=percentage_of_sales percentage_of_salary fixed_amount"`
	CommissionRate     float64  `json:"commission_rate" validate:"gte=0"`
	ScoutSharePercent  *float64 `json:"scout_share_percent" validate:"omitempty,gte=0,lte=100"`
	PaymentCycle       string   `json:"payment_cycle" validate:"omitempty,oneof=monthly bimonthly"`
}

func (r calculateRequest) input(defaultShare float64) domain.CommissionInput {
	share := defaultShare
	if r.ScoutSharePercent != nil {
		share = *r.ScoutSharePercent
	}
	cycle := domain.PaymentCycle(r.PaymentCycle)
	if cycle == "" {
		cycle = domain.CycleMonthly
	}
	return domain.CommissionInput{
		EstimatedSales:     r.EstimatedSales,
		CommissionBaseType: domain.CommissionBaseType(r.CommissionBaseType),
		CommissionRate:     r.CommissionRate,
		ScoutSharePercent:  share,
		PaymentCycle:       cycle,
	}
}

type calculateResponse struct {
	domain.CommissionResult
	Display map[string]string `json:"display"`
}

func newCalculateResponse(result domain.CommissionResult) calculateResponse {
	return calculateResponse{
		CommissionResult: result,
		Display: map[string]string{
			"pool_amount":         money.FormatYen(result.PoolAmount),
			"scout_income":        money.FormatYen(result.ScoutIncome),
			"organization_income": money.FormatYen(result.OrganizationIncome),
			"per_payment_amount":  money.FormatYen(result.PerPaymentAmount),
			"annual_estimate":     money.FormatYen(result.AnnualEstimate),
		},
	}
}

func (h *Handler) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	result, err := h.service.Calculate(req.input(h.service.DefaultScoutSharePercent()))
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, newCalculateResponse(result))
}

type shopRateRequest struct {
	ShopID             string  `json:"shop_id" validate:"required"`
	ShopName           string  `json:"shop_name"`
	CommissionBaseType string  `json:"commission_base_type" validate:"required,oneof=percentage_of_sales percentage_of_salary fixed_amount"`
	CommissionRate     float64 `json:"commission_rate" validate:"gte=0"`
}

type compareRequest struct {
	EstimatedSales    int64             `json:"estimated_sales" validate:"gte=0"`
	ScoutSharePercent *float64          `json:"scout_share_percent" validate:"omitempty,gte=0,lte=100"`
	ShopIDs           []string          `json:"shop_ids" validate:"omitempty,max=50,dive,required"`
	Shops             []shopRateRequest `json:"shops" validate:"omitempty,max=50,dive"`
}

func (h *Handler) handleCompareShops(w http.ResponseWriter, r *http.Request) {
	var req compareRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	shops := make([]domain.ShopRate, 0, len(req.Shops))
	for _, s := range req.Shops {
		shops = append(shops, domain.ShopRate{
			ShopID:             s.ShopID,
			ShopName:           s.ShopName,
			CommissionBaseType: domain.CommissionBaseType(s.CommissionBaseType),
			CommissionRate:     s.CommissionRate,
		})
	}

	comparison, err := h.service.CompareShops(r.Context(), app.CompareRequest{
		EstimatedSales:    req.EstimatedSales,
		ScoutSharePercent: req.ScoutSharePercent,
		ShopIDs:           req.ShopIDs,
		Shops:             shops,
	})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if comparison.Results == nil {
		comparison.Results = []domain.ShopResult{}
	}
	respondWithJSON(w, http.StatusOK, comparison)
}

type sweepRequest struct {
	calculateRequest
	Rates []float64 `json:"rates" validate:"required,min=1,max=100,dive,gte=0"`
}

func (h *Handler) handleRateSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	rows, err := h.service.RateSweep(req.input(h.service.DefaultScoutSharePercent()), req.Rates)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"rows": rows})
}

func (h *Handler) handleListConversions(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	filter, err := parseConversionFilter(r)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	conversions, err := h.service.ListConversions(r.Context(), actor, filter)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	if conversions == nil {
		conversions = []domain.Conversion{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"conversions": conversions})
}

func parseConversionFilter(r *http.Request) (store.ConversionFilter, error) {
	var filter store.ConversionFilter
	q := r.URL.Query()

	if v := strings.TrimSpace(q.Get("owner_scout_id")); v != "" {
		filter.OwnerScoutID = &v
	}
	if v := strings.TrimSpace(q.Get("status")); v != "" {
		status := domain.Status(v)
		filter.Status = &status
	}
	if v := strings.TrimSpace(q.Get("link_type")); v != "" {
		linkType := domain.LinkType(v)
		if !linkType.Valid() {
			return filter, domain.NewInputError("link_type", fmt.Sprintf("unknown value %q", v))
		}
		filter.LinkType = &linkType
	}
	if v := strings.TrimSpace(q.Get("limit")); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit <= 0 {
			return filter, domain.NewInputError("limit", "must be a positive integer")
		}
		filter.Limit = limit
	}
	return filter, nil
}

func (h *Handler) handleGetConversion(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	conv, err := h.service.GetConversion(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleNextStatus(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	view, err := h.service.NextStatus(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, view)
}

type advanceRequest struct {
	TargetStatus     string  `json:"target_status" validate:"required"`
	Memo             *string `json:"memo" validate:"omitempty,max=2000"`
	EstimatedRevenue *int64  `json:"estimated_revenue" validate:"omitempty,gte=0"`
	ShopID           *string `json:"shop_id" validate:"omitempty,min=1"`
}

func (h *Handler) handleAdvance(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req advanceRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	result, err := h.service.Advance(r.Context(), app.AdvanceRequest{
		ConversionID:     chi.URLParam(r, "id"),
		Target:           domain.Status(req.TargetStatus),
		Memo:             req.Memo,
		EstimatedRevenue: req.EstimatedRevenue,
		ShopID:           req.ShopID,
	}, actor)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

type memoRequest struct {
	Memo *string `json:"memo" validate:"omitempty,max=2000"`
}

func (h *Handler) handleUpdateMemo(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req memoRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	conv, err := h.service.UpdateMemo(r.Context(), chi.URLParam(r, "id"), req.Memo, actor)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, conv)
}

type payoutRequest struct {
	PayoutAmount       *int64   `json:"payout_amount" validate:"required,gte=0"`
	PayoutSharePercent *float64 `json:"payout_share_percent" validate:"required,gte=0,lte=100"`
}

func (h *Handler) handleAdjustPayout(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req payoutRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	conv, err := h.service.AdjustPayout(r.Context(), chi.URLParam(r, "id"), *req.PayoutAmount, *req.PayoutSharePercent, actor)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleMarkPaid(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	conv, err := h.service.MarkPaid(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, conv)
}

func (h *Handler) handleMarkUnpaid(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	conv, err := h.service.MarkUnpaid(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, conv)
}

type bulkPaidRequest struct {
	ConversionIDs []string `json:"conversion_ids" validate:"required,min=1,max=500,dive,required"`
}

type bulkOutcomeResponse struct {
	app.BulkOutcome
	Code string `json:"code,omitempty"`
}

type bulkPaidResponse struct {
	Outcomes  []bulkOutcomeResponse `json:"outcomes"`
	Succeeded int                   `json:"succeeded"`
	Failed    int                   `json:"failed"`
}

func (h *Handler) handleBulkMarkPaid(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.actor(w, r)
	if !ok {
		return
	}

	var req bulkPaidRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	result, err := h.service.BulkMarkPaid(r.Context(), req.ConversionIDs, actor)
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	resp := bulkPaidResponse{
		Outcomes:  make([]bulkOutcomeResponse, 0, len(result.Outcomes)),
		Succeeded: result.Succeeded,
		Failed:    result.Failed,
	}
	for _, o := range result.Outcomes {
		out := bulkOutcomeResponse{BulkOutcome: o}
		if o.Err != nil {
			out.Code = errorCode(o.Err)
		}
		resp.Outcomes = append(resp.Outcomes, out)
	}
	respondWithJSON(w, http.StatusOK, resp)
}

type applicantRequest struct {
	Name    string `json:"name" validate:"required,max=200"`
	Contact string `json:"contact" validate:"max=200"`
	Note    string `json:"note" validate:"max=2000"`
}

type createConversionRequest struct {
	LinkType     string           `json:"link_type" validate:"required,oneof=recruit app_invite"`
	OwnerScoutID string           `json:"owner_scout_id" validate:"required"`
	ShopID       *string          `json:"shop_id" validate:"omitempty,min=1"`
	Applicant    applicantRequest `json:"applicant"`
	Memo         *string          `json:"memo" validate:"omitempty,max=2000"`
}

func (h *Handler) handleCreateConversion(w http.ResponseWriter, r *http.Request) {
	var req createConversionRequest
	if err := h.decode(w, r, &req); err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}

	conv, err := h.service.CreateConversion(r.Context(), app.NewConversion{
		LinkType:     domain.LinkType(req.LinkType),
		OwnerScoutID: req.OwnerScoutID,
		ShopID:       req.ShopID,
		Applicant: domain.Applicant{
			Name:    req.Applicant.Name,
			Contact: req.Applicant.Contact,
			Note:    req.Applicant.Note,
		},
		Memo: req.Memo,
	})
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusCreated, conv)
}

func (h *Handler) handleRunPayoutDigest(w http.ResponseWriter, r *http.Request) {
	result, err := h.service.RunUnpaidPayoutDigest(r.Context())
	if err != nil {
		h.respondWithServiceError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, result)
}

func (h *Handler) actor(w http.ResponseWriter, r *http.Request) (domain.Actor, bool) {
	actor, ok := ActorFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "unauthenticated", "Unauthorized")
	}
	return actor, ok
}

// validationError lists the request fields that failed validation.
type validationError struct {
	fields map[string]string
}

func (e *validationError) Error() string {
	parts := make([]string, 0, len(e.fields))
	for field, tag := range e.fields {
		parts = append(parts, field+" ("+tag+")")
	}
	return "invalid request: " + strings.Join(parts, ", ")
}

func (e *validationError) Unwrap() error { return domain.ErrInvalidInput }

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(dst); err != nil {
		return domain.NewInputError("body", "malformed JSON")
	}

	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return err
		}
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[fieldPath(fe.Namespace())] = fe.Tag()
		}
		return &validationError{fields: fields}
	}
	return nil
}

// embeddedSegment names embedded request structs in validator namespaces so
// fieldPath can drop them.
const embeddedSegment = "~"

// fieldPath turns "sweepRequest.~.commission_rate" into "commission_rate".
func fieldPath(namespace string) string {
	segments := strings.Split(namespace, ".")
	if len(segments) > 1 {
		segments = segments[1:]
	}
	kept := segments[:0]
	for _, s := range segments {
		if s != embeddedSegment {
			kept = append(kept, s)
		}
	}
	return strings.Join(kept, ".")
}

type errorResponse struct {
	Error  string            `json:"error"`
	Code   string            `json:"code"`
	Field  string            `json:"field,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrMissingRevenue):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, domain.ErrMissingRevenue):
		return "missing_revenue"
	case errors.Is(err, domain.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, domain.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, domain.ErrConflict):
		return "conflict"
	case errors.Is(err, domain.ErrUnauthorized):
		return "forbidden"
	case errors.Is(err, domain.ErrNotFound):
		return "not_found"
	default:
		return "internal"
	}
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	resp := errorResponse{Error: err.Error(), Code: errorCode(err)}

	var inputErr *domain.InputError
	var verr *validationError
	switch {
	case errors.As(err, &verr):
		resp.Fields = verr.fields
	case errors.As(err, &inputErr):
		resp.Field = inputErr.Field
	}

	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		resp.Error = "Internal Server Error"
	}
	respondWithJSON(w, status, resp)
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, errorResponse{Error: message, Code: code})
}

// respondWithJSON writes JSON responses.
func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
