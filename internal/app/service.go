/**
 * @description
 * Core business logic for commission simulation and conversion tracking.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/scoutlink/referral-service/internal/commission"
	"github.com/scoutlink/referral-service/internal/domain"
	"github.com/scoutlink/referral-service/internal/funnel"
	"github.com/scoutlink/referral-service/internal/metrics"
	"github.com/scoutlink/referral-service/internal/store"
	"github.com/scoutlink/referral-service/pkg/lock"
)

// Repository defines the database operations the service needs.
type Repository interface {
	FindActorByClerkUserID(ctx context.Context, clerkUserID string) (domain.Actor, error)
	GetConversion(ctx context.Context, id string) (*domain.Conversion, error)
	ListConversions(ctx context.Context, filter store.ConversionFilter) ([]domain.Conversion, error)
	CreateConversion(ctx context.Context, conv *domain.Conversion) error
	SaveConversion(ctx context.Context, conv *domain.Conversion, expectedVersion int, appended []domain.TimelineEntry) error
	GetShopRate(ctx context.Context, shopID string) (*domain.ShopRate, error)
	ListShopRates(ctx context.Context, shopIDs []string) ([]domain.ShopRate, error)
	ListUnpaidPayouts(ctx context.Context, asOf time.Time) ([]domain.UnpaidPayout, error)
}

// Locker serializes mutations of one conversion.
type Locker interface {
	Acquire(ctx context.Context, key string) (lock.Unlock, error)
}

// EventPublisher defines the interface for publishing events.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// Options tunes a Service.
type Options struct {
	ScoutSharePercent float64
	Exchange          string
	Logger            *slog.Logger
	Now               func() time.Time
}

// Service provides the business logic for the referral service.
type Service struct {
	repo       Repository
	locker     Locker
	publisher  EventPublisher
	calculator commission.Calculator
	share      float64
	exchange   string
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a new referral service.
func NewService(repo Repository, locker Locker, publisher EventPublisher, calculator commission.Calculator, opts Options) Service {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Exchange == "" {
		opts.Exchange = "scoutlink.events"
	}
	return Service{
		repo:       repo,
		locker:     locker,
		publisher:  publisher,
		calculator: calculator,
		share:      opts.ScoutSharePercent,
		exchange:   opts.Exchange,
		logger:     opts.Logger,
		now:        opts.Now,
	}
}

// ResolveActor maps a session identity to an actor.
func (s Service) ResolveActor(ctx context.Context, clerkUserID string) (domain.Actor, error) {
	if clerkUserID == "" {
		return domain.Actor{}, domain.ErrUnauthorized
	}
	return s.repo.FindActorByClerkUserID(ctx, clerkUserID)
}

// DefaultScoutSharePercent is the share applied when a request omits one.
func (s Service) DefaultScoutSharePercent() float64 {
	return s.share
}

// Calculate runs a single commission calculation.
func (s Service) Calculate(input domain.CommissionInput) (domain.CommissionResult, error) {
	result, err := s.calculator.Calculate(input)
	metrics.Calculations.WithLabelValues("calculate", metrics.Outcome(err)).Inc()
	return result, err
}

// CompareRequest selects the shops to compare, by id or inline.
type CompareRequest struct {
	EstimatedSales    int64
	ScoutSharePercent *float64
	ShopIDs           []string
	Shops             []domain.ShopRate
}

// CompareShops ranks shops by scout income at one sales estimate. Shops named
// by id are loaded first, followed by inline shops.
func (s Service) CompareShops(ctx context.Context, req CompareRequest) (domain.ShopComparison, error) {
	shops := make([]domain.ShopRate, 0, len(req.ShopIDs)+len(req.Shops))
	if len(req.ShopIDs) > 0 {
		loaded, err := s.repo.ListShopRates(ctx, req.ShopIDs)
		if err != nil {
			return domain.ShopComparison{}, err
		}
		shops = append(shops, loaded...)
	}
	shops = append(shops, req.Shops...)

	share := s.share
	if req.ScoutSharePercent != nil {
		share = *req.ScoutSharePercent
	}

	comparison, err := s.calculator.CompareShops(req.EstimatedSales, share, shops)
	metrics.Calculations.WithLabelValues("compare", metrics.Outcome(err)).Inc()
	return comparison, err
}

// RateSweep recomputes input for each candidate rate.
func (s Service) RateSweep(input domain.CommissionInput, rates []float64) ([]domain.RateComparison, error) {
	rows, err := s.calculator.RateSweep(input, rates)
	metrics.Calculations.WithLabelValues("sweep", metrics.Outcome(err)).Inc()
	return rows, err
}

// NewConversion describes a lead captured from a referral link.
type NewConversion struct {
	LinkType     domain.LinkType
	OwnerScoutID string
	ShopID       *string
	Applicant    domain.Applicant
	Memo         *string
}

// CreateConversion records a new lead in status submitted.
func (s Service) CreateConversion(ctx context.Context, in NewConversion) (*domain.Conversion, error) {
	if !in.LinkType.Valid() {
		return nil, domain.NewInputError("link_type", fmt.Sprintf("unknown value %q", in.LinkType))
	}
	if in.OwnerScoutID == "" {
		return nil, domain.NewInputError("owner_scout_id", "is required")
	}
	if in.Applicant.Name == "" {
		return nil, domain.NewInputError("applicant.name", "is required")
	}

	now := s.now()
	conv := &domain.Conversion{
		ID:           uuid.NewString(),
		LinkType:     in.LinkType,
		OwnerScoutID: in.OwnerScoutID,
		ShopID:       in.ShopID,
		Applicant:    in.Applicant,
		Status:       domain.StatusSubmitted,
		Memo:         in.Memo,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.repo.CreateConversion(ctx, conv); err != nil {
		return nil, err
	}

	s.publishEvent(ctx, "conversion.submitted", *conv, "", "")
	return conv, nil
}

// GetConversion returns a conversion visible to actor.
func (s Service) GetConversion(ctx context.Context, id string, actor domain.Actor) (*domain.Conversion, error) {
	conv, err := s.repo.GetConversion(ctx, id)
	if err != nil {
		return nil, err
	}
	if !funnel.CanView(*conv, actor) {
		return nil, domain.ErrUnauthorized
	}
	return conv, nil
}

// ListConversions returns conversions visible to actor. Scouts only ever see
// their own.
func (s Service) ListConversions(ctx context.Context, actor domain.Actor, filter store.ConversionFilter) ([]domain.Conversion, error) {
	if !actor.IsMaster() {
		if actor.ID == "" {
			return nil, domain.ErrUnauthorized
		}
		owner := actor.ID
		filter.OwnerScoutID = &owner
	}
	return s.repo.ListConversions(ctx, filter)
}

// NextStatusView tells a client which transitions are currently offered.
type NextStatusView struct {
	Status       domain.Status   `json:"status"`
	Next         *domain.Status  `json:"next_status"`
	ValidTargets []domain.Status `json:"valid_targets"`
}

// NextStatus reports the forward step and exits for a conversion.
func (s Service) NextStatus(ctx context.Context, id string, actor domain.Actor) (*NextStatusView, error) {
	conv, err := s.GetConversion(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	view := &NextStatusView{Status: conv.Status, ValidTargets: funnel.ValidTargets(conv.LinkType, conv.Status)}
	if next, ok := funnel.NextStatus(conv.LinkType, conv.Status); ok {
		view.Next = &next
	}
	if view.ValidTargets == nil {
		view.ValidTargets = []domain.Status{}
	}
	return view, nil
}

// AdvanceRequest asks for a status transition.
type AdvanceRequest struct {
	ConversionID     string
	Target           domain.Status
	Memo             *string
	EstimatedRevenue *int64
	ShopID           *string
}

// AdvanceResult is the outcome of a successful transition.
type AdvanceResult struct {
	Conversion *domain.Conversion       `json:"conversion"`
	Commission *domain.CommissionResult `json:"commission,omitempty"`
}

// Advance moves a conversion to req.Target.
func (s Service) Advance(ctx context.Context, req AdvanceRequest, actor domain.Actor) (*AdvanceResult, error) {
	var (
		computed *domain.CommissionResult
		previous domain.Status
	)
	next, err := s.mutate(ctx, req.ConversionID, func(conv domain.Conversion) (*domain.Conversion, bool, error) {
		previous = conv.Status
		payout, err := s.payoutContext(ctx, conv, req, actor)
		if err != nil {
			return nil, false, err
		}
		next, result, err := funnel.Advance(conv, funnel.TransitionRequest{
			Target:           req.Target,
			Memo:             req.Memo,
			EstimatedRevenue: req.EstimatedRevenue,
		}, actor, payout, s.now())
		if err != nil {
			return nil, false, err
		}
		computed = result
		return next, true, nil
	})
	metrics.Transitions.WithLabelValues(string(req.Target), metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}

	s.publishEvent(ctx, "conversion.status_changed", *next, previous, actor.ID)
	if computed != nil {
		metrics.PayoutsComputed.Inc()
		metrics.PayoutYen.Add(float64(computed.ScoutIncome))
		s.publishEvent(ctx, "conversion.payout_computed", *next, previous, actor.ID)
	}
	return &AdvanceResult{Conversion: next, Commission: computed}, nil
}

// payoutContext loads the shop rate only when the requested transition is a
// valid move into hired with a revenue estimate, so invalid requests fail on
// the transition rather than on the shop lookup. The actor is authorized for
// the shop before it is looked up.
func (s Service) payoutContext(ctx context.Context, conv domain.Conversion, req AdvanceRequest, actor domain.Actor) (funnel.PayoutContext, error) {
	payout := funnel.PayoutContext{ScoutSharePercent: s.share, Calculator: s.calculator}
	if conv.LinkType != domain.LinkRecruit || req.Target != domain.StatusHired || req.EstimatedRevenue == nil {
		return payout, nil
	}
	if !funnel.CanAdvance(conv.LinkType, conv.Status, req.Target) {
		return payout, nil
	}

	shopID, err := funnel.PayoutShopID(conv, actor, req.ShopID)
	if err != nil {
		return payout, err
	}
	if shopID == nil {
		return payout, nil
	}
	shop, err := s.repo.GetShopRate(ctx, *shopID)
	if err != nil {
		return payout, err
	}
	payout.Shop = shop
	return payout, nil
}

// UpdateMemo replaces a conversion's memo outside of a transition.
func (s Service) UpdateMemo(ctx context.Context, id string, memo *string, actor domain.Actor) (*domain.Conversion, error) {
	return s.mutate(ctx, id, func(conv domain.Conversion) (*domain.Conversion, bool, error) {
		next, err := funnel.UpdateMemo(conv, memo, actor, s.now())
		return next, err == nil, err
	})
}

// AdjustPayout overwrites a conversion's payout by hand.
func (s Service) AdjustPayout(ctx context.Context, id string, amount int64, sharePercent float64, actor domain.Actor) (*domain.Conversion, error) {
	next, err := s.mutate(ctx, id, func(conv domain.Conversion) (*domain.Conversion, bool, error) {
		next, err := funnel.AdjustPayout(conv, amount, sharePercent, actor, s.now())
		return next, err == nil, err
	})
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, "conversion.payout_adjusted", *next, "", actor.ID)
	return next, nil
}

// MarkPaid flags a payout as settled. Repeating it is a no-op success.
func (s Service) MarkPaid(ctx context.Context, id string, actor domain.Actor) (*domain.Conversion, error) {
	return s.settle(ctx, id, actor, "paid", funnel.MarkPaid)
}

// MarkUnpaid reverts a settlement.
func (s Service) MarkUnpaid(ctx context.Context, id string, actor domain.Actor) (*domain.Conversion, error) {
	return s.settle(ctx, id, actor, "unpaid", funnel.MarkUnpaid)
}

type settleFunc func(domain.Conversion, domain.Actor, time.Time) (*domain.Conversion, bool, error)

func (s Service) settle(ctx context.Context, id string, actor domain.Actor, action string, apply settleFunc) (*domain.Conversion, error) {
	var changed bool
	next, err := s.mutate(ctx, id, func(conv domain.Conversion) (*domain.Conversion, bool, error) {
		next, didChange, err := apply(conv, actor, s.now())
		changed = didChange
		return next, didChange, err
	})
	metrics.Settlements.WithLabelValues(action, metrics.Outcome(err)).Inc()
	if err != nil {
		return nil, err
	}
	if changed {
		s.publishEvent(ctx, "conversion.payout_"+action, *next, "", actor.ID)
	}
	return next, nil
}

// BulkOutcome is the per-id result of a bulk settlement.
type BulkOutcome struct {
	ConversionID string `json:"conversion_id"`
	Succeeded    bool   `json:"succeeded"`
	Error        string `json:"error,omitempty"`
	Err          error  `json:"-"`
}

// BulkResult summarizes a bulk settlement.
type BulkResult struct {
	Outcomes  []BulkOutcome `json:"outcomes"`
	Succeeded int           `json:"succeeded"`
	Failed    int           `json:"failed"`
}

// BulkMarkPaid marks each id paid independently. A failing id never aborts
// the batch; only a non-master actor fails the call as a whole.
func (s Service) BulkMarkPaid(ctx context.Context, ids []string, actor domain.Actor) (*BulkResult, error) {
	if !actor.IsMaster() {
		return nil, domain.ErrUnauthorized
	}

	result := &BulkResult{Outcomes: make([]BulkOutcome, 0, len(ids))}
	for _, id := range ids {
		outcome := BulkOutcome{ConversionID: id}
		if _, err := s.MarkPaid(ctx, id, actor); err != nil {
			outcome.Err = err
			outcome.Error = err.Error()
			result.Failed++
		} else {
			outcome.Succeeded = true
			result.Succeeded++
		}
		result.Outcomes = append(result.Outcomes, outcome)
	}
	return result, nil
}

// DigestResult summarizes one unpaid payout digest run.
type DigestResult struct {
	Scouts      int   `json:"scouts"`
	Conversions int   `json:"conversions"`
	TotalAmount int64 `json:"total_amount"`
}

// RunUnpaidPayoutDigest publishes the outstanding payout total per scout.
func (s Service) RunUnpaidPayoutDigest(ctx context.Context) (*DigestResult, error) {
	now := s.now()
	payouts, err := s.repo.ListUnpaidPayouts(ctx, now)
	if err != nil {
		return nil, err
	}

	result := &DigestResult{Scouts: len(payouts)}
	for _, p := range payouts {
		result.Conversions += p.Conversions
		result.TotalAmount += p.TotalAmount
		s.publish(ctx, "payout.unpaid_digest", unpaidDigestEvent{UnpaidPayout: p, Timestamp: now})
	}
	return result, nil
}

type mutation func(conv domain.Conversion) (next *domain.Conversion, changed bool, err error)

// mutate serializes one read-modify-write of a conversion: it holds the
// per-conversion lock, applies fn to the stored snapshot and persists the
// result guarded by the snapshot's version.
func (s Service) mutate(ctx context.Context, id string, fn mutation) (*domain.Conversion, error) {
	if id == "" {
		return nil, domain.NewInputError("conversion_id", "is required")
	}

	started := time.Now()
	unlock, err := s.locker.Acquire(ctx, "conversion:"+id)
	metrics.LockWait.Observe(time.Since(started).Seconds())
	if err != nil {
		if errors.Is(err, lock.ErrNotObtained) {
			return nil, fmt.Errorf("conversion %s is busy: %w", id, domain.ErrConflict)
		}
		return nil, err
	}
	defer func() {
		if err := unlock(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release conversion lock", "conversion_id", id, "error", err)
		}
	}()

	current, err := s.repo.GetConversion(ctx, id)
	if err != nil {
		return nil, err
	}

	next, changed, err := fn(*current)
	if err != nil {
		return nil, err
	}
	if !changed {
		return next, nil
	}

	appended := next.Timeline[len(current.Timeline):]
	if err := s.repo.SaveConversion(ctx, next, current.Version, appended); err != nil {
		return nil, err
	}
	return next, nil
}

type conversionEvent struct {
	ConversionID   string          `json:"conversion_id"`
	OwnerScoutID   string          `json:"owner_scout_id"`
	LinkType       domain.LinkType `json:"link_type"`
	Status         domain.Status   `json:"status"`
	PreviousStatus domain.Status   `json:"previous_status,omitempty"`
	ShopID         *string         `json:"shop_id,omitempty"`
	PayoutAmount   *int64          `json:"payout_amount,omitempty"`
	PayoutPaid     bool            `json:"payout_paid"`
	ActorID        string          `json:"actor_id,omitempty"`
	Timestamp      time.Time       `json:"timestamp"`
}

type unpaidDigestEvent struct {
	domain.UnpaidPayout
	Timestamp time.Time `json:"timestamp"`
}

func (s Service) publishEvent(ctx context.Context, routingKey string, conv domain.Conversion, previous domain.Status, actorID string) {
	s.publish(ctx, routingKey, conversionEvent{
		ConversionID:   conv.ID,
		OwnerScoutID:   conv.OwnerScoutID,
		LinkType:       conv.LinkType,
		Status:         conv.Status,
		PreviousStatus: previous,
		ShopID:         conv.ShopID,
		PayoutAmount:   conv.PayoutAmount,
		PayoutPaid:     conv.PayoutPaid,
		ActorID:        actorID,
		Timestamp:      s.now(),
	})
}

func (s Service) publish(ctx context.Context, routingKey string, payload interface{}) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.exchange, routingKey, payload); err != nil {
		s.logger.Warn("failed to publish event", "routing_key", routingKey, "error", err)
	}
}
