// Package funnel implements the conversion lifecycle: which status may follow
// which, who may move a conversion, and when a payout is attached.
//
// Every operation takes a conversion snapshot and returns a new one. The input
// is never mutated, so a failed operation leaves the caller's copy untouched.
package funnel

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/scoutlink/referral-service/internal/domain"
)

// NextStatus returns the single forward step from current for the given
// link type. ok is false when there is no forward step.
func NextStatus(linkType domain.LinkType, current domain.Status) (next domain.Status, ok bool) {
	switch linkType {
	case domain.LinkRecruit:
		switch current {
		case domain.StatusSubmitted:
			return domain.StatusContacted, true
		case domain.StatusContacted:
			return domain.StatusInterviewed, true
		case domain.StatusInterviewed:
			return domain.StatusTrial, true
		case domain.StatusTrial:
			return domain.StatusHired, true
		case domain.StatusHired:
			return domain.StatusActive, true
		case domain.StatusActive, domain.StatusRejected, domain.StatusChurned,
			domain.StatusRegistered:
			return "", false
		}
	case domain.LinkAppInvite:
		switch current {
		case domain.StatusSubmitted:
			return domain.StatusRegistered, true
		case domain.StatusRegistered:
			return domain.StatusActive, true
		case domain.StatusActive, domain.StatusRejected, domain.StatusChurned,
			domain.StatusContacted, domain.StatusInterviewed, domain.StatusTrial, domain.StatusHired:
			return "", false
		}
	}
	return "", false
}

// BelongsTo reports whether status is part of the link type's funnel.
func BelongsTo(linkType domain.LinkType, status domain.Status) bool {
	if status.IsTerminal() || status == domain.StatusSubmitted || status == domain.StatusActive {
		return linkType.Valid()
	}
	switch linkType {
	case domain.LinkRecruit:
		return status == domain.StatusContacted || status == domain.StatusInterviewed ||
			status == domain.StatusTrial || status == domain.StatusHired
	case domain.LinkAppInvite:
		return status == domain.StatusRegistered
	}
	return false
}

// ValidTargets lists every status advance would accept from current: the
// forward step first, then the drop-out exits. A recruit may also be hired
// straight from interviewed since the trial shift is optional.
func ValidTargets(linkType domain.LinkType, current domain.Status) []domain.Status {
	if current.IsTerminal() || !BelongsTo(linkType, current) {
		return nil
	}
	var targets []domain.Status
	if next, ok := NextStatus(linkType, current); ok {
		targets = append(targets, next)
	}
	if linkType == domain.LinkRecruit && current == domain.StatusInterviewed {
		targets = append(targets, domain.StatusHired)
	}
	return append(targets, domain.StatusRejected, domain.StatusChurned)
}

// PayoutStatus is the status at which a link type's conversion first earns a payout.
func PayoutStatus(linkType domain.LinkType) domain.Status {
	if linkType == domain.LinkAppInvite {
		return domain.StatusActive
	}
	return domain.StatusHired
}

// PayoutEligible reports whether conv has reached its payout status.
func PayoutEligible(conv domain.Conversion) bool {
	return conv.Reached(PayoutStatus(conv.LinkType))
}

// Calculator is the subset of the commission calculator the funnel needs.
type Calculator interface {
	Calculate(input domain.CommissionInput) (domain.CommissionResult, error)
}

// TransitionRequest asks for conv to move to Target.
type TransitionRequest struct {
	Target           domain.Status
	Memo             *string
	EstimatedRevenue *int64
}

// PayoutContext carries what the hired transition needs to price a payout.
type PayoutContext struct {
	Shop              *domain.ShopRate
	ScoutSharePercent float64
	Calculator        Calculator
}

// Advance validates and applies a status transition, returning the new
// snapshot. The commission result is only returned for the hired transition.
func Advance(conv domain.Conversion, req TransitionRequest, actor domain.Actor, payout PayoutContext, now time.Time) (*domain.Conversion, *domain.CommissionResult, error) {
	if err := authorizeOwnerOrMaster(conv, actor); err != nil {
		return nil, nil, err
	}
	if !CanAdvance(conv.LinkType, conv.Status, req.Target) {
		return nil, nil, &domain.TransitionError{LinkType: conv.LinkType, From: conv.Status, To: req.Target}
	}

	next := conv.Clone()

	var result *domain.CommissionResult
	if conv.LinkType == domain.LinkRecruit && req.Target == domain.StatusHired {
		if req.EstimatedRevenue == nil {
			return nil, nil, domain.ErrMissingRevenue
		}
		if payout.Shop == nil {
			return nil, nil, domain.NewInputError("shop_id", "a shop is required to compute the payout")
		}
		if _, err := PayoutShopID(conv, actor, &payout.Shop.ShopID); err != nil {
			return nil, nil, err
		}
		if payout.Calculator == nil {
			return nil, nil, domain.NewInputError("calculator", "not configured")
		}
		computed, err := payout.Calculator.Calculate(domain.CommissionInput{
			EstimatedSales:     *req.EstimatedRevenue,
			CommissionBaseType: payout.Shop.CommissionBaseType,
			CommissionRate:     payout.Shop.CommissionRate,
			ScoutSharePercent:  payout.ScoutSharePercent,
			PaymentCycle:       domain.CycleMonthly,
		})
		if err != nil {
			return nil, nil, revenueError(err)
		}
		amount := computed.ScoutIncome
		share := payout.ScoutSharePercent
		shopID := payout.Shop.ShopID
		next.PayoutAmount = &amount
		next.PayoutSharePercent = &share
		next.PayoutPaid = false
		next.PaidAt = nil
		next.ShopID = &shopID
		result = &computed
	}

	next.Timeline = append(next.Timeline, domain.TimelineEntry{
		Status:    req.Target,
		Timestamp: monotonic(conv, now),
		ActorID:   actor.ID,
	})
	next.Status = req.Target
	if req.Memo != nil {
		memo := *req.Memo
		next.Memo = &memo
	}
	next.UpdatedAt = now

	return &next, result, nil
}

// UpdateMemo replaces the memo without touching status or timeline.
func UpdateMemo(conv domain.Conversion, memo *string, actor domain.Actor, now time.Time) (*domain.Conversion, error) {
	if err := authorizeOwnerOrMaster(conv, actor); err != nil {
		return nil, err
	}
	next := conv.Clone()
	if memo == nil {
		next.Memo = nil
	} else {
		v := *memo
		next.Memo = &v
	}
	next.UpdatedAt = now
	return &next, nil
}

// AdjustPayout overwrites the payout amount and share directly.
func AdjustPayout(conv domain.Conversion, amount int64, sharePercent float64, actor domain.Actor, now time.Time) (*domain.Conversion, error) {
	if !actor.IsMaster() {
		return nil, domain.ErrUnauthorized
	}
	if !PayoutEligible(conv) {
		return nil, domain.NewInputError("status", "payout is only available once the conversion reached "+string(PayoutStatus(conv.LinkType)))
	}
	if amount < 0 {
		return nil, domain.NewInputError("payout_amount", "must be >= 0")
	}
	if math.IsNaN(sharePercent) || sharePercent < 0 || sharePercent > 100 {
		return nil, domain.NewInputError("payout_share_percent", "must be between 0 and 100")
	}

	next := conv.Clone()
	next.PayoutAmount = &amount
	next.PayoutSharePercent = &sharePercent
	next.UpdatedAt = now
	return &next, nil
}

// MarkPaid flags the payout as settled. Marking an already paid conversion is
// a no-op; changed reports whether anything needs persisting.
func MarkPaid(conv domain.Conversion, actor domain.Actor, now time.Time) (next *domain.Conversion, changed bool, err error) {
	if err := authorizeSettlement(conv, actor); err != nil {
		return nil, false, err
	}
	out := conv.Clone()
	if conv.PayoutPaid {
		return &out, false, nil
	}
	out.PayoutPaid = true
	paidAt := now
	out.PaidAt = &paidAt
	out.UpdatedAt = now
	return &out, true, nil
}

// MarkUnpaid reverts a settlement. Idempotent like MarkPaid.
func MarkUnpaid(conv domain.Conversion, actor domain.Actor, now time.Time) (next *domain.Conversion, changed bool, err error) {
	if err := authorizeSettlement(conv, actor); err != nil {
		return nil, false, err
	}
	out := conv.Clone()
	if !conv.PayoutPaid {
		return &out, false, nil
	}
	out.PayoutPaid = false
	out.PaidAt = nil
	out.UpdatedAt = now
	return &out, true, nil
}

// PayoutShopID returns the shop that prices the hired payout: requested when
// given, otherwise the conversion's own shop. Only a master may move a
// conversion that already has a shop onto a different one.
func PayoutShopID(conv domain.Conversion, actor domain.Actor, requested *string) (*string, error) {
	if err := authorizeOwnerOrMaster(conv, actor); err != nil {
		return nil, err
	}
	if requested == nil || (conv.ShopID != nil && *conv.ShopID == *requested) {
		return conv.ShopID, nil
	}
	if conv.ShopID != nil && !actor.IsMaster() {
		return nil, fmt.Errorf("%w: only a master may change the shop of conversion %s", domain.ErrUnauthorized, conv.ID)
	}
	return requested, nil
}

// revenueError reports calculator input errors about sales against the
// revenue estimate the transition was given.
func revenueError(err error) error {
	var inputErr *domain.InputError
	if errors.As(err, &inputErr) && inputErr.Field == "estimated_sales" {
		return domain.NewInputError("estimated_revenue", inputErr.Reason)
	}
	return err
}

// CanView reports whether actor may read conv.
func CanView(conv domain.Conversion, actor domain.Actor) bool {
	return actor.IsMaster() || (actor.ID != "" && actor.ID == conv.OwnerScoutID)
}

// CanAdvance reports whether target is one of ValidTargets(linkType, current).
func CanAdvance(linkType domain.LinkType, current, target domain.Status) bool {
	for _, candidate := range ValidTargets(linkType, current) {
		if candidate == target {
			return true
		}
	}
	return false
}

func authorizeOwnerOrMaster(conv domain.Conversion, actor domain.Actor) error {
	if !CanView(conv, actor) {
		return domain.ErrUnauthorized
	}
	return nil
}

func authorizeSettlement(conv domain.Conversion, actor domain.Actor) error {
	if !actor.IsMaster() {
		return domain.ErrUnauthorized
	}
	if conv.PayoutAmount == nil {
		return domain.NewInputError("payout_amount", "conversion has no payout to settle")
	}
	return nil
}

// monotonic keeps timeline timestamps non-decreasing under clock skew.
func monotonic(conv domain.Conversion, now time.Time) time.Time {
	if n := len(conv.Timeline); n > 0 {
		if last := conv.Timeline[n-1].Timestamp; now.Before(last) {
			return last
		}
	}
	return now
}
