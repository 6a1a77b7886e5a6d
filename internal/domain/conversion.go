/**
 * @description
 * Domain models for referral conversions and the actors that touch them.
 */
package domain

import "time"

// LinkType identifies which funnel a conversion follows.
type LinkType string

const (
	LinkRecruit   LinkType = "recruit"
	LinkAppInvite LinkType = "app_invite"
)

// Valid reports whether l is a known link type.
func (l LinkType) Valid() bool {
	return l == LinkRecruit || l == LinkAppInvite
}

// Status is a conversion funnel state.
type Status string

const (
	StatusSubmitted   Status = "submitted"
	StatusContacted   Status = "contacted"
	StatusInterviewed Status = "interviewed"
	StatusTrial       Status = "trial"
	StatusHired       Status = "hired"
	StatusRegistered  Status = "registered"
	StatusActive      Status = "active"
	StatusRejected    Status = "rejected"
	StatusChurned     Status = "churned"
)

// IsTerminal reports whether no further transition can leave s.
func (s Status) IsTerminal() bool {
	return s == StatusRejected || s == StatusChurned
}

// Role is the authorization level of an actor.
type Role string

const (
	RoleScout  Role = "scout"
	RoleMaster Role = "master"
)

// Actor is the identity performing an operation.
type Actor struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// IsMaster reports whether the actor has administrator rights.
func (a Actor) IsMaster() bool {
	return a.Role == RoleMaster
}

// Applicant holds the referred person's contact details.
type Applicant struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
	Note    string `json:"note,omitempty"`
}

// TimelineEntry records one status change.
type TimelineEntry struct {
	Status    Status    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	ActorID   string    `json:"actor_id,omitempty"`
}

// Conversion is a referred lead tracked through a funnel.
type Conversion struct {
	ID                 string          `json:"id"`
	LinkType           LinkType        `json:"link_type"`
	OwnerScoutID       string          `json:"owner_scout_id"`
	ShopID             *string         `json:"shop_id,omitempty"`
	Applicant          Applicant       `json:"applicant"`
	Status             Status          `json:"status"`
	Timeline           []TimelineEntry `json:"timeline"`
	PayoutAmount       *int64          `json:"payout_amount,omitempty"`
	PayoutSharePercent *float64        `json:"payout_share_percent,omitempty"`
	PayoutPaid         bool            `json:"payout_paid"`
	PaidAt             *time.Time      `json:"paid_at,omitempty"`
	Memo               *string         `json:"memo,omitempty"`
	Version            int             `json:"version"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// Clone returns a deep copy so callers can build a new snapshot without
// touching the original.
func (c Conversion) Clone() Conversion {
	out := c
	out.Timeline = append([]TimelineEntry(nil), c.Timeline...)
	if c.ShopID != nil {
		v := *c.ShopID
		out.ShopID = &v
	}
	if c.PayoutAmount != nil {
		v := *c.PayoutAmount
		out.PayoutAmount = &v
	}
	if c.PayoutSharePercent != nil {
		v := *c.PayoutSharePercent
		out.PayoutSharePercent = &v
	}
	if c.PaidAt != nil {
		v := *c.PaidAt
		out.PaidAt = &v
	}
	if c.Memo != nil {
		v := *c.Memo
		out.Memo = &v
	}
	return out
}

// Reached reports whether the conversion has ever been in status s.
func (c Conversion) Reached(s Status) bool {
	if c.Status == s {
		return true
	}
	for _, entry := range c.Timeline {
		if entry.Status == s {
			return true
		}
	}
	return false
}

// UnpaidPayout summarizes outstanding payouts for one scout.
type UnpaidPayout struct {
	OwnerScoutID string `json:"owner_scout_id"`
	Conversions  int    `json:"conversions"`
	TotalAmount  int64  `json:"total_amount"`
}
