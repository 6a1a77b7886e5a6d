/**
 * @description
 * Data access layer for conversions, their timelines and shop commission rates.
 */
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scoutlink/referral-service/internal/domain"
)

var (
	ErrConversionNotFound = fmt.Errorf("conversion %w", domain.ErrNotFound)
	ErrShopNotFound       = fmt.Errorf("shop %w", domain.ErrNotFound)
	ErrScoutNotFound      = fmt.Errorf("scout %w", domain.ErrNotFound)
)

const defaultListLimit = 100

// ConversionFilter narrows ListConversions.
type ConversionFilter struct {
	OwnerScoutID *string
	Status       *domain.Status
	LinkType     *domain.LinkType
	Limit        int
}

// Repository handles database operations for the referral service.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// FindActorByClerkUserID resolves a session identity into an actor.
func (r *Repository) FindActorByClerkUserID(ctx context.Context, clerkUserID string) (domain.Actor, error) {
	var actor domain.Actor
	err := r.db.QueryRow(ctx, "SELECT id, role FROM scouts WHERE clerk_user_id = $1", clerkUserID).Scan(&actor.ID, &actor.Role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Actor{}, ErrScoutNotFound
		}
		return domain.Actor{}, err
	}
	return actor, nil
}

const conversionColumns = `
	id, link_type, owner_scout_id, shop_id, applicant_name, applicant_contact, applicant_note,
	status, payout_amount, payout_share_percent, payout_paid, paid_at, memo, version,
	created_at, updated_at`

func scanConversion(row pgx.Row) (*domain.Conversion, error) {
	var conv domain.Conversion
	if err := row.Scan(
		&conv.ID,
		&conv.LinkType,
		&conv.OwnerScoutID,
		&conv.ShopID,
		&conv.Applicant.Name,
		&conv.Applicant.Contact,
		&conv.Applicant.Note,
		&conv.Status,
		&conv.PayoutAmount,
		&conv.PayoutSharePercent,
		&conv.PayoutPaid,
		&conv.PaidAt,
		&conv.Memo,
		&conv.Version,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &conv, nil
}

// GetConversion loads a conversion and its full timeline.
func (r *Repository) GetConversion(ctx context.Context, id string) (*domain.Conversion, error) {
	query := "SELECT" + conversionColumns + " FROM conversions WHERE id = $1"
	conv, err := scanConversion(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrConversionNotFound
		}
		return nil, err
	}

	timeline, err := r.loadTimeline(ctx, id)
	if err != nil {
		return nil, err
	}
	conv.Timeline = timeline
	return conv, nil
}

func (r *Repository) loadTimeline(ctx context.Context, conversionID string) ([]domain.TimelineEntry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT status, occurred_at, actor_id
		FROM conversion_timeline
		WHERE conversion_id = $1
		ORDER BY position ASC
	`, conversionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var timeline []domain.TimelineEntry
	for rows.Next() {
		var entry domain.TimelineEntry
		if err := rows.Scan(&entry.Status, &entry.Timestamp, &entry.ActorID); err != nil {
			return nil, err
		}
		timeline = append(timeline, entry)
	}
	return timeline, rows.Err()
}

// ListConversions returns conversions matching filter, newest first. Timelines
// are not loaded.
func (r *Repository) ListConversions(ctx context.Context, filter ConversionFilter) ([]domain.Conversion, error) {
	query, args := buildListQuery(filter)
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conversions []domain.Conversion
	for rows.Next() {
		conv, err := scanConversion(rows)
		if err != nil {
			return nil, err
		}
		conversions = append(conversions, *conv)
	}
	return conversions, rows.Err()
}

func buildListQuery(filter ConversionFilter) (string, []any) {
	var (
		clauses []string
		args    []any
	)
	if filter.OwnerScoutID != nil {
		args = append(args, *filter.OwnerScoutID)
		clauses = append(clauses, fmt.Sprintf("owner_scout_id = $%d", len(args)))
	}
	if filter.Status != nil {
		args = append(args, string(*filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.LinkType != nil {
		args = append(args, string(*filter.LinkType))
		clauses = append(clauses, fmt.Sprintf("link_type = $%d", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 || limit > defaultListLimit {
		limit = defaultListLimit
	}
	args = append(args, limit)

	var b strings.Builder
	b.WriteString("SELECT")
	b.WriteString(conversionColumns)
	b.WriteString(" FROM conversions")
	if len(clauses) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(clauses, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY created_at DESC LIMIT $%d", len(args))
	return b.String(), args
}

// CreateConversion inserts a new conversion. Timeline entries present on conv
// are written in the same transaction.
func (r *Repository) CreateConversion(ctx context.Context, conv *domain.Conversion) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO conversions (
			id, link_type, owner_scout_id, shop_id, applicant_name, applicant_contact, applicant_note,
			status, payout_amount, payout_share_percent, payout_paid, paid_at, memo, version,
			created_at, updated_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`,
		conv.ID,
		string(conv.LinkType),
		conv.OwnerScoutID,
		conv.ShopID,
		conv.Applicant.Name,
		conv.Applicant.Contact,
		conv.Applicant.Note,
		string(conv.Status),
		conv.PayoutAmount,
		conv.PayoutSharePercent,
		conv.PayoutPaid,
		conv.PaidAt,
		conv.Memo,
		conv.Version,
		conv.CreatedAt,
		conv.UpdatedAt,
	)
	if err != nil {
		return err
	}

	if err := insertTimeline(ctx, tx, conv.ID, 0, conv.Timeline); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// SaveConversion persists a new snapshot only if the stored version still
// equals expectedVersion. appended holds the timeline entries added since the
// snapshot was loaded. On success conv.Version is advanced.
func (r *Repository) SaveConversion(ctx context.Context, conv *domain.Conversion, expectedVersion int, appended []domain.TimelineEntry) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE conversions
		SET status = $2,
		    shop_id = $3,
		    payout_amount = $4,
		    payout_share_percent = $5,
		    payout_paid = $6,
		    paid_at = $7,
		    memo = $8,
		    updated_at = $9,
		    version = version + 1
		WHERE id = $1 AND version = $10
	`,
		conv.ID,
		string(conv.Status),
		conv.ShopID,
		conv.PayoutAmount,
		conv.PayoutSharePercent,
		conv.PayoutPaid,
		conv.PaidAt,
		conv.Memo,
		conv.UpdatedAt,
		expectedVersion,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS (SELECT 1 FROM conversions WHERE id = $1)", conv.ID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return ErrConversionNotFound
		}
		return domain.ErrConflict
	}

	start, err := appendStart(len(conv.Timeline), len(appended))
	if err != nil {
		return err
	}
	if err := insertTimeline(ctx, tx, conv.ID, start, appended); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	conv.Version = expectedVersion + 1
	return nil
}

func appendStart(total, appended int) (int, error) {
	if appended > total {
		return 0, fmt.Errorf("cannot append %d timeline entries to a timeline of %d", appended, total)
	}
	return total - appended, nil
}

func insertTimeline(ctx context.Context, tx pgx.Tx, conversionID string, start int, entries []domain.TimelineEntry) error {
	for i, entry := range entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO conversion_timeline (conversion_id, position, status, actor_id, occurred_at)
			VALUES ($1, $2, $3, $4, $5)
		`, conversionID, start+i, string(entry.Status), entry.ActorID, entry.Timestamp)
		if err != nil {
			return err
		}
	}
	return nil
}

// GetShopRate returns the commission configuration for a shop.
func (r *Repository) GetShopRate(ctx context.Context, shopID string) (*domain.ShopRate, error) {
	var shop domain.ShopRate
	err := r.db.QueryRow(ctx, `
		SELECT shop_id, shop_name, commission_base_type, commission_rate
		FROM shop_commission_rates
		WHERE shop_id = $1
	`, shopID).Scan(&shop.ShopID, &shop.ShopName, &shop.CommissionBaseType, &shop.CommissionRate)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShopNotFound
		}
		return nil, err
	}
	return &shop, nil
}

// ListShopRates returns the rates for shopIDs in the order requested. Any
// unknown id fails the whole call with ErrShopNotFound.
func (r *Repository) ListShopRates(ctx context.Context, shopIDs []string) ([]domain.ShopRate, error) {
	if len(shopIDs) == 0 {
		return nil, nil
	}
	rows, err := r.db.Query(ctx, `
		SELECT shop_id, shop_name, commission_base_type, commission_rate
		FROM shop_commission_rates
		WHERE shop_id = ANY($1)
	`, shopIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	byID := make(map[string]domain.ShopRate, len(shopIDs))
	for rows.Next() {
		var shop domain.ShopRate
		if err := rows.Scan(&shop.ShopID, &shop.ShopName, &shop.CommissionBaseType, &shop.CommissionRate); err != nil {
			return nil, err
		}
		byID[shop.ShopID] = shop
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderShops(shopIDs, byID)
}

func orderShops(shopIDs []string, byID map[string]domain.ShopRate) ([]domain.ShopRate, error) {
	shops := make([]domain.ShopRate, 0, len(shopIDs))
	for _, id := range shopIDs {
		shop, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrShopNotFound, id)
		}
		shops = append(shops, shop)
	}
	return shops, nil
}

// ListUnpaidPayouts sums outstanding payouts per scout.
func (r *Repository) ListUnpaidPayouts(ctx context.Context, asOf time.Time) ([]domain.UnpaidPayout, error) {
	rows, err := r.db.Query(ctx, `
		SELECT owner_scout_id, COUNT(*), COALESCE(SUM(payout_amount), 0)
		FROM conversions
		WHERE payout_amount IS NOT NULL
		  AND payout_paid = FALSE
		  AND updated_at <= $1
		GROUP BY owner_scout_id
		ORDER BY owner_scout_id
	`, asOf)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payouts []domain.UnpaidPayout
	for rows.Next() {
		var p domain.UnpaidPayout
		if err := rows.Scan(&p.OwnerScoutID, &p.Conversions, &p.TotalAmount); err != nil {
			return nil, err
		}
		payouts = append(payouts, p)
	}
	return payouts, rows.Err()
}
