package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const uniqueViolation = "23505"

// dbtx is satisfied by both *pgxpool.Pool and pgx.Tx.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	db dbtx
}

type store struct {
	pool *pgxpool.Pool
	*queries
}

func New(pool *pgxpool.Pool) Store {
	return &store{
		pool:    pool,
		queries: &queries{db: pool},
	}
}

func (s *store) ExecTx(ctx context.Context, fn func(Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	if err := fn(&queries{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("tx err: %v, rollback err: %v", err, rbErr)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

const couponColumns = `id, store_id, title, discount_type, discount_value, min_purchase, max_discount,
	total_quantity, remaining_quantity, start_date, end_date, is_active, created_at`

func scanCoupon(row pgx.Row) (domain.Coupon, error) {
	var c domain.Coupon
	err := row.Scan(
		&c.ID, &c.StoreID, &c.Title, &c.DiscountType, &c.DiscountValue, &c.MinPurchase, &c.MaxDiscount,
		&c.TotalQuantity, &c.RemainingQuantity, &c.StartDate, &c.EndDate, &c.IsActive, &c.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return c, domain.ErrNotFound
	}
	return c, err
}

func (q *queries) CreateCoupon(ctx context.Context, arg CreateCouponParams) (domain.Coupon, error) {
	row := q.db.QueryRow(ctx, `
		INSERT INTO coupons (store_id, title, discount_type, discount_value, min_purchase, max_discount,
			total_quantity, remaining_quantity, start_date, end_date, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7, $8, $9, $10)
		RETURNING `+couponColumns,
		arg.StoreID, arg.Title, arg.DiscountType, arg.DiscountValue, arg.MinPurchase, arg.MaxDiscount,
		arg.TotalQuantity, arg.StartDate, arg.EndDate, arg.IsActive,
	)
	return scanCoupon(row)
}

func (q *queries) GetCoupon(ctx context.Context, id int64) (domain.Coupon, error) {
	return scanCoupon(q.db.QueryRow(ctx, `SELECT `+couponColumns+` FROM coupons WHERE id = $1`, id))
}

func (q *queries) DecrementRemaining(ctx context.Context, couponID int64) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE coupons SET remaining_quantity = remaining_quantity - 1
		WHERE id = $1 AND remaining_quantity > 0`, couponID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *queries) InsertClaimGuard(ctx context.Context, couponID int64, subject string) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		INSERT INTO claim_guards (coupon_id, subject) VALUES ($1, $2)
		ON CONFLICT (coupon_id, subject) DO NOTHING`, couponID, subject)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *queries) InsertUserCoupon(ctx context.Context, arg InsertUserCouponParams) (domain.UserCoupon, error) {
	var uc domain.UserCoupon
	var deviceID *string
	if arg.DeviceID != "" {
		deviceID = &arg.DeviceID
	}
	err := q.db.QueryRow(ctx, `
		INSERT INTO user_coupons (coupon_id, user_id, code, pin_code, device_id, status, downloaded_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, 'active', $6, $7)
		RETURNING id, status, downloaded_at, expires_at`,
		arg.CouponID, arg.UserID, arg.Code, arg.PinCode, deviceID, arg.DownloadedAt, arg.ExpiresAt,
	).Scan(&uc.ID, &uc.Status, &uc.DownloadedAt, &uc.ExpiresAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return uc, ErrDuplicateCode
		}
		return uc, err
	}
	uc.CouponID = arg.CouponID
	uc.UserID = arg.UserID
	uc.Code = arg.Code
	uc.PinCode = arg.PinCode
	uc.DeviceID = arg.DeviceID
	return uc, nil
}

func (q *queries) RedeemClaim(ctx context.Context, id int64, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE user_coupons SET status = 'used', used_at = $2
		WHERE id = $1 AND status = 'active' AND expires_at >= $2`, id, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (q *queries) GetClaimStatus(ctx context.Context, id int64) (domain.ClaimStatus, time.Time, error) {
	var status domain.ClaimStatus
	var expiresAt time.Time
	err := q.db.QueryRow(ctx, `SELECT status, expires_at FROM user_coupons WHERE id = $1`, id).Scan(&status, &expiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", time.Time{}, domain.ErrNotFound
	}
	return status, expiresAt, err
}

func (q *queries) InsertUsage(ctx context.Context, usage domain.Usage) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO coupon_usage (user_coupon_id, coupon_id, store_id, user_id, verified_by, used_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		usage.UserCouponID, usage.CouponID, usage.StoreID, usage.UserID, usage.VerifiedBy, usage.UsedAt)
	return err
}

func (q *queries) InsertOutboxEvent(ctx context.Context, event domain.RedeemedEvent) error {
	_, err := q.db.Exec(ctx, `
		INSERT INTO outbox_events (event_id, user_coupon_id, user_id, coupon_id, store_id, used_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.EventID, event.UserCouponID, event.UserID, event.CouponID, event.StoreID, event.UsedAt)
	return err
}

const claimDetailSelect = `
	SELECT uc.id, uc.coupon_id, uc.user_id, uc.code, uc.pin_code, COALESCE(uc.device_id, ''), uc.status,
		uc.downloaded_at, uc.used_at, uc.expires_at, c.store_id, c.title, c.discount_type, c.discount_value
	FROM user_coupons uc
	JOIN coupons c ON c.id = uc.coupon_id`

func scanClaimDetail(row pgx.Row) (domain.ClaimDetail, error) {
	var d domain.ClaimDetail
	err := row.Scan(
		&d.ID, &d.CouponID, &d.UserID, &d.Code, &d.PinCode, &d.DeviceID, &d.Status,
		&d.DownloadedAt, &d.UsedAt, &d.ExpiresAt, &d.StoreID, &d.CouponTitle, &d.DiscountType, &d.DiscountValue,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return d, domain.ErrNotFound
	}
	return d, err
}

func (q *queries) GetClaim(ctx context.Context, lookup ClaimLookup) (domain.ClaimDetail, error) {
	if lookup.ID > 0 {
		return scanClaimDetail(q.db.QueryRow(ctx, claimDetailSelect+` WHERE uc.id = $1`, lookup.ID))
	}
	return scanClaimDetail(q.db.QueryRow(ctx, claimDetailSelect+` WHERE uc.code = $1`, lookup.Code))
}

func (q *queries) listClaims(ctx context.Context, sql string, args ...any) ([]domain.ClaimDetail, error) {
	rows, err := q.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var claims []domain.ClaimDetail
	for rows.Next() {
		d, err := scanClaimDetail(rows)
		if err != nil {
			return nil, err
		}
		claims = append(claims, d)
	}
	return claims, rows.Err()
}

func (q *queries) FindClaimsByPin(ctx context.Context, pin string, storeID int64) ([]domain.ClaimDetail, error) {
	return q.listClaims(ctx, claimDetailSelect+`
		WHERE uc.pin_code = $1 AND c.store_id = $2
		ORDER BY uc.downloaded_at DESC, uc.id DESC`, pin, storeID)
}

func (q *queries) ListClaimsByUser(ctx context.Context, userID string) ([]domain.ClaimDetail, error) {
	return q.listClaims(ctx, claimDetailSelect+`
		WHERE uc.user_id = $1
		ORDER BY uc.downloaded_at DESC, uc.id DESC`, userID)
}

func (q *queries) ListUsageByStore(ctx context.Context, storeID int64) ([]domain.Usage, error) {
	rows, err := q.db.Query(ctx, `
		SELECT id, user_coupon_id, coupon_id, store_id, user_id, verified_by, used_at
		FROM coupon_usage WHERE store_id = $1
		ORDER BY used_at DESC`, storeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var usage []domain.Usage
	for rows.Next() {
		var u domain.Usage
		if err := rows.Scan(&u.ID, &u.UserCouponID, &u.CouponID, &u.StoreID, &u.UserID, &u.VerifiedBy, &u.UsedAt); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

func (q *queries) HasStoreUsageSince(ctx context.Context, userID string, storeID int64, since time.Time) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM coupon_usage
			WHERE user_id = $1 AND store_id = $2 AND used_at > $3
		)`, userID, storeID, since).Scan(&exists)
	return exists, err
}

func (q *queries) ExpireClaim(ctx context.Context, id int64, now time.Time) (bool, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE user_coupons SET status = 'expired'
		WHERE id = $1 AND status = 'active' AND expires_at < $2`, id, now)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (q *queries) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE user_coupons SET status = 'expired'
		WHERE status = 'active' AND expires_at < $1`, now)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (s *store) PublishOutbox(ctx context.Context, limit int, fn func([]domain.RedeemedEvent) error) (int, error) {
	var published int
	err := s.ExecTx(ctx, func(q Querier) error {
		db := q.(*queries).db
		rows, err := db.Query(ctx, `
			SELECT id, event_id, user_coupon_id, user_id, coupon_id, store_id, used_at
			FROM outbox_events
			WHERE published_at IS NULL
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED`, limit)
		if err != nil {
			return err
		}

		var ids []int64
		var events []domain.RedeemedEvent
		for rows.Next() {
			var id int64
			var e domain.RedeemedEvent
			if err := rows.Scan(&id, &e.EventID, &e.UserCouponID, &e.UserID, &e.CouponID, &e.StoreID, &e.UsedAt); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
			events = append(events, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		if err := fn(events); err != nil {
			return err
		}
		if _, err := db.Exec(ctx, `UPDATE outbox_events SET published_at = now() WHERE id = ANY($1)`, ids); err != nil {
			return err
		}
		published = len(events)
		return nil
	})
	return published, err
}
