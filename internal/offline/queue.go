// Package offline is the merchant device's durable store of redemption
// attempts made without connectivity, plus the device's last known status of
// each coupon it has tried to redeem.
package offline

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// Attempt is the persisted form of a domain.RedemptionAttempt. Seq breaks
// ties between attempts recorded within the same clock tick.
type Attempt struct {
	Seq          int64     `gorm:"primaryKey;autoIncrement"`
	LocalID      string    `gorm:"size:36;uniqueIndex;not null"`
	UserCouponID int64     `gorm:"not null;default:0"`
	Code         string    `gorm:"size:64"`
	PinCode      string    `gorm:"size:6"`
	StoreID      int64     `gorm:"not null"`
	AttemptedAt  time.Time `gorm:"index;not null"`
	SyncStatus   string    `gorm:"size:16;not null;default:pending"`
	Failures     int       `gorm:"not null;default:0"`
}

func (Attempt) TableName() string { return "redemption_attempts" }

// LedgerEntry is the device's view of one coupon after a terminal outcome.
type LedgerEntry struct {
	Ref          string    `gorm:"primaryKey;size:96"`
	UserCouponID int64     `gorm:"index"`
	Status       string    `gorm:"size:16;not null"`
	Outcome      string    `gorm:"size:32;not null"`
	ResolvedAt   time.Time `gorm:"not null"`
}

func (LedgerEntry) TableName() string { return "local_coupon_status" }

type Queue struct {
	db  *gorm.DB
	now func() time.Time
}

// Open opens (and migrates) the queue at dsn, typically a file path.
func Open(dsn string) (*Queue, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open offline queue: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&Attempt{}, &LedgerEntry{}); err != nil {
		return nil, fmt.Errorf("migrate offline queue: %w", err)
	}
	return &Queue{db: db, now: time.Now}, nil
}

func (q *Queue) Close() error {
	sqlDB, err := q.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Enqueue durably records an attempt. It fills in LocalID and AttemptedAt
// when they are empty. Enqueueing the same LocalID twice keeps the first copy.
func (q *Queue) Enqueue(ctx context.Context, a domain.RedemptionAttempt) (domain.RedemptionAttempt, error) {
	if a.UserCouponID <= 0 && a.Code == "" && a.PinCode == "" {
		return a, fmt.Errorf("%w: attempt has no coupon identifier", domain.ErrInvalidRequest)
	}
	if a.LocalID == "" {
		a.LocalID = uuid.NewString()
	}
	if a.AttemptedAt.IsZero() {
		a.AttemptedAt = q.now()
	}
	a.SyncStatus = domain.SyncPending

	row := toRow(a)
	err := q.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "local_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return a, fmt.Errorf("enqueue attempt: %w", err)
	}
	return a, nil
}

// Drain returns every pending attempt in the order it was made.
func (q *Queue) Drain(ctx context.Context) ([]domain.RedemptionAttempt, error) {
	var rows []Attempt
	err := q.db.WithContext(ctx).
		Where("sync_status = ?", string(domain.SyncPending)).
		Order("attempted_at ASC").
		Order("seq ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("drain attempts: %w", err)
	}
	out := make([]domain.RedemptionAttempt, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toDomain())
	}
	return out, nil
}

func (q *Queue) Remove(ctx context.Context, localID string) error {
	if err := q.db.WithContext(ctx).Where("local_id = ?", localID).Delete(&Attempt{}).Error; err != nil {
		return fmt.Errorf("remove attempt %s: %w", localID, err)
	}
	return nil
}

func (q *Queue) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.WithContext(ctx).Model(&Attempt{}).
		Where("sync_status = ?", string(domain.SyncPending)).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count attempts: %w", err)
	}
	return n, nil
}

// Resolve records the terminal outcome of an attempt in the ledger and
// removes the attempt, in one transaction. An empty status removes the
// attempt without touching the ledger.
func (q *Queue) Resolve(ctx context.Context, a domain.RedemptionAttempt, status domain.ClaimStatus, outcome string) error {
	return q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if status != "" {
			if err := q.record(tx, a, status, outcome); err != nil {
				return err
			}
		}
		if err := tx.Where("local_id = ?", a.LocalID).Delete(&Attempt{}).Error; err != nil {
			return fmt.Errorf("remove attempt %s: %w", a.LocalID, err)
		}
		return nil
	})
}

// Defer counts a failed replay of the attempt and returns the new total.
func (q *Queue) Defer(ctx context.Context, localID string) (int, error) {
	var failures int
	err := q.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&Attempt{}).Where("local_id = ?", localID).
			Update("failures", gorm.Expr("failures + 1"))
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return domain.ErrNotFound
		}
		return tx.Model(&Attempt{}).Where("local_id = ?", localID).
			Pluck("failures", &failures).Error
	})
	if err != nil {
		return 0, fmt.Errorf("defer attempt %s: %w", localID, err)
	}
	return failures, nil
}

// RecordStatus updates the ledger for an attempt that never entered the
// queue, such as an online redemption.
func (q *Queue) RecordStatus(ctx context.Context, a domain.RedemptionAttempt, status domain.ClaimStatus, outcome string) error {
	return q.record(q.db.WithContext(ctx), a, status, outcome)
}

func (q *Queue) record(tx *gorm.DB, a domain.RedemptionAttempt, status domain.ClaimStatus, outcome string) error {
	entry := LedgerEntry{
		Ref:          Ref(a),
		UserCouponID: a.UserCouponID,
		Status:       string(status),
		Outcome:      outcome,
		ResolvedAt:   q.now().UTC(),
	}
	if err := tx.Clauses(clause.OnConflict{UpdateAll: true}).Create(&entry).Error; err != nil {
		return fmt.Errorf("record local status: %w", err)
	}
	return nil
}

// LocalStatus returns the last resolved status the device saw for ref.
func (q *Queue) LocalStatus(ctx context.Context, ref string) (domain.ClaimStatus, bool, error) {
	var entry LedgerEntry
	err := q.db.WithContext(ctx).Where("ref = ?", ref).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read local status: %w", err)
	}
	return domain.ClaimStatus(entry.Status), true, nil
}

// Ref names the coupon an attempt targets by the identifier the merchant used.
func Ref(a domain.RedemptionAttempt) string {
	switch {
	case a.UserCouponID > 0:
		return "id:" + strconv.FormatInt(a.UserCouponID, 10)
	case a.Code != "":
		return "code:" + a.Code
	}
	return "pin:" + strconv.FormatInt(a.StoreID, 10) + ":" + a.PinCode
}

func toRow(a domain.RedemptionAttempt) Attempt {
	return Attempt{
		LocalID:      a.LocalID,
		UserCouponID: a.UserCouponID,
		Code:         a.Code,
		PinCode:      a.PinCode,
		StoreID:      a.StoreID,
		AttemptedAt:  a.AttemptedAt.UTC(),
		SyncStatus:   string(a.SyncStatus),
	}
}

func (r Attempt) toDomain() domain.RedemptionAttempt {
	return domain.RedemptionAttempt{
		LocalID:      r.LocalID,
		UserCouponID: r.UserCouponID,
		Code:         r.Code,
		PinCode:      r.PinCode,
		StoreID:      r.StoreID,
		AttemptedAt:  r.AttemptedAt,
		SyncStatus:   domain.SyncStatus(r.SyncStatus),
		Failures:     r.Failures,
	}
}
