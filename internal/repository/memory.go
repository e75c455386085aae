package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
)

// MemoryStore is a single-writer, process-local Store. One mutex serializes
// every mutation, which gives the same compare-and-swap outcome as the
// conditional SQL updates in the postgres store. It backs DB_DRIVER=memory
// and the package tests of the services built on Store.
type MemoryStore struct {
	mu    sync.Mutex
	state *memState
	// publishMu serializes outbox publishers so the head of the outbox stays
	// theirs while fn runs without mu.
	publishMu sync.Mutex
}

type memState struct {
	coupons      map[int64]domain.Coupon
	claims       map[int64]domain.UserCoupon
	codes        map[string]int64
	guards       map[string]struct{}
	usage        []domain.Usage
	outbox       []domain.RedeemedEvent
	outboxTotal  int
	nextCouponID int64
	nextClaimID  int64
	nextUsageID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{state: &memState{
		coupons: make(map[int64]domain.Coupon),
		claims:  make(map[int64]domain.UserCoupon),
		codes:   make(map[string]int64),
		guards:  make(map[string]struct{}),
	}}
}

func (s *memState) clone() *memState {
	c := &memState{
		coupons:      make(map[int64]domain.Coupon, len(s.coupons)),
		claims:       make(map[int64]domain.UserCoupon, len(s.claims)),
		codes:        make(map[string]int64, len(s.codes)),
		guards:       make(map[string]struct{}, len(s.guards)),
		usage:        append([]domain.Usage(nil), s.usage...),
		outbox:       append([]domain.RedeemedEvent(nil), s.outbox...),
		outboxTotal:  s.outboxTotal,
		nextCouponID: s.nextCouponID,
		nextClaimID:  s.nextClaimID,
		nextUsageID:  s.nextUsageID,
	}
	for k, v := range s.coupons {
		c.coupons[k] = v
	}
	for k, v := range s.claims {
		c.claims[k] = v
	}
	for k, v := range s.codes {
		c.codes[k] = v
	}
	for k := range s.guards {
		c.guards[k] = struct{}{}
	}
	return c
}

// ExecTx runs fn against a copy of the state and swaps it in on success, so a
// failed fn leaves no partial effect.
func (m *MemoryStore) ExecTx(ctx context.Context, fn func(Querier) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	working := m.state.clone()
	if err := fn(&memTx{s: working}); err != nil {
		return err
	}
	m.state = working
	return nil
}

func (m *MemoryStore) CreateCoupon(_ context.Context, arg CreateCouponParams) (domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if arg.TotalQuantity < 0 {
		return domain.Coupon{}, fmt.Errorf("total quantity must not be negative")
	}
	m.state.nextCouponID++
	c := domain.Coupon{
		ID:                m.state.nextCouponID,
		StoreID:           arg.StoreID,
		Title:             arg.Title,
		DiscountType:      arg.DiscountType,
		DiscountValue:     arg.DiscountValue,
		MinPurchase:       arg.MinPurchase,
		MaxDiscount:       arg.MaxDiscount,
		TotalQuantity:     arg.TotalQuantity,
		RemainingQuantity: arg.TotalQuantity,
		StartDate:         arg.StartDate,
		EndDate:           arg.EndDate,
		IsActive:          arg.IsActive,
		CreatedAt:         time.Now(),
	}
	m.state.coupons[c.ID] = c
	return c, nil
}

func (m *MemoryStore) GetCoupon(_ context.Context, id int64) (domain.Coupon, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.state.coupons[id]
	if !ok {
		return domain.Coupon{}, domain.ErrNotFound
	}
	return c, nil
}

func (m *MemoryStore) GetClaim(_ context.Context, lookup ClaimLookup) (domain.ClaimDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := lookup.ID
	if id == 0 {
		id = m.state.codes[lookup.Code]
	}
	uc, ok := m.state.claims[id]
	if !ok {
		return domain.ClaimDetail{}, domain.ErrNotFound
	}
	return m.state.detail(uc), nil
}

func (s *memState) detail(uc domain.UserCoupon) domain.ClaimDetail {
	c := s.coupons[uc.CouponID]
	return domain.ClaimDetail{
		UserCoupon:    uc,
		StoreID:       c.StoreID,
		CouponTitle:   c.Title,
		DiscountType:  c.DiscountType,
		DiscountValue: c.DiscountValue,
	}
}

func (m *MemoryStore) filterClaims(keep func(domain.ClaimDetail) bool) []domain.ClaimDetail {
	var out []domain.ClaimDetail
	for _, uc := range m.state.claims {
		if d := m.state.detail(uc); keep(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DownloadedAt.Equal(out[j].DownloadedAt) {
			return out[i].DownloadedAt.After(out[j].DownloadedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

func (m *MemoryStore) FindClaimsByPin(_ context.Context, pin string, storeID int64) ([]domain.ClaimDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.filterClaims(func(d domain.ClaimDetail) bool {
		return d.PinCode == pin && d.StoreID == storeID
	}), nil
}

func (m *MemoryStore) ListClaimsByUser(_ context.Context, userID string) ([]domain.ClaimDetail, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.filterClaims(func(d domain.ClaimDetail) bool { return d.UserID == userID }), nil
}

func (m *MemoryStore) ListUsageByStore(_ context.Context, storeID int64) ([]domain.Usage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []domain.Usage
	for _, u := range m.state.usage {
		if u.StoreID == storeID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UsedAt.After(out[j].UsedAt) })
	return out, nil
}

func (m *MemoryStore) HasStoreUsageSince(_ context.Context, userID string, storeID int64, since time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, u := range m.state.usage {
		if u.UserID == userID && u.StoreID == storeID && u.UsedAt.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryStore) ExpireClaim(_ context.Context, id int64, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	uc, ok := m.state.claims[id]
	if !ok || uc.Status != domain.StatusActive || !uc.ExpiresAt.Before(now) {
		return false, nil
	}
	uc.Status = domain.StatusExpired
	m.state.claims[id] = uc
	return true, nil
}

func (m *MemoryStore) ExpireOverdue(_ context.Context, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, uc := range m.state.claims {
		if uc.Status == domain.StatusActive && uc.ExpiresAt.Before(now) {
			uc.Status = domain.StatusExpired
			m.state.claims[id] = uc
			n++
		}
	}
	return n, nil
}

// PublishOutbox calls fn without holding the store lock. Published events
// are dropped from the outbox.
func (m *MemoryStore) PublishOutbox(_ context.Context, limit int, fn func([]domain.RedeemedEvent) error) (int, error) {
	m.publishMu.Lock()
	defer m.publishMu.Unlock()

	m.mu.Lock()
	n := min(limit, len(m.state.outbox))
	events := append([]domain.RedeemedEvent(nil), m.state.outbox[:n]...)
	m.mu.Unlock()

	if len(events) == 0 {
		return 0, nil
	}
	if err := fn(events); err != nil {
		return 0, err
	}

	m.mu.Lock()
	m.state.outbox = m.state.outbox[len(events):]
	m.mu.Unlock()
	return len(events), nil
}

// OutboxLen counts redeemed events recorded so far, published or not.
func (m *MemoryStore) OutboxLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.outboxTotal
}

// memTx implements Querier on a working copy held under MemoryStore.mu.
type memTx struct {
	s *memState
}

func (t *memTx) DecrementRemaining(_ context.Context, couponID int64) (int64, error) {
	c, ok := t.s.coupons[couponID]
	if !ok || c.RemainingQuantity <= 0 {
		return 0, nil
	}
	c.RemainingQuantity--
	t.s.coupons[couponID] = c
	return 1, nil
}

func (t *memTx) InsertClaimGuard(_ context.Context, couponID int64, subject string) (int64, error) {
	key := fmt.Sprintf("%d|%s", couponID, subject)
	if _, exists := t.s.guards[key]; exists {
		return 0, nil
	}
	t.s.guards[key] = struct{}{}
	return 1, nil
}

func (t *memTx) InsertUserCoupon(_ context.Context, arg InsertUserCouponParams) (domain.UserCoupon, error) {
	if _, exists := t.s.codes[arg.Code]; exists {
		return domain.UserCoupon{}, ErrDuplicateCode
	}
	if _, ok := t.s.coupons[arg.CouponID]; !ok {
		return domain.UserCoupon{}, domain.ErrNotFound
	}
	t.s.nextClaimID++
	uc := domain.UserCoupon{
		ID:           t.s.nextClaimID,
		CouponID:     arg.CouponID,
		UserID:       arg.UserID,
		Code:         arg.Code,
		PinCode:      arg.PinCode,
		DeviceID:     arg.DeviceID,
		Status:       domain.StatusActive,
		DownloadedAt: arg.DownloadedAt,
		ExpiresAt:    arg.ExpiresAt,
	}
	t.s.claims[uc.ID] = uc
	t.s.codes[uc.Code] = uc.ID
	return uc, nil
}

func (t *memTx) RedeemClaim(_ context.Context, id int64, now time.Time) (int64, error) {
	uc, ok := t.s.claims[id]
	if !ok || uc.Status != domain.StatusActive || uc.ExpiresAt.Before(now) {
		return 0, nil
	}
	usedAt := now
	uc.Status = domain.StatusUsed
	uc.UsedAt = &usedAt
	t.s.claims[id] = uc
	return 1, nil
}

func (t *memTx) GetClaimStatus(_ context.Context, id int64) (domain.ClaimStatus, time.Time, error) {
	uc, ok := t.s.claims[id]
	if !ok {
		return "", time.Time{}, domain.ErrNotFound
	}
	return uc.Status, uc.ExpiresAt, nil
}

func (t *memTx) InsertUsage(_ context.Context, usage domain.Usage) error {
	for _, u := range t.s.usage {
		if u.UserCouponID == usage.UserCouponID {
			return fmt.Errorf("usage for user coupon %d already recorded", usage.UserCouponID)
		}
	}
	t.s.nextUsageID++
	usage.ID = t.s.nextUsageID
	t.s.usage = append(t.s.usage, usage)
	return nil
}

func (t *memTx) InsertOutboxEvent(_ context.Context, event domain.RedeemedEvent) error {
	t.s.outbox = append(t.s.outbox, event)
	t.s.outboxTotal++
	return nil
}

var (
	_ Store   = (*MemoryStore)(nil)
	_ Querier = (*memTx)(nil)
)
