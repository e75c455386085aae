package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/azizikri/coupon-redemption/internal/codegen"
	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/azizikri/coupon-redemption/internal/offline"
	"github.com/azizikri/coupon-redemption/internal/repository"
	"github.com/azizikri/coupon-redemption/internal/terminal"
	"github.com/azizikri/coupon-redemption/internal/usecase"
)

// networkVerifier routes to the engine unless the link is down. With
// dropAcks set, the request reaches the server but the reply is lost.
type networkVerifier struct {
	engine   *usecase.RedemptionEngine
	down     atomic.Bool
	dropAcks atomic.Int32
	calls    atomic.Int32
}

func (v *networkVerifier) Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
	v.calls.Add(1)
	if v.down.Load() {
		return nil, fmt.Errorf("%w: dial tcp: connection refused", domain.ErrUnavailable)
	}
	res, err := v.engine.Verify(ctx, req)
	if v.dropAcks.Load() > 0 {
		v.dropAcks.Add(-1)
		return nil, fmt.Errorf("%w: read: connection reset by peer", domain.ErrUnavailable)
	}
	return res, err
}

type harness struct {
	store    *repository.MemoryStore
	queue    *offline.Queue
	network  *networkVerifier
	claims   *usecase.ClaimService
	couponID int64
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore()
	catalog := usecase.NewCouponCatalog(store)
	coupon, err := catalog.CreateCoupon(ctx, usecase.CreateCouponInput{
		StoreID:       1,
		Title:         "Free cookie",
		DiscountType:  domain.DiscountFreebie,
		TotalQuantity: 10,
		StartDate:     time.Now().Add(-time.Hour),
		EndDate:       time.Now().Add(24 * time.Hour),
		IsActive:      true,
	})
	if err != nil {
		t.Fatalf("create coupon: %v", err)
	}

	dsn := fmt.Sprintf("file:syncer_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	queue, err := offline.Open(dsn)
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	t.Cleanup(func() { _ = queue.Close() })

	return &harness{
		store:    store,
		queue:    queue,
		network:  &networkVerifier{engine: usecase.NewRedemptionEngine(store)},
		claims:   usecase.NewClaimService(store, catalog, codegen.New(), usecase.ClaimPolicy{}),
		couponID: coupon.ID,
	}
}

func (h *harness) claim(t *testing.T, userID string) *domain.UserCoupon {
	t.Helper()
	uc, err := h.claims.Claim(context.Background(), usecase.ClaimRequest{UserID: userID, CouponID: h.couponID})
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	return uc
}

func (h *harness) serverStatus(t *testing.T, id int64) domain.ClaimStatus {
	t.Helper()
	d, err := h.store.GetClaim(context.Background(), repository.ClaimLookup{ID: id})
	if err != nil {
		t.Fatalf("get claim: %v", err)
	}
	return d.Status
}

func (h *harness) pending(t *testing.T) int64 {
	t.Helper()
	n, err := h.queue.Pending(context.Background())
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	return n
}

func TestReconciler_OfflineRedemptionReplays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	uc := h.claim(t, "user1")
	term := terminal.New(h.network, h.queue, 1, "cashier-1")

	h.network.down.Store(true)
	receipt, err := term.Redeem(ctx, terminal.Request{Code: uc.Code})
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if receipt.Outcome != terminal.OutcomeOfflineQueued || receipt.LocalID == "" {
		t.Fatalf("expected offline queued receipt, got %+v", receipt)
	}
	if got := h.pending(t); got != 1 {
		t.Fatalf("expected 1 queued attempt, got %d", got)
	}
	if got := h.serverStatus(t, uc.ID); got != domain.StatusActive {
		t.Fatalf("expected server status active while offline, got %s", got)
	}

	h.network.down.Store(false)
	report, err := NewReconciler(h.queue, h.network, "cashier-1").Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Redeemed != 1 || report.Remaining != 0 {
		t.Fatalf("unexpected report %+v", report)
	}
	if got := h.pending(t); got != 0 {
		t.Fatalf("expected empty queue, got %d", got)
	}
	status, ok, err := h.queue.LocalStatus(ctx, "code:"+uc.Code)
	if err != nil || !ok || status != domain.StatusUsed {
		t.Fatalf("expected local status used, got %q %v %v", status, ok, err)
	}
	if got := h.serverStatus(t, uc.ID); got != domain.StatusUsed {
		t.Fatalf("expected server status used, got %s", got)
	}
	if h.store.OutboxLen() != 1 {
		t.Fatalf("expected 1 redeemed event, got %d", h.store.OutboxLen())
	}
}

func TestReconciler_ReplayAfterLostAckIsDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	uc := h.claim(t, "user1")

	a, err := h.queue.Enqueue(ctx, domain.RedemptionAttempt{UserCouponID: uc.ID, StoreID: 1})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	rec := NewReconciler(h.queue, h.network, "cashier-1")

	// First replay is applied by the server but the reply never arrives.
	h.network.dropAcks.Store(1)
	report, err := rec.Drain(ctx)
	if err != nil {
		t.Fatalf("first drain: %v", err)
	}
	if report.Remaining != 1 || h.pending(t) != 1 {
		t.Fatalf("expected attempt to stay queued, got %+v", report)
	}
	if got := h.serverStatus(t, uc.ID); got != domain.StatusUsed {
		t.Fatalf("expected server status used, got %s", got)
	}

	report, err = rec.Drain(ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if report.Duplicates != 1 || len(report.Resolved) != 1 || report.Resolved[0].LocalID != a.LocalID {
		t.Fatalf("expected duplicate outcome, got %+v", report)
	}
	if report.Resolved[0].SyncStatus != domain.SyncResolved {
		t.Fatalf("expected resolved sync status, got %s", report.Resolved[0].SyncStatus)
	}
	if got := h.pending(t); got != 0 {
		t.Fatalf("expected empty queue, got %d", got)
	}
	if h.store.OutboxLen() != 1 {
		t.Fatalf("expected exactly 1 redeemed event, got %d", h.store.OutboxLen())
	}
}

func TestReconciler_StopsAtUnavailableKeepingOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	base := time.Now()

	var ids []int64
	for i := 0; i < 3; i++ {
		uc := h.claim(t, fmt.Sprintf("user%d", i))
		ids = append(ids, uc.ID)
		if _, err := h.queue.Enqueue(ctx, domain.RedemptionAttempt{
			UserCouponID: uc.ID,
			StoreID:      1,
			AttemptedAt:  base.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatal(err)
		}
	}

	flaky := &flakyVerifier{next: h.network, failOn: 2}
	report, err := NewReconciler(h.queue, flaky, "").Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Redeemed != 1 || report.Remaining != 2 {
		t.Fatalf("unexpected report %+v", report)
	}
	if flaky.calls != 2 {
		t.Fatalf("expected pass to stop after the failure, got %d calls", flaky.calls)
	}

	left, _ := h.queue.Drain(ctx)
	if len(left) != 2 || left[0].UserCouponID != ids[1] || left[1].UserCouponID != ids[2] {
		t.Fatalf("expected ids %v to remain in order, got %+v", ids[1:], left)
	}
}

type flakyVerifier struct {
	next   Verifier
	failOn int
	calls  int
}

func (f *flakyVerifier) Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
	f.calls++
	if f.calls == f.failOn {
		return nil, domain.ErrUnavailable
	}
	return f.next.Verify(ctx, req)
}

func TestReconciler_TerminalRejectionIsRemoved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	uc := h.claim(t, "user1")

	if _, err := h.queue.Enqueue(ctx, domain.RedemptionAttempt{Code: uc.Code, StoreID: 2}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.queue.Enqueue(ctx, domain.RedemptionAttempt{Code: "CPN-UNKNOWN", StoreID: 1}); err != nil {
		t.Fatal(err)
	}

	report, err := NewReconciler(h.queue, h.network, "").Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if report.Rejected != 2 {
		t.Fatalf("expected 2 rejected, got %+v", report)
	}
	if got := h.pending(t); got != 0 {
		t.Fatalf("expected empty queue, got %d", got)
	}
	if got := h.serverStatus(t, uc.ID); got != domain.StatusActive {
		t.Fatalf("expected wrong-store attempt to leave claim active, got %s", got)
	}
}

// fixedPinCodes hands every claim the same PIN with distinct codes.
type fixedPinCodes struct{ n atomic.Int64 }

func (g *fixedPinCodes) Generate() (string, string, error) {
	return fmt.Sprintf("CPN-PIN-%06d", g.n.Add(1)), "777777", nil
}

func TestReconciler_PinReplayAfterLostAckSkipsNewerClaim(t *testing.T) {
	h := newHarness(t)
	h.claims = usecase.NewClaimService(h.store, usecase.NewCouponCatalog(h.store), &fixedPinCodes{}, usecase.ClaimPolicy{})
	ctx := context.Background()
	alice := h.claim(t, "alice")
	time.Sleep(5 * time.Millisecond)

	term := terminal.New(h.network, h.queue, 1, "cashier-1")
	h.network.down.Store(true)
	receipt, err := term.Redeem(ctx, terminal.Request{PinCode: "777777"})
	if err != nil || receipt.Outcome != terminal.OutcomeOfflineQueued {
		t.Fatalf("expected offline queued receipt, got %+v, %v", receipt, err)
	}
	h.network.down.Store(false)

	rec := NewReconciler(h.queue, h.network, "cashier-1")
	h.network.dropAcks.Store(1)
	if report, err := rec.Drain(ctx); err != nil || report.Remaining != 1 {
		t.Fatalf("expected attempt to stay queued, got %+v, %v", report, err)
	}
	if got := h.serverStatus(t, alice.ID); got != domain.StatusUsed {
		t.Fatalf("expected alice's claim used, got %s", got)
	}

	time.Sleep(5 * time.Millisecond)
	bob := h.claim(t, "bob")

	report, err := rec.Drain(ctx)
	if err != nil {
		t.Fatalf("second drain: %v", err)
	}
	if report.Duplicates != 1 || report.Redeemed != 0 || h.pending(t) != 0 {
		t.Fatalf("expected duplicate outcome, got %+v", report)
	}
	if got := h.serverStatus(t, bob.ID); got != domain.StatusActive {
		t.Fatalf("expected bob's claim to stay active, got %s", got)
	}
	if h.store.OutboxLen() != 1 {
		t.Fatalf("expected exactly 1 redeemed event, got %d", h.store.OutboxLen())
	}
}

// brokenVerifier fails attempts for one code with an error that is neither
// an answer nor a lost connection.
type brokenVerifier struct {
	next Verifier
	code string
}

func (b *brokenVerifier) Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
	if req.Code == b.code {
		return nil, errors.New("unexpected status 502: bad gateway")
	}
	return b.next.Verify(ctx, req)
}

func TestReconciler_GivesUpAfterRepeatedUnexpectedErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	uc := h.claim(t, "user1")
	base := time.Now()

	stuck, err := h.queue.Enqueue(ctx, domain.RedemptionAttempt{Code: "CPN-BROKEN", StoreID: 1, AttemptedAt: base})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.queue.Enqueue(ctx, domain.RedemptionAttempt{Code: uc.Code, StoreID: 1, AttemptedAt: base.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	rec := NewReconciler(h.queue, &brokenVerifier{next: h.network, code: "CPN-BROKEN"}, "cashier-1")

	for i := 1; i < maxDeferrals; i++ {
		report, err := rec.Drain(ctx)
		if err != nil {
			t.Fatalf("drain %d: %v", i, err)
		}
		if report.Remaining != 2 || len(report.Resolved) != 0 {
			t.Fatalf("drain %d: expected both attempts kept, got %+v", i, report)
		}
	}
	if got := h.serverStatus(t, uc.ID); got != domain.StatusActive {
		t.Fatalf("expected later attempt held back, got %s", got)
	}

	report, err := rec.Drain(ctx)
	if err != nil {
		t.Fatalf("final drain: %v", err)
	}
	if report.Rejected != 1 || report.Redeemed != 1 || report.Remaining != 0 {
		t.Fatalf("expected stuck attempt rejected and the next redeemed, got %+v", report)
	}
	if report.Resolved[0].LocalID != stuck.LocalID {
		t.Fatalf("expected %s resolved first, got %+v", stuck.LocalID, report.Resolved)
	}
	if got := h.pending(t); got != 0 {
		t.Fatalf("expected empty queue, got %d", got)
	}
}

// blockingVerifier holds every call until release is closed.
type blockingVerifier struct {
	calls   atomic.Int32
	entered chan struct{}
	release chan struct{}
}

func (b *blockingVerifier) Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
	if b.calls.Add(1) == 1 {
		close(b.entered)
	}
	<-b.release
	return &usecase.VerifyResult{Success: true, UserCouponID: req.UserCouponID}, nil
}

func TestReconciler_ConcurrentDrainsShareOnePass(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	if _, err := h.queue.Enqueue(ctx, domain.RedemptionAttempt{UserCouponID: 1, StoreID: 1}); err != nil {
		t.Fatal(err)
	}

	v := &blockingVerifier{entered: make(chan struct{}), release: make(chan struct{})}
	rec := NewReconciler(h.queue, v, "")

	var wg sync.WaitGroup
	reports := make([]Report, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		reports[0], _ = rec.Drain(ctx)
	}()
	<-v.entered
	for i := 1; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reports[i], _ = rec.Drain(ctx)
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(v.release)
	wg.Wait()

	if got := v.calls.Load(); got != 1 {
		t.Fatalf("expected a single verify call, got %d", got)
	}
	for i, r := range reports {
		if r.Redeemed != 1 {
			t.Fatalf("drain %d: expected shared report, got %+v", i, r)
		}
	}
}

func TestReconciler_RunDrainsOnWake(t *testing.T) {
	h := newHarness(t)
	uc := h.claim(t, "user1")
	rec := NewReconciler(h.queue, h.network, "")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx, time.Hour) }()

	for i := 0; i < 5; i++ {
		rec.Wake()
	}
	if _, err := h.queue.Enqueue(context.Background(), domain.RedemptionAttempt{UserCouponID: uc.ID, StoreID: 1}); err != nil {
		t.Fatal(err)
	}
	rec.Wake()

	deadline := time.Now().Add(2 * time.Second)
	for h.pending(t) != 0 {
		if time.Now().After(deadline) {
			t.Fatal("queue was not drained after wake")
		}
		rec.Wake()
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}
	if got := h.serverStatus(t, uc.ID); got != domain.StatusUsed {
		t.Fatalf("expected used, got %s", got)
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		err     error
		status  domain.ClaimStatus
		outcome string
	}{
		{nil, domain.StatusUsed, OutcomeRedeemed},
		{fmt.Errorf("wrapped: %w", domain.ErrAlreadyUsed), domain.StatusUsed, OutcomeDuplicate},
		{domain.ErrCouponExpired, domain.StatusExpired, OutcomeExpired},
		{domain.ErrWrongStore, "", OutcomeRejected},
		{errors.New("anything else"), "", OutcomeRejected},
	}
	for _, tt := range tests {
		status, outcome := classify(tt.err)
		if status != tt.status || outcome != tt.outcome {
			t.Fatalf("classify(%v) = %q %q, want %q %q", tt.err, status, outcome, tt.status, tt.outcome)
		}
	}
}
