package offline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
)

func setupQueueTest(t *testing.T) *Queue {
	t.Helper()
	dsn := fmt.Sprintf("file:offline_queue_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	q, err := Open(dsn)
	if err != nil {
		t.Fatalf("open queue failed: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestQueueDrainIsFIFO(t *testing.T) {
	q := setupQueueTest(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	inputs := []domain.RedemptionAttempt{
		{UserCouponID: 3, StoreID: 1, AttemptedAt: base.Add(2 * time.Second)},
		{Code: "CPN-A", StoreID: 1, AttemptedAt: base},
		{PinCode: "123456", StoreID: 1, AttemptedAt: base.Add(time.Second)},
		{UserCouponID: 9, StoreID: 1, AttemptedAt: base.Add(time.Second)},
	}
	for _, a := range inputs {
		if _, err := q.Enqueue(ctx, a); err != nil {
			t.Fatalf("enqueue failed: %v", err)
		}
	}

	got, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	want := []string{"code:CPN-A", "pin:1:123456", "id:9", "id:3"}
	if len(got) != len(want) {
		t.Fatalf("expected %d attempts, got %d", len(want), len(got))
	}
	for i, a := range got {
		if Ref(a) != want[i] {
			t.Fatalf("position %d: expected %s, got %s", i, want[i], Ref(a))
		}
		if a.SyncStatus != domain.SyncPending || a.LocalID == "" {
			t.Fatalf("unexpected attempt %+v", a)
		}
	}
}

func TestQueueEnqueueDefaultsAndDedup(t *testing.T) {
	q := setupQueueTest(t)
	ctx := context.Background()
	fixed := time.Date(2026, 3, 1, 9, 30, 0, 0, time.UTC)
	q.now = func() time.Time { return fixed }

	a, err := q.Enqueue(ctx, domain.RedemptionAttempt{Code: "CPN-A", StoreID: 1})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if a.LocalID == "" || !a.AttemptedAt.Equal(fixed) {
		t.Fatalf("expected defaults to be filled, got %+v", a)
	}
	if _, err := q.Enqueue(ctx, a); err != nil {
		t.Fatalf("re-enqueue failed: %v", err)
	}
	n, err := q.Pending(ctx)
	if err != nil {
		t.Fatalf("pending failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 pending, got %d", n)
	}

	if _, err := q.Enqueue(ctx, domain.RedemptionAttempt{StoreID: 1}); !errors.Is(err, domain.ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}

func TestQueueResolveRecordsLocalStatus(t *testing.T) {
	q := setupQueueTest(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, domain.RedemptionAttempt{UserCouponID: 42, StoreID: 1})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if _, ok, _ := q.LocalStatus(ctx, Ref(a)); ok {
		t.Fatal("expected no local status before resolve")
	}

	if err := q.Resolve(ctx, a, domain.StatusUsed, "redeemed"); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	status, ok, err := q.LocalStatus(ctx, "id:42")
	if err != nil || !ok || status != domain.StatusUsed {
		t.Fatalf("expected used, got %q %v %v", status, ok, err)
	}
	if n, _ := q.Pending(ctx); n != 0 {
		t.Fatalf("expected empty queue, got %d", n)
	}

	b, _ := q.Enqueue(ctx, domain.RedemptionAttempt{UserCouponID: 42, StoreID: 1})
	if err := q.Resolve(ctx, b, domain.StatusUsed, "duplicate"); err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
}

func TestQueueRemove(t *testing.T) {
	q := setupQueueTest(t)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, domain.RedemptionAttempt{Code: "CPN-A", StoreID: 1})
	b, _ := q.Enqueue(ctx, domain.RedemptionAttempt{Code: "CPN-B", StoreID: 1})
	if err := q.Remove(ctx, a.LocalID); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	got, _ := q.Drain(ctx)
	if len(got) != 1 || got[0].LocalID != b.LocalID {
		t.Fatalf("expected only %s left, got %+v", b.LocalID, got)
	}
}

func TestQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	ctx := context.Background()

	q, err := Open(path)
	if err != nil {
		t.Fatalf("open failed: %v", err)
	}
	a, err := q.Enqueue(ctx, domain.RedemptionAttempt{Code: "CPN-A", StoreID: 1})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	if err := q.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	q, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer q.Close()
	got, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(got) != 1 || got[0].LocalID != a.LocalID {
		t.Fatalf("expected attempt to survive reopen, got %+v", got)
	}
}

func TestQueueDeferCountsFailures(t *testing.T) {
	q := setupQueueTest(t)
	ctx := context.Background()

	a, err := q.Enqueue(ctx, domain.RedemptionAttempt{Code: "CPN-A", StoreID: 1})
	if err != nil {
		t.Fatalf("enqueue failed: %v", err)
	}
	for want := 1; want <= 3; want++ {
		got, err := q.Defer(ctx, a.LocalID)
		if err != nil {
			t.Fatalf("defer failed: %v", err)
		}
		if got != want {
			t.Fatalf("expected %d failures, got %d", want, got)
		}
	}

	drained, err := q.Drain(ctx)
	if err != nil {
		t.Fatalf("drain failed: %v", err)
	}
	if len(drained) != 1 || drained[0].Failures != 3 {
		t.Fatalf("expected failures carried on the attempt, got %+v", drained)
	}

	if _, err := q.Defer(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
