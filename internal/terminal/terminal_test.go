package terminal

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/azizikri/coupon-redemption/internal/usecase"
)

type mockVerifier struct {
	verifyFn func(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error)
	last     usecase.VerifyRequest
}

func (m *mockVerifier) Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
	m.last = req
	return m.verifyFn(ctx, req)
}

type recorded struct {
	attempt domain.RedemptionAttempt
	status  domain.ClaimStatus
	outcome string
}

type mockQueue struct {
	enqueueFn func(ctx context.Context, a domain.RedemptionAttempt) (domain.RedemptionAttempt, error)
	enqueued  []domain.RedemptionAttempt
	records   []recorded
}

func (m *mockQueue) Enqueue(ctx context.Context, a domain.RedemptionAttempt) (domain.RedemptionAttempt, error) {
	if m.enqueueFn != nil {
		return m.enqueueFn(ctx, a)
	}
	a.LocalID = "local-1"
	m.enqueued = append(m.enqueued, a)
	return a, nil
}

func (m *mockQueue) RecordStatus(_ context.Context, a domain.RedemptionAttempt, status domain.ClaimStatus, outcome string) error {
	m.records = append(m.records, recorded{attempt: a, status: status, outcome: outcome})
	return nil
}

func newTestTerminal(v Verifier, q Queue) *Terminal {
	term := New(v, q, 5, "cashier-9")
	term.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return term
}

func TestRedeem_Online(t *testing.T) {
	v := &mockVerifier{verifyFn: func(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
		return &usecase.VerifyResult{Success: true, UserCouponID: 77}, nil
	}}
	q := &mockQueue{}

	receipt, err := newTestTerminal(v, q).Redeem(context.Background(), Request{PinCode: "123456"})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if receipt.Outcome != OutcomeRedeemed || receipt.Result.UserCouponID != 77 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if v.last.StoreID != 5 || v.last.VerifiedBy != "cashier-9" {
		t.Fatalf("expected store and actor on request, got %+v", v.last)
	}
	if len(q.records) != 1 || q.records[0].status != domain.StatusUsed || q.records[0].attempt.UserCouponID != 77 {
		t.Fatalf("expected used recorded against id 77, got %+v", q.records)
	}
	if len(q.enqueued) != 0 {
		t.Fatalf("expected nothing queued, got %d", len(q.enqueued))
	}
}

func TestRedeem_AlreadyUsedIsDuplicate(t *testing.T) {
	v := &mockVerifier{verifyFn: func(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
		return nil, domain.ErrAlreadyUsed
	}}
	q := &mockQueue{}

	receipt, err := newTestTerminal(v, q).Redeem(context.Background(), Request{Code: "CPN-A"})
	if err != nil {
		t.Fatalf("expected duplicate to be benign, got %v", err)
	}
	if receipt.Outcome != OutcomeDuplicate {
		t.Fatalf("expected duplicate, got %s", receipt.Outcome)
	}
}

func TestRedeem_UnavailableIsQueued(t *testing.T) {
	v := &mockVerifier{verifyFn: func(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
		return nil, domain.ErrUnavailable
	}}
	q := &mockQueue{}

	receipt, err := newTestTerminal(v, q).Redeem(context.Background(), Request{UserCouponID: 9})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if receipt.Outcome != OutcomeOfflineQueued || receipt.LocalID != "local-1" {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(q.enqueued) != 1 || q.enqueued[0].UserCouponID != 9 || q.enqueued[0].StoreID != 5 {
		t.Fatalf("unexpected queued attempts %+v", q.enqueued)
	}
}

func TestRedeem_QueueFailureSurfaces(t *testing.T) {
	v := &mockVerifier{verifyFn: func(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
		return nil, domain.ErrUnavailable
	}}
	q := &mockQueue{enqueueFn: func(ctx context.Context, a domain.RedemptionAttempt) (domain.RedemptionAttempt, error) {
		return a, errors.New("disk I/O error")
	}}

	if _, err := newTestTerminal(v, q).Redeem(context.Background(), Request{Code: "CPN-A"}); err == nil {
		t.Fatal("expected error, got nil")
	}
}

func TestRedeem_BusinessRejection(t *testing.T) {
	tests := []struct {
		err        error
		wantRecord bool
	}{
		{domain.ErrWrongStore, false},
		{domain.ErrNotFound, false},
		{domain.ErrCouponExpired, true},
	}
	for _, tt := range tests {
		v := &mockVerifier{verifyFn: func(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
			return nil, tt.err
		}}
		q := &mockQueue{}
		_, err := newTestTerminal(v, q).Redeem(context.Background(), Request{Code: "CPN-A"})
		if !errors.Is(err, tt.err) {
			t.Fatalf("expected %v, got %v", tt.err, err)
		}
		if (len(q.records) == 1) != tt.wantRecord {
			t.Fatalf("%v: unexpected records %+v", tt.err, q.records)
		}
		if len(q.enqueued) != 0 {
			t.Fatalf("%v: rejection must not be queued", tt.err)
		}
	}
}
