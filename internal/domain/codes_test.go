package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorCode_Wrapped(t *testing.T) {
	err := fmt.Errorf("%w: store_id is required", ErrInvalidRequest)
	if got := ErrorCode(err); got != CodeInvalidRequest {
		t.Fatalf("expected %s, got %s", CodeInvalidRequest, got)
	}
	if got := ErrorCode(errors.New("boom")); got != CodeInternalError {
		t.Fatalf("expected %s, got %s", CodeInternalError, got)
	}
}

func TestErrorFromCode(t *testing.T) {
	if err := ErrorFromCode(CodeAlreadyUsed); !errors.Is(err, ErrAlreadyUsed) {
		t.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
	if err := ErrorFromCode(CodeRateLimited); err != nil {
		t.Fatalf("expected nil for rate limited, got %v", err)
	}
}

func TestErrorCode_SeveralSentinelsIsStable(t *testing.T) {
	err := errors.Join(ErrInvalidRequest, ErrNotFound, ErrAlreadyUsed)
	for i := 0; i < 50; i++ {
		if got := ErrorCode(err); got != CodeAlreadyUsed {
			t.Fatalf("run %d: expected %s, got %s", i, CodeAlreadyUsed, got)
		}
	}
}

func TestErrorFromCode_RoundTrip(t *testing.T) {
	for _, c := range codeErrors {
		if got := ErrorCode(ErrorFromCode(c.code)); got != c.code {
			t.Fatalf("expected %s, got %s", c.code, got)
		}
	}
}
