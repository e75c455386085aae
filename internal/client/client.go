// Package client is the merchant device's HTTP client for the redemption API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/azizikri/coupon-redemption/internal/usecase"
	"github.com/shopspring/decimal"
)

const ActorHeader = "X-Actor-ID"

type Client struct {
	baseURL string
	actorID string
	http    *http.Client
}

func New(baseURL, actorID string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		actorID: actorID,
		http:    &http.Client{Timeout: timeout},
	}
}

type verifyBody struct {
	UserCouponID int64      `json:"user_coupon_id,omitempty"`
	Code         string     `json:"code,omitempty"`
	PinCode      string     `json:"pin_code,omitempty"`
	StoreID      int64      `json:"store_id"`
	AttemptedAt  *time.Time `json:"attempted_at,omitempty"`
}

type verifyResponse struct {
	Success       bool                `json:"success"`
	UserCouponID  int64               `json:"user_coupon_id"`
	CouponTitle   string              `json:"coupon_title"`
	DiscountType  domain.DiscountType `json:"discount_type"`
	DiscountValue decimal.Decimal     `json:"discount_value"`
	UsedAt        *time.Time          `json:"used_at"`
}

type errorResponse struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

// Verify calls POST /api/redemptions/verify. Transport failures, 5xx and rate
// limiting come back wrapping domain.ErrUnavailable; business outcomes come
// back as their domain sentinel.
func (c *Client) Verify(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
	return c.redemption(ctx, "/api/redemptions/verify", req)
}

func (c *Client) Preview(ctx context.Context, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
	return c.redemption(ctx, "/api/redemptions/preview", req)
}

// Health reports whether the server answers GET /health.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: health returned %d", domain.ErrUnavailable, resp.StatusCode)
	}
	return nil
}

func (c *Client) redemption(ctx context.Context, path string, req usecase.VerifyRequest) (*usecase.VerifyResult, error) {
	body := verifyBody{
		UserCouponID: req.UserCouponID,
		Code:         req.Code,
		PinCode:      req.PinCode,
		StoreID:      req.StoreID,
	}
	if !req.AttemptedAt.IsZero() {
		at := req.AttemptedAt.UTC()
		body.AttemptedAt = &at
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	actor := req.VerifiedBy
	if actor == "" {
		actor = c.actorID
	}
	if actor != "" {
		httpReq.Header.Set(ActorHeader, actor)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", domain.ErrUnavailable, err)
	}

	if resp.StatusCode == http.StatusOK {
		var out verifyResponse
		if err := json.Unmarshal(respBody, &out); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		return &usecase.VerifyResult{
			Success:       out.Success,
			UserCouponID:  out.UserCouponID,
			CouponTitle:   out.CouponTitle,
			DiscountType:  out.DiscountType,
			DiscountValue: out.DiscountValue,
			UsedAt:        out.UsedAt,
		}, nil
	}
	return nil, decodeError(resp.StatusCode, respBody)
}

func decodeError(status int, body []byte) error {
	var er errorResponse
	_ = json.Unmarshal(body, &er)

	if status >= http.StatusInternalServerError || status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: server returned %d %s", domain.ErrUnavailable, status, er.ErrorCode)
	}
	if sentinel := domain.ErrorFromCode(er.ErrorCode); sentinel != nil {
		if er.ErrorMessage != "" && er.ErrorMessage != sentinel.Error() {
			return fmt.Errorf("%w: %s", sentinel, er.ErrorMessage)
		}
		return sentinel
	}
	return fmt.Errorf("unexpected response %d: %s", status, strings.TrimSpace(string(body)))
}
