package http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/azizikri/coupon-redemption/internal/domain"
	"github.com/azizikri/coupon-redemption/internal/logger"
	"github.com/azizikri/coupon-redemption/internal/usecase"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
)

// ActorHeader carries the id of the merchant staff member verifying a coupon.
const ActorHeader = "X-Actor-ID"

type CreateCouponRequest struct {
	StoreID       int64               `json:"store_id"`
	Title         string              `json:"title"`
	DiscountType  domain.DiscountType `json:"discount_type"`
	DiscountValue decimal.Decimal     `json:"discount_value"`
	MinPurchase   decimal.Decimal     `json:"min_purchase"`
	MaxDiscount   decimal.Decimal     `json:"max_discount"`
	TotalQuantity int                 `json:"total_quantity"`
	StartDate     time.Time           `json:"start_date"`
	EndDate       time.Time           `json:"end_date"`
	IsActive      *bool               `json:"is_active"`
}

type ClaimRequest struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

type ClaimResponse struct {
	UserCouponID int64     `json:"user_coupon_id"`
	Code         string    `json:"code"`
	PinCode      string    `json:"pin_code"`
	ExpiresAt    time.Time `json:"expires_at"`
}

type VerifyRequest struct {
	UserCouponID int64      `json:"user_coupon_id"`
	Code         string     `json:"code"`
	PinCode      string     `json:"pin_code"`
	StoreID      int64      `json:"store_id"`
	AttemptedAt  *time.Time `json:"attempted_at"`
}

type ErrorResponse struct {
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type Handler struct {
	catalog     *usecase.CouponCatalog
	claims      *usecase.ClaimService
	redemptions *usecase.RedemptionEngine
	claimLimit  *KeyedLimiter
}

func NewHandler(catalog *usecase.CouponCatalog, claims *usecase.ClaimService, redemptions *usecase.RedemptionEngine, claimLimit *KeyedLimiter) *Handler {
	return &Handler{
		catalog:     catalog,
		claims:      claims,
		redemptions: redemptions,
		claimLimit:  claimLimit,
	}
}

func (h *Handler) Routes(r chi.Router) {
	r.Get("/health", h.Health)
	r.Route("/api", func(r chi.Router) {
		r.Post("/coupons", h.CreateCoupon)
		r.Get("/coupons/{couponID}", h.GetCoupon)
		r.Post("/coupons/{couponID}/claim", h.ClaimCoupon)
		r.Get("/users/{userID}/coupons", h.ListUserCoupons)
		r.Post("/redemptions/verify", h.VerifyRedemption)
		r.Post("/redemptions/preview", h.PreviewRedemption)
		r.Get("/stores/{storeID}/redemptions", h.ListStoreRedemptions)
	})
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *Handler) CreateCoupon(w http.ResponseWriter, r *http.Request) {
	var req CreateCouponRequest
	if !decode(w, r, &req) {
		return
	}
	active := true
	if req.IsActive != nil {
		active = *req.IsActive
	}

	coupon, err := h.catalog.CreateCoupon(r.Context(), usecase.CreateCouponInput{
		StoreID:       req.StoreID,
		Title:         req.Title,
		DiscountType:  req.DiscountType,
		DiscountValue: req.DiscountValue,
		MinPurchase:   req.MinPurchase,
		MaxDiscount:   req.MaxDiscount,
		TotalQuantity: req.TotalQuantity,
		StartDate:     req.StartDate,
		EndDate:       req.EndDate,
		IsActive:      active,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, coupon)
}

func (h *Handler) GetCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "couponID")
	if !ok {
		return
	}
	coupon, err := h.catalog.GetCoupon(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, coupon)
}

func (h *Handler) ClaimCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "couponID")
	if !ok {
		return
	}
	var req ClaimRequest
	if !decode(w, r, &req) {
		return
	}
	if userID := strings.TrimSpace(req.UserID); userID != "" && !h.claimLimit.Allow(userID) {
		writeErrorCode(w, http.StatusTooManyRequests, domain.CodeRateLimited, "too many claim attempts, try again later")
		return
	}

	claim, err := h.claims.Claim(r.Context(), usecase.ClaimRequest{
		UserID:   req.UserID,
		CouponID: id,
		DeviceID: req.DeviceID,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ClaimResponse{
		UserCouponID: claim.ID,
		Code:         claim.Code,
		PinCode:      claim.PinCode,
		ExpiresAt:    claim.ExpiresAt,
	})
}

func (h *Handler) ListUserCoupons(w http.ResponseWriter, r *http.Request) {
	userID := strings.TrimSpace(chi.URLParam(r, "userID"))
	if userID == "" {
		writeErrorCode(w, http.StatusBadRequest, domain.CodeInvalidRequest, "user id is required")
		return
	}
	claims, err := h.claims.ListByUser(r.Context(), userID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if claims == nil {
		claims = []domain.ClaimDetail{}
	}
	writeJSON(w, http.StatusOK, claims)
}

func (h *Handler) VerifyRedemption(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.redemptions.Verify(r.Context(), toVerifyRequest(r, req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) PreviewRedemption(w http.ResponseWriter, r *http.Request) {
	var req VerifyRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.redemptions.Preview(r.Context(), toVerifyRequest(r, req))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) ListStoreRedemptions(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "storeID")
	if !ok {
		return
	}
	usage, err := h.redemptions.ListStoreRedemptions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if usage == nil {
		usage = []domain.Usage{}
	}
	writeJSON(w, http.StatusOK, usage)
}

func toVerifyRequest(r *http.Request, req VerifyRequest) usecase.VerifyRequest {
	out := usecase.VerifyRequest{
		UserCouponID: req.UserCouponID,
		Code:         req.Code,
		PinCode:      req.PinCode,
		StoreID:      req.StoreID,
		VerifiedBy:   strings.TrimSpace(r.Header.Get(ActorHeader)),
	}
	if req.AttemptedAt != nil {
		out.AttemptedAt = *req.AttemptedAt
	}
	return out
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeErrorCode(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid request body")
		return false
	}
	return true
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		writeErrorCode(w, http.StatusBadRequest, domain.CodeInvalidRequest, "invalid "+name)
		return 0, false
	}
	return id, true
}

func statusFor(code string) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeInvalidRequest:
		return http.StatusBadRequest
	case domain.CodeSoldOut, domain.CodeAlreadyClaimed, domain.CodeAlreadyUsed,
		domain.CodeStoreCooldown, domain.CodeAmbiguousPin:
		return http.StatusConflict
	case domain.CodeCouponInactive, domain.CodeNotYetStarted:
		return http.StatusUnprocessableEntity
	case domain.CodeCouponExpired:
		return http.StatusGone
	case domain.CodeWrongStore:
		return http.StatusForbidden
	case domain.CodeRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.ErrorCode(err)
	if code == domain.CodeInternalError {
		logger.Errorw("http_request_failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeErrorCode(w, http.StatusInternalServerError, code, "internal server error")
		return
	}
	writeErrorCode(w, statusFor(code), code, err.Error())
}

func writeErrorCode(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{ErrorCode: code, ErrorMessage: message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
