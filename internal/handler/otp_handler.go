package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"payment-otp-service/internal/bridge"
	"payment-otp-service/internal/repository/scylla"
	"payment-otp-service/internal/service"
	"payment-otp-service/internal/util"
)

// OTPHandler handles HTTP requests for the OTP lifecycle and the
// retailer dashboard projection.
type OTPHandler struct {
	otpService *service.OTPService
	dashboard  *bridge.DashboardBridge
	logger     *zap.Logger
}

func NewOTPHandler(otpService *service.OTPService, dashboard *bridge.DashboardBridge, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		otpService: otpService,
		dashboard:  dashboard,
		logger:     logger,
	}
}

// Response is the standard API envelope.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{Success: true, Data: data, Message: message}
}

func errorResponse(err error, message string) Response {
	return Response{Success: false, Error: err.Error(), Message: message}
}

// RegisterRoutes registers the OTP and dashboard routes.
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/issue", h.Issue)
		r.Post("/verify", h.Verify)
		r.Post("/cleanup", h.Cleanup)
		r.Delete("/{paymentID}", h.Invalidate)
	})

	router.Route("/retailers", func(r chi.Router) {
		r.Get("/{retailerID}/otps", h.RetailerOTPs)
	})
}

type issueRequest struct {
	PaymentID      string  `json:"payment_id"`
	RetailerID     string  `json:"retailer_id"`
	Amount         float64 `json:"amount"`
	LineWorkerName string  `json:"line_worker_name"`
	TTLSeconds     int     `json:"ttl_seconds,omitempty"`
}

// Issue creates a fresh verification code for a payment.
func (h *OTPHandler) Issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req issueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.otpService.Issue(ctx, service.IssueRequest{
		PaymentID:      req.PaymentID,
		RetailerID:     req.RetailerID,
		Amount:         req.Amount,
		LineWorkerName: req.LineWorkerName,
		TTL:            time.Duration(req.TTLSeconds) * time.Second,
	})
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to issue OTP")
		return
	}

	h.respondWithJSON(w, http.StatusCreated, successResponse(result, "OTP issued"))
	h.logger.Info("OTP issued via HTTP",
		util.String("payment_id", result.PaymentID),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Issue"),
	)
}

type verifyRequest struct {
	PaymentID string `json:"payment_id"`
	Code      string `json:"code"`
}

type verifyResponse struct {
	Verified                 bool   `json:"verified"`
	Reason                   string `json:"reason,omitempty"`
	RemainingAttempts        int    `json:"remaining_attempts"`
	CooldownSecondsRemaining int    `json:"cooldown_seconds_remaining,omitempty"`
}

// Verify checks a submitted code. A wrong code is a 200 with verified
// false; non-2xx means the verification could not be performed at all.
func (h *OTPHandler) Verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	result, err := h.otpService.Verify(ctx, req.PaymentID, req.Code, r.RemoteAddr)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to verify OTP")
		return
	}

	resp := verifyResponse{
		Verified:                 result.Verified,
		Reason:                   result.Reason,
		RemainingAttempts:        result.RemainingAttempts,
		CooldownSecondsRemaining: result.CooldownSecondsRemaining,
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(resp, "Verification processed"))
	h.logger.Info("OTP verification via HTTP",
		util.String("payment_id", req.PaymentID),
		util.Bool("verified", result.Verified),
		util.String("reason", result.Reason),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "Verify"),
	)
}

// Invalidate terminates all live codes for a payment.
func (h *OTPHandler) Invalidate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	paymentID := chi.URLParam(r, "paymentID")
	count, err := h.otpService.Invalidate(ctx, paymentID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to invalidate OTPs")
		return
	}

	h.dashboard.Remove(paymentID)

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"invalidated": count}, "OTPs invalidated"))
}

// Cleanup triggers a retention sweep. The hourly ticker calls the same
// path; this endpoint exists for operational use. An optional
// retention_hours query parameter overrides the configured window.
func (h *OTPHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var retention time.Duration
	if raw := r.URL.Query().Get("retention_hours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			h.respondWithError(w, http.StatusBadRequest, errors.New("invalid retention_hours"), "Invalid retention override")
			return
		}
		retention = time.Duration(hours) * time.Hour
	}

	deleted, err := h.otpService.Cleanup(ctx, retention)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to run cleanup")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(map[string]int{"deleted": deleted}, "Cleanup completed"))
}

// RetailerOTPs returns the retailer's display list, freshly synced from
// the record store.
func (h *OTPHandler) RetailerOTPs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	retailerID := util.SanitizeIdentifier(chi.URLParam(r, "retailerID"))
	if !util.ValidIdentifier(retailerID) {
		h.respondWithError(w, http.StatusBadRequest, errors.New("invalid retailer id"), "Invalid retailer ID")
		return
	}

	entries, err := h.dashboard.Sync(ctx, retailerID)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to load retailer OTPs")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(entries, "Retailer OTPs retrieved"))
	h.logger.Debug("Retailer OTPs retrieved via HTTP",
		util.String("retailer_id", retailerID),
		util.Int("count", len(entries)),
		util.Duration("duration", time.Since(startTime)),
		util.String("method", "RetailerOTPs"),
	)
}

// Helper Methods

func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode maps service errors to HTTP status codes. Storage
// unavailability is a 503, never a security outcome.
func (h *OTPHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrIssueInFlight):
		return http.StatusConflict
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrContention):
		return http.StatusServiceUnavailable
	case errors.Is(err, scylla.ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
