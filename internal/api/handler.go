package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/airfi/airfi-voucher-portal/internal/activity"
	"github.com/airfi/airfi-voucher-portal/internal/auth"
	"github.com/airfi/airfi-voucher-portal/internal/db"
	"github.com/airfi/airfi-voucher-portal/internal/firewall"
	"github.com/airfi/airfi-voucher-portal/internal/identity"
	"github.com/airfi/airfi-voucher-portal/internal/redemption"
	"github.com/airfi/airfi-voucher-portal/internal/session"
	"github.com/airfi/airfi-voucher-portal/internal/voucher"
)

// Deps are the collaborators of the HTTP handlers.
type Deps struct {
	DB          *db.DB
	Redemption  *redemption.Service
	Vouchers    *voucher.Ledger
	Sessions    *session.Store
	Activity    *activity.Log
	Enactor     firewall.Enactor
	JWT         *auth.JWTService
	IssuanceKey string
}

// Handler contains all HTTP handlers for the API.
type Handler struct {
	Deps
	logger *zap.Logger
	now    func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Handler{
		Deps:   deps,
		logger: logger,
		now:    time.Now,
	}
}

// HealthCheck reports whether the store and the firewall answer.
func (h *Handler) HealthCheck(c *gin.Context) {
	ctx := c.Request.Context()
	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"timestamp": h.now().UTC().Format(time.RFC3339),
		"store":     "ok",
		"firewall":  "ok",
	}

	if err := h.DB.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["store"] = err.Error()
	}
	if err := h.Enactor.TestConnection(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body["status"] = "unhealthy"
		body["firewall"] = err.Error()
	}

	c.JSON(status, body)
}

// RedeemRequest is the body of POST /redeem.
type RedeemRequest struct {
	Voucher string `json:"voucher"`
	Email   string `json:"email"`
}

// RedeemResponse is returned for a successful redemption.
type RedeemResponse struct {
	Message         string `json:"message"`
	MAC             string `json:"mac"`
	ExpiresAt       string `json:"expires_at"`
	DurationMinutes int    `json:"duration_minutes"`
	Extended        bool   `json:"extended"`
}

// Redeem handles a voucher redemption from a captive client.
func (h *Handler) Redeem(c *gin.Context) {
	var req RedeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	res, err := h.Redemption.Redeem(c.Request.Context(), redemption.Request{
		Code:           req.Voucher,
		Email:          req.Email,
		NetworkAddress: c.ClientIP(),
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, RedeemResponse{
		Message:         res.Message,
		MAC:             res.DeviceID,
		ExpiresAt:       res.ExpiresAt.Format(time.RFC3339),
		DurationMinutes: res.DurationMinutes,
		Extended:        res.Extended,
	})
}

// IssueVoucherRequest is the optional body of POST /vouchers.
type IssueVoucherRequest struct {
	DurationMinutes int `json:"duration_minutes"`
}

// IssueVoucher creates a new voucher for the dispensing side.
func (h *Handler) IssueVoucher(c *gin.Context) {
	var req IssueVoucherRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.DurationMinutes < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "duration_minutes must be positive"})
		return
	}
	if req.DurationMinutes > voucher.MaxDurationMinutes {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": fmt.Sprintf("duration_minutes must be at most %d", voucher.MaxDurationMinutes),
		})
		return
	}

	v, err := h.Vouchers.Issue(c.Request.Context(), req.DurationMinutes)
	if err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("voucher issued",
		zap.String("voucher", v.Code),
		zap.Int("duration_minutes", v.DurationMinutes),
	)
	c.JSON(http.StatusCreated, gin.H{
		"code":             v.Code,
		"duration_minutes": v.DurationMinutes,
	})
}

// Leaderboard returns the top redeemers.
func (h *Handler) Leaderboard(c *gin.Context) {
	entries, err := h.Activity.Leaderboard(c.Request.Context(), queryLimit(c, 10))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"leaderboard": entries})
}

// SessionResponse represents an access session.
type SessionResponse struct {
	MAC              string `json:"mac"`
	IP               string `json:"ip,omitempty"`
	ExpiresAt        string `json:"expires_at"`
	RemainingTime    string `json:"remaining_time"`
	RemainingSeconds int64  `json:"remaining_seconds"`
	Grants           int    `json:"grants"`
	Admitted         bool   `json:"admitted"`
	CreatedAt        string `json:"created_at"`
}

// ListSessions returns all active sessions.
func (h *Handler) ListSessions(c *gin.Context) {
	now := h.now()
	sessions, err := h.Sessions.ListActive(c.Request.Context(), now)
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		resp = append(resp, SessionResponse{
			MAC:              sess.DeviceID,
			IP:               sess.NetworkAddress,
			ExpiresAt:        sess.ExpiresAt.Format(time.RFC3339),
			RemainingTime:    sess.RemainingTimeFormatted(now),
			RemainingSeconds: int64(sess.RemainingTime(now).Seconds()),
			Grants:           sess.Grants,
			Admitted:         sess.AdmittedAt != nil,
			CreatedAt:        sess.CreatedAt.Format(time.RFC3339),
		})
	}

	c.JSON(http.StatusOK, gin.H{
		"sessions": resp,
		"count":    len(resp),
	})
}

// EndSession revokes a device's access ahead of its expiry.
func (h *Handler) EndSession(c *gin.Context) {
	mac, err := firewall.NormalizeMAC(c.Param("deviceId"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ctx := c.Request.Context()

	if _, err := h.Sessions.Get(ctx, mac); err != nil {
		h.writeError(c, err)
		return
	}

	// Revoke first: if it fails the row stays and the sweeper retries.
	if err := h.Enactor.Revoke(ctx, mac); err != nil {
		h.logger.Error("failed to revoke session", zap.String("mac", mac), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to revoke access"})
		return
	}
	if err := h.Sessions.Remove(ctx, mac); err != nil {
		h.writeError(c, err)
		return
	}

	h.logger.Info("session ended", zap.String("mac", mac), zap.String("by", c.GetString("subject")))
	c.JSON(http.StatusOK, gin.H{"mac": mac, "status": "ended"})
}

// VoucherResponse represents a voucher on the dashboard.
type VoucherResponse struct {
	Code            string `json:"code"`
	Redeemed        bool   `json:"redeemed"`
	RedeemedBy      string `json:"redeemed_by,omitempty"`
	RedeemedAt      string `json:"redeemed_at,omitempty"`
	DurationMinutes int    `json:"duration_minutes"`
	CreatedAt       string `json:"created_at"`
}

// ListVouchers returns the newest vouchers.
func (h *Handler) ListVouchers(c *gin.Context) {
	vouchers, err := h.Vouchers.List(c.Request.Context(), queryLimit(c, 100))
	if err != nil {
		h.writeError(c, err)
		return
	}

	resp := make([]VoucherResponse, 0, len(vouchers))
	for _, v := range vouchers {
		vr := VoucherResponse{
			Code:            v.Code,
			Redeemed:        v.Redeemed,
			RedeemedBy:      v.RedeemedBy,
			DurationMinutes: v.DurationMinutes,
			CreatedAt:       v.CreatedAt.Format(time.RFC3339),
		}
		if v.RedeemedAt != nil {
			vr.RedeemedAt = v.RedeemedAt.Format(time.RFC3339)
		}
		resp = append(resp, vr)
	}

	c.JSON(http.StatusOK, gin.H{"vouchers": resp, "count": len(resp)})
}

// ListActivity returns the newest activity records.
func (h *Handler) ListActivity(c *gin.Context) {
	records, err := h.Activity.List(c.Request.Context(), queryLimit(c, 100))
	if err != nil {
		h.writeError(c, err)
		return
	}
	if records == nil {
		records = []activity.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"activity": records, "count": len(records)})
}

// Stats returns dashboard totals.
func (h *Handler) Stats(c *gin.Context) {
	ctx := c.Request.Context()

	vs, err := h.Vouchers.Stats(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}
	active, err := h.Sessions.ListActive(ctx, h.now())
	if err != nil {
		h.writeError(c, err)
		return
	}
	stored, err := h.Sessions.Count(ctx)
	if err != nil {
		h.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"vouchers_total":    vs.Total,
		"vouchers_redeemed": vs.Redeemed,
		"sessions_active":   len(active),
		"sessions_pending":  stored - len(active),
	})
}

// writeError maps domain errors to HTTP responses. Client mistakes are
// logged at debug, everything else at error.
func (h *Handler) writeError(c *gin.Context, err error) {
	status, msg := http.StatusInternalServerError, "internal error"

	switch {
	case errors.Is(err, redemption.ErrInvalidVoucher),
		errors.Is(err, voucher.ErrNotFound):
		status, msg = http.StatusBadRequest, "Invalid voucher"
	case errors.Is(err, voucher.ErrAlreadyRedeemed):
		status, msg = http.StatusBadRequest, "Voucher already redeemed"
	case errors.Is(err, identity.ErrUnresolved):
		status, msg = http.StatusBadRequest, "Could not determine MAC address"
	case errors.Is(err, session.ErrNotFound):
		status, msg = http.StatusNotFound, "session not found"
	case errors.Is(err, redemption.ErrEnforcement):
		msg = "Failed to whitelist MAC address"
	case errors.Is(err, voucher.ErrInvalidDuration):
		status, msg = http.StatusBadRequest, "invalid duration_minutes"
	case errors.Is(err, voucher.ErrExhaustedRetries):
		msg = "could not generate voucher"
	case errors.Is(err, db.ErrUnavailable):
		msg = "storage unavailable, try again"
	}

	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", c.FullPath()),
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.Error(err),
		)
	} else {
		h.logger.Debug("request rejected", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": msg})
}

func queryLimit(c *gin.Context, def int) int {
	n, err := strconv.Atoi(c.Query("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		return 1000
	}
	return n
}
