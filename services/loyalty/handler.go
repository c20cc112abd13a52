package loyalty

import (
	"net/http"
	"strings"

	"dms-loyalty/pkg/db/pagination"
	"dms-loyalty/pkg/errutil"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderActor          = "X-Actor"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the loyalty API under /v1/loyalty.
func RegisterRoutes(r gin.IRouter, h *Handler) {
	v1 := r.Group("/v1/loyalty")
	v1.GET("/rewards", h.ListRewards)
	v1.GET("/earnings/preview", h.PreviewEarning)
	v1.POST("/redemptions/:code/fulfill", h.FulfillRedemption)

	customer := v1.Group("/customers/:customer_id")
	customer.POST("/accruals", h.Accrue)
	customer.POST("/redemptions", h.Redeem)
	customer.GET("/redemptions", h.ListRedemptions)
	customer.GET("/status", h.Status)
	customer.PUT("/tier", h.UpdateTier)
	customer.GET("/tier-changes", h.TierChanges)
	customer.GET("/history", h.History)
	customer.POST("/adjustments", h.Adjust)
	customer.GET("/reconcile", h.Reconcile)
}

func invalidRequest(err error) error {
	return errutil.BadRequest("invalid request body", err)
}

type accrueRequest struct {
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Source      string          `json:"source"`
	ReferenceID string          `json:"reference_id"`
	Description string          `json:"description"`
}

func (h *Handler) Accrue(c *gin.Context) {
	var req accrueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(invalidRequest(err))
		return
	}

	resp, err := h.svc.AccrueTransaction(c.Request.Context(), AccrueRequest{
		CustomerID:  c.Param("customer_id"),
		Category:    req.Category,
		Amount:      req.Amount,
		Source:      req.Source,
		ReferenceID: req.ReferenceID,
		Description: req.Description,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	code := http.StatusCreated
	if resp.Replayed {
		code = http.StatusOK
	}
	c.JSON(code, gin.H{"data": resp})
}

type redeemRequest struct {
	RewardID  string `json:"reward_id"`
	DedupeKey string `json:"dedupe_key"`
}

func (h *Handler) Redeem(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(invalidRequest(err))
		return
	}

	if key := strings.TrimSpace(c.GetHeader(HeaderIdempotencyKey)); key != "" {
		if _, err := uuid.Parse(key); err != nil {
			_ = c.Error(errutil.ValidationFailed("invalid idempotency key", err, errutil.WithDetails(errutil.Detail{
				Field:   HeaderIdempotencyKey,
				Message: "must be a UUID",
			})))
			return
		}
		if req.DedupeKey == "" {
			req.DedupeKey = key
		}
	}

	resp, err := h.svc.RedeemPoints(c.Request.Context(), RedeemRequest{
		CustomerID: c.Param("customer_id"),
		RewardID:   req.RewardID,
		DedupeKey:  req.DedupeKey,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	if !resp.Success {
		_ = c.Error(redemptionError(resp))
		return
	}

	code := http.StatusCreated
	if resp.Replayed {
		code = http.StatusOK
	}
	c.JSON(code, gin.H{"data": resp})
}

// redemptionError turns a failed result into the transport error carrying its reason.
func redemptionError(r RedemptionResult) error {
	details := errutil.WithDetails(errutil.Detail{Field: "failure", Message: string(r.Failure)})
	switch r.Failure {
	case FailureRewardNotFound:
		return errutil.NotFound(r.Reason, r.Failure.Err(), details)
	case FailureCatalogTimeout:
		return errutil.New(errutil.StatusGatewayTimeout, r.Reason, errutil.WithErr(r.Failure.Err()), details)
	case FailureCatalogUnavailable:
		return errutil.ServiceUnavailable(r.Reason, r.Failure.Err(), details)
	default:
		return errutil.UnprocessableEntity(r.Reason, r.Failure.Err(), details)
	}
}

func (h *Handler) Status(c *gin.Context) {
	resp, err := h.svc.GetLoyaltyStatus(c.Request.Context(), c.Param("customer_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type updateTierRequest struct {
	Tier   string `json:"tier"`
	Reason string `json:"reason"`
	Actor  string `json:"actor"`
}

func (h *Handler) UpdateTier(c *gin.Context) {
	var req updateTierRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(invalidRequest(err))
		return
	}
	if req.Actor == "" {
		req.Actor = c.GetHeader(HeaderActor)
	}

	resp, err := h.svc.UpdateTier(c.Request.Context(), UpdateTierRequest{
		CustomerID: c.Param("customer_id"),
		Tier:       req.Tier,
		Reason:     req.Reason,
		Actor:      req.Actor,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (h *Handler) TierChanges(c *gin.Context) {
	resp, err := h.svc.TierHistory(c.Request.Context(), c.Param("customer_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (h *Handler) History(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	resp, err := h.svc.GetPointsHistory(c.Request.Context(), c.Param("customer_id"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

type adjustRequest struct {
	Points      int64  `json:"points"`
	Reason      string `json:"reason"`
	ReferenceID string `json:"reference_id"`
	Actor       string `json:"actor"`
}

func (h *Handler) Adjust(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(invalidRequest(err))
		return
	}
	if req.Actor == "" {
		req.Actor = c.GetHeader(HeaderActor)
	}

	resp, err := h.svc.AdjustPoints(c.Request.Context(), AdjustRequest{
		CustomerID:  c.Param("customer_id"),
		Points:      req.Points,
		Reason:      req.Reason,
		ReferenceID: req.ReferenceID,
		Actor:       req.Actor,
	})
	if err != nil {
		_ = c.Error(err)
		return
	}

	code := http.StatusCreated
	if resp.Replayed {
		code = http.StatusOK
	}
	c.JSON(code, gin.H{"data": resp})
}

func (h *Handler) ListRedemptions(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}

	resp, err := h.svc.ListRedemptions(c.Request.Context(), c.Param("customer_id"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (h *Handler) FulfillRedemption(c *gin.Context) {
	resp, err := h.svc.FulfillRedemption(c.Request.Context(), c.Param("code"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (h *Handler) ListRewards(c *gin.Context) {
	resp, err := h.svc.ListRewards(c.Request.Context(), c.Query("tier"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (h *Handler) PreviewEarning(c *gin.Context) {
	amount, err := decimal.NewFromString(strings.TrimSpace(c.Query("amount")))
	if err != nil {
		_ = c.Error(errutil.ValidationFailed("invalid earning preview", err,
			errutil.WithDetails(errutil.Detail{Field: "amount", Message: "must be a decimal number"})))
		return
	}

	resp, err := h.svc.PreviewEarning(c.Query("category"), amount, c.Query("tier"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (h *Handler) Reconcile(c *gin.Context) {
	drift, err := h.svc.Reconcile(c.Request.Context(), c.Param("customer_id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{
		"drift":     drift,
		"has_drift": drift.HasDrift(),
	}})
}
