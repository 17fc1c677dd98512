package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
)

type createSubscriptionRequest struct {
	TenantID     string `json:"tenant_id" binding:"required"`
	PlanID       string `json:"plan_id" binding:"required"`
	BillingCycle string `json:"billing_cycle" binding:"omitempty,oneof=monthly yearly"`
	TrialDays    *int   `json:"trial_days" binding:"omitempty,gte=0"`
}

type changePlanRequest struct {
	PlanID    string `json:"plan_id" binding:"required"`
	Immediate bool   `json:"immediate"`
}

type transitionRequest struct {
	Status string `json:"status" binding:"required"`
	Reason string `json:"reason"`
}

type gracePeriodRequest struct {
	Days   int    `json:"days" binding:"gte=0"`
	Reason string `json:"reason"`
}

type cancelRequest struct {
	AtPeriodEnd bool `json:"at_period_end"`
}

func (s *Server) CreateSubscription(c *gin.Context) {
	var req createSubscriptionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	resp, err := s.subscriptionSvc.Create(c.Request.Context(), subscriptiondomain.CreateSubscriptionRequest{
		TenantID:     strings.TrimSpace(req.TenantID),
		PlanID:       strings.TrimSpace(req.PlanID),
		BillingCycle: strings.TrimSpace(req.BillingCycle),
		TrialDays:    req.TrialDays,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, resp.TenantID, "subscription.create", "subscription", resp.ID, map[string]any{
		"plan_id": resp.PlanID,
	})

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) GetSubscription(c *gin.Context) {
	resp, err := s.subscriptionSvc.Get(c.Request.Context(), tenantParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ListPlanChanges(c *gin.Context) {
	resp, err := s.subscriptionSvc.History(c.Request.Context(), tenantParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ChangePlan(c *gin.Context) {
	var req changePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	resp, err := s.subscriptionSvc.ChangePlan(c.Request.Context(), subscriptiondomain.ChangePlanRequest{
		TenantID:  tenantParam(c),
		NewPlanID: strings.TrimSpace(req.PlanID),
		Immediate: req.Immediate,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, resp.Subscription.TenantID, "subscription.change_plan", "subscription", resp.Subscription.ID, map[string]any{
		"new_plan_id": strings.TrimSpace(req.PlanID),
		"change_type": string(resp.ChangeType),
		"deferred":    resp.Deferred,
	})

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) CancelSubscription(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, invalidRequestError())
			return
		}
	}

	resp, err := s.subscriptionSvc.Cancel(c.Request.Context(), subscriptiondomain.CancelRequest{
		TenantID:    tenantParam(c),
		AtPeriodEnd: req.AtPeriodEnd,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, resp.TenantID, "subscription.cancel", "subscription", resp.ID, map[string]any{
		"at_period_end": req.AtPeriodEnd,
	})

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) TransitionSubscription(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	resp, err := s.subscriptionSvc.Transition(c.Request.Context(), subscriptiondomain.TransitionRequest{
		TenantID: tenantParam(c),
		Status:   strings.TrimSpace(req.Status),
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, resp.TenantID, "subscription.transition", "subscription", resp.ID, map[string]any{
		"status": string(resp.Status),
		"reason": strings.TrimSpace(req.Reason),
	})

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

// StartGracePeriod uses the configured default length when days is zero.
func (s *Server) StartGracePeriod(c *gin.Context) {
	var req gracePeriodRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, bindError(err))
			return
		}
	}

	resp, err := s.subscriptionSvc.StartGracePeriod(c.Request.Context(), subscriptiondomain.StartGracePeriodRequest{
		TenantID: tenantParam(c),
		Days:     req.Days,
		Reason:   strings.TrimSpace(req.Reason),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, resp.TenantID, "subscription.grace_start", "subscription", resp.ID, map[string]any{
		"reason": strings.TrimSpace(req.Reason),
	})

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) EndGracePeriod(c *gin.Context) {
	resp, err := s.subscriptionSvc.EndGracePeriod(c.Request.Context(), tenantParam(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, resp.TenantID, "subscription.grace_end", "subscription", resp.ID, nil)

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ResetUsage(c *gin.Context) {
	tenantID := tenantParam(c)
	if err := s.subscriptionSvc.ResetUsage(c.Request.Context(), tenantID); err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, tenantID, "subscription.reset_usage", "subscription", "", nil)

	c.Status(http.StatusNoContent)
}

func (s *Server) ApplyPendingChange(c *gin.Context) {
	tenantID := tenantParam(c)
	applied, err := s.subscriptionSvc.ApplyDuePendingChange(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	resp, err := s.subscriptionSvc.Get(c.Request.Context(), tenantID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	if applied {
		s.recordAudit(c, tenantID, "subscription.apply_pending", "subscription", resp.ID, map[string]any{
			"plan_id": resp.PlanID,
		})
	}

	c.JSON(http.StatusOK, gin.H{"data": resp, "applied": applied})
}

func tenantParam(c *gin.Context) string {
	return strings.TrimSpace(c.Param("tenant_id"))
}
