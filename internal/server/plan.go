package server

import (
	"context"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	"github.com/smallbiznis/plangate/pkg/db/pagination"
)

type createPlanRequest struct {
	Slug          string           `json:"slug"`
	Name          string           `json:"name" binding:"required"`
	Description   string           `json:"description"`
	Tier          string           `json:"tier" binding:"required"`
	Currency      string           `json:"currency" binding:"omitempty,len=3"`
	MonthlyAmount int64            `json:"monthly_amount" binding:"gte=0"`
	YearlyAmount  int64            `json:"yearly_amount" binding:"gte=0"`
	TrialDays     int              `json:"trial_days" binding:"gte=0"`
	Features      map[string]bool  `json:"features"`
	Limits        map[string]int64 `json:"limits"`
}

func (s *Server) CreatePlan(c *gin.Context) {
	var req createPlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	resp, err := s.planSvc.Create(c.Request.Context(), plandomain.CreatePlanRequest{
		Slug:          strings.TrimSpace(req.Slug),
		Name:          strings.TrimSpace(req.Name),
		Description:   strings.TrimSpace(req.Description),
		Tier:          strings.TrimSpace(req.Tier),
		Currency:      strings.TrimSpace(req.Currency),
		MonthlyAmount: req.MonthlyAmount,
		YearlyAmount:  req.YearlyAmount,
		TrialDays:     req.TrialDays,
		Features:      req.Features,
		Limits:        req.Limits,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, "", "plan.create", "plan", resp.ID, map[string]any{
		"slug": resp.Slug,
		"tier": string(resp.Tier),
	})

	c.JSON(http.StatusCreated, gin.H{"data": resp})
}

func (s *Server) ListPlans(c *gin.Context) {
	var query struct {
		pagination.Pagination
		IncludeInactive string `form:"include_inactive"`
	}
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := query.Pagination.Validate(); err != nil {
		AbortWithError(c, bindError(err))
		return
	}

	includeInactive, err := parseOptionalBool(query.IncludeInactive)
	if err != nil {
		AbortWithError(c, newValidationError("include_inactive", "invalid_include_inactive", "invalid include_inactive"))
		return
	}

	resp, err := s.planSvc.List(c.Request.Context(), plandomain.ListPlansRequest{
		IncludeInactive: includeInactive != nil && *includeInactive,
		PageToken:       query.PageToken,
		PageSize:        int32(query.PageSize),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Plans, "page_info": resp.PageInfo})
}

// GetPlan accepts either the plan id or its slug.
func (s *Server) GetPlan(c *gin.Context) {
	resp, err := s.planSvc.Get(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) UpdatePlan(c *gin.Context) {
	var req plandomain.UpdatePlanRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.planSvc.Update(c.Request.Context(), strings.TrimSpace(c.Param("id")), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, "", "plan.update", "plan", resp.ID, nil)

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) ResetPlanFeatures(c *gin.Context) {
	s.planAction(c, "plan.reset_features", s.planSvc.ResetFeatures)
}

func (s *Server) DeactivatePlan(c *gin.Context) {
	s.planAction(c, "plan.deactivate", s.planSvc.Deactivate)
}

func (s *Server) ActivatePlan(c *gin.Context) {
	s.planAction(c, "plan.activate", s.planSvc.Activate)
}

func (s *Server) planAction(c *gin.Context, auditAction string, action func(ctx context.Context, planID string) (plandomain.PlanResponse, error)) {
	resp, err := action(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	s.recordAudit(c, "", auditAction, "plan", resp.ID, nil)

	c.JSON(http.StatusOK, gin.H{"data": resp})
}
