package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"github.com/smallbiznis/plangate/internal/cache"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/internal/clock"
	obsmetrics "github.com/smallbiznis/plangate/internal/observability/metrics"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	"github.com/smallbiznis/plangate/pkg/db"
	"github.com/smallbiznis/plangate/pkg/db/pagination"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const maxTrialDays = 365

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Clock      clock.Clock
	Repo       plandomain.Repository
	Cache      cache.EntitlementCache
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	genID      *snowflake.Node
	clock      clock.Clock
	repo       plandomain.Repository
	cache      cache.EntitlementCache
	obsMetrics *obsmetrics.Metrics
}

func NewService(p ServiceParam) plandomain.Service {
	return &Service{
		db:  p.DB,
		log: p.Log.Named("plan.service"),

		genID:      p.GenID,
		clock:      p.Clock,
		repo:       p.Repo,
		cache:      p.Cache,
		obsMetrics: p.ObsMetrics,
	}
}

// Create seeds features and limits from the tier, then applies overrides.
func (s *Service) Create(ctx context.Context, req plandomain.CreatePlanRequest) (plandomain.PlanResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return plandomain.PlanResponse{}, plandomain.ErrInvalidName
	}

	planSlug := normalizeSlug(req.Slug, name)
	if planSlug == "" {
		return plandomain.PlanResponse{}, plandomain.ErrInvalidSlug
	}

	tier, err := catalog.ParseTier(req.Tier)
	if err != nil {
		return plandomain.PlanResponse{}, plandomain.ErrInvalidTier
	}

	currency, err := normalizeCurrency(req.Currency)
	if err != nil {
		return plandomain.PlanResponse{}, err
	}
	if req.MonthlyAmount < 0 || req.YearlyAmount < 0 {
		return plandomain.PlanResponse{}, plandomain.ErrInvalidAmount
	}
	if err := validateTrialDays(req.TrialDays); err != nil {
		return plandomain.PlanResponse{}, err
	}

	features := plandomain.SeedFeatures(tier)
	if err := mergeFeatures(features, req.Features); err != nil {
		return plandomain.PlanResponse{}, err
	}
	limits := plandomain.SeedLimits(tier)
	if err := mergeLimits(limits, req.Limits); err != nil {
		return plandomain.PlanResponse{}, err
	}

	now := s.clock.Now()
	plan := plandomain.Plan{
		ID:            s.genID.Generate(),
		Slug:          planSlug,
		Name:          name,
		Description:   strings.TrimSpace(req.Description),
		Tier:          tier,
		Features:      datatypes.NewJSONType(features),
		Limits:        datatypes.NewJSONType(limits),
		Currency:      currency,
		MonthlyAmount: req.MonthlyAmount,
		YearlyAmount:  req.YearlyAmount,
		TrialDays:     req.TrialDays,
		IsActive:      true,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.repo.FindBySlug(ctx, tx, planSlug)
		if err != nil {
			return err
		}
		if existing != nil {
			return plandomain.ErrSlugTaken
		}
		if err := s.repo.Insert(ctx, tx, &plan); err != nil {
			if db.IsDuplicateKeyErr(err) {
				return plandomain.ErrSlugTaken
			}
			return err
		}
		return nil
	})
	if err != nil {
		return plandomain.PlanResponse{}, err
	}

	s.obsMetrics.RecordPlanMutation(ctx, "create")
	s.log.Info("plan created",
		zap.String("plan_id", plan.ID.String()),
		zap.String("slug", plan.Slug),
		zap.String("tier", string(plan.Tier)),
	)
	return plandomain.ToResponse(plan), nil
}

func (s *Service) Update(ctx context.Context, planID string, req plandomain.UpdatePlanRequest) (plandomain.PlanResponse, error) {
	return s.mutate(ctx, planID, "update", func(plan *plandomain.Plan) error {
		if req.Name != nil {
			name := strings.TrimSpace(*req.Name)
			if name == "" {
				return plandomain.ErrInvalidName
			}
			plan.Name = name
		}
		if req.Description != nil {
			plan.Description = strings.TrimSpace(*req.Description)
		}
		if req.Currency != nil {
			currency, err := normalizeCurrency(*req.Currency)
			if err != nil {
				return err
			}
			plan.Currency = currency
		}
		if req.MonthlyAmount != nil {
			if *req.MonthlyAmount < 0 {
				return plandomain.ErrInvalidAmount
			}
			plan.MonthlyAmount = *req.MonthlyAmount
		}
		if req.YearlyAmount != nil {
			if *req.YearlyAmount < 0 {
				return plandomain.ErrInvalidAmount
			}
			plan.YearlyAmount = *req.YearlyAmount
		}
		if req.TrialDays != nil {
			if err := validateTrialDays(*req.TrialDays); err != nil {
				return err
			}
			plan.TrialDays = *req.TrialDays
		}
		if len(req.Features) > 0 {
			features := plan.FeaturesCopy()
			if err := mergeFeatures(features, req.Features); err != nil {
				return err
			}
			plan.Features = datatypes.NewJSONType(features)
		}
		if len(req.Limits) > 0 {
			limits := plan.LimitsCopy()
			if err := mergeLimits(limits, req.Limits); err != nil {
				return err
			}
			plan.Limits = datatypes.NewJSONType(limits)
		}
		return nil
	})
}

// ResetFeatures re-derives the feature flags from the plan tier. Limits are
// left as configured.
func (s *Service) ResetFeatures(ctx context.Context, planID string) (plandomain.PlanResponse, error) {
	return s.mutate(ctx, planID, "reset_features", func(plan *plandomain.Plan) error {
		plan.Features = datatypes.NewJSONType(plandomain.SeedFeatures(plan.Tier))
		return nil
	})
}

// Deactivate hides the plan from new subscriptions. Bound tenants keep it.
func (s *Service) Deactivate(ctx context.Context, planID string) (plandomain.PlanResponse, error) {
	return s.mutate(ctx, planID, "deactivate", func(plan *plandomain.Plan) error {
		plan.IsActive = false
		return nil
	})
}

func (s *Service) Activate(ctx context.Context, planID string) (plandomain.PlanResponse, error) {
	return s.mutate(ctx, planID, "activate", func(plan *plandomain.Plan) error {
		plan.IsActive = true
		return nil
	})
}

func (s *Service) Get(ctx context.Context, idOrSlug string) (plandomain.PlanResponse, error) {
	plan, err := s.findByIDOrSlug(ctx, s.db, idOrSlug)
	if err != nil {
		return plandomain.PlanResponse{}, err
	}
	return plandomain.ToResponse(*plan), nil
}

func (s *Service) FindByID(ctx context.Context, id snowflake.ID) (plandomain.Plan, error) {
	plan, err := s.repo.FindByID(ctx, s.db, id)
	if err != nil {
		return plandomain.Plan{}, err
	}
	if plan == nil {
		return plandomain.Plan{}, plandomain.ErrPlanNotFound
	}
	return *plan, nil
}

func (s *Service) List(ctx context.Context, req plandomain.ListPlansRequest) (plandomain.ListPlansResponse, error) {
	pageSize := pagination.NormalizePageSize(req.PageSize)

	var afterID snowflake.ID
	if token := strings.TrimSpace(req.PageToken); token != "" {
		cursor, err := pagination.DecodeCursor(token)
		if err != nil {
			return plandomain.ListPlansResponse{}, err
		}
		afterID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return plandomain.ListPlansResponse{}, pagination.ErrInvalidPageToken
		}
	}

	plans, err := s.repo.List(ctx, s.db, plandomain.ListFilter{
		IncludeInactive: req.IncludeInactive,
		AfterID:         afterID,
		Limit:           int(pageSize) + 1,
	})
	if err != nil {
		return plandomain.ListPlansResponse{}, err
	}

	items := make([]*plandomain.Plan, 0, len(plans))
	for i := range plans {
		items = append(items, &plans[i])
	}
	pageInfo := pagination.BuildCursorPageInfo(items, pageSize, func(plan *plandomain.Plan) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{ID: plan.ID.String()})
		if err != nil {
			return ""
		}
		return token
	})

	if len(items) > int(pageSize) {
		items = items[:pageSize]
	}
	out := make([]plandomain.PlanResponse, 0, len(items))
	for _, plan := range items {
		out = append(out, plandomain.ToResponse(*plan))
	}
	return plandomain.ListPlansResponse{PageInfo: *pageInfo, Plans: out}, nil
}

// mutate loads, edits and persists a plan in one transaction, then drops the
// cached entitlements of every tenant bound to it.
func (s *Service) mutate(ctx context.Context, planID, operation string, apply func(*plandomain.Plan) error) (plandomain.PlanResponse, error) {
	id, err := parseID(planID)
	if err != nil {
		return plandomain.PlanResponse{}, err
	}

	var (
		updated   plandomain.Plan
		tenantIDs []string
	)
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		plan, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return err
		}
		if plan == nil {
			return plandomain.ErrPlanNotFound
		}
		if err := apply(plan); err != nil {
			return err
		}
		plan.UpdatedAt = s.clock.Now()
		if err := s.repo.Update(ctx, tx, plan); err != nil {
			return err
		}
		tenantIDs, err = s.repo.FindBoundTenantIDs(ctx, tx, plan.ID)
		if err != nil {
			return err
		}
		updated = *plan
		return nil
	})
	if err != nil {
		return plandomain.PlanResponse{}, err
	}

	s.obsMetrics.RecordPlanMutation(ctx, operation)
	s.log.Info("plan updated",
		zap.String("plan_id", updated.ID.String()),
		zap.String("operation", operation),
		zap.Int("bound_tenants", len(tenantIDs)),
	)

	if err := s.invalidateTenants(ctx, tenantIDs); err != nil {
		return plandomain.PlanResponse{}, err
	}
	return plandomain.ToResponse(updated), nil
}

func (s *Service) invalidateTenants(ctx context.Context, tenantIDs []string) error {
	var errs []error
	for _, tenantID := range tenantIDs {
		if err := cache.InvalidateTenant(ctx, s.cache, tenantID); err != nil {
			s.log.Error("failed to invalidate entitlement cache",
				zap.String("tenant_id", tenantID),
				zap.Error(err),
			)
			errs = append(errs, fmt.Errorf("invalidate %s: %w", tenantID, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) findByIDOrSlug(ctx context.Context, tx *gorm.DB, idOrSlug string) (*plandomain.Plan, error) {
	value := strings.TrimSpace(idOrSlug)
	if value == "" {
		return nil, plandomain.ErrInvalidPlan
	}
	if id, err := snowflake.ParseString(value); err == nil && id != 0 {
		plan, err := s.repo.FindByID(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		if plan != nil {
			return plan, nil
		}
	}
	plan, err := s.repo.FindBySlug(ctx, tx, slug.Make(value))
	if err != nil {
		return nil, err
	}
	if plan == nil {
		return nil, plandomain.ErrPlanNotFound
	}
	return plan, nil
}

func parseID(value string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(strings.TrimSpace(value))
	if err != nil || id == 0 {
		return 0, plandomain.ErrInvalidPlan
	}
	return id, nil
}

func normalizeSlug(raw, name string) string {
	if value := strings.TrimSpace(raw); value != "" {
		return slug.Make(value)
	}
	return slug.Make(name)
}

func normalizeCurrency(raw string) (string, error) {
	currency := strings.ToUpper(strings.TrimSpace(raw))
	if len(currency) != 3 {
		return "", plandomain.ErrInvalidCurrency
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return "", plandomain.ErrInvalidCurrency
		}
	}
	return currency, nil
}

func validateTrialDays(days int) error {
	if days < 0 || days > maxTrialDays {
		return plandomain.ErrInvalidTrialDays
	}
	return nil
}

func mergeFeatures(dst plandomain.FeatureFlags, overrides map[string]bool) error {
	for raw, enabled := range overrides {
		feature, err := catalog.ParseFeature(raw)
		if err != nil {
			return fmt.Errorf("%w: %s", plandomain.ErrUnknownFeature, raw)
		}
		dst[feature] = enabled
	}
	return nil
}

func mergeLimits(dst plandomain.Limits, overrides map[string]int64) error {
	for raw, limit := range overrides {
		resource, err := catalog.ParseResource(raw)
		if err != nil {
			return fmt.Errorf("%w: %s", plandomain.ErrUnknownResource, raw)
		}
		if limit < catalog.Unlimited {
			return plandomain.ErrInvalidLimit
		}
		dst[resource] = limit
	}
	return nil
}
