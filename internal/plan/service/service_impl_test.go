package service

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/plangate/internal/cache"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/internal/clock"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	planrepo "github.com/smallbiznis/plangate/internal/plan/repository"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type planFixture struct {
	svc   plandomain.Service
	db    *gorm.DB
	node  *snowflake.Node
	clock *clock.FakeClock
	cache cache.EntitlementCache
}

func TestCreateSeedsFromTierAndAppliesOverrides(t *testing.T) {
	f := setupPlanService(t)

	plan, err := f.svc.Create(context.Background(), plandomain.CreatePlanRequest{
		Name:          "Starter Promo",
		Tier:          "starter",
		Currency:      "usd",
		MonthlyAmount: 1900,
		Features:      map[string]bool{"reservations": true, "qr_ordering": false},
		Limits:        map[string]int64{"dishes": 75},
	})
	require.NoError(t, err)

	assert.Equal(t, "starter-promo", plan.Slug)
	assert.Equal(t, "USD", plan.Currency)
	assert.True(t, plan.IsActive)
	assert.True(t, plan.Features["online_ordering"])
	assert.True(t, plan.Features["reservations"], "hand-tuned flag survives")
	assert.False(t, plan.Features["qr_ordering"])
	assert.False(t, plan.Features["multi_location"])
	assert.Equal(t, int64(75), plan.Limits["dishes"])
	assert.Equal(t, int64(20), plan.Limits["tables"])
}

func TestCreateValidation(t *testing.T) {
	f := setupPlanService(t)
	ctx := context.Background()
	base := plandomain.CreatePlanRequest{Name: "Pro", Tier: "professional", Currency: "USD"}

	cases := []struct {
		name string
		edit func(*plandomain.CreatePlanRequest)
		want error
	}{
		{"blank name", func(r *plandomain.CreatePlanRequest) { r.Name = " " }, plandomain.ErrInvalidName},
		{"unknown tier", func(r *plandomain.CreatePlanRequest) { r.Tier = "gold" }, plandomain.ErrInvalidTier},
		{"bad currency", func(r *plandomain.CreatePlanRequest) { r.Currency = "US" }, plandomain.ErrInvalidCurrency},
		{"negative amount", func(r *plandomain.CreatePlanRequest) { r.YearlyAmount = -1 }, plandomain.ErrInvalidAmount},
		{"trial too long", func(r *plandomain.CreatePlanRequest) { r.TrialDays = 400 }, plandomain.ErrInvalidTrialDays},
		{"unknown feature", func(r *plandomain.CreatePlanRequest) { r.Features = map[string]bool{"teleport": true} }, plandomain.ErrUnknownFeature},
		{"unknown resource", func(r *plandomain.CreatePlanRequest) { r.Limits = map[string]int64{"chairs": 1} }, plandomain.ErrUnknownResource},
		{"limit below unlimited", func(r *plandomain.CreatePlanRequest) { r.Limits = map[string]int64{"dishes": -2} }, plandomain.ErrInvalidLimit},
	}
	for _, tc := range cases {
		req := base
		tc.edit(&req)
		_, err := f.svc.Create(ctx, req)
		assert.ErrorIs(t, err, tc.want, tc.name)
	}
}

func TestCreateRejectsDuplicateSlug(t *testing.T) {
	f := setupPlanService(t)
	ctx := context.Background()

	_, err := f.svc.Create(ctx, plandomain.CreatePlanRequest{Slug: "pro", Name: "Pro", Tier: "professional", Currency: "USD"})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, plandomain.CreatePlanRequest{Slug: "PRO", Name: "Pro 2", Tier: "professional", Currency: "USD"})
	assert.ErrorIs(t, err, plandomain.ErrSlugTaken)
}

func TestUpdateInvalidatesBoundTenants(t *testing.T) {
	f := setupPlanService(t)
	ctx := context.Background()

	plan, err := f.svc.Create(ctx, plandomain.CreatePlanRequest{Name: "Starter", Tier: "starter", Currency: "USD"})
	require.NoError(t, err)
	planID, err := snowflake.ParseString(plan.ID)
	require.NoError(t, err)

	f.bindTenant(t, "tenant-bound", planID)
	require.NoError(t, f.cache.Put(ctx, "tenant-bound", entitlementdomain.Entitlement{TenantID: "tenant-bound"}, time.Hour))
	require.NoError(t, f.cache.Put(ctx, "tenant-other", entitlementdomain.Entitlement{TenantID: "tenant-other"}, time.Hour))

	name := "Starter Plus"
	updated, err := f.svc.Update(ctx, plan.ID, plandomain.UpdatePlanRequest{
		Name:     &name,
		Features: map[string]bool{"reservations": true},
	})
	require.NoError(t, err)
	assert.Equal(t, "Starter Plus", updated.Name)
	assert.True(t, updated.Features["reservations"])
	assert.True(t, updated.Features["online_ordering"], "merge keeps other flags")

	_, ok := f.cache.Get(ctx, "tenant-bound")
	assert.False(t, ok)
	_, ok = f.cache.Get(ctx, "tenant-other")
	assert.True(t, ok)
}

func TestResetFeaturesRederivesFromTier(t *testing.T) {
	f := setupPlanService(t)
	ctx := context.Background()

	plan, err := f.svc.Create(ctx, plandomain.CreatePlanRequest{
		Name:     "Legacy",
		Tier:     "free",
		Currency: "USD",
		Features: map[string]bool{"api_access": true},
		Limits:   map[string]int64{"dishes": 999},
	})
	require.NoError(t, err)
	require.True(t, plan.Features["api_access"])

	reset, err := f.svc.ResetFeatures(ctx, plan.ID)
	require.NoError(t, err)
	assert.False(t, reset.Features["api_access"])
	assert.True(t, reset.Features["menu_management"])
	assert.Equal(t, int64(999), reset.Limits["dishes"])
}

func TestDeactivateActivateAndGet(t *testing.T) {
	f := setupPlanService(t)
	ctx := context.Background()

	plan, err := f.svc.Create(ctx, plandomain.CreatePlanRequest{Name: "Enterprise", Tier: "enterprise", Currency: "EUR"})
	require.NoError(t, err)

	deactivated, err := f.svc.Deactivate(ctx, plan.ID)
	require.NoError(t, err)
	assert.False(t, deactivated.IsActive)

	bySlug, err := f.svc.Get(ctx, "enterprise")
	require.NoError(t, err)
	assert.Equal(t, plan.ID, bySlug.ID)
	assert.False(t, bySlug.IsActive)

	activated, err := f.svc.Activate(ctx, plan.ID)
	require.NoError(t, err)
	assert.True(t, activated.IsActive)

	_, err = f.svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, plandomain.ErrPlanNotFound)
	_, err = f.svc.Deactivate(ctx, "not-an-id")
	assert.ErrorIs(t, err, plandomain.ErrInvalidPlan)
}

func TestListPaginatesAndHidesInactive(t *testing.T) {
	f := setupPlanService(t)
	ctx := context.Background()

	var ids []string
	for _, tier := range catalog.Tiers {
		plan, err := f.svc.Create(ctx, plandomain.CreatePlanRequest{Name: string(tier), Tier: string(tier), Currency: "USD"})
		require.NoError(t, err)
		ids = append(ids, plan.ID)
	}
	_, err := f.svc.Deactivate(ctx, ids[3])
	require.NoError(t, err)

	page, err := f.svc.List(ctx, plandomain.ListPlansRequest{PageSize: 2})
	require.NoError(t, err)
	require.Len(t, page.Plans, 2)
	assert.True(t, page.HasMore)

	next, err := f.svc.List(ctx, plandomain.ListPlansRequest{PageSize: 2, PageToken: page.NextPageToken})
	require.NoError(t, err)
	require.Len(t, next.Plans, 1)
	assert.False(t, next.HasMore)
	assert.Equal(t, ids[2], next.Plans[0].ID)

	all, err := f.svc.List(ctx, plandomain.ListPlansRequest{IncludeInactive: true})
	require.NoError(t, err)
	assert.Len(t, all.Plans, 4)
}

func (f *planFixture) bindTenant(t *testing.T, tenantID string, planID snowflake.ID) {
	t.Helper()
	now := f.clock.Now()
	require.NoError(t, f.db.Create(&subscriptiondomain.Subscription{
		ID:                 f.node.Generate(),
		TenantID:           tenantID,
		PlanID:             planID,
		Status:             subscriptiondomain.SubscriptionStatusActive,
		BillingCycle:       subscriptiondomain.BillingCycleMonthly,
		CurrentPeriodStart: now,
		CurrentPeriodEnd:   now.AddDate(0, 1, 0),
		Version:            1,
		CreatedAt:          now,
		UpdatedAt:          now,
	}).Error)
}

func setupPlanService(t *testing.T) *planFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&plandomain.Plan{}, &subscriptiondomain.Subscription{}))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC))
	entitlementCache := cache.NewMemoryEntitlementCache(clk)

	svc := NewService(ServiceParam{
		DB:    db,
		Log:   zap.NewNop(),
		GenID: node,
		Clock: clk,
		Repo:  planrepo.Provide(),
		Cache: entitlementCache,
	})
	return &planFixture{svc: svc, db: db, node: node, clock: clk, cache: entitlementCache}
}
