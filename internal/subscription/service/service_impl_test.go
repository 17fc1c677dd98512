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
	"github.com/smallbiznis/plangate/internal/config"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	planrepo "github.com/smallbiznis/plangate/internal/plan/repository"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/plangate/internal/subscription/repository"
	usagedomain "github.com/smallbiznis/plangate/internal/usage/domain"
	usagerepo "github.com/smallbiznis/plangate/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var start = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

type subscriptionFixture struct {
	svc       subscriptiondomain.Service
	db        *gorm.DB
	clock     *clock.FakeClock
	cache     cache.EntitlementCache
	repo      subscriptiondomain.Repository
	usageRepo usagedomain.Repository
	plans     map[string]plandomain.Plan
}

func TestCreateStartsTrialFromPlan(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()

	sub, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		TenantID: " tenant-a ",
		PlanID:   f.planID("starter"),
	})
	require.NoError(t, err)

	assert.Equal(t, "tenant-a", sub.TenantID)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusTrial, sub.Status)
	assert.Equal(t, subscriptiondomain.BillingCycleMonthly, sub.BillingCycle)
	require.NotNil(t, sub.TrialEndsAt)
	assert.True(t, sub.TrialEndsAt.Equal(start.AddDate(0, 0, 14)))
	assert.True(t, sub.CurrentPeriodEnd.Equal(start.AddDate(0, 1, 0)))
	assert.True(t, sub.IsValid)
	assert.Equal(t, int64(0), sub.Usage[catalog.ResourceDishes])

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{TenantID: "tenant-a", PlanID: f.planID("free")})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionExists)
}

func TestCreateValidation(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()
	negative := -1
	zero := 0

	_, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{TenantID: "", PlanID: f.planID("free")})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTenant)

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{TenantID: "t", PlanID: "abc"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidPlan)

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{TenantID: "t", PlanID: f.planID("free"), BillingCycle: "weekly"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidBillingCycle)

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{TenantID: "t", PlanID: f.planID("free"), TrialDays: &negative})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTrialDays)

	_, err = f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{TenantID: "t", PlanID: f.planID("retired")})
	assert.ErrorIs(t, err, subscriptiondomain.ErrPlanInactive)

	sub, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		TenantID:     "t",
		PlanID:       f.planID("starter"),
		BillingCycle: "YEARLY",
		TrialDays:    &zero,
	})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	assert.Nil(t, sub.TrialEndsAt)
	assert.True(t, sub.CurrentPeriodEnd.Equal(start.AddDate(1, 0, 0)))
}

func TestUpgradeAppliesImmediatelyAndInvalidates(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()
	f.subscribe(t, "tenant-a", "free")
	require.NoError(t, f.cache.Put(ctx, "tenant-a", entitlementdomain.Entitlement{TenantID: "tenant-a"}, time.Hour))

	result, err := f.svc.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{TenantID: "tenant-a", NewPlanID: f.planID("professional")})
	require.NoError(t, err)

	assert.Equal(t, subscriptiondomain.PendingChangeUpgrade, result.ChangeType)
	assert.False(t, result.Deferred)
	assert.Equal(t, f.planID("professional"), result.Subscription.PlanID)
	require.NotNil(t, result.Subscription.PreviousPlanID)
	assert.Equal(t, f.planID("free"), *result.Subscription.PreviousPlanID)
	assert.Nil(t, result.Subscription.PendingChange)

	_, ok := f.cache.Get(ctx, "tenant-a")
	assert.False(t, ok)

	history, err := f.repo.ListHistory(ctx, f.db, "tenant-a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, subscriptiondomain.PendingChangeUpgrade, history[0].ChangeType)
	assert.Empty(t, history[0].ArchivedItems.Data())
}

func TestDowngradeIsDeferredUntilPeriodEnd(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()
	f.subscribe(t, "tenant-a", "professional")
	require.NoError(t, f.usageRepo.Increment(ctx, f.db, "tenant-a", catalog.ResourceDishes, 30, start, start))

	result, err := f.svc.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{TenantID: "tenant-a", NewPlanID: f.planID("free")})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.PendingChangeDowngrade, result.ChangeType)
	assert.True(t, result.Deferred)
	assert.Equal(t, f.planID("professional"), result.Subscription.PlanID)
	require.NotNil(t, result.Subscription.PendingChange)
	assert.True(t, result.Subscription.PendingChange.EffectiveDate.Equal(start.AddDate(0, 1, 0)))

	applied, err := f.svc.ApplyDuePendingChange(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, applied, "not yet due")

	f.clock.Set(start.AddDate(0, 1, 0))
	applied, err = f.svc.ApplyDuePendingChange(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, applied)

	applied, err = f.svc.ApplyDuePendingChange(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, applied, "applying twice is a no-op")

	sub, err := f.svc.Get(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, f.planID("free"), sub.PlanID)
	assert.Nil(t, sub.PendingChange)

	history, err := f.repo.ListHistory(ctx, f.db, "tenant-a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, subscriptiondomain.PendingChangeDowngrade, history[0].ChangeType)
	assert.Equal(t, subscriptiondomain.ArchivedItems{catalog.ResourceDishes: 10}, history[0].ArchivedItems.Data())

	listed, err := f.svc.History(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, f.planID("professional"), listed[0].FromPlanID)
	require.NotNil(t, listed[0].ToPlanID)
	assert.Equal(t, f.planID("free"), *listed[0].ToPlanID)
}

func TestImmediateDowngradeSkipsDeferral(t *testing.T) {
	f := setupSubscriptionService(t)
	f.subscribe(t, "tenant-a", "professional")

	result, err := f.svc.ChangePlan(context.Background(), subscriptiondomain.ChangePlanRequest{
		TenantID:  "tenant-a",
		NewPlanID: f.planID("starter"),
		Immediate: true,
	})
	require.NoError(t, err)
	assert.False(t, result.Deferred)
	assert.Equal(t, f.planID("starter"), result.Subscription.PlanID)
}

func TestUpgradeClearsPendingDowngrade(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()
	f.subscribe(t, "tenant-a", "professional")

	_, err := f.svc.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{TenantID: "tenant-a", NewPlanID: f.planID("free")})
	require.NoError(t, err)

	result, err := f.svc.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{TenantID: "tenant-a", NewPlanID: f.planID("enterprise")})
	require.NoError(t, err)
	assert.Equal(t, f.planID("enterprise"), result.Subscription.PlanID)
	assert.Nil(t, result.Subscription.PendingChange)

	_, err = f.svc.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{TenantID: "tenant-a", NewPlanID: f.planID("enterprise")})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSamePlan)
}

func TestClassifyChange(t *testing.T) {
	pro := plandomain.Plan{Tier: catalog.TierProfessional, MonthlyAmount: 4900}
	proLite := plandomain.Plan{Tier: catalog.TierProfessional, MonthlyAmount: 2900}
	starter := plandomain.Plan{Tier: catalog.TierStarter, MonthlyAmount: 9900}

	assert.Equal(t, subscriptiondomain.PendingChangeDowngrade, ClassifyChange(pro, starter), "lower tier wins over price")
	assert.Equal(t, subscriptiondomain.PendingChangeUpgrade, ClassifyChange(starter, proLite))
	assert.Equal(t, subscriptiondomain.PendingChangeDowngrade, ClassifyChange(pro, proLite))
	assert.Equal(t, subscriptiondomain.PendingChangeUpgrade, ClassifyChange(proLite, pro))
	assert.Equal(t, subscriptiondomain.PendingChangeUpgrade, ClassifyChange(pro, pro))
}

func TestArchivedItemsSkipsUnlimitedAndWithinLimit(t *testing.T) {
	next := plandomain.Plan{Limits: datatypes.NewJSONType(plandomain.Limits{
		catalog.ResourceDishes: 20,
		catalog.ResourceTables: catalog.Unlimited,
		catalog.ResourceStaff:  5,
	})}
	archived := ArchivedItems(usagedomain.Snapshot{
		catalog.ResourceDishes: 25,
		catalog.ResourceTables: 1000,
		catalog.ResourceStaff:  5,
	}, next)
	assert.Equal(t, subscriptiondomain.ArchivedItems{catalog.ResourceDishes: 5}, archived)
}

func TestCancelAtPeriodEnd(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()
	f.subscribe(t, "tenant-a", "starter")

	sub, err := f.svc.Cancel(ctx, subscriptiondomain.CancelRequest{TenantID: "tenant-a", AtPeriodEnd: true})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.PendingChange)
	assert.Equal(t, subscriptiondomain.PendingChangeCancel, sub.PendingChange.Type)

	f.clock.Set(start.AddDate(0, 1, 0).Add(time.Hour))
	applied, err := f.svc.ApplyDuePendingChange(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, applied)

	sub, err = f.svc.Get(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, sub.Status)
	require.NotNil(t, sub.CancelledAt)
	assert.True(t, sub.CancelledAt.Equal(start.AddDate(0, 1, 0)))
	assert.False(t, sub.IsValid)

	history, err := f.repo.ListHistory(ctx, f.db, "tenant-a")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCancelImmediatelyIsTerminal(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()
	f.subscribe(t, "tenant-a", "starter")

	sub, err := f.svc.Cancel(ctx, subscriptiondomain.CancelRequest{TenantID: "tenant-a"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusCancelled, sub.Status)
	assert.False(t, sub.IsValid)

	_, err = f.svc.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{TenantID: "tenant-a", NewPlanID: f.planID("enterprise")})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionTerminal)

	_, err = f.svc.Transition(ctx, subscriptiondomain.TransitionRequest{TenantID: "tenant-a", Status: "active"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionTerminal)
}

func TestTransitionAndGracePeriod(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()
	f.subscribe(t, "tenant-a", "starter")

	sub, err := f.svc.Transition(ctx, subscriptiondomain.TransitionRequest{TenantID: "tenant-a", Status: "past_due", Reason: "card_declined"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusPastDue, sub.Status)
	assert.False(t, sub.IsValid, "past_due without grace denies")

	_, err = f.svc.Transition(ctx, subscriptiondomain.TransitionRequest{TenantID: "tenant-a", Status: "trial"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidTransition)

	_, err = f.svc.Transition(ctx, subscriptiondomain.TransitionRequest{TenantID: "tenant-a", Status: "paused"})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidStatus)

	sub, err = f.svc.StartGracePeriod(ctx, subscriptiondomain.StartGracePeriodRequest{TenantID: "tenant-a", Reason: "payment_retry"})
	require.NoError(t, err)
	require.NotNil(t, sub.GracePeriod)
	assert.True(t, sub.GracePeriod.IsActive)
	assert.True(t, sub.GracePeriod.EndsAt.Equal(start.AddDate(0, 0, 7)))
	assert.True(t, sub.IsValid)

	f.clock.Set(start.AddDate(0, 0, 8))
	sub, err = f.svc.Get(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, sub.IsValid, "grace lapsed")

	sub, err = f.svc.Transition(ctx, subscriptiondomain.TransitionRequest{TenantID: "tenant-a", Status: "active"})
	require.NoError(t, err)
	assert.Equal(t, subscriptiondomain.SubscriptionStatusActive, sub.Status)
	require.NotNil(t, sub.GracePeriod)
	assert.False(t, sub.GracePeriod.IsActive)
	assert.True(t, sub.IsValid)
}

func TestGracePeriodRules(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()
	f.subscribe(t, "tenant-active", "starter")
	trialDays := 14
	_, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{TenantID: "tenant-b", PlanID: f.planID("starter"), TrialDays: &trialDays})
	require.NoError(t, err)

	_, err = f.svc.StartGracePeriod(ctx, subscriptiondomain.StartGracePeriodRequest{TenantID: "tenant-b", Days: 3})
	assert.ErrorIs(t, err, subscriptiondomain.ErrGraceNotAllowed)

	_, err = f.svc.StartGracePeriod(ctx, subscriptiondomain.StartGracePeriodRequest{TenantID: "tenant-active", Days: -1})
	assert.ErrorIs(t, err, subscriptiondomain.ErrInvalidGraceDays)

	sub, err := f.svc.StartGracePeriod(ctx, subscriptiondomain.StartGracePeriodRequest{TenantID: "tenant-active", Days: 3})
	require.NoError(t, err)
	assert.True(t, sub.GracePeriod.EndsAt.Equal(start.AddDate(0, 0, 3)))

	sub, err = f.svc.EndGracePeriod(ctx, "tenant-active")
	require.NoError(t, err)
	require.NotNil(t, sub.GracePeriod)
	assert.False(t, sub.GracePeriod.IsActive)
}

func TestRollPeriodAdvancesAndResetsUsageLazily(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()
	f.subscribe(t, "tenant-a", "starter")
	require.NoError(t, f.usageRepo.Increment(ctx, f.db, "tenant-a", catalog.ResourceMonthlyOrders, 40, start, start))

	rolled, err := f.svc.RollPeriod(ctx, "tenant-a")
	require.NoError(t, err)
	assert.False(t, rolled)

	f.clock.Set(start.AddDate(0, 2, 1))
	rolled, err = f.svc.RollPeriod(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, rolled)

	sub, err := f.svc.Get(ctx, "tenant-a")
	require.NoError(t, err)
	assert.True(t, sub.CurrentPeriodStart.Equal(start.AddDate(0, 2, 0)))
	assert.True(t, sub.CurrentPeriodEnd.Equal(start.AddDate(0, 3, 0)))
	assert.Equal(t, int64(0), sub.Usage[catalog.ResourceMonthlyOrders])
}

func TestResetUsage(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()
	f.subscribe(t, "tenant-a", "starter")
	require.NoError(t, f.usageRepo.Increment(ctx, f.db, "tenant-a", catalog.ResourceStaff, 4, start, start))
	require.NoError(t, f.cache.Put(ctx, "tenant-a", entitlementdomain.Entitlement{TenantID: "tenant-a"}, time.Hour))

	require.NoError(t, f.svc.ResetUsage(ctx, "tenant-a"))
	_, cached := f.cache.Get(ctx, "tenant-a")
	assert.False(t, cached, "reset must evict the cached entitlement")

	sub, err := f.svc.Get(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sub.Usage[catalog.ResourceStaff])

	assert.ErrorIs(t, f.svc.ResetUsage(ctx, "tenant-missing"), subscriptiondomain.ErrSubscriptionNotFound)
}

func TestUpdateLifecycleRejectsStaleVersion(t *testing.T) {
	f := setupSubscriptionService(t)
	ctx := context.Background()
	f.subscribe(t, "tenant-a", "starter")

	first, err := f.repo.FindByTenantID(ctx, f.db, "tenant-a")
	require.NoError(t, err)
	stale := *first

	first.Status = subscriptiondomain.SubscriptionStatusPastDue
	ok, err := f.repo.UpdateLifecycle(ctx, f.db, first)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, stale.Version+1, first.Version)

	stale.Status = subscriptiondomain.SubscriptionStatusCancelled
	ok, err = f.repo.UpdateLifecycle(ctx, f.db, &stale)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetUnknownTenant(t *testing.T) {
	f := setupSubscriptionService(t)
	_, err := f.svc.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, subscriptiondomain.ErrSubscriptionNotFound)
}

func (f *subscriptionFixture) planID(slug string) string {
	return f.plans[slug].ID.String()
}

func (f *subscriptionFixture) subscribe(t *testing.T, tenantID, slug string) {
	t.Helper()
	zero := 0
	_, err := f.svc.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		TenantID:  tenantID,
		PlanID:    f.planID(slug),
		TrialDays: &zero,
	})
	require.NoError(t, err)
}

func setupSubscriptionService(t *testing.T) *subscriptionFixture {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(
		&plandomain.Plan{},
		&subscriptiondomain.Subscription{},
		&subscriptiondomain.PlanChangeHistory{},
		&usagedomain.UsageCounter{},
	))

	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	clk := clock.NewFakeClock(start)

	plans := map[string]plandomain.Plan{}
	pRepo := planrepo.Provide()
	seed := []struct {
		slug      string
		tier      catalog.Tier
		monthly   int64
		trialDays int
		active    bool
	}{
		{"free", catalog.TierFree, 0, 0, true},
		{"starter", catalog.TierStarter, 1900, 14, true},
		{"professional", catalog.TierProfessional, 4900, 0, true},
		{"enterprise", catalog.TierEnterprise, 19900, 0, true},
		{"retired", catalog.TierStarter, 900, 0, false},
	}
	for _, s := range seed {
		plan := plandomain.Plan{
			ID:            node.Generate(),
			Slug:          s.slug,
			Name:          s.slug,
			Tier:          s.tier,
			Features:      datatypes.NewJSONType(plandomain.SeedFeatures(s.tier)),
			Limits:        datatypes.NewJSONType(plandomain.SeedLimits(s.tier)),
			Currency:      "USD",
			MonthlyAmount: s.monthly,
			TrialDays:     s.trialDays,
			IsActive:      s.active,
			CreatedAt:     start,
			UpdatedAt:     start,
		}
		require.NoError(t, pRepo.Insert(context.Background(), db, &plan))
		plans[s.slug] = plan
	}

	repo := subscriptionrepo.Provide()
	uRepo := usagerepo.Provide()
	entitlementCache := cache.NewMemoryEntitlementCache(clk)
	svc := NewService(ServiceParam{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clk,
		Repo:         repo,
		PlanRepo:     pRepo,
		UsageRepo:    uRepo,
		Cache:        entitlementCache,
		Entitlements: config.NewStaticEntitlementConfigHolder(config.DefaultEntitlementConfig()),
	})
	return &subscriptionFixture{
		svc:       svc,
		db:        db,
		clock:     clk,
		cache:     entitlementCache,
		repo:      repo,
		usageRepo: uRepo,
		plans:     plans,
	}
}
