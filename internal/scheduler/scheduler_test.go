package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/smallbiznis/plangate/internal/cache"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/internal/clock"
	"github.com/smallbiznis/plangate/internal/config"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	planrepo "github.com/smallbiznis/plangate/internal/plan/repository"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	subscriptionrepo "github.com/smallbiznis/plangate/internal/subscription/repository"
	subscriptionservice "github.com/smallbiznis/plangate/internal/subscription/service"
	usagedomain "github.com/smallbiznis/plangate/internal/usage/domain"
	usagerepo "github.com/smallbiznis/plangate/internal/usage/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var start = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type schedulerFixture struct {
	sched *Scheduler
	svc   subscriptiondomain.Service
	repo  subscriptiondomain.Repository
	db    *gorm.DB
	clock *clock.FakeClock
	plans map[catalog.Tier]plandomain.Plan
}

type stubLocker struct {
	acquire  bool
	err      error
	keys     []string
	released []string
}

func (l *stubLocker) TryLock(_ context.Context, key string, _ time.Duration) (string, bool, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return "", false, l.err
	}
	return "token-" + key, l.acquire, nil
}

func (l *stubLocker) Release(_ context.Context, key, token string) error {
	l.released = append(l.released, key+"="+token)
	return nil
}

func TestExpireTrialsJob(t *testing.T) {
	f := setupScheduler(t, Config{})
	ctx := context.Background()

	_, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		TenantID: "tenant-trial",
		PlanID:   f.plans[catalog.TierStarter].ID.String(),
	})
	require.NoError(t, err)
	f.subscribe(t, "tenant-paid", catalog.TierStarter)

	f.clock.Advance(13 * 24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(ctx))
	f.assertStatus(t, "tenant-trial", subscriptiondomain.SubscriptionStatusTrial)

	f.clock.Advance(2 * 24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(ctx))
	f.assertStatus(t, "tenant-trial", subscriptiondomain.SubscriptionStatusExpired)
	f.assertStatus(t, "tenant-paid", subscriptiondomain.SubscriptionStatusActive)
}

func TestApplyPendingChangesThenRollPeriod(t *testing.T) {
	f := setupScheduler(t, Config{})
	ctx := context.Background()
	f.subscribe(t, "tenant-a", catalog.TierProfessional)

	res, err := f.svc.ChangePlan(ctx, subscriptiondomain.ChangePlanRequest{
		TenantID:  "tenant-a",
		NewPlanID: f.plans[catalog.TierStarter].ID.String(),
	})
	require.NoError(t, err)
	require.True(t, res.Deferred)
	periodEnd := res.Subscription.CurrentPeriodEnd

	f.clock.Set(periodEnd.Add(time.Hour))
	require.NoError(t, f.sched.RunOnce(ctx))

	sub, err := f.svc.Get(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Equal(t, f.plans[catalog.TierStarter].ID.String(), sub.PlanID)
	assert.Nil(t, sub.PendingChange)
	assert.True(t, sub.CurrentPeriodStart.Equal(periodEnd))
	assert.True(t, sub.CurrentPeriodEnd.After(f.clock.Now()))

	history, err := f.svc.History(ctx, "tenant-a")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, subscriptiondomain.PendingChangeDowngrade, history[0].ChangeType)

	// nothing left to do on a second pass
	require.NoError(t, f.sched.RunOnce(ctx))
	history, err = f.svc.History(ctx, "tenant-a")
	require.NoError(t, err)
	assert.Len(t, history, 1)
}

func TestEndLapsedGraceJob(t *testing.T) {
	f := setupScheduler(t, Config{EnabledJobs: []string{JobEndLapsedGrace}})
	ctx := context.Background()
	f.subscribe(t, "tenant-a", catalog.TierStarter)

	_, err := f.svc.Transition(ctx, subscriptiondomain.TransitionRequest{TenantID: "tenant-a", Status: "past_due"})
	require.NoError(t, err)
	_, err = f.svc.StartGracePeriod(ctx, subscriptiondomain.StartGracePeriodRequest{TenantID: "tenant-a", Days: 3, Reason: "card_declined"})
	require.NoError(t, err)

	f.clock.Advance(4 * 24 * time.Hour)
	lapsed, err := f.repo.ListTenantsWithLapsedGrace(ctx, f.db, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"tenant-a"}, lapsed)

	require.NoError(t, f.sched.RunOnce(ctx))

	sub, err := f.svc.Get(ctx, "tenant-a")
	require.NoError(t, err)
	require.NotNil(t, sub.GracePeriod)
	assert.False(t, sub.GracePeriod.IsActive)
	assert.False(t, sub.IsValid)

	lapsed, err = f.repo.ListTenantsWithLapsedGrace(ctx, f.db, f.clock.Now(), 10)
	require.NoError(t, err)
	assert.Empty(t, lapsed)
}

func TestRollPeriodsDrainsInBatches(t *testing.T) {
	f := setupScheduler(t, Config{BatchSize: 2, EnabledJobs: []string{JobRollPeriods}})
	ctx := context.Background()
	tenants := []string{"tenant-a", "tenant-b", "tenant-c", "tenant-d", "tenant-e"}
	for _, tenantID := range tenants {
		f.subscribe(t, tenantID, catalog.TierFree)
	}

	f.clock.Set(start.AddDate(0, 2, 1))
	require.NoError(t, f.sched.RunOnce(ctx))

	for _, tenantID := range tenants {
		sub, err := f.svc.Get(ctx, tenantID)
		require.NoError(t, err)
		assert.True(t, sub.CurrentPeriodStart.Equal(start.AddDate(0, 2, 0)), tenantID)
		assert.True(t, sub.CurrentPeriodEnd.Equal(start.AddDate(0, 3, 0)), tenantID)
	}
}

func TestDisabledJobsAreSkipped(t *testing.T) {
	f := setupScheduler(t, Config{EnabledJobs: []string{JobRollPeriods}})
	ctx := context.Background()
	_, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		TenantID: "tenant-trial",
		PlanID:   f.plans[catalog.TierStarter].ID.String(),
	})
	require.NoError(t, err)

	f.clock.Advance(30 * 24 * time.Hour)
	require.NoError(t, f.sched.RunOnce(ctx))
	f.assertStatus(t, "tenant-trial", subscriptiondomain.SubscriptionStatusTrial)

	assert.True(t, f.sched.isJobEnabled("ROLL_PERIODS"))
	assert.False(t, f.sched.isJobEnabled(JobExpireTrials))
}

func TestHeldLockDefersJob(t *testing.T) {
	f := setupScheduler(t, Config{EnabledJobs: []string{JobExpireTrials}})
	ctx := context.Background()
	_, err := f.svc.Create(ctx, subscriptiondomain.CreateSubscriptionRequest{
		TenantID: "tenant-trial",
		PlanID:   f.plans[catalog.TierStarter].ID.String(),
	})
	require.NoError(t, err)
	f.clock.Advance(30 * 24 * time.Hour)

	locker := &stubLocker{acquire: false}
	f.sched.locker = locker
	require.NoError(t, f.sched.RunOnce(ctx))
	f.assertStatus(t, "tenant-trial", subscriptiondomain.SubscriptionStatusTrial)
	assert.Equal(t, []string{"plangate:scheduler:lock:expire_trials"}, locker.keys)
	assert.Empty(t, locker.released)

	locker.acquire = true
	require.NoError(t, f.sched.RunOnce(ctx))
	f.assertStatus(t, "tenant-trial", subscriptiondomain.SubscriptionStatusExpired)
	assert.Equal(t, []string{"plangate:scheduler:lock:expire_trials=token-plangate:scheduler:lock:expire_trials"}, locker.released)
}

func TestLockErrorFailsJob(t *testing.T) {
	f := setupScheduler(t, Config{EnabledJobs: []string{JobExpireTrials}})
	f.sched.locker = &stubLocker{err: errors.New("redis down")}

	err := f.sched.RunOnce(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), JobExpireTrials)
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Params{Log: zap.NewNop()})
	assert.ErrorIs(t, err, ErrInvalidConfig)
}

func TestProvideConfigReadsEntitlementSettings(t *testing.T) {
	settings := config.DefaultEntitlementConfig()
	settings.SchedulerInterval = 5 * time.Minute
	settings.SchedulerBatch = 25

	cfg := ProvideConfig(config.Config{
		SchedulerJobs: []string{JobRollPeriods},
		Redis:         config.RedisConfig{KeyPrefix: "pg"},
	}, config.NewStaticEntitlementConfigHolder(settings))

	assert.Equal(t, 5*time.Minute, cfg.RunInterval)
	assert.Equal(t, 25, cfg.BatchSize)
	assert.Equal(t, DefaultConfig().JobTimeout, cfg.JobTimeout)
	assert.Equal(t, []string{JobRollPeriods}, cfg.EnabledJobs)
	assert.Equal(t, "pg", cfg.KeyPrefix)
}

func (f *schedulerFixture) subscribe(t *testing.T, tenantID string, tier catalog.Tier) {
	t.Helper()
	zero := 0
	_, err := f.svc.Create(context.Background(), subscriptiondomain.CreateSubscriptionRequest{
		TenantID:  tenantID,
		PlanID:    f.plans[tier].ID.String(),
		TrialDays: &zero,
	})
	require.NoError(t, err)
}

func (f *schedulerFixture) assertStatus(t *testing.T, tenantID string, want subscriptiondomain.SubscriptionStatus) {
	t.Helper()
	sub, err := f.svc.Get(context.Background(), tenantID)
	require.NoError(t, err)
	assert.Equal(t, want, sub.Status)
}

func setupScheduler(t *testing.T, cfg Config) *schedulerFixture {
	t.Helper()
	if cfg.Concurrency == 0 {
		// shared-cache sqlite rejects concurrent writers
		cfg.Concurrency = 1
	}

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

	pRepo := planrepo.Provide()
	plans := map[catalog.Tier]plandomain.Plan{}
	for i, tier := range catalog.Tiers {
		trialDays := 0
		if tier == catalog.TierStarter {
			trialDays = 14
		}
		plan := plandomain.Plan{
			ID:            node.Generate(),
			Slug:          string(tier),
			Name:          string(tier),
			Tier:          tier,
			Features:      datatypes.NewJSONType(plandomain.SeedFeatures(tier)),
			Limits:        datatypes.NewJSONType(plandomain.SeedLimits(tier)),
			Currency:      "USD",
			MonthlyAmount: int64(i) * 2000,
			TrialDays:     trialDays,
			IsActive:      true,
			CreatedAt:     start,
			UpdatedAt:     start,
		}
		require.NoError(t, pRepo.Insert(context.Background(), db, &plan))
		plans[tier] = plan
	}

	repo := subscriptionrepo.Provide()
	svc := subscriptionservice.NewService(subscriptionservice.ServiceParam{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        clk,
		Repo:         repo,
		PlanRepo:     pRepo,
		UsageRepo:    usagerepo.Provide(),
		Cache:        cache.NewMemoryEntitlementCache(clk),
		Entitlements: config.NewStaticEntitlementConfigHolder(config.DefaultEntitlementConfig()),
	})

	sched, err := New(Params{
		DB:              db,
		Log:             zap.NewNop(),
		GenID:           node,
		Clock:           clk,
		SubscriptionSvc: svc,
		SubRepo:         repo,
		Config:          cfg,
	})
	require.NoError(t, err)

	return &schedulerFixture{
		sched: sched,
		svc:   svc,
		repo:  repo,
		db:    db,
		clock: clk,
		plans: plans,
	}
}
