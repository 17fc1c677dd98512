package enforcement

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/plangate/internal/catalog"
	"github.com/smallbiznis/plangate/internal/config"
	entitlementdomain "github.com/smallbiznis/plangate/internal/entitlement/domain"
	"github.com/smallbiznis/plangate/internal/tenantctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubResolver struct {
	entitlements map[string]entitlementdomain.Entitlement
	err          error
}

func (s *stubResolver) Resolve(_ context.Context, tenantID string) (entitlementdomain.Entitlement, error) {
	if s.err != nil {
		return entitlementdomain.Entitlement{}, s.err
	}
	ent, ok := s.entitlements[tenantID]
	if !ok {
		return entitlementdomain.Entitlement{}, entitlementdomain.ErrNoSubscription
	}
	return ent, nil
}

type stubUsage struct {
	used  map[catalog.ResourceKind]int64
	err   error
	block bool
}

func (s *stubUsage) Used(ctx context.Context, _ string, resource catalog.ResourceKind) (int64, error) {
	if s.block {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	return s.used[resource], s.err
}

func init() {
	gin.SetMode(gin.TestMode)
}

func starterEntitlement() entitlementdomain.Entitlement {
	return entitlementdomain.Entitlement{
		TenantID: "tenant-a",
		Features: []catalog.Feature{catalog.FeatureMenuManagement, catalog.FeatureOnlineOrdering},
		Limits: map[catalog.ResourceKind]int64{
			catalog.ResourceDishes: 50,
			catalog.ResourceTables: catalog.Unlimited,
		},
		Subscription: entitlementdomain.SubscriptionSnapshot{PlanSlug: "starter", Tier: catalog.TierStarter},
		IsValid:      true,
	}
}

func newTestGate(resolver *stubResolver, usage *stubUsage) *Gate {
	cfg := config.DefaultEntitlementConfig()
	cfg.UpgradeURL = "https://example.test/upgrade"
	return &Gate{
		log:          zap.NewNop(),
		resolver:     resolver,
		usage:        usage,
		entitlements: config.NewStaticEntitlementConfigHolder(cfg),
	}
}

func serve(t *testing.T, tenantID string, handlers ...gin.HandlerFunc) (*httptest.ResponseRecorder, Deny) {
	t.Helper()

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if tenantID != "" {
			c.Request = c.Request.WithContext(tenantctx.WithTenantID(c.Request.Context(), tenantID))
		}
		c.Next()
	})
	handlers = append(handlers, func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/resource", handlers...)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/resource", nil))

	var deny Deny
	if w.Code != http.StatusNoContent && w.Code != http.StatusOK {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &deny))
	}
	return w, deny
}

func TestRequireSubscriptionDenials(t *testing.T) {
	expired := starterEntitlement()
	expired.IsValid = false
	resolver := &stubResolver{entitlements: map[string]entitlementdomain.Entitlement{
		"tenant-a":       starterEntitlement(),
		"tenant-expired": expired,
	}}
	gate := newTestGate(resolver, &stubUsage{})

	w, deny := serve(t, "", gate.RequireSubscription())
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, CodeNoTenantContext, deny.Code)
	assert.False(t, deny.Success)

	w, deny = serve(t, "tenant-missing", gate.RequireSubscription())
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeNoSubscription, deny.Code)

	w, deny = serve(t, "tenant-expired", gate.RequireSubscription())
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, CodeSubscriptionInactive, deny.Code)
	assert.Equal(t, "starter", deny.CurrentPlan)
	assert.Equal(t, "https://example.test/upgrade", deny.UpgradeURL)

	w, _ = serve(t, "tenant-a", gate.RequireSubscription())
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestInvalidSubscriptionDeniesEveryGate(t *testing.T) {
	expired := starterEntitlement()
	expired.IsValid = false
	gate := newTestGate(&stubResolver{entitlements: map[string]entitlementdomain.Entitlement{"tenant-a": expired}}, &stubUsage{})

	for _, handler := range []gin.HandlerFunc{
		gate.RequireFeature(catalog.FeatureMenuManagement),
		gate.RequireAnyFeature(catalog.FeatureMenuManagement),
		gate.RequireAllFeatures(catalog.FeatureMenuManagement),
		gate.CheckUsageLimit(catalog.ResourceTables),
	} {
		w, deny := serve(t, "tenant-a", handler)
		assert.Equal(t, http.StatusPaymentRequired, w.Code)
		assert.Equal(t, CodeSubscriptionInactive, deny.Code)
	}
}

func TestResolutionFailureFailsClosed(t *testing.T) {
	gate := newTestGate(&stubResolver{err: errors.Join(entitlementdomain.ErrResolutionFailure, context.DeadlineExceeded)}, &stubUsage{})

	w, deny := serve(t, "tenant-a", gate.RequireFeature(catalog.FeatureMenuManagement))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeResolutionFailure, deny.Code)
}

func TestRequireFeatureReportsRequiredTier(t *testing.T) {
	gate := newTestGate(&stubResolver{entitlements: map[string]entitlementdomain.Entitlement{"tenant-a": starterEntitlement()}}, &stubUsage{})

	w, deny := serve(t, "tenant-a", gate.RequireFeature(catalog.FeatureReservations))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeFeatureNotAvailable, deny.Code)
	assert.Equal(t, catalog.FeatureReservations, deny.Feature)
	assert.Equal(t, catalog.TierProfessional, deny.RequiredTier)
	assert.Equal(t, "starter", deny.CurrentPlan)

	w, _ = serve(t, "tenant-a", gate.RequireFeature(catalog.FeatureOnlineOrdering))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestUnknownFeatureIsDenied(t *testing.T) {
	gate := newTestGate(&stubResolver{entitlements: map[string]entitlementdomain.Entitlement{"tenant-a": starterEntitlement()}}, &stubUsage{})

	w, deny := serve(t, "tenant-a", gate.RequireFeature("reservatons"))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeFeatureNotAvailable, deny.Code)
	assert.Empty(t, deny.RequiredTier)
}

func TestAnyAndAllFeatures(t *testing.T) {
	gate := newTestGate(&stubResolver{entitlements: map[string]entitlementdomain.Entitlement{"tenant-a": starterEntitlement()}}, &stubUsage{})

	w, _ := serve(t, "tenant-a", gate.RequireAnyFeature(catalog.FeatureReservations, catalog.FeatureOnlineOrdering))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w, deny := serve(t, "tenant-a", gate.RequireAnyFeature(catalog.FeatureReservations, catalog.FeatureAPIAccess))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, []catalog.Feature{catalog.FeatureReservations, catalog.FeatureAPIAccess}, deny.Features)
	assert.Equal(t, catalog.TierProfessional, deny.RequiredTier)

	w, deny = serve(t, "tenant-a", gate.RequireAllFeatures(catalog.FeatureOnlineOrdering, catalog.FeatureAPIAccess, catalog.FeatureRoomService))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, []catalog.Feature{catalog.FeatureAPIAccess, catalog.FeatureRoomService}, deny.Features)
	assert.Equal(t, catalog.TierEnterprise, deny.RequiredTier)

	w, deny = serve(t, "tenant-a", gate.RequireAllFeatures(catalog.FeatureReservations, catalog.FeatureAPIAccess))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, []catalog.Feature{catalog.FeatureReservations, catalog.FeatureAPIAccess}, deny.Features)
	assert.Equal(t, catalog.TierEnterprise, deny.RequiredTier, "professional still lacks api_access")

	w, _ = serve(t, "tenant-a", gate.RequireAllFeatures(catalog.FeatureOnlineOrdering, catalog.FeatureMenuManagement))
	assert.Equal(t, http.StatusNoContent, w.Code)
}

func TestCheckUsageLimit(t *testing.T) {
	resolver := &stubResolver{entitlements: map[string]entitlementdomain.Entitlement{"tenant-a": starterEntitlement()}}
	usage := &stubUsage{used: map[catalog.ResourceKind]int64{
		catalog.ResourceDishes: 200,
		catalog.ResourceTables: 1_000_000,
		catalog.ResourceStaff:  0,
	}}
	gate := newTestGate(resolver, usage)

	w, _ := serve(t, "tenant-a", gate.CheckUsageLimit(catalog.ResourceTables))
	assert.Equal(t, http.StatusNoContent, w.Code, "unlimited never blocks")

	w, deny := serve(t, "tenant-a", gate.CheckUsageLimit(catalog.ResourceDishes))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, CodeUsageLimitExceeded, deny.Code)
	assert.Equal(t, catalog.ResourceDishes, deny.Resource)
	require.NotNil(t, deny.Limit)
	require.NotNil(t, deny.Used)
	assert.Equal(t, int64(50), *deny.Limit)
	assert.Equal(t, int64(200), *deny.Used)

	w, deny = serve(t, "tenant-a", gate.CheckUsageLimit(catalog.ResourceStaff))
	assert.Equal(t, http.StatusForbidden, w.Code, "resource missing from plan has a zero quota")
	assert.Equal(t, CodeUsageLimitExceeded, deny.Code)

	upgraded := starterEntitlement()
	upgraded.Limits[catalog.ResourceDishes] = catalog.Unlimited
	resolver.entitlements["tenant-a"] = upgraded
	w, _ = serve(t, "tenant-a", gate.CheckUsageLimit(catalog.ResourceDishes))
	assert.Equal(t, http.StatusNoContent, w.Code)

	usage.err = errors.New("db down")
	w, deny = serve(t, "tenant-a", gate.CheckUsageLimit(catalog.ResourceStaff))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeResolutionFailure, deny.Code)
}

func TestCheckFeaturesNeverDenies(t *testing.T) {
	gate := newTestGate(&stubResolver{entitlements: map[string]entitlementdomain.Entitlement{"tenant-a": starterEntitlement()}}, &stubUsage{})

	var enabled []catalog.Feature
	capture := func(c *gin.Context) {
		enabled = EnabledFeaturesFromContext(c.Request.Context())
		c.Next()
	}

	w, _ := serve(t, "tenant-a", gate.CheckFeatures(catalog.FeatureReservations, catalog.FeatureOnlineOrdering), capture)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []catalog.Feature{catalog.FeatureOnlineOrdering}, enabled)

	w, _ = serve(t, "", gate.CheckFeatures(catalog.FeatureOnlineOrdering), capture)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, enabled)

	w, _ = serve(t, "tenant-missing", gate.CheckFeatures(catalog.FeatureOnlineOrdering), capture)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, enabled)
}

func TestSuccessfulGateAttachesEntitlement(t *testing.T) {
	gate := newTestGate(&stubResolver{entitlements: map[string]entitlementdomain.Entitlement{"tenant-a": starterEntitlement()}}, &stubUsage{})

	var (
		fromRequest entitlementdomain.Entitlement
		found       bool
		fromGin     any
	)
	capture := func(c *gin.Context) {
		fromRequest, found = FromContext(c.Request.Context())
		fromGin, _ = c.Get(ginEntitlementKey)
		c.Next()
	}

	w, _ := serve(t, "tenant-a", gate.RequireSubscription(), capture)
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.True(t, found)
	assert.Equal(t, "tenant-a", fromRequest.TenantID)
	assert.Equal(t, fromRequest, fromGin)
}

func TestCheckUsageLimitFailsClosedWhenCounterReadHangs(t *testing.T) {
	resolver := &stubResolver{entitlements: map[string]entitlementdomain.Entitlement{"tenant-a": starterEntitlement()}}
	gate := newTestGate(resolver, &stubUsage{block: true})
	cfg := gate.entitlements.Get()
	cfg.ResolveTimeout = 20 * time.Millisecond
	gate.entitlements = config.NewStaticEntitlementConfigHolder(cfg)

	begin := time.Now()
	w, deny := serve(t, "tenant-a", gate.CheckUsageLimit(catalog.ResourceDishes))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, CodeResolutionFailure, deny.Code)
	assert.Less(t, time.Since(begin), time.Second)
}
