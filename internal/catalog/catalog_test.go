package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTierIndexOrdering(t *testing.T) {
	assert.Equal(t, 0, TierIndex(TierFree))
	assert.Equal(t, 1, TierIndex(TierStarter))
	assert.Equal(t, 2, TierIndex(TierProfessional))
	assert.Equal(t, 3, TierIndex(TierEnterprise))
	assert.Equal(t, -1, TierIndex("platinum"))
}

func TestIsAtLeastMatchesTierIndex(t *testing.T) {
	for _, a := range Tiers {
		for _, b := range Tiers {
			assert.Equal(t, TierIndex(a) >= TierIndex(b), IsAtLeast(a, b), "%s vs %s", a, b)
		}
		assert.True(t, IsAtLeast(a, a))
	}
	assert.False(t, IsAtLeast("platinum", TierFree))
}

func TestMinimumTierFor(t *testing.T) {
	tier, err := MinimumTierFor(FeatureReservations)
	require.NoError(t, err)
	assert.Equal(t, TierProfessional, tier)

	_, err = MinimumTierFor("reservatons")
	assert.ErrorIs(t, err, ErrUnknownFeature)
}

func TestAllFeaturesForTierIsCumulative(t *testing.T) {
	free := AllFeaturesForTier(TierFree)
	starter := AllFeaturesForTier(TierStarter)
	enterprise := AllFeaturesForTier(TierEnterprise)

	assert.ElementsMatch(t, FeaturesIntroducedAt(TierFree), free)
	assert.Subset(t, starter, free)
	assert.NotContains(t, starter, FeatureReservations)
	assert.ElementsMatch(t, AllFeatures(), enterprise)
	assert.Nil(t, AllFeaturesForTier("unknown"))
}

func TestDefaultFeatureFlagsCoverCatalog(t *testing.T) {
	flags := DefaultFeatureFlags(TierStarter)
	assert.Len(t, flags, len(AllFeatures()))
	assert.True(t, flags[FeatureOnlineOrdering])
	assert.False(t, flags[FeatureReservations])
}

func TestDefaultLimitsReturnsCopy(t *testing.T) {
	limits := DefaultLimitsForTier(TierStarter)
	limits[ResourceDishes] = 1

	assert.Equal(t, int64(50), DefaultLimitsForTier(TierStarter)[ResourceDishes])
	assert.Equal(t, Unlimited, DefaultLimitsForTier(TierEnterprise)[ResourceTables])
}

func TestParseHelpers(t *testing.T) {
	feature, err := ParseFeature("  Reservations ")
	require.NoError(t, err)
	assert.Equal(t, FeatureReservations, feature)

	tier, err := ParseTier("STARTER")
	require.NoError(t, err)
	assert.Equal(t, TierStarter, tier)

	_, err = ParseResource("chairs")
	assert.ErrorIs(t, err, ErrUnknownResource)
}
