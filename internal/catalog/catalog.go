// Package catalog holds the closed set of features, tiers and resource kinds
// known to the entitlement engine.
//
// Tier data here only seeds new plans. Whether a tenant has a feature is always
// answered from the tenant's live plan flags.
package catalog

import (
	"errors"
	"sort"
	"strings"
)

// Feature identifies a gated capability.
type Feature string

const (
	FeatureMenuManagement Feature = "menu_management"
	FeatureQROrdering     Feature = "qr_ordering"

	FeatureOnlineOrdering  Feature = "online_ordering"
	FeatureTableManagement Feature = "table_management"
	FeatureBasicAnalytics  Feature = "basic_analytics"

	FeatureReservations        Feature = "reservations"
	FeatureDeliveryIntegration Feature = "delivery_integration"
	FeatureLoyaltyProgram      Feature = "loyalty_program"
	FeatureRoomService         Feature = "room_service"
	FeatureInventoryTracking   Feature = "inventory_tracking"

	FeatureMultiLocation     Feature = "multi_location"
	FeatureAdvancedAnalytics Feature = "advanced_analytics"
	FeatureAPIAccess         Feature = "api_access"
	FeatureWhiteLabel        Feature = "white_label"
	FeaturePrioritySupport   Feature = "priority_support"
)

// Tier is a subscription level. Tiers are totally ordered by Tiers.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// ResourceKind names a metered resource with a numeric plan limit.
type ResourceKind string

const (
	ResourceDishes        ResourceKind = "dishes"
	ResourceTables        ResourceKind = "tables"
	ResourceStaff         ResourceKind = "staff"
	ResourceLocations     ResourceKind = "locations"
	ResourceRooms         ResourceKind = "rooms"
	ResourceMonthlyOrders ResourceKind = "monthly_orders"
)

// Unlimited marks a limit that never blocks.
const Unlimited int64 = -1

var (
	ErrUnknownFeature  = errors.New("unknown_feature")
	ErrUnknownTier     = errors.New("unknown_tier")
	ErrUnknownResource = errors.New("unknown_resource")
)

// Tiers lists every tier from lowest to highest.
var Tiers = []Tier{TierFree, TierStarter, TierProfessional, TierEnterprise}

// Resources lists every metered resource kind.
var Resources = []ResourceKind{
	ResourceDishes,
	ResourceTables,
	ResourceStaff,
	ResourceLocations,
	ResourceRooms,
	ResourceMonthlyOrders,
}

var minimumTier = map[Feature]Tier{
	FeatureMenuManagement: TierFree,
	FeatureQROrdering:     TierFree,

	FeatureOnlineOrdering:  TierStarter,
	FeatureTableManagement: TierStarter,
	FeatureBasicAnalytics:  TierStarter,

	FeatureReservations:        TierProfessional,
	FeatureDeliveryIntegration: TierProfessional,
	FeatureLoyaltyProgram:      TierProfessional,
	FeatureRoomService:         TierProfessional,
	FeatureInventoryTracking:   TierProfessional,

	FeatureMultiLocation:     TierEnterprise,
	FeatureAdvancedAnalytics: TierEnterprise,
	FeatureAPIAccess:         TierEnterprise,
	FeatureWhiteLabel:        TierEnterprise,
	FeaturePrioritySupport:   TierEnterprise,
}

var defaultLimits = map[Tier]map[ResourceKind]int64{
	TierFree: {
		ResourceDishes:        20,
		ResourceTables:        5,
		ResourceStaff:         2,
		ResourceLocations:     1,
		ResourceRooms:         0,
		ResourceMonthlyOrders: 200,
	},
	TierStarter: {
		ResourceDishes:        50,
		ResourceTables:        20,
		ResourceStaff:         5,
		ResourceLocations:     1,
		ResourceRooms:         0,
		ResourceMonthlyOrders: 2_000,
	},
	TierProfessional: {
		ResourceDishes:        500,
		ResourceTables:        100,
		ResourceStaff:         25,
		ResourceLocations:     3,
		ResourceRooms:         100,
		ResourceMonthlyOrders: 20_000,
	},
	TierEnterprise: {
		ResourceDishes:        Unlimited,
		ResourceTables:        Unlimited,
		ResourceStaff:         Unlimited,
		ResourceLocations:     Unlimited,
		ResourceRooms:         Unlimited,
		ResourceMonthlyOrders: Unlimited,
	},
}

// TierIndex returns the position of tier in Tiers, or -1 when unknown.
func TierIndex(tier Tier) int {
	for i, t := range Tiers {
		if t == tier {
			return i
		}
	}
	return -1
}

// IsAtLeast reports whether a ranks at or above b.
func IsAtLeast(a, b Tier) bool {
	return TierIndex(a) >= TierIndex(b)
}

// ParseTier normalizes raw into a known tier.
func ParseTier(raw string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(raw)))
	if TierIndex(tier) < 0 {
		return "", ErrUnknownTier
	}
	return tier, nil
}

// MinimumTierFor returns the lowest tier that introduces feature.
// Unknown features must be treated as denied by callers.
func MinimumTierFor(feature Feature) (Tier, error) {
	tier, ok := minimumTier[feature]
	if !ok {
		return "", ErrUnknownFeature
	}
	return tier, nil
}

// IsKnownFeature reports whether feature belongs to the catalog.
func IsKnownFeature(feature Feature) bool {
	_, ok := minimumTier[feature]
	return ok
}

// ParseFeature normalizes raw into a catalog feature.
func ParseFeature(raw string) (Feature, error) {
	feature := Feature(strings.ToLower(strings.TrimSpace(raw)))
	if !IsKnownFeature(feature) {
		return "", ErrUnknownFeature
	}
	return feature, nil
}

// AllFeatures returns every catalog feature, sorted.
func AllFeatures() []Feature {
	out := make([]Feature, 0, len(minimumTier))
	for feature := range minimumTier {
		out = append(out, feature)
	}
	SortFeatures(out)
	return out
}

// FeaturesIntroducedAt returns the features whose minimum tier is exactly tier.
func FeaturesIntroducedAt(tier Tier) []Feature {
	out := make([]Feature, 0)
	for feature, min := range minimumTier {
		if min == tier {
			out = append(out, feature)
		}
	}
	SortFeatures(out)
	return out
}

// AllFeaturesForTier returns the union of features introduced at or below tier.
// An unknown tier yields no features.
func AllFeaturesForTier(tier Tier) []Feature {
	idx := TierIndex(tier)
	if idx < 0 {
		return nil
	}
	out := make([]Feature, 0)
	for _, t := range Tiers[:idx+1] {
		out = append(out, FeaturesIntroducedAt(t)...)
	}
	SortFeatures(out)
	return out
}

// DefaultFeatureFlags returns a flag map holding every catalog feature, set to
// true when the feature is included in tier.
func DefaultFeatureFlags(tier Tier) map[Feature]bool {
	flags := make(map[Feature]bool, len(minimumTier))
	for feature := range minimumTier {
		flags[feature] = false
	}
	for _, feature := range AllFeaturesForTier(tier) {
		flags[feature] = true
	}
	return flags
}

// IsKnownResource reports whether kind is a catalog resource.
func IsKnownResource(kind ResourceKind) bool {
	for _, r := range Resources {
		if r == kind {
			return true
		}
	}
	return false
}

// ParseResource normalizes raw into a catalog resource kind.
func ParseResource(raw string) (ResourceKind, error) {
	kind := ResourceKind(strings.ToLower(strings.TrimSpace(raw)))
	if !IsKnownResource(kind) {
		return "", ErrUnknownResource
	}
	return kind, nil
}

// DefaultLimitsForTier returns a copy of the seed limits for tier.
func DefaultLimitsForTier(tier Tier) map[ResourceKind]int64 {
	src := defaultLimits[tier]
	out := make(map[ResourceKind]int64, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SortFeatures sorts features in place by identifier.
func SortFeatures(features []Feature) {
	sort.Slice(features, func(i, j int) bool { return features[i] < features[j] })
}
