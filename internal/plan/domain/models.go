// Package domain contains persistence models and rules for plans.
package domain

import (
	"sort"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/catalog"
	"gorm.io/datatypes"
)

// FeatureFlags is the explicit per-plan feature switchboard.
type FeatureFlags map[catalog.Feature]bool

// Limits maps metered resources to their quota. catalog.Unlimited never blocks.
type Limits map[catalog.ResourceKind]int64

// Plan is a named, priced bundle of feature flags and limits.
// Features are seeded from the tier on creation and never re-derived implicitly.
type Plan struct {
	ID            snowflake.ID                     `gorm:"primaryKey"`
	Slug          string                           `gorm:"type:text;not null;uniqueIndex"`
	Name          string                           `gorm:"type:text;not null"`
	Description   string                           `gorm:"type:text"`
	Tier          catalog.Tier                     `gorm:"type:text;not null"`
	Features      datatypes.JSONType[FeatureFlags] `gorm:"not null"`
	Limits        datatypes.JSONType[Limits]       `gorm:"not null"`
	Currency      string                           `gorm:"type:text;not null"`
	MonthlyAmount int64                            `gorm:"not null;default:0"`
	YearlyAmount  int64                            `gorm:"not null;default:0"`
	TrialDays     int                              `gorm:"not null;default:0"`
	IsActive      bool                             `gorm:"not null;default:true"`
	CreatedAt     time.Time                        `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt     time.Time                        `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Plan) TableName() string { return "plans" }

// HasFeature reports whether the flag for feature is explicitly true.
func (p Plan) HasFeature(feature catalog.Feature) bool {
	return p.Features.Data()[feature]
}

// EnabledFeatureList returns the features flagged true, sorted.
func (p Plan) EnabledFeatureList() []catalog.Feature {
	out := make([]catalog.Feature, 0)
	for feature, enabled := range p.Features.Data() {
		if enabled {
			out = append(out, feature)
		}
	}
	catalog.SortFeatures(out)
	return out
}

// LimitFor returns the quota for resource. A resource missing from the plan
// reports limit 0 and ok=false so callers deny by default.
func (p Plan) LimitFor(resource catalog.ResourceKind) (int64, bool) {
	limit, ok := p.Limits.Data()[resource]
	if !ok {
		return 0, false
	}
	return limit, true
}

// LimitsCopy returns a defensive copy of the plan limits.
func (p Plan) LimitsCopy() Limits {
	src := p.Limits.Data()
	out := make(Limits, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// FeaturesCopy returns a defensive copy of the plan feature flags.
func (p Plan) FeaturesCopy() FeatureFlags {
	src := p.Features.Data()
	out := make(FeatureFlags, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

// SeedFeatures returns the default flags for tier.
func SeedFeatures(tier catalog.Tier) FeatureFlags {
	return FeatureFlags(catalog.DefaultFeatureFlags(tier))
}

// SeedLimits returns the default limits for tier.
func SeedLimits(tier catalog.Tier) Limits {
	return Limits(catalog.DefaultLimitsForTier(tier))
}

// SortedResources returns the resource kinds present in limits, sorted.
func (l Limits) SortedResources() []catalog.ResourceKind {
	out := make([]catalog.ResourceKind, 0, len(l))
	for kind := range l {
		out = append(out, kind)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
