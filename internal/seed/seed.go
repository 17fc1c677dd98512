package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/plangate/internal/catalog"
	plandomain "github.com/smallbiznis/plangate/internal/plan/domain"
	planrepo "github.com/smallbiznis/plangate/internal/plan/repository"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const defaultCurrency = "USD"

type defaultPlan struct {
	name          string
	description   string
	monthlyAmount int64
	trialDays     int
}

// Amounts are in minor units. Yearly billing is ten months.
var defaultPlans = map[catalog.Tier]defaultPlan{
	catalog.TierFree: {
		name:        "Free",
		description: "Digital menu for a single small venue.",
	},
	catalog.TierStarter: {
		name:          "Starter",
		description:   "Online ordering and table management.",
		monthlyAmount: 2900,
		trialDays:     14,
	},
	catalog.TierProfessional: {
		name:          "Professional",
		description:   "Reservations, loyalty and analytics for growing restaurants.",
		monthlyAmount: 7900,
		trialDays:     14,
	},
	catalog.TierEnterprise: {
		name:          "Enterprise",
		description:   "Multi-location groups with priority support.",
		monthlyAmount: 24900,
	},
}

// EnsureDefaultPlans creates one plan per tier, keyed by the tier slug.
// Existing plans are left untouched so admin overrides survive restarts.
func EnsureDefaultPlans(ctx context.Context, db *gorm.DB, node *snowflake.Node) (int, error) {
	if db == nil {
		return 0, errors.New("seed database handle is required")
	}
	if node == nil {
		return 0, errors.New("seed id generator is required")
	}

	repo := planrepo.Provide()
	created := 0
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, tier := range catalog.Tiers {
			existing, err := repo.FindBySlug(ctx, tx, string(tier))
			if err != nil {
				return err
			}
			if existing != nil {
				continue
			}

			def := defaultPlans[tier]
			now := time.Now().UTC()
			plan := plandomain.Plan{
				ID:            node.Generate(),
				Slug:          string(tier),
				Name:          def.name,
				Description:   def.description,
				Tier:          tier,
				Features:      datatypes.NewJSONType(plandomain.SeedFeatures(tier)),
				Limits:        datatypes.NewJSONType(plandomain.SeedLimits(tier)),
				Currency:      defaultCurrency,
				MonthlyAmount: def.monthlyAmount,
				YearlyAmount:  def.monthlyAmount * 10,
				TrialDays:     def.trialDays,
				IsActive:      true,
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := repo.Insert(ctx, tx, &plan); err != nil {
				return err
			}
			created++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return created, nil
}
