package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ListFilter struct {
	IncludeInactive bool
	AfterID         snowflake.ID
	Limit           int
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, plan *Plan) error
	Update(ctx context.Context, db *gorm.DB, plan *Plan) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Plan, error)
	FindBySlug(ctx context.Context, db *gorm.DB, slug string) (*Plan, error)
	List(ctx context.Context, db *gorm.DB, filter ListFilter) ([]Plan, error)
	FindBoundTenantIDs(ctx context.Context, db *gorm.DB, planID snowflake.ID) ([]string, error)
}
