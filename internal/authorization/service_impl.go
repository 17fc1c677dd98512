package authorization

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"
	gormadapter "github.com/casbin/gorm-adapter/v3"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed model.conf
var modelText string

const adminDomain = "scope:admin"

const (
	ObjectPlan         = "plan"
	ObjectSubscription = "subscription"
	ObjectAuditLog     = "audit_log"
)

const (
	ActionPlanView          = "plan.view"
	ActionPlanCreate        = "plan.create"
	ActionPlanUpdate        = "plan.update"
	ActionPlanResetFeatures = "plan.reset_features"
	ActionPlanDeactivate    = "plan.deactivate"
	ActionPlanActivate      = "plan.activate"

	ActionSubscriptionView         = "subscription.view"
	ActionSubscriptionCreate       = "subscription.create"
	ActionSubscriptionChangePlan   = "subscription.change_plan"
	ActionSubscriptionCancel       = "subscription.cancel"
	ActionSubscriptionTransition   = "subscription.transition"
	ActionSubscriptionGrace        = "subscription.grace"
	ActionSubscriptionResetUsage   = "subscription.reset_usage"
	ActionSubscriptionApplyPending = "subscription.apply_pending"

	ActionAuditLogView = "audit_log.view"
)

const (
	RoleViewer  = "viewer"
	RoleSupport = "support"
	RoleBilling = "billing"
	RoleAdmin   = "admin"
	RoleSystem  = "system"
)

type Params struct {
	fx.In

	Log      *zap.Logger
	Enforcer *casbin.SyncedEnforcer
}

type ServiceImpl struct {
	log      *zap.Logger
	enforcer *casbin.SyncedEnforcer
}

func NewEnforcer(db *gorm.DB) (*casbin.SyncedEnforcer, error) {
	adapter, err := gormadapter.NewAdapterByDB(db)
	if err != nil {
		return nil, err
	}
	m, err := model.NewModelFromString(modelText)
	if err != nil {
		return nil, err
	}
	enforcer, err := casbin.NewSyncedEnforcer(m, adapter)
	if err != nil {
		return nil, err
	}
	enforcer.EnableAutoSave(true)
	enforcer.EnableAutoBuildRoleLinks(true)
	if err := enforcer.LoadPolicy(); err != nil {
		return nil, err
	}
	if err := seedPolicies(enforcer); err != nil {
		return nil, err
	}
	enforcer.BuildRoleLinks()
	return enforcer, nil
}

func NewService(p Params) Service {
	return &ServiceImpl{
		log:      p.Log.Named("authorization.service"),
		enforcer: p.Enforcer,
	}
}

func (s *ServiceImpl) Authorize(ctx context.Context, actor Actor, object string, action string) error {
	role := strings.ToLower(strings.TrimSpace(actor.Role))
	if role == "" {
		return ErrInvalidActor
	}
	object = strings.TrimSpace(object)
	if object == "" {
		return ErrInvalidObject
	}
	action = strings.TrimSpace(action)
	if action == "" {
		return ErrInvalidAction
	}

	subject := actorSubject(actor.ID, role)
	roleName := fmt.Sprintf("role:%s", role)
	if err := s.ensureGrouping(subject, roleName, adminDomain); err != nil {
		return err
	}

	allowed, err := s.enforcer.Enforce(subject, adminDomain, object, action)
	if err != nil {
		return err
	}
	if !allowed {
		s.log.Info("authorization denied",
			zap.String("subject", subject),
			zap.String("role", role),
			zap.String("object", object),
			zap.String("action", action),
		)
		return ErrForbidden
	}
	return nil
}

func (s *ServiceImpl) ensureGrouping(subject string, roleName string, domain string) error {
	existing, err := s.enforcer.GetFilteredGroupingPolicy(0, subject, "", domain)
	if err != nil {
		return err
	}
	for _, rule := range existing {
		if len(rule) < 2 {
			continue
		}
		if rule[1] != roleName {
			params := make([]interface{}, 0, len(rule))
			for _, value := range rule {
				params = append(params, value)
			}
			_, _ = s.enforcer.RemoveGroupingPolicy(params...)
		}
	}

	has, err := s.enforcer.HasGroupingPolicy(subject, roleName, domain)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	_, err = s.enforcer.AddGroupingPolicy(subject, roleName, domain)
	return err
}

func actorSubject(actorID, role string) string {
	actorID = strings.TrimSpace(actorID)
	if actorID == "" {
		return fmt.Sprintf("anonymous:%s", role)
	}
	return fmt.Sprintf("actor:%s", actorID)
}

func seedPolicies(enforcer *casbin.SyncedEnforcer) error {
	viewer := [][]string{
		{ObjectPlan, ActionPlanView},
		{ObjectSubscription, ActionSubscriptionView},
	}
	support := append([][]string{
		{ObjectSubscription, ActionSubscriptionGrace},
		{ObjectSubscription, ActionSubscriptionResetUsage},
		{ObjectAuditLog, ActionAuditLogView},
	}, viewer...)
	billing := append([][]string{
		{ObjectSubscription, ActionSubscriptionCreate},
		{ObjectSubscription, ActionSubscriptionChangePlan},
		{ObjectSubscription, ActionSubscriptionCancel},
		{ObjectSubscription, ActionSubscriptionTransition},
		{ObjectSubscription, ActionSubscriptionGrace},
	}, viewer...)
	system := append([][]string{
		{ObjectSubscription, ActionSubscriptionTransition},
		{ObjectSubscription, ActionSubscriptionGrace},
		{ObjectSubscription, ActionSubscriptionApplyPending},
		{ObjectSubscription, ActionSubscriptionResetUsage},
	}, viewer...)
	admin := [][]string{
		{ObjectPlan, ActionPlanView},
		{ObjectPlan, ActionPlanCreate},
		{ObjectPlan, ActionPlanUpdate},
		{ObjectPlan, ActionPlanResetFeatures},
		{ObjectPlan, ActionPlanDeactivate},
		{ObjectPlan, ActionPlanActivate},
		{ObjectSubscription, ActionSubscriptionView},
		{ObjectSubscription, ActionSubscriptionCreate},
		{ObjectSubscription, ActionSubscriptionChangePlan},
		{ObjectSubscription, ActionSubscriptionCancel},
		{ObjectSubscription, ActionSubscriptionTransition},
		{ObjectSubscription, ActionSubscriptionGrace},
		{ObjectSubscription, ActionSubscriptionResetUsage},
		{ObjectSubscription, ActionSubscriptionApplyPending},
		{ObjectAuditLog, ActionAuditLogView},
	}

	byRole := map[string][][]string{
		RoleViewer:  viewer,
		RoleSupport: support,
		RoleBilling: billing,
		RoleSystem:  system,
		RoleAdmin:   admin,
	}
	for role, grants := range byRole {
		for _, grant := range grants {
			if _, err := enforcer.AddPolicy("role:"+role, grant[0], grant[1]); err != nil {
				return err
			}
		}
	}
	return nil
}
