package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	obsmetrics "github.com/smallbiznis/plangate/internal/observability/metrics"
	subscriptiondomain "github.com/smallbiznis/plangate/internal/subscription/domain"
	"github.com/smallbiznis/plangate/internal/tenantctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const resourceSubscriptions = "subscriptions"

type listTenantsFunc func(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]string, error)

// applyFunc reports whether it changed the tenant's subscription.
type applyFunc func(ctx context.Context, tenantID string) (bool, error)

// ApplyPendingChangesJob lands deferred downgrades and cancellations whose
// effective date has passed.
func (s *Scheduler) ApplyPendingChangesJob(ctx context.Context) error {
	return s.sweep(ctx, JobApplyPendingChanges, s.subRepo.ListTenantsWithDuePendingChange, s.subscriptionSvc.ApplyDuePendingChange)
}

// ExpireTrialsJob moves trials past their end date to expired.
func (s *Scheduler) ExpireTrialsJob(ctx context.Context) error {
	return s.sweep(ctx, JobExpireTrials, s.subRepo.ListTenantsWithEndedTrial, func(ctx context.Context, tenantID string) (bool, error) {
		_, err := s.subscriptionSvc.Transition(ctx, subscriptiondomain.TransitionRequest{
			TenantID: tenantID,
			Status:   string(subscriptiondomain.SubscriptionStatusExpired),
			Reason:   "trial_ended",
		})
		if err != nil {
			return false, err
		}
		return true, nil
	})
}

// EndLapsedGraceJob clears grace periods past their end date.
func (s *Scheduler) EndLapsedGraceJob(ctx context.Context) error {
	return s.sweep(ctx, JobEndLapsedGrace, s.subRepo.ListTenantsWithLapsedGrace, func(ctx context.Context, tenantID string) (bool, error) {
		if _, err := s.subscriptionSvc.EndGracePeriod(ctx, tenantID); err != nil {
			return false, err
		}
		return true, nil
	})
}

// RollPeriodsJob advances active periods whose end has passed.
func (s *Scheduler) RollPeriodsJob(ctx context.Context) error {
	return s.sweep(ctx, JobRollPeriods, s.subRepo.ListTenantsWithEndedPeriod, s.subscriptionSvc.RollPeriod)
}

// sweep drains list in batches. It stops when a batch changes nothing, since
// the same rows would be listed again.
func (s *Scheduler) sweep(ctx context.Context, job string, list listTenantsFunc, apply applyFunc) error {
	run := jobRunFromContext(ctx)
	schedMetrics := obsmetrics.Scheduler()

	var jobErr error
	for round := 0; round < s.cfg.MaxRounds; round++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(jobErr, err)
		}
		tenants, err := list(ctx, s.db.WithContext(ctx), s.clock.Now(), s.cfg.BatchSize)
		if err != nil {
			return errors.Join(jobErr, err)
		}
		if len(tenants) == 0 {
			break
		}

		changed, err := s.applyBatch(ctx, job, tenants, apply)
		jobErr = errors.Join(jobErr, err)
		schedMetrics.AddBatchProcessed(job, resourceSubscriptions, changed)
		run.AddProcessed(changed)

		if changed == 0 || len(tenants) < s.cfg.BatchSize {
			break
		}
	}
	return jobErr
}

func (s *Scheduler) applyBatch(ctx context.Context, job string, tenants []string, apply applyFunc) (int, error) {
	var (
		changed atomic.Int64
		mu      sync.Mutex
		errs    error
	)

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)
	for _, tenantID := range tenants {
		g.Go(func() error {
			tenantCtx := tenantctx.WithTenantID(ctx, tenantID)
			ok, err := apply(tenantCtx, tenantID)
			if err != nil {
				if errors.Is(err, subscriptiondomain.ErrConcurrentModification) {
					// another writer got there first
					s.logger(tenantCtx).Debug("scheduler.tenant.conflict", zap.String("job", job), zap.String("tenant_id", tenantID))
					return nil
				}
				s.logSchedulerError(tenantCtx, jobRunFromContext(ctx), "scheduler.tenant.failed", job, tenantID, err)
				mu.Lock()
				errs = errors.Join(errs, err)
				mu.Unlock()
				return nil
			}
			if ok {
				changed.Add(1)
				s.logger(tenantCtx).Debug("scheduler.tenant.applied", zap.String("job", job), zap.String("tenant_id", tenantID))
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(changed.Load()), errs
}
