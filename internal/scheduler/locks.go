package scheduler

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// jobLocker keeps one process per job across replicas.
type jobLocker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Release(ctx context.Context, key, token string) error
}

func (s *Scheduler) jobLockKey(job string) string {
	return fmt.Sprintf("%s:scheduler:lock:%s", s.cfg.KeyPrefix, job)
}

// acquireJobLock always succeeds without a locker; a single process owns
// every job then.
func (s *Scheduler) acquireJobLock(ctx context.Context, job string, ttl time.Duration) (func(), bool, error) {
	if s.locker == nil {
		return func() {}, true, nil
	}
	key := s.jobLockKey(job)
	token, ok, err := s.locker.TryLock(ctx, key, ttl)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	release := func() {
		// the job context may already be past its deadline
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := s.locker.Release(releaseCtx, key, token); err != nil {
			s.log.Warn("scheduler lock release failed", zap.String("job", job), zap.Error(err))
		}
	}
	return release, true, nil
}
