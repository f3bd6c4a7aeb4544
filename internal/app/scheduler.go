package app

import (
	"context"

	"github.com/robfig/cron/v3"

	"connector-hub/internal/common/errors"
	"connector-hub/internal/common/logging"
	"connector-hub/internal/oauth2"
)

// Scheduler periodically purges expired authorization states.
type Scheduler struct {
	cron   *cron.Cron
	states oauth2.StateStore
	logger logging.Logger
}

func NewScheduler(states oauth2.StateStore, spec string) (*Scheduler, error) {
	s := &Scheduler{
		cron:   cron.New(),
		states: states,
		logger: logging.GetGlobalLogger().WithFields(logging.Field{"component", "scheduler"}),
	}
	if _, err := s.cron.AddFunc(spec, s.purge); err != nil {
		return nil, errors.ConfigError("invalid STATE_CLEANUP_SCHEDULE").WithContext("reason", err.Error())
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop waits for a running purge to finish or ctx to expire.
func (s *Scheduler) Stop(ctx context.Context) {
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
}

func (s *Scheduler) purge() {
	removed, err := s.states.PurgeExpired(context.Background())
	if err != nil {
		s.logger.Error("Failed to purge expired states", err)
		return
	}
	if removed > 0 {
		s.logger.Info("Purged expired states", logging.Field{"removed", removed})
	}
}
