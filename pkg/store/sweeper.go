package store

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper periodically purges expired sessions and API keys. Purging is
// hygiene, not enforcement: queries already exclude expired rows, so a
// missed sweep never extends a credential's life.
type Sweeper struct {
	store    *Store
	schedule string
	logger   *logrus.Logger
	cron     *cron.Cron
}

// NewSweeper builds a sweeper running on the given cron schedule.
func NewSweeper(store *Store, schedule string, logger *logrus.Logger) *Sweeper {
	if logger == nil {
		logger = logrus.New()
	}
	return &Sweeper{
		store:    store,
		schedule: schedule,
		logger:   logger,
	}
}

// Start schedules the sweep and begins running it.
func (s *Sweeper) Start() error {
	c := cron.New()
	_, err := c.AddFunc(s.schedule, s.sweep)
	if err != nil {
		return err
	}
	c.Start()
	s.cron = c
	s.logger.WithField("schedule", s.schedule).Info("Credential sweeper started")
	return nil
}

// Stop halts the scheduler and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("Credential sweeper stopped")
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	sessions, keys, err := s.store.DeleteExpired(ctx, time.Now().UTC())
	if err != nil {
		s.logger.WithError(err).Error("Failed to purge expired credentials")
		return
	}
	if sessions > 0 || keys > 0 {
		s.logger.WithFields(logrus.Fields{
			"sessions": sessions,
			"api_keys": keys,
		}).Info("Purged expired credentials")
	}
}
