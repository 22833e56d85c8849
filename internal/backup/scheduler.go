package backup

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"tg_activity_bot/internal/logging"
)

// Scheduler runs periodic backups off the message-handling path.
type Scheduler struct {
	bridge   *Bridge
	interval time.Duration
	logger   *logrus.Entry
}

// NewScheduler builds a Scheduler. A non-positive interval disables it; Run
// then returns immediately.
func NewScheduler(bridge *Bridge, interval time.Duration) *Scheduler {
	return &Scheduler{
		bridge:   bridge,
		interval: interval,
		logger:   logging.Logger().WithField("component", "backup_scheduler"),
	}
}

// Run backs up the group registry every interval until the context is
// canceled. Backup failures are logged and the schedule keeps going.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil || s.bridge == nil || s.interval <= 0 {
		return
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithFields(logrus.Fields{
		"event":    "scheduler_started",
		"interval": s.interval.String(),
	}).Info("periodic backup enabled")

	for {
		select {
		case <-ctx.Done():
			s.logger.WithField("event", "scheduler_stopped").Info("periodic backup stopped")
			return
		case <-ticker.C:
			if _, err := s.bridge.Backup(ctx); err != nil {
				s.logger.WithFields(logrus.Fields{
					"event": "backup_failed",
					"error": err.Error(),
				}).Error("periodic backup failed")
			}
		}
	}
}
