package otp

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweepable is implemented by registries that can drop expired entries.
type Sweepable interface {
	Sweep() int
}

// Sweeper periodically removes expired codes. It only bounds memory; expiry
// is always enforced at Verify time.
type Sweeper struct {
	cron   *cron.Cron
	target Sweepable
	log    logrus.FieldLogger
}

// NewSweeper schedules target.Sweep every interval.
func NewSweeper(target Sweepable, interval time.Duration, log logrus.FieldLogger) (*Sweeper, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	s := &Sweeper{
		cron:   cron.New(),
		target: target,
		log:    log,
	}
	if _, err := s.cron.AddFunc(fmt.Sprintf("@every %s", interval), s.run); err != nil {
		return nil, fmt.Errorf("schedule sweep: %w", err)
	}
	return s, nil
}

func (s *Sweeper) run() {
	if removed := s.target.Sweep(); removed > 0 {
		s.log.WithField("removed", removed).Debug("swept expired login codes")
	}
}

// Start begins the schedule in the background.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}
