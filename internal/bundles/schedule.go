package bundles

import (
	"context"
	"fmt"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// EnqueueFunc queues one operation.
type EnqueueFunc func(Operation) (Job, error)

// Scheduler queues an operation on a cron schedule.
type Scheduler struct {
	log      logrus.FieldLogger
	cron     *cron.Cron
	schedule string
	op       Operation
}

// NewScheduler parses schedule as a standard five field cron expression or a
// descriptor such as "@every 1h".
func NewScheduler(log logrus.FieldLogger, schedule string, op Operation, enqueue EnqueueFunc) (*Scheduler, error) {
	s := &Scheduler{
		log:      log,
		cron:     cron.New(),
		schedule: schedule,
		op:       op,
	}
	_, err := s.cron.AddFunc(schedule, func() {
		job, err := enqueue(op)
		if err != nil {
			s.log.WithError(err).WithField("operation", op).Warn("Scheduled update was not queued")
			return
		}
		s.log.WithFields(logrus.Fields{"operation": op, "job": job.ID}).Info("Scheduled update queued")
	})
	if err != nil {
		return nil, fmt.Errorf("parsing update schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Run fires the schedule until ctx is canceled, then waits for a running
// enqueue to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.WithField("schedule", s.schedule).Infof("Scheduling %s", s.op)
	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
