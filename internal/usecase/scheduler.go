package usecase

import (
	"context"

	"WorkflowScanner/internal/ports"
)

// Scheduler wires the interval driver with the cycle worker.
type Scheduler struct {
	driver ports.Scheduler
	worker *Worker
}

// NewScheduler returns a helper to start/stop recurring cycles.
func NewScheduler(driver ports.Scheduler, worker *Worker) *Scheduler {
	return &Scheduler{driver: driver, worker: worker}
}

// Start registers the worker with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.worker == nil {
		return nil
	}
	return s.driver.Start(ctx, s.worker.RunScheduled)
}

// Stop gracefully tears down the underlying scheduler, waiting for an in-flight cycle.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}
	return s.driver.Stop(ctx)
}
