package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rinat3636/mybottg/internal/usecase"
)

// Scheduler drives the periodic loops: the payment reconciler and the
// crash-recovery sweeper. Backed by an in-process cron; the loops are safe
// to run on every instance because all state lives in the shared stores.
type Scheduler struct {
	c *cron.Cron
}

// NewScheduler builds an empty scheduler.
func NewScheduler() *Scheduler {
	return &Scheduler{c: cron.New()}
}

// AddReconciler schedules periodic payment reconciliation.
func (s *Scheduler) AddReconciler(payments *usecase.PaymentService, interval time.Duration) error {
	_, err := s.c.AddFunc(every(interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		if _, err := payments.ReconcilePending(ctx); err != nil {
			slog.Error("payment reconcile loop error", slog.Any("error", err))
		}
	})
	return err
}

// AddSweeper schedules the GPU/stuck-task sweep.
func (s *Scheduler) AddSweeper(sw *Sweeper, interval time.Duration) error {
	_, err := s.c.AddFunc(every(interval), func() {
		ctx, cancel := context.WithTimeout(context.Background(), interval)
		defer cancel()
		sw.SweepOnce(ctx)
	})
	return err
}

// Start launches the cron loop.
func (s *Scheduler) Start() { s.c.Start() }

// Stop halts scheduling and waits for running jobs.
func (s *Scheduler) Stop() {
	<-s.c.Stop().Done()
}

func every(d time.Duration) string {
	if d <= 0 {
		d = time.Minute
	}
	return fmt.Sprintf("@every %s", d)
}
