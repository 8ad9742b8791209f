package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/crypto_settlement/metrics"
)

// Worker is one periodic settlement job. Tick must isolate per-item failures and only
// return an error when the whole pass could not run.
type Worker interface {
	Name() string
	Tick(ctx context.Context) error
}

type job struct {
	worker   Worker
	interval time.Duration
}

// Scheduler runs each worker on its own ticker. Ticks of one worker never overlap.
type Scheduler struct {
	jobs    []job
	metrics *metrics.Recorder
	logger  *zap.Logger
}

func NewScheduler(m *metrics.Recorder, logger *zap.Logger) *Scheduler {
	return &Scheduler{metrics: m, logger: logger.Named("scheduler")}
}

func (s *Scheduler) Every(interval time.Duration, w Worker) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	s.jobs = append(s.jobs, job{worker: w, interval: interval})
}

// Run blocks until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, j := range s.jobs {
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	log := s.logger.With(zap.String("worker", j.worker.Name()))
	log.Info("worker started", zap.Duration("interval", j.interval))
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		s.RunOnce(ctx, j.worker)
		select {
		case <-ctx.Done():
			log.Info("worker stopped")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce runs a single tick, recording its outcome. A panic is logged as a failed tick.
func (s *Scheduler) RunOnce(ctx context.Context, w Worker) (err error) {
	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", w.Name(), r)
		}
		s.metrics.Tick(w.Name(), started, err)
		if err != nil && ctx.Err() == nil {
			s.logger.Warn("tick failed", zap.String("worker", w.Name()), zap.Error(err))
		}
	}()
	return w.Tick(ctx)
}
