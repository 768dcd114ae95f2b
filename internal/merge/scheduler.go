package merge

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs MergeAll on a fixed interval until stopped
type Scheduler struct {
	merger   *Merger
	interval time.Duration

	stopChan chan struct{}
	doneChan chan struct{}
	stopOnce sync.Once
}

func NewScheduler(merger *Merger, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		merger:   merger,
		interval: interval,
		stopChan: make(chan struct{}),
		doneChan: make(chan struct{}),
	}
}

func (s *Scheduler) Start(ctx context.Context) {
	zap.L().Info("Starting merge scheduler", zap.Duration("interval", s.interval))
	go s.loop(ctx)
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopChan) })
	<-s.doneChan
	zap.L().Info("Merge scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.doneChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.run(ctx)
	for {
		select {
		case <-ticker.C:
			s.run(ctx)
		case <-s.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) run(ctx context.Context) {
	if _, err := s.merger.MergeAll(ctx); err != nil {
		zap.L().Error("Scheduled merge run failed", zap.Error(err))
	}
}
