package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/go-co-op/gocron"

	"github.com/i474232898/groundwater-aggregation/internal/pipeline"
)

const defaultInterval = 24 * time.Hour

// Job is one acquisition run.
type Job interface {
	Run(ctx context.Context) (*pipeline.Summary, error)
}

// Scheduler periodically runs the acquisition pipeline.
type Scheduler struct {
	scheduler *gocron.Scheduler
	job       Job
	interval  time.Duration
	timeout   time.Duration

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a new Scheduler. A timeout of zero lets a run take as long as it
// needs.
func New(job Job, interval, timeout time.Duration) *Scheduler {
	s := gocron.NewScheduler(time.UTC)
	// A slow run must not overlap the next tick.
	s.SingletonModeAll()

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		scheduler: s,
		job:       job,
		interval:  interval,
		timeout:   timeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start schedules the periodic job, runs it once immediately and starts the
// underlying scheduler.
func (s *Scheduler) Start() error {
	interval := s.interval
	if interval <= 0 {
		interval = defaultInterval
	}

	_, err := s.scheduler.Every(interval).StartImmediately().Do(s.runOnce)
	if err != nil {
		return err
	}

	s.scheduler.StartAsync()
	log.Printf("scheduler: acquisition every %s", interval)
	return nil
}

func (s *Scheduler) runOnce() {
	log.Println("scheduler: running acquisition job")

	ctx := s.ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	sum, err := s.job.Run(ctx)
	if err != nil {
		log.Printf("scheduler: acquisition failed: %v", err)
		return
	}
	log.Printf("scheduler: completed acquisition job %s", sum.RunID)
}

// Stop cancels a run in progress and stops future runs.
func (s *Scheduler) Stop() {
	s.cancel()
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
}
