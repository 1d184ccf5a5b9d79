package workers

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"
	"github.com/go-co-op/gocron/v2"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"competition-coordinator/models"
	"competition-coordinator/services"
)

type Lister interface {
	ListWorkable(ctx context.Context) ([]string, error)
}

type Advancer interface {
	Advance(ctx context.Context, id string) (models.Status, error)
}

// Scheduler ticks every workable competition on an interval. Competitions
// advance in parallel on a bounded pool, never more than once at a time.
type Scheduler struct {
	lister   Lister
	machine  Advancer
	interval time.Duration
	pool     *workerpool.WorkerPool
	cron     gocron.Scheduler
	log      zerolog.Logger

	inflight services.KeyedMutex

	mu      sync.Mutex
	started bool
}

func NewScheduler(lister Lister, machine Advancer, clock clockwork.Clock, logger zerolog.Logger, interval time.Duration, workers int) (*Scheduler, error) {
	if interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	cron, err := gocron.NewScheduler(gocron.WithClock(clock))
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}
	return &Scheduler{
		lister:   lister,
		machine:  machine,
		interval: interval,
		pool:     workerpool.New(max(workers, 1)),
		cron:     cron,
		log:      logger.With().Str("component", "scheduler").Logger(),
	}, nil
}

// Start runs the tick job until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.Tick(ctx) }),
		gocron.WithName("advance-competitions"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		return fmt.Errorf("schedule tick: %w", err)
	}
	s.cron.Start()
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()
	s.log.Info().Dur("interval", s.interval).Msg("scheduler started")
	return nil
}

// Tick submits one Advance per workable competition that is not already
// being advanced.
func (s *Scheduler) Tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	ids, err := s.lister.ListWorkable(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("list workable competitions")
		return
	}
	for _, id := range ids {
		release, ok := s.inflight.TryLock(id)
		if !ok {
			continue
		}
		s.pool.Submit(func() {
			defer release()
			status, err := s.machine.Advance(ctx, id)
			if err != nil && ctx.Err() == nil {
				s.log.Warn().Err(err).Str("competition", id).Str("status", string(status)).Msg("advance failed")
			}
		})
	}
}

// InFlight is the number of competitions currently being advanced.
func (s *Scheduler) InFlight() int { return s.inflight.Len() }

// Stop halts the tick job and waits for running advances.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	var err error
	if started {
		err = s.cron.Shutdown()
	}
	s.pool.StopWait()
	s.log.Info().Msg("scheduler stopped")
	return err
}
