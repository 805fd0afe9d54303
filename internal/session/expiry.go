package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"

	"sharethings/internal/logging"
	"sharethings/internal/notify"
)

// ExpirySweeper periodically finds sessions that have been inactive past
// their timeout and reports them to an EvictFunc so the relay core can
// disconnect their members and drop the durable record.
//
// The sweep itself only reads from the registry; eviction (removing
// membership, removing the record) is left to the caller because only the
// relay core knows which connections to notify.
type ExpirySweeper struct {
	registry  *Registry
	timeout   time.Duration
	interval  time.Duration
	onExpired EvictFunc
	logger    *slog.Logger

	scheduler gocron.Scheduler
	swept     *notify.Signal
}

// EvictFunc is called once per sweep with the IDs of sessions that have
// exceeded the inactivity timeout.
type EvictFunc func(ctx context.Context, sessionIDs []string)

// NewExpirySweeper creates a sweeper that checks every interval for
// sessions idle longer than timeout.
func NewExpirySweeper(registry *Registry, timeout, interval time.Duration, onExpired EvictFunc, logger *slog.Logger) *ExpirySweeper {
	return &ExpirySweeper{
		registry:  registry,
		timeout:   timeout,
		interval:  interval,
		onExpired: onExpired,
		logger:    logging.Default(logger).With("component", "session.expiry"),
		swept:     notify.NewSignal(),
	}
}

// Swept returns a channel closed after the next completed sweep, whether or
// not it found any expired sessions. Tests use this to wait for a sweep
// deterministically instead of sleeping past the interval.
func (s *ExpirySweeper) Swept() <-chan struct{} {
	return s.swept.C()
}

// Start begins the periodic sweep. Call Stop to shut it down.
func (s *ExpirySweeper) Start(ctx context.Context) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("create expiry scheduler: %w", err)
	}

	_, err = sched.NewJob(
		gocron.DurationJob(s.interval),
		gocron.NewTask(func() { s.sweep(ctx) }),
		gocron.WithName("session-expiry-sweep"),
	)
	if err != nil {
		return fmt.Errorf("schedule expiry sweep: %w", err)
	}

	s.scheduler = sched
	sched.Start()
	s.logger.Info("expiry sweeper started", "interval", s.interval, "timeout", s.timeout)
	return nil
}

// Stop shuts down the sweep scheduler.
func (s *ExpirySweeper) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

func (s *ExpirySweeper) sweep(ctx context.Context) {
	defer s.swept.Notify()

	ids, err := s.registry.FindExpired(ctx, time.Now().UTC(), s.timeout)
	if err != nil {
		s.logger.Error("expiry sweep failed", "error", err)
		return
	}
	if len(ids) == 0 {
		return
	}
	s.logger.Info("sessions expired", "count", len(ids))
	s.onExpired(ctx, ids)
}
