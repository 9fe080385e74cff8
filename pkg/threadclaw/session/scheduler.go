package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// Notifier receives lifecycle transitions discovered by the sweeper. The bot
// implements this to post idle cards, warning messages, sleep notices, and
// the shutdown broadcast.
type Notifier interface {
	// NotifyIdle posts the "still working?" card with close/keep buttons and
	// marks the thread with the idle emoji.
	NotifyIdle(ctx context.Context, s *Session) error

	// NotifyExpiryWarning posts or updates the thread's expiry warning. The
	// returned message timestamp is stored for the update path.
	NotifyExpiryWarning(ctx context.Context, s *Session, remaining time.Duration) (messageTS string, err error)

	// NotifySleep announces the SLEEPING transition, adding the zzz emoji
	// and updating the prior warning message when present.
	NotifySleep(ctx context.Context, s *Session) error

	// NotifyShutdown posts the best-effort shutdown notice to one thread.
	NotifyShutdown(ctx context.Context, s *Session) error
}

// SchedulerConfig holds sweep thresholds. Zero values take the defaults.
type SchedulerConfig struct {
	// SweepInterval between sweeps (default 5m).
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// IdleAfter is the idle-card threshold (default 12h).
	IdleAfter time.Duration `yaml:"idle_after"`

	// SleepAfter is the SLEEPING transition threshold (default 24h).
	SleepAfter time.Duration `yaml:"sleep_after"`

	// WarnWindow before SleepAfter during which the expiry warning is posted
	// (default 1h).
	WarnWindow time.Duration `yaml:"warn_window"`

	// DeleteAfterSleep is how long a SLEEPING session survives (default
	// 168h).
	DeleteAfterSleep time.Duration `yaml:"delete_after_sleep"`

	// ShutdownBroadcastCap bounds the whole shutdown broadcast (default 5s).
	ShutdownBroadcastCap time.Duration `yaml:"shutdown_broadcast_cap"`
}

// DefaultSchedulerConfig returns the production thresholds.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		SweepInterval:        5 * time.Minute,
		IdleAfter:            12 * time.Hour,
		SleepAfter:           24 * time.Hour,
		WarnWindow:           time.Hour,
		DeleteAfterSleep:     7 * 24 * time.Hour,
		ShutdownBroadcastCap: 5 * time.Second,
	}
}

func (c *SchedulerConfig) applyDefaults() {
	def := DefaultSchedulerConfig()
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.IdleAfter <= 0 {
		c.IdleAfter = def.IdleAfter
	}
	if c.SleepAfter <= 0 {
		c.SleepAfter = def.SleepAfter
	}
	if c.WarnWindow <= 0 {
		c.WarnWindow = def.WarnWindow
	}
	if c.DeleteAfterSleep <= 0 {
		c.DeleteAfterSleep = def.DeleteAfterSleep
	}
	if c.ShutdownBroadcastCap <= 0 {
		c.ShutdownBroadcastCap = def.ShutdownBroadcastCap
	}
}

// Scheduler runs the periodic idle/warning/sleep/expiry sweep.
type Scheduler struct {
	cfg      SchedulerConfig
	store    *Store
	coord    *Coordinator
	notifier Notifier
	logger   *slog.Logger

	cron *cron.Cron
	// now is swapped in tests.
	now func() time.Time
}

// NewScheduler creates a scheduler over the store.
func NewScheduler(cfg SchedulerConfig, store *Store, coord *Coordinator, notifier Notifier, logger *slog.Logger) *Scheduler {
	cfg.applyDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		coord:    coord,
		notifier: notifier,
		logger:   logger.With("component", "scheduler"),
		now:      time.Now,
	}
}

// Start schedules the sweep and begins running it. Stop with Stop.
func (sc *Scheduler) Start(ctx context.Context) error {
	sc.cron = cron.New()
	_, err := sc.cron.AddFunc("@every "+sc.cfg.SweepInterval.String(), func() {
		sc.Sweep(ctx)
	})
	if err != nil {
		return err
	}
	sc.cron.Start()
	sc.logger.Info("scheduler started", "interval", sc.cfg.SweepInterval)
	return nil
}

// Stop halts the sweep. Running sweeps finish.
func (sc *Scheduler) Stop() {
	if sc.cron != nil {
		<-sc.cron.Stop().Done()
	}
}

// Sweep walks every session with an established agent session and applies
// the lifecycle thresholds. Exported for tests and manual triggering.
func (sc *Scheduler) Sweep(ctx context.Context) {
	now := sc.now()
	for _, s := range sc.store.All() {
		if s.AgentSessionID() == "" {
			continue
		}
		sc.sweepOne(ctx, s, now)
	}
}

func (sc *Scheduler) sweepOne(ctx context.Context, s *Session, now time.Time) {
	// Expiry: SLEEPING sessions are deleted after the grace period.
	if s.State() == StateSleeping {
		if started := s.SleepStartedAt(); !started.IsZero() && now.Sub(started) >= sc.cfg.DeleteAfterSleep {
			sc.logger.Info("expiring sleeping session", "key", s.Key)
			sc.store.Terminate(s.Key)
		}
		return
	}

	// Never disturb a session with a request in flight.
	if sc.coord != nil && sc.coord.IsActive(s.Key) {
		return
	}

	idle := now.Sub(s.LastActivity())

	switch {
	case idle >= sc.cfg.SleepAfter:
		s.SetState(StateSleeping)
		if err := sc.notifier.NotifySleep(ctx, s); err != nil {
			sc.logger.Warn("sleep notice failed", "key", s.Key, "error", err)
		}

	case idle >= sc.cfg.SleepAfter-sc.cfg.WarnWindow:
		remaining := sc.cfg.SleepAfter - idle
		ts, err := sc.notifier.NotifyExpiryWarning(ctx, s, remaining)
		if err != nil {
			sc.logger.Warn("expiry warning failed", "key", s.Key, "error", err)
			return
		}
		if ts != "" {
			s.SetWarningMessageTS(ts)
		}

	case idle >= sc.cfg.IdleAfter:
		if !s.IdleNotifiedAt().IsZero() {
			return
		}
		if err := sc.notifier.NotifyIdle(ctx, s); err != nil {
			sc.logger.Warn("idle card failed", "key", s.Key, "error", err)
			return
		}
		s.SetIdleNotifiedAt(now)
	}
}

// BroadcastShutdown posts the shutdown notice to every live session thread,
// best effort, bounded by the configured global cap.
func (sc *Scheduler) BroadcastShutdown(ctx context.Context) {
	bctx, cancel := context.WithTimeout(ctx, sc.cfg.ShutdownBroadcastCap)
	defer cancel()

	g, gctx := errgroup.WithContext(bctx)
	for _, s := range sc.store.All() {
		s := s
		g.Go(func() error {
			if err := sc.notifier.NotifyShutdown(gctx, s); err != nil {
				sc.logger.Warn("shutdown notice failed", "key", s.Key, "error", err)
			}
			// Best effort: one failed thread never aborts the rest.
			return nil
		})
	}
	_ = g.Wait()
}
