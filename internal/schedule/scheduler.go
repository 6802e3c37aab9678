package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/fredericlepied/aiops/internal/observability"
)

// unitRecordTTL bounds how long last-run records live in the
// persistent cache.
const unitRecordTTL = 7 * 24 * time.Hour

// Runner executes one unit, typically by handing its prompt to the
// agent loop. The returned text is forwarded to notification channels
// when the unit asks for it.
type Runner func(ctx context.Context, unit Unit) (string, error)

// Notifier receives unit results flagged notify=true.
type Notifier interface {
	Notify(title, body string, channels []string)
}

// Scheduler drives one goroutine per enabled unit plus the suspension
// detector. Reload cancels every driver, waits for them, and respawns
// from the new unit set.
type Scheduler struct {
	logger   *slog.Logger
	metrics  *observability.Metrics
	runner   Runner
	notifier Notifier
	cache    *Cache
	now      func() time.Time

	pollInterval     time.Duration
	suspendThreshold time.Duration

	mu       sync.Mutex
	units    []Unit
	baseCtx  context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup // suspension detector, one-shots, catch-ups
	driverWG *sync.WaitGroup
	lastRun  map[string]time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithLogger sets the slog logger.
func WithLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l.With("component", "scheduler") }
}

// WithMetrics wires the metric set.
func WithMetrics(m *observability.Metrics) SchedulerOption {
	return func(s *Scheduler) { s.metrics = m }
}

// WithNotifier wires notification dispatch.
func WithNotifier(n Notifier) SchedulerOption {
	return func(s *Scheduler) { s.notifier = n }
}

// WithCache attaches the persistent keyed cache. Unit results are
// recorded there so status survives restarts.
func WithCache(c *Cache) SchedulerOption {
	return func(s *Scheduler) { s.cache = c }
}

// WithNow injects a clock for tests.
func WithNow(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) { s.now = now }
}

// WithSuspendPolling tunes the suspension detector, for tests.
func WithSuspendPolling(poll, threshold time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.pollInterval = poll
		s.suspendThreshold = threshold
	}
}

// NewScheduler builds a stopped scheduler.
func NewScheduler(runner Runner, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		logger:           slog.Default().With("component", "scheduler"),
		metrics:          observability.Nop(),
		runner:           runner,
		now:              time.Now,
		pollInterval:     5 * time.Second,
		suspendThreshold: 30 * time.Second,
		lastRun:          make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start spawns drivers for the given units. ctx bounds the whole
// scheduler lifetime.
func (s *Scheduler) Start(ctx context.Context, units []Unit) {
	s.mu.Lock()
	s.baseCtx = ctx
	s.mu.Unlock()
	s.spawn(ctx, units)

	s.wg.Add(1)
	go s.detectSuspension(ctx)
}

func (s *Scheduler) spawn(parent context.Context, units []Unit) {
	driverCtx, cancel := context.WithCancel(parent)
	wg := &sync.WaitGroup{}

	s.mu.Lock()
	s.units = units
	s.cancel = cancel
	s.driverWG = wg
	s.mu.Unlock()

	for _, unit := range units {
		wg.Add(1)
		go func(u Unit) {
			defer wg.Done()
			s.drive(driverCtx, u)
		}(unit)
	}
	s.logger.Info("drivers started", "units", len(units))
}

// Reload replaces the unit set: cancel drivers, await termination,
// respawn. Called from the schedule-file watcher.
func (s *Scheduler) Reload(units []Unit) {
	s.mu.Lock()
	cancel := s.cancel
	parent := s.baseCtx
	wg := s.driverWG
	s.mu.Unlock()
	if parent == nil {
		return
	}
	if cancel != nil {
		cancel()
	}
	// A cancelled driver may still be mid-run; a unit must never
	// overlap itself across a reload, so wait it out.
	if wg != nil {
		wg.Wait()
	}
	s.spawn(parent, units)
	s.logger.Info("schedule reloaded", "units", len(units))
}

// Stop cancels all drivers and waits for them.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	wg := s.driverWG
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}
	s.wg.Wait()
}

// Status reports each unit's cadence and last run time.
func (s *Scheduler) Status() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := make(map[string]string, len(s.units))
	for _, unit := range s.units {
		last := "never"
		if t, ok := s.lastRun[unit.Name]; ok {
			last = t.Format(time.RFC3339)
		} else if s.cache != nil {
			// A previous process may have run it.
			if v, err := s.cache.Get("last-run:" + unit.Name); err == nil {
				last = v
			}
		}
		status[unit.Name] = fmt.Sprintf("%s (last run %s)", unit.Cadence, last)
	}
	return status
}

func (s *Scheduler) drive(ctx context.Context, unit Unit) {
	switch unit.Cadence.Kind {
	case KindInterval:
		s.driveInterval(ctx, unit)
	case KindTimeOfDay:
		s.driveTimeOfDay(ctx, unit)
	case KindIntervalRange:
		s.driveIntervalRange(ctx, unit)
	case KindCron:
		s.driveCron(ctx, unit)
	}
}

func (s *Scheduler) driveInterval(ctx context.Context, unit Unit) {
	for {
		s.runUnit(ctx, unit, false)
		if !sleepCtx(ctx, unit.Cadence.Every) {
			return
		}
	}
}

func (s *Scheduler) driveTimeOfDay(ctx context.Context, unit Unit) {
	for {
		next, ok := unit.Cadence.NextTimeOfDay(s.now())
		if !ok {
			s.logger.Warn("no next fire time within a week", "unit", unit.Name)
			return
		}
		if !sleepCtx(ctx, next.Sub(s.now())) {
			return
		}
		s.runUnit(ctx, unit, false)
	}
}

func (s *Scheduler) driveIntervalRange(ctx context.Context, unit Unit) {
	c := unit.Cadence
	for {
		now := s.now()
		minutes := now.Hour()*60 + now.Minute()
		inRange := c.Days.Contains(now.Weekday()) &&
			minutes >= c.Start.Minutes() && minutes <= c.End.Minutes()
		fitsBeforeEnd := minutes+int(c.Every.Minutes()) <= c.End.Minutes()

		if inRange && fitsBeforeEnd {
			s.runUnit(ctx, unit, false)
			if !sleepCtx(ctx, c.Every) {
				return
			}
			continue
		}

		// Jump to the range start on the next allowed day.
		next := nextRangeStart(now, c)
		if !sleepCtx(ctx, next.Sub(now)) {
			return
		}
	}
}

func nextRangeStart(now time.Time, c Cadence) time.Time {
	for offset := 0; offset <= 7; offset++ {
		day := now.AddDate(0, 0, offset)
		start := time.Date(day.Year(), day.Month(), day.Day(), c.Start.Hour, c.Start.Minute, 0, 0, now.Location())
		if start.After(now) && c.Days.Contains(start.Weekday()) {
			return start
		}
	}
	return now.Add(24 * time.Hour)
}

func (s *Scheduler) driveCron(ctx context.Context, unit Unit) {
	for {
		next, ok := unit.Cadence.NextCron(s.now())
		if !ok {
			return
		}
		if !sleepCtx(ctx, next.Sub(s.now())) {
			return
		}
		s.runUnit(ctx, unit, false)
	}
}

func (s *Scheduler) runUnit(ctx context.Context, unit Unit, catchUp bool) {
	if ctx.Err() != nil {
		return
	}
	start := s.now()
	s.mu.Lock()
	s.lastRun[unit.Name] = start
	s.mu.Unlock()

	output, err := s.runner(ctx, unit)
	if err != nil {
		s.metrics.SchedulerRuns.WithLabelValues(unit.Name, "error").Inc()
		s.logger.Error("unit failed", "unit", unit.Name, "catch_up", catchUp, "error", err)
		return
	}
	s.metrics.SchedulerRuns.WithLabelValues(unit.Name, "success").Inc()
	s.logger.Info("unit completed", "unit", unit.Name,
		"catch_up", catchUp, "duration", s.now().Sub(start))

	if s.cache != nil {
		if err := s.cache.Put("last-run:"+unit.Name, start.Format(time.RFC3339), unitRecordTTL); err != nil {
			s.logger.Warn("unit run not recorded in cache", "unit", unit.Name, "error", err)
		}
		if err := s.cache.Put("last-result:"+unit.Name, output, unitRecordTTL); err != nil {
			s.logger.Warn("unit result not recorded in cache", "unit", unit.Name, "error", err)
		}
	}

	if unit.Notify && s.notifier != nil {
		s.notifier.Notify(unit.Name, output, unit.NotificationChannels)
	}
}

// RunAt schedules a single future run of unit outside the recurring
// set. The run is dropped if the scheduler stops first.
func (s *Scheduler) RunAt(at time.Time, unit Unit) error {
	s.mu.Lock()
	parent := s.baseCtx
	s.mu.Unlock()
	if parent == nil {
		return fmt.Errorf("scheduler is not running")
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if !sleepCtx(parent, at.Sub(s.now())) {
			return
		}
		s.runUnit(parent, unit, false)
	}()
	s.logger.Info("one-shot action queued", "unit", unit.Name, "at", at.Format(time.RFC3339))
	return nil
}

// detectSuspension compares wall-clock and monotonic elapsed time.
// When they disagree by more than the threshold the machine slept (or
// the clock stepped); time-of-day units whose fire instant fell inside
// the gap run once as catch-up. Interval units never catch up.
func (s *Scheduler) detectSuspension(ctx context.Context) {
	defer s.wg.Done()
	last := time.Now()
	for {
		if !sleepCtx(ctx, s.pollInterval) {
			return
		}
		now := time.Now()
		monoElapsed := now.Sub(last)
		wallElapsed := now.Round(0).Sub(last.Round(0))
		last = now

		jump := wallElapsed - monoElapsed
		if jump < 0 {
			jump = -jump
		}
		if jump < s.suspendThreshold {
			continue
		}
		s.logger.Info("clock discontinuity detected", "jump", jump)
		s.catchUp(ctx, jump)
	}
}

func (s *Scheduler) catchUp(ctx context.Context, jump time.Duration) {
	s.mu.Lock()
	units := append([]Unit(nil), s.units...)
	s.mu.Unlock()

	now := s.now()
	for _, unit := range units {
		if unit.Cadence.MissedFire(now, jump) {
			s.logger.Info("running missed unit after suspension", "unit", unit.Name)
			s.wg.Add(1)
			go func(u Unit) {
				defer s.wg.Done()
				s.runUnit(ctx, u, true)
			}(unit)
		}
	}
}

// sleepCtx sleeps d unless ctx is cancelled first. Returns false on
// cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		// Still yield to cancellation.
		select {
		case <-ctx.Done():
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
