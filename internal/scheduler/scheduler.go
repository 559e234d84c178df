// Package scheduler drives the trading day.
//
// Job schedule:
//
//	09:35           morning signal
//	09:45–11:45     crash-day poll, every 15 min
//	09:45–11:45     pump-day poll, every 15 min
//	10:00–15:50     trailing-hedge poll (and reversal check), every 5 min
//	15:55           close positions
//	08:00           broker token renewal (live mode only)
//
// All triggers are expressed in the exchange time zone, Mon–Fri. Each job
// has a misfire grace window: a fire may start up to that long late,
// otherwise it is dropped and logged — the next regular trigger fires
// normally. Jobs never run concurrently with themselves; a fire that
// would reenter a running job is skipped. A panic in a job body is
// contained at the job boundary.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nitinkhare/btcEtfAgent/internal/market"
	"github.com/nitinkhare/btcEtfAgent/internal/metrics"
	"github.com/nitinkhare/btcEtfAgent/internal/storage"
)

// Trigger is a cron-like minute schedule: the job fires when the current
// weekday is in Weekdays and the current "HH:MM" is in Slots.
type Trigger struct {
	Weekdays map[time.Weekday]bool
	Slots    map[string]bool
}

// weekdaysMonFri is the default trading-week mask.
func weekdaysMonFri() map[time.Weekday]bool {
	return map[time.Weekday]bool{
		time.Monday: true, time.Tuesday: true, time.Wednesday: true,
		time.Thursday: true, time.Friday: true,
	}
}

// allWeekdays covers every day (heartbeat).
func allWeekdays() map[time.Weekday]bool {
	m := weekdaysMonFri()
	m[time.Saturday] = true
	m[time.Sunday] = true
	return m
}

// At fires Mon–Fri at one fixed time.
func At(hour, minute int) Trigger {
	return Trigger{
		Weekdays: weekdaysMonFri(),
		Slots:    map[string]bool{slot(hour, minute): true},
	}
}

// Every fires Mon–Fri on a fixed cadence from start through end inclusive.
func Every(interval time.Duration, startHour, startMin, endHour, endMin int) Trigger {
	slots := make(map[string]bool)
	start := startHour*60 + startMin
	end := endHour*60 + endMin
	step := int(interval.Minutes())
	for m := start; m <= end; m += step {
		slots[slot(m/60, m%60)] = true
	}
	return Trigger{Weekdays: weekdaysMonFri(), Slots: slots}
}

// Hourly fires every day at the given minute of every hour.
func Hourly(minute int) Trigger {
	slots := make(map[string]bool)
	for h := 0; h < 24; h++ {
		slots[slot(h, minute)] = true
	}
	return Trigger{Weekdays: allWeekdays(), Slots: slots}
}

func slot(hour, minute int) string {
	return fmt.Sprintf("%02d:%02d", hour, minute)
}

// Matches reports whether the trigger fires at t.
func (tr Trigger) Matches(t time.Time) bool {
	return tr.Weekdays[t.Weekday()] && tr.Slots[slot(t.Hour(), t.Minute())]
}

// Next returns the first matching minute after t, or the zero time if none
// exists within the lookahead window.
func (tr Trigger) Next(t time.Time) time.Time {
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	for i := 0; i < 8*24*60; i++ {
		if tr.Matches(candidate) {
			return candidate
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}
}

// Job is one scheduled task.
type Job struct {
	ID   string
	Name string
	Trigger Trigger
	// Grace is how late a fire may start before it is dropped.
	Grace time.Duration
	// TradingDaysOnly skips exchange holidays (weekends are already
	// excluded by the trigger mask).
	TradingDaysOnly bool
	Run             func(ctx context.Context)
}

type jobState struct {
	job      Job
	nextFire time.Time
	running  bool
	lastRun  time.Time
	lastErr  string
}

// Scheduler fires jobs against the exchange-local clock.
type Scheduler struct {
	calendar *market.Calendar
	store    storage.Store
	log      zerolog.Logger
	now      func() time.Time

	mu     sync.Mutex
	jobs   []*jobState
	paused bool
	errors int

	wg sync.WaitGroup
}

// New creates a scheduler.
func New(calendar *market.Calendar, store storage.Store, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		calendar: calendar,
		store:    store,
		log:      log.With().Str("component", "scheduler").Logger(),
		now:      market.Now,
	}
}

// SetClock overrides the scheduler's clock. Test hook.
func (s *Scheduler) SetClock(now func() time.Time) { s.now = now }

// RegisterJob adds a job. Must be called before Run.
func (s *Scheduler) RegisterJob(job Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, &jobState{
		job:      job,
		nextFire: job.Trigger.Next(s.now()),
	})
	s.log.Info().Str("job", job.ID).Str("name", job.Name).Msg("registered job")
}

// Pause suspends all jobs. Fires scheduled while paused are dropped, not
// queued; Resume does not backfill.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
	metrics.SchedulerPaused.Set(1)
	s.log.Info().Msg("scheduler paused")
	s.logEvent(storage.LevelInfo, "SCHEDULER_PAUSED", nil)
}

// Resume re-enables job firing.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
	metrics.SchedulerPaused.Set(0)
	s.log.Info().Msg("scheduler resumed")
	s.logEvent(storage.LevelInfo, "SCHEDULER_RESUMED", nil)
}

// IsPaused reports the global pause flag.
func (s *Scheduler) IsPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

// ErrorCount returns the number of job failures since start.
func (s *Scheduler) ErrorCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errors
}

// Run ticks until ctx is cancelled, then waits briefly for in-flight jobs.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().Msg("scheduler started")
	s.logEvent(storage.LevelInfo, "SCHEDULER_START", nil)

	lastHeartbeat := s.now()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info().Msg("scheduler stopping, waiting for in-flight jobs")
			done := make(chan struct{})
			go func() {
				s.wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(10 * time.Second):
				s.log.Warn().Msg("in-flight jobs did not finish in time")
			}
			s.logEvent(storage.LevelInfo, "SCHEDULER_STOP", nil)
			return

		case <-ticker.C:
			now := s.now()
			s.tick(ctx, now)

			if now.Sub(lastHeartbeat) >= time.Hour {
				lastHeartbeat = now
				s.heartbeat(now)
			}
		}
	}
}

// tick fires every job whose next trigger has arrived.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, st := range s.jobs {
		if st.nextFire.IsZero() || now.Before(st.nextFire) {
			continue
		}

		late := now.Sub(st.nextFire)
		fireAt := st.nextFire
		st.nextFire = st.job.Trigger.Next(now)

		switch {
		case late > st.job.Grace:
			// Missed past the grace window: drop, log, move on.
			s.log.Warn().Str("job", st.job.ID).Time("scheduled", fireAt).
				Dur("late", late).Msg("misfire dropped")
			s.logEvent(storage.LevelWarning, "JOB_MISFIRE", map[string]any{
				"job": st.job.ID, "scheduled": fireAt.Format(time.RFC3339), "late_seconds": int(late.Seconds()),
			})

		case s.paused:
			s.log.Info().Str("job", st.job.ID).Msg("paused, fire dropped")

		case st.job.TradingDaysOnly && !s.calendar.IsTradingDay(now):
			s.log.Info().Str("job", st.job.ID).
				Str("holiday", s.calendar.HolidayReason(now)).Msg("not a trading day, skipping")

		case st.running:
			// Never reenter a running job.
			s.log.Warn().Str("job", st.job.ID).Msg("previous run still active, skipping fire")

		default:
			st.running = true
			st.lastRun = now
			s.wg.Add(1)
			go s.runJob(ctx, st)
		}
	}
}

// runJob executes one job body with panic isolation.
func (s *Scheduler) runJob(ctx context.Context, st *jobState) {
	defer s.wg.Done()
	defer func() {
		var panicked any
		if panicked = recover(); panicked != nil {
			s.log.Error().Str("job", st.job.ID).Any("panic", panicked).Msg("job panicked")
			metrics.JobErrors.WithLabelValues(st.job.ID).Inc()
			s.logEvent(storage.LevelError, "SCHEDULER_ERROR", map[string]any{
				"job": st.job.ID, "panic": fmt.Sprint(panicked),
			})
			s.mu.Lock()
			s.errors++
			st.lastErr = fmt.Sprint(panicked)
			s.mu.Unlock()
		}
		s.mu.Lock()
		st.running = false
		s.mu.Unlock()
	}()

	s.log.Info().Str("job", st.job.ID).Msg("running job")
	metrics.JobRuns.WithLabelValues(st.job.ID).Inc()
	start := time.Now()
	st.job.Run(ctx)
	s.log.Info().Str("job", st.job.ID).Dur("took", time.Since(start)).Msg("job complete")
}

// heartbeat appends the hourly diagnostic event.
func (s *Scheduler) heartbeat(now time.Time) {
	s.mu.Lock()
	errors := s.errors
	paused := s.paused
	s.mu.Unlock()

	metrics.HeartbeatTimestamp.Set(float64(now.Unix()))
	s.logEvent(storage.LevelInfo, "HEARTBEAT", map[string]any{
		"paused": paused, "error_count": errors,
	})
}

// JobStatus is one row of the diagnostic snapshot.
type JobStatus struct {
	ID      string
	Name    string
	NextRun time.Time
	LastRun time.Time
	LastErr string
	Running bool
}

// Status returns per-job state for the /jobs command.
func (s *Scheduler) Status() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make([]JobStatus, 0, len(s.jobs))
	for _, st := range s.jobs {
		statuses = append(statuses, JobStatus{
			ID:      st.job.ID,
			Name:    st.job.Name,
			NextRun: st.nextFire,
			LastRun: st.lastRun,
			LastErr: st.lastErr,
			Running: st.running,
		})
	}
	return statuses
}

// StatusText renders Status for the command surface.
func (s *Scheduler) StatusText() string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Scheduler* paused=%v errors=%d\n", s.IsPaused(), s.ErrorCount())
	for _, st := range s.Status() {
		next := "-"
		if !st.NextRun.IsZero() {
			next = st.NextRun.Format("Mon 15:04")
		}
		last := "-"
		if !st.LastRun.IsZero() {
			last = st.LastRun.Format("Mon 15:04")
		}
		fmt.Fprintf(&b, "• %s — next %s, last %s", st.Name, next, last)
		if st.LastErr != "" {
			fmt.Fprintf(&b, " (last error: %s)", st.LastErr)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (s *Scheduler) logEvent(level storage.EventLevel, event string, details map[string]any) {
	if err := s.store.LogEvent(level, event, details); err != nil {
		s.log.Warn().Err(err).Str("event", event).Msg("failed to persist event")
	}
}
