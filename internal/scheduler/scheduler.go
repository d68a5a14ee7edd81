// Package scheduler fires per-pair interval jobs. One job per enabled
// pair, identified as "pair_<id>"; missed firings within a grace window
// run late, older ones are skipped, and either way consecutive misses
// collapse into a single next run. Overlap protection for a pair lives in
// the cycle runner itself.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/web3guy0/pairtrader/internal/database"
)

// Runner executes one trading cycle for a pair.
type Runner interface {
	RunCycle(ctx context.Context, pairID int64)
}

// misfireGrace is how late a firing may be and still run.
const misfireGrace = time.Minute

var intervalTable = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"8h":  8 * time.Hour,
	"1d":  24 * time.Hour,
}

// intervalFor maps a schedule string to a duration: "<N>m" means N
// minutes, other known interval names use the fixed table, and anything
// unrecognized defaults to 4h.
func intervalFor(interval string) time.Duration {
	if strings.HasSuffix(interval, "m") {
		if n, err := strconv.Atoi(strings.TrimSuffix(interval, "m")); err == nil && n > 0 {
			return time.Duration(n) * time.Minute
		}
	}
	if d, ok := intervalTable[interval]; ok {
		return d
	}
	return 4 * time.Hour
}

type job struct {
	id       string
	pairID   int64
	name     string
	interval time.Duration
	nextRun  time.Time
}

// Scheduler dispatches cycle runs on per-pair intervals.
type Scheduler struct {
	db     *database.Database
	runner Runner

	mu      sync.Mutex
	jobs    map[string]*job
	running bool
	stop    chan struct{}
	done    chan struct{}

	tick  time.Duration
	grace time.Duration
	now   func() time.Time
}

// New creates a Scheduler; call Start to begin dispatching.
func New(db *database.Database, runner Runner) *Scheduler {
	return &Scheduler{
		db:     db,
		runner: runner,
		jobs:   make(map[string]*job),
		tick:   time.Second,
		grace:  misfireGrace,
		now:    time.Now,
	}
}

func jobID(pairID int64) string {
	return fmt.Sprintf("pair_%d", pairID)
}

// AddPairJob adds or replaces the job for a pair. The first firing happens
// one interval from now.
func (s *Scheduler) AddPairJob(pairID int64, scheduleInterval string) {
	interval := intervalFor(scheduleInterval)
	s.mu.Lock()
	id := jobID(pairID)
	s.jobs[id] = &job{
		id:       id,
		pairID:   pairID,
		name:     fmt.Sprintf("Pair %d", pairID),
		interval: interval,
		nextRun:  s.now().Add(interval),
	}
	s.mu.Unlock()
	log.Info().Int64("pair", pairID).Str("interval", scheduleInterval).Msg("Scheduled pair")
}

// RemovePairJob removes the job for a pair if one exists.
func (s *Scheduler) RemovePairJob(pairID int64) {
	s.mu.Lock()
	id := jobID(pairID)
	_, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if ok {
		log.Info().Int64("pair", pairID).Msg("Removed pair job")
	}
}

// ReschedulePairJob changes an existing job's interval, or adds the job if
// it is not scheduled.
func (s *Scheduler) ReschedulePairJob(pairID int64, scheduleInterval string) {
	s.mu.Lock()
	if j, ok := s.jobs[jobID(pairID)]; ok {
		j.interval = intervalFor(scheduleInterval)
		j.nextRun = s.now().Add(j.interval)
		s.mu.Unlock()
		log.Info().Int64("pair", pairID).Str("interval", scheduleInterval).Msg("Rescheduled pair")
		return
	}
	s.mu.Unlock()
	s.AddPairJob(pairID, scheduleInterval)
}

// Start loads every enabled pair and begins dispatching. Call it after the
// startup position reconciliation so recovered state is in place before
// the first cycle fires.
func (s *Scheduler) Start(ctx context.Context) error {
	pairs, err := s.db.GetEnabledPairs()
	if err != nil {
		return fmt.Errorf("load enabled pairs: %w", err)
	}
	for i := range pairs {
		s.AddPairJob(pairs[i].ID, pairs[i].ScheduleInterval)
	}

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("scheduler already running")
	}
	s.running = true
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	jobCount := len(s.jobs)
	s.mu.Unlock()

	go s.loop(ctx)
	log.Info().Int("jobs", jobCount).Msg("⏰ Scheduler started")
	return nil
}

// Stop halts dispatching and waits for the loop to exit. Cycles already
// started keep running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stop)
	s.mu.Unlock()
	<-s.done
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.dispatchDue(ctx, s.now())
		}
	}
}

// dispatchDue fires every job due at or before now. The next run always
// advances past now, so a backlog of missed firings collapses into one.
func (s *Scheduler) dispatchDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []int64
	for _, j := range s.jobs {
		if j.nextRun.After(now) {
			continue
		}
		late := now.Sub(j.nextRun)
		if late <= s.grace {
			due = append(due, j.pairID)
		} else {
			log.Warn().Str("job", j.id).Dur("late", late).Msg("Skipping misfired job")
		}
		for !j.nextRun.After(now) {
			j.nextRun = j.nextRun.Add(j.interval)
		}
	}
	s.mu.Unlock()

	for _, pairID := range due {
		go s.runner.RunCycle(ctx, pairID)
	}
}

// JobStatus describes one scheduled job.
type JobStatus struct {
	ID      string    `json:"id"`
	Name    string    `json:"name"`
	NextRun time.Time `json:"next_run"`
	Trigger string    `json:"trigger"`
}

// Status is a point-in-time snapshot of the scheduler.
type Status struct {
	Running  bool        `json:"running"`
	JobCount int         `json:"job_count"`
	Jobs     []JobStatus `json:"jobs"`
}

// Status reports the running flag and every job sorted by id.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Running: s.running, JobCount: len(s.jobs)}
	for _, j := range s.jobs {
		st.Jobs = append(st.Jobs, JobStatus{
			ID:      j.id,
			Name:    j.name,
			NextRun: j.nextRun,
			Trigger: "every " + j.interval.String(),
		})
	}
	sort.Slice(st.Jobs, func(a, b int) bool { return st.Jobs[a].ID < st.Jobs[b].ID })
	return st
}
