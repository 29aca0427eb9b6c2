package server

import (
	"context"
	"log"
	"time"

	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"

	"taskpilot/internal/agent/core"
	"taskpilot/internal/store"
)

// Scheduler fires recurring requests on their cron specs. Scheduled runs are
// unattended: any step that would need approval is denied, so a schedule can
// never perform a gated action on its own.
type Scheduler struct {
	Store    *store.Store
	Agent    *core.Agent
	Rdb      *redis.Client
	Interval time.Duration
	Stop     chan struct{}

	logger *log.Logger
}

func NewScheduler(st *store.Store, agent *core.Agent, rdb *redis.Client, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Scheduler{
		Store:    st,
		Agent:    agent,
		Rdb:      rdb,
		Interval: interval,
		Stop:     make(chan struct{}),
		logger:   log.New(log.Writer(), "[SCHED] ", log.LstdFlags),
	}
}

func (s *Scheduler) Start() {
	ticker := time.NewTicker(s.Interval)
	go func() {
		for {
			select {
			case <-s.Stop:
				ticker.Stop()
				return
			case <-ticker.C:
				s.tick()
			}
		}
	}()
}

func (s *Scheduler) tick() {
	ctx := context.Background()
	schedules, err := s.Store.ListAllSchedules(ctx)
	if err != nil {
		s.logger.Printf("list schedules: %v", err)
		return
	}
	for _, sch := range schedules {
		if !isDue(sch.CronSpec, sch.LastRunAt) {
			continue
		}

		// Distributed lock so two daemons never fire the same schedule.
		if s.Rdb != nil {
			lockKey := "taskpilot:sched:lock:" + sch.ID
			ok, _ := s.Rdb.SetNX(ctx, lockKey, "1", 2*time.Minute).Result()
			if !ok {
				continue
			}
		}

		if err := s.Store.TouchSchedule(ctx, sch.ID, time.Now()); err != nil {
			s.logger.Printf("schedule %s: touch: %v", sch.ID, err)
			continue
		}
		runID, err := s.Store.CreateTaskRun(ctx, sch.UserID, sch.Request)
		if err != nil {
			s.logger.Printf("schedule %s: create run: %v", sch.ID, err)
			continue
		}

		go s.fire(sch, runID)
	}
}

func (s *Scheduler) fire(sch store.Schedule, runID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	denyAll := func(ctx context.Context, step *core.AgentStep) (bool, error) {
		s.logger.Printf("schedule %s: denying gated step %q (unattended run)", sch.ID, step.Description)
		return false, nil
	}

	outcome, err := s.Agent.ProcessRequest(ctx, runID, sch.Request, nil, nil, denyAll)
	if err != nil {
		_ = s.Store.FinishTaskRun(ctx, runID, store.RunStatusFailed,
			"The scheduled request could not be processed.", nil, 0, 0)
		return
	}
	status := store.RunStatusSucceeded
	if !outcome.Result.Success {
		status = store.RunStatusFailed
	}
	_ = s.Store.FinishTaskRun(ctx, runID, status, outcome.Result.FinalOutput,
		outcome.Plan, outcome.Result.StepsCompleted, outcome.Result.StepsFailed)
}

// isDue reports whether a schedule should fire now. Supports "@daily",
// "@hourly" and 5-field cron expressions; an invalid spec falls back to
// daily.
func isDue(cronSpec string, last *time.Time) bool {
	now := time.Now()
	switch cronSpec {
	case "@daily":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		if last == nil {
			return true
		}
		return now.Sub(*last) >= time.Hour
	default:
		expr, err := cronexpr.Parse(cronSpec)
		if err != nil {
			if last == nil {
				return true
			}
			return now.Sub(*last) >= 24*time.Hour
		}
		if last == nil {
			return true
		}
		next := expr.Next(*last)
		return !next.After(now)
	}
}
