// Package scheduler fires the named cron triggers on a timer.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"alfred/internal/agent"
)

// Runner executes one named trigger for a team.
type Runner interface {
	HandleCron(ctx context.Context, trigger, teamID, authToken string) (*agent.CronResult, error)
}

// Config configures the scheduler.
type Config struct {
	Runner        Runner
	Teams         []string // empty fires once with no team
	LeadsColdSpec string   // default "@every 1h"
	SentimentSpec string   // default "@every 5m"
	ServiceToken  string   // jobs are skipped without one
	RunTimeout    time.Duration
	Logger        *slog.Logger
}

// Job is one scheduled trigger for one team.
type Job struct {
	Trigger string
	TeamID  string
	Spec    string
	NextRun time.Time
	LastRun time.Time
	entryID cronlib.EntryID
}

// Scheduler runs the cron triggers through robfig/cron. A job still running
// when its next tick arrives is skipped.
type Scheduler struct {
	cron    *cronlib.Cron
	runner  Runner
	auth    string
	timeout time.Duration
	logger  *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*Job // trigger/team -> job
}

// New registers one job per trigger and team. Without a service token no
// job is registered, since cron runs have no caller to borrow auth from.
func New(cfg Config) (*Scheduler, error) {
	if cfg.LeadsColdSpec == "" {
		cfg.LeadsColdSpec = "@every 1h"
	}
	if cfg.SentimentSpec == "" {
		cfg.SentimentSpec = "@every 5m"
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}

	s := &Scheduler{
		runner:  cfg.Runner,
		timeout: cfg.RunTimeout,
		logger:  cfg.Logger,
		jobs:    make(map[string]*Job),
	}
	cronLogger := slogCronLogger{cfg.Logger}
	s.cron = cronlib.New(
		cronlib.WithLogger(cronLogger),
		cronlib.WithChain(cronlib.Recover(cronLogger), cronlib.SkipIfStillRunning(cronLogger)),
	)

	if cfg.ServiceToken == "" {
		cfg.Logger.Warn("service token not set; cron triggers disabled")
		return s, nil
	}
	s.auth = "Bearer " + cfg.ServiceToken

	teams := cfg.Teams
	if len(teams) == 0 {
		cfg.Logger.Warn("no scheduler teams configured; triggers run without a team")
		teams = []string{""}
	}
	specs := []struct{ trigger, spec string }{
		{agent.CronLeadsCold, cfg.LeadsColdSpec},
		{agent.CronSentimentNegative, cfg.SentimentSpec},
	}
	for _, team := range teams {
		for _, sp := range specs {
			if err := s.add(sp.trigger, team, sp.spec); err != nil {
				return nil, err
			}
		}
	}
	return s, nil
}

func jobKey(trigger, team string) string {
	return trigger + "/" + team
}

func (s *Scheduler) add(trigger, team, spec string) error {
	job := &Job{Trigger: trigger, TeamID: team, Spec: spec}
	id, err := s.cron.AddFunc(spec, func() {
		s.fire(job)
	})
	if err != nil {
		return fmt.Errorf("schedule %s for team %q: %w", trigger, team, err)
	}
	job.entryID = id

	s.mu.Lock()
	s.jobs[jobKey(trigger, team)] = job
	s.mu.Unlock()
	s.logger.Info("cron trigger scheduled", "trigger", trigger, "team", team, "spec", spec)
	return nil
}

func (s *Scheduler) fire(job *Job) {
	s.mu.Lock()
	job.LastRun = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if _, err := s.RunNow(ctx, job.Trigger, job.TeamID); err != nil {
		s.logger.Error("cron trigger failed", "trigger", job.Trigger, "team", job.TeamID, "err", err)
	}
}

// RunNow fires a trigger immediately with the service token.
func (s *Scheduler) RunNow(ctx context.Context, trigger, team string) (*agent.CronResult, error) {
	if s.auth == "" {
		return nil, fmt.Errorf("cron trigger %s: service token not set", trigger)
	}
	start := time.Now()
	res, err := s.runner.HandleCron(ctx, trigger, team, s.auth)
	if err != nil {
		return nil, err
	}
	s.logger.Info("cron trigger completed",
		"trigger", trigger,
		"team", team,
		"handled", res.Handled,
		"duration", time.Since(start),
	)
	return res, nil
}

// Start begins firing jobs in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "jobs", len(s.Jobs()))
}

// Stop stops the timer and waits for running jobs up to ctx's deadline.
func (s *Scheduler) Stop(ctx context.Context) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out with jobs still running")
	}
}

// Jobs lists the scheduled jobs ordered by trigger then team.
func (s *Scheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		c := *j
		c.NextRun = s.cron.Entry(j.entryID).Next
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].Trigger != out[b].Trigger {
			return out[a].Trigger < out[b].Trigger
		}
		return out[a].TeamID < out[b].TeamID
	})
	return out
}

// slogCronLogger adapts slog to cron.Logger.
type slogCronLogger struct {
	logger *slog.Logger
}

func (l slogCronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l slogCronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "err", err)...)
}
