// Package scheduler triggers sync runs on a cron schedule and makes sure only
// one run is in flight at a time.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	appLog "github.com/alexis-rarchaert/edtversnotion/internal/log"
	"github.com/alexis-rarchaert/edtversnotion/internal/pipeline"
)

// ErrBusy is returned by Trigger while another run is in progress.
var ErrBusy = errors.New("sync already running")

// RunFunc performs one sync.
type RunFunc func(ctx context.Context) (pipeline.Summary, error)

// RunStatus describes the last finished run.
type RunStatus struct {
	Trigger  string           `json:"trigger"`
	Started  time.Time        `json:"started"`
	Finished time.Time        `json:"finished"`
	Summary  pipeline.Summary `json:"summary"`
	Error    string           `json:"error,omitempty"`
}

// Status is a snapshot of the job state.
type Status struct {
	Running bool       `json:"running"`
	Runs    int        `json:"runs"`
	Last    *RunStatus `json:"last,omitempty"`
	Next    *time.Time `json:"next,omitempty"`
}

// Job serializes invocations of a RunFunc.
type Job struct {
	run RunFunc
	now func() time.Time

	running sync.Mutex

	mu   sync.Mutex
	busy bool
	runs int
	last *RunStatus
	next func() time.Time
}

func NewJob(run RunFunc) *Job {
	return &Job{run: run, now: time.Now}
}

// Trigger runs the job now unless a run is already in progress.
func (j *Job) Trigger(ctx context.Context, trigger string) (RunStatus, error) {
	if !j.running.TryLock() {
		return RunStatus{}, ErrBusy
	}
	defer j.running.Unlock()

	j.mu.Lock()
	j.busy = true
	j.mu.Unlock()

	st := RunStatus{Trigger: trigger, Started: j.now()}
	sum, err := j.run(ctx)
	st.Finished = j.now()
	st.Summary = sum
	if err != nil {
		st.Error = err.Error()
		appLog.Error("sync run failed", err, "trigger", trigger)
	}

	j.mu.Lock()
	j.busy = false
	j.runs++
	j.last = &st
	j.mu.Unlock()

	return st, err
}

// Status returns the current job state.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()

	s := Status{Running: j.busy, Runs: j.runs}
	if j.last != nil {
		last := *j.last
		s.Last = &last
	}
	if j.next != nil {
		if t := j.next(); !t.IsZero() {
			s.Next = &t
		}
	}
	return s
}

// Scheduler drives a Job from a cron expression.
type Scheduler struct {
	cron     *cron.Cron
	location *time.Location
	job      *Job

	mu      sync.Mutex
	entryID cron.EntryID
	started bool
}

// New parses expr (standard five-field cron) in loc and registers job.
func New(expr string, loc *time.Location, job *Job) (*Scheduler, error) {
	if loc == nil {
		loc = time.Local
	}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithChain(cron.Recover(cronLogger{}), cron.SkipIfStillRunning(cronLogger{})),
	)

	s := &Scheduler{cron: c, location: loc, job: job}
	id, err := c.AddFunc(expr, func() {
		if _, err := job.Trigger(context.Background(), "schedule"); errors.Is(err, ErrBusy) {
			appLog.Warn("scheduled run skipped, previous run still in progress")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("scheduler: parse %q: %w", expr, err)
	}
	s.entryID = id

	job.mu.Lock()
	job.next = s.Next
	job.mu.Unlock()
	return s, nil
}

// Next returns the next scheduled activation, or zero when not started.
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entryID).Next
}

func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		s.cron.Start()
		s.started = true
		appLog.Info("scheduler started", "next", s.Next().In(s.location).Format(time.RFC3339))
	}
}

// Stop halts the scheduler and waits for a running job to finish or ctx to
// expire.
func (s *Scheduler) Stop(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return
	}
	s.started = false
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		appLog.Warn("scheduler stop timed out with a run in progress")
	}
}

// cronLogger routes cron's internal messages through appLog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
