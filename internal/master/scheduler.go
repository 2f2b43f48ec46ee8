package master

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zeusync/distmaster/internal/core/events/bus"
	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/protocol"
	"golang.org/x/sync/errgroup"
)

// Outcome is how an assignment of a round ended.
type Outcome int

const (
	OutcomePending Outcome = iota
	// OutcomeReported means the slave answered; its performance was recalibrated.
	OutcomeReported
	// OutcomeTimeout means no report arrived within the round timeout; performance decayed.
	OutcomeTimeout
	// OutcomeLost means the system disconnected or the dispatch could not be sent.
	OutcomeLost
	// OutcomeCanceled means the round's context ended first.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeReported:
		return "reported"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeLost:
		return "lost"
	case OutcomeCanceled:
		return "canceled"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Assignment is the share of one round sent to one role of one system.
type Assignment struct {
	System  string
	Session string
	Role    string
	Ranges  []protocol.UnitRange
	Units   int

	Outcome   Outcome
	Processed int
	Elapsed   time.Duration
	// Performance is the recalibrated value after the round, or the value used to
	// partition when no recalibration happened.
	Performance float64
	Err         error

	target target
	sentAt time.Time
}

type RoundResult struct {
	ID          string
	Job         string
	Assignments []Assignment
	Completed   int
	Remaining   int
}

// Scheduler partitions jobs across the registry's systems in rounds.
type Scheduler struct {
	registry *Registry
	events   bus.EventBus
	config   Config
	logger   log.Log
}

func NewScheduler(registry *Registry, events bus.EventBus, logger log.Log) *Scheduler {
	if logger == nil {
		logger = log.NewNop()
	}
	if events == nil {
		events = registry.events
	}
	return &Scheduler{
		registry: registry,
		events:   events,
		config:   registry.config,
		logger:   logger.With(log.String("component", "scheduler")),
	}
}

// Round dispatches the job's pending units once, in proportion to the current
// performance of every eligible role, and waits for the outcome of each assignment.
// Units that were not processed go back into the job.
func (s *Scheduler) Round(ctx context.Context, job *Job) (RoundResult, error) {
	if job == nil {
		return RoundResult{}, fmt.Errorf("%w: nil job", ErrInvalidWorkload)
	}
	result := RoundResult{ID: uuid.NewString(), Job: job.ID}

	remaining := job.Remaining()
	if remaining == 0 {
		result.Completed, result.Remaining = job.Completed(), 0
		return result, nil
	}

	targets := s.registry.eligible(job.Role)
	if len(targets) == 0 {
		return result, fmt.Errorf("%w: role %q", ErrNoCapacity, job.Role)
	}

	weights := make([]float64, len(targets))
	for i, t := range targets {
		weights[i] = t.weight
	}
	shares, err := Partition(remaining, weights)
	if err != nil {
		return result, err
	}

	var assignments []*Assignment
	for i, t := range targets {
		if shares[i] == 0 {
			continue
		}
		ranges := job.take(shares[i])
		assignments = append(assignments, &Assignment{
			System:      t.system.name,
			Session:     t.system.session,
			Role:        t.role,
			Ranges:      ranges,
			Units:       rangesLen(ranges),
			Performance: t.weight,
			target:      t,
		})
	}

	reports, stop := s.registry.watchRound(result.ID, 2*len(assignments))
	defer stop()

	logger := s.logger.With(log.String("round", result.ID), log.String("job", job.ID))
	logger.Debug("Round started", log.Int("units", remaining), log.Int("assignments", len(assignments)))

	s.dispatch(ctx, result.ID, job, assignments)
	s.await(ctx, reports, assignments)

	for _, a := range assignments {
		s.settle(job, a, logger)
		result.Assignments = append(result.Assignments, *a)
	}
	result.Completed, result.Remaining = job.Completed(), job.Total()-job.Completed()

	s.events.DispatchProgress(job.ID, result.Completed, job.Total())
	logger.Debug("Round finished", log.Int("completed", result.Completed), log.Int("remaining", result.Remaining))

	if err = ctx.Err(); err != nil {
		return result, err
	}
	return result, nil
}

func (s *Scheduler) dispatch(ctx context.Context, round string, job *Job, assignments []*Assignment) {
	var g errgroup.Group
	for _, a := range assignments {
		g.Go(func() error {
			a.sentAt = time.Now()
			err := a.target.system.Send(ctx, protocol.MessageDispatch, protocol.Dispatch{
				Round:   round,
				Job:     job.ID,
				Role:    a.Role,
				Ranges:  a.Ranges,
				Payload: job.Payload,
			})
			if err != nil {
				a.Outcome, a.Err = OutcomeLost, err
			}
			return nil
		})
	}
	_ = g.Wait()
}

// await collects reports until every assignment has an outcome, the round times
// out or ctx ends.
func (s *Scheduler) await(ctx context.Context, reports <-chan roundReport, assignments []*Assignment) {
	open := 0
	lost := make(chan *Assignment, len(assignments))
	quit := make(chan struct{})
	defer close(quit)

	for _, a := range assignments {
		if a.Outcome != OutcomePending {
			continue
		}
		open++
		go func() {
			select {
			case <-a.target.system.Done():
				lost <- a
			case <-quit:
			}
		}()
	}

	timer := time.NewTimer(s.config.RoundTimeout)
	defer timer.Stop()

	accept := func(rr roundReport) {
		for _, a := range assignments {
			if a.Outcome == OutcomePending && a.target.system == rr.system && a.Role == rr.report.Role {
				s.applyReport(a, rr.report)
				open--
				return
			}
		}
		s.logger.Debug("Unmatched report", log.String("system", rr.system.name), log.String("round", rr.report.Round))
	}

	for open > 0 {
		select {
		case rr := <-reports:
			accept(rr)
		case a := <-lost:
			// A report routed just before the disconnect wins.
			for drained := false; !drained; {
				select {
				case rr := <-reports:
					accept(rr)
				default:
					drained = true
				}
			}
			if a.Outcome == OutcomePending {
				a.Outcome, a.Err = OutcomeLost, fmt.Errorf("%w: system disconnected", protocol.ErrChannelClosed)
				open--
			}
		case <-timer.C:
			closeOpen(assignments, OutcomeTimeout, fmt.Errorf("%w: no report within %s", ErrTimeout, s.config.RoundTimeout))
			return
		case <-ctx.Done():
			closeOpen(assignments, OutcomeCanceled, ctx.Err())
			return
		}
	}
}

func closeOpen(assignments []*Assignment, outcome Outcome, err error) {
	for _, a := range assignments {
		if a.Outcome == OutcomePending {
			a.Outcome, a.Err = outcome, err
		}
	}
}

func (s *Scheduler) applyReport(a *Assignment, report protocol.Report) {
	a.Outcome = OutcomeReported
	a.Processed = min(max(report.UnitsProcessed, 0), a.Units)
	a.Elapsed = time.Duration(report.ElapsedMillis) * time.Millisecond
	if a.Elapsed <= 0 {
		a.Elapsed = time.Since(a.sentAt)
	}
	if report.Error != "" {
		a.Err = fmt.Errorf("slave %s: %s", a.System, report.Error)
	}
}

// settle recalibrates the assignment's role and returns unprocessed units to the job.
func (s *Scheduler) settle(job *Job, a *Assignment, logger log.Log) {
	switch a.Outcome {
	case OutcomeReported:
		done, rest := splitRanges(a.Ranges, a.Processed)
		job.complete(rangesLen(done))
		job.requeue(rest)
		perf, err := s.registry.recordCompletion(a.target.system, a.Role, a.Processed, a.Elapsed)
		if err != nil {
			logger.Warn("Recalibration failed", log.String("system", a.System), log.Error(err))
			return
		}
		a.Performance = perf
	case OutcomeTimeout:
		job.requeue(a.Ranges)
		perf, err := s.registry.recordTimeout(a.target.system, a.Role)
		if err != nil {
			logger.Warn("Recalibration failed", log.String("system", a.System), log.Error(err))
			return
		}
		a.Performance = perf
		logger.Info("Assignment timed out",
			log.String("system", a.System),
			log.String("role", a.Role),
			log.Float64("performance", perf),
		)
	default:
		job.requeue(a.Ranges)
		logger.Debug("Assignment requeued",
			log.String("system", a.System),
			log.String("outcome", a.Outcome.String()),
			log.Error(a.Err),
		)
	}
}

// Run schedules rounds until the job is done. It stops at the first round error and
// after Config.MaxRounds rounds when that is set.
func (s *Scheduler) Run(ctx context.Context, job *Job) ([]RoundResult, error) {
	var rounds []RoundResult
	for !job.Done() {
		if s.config.MaxRounds > 0 && len(rounds) >= s.config.MaxRounds {
			return rounds, fmt.Errorf("%w: job %s after %d rounds", ErrRoundLimit, job.ID, len(rounds))
		}
		result, err := s.Round(ctx, job)
		rounds = append(rounds, result)
		if err != nil {
			return rounds, err
		}
	}
	return rounds, nil
}
