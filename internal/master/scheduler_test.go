package master

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeusync/distmaster/internal/core/events/bus"
	"github.com/zeusync/distmaster/internal/core/observability/log"
	"github.com/zeusync/distmaster/internal/core/protocol"
)

// processAll reports every assigned unit done in one second.
func processAll(d protocol.Dispatch) (protocol.Report, bool) {
	return protocol.Report{UnitsProcessed: d.Units(), ElapsedMillis: 1000}, true
}

func silent(protocol.Dispatch) (protocol.Report, bool) {
	return protocol.Report{}, false
}

func newTestScheduler(env *testEnv) *Scheduler {
	return NewScheduler(env.registry, env.events, log.NewNop())
}

func rolePerformance(t *testing.T, sys *DistributedSystem, name string) float64 {
	t.Helper()
	r, ok := sys.Role(name)
	require.True(t, ok)
	return r.Performance
}

func TestRoundPartitionsByPerformance(t *testing.T) {
	env := newTestEnv(t, testConfig())
	progress := env.collect(t, bus.KindProgress)

	slaveA, a, _ := mustAttach(t, env.registry, "slave-a", role("render", perf(1)))
	slaveB, b, _ := mustAttach(t, env.registry, "slave-b", role("render", perf(2)))
	slaveC, c, _ := mustAttach(t, env.registry, "slave-c", role("render", perf(1)))
	for _, s := range []*testSlave{slaveA, slaveB, slaveC} {
		s.serve(processAll)
	}

	job, err := NewJob("render", 10, json.RawMessage(`{"scene":"intro"}`))
	require.NoError(t, err)

	result, err := newTestScheduler(env).Round(context.Background(), job)
	require.NoError(t, err)

	require.Len(t, result.Assignments, 3)
	wantUnits := []int{3, 5, 2}
	wantRanges := [][]protocol.UnitRange{{{Start: 0, End: 3}}, {{Start: 3, End: 8}}, {{Start: 8, End: 10}}}
	for i, as := range result.Assignments {
		assert.Equal(t, wantUnits[i], as.Units)
		assert.Equal(t, wantRanges[i], as.Ranges)
		assert.Equal(t, OutcomeReported, as.Outcome)
		assert.Equal(t, as.Units, as.Processed)
		assert.NoError(t, as.Err)
	}
	assert.Equal(t, []string{"slave-a", "slave-b", "slave-c"},
		[]string{result.Assignments[0].System, result.Assignments[1].System, result.Assignments[2].System})

	assert.True(t, job.Done())
	assert.Equal(t, 10, result.Completed)
	assert.Zero(t, result.Remaining)

	assert.InDelta(t, 2, rolePerformance(t, a, "render"), 1e-9)
	assert.InDelta(t, 3.5, rolePerformance(t, b, "render"), 1e-9)
	assert.InDelta(t, 1.5, rolePerformance(t, c, "render"), 1e-9)

	got := slaveB.received()
	require.Len(t, got, 1)
	assert.Equal(t, job.ID, got[0].Job)
	assert.Equal(t, result.ID, got[0].Round)
	assert.JSONEq(t, `{"scene":"intro"}`, string(got[0].Payload))

	ev := waitEvent(t, progress)
	assert.Equal(t, bus.Progress{Source: job.ID, Done: 10, Total: 10}, ev.Data())
}

func TestRoundTimeoutDecaysAndRequeues(t *testing.T) {
	cfg := testConfig()
	cfg.RoundTimeout = 150 * time.Millisecond
	env := newTestEnv(t, cfg)

	fast, a, _ := mustAttach(t, env.registry, "slave-a", role("render", nil))
	stuck, b, _ := mustAttach(t, env.registry, "slave-b", role("render", nil))
	fast.serve(processAll)
	stuck.serve(silent)

	job, err := NewJob("render", 10, nil)
	require.NoError(t, err)

	result, err := newTestScheduler(env).Round(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, result.Assignments, 2)

	assert.Equal(t, OutcomeReported, result.Assignments[0].Outcome)
	assert.Equal(t, OutcomeTimeout, result.Assignments[1].Outcome)
	assert.ErrorIs(t, result.Assignments[1].Err, ErrTimeout)

	assert.Equal(t, 5, job.Completed())
	assert.Equal(t, []protocol.UnitRange{{Start: 5, End: 10}}, job.Pending())

	assert.InDelta(t, 3, rolePerformance(t, a, "render"), 1e-9)
	assert.Less(t, rolePerformance(t, b, "render"), 1.0)
	assert.InDelta(t, 0.5, result.Assignments[1].Performance, 1e-9)
}

func TestRoundNoCapacity(t *testing.T) {
	env := newTestEnv(t, testConfig())
	sched := newTestScheduler(env)

	job, err := NewJob("render", 10, nil)
	require.NoError(t, err)

	_, err = sched.Round(context.Background(), job)
	assert.ErrorIs(t, err, ErrNoCapacity)

	slave, _, _ := mustAttach(t, env.registry, "slave-a", role("encode", nil))
	slave.serve(processAll)

	_, err = sched.Round(context.Background(), job)
	assert.ErrorIs(t, err, ErrNoCapacity)
	assert.Equal(t, 10, job.Remaining())
	assert.Empty(t, slave.received())
}

func TestRoundLostSystemRequeuesWithoutRecalibration(t *testing.T) {
	env := newTestEnv(t, testConfig())

	good, _, _ := mustAttach(t, env.registry, "slave-a", role("render", nil))
	flaky, _, _ := mustAttach(t, env.registry, "slave-b", role("render", nil))
	good.serve(processAll)
	flaky.serve(func(protocol.Dispatch) (protocol.Report, bool) {
		_ = flaky.ch.Close()
		return protocol.Report{}, false
	})

	job, err := NewJob("render", 10, nil)
	require.NoError(t, err)

	result, err := newTestScheduler(env).Round(context.Background(), job)
	require.NoError(t, err)

	assert.Equal(t, OutcomeReported, result.Assignments[0].Outcome)
	assert.Equal(t, OutcomeLost, result.Assignments[1].Outcome)
	assert.Equal(t, []protocol.UnitRange{{Start: 5, End: 10}}, job.Pending())

	history, ok := env.registry.History("slave-b")
	require.True(t, ok)
	assert.InDelta(t, 1, history["render"], 1e-9)
	assert.Equal(t, 1, env.registry.Len())
}

func TestRoundPartialReport(t *testing.T) {
	env := newTestEnv(t, testConfig())
	slave, sys, _ := mustAttach(t, env.registry, "slave-a", role("render", nil))
	slave.serve(func(protocol.Dispatch) (protocol.Report, bool) {
		return protocol.Report{UnitsProcessed: 2, ElapsedMillis: 1000, Error: "disk full"}, true
	})

	job, err := NewJob("render", 10, nil)
	require.NoError(t, err)

	result, err := newTestScheduler(env).Round(context.Background(), job)
	require.NoError(t, err)

	as := result.Assignments[0]
	assert.Equal(t, OutcomeReported, as.Outcome)
	assert.Equal(t, 2, as.Processed)
	assert.ErrorContains(t, as.Err, "disk full")
	assert.Equal(t, 2, job.Completed())
	assert.Equal(t, []protocol.UnitRange{{Start: 2, End: 10}}, job.Pending())
	assert.InDelta(t, 1.5, rolePerformance(t, sys, "render"), 1e-9)
}

func TestRoundClampsOverReport(t *testing.T) {
	env := newTestEnv(t, testConfig())
	slave, _, _ := mustAttach(t, env.registry, "slave-a", role("render", nil))
	slave.serve(func(protocol.Dispatch) (protocol.Report, bool) {
		return protocol.Report{UnitsProcessed: 999, ElapsedMillis: 1000}, true
	})

	job, err := NewJob("render", 4, nil)
	require.NoError(t, err)

	result, err := newTestScheduler(env).Round(context.Background(), job)
	require.NoError(t, err)
	assert.Equal(t, 4, result.Assignments[0].Processed)
	assert.True(t, job.Done())
}

func TestRoundContextCanceled(t *testing.T) {
	env := newTestEnv(t, testConfig())
	slave, sys, _ := mustAttach(t, env.registry, "slave-a", role("render", nil))
	slave.serve(silent)

	job, err := NewJob("render", 10, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	result, err := newTestScheduler(env).Round(ctx, job)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.Len(t, result.Assignments, 1)
	assert.Equal(t, OutcomeCanceled, result.Assignments[0].Outcome)
	assert.Equal(t, 10, job.Remaining())
	assert.InDelta(t, 1, rolePerformance(t, sys, "render"), 1e-9)
}

func TestRoundWholeSystem(t *testing.T) {
	env := newTestEnv(t, testConfig())
	slaveA, _, _ := mustAttach(t, env.registry, "slave-a", role("x", perf(1)), role("y", perf(3)))
	slaveB, _, _ := mustAttach(t, env.registry, "slave-b", role("z", perf(4)))
	slaveA.serve(processAll)
	slaveB.serve(processAll)

	job, err := NewJob("", 8, nil)
	require.NoError(t, err)

	result, err := newTestScheduler(env).Round(context.Background(), job)
	require.NoError(t, err)
	require.Len(t, result.Assignments, 2)
	for _, as := range result.Assignments {
		assert.Empty(t, as.Role)
		assert.Equal(t, 4, as.Units)
		assert.Equal(t, OutcomeReported, as.Outcome)
	}
	assert.True(t, job.Done())

	got := slaveA.received()
	require.Len(t, got, 1)
	assert.Empty(t, got[0].Role)
}

func TestRunUntilDone(t *testing.T) {
	env := newTestEnv(t, testConfig())
	slave, _, _ := mustAttach(t, env.registry, "slave-a", role("render", nil))
	slave.serve(func(d protocol.Dispatch) (protocol.Report, bool) {
		return protocol.Report{UnitsProcessed: min(d.Units(), 3), ElapsedMillis: 1000}, true
	})

	job, err := NewJob("render", 10, nil)
	require.NoError(t, err)

	rounds, err := newTestScheduler(env).Run(context.Background(), job)
	require.NoError(t, err)
	assert.Len(t, rounds, 4)
	assert.True(t, job.Done())
	assert.Equal(t, 10, rounds[3].Completed)
}

func TestRunRoundLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxRounds = 2
	env := newTestEnv(t, cfg)
	slave, _, _ := mustAttach(t, env.registry, "slave-a", role("render", nil))
	slave.serve(func(protocol.Dispatch) (protocol.Report, bool) {
		return protocol.Report{UnitsProcessed: 1, ElapsedMillis: 10}, true
	})

	job, err := NewJob("render", 10, nil)
	require.NoError(t, err)

	rounds, err := newTestScheduler(env).Run(context.Background(), job)
	assert.ErrorIs(t, err, ErrRoundLimit)
	assert.Len(t, rounds, 2)
	assert.Equal(t, 2, job.Completed())
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "reported", OutcomeReported.String())
	assert.Equal(t, "timeout", OutcomeTimeout.String())
	assert.Equal(t, "outcome(42)", Outcome(42).String())
}
