package health

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeChecker lets tests drive Registry.RunAll deterministically rather
// than depending on real disk/libvirt/ceph state.
type fakeChecker struct {
	name    string
	results []Result
	calls   int
}

func (f *fakeChecker) Name() string { return f.name }

func (f *fakeChecker) Check(ctx context.Context) Result {
	r := f.results[f.calls]
	if f.calls < len(f.results)-1 {
		f.calls++
	}
	return r
}

func TestRunAllStaysHealthyBelowRetryThreshold(t *testing.T) {
	cfg := Config{Interval: 0, Timeout: time.Second, Retries: 3}
	reg := NewRegistry(cfg)
	c := &fakeChecker{name: "flaky", results: []Result{{Healthy: false, ScoreDelta: 50}}}
	reg.Register(c)

	// Two failures is below the retry threshold: no penalty yet.
	score, _ := reg.RunAll(context.Background())
	require.Equal(t, 100, score)
	score, _ = reg.RunAll(context.Background())
	require.Equal(t, 100, score)
}

func TestRunAllPenalizesAfterConsecutiveFailuresReachRetries(t *testing.T) {
	cfg := Config{Interval: 0, Timeout: time.Second, Retries: 3}
	reg := NewRegistry(cfg)
	c := &fakeChecker{name: "down", results: []Result{{Healthy: false, ScoreDelta: 40, Message: "dead"}}}
	reg.Register(c)

	for i := 0; i < 2; i++ {
		reg.RunAll(context.Background())
	}
	score, details := reg.RunAll(context.Background())
	require.Equal(t, 60, score)
	require.Len(t, details, 1)
	require.Equal(t, "down", details[0].Plugin)
	require.Equal(t, "dead", details[0].Message)
}

func TestRunAllRecoverClearsConsecutiveFailures(t *testing.T) {
	cfg := Config{Interval: 0, Timeout: time.Second, Retries: 2}
	reg := NewRegistry(cfg)
	c := &fakeChecker{name: "bouncy", results: []Result{
		{Healthy: false, ScoreDelta: 30},
		{Healthy: false, ScoreDelta: 30},
		{Healthy: true},
		{Healthy: false, ScoreDelta: 30},
	}}
	reg.Register(c)

	reg.RunAll(context.Background())
	score, _ := reg.RunAll(context.Background())
	require.Equal(t, 70, score, "two consecutive failures hit the retries=2 threshold")

	score, _ = reg.RunAll(context.Background())
	require.Equal(t, 100, score, "a healthy result resets consecutive failures")

	score, _ = reg.RunAll(context.Background())
	require.Equal(t, 100, score, "a single failure after recovery must not immediately re-penalize")
}

func TestScoreNeverGoesNegative(t *testing.T) {
	cfg := Config{Interval: 0, Timeout: time.Second, Retries: 1}
	reg := NewRegistry(cfg)
	reg.Register(&fakeChecker{name: "a", results: []Result{{Healthy: false, ScoreDelta: 80}}})
	reg.Register(&fakeChecker{name: "b", results: []Result{{Healthy: false, ScoreDelta: 80}}})

	score, _ := reg.RunAll(context.Background())
	require.Equal(t, 0, score)
}
