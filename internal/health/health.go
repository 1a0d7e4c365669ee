// Package health implements the node health-scoring subsystem: a set of
// named Checker plugins, each contributing a score delta, combined into
// the max(0, 100 - sum(deltas)) aggregate a node reports about itself
// (§4.I). The Checker interface and Result/Status shapes are this
// module's generalization of the teacher's container health-check
// abstraction to whole-node checks.
package health

import (
	"context"
	"time"

	"github.com/fenwick-systems/meridian/internal/types"
)

// Result is the outcome of a single plugin run.
type Result struct {
	Healthy    bool
	ScoreDelta int // subtracted from 100 when unhealthy
	Message    string
	CheckedAt  time.Time
	Duration   time.Duration
}

// Checker is implemented by every health plugin.
type Checker interface {
	Name() string
	Check(ctx context.Context) Result
}

// Config bounds how checkers are scheduled; a Registry applies its one
// Config to every checker registered with it.
type Config struct {
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

func DefaultConfig() Config {
	return Config{Interval: 30 * time.Second, Timeout: 10 * time.Second, Retries: 3}
}

// Status accumulates consecutive-failure state for one checker so a
// single transient blip does not immediately tank a node's score.
type Status struct {
	ConsecutiveFailures int
	LastResult          Result
	Unhealthy           bool
}

func (s *Status) Update(r Result, cfg Config) {
	s.LastResult = r
	if r.Healthy {
		s.ConsecutiveFailures = 0
		s.Unhealthy = false
		return
	}
	s.ConsecutiveFailures++
	if s.ConsecutiveFailures >= cfg.Retries {
		s.Unhealthy = true
	}
}

// Registry runs every registered Checker and combines their results into
// a node's aggregate health score and detail list.
type Registry struct {
	checkers []Checker
	status   map[string]*Status
	cfg      Config
}

func NewRegistry(cfg Config) *Registry {
	return &Registry{status: map[string]*Status{}, cfg: cfg}
}

func (r *Registry) Register(c Checker) {
	r.checkers = append(r.checkers, c)
	r.status[c.Name()] = &Status{}
}

// RunAll executes every checker and returns the node's aggregate score
// (floored at 0) plus the per-plugin detail the node record publishes.
func (r *Registry) RunAll(ctx context.Context) (int, []types.HealthDetail) {
	score := 100
	var details []types.HealthDetail
	for _, c := range r.checkers {
		cctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		res := c.Check(cctx)
		cancel()

		st := r.status[c.Name()]
		st.Update(res, r.cfg)

		if st.Unhealthy {
			score -= res.ScoreDelta
			details = append(details, types.HealthDetail{Plugin: c.Name(), ScoreDelta: res.ScoreDelta, Message: res.Message})
		}
	}
	if score < 0 {
		score = 0
	}
	return score, details
}
