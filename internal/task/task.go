// Package task implements the long-running task contract every
// asynchronous operation (migration, backup, OSD add/remove, send-to-
// remote) runs under: Start/Update/Fail/Finish writes to the Store plus a
// watchable status stream so callers never have to busy-poll.
package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fenwick-systems/meridian/internal/errkind"
	"github.com/fenwick-systems/meridian/internal/metrics"
	"github.com/fenwick-systems/meridian/internal/store"
	"github.com/fenwick-systems/meridian/internal/store/schema"
	"github.com/fenwick-systems/meridian/internal/types"
)

// Handle is returned by Start and used by the running operation to report
// progress and its terminal outcome.
type Handle struct {
	id  string
	mgr *Manager
}

func (h *Handle) ID() string { return h.id }

// Manager creates, updates, and lists tasks against the Store.
type Manager struct {
	st     store.Store
	worker string
}

func NewManager(st store.Store, worker string) *Manager {
	return &Manager{st: st, worker: worker}
}

// Start records a new task directly in the RUNNING state, and returns a Handle for the caller to report through.
func (m *Manager) Start(ctx context.Context, name string, args []string, kwargs map[string]string) (*Handle, error) {
	id := uuid.NewString()
	t := types.Task{
		ID:         id,
		Name:       name,
		Worker:     m.worker,
		State:      types.TaskRunning,
		Stage:      0,
		TotalStage: 1,
		Args:       args,
		Kwargs:     kwargs,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}
	if err := m.put(ctx, t); err != nil {
		return nil, err
	}
	return &Handle{id: id, mgr: m}, nil
}

func (m *Manager) put(ctx context.Context, t types.Task) error {
	t.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("task: encode %s: %w", t.ID, err)
	}
	return m.st.Write(ctx, []store.WritePair{{Path: schema.TaskKey(t.ID), Value: raw}})
}

// Get reads back a task's current record.
func (m *Manager) Get(ctx context.Context, id string) (types.Task, error) {
	kv, err := m.st.Read(ctx, schema.TaskKey(id))
	if err != nil {
		return types.Task{}, err
	}
	var t types.Task
	if err := json.Unmarshal(kv.Value, &t); err != nil {
		return types.Task{}, fmt.Errorf("task: decode %s: %w", id, err)
	}
	return t, nil
}

// Update advances a task's stage/total-stage and human-readable status
// line, leaving its State unchanged (still RUNNING). A stage lower than
// the one already recorded is ignored, so the stage never decreases.
func (h *Handle) Update(ctx context.Context, stage, totalStage int, status string) error {
	t, err := h.mgr.Get(ctx, h.id)
	if err != nil {
		return err
	}
	if stage > t.Stage {
		t.Stage = stage
	}
	t.TotalStage = totalStage
	t.Status = status
	return h.mgr.put(ctx, t)
}

// Finish marks a task SUCCESS.
func (h *Handle) Finish(ctx context.Context, status string) error {
	metrics.TasksTotal.WithLabelValues(string(types.TaskSuccess)).Inc()
	return h.setTerminal(ctx, types.TaskSuccess, status)
}

// Fail marks a task FAILED with a human-readable reason. The caller
// decides retry policy; Fail itself never retries.
func (h *Handle) Fail(ctx context.Context, reason string) error {
	metrics.TasksTotal.WithLabelValues(string(types.TaskFailed)).Inc()
	return h.setTerminal(ctx, types.TaskFailed, reason)
}

func (h *Handle) setTerminal(ctx context.Context, state types.TaskState, status string) error {
	t, err := h.mgr.Get(ctx, h.id)
	if err != nil {
		return err
	}
	t.State = state
	t.Status = status
	t.Stage = t.TotalStage
	return h.mgr.put(ctx, t)
}

// Watch delivers every status update for a single task until the context
// is cancelled or the task reaches a terminal state, whichever first —
// the non-polling alternative to repeatedly calling Get.
func (m *Manager) Watch(ctx context.Context, id string, cb func(types.Task)) error {
	done := make(chan struct{})
	var doneOnce sync.Once
	cancel, err := m.st.Watch(ctx, schema.TaskKey(id), func(ev store.WatchEvent) {
		if ev.Deleted {
			return
		}
		var t types.Task
		if err := json.Unmarshal(ev.Value, &t); err != nil {
			return
		}
		cb(t)
		if t.State == types.TaskSuccess || t.State == types.TaskFailed {
			doneOnce.Do(func() { close(done) })
		}
	})
	if err != nil {
		return errkind.WrapTransient("task.Watch", err)
	}
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		cancel()
	}()
	return nil
}

// bucket classifies a task by how far along it is, mirroring the
// active/reserved/scheduled buckets operator tooling lists separately.
type Bucket string

const (
	BucketActive    Bucket = "active"
	BucketReserved  Bucket = "reserved"
	BucketScheduled Bucket = "scheduled"
)

// List returns every task currently known to the Store, in creation order.
func (m *Manager) List(ctx context.Context) ([]types.Task, error) {
	ids, err := m.st.Children(ctx, schema.TasksPrefix())
	if err != nil {
		return nil, err
	}
	out := make([]types.Task, 0, len(ids))
	for _, id := range ids {
		t, err := m.Get(ctx, id)
		if err != nil {
			if errkind.Is(err, errkind.NotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, t)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// ListByBucket filters List's result into the named bucket: active tasks
// are RUNNING, reserved are PENDING with a worker already assigned, and
// scheduled are PENDING with none.
func (m *Manager) ListByBucket(ctx context.Context, bucket Bucket) ([]types.Task, error) {
	all, err := m.List(ctx)
	if err != nil {
		return nil, err
	}
	var out []types.Task
	for _, t := range all {
		switch bucket {
		case BucketActive:
			if t.State == types.TaskRunning {
				out = append(out, t)
			}
		case BucketReserved:
			if t.State == types.TaskPending && t.Worker != "" {
				out = append(out, t)
			}
		case BucketScheduled:
			if t.State == types.TaskPending && t.Worker == "" {
				out = append(out, t)
			}
		}
	}
	return out, nil
}
