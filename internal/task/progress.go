package task

import (
	"context"

	"github.com/cheggaaa/pb/v3"

	"github.com/fenwick-systems/meridian/internal/types"
)

// ProgressBar renders a task's stage/total-stage as a terminal progress
// bar for interactive CLI use (backup, send-to-remote, OSD add). No
// command in this module uses it, and daemon code does not.
type ProgressBar struct {
	bar *pb.ProgressBar
}

func NewProgressBar(totalStage int) *ProgressBar {
	bar := pb.New(totalStage)
	bar.SetTemplateString(`{{ string . "status" }} {{ bar . }} {{ counters . }}`)
	return &ProgressBar{bar: bar.Start()}
}

// Follow blocks, updating the bar from a task's watch stream until it
// reaches a terminal state or ctx is cancelled.
func (p *ProgressBar) Follow(ctx context.Context, mgr *Manager, id string) (types.Task, error) {
	var final types.Task
	updates := make(chan types.Task, 8)
	if err := mgr.Watch(ctx, id, func(t types.Task) {
		updates <- t
	}); err != nil {
		return types.Task{}, err
	}

	for {
		select {
		case t := <-updates:
			p.bar.Set("status", t.Status)
			p.bar.SetCurrent(int64(t.Stage))
			p.bar.SetTotal(int64(t.TotalStage))
			if t.State == types.TaskSuccess || t.State == types.TaskFailed {
				final = t
				p.bar.Finish()
				return final, nil
			}
		case <-ctx.Done():
			p.bar.Finish()
			return final, ctx.Err()
		}
	}
}
