package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Task is one housekeeping job. It returns how many items it removed.
type Task struct {
	Name string
	Run  func(ctx context.Context, now time.Time) (int, error)
}

// Housekeeper runs a fixed set of tasks on every tick.
type Housekeeper struct {
	tasks  []Task
	logger zerolog.Logger
}

// NewHousekeeper builds a housekeeper over tasks.
func NewHousekeeper(logger zerolog.Logger, tasks ...Task) *Housekeeper {
	return &Housekeeper{
		tasks:  tasks,
		logger: logger.With().Str("component", "housekeeping").Logger(),
	}
}

// Add appends a task. Not safe to call once Tick is running.
func (h *Housekeeper) Add(task Task) {
	h.tasks = append(h.tasks, task)
}

// Tick runs every task. One failing task does not stop the others; their
// errors are joined.
func (h *Housekeeper) Tick(ctx context.Context, now time.Time) error {
	var errs []error
	for _, task := range h.tasks {
		if ctx.Err() != nil {
			break
		}
		removed, err := task.Run(ctx, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", task.Name, err))
			continue
		}
		if removed > 0 {
			h.logger.Debug().Str("task", task.Name).Int("removed", removed).Msg("housekeeping task done")
		}
	}
	return errors.Join(errs...)
}
