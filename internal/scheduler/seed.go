package scheduler

import (
	"context"

	"task-scheduler/backend/internal/repositories"
)

func DefaultTasks() []repositories.CreateTaskInput {
	describe := func(s string) *string { return &s }
	return []repositories.CreateTaskInput{
		{
			Name:        "daily-cleanup",
			Description: describe("Remove task logs older than the retention period"),
			Schedule:    "0 2 * * *",
			Handler:     "cleanupOldData",
			Enabled:     true,
		},
		{
			Name:        "hourly-sync",
			Description: describe("Synchronise data every hour"),
			Schedule:    "0 * * * *",
			Handler:     "syncData",
			Enabled:     true,
		},
		{
			Name:        "weekly-report",
			Description: describe("Generate the weekly report on Monday morning"),
			Schedule:    "0 9 * * 1",
			Handler:     "generateWeeklyReport",
			Enabled:     false,
		},
	}
}

// SeedDefaults stores the default tasks when the task table is empty and
// returns how many were created.
func SeedDefaults(ctx context.Context, tasks repositories.TaskRepository) (int, error) {
	count, err := tasks.Count(ctx)
	if err != nil {
		return 0, err
	}
	if count > 0 {
		return 0, nil
	}

	created := 0
	for _, input := range DefaultTasks() {
		if _, err := tasks.Create(ctx, input); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
