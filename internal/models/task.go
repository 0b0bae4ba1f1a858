package models

import "time"

const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
)

const (
	LogStatusStarted   = "started"
	LogStatusCompleted = "completed"
	LogStatusFailed    = "failed"
)

var TaskStatuses = []string{TaskStatusPending, TaskStatusRunning, TaskStatusCompleted, TaskStatusFailed}

type Task struct {
	ID          int64      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name        string     `json:"name" gorm:"not null"`
	Description *string    `json:"description"`
	Schedule    string     `json:"schedule" gorm:"not null"`
	Handler     string     `json:"handler" gorm:"not null"`
	Enabled     bool       `json:"enabled" gorm:"not null;default:true"`
	LastRun     *time.Time `json:"last_run"`
	NextRun     *time.Time `json:"next_run"`
	Status      string     `json:"status" gorm:"not null;default:pending"`
	ErrorCount  int        `json:"error_count" gorm:"not null;default:0"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`

	Logs []TaskLog `json:"-" gorm:"foreignKey:TaskID;constraint:OnDelete:CASCADE"`
}

func (t *Task) IsRunning() bool {
	return t.Status == TaskStatusRunning
}

func ValidTaskStatus(status string) bool {
	for _, s := range TaskStatuses {
		if s == status {
			return true
		}
	}
	return false
}

type TaskLog struct {
	ID         int64     `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID     int64     `json:"task_id" gorm:"not null;index"`
	Status     string    `json:"status" gorm:"not null"`
	Message    *string   `json:"message"`
	DurationMS *int64    `json:"duration_ms" gorm:"column:duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}
