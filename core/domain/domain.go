package domain

import (
	"errors"
	"time"
)

type TaskStatus string

const (
	StatusPending   TaskStatus = "pending"
	StatusCompleted TaskStatus = "completed"
	StatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transition is expected for the status.
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s TaskStatus) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

type Task struct {
	ID          string     `json:"id"`
	Description string     `json:"description"`
	Status      TaskStatus `json:"status"`

	// meta
	Error       string     `json:"error,omitempty"`
	Attempts    int        `json:"attempts"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
}

// QueueMessage is the broker payload for one task.
type QueueMessage struct {
	TaskID      string `json:"taskId"`
	Description string `json:"description"`
}

type StatusSource string

const (
	SourceCache    StatusSource = "cache"
	SourceDatabase StatusSource = "database"
)

type SubmitResponse struct {
	Message string     `json:"message"`
	TaskID  string     `json:"taskId"`
	Status  TaskStatus `json:"status"`
	Queued  bool       `json:"queued"`
}

type StatusResponse struct {
	TaskID string       `json:"taskId"`
	Status TaskStatus   `json:"status"`
	Source StatusSource `json:"source"`
}

type DeleteResponse struct {
	Message string `json:"message"`
	TaskID  string `json:"taskId"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var (
	ErrTaskNotFound     = errors.New("task not found")
	ErrTaskNotPending   = errors.New("task is not pending")
	ErrEmptyDescription = errors.New("task description is empty")
	ErrInvalidTask      = errors.New("invalid task")
	ErrInvalidMessage   = errors.New("invalid queue message")
)
