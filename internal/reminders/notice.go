package reminders

import (
	"time"

	"github.com/marcus/taskbot/internal/tasks"
)

// Notice is a reminder ready for delivery to the task's chat.
type Notice struct {
	TaskID           int64     `json:"task_id"`
	ChatID           int64     `json:"chat_id"`
	Kind             Kind      `json:"kind"`
	Description      string    `json:"description"`
	AssigneeID       int64     `json:"assignee_id,omitempty"`
	AssigneeUsername string    `json:"assignee_username,omitempty"`
	Deadline         time.Time `json:"deadline"`
	Status           string    `json:"status"`
	FiredAt          time.Time `json:"fired_at"`
}

// NewNotice builds the notice for a fired reminder of kind on t.
func NewNotice(t *tasks.Task, kind Kind, firedAt time.Time) Notice {
	n := Notice{
		TaskID:           t.ID,
		ChatID:           t.ChatID,
		Kind:             kind,
		Description:      t.Label(),
		AssigneeID:       t.AssigneeID,
		AssigneeUsername: t.AssigneeUsername,
		Status:           string(t.Status),
		FiredAt:          firedAt.UTC(),
	}
	if t.Deadline != nil {
		n.Deadline = *t.Deadline
	}
	return n
}
