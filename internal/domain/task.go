package domain

import "time"

// Task is a to-do item. Tasks are local-only; they are never synced.
type Task struct {
	ID        string
	Title     string
	Completed bool
	CreatedAt time.Time
}

// StatusEmoji returns a checkbox emoji for display.
func (t *Task) StatusEmoji() string {
	if t.Completed {
		return "✅"
	}
	return "⬜"
}
