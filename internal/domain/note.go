package domain

import "time"

// Note is a free-form note. Notes are local-only; they are never synced.
type Note struct {
	ID        string
	Title     string
	Content   string
	Color     string
	Pinned    bool
	CreatedAt time.Time
}
