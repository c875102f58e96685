package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/nvela/plandesk/internal/domain"
)

// Storage is the sqlite-backed persistence layer. One file holds events,
// tasks, notes and the account row.
type Storage struct {
	db *sql.DB
}

// New opens (creating if needed) the database at dbPath and applies
// migrations.
func New(dbPath string) (*Storage, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &Storage{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id TEXT PRIMARY KEY,
			original_uid TEXT NOT NULL DEFAULT '',
			title TEXT NOT NULL,
			start_at DATETIME NOT NULL,
			end_at DATETIME NOT NULL,
			all_day INTEGER NOT NULL DEFAULT 0,
			color TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT 'local',
			calendar_name TEXT NOT NULL DEFAULT '',
			calendar_url TEXT NOT NULL DEFAULT '',
			type TEXT NOT NULL DEFAULT 'event',
			recurrence_freq TEXT NOT NULL DEFAULT '',
			recurrence_until DATETIME,
			reminder INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_start ON events(start_at)`,
		`CREATE INDEX IF NOT EXISTS idx_events_source ON events(source)`,
		`CREATE INDEX IF NOT EXISTS idx_events_original_uid ON events(original_uid)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			completed INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL DEFAULT '',
			content TEXT NOT NULL DEFAULT '',
			color TEXT NOT NULL DEFAULT '',
			pinned INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS account (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			email TEXT NOT NULL,
			app_password TEXT NOT NULL,
			enabled_calendars TEXT NOT NULL DEFAULT '[]',
			default_calendar_url TEXT NOT NULL DEFAULT ''
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			// Re-running column additions on an existing file is fine.
			if strings.Contains(err.Error(), "duplicate column name") {
				continue
			}
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	return nil
}

const eventColumns = `id, original_uid, title, start_at, end_at, all_day, color, description,
	location, source, calendar_name, calendar_url, type, recurrence_freq,
	recurrence_until, reminder, created_at, updated_at`

// PutEvent inserts or replaces an event by id.
func (s *Storage) PutEvent(ev *domain.Event) error {
	return putEvent(s.db, ev)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func putEvent(db execer, ev *domain.Event) error {
	var until any
	if ev.RecurrenceUntil != nil {
		until = *ev.RecurrenceUntil
	}
	_, err := db.Exec(`INSERT INTO events (`+eventColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			original_uid = excluded.original_uid,
			title = excluded.title,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			all_day = excluded.all_day,
			color = excluded.color,
			description = excluded.description,
			location = excluded.location,
			source = excluded.source,
			calendar_name = excluded.calendar_name,
			calendar_url = excluded.calendar_url,
			type = excluded.type,
			recurrence_freq = excluded.recurrence_freq,
			recurrence_until = excluded.recurrence_until,
			reminder = excluded.reminder,
			updated_at = excluded.updated_at`,
		ev.ID, ev.OriginalUID, ev.Title, ev.Start, ev.End, ev.AllDay, ev.Color,
		ev.Description, ev.Location, ev.Source, ev.CalendarName, ev.CalendarURL,
		ev.Type, ev.RecurrenceFreq, until, ev.Reminder, ev.CreatedAt, ev.UpdatedAt)
	if err != nil {
		return fmt.Errorf("put event %s: %w", ev.ID, err)
	}
	return nil
}

// GetEvent returns the event with the given id, or nil if it does not exist.
func (s *Storage) GetEvent(id string) (*domain.Event, error) {
	row := s.db.QueryRow(`SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return ev, nil
}

// ListEvents returns the events overlapping [from, to], ordered by start.
func (s *Storage) ListEvents(from, to time.Time) ([]*domain.Event, error) {
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM events
		WHERE start_at < ? AND end_at > ? ORDER BY start_at`, to, from)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	return collectEvents(rows)
}

// ListEventsBySource returns all events with the given source, ordered by
// start.
func (s *Storage) ListEventsBySource(source string) ([]*domain.Event, error) {
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM events
		WHERE source = ? ORDER BY start_at`, source)
	if err != nil {
		return nil, fmt.Errorf("list events by source: %w", err)
	}
	return collectEvents(rows)
}

// ListEventsByOriginalUID returns every stored occurrence of a series.
func (s *Storage) ListEventsByOriginalUID(uid string) ([]*domain.Event, error) {
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM events
		WHERE original_uid = ? ORDER BY start_at`, uid)
	if err != nil {
		return nil, fmt.Errorf("list events by uid: %w", err)
	}
	return collectEvents(rows)
}

// UpcomingReminders returns the events whose reminder lead time covers now:
// the event has a reminder set, has not started yet, and now falls inside
// [start - reminder minutes, start). Ordered by start so the soonest alert
// comes first.
func (s *Storage) UpcomingReminders(now time.Time) ([]*domain.Event, error) {
	rows, err := s.db.Query(`SELECT `+eventColumns+` FROM events
		WHERE reminder > 0 AND start_at > ? ORDER BY start_at`, now)
	if err != nil {
		return nil, fmt.Errorf("list reminders: %w", err)
	}
	events, err := collectEvents(rows)
	if err != nil {
		return nil, err
	}
	due := events[:0]
	for _, ev := range events {
		if ev.Start.Sub(now) <= time.Duration(ev.Reminder)*time.Minute {
			due = append(due, ev)
		}
	}
	return due, nil
}

// DeleteEvent removes one event by id. Deleting a missing id is not an
// error.
func (s *Storage) DeleteEvent(id string) error {
	if _, err := s.db.Exec(`DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete event %s: %w", id, err)
	}
	return nil
}

// DeleteEventsByOriginalUID removes every stored occurrence of a series.
func (s *Storage) DeleteEventsByOriginalUID(uid string) error {
	if _, err := s.db.Exec(`DELETE FROM events WHERE original_uid = ?`, uid); err != nil {
		return fmt.Errorf("delete events for uid %s: %w", uid, err)
	}
	return nil
}

// ReconcileICloudEvents applies one sync pull atomically: upsert the fresh
// events, then delete the stale ids. Readers never observe a half-applied
// pull, and a failure leaves the previous snapshot intact.
func (s *Storage) ReconcileICloudEvents(deleteIDs []string, fresh []*domain.Event) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin reconcile: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range fresh {
		if err := putEvent(tx, ev); err != nil {
			return fmt.Errorf("reconcile upsert: %w", err)
		}
	}
	for _, id := range deleteIDs {
		if _, err := tx.Exec(`DELETE FROM events WHERE id = ? AND source = ?`, id, domain.SourceICloud); err != nil {
			return fmt.Errorf("reconcile delete %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reconcile: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*domain.Event, error) {
	var ev domain.Event
	var until sql.NullTime
	err := row.Scan(&ev.ID, &ev.OriginalUID, &ev.Title, &ev.Start, &ev.End,
		&ev.AllDay, &ev.Color, &ev.Description, &ev.Location, &ev.Source,
		&ev.CalendarName, &ev.CalendarURL, &ev.Type, &ev.RecurrenceFreq,
		&until, &ev.Reminder, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if until.Valid {
		t := until.Time
		ev.RecurrenceUntil = &t
	}
	return &ev, nil
}

func collectEvents(rows *sql.Rows) ([]*domain.Event, error) {
	defer rows.Close()
	var events []*domain.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// PutTask inserts or replaces a task.
func (s *Storage) PutTask(t *domain.Task) error {
	_, err := s.db.Exec(`INSERT INTO tasks (id, title, completed, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			completed = excluded.completed`,
		t.ID, t.Title, t.Completed, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("put task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns all tasks, pending first, newest first within each
// group.
func (s *Storage) ListTasks() ([]*domain.Task, error) {
	rows, err := s.db.Query(`SELECT id, title, completed, created_at FROM tasks
		ORDER BY completed, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*domain.Task
	for rows.Next() {
		var t domain.Task
		if err := rows.Scan(&t.ID, &t.Title, &t.Completed, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, &t)
	}
	return tasks, rows.Err()
}

// GetTask returns the task with the given id, or nil if it does not exist.
func (s *Storage) GetTask(id string) (*domain.Task, error) {
	var t domain.Task
	err := s.db.QueryRow(`SELECT id, title, completed, created_at FROM tasks WHERE id = ?`, id).
		Scan(&t.ID, &t.Title, &t.Completed, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return &t, nil
}

// DeleteTask removes a task by id.
func (s *Storage) DeleteTask(id string) error {
	if _, err := s.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// PutNote inserts or replaces a note.
func (s *Storage) PutNote(n *domain.Note) error {
	_, err := s.db.Exec(`INSERT INTO notes (id, title, content, color, pinned, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			content = excluded.content,
			color = excluded.color,
			pinned = excluded.pinned`,
		n.ID, n.Title, n.Content, n.Color, n.Pinned, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("put note %s: %w", n.ID, err)
	}
	return nil
}

// ListNotes returns all notes, pinned first, newest first within each group.
func (s *Storage) ListNotes() ([]*domain.Note, error) {
	rows, err := s.db.Query(`SELECT id, title, content, color, pinned, created_at FROM notes
		ORDER BY pinned DESC, created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list notes: %w", err)
	}
	defer rows.Close()

	var notes []*domain.Note
	for rows.Next() {
		var n domain.Note
		if err := rows.Scan(&n.ID, &n.Title, &n.Content, &n.Color, &n.Pinned, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan note: %w", err)
		}
		notes = append(notes, &n)
	}
	return notes, rows.Err()
}

// DeleteNote removes a note by id.
func (s *Storage) DeleteNote(id string) error {
	if _, err := s.db.Exec(`DELETE FROM notes WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete note %s: %w", id, err)
	}
	return nil
}

// SaveAccount replaces the single account row wholesale.
func (s *Storage) SaveAccount(a *domain.Account) error {
	calendars, err := json.Marshal(a.EnabledCalendars)
	if err != nil {
		return fmt.Errorf("marshal calendars: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO account (id, email, app_password, enabled_calendars, default_calendar_url)
		VALUES (1, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			app_password = excluded.app_password,
			enabled_calendars = excluded.enabled_calendars,
			default_calendar_url = excluded.default_calendar_url`,
		a.Email, a.AppPassword, string(calendars), a.DefaultCalendarURL)
	if err != nil {
		return fmt.Errorf("save account: %w", err)
	}
	return nil
}

// LoadAccount returns the configured account, or nil if none is stored.
func (s *Storage) LoadAccount() (*domain.Account, error) {
	var a domain.Account
	var calendars string
	err := s.db.QueryRow(`SELECT email, app_password, enabled_calendars, default_calendar_url
		FROM account WHERE id = 1`).
		Scan(&a.Email, &a.AppPassword, &calendars, &a.DefaultCalendarURL)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load account: %w", err)
	}
	if err := json.Unmarshal([]byte(calendars), &a.EnabledCalendars); err != nil {
		return nil, fmt.Errorf("unmarshal calendars: %w", err)
	}
	return &a, nil
}

// DeleteAccount removes the stored account and credentials.
func (s *Storage) DeleteAccount() error {
	if _, err := s.db.Exec(`DELETE FROM account WHERE id = 1`); err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}
