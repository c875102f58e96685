package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nvela/plandesk/internal/clients/caldav"
	"github.com/nvela/plandesk/internal/domain"
	"github.com/nvela/plandesk/internal/storage"
)

// ErrNotConfigured is returned by sync operations when no account is
// connected yet.
var ErrNotConfigured = errors.New("sync: no account configured")

// ErrSavedLocally reports that a save was persisted locally but did not
// reach the remote calendar. The push failure is wrapped alongside it, so
// callers can alert the user while keeping the saved record.
var ErrSavedLocally = errors.New("sync: saved locally, remote push failed")

// Deletion scopes for recurring events.
const (
	ScopeSingle   = "single"
	ScopeInstance = "instance"
	ScopeFuture   = "future"
	ScopeSeries   = "series"
)

// calendarClient is the slice of the CalDAV client the sync engine uses.
type calendarClient interface {
	Calendars(ctx context.Context) ([]caldav.Calendar, error)
	Events(ctx context.Context, calendarURL string, from, to time.Time) ([]caldav.Event, error)
	CreateEvent(ctx context.Context, calendarURL string, ev *caldav.Event) (*caldav.Event, error)
	UpdateEvent(ctx context.Context, calendarURL string, ev *caldav.Event) error
	DeleteEvent(ctx context.Context, calendarURL, uid string) error
	ExcludeInstance(ctx context.Context, calendarURL, uid string, instance time.Time) error
	TruncateSeries(ctx context.Context, calendarURL, uid string, lastValid time.Time) error
}

// SyncResult summarizes one completed sync pass.
type SyncResult struct {
	Pulled       int       `json:"pulled"`
	Deleted      int       `json:"deleted"`
	SkippedPrune bool      `json:"skipped_prune"`
	Errors       []string  `json:"errors,omitempty"`
	FinishedAt   time.Time `json:"finished_at"`
}

// SyncService owns the two-way reconciliation between the local store and
// the remote calendars, and routes event writes remote-first.
type SyncService struct {
	storage  *storage.Storage
	timezone *time.Location
	cooldown time.Duration

	// newClient exists so tests can point the engine at a fake server.
	newClient func(email, password string) calendarClient

	// syncMu serializes sync passes; MaybeSync uses TryLock so an overlap
	// is dropped instead of queued.
	syncMu sync.Mutex

	stateMu    sync.Mutex
	online     bool
	lastSyncAt time.Time
	lastResult *SyncResult
}

// NewSyncService wires the engine. baseURL is the CalDAV service root.
func NewSyncService(st *storage.Storage, baseURL string, tz *time.Location, cooldown time.Duration) *SyncService {
	return &SyncService{
		storage:  st,
		timezone: tz,
		cooldown: cooldown,
		online:   true,
		newClient: func(email, password string) calendarClient {
			return caldav.NewClient(baseURL, email, password)
		},
	}
}

// SetOnline records connectivity as reported by the shell. Sync passes are
// skipped while offline.
func (s *SyncService) SetOnline(online bool) {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	s.online = online
}

func (s *SyncService) Online() bool {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.online
}

// LastResult returns the most recent sync outcome, or nil before the first
// pass.
func (s *SyncService) LastResult() *SyncResult {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.lastResult
}

// Window returns the sync window around now: six months back to twelve
// months ahead, anchored on the first of the current month.
func (s *SyncService) Window(now time.Time) (time.Time, time.Time) {
	now = now.In(s.timezone)
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.timezone)
	return monthStart.AddDate(0, -6, 0), monthStart.AddDate(0, 12, 0)
}

// MaybeSync runs a sync pass unless a gate says not to: no account, shell
// reports offline, a pass is already running, or one finished inside the
// cooldown. A skipped pass returns (nil, nil).
func (s *SyncService) MaybeSync(ctx context.Context, reason string) (*SyncResult, error) {
	account, err := s.storage.LoadAccount()
	if err != nil {
		return nil, err
	}
	if !account.IsConfigured() {
		return nil, nil
	}

	s.stateMu.Lock()
	online := s.online
	sinceLast := time.Since(s.lastSyncAt)
	s.stateMu.Unlock()

	if !online {
		log.Printf("sync: skipping (%s): offline", reason)
		return nil, nil
	}
	if sinceLast < s.cooldown {
		log.Printf("sync: skipping (%s): last pass %s ago", reason, sinceLast.Round(time.Second))
		return nil, nil
	}
	if !s.syncMu.TryLock() {
		log.Printf("sync: skipping (%s): pass already running", reason)
		return nil, nil
	}
	defer s.syncMu.Unlock()

	log.Printf("sync: starting (%s)", reason)
	return s.syncLocked(ctx, account)
}

// SyncNow runs a sync pass unconditionally, waiting for any running pass to
// finish first.
func (s *SyncService) SyncNow(ctx context.Context) (*SyncResult, error) {
	account, err := s.storage.LoadAccount()
	if err != nil {
		return nil, err
	}
	if !account.IsConfigured() {
		return nil, ErrNotConfigured
	}

	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	return s.syncLocked(ctx, account)
}

func (s *SyncService) syncLocked(ctx context.Context, account *domain.Account) (*SyncResult, error) {
	client := s.newClient(account.Email, account.AppPassword)
	from, to := s.Window(time.Now())

	result := &SyncResult{}
	allOK := true
	var fresh []*domain.Event
	for _, cal := range account.EnabledCalendars {
		events, err := client.Events(ctx, cal.URL, from, to)
		if err != nil {
			// One broken calendar must not take down the pass.
			allOK = false
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", cal.Name, err))
			log.Printf("sync: calendar %s failed: %v", cal.Name, err)
			continue
		}
		for i := range events {
			fresh = append(fresh, remoteToLocal(&events[i], cal.Name))
		}
	}

	existing, err := s.storage.ListEventsBySource(domain.SourceICloud)
	if err != nil {
		return nil, err
	}

	// Prune only when every calendar answered and the pull was non-empty.
	// A failed calendar or an empty response must never wipe the snapshot.
	var deleteIDs []string
	if allOK && len(fresh) > 0 {
		freshIDs := make(map[string]bool, len(fresh))
		for _, ev := range fresh {
			freshIDs[ev.ID] = true
		}
		for _, ev := range existing {
			if !freshIDs[ev.ID] {
				deleteIDs = append(deleteIDs, ev.ID)
			}
		}
	} else if len(existing) > 0 {
		result.SkippedPrune = true
	}

	if err := s.storage.ReconcileICloudEvents(deleteIDs, fresh); err != nil {
		return nil, err
	}

	result.Pulled = len(fresh)
	result.Deleted = len(deleteIDs)
	result.FinishedAt = time.Now()

	s.stateMu.Lock()
	s.lastSyncAt = result.FinishedAt
	s.lastResult = result
	s.stateMu.Unlock()

	log.Printf("sync: done, pulled %d, deleted %d, %d calendar errors", result.Pulled, result.Deleted, len(result.Errors))
	return result, nil
}

func remoteToLocal(ev *caldav.Event, calendarName string) *domain.Event {
	color := ev.Color
	if color == "" {
		color = domain.DefaultEventColor
	}
	now := time.Now()
	return &domain.Event{
		ID:              ev.ID,
		OriginalUID:     ev.UID,
		Title:           ev.Title,
		Start:           ev.Start,
		End:             ev.End,
		AllDay:          ev.AllDay,
		Color:           color,
		Description:     ev.Description,
		Location:        ev.Location,
		Source:          domain.SourceICloud,
		CalendarName:    calendarName,
		CalendarURL:     ev.CalendarURL,
		Type:            "event",
		RecurrenceFreq:  ev.RecurrenceFreq,
		RecurrenceUntil: ev.RecurrenceUntil,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func localToRemote(ev *domain.Event) *caldav.Event {
	return &caldav.Event{
		UID:             ev.OriginalUID,
		Title:           ev.Title,
		Start:           ev.Start,
		End:             ev.End,
		AllDay:          ev.AllDay,
		Color:           ev.Color,
		Description:     ev.Description,
		Location:        ev.Location,
		RecurrenceFreq:  ev.RecurrenceFreq,
		RecurrenceUntil: ev.RecurrenceUntil,
	}
}

// SaveEvent persists an event, pushing it to the remote calendar first when
// one applies. A failed push degrades to a local save and returns the
// failure wrapped in ErrSavedLocally; the user's edit is never dropped, but
// the caller learns it did not reach the server.
func (s *SyncService) SaveEvent(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	now := time.Now()
	ev.UpdatedAt = now
	if ev.Color == "" {
		ev.Color = domain.DefaultEventColor
	}
	if ev.Type == "" {
		ev.Type = "event"
	}

	if ev.ID == "" {
		ev.CreatedAt = now
		return s.createEvent(ctx, ev)
	}
	return s.updateEvent(ctx, ev)
}

func (s *SyncService) createEvent(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	var pushErr error
	calendarURL := s.targetCalendar(ev)
	if calendarURL != "" && s.Online() {
		client, account, err := s.clientForAccount()
		if err == nil && account != nil {
			remote := localToRemote(ev)
			created, err := client.CreateEvent(ctx, calendarURL, remote)
			if err == nil {
				ev.ID = created.ID
				ev.OriginalUID = created.UID
				ev.Source = domain.SourceICloud
				ev.CalendarURL = calendarURL
				if cal, ok := account.CalendarByURL(calendarURL); ok {
					ev.CalendarName = cal.Name
				}
				return ev, s.storage.PutEvent(ev)
			}
			log.Printf("sync: remote create failed, keeping event local: %v", err)
			pushErr = err
		}
	}

	ev.ID = uuid.NewString()
	ev.Source = domain.SourceLocal
	ev.CalendarURL = ""
	ev.CalendarName = ""
	if err := s.storage.PutEvent(ev); err != nil {
		return nil, err
	}
	if pushErr != nil {
		return ev, fmt.Errorf("%w: %w", ErrSavedLocally, pushErr)
	}
	return ev, nil
}

func (s *SyncService) updateEvent(ctx context.Context, ev *domain.Event) (*domain.Event, error) {
	// The shell sends only the edited fields' view of the event; identity
	// comes from the stored row.
	stored, err := s.storage.GetEvent(ev.ID)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		ev.OriginalUID = stored.OriginalUID
		ev.CreatedAt = stored.CreatedAt
		if ev.Source == "" {
			ev.Source = stored.Source
		}
		if ev.CalendarURL == "" {
			ev.CalendarURL = stored.CalendarURL
		}
		ev.CalendarName = stored.CalendarName
	} else if ev.Source == "" {
		ev.Source = domain.SourceLocal
	}

	if stored != nil && stored.IsInstance() && ev.Source == domain.SourceICloud {
		// A single-VEVENT PUT built from one expanded occurrence would
		// rewrite the whole series anchored at this instance. The edit
		// stays local instead of corrupting the remote series.
		ev.Source = domain.SourceLocal
		if err := s.storage.PutEvent(ev); err != nil {
			return nil, err
		}
		return ev, fmt.Errorf("%w: series occurrence edits are not pushed", ErrSavedLocally)
	}

	var pushErr error
	if ev.Source == domain.SourceICloud && ev.OriginalUID != "" {
		client, _, err := s.clientForAccount()
		if err == nil && s.Online() {
			if err := client.UpdateEvent(ctx, ev.CalendarURL, localToRemote(ev)); err != nil {
				// Keep the edit locally; the next successful pull decides.
				log.Printf("sync: remote update failed, keeping edit local: %v", err)
				ev.Source = domain.SourceLocal
				pushErr = err
			}
		} else {
			ev.Source = domain.SourceLocal
		}
	}
	if err := s.storage.PutEvent(ev); err != nil {
		return nil, err
	}
	if pushErr != nil {
		return ev, fmt.Errorf("%w: %w", ErrSavedLocally, pushErr)
	}
	return ev, nil
}

// targetCalendar picks the calendar a new event should be created in.
func (s *SyncService) targetCalendar(ev *domain.Event) string {
	if ev.CalendarURL != "" {
		return ev.CalendarURL
	}
	account, err := s.storage.LoadAccount()
	if err != nil || !account.IsConfigured() {
		return ""
	}
	if account.DefaultCalendarURL != "" {
		return account.DefaultCalendarURL
	}
	if len(account.EnabledCalendars) > 0 {
		return account.EnabledCalendars[0].URL
	}
	return ""
}

func (s *SyncService) clientForAccount() (calendarClient, *domain.Account, error) {
	account, err := s.storage.LoadAccount()
	if err != nil {
		return nil, nil, err
	}
	if !account.IsConfigured() {
		return nil, nil, ErrNotConfigured
	}
	return s.newClient(account.Email, account.AppPassword), account, nil
}

// DeleteEvent removes an event. For remote events the remote side goes
// first; if it fails the local copy stays so the user can retry. A remote
// 404 counts as success, the resource is already gone.
//
// scope selects what to delete for recurring events: ScopeInstance excludes
// one occurrence, ScopeFuture ends the series the day before the
// occurrence, ScopeSeries removes the whole series. ScopeSingle (and "")
// deletes a plain event.
func (s *SyncService) DeleteEvent(ctx context.Context, id, scope string) error {
	ev, err := s.storage.GetEvent(id)
	if err != nil {
		return err
	}
	if ev == nil {
		return nil
	}

	if !ev.IsRemote() {
		return s.storage.DeleteEvent(id)
	}

	client, _, err := s.clientForAccount()
	if err != nil {
		return err
	}

	switch scope {
	case ScopeInstance:
		if err := client.ExcludeInstance(ctx, ev.CalendarURL, ev.OriginalUID, ev.Start); err != nil && !errors.Is(err, caldav.ErrNotFound) {
			return err
		}
		return s.storage.DeleteEvent(id)

	case ScopeFuture:
		lastValid := ev.Start.AddDate(0, 0, -1)
		if err := client.TruncateSeries(ctx, ev.CalendarURL, ev.OriginalUID, lastValid); err != nil && !errors.Is(err, caldav.ErrNotFound) {
			return err
		}
		return s.deleteStoredFrom(ev.OriginalUID, ev.Start)

	case ScopeSeries:
		if err := client.DeleteEvent(ctx, ev.CalendarURL, ev.OriginalUID); err != nil && !errors.Is(err, caldav.ErrNotFound) {
			return err
		}
		return s.storage.DeleteEventsByOriginalUID(ev.OriginalUID)

	default:
		if err := client.DeleteEvent(ctx, ev.CalendarURL, ev.OriginalUID); err != nil && !errors.Is(err, caldav.ErrNotFound) {
			return err
		}
		return s.storage.DeleteEvent(id)
	}
}

func (s *SyncService) deleteStoredFrom(uid string, from time.Time) error {
	stored, err := s.storage.ListEventsByOriginalUID(uid)
	if err != nil {
		return err
	}
	for _, ev := range stored {
		if !ev.Start.Before(from) {
			if err := s.storage.DeleteEvent(ev.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// ListEvents returns the stored events overlapping [from, to].
func (s *SyncService) ListEvents(from, to time.Time) ([]*domain.Event, error) {
	return s.storage.ListEvents(from, to)
}

// UpcomingReminders returns the events whose reminder window covers now.
func (s *SyncService) UpcomingReminders(now time.Time) ([]*domain.Event, error) {
	return s.storage.UpcomingReminders(now)
}

// Connect verifies credentials by running calendar discovery and returns
// the calendars found. Nothing is persisted; the caller saves the account
// once the user has picked calendars.
func (s *SyncService) Connect(ctx context.Context, email, password string) ([]domain.Calendar, error) {
	client := s.newClient(email, password)
	calendars, err := client.Calendars(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Calendar, 0, len(calendars))
	for _, c := range calendars {
		out = append(out, domain.Calendar{Name: c.Name, URL: c.URL, CTag: c.CTag})
	}
	return out, nil
}

// SaveAccount replaces the stored account wholesale.
func (s *SyncService) SaveAccount(a *domain.Account) error {
	return s.storage.SaveAccount(a)
}

// Account returns the stored account, or nil when none is configured.
func (s *SyncService) Account() (*domain.Account, error) {
	return s.storage.LoadAccount()
}

// Disconnect removes the stored credentials. Synced events stay until the
// next reconnect replaces them.
func (s *SyncService) Disconnect() error {
	return s.storage.DeleteAccount()
}

// NotifyFocus is called when the shell window regains focus.
func (s *SyncService) NotifyFocus(ctx context.Context) {
	if _, err := s.MaybeSync(ctx, "focus"); err != nil {
		log.Printf("sync: focus pass failed: %v", err)
	}
}
