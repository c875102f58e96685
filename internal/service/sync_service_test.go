package service

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvela/plandesk/internal/clients/caldav"
	"github.com/nvela/plandesk/internal/domain"
	"github.com/nvela/plandesk/internal/storage"
)

type fakeClient struct {
	calendars   []caldav.Calendar
	eventsByCal map[string][]caldav.Event
	errByCal    map[string]error
	eventsCalls int

	createErr error
	created   []*caldav.Event
	updateErr error
	updated   []*caldav.Event
	deleteErr error
	deleted   []string
	excluded  []time.Time
	truncated []time.Time
}

func (f *fakeClient) Calendars(ctx context.Context) ([]caldav.Calendar, error) {
	return f.calendars, nil
}

func (f *fakeClient) Events(ctx context.Context, calendarURL string, from, to time.Time) ([]caldav.Event, error) {
	f.eventsCalls++
	if err := f.errByCal[calendarURL]; err != nil {
		return nil, err
	}
	return f.eventsByCal[calendarURL], nil
}

func (f *fakeClient) CreateEvent(ctx context.Context, calendarURL string, ev *caldav.Event) (*caldav.Event, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	if ev.UID == "" {
		ev.UID = "uid-remoto"
	}
	created := *ev
	created.ID = ev.UID
	created.CalendarURL = calendarURL
	f.created = append(f.created, &created)
	return &created, nil
}

func (f *fakeClient) UpdateEvent(ctx context.Context, calendarURL string, ev *caldav.Event) error {
	if f.updateErr != nil {
		return f.updateErr
	}
	f.updated = append(f.updated, ev)
	return nil
}

func (f *fakeClient) DeleteEvent(ctx context.Context, calendarURL, uid string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, uid)
	return nil
}

func (f *fakeClient) ExcludeInstance(ctx context.Context, calendarURL, uid string, instance time.Time) error {
	f.excluded = append(f.excluded, instance)
	return nil
}

func (f *fakeClient) TruncateSeries(ctx context.Context, calendarURL, uid string, lastValid time.Time) error {
	f.truncated = append(f.truncated, lastValid)
	return nil
}

const (
	calPersonal = "https://cal/personal/"
	calWork     = "https://cal/work/"
)

func newTestSync(t *testing.T) (*SyncService, *storage.Storage, *fakeClient) {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	fake := &fakeClient{
		eventsByCal: map[string][]caldav.Event{},
		errByCal:    map[string]error{},
	}
	svc := NewSyncService(store, "https://caldav.example.com", time.UTC, time.Minute)
	svc.newClient = func(email, password string) calendarClient { return fake }
	return svc, store, fake
}

func seedAccount(t *testing.T, store *storage.Storage) {
	t.Helper()
	require.NoError(t, store.SaveAccount(&domain.Account{
		Email:       "ana@example.com",
		AppPassword: "app-pass",
		EnabledCalendars: []domain.Calendar{
			{Name: "Personal", URL: calPersonal},
			{Name: "Trabajo", URL: calWork},
		},
		DefaultCalendarURL: calPersonal,
	}))
}

func remoteEvent(id string, start time.Time) caldav.Event {
	return caldav.Event{
		ID:    id,
		UID:   id,
		Title: "Evento " + id,
		Start: start,
		End:   start.Add(time.Hour),
	}
}

func seedSyncedEvent(t *testing.T, store *storage.Storage, id, calendarURL string, start time.Time) {
	t.Helper()
	require.NoError(t, store.PutEvent(&domain.Event{
		ID:          id,
		OriginalUID: id,
		Title:       "Evento " + id,
		Start:       start,
		End:         start.Add(time.Hour),
		Source:      domain.SourceICloud,
		CalendarURL: calendarURL,
		Type:        "event",
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}))
}

func TestSyncPullsAndPrunes(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)

	start := time.Now().Add(24 * time.Hour)
	seedSyncedEvent(t, store, "desaparecido", calPersonal, start)
	fake.eventsByCal[calPersonal] = []caldav.Event{remoteEvent("a", start)}
	fake.eventsByCal[calWork] = []caldav.Event{remoteEvent("b", start)}

	// A purely local event must never be touched by a pull.
	require.NoError(t, store.PutEvent(&domain.Event{
		ID: "mio", Title: "Local", Start: start, End: start.Add(time.Hour),
		Source: domain.SourceLocal, Type: "event", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	result, err := svc.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, result.Pulled)
	assert.Equal(t, 1, result.Deleted)
	assert.False(t, result.SkippedPrune)
	assert.Empty(t, result.Errors)

	gone, err := store.GetEvent("desaparecido")
	require.NoError(t, err)
	assert.Nil(t, gone)

	a, err := store.GetEvent("a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, domain.SourceICloud, a.Source)
	assert.Equal(t, "Personal", a.CalendarName)
	assert.Equal(t, domain.DefaultEventColor, a.Color)

	local, err := store.GetEvent("mio")
	require.NoError(t, err)
	assert.NotNil(t, local)
}

func TestSyncEmptyPullKeepsSnapshot(t *testing.T) {
	svc, store, _ := newTestSync(t)
	seedAccount(t, store)

	start := time.Now().Add(24 * time.Hour)
	seedSyncedEvent(t, store, "guardado", calPersonal, start)

	result, err := svc.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, result.Pulled)
	assert.Equal(t, 0, result.Deleted)
	assert.True(t, result.SkippedPrune)

	kept, err := store.GetEvent("guardado")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestSyncFailedCalendarIsIsolated(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)

	start := time.Now().Add(24 * time.Hour)
	seedSyncedEvent(t, store, "de-trabajo", calWork, start)
	fake.eventsByCal[calPersonal] = []caldav.Event{remoteEvent("a", start)}
	fake.errByCal[calWork] = errors.New("connection reset")

	result, err := svc.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Pulled)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "Trabajo")

	// The healthy calendar landed.
	a, err := store.GetEvent("a")
	require.NoError(t, err)
	assert.NotNil(t, a)

	// Nothing was pruned: the failed calendar's events would be the
	// casualties of a global diff.
	assert.True(t, result.SkippedPrune)
	kept, err := store.GetEvent("de-trabajo")
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestMaybeSyncGates(t *testing.T) {
	svc, store, fake := newTestSync(t)

	// No account: quietly does nothing.
	result, err := svc.MaybeSync(context.Background(), "timer")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 0, fake.eventsCalls)

	seedAccount(t, store)

	// Offline: skipped.
	svc.SetOnline(false)
	result, err = svc.MaybeSync(context.Background(), "timer")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, 0, fake.eventsCalls)
	svc.SetOnline(true)

	// First pass runs, second lands inside the cooldown.
	result, err = svc.MaybeSync(context.Background(), "timer")
	require.NoError(t, err)
	require.NotNil(t, result)
	calls := fake.eventsCalls

	result, err = svc.MaybeSync(context.Background(), "focus")
	require.NoError(t, err)
	assert.Nil(t, result)
	assert.Equal(t, calls, fake.eventsCalls)

	// SyncNow ignores the cooldown.
	result, err = svc.SyncNow(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, result)
}

func TestSyncNowWithoutAccount(t *testing.T) {
	svc, _, _ := newTestSync(t)
	_, err := svc.SyncNow(context.Background())
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestSaveEventCreatesRemote(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)

	start := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	saved, err := svc.SaveEvent(context.Background(), &domain.Event{
		Title: "Nuevo",
		Start: start,
		End:   start.Add(time.Hour),
	})
	require.NoError(t, err)

	require.Len(t, fake.created, 1)
	assert.Equal(t, domain.SourceICloud, saved.Source)
	assert.Equal(t, calPersonal, saved.CalendarURL)
	assert.Equal(t, "Personal", saved.CalendarName)
	assert.Equal(t, saved.OriginalUID, saved.ID)
	assert.Equal(t, domain.DefaultEventColor, saved.Color)

	stored, err := store.GetEvent(saved.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, domain.SourceICloud, stored.Source)
}

func TestSaveEventFallsBackToLocal(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)
	fake.createErr = caldav.ErrConflict

	start := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	saved, err := svc.SaveEvent(context.Background(), &domain.Event{
		Title: "Sin red",
		Start: start,
		End:   start.Add(time.Hour),
	})

	// The edit is not lost: it lands locally with a fresh id, and the
	// caller is told the push did not happen, cause included.
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSavedLocally)
	assert.ErrorIs(t, err, caldav.ErrConflict)
	require.NotNil(t, saved)
	assert.Equal(t, domain.SourceLocal, saved.Source)
	assert.NotEmpty(t, saved.ID)
	assert.Empty(t, saved.CalendarURL)

	stored, err := store.GetEvent(saved.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Sin red", stored.Title)
}

func TestSaveEventWithoutAccountStaysLocal(t *testing.T) {
	svc, store, fake := newTestSync(t)

	start := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	saved, err := svc.SaveEvent(context.Background(), &domain.Event{
		Title: "Solo local",
		Start: start,
		End:   start.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, domain.SourceLocal, saved.Source)
	assert.Empty(t, fake.created)

	stored, err := store.GetEvent(saved.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored)
}

func TestSaveEventUpdateRemote(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)

	start := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	seedSyncedEvent(t, store, "remoto", calPersonal, start)

	saved, err := svc.SaveEvent(context.Background(), &domain.Event{
		ID:     "remoto",
		Title:  "Editado",
		Start:  start,
		End:    start.Add(time.Hour),
		Source: domain.SourceICloud,
	})
	require.NoError(t, err)
	require.Len(t, fake.updated, 1)
	assert.Equal(t, "remoto", fake.updated[0].UID)
	assert.Equal(t, domain.SourceICloud, saved.Source)

	stored, err := store.GetEvent("remoto")
	require.NoError(t, err)
	assert.Equal(t, "Editado", stored.Title)
}

func TestSaveEventUpdateRemoteFailureKeepsEdit(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)
	fake.updateErr = errors.New("timeout")

	start := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	seedSyncedEvent(t, store, "remoto", calPersonal, start)

	saved, err := svc.SaveEvent(context.Background(), &domain.Event{
		ID:     "remoto",
		Title:  "Editado sin red",
		Start:  start,
		End:    start.Add(time.Hour),
		Source: domain.SourceICloud,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSavedLocally)
	assert.ErrorIs(t, err, fake.updateErr)
	require.NotNil(t, saved)
	assert.Equal(t, domain.SourceLocal, saved.Source)

	stored, err := store.GetEvent("remoto")
	require.NoError(t, err)
	assert.Equal(t, "Editado sin red", stored.Title)
}

func TestSaveEventOccurrenceEditStaysLocal(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)
	_, jan13, _ := seedSeries(t, store)

	saved, err := svc.SaveEvent(context.Background(), &domain.Event{
		ID:     jan13.ID,
		Title:  "Clase movida",
		Start:  jan13.Start.Add(time.Hour),
		End:    jan13.End.Add(time.Hour),
		Source: domain.SourceICloud,
	})

	// Pushing one expanded occurrence would rewrite the whole series, so
	// the remote side is never touched and the edit stays local.
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSavedLocally)
	assert.Empty(t, fake.updated)
	require.NotNil(t, saved)
	assert.Equal(t, domain.SourceLocal, saved.Source)

	stored, err := store.GetEvent(jan13.ID)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.Equal(t, "Clase movida", stored.Title)
	assert.Equal(t, domain.SourceLocal, stored.Source)
}

func TestSyncRepeatedPullIsStable(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)

	start := time.Now().Add(24 * time.Hour)
	fake.eventsByCal[calPersonal] = []caldav.Event{remoteEvent("a", start)}
	fake.eventsByCal[calWork] = []caldav.Event{remoteEvent("b", start.Add(time.Hour))}

	first, err := svc.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, first.Pulled)
	afterFirst, err := store.ListEventsBySource(domain.SourceICloud)
	require.NoError(t, err)

	// A second pass over an unchanged server must not delete, duplicate or
	// reshuffle anything.
	second, err := svc.SyncNow(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, second.Pulled)
	assert.Equal(t, 0, second.Deleted)
	assert.False(t, second.SkippedPrune)

	afterSecond, err := store.ListEventsBySource(domain.SourceICloud)
	require.NoError(t, err)
	require.Len(t, afterSecond, len(afterFirst))
	for i := range afterFirst {
		assert.Equal(t, afterFirst[i].ID, afterSecond[i].ID)
		assert.Equal(t, afterFirst[i].Title, afterSecond[i].Title)
		assert.True(t, afterFirst[i].Start.Equal(afterSecond[i].Start))
	}
}

func TestDeleteEventLocal(t *testing.T) {
	svc, store, fake := newTestSync(t)

	start := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.PutEvent(&domain.Event{
		ID: "mio", Title: "Local", Start: start, End: start.Add(time.Hour),
		Source: domain.SourceLocal, Type: "event", CreatedAt: time.Now(), UpdatedAt: time.Now(),
	}))

	require.NoError(t, svc.DeleteEvent(context.Background(), "mio", ScopeSingle))
	assert.Empty(t, fake.deleted)

	gone, err := store.GetEvent("mio")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestDeleteEventMissingIsNoop(t *testing.T) {
	svc, _, _ := newTestSync(t)
	assert.NoError(t, svc.DeleteEvent(context.Background(), "fantasma", ScopeSingle))
}

func TestDeleteEventRemoteGoneIsSuccess(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)
	fake.deleteErr = caldav.ErrNotFound

	start := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	seedSyncedEvent(t, store, "remoto", calPersonal, start)

	require.NoError(t, svc.DeleteEvent(context.Background(), "remoto", ScopeSingle))
	gone, err := store.GetEvent("remoto")
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func seedSeries(t *testing.T, store *storage.Storage) (jan6, jan13, jan20 *domain.Event) {
	t.Helper()
	mk := func(start time.Time) *domain.Event {
		ev := &domain.Event{
			ID:             "serie_" + start.UTC().Format(time.RFC3339),
			OriginalUID:    "serie",
			Title:          "Clase",
			Start:          start,
			End:            start.Add(time.Hour),
			Source:         domain.SourceICloud,
			CalendarURL:    calPersonal,
			Type:           "event",
			RecurrenceFreq: "weekly",
			CreatedAt:      time.Now(),
			UpdatedAt:      time.Now(),
		}
		require.NoError(t, store.PutEvent(ev))
		return ev
	}
	jan6 = mk(time.Date(2025, 1, 6, 10, 0, 0, 0, time.UTC))
	jan13 = mk(time.Date(2025, 1, 13, 10, 0, 0, 0, time.UTC))
	jan20 = mk(time.Date(2025, 1, 20, 10, 0, 0, 0, time.UTC))
	return
}

func TestDeleteEventInstanceScope(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)
	jan6, jan13, _ := seedSeries(t, store)

	require.NoError(t, svc.DeleteEvent(context.Background(), jan13.ID, ScopeInstance))

	require.Len(t, fake.excluded, 1)
	assert.True(t, fake.excluded[0].Equal(jan13.Start))

	gone, err := store.GetEvent(jan13.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	kept, err := store.GetEvent(jan6.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
}

func TestDeleteEventFutureScope(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)
	jan6, jan13, jan20 := seedSeries(t, store)

	require.NoError(t, svc.DeleteEvent(context.Background(), jan13.ID, ScopeFuture))

	// Series is truncated to the day before the chosen occurrence.
	require.Len(t, fake.truncated, 1)
	assert.True(t, fake.truncated[0].Equal(jan13.Start.AddDate(0, 0, -1)))

	kept, err := store.GetEvent(jan6.ID)
	require.NoError(t, err)
	assert.NotNil(t, kept)
	for _, id := range []string{jan13.ID, jan20.ID} {
		gone, err := store.GetEvent(id)
		require.NoError(t, err)
		assert.Nil(t, gone)
	}
}

func TestDeleteEventSeriesScope(t *testing.T) {
	svc, store, fake := newTestSync(t)
	seedAccount(t, store)
	jan6, jan13, jan20 := seedSeries(t, store)

	require.NoError(t, svc.DeleteEvent(context.Background(), jan13.ID, ScopeSeries))

	require.Len(t, fake.deleted, 1)
	assert.Equal(t, "serie", fake.deleted[0])
	for _, id := range []string{jan6.ID, jan13.ID, jan20.ID} {
		gone, err := store.GetEvent(id)
		require.NoError(t, err)
		assert.Nil(t, gone)
	}
}

func TestConnect(t *testing.T) {
	svc, _, fake := newTestSync(t)
	fake.calendars = []caldav.Calendar{
		{Name: "Personal", URL: calPersonal, CTag: "ctag-1"},
	}

	calendars, err := svc.Connect(context.Background(), "ana@example.com", "app-pass")
	require.NoError(t, err)
	require.Len(t, calendars, 1)
	assert.Equal(t, "Personal", calendars[0].Name)
	assert.Equal(t, calPersonal, calendars[0].URL)
}

func TestWindow(t *testing.T) {
	svc, _, _ := newTestSync(t)

	now := time.Date(2025, 5, 20, 15, 30, 0, 0, time.UTC)
	from, to := svc.Window(now)
	assert.Equal(t, time.Date(2024, 11, 1, 0, 0, 0, 0, time.UTC), from)
	assert.Equal(t, time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC), to)
}
