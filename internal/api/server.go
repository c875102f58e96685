package api

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/nvela/plandesk/config"
	"github.com/nvela/plandesk/internal/clients/caldav"
	"github.com/nvela/plandesk/internal/domain"
	"github.com/nvela/plandesk/internal/service"
)

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type EventResponse struct {
	ID              string  `json:"id"`
	OriginalUID     string  `json:"original_uid,omitempty"`
	Title           string  `json:"title"`
	Start           string  `json:"start"`
	End             string  `json:"end"`
	AllDay          bool    `json:"all_day"`
	Color           string  `json:"color"`
	Description     string  `json:"description,omitempty"`
	Location        string  `json:"location,omitempty"`
	Source          string  `json:"source"`
	CalendarName    string  `json:"calendar_name,omitempty"`
	CalendarURL     string  `json:"calendar_url,omitempty"`
	Type            string  `json:"type"`
	RecurrenceFreq  string  `json:"recurrence_freq,omitempty"`
	RecurrenceUntil *string `json:"recurrence_until,omitempty"`
	Reminder        int     `json:"reminder,omitempty"`
}

type eventRequest struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Start           string `json:"start"`
	End             string `json:"end"`
	AllDay          bool   `json:"all_day"`
	Color           string `json:"color"`
	Description     string `json:"description"`
	Location        string `json:"location"`
	Source          string `json:"source"`
	CalendarURL     string `json:"calendar_url"`
	Type            string `json:"type"`
	RecurrenceFreq  string `json:"recurrence_freq"`
	RecurrenceUntil string `json:"recurrence_until"`
	Reminder        int    `json:"reminder"`
}

// Server is the localhost JSON API the desktop shell talks to.
type Server struct {
	cfg         *config.Config
	syncService *service.SyncService
	taskService *service.TaskService
	noteService *service.NoteService
	server      *http.Server
}

func New(cfg *config.Config, syncSvc *service.SyncService, taskSvc *service.TaskService, noteSvc *service.NoteService) *Server {
	return &Server{
		cfg:         cfg,
		syncService: syncSvc,
		taskService: taskSvc,
		noteService: noteSvc,
	}
}

// Start registers the routes and serves until Stop is called.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	// Events
	mux.HandleFunc("/api/events", s.basicAuth(s.apiEvents))
	mux.HandleFunc("/api/event/", s.basicAuth(s.apiEvent))
	mux.HandleFunc("/api/reminders", s.basicAuth(s.apiReminders))

	// Tasks
	mux.HandleFunc("/api/tasks", s.basicAuth(s.apiTasks))
	mux.HandleFunc("/api/task/", s.basicAuth(s.apiTask))

	// Notes
	mux.HandleFunc("/api/notes", s.basicAuth(s.apiNotes))
	mux.HandleFunc("/api/note/", s.basicAuth(s.apiNote))

	// Account and sync
	mux.HandleFunc("/api/account", s.basicAuth(s.apiAccount))
	mux.HandleFunc("/api/account/connect", s.basicAuth(s.apiAccountConnect))
	mux.HandleFunc("/api/sync", s.basicAuth(s.apiSync))
	mux.HandleFunc("/api/focus", s.basicAuth(s.apiFocus))
	mux.HandleFunc("/api/online", s.basicAuth(s.apiOnline))

	s.server = &http.Server{
		Addr:    "127.0.0.1:" + s.cfg.ServerPort,
		Handler: mux,
	}

	log.Printf("Starting API server on %s", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// basicAuth middleware
func (s *Server) basicAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIUsername == "" && s.cfg.APIPassword == "" {
			next(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if !ok || username != s.cfg.APIUsername || password != s.cfg.APIPassword {
			w.Header().Set("WWW-Authenticate", `Basic realm="Plandesk API"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func (s *Server) jsonError(w http.ResponseWriter, err string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: err})
}

func (s *Server) eventToResponse(ev *domain.Event) EventResponse {
	resp := EventResponse{
		ID:             ev.ID,
		OriginalUID:    ev.OriginalUID,
		Title:          ev.Title,
		Start:          ev.Start.Format(time.RFC3339),
		End:            ev.End.Format(time.RFC3339),
		AllDay:         ev.AllDay,
		Color:          ev.Color,
		Description:    ev.Description,
		Location:       ev.Location,
		Source:         ev.Source,
		CalendarName:   ev.CalendarName,
		CalendarURL:    ev.CalendarURL,
		Type:           ev.Type,
		RecurrenceFreq: ev.RecurrenceFreq,
		Reminder:       ev.Reminder,
	}
	if ev.RecurrenceUntil != nil {
		u := ev.RecurrenceUntil.Format(time.RFC3339)
		resp.RecurrenceUntil = &u
	}
	return resp
}

// parseWhen accepts RFC3339 or a bare date, interpreted in the configured
// timezone.
func (s *Server) parseWhen(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.In(s.cfg.Timezone), nil
	}
	return time.ParseInLocation("2006-01-02", v, s.cfg.Timezone)
}

// GET /api/events?from=...&to=... - list events in a range
// POST /api/events - create or update an event
func (s *Server) apiEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		now := time.Now().In(s.cfg.Timezone)
		from := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, s.cfg.Timezone)
		to := from.AddDate(0, 1, 0)
		if v := r.URL.Query().Get("from"); v != "" {
			t, err := s.parseWhen(v)
			if err != nil {
				s.jsonError(w, "Invalid from date", http.StatusBadRequest)
				return
			}
			from = t
		}
		if v := r.URL.Query().Get("to"); v != "" {
			t, err := s.parseWhen(v)
			if err != nil {
				s.jsonError(w, "Invalid to date", http.StatusBadRequest)
				return
			}
			to = t
		}

		events, err := s.syncService.ListEvents(from, to)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		resp := make([]EventResponse, 0, len(events))
		for _, ev := range events {
			resp = append(resp, s.eventToResponse(ev))
		}
		s.jsonResponse(w, resp)

	case http.MethodPost:
		var req eventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		ev, err := s.eventFromRequest(&req)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		saved, err := s.syncService.SaveEvent(r.Context(), ev)
		if err != nil {
			if errors.Is(err, service.ErrSavedLocally) && saved != nil {
				// The record is safe locally but never reached the server;
				// the shell shows it and warns about the failed push.
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				json.NewEncoder(w).Encode(APIResponse{
					Success: false,
					Data:    s.eventToResponse(saved),
					Error:   err.Error(),
				})
				return
			}
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, s.eventToResponse(saved))

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) eventFromRequest(req *eventRequest) (*domain.Event, error) {
	if strings.TrimSpace(req.Title) == "" {
		return nil, errors.New("title is required")
	}
	start, err := s.parseWhen(req.Start)
	if err != nil {
		return nil, errors.New("invalid start date")
	}
	var end time.Time
	if req.End != "" {
		end, err = s.parseWhen(req.End)
		if err != nil {
			return nil, errors.New("invalid end date")
		}
	}

	ev := &domain.Event{
		ID:             req.ID,
		Title:          strings.TrimSpace(req.Title),
		Start:          start,
		End:            end,
		AllDay:         req.AllDay,
		Color:          req.Color,
		Description:    req.Description,
		Location:       req.Location,
		Source:         req.Source,
		CalendarURL:    req.CalendarURL,
		Type:           req.Type,
		RecurrenceFreq: req.RecurrenceFreq,
		Reminder:       req.Reminder,
	}
	if req.RecurrenceUntil != "" {
		u, err := s.parseWhen(req.RecurrenceUntil)
		if err != nil {
			return nil, errors.New("invalid recurrence end date")
		}
		ev.RecurrenceUntil = &u
	}
	return ev, nil
}

// GET /api/reminders - events whose reminder lead time covers now; the
// shell polls this to raise desktop notifications.
func (s *Server) apiReminders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	events, err := s.syncService.UpcomingReminders(time.Now().In(s.cfg.Timezone))
	if err != nil {
		s.jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		resp = append(resp, s.eventToResponse(ev))
	}
	s.jsonResponse(w, resp)
}

// DELETE /api/event/{id}?scope=single|instance|future|series
func (s *Server) apiEvent(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/event/")
	if id == "" {
		s.jsonError(w, "Event id required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		scope := r.URL.Query().Get("scope")
		if scope == "" {
			scope = service.ScopeSingle
		}
		if err := s.syncService.DeleteEvent(r.Context(), id, scope); err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]bool{"deleted": true})

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/tasks - list tasks
// POST /api/tasks - create task
func (s *Server) apiTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		tasks, err := s.taskService.List()
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, tasks)

	case http.MethodPost:
		var req struct {
			Title string `json:"title"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		task, err := s.taskService.Create(req.Title)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.jsonResponse(w, task)

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/task/{id}/toggle - flip completion
// DELETE /api/task/{id} - remove
func (s *Server) apiTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/task/")

	if strings.HasSuffix(id, "/toggle") {
		if r.Method != http.MethodPost {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		task, err := s.taskService.Toggle(strings.TrimSuffix(id, "/toggle"))
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, task)
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if err := s.taskService.Delete(id); err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]bool{"deleted": true})

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/notes - list notes
// POST /api/notes - create note
func (s *Server) apiNotes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		notes, err := s.noteService.List()
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, notes)

	case http.MethodPost:
		var req struct {
			Title   string `json:"title"`
			Content string `json:"content"`
			Color   string `json:"color"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		note, err := s.noteService.Create(req.Title, req.Content, req.Color)
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, note)

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/note/{id}/pin - toggle pin
// PUT /api/note/{id} - update
// DELETE /api/note/{id} - remove
func (s *Server) apiNote(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/note/")

	if strings.HasSuffix(id, "/pin") {
		if r.Method != http.MethodPost {
			s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		note, err := s.noteService.TogglePin(strings.TrimSuffix(id, "/pin"))
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, note)
		return
	}

	switch r.Method {
	case http.MethodPut:
		var note domain.Note
		if err := json.NewDecoder(r.Body).Decode(&note); err != nil {
			s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		note.ID = id
		if err := s.noteService.Update(&note); err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, note)

	case http.MethodDelete:
		if err := s.noteService.Delete(id); err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]bool{"deleted": true})

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/account/connect - verify credentials and discover calendars
func (s *Server) apiAccountConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	calendars, err := s.syncService.Connect(r.Context(), req.Email, req.Password)
	if err != nil {
		status := http.StatusBadGateway
		switch {
		case errors.Is(err, caldav.ErrAuth):
			status = http.StatusUnauthorized
		case errors.Is(err, caldav.ErrNoCalendars):
			status = http.StatusNotFound
		}
		s.jsonError(w, err.Error(), status)
		return
	}
	s.jsonResponse(w, calendars)
}

// GET /api/account - connection state (credentials redacted)
// PUT /api/account - save account and calendar selection
// DELETE /api/account - disconnect
func (s *Server) apiAccount(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		account, err := s.syncService.Account()
		if err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if !account.IsConfigured() {
			s.jsonResponse(w, map[string]bool{"connected": false})
			return
		}
		s.jsonResponse(w, map[string]interface{}{
			"connected":            true,
			"email":                account.Email,
			"enabled_calendars":    account.EnabledCalendars,
			"default_calendar_url": account.DefaultCalendarURL,
		})

	case http.MethodPut:
		var req struct {
			Email              string            `json:"email"`
			Password           string            `json:"password"`
			EnabledCalendars   []domain.Calendar `json:"enabled_calendars"`
			DefaultCalendarURL string            `json:"default_calendar_url"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		account := &domain.Account{
			Email:              req.Email,
			AppPassword:        req.Password,
			EnabledCalendars:   req.EnabledCalendars,
			DefaultCalendarURL: req.DefaultCalendarURL,
		}
		if err := s.syncService.SaveAccount(account); err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		// First pull in the background so the UI is not blocked.
		go func() {
			if _, err := s.syncService.SyncNow(context.Background()); err != nil {
				log.Printf("api: initial sync failed: %v", err)
			}
		}()
		s.jsonResponse(w, map[string]bool{"saved": true})

	case http.MethodDelete:
		if err := s.syncService.Disconnect(); err != nil {
			s.jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		s.jsonResponse(w, map[string]bool{"disconnected": true})

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// GET /api/sync - last sync result
// POST /api/sync - run a sync pass now
func (s *Server) apiSync(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.jsonResponse(w, map[string]interface{}{
			"online":      s.syncService.Online(),
			"last_result": s.syncService.LastResult(),
		})

	case http.MethodPost:
		result, err := s.syncService.SyncNow(r.Context())
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, service.ErrNotConfigured) {
				status = http.StatusPreconditionRequired
			}
			s.jsonError(w, err.Error(), status)
			return
		}
		s.jsonResponse(w, result)

	default:
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

// POST /api/focus - window regained focus, maybe sync
func (s *Server) apiFocus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	go s.syncService.NotifyFocus(context.Background())
	s.jsonResponse(w, map[string]bool{"scheduled": true})
}

// POST /api/online - connectivity report from the shell
func (s *Server) apiOnline(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.jsonError(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Online bool `json:"online"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.jsonError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	s.syncService.SetOnline(req.Online)
	if req.Online {
		go s.syncService.NotifyFocus(context.Background())
	}
	s.jsonResponse(w, map[string]bool{"online": req.Online})
}
