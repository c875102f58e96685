package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nvela/plandesk/internal/domain"
	"github.com/nvela/plandesk/internal/storage"
)

// NoteService manages local notes.
type NoteService struct {
	storage *storage.Storage
}

func NewNoteService(st *storage.Storage) *NoteService {
	return &NoteService{storage: st}
}

// Create adds a note.
func (s *NoteService) Create(title, content, color string) (*domain.Note, error) {
	note := &domain.Note{
		ID:        uuid.NewString(),
		Title:     title,
		Content:   content,
		Color:     color,
		CreatedAt: time.Now(),
	}
	if err := s.storage.PutNote(note); err != nil {
		return nil, err
	}
	return note, nil
}

// Update replaces a note's content.
func (s *NoteService) Update(note *domain.Note) error {
	if note.ID == "" {
		return fmt.Errorf("note id is empty")
	}
	return s.storage.PutNote(note)
}

// TogglePin flips a note's pinned flag.
func (s *NoteService) TogglePin(id string) (*domain.Note, error) {
	notes, err := s.storage.ListNotes()
	if err != nil {
		return nil, err
	}
	for _, n := range notes {
		if n.ID == id {
			n.Pinned = !n.Pinned
			if err := s.storage.PutNote(n); err != nil {
				return nil, err
			}
			return n, nil
		}
	}
	return nil, fmt.Errorf("note %s not found", id)
}

// List returns all notes, pinned first.
func (s *NoteService) List() ([]*domain.Note, error) {
	return s.storage.ListNotes()
}

// Delete removes a note.
func (s *NoteService) Delete(id string) error {
	return s.storage.DeleteNote(id)
}
