package service

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nvela/plandesk/internal/domain"
	"github.com/nvela/plandesk/internal/storage"
)

// TaskService manages the local to-do list.
type TaskService struct {
	storage *storage.Storage
}

func NewTaskService(st *storage.Storage) *TaskService {
	return &TaskService{storage: st}
}

// Create adds a new pending task.
func (s *TaskService) Create(title string) (*domain.Task, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("task title is empty")
	}
	task := &domain.Task{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: time.Now(),
	}
	if err := s.storage.PutTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// List returns all tasks, pending first.
func (s *TaskService) List() ([]*domain.Task, error) {
	return s.storage.ListTasks()
}

// Toggle flips a task between pending and completed.
func (s *TaskService) Toggle(id string) (*domain.Task, error) {
	task, err := s.storage.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %s not found", id)
	}
	task.Completed = !task.Completed
	if err := s.storage.PutTask(task); err != nil {
		return nil, err
	}
	return task, nil
}

// Delete removes a task.
func (s *TaskService) Delete(id string) error {
	return s.storage.DeleteTask(id)
}
