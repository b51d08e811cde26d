// Package taskstore is a small JSON-backed task list used by the task tools.
// Tasks live in one file per working directory so progress survives process
// restarts and context compaction.
package taskstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusCanceled   Status = "canceled"
)

// ValidStatus reports whether s is one of the known statuses.
func ValidStatus(s Status) bool {
	switch s {
	case StatusPending, StatusInProgress, StatusDone, StatusCanceled:
		return true
	}
	return false
}

// Task is one tracked work item.
type Task struct {
	ID        int       `json:"id"`
	Title     string    `json:"title"`
	Status    Status    `json:"status"`
	Notes     string    `json:"notes,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// fileState is the on-disk shape. NextID survives task deletion so ids are
// never reused.
type fileState struct {
	NextID int    `json:"next_id"`
	Tasks  []Task `json:"tasks"`
}

// Store reads and writes one task file. Every mutation reloads, applies, and
// rewrites atomically, so concurrent sessions sharing a working directory
// stay consistent.
type Store struct {
	path string
	mu   sync.Mutex
}

// ForDir returns the store for a working directory ({dir}/.opal/tasks.json).
func ForDir(dir string) *Store {
	return &Store{path: filepath.Join(dir, ".opal", "tasks.json")}
}

// Open returns a store at an explicit path.
func Open(path string) *Store {
	return &Store{path: path}
}

// List returns all tasks in creation order.
func (s *Store) List() ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.load()
	if err != nil {
		return nil, err
	}
	return st.Tasks, nil
}

// Add appends a new pending task and returns it.
func (s *Store) Add(title, notes string) (Task, error) {
	if title == "" {
		return Task{}, fmt.Errorf("taskstore: title is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return Task{}, err
	}
	now := time.Now()
	t := Task{
		ID:        st.NextID,
		Title:     title,
		Status:    StatusPending,
		Notes:     notes,
		CreatedAt: now,
		UpdatedAt: now,
	}
	st.NextID++
	st.Tasks = append(st.Tasks, t)
	if err := s.save(st); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Update changes a task's status and/or notes. Empty values leave the field
// unchanged.
func (s *Store) Update(id int, status Status, notes string) (Task, error) {
	if status != "" && !ValidStatus(status) {
		return Task{}, fmt.Errorf("taskstore: invalid status %q", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.load()
	if err != nil {
		return Task{}, err
	}
	for i := range st.Tasks {
		if st.Tasks[i].ID != id {
			continue
		}
		if status != "" {
			st.Tasks[i].Status = status
		}
		if notes != "" {
			st.Tasks[i].Notes = notes
		}
		st.Tasks[i].UpdatedAt = time.Now()
		if err := s.save(st); err != nil {
			return Task{}, err
		}
		return st.Tasks[i], nil
	}
	return Task{}, fmt.Errorf("taskstore: no task with id %d", id)
}

func (s *Store) load() (fileState, error) {
	st := fileState{NextID: 1}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return st, fmt.Errorf("taskstore: read %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		return st, fmt.Errorf("taskstore: parse %s: %w", s.path, err)
	}
	if st.NextID < 1 {
		st.NextID = 1
	}
	return st, nil
}

func (s *Store) save(st fileState) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("taskstore: mkdir: %w", err)
	}
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("taskstore: marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tasks-*.tmp")
	if err != nil {
		return fmt.Errorf("taskstore: temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("taskstore: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, s.path)
}
