// Package thread persists conversation threads as one JSON file per
// thread under <project>/.merlin/threads/<thread_id>.json, written
// atomically via a temp-file-then-rename so a crash mid-write never
// corrupts a thread.
package thread

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"merlin/internal/logging"
)

// WorkUnit summarizes a task launched from a message, so the thread can
// show its status without re-reading the full task graph.
type WorkUnit struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Summary string `json:"summary"`
}

// Message is one turn of a thread.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	WorkUnit  *WorkUnit `json:"work_unit,omitempty"`
}

// Thread is the on-disk representation of one conversation.
type Thread struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Color     string    `json:"color"`
	Messages  []Message `json:"messages"`
}

// Store manages thread files under a project root.
type Store struct {
	mu          sync.Mutex
	projectRoot string
}

// NewStore creates a thread store rooted at projectRoot's .merlin/threads
// directory.
func NewStore(projectRoot string) *Store {
	return &Store{projectRoot: projectRoot}
}

func (s *Store) dir() string {
	return filepath.Join(s.projectRoot, ".merlin", "threads")
}

func (s *Store) path(threadID string) string {
	return filepath.Join(s.dir(), threadID+".json")
}

// Create starts a new thread with a generated ID and the given color tag.
func (s *Store) Create(color string) (*Thread, error) {
	t := &Thread{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Color:     color,
		Messages:  make([]Message, 0),
	}
	if err := s.Save(t); err != nil {
		return nil, err
	}
	return t, nil
}

// Load reads a thread by ID.
func (s *Store) Load(threadID string) (*Thread, error) {
	data, err := os.ReadFile(s.path(threadID))
	if err != nil {
		return nil, fmt.Errorf("load thread %s: %w", threadID, err)
	}
	var t Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode thread %s: %w", threadID, err)
	}
	return &t, nil
}

// Save writes a thread atomically: marshal, write to a temp file in the
// same directory, then rename over the final path.
func (s *Store) Save(t *Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.dir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create threads dir: %w", err)
	}

	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("encode thread %s: %w", t.ID, err)
	}

	tmp, err := os.CreateTemp(dir, ".thread-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path(t.ID)); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}

	logging.ThreadDebug("saved thread %s (%d messages)", t.ID, len(t.Messages))
	return nil
}

// AppendMessage adds a message to a thread and persists it.
func (s *Store) AppendMessage(threadID string, msg Message) (*Thread, error) {
	t, err := s.Load(threadID)
	if err != nil {
		return nil, err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	t.Messages = append(t.Messages, msg)
	if err := s.Save(t); err != nil {
		return nil, err
	}
	return t, nil
}

// List returns the IDs of every thread on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list threads: %w", err)
	}

	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		ids = append(ids, name[:len(name)-len(".json")])
	}
	return ids, nil
}
