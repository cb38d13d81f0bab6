// Package taskstore keeps summaries of recent tasks in memory.
package taskstore

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"maestro/internal/driver"
	"maestro/internal/task"
)

const defaultMaxTasks = 1000

// StepSummary describes one agent step of a task.
type StepSummary struct {
	Role        string `json:"role"`
	DisplayName string `json:"display_name"`
	Reasoning   string `json:"reasoning,omitempty"`
	// Status is empty while the step is running or if it failed.
	Status      string `json:"status,omitempty"`
	OutputBytes int    `json:"output_bytes"`
}

// Summary is the folded progress of one task.
type Summary struct {
	ID         task.ID       `json:"id"`
	Request    string        `json:"request"`
	Done       bool          `json:"done"`
	Success    bool          `json:"success"`
	Steps      []StepSummary `json:"steps"`
	Decisions  []string      `json:"decisions"`
	Errors     []string      `json:"errors"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
}

func (s *Summary) clone() Summary {
	out := *s
	out.Steps = append([]StepSummary(nil), s.Steps...)
	out.Decisions = append([]string(nil), s.Decisions...)
	out.Errors = append([]string(nil), s.Errors...)
	return out
}

// Store is a bounded, concurrency-safe map of task summaries. The least
// recently updated task is evicted first.
type Store struct {
	mu    sync.Mutex
	cache *lru.Cache[task.ID, *Summary]
}

// New returns a store holding at most maxTasks summaries. A non-positive
// size selects the default.
func New(maxTasks int) *Store {
	if maxTasks <= 0 {
		maxTasks = defaultMaxTasks
	}
	cache, err := lru.New[task.ID, *Summary](maxTasks)
	if err != nil {
		// Only returned for a non-positive size.
		panic(err)
	}
	return &Store{cache: cache}
}

// Record folds p into the summary of its task.
func (s *Store) Record(p driver.Progress) {
	if p.TaskID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	summary, ok := s.cache.Get(p.TaskID)
	if !ok {
		summary = &Summary{ID: p.TaskID, StartedAt: p.Time}
		s.cache.Add(p.TaskID, summary)
	}

	switch p.Kind {
	case driver.ProgressTaskStarted:
		summary.Request = p.Request
		summary.StartedAt = p.Time
	case driver.ProgressAgentSelected:
		summary.Steps = append(summary.Steps, StepSummary{
			Role:        p.Role,
			DisplayName: p.DisplayName,
			Reasoning:   p.Reasoning,
		})
	case driver.ProgressAgentText:
		if n := len(summary.Steps); n > 0 {
			summary.Steps[n-1].OutputBytes += len(p.Text)
		}
	case driver.ProgressAgentCompleted:
		if n := len(summary.Steps); n > 0 && summary.Steps[n-1].Role == p.Role && summary.Steps[n-1].Status == "" {
			summary.Steps[n-1].Status = p.Status
		} else {
			summary.Steps = append(summary.Steps, StepSummary{Role: p.Role, DisplayName: p.DisplayName, Status: p.Status})
		}
	case driver.ProgressEvaluation:
		summary.Decisions = append(summary.Decisions, p.Decision)
	case driver.ProgressError:
		summary.Errors = append(summary.Errors, p.Message)
	case driver.ProgressTaskCompleted:
		summary.Done = true
		summary.Success = p.Success
		summary.FinishedAt = p.Time
	}
}

// Get returns a copy of the summary for id.
func (s *Store) Get(id task.ID) (Summary, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	summary, ok := s.cache.Peek(id)
	if !ok {
		return Summary{}, false
	}
	return summary.clone(), true
}

// List returns copies of every summary, newest first.
func (s *Store) List() []Summary {
	s.mu.Lock()
	out := make([]Summary, 0, s.cache.Len())
	for _, id := range s.cache.Keys() {
		if summary, ok := s.cache.Peek(id); ok {
			out = append(out, summary.clone())
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	return out
}

// Len returns the number of stored summaries.
func (s *Store) Len() int {
	return s.cache.Len()
}
