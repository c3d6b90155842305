package agentloop

import (
	"fmt"
	"strings"
	"sync"
)

// TodoStatus is the progress of a TodoItem.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
)

// TodoItem is one entry of the model's task list.
type TodoItem struct {
	Content    string     `json:"content"`
	Status     TodoStatus `json:"status"`
	ActiveForm string     `json:"activeForm,omitempty"`
}

// TodoStore holds the task list for one session. The todo_write tool
// replaces it wholesale on every call.
type TodoStore struct {
	mu       sync.RWMutex
	items    []TodoItem
	revision uint64
}

// NewTodoStore returns an empty store.
func NewTodoStore() *TodoStore {
	return &TodoStore{}
}

// Replace validates items and swaps them in, returning the new revision.
func (s *TodoStore) Replace(items []TodoItem) (uint64, error) {
	normalized := make([]TodoItem, len(items))
	for i, item := range items {
		content := strings.TrimSpace(item.Content)
		if content == "" {
			return 0, userInputError("todos[%d].content cannot be empty", i)
		}
		status := normalizeTodoStatus(item.Status)
		if status == "" {
			return 0, userInputError("todos[%d].status must be one of pending, in_progress, completed", i)
		}
		normalized[i] = TodoItem{Content: content, Status: status, ActiveForm: strings.TrimSpace(item.ActiveForm)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = normalized
	s.revision++
	return s.revision, nil
}

// Items returns a copy of the current list.
func (s *TodoStore) Items() []TodoItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]TodoItem(nil), s.items...)
}

// Revision counts successful replacements.
func (s *TodoStore) Revision() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// Format renders the list with per-status counts.
func (s *TodoStore) Format() string {
	items := s.Items()
	if len(items) == 0 {
		return "todo list cleared"
	}
	counts := map[TodoStatus]int{}
	for _, item := range items {
		counts[item.Status]++
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d todos (pending:%d, in_progress:%d, completed:%d)", len(items), counts[TodoPending], counts[TodoInProgress], counts[TodoCompleted])
	for i, item := range items {
		fmt.Fprintf(&b, "\n%d. [%s] %s", i+1, item.Status, item.Content)
	}
	return b.String()
}

func normalizeTodoStatus(s TodoStatus) TodoStatus {
	switch strings.ToLower(strings.TrimSpace(string(s))) {
	case "pending":
		return TodoPending
	case "in_progress", "in-progress":
		return TodoInProgress
	case "completed", "complete", "done":
		return TodoCompleted
	default:
		return ""
	}
}
