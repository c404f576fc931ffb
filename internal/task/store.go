package task

import (
	"errors"
	"fmt"
	"log"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a task id is unknown to the store.
var ErrNotFound = errors.New("task: not found")

// Event names the store's mutation notifications.
type Event string

const (
	// EventCreated fires after Create.
	EventCreated Event = "created"
	// EventUpdated fires after Update changes a task. Handlers receive
	// the new record and the previous one.
	EventUpdated Event = "updated"
	// EventClosed fires after Close.
	EventClosed Event = "closed"
	// EventLabeled fires after AddLabel/RemoveLabel actually changes the
	// label set. Idempotent label calls emit nothing.
	EventLabeled Event = "labeled"
)

// Handler receives a mutation notification. Previous is non-nil only for
// EventUpdated.
type Handler func(t *Task, previous *Task)

// CreateParams describes a task to create.
type CreateParams struct {
	Title       string
	Description string
	Status      Status
	Priority    int
	Labels      []string
}

// Update is a partial task mutation. Nil fields are left unchanged.
type Update struct {
	Title       *string
	Description *string
	Status      *Status
	Priority    *int
}

// Store holds the canonical task set.
//
// All mutations are serialized by an internal mutex. Event handlers run
// synchronously after the mutation commits; a panicking handler is
// recovered and logged so it cannot prevent other handlers from being
// invoked or corrupt store state.
type Store struct {
	mu     sync.Mutex
	tasks  map[string]*Task
	logger *log.Logger

	subsMu sync.Mutex
	subs   map[Event]map[int]Handler
	nextID int
}

// NewStore creates an empty store. If logger is nil, a default logger
// writing to stderr is used.
func NewStore(logger *log.Logger) *Store {
	if logger == nil {
		logger = log.New(os.Stderr, "[store] ", log.LstdFlags)
	}
	return &Store{
		tasks:  make(map[string]*Task),
		subs:   make(map[Event]map[int]Handler),
		logger: logger,
	}
}

// Subscribe registers a handler for the named event and returns an id for
// Unsubscribe.
func (s *Store) Subscribe(event Event, h Handler) int {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	s.nextID++
	if s.subs[event] == nil {
		s.subs[event] = make(map[int]Handler)
	}
	s.subs[event][s.nextID] = h
	return s.nextID
}

// Unsubscribe removes a handler previously registered with Subscribe.
func (s *Store) Unsubscribe(event Event, id int) {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()
	delete(s.subs[event], id)
}

// Create adds a task and emits EventCreated.
func (s *Store) Create(params CreateParams) (*Task, error) {
	t := &Task{
		ID:          uuid.NewString(),
		Title:       params.Title,
		Description: params.Description,
		Status:      params.Status,
		Priority:    params.Priority,
		Labels:      append([]string(nil), params.Labels...),
	}
	if t.Status == "" {
		t.Status = StatusOpen
	}
	sortLabels(t.Labels)
	if err := t.Validate(); err != nil {
		return nil, fmt.Errorf("invalid task: %w", err)
	}

	s.mu.Lock()
	s.tasks[t.ID] = t
	s.mu.Unlock()

	result := t.Clone()
	s.emit(EventCreated, result, nil)
	return result, nil
}

// Update applies a partial mutation and emits EventUpdated. Returns
// ErrNotFound if the id is unknown. Status transitions are unconstrained;
// last writer wins on concurrent updates.
func (s *Store) Update(id string, u Update) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("update %s: %w", id, ErrNotFound)
	}
	previous := t.Clone()
	if u.Title != nil {
		t.Title = *u.Title
	}
	if u.Description != nil {
		t.Description = *u.Description
	}
	if u.Status != nil {
		t.Status = *u.Status
	}
	if u.Priority != nil {
		t.Priority = *u.Priority
	}
	if err := t.Validate(); err != nil {
		*t = *previous
		t.Labels = append([]string(nil), previous.Labels...)
		s.mu.Unlock()
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	result := t.Clone()
	s.mu.Unlock()

	s.emit(EventUpdated, result, previous)
	return result, nil
}

// Close transitions a task to closed and emits EventClosed. The optional
// reason is appended to the description for the thread's record.
func (s *Store) Close(id, reason string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("close %s: %w", id, ErrNotFound)
	}
	t.Status = StatusClosed
	if reason != "" {
		if t.Description != "" {
			t.Description += "\n\n"
		}
		t.Description += "Closed: " + reason
	}
	result := t.Clone()
	s.mu.Unlock()

	s.emit(EventClosed, result, nil)
	return result, nil
}

// AddLabel adds a label and emits EventLabeled. Adding an already-present
// label is a no-op that emits nothing.
func (s *Store) AddLabel(id, label string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("add label %s: %w", id, ErrNotFound)
	}
	if t.HasLabel(label) {
		result := t.Clone()
		s.mu.Unlock()
		return result, nil
	}
	t.Labels = append(t.Labels, label)
	sortLabels(t.Labels)
	result := t.Clone()
	s.mu.Unlock()

	s.emit(EventLabeled, result, nil)
	return result, nil
}

// RemoveLabel removes a label and emits EventLabeled. Removing an absent
// label is a no-op that emits nothing.
func (s *Store) RemoveLabel(id, label string) (*Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("remove label %s: %w", id, ErrNotFound)
	}
	if !t.HasLabel(label) {
		result := t.Clone()
		s.mu.Unlock()
		return result, nil
	}
	labels := t.Labels[:0]
	for _, l := range t.Labels {
		if l != label {
			labels = append(labels, l)
		}
	}
	t.Labels = labels
	result := t.Clone()
	s.mu.Unlock()

	s.emit(EventLabeled, result, nil)
	return result, nil
}

// SetExternalRef records the remote thread link for a task without emitting
// events. An emitting write-back would re-trigger the sync watcher and loop.
func (s *Store) SetExternalRef(id, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return fmt.Errorf("set external ref %s: %w", id, ErrNotFound)
	}
	t.ExternalRef = ref
	return nil
}

// Get returns a copy of the task with the given id.
func (s *Store) Get(id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	return t.Clone(), nil
}

// Snapshot returns a copy of every task, ordered by id. Reconciliation runs
// take one snapshot up front so a run sees a consistent task set.
func (s *Store) Snapshot() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tasks in the store.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// emit invokes every handler registered for the event. Handlers run outside
// the store lock; a panic in one handler is recovered and logged so the
// remaining handlers still run.
func (s *Store) emit(event Event, t *Task, previous *Task) {
	s.subsMu.Lock()
	ids := make([]int, 0, len(s.subs[event]))
	for id := range s.subs[event] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	handlers := make([]Handler, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subs[event][id])
	}
	s.subsMu.Unlock()

	for _, h := range handlers {
		s.invoke(event, h, t, previous)
	}
}

func (s *Store) invoke(event Event, h Handler, t *Task, previous *Task) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Printf("Subscriber panic on %s event for task %s: %v", event, t.ID, r)
		}
	}()
	h(t.Clone(), previous)
}
