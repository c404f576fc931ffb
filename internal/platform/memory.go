package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-memory Client implementation.
//
// It backs the simulator CLI and the test suite. Exported Err fields inject
// failures per operation; Hook fields run inside the corresponding call
// while no lock is held, which lets tests gate call ordering.
type Memory struct {
	mu       sync.RWMutex
	forums   map[string]*Forum
	threads  map[string]*Thread
	starters map[string]string
	messages map[string][]string
	nextID   int64

	// Error injection. A non-nil field fails the matching operation.
	ForumErr          error
	ForumsErr         error
	CreateThreadErr   error
	EditThreadErr     func(threadID string, params EditThreadParams) error
	ActiveThreadsErr  error
	ArchivedErr       error
	StarterErr        error
	EditStarterErr    error
	SendMessageErr    error

	// ActiveHook, when set, runs at the start of ActiveThreads.
	ActiveHook func()

	// ForumHook, when set, runs at the start of Forum.
	ForumHook func()

	events chan ThreadEvent
}

// NewMemory creates an empty in-memory platform.
func NewMemory() *Memory {
	return &Memory{
		forums:   make(map[string]*Forum),
		threads:  make(map[string]*Thread),
		starters: make(map[string]string),
		messages: make(map[string][]string),
		nextID:   1000000000000000000, // snowflake-sized, sortable
		events:   make(chan ThreadEvent, 64),
	}
}

// Events returns the thread lifecycle event channel. Create, unarchive, and
// other edits emit events the way a platform gateway would.
func (m *Memory) Events() <-chan ThreadEvent {
	return m.events
}

// AddForum registers a forum.
func (m *Memory) AddForum(f *Forum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.forums[f.ID] = f
}

// AddThread registers a thread directly, bypassing CreateThread. Used to
// seed out-of-band threads (e.g. human-created ones for guard tests).
func (m *Memory) AddThread(t *Thread) {
	m.mu.Lock()
	m.threads[t.ID] = t
	m.mu.Unlock()
	m.emit(ThreadEvent{Kind: EventThreadCreate, Thread: copyThread(t)})
}

// Thread returns a copy of the thread with the given id, or nil.
func (m *Memory) Thread(id string) *Thread {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyThread(m.threads[id])
}

// Messages returns the messages posted into a thread.
func (m *Memory) Messages(threadID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.messages[threadID]...)
}

// Starter returns the starter message content of a thread.
func (m *Memory) Starter(threadID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.starters[threadID]
}

// NewID hands out the next sortable thread id.
func (m *Memory) NewID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return fmt.Sprintf("%d", m.nextID)
}

// Forum implements Client.Forum.
func (m *Memory) Forum(ctx context.Context, id string) (*Forum, error) {
	if m.ForumHook != nil {
		m.ForumHook()
	}
	if m.ForumErr != nil {
		return nil, m.ForumErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.forums[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyForum(f), nil
}

// Forums implements Client.Forums.
func (m *Memory) Forums(ctx context.Context, guildID string) ([]*Forum, error) {
	if m.ForumsErr != nil {
		return nil, m.ForumsErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Forum
	for _, f := range m.forums {
		if f.GuildID == guildID {
			out = append(out, copyForum(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateThread implements Client.CreateThread.
func (m *Memory) CreateThread(ctx context.Context, forumID string, params CreateThreadParams) (*Thread, error) {
	if m.CreateThreadErr != nil {
		return nil, m.CreateThreadErr
	}
	m.mu.Lock()
	if _, ok := m.forums[forumID]; !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	m.nextID++
	t := &Thread{
		ID:          fmt.Sprintf("%d", m.nextID),
		ParentID:    forumID,
		Name:        params.Name,
		OwnerID:     "bot",
		AppliedTags: append([]string(nil), params.AppliedTags...),
	}
	m.threads[t.ID] = t
	m.starters[t.ID] = params.Content
	m.mu.Unlock()

	m.emit(ThreadEvent{Kind: EventThreadCreate, Thread: copyThread(t)})
	return copyThread(t), nil
}

// EditThread implements Client.EditThread.
func (m *Memory) EditThread(ctx context.Context, threadID string, params EditThreadParams) error {
	if m.EditThreadErr != nil {
		if err := m.EditThreadErr(threadID, params); err != nil {
			return err
		}
	}
	m.mu.Lock()
	t, ok := m.threads[threadID]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	prev := copyThread(t)
	if params.Name != nil {
		t.Name = *params.Name
	}
	if params.AppliedTags != nil {
		t.AppliedTags = append([]string(nil), (*params.AppliedTags)...)
	}
	if params.Archived != nil {
		t.Archived = *params.Archived
	}
	next := copyThread(t)
	m.mu.Unlock()

	m.emit(ThreadEvent{Kind: EventThreadUpdate, Thread: next, Previous: prev})
	return nil
}

// ActiveThreads implements Client.ActiveThreads.
func (m *Memory) ActiveThreads(ctx context.Context, forumID string) ([]*Thread, error) {
	if m.ActiveHook != nil {
		m.ActiveHook()
	}
	if m.ActiveThreadsErr != nil {
		return nil, m.ActiveThreadsErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Thread
	for _, t := range m.threads {
		if t.ParentID == forumID && !t.Archived {
			out = append(out, copyThread(t))
		}
	}
	sortThreads(out)
	return out, nil
}

// ArchivedThreads implements Client.ArchivedThreads.
func (m *Memory) ArchivedThreads(ctx context.Context, forumID string, limit int) ([]*Thread, error) {
	if m.ArchivedErr != nil {
		return nil, m.ArchivedErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Thread
	for _, t := range m.threads {
		if t.ParentID == forumID && t.Archived {
			out = append(out, copyThread(t))
		}
	}
	sortThreads(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// StarterMessage implements Client.StarterMessage.
func (m *Memory) StarterMessage(ctx context.Context, threadID string) (string, error) {
	if m.StarterErr != nil {
		return "", m.StarterErr
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.threads[threadID]; !ok {
		return "", ErrNotFound
	}
	return m.starters[threadID], nil
}

// EditStarterMessage implements Client.EditStarterMessage.
func (m *Memory) EditStarterMessage(ctx context.Context, threadID, content string) error {
	if m.EditStarterErr != nil {
		return m.EditStarterErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return ErrNotFound
	}
	m.starters[threadID] = content
	return nil
}

// SendMessage implements Client.SendMessage.
func (m *Memory) SendMessage(ctx context.Context, threadID, content string) error {
	if m.SendMessageErr != nil {
		return m.SendMessageErr
	}
	if len(content) > MaxMessageLength {
		return &APIError{Status: 400, Message: "message too long"}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.threads[threadID]; !ok {
		return ErrNotFound
	}
	m.messages[threadID] = append(m.messages[threadID], content)
	return nil
}

// emit delivers an event without blocking; a full channel drops the event,
// which matches a gateway consumer falling behind.
func (m *Memory) emit(ev ThreadEvent) {
	select {
	case m.events <- ev:
	default:
	}
}

// sortThreads orders newest first, matching the platform's listing order.
func sortThreads(ts []*Thread) {
	sort.Slice(ts, func(i, j int) bool {
		return CompareIDs(ts[i].ID, ts[j].ID) > 0
	})
}

func copyForum(f *Forum) *Forum {
	if f == nil {
		return nil
	}
	cp := *f
	cp.Tags = append([]Tag(nil), f.Tags...)
	return &cp
}

func copyThread(t *Thread) *Thread {
	if t == nil {
		return nil
	}
	cp := *t
	cp.AppliedTags = append([]string(nil), t.AppliedTags...)
	return &cp
}

// CompareIDs orders platform ids chronologically. Ids are decimal snowflakes,
// so a longer id is always newer; equal lengths compare lexicographically.
func CompareIDs(a, b string) int {
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}
