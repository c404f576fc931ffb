// Package platform defines the remote forum surface the bridge consumes.
//
// The bridge talks to a threaded, forum-style messaging platform through the
// Client interface: resolve forums, create threads, edit thread tags/names/
// archive state, and enumerate active and archived threads. The platform has
// no transactional API: every call is an independent, rate-limited network
// operation that can fail on its own.
package platform

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Platform limits. Thread names and starter messages beyond these lengths
// are rejected by the remote API, so callers cap content before sending.
const (
	MaxThreadNameLength = 100
	MaxMessageLength    = 2000
)

// ErrNotFound indicates the requested forum, thread, or message does not
// exist on the platform.
var ErrNotFound = errors.New("platform: not found")

// APIError is a non-2xx response from the platform.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("platform: API error %d: %s", e.Status, e.Message)
}

// RateLimitError indicates the platform rejected a call for exceeding its
// rate limits. RetryAfter is the platform-suggested wait, zero if unknown.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("platform: rate limited (retry after %s)", e.RetryAfter)
	}
	return "platform: rate limited"
}

// Tag is a forum-level tag that can be applied to threads.
type Tag struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Forum is a forum-style channel that hosts threads.
type Forum struct {
	ID      string `json:"id"`
	GuildID string `json:"guild_id"`
	Name    string `json:"name"`
	Tags    []Tag  `json:"tags,omitempty"`
}

// Thread is a threaded conversation inside a forum.
type Thread struct {
	ID          string   `json:"id"`
	ParentID    string   `json:"parent_id"`
	Name        string   `json:"name"`
	OwnerID     string   `json:"owner_id"`
	Archived    bool     `json:"archived"`
	AppliedTags []string `json:"applied_tags,omitempty"`
}

// CreateThreadParams describes a thread to create.
//
// Mentions in Content are suppressed except for MentionUserID, which is the
// single allow-listed user permitted to be pinged by the starter message.
type CreateThreadParams struct {
	Name          string
	Content       string
	AppliedTags   []string
	MentionUserID string
}

// EditThreadParams describes a partial thread edit. Nil fields are left
// unchanged on the platform.
type EditThreadParams struct {
	Name        *string
	AppliedTags *[]string
	Archived    *bool
}

// EventKind identifies a thread lifecycle event.
type EventKind string

const (
	// EventThreadCreate fires when a thread appears in a forum.
	EventThreadCreate EventKind = "thread_create"
	// EventThreadUpdate fires when a thread's name, tags, or archive
	// state changes. Previous holds the pre-update snapshot.
	EventThreadUpdate EventKind = "thread_update"
)

// ThreadEvent is a thread lifecycle notification from the platform.
type ThreadEvent struct {
	Kind     EventKind
	Thread   *Thread
	Previous *Thread
}

// Client is the remote surface the bridge consumes.
//
// Implementations must be safe for concurrent use. Every method maps to an
// independent platform call; none of them is transactional with any other.
type Client interface {
	// Forum fetches a forum by id. Returns ErrNotFound if absent.
	Forum(ctx context.Context, id string) (*Forum, error)

	// Forums lists the forums in a guild.
	Forums(ctx context.Context, guildID string) ([]*Forum, error)

	// CreateThread creates a thread in the forum and returns it.
	CreateThread(ctx context.Context, forumID string, params CreateThreadParams) (*Thread, error)

	// EditThread applies a partial edit to a thread.
	EditThread(ctx context.Context, threadID string, params EditThreadParams) error

	// ActiveThreads lists the non-archived threads of a forum.
	ActiveThreads(ctx context.Context, forumID string) ([]*Thread, error)

	// ArchivedThreads lists up to limit archived threads of a forum,
	// most recently archived first.
	ArchivedThreads(ctx context.Context, forumID string, limit int) ([]*Thread, error)

	// StarterMessage returns the content of a thread's starter message.
	StarterMessage(ctx context.Context, threadID string) (string, error)

	// EditStarterMessage replaces the content of a thread's starter message.
	EditStarterMessage(ctx context.Context, threadID, content string) error

	// SendMessage posts a message into a thread.
	SendMessage(ctx context.Context, threadID, content string) error
}
