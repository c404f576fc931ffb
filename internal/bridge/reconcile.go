package bridge

import (
	"context"
	"log"
	"os"
	"strings"
	"time"

	"threadbridge/internal/platform"
	"threadbridge/internal/task"
)

// externalRefPrefix marks thread links stored in Task.ExternalRef.
const externalRefPrefix = "platform:"

// SyncResult reports what one reconciliation run did. Counters are produced
// fresh per run and never mutated after Run returns.
type SyncResult struct {
	ThreadsCreated         int `json:"threads_created"`
	EmojisUpdated          int `json:"emojis_updated"`
	StarterMessagesUpdated int `json:"starter_messages_updated"`
	ThreadsArchived        int `json:"threads_archived"`
	StatusesUpdated        int `json:"statuses_updated"`
	Warnings               int `json:"warnings"`
	ClosesDeferred         int `json:"closes_deferred"`
}

// Tuning holds the engine's cost controls.
type Tuning struct {
	// Throttle is the minimum spacing between remote API calls.
	Throttle time.Duration

	// ArchivedScanLimit caps how many archived threads a lookup scans.
	// A matching thread beyond the limit is treated as not found.
	ArchivedScanLimit int

	// MentionUserID is the single user allowed to be mentioned by
	// starter messages. Empty suppresses all mentions.
	MentionUserID string
}

// DefaultTuning returns sensible defaults.
func DefaultTuning() Tuning {
	return Tuning{
		Throttle:          250 * time.Millisecond,
		ArchivedScanLimit: 50,
	}
}

// Engine computes and applies the diff between a task snapshot and the
// remote forum's threads.
//
// Run never returns an error: every per-task remote failure degrades to a
// Warnings increment so one bad task cannot abort the whole run. The
// coordinator serializes runs, so the engine is not safe for concurrent
// Run calls.
type Engine struct {
	client platform.Client
	cache  *Cache
	store  *task.Store
	tuning Tuning
	logger *log.Logger

	lastCall time.Time
}

// NewEngine creates an engine. The store is used only for the silent
// external-ref write-back after thread creation and may be nil. If logger
// is nil, a default logger writing to stderr is used.
func NewEngine(client platform.Client, cache *Cache, store *task.Store, tuning Tuning, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}
	return &Engine{
		client: client,
		cache:  cache,
		store:  store,
		tuning: tuning,
		logger: logger,
	}
}

// Run reconciles one task snapshot against the forum's threads.
//
// For each eligible task it resolves or creates the thread, repairs the
// tag set (status tag exclusive, label tags additive), repairs the thread
// name, refreshes the starter message, and archives the thread when the
// task is closed. Remote calls are throttled and independently recovered:
// a tag-update failure does not block the rename attempt, and a rename
// failure does not block the archive attempt.
func (e *Engine) Run(ctx context.Context, tasks []*task.Task, tags map[string]string, forum *platform.Forum) *SyncResult {
	res := &SyncResult{}
	statusIDs := StatusTagIDs(tags)

	for _, t := range tasks {
		e.reconcileTask(ctx, t, tags, statusIDs, forum, res)
	}
	return res
}

func (e *Engine) reconcileTask(ctx context.Context, t *task.Task, tags map[string]string, statusIDs map[string]bool, forum *platform.Forum, res *SyncResult) {
	// Seed the lookup cache from the task's stored thread link.
	if e.cache != nil {
		if _, ok := e.cache.Thread(t.ID); !ok {
			if threadID := parseExternalRef(t.ExternalRef); threadID != "" {
				e.cache.PutThread(t.ID, threadID)
			}
		}
	}

	e.throttle(ctx)
	thread, err := FindExistingThread(ctx, e.client, e.cache, forum, t.ID, e.tuning.ArchivedScanLimit)
	if err != nil {
		e.logger.Printf("Warning: task %s: thread lookup failed: %v", t.ID, err)
		res.Warnings++
		return
	}

	created := false
	if thread == nil {
		// A closed task with no surviving thread has nothing to repair.
		if t.Status == task.StatusClosed {
			return
		}
		e.throttle(ctx)
		thread, err = CreateThread(ctx, e.client, forum, t, tags, e.tuning.MentionUserID)
		if err != nil {
			e.logger.Printf("Warning: task %s: %v", t.ID, err)
			res.Warnings++
			return
		}
		created = true
		res.ThreadsCreated++
		if e.cache != nil {
			e.cache.PutThread(t.ID, thread.ID)
		}
		if e.store != nil {
			if err := e.store.SetExternalRef(t.ID, externalRefPrefix+thread.ID); err != nil {
				e.logger.Printf("Warning: task %s: record thread link: %v", t.ID, err)
			}
		}
	}

	if !created {
		e.repairTags(ctx, t, tags, statusIDs, thread, res)
		e.repairName(ctx, t, thread, res)
		e.repairStarter(ctx, t, thread, res)
	}

	if t.Status == task.StatusClosed && !thread.Archived {
		e.throttle(ctx)
		archived := true
		if err := e.client.EditThread(ctx, thread.ID, platform.EditThreadParams{Archived: &archived}); err != nil {
			// A lost close signal is worse than a lost rename: record it
			// so the coordinator schedules a deferred-close retry.
			e.logger.Printf("Warning: task %s: archive thread %s failed: %v", t.ID, thread.ID, err)
			res.Warnings++
			res.ClosesDeferred++
			return
		}
		res.ThreadsArchived++
	}
}

func (e *Engine) repairTags(ctx context.Context, t *task.Task, tags map[string]string, statusIDs map[string]bool, thread *platform.Thread, res *SyncResult) {
	desired := DesiredTags(thread.AppliedTags, tags[string(t.Status)], statusIDs)
	if sameStringSet(desired, thread.AppliedTags) {
		return
	}
	e.throttle(ctx)
	if err := e.client.EditThread(ctx, thread.ID, platform.EditThreadParams{AppliedTags: &desired}); err != nil {
		e.logger.Printf("Warning: task %s: update tags on thread %s failed: %v", t.ID, thread.ID, err)
		res.Warnings++
		return
	}
	thread.AppliedTags = desired
	res.StatusesUpdated++
}

func (e *Engine) repairName(ctx context.Context, t *task.Task, thread *platform.Thread, res *SyncResult) {
	desired := ThreadName(t)
	if desired == thread.Name {
		return
	}
	e.throttle(ctx)
	if err := e.client.EditThread(ctx, thread.ID, platform.EditThreadParams{Name: &desired}); err != nil {
		e.logger.Printf("Warning: task %s: rename thread %s failed: %v", t.ID, thread.ID, err)
		res.Warnings++
		return
	}
	thread.Name = desired
	res.EmojisUpdated++
}

func (e *Engine) repairStarter(ctx context.Context, t *task.Task, thread *platform.Thread, res *SyncResult) {
	e.throttle(ctx)
	current, err := e.client.StarterMessage(ctx, thread.ID)
	if err != nil {
		e.logger.Printf("Warning: task %s: fetch starter for thread %s failed: %v", t.ID, thread.ID, err)
		res.Warnings++
		return
	}
	desired := StarterContent(t)
	if current == desired {
		return
	}
	e.throttle(ctx)
	if err := e.client.EditStarterMessage(ctx, thread.ID, desired); err != nil {
		e.logger.Printf("Warning: task %s: edit starter for thread %s failed: %v", t.ID, thread.ID, err)
		res.Warnings++
		return
	}
	res.StarterMessagesUpdated++
}

// throttle enforces the minimum spacing between remote calls, bailing out
// early if the context is done.
func (e *Engine) throttle(ctx context.Context) {
	if e.tuning.Throttle <= 0 {
		return
	}
	wait := e.tuning.Throttle - time.Since(e.lastCall)
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
		}
	}
	e.lastCall = time.Now()
}

// parseExternalRef extracts the thread id from a "platform:threadID" link.
func parseExternalRef(ref string) string {
	if strings.HasPrefix(ref, externalRefPrefix) {
		return strings.TrimPrefix(ref, externalRefPrefix)
	}
	return ""
}

// sameStringSet compares two tag lists as sets.
func sameStringSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]bool, len(a))
	for _, s := range a {
		set[s] = true
	}
	for _, s := range b {
		if !set[s] {
			return false
		}
	}
	return true
}
