package bridge

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"threadbridge/internal/platform"
	"threadbridge/internal/tagmap"
	"threadbridge/internal/task"
)

// rejectionNotice is posted into a manually created thread before it is
// archived.
const rejectionNotice = "This forum is managed automatically. Threads are " +
	"created from tracked tasks only; this one does not match any known " +
	"task and has been archived."

// Guard enforces the managed forum's invariant: every live thread belongs
// to the bot. It reacts to thread-creation and unarchive events; a thread
// inside the managed forum that is not bot-owned is either reconciled
// against a known task or rejected and archived.
//
// Guard handlers never propagate errors out of the event callback. Every
// remote-call failure is caught and logged per thread, so one
// malfunctioning thread cannot disable the guard for others.
type Guard struct {
	client    platform.Client
	forumID   string
	botUserID string
	store     *task.Store
	tagMap    *tagmap.TagMap
	logger    *log.Logger

	// OnAction, when set, observes guard decisions ("reconciled" or
	// "rejected") for the status feed.
	OnAction func(threadID, action string)
}

// NewGuard creates a guard for the forum. Store and tagMap may be nil; a
// guard without store context can only reject, never reconcile. If logger
// is nil, a default logger writing to stderr is used.
func NewGuard(client platform.Client, forumID, botUserID string, store *task.Store, tagMap *tagmap.TagMap, logger *log.Logger) *Guard {
	if logger == nil {
		logger = log.New(os.Stderr, "[guard] ", log.LstdFlags)
	}
	return &Guard{
		client:    client,
		forumID:   forumID,
		botUserID: botUserID,
		store:     store,
		tagMap:    tagMap,
		logger:    logger,
	}
}

// Run consumes thread lifecycle events until the channel closes or the
// context is done.
func (g *Guard) Run(ctx context.Context, events <-chan platform.ThreadEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case platform.EventThreadCreate:
				g.HandleThreadCreate(ctx, ev.Thread)
			case platform.EventThreadUpdate:
				g.HandleThreadUpdate(ctx, ev.Previous, ev.Thread)
			}
		}
	}
}

// HandleThreadCreate inspects a newly created thread.
func (g *Guard) HandleThreadCreate(ctx context.Context, thread *platform.Thread) {
	if thread == nil {
		return
	}
	g.inspect(ctx, thread)
}

// HandleThreadUpdate inspects a thread update that represents an unarchive
// transition (was archived, now not). Reviving a closed or rejected thread
// by hand gets the identical bot-owned/match/reject treatment.
func (g *Guard) HandleThreadUpdate(ctx context.Context, previous, thread *platform.Thread) {
	if previous == nil || thread == nil {
		return
	}
	if !previous.Archived || thread.Archived {
		return
	}
	g.inspect(ctx, thread)
}

func (g *Guard) inspect(ctx context.Context, thread *platform.Thread) {
	if thread.ParentID != g.forumID {
		return
	}
	if thread.OwnerID == g.botUserID {
		return
	}

	if g.store != nil && g.tagMap != nil {
		if matched := g.matchTask(thread.Name); matched != nil {
			g.reconcile(ctx, thread, matched)
			return
		}
	}
	g.reject(ctx, thread)
}

// matchTask finds the known task whose id token appears in the thread name.
func (g *Guard) matchTask(threadName string) *task.Task {
	for _, t := range g.store.Snapshot() {
		if strings.Contains(threadName, ShortToken(t.ID)) {
			return t
		}
	}
	return nil
}

// reconcile repairs a manually created thread that duplicates a tracked
// task: fix tags and name, then archive it as redundant.
func (g *Guard) reconcile(ctx context.Context, thread *platform.Thread, t *task.Task) {
	g.logger.Printf("Manual thread %s matches task %s, reconciling", thread.ID, t.ID)

	tags := g.tagMap.Snapshot()
	desired := DesiredTags(thread.AppliedTags, tags[string(t.Status)], StatusTagIDs(tags))
	if !sameStringSet(desired, thread.AppliedTags) {
		if err := g.client.EditThread(ctx, thread.ID, platform.EditThreadParams{AppliedTags: &desired}); err != nil {
			g.logger.Printf("Thread %s: tag repair failed: %v", thread.ID, err)
		}
	}

	if name := ThreadName(t); name != thread.Name {
		if err := g.client.EditThread(ctx, thread.ID, platform.EditThreadParams{Name: &name}); err != nil {
			g.logger.Printf("Thread %s: rename failed: %v", thread.ID, err)
		}
	}

	g.archive(ctx, thread.ID)
	g.notifyAction(thread.ID, "reconciled")
}

// reject posts the rejection notice and archives the thread.
func (g *Guard) reject(ctx context.Context, thread *platform.Thread) {
	g.logger.Printf("Rejecting manual thread %s (%q)", thread.ID, thread.Name)

	if err := g.client.SendMessage(ctx, thread.ID, rejectionNotice); err != nil {
		g.logger.Printf("Thread %s: rejection notice failed: %v", thread.ID, err)
	}
	g.archive(ctx, thread.ID)
	g.notifyAction(thread.ID, "rejected")
}

func (g *Guard) archive(ctx context.Context, threadID string) {
	archived := true
	if err := g.client.EditThread(ctx, threadID, platform.EditThreadParams{Archived: &archived}); err != nil {
		g.logger.Printf("Thread %s: archive failed: %v", threadID, err)
	}
}

func (g *Guard) notifyAction(threadID, action string) {
	if g.OnAction != nil {
		g.OnAction(threadID, action)
	}
}

// String describes the guard's scope for logs.
func (g *Guard) String() string {
	return fmt.Sprintf("guard(forum=%s bot=%s)", g.forumID, g.botUserID)
}
