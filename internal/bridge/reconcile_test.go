package bridge

import (
	"context"
	"errors"
	"log"
	"os"
	"testing"

	"threadbridge/internal/platform"
	"threadbridge/internal/task"
)

var testTags = map[string]string{
	"bug":         "id-bug",
	"feature":     "id-feature",
	"open":        "id-open",
	"in_progress": "id-in-progress",
	"blocked":     "id-blocked",
	"closed":      "id-closed",
}

func newTestEngine(t *testing.T, client *platform.Memory, store *task.Store) *Engine {
	t.Helper()
	logger := log.New(os.Stderr, "[test] ", 0)
	return NewEngine(client, NewCache(), store, Tuning{ArchivedScanLimit: 50}, logger)
}

func newTestForum(client *platform.Memory) *platform.Forum {
	f := &platform.Forum{ID: "forum-1", GuildID: "g", Name: "tasks"}
	client.AddForum(f)
	return f
}

func TestRunCreatesThreadWithStatusAndLabelTags(t *testing.T) {
	client := platform.NewMemory()
	forum := newTestForum(client)
	engine := newTestEngine(t, client, nil)

	tk := &task.Task{ID: "aaaabbbbcccc", Title: "Fix crash", Status: task.StatusOpen, Labels: []string{"bug"}}
	res := engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)

	if res.ThreadsCreated != 1 {
		t.Fatalf("ThreadsCreated = %d, want 1", res.ThreadsCreated)
	}
	threads, _ := client.ActiveThreads(context.Background(), forum.ID)
	if len(threads) != 1 {
		t.Fatalf("Expected 1 thread, got %d", len(threads))
	}
	if !sameStringSet(threads[0].AppliedTags, []string{"id-bug", "id-open"}) {
		t.Errorf("Applied tags = %v, want {id-bug, id-open}", threads[0].AppliedTags)
	}
	if client.Starter(threads[0].ID) == "" {
		t.Error("Starter message should be set on create")
	}
}

func TestRunRecordsThreadLink(t *testing.T) {
	client := platform.NewMemory()
	forum := newTestForum(client)
	store := task.NewStore(log.New(os.Stderr, "[test] ", 0))
	engine := newTestEngine(t, client, store)

	created, err := store.Create(task.CreateParams{Title: "t", Priority: 2})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	engine.Run(context.Background(), store.Snapshot(), testTags, forum)

	got, _ := store.Get(created.ID)
	if got.ExternalRef == "" {
		t.Fatal("ExternalRef should be recorded after thread creation")
	}
	if parseExternalRef(got.ExternalRef) == "" {
		t.Errorf("ExternalRef has wrong shape: %q", got.ExternalRef)
	}
}

func TestRunSecondPassIsIdempotent(t *testing.T) {
	client := platform.NewMemory()
	forum := newTestForum(client)
	engine := newTestEngine(t, client, nil)

	tk := &task.Task{ID: "aaaabbbbcccc", Title: "Fix crash", Status: task.StatusOpen, Labels: []string{"bug"}}
	tasks := []*task.Task{tk}
	engine.Run(context.Background(), tasks, testTags, forum)

	res := engine.Run(context.Background(), tasks, testTags, forum)
	if *res != (SyncResult{}) {
		t.Errorf("Second run on unchanged state should do nothing, got %+v", res)
	}
}

func TestRunCloseSwapsStatusTagAndArchives(t *testing.T) {
	client := platform.NewMemory()
	forum := newTestForum(client)
	engine := newTestEngine(t, client, nil)

	tk := &task.Task{ID: "aaaabbbbcccc", Title: "Fix crash", Status: task.StatusOpen, Labels: []string{"bug"}}
	engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)

	tk.Status = task.StatusClosed
	res := engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)

	if res.ThreadsArchived != 1 {
		t.Errorf("ThreadsArchived = %d, want 1", res.ThreadsArchived)
	}
	if res.StatusesUpdated != 1 {
		t.Errorf("StatusesUpdated = %d, want 1", res.StatusesUpdated)
	}

	archived, _ := client.ArchivedThreads(context.Background(), forum.ID, 0)
	if len(archived) != 1 {
		t.Fatalf("Expected 1 archived thread, got %d", len(archived))
	}
	if !sameStringSet(archived[0].AppliedTags, []string{"id-bug", "id-closed"}) {
		t.Errorf("Applied tags after close = %v, want {id-bug, id-closed}", archived[0].AppliedTags)
	}
}

func TestRunSkipsClosedTaskWithNoThread(t *testing.T) {
	client := platform.NewMemory()
	forum := newTestForum(client)
	engine := newTestEngine(t, client, nil)

	tk := &task.Task{ID: "aaaabbbbcccc", Title: "old", Status: task.StatusClosed}
	res := engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)

	if res.ThreadsCreated != 0 {
		t.Errorf("Closed task without a thread must not create one, got %d", res.ThreadsCreated)
	}
	if *res != (SyncResult{}) {
		t.Errorf("Expected empty result, got %+v", res)
	}
}

func TestRunRepairsNameAndStarter(t *testing.T) {
	client := platform.NewMemory()
	forum := newTestForum(client)
	engine := newTestEngine(t, client, nil)

	tk := &task.Task{ID: "aaaabbbbcccc", Title: "Fix crash", Status: task.StatusOpen}
	engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)

	tk.Title = "Fix crash on login"
	tk.Status = task.StatusInProgress
	res := engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)

	if res.EmojisUpdated != 1 {
		t.Errorf("EmojisUpdated = %d, want 1", res.EmojisUpdated)
	}
	if res.StarterMessagesUpdated != 1 {
		t.Errorf("StarterMessagesUpdated = %d, want 1", res.StarterMessagesUpdated)
	}

	threads, _ := client.ActiveThreads(context.Background(), forum.ID)
	if threads[0].Name != ThreadName(tk) {
		t.Errorf("Thread name not repaired: %q", threads[0].Name)
	}
	if client.Starter(threads[0].ID) != StarterContent(tk) {
		t.Errorf("Starter not repaired: %q", client.Starter(threads[0].ID))
	}
}

func TestRunAbsorbsPerTaskFailures(t *testing.T) {
	client := platform.NewMemory()
	forum := newTestForum(client)
	engine := newTestEngine(t, client, nil)

	broken := &task.Task{ID: "aaaabbbbcccc", Title: "broken", Status: task.StatusOpen}
	fine := &task.Task{ID: "ddddeeeeffff", Title: "fine", Status: task.StatusOpen}

	// Seed fine's thread so the failing run has work besides the create.
	engine.Run(context.Background(), []*task.Task{fine}, testTags, forum)

	// broken's create fails; fine must still be reconciled cleanly.
	client.CreateThreadErr = errors.New("api down")
	res := engine.Run(context.Background(), []*task.Task{broken, fine}, testTags, forum)
	if res.Warnings != 1 {
		t.Errorf("Warnings = %d, want 1", res.Warnings)
	}
	if res.ThreadsCreated != 0 {
		t.Errorf("ThreadsCreated = %d, want 0", res.ThreadsCreated)
	}
}

func TestRunTagFailureDoesNotBlockRename(t *testing.T) {
	client := platform.NewMemory()
	forum := newTestForum(client)
	engine := newTestEngine(t, client, nil)

	tk := &task.Task{ID: "aaaabbbbcccc", Title: "t", Status: task.StatusOpen}
	engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)

	tk.Title = "renamed"
	tk.Status = task.StatusBlocked
	client.EditThreadErr = func(threadID string, params platform.EditThreadParams) error {
		if params.AppliedTags != nil {
			return errors.New("tag edit rejected")
		}
		return nil
	}

	res := engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)
	if res.Warnings != 1 {
		t.Errorf("Warnings = %d, want 1", res.Warnings)
	}
	if res.EmojisUpdated != 1 {
		t.Errorf("Rename should still happen after a tag failure, EmojisUpdated = %d", res.EmojisUpdated)
	}
}

func TestRunArchiveFailureDefersClose(t *testing.T) {
	client := platform.NewMemory()
	forum := newTestForum(client)
	engine := newTestEngine(t, client, nil)

	tk := &task.Task{ID: "aaaabbbbcccc", Title: "t", Status: task.StatusOpen}
	engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)

	tk.Status = task.StatusClosed
	client.EditThreadErr = func(threadID string, params platform.EditThreadParams) error {
		if params.Archived != nil {
			return errors.New("archive rejected")
		}
		return nil
	}

	res := engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)
	if res.ClosesDeferred != 1 {
		t.Errorf("ClosesDeferred = %d, want 1", res.ClosesDeferred)
	}
	if res.ThreadsArchived != 0 {
		t.Errorf("ThreadsArchived = %d, want 0", res.ThreadsArchived)
	}
	if res.Warnings == 0 {
		t.Error("Archive failure should also count as a warning")
	}

	// Once the platform recovers, the next run archives.
	client.EditThreadErr = nil
	res = engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)
	if res.ThreadsArchived != 1 {
		t.Errorf("ThreadsArchived after recovery = %d, want 1", res.ThreadsArchived)
	}
	if res.ClosesDeferred != 0 {
		t.Errorf("ClosesDeferred after recovery = %d, want 0", res.ClosesDeferred)
	}
}

func TestRunReattachesViaExternalRef(t *testing.T) {
	client := platform.NewMemory()
	forum := newTestForum(client)
	engine := newTestEngine(t, client, nil)

	tk := &task.Task{ID: "aaaabbbbcccc", Title: "t", Status: task.StatusOpen}
	thread, err := client.CreateThread(context.Background(), forum.ID, platform.CreateThreadParams{
		Name:        ThreadName(tk),
		Content:     StarterContent(tk),
		AppliedTags: []string{"id-open"},
	})
	if err != nil {
		t.Fatalf("CreateThread failed: %v", err)
	}
	tk.ExternalRef = externalRefPrefix + thread.ID

	res := engine.Run(context.Background(), []*task.Task{tk}, testTags, forum)
	if res.ThreadsCreated != 0 {
		t.Errorf("Existing thread must be adopted, not recreated: ThreadsCreated = %d", res.ThreadsCreated)
	}
}

func TestRunUnmappedStatusLeavesLabelTagsOnly(t *testing.T) {
	client := platform.NewMemory()
	forum := newTestForum(client)
	engine := newTestEngine(t, client, nil)

	// Tag map without status keys: no status tag can be applied.
	labelOnly := map[string]string{"bug": "id-bug"}
	tk := &task.Task{ID: "aaaabbbbcccc", Title: "t", Status: task.StatusOpen, Labels: []string{"bug"}}

	engine.Run(context.Background(), []*task.Task{tk}, labelOnly, forum)
	threads, _ := client.ActiveThreads(context.Background(), forum.ID)
	if len(threads) != 1 {
		t.Fatalf("Expected 1 thread, got %d", len(threads))
	}
	if !sameStringSet(threads[0].AppliedTags, []string{"id-bug"}) {
		t.Errorf("Applied tags = %v, want {id-bug}", threads[0].AppliedTags)
	}
}
