package task

import (
	"errors"
	"log"
	"os"
	"reflect"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(log.New(os.Stderr, "[test] ", 0))
}

func createTestTask(t *testing.T, s *Store, title string, labels ...string) *Task {
	t.Helper()
	created, err := s.Create(CreateParams{Title: title, Priority: 2, Labels: labels})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return created
}

func TestCreateDefaults(t *testing.T) {
	s := newTestStore(t)

	created := createTestTask(t, s, "Fix crash", "bug")

	if created.ID == "" {
		t.Error("Create should assign an id")
	}
	if created.Status != StatusOpen {
		t.Errorf("Expected default status open, got %s", created.Status)
	}
	if !created.HasLabel("bug") {
		t.Error("Expected label bug")
	}
}

func TestCreateRejectsBadPriority(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.Create(CreateParams{Title: "x", Priority: 9}); err == nil {
		t.Fatal("Expected error for priority out of range")
	}
	if s.Len() != 0 {
		t.Errorf("Invalid create must not add a task, store has %d", s.Len())
	}
}

func TestUpdateNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Update("missing", Update{})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestUpdatePartialAndPrevious(t *testing.T) {
	s := newTestStore(t)
	created := createTestTask(t, s, "Old title")

	var gotPrevious *Task
	s.Subscribe(EventUpdated, func(task *Task, previous *Task) {
		gotPrevious = previous
	})

	title := "New title"
	status := StatusInProgress
	updated, err := s.Update(created.ID, Update{Title: &title, Status: &status})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	if updated.Title != "New title" || updated.Status != StatusInProgress {
		t.Errorf("Update not applied: %+v", updated)
	}
	if updated.Priority != 2 {
		t.Errorf("Unset field changed: priority %d", updated.Priority)
	}
	if gotPrevious == nil || gotPrevious.Title != "Old title" {
		t.Errorf("Updated event should carry the previous record, got %+v", gotPrevious)
	}
}

func TestStatusTransitionsUnconstrained(t *testing.T) {
	s := newTestStore(t)
	created := createTestTask(t, s, "t")

	// Any status may move to any other status, including out of closed.
	for _, status := range []Status{StatusClosed, StatusOpen, StatusBlocked, StatusClosed, StatusInProgress} {
		st := status
		if _, err := s.Update(created.ID, Update{Status: &st}); err != nil {
			t.Fatalf("Transition to %s failed: %v", status, err)
		}
	}
}

func TestCloseAppendsReason(t *testing.T) {
	s := newTestStore(t)
	created := createTestTask(t, s, "t")

	closedEvents := 0
	s.Subscribe(EventClosed, func(task *Task, previous *Task) { closedEvents++ })

	closed, err := s.Close(created.ID, "duplicate")
	if err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if closed.Status != StatusClosed {
		t.Errorf("Expected status closed, got %s", closed.Status)
	}
	if closed.Description != "Closed: duplicate" {
		t.Errorf("Expected close reason in description, got %q", closed.Description)
	}
	if closedEvents != 1 {
		t.Errorf("Expected 1 closed event, got %d", closedEvents)
	}
}

func TestAddLabelIdempotent(t *testing.T) {
	s := newTestStore(t)
	created := createTestTask(t, s, "t")

	labeledEvents := 0
	s.Subscribe(EventLabeled, func(task *Task, previous *Task) { labeledEvents++ })

	if _, err := s.AddLabel(created.ID, "bug"); err != nil {
		t.Fatalf("AddLabel failed: %v", err)
	}
	if _, err := s.AddLabel(created.ID, "bug"); err != nil {
		t.Fatalf("Second AddLabel failed: %v", err)
	}

	if labeledEvents != 1 {
		t.Errorf("Expected exactly 1 labeled event, got %d", labeledEvents)
	}
}

func TestRemoveLabelAbsentIsNoOp(t *testing.T) {
	s := newTestStore(t)
	created := createTestTask(t, s, "t", "bug")

	labeledEvents := 0
	s.Subscribe(EventLabeled, func(task *Task, previous *Task) { labeledEvents++ })

	if _, err := s.RemoveLabel(created.ID, "nonexistent"); err != nil {
		t.Fatalf("RemoveLabel failed: %v", err)
	}
	if labeledEvents != 0 {
		t.Errorf("Removing an absent label must not emit, got %d events", labeledEvents)
	}

	got, err := s.RemoveLabel(created.ID, "bug")
	if err != nil {
		t.Fatalf("RemoveLabel failed: %v", err)
	}
	if got.HasLabel("bug") {
		t.Error("Label should be removed")
	}
	if labeledEvents != 1 {
		t.Errorf("Expected 1 labeled event after real removal, got %d", labeledEvents)
	}
}

func TestPanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	s := newTestStore(t)

	secondCalled := false
	s.Subscribe(EventCreated, func(task *Task, previous *Task) {
		panic("bad subscriber")
	})
	s.Subscribe(EventCreated, func(task *Task, previous *Task) {
		secondCalled = true
	})

	created := createTestTask(t, s, "t")

	if !secondCalled {
		t.Error("Second subscriber should run despite the first panicking")
	}
	// Store state must survive the panic.
	if _, err := s.Get(created.ID); err != nil {
		t.Errorf("Store corrupted after subscriber panic: %v", err)
	}
}

func TestUnsubscribe(t *testing.T) {
	s := newTestStore(t)

	calls := 0
	id := s.Subscribe(EventCreated, func(task *Task, previous *Task) { calls++ })
	createTestTask(t, s, "a")
	s.Unsubscribe(EventCreated, id)
	createTestTask(t, s, "b")

	if calls != 1 {
		t.Errorf("Expected 1 call after unsubscribe, got %d", calls)
	}
}

func TestSnapshotIsACopy(t *testing.T) {
	s := newTestStore(t)
	created := createTestTask(t, s, "t", "bug")

	snap := s.Snapshot()
	if len(snap) != 1 {
		t.Fatalf("Expected 1 task in snapshot, got %d", len(snap))
	}
	snap[0].Title = "mutated"
	snap[0].Labels[0] = "mutated"

	got, err := s.Get(created.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != "t" || !reflect.DeepEqual(got.Labels, []string{"bug"}) {
		t.Errorf("Snapshot mutation leaked into store: %+v", got)
	}
}

func TestSetExternalRefEmitsNothing(t *testing.T) {
	s := newTestStore(t)
	created := createTestTask(t, s, "t")

	events := 0
	for _, ev := range []Event{EventCreated, EventUpdated, EventClosed, EventLabeled} {
		s.Subscribe(ev, func(task *Task, previous *Task) { events++ })
	}

	if err := s.SetExternalRef(created.ID, "platform:123"); err != nil {
		t.Fatalf("SetExternalRef failed: %v", err)
	}
	if events != 0 {
		t.Errorf("SetExternalRef must be silent, got %d events", events)
	}

	got, _ := s.Get(created.ID)
	if got.ExternalRef != "platform:123" {
		t.Errorf("ExternalRef not recorded: %q", got.ExternalRef)
	}
}
