// Package task holds the authoritative in-memory task set and notifies
// subscribers of mutations.
package task

import (
	"fmt"
	"sort"
)

// Status is a task workflow state.
type Status string

const (
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusBlocked    Status = "blocked"
	StatusClosed     Status = "closed"
)

// Statuses lists every workflow state. The status names double as
// pseudo-labels in the tag map, representing workflow state on the remote
// thread.
var Statuses = []Status{StatusOpen, StatusInProgress, StatusBlocked, StatusClosed}

// IsValidStatus reports whether s is a known workflow state.
func IsValidStatus(s Status) bool {
	for _, known := range Statuses {
		if s == known {
			return true
		}
	}
	return false
}

// Task is an internal work-item record, the unit being synchronized.
//
// ID is opaque and never reassigned. ExternalRef, when set, links the task
// to its remote thread as "platform:threadID". Tasks are never deleted,
// only transitioned to closed.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Status      Status   `json:"status"`
	Priority    int      `json:"priority"` // 0-4 (0=critical, 4=backlog)
	Labels      []string `json:"labels,omitempty"`
	ExternalRef string   `json:"external_ref,omitempty"`
}

// Validate checks field values. Status transitions are deliberately not
// constrained here; any status may move to any other status via Update.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("title is required")
	}
	if !IsValidStatus(t.Status) {
		return fmt.Errorf("unknown status %q", t.Status)
	}
	if t.Priority < 0 || t.Priority > 4 {
		return fmt.Errorf("priority must be between 0 and 4 (got %d)", t.Priority)
	}
	return nil
}

// HasLabel reports whether the task carries the label.
func (t *Task) HasLabel(label string) bool {
	for _, l := range t.Labels {
		if l == label {
			return true
		}
	}
	return false
}

// Clone returns a deep copy. Subscribers and snapshots receive clones so
// the store's records are never aliased outside the lock.
func (t *Task) Clone() *Task {
	cp := *t
	cp.Labels = append([]string(nil), t.Labels...)
	return &cp
}

// sortLabels keeps label sets in a canonical order so snapshots compare
// deterministically.
func sortLabels(labels []string) {
	sort.Strings(labels)
}
