// Package bridge keeps an internal task set and a remote forum's threads in
// agreement.
//
// The bridge:
// 1. Watches the task store for mutations
// 2. Coalesces bursts of change notifications into serialized sync runs
// 3. Diffs tasks against remote threads and repairs the differences
// 4. Guards the managed forum against out-of-band thread tampering
package bridge

import (
	"sync"

	"threadbridge/internal/platform"
)

// Cache is the thread-lookup cache shared by the coordinator and engine.
//
// It is an explicit, injected object rather than a package-level singleton:
// the coordinator invalidates it after every successful run, and the engine
// fills it as threads are located or created.
type Cache struct {
	mu      sync.Mutex
	threads map[string]string // task id -> thread id
	forums  map[string]*platform.Forum
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		threads: make(map[string]string),
		forums:  make(map[string]*platform.Forum),
	}
}

// Thread returns the cached thread id for a task.
func (c *Cache) Thread(taskID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.threads[taskID]
	return id, ok
}

// PutThread records a task→thread link.
func (c *Cache) PutThread(taskID, threadID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads[taskID] = threadID
}

// InvalidateTask drops the cached link for one task.
func (c *Cache) InvalidateTask(taskID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.threads, taskID)
}

// Invalidate drops every cached task→thread link. Resolved forums are kept;
// forum identity does not change between runs.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.threads = make(map[string]string)
}

// Forum returns the cached forum for a resolve key (id or name).
func (c *Cache) Forum(key string) (*platform.Forum, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.forums[key]
	return f, ok
}

// PutForum records a resolved forum.
func (c *Cache) PutForum(key string, f *platform.Forum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forums[key] = f
}
