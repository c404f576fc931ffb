package bridge

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"threadbridge/internal/platform"
	"threadbridge/internal/tagmap"
	"threadbridge/internal/task"
)

// StatusPoster receives the result of an explicitly user-triggered sync.
type StatusPoster interface {
	Notify(result *SyncResult)
}

// CoordinatorConfig holds configuration for the coordinator.
type CoordinatorConfig struct {
	// GuildID and Forum identify the managed forum. Forum may be an id
	// or a name.
	GuildID string
	Forum   string

	// TagMapPath is reloaded before every run. A reload failure keeps
	// the cached mapping and is never fatal to the run.
	TagMapPath string

	// RetryDelay is the fixed backoff for both retry kinds.
	RetryDelay time.Duration

	// DisableFailureRetry turns off the run-level failure retry.
	// Deferred-close retries cannot be disabled.
	DisableFailureRetry bool

	// RefreshCounts, when set, runs fire-and-forget after a successful
	// run to refresh forum-level counters.
	RefreshCounts func(ctx context.Context) error

	// OnResult, when set, observes every successful run's result
	// (status feed, metrics).
	OnResult func(result *SyncResult)

	// Logger for coordinator activity.
	Logger *log.Logger
}

// DefaultCoordinatorConfig returns sensible defaults.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		RetryDelay: 30 * time.Second,
		Logger:     log.New(os.Stderr, "[coordinator] ", log.LstdFlags),
	}
}

// pendingTrigger is the single coalescing slot for sync requests that
// arrive while a run is active. Only the most specific caller context,
// the latest status poster, survives coalescing.
type pendingTrigger struct {
	poster StatusPoster
}

// Coordinator wraps the engine with a one-run-at-a-time guard, request
// coalescing, tag-map refresh-before-run, and scheduled retries.
//
// Reconciliation runs for a coordinator instance are strictly serialized:
// run N+1 never starts before run N's bookkeeping completes. Across
// coalesced triggers exactly one follow-up run executes.
type Coordinator struct {
	engine *Engine
	client platform.Client
	cache  *Cache
	tagMap *tagmap.TagMap
	store  *task.Store
	cfg    CoordinatorConfig
	logger *log.Logger

	mu            sync.Mutex
	syncing       bool
	pending       *pendingTrigger
	failureTimer  *time.Timer
	deferredTimer *time.Timer
}

// NewCoordinator creates a coordinator.
func NewCoordinator(engine *Engine, client platform.Client, cache *Cache, tagMap *tagmap.TagMap, store *task.Store, cfg CoordinatorConfig) (*Coordinator, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if client == nil {
		return nil, fmt.Errorf("client is required")
	}
	if cache == nil {
		return nil, fmt.Errorf("cache is required")
	}
	if tagMap == nil {
		return nil, fmt.Errorf("tag map is required")
	}
	if store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[coordinator] ", log.LstdFlags)
	}
	return &Coordinator{
		engine: engine,
		client: client,
		cache:  cache,
		tagMap: tagMap,
		store:  store,
		cfg:    cfg,
		logger: cfg.Logger,
	}, nil
}

// BindStore subscribes the coordinator to every mutation event of its
// store. Each event fires a detached sync whose failure is only logged.
func (c *Coordinator) BindStore() {
	trigger := func(t *task.Task, previous *task.Task) {
		go func() {
			if _, err := c.Sync(context.Background(), nil); err != nil {
				c.logger.Printf("Store-triggered sync failed: %v", err)
			}
		}()
	}
	for _, event := range []task.Event{task.EventCreated, task.EventUpdated, task.EventClosed, task.EventLabeled} {
		c.store.Subscribe(event, trigger)
	}
}

// Sync runs one reconciliation pass, or records the request for the
// follow-up run if one is already active.
//
// While a run is active, a call returns (nil, nil) immediately; callers
// never block waiting for someone else's run. Coalescing keeps the most
// specific request: a poster-carrying call overwrites a pending slot
// without one, and among two poster-carrying calls the latest wins. When
// the active run finishes, exactly one follow-up sync starts, detached,
// carrying the coalesced poster.
func (c *Coordinator) Sync(ctx context.Context, poster StatusPoster) (*SyncResult, error) {
	c.mu.Lock()
	if c.syncing {
		if c.pending == nil {
			c.pending = &pendingTrigger{poster: poster}
		} else if poster != nil {
			c.pending.poster = poster
		}
		c.mu.Unlock()
		return nil, nil
	}
	c.syncing = true
	c.mu.Unlock()

	result, err := c.runOnce(ctx)

	// Retry bookkeeping runs while this call still holds the syncing
	// flag, so a follow-up run cannot interleave with it and cancel a
	// timer this run has yet to schedule.
	if err != nil {
		c.scheduleFailureRetry(err)
	} else {
		c.cancelFailureRetry()
		if result.ClosesDeferred > 0 {
			c.scheduleDeferredCloseRetry(result.ClosesDeferred)
		} else {
			c.cancelDeferredCloseRetry()
		}
	}

	c.mu.Lock()
	c.syncing = false
	next := c.pending
	c.pending = nil
	c.mu.Unlock()

	if next != nil {
		go func() {
			if _, followErr := c.Sync(context.Background(), next.poster); followErr != nil {
				c.logger.Printf("Coalesced follow-up sync failed: %v", followErr)
			}
		}()
	}

	if err != nil {
		return nil, err
	}
	if poster != nil {
		poster.Notify(result)
	}
	return result, nil
}

// runOnce performs a single reconciliation run. It returns an error only
// for run-level failures (forum not resolvable); per-task trouble surfaces
// as result counters.
func (c *Coordinator) runOnce(ctx context.Context) (*SyncResult, error) {
	if c.cfg.TagMapPath != "" {
		if count, err := c.tagMap.ReloadInPlace(c.cfg.TagMapPath); err != nil {
			c.logger.Printf("Warning: tag map reload failed, continuing with cached map: %v", err)
		} else {
			c.logger.Printf("Tag map reloaded: %d entries", count)
		}
	}
	tags := c.tagMap.Snapshot()

	forum, err := ResolveForum(ctx, c.client, c.cache, c.cfg.GuildID, c.cfg.Forum)
	if err != nil {
		return nil, fmt.Errorf("resolve forum: %w", err)
	}
	if forum == nil {
		return nil, fmt.Errorf("forum %q not found in guild %s: %w", c.cfg.Forum, c.cfg.GuildID, platform.ErrNotFound)
	}

	tasks := c.store.Snapshot()
	result := c.engine.Run(ctx, tasks, tags, forum)

	c.cache.Invalidate()
	if c.cfg.RefreshCounts != nil {
		go func() {
			if err := c.cfg.RefreshCounts(context.Background()); err != nil {
				c.logger.Printf("Forum count refresh failed: %v", err)
			}
		}()
	}
	if c.cfg.OnResult != nil {
		c.cfg.OnResult(result)
	}

	c.logger.Printf("Sync complete: created=%d renamed=%d starters=%d archived=%d tags=%d warnings=%d deferred=%d",
		result.ThreadsCreated, result.EmojisUpdated, result.StarterMessagesUpdated,
		result.ThreadsArchived, result.StatusesUpdated, result.Warnings, result.ClosesDeferred)
	return result, nil
}

// scheduleFailureRetry schedules a retry after a run-level failure. One
// pending timer at most; a schedule request while one is pending is a
// no-op.
func (c *Coordinator) scheduleFailureRetry(err error) {
	class := classifyError(err)
	if c.cfg.DisableFailureRetry {
		c.logger.Printf("Sync failed (class=%s), retry disabled: %v", class, err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failureTimer != nil {
		c.logger.Printf("Sync failed (class=%s), retry already pending: %v", class, err)
		return
	}
	c.logger.Printf("Sync failed (class=%s), retrying in %s: %v", class, c.cfg.RetryDelay, err)
	c.failureTimer = time.AfterFunc(c.cfg.RetryDelay, func() {
		c.mu.Lock()
		c.failureTimer = nil
		c.mu.Unlock()
		if _, retryErr := c.Sync(context.Background(), nil); retryErr != nil {
			c.logger.Printf("Failure retry sync failed: %v", retryErr)
		}
	})
}

// scheduleDeferredCloseRetry schedules a retry for closes whose archive
// call did not succeed, so the close signal is not silently dropped.
func (c *Coordinator) scheduleDeferredCloseRetry(deferred int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deferredTimer != nil {
		return
	}
	c.logger.Printf("%d close(s) deferred, retrying in %s", deferred, c.cfg.RetryDelay)
	c.deferredTimer = time.AfterFunc(c.cfg.RetryDelay, func() {
		c.mu.Lock()
		c.deferredTimer = nil
		c.mu.Unlock()
		if _, retryErr := c.Sync(context.Background(), nil); retryErr != nil {
			c.logger.Printf("Deferred-close retry sync failed: %v", retryErr)
		}
	})
}

func (c *Coordinator) cancelFailureRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failureTimer != nil {
		c.failureTimer.Stop()
		c.failureTimer = nil
	}
}

func (c *Coordinator) cancelDeferredCloseRetry() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.deferredTimer != nil {
		c.deferredTimer.Stop()
		c.deferredTimer = nil
	}
}

// classifyError buckets a run-level failure for observability.
func classifyError(err error) string {
	var rateErr *platform.RateLimitError
	var apiErr *platform.APIError
	switch {
	case errors.Is(err, platform.ErrNotFound):
		return "not_found"
	case errors.As(err, &rateErr):
		return "rate_limited"
	case errors.As(err, &apiErr):
		return "api"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "network"
	}
}
