package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"threadbridge/internal/bridge"
	"threadbridge/internal/config"
	"threadbridge/internal/feed"
	"threadbridge/internal/platform"
	"threadbridge/internal/tagmap"
	"threadbridge/internal/task"
	"threadbridge/internal/ui"
)

var flagFeedPort int

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the full bridge against an in-memory platform",
	Long: `Exercise the whole pipeline (store, tag map, coordinator, engine,
and forum guard) against an in-memory platform. Useful for demos and for
verifying configuration without touching a real forum.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if flagFeedPort != 0 {
			cfg.FeedPort = flagFeedPort
		}
		return runSimulation(cfg)
	},
}

func init() {
	simulateCmd.Flags().IntVar(&flagFeedPort, "feed-port", 0, "serve the websocket status feed on this port")
}

func runSimulation(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// In-memory platform with a managed forum.
	client := platform.NewMemory()
	client.AddForum(&platform.Forum{ID: "forum-1", GuildID: "guild-1", Name: "tasks"})

	// Demo tag map on disk so the reload-before-run path is exercised.
	tmpDir, err := os.MkdirTemp("", "threadbridge-sim")
	if err != nil {
		return fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	tagMapPath := filepath.Join(tmpDir, "tagmap.json")
	demo := map[string]string{
		"bug": "id-bug", "feature": "id-feature",
		"open": "id-open", "in_progress": "id-in-progress",
		"blocked": "id-blocked", "closed": "id-closed",
	}
	data, _ := json.MarshalIndent(demo, "", "  ")
	if err := os.WriteFile(tagMapPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write demo tag map: %w", err)
	}

	tagMap := tagmap.Load(tagMapPath)
	store := task.NewStore(newLogger(cfg, "[store] "))
	cache := bridge.NewCache()
	engine := bridge.NewEngine(client, cache, store, bridge.Tuning{
		Throttle:          10 * time.Millisecond,
		ArchivedScanLimit: cfg.ArchivedScanLimit,
		MentionUserID:     cfg.MentionUserID,
	}, newLogger(cfg, "[engine] "))

	coordCfg := bridge.DefaultCoordinatorConfig()
	coordCfg.GuildID = "guild-1"
	coordCfg.Forum = "forum-1"
	coordCfg.TagMapPath = tagMapPath
	coordCfg.RetryDelay = cfg.RetryDelay
	coordCfg.DisableFailureRetry = cfg.DisableFailureRetry
	coordCfg.Logger = newLogger(cfg, "[coordinator] ")

	var feedServer *feed.Server
	if cfg.FeedPort != 0 {
		feedServer = feed.NewServer(cfg.FeedPort, newLogger(cfg, "[feed] "))
		if err := feedServer.Start(); err != nil {
			return err
		}
		defer feedServer.Stop()
		coordCfg.OnResult = feedServer.PublishSyncResult
		coordCfg.RefreshCounts = func(ctx context.Context) error {
			threads, err := client.ActiveThreads(ctx, "forum-1")
			if err != nil {
				return err
			}
			feedServer.PublishStats(feed.StatsData{
				Tasks:         store.Len(),
				ActiveThreads: len(threads),
			})
			return nil
		}
	}

	coordinator, err := bridge.NewCoordinator(engine, client, cache, tagMap, store, coordCfg)
	if err != nil {
		return err
	}
	coordinator.BindStore()

	// Hot-reload the tag map on file changes; each reload triggers a sync
	// so new mappings take effect without waiting for a store mutation.
	watcher, err := tagmap.NewWatcher(tagMap, tagMapPath, newLogger(cfg, "[tagmap] "))
	if err != nil {
		return err
	}
	watcher.OnReload = func(count int) {
		if feedServer != nil {
			feedServer.PublishTagMapReloaded(count)
		}
		if _, err := coordinator.Sync(ctx, nil); err != nil {
			fmt.Fprintf(os.Stderr, "%s sync after tag map reload: %v\n", ui.RenderFail("✗"), err)
		}
	}
	if err := watcher.Start(); err != nil {
		return err
	}
	defer watcher.Stop()

	guard := bridge.NewGuard(client, "forum-1", "bot", store, tagMap, newLogger(cfg, "[guard] "))
	if feedServer != nil {
		guard.OnAction = feedServer.PublishGuardAction
	}
	go guard.Run(ctx, client.Events())

	// Seed a few tasks. Store events trigger syncs on their own; the
	// explicit Sync below just makes the demo output deterministic.
	fmt.Printf("%s Seeding tasks...\n", ui.RenderAccent("▶"))
	t1, err := store.Create(task.CreateParams{Title: "Fix login crash", Priority: 1, Labels: []string{"bug"}})
	if err != nil {
		return err
	}
	if _, err := store.Create(task.CreateParams{Title: "Dark mode", Priority: 3, Labels: []string{"feature"}}); err != nil {
		return err
	}

	time.Sleep(200 * time.Millisecond) // let the store-triggered syncs drain
	result, err := coordinator.Sync(ctx, nil)
	if err != nil {
		return err
	}
	printResult("Initial sync", result)

	// Close a task and watch the archive flow.
	if _, err := store.Close(t1.ID, "fixed in 1.4.2"); err != nil {
		return err
	}
	time.Sleep(200 * time.Millisecond)
	result, err = coordinator.Sync(ctx, nil)
	if err != nil {
		return err
	}
	printResult("After close", result)

	// A human creates a rogue thread; the guard rejects and archives it.
	rogueID := client.NewID()
	client.AddThread(&platform.Thread{
		ID:       rogueID,
		ParentID: "forum-1",
		Name:     "please add dark mode!!",
		OwnerID:  "user-42",
	})
	time.Sleep(200 * time.Millisecond)
	if th := client.Thread(rogueID); th != nil && th.Archived {
		fmt.Printf("%s Guard archived rogue thread %s\n", ui.RenderPass("✓"), rogueID)
	} else {
		fmt.Printf("%s Guard did not archive rogue thread %s\n", ui.RenderFail("✗"), rogueID)
	}

	if feedServer != nil {
		fmt.Printf("%s Feed serving on %s (Ctrl-C to stop)\n", ui.RenderAccent("▶"), feedServer.Addr())
		select {}
	}
	return nil
}

// printResult may be the only output a user sees; keep it scannable.
func printResult(label string, r *bridge.SyncResult) {
	if r == nil {
		fmt.Printf("%s %s: coalesced into the active run\n", ui.RenderDim("·"), label)
		return
	}
	fmt.Printf("%s %s: created=%d renamed=%d starters=%d archived=%d tags=%d warnings=%d deferred=%d\n",
		ui.RenderPass("✓"), label,
		r.ThreadsCreated, r.EmojisUpdated, r.StarterMessagesUpdated,
		r.ThreadsArchived, r.StatusesUpdated, r.Warnings, r.ClosesDeferred)
}
