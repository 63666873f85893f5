package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jerryagenyi/ChMS-sub002/internal/checkin"
	"github.com/jerryagenyi/ChMS-sub002/internal/config"
	"github.com/jerryagenyi/ChMS-sub002/internal/offline"
	"github.com/jerryagenyi/ChMS-sub002/internal/store"
)

// Worker drains the offline check-in queue through the coordinator on an
// interval. One sequential drain per queue preserves FIFO order; dedup on
// the server side makes concurrent workers on different queues safe.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("shutdown signal received")
		cancel()
	}()

	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect failed: %v", err)
	}
	defer db.Close()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var backing offline.Store
	switch cfg.QueueBackend {
	case "file":
		fs, err := offline.NewFileStore(cfg.QueuePath)
		if err != nil {
			log.Fatalf("queue open failed: %v", err)
		}
		backing = fs
	case "memory":
		backing = offline.NewMemoryStore()
	default:
		backing = offline.NewRedisStore(redisClient.Client, "chms:offline:checkins")
	}
	queue := offline.New(backing, cfg.QueueRetryCap)

	repo := checkin.NewRepository(db.Client)
	cache := checkin.NewCache(checkin.CacheConfig{
		MaxEntries: cfg.CacheMaxEntries,
		TTL:        cfg.CacheTTL,
	})
	coord := checkin.NewCoordinator(repo, cache, checkin.CoordinatorConfig{
		StoreTimeout: cfg.StoreTimeout,
		LateAfter:    cfg.LateAfter,
		Location:     cfg.Location(),
	})

	log.Printf("drain worker started, interval %s", cfg.DrainInterval)
	ticker := time.NewTicker(cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("worker stopped")
			return
		case <-ticker.C:
		}

		results, err := queue.Drain(ctx, coord)
		if err != nil {
			// Transient stop; everything unprocessed stays queued.
			log.Printf("drain interrupted after %d items: %v", len(results), err)
		}
		logDrain(results)

		if stuck, err := queue.NeedsAttention(); err == nil && len(stuck) > 0 {
			log.Printf("%d check-in(s) exceeded the retry cap and need manual attention", len(stuck))
		}
	}
}

func logDrain(results []offline.DrainResult) {
	if len(results) == 0 {
		return
	}
	var ok, failed, exhausted int
	for _, res := range results {
		switch res.Status {
		case offline.DrainSucceeded:
			ok++
		case offline.DrainFailed:
			failed++
			log.Printf("replay %s rejected: %s", res.Item.Token, res.Outcome.Reason)
		case offline.DrainExhausted:
			exhausted++
		}
	}
	log.Printf("drain pass: %d synced, %d failed, %d exhausted", ok, failed, exhausted)
}
