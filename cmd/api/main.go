package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jerryagenyi/ChMS-sub002/internal/auth"
	"github.com/jerryagenyi/ChMS-sub002/internal/checkin"
	"github.com/jerryagenyi/ChMS-sub002/internal/config"
	"github.com/jerryagenyi/ChMS-sub002/internal/httpmiddleware"
	"github.com/jerryagenyi/ChMS-sub002/internal/offline"
	"github.com/jerryagenyi/ChMS-sub002/internal/store"
)

func main() {
	cfg := config.Load()

	if cfg.Env == "production" || cfg.Env == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg); err != nil {
		log.Fatalf("http server failed: %v", err)
	}
}

func runHTTP(cfg config.App) error {
	db, err := store.NewDB(cfg.DatabaseURL)
	if err != nil {
		if db.Client == nil {
			// Bad DSN or driver misconfiguration: nothing to serve with.
			return fmt.Errorf("open database: %w", err)
		}
		// Reachability can recover; the queue absorbs writes meanwhile.
		log.Printf("warning: db not reachable: %v", err)
	}
	defer func() {
		_ = db.Close()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

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

	// Server-side holding queue: intents that hit a transient store error
	// are parked here and the worker replays them.
	queue, err := newQueue(cfg, redisClient)
	if err != nil {
		return err
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	r.Use(corsMiddleware())
	r.Use(securityHeaders())

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/healthz", func(c *gin.Context) {
		redisHealthy := redisClient.Healthy(c.Request.Context())
		dbHealthy := db.Healthy(c.Request.Context())
		status := http.StatusOK
		if !redisHealthy || !dbHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, gin.H{"status": "ok", "redis": redisHealthy, "db": dbHealthy})
	})

	// Token issue for an identity the surrounding application has already
	// verified; this service does not authenticate credentials itself.
	r.POST("/v1/members/token", func(c *gin.Context) {
		var req struct {
			MemberID string `json:"member_id" binding:"required"`
			Role     string `json:"role" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		tokens, err := auth.Issue(req.MemberID, req.Role, cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"access_token":  tokens.AccessToken,
			"refresh_token": tokens.RefreshToken,
			"expires_at":    tokens.AccessExp.Unix(),
		})
	})

	// Rate limiting sits behind auth so it can key on the member identity
	// rather than lumping a whole kiosk behind one IP.
	limiter := httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin)
	authGroup := r.Group("/v1", auth.MemberAuth(cfg.JWTSigningKey, cfg.JWTIssuer), limiter.GinMiddleware())

	authGroup.POST("/checkins", func(c *gin.Context) {
		var in checkin.Intent
		if err := c.ShouldBindJSON(&in); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		if in.OccurredAt.IsZero() {
			in.OccurredAt = time.Now().UTC()
		}

		out, err := coord.Submit(c.Request.Context(), in)
		if err != nil {
			// Outcome unknown: park the intent for the drain worker
			// instead of losing it or guessing.
			item, qerr := queue.Enqueue(in)
			if qerr != nil {
				log.Printf("enqueue after store failure: %v", qerr)
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable, retry"})
				return
			}
			c.JSON(http.StatusAccepted, gin.H{"queued": true, "token": item.Token})
			return
		}
		writeOutcome(c, out)
	})

	// Replay endpoint for client-resident offline queues: each item keeps
	// its idempotency token so retries resolve to duplicates.
	authGroup.POST("/checkins/sync", func(c *gin.Context) {
		var req struct {
			Items []struct {
				Token  string         `json:"token" binding:"required"`
				Intent checkin.Intent `json:"intent"`
			} `json:"items" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		results := make([]gin.H, 0, len(req.Items))
		for _, item := range req.Items {
			in := item.Intent
			in.ClientToken = item.Token
			out, err := coord.Submit(c.Request.Context(), in)
			if err != nil {
				// Stop here; the client keeps this and later items.
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"results": results,
					"error":   "store unavailable, resume later",
				})
				return
			}
			results = append(results, gin.H{"token": item.Token, "outcome": out})
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
	})

	authGroup.POST("/checkins/bulk", func(c *gin.Context) {
		var req struct {
			Intents []checkin.Intent `json:"intents" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		outcomes, summary, err := coord.ImportBatch(c.Request.Context(), req.Intents)
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"outcomes": outcomes,
				"summary":  summary,
				"error":    "store unavailable, batch incomplete",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{"outcomes": outcomes, "summary": summary})
	})

	authGroup.GET("/attendance", func(c *gin.Context) {
		targetID := c.Query("target_id")
		if targetID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "target_id required"})
			return
		}
		var (
			records []checkin.Record
			err     error
		)
		if from, to, ok := parseRange(c.Query("from"), c.Query("to")); ok {
			records, err = coord.RecordsRange(c.Request.Context(), targetID, from, to)
		} else {
			records, err = coord.Records(c.Request.Context(), targetID)
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"records": records})
	})

	// Corrections are append-only supersedes, admin only.
	authGroup.POST("/attendance/:id/correct", auth.RequireRole("admin"), func(c *gin.Context) {
		var req struct {
			Status checkin.Status `json:"status" binding:"required"`
			Notes  string         `json:"notes"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		rec, err := repo.Correct(c.Request.Context(), c.Param("id"), req.Status, req.Notes)
		if errors.Is(err, checkin.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "record not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			return
		}
		cache.Invalidate(rec.TargetID)
		c.JSON(http.StatusCreated, gin.H{"record": rec})
	})

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Starting server on :%s", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced shutdown: %v", err)
	}

	log.Println("Server exited")
	return nil
}

func newQueue(cfg config.App, redisClient *store.Redis) (*offline.Queue, error) {
	var backing offline.Store
	switch cfg.QueueBackend {
	case "file":
		fs, err := offline.NewFileStore(cfg.QueuePath)
		if err != nil {
			return nil, err
		}
		backing = fs
	case "memory":
		backing = offline.NewMemoryStore()
	default:
		backing = offline.NewRedisStore(redisClient.Client, "chms:offline:checkins")
	}
	return offline.New(backing, cfg.QueueRetryCap), nil
}

func writeOutcome(c *gin.Context, out checkin.Outcome) {
	switch out.Kind {
	case checkin.OutcomeAccepted:
		c.JSON(http.StatusCreated, gin.H{"outcome": out})
	case checkin.OutcomeDuplicate:
		// Not an error for the user: the server already has this fact.
		c.JSON(http.StatusOK, gin.H{"outcome": out, "info": "already checked in"})
	default:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"outcome": out})
	}
}

func parseRange(fromStr, toStr string) (time.Time, time.Time, bool) {
	if fromStr == "" || toStr == "" {
		return time.Time{}, time.Time{}, false
	}
	from, err1 := time.Parse(time.RFC3339, fromStr)
	to, err2 := time.Parse(time.RFC3339, toStr)
	if err1 != nil || err2 != nil {
		return time.Time{}, time.Time{}, false
	}
	return from, to, true
}

// CORS middleware for browser requests
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin == "" {
			origin = "*"
		}

		c.Header("Access-Control-Allow-Origin", origin)
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
		c.Header("Access-Control-Allow-Credentials", "true")
		c.Header("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// Security headers middleware
func securityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")

		if gin.Mode() == gin.ReleaseMode {
			c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		c.Next()
	}
}
