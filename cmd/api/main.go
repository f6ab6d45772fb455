package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"procmap/api/internal/app"
	"procmap/api/internal/config"
	"procmap/api/internal/history"
	"procmap/api/internal/llm"
	"procmap/api/internal/ratelimit"
	"procmap/api/internal/search"
	"procmap/api/internal/session"
	"procmap/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect to postgres: %v", err)
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db); err != nil {
		log.Fatalf("apply migrations: %v", err)
	}

	pg := store.NewPostgresStore(db)
	hist := history.New(cfg.HistoryDir)
	service := app.New(cfg, pg, hist)

	// Refresh sessions live in Redis when it is reachable; the Postgres
	// fallback keeps single-binary setups working.
	redisSessions, err := session.NewRedisStore(cfg.RedisURL)
	if err != nil {
		log.Printf("redis unavailable, refresh sessions fall back to postgres: %v", err)
	} else {
		service.UseSessionStore(redisSessions)
		defer redisSessions.Close()
	}

	if cfg.LLMAPIKey != "" {
		var limiter *ratelimit.Limiter
		if opts, parseErr := redis.ParseURL(cfg.RedisURL); parseErr == nil {
			limiterClient := redis.NewClient(opts)
			if pingErr := limiterClient.Ping(ctx).Err(); pingErr == nil {
				limiter = ratelimit.New(limiterClient, cfg.LLMDailyBudget)
				defer limiterClient.Close()
			} else {
				log.Printf("redis unavailable, llm budget limiting disabled: %v", pingErr)
				_ = limiterClient.Close()
			}
		}
		service.UseLLM(llm.NewClient(cfg.LLMBaseURL, cfg.LLMAPIKey, cfg.LLMModel), limiter)
	}

	meili := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey)
	searchSvc := search.NewService(meili, search.NewPgFTS(db))
	service.UseSearch(searchSvc)
	defer meili.Close()
	go searchSvc.ReindexAllFromPG(ctx)

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      app.NewHTTPServer(service, cfg.CORSOrigin).Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	go func() {
		log.Printf("procmap api listening on %s", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("http server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("shutdown: %v", err)
	}
}
