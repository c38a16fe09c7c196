package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"outreach-orchestrator/internal/api"
	"outreach-orchestrator/internal/channel"
	"outreach-orchestrator/internal/config"
	"outreach-orchestrator/internal/content"
	"outreach-orchestrator/internal/models"
	"outreach-orchestrator/internal/orchestrator"
	"outreach-orchestrator/internal/queue"
	"outreach-orchestrator/internal/ratelimit"
	"outreach-orchestrator/internal/recorder"
	"outreach-orchestrator/internal/store"
	"outreach-orchestrator/internal/templates"
	"outreach-orchestrator/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewSendBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	senders := channel.NewRegistry()
	senders.Register(channel.NewVoiceSender(cfg.VoiceBridgeURL, cfg.SendTimeout))
	senders.Register(channel.NewChatSender(cfg.ChatProviderURL, cfg.SendTimeout))
	senders.Register(channel.NewEmailSender(emailAccountLookup(st)))

	rec := recorder.New(st, cfg)
	gen := content.NewHTTPGenerator(cfg)
	orch := orchestrator.New(cfg, st, q, rec, gen, senders, limiter)
	executor := worker.NewExecutor(cfg, st, q, rec, senders, limiter)
	syncer := templates.NewSyncer(templates.NewHTTPClient(cfg), st)

	server := api.New(cfg, st, q, orch, executor, syncer)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

// emailAccountLookup resolves the tenant's configured SMTP account, falling
// back to the tenant's first account when none is pinned in settings.
func emailAccountLookup(st *store.Store) channel.AccountLookup {
	return func(ctx context.Context, tenantID string) (models.EmailAccount, error) {
		settings, err := st.TenantSettings(ctx, tenantID)
		if err != nil {
			return models.EmailAccount{}, err
		}
		accountID := ""
		if settings.EmailAccountID != nil {
			accountID = *settings.EmailAccountID
		}
		return st.EmailAccount(ctx, tenantID, accountID)
	}
}
