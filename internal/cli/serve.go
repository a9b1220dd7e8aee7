package cli

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quiz-ingest-service/internal/app"
	"quiz-ingest-service/internal/config"
	"quiz-ingest-service/internal/content"
	"quiz-ingest-service/internal/fanout"
	"quiz-ingest-service/internal/ingest"
	infrapg "quiz-ingest-service/internal/infra/postgres"
	infraredis "quiz-ingest-service/internal/infra/redis"
	"quiz-ingest-service/internal/leaderboard"
	"quiz-ingest-service/internal/stats"
	transport "quiz-ingest-service/internal/transport/http"
)

// NewServeCmd builds the CLI subcommand that runs the API/ingestion process.
func NewServeCmd(configPath, port *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the ingestion and fanout server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context(), *configPath, *port)
		},
	}
}

func runServer(ctx context.Context, configPath, portFlag string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}

	if err := runMigrationsWithConfig(ctx, cfg); err != nil {
		return err
	}

	finalPort := portFlag
	if finalPort == "" {
		finalPort = cfg.Server.Port
	}
	if finalPort == "" {
		finalPort = "8080"
	}

	pool, err := pgxpool.Connect(ctx, cfg.Postgres.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	bunDB := openBunDB(cfg.Postgres.URL)
	defer bunDB.Close()
	store := infrapg.NewAnswerStore(bunDB)

	heartbeatTTL := config.TTLDuration(cfg.Ingest.HeartbeatTTL, 20*time.Second)

	// Redis presence selects the deployment shape: durable streams shared
	// across instances, or single-process in-memory batching.
	var backend ingest.Backend
	var heartbeats app.HeartbeatSource
	if cfg.Redis.Addr != "" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		queue := infraredis.NewStreamQueue(redisClient)
		backend = ingest.NewStreamBackend(queue, store, config.TTLDuration(cfg.Ingest.DedupeTTL, 6*time.Hour))
		heartbeats = queue
		log.Printf("ingestion mode: durable redis streams (%s)", cfg.Redis.Addr)
	} else {
		backend = ingest.NewMemoryBackend(store, config.TTLDuration(cfg.Ingest.FlushInterval, 500*time.Millisecond))
		log.Printf("ingestion mode: in-memory batching")
	}

	loader := infrapg.NewQuizLoader(pool)
	contentCache := content.NewCache(loader, config.TTLDuration(cfg.Ingest.QuestionTTL, 10*time.Minute))
	statsCache := stats.NewCache(store)
	boards := leaderboard.NewCache(store)
	hub := fanout.NewHub()

	pipeline := app.NewPipeline(app.Options{
		Backend:      backend,
		Store:        store,
		Content:      contentCache,
		Stats:        statsCache,
		Boards:       boards,
		Broadcaster:  hub,
		Heartbeats:   heartbeats,
		CleanupGrace: config.TTLDuration(cfg.Ingest.CleanupGrace, 30*time.Minute),
	})
	pipeline.Start()

	wsHandler := transport.NewWSHandler(pipeline, hub)
	answerHandler := transport.NewAnswerHandler(pipeline)
	healthHandler := transport.NewHealthHandler(pipeline, heartbeatTTL)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("ok"))
	})
	mux.HandleFunc("/ws", wsHandler.ServeWS)
	mux.HandleFunc("/answer", answerHandler.ServeAnswer)
	mux.HandleFunc("/complete", answerHandler.ServeComplete)
	mux.HandleFunc("/stats", answerHandler.ServeStats)
	mux.HandleFunc("/leaderboard", answerHandler.ServeLeaderboard)
	mux.HandleFunc("/health/consumer", healthHandler.ServeConsumerHealth)

	server := &http.Server{
		Addr:         ":" + finalPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Printf("starting quiz ingest service on :%s", finalPort)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("failed to start server: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-stop:
		log.Println("shutting down server...")
	case <-ctx.Done():
		log.Println("context canceled, shutting down server...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	// Final best-effort flush of anything still buffered locally.
	if err := pipeline.Stop(shutdownCtx); err != nil {
		log.Printf("final flush failed: %v", err)
	}
	return nil
}
