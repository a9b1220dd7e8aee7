package cli

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"quiz-ingest-service/internal/config"
	"quiz-ingest-service/internal/ingest"
	infrapg "quiz-ingest-service/internal/infra/postgres"
	infraredis "quiz-ingest-service/internal/infra/redis"
)

// NewConsumerCmd builds the CLI subcommand that runs the durable stream
// consumer as its own process, independent of the request-handling servers.
func NewConsumerCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "consumer",
		Short: "Drain durable answer streams into storage",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsumer(cmd.Context(), *configPath)
		},
	}
}

func runConsumer(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if cfg.Redis.Addr == "" {
		return fmt.Errorf("redis addr not configured")
	}
	if cfg.Postgres.URL == "" {
		return fmt.Errorf("postgres url not configured")
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	queue := infraredis.NewStreamQueue(redisClient)

	bunDB := openBunDB(cfg.Postgres.URL)
	defer bunDB.Close()
	store := infrapg.NewAnswerStore(bunDB)

	consumer := ingest.NewConsumer(queue, store, ingest.ConsumerOptions{
		BatchSize:      cfg.Ingest.BatchSize,
		PollInterval:   config.TTLDuration(cfg.Ingest.PollInterval, 500*time.Millisecond),
		HeartbeatTTL:   config.TTLDuration(cfg.Ingest.HeartbeatTTL, 20*time.Second),
		AlertThreshold: cfg.Ingest.AlertThreshold,
	})

	runCtx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err = consumer.Run(runCtx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
