package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lklic/idios/internal/command"
	"github.com/lklic/idios/internal/config"
	"github.com/lklic/idios/internal/db"
	"github.com/lklic/idios/internal/dispatcher"
	"github.com/lklic/idios/internal/modelconfig"
	"github.com/lklic/idios/internal/provider"
	"github.com/lklic/idios/internal/vectorstore"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config validation failed: %v", err)
	}

	ctx := context.Background()

	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("database connection failed: %v", err)
	}
	defer database.Close()

	if err := db.RunMigrations(cfg.DatabaseURL, cfg.MigrationsPath); err != nil {
		log.Fatalf("migrations failed: %v", err)
	}

	models, err := buildModelBackends(ctx, database.Pool, cfg)
	if err != nil {
		log.Fatalf("model backend setup failed: %v", err)
	}

	cmds := command.New(models)
	brokers := strings.Split(cfg.KafkaBrokers, ",")
	worker := dispatcher.NewWorker(brokers, cfg.KafkaConsumerGroup, cmds)
	defer worker.Close()

	runCtx, cancel := context.WithCancel(ctx)
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("shutting down worker...")
		cancel()
	}()

	log.Printf("worker consuming %s as group %s, serving models: %v", dispatcher.JobTopic, cfg.KafkaConsumerGroup, modelconfig.Names())
	if err := worker.Run(runCtx); err != nil {
		log.Fatalf("worker stopped: %v", err)
	}
	log.Println("worker stopped")
}

// buildModelBackends wires a ModelBackend per entry in the static model
// table: a provider selected by cardinality (a single global HTTP embedding
// service for cardinality-1 models, a local keypoint service otherwise) and
// a dedicated pgvector collection created idempotently from the descriptor.
func buildModelBackends(ctx context.Context, pool *pgxpool.Pool, cfg *config.Config) (map[string]command.ModelBackend, error) {
	models := make(map[string]command.ModelBackend, len(modelconfig.Table))
	for name, desc := range modelconfig.Table {
		store, err := vectorstore.NewPGCollection(ctx, pool, desc)
		if err != nil {
			return nil, err
		}

		var p provider.Provider
		if desc.IsLocal() {
			p = provider.NewHTTPLocalProvider(cfg.LocalProviderURL, cfg.LocalProviderAPIKey, desc.Cardinality)
		} else {
			p = provider.NewHTTPGlobalProvider(cfg.GlobalProviderURL, cfg.GlobalProviderAPIKey)
		}

		models[name] = command.ModelBackend{
			Provider:   p,
			Store:      store,
			Descriptor: desc,
		}
	}
	return models, nil
}
