// cmd/api/main.go
package main

import (
	"context"
	"log"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/mstrom/catalog/internal/config"
	"github.com/mstrom/catalog/internal/http/routes"
	"github.com/mstrom/catalog/internal/idempotency"
	"github.com/mstrom/catalog/internal/product"
	"github.com/mstrom/catalog/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	// Logger
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	log.Printf("starting catalog api on :%s", cfg.Port)

	// Product store: Postgres when configured, in-memory otherwise.
	var products product.Store = product.NewMemoryStore()
	if cfg.HasDatabase() {
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db error: %v", err)
		}
		defer pool.Close()
		products = product.NewPGStore(pool)
	}

	// Keyed store shared by the response cache and the idempotency
	// records: Redis when configured, in-memory otherwise.
	var kv store.KV = store.NewMemory()
	if cfg.HasRedis() {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(context.Background()).Err(); err != nil {
			log.Fatalf("redis error: %v", err)
		}
		kv = store.NewRedis(client)
	}

	guard := idempotency.NewGuard(kv, idempotency.Config{
		KeyMinLength: cfg.Idempotency.KeyMinLength,
		KeyMaxLength: cfg.Idempotency.KeyMaxLength,
		CompletedTTL: cfg.Idempotency.CompletedTTL,
		InFlightTTL:  cfg.Idempotency.InFlightTTL,
	})

	// Router / server
	s := routes.New(routes.ServerOptions{
		Service: product.NewService(products),
		Cache:   kv,
		Guard:   guard,
		Cfg:     cfg,
	})
	h := hlog.NewHandler(logger)(s.Router)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: h}
	log.Fatal(srv.ListenAndServe())
}
