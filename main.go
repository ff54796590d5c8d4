package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/firestore"
	redis "github.com/redis/go-redis/v9"

	"github.com/alimasry/go-delta/config"
	"github.com/alimasry/go-delta/events"
	"github.com/alimasry/go-delta/server"
	"github.com/alimasry/go-delta/store"
	"github.com/alimasry/go-delta/validate"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("init config failed: %v", err)
	}

	ctx := context.Background()
	st, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatalf("open %s store: %v", cfg.Store.Backend, err)
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.DialKafka(cfg.Kafka.Brokers)
		if err != nil {
			log.Fatalf("init kafka failed: %v", err)
		}
		kp := events.NewKafkaPublisher(producer, cfg.Kafka.Topic, events.DefaultKafkaOptions())
		defer kp.Close()
		publisher = kp
		log.Printf("Publishing edits to kafka topic %q", cfg.Kafka.Topic)
	}

	validator, err := validate.New()
	if err != nil {
		log.Fatalf("init validator failed: %v", err)
	}

	hub := server.NewHub(st, validator, publisher)
	go hub.Run()

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Running.Port),
		Handler: server.NewHandler(hub, cfg.CORS.AllowOrigins),
	}

	go func() {
		log.Printf("Starting server on %s (store: %s)", srv.Addr, cfg.Store.Backend)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	log.Println("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}
	if err := closeStore(); err != nil {
		log.Printf("close store: %v", err)
	}
}

// openStore builds the configured backend. Remote backends sit behind a
// write-behind cache; the returned func flushes it and releases the backend.
func openStore(ctx context.Context, cfg *config.Config) (store.DocumentStore, func() error, error) {
	var (
		backing store.DocumentStore
		closer  io.Closer
	)
	switch cfg.Store.Backend {
	case config.BackendMemory:
		return store.NewMemoryStore(), func() error { return nil }, nil
	case config.BackendSQL:
		s, err := store.OpenSQLStore(cfg.Store.SQLDriver, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		backing, closer = s, s
	case config.BackendFirestore:
		client, err := firestore.NewClient(ctx, cfg.Store.FirestoreProject)
		if err != nil {
			return nil, nil, fmt.Errorf("create firestore client: %w", err)
		}
		backing, closer = store.NewFirestoreStore(client), client
	case config.BackendRedis:
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Store.RedisAddr,
			Password: cfg.Store.RedisPassword,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("connect redis: %w", err)
		}
		backing, closer = store.NewRedisStore(rdb), rdb
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	cached := store.NewCachedStore(backing, cfg.Store.FlushInterval)
	return cached, func() error {
		cached.Close()
		return closer.Close()
	}, nil
}
