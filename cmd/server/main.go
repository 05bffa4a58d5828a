package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/synclab/collabd/pkg/auth"
	"github.com/synclab/collabd/pkg/logger"
	"github.com/synclab/collabd/pkg/server"
	"github.com/synclab/collabd/pkg/storage/sqlite"
)

func main() {
	// Load .env if present; real environment wins.
	_ = godotenv.Load()
	logger.Init()

	port := getEnv("PORT", "3030")
	sqliteURI := getEnv("SQLITE_URI", "collabd.db")

	cfg := server.DefaultConfig()
	cfg.MaxDocumentSize = getEnvInt("MAX_DOCUMENT_SIZE_KB", 256) * 1024
	cfg.SyncWindow = int64(getEnvInt("SYNC_WINDOW", 100))
	cfg.OutboundQueueSize = getEnvInt("OUTBOUND_QUEUE_SIZE", 64)
	cfg.JoinTimeout = time.Duration(getEnvInt("JOIN_TIMEOUT_SECONDS", 10)) * time.Second
	cfg.ReadTimeout = time.Duration(getEnvInt("WS_READ_TIMEOUT_SECONDS", 60)) * time.Second
	cfg.WriteTimeout = time.Duration(getEnvInt("WS_WRITE_TIMEOUT_SECONDS", 10)) * time.Second
	cfg.RoomIdleTeardown = time.Duration(getEnvInt("ROOM_IDLE_TEARDOWN_MINUTES", 10)) * time.Minute
	cfg.AwayAfter = time.Duration(getEnvInt("AWAY_AFTER_SECONDS", 300)) * time.Second
	cfg.RateLimits.JoinsPerMinute = getEnvInt("RATE_JOINS_PER_MINUTE", 10)
	cfg.RateLimits.CursorsPerSecond = getEnvInt("RATE_CURSORS_PER_SECOND", 50)
	cfg.RateLimits.OperationsPerMinute = getEnvInt("RATE_OPERATIONS_PER_MINUTE", 200)

	logger.Info("starting collabd...")
	logger.Info("port: %s", port)
	logger.Info("database: %s", sqliteURI)

	store, err := sqlite.New(sqliteURI)
	if err != nil {
		logger.Error("failed to open database: %v", err)
		log.Fatalf("failed to open database: %v", err)
	}
	defer store.Close()

	// Optional bootstrap: seed a user and print their bearer token, for
	// fresh deployments where the identity backend is not wired up yet.
	if name := os.Getenv("SEED_USER"); name != "" {
		user, err := store.CreateUser(context.Background(), name)
		if err != nil {
			log.Fatalf("failed to seed user: %v", err)
		}
		token := auth.GenerateToken()
		if err := store.IssueToken(context.Background(), user.ID, token); err != nil {
			log.Fatalf("failed to issue token: %v", err)
		}
		logger.Info("seeded user %s (%s) with token %s", name, user.ID, token)
	}

	srv := server.NewServer(store, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go srv.Run(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("shutting down...")
		cancel()
		logger.Sync()
		os.Exit(0)
	}()

	addr := fmt.Sprintf(":%s", port)
	log.Fatal(srv.ListenAndServe(addr))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}
