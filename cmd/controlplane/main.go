package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/arcfabric/controlplane/pkg/audit"
	"github.com/arcfabric/controlplane/pkg/auth"
	"github.com/arcfabric/controlplane/pkg/breaker"
	"github.com/arcfabric/controlplane/pkg/budget"
	"github.com/arcfabric/controlplane/pkg/bus"
	"github.com/arcfabric/controlplane/pkg/config"
	"github.com/arcfabric/controlplane/pkg/dlq"
	"github.com/arcfabric/controlplane/pkg/migrate"
	"github.com/arcfabric/controlplane/pkg/server"

	_ "github.com/lib/pq" // Postgres driver
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run is the entrypoint, separated for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return runServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return runServer(stderr)
	case "migrate":
		return runMigrate(stdout, stderr)
	case "health":
		return runHealth(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: controlplane <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  server   Run the control plane API server (default)")
	fmt.Fprintln(w, "  migrate  Apply pending database migrations and exit")
	fmt.Fprintln(w, "  health   Check a running server over HTTP")
	fmt.Fprintln(w, "  help     Show this help")
}

func runServer(stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		log.Error("database connection failed", "error", err)
		return 1
	}
	defer db.Close()

	kv, err := openRedis(cfg.RedisURL)
	if err != nil {
		log.Error("redis connection failed", "error", err)
		return 1
	}
	defer kv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := migrate.Run(ctx, db, log); err != nil {
		log.Error("migrations failed", "error", err)
		return 1
	}

	auditor := audit.NewPostgresRecorder(db)
	issuer := auth.NewTokenIssuer(cfg.JWTSecret, cfg.TokenTTL)
	users := auth.NewPostgresUserStore(db)
	login := auth.NewLoginService(users, kv, issuer, auditor, cfg.LoginMaxAttempts, cfg.LoginLockoutTTL)
	budgetCtrl := budget.NewController(db, kv, cfg.DefaultTenantLimit, log)
	dlqStore := dlq.NewStore(db)

	breakers := breaker.NewRegistry()
	breakers.Register("database", breaker.Config{FailureThreshold: 5, RecoveryTimeout: 30 * time.Second})
	breakers.Register("redis", breaker.Config{FailureThreshold: 5, RecoveryTimeout: 15 * time.Second})
	busBreaker := breakers.Register("message_bus", breaker.Config{FailureThreshold: 3, RecoveryTimeout: 30 * time.Second})

	streamBus := bus.NewStreamBus(kv)
	dlqConsumer := bus.NewConsumer(kv, bus.DLQStream, "dlq-workers", hostname(), log)
	alerts := dlq.NewSafePublisher(bus.NewGuarded(streamBus, busBreaker), 5*time.Second, log)
	worker := dlq.NewWorker(dlqConsumer, dlqStore, alerts, log)
	go worker.Run(ctx)

	sweeper := budget.NewSweeper(budgetCtrl, cfg.SweepInterval, log)
	go sweeper.Run(ctx)

	srv := server.New(cfg, db, kv, login, issuer, budgetCtrl, dlqStore, breakers, auditor, log)
	if err := srv.ListenAndServe(ctx); err != nil {
		log.Error("server failed", "error", err)
		return 1
	}

	worker.Stop()
	sweeper.Stop()
	return 0
}

func runMigrate(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	db, err := openDatabase(cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "database: %v\n", err)
		return 1
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := migrate.Run(ctx, db, newLogger("info")); err != nil {
		fmt.Fprintf(stderr, "migrate: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "migrations applied")
	return 0
}

func runHealth(stdout, stderr io.Writer) int {
	host := os.Getenv("HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(fmt.Sprintf("http://%s:%s/health", host, port))
	if err != nil {
		fmt.Fprintf(stderr, "health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		fmt.Fprintf(stderr, "health check: bad response: %v\n", err)
		return 1
	}

	out, _ := json.MarshalIndent(body, "", "  ")
	fmt.Fprintln(stdout, string(out))
	if resp.StatusCode != http.StatusOK {
		return 1
	}
	return 0
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func openDatabase(url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openRedis(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	kv := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := kv.Ping(ctx).Err(); err != nil {
		kv.Close()
		return nil, err
	}
	return kv, nil
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "dlq-worker"
	}
	return h
}
