package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/circlesplit/splitledger/internal/archive"
	"github.com/circlesplit/splitledger/internal/auth"
	"github.com/circlesplit/splitledger/internal/gateway"
	"github.com/circlesplit/splitledger/internal/registry"
	"github.com/circlesplit/splitledger/internal/telemetry"
	"github.com/circlesplit/splitledger/pkg/messaging"
	"github.com/circlesplit/splitledger/pkg/token"
)

type Config struct {
	Port            string
	NATSUrl         string
	JWTSecret       string
	DatabaseURL     string
	RedisURL        string
	InfluxURL       string
	InfluxToken     string
	InfluxOrg       string
	InfluxBucket    string
	RateLimitMax    int
	RateLimitWindow time.Duration
}

func loadConfig() *Config {
	return &Config{
		Port:            getEnv("PORT", "8000"),
		NATSUrl:         getEnv("NATS_URL", "nats://localhost:4222"),
		JWTSecret:       getEnv("JWT_SECRET", "dev-secret"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		InfluxURL:       os.Getenv("INFLUXDB_URL"),
		InfluxToken:     os.Getenv("INFLUXDB_TOKEN"),
		InfluxOrg:       os.Getenv("INFLUXDB_ORG"),
		InfluxBucket:    os.Getenv("INFLUXDB_BUCKET"),
		RateLimitMax:    getEnvInt("RATE_LIMIT_MAX", 100),
		RateLimitWindow: time.Minute,
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			return n
		}
	}
	return defaultVal
}

func main() {
	// Optional .env for local development
	godotenv.Load()

	cfg := loadConfig()

	msgClient, err := messaging.NewClient(messaging.Config{
		URL:            cfg.NATSUrl,
		Name:           "splitledgerd",
		ReconnectWait:  time.Second,
		MaxReconnects:  60,
		ConnectTimeout: 10 * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to connect to NATS: %v", err)
	}
	defer msgClient.Close()

	// The engine moves value through the token capability; the simulator
	// stands in for the external USDC contract.
	sim := token.NewSim()

	reg, err := registry.NewRegistry(sim, msgClient)
	if err != nil {
		log.Fatalf("Failed to create registry: %v", err)
	}

	authSvc := auth.NewService(cfg.JWTSecret, "splitledgerd")

	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	}

	gw := gateway.NewGateway(gateway.Config{
		RateLimitMax:    cfg.RateLimitMax,
		RateLimitWindow: cfg.RateLimitWindow,
	}, reg, authSvc, msgClient, rdb)

	if err := gw.SubscribeEvents(); err != nil {
		log.Fatalf("Failed to subscribe gateway to events: %v", err)
	}

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to open database: %v", err)
		}
		defer db.Close()

		db.SetMaxOpenConns(25)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(5 * time.Minute)

		arc := archive.New(db)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := arc.EnsureSchema(ctx); err != nil {
			cancel()
			log.Fatalf("Failed to ensure archive schema: %v", err)
		}
		cancel()

		if err := arc.Listen(msgClient); err != nil {
			log.Fatalf("Failed to start archive listener: %v", err)
		}
		log.Printf("Payment archive enabled")
	}

	recorder := telemetry.NewRecorder(telemetry.Config{
		URL:    cfg.InfluxURL,
		Token:  cfg.InfluxToken,
		Org:    cfg.InfluxOrg,
		Bucket: cfg.InfluxBucket,
	})
	defer recorder.Close()

	if err := recorder.Listen(msgClient); err != nil {
		log.Fatalf("Failed to start telemetry listener: %v", err)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      gw.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("splitledgerd listening on :%s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("splitledgerd exited: %v", err)
	}
}
