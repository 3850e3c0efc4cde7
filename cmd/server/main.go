package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	_ "github.com/lib/pq"
	"github.com/npezzotti/pairchat/internal/api"
	"github.com/npezzotti/pairchat/internal/config"
	"github.com/npezzotti/pairchat/internal/database"
	"github.com/npezzotti/pairchat/internal/server"
	"github.com/npezzotti/pairchat/internal/stats"
)

const (
	defaultSigningKey = "wT0phFUusHZIrDhL9bUKPUhwaxKhpi/SaI6PtgB+MgU="
	shutdownTimeout   = 10 * time.Second
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

var (
	addr            string
	internalAddr    string
	dsn             string
	signingKey      string
	allowedOrigins  stringSliceFlag
	roomIdleTimeout time.Duration
	connectRate     float64
	connectBurst    int
	internalHash    string
)

func main() {
	flag.StringVar(&addr, "addr", "localhost:8000", "public server address")
	flag.StringVar(&internalAddr, "internal-addr", "localhost:8001", "internal server address for broadcasts and stats")
	flag.StringVar(&dsn, "dsn", "host=localhost user=postgres password=postgres dbname=postgres sslmode=disable", "database connection string")
	flag.StringVar(&signingKey, "signing-key", defaultSigningKey, "base64 encoded signing key")
	flag.Var(&allowedOrigins, "allowed-origins", "comma-separated list of allowed origins for CORS")
	flag.DurationVar(&roomIdleTimeout, "room-idle-timeout", config.DefaultRoomIdleTimeout, "how long an empty room is kept")
	flag.Float64Var(&connectRate, "connect-rate", config.DefaultConnectRate, "websocket handshakes per second allowed per client address")
	flag.IntVar(&connectBurst, "connect-burst", config.DefaultConnectBurst, "handshake burst allowed per client address")
	flag.StringVar(&internalHash, "internal-token-hash", "", "bcrypt hash of the bearer token required by the internal broadcast route")
	flag.Parse()

	logger := log.New(os.Stderr, "[pairchat] ", log.LstdFlags)

	cfg, err := config.NewConfig(addr, internalAddr, dsn, signingKey, allowedOrigins,
		config.WithRoomIdleTimeout(roomIdleTimeout),
		config.WithConnectLimit(connectRate, connectBurst),
		config.WithInternalTokenHash(internalHash),
	)
	if err != nil {
		logger.Fatal("config:", err)
	}

	dbConn, err := database.NewPgCoupleRepository(cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("db open:", err)
	}

	internalMux := http.NewServeMux()

	statsUpdater := stats.NewStatsUpdater(internalMux)
	statsUpdater.Publish("pairchat")
	statsUpdater.Run()

	registry := server.NewRegistry(logger, statsUpdater, cfg.RoomIdleTimeout)

	app := api.NewChatApp(internalMux, logger, registry, dbConn, statsUpdater, cfg)

	for name, start := range map[string]func() error{
		"public":   app.Start,
		"internal": app.StartInternal,
	} {
		go func() {
			if err := start(); err != nil && err != http.ErrServerClosed {
				logger.Fatalf("%s server: %v", name, err)
			}
		}()
	}

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		shutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				return app.Shutdown(ctx)
			},
			"rooms": func(ctx context.Context) error {
				return registry.Shutdown(ctx)
			},
			"database": func(ctx context.Context) error {
				return dbConn.Close()
			},
		},
	)

	exitCode := <-wait
	logger.Printf("shutdown complete with code %d", exitCode)
	os.Exit(exitCode)
}
