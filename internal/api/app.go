package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/pairchat/internal/config"
	"github.com/npezzotti/pairchat/internal/database"
	"github.com/npezzotti/pairchat/internal/server"
	"github.com/npezzotti/pairchat/internal/stats"
)

const maxBroadcastBodySize = 64 << 10

// ChatApp serves the public websocket handshake and, on a separate listener,
// the internal broadcast hook used by the message API.
type ChatApp struct {
	log            *log.Logger
	db             database.CoupleRepository
	registry       *server.Registry
	stats          stats.StatsProvider
	limiter        *ipLimiter
	signingKey     []byte
	allowedOrigins []string
	internalAuth   *tokenChecker
	public         *http.Server
	internal       *http.Server
}

// NewChatApp wires the handlers. internalMux receives the internal routes and
// may already carry others, such as the stats handler.
func NewChatApp(internalMux *http.ServeMux, logger *log.Logger, reg *server.Registry, db database.CoupleRepository, su stats.StatsProvider, cfg *config.Config) *ChatApp {
	s := &ChatApp{
		log:            logger,
		db:             db,
		registry:       reg,
		stats:          su,
		limiter:        newIPLimiter(cfg.ConnectRate, cfg.ConnectBurst),
		signingKey:     cfg.SigningKey,
		allowedOrigins: cfg.AllowedOrigins,
	}
	if cfg.InternalTokenHash != nil {
		s.internalAuth = &tokenChecker{hash: cfg.InternalTokenHash}
	}
	su.RegisterMetric(stats.NumRejectedConnections)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /ws/{coupleId}", noStore(s.rateLimit(s.serveWs)))

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
		handlers.AllowCredentials(),
	)(mux)
	h = handlers.LoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	s.public = &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	internalMux.HandleFunc("POST /rooms/{coupleId}/broadcast", s.requireInternalToken(s.internalBroadcast))
	s.internal = &http.Server{
		Addr:              cfg.InternalAddr,
		Handler:           s.errorHandler(internalMux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

func (s *ChatApp) Start() error {
	s.log.Printf("starting server on %s\n", s.public.Addr)
	return s.public.ListenAndServe()
}

func (s *ChatApp) StartInternal() error {
	s.log.Printf("starting internal server on %s\n", s.internal.Addr)
	return s.internal.ListenAndServe()
}

func (s *ChatApp) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP servers...")

	var errs []error
	if err := s.public.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("server shutdown: %w", err))
	}
	if err := s.internal.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("internal server shutdown: %w", err))
	}

	return errors.Join(errs...)
}
