package httpapi

import (
	"crypto/ed25519"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/DoyleJ11/coinflip-royale/internal/engine"
	"github.com/DoyleJ11/coinflip-royale/internal/hub"
	"github.com/DoyleJ11/coinflip-royale/internal/ws"
)

type Options struct {
	// Defaults are the rules of rooms created without overrides.
	Defaults engine.Rules
	WS       ws.Options
	Logger   *zap.Logger

	// PublicKey verifies flip signatures. Served at /fairness/key.
	PublicKey ed25519.PublicKey
}

func SetupRoutes(h *hub.Hub, opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/fairness/key", PublicKey(opts.PublicKey))
	r.Route("/rooms", func(r chi.Router) {
		r.Post("/", CreateRoom(h, opts.Defaults, logger))
		r.Get("/", ListRooms(h))
		r.Get("/{id}", GetRoom(h))
	})
	r.Get("/ws", ws.Handler(h, opts.WS, logger))
	return r
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("http request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
