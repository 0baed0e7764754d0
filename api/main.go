package main

import (
	"context"
	"crypto/subtle"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"wharf/api/auth"
	"wharf/api/config"
	"wharf/api/discovery"
	"wharf/api/handler"
	"wharf/api/health"
	"wharf/api/hub"
	"wharf/api/k8s"
	"wharf/api/logging"
	"wharf/api/manager"
	"wharf/api/registry"
)

var Version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Init("info", false)
		l := logging.Component("main")
		l.Fatal().Err(err).Msg("configuration")
	}
	logging.Init(cfg.LogLevel, cfg.LogJSON)
	log := logging.Component("main")

	kube, err := k8s.NewClient()
	if err != nil {
		log.Fatal().Err(err).Msg("kubernetes unavailable")
	}

	var reg *registry.Client
	if cfg.ConsulAddr != "" {
		reg, err = registry.NewClient(cfg.ConsulAddr)
		if err != nil {
			log.Warn().Err(err).Msg("consul unavailable, running without discovery aggregate")
			reg = nil
		} else {
			log.Info().Str("addr", cfg.ConsulAddr).Msg("consul connected")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	allowedOrigins := []string{"http://localhost:5173", "http://localhost:3000"}
	for _, o := range strings.Split(cfg.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			allowedOrigins = append(allowedOrigins, o)
		}
	}

	ws := hub.New(allowedOrigins)
	go ws.Run(ctx)

	disc := discovery.New(kube, cfg.Namespace, cfg.LabelSelector, cfg.DiscoveryInterval)
	go disc.Run(ctx)

	prober := health.NewProber(disc, ws, cfg.ProbeInterval, cfg.ProbeTimeout, cfg.ProbeConcurrency)
	go prober.Run(ctx)

	mgr := manager.New(kube, disc, reg, cfg)
	h := handler.New(cfg, disc, mgr, prober, reg)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", auth.TokenHeader},
		AllowCredentials: true,
	}))

	if cfg.AccessJWKSURL != "" {
		validator := auth.NewValidator(cfg.AccessJWKSURL, cfg.AccessIssuer, cfg.AccessAudience)
		r.Use(validator.Middleware)
		log.Info().Msg("access token auth enabled")
	}
	if cfg.APIToken != "" {
		r.Use(bearerAuth(cfg.APIToken))
		log.Info().Msg("API token auth enabled")
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)
		r.Get("/version", func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"version":"` + Version + `"}`))
		})
		r.Get("/endpoints", h.ListEndpoints)
		r.Route("/servers", func(r chi.Router) {
			r.Get("/", h.ListServers)
			r.Get("/availability", h.CheckAvailability)
			r.Post("/{protocol}", h.CreateServer)
			r.Route("/{name}", func(r chi.Router) {
				r.Use(handler.ValidateServerName)
				r.Get("/", h.GetServer)
				r.Delete("/", h.DeleteServer)
				r.Post("/stop", h.StopServer)
				r.Post("/start", h.StartServer)
				r.Post("/restart", h.RestartServer)
			})
		})
	})

	r.Get("/ws", ws.HandleConnect)

	srv := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Str("version", Version).Msg("wharf listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	srv.Shutdown(shutdownCtx)
}

func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The websocket stream and liveness probes stay open.
			if r.URL.Path == "/ws" || r.URL.Path == "/api/health" || r.URL.Path == "/api/version" {
				next.ServeHTTP(w, r)
				return
			}
			header := r.Header.Get("Authorization")
			if !strings.HasPrefix(header, "Bearer ") {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			if subtle.ConstantTimeCompare([]byte(header[7:]), []byte(token)) != 1 {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
