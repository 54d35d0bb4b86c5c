package main

import (
	"context"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/peihexian/rtsp2flv/internal/media/ffmpeg"
	"github.com/peihexian/rtsp2flv/internal/platform/config"
	"github.com/peihexian/rtsp2flv/internal/platform/logger"
	"github.com/peihexian/rtsp2flv/internal/platform/metrics"
	"github.com/peihexian/rtsp2flv/internal/relay"
	"github.com/peihexian/rtsp2flv/internal/srs"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = config.Load()

	port := config.GetEnv("PORT", "8080")
	logLevel := config.GetEnv("LOG_LEVEL", "info")
	logFormat := config.GetEnv("LOG_FORMAT", "json")
	apiURL := config.GetEnv("SRS_API_URL", "http://localhost:1985/api/v1/streams")
	playbackTemplate := config.GetEnv("SRS_PLAYBACK_URL_TEMPLATE", "http://localhost:8080/live/{stream_name}.flv")
	webDir := config.GetEnv("WEB_DIR", "web")
	apiKeys := config.GetEnvList("API_KEYS")
	presets := relay.ParsePresets(config.GetEnv("STREAM_PRESETS", ""))

	opts := relay.Options{
		TickInterval:       config.GetEnvDuration("HEALTH_TICK_INTERVAL", relay.DefaultTickInterval),
		IdleTimeout:        config.GetEnvDuration("IDLE_TIMEOUT", relay.DefaultIdleTimeout),
		MaxRestarts:        config.GetEnvInt("MAX_RESTARTS", relay.DefaultMaxRestarts),
		RestartCooldown:    config.GetEnvDuration("RESTART_COOLDOWN", relay.DefaultRestartCooldown),
		HealthyResetWindow: config.GetEnvDuration("HEALTHY_RESET_WINDOW", relay.DefaultHealthyResetWindow),
	}

	log := logger.New(logLevel, logFormat)

	met := metrics.New()
	pipeline := relay.NewPipeline(ffmpeg.NewOpener(), "flv", log)
	reg := relay.NewRegistry(pipeline, opts, log, met)
	origin := srs.New(apiURL, playbackTemplate, log)
	h := relay.NewHandler(reg, origin, presets, relayHost(apiURL), log)

	supervisorCtx, stopSupervisor := context.WithCancel(context.Background())
	go reg.Run(supervisorCtx)

	r := chi.NewRouter()
	r.Use(logger.RequestLogger(log))
	r.Use(metrics.RequestMiddleware(met))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		met.Handler(func() { met.SetActiveSessions(reg.SessionCount()) }).ServeHTTP(w, r)
	})
	r.Get("/api/streams", h.ListStreams)
	r.Group(func(r chi.Router) {
		r.Use(relay.Auth(apiKeys, log))
		r.Post("/api/play", h.Play)
		r.Post("/api/heartbeat", h.Heartbeat)
	})
	r.Handle("/*", http.FileServer(http.Dir(webDir)))

	addr := ":" + port
	srv := &http.Server{Addr: addr, Handler: r}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	log.Info("server starting",
		"port", port,
		"srs_api_url", apiURL,
		"presets", len(presets),
		"log_level", logLevel,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Info("shutdown signal received, draining connections")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	stopSupervisor()
	log.Info("server stopped")
}

// relayHost extracts the host the RTMP publish URL targets from the SRS
// API URL, falling back to loopback when it cannot be parsed.
func relayHost(apiURL string) string {
	if u, err := url.Parse(apiURL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return "127.0.0.1"
}
