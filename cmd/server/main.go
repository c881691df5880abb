package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/chatstream/sessionproxy/internal/agent"
	"github.com/chatstream/sessionproxy/internal/config"
	"github.com/chatstream/sessionproxy/internal/httpapi"
	"github.com/chatstream/sessionproxy/internal/logger"
	"github.com/chatstream/sessionproxy/internal/protocol"
	"github.com/chatstream/sessionproxy/internal/session"
	"github.com/chatstream/sessionproxy/internal/store/pg"
)

func main() {
	config.LoadConfig()
	cfg := config.AppConfig

	log := logger.New(logger.FromConfig(cfg.LogLevel, cfg.LogFormat))
	log.Info("starting sessionproxy", "port", cfg.Port, "instance_id", logger.GetInstanceID())

	ctx := context.Background()

	store, err := pg.Open(ctx, cfg, log)
	if err != nil {
		log.Error("failed to open stream store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	manager := session.NewManager(store, log, time.Duration(cfg.SessionTTLMinutes)*time.Minute, cfg.SessionCleanupIntervalCron)
	defer manager.Shutdown(context.Background())

	if cfg.NatsURL != "" {
		nc, err := nats.Connect(cfg.NatsURL)
		if err != nil {
			log.Warn("failed to connect to NATS, distributed stop-generation disabled", "error", err, "url", cfg.NatsURL)
		} else {
			defer nc.Close()
			distrib := session.NewDistributedStop(nc, manager, log, logger.GetInstanceID())
			if err := distrib.Start(); err != nil {
				log.Warn("failed to subscribe distributed stop service", "error", err)
			} else {
				manager.AttachDistributedStop(distrib)
				defer distrib.Stop()
				log.Info("distributed stop-generation enabled", "nats_url", cfg.NatsURL)
			}
		}
	}

	orchestrator := agent.NewOrchestrator(time.Duration(cfg.Agents.InvokeTimeoutSeconds)*time.Second, log)
	proto := protocol.New(manager, orchestrator, cfg.MaxChunkSizeBytes, log)

	router := httpapi.NewRouter(httpapi.Deps{
		Protocol: proto,
		Sessions: manager,
		Store:    store,
		Config:   cfg,
		Log:      log,
	})
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	corsHandler := cors.New(cors.Options{
		AllowCredentials: true,
		AllowedOrigins:   splitOrigins(cfg.CORSAllowedOrigins),
		AllowedHeaders:   []string{"Authorization", "Content-Type", "Accept", "X-Actor-Id", "X-Session-Id", "X-Resume-Active-Generation", "X-Request-Id"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		Debug:            false,
	})

	server := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: corsHandler.Handler(router),
	}

	go func() {
		log.Info("listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ServerShutdownTimeoutSeconds)*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
	}
	log.Info("shutdown complete")
}

func splitOrigins(raw string) []string {
	if raw == "" {
		return []string{"http://localhost:3000"}
	}
	parts := strings.Split(raw, ",")
	for i, p := range parts {
		parts[i] = strings.TrimSpace(p)
	}
	return parts
}
