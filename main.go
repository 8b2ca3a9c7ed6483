package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"chat-sync/internal/config"
	"chat-sync/internal/engine"
	"chat-sync/internal/gateway"
	"chat-sync/internal/handlers"
	"chat-sync/internal/models"
	"chat-sync/internal/rabbitmq"
	"chat-sync/internal/store"
	"chat-sync/internal/telemetry"
	"chat-sync/internal/ws"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.SetupTracing(ctx, telemetry.TracingConfig{
		Endpoint:    cfg.OTLPEndpoint,
		Service:     cfg.Service,
		Environment: cfg.Environment,
		SampleRatio: cfg.TraceSampleRate,
	})
	if err != nil {
		log.Fatalf("failed to set up tracing: %v", err)
	}

	publisher := rabbitmq.NewPublisher(cfg.AMQPURL, cfg.AuditExchange)
	log.Printf("audit publisher mode=%s reason=%q", rabbitmq.PublisherMode(publisher), rabbitmq.PublisherNoopReason(publisher))
	audit := telemetry.NewAuditEmitter(publisher, cfg.AuditRouting, cfg.Service, cfg.Environment, cfg.LocalUserID, nil)

	st, rec := store.New(store.Options{
		LocalUserID:  cfg.LocalUserID,
		OperatorMode: cfg.OperatorMode,
		TypingTTL:    cfg.TypingTTL,
		EchoWindow:   cfg.EchoWindow,
	})
	unsubscribe := st.SubscribeConnectionState(func(state models.ConnState) {
		log.Printf("[main] connection state=%s", state)
	})
	defer unsubscribe()

	transport := ws.NewClient(ws.Options{
		URL:              cfg.PushURL,
		HandshakeTimeout: cfg.HandshakeTimeout,
		InitialBackoff:   cfg.ReconnectInitial,
		MaxBackoff:       cfg.ReconnectMax,
	})
	gw := gateway.NewHTTPClient(gateway.Options{
		BaseURL: cfg.APIBaseURL,
		Token:   cfg.AccessToken,
		Timeout: cfg.CommandTimeout,
	})

	eng := engine.New(gw, transport, rec, audit, engine.Options{
		OperatorMode:        cfg.OperatorMode,
		HistoryPageSize:     cfg.HistoryPageSize,
		ListPageSize:        cfg.ListPageSize,
		MarkReadConcurrency: cfg.MarkReadLimit,
		RefreshInterval:     cfg.RefreshInterval,
		RefreshDebounce:     cfg.RefreshDebounce,
		RefreshFullEvery:    cfg.RefreshFullEvery,
		TypingDebounce:      cfg.TypingDebounce,
		TypingMaxWait:       cfg.TypingMaxWait,
		SweepInterval:       cfg.SweepInterval,
	})

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr: cfg.DebugAddr,
		Handler: handlers.NewDebugRouter(handlers.DebugDeps{
			Service:   cfg.Service,
			State:     st,
			Refresher: eng,
			Conn:      transport,
			Audit:     audit,
			Token:     cfg.DebugToken,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		log.Printf("debug server listening addr=%s", cfg.DebugAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("debug server error: %v", err)
		}
	}()

	if err := eng.Start(ctx, cfg.AccessToken); err != nil {
		log.Fatalf("failed to start sync engine: %v", err)
	}

	<-ctx.Done()
	log.Printf("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := eng.Stop(); err != nil {
		log.Printf("engine stop: %v", err)
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("debug server shutdown: %v", err)
	}
	if err := publisher.Close(); err != nil {
		log.Printf("audit publisher close: %v", err)
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Printf("tracing shutdown: %v", err)
	}
}
