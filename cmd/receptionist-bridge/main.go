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

	"github.com/birddigital/receptionist-bridge/pkg/callcontrol"
	"github.com/birddigital/receptionist-bridge/pkg/config"
	"github.com/birddigital/receptionist-bridge/pkg/logger"
	"github.com/birddigital/receptionist-bridge/pkg/store"
	"github.com/birddigital/receptionist-bridge/pkg/telephony"
)

func main() {
	v, err := config.InitConfig()
	if err != nil {
		log.Fatalf("failed to read config: %v", err)
	}
	cfg, err := config.GetApplicationConfig(v)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	appLog, err := logger.New(logger.Options{Level: cfg.LogLevel, File: cfg.LogFile})
	if err != nil {
		log.Fatalf("failed to build logger: %v", err)
	}
	defer appLog.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database
	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	pool, err := store.Connect(connectCtx, cfg.PostgresConfig.DSN, cfg.PostgresConfig.MaxConnections)
	cancel()
	if err != nil {
		appLog.Fatalf("[Main] %v", err)
	}
	defer pool.Close()

	// Carrier call control
	control := callcontrol.NewClient(cfg.TelephonyConfig.APIKey, cfg.TelephonyConfig.BaseURL)
	if err := control.ValidateConfiguration(); err != nil {
		appLog.Fatalf("[Main] %v", err)
	}

	// Realtime AI leg
	dialer := &telephony.WebsocketRealtimeDialer{
		URL:    cfg.RealtimeConfig.URL,
		Model:  cfg.RealtimeConfig.Model,
		APIKey: cfg.RealtimeConfig.APIKey,
	}

	bridgeConfig := telephony.DefaultBridgeConfig()
	bridgeConfig.GreetingDelay = cfg.BridgeConfig.GreetingDelay()
	bridgeConfig.EndCallGrace = cfg.BridgeConfig.EndCallGrace()
	bridgeConfig.MinChunkBytes = cfg.BridgeConfig.MinChunkBytes

	registry := telephony.NewActiveCallRegistry(appLog)
	handlers := telephony.NewCallHandlers(
		registry,
		store.NewPostgresStore(pool),
		control,
		dialer,
		telephony.CallHandlersConfig{
			Bridge:       bridgeConfig,
			StartTimeout: cfg.BridgeConfig.StartTimeout(),
			StreamURL:    cfg.TelephonyConfig.StreamURL,
		},
		appLog,
	)

	mux := http.NewServeMux()
	handlers.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		appLog.Infof("[Main] Receptionist bridge listening on %s", cfg.Addr())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			appLog.Fatalf("[Main] HTTP server failed: %v", err)
		}
	}()

	<-ctx.Done()
	appLog.Infof("[Main] Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLog.Warnf("[Main] Graceful shutdown incomplete: %v", err)
	}

	// Shutdown does not track hijacked media stream connections
	registry.StopAll("server shutting down")
}
