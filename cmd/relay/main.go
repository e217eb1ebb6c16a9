package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rollkeeper/relay/internal/common/config"
	"github.com/rollkeeper/relay/internal/gateway"
	"github.com/rollkeeper/relay/internal/registry"
	"github.com/rollkeeper/relay/internal/server"
	"github.com/rollkeeper/relay/internal/service"
	"github.com/rollkeeper/relay/internal/session"
	"github.com/rollkeeper/relay/pkg/logger"
	"github.com/rollkeeper/relay/pkg/version"
)

var (
	configPath string

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of relay",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("relay version %s\n", version.Get())
		},
	}

	rootCmd = &cobra.Command{
		Use:   "relay",
		Short: "Live session relay",
		Long:  `Relay shares a host's initiative-tracker session with viewers over a realtime connection`,
		Run: func(cmd *cobra.Command, args []string) {
			run()
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "conf", "relay.yaml", "path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func run() {
	cfg, cfgPath, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration from %s: %v", cfgPath, err)
	}

	zapLogger, err := logger.NewLogger(&cfg.Logger)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer func() {
		_ = zapLogger.Sync()
	}()

	zapLogger.Info("starting relay",
		zap.String("version", version.Get()),
		zap.String("config", cfgPath))

	store, err := session.NewStore(zapLogger, &cfg.Session)
	if err != nil {
		zapLogger.Fatal("failed to initialize session store", zap.Error(err))
	}
	defer store.Close()

	reg, err := registry.NewRegistry(zapLogger, &cfg.Registry)
	if err != nil {
		zapLogger.Fatal("failed to initialize connection registry", zap.Error(err))
	}
	defer reg.Close()

	svc := service.NewService(zapLogger, store, reg)
	gw := gateway.NewGateway(zapLogger, svc, reg, cfg.Gateway)
	svc.SetPusher(gw)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	srv := server.NewServer(zapLogger, svc, gw, cfg)
	srv.RegisterRoutes(router)

	httpSrv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: router,
	}

	go func() {
		zapLogger.Info("listening", zap.String("addr", cfg.Server.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLogger.Fatal("failed to start server", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	zapLogger.Info("shutting down")
	gw.Shutdown("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(ctx); err != nil {
		zapLogger.Error("forced shutdown", zap.Error(err))
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
