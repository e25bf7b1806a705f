package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/routecodex/routecodex/internal/application"
	"github.com/routecodex/routecodex/internal/infrastructure/config"
	"github.com/routecodex/routecodex/internal/infrastructure/logger"
)

const (
	appName    = "routecodex"
	appVersion = "1.0.0"
)

// Exit codes: 0 ok, 2 invalid config, 3 not ready before the health timeout.
const (
	exitOK          = 0
	exitConfig      = 2
	exitNotReady    = 3
	exitFatal       = 1
	readyTimeout    = 10 * time.Second
	shutdownTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", "", "path to config.json (default: $ROUTECODEX_CONFIG_PATH, then search)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s v%s\n", appName, appVersion)
		os.Exit(exitOK)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	log, err := logger.NewLogger(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		OutputPath: "stdout",
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(exitFatal)
	}
	defer log.Sync()

	log.Info("Starting RouteCodex",
		zap.String("name", appName),
		zap.String("version", appVersion),
		zap.String("listen", fmt.Sprintf("%s:%d", cfg.HTTPServer.Host, cfg.HTTPServer.Port)),
	)

	app, err := application.New(cfg, resolvedConfigPath(*configPath), log)
	if err != nil {
		log.Error("Failed to assemble gateway", zap.Error(err))
		os.Exit(exitFatal)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.Start(ctx); err != nil {
		log.Error("Failed to start gateway", zap.Error(err))
		os.Exit(exitFatal)
	}

	if !waitReady(app.Addr(), readyTimeout) {
		log.Error("Gateway did not become ready", zap.Duration("timeout", readyTimeout))
		os.Exit(exitNotReady)
	}
	log.Info("Gateway ready")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	log.Info("Received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancelShutdown()
	if err := app.Stop(shutdownCtx); err != nil {
		log.Error("Error during shutdown", zap.Error(err))
		os.Exit(exitFatal)
	}
	log.Info("Gateway stopped")
}

// waitReady polls /ready until the listener answers or the timeout passes.
func waitReady(addr string, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	url := "http://" + addr + "/ready"
	client := &http.Client{Timeout: time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return true
			}
		}
		time.Sleep(100 * time.Millisecond)
	}
	return false
}

// resolvedConfigPath returns the file the watcher should follow.
func resolvedConfigPath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	return os.Getenv("ROUTECODEX_CONFIG_PATH")
}
