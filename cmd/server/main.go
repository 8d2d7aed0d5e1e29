package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/real-rm/chatdesk"
	"github.com/real-rm/chatdesk/internal/config"
	"github.com/real-rm/chatdesk/internal/constants"
	"github.com/real-rm/chatdesk/internal/logging"
	"github.com/real-rm/chatdesk/internal/util"
)

// configPathEnv names a directory searched first for chatdesk.yaml.
const configPathEnv = "CHATDESK_CONFIG_PATH"

// loadConfiguration loads and validates the configuration
func loadConfiguration() (*config.Config, error) {
	cfg, err := config.Load(os.Getenv(configPathEnv))
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// initializeLogger builds the process logger and matches gin's mode to it
func initializeLogger(cfg *config.Config) zerolog.Logger {
	logger := logging.New(cfg.Log)
	if logger.GetLevel() > zerolog.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}
	return logger
}

// setupSignalHandler sets up signal handling for graceful shutdown
func setupSignalHandler() chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	return sigChan
}

// NewHTTPServer creates an HTTP server with production-safe timeout defaults.
func NewHTTPServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  constants.HTTPReadTimeout,
		WriteTimeout: constants.HTTPWriteTimeout,
		IdleTimeout:  constants.HTTPIdleTimeout,
	}
}

// runWithSignalChannel is a testable version of run that accepts a signal channel
func runWithSignalChannel(sigChan chan os.Signal) error {
	cfg, err := loadConfiguration()
	if err != nil {
		return err
	}
	logger := initializeLogger(cfg)

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.Server.Port, err)
	}
	return serve(cfg, logger, ln, sigChan)
}

// serve runs the service on ln until a signal arrives or the listener fails,
// then shuts down within constants.ShutdownTimeout.
func serve(cfg *config.Config, logger zerolog.Logger, ln net.Listener, sigChan <-chan os.Signal) error {
	ctx := context.Background()
	svc, err := chatdesk.New(ctx, cfg, logger)
	if err != nil {
		_ = ln.Close()
		return err
	}

	r := gin.New()
	r.Use(gin.Recovery())
	svc.Register(r)
	svc.Start(ctx)

	srv := NewHTTPServer(ln.Addr().String(), r)
	errCh := make(chan error, 1)
	util.SafeGo(logger, "http", func() { errCh <- srv.Serve(ln) })
	logger.Info().Str("address", ln.Addr().String()).Str("path_prefix", cfg.Server.PathPrefix).Msg("Server starting")

	var serveErr error
	select {
	case sig := <-sigChan:
		logger.Info().Str("signal", sig.String()).Msg("Shutting down gracefully")
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			serveErr = fmt.Errorf("http server failed: %w", err)
			util.LogError(logger, "server", "serve http", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(ctx, constants.ShutdownTimeout)
	defer cancel()

	// Stop accepting requests first; hijacked WebSocket connections are
	// closed by the service.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		util.LogWarn(logger, "server", "shutdown http server", err)
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		return errors.Join(serveErr, fmt.Errorf("service shutdown: %w", err))
	}
	logger.Info().Msg("Server stopped")
	return serveErr
}

func main() {
	if err := runMain(); err != nil {
		log.Fatalf("Failed to run server: %v", err)
	}
}

// runMain is the testable main function
func runMain() error {
	sigChan := setupSignalHandler()
	return runWithSignalChannel(sigChan)
}
