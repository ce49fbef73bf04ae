package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/openprescribing/bnfwatch/api"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the monthly scheduler",
	Long: `Starts the HTTP API and, unless scheduler.enabled is false, a background
scheduler that processes each newly published month.

On SIGINT/SIGTERM the server stops accepting connections, waits up to 30s for
active requests, stops the scheduler and closes the database.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "HTTP server port (default: server.port)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	port := cfg.Server.Port
	if servePort != 0 {
		port = servePort
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	mon := newMonitor(store)
	handler := api.NewHandler(store, store, mon, logger.Named("api"))
	router := api.NewRouter(handler, api.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		ReportsDir:     cfg.Reports.Dir,
	})

	scheduler := api.NewRunScheduler(mon, store, logger.Named("scheduler"))
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval

	// POST /api/runs fetches a whole month before responding.
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.Int("port", port), zap.String("database", cfg.Database.Path))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	scheduler.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err, ok := <-errCh:
		if ok {
			scheduler.Stop()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	shutdownErr := server.Shutdown(ctx)
	scheduler.Stop()
	if shutdownErr != nil {
		return fmt.Errorf("server forced to shutdown: %w", shutdownErr)
	}

	logger.Info("server stopped")
	return nil
}
