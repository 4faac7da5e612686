package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sku-render-pipeline/internal/api"
	"sku-render-pipeline/internal/config"
	"sku-render-pipeline/internal/websocket"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with live websocket updates",
	RunE:  runServe,
}

var serveAddr string

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer log.Close()

	a, err := newApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	wsManager := websocket.New(a.coord, log)
	a.store.SetOnChange(wsManager.BroadcastJob)

	server := api.NewServer(api.Options{
		Coordinator:     a.coord,
		DB:              a.db,
		WSManager:       wsManager,
		Logger:          log,
		OutputDir:       cfg.Storage.OutputDir,
		StaticDir:       cfg.Server.StaticDir,
		SubmitPerMinute: cfg.Server.SubmitPerMinute,
		BaseContext:     ctx,
	})
	mux := http.NewServeMux()
	server.SetupRoutes(mux)

	config.Watch(func(next *config.Config) {
		a.coord.SetDefaults(next.Pipeline.Concurrency, next.Pipeline.MaxRetries)
		log.Info("[CONFIG] Reloaded", "concurrency", next.Pipeline.Concurrency, "max_retries", next.Pipeline.MaxRetries)
	}, func(err error) {
		log.Warn("[CONFIG] Ignoring invalid change", "error", err)
	})

	if retain := cfg.Server.RetainCompleted(); retain > 0 {
		go prune(ctx, a, retain)
	}

	addr := cfg.Server.Addr
	if serveAddr != "" {
		addr = serveAddr
	}
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("[INIT] Server starting", "addr", addr)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("[SHUTDOWN] Stopping server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

// prune forgets completed jobs older than retain, checking once a minute
func prune(ctx context.Context, a *app, retain time.Duration) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.coord.Prune(retain)
		}
	}
}
