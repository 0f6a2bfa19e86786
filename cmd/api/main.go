package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	api "batch-dispatcher/internal/api"
	"batch-dispatcher/internal/app"
	"batch-dispatcher/internal/archive"
	"batch-dispatcher/internal/config"
	"batch-dispatcher/internal/store"
)

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With(slog.String("service", "dispatch-api"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	var recorder api.Recorder
	if cfg.PersistBatch {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Fatalf("connect postgres: %v", err)
		}
		defer st.Close()

		if err := st.RunMigrations(ctx); err != nil {
			log.Fatalf("migrations: %v", err)
		}
		recorder = st
	}

	arch, err := archive.FromSettings(ctx, cfg.ArchiveDir, cfg.S3())
	if err != nil {
		log.Fatalf("init archive: %v", err)
	}

	engine, err := app.NewEngine(ctx, cfg, logger, app.Deps{})
	if err != nil {
		log.Fatalf("init engine: %v", err)
	}
	defer engine.Close()
	if n := app.RegisterConfigured(ctx, engine.Engine, cfg, logger); n > 0 {
		log.Printf("registered %d identities from IDENTITIES", n)
	}

	server := api.New(engine.Engine, recorder, arch, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s", cfg.HTTPPort)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
