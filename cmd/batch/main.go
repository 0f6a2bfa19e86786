package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"batch-dispatcher/internal/app"
	"batch-dispatcher/internal/archive"
	"batch-dispatcher/internal/config"
	"batch-dispatcher/internal/dispatch"
	"batch-dispatcher/internal/models"
	"batch-dispatcher/internal/store"
	"batch-dispatcher/internal/telemetry"
)

// batchFile is the on-disk input: identities to register and payloads to run.
type batchFile struct {
	Identities []models.Credentials `json:"identities"`
	Payloads   []models.Payload     `json:"payloads"`
}

func main() {
	cfg := config.Load()
	path := flag.String("file", cfg.BatchFile, "batch definition (JSON)")
	verbose := flag.Bool("v", false, "debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		log.Printf("interrupt: cancelling batch")
		cancel()
	}()

	input, err := readBatch(*path)
	if err != nil {
		log.Fatalf("read batch: %v", err)
	}

	engine, err := app.NewEngine(ctx, cfg, logger, app.Deps{})
	if err != nil {
		log.Fatalf("init engine: %v", err)
	}
	defer engine.Close()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	n, err := engine.RegisterIdentities(ctx, input.Identities)
	if err != nil {
		log.Printf("identity registration: %v", err)
	}
	log.Printf("registered %d/%d identities", n, len(input.Identities))

	jobs, err := engine.CreateJobs(input.Payloads)
	if err != nil {
		log.Fatalf("create jobs: %v", err)
	}

	progress := make(chan dispatch.ProgressEvent, 64)
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for ev := range progress {
			log.Printf("[%d/%d] job %d %s on %s (attempts=%d) %s", ev.Done, ev.Total, ev.Index, ev.Type, ev.Identity, ev.Attempts, ev.Error)
		}
	}()

	summary, err := engine.Run(ctx, jobs, progress)
	close(progress)
	<-drained
	if err != nil {
		log.Fatalf("run: %v", err)
	}

	batchID := store.NewBatchID()
	persist(cfg, batchID, summary)

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(models.BatchRecord{ID: batchID, Summary: summary})
	if summary.Failed > 0 {
		os.Exit(1)
	}
}

func readBatch(path string) (batchFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return batchFile{}, err
	}
	var in batchFile
	if err := json.Unmarshal(raw, &in); err != nil {
		return batchFile{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return in, nil
}

// persist records and archives the summary; failures are logged, never fatal.
func persist(cfg config.Config, batchID string, summary models.BatchSummary) {
	ctx := context.Background()
	if cfg.PersistBatch {
		st, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			log.Printf("connect postgres: %v", err)
		} else {
			defer st.Close()
			if err := st.RunMigrations(ctx); err != nil {
				log.Printf("migrations: %v", err)
			} else if err := st.RecordBatch(ctx, batchID, summary); err != nil {
				log.Printf("record batch: %v", err)
			}
		}
	}

	arch, err := archive.FromSettings(ctx, cfg.ArchiveDir, cfg.S3())
	if err != nil {
		log.Printf("init archive: %v", err)
		return
	}
	loc, err := arch.ArchiveSummary(ctx, batchID, summary)
	if err != nil {
		log.Printf("archive: %v", err)
		return
	}
	log.Printf("summary archived to %s", loc)
}
