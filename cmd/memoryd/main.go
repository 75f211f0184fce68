// Command memoryd runs the conversational memory service: it wires the
// store, engine, and background workers together and serves the HTTP API
// described by SPEC_FULL.md until it receives an interrupt.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/kittclouds/memoryd/internal/api"
	"github.com/kittclouds/memoryd/internal/audit"
	"github.com/kittclouds/memoryd/internal/cadence"
	"github.com/kittclouds/memoryd/internal/capability"
	"github.com/kittclouds/memoryd/internal/config"
	"github.com/kittclouds/memoryd/internal/embedding"
	"github.com/kittclouds/memoryd/internal/engine"
	"github.com/kittclouds/memoryd/internal/jobqueue"
	"github.com/kittclouds/memoryd/internal/profile"
	"github.com/kittclouds/memoryd/internal/recall"
	"github.com/kittclouds/memoryd/internal/retention"
	"github.com/kittclouds/memoryd/internal/store"
)

// auditJobPayload mirrors internal/api's unexported payload shape; the
// job queue hands us back the same value we enqueued, re-marshaled through
// JSON at the queue boundary (see jobqueue.Job.Payload).
type auditJobPayload struct {
	UserID   string `json:"UserID"`
	ThreadID string `json:"ThreadID"`
}

type researchJobPayload struct {
	UserID   string `json:"UserID"`
	ThreadID string `json:"ThreadID"`
	Content  string `json:"Content"`
}

func main() {
	if err := godotenv.Load(".env"); err != nil {
		_ = godotenv.Load("example.env")
	}

	cfg := config.Load()
	initLogger(cfg.LogLevel)

	st, err := store.NewSQLiteStore(cfg.DBPath, cfg.EmbeddingDim)
	if err != nil {
		log.Fatal().Err(err).Msg("memoryd: open store")
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.Error().Err(err).Msg("memoryd: close store")
		}
	}()

	cache := capability.NewMemoryKV()
	embedSvc := embedding.New(capability.NoopEmbeddingProvider{D: cfg.EmbeddingDim}, cache, st, cfg.EmbeddingDim)

	profileBuilder := profile.New(st, cache)

	onChange := func(userID string, _ store.Tier) {
		profileBuilder.Invalidate(context.Background(), userID)
	}
	eng := engine.New(st, embedSvc, onChange)

	cadenceTracker := cadence.New()
	jobs := jobqueue.New()
	auditor := audit.New(cadenceTracker, eng, st)
	retentionEngine := retention.New(st)
	recallEngine := recall.New(st, embedSvc)

	jobs.Register(jobqueue.TypeAudit, func(ctx context.Context, payload any) error {
		p, err := decodeJobPayload[auditJobPayload](payload)
		if err != nil {
			return fmt.Errorf("audit job: decode payload: %w", err)
		}
		saved, err := auditor.Run(ctx, p.UserID, p.ThreadID, time.Now())
		if err != nil {
			return err
		}
		log.Debug().Str("userId", p.UserID).Str("threadId", p.ThreadID).Int("saved", saved).Msg("audit job complete")
		return nil
	})
	jobs.Register(jobqueue.TypeResearch, func(ctx context.Context, payload any) error {
		p, err := decodeJobPayload[researchJobPayload](payload)
		if err != nil {
			return fmt.Errorf("research job: decode payload: %w", err)
		}
		// Cross-thread/background research is a SearchProvider capability;
		// none is configured by default, so this is a logging no-op until one is.
		log.Debug().Str("userId", p.UserID).Str("threadId", p.ThreadID).Msg("research job observed, no SearchProvider configured")
		return nil
	})

	apiServer := api.New(cadenceTracker, jobs, eng, recallEngine, profileBuilder, st)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go jobs.Run(ctx)
	go embedSvc.RunWorker(ctx, func() int64 { return time.Now().Unix() })
	go runRetentionLoop(ctx, retentionEngine, cfg.RetentionInterval)
	go runCadenceSweeper(ctx, cadenceTracker, cfg.CadenceSweepInterval)

	if err := apiServer.Start(cfg.HTTPAddr); err != nil {
		log.Fatal().Err(err).Msg("memoryd: start api server")
	}
	log.Info().Str("addr", apiServer.Addr()).Msg("memoryd: listening")

	<-ctx.Done()
	log.Info().Msg("memoryd: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	jobs.FlushStagingNow()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("memoryd: api shutdown")
	}
	jobs.Stop()
}

func runRetentionLoop(ctx context.Context, eng *retention.Engine, interval time.Duration) {
	eng.RunOnce(ctx, time.Now())

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			eng.RunOnce(ctx, now)
		}
	}
}

func runCadenceSweeper(ctx context.Context, tracker *cadence.Tracker, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			dropped := tracker.Sweep(now)
			if dropped > 0 {
				log.Debug().Int("dropped", dropped).Msg("cadence: swept idle threads")
			}
		}
	}
}

// decodeJobPayload round-trips a job's payload through JSON, since
// jobqueue.Queue stores payloads as the `any` it was handed and the
// registered handler here lives in a different package than the
// api package that enqueued it.
func decodeJobPayload[T any](payload any) (T, error) {
	var out T
	data, err := json.Marshal(payload)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(data, &out); err != nil {
		return out, err
	}
	return out, nil
}

func initLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}
