// Command pipeline-server runs the posture analysis orchestration service:
// it receives bucket notifications for uploaded recordings, dispatches them
// to pose inference backends, and serves session status, cancel, and retry
// endpoints.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/posturelab/posture-pipeline/internal/api"
	"github.com/posturelab/posture-pipeline/internal/boot"
	"github.com/posturelab/posture-pipeline/internal/coordinator"
	"github.com/posturelab/posture-pipeline/internal/inference"
	"github.com/posturelab/posture-pipeline/internal/logging"
	"github.com/posturelab/posture-pipeline/internal/registry"
	"github.com/posturelab/posture-pipeline/internal/session"
	"github.com/posturelab/posture-pipeline/internal/webhook"
)

// CLI flags
var (
	portFlag    int
	workersFlag int
)

var rootCmd = &cobra.Command{
	Use:   "pipeline-server",
	Short: "Posture analysis session orchestration service",
	Long: `pipeline-server receives storage notifications for uploaded posture
recordings, runs pose inference per camera view with retry and backoff, and
aggregates per-view results into a combined session result.

Examples:
  pipeline-server
  pipeline-server --port 9090 --workers 8`,
	Run: runMain,
}

func init() {
	rootCmd.Flags().IntVar(&portFlag, "port", 8080, "Port to listen on")
	rootCmd.Flags().IntVar(&workersFlag, "workers", 4, "Concurrent dispatch workers")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runMain(cmd *cobra.Command, args []string) {
	logging.Init()

	aws := boot.InitAWS()
	bucket := boot.InitBucket(aws.Config)
	store := boot.InitSessionStore(aws.Config)
	webhookToken := boot.WebhookToken(aws.SSM)
	serviceToken := boot.ServiceToken(aws.SSM)

	modelHost := os.Getenv("POSTURE_MODEL_HOST")
	if modelHost == "" {
		modelHost = "localhost"
	}
	reg, err := registry.Load(modelHost)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load model registry")
	}

	adapter := inference.NewClient(reg, serviceToken, adapterTimeout())
	locker := session.NewLocker(session.DefaultLockTimeout)

	cfg := coordinator.DefaultConfig()
	cfg.Workers = workersFlag
	coord := coordinator.New(store, locker, adapter, bucket, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	coord.Start(ctx)

	mux := http.NewServeMux()
	mux.Handle("/webhook", webhook.NewHandler(webhookToken, bucket.Name(), coord))
	api.New(coord).Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", portFlag),
		Handler:      withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Info().Msg("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server shutdown failed")
		}
		coord.Stop()
	}()

	log.Info().Int("port", portFlag).Int("workers", workersFlag).Str("bucket", bucket.Name()).Msg("Starting pipeline server")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// adapterTimeout reads POSTURE_ADAPTER_TIMEOUT, falling back to the client
// default on absence or parse failure.
func adapterTimeout() time.Duration {
	raw := os.Getenv("POSTURE_ADAPTER_TIMEOUT")
	if raw == "" {
		return 0
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		log.Warn().Str("value", raw).Msg("Invalid POSTURE_ADAPTER_TIMEOUT, using default")
		return 0
	}
	return d
}

func withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		if strings.HasPrefix(r.URL.Path, "/api/") || r.URL.Path == "/webhook" {
			log.Info().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		}
	})
}
