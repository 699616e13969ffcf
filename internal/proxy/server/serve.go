package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/proxy/controllers/jobs"
	apimetrics "github.com/coldvault/coldvault/internal/proxy/controllers/metrics"
	"github.com/coldvault/coldvault/internal/proxy/controllers/runs"
	"github.com/coldvault/coldvault/internal/proxy/controllers/snapshots"
	apisync "github.com/coldvault/coldvault/internal/proxy/controllers/sync"
	"github.com/coldvault/coldvault/internal/store"
)

var Version = "v0.0.0"

// NewMux wires every API route. Split out of Serve so tests can drive
// the handlers without a listener.
func NewMux(storeInstance *store.Store) *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/version", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"version":%q}`, Version)
	})

	mux.HandleFunc("/api/jobs", jobs.JobsHandler(storeInstance))
	mux.HandleFunc("/api/jobs/{job}", jobs.JobSingleHandler(storeInstance))
	mux.HandleFunc("/api/jobs/{job}/run", jobs.JobRunHandler(storeInstance))
	mux.HandleFunc("/api/jobs/{job}/runs", runs.JobRunsHandler(storeInstance))
	mux.HandleFunc("/api/jobs/{job}/snapshots", snapshots.JobSnapshotsHandler(storeInstance))
	mux.HandleFunc("/api/jobs/{job}/reconcile", apisync.JobReconcileHandler(storeInstance))
	mux.HandleFunc("/api/jobs/{job}/metrics", apimetrics.JobMetricsHandler(storeInstance))
	mux.HandleFunc("/api/jobs/{job}/projection", apimetrics.JobProjectionHandler(storeInstance))

	mux.HandleFunc("/api/runs/{run}", runs.RunSingleHandler(storeInstance))
	mux.HandleFunc("/api/runs/{run}/cancel", runs.RunCancelHandler(storeInstance))
	mux.HandleFunc("/api/runs/{run}/log", runs.RunLogHandler(storeInstance))

	mux.HandleFunc("/api/snapshots/{snapshot}", snapshots.SnapshotSingleHandler(storeInstance))
	mux.HandleFunc("/api/snapshots/{snapshot}/pin", snapshots.SnapshotPinHandler(storeInstance))
	mux.HandleFunc("/api/snapshots/{snapshot}/estimate", snapshots.SnapshotEstimateHandler(storeInstance))
	mux.HandleFunc("/api/snapshots/{snapshot}/retrieve", snapshots.SnapshotRetrieveHandler(storeInstance))
	mux.HandleFunc("/api/snapshots/{snapshot}/restore", snapshots.SnapshotRestoreHandler(storeInstance))

	mux.HandleFunc("/api/reconcile", apisync.ReconcileAllHandler(storeInstance))

	mux.HandleFunc("/api/metrics/summary", apimetrics.SummaryHandler(storeInstance))
	mux.HandleFunc("/api/metrics/history", apimetrics.GlobalHistoryHandler(storeInstance))
	mux.HandleFunc("/api/metrics/projection", apimetrics.GlobalProjectionHandler(storeInstance))

	return mux
}

// Serve runs the API server until ctx is done, then drains it.
func Serve(ctx context.Context, storeInstance *store.Store) error {
	apiServer := &http.Server{
		Addr:           storeInstance.Config.ListenAddr,
		Handler:        NewMux(storeInstance),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   5 * time.Minute,
		IdleTimeout:    2 * time.Minute,
		MaxHeaderBytes: 1 << 20,
	}

	errChan := make(chan error, 1)
	go func() {
		logging.L.Info().
			WithMessage(fmt.Sprintf("starting API server on %s", apiServer.Addr)).
			Write()
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("API server failed: %w", err)
		}
	}()

	select {
	case err := <-errChan:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}
