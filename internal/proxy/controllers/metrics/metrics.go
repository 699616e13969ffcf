package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/coldvault/coldvault/internal/metrics"
	"github.com/coldvault/coldvault/internal/proxy/controllers"
	"github.com/coldvault/coldvault/internal/store"
	"github.com/coldvault/coldvault/internal/store/types"
)

type HistoryResponse struct {
	Data []types.StorageMetric `json:"data"`
}

func daysParam(r *http.Request, fallback int) int {
	if raw := r.URL.Query().Get("days"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// JobMetricsHandler returns a job's storage samples. GET lists the
// recent window, POST takes a fresh sample immediately.
func JobMetricsHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := storeInstance.Database.GetJob(r.PathValue("job"))
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}

		switch r.Method {
		case http.MethodGet:
			since := time.Now().UTC().AddDate(0, 0, -daysParam(r, 90))
			history, err := storeInstance.Database.MetricHistory(job.ID, since)
			if err != nil {
				controllers.WriteErrorResponse(w, err)
				return
			}
			controllers.WriteJSONResponse(w, HistoryResponse{Data: history})

		case http.MethodPost:
			metric, err := storeInstance.Collector.Collect(r.Context(), job)
			if err != nil {
				controllers.WriteErrorResponse(w, err)
				return
			}
			controllers.WriteJSONResponse(w, metric)

		default:
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
		}
	}
}

// SummaryHandler returns a fleet-wide rollup of the latest sample from
// every job.
func SummaryHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		summary, err := storeInstance.Collector.Summary(r.Context())
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, summary)
	}
}

// GlobalHistoryHandler lists recent samples across all jobs.
func GlobalHistoryHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		history, err := storeInstance.Collector.History(daysParam(r, 90))
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, HistoryResponse{Data: history})
	}
}

// GlobalProjectionHandler extrapolates storage growth and cost for the
// whole fleet.
func GlobalProjectionHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		projection, err := storeInstance.Collector.ProjectAll(daysParam(r, 30))
		if err != nil {
			controllers.WriteValidationError(w, err)
			return
		}
		controllers.WriteJSONResponse(w, projection)
	}
}

// JobProjectionHandler extrapolates storage growth and cost for a job.
func JobProjectionHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		job, err := storeInstance.Database.GetJob(r.PathValue("job"))
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}

		history, err := storeInstance.Database.MetricHistory(job.ID, time.Time{})
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}

		projection, err := metrics.Project(job.ID, history, daysParam(r, 30))
		if err != nil {
			controllers.WriteValidationError(w, err)
			return
		}
		controllers.WriteJSONResponse(w, projection)
	}
}
