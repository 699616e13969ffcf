package runs

import (
	"net/http"
	"path/filepath"
	"strconv"

	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/proxy/controllers"
	"github.com/coldvault/coldvault/internal/store"
	"github.com/coldvault/coldvault/internal/store/types"
)

type RunsResponse struct {
	Data []types.BackupRun `json:"data"`
}

// JobRunsHandler lists a job's run history, newest first. The "limit"
// query parameter defaults to 50.
func JobRunsHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		if _, err := storeInstance.Database.GetJob(r.PathValue("job")); err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}

		limit := 50
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		runs, err := storeInstance.Database.ListRuns(r.PathValue("job"), limit)
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, RunsResponse{Data: runs})
	}
}

func RunSingleHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		run, err := storeInstance.Database.GetRun(r.PathValue("run"))
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, run)
	}
}

// RunCancelHandler requests cooperative cancellation of a run.
func RunCancelHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		if err := storeInstance.Manager.CancelRun(r.PathValue("run")); err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		controllers.WriteJSONResponse(w, map[string]bool{"success": true})
	}
}

// RunLogHandler tails a run's log file. The "lines" query parameter
// defaults to 200.
func RunLogHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		run, err := storeInstance.Database.GetRun(r.PathValue("run"))
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}

		lines := 200
		if raw := r.URL.Query().Get("lines"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				lines = parsed
			}
		}

		path := filepath.Join(storeInstance.Config.RunLogDir, run.ID+".log")
		tail, err := logging.TailRunLog(path, lines)
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, map[string]interface{}{
			"run_id": run.ID,
			"lines":  tail,
		})
	}
}
