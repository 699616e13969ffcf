package snapshots

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/coldvault/coldvault/internal/proxy/controllers"
	"github.com/coldvault/coldvault/internal/store"
	"github.com/coldvault/coldvault/internal/store/types"
)

type SnapshotsResponse struct {
	Data []types.Snapshot `json:"data"`
}

func JobSnapshotsHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		if _, err := storeInstance.Database.GetJob(r.PathValue("job")); err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		snaps, err := storeInstance.Database.ListSnapshots(r.PathValue("job"))
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, SnapshotsResponse{Data: snaps})
	}
}

func SnapshotSingleHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		snap, err := storeInstance.Database.GetSnapshot(r.PathValue("snapshot"))
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, snap)
	}
}

// SnapshotPinHandler pins (POST) or unpins (DELETE) a snapshot so
// retention leaves it alone.
func SnapshotPinHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var retained bool
		switch r.Method {
		case http.MethodPost:
			retained = true
		case http.MethodDelete:
			retained = false
		default:
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		err := storeInstance.Database.SetSnapshotRetained(nil, r.PathValue("snapshot"), retained)
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, map[string]bool{"success": true, "retained": retained})
	}
}

// SnapshotEstimateHandler prices a restore without starting one.
func SnapshotEstimateHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		estimate, err := storeInstance.Estimator.Estimate(r.Context(),
			r.PathValue("snapshot"), r.URL.Query()["path"])
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, estimate)
	}
}

// SnapshotRetrieveHandler starts thawing a cold snapshot. The "days"
// query parameter bounds how long the thawed copies stick around.
func SnapshotRetrieveHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		days := 7
		if raw := r.URL.Query().Get("days"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				days = parsed
			}
		}

		err := storeInstance.Restorer.RequestRetrieval(r.Context(), r.PathValue("snapshot"), days)
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		controllers.WriteJSONResponse(w, map[string]bool{"success": true})
	}
}

type restoreRequest struct {
	TargetDir  string   `json:"target_dir"`
	Passphrase string   `json:"passphrase"`
	Paths      []string `json:"paths"`
}

// SnapshotRestoreHandler materializes a snapshot onto local disk.
func SnapshotRestoreHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		var req restoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			controllers.WriteValidationError(w, err)
			return
		}
		if req.TargetDir == "" {
			controllers.WriteValidationError(w, errors.New("target_dir is required"))
			return
		}

		// Restores can outlast the request deadline.
		err := storeInstance.Restorer.Restore(context.Background(),
			r.PathValue("snapshot"), req.TargetDir, req.Passphrase, req.Paths)
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, map[string]bool{"success": true})
	}
}
