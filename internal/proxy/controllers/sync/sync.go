package sync

import (
	"net/http"

	"github.com/coldvault/coldvault/internal/proxy/controllers"
	"github.com/coldvault/coldvault/internal/store"
)

func applyRequested(r *http.Request) bool {
	return r.URL.Query().Get("apply") == "true" || r.URL.Query().Get("apply") == "1"
}

// JobReconcileHandler runs a reconcile pass over one job. Dry run by
// default; "apply=true" makes it repair what it can.
func JobReconcileHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		job, err := storeInstance.Database.GetJob(r.PathValue("job"))
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}

		report, err := storeInstance.Reconciler.Reconcile(r.Context(), job, applyRequested(r))
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, report)
	}
}

// ReconcileAllHandler runs a pass over every job.
func ReconcileAllHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		reports, err := storeInstance.Reconciler.ReconcileAll(r.Context(), applyRequested(r))
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		controllers.WriteJSONResponse(w, map[string]interface{}{"data": reports})
	}
}
