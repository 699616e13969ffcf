package jobs

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coldvault/coldvault/internal/proxy/controllers"
	"github.com/coldvault/coldvault/internal/store"
	"github.com/coldvault/coldvault/internal/store/types"
)

type JobsResponse struct {
	Data []types.Job `json:"data"`
}

// JobsHandler lists jobs on GET and creates one on POST.
func JobsHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			allJobs, err := storeInstance.Database.GetAllJobs()
			if err != nil {
				controllers.WriteErrorResponse(w, err)
				return
			}
			controllers.WriteJSONResponse(w, JobsResponse{Data: allJobs})

		case http.MethodPost:
			var job types.Job
			if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
				controllers.WriteValidationError(w, err)
				return
			}
			created, err := storeInstance.Database.CreateJob(nil, job)
			if err != nil {
				controllers.WriteValidationError(w, err)
				return
			}
			w.WriteHeader(http.StatusCreated)
			controllers.WriteJSONResponse(w, created)

		default:
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
		}
	}
}

// JobSingleHandler reads, updates or deletes one job.
func JobSingleHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID := r.PathValue("job")

		switch r.Method {
		case http.MethodGet:
			job, err := storeInstance.Database.GetJob(jobID)
			if err != nil {
				controllers.WriteErrorResponse(w, err)
				return
			}
			controllers.WriteJSONResponse(w, job)

		case http.MethodPut:
			var job types.Job
			if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
				controllers.WriteValidationError(w, err)
				return
			}
			job.ID = jobID
			if err := storeInstance.Database.UpdateJob(nil, job); err != nil {
				controllers.WriteErrorResponse(w, err)
				return
			}
			updated, err := storeInstance.Database.GetJob(jobID)
			if err != nil {
				controllers.WriteErrorResponse(w, err)
				return
			}
			controllers.WriteJSONResponse(w, updated)

		case http.MethodDelete:
			if err := storeInstance.Database.DeleteJob(nil, jobID); err != nil {
				controllers.WriteErrorResponse(w, err)
				return
			}
			controllers.WriteJSONResponse(w, map[string]bool{"success": true})

		default:
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
		}
	}
}

// JobRunHandler triggers a manual run. Responds 202 with the pending
// run, or 409 when one is already in flight.
func JobRunHandler(storeInstance *store.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Invalid HTTP method", http.StatusMethodNotAllowed)
			return
		}

		// The run outlives the request, so it must not inherit the
		// request context.
		run, err := storeInstance.Manager.StartBackup(context.Background(), r.PathValue("job"), true)
		if err != nil {
			controllers.WriteErrorResponse(w, err)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		controllers.WriteJSONResponse(w, run)
	}
}
