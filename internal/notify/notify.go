// Package notify posts run completion events to a configured webhook.
package notify

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"

	"github.com/pkg/errors"

	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/store/types"
)

type Event struct {
	Event         string     `json:"event"`
	JobID         string     `json:"job_id"`
	RunID         string     `json:"run_id"`
	Status        string     `json:"status"`
	SnapshotID    string     `json:"snapshot_id,omitempty"`
	Message       string     `json:"message,omitempty"`
	FilesUploaded int64      `json:"files_uploaded"`
	BytesUploaded int64      `json:"bytes_uploaded"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
}

type Webhook struct {
	url    string
	client *http.Client
}

func NewWebhook(url string) *Webhook {
	return &Webhook{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// RunFinished implements the manager's Notifier. Delivery is
// best-effort; failures are logged, never propagated into the run.
func (w *Webhook) RunFinished(job types.Job, run types.BackupRun) {
	if w.url == "" {
		return
	}
	event := Event{
		Event:         "backup.run.finished",
		JobID:         job.ID,
		RunID:         run.ID,
		Status:        string(run.Status),
		SnapshotID:    run.SnapshotID,
		Message:       run.Message,
		FilesUploaded: run.FilesUploaded,
		BytesUploaded: run.BytesUploaded,
		FinishedAt:    run.FinishedAt,
	}
	if err := w.post(event); err != nil {
		logging.L.Error(err).WithJob(job.ID).WithField("run_id", run.ID).Write()
	}
}

func (w *Webhook) post(event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(err, "encode webhook payload")
	}

	resp, err := w.client.Post(w.url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "deliver webhook")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return errors.Errorf("webhook endpoint returned %s", resp.Status)
	}
	return nil
}
