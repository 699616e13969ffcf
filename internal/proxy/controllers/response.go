package controllers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/coldvault/coldvault/internal/backend/backup"
	"github.com/coldvault/coldvault/internal/backend/restore"
	"github.com/coldvault/coldvault/internal/store/sqlite"
)

type ErrorResponse struct {
	Success bool   `json:"success"`
	Status  int    `json:"status"`
	Message string `json:"message"`
}

// WriteErrorResponse maps backend sentinels onto HTTP statuses and
// writes a JSON error body.
func WriteErrorResponse(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, sql.ErrNoRows):
		status = http.StatusNotFound
	case errors.Is(err, backup.ErrOneInstance):
		status = http.StatusConflict
	case errors.Is(err, restore.ErrRetrievalPending):
		status = http.StatusConflict
	case errors.Is(err, sqlite.ErrRunFinished):
		status = http.StatusConflict
	case errors.Is(err, backup.ErrSourceUnavailable):
		status = http.StatusUnprocessableEntity
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Status:  status,
		Message: err.Error(),
	})
}

// WriteValidationError is for malformed requests rather than backend
// failures.
func WriteValidationError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Success: false,
		Status:  http.StatusBadRequest,
		Message: err.Error(),
	})
}

func WriteJSONResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}
