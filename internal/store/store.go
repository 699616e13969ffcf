// Package store bundles the persistence and backend handles the API
// controllers close over.
package store

import (
	"github.com/coldvault/coldvault/internal/backend/backup"
	"github.com/coldvault/coldvault/internal/backend/reconcile"
	"github.com/coldvault/coldvault/internal/backend/restore"
	"github.com/coldvault/coldvault/internal/config"
	"github.com/coldvault/coldvault/internal/metrics"
	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/store/sqlite"
)

type Store struct {
	Config     *config.Config
	Database   *sqlite.Database
	Objects    objstore.Store
	Manager    *backup.Manager
	Reconciler *reconcile.Reconciler
	Restorer   *restore.Restorer
	Estimator  *restore.Estimator
	Collector  *metrics.Collector
}
