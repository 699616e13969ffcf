package backup

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/schedule"
	"github.com/coldvault/coldvault/internal/store/sqlite"
	"github.com/coldvault/coldvault/internal/store/types"
)

// Notifier receives run completion events. Implementations must not
// block for long; the manager calls them inline after each run.
type Notifier interface {
	RunFinished(job types.Job, run types.BackupRun)
}

// Manager admits and dispatches backup runs. One run per job at a
// time, bounded overall concurrency.
type Manager struct {
	db       *sqlite.Database
	store    objstore.Store
	executor *Executor
	notifier Notifier

	jobMutexes *xsync.MapOf[string, *sync.Mutex]
	sem        chan struct{}
	wg         sync.WaitGroup
	tick       time.Duration
}

func NewManager(db *sqlite.Database, store objstore.Store, executor *Executor, maxConcurrent int, tick time.Duration, notifier Notifier) *Manager {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if tick <= 0 {
		tick = 30 * time.Second
	}
	return &Manager{
		db:         db,
		store:      store,
		executor:   executor,
		notifier:   notifier,
		jobMutexes: xsync.NewMapOf[string, *sync.Mutex](),
		sem:        make(chan struct{}, maxConcurrent),
		tick:       tick,
	}
}

// StartBackup admits a run for jobID and dispatches it in the
// background. Returns the pending run record, or ErrOneInstance when
// the job already has one in flight.
func (m *Manager) StartBackup(ctx context.Context, jobID string, manual bool) (types.BackupRun, error) {
	job, err := m.db.GetJob(jobID)
	if err != nil {
		return types.BackupRun{}, err
	}

	mutex, _ := m.jobMutexes.LoadOrCompute(job.ID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	if !mutex.TryLock() {
		return types.BackupRun{}, ErrOneInstance
	}

	run, err := m.db.CreateRun(nil, types.BackupRun{
		JobID:  job.ID,
		Status: types.RunPending,
		Manual: manual,
	})
	if err != nil {
		mutex.Unlock()
		return types.BackupRun{}, fmt.Errorf("StartBackup: %w", err)
	}

	m.wg.Add(1)
	go m.dispatch(ctx, job, run, mutex)

	return run, nil
}

func (m *Manager) dispatch(ctx context.Context, job types.Job, run types.BackupRun, mutex *sync.Mutex) {
	defer m.wg.Done()
	defer mutex.Unlock()

	m.sem <- struct{}{}
	defer func() { <-m.sem }()

	finished, err := m.executor.Execute(ctx, job, run)
	if err != nil {
		logging.L.Error(err).WithJob(job.ID).WithField("run_id", run.ID).Write()
	}

	// The next slot counts from completion, so a long run cannot pile
	// up a backlog of immediately-due runs behind itself.
	if next, nErr := schedule.Next(job.Schedule, time.Now().UTC()); nErr == nil {
		if uErr := m.db.UpdateJobNextRun(nil, job.ID, &next); uErr != nil {
			logging.L.Error(uErr).WithJob(job.ID).Write()
		}
	}

	if finished.Status == types.RunSuccess {
		if _, pErr := Prune(ctx, m.db, m.store, job); pErr != nil {
			logging.L.Error(pErr).WithJob(job.ID).Write()
		}
	}

	if m.notifier != nil {
		m.notifier.RunFinished(job, finished)
	}
}

// LockJob acquires the job's admission lock without starting a run, so
// reconciliation cannot interleave with a running backup. Returns the
// release func, or ErrOneInstance when a run holds the lock.
func (m *Manager) LockJob(jobID string) (func(), error) {
	mutex, _ := m.jobMutexes.LoadOrCompute(jobID, func() *sync.Mutex {
		return &sync.Mutex{}
	})
	if !mutex.TryLock() {
		return nil, ErrOneInstance
	}
	return mutex.Unlock, nil
}

// CancelRun flags a run for cooperative cancellation. The executor
// notices between files; objects already uploaded stay for the
// reconciler to account for.
func (m *Manager) CancelRun(runID string) error {
	return m.db.RequestCancel(nil, runID)
}

// Run drives the scheduler until ctx is done. Orphaned runs from a
// previous process are failed before the first tick.
func (m *Manager) Run(ctx context.Context) error {
	recovered, err := m.db.RecoverOrphanedRuns()
	if err != nil {
		return fmt.Errorf("Run: %w", err)
	}
	if recovered > 0 {
		logging.L.Warn().
			WithMessage("recovered orphaned runs from previous process").
			WithField("count", recovered).
			Write()
	}

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return ctx.Err()
		case <-ticker.C:
			m.dispatchDue(ctx)
		}
	}
}

func (m *Manager) dispatchDue(ctx context.Context) {
	due, err := m.db.GetDueJobs(time.Now().UTC())
	if err != nil {
		logging.L.Error(err).Write()
		return
	}
	for _, job := range due {
		_, err := m.StartBackup(ctx, job.ID, false)
		if err == ErrOneInstance {
			// Previous run still going; next_run_at is recomputed when
			// it finishes.
			continue
		}
		if err != nil {
			logging.L.Error(err).WithJob(job.ID).Write()
		}
	}
}

// Wait blocks until all in-flight runs have finished.
func (m *Manager) Wait() {
	m.wg.Wait()
}
