package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/coldvault/coldvault/internal/backend/backup"
	"github.com/coldvault/coldvault/internal/backend/reconcile"
	"github.com/coldvault/coldvault/internal/backend/restore"
	"github.com/coldvault/coldvault/internal/config"
	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/metrics"
	"github.com/coldvault/coldvault/internal/notify"
	"github.com/coldvault/coldvault/internal/objstore"
	"github.com/coldvault/coldvault/internal/proxy/server"
	"github.com/coldvault/coldvault/internal/store"
	"github.com/coldvault/coldvault/internal/store/sqlite"
	"github.com/coldvault/coldvault/internal/store/types"

	// Sets GOMEMLIMIT from the cgroup memory limit.
	_ "github.com/KimMachineGun/automemlimit"
)

var Version = "v0.0.0"

var configPath string

func main() {
	root := &cobra.Command{
		Use:           "coldvault",
		Short:         "Scheduled backups into tiered object storage",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")

	root.AddCommand(serveCmd())
	root.AddCommand(runCmd())
	root.AddCommand(reconcileCmd())
	root.AddCommand(recordMetricsCmd())
	root.AddCommand(estimateCmd())
	root.AddCommand(restoreCmd())

	if err := root.Execute(); err != nil {
		logging.L.Error(err).Write()
		os.Exit(1)
	}
}

// buildStore loads config and wires the full backend stack.
func buildStore(ctx context.Context) (*store.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logging.L.SetLevel(cfg.LogLevel)

	db, err := sqlite.Initialize(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	objects, err := objstore.NewS3Store(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}

	executor := backup.NewExecutor(db, objects, cfg.RunLogDir, cfg.HostTool)
	manager := backup.NewManager(db, objects, executor,
		cfg.MaxConcurrent, cfg.SchedulerTick, notify.NewWebhook(cfg.WebhookURL))

	return &store.Store{
		Config:     cfg,
		Database:   db,
		Objects:    objects,
		Manager:    manager,
		Reconciler: reconcile.New(db, objects, manager),
		Restorer:   restore.NewRestorer(db, objects),
		Estimator:  restore.NewEstimator(db, objects),
		Collector:  metrics.NewCollector(db, objects),
	}, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			storeInstance, err := buildStore(ctx)
			if err != nil {
				return err
			}
			defer storeInstance.Database.Close()

			lockPath := storeInstance.Config.LockPath
			if err := os.MkdirAll(filepath.Dir(lockPath), 0o755); err != nil {
				return fmt.Errorf("serve: %w", err)
			}
			fileLock := flock.New(lockPath)
			locked, err := fileLock.TryLock()
			if err != nil {
				return fmt.Errorf("serve: acquire lock: %w", err)
			}
			if !locked {
				return errors.New("serve: another coldvault daemon holds the lock")
			}
			defer fileLock.Unlock()

			go storeInstance.Collector.Run(ctx, storeInstance.Config.MetricsInterval)
			go func() {
				if err := storeInstance.Manager.Run(ctx); err != nil &&
					!errors.Is(err, context.Canceled) {
					logging.L.Error(err).Write()
				}
			}()

			if err := server.Serve(ctx, storeInstance); err != nil {
				return err
			}
			storeInstance.Manager.Wait()
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <job>",
		Short: "Run one backup immediately and wait for it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			storeInstance, err := buildStore(ctx)
			if err != nil {
				return err
			}
			defer storeInstance.Database.Close()

			run, err := storeInstance.Manager.StartBackup(ctx, args[0], true)
			if err != nil {
				return err
			}
			storeInstance.Manager.Wait()

			finished, err := storeInstance.Database.GetRun(run.ID)
			if err != nil {
				return err
			}
			printJSON(finished)
			if finished.Status != types.RunSuccess {
				return fmt.Errorf("run %s ended %s: %s",
					finished.ID, finished.Status, finished.Message)
			}
			return nil
		},
	}
}

func reconcileCmd() *cobra.Command {
	var apply bool
	cmd := &cobra.Command{
		Use:   "reconcile [job]",
		Short: "Audit the object store against the manifests",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			storeInstance, err := buildStore(ctx)
			if err != nil {
				return err
			}
			defer storeInstance.Database.Close()

			if len(args) == 1 {
				job, err := storeInstance.Database.GetJob(args[0])
				if err != nil {
					return err
				}
				report, err := storeInstance.Reconciler.Reconcile(ctx, job, apply)
				if err != nil {
					return err
				}
				printJSON(report)
				return nil
			}

			reports, err := storeInstance.Reconciler.ReconcileAll(ctx, apply)
			if err != nil {
				return err
			}
			printJSON(reports)
			return nil
		},
	}
	cmd.Flags().BoolVar(&apply, "apply", false, "repair issues instead of only reporting")
	return cmd
}

func recordMetricsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "record-metrics",
		Short: "Sample every job's storage footprint once",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			storeInstance, err := buildStore(ctx)
			if err != nil {
				return err
			}
			defer storeInstance.Database.Close()

			return storeInstance.Collector.CollectAll(ctx)
		},
	}
}

func estimateCmd() *cobra.Command {
	var paths []string
	cmd := &cobra.Command{
		Use:   "estimate <snapshot>",
		Short: "Price a snapshot restore without starting one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			storeInstance, err := buildStore(ctx)
			if err != nil {
				return err
			}
			defer storeInstance.Database.Close()

			estimate, err := storeInstance.Estimator.Estimate(ctx, args[0], paths)
			if err != nil {
				return err
			}
			printJSON(estimate)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&paths, "path", nil, "restrict to these files or directories")
	return cmd
}

func restoreCmd() *cobra.Command {
	var passphrase string
	var request bool
	var days int
	var paths []string
	cmd := &cobra.Command{
		Use:   "restore <snapshot> <target-dir>",
		Short: "Restore a snapshot to a local directory",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			storeInstance, err := buildStore(ctx)
			if err != nil {
				return err
			}
			defer storeInstance.Database.Close()

			if request {
				return storeInstance.Restorer.RequestRetrieval(ctx, args[0], days)
			}
			return storeInstance.Restorer.Restore(ctx, args[0], args[1], passphrase, paths)
		},
	}
	cmd.Flags().StringVar(&passphrase, "passphrase", "", "passphrase for encrypted snapshots")
	cmd.Flags().BoolVar(&request, "request", false, "only request cold-class retrieval")
	cmd.Flags().IntVar(&days, "days", 7, "how long thawed copies stay readable")
	cmd.Flags().StringSliceVar(&paths, "path", nil, "restrict to these files or directories")
	return cmd
}

func printJSON(v interface{}) {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(v)
}
