package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/time/rate"

	"github.com/coldvault/coldvault/internal/logging"
	"github.com/coldvault/coldvault/internal/store/types"
)

// HostToolReport is the structured completion report the external host
// snapshot tool prints on stdout.
type HostToolReport struct {
	Success      bool   `json:"success"`
	BytesWritten int64  `json:"bytes_written"`
	Files        int64  `json:"files"`
	Error        string `json:"error,omitempty"`
}

// runHost delegates the snapshot to the external host tool: the tool
// gets the source paths, the exclude list and an output path, writes
// one opaque archive there, and reports what it did. The engine only
// uploads the archive and records the report.
func (e *Executor) runHost(ctx context.Context, job types.Job, run *types.BackupRun, manifest *Manifest, limiter *rate.Limiter, runLog *logging.RunLogger) error {
	if err := e.checkCancel(ctx, run.ID); err != nil {
		return err
	}
	if e.hostTool == "" {
		return fmt.Errorf("runHost: no host snapshot tool configured")
	}

	tmp, err := os.CreateTemp("", "coldvault-host-*.img")
	if err != nil {
		return fmt.Errorf("runHost: %w", err)
	}
	tmp.Close()
	defer os.Remove(tmp.Name())

	report, err := invokeHostTool(ctx, e.hostTool, job.SourcePaths, job.ExcludePatterns, tmp.Name())
	if err != nil {
		return err
	}
	if !report.Success {
		return fmt.Errorf("runHost: tool reported failure: %s", report.Error)
	}
	if runLog != nil {
		runLog.Writef("info", "host tool wrote %d files, %d bytes",
			report.Files, report.BytesWritten)
	}

	if err := e.checkCancel(ctx, run.ID); err != nil {
		return err
	}

	hash, err := HashFile(tmp.Name())
	if err != nil {
		return fmt.Errorf("runHost: %w", err)
	}

	archiveKey := HostArchiveKey(job.BucketPrefix, manifest.SnapshotID)
	uploaded, err := e.uploadFile(ctx, job, limiter, tmp.Name(), archiveKey)
	if err != nil {
		return fmt.Errorf("runHost: upload archive: %w", err)
	}

	manifest.ArchiveKey = archiveKey
	manifest.Checksum = hash
	manifest.TotalFiles = report.Files
	manifest.TotalBytes = report.BytesWritten
	run.FilesScanned = report.Files
	run.FilesUploaded = report.Files
	run.BytesUploaded = uploaded
	return nil
}

func invokeHostTool(ctx context.Context, tool string, sourcePaths, excludes []string, outputPath string) (HostToolReport, error) {
	args := []string{"--output", outputPath}
	for _, pattern := range excludes {
		args = append(args, "--exclude", pattern)
	}
	args = append(args, sourcePaths...)

	cmd := exec.CommandContext(ctx, tool, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return HostToolReport{}, fmt.Errorf(
			"invokeHostTool: %s: %w: %s", tool, err, stderr.String())
	}

	var report HostToolReport
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		return HostToolReport{}, fmt.Errorf(
			"invokeHostTool: bad report from %s: %w", tool, err)
	}
	return report, nil
}
