package logging

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

// activeRunLogs maps job id to the run log of its in-flight run. A job
// admits one run at a time, so the key never collides.
var activeRunLogs = xsync.NewMapOf[string, *RunLogger]()

// RunLogger is an append-only per-run log file that survives the run
// for later inspection through the API.
type RunLogger struct {
	JobID string
	RunID string

	mu   sync.Mutex
	file *os.File
	path string
}

func OpenRunLog(dir, jobID, runID string) (*RunLogger, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("OpenRunLog: create dir: %w", err)
	}
	path := filepath.Join(dir, runID+".log")
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("OpenRunLog: open file: %w", err)
	}
	rl := &RunLogger{JobID: jobID, RunID: runID, file: file, path: path}
	activeRunLogs.Store(jobID, rl)
	return rl, nil
}

func (r *RunLogger) Write(level, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return
	}
	fmt.Fprintf(r.file, "%s [%s] %s\n",
		time.Now().UTC().Format(time.RFC3339), level, message)
}

func (r *RunLogger) Writef(level, format string, args ...interface{}) {
	r.Write(level, fmt.Sprintf(format, args...))
}

func (r *RunLogger) Path() string { return r.path }

// Close flushes the file and removes the logger from the active
// registry. The log file itself is kept.
func (r *RunLogger) Close() error {
	activeRunLogs.Compute(r.JobID,
		func(cur *RunLogger, loaded bool) (*RunLogger, bool) {
			return cur, cur == r
		})
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// TailRunLog returns up to n trailing lines of a finished run log.
func TailRunLog(path string, n int) ([]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("TailRunLog: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("TailRunLog: %w", err)
	}
	return lines, nil
}
