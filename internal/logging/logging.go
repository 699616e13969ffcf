package logging

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// L is the process-wide logger. Packages log through it directly
// instead of threading a logger through every constructor.
var L *Logger

func init() {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	logger := zerolog.New(writer).With().Timestamp().Logger()
	L = &Logger{zlog: &logger}
}

type Logger struct {
	zlog *zerolog.Logger
	mu   sync.RWMutex
}

// SetLevel adjusts the global threshold, "debug" through "error".
func (l *Logger) SetLevel(level string) {
	parsed, err := zerolog.ParseLevel(level)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	updated := l.zlog.Level(parsed)
	l.zlog = &updated
}

type LogEntry struct {
	logger  *Logger
	Level   zerolog.Level
	Err     error
	Message string
	Fields  map[string]interface{}
	JobID   string
}

func (l *Logger) entry(level zerolog.Level) *LogEntry {
	return &LogEntry{logger: l, Level: level}
}

func (l *Logger) Debug() *LogEntry { return l.entry(zerolog.DebugLevel) }
func (l *Logger) Info() *LogEntry  { return l.entry(zerolog.InfoLevel) }
func (l *Logger) Warn() *LogEntry  { return l.entry(zerolog.WarnLevel) }

func (l *Logger) Error(err error) *LogEntry {
	e := l.entry(zerolog.ErrorLevel)
	e.Err = err
	return e
}

func (e *LogEntry) WithMessage(msg string) *LogEntry {
	e.Message = msg
	return e
}

func (e *LogEntry) WithField(key string, value interface{}) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{})
	}
	e.Fields[key] = value
	return e
}

func (e *LogEntry) WithJob(jobID string) *LogEntry {
	e.JobID = jobID
	return e
}

// Write emits the entry and, when a job is attached, mirrors it into
// that job's active run log if one is open.
func (e *LogEntry) Write() {
	e.logger.mu.RLock()
	ev := e.logger.zlog.WithLevel(e.Level)
	e.logger.mu.RUnlock()

	if e.Err != nil {
		ev = ev.Err(e.Err)
		if e.Message == "" {
			e.Message = e.Err.Error()
		}
	}
	if e.JobID != "" {
		ev = ev.Str("job", e.JobID)
	}
	for k, v := range e.Fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(e.Message)

	if e.JobID != "" {
		if rl, ok := activeRunLogs.Load(e.JobID); ok {
			rl.Write(e.Level.String(), e.Message)
		}
	}
}
