package lifecycle

import (
	"bytes"
	"sync"

	"github.com/rs/zerolog"
)

// LogWriter writes child process output to the logger, one event per line.
type LogWriter struct {
	logger zerolog.Logger
	level  zerolog.Level
	buf    []byte
	mu     sync.Mutex
}

// NewLogWriter returns a writer that logs each line at level.
func NewLogWriter(logger zerolog.Logger, level zerolog.Level) *LogWriter {
	return &LogWriter{logger: logger, level: level}
}

func (w *LogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		w.emit(w.buf[:i])
		w.buf = w.buf[i+1:]
	}
	return len(p), nil
}

// Flush logs a final line that has no trailing newline. Call it once the
// writing process is gone.
func (w *LogWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.emit(w.buf)
	w.buf = nil
}

func (w *LogWriter) emit(line []byte) {
	line = bytes.TrimRight(line, "\r")
	if len(line) > 0 {
		w.logger.WithLevel(w.level).Msg(string(line))
	}
}
