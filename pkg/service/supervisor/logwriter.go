// Copyright 2025 UMH Systems GmbH
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package supervisor

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cactus/tai64"
	"github.com/klauspost/compress/gzip"
	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/constants"
	"go.uber.org/zap"
)

const (
	// currentLogName is the file an agent's live output is appended to.
	currentLogName = "current"

	// rotatedLogSuffix is appended to the TAI64N stamp of a rotated file.
	rotatedLogSuffix = ".log.gz"

	// logTimestampFormat prefixes every line with nanosecond precision.
	logTimestampFormat = "2006-01-02 15:04:05.000000000"

	// logSeparator sits between the timestamp and the line content.
	logSeparator = "  "
)

// LogWriter appends agent output to a "current" file inside one agent's log
// directory. When the file grows past the size limit it is rotated to a
// TAI64N-stamped gzip archive and the oldest archives beyond the retention
// cap are pruned. Lines are synced to disk as they arrive so the tail of an
// agent's output survives a crash of the supervising process.
type LogWriter struct {
	logger *zap.SugaredLogger

	dir        string
	maxSize    int64
	maxRotated int

	mu   sync.Mutex
	file *os.File
	size int64
}

// NewLogWriter opens (or creates) the current log file inside dir. The
// directory must already exist.
func NewLogWriter(dir string, logger *zap.SugaredLogger) (*LogWriter, error) {
	w := &LogWriter{
		logger:     logger,
		dir:        dir,
		maxSize:    constants.AgentLogMaxSize,
		maxRotated: constants.AgentMaxRotatedLogs,
	}
	if err := w.openCurrent(); err != nil {
		return nil, err
	}
	return w, nil
}

// SetMaxFileSize overrides the rotation threshold.
func (w *LogWriter) SetMaxFileSize(size int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxSize = size
}

// SetMaxRotatedFiles overrides how many rotated archives are retained.
func (w *LogWriter) SetMaxRotatedFiles(count int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.maxRotated = count
}

// CurrentSize returns the size of the current log file in bytes.
func (w *LogWriter) CurrentSize() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.size
}

// WriteLine appends one timestamped line to the current log file, rotating
// it first if the previous write pushed it over the size limit.
func (w *LogWriter) WriteLine(timestamp time.Time, content string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Closed writers drop late lines from still-draining pipes.
	if w.file == nil {
		return nil
	}

	line := timestamp.UTC().Format(logTimestampFormat) + logSeparator + content + "\n"
	written, err := w.file.WriteString(line)
	if err != nil {
		return fmt.Errorf("error writing log line: %w", err)
	}
	w.size += int64(written)

	// Sync failures are logged but not returned, a missed sync only risks
	// losing the line on power loss.
	if err := w.file.Sync(); err != nil {
		w.logger.Debugf("Failed to sync log file in %s: %v", w.dir, err)
	}

	if w.size > w.maxSize {
		w.rotate()
	}
	return nil
}

// Close closes the current log file. Further WriteLine calls are no-ops.
func (w *LogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	w.size = 0
	return err
}

// openCurrent opens the current log file for appending, carrying over the
// size of whatever a previous run left behind. Caller holds w.mu (or the
// writer is not yet shared).
func (w *LogWriter) openCurrent() error {
	path := filepath.Join(w.dir, currentLogName)

	var size int64
	if stat, err := os.Stat(path); err == nil {
		size = stat.Size()
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("error opening log file %s: %w", path, err)
	}

	w.file = file
	w.size = size
	return nil
}

// rotate compresses the current file to a TAI64N-stamped archive, prunes old
// archives and reopens a fresh current file. Runs inline on the draining
// goroutine; rotation failures keep appending to the oversized current file
// rather than lose output. Caller holds w.mu.
func (w *LogWriter) rotate() {
	if err := w.file.Close(); err != nil {
		w.logger.Warnf("Failed to close log file in %s before rotation: %v", w.dir, err)
	}
	w.file = nil
	w.size = 0

	current := filepath.Join(w.dir, currentLogName)

	// TAI64N stamps sort lexicographically in chronological order, which
	// pruneRotated relies on. Strip the '@' prefix like s6-log does.
	stamp := strings.TrimPrefix(tai64.FormatNano(time.Now()), "@")
	rotated := filepath.Join(w.dir, stamp+rotatedLogSuffix)

	if err := compressFile(current, rotated); err != nil {
		w.logger.Warnf("Log rotation in %s failed: %v", w.dir, err)
	} else {
		if err := os.Remove(current); err != nil {
			w.logger.Warnf("Failed to remove rotated log file %s: %v", current, err)
		}
		w.pruneRotated()
	}

	if err := w.openCurrent(); err != nil {
		w.logger.Errorf("Failed to reopen log file in %s after rotation: %v", w.dir, err)
	}
}

// pruneRotated removes the oldest rotated archives beyond the retention cap.
// Caller holds w.mu.
func (w *LogWriter) pruneRotated() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		w.logger.Warnf("Failed to read log directory %s: %v", w.dir, err)
		return
	}

	var rotated []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), rotatedLogSuffix) {
			rotated = append(rotated, entry.Name())
		}
	}
	if len(rotated) <= w.maxRotated {
		return
	}

	sort.Strings(rotated)
	for _, name := range rotated[:len(rotated)-w.maxRotated] {
		path := filepath.Join(w.dir, name)
		if err := os.Remove(path); err != nil {
			w.logger.Warnf("Failed to remove old log file %s: %v", path, err)
		} else {
			w.logger.Debugf("Removed old log file: %s", path)
		}
	}
}

// compressFile gzips src into dst.
func compressFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("error opening %s: %w", src, err)
	}
	defer func() {
		_ = in.Close()
	}()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("error creating %s: %w", dst, err)
	}

	gz := gzip.NewWriter(out)
	if _, err := io.Copy(gz, in); err != nil {
		_ = gz.Close()
		_ = out.Close()
		return fmt.Errorf("error compressing %s: %w", src, err)
	}
	if err := gz.Close(); err != nil {
		_ = out.Close()
		return fmt.Errorf("error finalizing %s: %w", dst, err)
	}
	return out.Close()
}
