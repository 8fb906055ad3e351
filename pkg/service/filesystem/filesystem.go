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

package filesystem

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/united-manufacturing-hub/device-fleet/fleet-core/pkg/metrics"
)

// CachedFileContent represents cached file content with metadata for invalidation.
type CachedFileContent struct {
	modTime time.Time
	content []byte
	size    int64
}

// FileCache provides thread-safe caching for file contents
type FileCache struct {
	cache map[string]*CachedFileContent
	mu    sync.RWMutex
}

// DefaultService is the default implementation of Service.
type DefaultService struct {
	fileCache FileCache
}

// NewDefaultService creates a new DefaultService.
func NewDefaultService() *DefaultService {
	return &DefaultService{
		fileCache: FileCache{
			cache: make(map[string]*CachedFileContent),
		},
	}
}

// recordOp records filesystem operation metrics
func (s *DefaultService) recordOp(op string, path string, start time.Time, cached bool) {
	metrics.RecordFilesystemOp(op, path, cached, time.Since(start))
}

// checkContext checks if the context is done before proceeding with an operation.
func (s *DefaultService) checkContext(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

// cacheable reports whether a path's content should be cached between reads.
// The control loop re-reads the config file once per tick, so yaml files are
// served from cache as long as mtime and size are unchanged.
func cacheable(path string) bool {
	return strings.HasSuffix(path, ".yaml") || strings.HasSuffix(path, ".yml")
}

// EnsureDirectory creates a directory if it doesn't exist.
func (s *DefaultService) EnsureDirectory(ctx context.Context, path string) error {
	start := time.Now()
	if err := s.checkContext(ctx); err != nil {
		return fmt.Errorf("failed to check context: %w", err)
	}

	// Create a channel for results
	errCh := make(chan error, 1)

	// Run operation in goroutine
	go func() {
		errCh <- os.MkdirAll(path, 0755)
	}()

	// Wait for either completion or context cancellation
	select {
	case err := <-errCh:
		s.recordOp("EnsureDirectory", path, start, false)
		if err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
		return nil
	case <-ctx.Done():
		s.recordOp("EnsureDirectory", path, start, false)
		return ctx.Err()
	}
}

// ReadFile reads a file's contents respecting the context.
func (s *DefaultService) ReadFile(ctx context.Context, path string) ([]byte, error) {
	start := time.Now()
	if err := s.checkContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to check context: %w", err)
	}

	if !cacheable(path) {
		return s.readFileUncached(ctx, path, start)
	}

	// Check cache with stat-based invalidation
	s.fileCache.mu.RLock()
	cached, exists := s.fileCache.cache[path]
	s.fileCache.mu.RUnlock()

	// Do a stat to check if file changed
	stat, err := os.Stat(path)
	if err != nil {
		// File doesn't exist or error - invalidate cache and return error
		if exists {
			s.fileCache.mu.Lock()
			delete(s.fileCache.cache, path)
			s.fileCache.mu.Unlock()
		}
		s.recordOp("ReadFile", path, start, false)
		return nil, err
	}

	// If we have a cached version and file hasn't changed, return it
	if exists && cached.modTime.Equal(stat.ModTime()) && cached.size == stat.Size() {
		s.recordOp("ReadFile", path, start, true)
		return cached.content, nil
	}

	// File changed or not in cache - read it
	content, err := s.readFileUncached(ctx, path, start)
	if err != nil {
		return nil, err
	}

	// Update cache
	s.fileCache.mu.Lock()
	s.fileCache.cache[path] = &CachedFileContent{
		content: content,
		modTime: stat.ModTime(),
		size:    stat.Size(),
	}
	s.fileCache.mu.Unlock()

	return content, nil
}

// readFileUncached performs the actual file read without caching
func (s *DefaultService) readFileUncached(ctx context.Context, path string, start time.Time) ([]byte, error) {
	// Create a channel for results
	type result struct {
		err  error
		data []byte
	}

	resCh := make(chan result, 1)

	// Run file operation in goroutine
	go func() {
		data, err := os.ReadFile(path)
		resCh <- result{err: err, data: data}
	}()

	// Wait for either completion or context cancellation
	select {
	case res := <-resCh:
		s.recordOp("ReadFile", path, start, false)
		if res.err != nil {
			return nil, res.err
		}
		return res.data, nil
	case <-ctx.Done():
		s.recordOp("ReadFile", path, start, false)
		return nil, ctx.Err()
	}
}

// WriteFile writes data to a file respecting the context.
func (s *DefaultService) WriteFile(ctx context.Context, path string, data []byte, perm os.FileMode) error {
	start := time.Now()
	if err := s.checkContext(ctx); err != nil {
		return fmt.Errorf("failed to check context: %w", err)
	}

	// Create a channel for results
	errCh := make(chan error, 1)

	// Run file operation in goroutine
	go func() {
		errCh <- os.WriteFile(path, data, perm)
	}()

	// Wait for either completion or context cancellation
	select {
	case err := <-errCh:
		s.recordOp("WriteFile", path, start, false)
		if err != nil {
			return fmt.Errorf("failed to write file %s: %w", path, err)
		}
		return nil
	case <-ctx.Done():
		s.recordOp("WriteFile", path, start, false)
		return ctx.Err()
	}
}

// PathExists checks if a path (file or directory) exists.
func (s *DefaultService) PathExists(ctx context.Context, path string) (bool, error) {
	start := time.Now()
	if err := s.checkContext(ctx); err != nil {
		return false, err
	}

	// Create a channel for results
	type result struct {
		err    error
		exists bool
	}

	resCh := make(chan result, 1)

	// Run file operation in goroutine
	go func() {
		// Use Lstat to handle symlinks properly (don't follow them)
		_, err := os.Lstat(path)
		if os.IsNotExist(err) {
			resCh <- result{err: nil, exists: false}
			return
		}
		if err != nil {
			resCh <- result{err: fmt.Errorf("failed to check if path exists: %w", err), exists: false}
			return
		}
		resCh <- result{err: nil, exists: true}
	}()

	// Wait for either completion or context cancellation
	select {
	case res := <-resCh:
		s.recordOp("PathExists", path, start, false)
		if res.err != nil {
			return false, res.err
		}
		return res.exists, nil
	case <-ctx.Done():
		s.recordOp("PathExists", path, start, false)
		return false, ctx.Err()
	}
}

// Remove removes a file or directory.
func (s *DefaultService) Remove(ctx context.Context, path string) error {
	start := time.Now()
	if err := s.checkContext(ctx); err != nil {
		return err
	}

	// Create a channel for results
	errCh := make(chan error, 1)

	// Run file operation in goroutine
	go func() {
		errCh <- os.Remove(path)
	}()

	// Wait for either completion or context cancellation
	select {
	case err := <-errCh:
		s.recordOp("Remove", path, start, false)
		return err
	case <-ctx.Done():
		s.recordOp("Remove", path, start, false)
		return ctx.Err()
	}
}

// RemoveAll removes a directory and all its contents.
func (s *DefaultService) RemoveAll(ctx context.Context, path string) error {
	start := time.Now()
	if err := s.checkContext(ctx); err != nil {
		return err
	}

	// Create a channel for results
	errCh := make(chan error, 1)

	// Run file operation in goroutine
	go func() {
		errCh <- os.RemoveAll(path)
	}()

	// Wait for either completion or context cancellation
	select {
	case err := <-errCh:
		s.recordOp("RemoveAll", path, start, false)
		if err != nil {
			return fmt.Errorf("failed to remove directory %s: %w", path, err)
		}
		return nil
	case <-ctx.Done():
		s.recordOp("RemoveAll", path, start, false)
		return ctx.Err()
	}
}

// Stat returns file info.
func (s *DefaultService) Stat(ctx context.Context, path string) (os.FileInfo, error) {
	start := time.Now()
	if err := s.checkContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to check context: %w", err)
	}

	// Create a channel for results
	type result struct {
		info os.FileInfo
		err  error
	}

	resCh := make(chan result, 1)

	// Run file operation in goroutine
	go func() {
		info, err := os.Stat(path)
		resCh <- result{info, err}
	}()

	// Wait for either completion or context cancellation
	select {
	case res := <-resCh:
		s.recordOp("Stat", path, start, false)
		if res.err != nil {
			return nil, fmt.Errorf("failed to get file info: %w", res.err)
		}
		return res.info, nil
	case <-ctx.Done():
		s.recordOp("Stat", path, start, false)
		return nil, ctx.Err()
	}
}

// ReadDir reads a directory, returning all its directory entries.
func (s *DefaultService) ReadDir(ctx context.Context, path string) ([]os.DirEntry, error) {
	start := time.Now()
	if err := s.checkContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to check context: %w", err)
	}

	// Create a channel for results
	type result struct {
		err     error
		entries []os.DirEntry
	}

	resCh := make(chan result, 1)

	// Run file operation in goroutine
	go func() {
		entries, err := os.ReadDir(path)
		resCh <- result{err: err, entries: entries}
	}()

	// Wait for either completion or context cancellation
	select {
	case res := <-resCh:
		s.recordOp("ReadDir", path, start, false)
		if res.err != nil {
			return nil, fmt.Errorf("failed to read directory %s: %w", path, res.err)
		}
		return res.entries, nil
	case <-ctx.Done():
		s.recordOp("ReadDir", path, start, false)
		return nil, ctx.Err()
	}
}

// Glob is a wrapper around filepath.Glob that respects the context.
func (s *DefaultService) Glob(ctx context.Context, pattern string) ([]string, error) {
	start := time.Now()
	if err := s.checkContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to check context: %w", err)
	}

	// Create a channel for results
	type result struct {
		err     error
		matches []string
	}

	resCh := make(chan result, 1)

	// Run file operation in goroutine
	go func() {
		matches, err := filepath.Glob(pattern)
		resCh <- result{err: err, matches: matches}
	}()

	// Wait for either completion or context cancellation
	select {
	case res := <-resCh:
		s.recordOp("Glob", pattern, start, false)
		if res.err != nil {
			return nil, fmt.Errorf("failed to glob pattern %s: %w", pattern, res.err)
		}
		return res.matches, nil
	case <-ctx.Done():
		s.recordOp("Glob", pattern, start, false)
		return nil, ctx.Err()
	}
}

// Rename renames (moves) a file or directory from oldPath to newPath.
// This operation is atomic on the same filesystem mount.
func (s *DefaultService) Rename(ctx context.Context, oldPath, newPath string) error {
	start := time.Now()
	if err := s.checkContext(ctx); err != nil {
		return fmt.Errorf("failed to check context: %w", err)
	}

	// Create a channel for results
	errCh := make(chan error, 1)

	// Run file operation in goroutine
	go func() {
		errCh <- os.Rename(oldPath, newPath)
	}()

	// Wait for either completion or context cancellation
	select {
	case err := <-errCh:
		s.recordOp("Rename", fmt.Sprintf("%s->%s", oldPath, newPath), start, false)
		if err != nil {
			return fmt.Errorf("failed to rename file %s to %s: %w", oldPath, newPath, err)
		}
		return nil
	case <-ctx.Done():
		s.recordOp("Rename", fmt.Sprintf("%s->%s", oldPath, newPath), start, false)
		return ctx.Err()
	}
}
