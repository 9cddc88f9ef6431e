// Package cleanup removes the temporary files of a run on every exit path.
package cleanup

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// WorkDirPrefix names the per-run directories, so stale ones can be found.
const WorkDirPrefix = ".readaloud-"

// NewWorkDir creates a fresh run directory under parent (the system temp dir
// when empty).
func NewWorkDir(parent string) (string, error) {
	if parent == "" {
		parent = os.TempDir()
	}
	if err := os.MkdirAll(parent, 0755); err != nil {
		return "", fmt.Errorf("failed to create work dir parent: %w", err)
	}
	dir := filepath.Join(parent, WorkDirPrefix+uuid.NewString())
	if err := os.Mkdir(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create work dir: %w", err)
	}
	return dir, nil
}

// Scope owns the files and directories a run creates. Close removes them,
// except for paths passed to Keep or everything once Retain was called.
type Scope struct {
	mu      sync.Mutex
	logger  logrus.FieldLogger
	tracked []string
	kept    map[string]bool
	retain  bool
	closed  bool
}

func NewScope(logger logrus.FieldLogger, retain bool) *Scope {
	return &Scope{
		logger: logger,
		kept:   make(map[string]bool),
		retain: retain,
	}
}

// Track registers a path for removal. Directories are removed with their
// contents.
func (s *Scope) Track(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracked = append(s.tracked, filepath.Clean(path))
}

// Keep protects path from removal, including when it sits inside a tracked
// directory.
func (s *Scope) Keep(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kept[filepath.Clean(path)] = true
}

// Retain turns Close into a no-op that only logs what was left behind.
func (s *Scope) Retain() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retain = true
}

func (s *Scope) Retained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retain
}

// Close removes tracked paths in reverse order. It is safe to call more than
// once; only the first call does anything.
func (s *Scope) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.retain {
		for _, p := range s.tracked {
			s.logger.WithField("path", p).Info("Keeping intermediate artifacts")
		}
		return nil
	}

	var errs []error
	for i := len(s.tracked) - 1; i >= 0; i-- {
		if err := s.remove(s.tracked[i]); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scope) remove(path string) error {
	if s.kept[path] {
		return nil
	}
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	if !info.IsDir() || !s.keepsInside(path) {
		if err := os.RemoveAll(path); err != nil {
			s.logger.WithError(err).WithField("path", path).Warn("Failed to remove temporary file")
			return err
		}
		s.logger.WithField("path", path).Debug("Removed temporary file")
		return nil
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return err
	}
	var errs []error
	for _, e := range entries {
		if err := s.remove(filepath.Join(path, e.Name())); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scope) keepsInside(dir string) bool {
	prefix := dir + string(filepath.Separator)
	for p := range s.kept {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

// SweepStale removes run directories under dir that are older than maxAge.
// They are left behind by runs that crashed before their Scope closed.
func SweepStale(dir string, maxAge time.Duration, logger logrus.FieldLogger) (int, error) {
	if dir == "" {
		dir = os.TempDir()
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	removed := 0
	cutoff := time.Now().Add(-maxAge)
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), WorkDirPrefix) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		if err := os.RemoveAll(path); err != nil {
			logger.WithError(err).WithField("path", path).Warn("Failed to remove stale work dir")
			continue
		}
		logger.WithField("path", path).Debug("Removed stale work dir")
		removed++
	}
	return removed, nil
}
