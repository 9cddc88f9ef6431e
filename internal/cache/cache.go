// Package cache keeps synthesized audio on disk so repeated text is not sent
// to a backend twice.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"readaloud/internal/speech/synth"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Cache stores audio under <dir>/<backend>/<hash><ext>.
type Cache struct {
	dir    string
	maxAge time.Duration
	logger logrus.FieldLogger
}

// Info summarizes what is stored on disk.
type Info struct {
	Dir      string
	Files    int
	Size     int64
	Backends map[string]int
	Oldest   time.Time
	MaxAge   time.Duration
}

// New returns a cache rooted at dir. A zero maxAge keeps entries forever.
func New(dir string, maxAge time.Duration, logger logrus.FieldLogger) (*Cache, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}
	return &Cache{dir: dir, maxAge: maxAge, logger: logger}, nil
}

func (c *Cache) Dir() string {
	return c.dir
}

// Key identifies one rendering of a text. Settings holds whatever else the
// backend's output depends on, see synth.Fingerprinter.
type Key struct {
	Backend  string
	Format   synth.AudioFormat
	Settings string
	Voice    string
	Text     string
}

func (k Key) hash() string {
	sum := sha256.Sum256([]byte(strings.Join([]string{k.Backend, string(k.Format), k.Settings, k.Voice, k.Text}, "\x00")))
	return hex.EncodeToString(sum[:])[:32]
}

func (c *Cache) path(k Key) string {
	return filepath.Join(c.dir, k.Backend, k.hash()+k.Format.Ext())
}

func (c *Cache) fresh(info fs.FileInfo) bool {
	return c.maxAge <= 0 || time.Since(info.ModTime()) < c.maxAge
}

// Get returns cached audio, or false when there is no fresh entry.
func (c *Cache) Get(k Key) ([]byte, bool) {
	path := c.path(k)
	info, err := os.Stat(path)
	if err != nil || !c.fresh(info) || info.Size() == 0 {
		return nil, false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		c.logger.WithError(err).WithField("path", path).Warn("Failed to read cached audio")
		return nil, false
	}
	return data, true
}

// Put stores audio. The file is written aside and renamed so concurrent
// readers never see a partial entry.
func (c *Cache) Put(k Key, audio []byte) error {
	path := c.path(k)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create cache file: %w", err)
	}
	if _, err := tmp.Write(audio); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write cache file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to store cache file: %w", err)
	}
	return nil
}

// Info walks the cache directory.
func (c *Cache) Info() (Info, error) {
	info := Info{Dir: c.dir, MaxAge: c.maxAge, Backends: make(map[string]int)}

	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || strings.HasPrefix(d.Name(), ".tmp-") {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		info.Files++
		info.Size += fi.Size()
		if info.Oldest.IsZero() || fi.ModTime().Before(info.Oldest) {
			info.Oldest = fi.ModTime()
		}
		if rel, err := filepath.Rel(c.dir, path); err == nil {
			info.Backends[strings.Split(filepath.ToSlash(rel), "/")[0]]++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return info, fmt.Errorf("failed to read cache: %w", err)
	}
	return info, nil
}

// Clear removes every entry.
func (c *Cache) Clear() error {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(c.dir, e.Name())); err != nil {
			return fmt.Errorf("failed to clear cache: %w", err)
		}
	}
	c.logger.WithField("dir", c.dir).Info("Cleared audio cache")
	return nil
}

// Prune removes entries older than the max age and reports how many went.
func (c *Cache) Prune() (int, error) {
	if c.maxAge <= 0 {
		return 0, nil
	}
	removed := 0
	err := filepath.WalkDir(c.dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		if !c.fresh(fi) {
			if err := os.Remove(path); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return removed, fmt.Errorf("failed to prune cache: %w", err)
	}
	return removed, nil
}

// Synthesizer serves requests from the cache and stores what the wrapped
// backend produces.
type Synthesizer struct {
	next  synth.Synthesizer
	cache *Cache
}

func (c *Cache) Wrap(next synth.Synthesizer) *Synthesizer {
	return &Synthesizer{next: next, cache: c}
}

func (s *Synthesizer) Name() string              { return s.next.Name() }
func (s *Synthesizer) Format() synth.AudioFormat { return s.next.Format() }

// Unwrap returns the backend behind the cache.
func (s *Synthesizer) Unwrap() synth.Synthesizer { return s.next }

func (s *Synthesizer) Synthesize(ctx context.Context, req synth.Request) ([]byte, error) {
	k := Key{Backend: s.next.Name(), Format: s.next.Format(), Voice: req.Voice, Text: req.Text}
	if fp, ok := s.next.(synth.Fingerprinter); ok {
		k.Settings = fp.Fingerprint()
	}
	if audio, ok := s.cache.Get(k); ok {
		s.cache.logger.WithField("chunk", req.Index).Debug("Using cached audio")
		return audio, nil
	}

	audio, err := s.next.Synthesize(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(audio) > 0 {
		if err := s.cache.Put(k, audio); err != nil {
			s.cache.logger.WithError(err).WithField("chunk", req.Index).Warn("Failed to cache audio")
		}
	}
	return audio, nil
}
