package config

import (
	"errors"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"
)

// DefaultPath returns $XDG_CONFIG_HOME/midirelay/config.yaml, or a path
// relative to the working directory if no config dir is known.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return filepath.Join(".midirelay", "config.yaml")
	}
	return filepath.Join(dir, "midirelay", "config.yaml")
}

// Store persists a Config as YAML. Read and write failures are logged and
// never returned: a broken file means defaults, a failed save means the
// change lives only in memory.
type Store struct {
	path string
	log  *slog.Logger

	// saveMu orders writes to the file with the updates that produced them.
	saveMu sync.Mutex

	mu  sync.RWMutex
	cfg *Config
}

// Open loads path. A missing or malformed file yields the defaults.
func Open(path string, log *slog.Logger) *Store {
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	s := &Store{path: path, log: log}
	s.cfg = s.load()
	return s
}

func (s *Store) load() *Config {
	cfg := NewConfig()
	data, err := os.ReadFile(s.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		s.log.Debug("config: no file, using defaults", "path", s.path)
		return cfg
	case err != nil:
		s.log.Warn("config: read failed, using defaults", "path", s.path, "err", err)
		return cfg
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		s.log.Warn("config: parse failed, using defaults", "path", s.path, "err", err)
		return NewConfig()
	}
	cfg.Normalize()
	return cfg
}

// Path returns the file the store reads and writes.
func (s *Store) Path() string { return s.path }

// Get returns a copy of the stored config.
func (s *Store) Get() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Update applies fn to the stored config and saves it. Concurrent updates
// are saved in the order they were applied.
func (s *Store) Update(fn func(*Config)) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.Lock()
	fn(s.cfg)
	s.cfg.Normalize()
	cp := s.cfg.Clone()
	s.mu.Unlock()
	s.save(cp)
}

// SetSelection records the pair the user connected.
func (s *Store) SetSelection(inName, outName, inID, outID string) {
	s.Update(func(c *Config) {
		c.InputName, c.OutputName = inName, outName
		c.InputID, c.OutputID = inID, outID
	})
}

// SetExclusions replaces the wired-exclusion list.
func (s *Store) SetExclusions(names []string) {
	s.Update(func(c *Config) { c.WiredExclusions = names })
}

// Exclusions returns the wired-exclusion list.
func (s *Store) Exclusions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.cfg.WiredExclusions...)
}

func (s *Store) save(cfg *Config) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		s.log.Warn("config: encode failed", "err", err)
		return
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		s.log.Warn("config: save failed", "path", s.path, "err", err)
		return
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		s.log.Warn("config: save failed", "path", s.path, "err", err)
		return
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		s.log.Warn("config: save failed", "path", s.path, "err", err)
	}
}
