package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Store caches settings in memory and persists every change to one YAML file.
// It is safe for concurrent use.
type Store struct {
	path   string
	mu     sync.Mutex
	loaded bool
	cur    Settings
}

// DefaultPath returns <user config dir>/animehub/settings.yaml.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = "."
	}
	return filepath.Join(dir, "animehub", "settings.yaml")
}

// NewStore binds a Store to path without touching the filesystem.
func NewStore(path string) *Store {
	if path == "" {
		path = DefaultPath()
	}
	return &Store{path: path}
}

// Path returns the backing file.
func (s *Store) Path() string { return s.path }

// Get returns the current settings, loading them on first use.
func (s *Store) Get() (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Settings{}, err
	}
	return s.cur, nil
}

// Update applies fn to a copy of the current settings, normalizes the result,
// and writes it atomically. The cache only changes when the write succeeds.
func (s *Store) Update(fn func(*Settings)) (Settings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.loadLocked(); err != nil {
		return Settings{}, err
	}
	next := s.cur
	fn(&next)
	next = Normalize(next)
	if err := writeAtomic(s.path, next); err != nil {
		return Settings{}, err
	}
	s.cur = next
	return next, nil
}

// SaveDevice persists the relay device the download manager resolved.
func (s *Store) SaveDevice(id, name string) error {
	_, err := s.Update(func(c *Settings) {
		c.JDownloader.Web.DeviceID = id
		c.JDownloader.Web.DeviceName = name
	})
	return err
}

func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}
	c, err := Load(s.path)
	if err != nil {
		return err
	}
	s.cur = c
	s.loaded = true
	return nil
}

func writeAtomic(path string, c Settings) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	tmp := fmt.Sprintf("%s.%d.%s.tmp", path, os.Getpid(), strconv.FormatInt(time.Now().UnixNano(), 36))
	// Settings carry the relay password, keep them private to the user.
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
