// Package config loads process-start settings and holds the mutable,
// admin-rewritable subset of configuration behind a lock.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

const DefaultPort = 55555

// StartupConfig is read once at process start from the environment.
type StartupConfig struct {
	Addr string

	GitIndexPath    string
	GitWorkingPath  string
	GitUpstreamURL  string
	CratesStoragePath string
	CratesUpstreamURL string
	DatabasePath    string

	StatePath string // where the mutable Document is persisted (yaml)
}

func Load() (StartupConfig, error) {
	home, _ := os.UserHomeDir()
	cfg := StartupConfig{
		Addr:              env("MR_ADDR", fmt.Sprintf(":%d", DefaultPort)),
		GitIndexPath:      env("MR_GIT_INDEX_PATH", filepath.Join(home, ".mirror/index.git")),
		GitWorkingPath:    env("MR_GIT_WORKING_PATH", filepath.Join(home, ".mirror/work.git")),
		GitUpstreamURL:    env("MR_GIT_UPSTREAM_URL", "https://github.com/rust-lang/crates.io-index"),
		CratesStoragePath: env("MR_CRATES_STORAGE_PATH", filepath.Join(home, ".mirror/crates")),
		CratesUpstreamURL: env("MR_CRATES_UPSTREAM_URL", "https://crates.io"),
		DatabasePath:      env("MR_DB_PATH", "mirror.registry.sqlite3.db"),
		StatePath:         env("MR_STATE_PATH", "mirror.registry.yaml"),
	}

	if cfg.DatabasePath == "" {
		return StartupConfig{}, errors.New("missing MR_DB_PATH")
	}
	return cfg, nil
}

func env(key, def string) string {
	if v := os.Getenv(key); strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

// Ldap holds the settings needed to bind and search a directory server.
type Ldap struct {
	Hostname string `yaml:"hostname"`
	BaseDN   string `yaml:"base_dn"`
	Domain   string `yaml:"domain"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Document is the admin-rewritable subset of configuration, persisted as
// YAML and guarded by Store's RWMutex. It is distinct from StartupConfig,
// whose fields name on-disk paths that require a process restart to move.
type Document struct {
	Address           string        `yaml:"address"`
	Interval          time.Duration `yaml:"interval"`
	CanCreateAccount  bool          `yaml:"can_create_account"`
	Ldap              *Ldap         `yaml:"ldap,omitempty"`
}

func defaultDocument(addr string) Document {
	return Document{
		Address:          addr,
		Interval:         6 * time.Hour,
		CanCreateAccount: true,
	}
}

// Store wraps a Document behind a RWMutex and persists it to StatePath
// on every Update, mirroring the original's write-through config.save().
type Store struct {
	mu        sync.RWMutex
	doc       Document
	statePath string
}

func NewStore(statePath, defaultAddr string) (*Store, error) {
	s := &Store{statePath: statePath}
	if b, err := os.ReadFile(statePath); err == nil {
		var doc Document
		if err := yaml.Unmarshal(b, &doc); err != nil {
			return nil, fmt.Errorf("config file %s corrupted: %w, you may correct it or delete it", statePath, err)
		}
		s.doc = doc
		return s, nil
	}
	s.doc = defaultDocument(defaultAddr)
	if err := s.persist(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Snapshot() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc
}

// Update applies fn to a copy of the current document and persists it,
// replacing the live document only if fn and the write both succeed.
func (s *Store) Update(fn func(*Document) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.doc
	if err := fn(&next); err != nil {
		return err
	}
	prev := s.doc
	s.doc = next
	if err := s.persist(); err != nil {
		s.doc = prev
		return err
	}
	return nil
}

func (s *Store) persist() error {
	b, err := yaml.Marshal(s.doc)
	if err != nil {
		return err
	}
	return os.WriteFile(s.statePath, b, 0o644)
}

// ParseInterval parses "<N>m", "<N>h" or "<N>d" as the original's
// modify_configs does.
func ParseInterval(s string) (time.Duration, error) {
	if len(s) < 2 {
		return 0, errors.New("unsupported interval format")
	}
	n, err := strconv.ParseInt(s[:len(s)-1], 10, 64)
	if err != nil {
		return 0, err
	}
	switch s[len(s)-1:] {
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, errors.New("unsupported interval format")
	}
}

// FormatInterval is the inverse used when rendering config to a non-admin
// or admin caller, matching the original's get_config bucketing.
func FormatInterval(d time.Duration) string {
	secs := int64(d.Seconds())
	switch {
	case secs >= 60*60*24:
		return fmt.Sprintf("%dd", secs/(60*60*24))
	case secs >= 60*60:
		return fmt.Sprintf("%dh", secs/(60*60))
	default:
		return fmt.Sprintf("%dm", secs/60)
	}
}
