package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// File is the layout of the optional YAML settings file:
//
//	providers:
//	  https://gitlab.example.com:
//	    jwks_endpoint: https://gitlab.example.com/oauth/discovery/keys
//	  https://idp.example.com:
//	    discover: true
//	allowed_projects:
//	  - group/repo
type File struct {
	Providers       Providers `yaml:"providers"`
	AllowedProjects []string  `yaml:"allowed_projects"`
}

// Snapshot is an immutable view of the reloadable settings.
type Snapshot struct {
	Providers       Providers
	AllowedProjects List
}

// Settings holds the current Snapshot. It starts from Env and, when a
// settings file is configured, overlays the file: its providers replace env
// providers of the same issuer and a present allowed_projects key replaces
// the env allow-list.
type Settings struct {
	env  Env
	path string
	log  *slog.Logger
	cur  atomic.Pointer[Snapshot]
}

// NewSettings builds Settings from env, reading env.ConfigFile if set. A
// missing or invalid file at startup is an error.
func NewSettings(env Env, logHandler slog.Handler) (*Settings, error) {
	if logHandler == nil {
		logHandler = slog.DiscardHandler
	}
	s := &Settings{env: env, path: env.ConfigFile, log: slog.New(logHandler)}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Snapshot returns the current settings.
func (s *Settings) Snapshot() Snapshot {
	return *s.cur.Load()
}

// Providers returns the current configured issuer table.
func (s *Settings) Providers() Providers {
	return s.cur.Load().Providers
}

// AllowedProjects returns the current project allow-list.
func (s *Settings) AllowedProjects() List {
	return s.cur.Load().AllowedProjects
}

// Reload re-reads the settings file. On error the previous snapshot stays
// in effect.
func (s *Settings) Reload() error {
	next := &Snapshot{
		Providers:       maps.Clone(s.env.Providers),
		AllowedProjects: s.env.AllowedProjects,
	}
	if s.path != "" {
		f, err := readFile(s.path)
		if err != nil {
			return err
		}
		if len(f.Providers) > 0 && next.Providers == nil {
			next.Providers = Providers{}
		}
		maps.Copy(next.Providers, f.Providers)
		if f.AllowedProjects != nil {
			next.AllowedProjects = NewList(f.AllowedProjects...)
		}
	}
	s.cur.Store(next)
	return nil
}

func readFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return File{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
	}
	return f, nil
}

// Watch reloads the settings whenever the file changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename are picked up. Watch returns nil immediately when no file is
// configured.
func (s *Settings) Watch(ctx context.Context) error {
	if s.path == "" {
		return nil
	}
	target, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: failed to create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()
	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("config: failed to watch %s: %w", filepath.Dir(target), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			name, err := filepath.Abs(ev.Name)
			if err != nil || name != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.log.WarnContext(ctx, "config reload failed; keeping previous settings", slog.String("err", err.Error()))
				continue
			}
			snap := s.Snapshot()
			s.log.InfoContext(ctx, "config reloaded",
				slog.Int("providers", len(snap.Providers)),
				slog.Int("allowed_projects", len(snap.AllowedProjects)))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				_ = s.Reload()
				continue
			}
			s.log.DebugContext(ctx, "fsnotify error", slog.String("err", err.Error()))
		}
	}
}
