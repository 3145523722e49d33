package bridge

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/titanous/json5"

	"github.com/hivemesh/hivehub/internal/config"
)

// Candidate is one discovered-but-unregistered bridge spec.
type Candidate struct {
	Name    string             `json:"name"`
	Path    string             `json:"path"`
	Spec    *config.BridgeSpec `json:"spec"`
	Known   bool               `json:"known"` // already registered under this name
	Invalid string             `json:"invalid,omitempty"`
}

// DiscoverLocal scans the configured directories for *.json / *.json5 bridge
// spec files and returns candidates without registering anything.
func (m *Manager) DiscoverLocal(dirs []string) []Candidate {
	var out []Candidate
	for _, dir := range dirs {
		entries, err := os.ReadDir(config.ExpandHome(dir))
		if err != nil {
			slog.Debug("bridge.discovery.dir_skipped", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !specFile(entry.Name()) {
				continue
			}
			path := filepath.Join(config.ExpandHome(dir), entry.Name())
			out = append(out, m.loadCandidate(path))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func specFile(name string) bool {
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json5")
}

func (m *Manager) loadCandidate(path string) Candidate {
	name := strings.TrimSuffix(strings.TrimSuffix(filepath.Base(path), ".json5"), ".json")
	c := Candidate{Name: name, Path: path}

	data, err := os.ReadFile(path)
	if err != nil {
		c.Invalid = err.Error()
		return c
	}
	var spec config.BridgeSpec
	if err := json5.Unmarshal(data, &spec); err != nil {
		c.Invalid = "parse: " + err.Error()
		return c
	}
	if spec.Name != "" {
		c.Name = spec.Name
	}
	switch spec.Transport {
	case "stdio":
		if spec.Command == "" {
			c.Invalid = "stdio spec has no command"
		}
	case "sse", "streamable-http":
		if spec.URL == "" {
			c.Invalid = "remote spec has no url"
		}
	default:
		c.Invalid = "unsupported transport " + spec.Transport
	}
	c.Spec = &spec
	c.Known = m.get(c.Name) != nil
	return c
}

// Watch re-scans on filesystem changes in the discovery directories and logs
// new candidates. Registration stays an explicit operator action.
func (m *Manager) Watch(ctx context.Context, dirs []string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := 0
	for _, dir := range dirs {
		if err := watcher.Add(config.ExpandHome(dir)); err != nil {
			slog.Debug("bridge.discovery.watch_skipped", "dir", dir, "error", err)
			continue
		}
		watched++
	}
	if watched == 0 {
		return nil
	}
	slog.Info("bridge.discovery.watching", "dirs", watched)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !specFile(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			c := m.loadCandidate(event.Name)
			if c.Invalid != "" {
				slog.Warn("bridge.discovery.invalid", "path", event.Name, "reason", c.Invalid)
				continue
			}
			slog.Info("bridge.discovery.candidate",
				"name", c.Name, "transport", c.Spec.Transport, "known", c.Known)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("bridge.discovery.watch_error", "error", err)
		}
	}
}
