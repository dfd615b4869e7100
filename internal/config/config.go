// Package config loads fleetd's TOML configuration file (SPEC_FULL.md
// §4.7) and watches it for changes (§4.10), the ambient counterpart to
// the core state machine. It uses BurntSushi/toml, the library
// Talismancer-gvisor-ligolo's dependency set already carries.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/fsnotify/fsnotify"
	"github.com/shirou/gopsutil/v3/cpu"

	logpkg "github.com/sysfleet/fleetd/internal/log"
)

// Config is fleetd's on-disk configuration.
type Config struct {
	// WorkerProcesses is the configured fleet size. An absent
	// worker_processes or the string "auto" in the TOML source means
	// "one per logical CPU", resolved at load time via gopsutil so the
	// master never carries an unresolved sentinel; "0" or a negative
	// count is rejected by Load.
	WorkerProcesses int

	// Plugins lists the application modules to load, by name, each
	// with its own opaque configuration table.
	Plugins []PluginConfig

	PidFile   string
	AdminAddr string

	// EscalateStart overrides the master's termination backoff clock's
	// initial interval (SPEC_FULL.md §4.1/escalate.Clock); the doubling
	// shape and the 1000ms SIGKILL threshold are fixed by the spec and
	// not configurable.
	EscalateStart time.Duration
}

// PluginConfig is one [[plugins]] table from the config file.
type PluginConfig struct {
	Name   string
	Config map[string]interface{}
}

// rawConfig mirrors the TOML source before CPU-count resolution.
type rawConfig struct {
	WorkerProcesses string `toml:"worker_processes"`
	PidFile         string `toml:"pid_file"`
	AdminAddr       string `toml:"admin_addr"`
	EscalateStart   string `toml:"escalate_start"`
	Plugins         []struct {
		Name   string                 `toml:"name"`
		Config map[string]interface{} `toml:"config"`
	} `toml:"plugins"`
}

const autoWorkerProcesses = "auto"

// Load decodes the TOML file at path and resolves "auto" into a
// concrete worker count via gopsutil's logical CPU count. An explicit
// worker_processes value is never rewritten, only the sentinel is
// (SPEC_FULL.md's resolution of the "CPU affinity" open question: a
// worker's affinity list is only ever computed from an already-resolved
// count, never read uninitialized).
func Load(path string) (*Config, error) {
	var raw rawConfig
	if _, err := toml.DecodeFile(path, &raw); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	n, err := resolveWorkerProcesses(raw.WorkerProcesses)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		WorkerProcesses: n,
		PidFile:         raw.PidFile,
		AdminAddr:       raw.AdminAddr,
		EscalateStart:   parseDurationOr(raw.EscalateStart, 50*time.Millisecond),
	}
	for _, p := range raw.Plugins {
		cfg.Plugins = append(cfg.Plugins, PluginConfig{Name: p.Name, Config: p.Config})
	}
	return cfg, nil
}

func resolveWorkerProcesses(v string) (int, error) {
	if v == "" || v == autoWorkerProcesses {
		counts, err := cpu.Counts(true)
		if err != nil {
			return 0, fmt.Errorf("config: resolve auto worker_processes: %w", err)
		}
		if counts <= 0 {
			counts = 1
		}
		return counts, nil
	}

	var n int
	if _, err := fmt.Sscanf(v, "%d", &n); err != nil || n <= 0 {
		return 0, fmt.Errorf("config: invalid worker_processes %q", v)
	}
	return n, nil
}

func parseDurationOr(v string, fallback time.Duration) time.Duration {
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

// Watch watches path's parent directory for writes and calls onChange
// after each one affecting path, debounced by 250ms to collapse an
// editor's save-as-multiple-events pattern into a single reload, the
// way fsnotify.Watcher is used for config reload elsewhere in the
// corpus. Watching the directory rather than the file itself is
// required so the watch survives an atomic write-then-rename-over
// (vim, atomic config pushes): inotify watches are tied to the inode,
// and a rename over path's old inode silently ends a direct file watch
// with no further events (SPEC_FULL.md §4.10).
func Watch(path string, onChange func()) (stop func(), err error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watch: %w", err)
	}
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", dir, err)
	}

	done := make(chan struct{})
	go func() {
		var timer *time.Timer
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != base {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(250*time.Millisecond, onChange)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logpkg.Error("config watch: ", err)
			case <-done:
				w.Close()
				return
			}
		}
	}()

	return func() { close(done) }, nil
}
