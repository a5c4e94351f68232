// Package config loads the daemon's own configuration: idle timeout,
// connection cap, default per-operation timeout, and an optional pipe
// name override. Shaped after the logger's own JSON-file config idiom
// (pkg/logger/logger.go's LoadConfig), extended with an optional
// fsnotify watch so an operator can tighten/loosen the idle timeout or
// log level without restarting the daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"excelmcpd/internal/obslog"
)

// Config holds the daemon's tunables. Zero values mean "use the default"
// except where noted.
type Config struct {
	// IdleTimeout is how long the daemon waits with zero sessions before
	// shutting down. Zero means never.
	IdleTimeout time.Duration
	// MaxConnections caps concurrent IPC client connections.
	MaxConnections int
	// DefaultOperationTimeout is applied to a Session when the client
	// does not specify timeout_seconds on session.create/open.
	DefaultOperationTimeout time.Duration
	// PipeName, when set, is passed to ipc.Listen as is, in place of the
	// per-user "excelmcp-..." endpoint ipc.EndpointName derives.
	PipeName string
	// LogLevel is the logger's global level (DEBUG/INFO/WARN/ERROR/FATAL).
	LogLevel string
}

// Defaults returns the daemon's built-in defaults, used when no config
// file is present or a field is left zero.
func Defaults() Config {
	return Config{
		IdleTimeout:             0,
		MaxConnections:          10,
		DefaultOperationTimeout: 30 * time.Second,
		LogLevel:                "INFO",
	}
}

// rawConfig mirrors Config but with plain numeric seconds fields, since
// the JSON-file shape logger uses is plain numbers, not
// Go duration strings.
type rawConfig struct {
	IdleTimeoutSeconds             int    `json:"idle_timeout_seconds"`
	MaxConnections                 int    `json:"max_connections"`
	DefaultOperationTimeoutSeconds int    `json:"default_operation_timeout_seconds"`
	PipeName                       string `json:"pipe_name"`
	LogLevel                       string `json:"log_level"`
}

// Load reads path and overlays it onto Defaults(). A missing file is not
// an error — the caller gets the defaults back.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	if raw.IdleTimeoutSeconds > 0 {
		cfg.IdleTimeout = time.Duration(raw.IdleTimeoutSeconds) * time.Second
	}
	if raw.MaxConnections > 0 {
		cfg.MaxConnections = raw.MaxConnections
	}
	if raw.DefaultOperationTimeoutSeconds > 0 {
		cfg.DefaultOperationTimeout = time.Duration(raw.DefaultOperationTimeoutSeconds) * time.Second
	}
	if raw.PipeName != "" {
		cfg.PipeName = raw.PipeName
	}
	if raw.LogLevel != "" {
		cfg.LogLevel = raw.LogLevel
	}

	return cfg, nil
}

// Watcher reloads log-level changes from a config file as they happen,
// without requiring a daemon restart. Only the log level is hot-reloaded;
// the other fields (connection cap, idle timeout, pipe name) take effect
// only at daemon startup, since they are read once when the components
// they govern are constructed.
type Watcher struct {
	path    string
	watcher *fsnotify.Watcher
	mu      sync.Mutex
	closed  bool
}

// WatchLogLevel starts watching path for changes and applies log-level
// changes to obslog as they're written. Returns a no-op Watcher if path
// is empty or the underlying fsnotify watch cannot be established (a
// missing hot-reload capability is not fatal to the daemon).
func WatchLogLevel(path string) *Watcher {
	w := &Watcher{path: path}
	if path == "" {
		return w
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		obslog.Get().Warnf(obslog.ComponentConfig, "config hot-reload disabled: %v", err)
		return w
	}
	if err := fw.Add(path); err != nil {
		obslog.Get().Warnf(obslog.ComponentConfig, "config hot-reload disabled for %s: %v", path, err)
		fw.Close()
		return w
	}

	w.watcher = fw
	go w.run()
	return w
}

func (w *Watcher) run() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			cfg, err := Load(w.path)
			if err != nil {
				obslog.Get().Warnf(obslog.ComponentConfig, "config reload failed: %v", err)
				continue
			}
			if level, ok := ParseLevel(cfg.LogLevel); ok {
				obslog.Get().SetLevel(level)
				obslog.Get().Infof(obslog.ComponentConfig, "log level reloaded: %s", cfg.LogLevel)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			obslog.Get().Warnf(obslog.ComponentConfig, "config watch error: %v", err)
		}
	}
}

func (w *Watcher) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed || w.watcher == nil {
		return nil
	}
	w.closed = true
	return w.watcher.Close()
}

// ParseLevel maps a config-file level name to obslog.Level.
func ParseLevel(s string) (obslog.Level, bool) {
	switch s {
	case "DEBUG":
		return obslog.DEBUG, true
	case "INFO":
		return obslog.INFO, true
	case "WARN":
		return obslog.WARN, true
	case "ERROR":
		return obslog.ERROR, true
	case "FATAL":
		return obslog.FATAL, true
	default:
		return obslog.INFO, false
	}
}
