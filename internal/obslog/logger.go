// Package obslog is the daemon's structured logger: every call site names
// the component it's logging for (SESSION, WORKER, COM, ...), the logger
// gates on a per-component level with the global level as its fallback,
// and a line is written to stdout plus, once a log file is configured, to
// that file as well.
package obslog

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is an ordered severity; lower values are more verbose.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

// String renders a fixed-width label so log lines stay column-aligned.
func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO "
	case WARN:
		return "WARN "
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKN "
	}
}

// Component names this daemon's call sites log under.
const (
	ComponentApp        = "APP"
	ComponentSession    = "SESSION"
	ComponentWorker     = "WORKER"
	ComponentCOM        = "COM"
	ComponentRouter     = "ROUTER"
	ComponentRegistry   = "REGISTRY"
	ComponentIPC        = "IPC"
	ComponentWatchdog   = "WATCHDOG"
	ComponentSupervisor = "SUPERVISOR"
	ComponentConfig     = "CONFIG"
)

// Config is logger-config.json's shape: a global level, an output sink,
// and optional per-component level overrides layered on top of it.
type Config struct {
	Level      string            `json:"level"`
	Output     string            `json:"output"`
	FilePath   string            `json:"file_path"`
	Components map[string]string `json:"components"`
}

// Fields is a small structured payload appended to a log line as
// "key=value" pairs in sorted key order, so two runs of the same call
// produce byte-identical output.
type Fields map[string]any

func (f Fields) render() string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(" |")
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, f[k])
	}
	return b.String()
}

// Logger writes leveled, per-component lines to w. A component with no
// explicit override is gated on the logger's global level.
type Logger struct {
	mu         sync.Mutex
	w          io.Writer
	file       *os.File
	level      Level
	components map[string]Level
}

var (
	instance *Logger
	once     sync.Once
)

// Get returns the process-wide Logger, constructing it on first use.
func Get() *Logger {
	once.Do(func() {
		instance = &Logger{
			w:          os.Stdout,
			level:      INFO,
			components: make(map[string]Level),
		}
	})
	return instance
}

// SetLevel sets the fallback level consulted for any component without
// its own override.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetComponentLevel overrides the gating level for one component only.
func (l *Logger) SetComponentLevel(component string, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.components[component] = level
}

// SetComponentLevel overrides component's level on the process-wide
// Logger, for callers that don't hold a *Logger handle.
func SetComponentLevel(component string, level Level) {
	Get().SetComponentLevel(component, level)
}

func (l *Logger) effectiveLevel(component string) Level {
	if lvl, ok := l.components[component]; ok {
		return lvl
	}
	return l.level
}

// SetFileOutput tees subsequent log lines to path, in addition to stdout.
// A previously configured file is closed first.
func (l *Logger) SetFileOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}

	l.file = f
	l.w = io.MultiWriter(os.Stdout, f)
	return nil
}

// Close releases the log file, if one is configured.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.w = os.Stdout
	return err
}

func (l *Logger) emit(level Level, component, message string, fields Fields) {
	l.mu.Lock()
	gated := level < l.effectiveLevel(component)
	w := l.w
	fatal := level == FATAL
	var file *os.File
	if fatal {
		file = l.file
	}
	l.mu.Unlock()

	if gated {
		return
	}

	line := fmt.Sprintf("[%s] %s [%s] %s%s\n",
		time.Now().Format("2006-01-02 15:04:05"), level, component, message, fields.render())
	io.WriteString(w, line)

	if fatal {
		if file != nil {
			file.Close()
		}
		os.Exit(1)
	}
}

func (l *Logger) Debug(component, message string) { l.emit(DEBUG, component, message, nil) }
func (l *Logger) Info(component, message string)  { l.emit(INFO, component, message, nil) }
func (l *Logger) Warn(component, message string)  { l.emit(WARN, component, message, nil) }
func (l *Logger) Error(component, message string) { l.emit(ERROR, component, message, nil) }
func (l *Logger) Fatal(component, message string) { l.emit(FATAL, component, message, nil) }

func (l *Logger) Debugf(component, format string, args ...any) {
	l.emit(DEBUG, component, fmt.Sprintf(format, args...), nil)
}
func (l *Logger) Infof(component, format string, args ...any) {
	l.emit(INFO, component, fmt.Sprintf(format, args...), nil)
}
func (l *Logger) Warnf(component, format string, args ...any) {
	l.emit(WARN, component, fmt.Sprintf(format, args...), nil)
}
func (l *Logger) Errorf(component, format string, args ...any) {
	l.emit(ERROR, component, fmt.Sprintf(format, args...), nil)
}

// WithFields logs message at level with a sorted key=value suffix.
func (l *Logger) WithFields(level Level, component, message string, fields Fields) {
	l.emit(level, component, message, fields)
}

// parseLevel maps a config-file level name to a Level, reporting
// whether it recognized it.
func parseLevel(s string) (Level, bool) {
	switch s {
	case "DEBUG":
		return DEBUG, true
	case "INFO":
		return INFO, true
	case "WARN":
		return WARN, true
	case "ERROR":
		return ERROR, true
	case "FATAL":
		return FATAL, true
	default:
		return INFO, false
	}
}

// LoadConfig reads configPath as a Config and applies its global level,
// file output, and per-component overrides to the process-wide Logger.
// A malformed Components entry is skipped, not fatal.
func LoadConfig(configPath string) error {
	if abs, err := filepath.Abs(configPath); err == nil {
		configPath = abs
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return fmt.Errorf("reading logger config %s: %w", configPath, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parsing logger config: %w", err)
	}

	logger := Get()
	if level, ok := parseLevel(cfg.Level); ok {
		logger.SetLevel(level)
	}

	if cfg.Output == "file" && cfg.FilePath != "" {
		if err := logger.SetFileOutput(cfg.FilePath); err != nil {
			fmt.Fprintf(os.Stderr, "[LOGGER] warning: could not configure log file: %v\n", err)
		}
	}

	for component, levelStr := range cfg.Components {
		if level, ok := parseLevel(levelStr); ok {
			logger.SetComponentLevel(component, level)
		}
	}

	logger.Info(ComponentApp, fmt.Sprintf("logger configuration loaded from %s (level: %s)", configPath, cfg.Level))
	return nil
}

// InitializeFromFile constructs the process-wide Logger and loads
// configPath into it.
func InitializeFromFile(configPath string) error {
	Get()
	return LoadConfig(configPath)
}

// InitializeWithDefaults constructs the process-wide Logger at a fixed
// level, bypassing config-file discovery entirely.
func InitializeWithDefaults(level Level) {
	Get().SetLevel(level)
}
