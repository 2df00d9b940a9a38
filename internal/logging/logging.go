package logging

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"astroseq/internal/config"
)

// New returns a slog.Logger with the provided level string (info, debug, warn, error).
// format may be "json" or "text".
func New(level string, format string) *slog.Logger {
	return slog.New(newHandler(os.Stdout, parseLevel(level), format))
}

func newHandler(w io.Writer, level slog.Level, format string) slog.Handler {
	switch strings.ToLower(format) {
	case "json":
		return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	case "logfmt":
		return slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return NewTraditionalHandler(w, level)
	}
}

// Setup builds the session logger from cfg, installs it as the slog default
// and returns it. With file output enabled every line also goes to a dated
// file in the log directory, and astroseq-current.log points at it.
func Setup(cfg *config.Config) (*slog.Logger, error) {
	out := io.Writer(os.Stdout)
	var logFile string
	if cfg.Logging.FileOutput {
		f, err := openDatedLog(cfg.Logging.LogDir, time.Now())
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stdout, f)
		logFile = f.Name()
	}

	logger := slog.New(newHandler(out, parseLevel(cfg.Logging.Level), cfg.Logging.Format))
	slog.SetDefault(logger)

	logger.Debug("logging initialized",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
		"file", logFile,
	)
	return logger, nil
}

// openDatedLog opens (appending) the log file for the day of now and moves
// the current-log symlink onto it.
func openDatedLog(dir string, now time.Time) (*os.File, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	name := fmt.Sprintf("astroseq-%s.log", now.Format("2006-01-02"))
	f, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	// The symlink is a convenience; a filesystem without symlinks still logs.
	current := filepath.Join(dir, "astroseq-current.log")
	_ = os.Remove(current)
	_ = os.Symlink(name, current)
	return f, nil
}

// TraditionalHandler writes "[LEVEL] message [k=v ...]" lines through a
// standard library logger. Attributes added with WithAttrs are printed
// before the record's own, prefixed by any open groups.
type TraditionalHandler struct {
	logger *log.Logger
	level  slog.Level
	mu     *sync.Mutex
	attrs  []string
	group  string
}

// NewTraditionalHandler writes to w with the standard date and time prefix.
func NewTraditionalHandler(w io.Writer, level slog.Level) *TraditionalHandler {
	return &TraditionalHandler{
		logger: log.New(w, "", log.LstdFlags),
		level:  level,
		mu:     &sync.Mutex{},
	}
}

func (h *TraditionalHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *TraditionalHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := append([]string(nil), h.attrs...)
	r.Attrs(func(a slog.Attr) bool {
		attrs = appendAttr(attrs, h.group, a)
		return true
	})

	msg := r.Message
	if len(attrs) > 0 {
		msg = fmt.Sprintf("%s [%s]", msg, strings.Join(attrs, " "))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Printf("[%s] %s", strings.ToUpper(r.Level.String()), msg)
	return nil
}

func (h *TraditionalHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	next := *h
	next.attrs = append([]string(nil), h.attrs...)
	for _, a := range attrs {
		next.attrs = appendAttr(next.attrs, h.group, a)
	}
	return &next
}

func (h *TraditionalHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.group = h.group + name + "."
	return &next
}

func appendAttr(dst []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return dst
	}
	if a.Value.Kind() == slog.KindGroup {
		p := prefix
		if a.Key != "" {
			p += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			dst = appendAttr(dst, p, ga)
		}
		return dst
	}
	return append(dst, fmt.Sprintf("%s%s=%v", prefix, a.Key, a.Value))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// LogModeStart logs the start of a mode run.
func LogModeStart(logger *slog.Logger, modeType, runID, camera, mount string, options map[string]any) {
	logger.Info("mode started",
		"type", modeType,
		"id", runID,
		"camera", camera,
		"mount", mount,
		"options", options,
	)
}

// LogModeFinished logs a mode that ran to completion.
func LogModeFinished(logger *slog.Logger, modeType, runID string, duration time.Duration, next string) {
	logger.Info("mode finished",
		"type", modeType,
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"duration_human", duration.String(),
		"next", next,
	)
}

// LogModeError logs a mode terminated by an error or an abort.
func LogModeError(logger *slog.Logger, modeType, runID string, duration time.Duration, err error, context map[string]any) {
	logger.Error("mode failed",
		"type", modeType,
		"id", runID,
		"duration_ms", duration.Milliseconds(),
		"error", err.Error(),
		"context", context,
	)
}

// LogModeStep logs a phase change inside a mode
func LogModeStep(logger *slog.Logger, modeType, step string, details map[string]any) {
	logger.Info("mode step",
		"type", modeType,
		"step", step,
		"details", details,
	)
}

// LogWatchdog logs camera watchdog transitions
func LogWatchdog(logger *slog.Logger, camera, from, to string) {
	if from == to {
		return
	}
	logger.Debug("camera watchdog",
		"camera", camera,
		"from", from,
		"to", to,
	)
}

// LogToolStatus logs tool detection and status
func LogToolStatus(logger *slog.Logger, tool string, available bool, version, path string, err error) {
	if available {
		logger.Debug("tool detected",
			"tool", tool,
			"version", version,
			"path", path,
		)
	} else {
		logger.Debug("tool not available",
			"tool", tool,
			"error", err,
		)
	}
}
