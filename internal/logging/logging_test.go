package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"astroseq/internal/config"
)

func TestTraditionalHandlerFormatsAttrs(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewTraditionalHandler(&buf, slog.LevelInfo)).With("camera", "Sim Cam")

	log.Debug("hidden")
	log.WithGroup("slew").Info("mode step", "ra", 5.5, slog.Group("err", "dec", 0.2))

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("debug line written at info level: %q", out)
	}
	want := "[INFO] mode step [camera=Sim Cam slew.ra=5.5 slew.err.dec=0.2]"
	if !strings.Contains(out, want) {
		t.Fatalf("expected %q in %q", want, out)
	}
}

func TestModeHelpersLogAtExpectedLevels(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(NewTraditionalHandler(&buf, slog.LevelDebug))

	LogModeStart(log, "goto", "run-1", "cam", "mount", nil)
	LogModeError(log, "goto", "run-1", time.Second, errors.New("slew timed out"), nil)
	LogWatchdog(log, "cam", "waiting", "waiting")
	LogWatchdog(log, "cam", "waiting", "wait_blob")

	out := buf.String()
	for _, want := range []string{
		"[INFO] mode started",
		"[ERROR] mode failed",
		"error=slew timed out",
		"from=waiting to=wait_blob",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("expected %q in:\n%s", want, out)
		}
	}
	if strings.Count(out, "camera watchdog") != 1 {
		t.Fatalf("unchanged watchdog state should not be logged:\n%s", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupWritesDatedFile(t *testing.T) {
	prev := slog.Default()
	t.Cleanup(func() { slog.SetDefault(prev) })

	cfg := config.Default()
	cfg.Logging.FileOutput = true
	cfg.Logging.LogDir = filepath.Join(t.TempDir(), "logs")
	cfg.Logging.Level = "info"

	log, err := Setup(cfg)
	if err != nil {
		t.Fatalf("setup: %v", err)
	}
	log.Info("session ready", "mount", "Sim Mount")

	name := filepath.Join(cfg.Logging.LogDir, "astroseq-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), "[INFO] session ready [mount=Sim Mount]") {
		t.Fatalf("unexpected log file contents: %q", data)
	}
	if target, err := os.Readlink(filepath.Join(cfg.Logging.LogDir, "astroseq-current.log")); err == nil && target != filepath.Base(name) {
		t.Fatalf("current log points at %q", target)
	}
}
