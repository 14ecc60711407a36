package logging

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// recordingService captures messages sent to a service logger.
type recordingService struct {
	infos, warnings, errors []string
}

func (r *recordingService) Error(v ...interface{}) error {
	r.errors = append(r.errors, fmt.Sprint(v...))
	return nil
}

func (r *recordingService) Warning(v ...interface{}) error {
	r.warnings = append(r.warnings, fmt.Sprint(v...))
	return nil
}

func (r *recordingService) Info(v ...interface{}) error {
	r.infos = append(r.infos, fmt.Sprint(v...))
	return nil
}

func (r *recordingService) Errorf(format string, a ...interface{}) error {
	return r.Error(fmt.Sprintf(format, a...))
}

func (r *recordingService) Warningf(format string, a ...interface{}) error {
	return r.Warning(fmt.Sprintf(format, a...))
}

func (r *recordingService) Infof(format string, a ...interface{}) error {
	return r.Info(fmt.Sprintf(format, a...))
}

func TestNew_Formats(t *testing.T) {
	tests := []struct {
		name   string
		format Format
		check  func(t *testing.T, out string)
	}{
		{
			name:   "text",
			format: FormatText,
			check: func(t *testing.T, out string) {
				if !strings.Contains(out, "level=INFO") || !strings.Contains(out, "push_count=3") {
					t.Errorf("unexpected text output %q", out)
				}
			},
		},
		{
			name:   "json",
			format: FormatJSON,
			check: func(t *testing.T, out string) {
				var m map[string]any
				if err := json.Unmarshal([]byte(out), &m); err != nil {
					t.Fatalf("expected JSON output: %v", err)
				}
				if m["msg"] != "push complete" {
					t.Errorf("unexpected msg %v", m["msg"])
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger, closer, err := New(Config{Enabled: true, Format: tt.format, Output: buf})
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			defer closer.Close()

			logger.Info("push complete", "push_count", 3)
			tt.check(t, buf.String())
		})
	}
}

func TestNew_Disabled(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, _, err := New(Config{Enabled: false, Output: buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Error("should vanish")
	if buf.Len() != 0 {
		t.Errorf("disabled logger wrote %q", buf.String())
	}
}

func TestNew_LevelFilter(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, _, _ := New(Config{Enabled: true, Level: "warn", Output: buf})

	logger.Info("hidden")
	logger.Warn("shown")

	if strings.Contains(buf.String(), "hidden") || !strings.Contains(buf.String(), "shown") {
		t.Errorf("unexpected output %q", buf.String())
	}
}

func TestNew_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "rage.log")
	buf := &bytes.Buffer{}

	logger, closer, err := New(Config{Enabled: true, Output: buf, File: path})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	logger.Info("written to both")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	if !strings.Contains(string(data), "written to both") || !strings.Contains(buf.String(), "written to both") {
		t.Errorf("record missing from an output: file=%q stream=%q", data, buf.String())
	}
}

func TestNew_ForwardsToService(t *testing.T) {
	svc := &recordingService{}
	logger, _, err := New(Config{Enabled: true, Output: &bytes.Buffer{}, Service: svc})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.With("method", "PAI").Info("instance running", "state", "Running")
	logger.Warn("sync disabled")
	logger.WithGroup("push").Error("push failed", "count", 2)

	if len(svc.infos) != 1 || svc.infos[0] != "instance running method=PAI state=Running" {
		t.Errorf("unexpected infos %q", svc.infos)
	}
	if len(svc.warnings) != 1 || svc.warnings[0] != "sync disabled" {
		t.Errorf("unexpected warnings %q", svc.warnings)
	}
	if len(svc.errors) != 1 || svc.errors[0] != "push failed push.count=2" {
		t.Errorf("unexpected errors %q", svc.errors)
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"", slog.LevelInfo, false},
		{"INFO", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseLevel(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
