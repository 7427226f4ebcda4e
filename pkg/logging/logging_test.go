// SPDX-License-Identifier: AGPL-3.0-or-later

package logging

import (
	"bytes"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func buf() (*bytes.Buffer, zapcore.WriteSyncer) {
	var b bytes.Buffer
	return &b, zapcore.AddSync(&b)
}

func TestLogger_Levels(t *testing.T) {
	out, outSync := buf()
	errOut, errSync := buf()
	logger := newLoggerForTest(LevelInfo, outSync, errSync)

	logger.Debug("debug message")
	if out.Len() > 0 {
		t.Errorf("expected no output for debug at Info level, got: %q", out.String())
	}

	out.Reset()
	logger.Info("info message")
	if !strings.Contains(out.String(), "INFO") {
		t.Errorf("expected INFO in output, got: %q", out.String())
	}

	out.Reset()
	logger.Warn("warn message")
	if !strings.Contains(out.String(), "WARN") {
		t.Errorf("expected WARN in output, got: %q", out.String())
	}

	logger.Error("error message")
	if !strings.Contains(errOut.String(), "ERROR") {
		t.Errorf("expected ERROR in output, got: %q", errOut.String())
	}
}

func TestLogger_Verbose(t *testing.T) {
	out, outSync := buf()
	_, errSync := buf()
	logger := newLoggerForTest(LevelDebug, outSync, errSync)

	logger.Debug("debug message")
	if !strings.Contains(out.String(), "DEBUG") {
		t.Errorf("expected DEBUG in output when verbose, got: %q", out.String())
	}
}

func TestLogger_WithFields(t *testing.T) {
	out, outSync := buf()
	_, errSync := buf()
	logger := newLoggerForTest(LevelInfo, outSync, errSync)

	logger = logger.WithFields(NewField("env", "prod"), NewField("version", "1.0.0"))
	logger.Info("deploying")

	output := out.String()
	if !strings.Contains(output, "env") || !strings.Contains(output, "prod") {
		t.Errorf("expected env=prod field in output, got: %q", output)
	}
	if !strings.Contains(output, "version") || !strings.Contains(output, "1.0.0") {
		t.Errorf("expected version field in output, got: %q", output)
	}
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(false)
	if logger == nil {
		t.Fatalf("expected non-nil logger")
	}

	verboseLogger := NewLogger(true)
	if verboseLogger == nil {
		t.Fatalf("expected non-nil logger")
	}
}

func TestNop(t *testing.T) {
	logger := Nop()
	logger.Info("should not panic")
	logger.WithFields(NewField("k", "v")).Error("also fine")
}

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.expected)
		}
	}
}
