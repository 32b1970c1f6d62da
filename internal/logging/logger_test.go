package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerDefaultConfig(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below configured level, got %q", buf.String())
	}

	logger.Warn("visible warning")
	if !strings.Contains(buf.String(), "visible warning") {
		t.Errorf("expected warning in output, got: %s", buf.String())
	}
}

func TestLoggerKeyValueArgs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})

	logger.Info("connection opened", "node", 7, "qp", 1)
	output := buf.String()
	if !strings.Contains(output, "node=7") || !strings.Contains(output, "qp=1") {
		t.Errorf("expected key=value pairs in output, got: %s", output)
	}
}

func TestGlobalLoggerFunctions(t *testing.T) {
	var buf bytes.Buffer
	SetDefault(NewLogger(&Config{Level: LevelDebug, Output: &buf}))

	Debug("debug message", "key", "value")
	if !strings.Contains(buf.String(), "debug message") || !strings.Contains(buf.String(), "key=value") {
		t.Errorf("expected debug message with args, got: %s", buf.String())
	}

	buf.Reset()
	Info("info message")
	if !strings.Contains(buf.String(), "info message") {
		t.Errorf("expected info message, got: %s", buf.String())
	}

	buf.Reset()
	Warn("warning message")
	if !strings.Contains(buf.String(), "warning message") {
		t.Errorf("expected warning message, got: %s", buf.String())
	}

	buf.Reset()
	Error("error message")
	if !strings.Contains(buf.String(), "error message") {
		t.Errorf("expected error message, got: %s", buf.String())
	}
}
