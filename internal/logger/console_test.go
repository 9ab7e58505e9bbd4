package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		name      string
		logLevel  string
		log       func(l *ConsoleLogger)
		wantWrite bool
	}{
		{"info passes at info", "info", func(l *ConsoleLogger) { l.Infof("hello") }, true},
		{"debug filtered at info", "info", func(l *ConsoleLogger) { l.Debugf("hello") }, false},
		{"trace passes at trace", "trace", func(l *ConsoleLogger) { l.Tracef("hello") }, true},
		{"warn passes at info", "info", func(l *ConsoleLogger) { l.Warnf("hello") }, true},
		{"info filtered at error", "error", func(l *ConsoleLogger) { l.Infof("hello") }, false},
		{"error always passes", "error", func(l *ConsoleLogger) { l.Errorf("hello") }, true},
		{"invalid level defaults to info", "bogus", func(l *ConsoleLogger) { l.Debugf("hello") }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewConsoleLogger(&buf, tt.logLevel)
			tt.log(logger)
			got := buf.Len() > 0
			if got != tt.wantWrite {
				t.Errorf("wrote=%v, want %v (output %q)", got, tt.wantWrite, buf.String())
			}
		})
	}
}

func TestLineFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewConsoleLogger(&buf, "info")
	logger.Infof("story %s dispatched to %s", "S1", "codex")

	line := buf.String()
	if !strings.Contains(line, "[INFO] story S1 dispatched to codex") {
		t.Errorf("unexpected line: %q", line)
	}
	if !strings.HasPrefix(line, "[") {
		t.Errorf("missing timestamp prefix: %q", line)
	}
}

func TestNilWriterIsSilent(t *testing.T) {
	logger := NewConsoleLogger(nil, "trace")
	logger.Infof("should not panic")
	logger.Errorf("should not panic")
}

func TestNoOpLoggerSatisfiesInterface(t *testing.T) {
	var _ Logger = NewNoOpLogger()
	var _ Logger = NewConsoleLogger(nil, "info")
}
