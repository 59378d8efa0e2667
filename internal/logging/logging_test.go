package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNewLoggerLevel(t *testing.T) {
	logger, closer, err := NewLogger(Config{Level: "warn"})
	if err != nil {
		t.Fatal(err)
	}
	defer closer.Close()
	if logger.GetLevel() != zerolog.WarnLevel {
		t.Fatalf("expected warn, got %s", logger.GetLevel())
	}
}

func TestNewLoggerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "liqguard.log")
	logger, closer, err := NewLogger(Config{Level: "info", File: path})
	if err != nil {
		t.Fatal(err)
	}
	componentLogger := Component(logger, "test")
	componentLogger.Info().Str("wallet", "0xabc").Msg("hello")
	if err := closer.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	line := string(data)
	for _, want := range []string{`"component":"test"`, `"wallet":"0xabc"`, `"message":"hello"`} {
		if !strings.Contains(line, want) {
			t.Errorf("log line %q missing %s", line, want)
		}
	}
}
