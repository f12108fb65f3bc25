package agentlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewDebugLogsToStderr(t *testing.T) {
	log := New(true, "info", "")
	if log.Logger.Out != os.Stderr {
		t.Error("expected debug mode to log to stderr")
	}
}

func TestNewProductionWritesLogFile(t *testing.T) {
	dir := t.TempDir()
	log := New(false, "warn", dir)
	log.Info("hello")

	if _, err := os.Stat(filepath.Join(dir, "pantavisor.log")); err != nil {
		t.Errorf("expected log file to be created: %v", err)
	}
}

func TestParseLevelFallsBackToInfo(t *testing.T) {
	if got := parseLevel("not-a-level"); got.String() != "info" {
		t.Errorf("parseLevel(invalid) = %v, want info", got)
	}
}
