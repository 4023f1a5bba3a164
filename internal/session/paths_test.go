package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := Dir("main")
	want := filepath.Join(home, ".parley", "clients", "main")
	if got != want {
		t.Errorf("Dir(main) = %q, want %q", got, want)
	}
}

func TestDBPath(t *testing.T) {
	got := DBPath("test")
	if !strings.HasSuffix(got, filepath.Join("clients", "test", "parley.db")) {
		t.Errorf("DBPath(test) = %q, want suffix clients/test/parley.db", got)
	}
}

func TestLockPath(t *testing.T) {
	got := LockPath("test")
	if !strings.HasSuffix(got, filepath.Join("clients", "test", "LOCK")) {
		t.Errorf("LockPath(test) = %q, want suffix clients/test/LOCK", got)
	}
}

func TestLogPath(t *testing.T) {
	got := LogPath("test")
	if !strings.HasSuffix(got, filepath.Join("logs", "parleyd.log")) {
		t.Errorf("LogPath(test) = %q, want suffix logs/parleyd.log", got)
	}
}
