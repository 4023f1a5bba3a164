package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.parley.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".parley")
}

// Dir returns the client-specific directory.
func Dir(client string) string {
	return filepath.Join(BaseDir(), "clients", client)
}

// LockPath returns the lock file path for a client.
func LockPath(client string) string {
	return filepath.Join(Dir(client), "LOCK")
}

// DBPath returns the transcript database path.
func DBPath(client string) string {
	return filepath.Join(Dir(client), "parley.db")
}

// LogDir returns the log directory for a client.
func LogDir(client string) string {
	return filepath.Join(Dir(client), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(client string) string {
	return filepath.Join(LogDir(client), "parleyd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the client directory tree with proper permissions.
func EnsureDir(client string) error {
	for _, d := range []string{Dir(client), LogDir(client)} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
