// Package instance lays out a daemon instance's files under the data dir.
package instance

import (
	"os"
	"path/filepath"
)

// DefaultName is used when no instance is configured.
const DefaultName = "main"

// BaseDir returns ~/.integrations.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".integrations")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// Paths locates one instance's files.
type Paths struct {
	Dir string
}

// New returns the paths of instance name under base. An empty base means
// BaseDir.
func New(base, name string) Paths {
	if base == "" {
		base = BaseDir()
	}
	return Paths{Dir: filepath.Join(base, "instances", name)}
}

// Socket returns the admin UDS path.
func (p Paths) Socket() string { return filepath.Join(p.Dir, "daemon.sock") }

// DB returns the local store path.
func (p Paths) DB() string { return filepath.Join(p.Dir, "integrations.db") }

// LogDir returns the log directory.
func (p Paths) LogDir() string { return filepath.Join(p.Dir, "logs") }

// Log returns the daemon log file path.
func (p Paths) Log() string { return filepath.Join(p.LogDir(), "integrationsd.log") }

// Ensure creates the instance directory tree with proper permissions.
func (p Paths) Ensure() error {
	for _, d := range []string{p.Dir, p.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
