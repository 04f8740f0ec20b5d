package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
)

var userIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidateUserID checks that a tenant id is safe to use as a path segment.
// User ids name per-user credential directories, so anything outside the
// allowed character set is rejected before it reaches the filesystem.
func ValidateUserID(userID string) error {
	if !userIDRegexp.MatchString(userID) {
		return fmt.Errorf("invalid user id %q: must match ^[A-Za-z0-9_-]{1,64}$", userID)
	}
	return nil
}

// ConfigPath returns the config file path under the data dir.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.DataDir, "config.toml")
}

// DBPath returns the gateway-owned sqlite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.DataDir, "wagate.db")
}

// AuthDir returns the credential directory for one user. Purging a user's
// authentication material removes this directory.
func (c *Config) AuthDir(userID string) string {
	return filepath.Join(c.DataDir, "auth", userID)
}

// CredentialDBPath returns the per-user whatsmeow session database path.
func (c *Config) CredentialDBPath(userID string) string {
	return filepath.Join(c.AuthDir(userID), "session.db")
}

// MediaDir returns the staging directory for downloaded media.
func (c *Config) MediaDir() string {
	return filepath.Join(c.DataDir, "media")
}

// LogDir returns the log directory.
func (c *Config) LogDir() string {
	return filepath.Join(c.DataDir, "logs")
}

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string {
	return filepath.Join(c.LogDir(), "wagated.log")
}

// EnsureDirs creates the data directory tree with owner-only permissions.
func (c *Config) EnsureDirs() error {
	dirs := []string{
		c.DataDir,
		filepath.Join(c.DataDir, "auth"),
		c.MediaDir(),
		c.LogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
