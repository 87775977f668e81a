package util

import (
	"fmt"
	"os"
	"path/filepath"
)

const AppConfigDir = ".config/fedletic"

// homeDir is swapped in tests.
var homeDir = os.UserHomeDir

// GetConfigDir returns ~/.config/fedletic, creating it when missing.
func GetConfigDir() (string, error) {
	home, err := homeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	dir := filepath.Join(home, AppConfigDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create config directory: %w", err)
	}
	return dir, nil
}

// ResolveFilePath picks where a data file lives: an absolute path is kept, an existing file
// in the working directory wins, otherwise the file lives in the config directory.
func ResolveFilePath(name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	dir, err := GetConfigDir()
	if err != nil {
		return name
	}
	return filepath.Join(dir, name)
}

// ResolveDataPaths rewrites the database path and media directory of c to their resolved
// locations and creates the media directory.
func (c *AppConfig) ResolveDataPaths() error {
	if c.Conf.DatabasePath != ":memory:" {
		c.Conf.DatabasePath = ResolveFilePath(c.Conf.DatabasePath)
	}
	if c.Conf.MediaDir == "" {
		return nil
	}
	c.Conf.MediaDir = ResolveFilePath(c.Conf.MediaDir)
	if err := os.MkdirAll(c.Conf.MediaDir, 0755); err != nil {
		return fmt.Errorf("failed to create media directory: %w", err)
	}
	return nil
}
