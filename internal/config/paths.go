package config

import (
	"os"
	"path/filepath"
)

// AgenticaPath returns the root directory for agentica-server data.
// It uses $AGENTICA_PATH if set, otherwise defaults to ~/.agentica.
func AgenticaPath() string {
	if v := os.Getenv("AGENTICA_PATH"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".agentica")
	}
	return filepath.Join(home, ".agentica")
}

// ConfigPath returns the path to the agentica-server config file.
func ConfigPath() string {
	return filepath.Join(AgenticaPath(), "config.jsonc")
}

// DotenvPath returns the path to the agentica-server .env file.
func DotenvPath() string {
	return filepath.Join(AgenticaPath(), ".env")
}
