package config

import (
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"
)

// Initialize writes the default configuration into dir and loads it. An
// existing config.yaml is kept as-is.
func Initialize(dir string, logger *log.Logger) (*Configuration, error) {
	dest := filepath.Join(dir, ConfigurationName)

	switch _, err := os.Stat(dest); {
	case err == nil:
		logger.Printf("configuration already exists at %s", dest)
	case errors.Is(err, fs.ErrNotExist):
		if err := os.WriteFile(dest, defaultConfigData, 0600); err != nil {
			return nil, err
		}
		logger.Printf("wrote %s", dest)
	default:
		return nil, err
	}

	return Load(dir)
}
