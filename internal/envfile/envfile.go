// Package envfile loads KEY=VALUE pairs from a dotenv file into the process
// environment for the command-line tools.
package envfile

import (
	"errors"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// DefaultPath honours FBAUTH_ENV_FILE and falls back to ".env".
func DefaultPath() string {
	if path := os.Getenv("FBAUTH_ENV_FILE"); path != "" {
		return path
	}
	return ".env"
}

// Load sets every variable in path that is not already present in the
// environment. A missing file is not an error.
func Load(path string, logger *zap.Logger) error {
	if path == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return err
	}
	logger.Debug("loaded env file", zap.String("path", path))
	return nil
}
