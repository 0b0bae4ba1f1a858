package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// Backup writes a consistent snapshot of the SQLite database into dir and
// returns the file path.
func (s *Store) Backup(ctx context.Context, dir string) (string, error) {
	if s.Driver() != DriverSQLite {
		return "", fmt.Errorf("backup is not supported for driver %q", s.Driver())
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("backup-%s.db", time.Now().UTC().Format("20060102-150405.000")))
	if _, err := s.Exec(ctx, "VACUUM INTO ?", path); err != nil {
		return "", err
	}

	s.log.Info("database backup created", zap.String("path", path))
	return path, nil
}
