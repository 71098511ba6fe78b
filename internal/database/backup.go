package database

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"goldrock/internal/config"

	"github.com/rs/zerolog"
)

// BackupService periodically snapshots the queue database with VACUUM INTO.
type BackupService struct {
	db     *DB
	config config.BackupConfig
	logger *zerolog.Logger
	now    func() time.Time
}

func NewBackupService(db *DB, cfg config.BackupConfig, logger *zerolog.Logger) *BackupService {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	return &BackupService{
		db:     db,
		config: cfg,
		logger: logger,
		now:    time.Now,
	}
}

// Start runs a backup immediately and then every configured interval until ctx is done.
func (s *BackupService) Start(ctx context.Context) {
	if !s.config.Enabled {
		s.logger.Info().Msg("queue backup disabled")
		return
	}

	interval := s.config.Interval
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	s.logger.Info().Dur("interval", interval).Str("path", s.config.StoragePath).Msg("queue backup started")

	if _, err := s.PerformBackup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("initial queue backup failed")
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.PerformBackup(ctx); err != nil {
				s.logger.Error().Err(err).Msg("scheduled queue backup failed")
			}
			s.CleanupOldBackups()
		}
	}
}

// PerformBackup writes a consistent copy of the database and returns its path.
func (s *BackupService) PerformBackup(ctx context.Context) (string, error) {
	if err := os.MkdirAll(s.config.StoragePath, 0o755); err != nil {
		return "", fmt.Errorf("failed to create backup directory: %w", err)
	}

	name := fmt.Sprintf("queue_%s.db", s.now().Format("20060102_150405.000"))
	backupPath := filepath.Join(s.config.StoragePath, name)

	// VACUUM INTO takes a string literal, not a bind parameter.
	quoted := strings.ReplaceAll(backupPath, "'", "''")
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("VACUUM INTO '%s'", quoted)); err != nil {
		return "", fmt.Errorf("vacuum into %s: %w", backupPath, err)
	}

	s.logger.Info().Str("path", backupPath).Msg("queue backup completed")
	return backupPath, nil
}

// CleanupOldBackups removes snapshots older than RetentionDays.
func (s *BackupService) CleanupOldBackups() {
	if s.config.RetentionDays <= 0 {
		return
	}

	files, err := os.ReadDir(s.config.StoragePath)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to read backup directory for cleanup")
		return
	}

	cutoff := s.now().AddDate(0, 0, -s.config.RetentionDays)

	for _, file := range files {
		if file.IsDir() || !strings.HasPrefix(file.Name(), "queue_") {
			continue
		}

		info, err := file.Info()
		if err != nil {
			continue
		}

		if info.ModTime().Before(cutoff) {
			s.logger.Info().Str("file", file.Name()).Msg("deleting old queue backup")
			if err := os.Remove(filepath.Join(s.config.StoragePath, file.Name())); err != nil {
				s.logger.Warn().Err(err).Str("file", file.Name()).Msg("delete old backup")
			}
		}
	}
}
