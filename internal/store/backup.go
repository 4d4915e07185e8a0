package store

import (
	"context"
	"fmt"
	"time"

	"github.com/dukerupert/notara/internal/kv"
	"github.com/dukerupert/notara/internal/model"
)

// BackupLogKey holds the history of snapshot uploads, newest last.
const BackupLogKey = "notara_backup_log"

// maxBackupLog bounds the stored history.
const maxBackupLog = 50

type BackupStore struct {
	kv kv.Store
}

func NewBackupStore(s kv.Store) *BackupStore {
	return &BackupStore{kv: s}
}

// Record appends b to the log, or replaces the entry with the same S3 key.
func (s *BackupStore) Record(ctx context.Context, b model.Backup) error {
	log, err := s.List(ctx)
	if err != nil {
		return err
	}
	replaced := false
	for i := range log {
		if log[i].S3Key == b.S3Key {
			log[i] = b
			replaced = true
			break
		}
	}
	if !replaced {
		log = append(log, b)
	}
	if len(log) > maxBackupLog {
		log = log[len(log)-maxBackupLog:]
	}
	if err := kv.SetJSON(ctx, s.kv, BackupLogKey, log); err != nil {
		return fmt.Errorf("record backup: %w", err)
	}
	return nil
}

func (s *BackupStore) List(ctx context.Context) ([]model.Backup, error) {
	log := []model.Backup{}
	if _, err := kv.GetJSON(ctx, s.kv, BackupLogKey, &log); err != nil {
		return nil, fmt.Errorf("list backups: %w", err)
	}
	if log == nil {
		log = []model.Backup{}
	}
	return log, nil
}

// LatestCompleted returns the most recent completed backup, or nil.
func (s *BackupStore) LatestCompleted(ctx context.Context) (*model.Backup, error) {
	log, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var latest *model.Backup
	for i := range log {
		b := log[i]
		if b.Status != model.BackupStatusCompleted || b.CompletedAt == nil {
			continue
		}
		if latest == nil || b.CompletedAt.After(*latest.CompletedAt) {
			latest = &b
		}
	}
	return latest, nil
}

// DeleteOlderThan drops every backup started before t from the log and
// returns their S3 keys.
func (s *BackupStore) DeleteOlderThan(ctx context.Context, t time.Time) ([]string, error) {
	log, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	kept := log[:0]
	for _, b := range log {
		if b.StartedAt.Before(t) {
			keys = append(keys, b.S3Key)
			continue
		}
		kept = append(kept, b)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	if err := kv.SetJSON(ctx, s.kv, BackupLogKey, kept); err != nil {
		return nil, fmt.Errorf("delete old backups: %w", err)
	}
	return keys, nil
}
