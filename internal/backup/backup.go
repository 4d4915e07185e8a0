// Package backup uploads encrypted snapshots of the key/value store to
// S3-compatible storage and restores them.
package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/dukerupert/notara/internal/kv"
	"github.com/dukerupert/notara/internal/model"
	"github.com/dukerupert/notara/internal/store"
)

// ErrNotConfigured is returned when no S3 bucket or credentials are set.
var ErrNotConfigured = errors.New("backup not configured: S3 credentials missing")

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) complete() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

type Status struct {
	State      State      `json:"state"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
}

// StatusCallback is called whenever the backup state changes.
type StatusCallback func(Status)

// snapshotPrefix namespaces objects in a shared bucket.
const snapshotPrefix = "notara/"

// Manager snapshots every key of a kv.Store. The backup log itself is
// excluded from snapshots and survives restores.
type Manager struct {
	mu       sync.RWMutex
	bucket   string
	status   Status
	callback StatusCallback

	kv      kv.Store
	backups   *store.BackupStore
	client    s3Client
	logger    *slog.Logger
	now       func() time.Time
	onRestore func(ctx context.Context) error
}

func NewManager(cfg S3Config, s kv.Store, backups *store.BackupStore, logger *slog.Logger, callback StatusCallback) *Manager {
	m := &Manager{
		bucket:   cfg.Bucket,
		kv:       s,
		backups:  backups,
		logger:   logger,
		callback: callback,
		status:   Status{State: StateDisabled},
		now:      time.Now,
	}
	if cfg.complete() {
		m.client = newS3Client(cfg)
		m.status.State = StateIdle
	}
	return m
}

// OnRestore sets a function run after every successful restore, used to
// rebuild state derived from the restored keys. Its error is logged; the
// restore itself has already succeeded.
func (m *Manager) OnRestore(fn func(ctx context.Context) error) {
	m.mu.Lock()
	m.onRestore = fn
	m.mu.Unlock()
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

func (m *Manager) s3() (s3Client, string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.client == nil {
		return nil, "", ErrNotConfigured
	}
	return m.client, m.bucket, nil
}

// snapshot returns every stored key except the backup log.
func (m *Manager) snapshot(ctx context.Context) (map[string]json.RawMessage, error) {
	all, err := m.kv.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("read store: %w", err)
	}
	delete(all, store.BackupLogKey)
	return all, nil
}

// RunNow encrypts a snapshot of the store with passphrase and uploads it.
func (m *Manager) RunNow(ctx context.Context, passphrase string) (model.Backup, error) {
	client, bucket, err := m.s3()
	if err != nil {
		return model.Backup{}, err
	}
	if passphrase == "" {
		return model.Backup{}, errors.New("backup passphrase is required")
	}

	started := m.now().UTC()
	record := model.Backup{
		S3Key:     snapshotPrefix + started.Format("2006-01-02T150405.000Z") + ".json.enc",
		Status:    model.BackupStatusUploading,
		StartedAt: started,
	}
	m.setStatus(Status{State: StateRunning, InProgress: true})

	fail := func(err error) (model.Backup, error) {
		record.Status = model.BackupStatusFailed
		record.ErrorMessage = err.Error()
		if rerr := m.backups.Record(ctx, record); rerr != nil {
			m.logger.Error("record failed backup", "error", rerr)
		}
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return record, err
	}

	if err := m.backups.Record(ctx, record); err != nil {
		m.setStatus(Status{State: StateError, Error: err.Error()})
		return record, fmt.Errorf("create backup record: %w", err)
	}

	snap, err := m.snapshot(ctx)
	if err != nil {
		return fail(err)
	}
	plain, err := json.Marshal(snap)
	if err != nil {
		return fail(fmt.Errorf("encode snapshot: %w", err))
	}
	sealed, err := Encrypt(plain, passphrase)
	if err != nil {
		return fail(fmt.Errorf("encrypt: %w", err))
	}

	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(record.S3Key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return fail(fmt.Errorf("upload to s3: %w", err))
	}

	done := m.now().UTC()
	record.Status = model.BackupStatusCompleted
	record.Keys = len(snap)
	record.SizeBytes = int64(len(sealed))
	record.CompletedAt = &done
	if err := m.backups.Record(ctx, record); err != nil {
		return fail(fmt.Errorf("record backup: %w", err))
	}

	m.setStatus(Status{State: StateIdle, LastBackup: &done})
	m.logger.Info("backup uploaded", "key", record.S3Key, "keys", record.Keys, "bytes", record.SizeBytes)
	return record, nil
}

// Restore replaces the contents of the store with the snapshot at s3Key.
// Keys absent from the snapshot are removed. It returns the number of keys
// written.
func (m *Manager) Restore(ctx context.Context, s3Key, passphrase string) (int, error) {
	client, bucket, err := m.s3()
	if err != nil {
		return 0, err
	}

	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(s3Key),
	})
	if err != nil {
		return 0, fmt.Errorf("download from s3: %w", err)
	}
	defer result.Body.Close()

	sealed, err := io.ReadAll(result.Body)
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}
	plain, err := Decrypt(sealed, passphrase)
	if err != nil {
		return 0, fmt.Errorf("decrypt snapshot: %w", err)
	}

	var snap map[string]json.RawMessage
	if err := json.Unmarshal(plain, &snap); err != nil {
		return 0, fmt.Errorf("decode snapshot: %w", err)
	}
	delete(snap, store.BackupLogKey)

	current, err := m.snapshot(ctx)
	if err != nil {
		return 0, err
	}
	var stale []string
	for _, key := range kv.SortedKeys(current) {
		if _, ok := snap[key]; !ok {
			stale = append(stale, key)
		}
	}

	if len(snap) > 0 {
		if err := m.kv.Set(ctx, snap); err != nil {
			return 0, fmt.Errorf("write snapshot: %w", err)
		}
	}
	if len(stale) > 0 {
		if err := m.kv.Remove(ctx, stale...); err != nil {
			return 0, fmt.Errorf("remove stale keys: %w", err)
		}
	}

	m.logger.Info("backup restored", "key", s3Key, "keys", len(snap), "removed", len(stale))

	m.mu.RLock()
	hook := m.onRestore
	m.mu.RUnlock()
	if hook != nil {
		if err := hook(ctx); err != nil {
			m.logger.Error("after restore", "key", s3Key, "error", err)
		}
	}
	return len(snap), nil
}

// Cleanup deletes backups older than the retention period.
func (m *Manager) Cleanup(ctx context.Context, retentionDays int) error {
	client, bucket, err := m.s3()
	if err != nil {
		return nil
	}

	before := m.now().UTC().AddDate(0, 0, -retentionDays)
	keys, err := m.backups.DeleteOlderThan(ctx, before)
	if err != nil {
		return fmt.Errorf("delete old backups: %w", err)
	}

	for _, key := range keys {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete S3 object failed", "key", key, "error", err)
		}
	}
	return nil
}
