package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"product-sync/internal/observability"
	"product-sync/pkg/models"

	"github.com/sirupsen/logrus"
)

const (
	pendingDirName = "pending"
	workDirName    = "work"
	dlqDirName     = "dlq"
	recordExt      = ".json"
	finalizingExt  = ".finalizing"
)

// FileStore keeps one JSON file per message in three sibling directories.
// os.Rename between them is the state transition, so a claim succeeds for
// exactly one caller.
type FileStore struct {
	pendingDir string
	workDir    string
	dlqDir     string
	logger     *logrus.Logger
	metrics    observability.MetricsCollector
}

type FileStoreConfig struct {
	Dir     string
	Logger  *logrus.Logger
	Metrics observability.MetricsCollector
}

// OpenFileStore creates the queue directories under cfg.Dir when missing.
func OpenFileStore(cfg FileStoreConfig) (*FileStore, error) {
	if cfg.Dir == "" {
		return nil, errors.New("queue dir cannot be empty")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}

	s := &FileStore{
		pendingDir: filepath.Join(cfg.Dir, pendingDirName),
		workDir:    filepath.Join(cfg.Dir, workDirName),
		dlqDir:     filepath.Join(cfg.Dir, dlqDirName),
		logger:     cfg.Logger,
		metrics:    cfg.Metrics,
	}
	for _, dir := range []string{s.pendingDir, s.workDir, s.dlqDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create queue dir %s: %w", dir, err)
		}
	}
	if err := s.restoreHeld(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *FileStore) PutPending(_ context.Context, msg models.Message) (string, error) {
	if msg.ID == "" {
		return "", errors.New("message id cannot be empty")
	}
	key := msg.ID + recordExt
	if err := writeRecord(s.pendingDir, key, msg); err != nil {
		return "", err
	}
	return key, nil
}

func (s *FileStore) ClaimNext(ctx context.Context, now time.Time) (*Claim, error) {
	keys, err := listRecords(s.pendingDir)
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		src := filepath.Join(s.pendingDir, key)
		data, err := os.ReadFile(src)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", src, err)
		}

		msg, err := decodeRecord(key, data)
		if err != nil {
			if err := s.quarantine(src, key, err); err != nil {
				return nil, err
			}
			continue
		}
		if !msg.Due(now) {
			continue
		}

		dst := filepath.Join(s.workDir, key)
		if err := os.Rename(src, dst); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				// another claimer won
				continue
			}
			return nil, fmt.Errorf("failed to claim %s: %w", key, err)
		}
		if err := os.Chtimes(dst, now, now); err != nil {
			return nil, fmt.Errorf("failed to stamp claim %s: %w", key, err)
		}

		// The pending copy may have been rewritten between read and rename.
		data, err = os.ReadFile(dst)
		if err != nil {
			return nil, fmt.Errorf("failed to read claimed %s: %w", key, err)
		}
		msg, err = decodeRecord(key, data)
		if err != nil {
			if err := s.quarantine(dst, key, err); err != nil {
				return nil, err
			}
			continue
		}
		if !msg.Due(now) {
			if err := os.Rename(dst, src); err != nil {
				return nil, fmt.Errorf("failed to release %s: %w", key, err)
			}
			continue
		}

		return &Claim{Key: key, Message: msg}, nil
	}
	return nil, nil
}

func (s *FileStore) Ack(_ context.Context, c *Claim) error {
	if err := os.Remove(filepath.Join(s.workDir, c.Key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotClaimed, c.Key)
		}
		return fmt.Errorf("failed to ack %s: %w", c.Key, err)
	}
	return nil
}

func (s *FileStore) Reschedule(_ context.Context, c *Claim) error {
	return s.finalize(c, s.pendingDir)
}

func (s *FileStore) DeadLetter(_ context.Context, c *Claim) error {
	err := s.finalize(c, s.dlqDir)
	if errors.Is(err, ErrNotClaimed) {
		if _, statErr := os.Stat(filepath.Join(s.dlqDir, c.Key)); statErr == nil {
			return nil
		}
	}
	return err
}

// finalize takes the in-flight record out of work/ under a hidden name, rewrites
// it there and renames it into dir. Once the first rename succeeds no other
// process can claim or recover the record, and it is never visible in two
// directories.
func (s *FileStore) finalize(c *Claim, dir string) error {
	work := filepath.Join(s.workDir, c.Key)
	held := finalizingName(c.Key)
	heldPath := filepath.Join(s.workDir, held)

	if err := os.Rename(work, heldPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrNotClaimed, c.Key)
		}
		return fmt.Errorf("failed to take %s: %w", c.Key, err)
	}
	if err := writeRecord(s.workDir, held, c.Message); err != nil {
		s.release(heldPath, work)
		return err
	}
	if err := os.Rename(heldPath, filepath.Join(dir, c.Key)); err != nil {
		s.release(heldPath, work)
		return fmt.Errorf("failed to move %s to %s: %w", c.Key, filepath.Base(dir), err)
	}
	return nil
}

// release puts a held record back in work/ so recovery can find it
func (s *FileStore) release(heldPath, work string) {
	if err := os.Rename(heldPath, work); err != nil {
		s.logger.WithError(err).WithField("path", heldPath).Error("Failed to release held record")
	}
}

func finalizingName(key string) string {
	return "." + key + finalizingExt
}

// restoreHeld returns records left under their finalizing name by a crash to
// work/, where the recovery sweep picks them up.
func (s *FileStore) restoreHeld() error {
	entries, err := os.ReadDir(s.workDir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", s.workDir, err)
	}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt+finalizingExt) {
			continue
		}
		key := strings.TrimSuffix(strings.TrimPrefix(name, "."), finalizingExt)
		if err := os.Rename(filepath.Join(s.workDir, name), filepath.Join(s.workDir, key)); err != nil {
			return fmt.Errorf("failed to restore %s: %w", key, err)
		}
		s.logger.WithField("key", key).Warn("Restored interrupted finalize to in-flight")
	}
	return nil
}

func (s *FileStore) Stale(ctx context.Context, olderThan time.Duration, now time.Time) ([]*Claim, error) {
	keys, err := listRecords(s.workDir)
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-olderThan)
	var stale []*Claim
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		path := filepath.Join(s.workDir, key)
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to stat %s: %w", path, err)
		}
		if !info.ModTime().Before(cutoff) {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		msg, err := decodeRecord(key, data)
		if err != nil {
			if err := s.quarantine(path, key, err); err != nil {
				return nil, err
			}
			continue
		}
		stale = append(stale, &Claim{Key: key, Message: msg})
	}
	return stale, nil
}

func (s *FileStore) Stats(_ context.Context) (Stats, error) {
	var st Stats
	for _, item := range []struct {
		dir string
		n   *int
	}{
		{s.pendingDir, &st.Pending},
		{s.workDir, &st.InFlight},
		{s.dlqDir, &st.DeadLetter},
	} {
		keys, err := listRecords(item.dir)
		if err != nil {
			return Stats{}, err
		}
		*item.n = len(keys)
	}
	return st, nil
}

func (s *FileStore) Close() error {
	return nil
}

// quarantine moves an unparseable record verbatim to the dead-letter dir.
func (s *FileStore) quarantine(path, key string, cause error) error {
	if err := os.Rename(path, filepath.Join(s.dlqDir, key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to quarantine %s: %w", key, err)
	}
	s.metrics.IncCorrupt()
	s.metrics.IncSentToDLQ()
	s.logger.WithFields(logrus.Fields{
		"key":   key,
		"error": cause.Error(),
	}).Warn("Corrupt message moved to dead-letter")
	return nil
}

func listRecords(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	keys := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, recordExt) {
			continue
		}
		keys = append(keys, name)
	}
	// os.ReadDir already sorts by filename
	return keys, nil
}

// writeRecord writes msg to dir/key through a temp file and rename, so readers
// never observe a partial record.
func writeRecord(dir, key string, msg models.Message) error {
	data, err := json.MarshalIndent(msg, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}

	tmp, err := os.CreateTemp(dir, "."+key+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file for %s: %w", key, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, filepath.Join(dir, key)); err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return nil
}

func decodeRecord(key string, data []byte) (models.Message, error) {
	var msg models.Message
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return msg, errors.New("record is not a JSON object")
	}
	if err := json.Unmarshal(trimmed, &msg); err != nil {
		return msg, fmt.Errorf("failed to decode record: %w", err)
	}
	if msg.ID == "" {
		msg.ID = strings.TrimSuffix(key, recordExt)
	}
	return msg, nil
}
