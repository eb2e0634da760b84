// Package store persists one session's records as individual JSON files with
// crash-safe writes and bounded timestamped backups. A record is only ever
// replaced through rename, so readers observe the previous committed payload
// or the new one and nothing in between. Backups are crash-recovery
// artifacts; they are distinct from the versioned report records the reopen
// transition writes, which are ordinary records with their own keys.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/complykit/casereview/core/errors"
	"github.com/complykit/casereview/core/fsx"
)

const (
	DefaultBackupRetention = 5

	// BackupStampLayout names backup slots and every other timestamp-keyed
	// record version, so the two keyspaces share one clock format.
	BackupStampLayout = "20060102T150405.000000000Z"

	backupDirName   = "backups"
	recordExtension = ".json"
)

type Options struct {
	// BackupRetention caps how many backups are kept per record key.
	// Zero means DefaultBackupRetention.
	BackupRetention int
}

type Store struct {
	root      string
	retention int
}

func New(root string, opts Options) *Store {
	retention := opts.BackupRetention
	if retention <= 0 {
		retention = DefaultBackupRetention
	}
	return &Store{root: root, retention: retention}
}

func (s *Store) Root() string {
	return s.root
}

// SessionDir is the exclusively-owned storage unit for one session.
func (s *Store) SessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

func (s *Store) SessionExists(sessionID string) bool {
	return fsx.DirExists(s.SessionDir(sessionID))
}

func (s *Store) RecordExists(sessionID, recordKey string) bool {
	if err := validateKey(recordKey); err != nil {
		return false
	}
	info, err := os.Stat(s.recordPath(sessionID, recordKey))
	return err == nil && info.Mode().IsRegular()
}

// CorruptedError carries the raw bytes of an unparseable record so callers
// can inspect them before deciding whether to restore a backup.
type CorruptedError struct {
	SessionID string
	RecordKey string
	Raw       []byte
}

func (e *CorruptedError) Error() string {
	return fmt.Sprintf("record %s for session %s is not valid JSON", e.RecordKey, e.SessionID)
}

// Write commits payload for recordKey. The previous committed version, if
// any, is copied into a timestamped backup slot first; backups beyond the
// retention cap are pruned oldest-first. Any failure before the final rename
// leaves the previous version untouched.
func (s *Store) Write(sessionID, recordKey string, payload []byte) error {
	if err := validateKey(recordKey); err != nil {
		return err
	}
	if !json.Valid(payload) {
		return errors.New(
			fmt.Sprintf("refusing to write non-JSON payload for record %s", recordKey),
			errors.CategoryInvalidInput, "payload_not_json", "serialize the record before writing", false)
	}
	sessionDir := s.SessionDir(sessionID)
	if err := fsx.EnsureDir(sessionDir); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "session_dir_create_failed", "check storage root permissions", false)
	}
	livePath := s.recordPath(sessionID, recordKey)
	if _, err := os.Stat(livePath); err == nil {
		if backupErr := s.backupCurrent(sessionID, recordKey, livePath); backupErr != nil {
			return backupErr
		}
	}
	if err := fsx.WriteFileAtomic(livePath, payload, 0o600); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "record_write_failed",
			fmt.Sprintf("session %s record %s was left at its previous version", sessionID, recordKey), true)
	}
	return nil
}

// Read returns the last fully-committed payload for recordKey.
func (s *Store) Read(sessionID, recordKey string) ([]byte, error) {
	if err := validateKey(recordKey); err != nil {
		return nil, err
	}
	livePath := s.recordPath(sessionID, recordKey)
	// #nosec G304 -- record path is derived from validated key under the storage root.
	payload, err := os.ReadFile(livePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(err, errors.CategoryNotFound, "record_not_found",
				fmt.Sprintf("session %s has no record %s", sessionID, recordKey), false)
		}
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "record_read_failed", "check storage permissions", true)
	}
	if !json.Valid(payload) {
		corrupted := &CorruptedError{SessionID: sessionID, RecordKey: recordKey, Raw: payload}
		return nil, errors.Wrap(corrupted, errors.CategoryCorruptedRecord, "record_parse_failed",
			"list backups for this record and restore a committed version", false)
	}
	return payload, nil
}

type Backup struct {
	BackupID  string    `json:"backup_id"`
	RecordKey string    `json:"record_key"`
	CreatedAt time.Time `json:"created_at"`
	SizeBytes int64     `json:"size_bytes"`
}

// ListBackups returns the retained backups for recordKey, newest first.
func (s *Store) ListBackups(sessionID, recordKey string) ([]Backup, error) {
	if err := validateKey(recordKey); err != nil {
		return nil, err
	}
	backupDir := filepath.Join(s.SessionDir(sessionID), backupDirName)
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []Backup{}, nil
		}
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "backup_list_failed", "check storage permissions", true)
	}
	prefix := recordKey + "."
	backups := make([]Backup, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, recordExtension) {
			continue
		}
		stamp := strings.TrimSuffix(strings.TrimPrefix(name, prefix), recordExtension)
		createdAt, parseErr := time.Parse(BackupStampLayout, strings.SplitN(stamp, "-", 2)[0])
		if parseErr != nil {
			continue
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			continue
		}
		backups = append(backups, Backup{
			BackupID:  name,
			RecordKey: recordKey,
			CreatedAt: createdAt,
			SizeBytes: info.Size(),
		})
	}
	sort.Slice(backups, func(i, j int) bool {
		if backups[i].CreatedAt.Equal(backups[j].CreatedAt) {
			return backups[i].BackupID > backups[j].BackupID
		}
		return backups[i].CreatedAt.After(backups[j].CreatedAt)
	})
	return backups, nil
}

// Restore replaces the live record with the named backup, using the same
// backup-then-rename discipline as Write so the overwritten live version
// remains recoverable.
func (s *Store) Restore(sessionID, recordKey, backupID string) error {
	if err := validateKey(recordKey); err != nil {
		return err
	}
	if backupID == "" || strings.ContainsAny(backupID, "/\\") || strings.Contains(backupID, "..") {
		return errors.New("backup id is not a plain file name", errors.CategoryInvalidInput, "backup_id_invalid", "use an id returned by ListBackups", false)
	}
	backupPath := filepath.Join(s.SessionDir(sessionID), backupDirName, backupID)
	if _, err := os.Stat(backupPath); err != nil {
		return errors.Wrap(err, errors.CategoryNotFound, "backup_not_found",
			fmt.Sprintf("session %s record %s has no backup %s", sessionID, recordKey, backupID), false)
	}
	livePath := s.recordPath(sessionID, recordKey)
	if _, err := os.Stat(livePath); err == nil {
		if backupErr := s.backupCurrent(sessionID, recordKey, livePath); backupErr != nil {
			return backupErr
		}
	}
	if err := fsx.CopyFileAtomic(backupPath, livePath, 0o600); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "backup_restore_failed",
			"the live record was left at its previous version", true)
	}
	return nil
}

// Delete removes the session's entire storage unit, backups included.
func (s *Store) Delete(sessionID string) error {
	if err := os.RemoveAll(s.SessionDir(sessionID)); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "session_delete_failed", "check storage permissions", true)
	}
	return nil
}

func (s *Store) recordPath(sessionID, recordKey string) string {
	return filepath.Join(s.SessionDir(sessionID), recordKey+recordExtension)
}

func (s *Store) backupCurrent(sessionID, recordKey, livePath string) error {
	backupDir := filepath.Join(s.SessionDir(sessionID), backupDirName)
	if err := fsx.EnsureDir(backupDir); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "backup_dir_create_failed", "check storage permissions", false)
	}
	stamp := time.Now().UTC().Format(BackupStampLayout)
	backupPath := filepath.Join(backupDir, recordKey+"."+stamp+recordExtension)
	for sequence := 1; ; sequence++ {
		if _, err := os.Stat(backupPath); os.IsNotExist(err) {
			break
		}
		backupPath = filepath.Join(backupDir, fmt.Sprintf("%s.%s-%d%s", recordKey, stamp, sequence, recordExtension))
	}
	if err := fsx.CopyFileAtomic(livePath, backupPath, 0o600); err != nil {
		return errors.Wrap(err, errors.CategoryIOFailure, "backup_write_failed",
			"the live record was not modified", true)
	}
	return s.pruneBackups(sessionID, recordKey)
}

func (s *Store) pruneBackups(sessionID, recordKey string) error {
	backups, err := s.ListBackups(sessionID, recordKey)
	if err != nil {
		return err
	}
	for index := s.retention; index < len(backups); index++ {
		stalePath := filepath.Join(s.SessionDir(sessionID), backupDirName, backups[index].BackupID)
		if removeErr := os.Remove(stalePath); removeErr != nil && !os.IsNotExist(removeErr) {
			return errors.Wrap(removeErr, errors.CategoryIOFailure, "backup_prune_failed", "check storage permissions", true)
		}
	}
	return nil
}

func validateKey(recordKey string) error {
	if recordKey == "" || strings.ContainsAny(recordKey, "/\\") || strings.Contains(recordKey, "..") {
		return errors.New(
			fmt.Sprintf("record key %q is not a plain name", recordKey),
			errors.CategoryInvalidInput, "record_key_invalid", "record keys must not contain path separators", false)
	}
	return nil
}
