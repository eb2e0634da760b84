// Package lockfile provides per-session advisory locking. The lock is a file
// created with O_EXCL inside the session's storage unit, so two sessions never
// contend with each other and independent processes honor the same exclusion.
// Acquisition blocks with a bounded timeout by default; a stale lock left by a
// crashed process is recovered once it ages past the configured threshold.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/complykit/casereview/core/errors"
	"github.com/complykit/casereview/core/fsx"
)

const (
	LockFileName = "session.lock"

	lockSchemaID      = "casereview.session.lock"
	lockSchemaVersion = "1.0.0"

	DefaultTimeout    = 10 * time.Second
	DefaultRetry      = 50 * time.Millisecond
	DefaultStaleAfter = 5 * time.Minute
)

type Options struct {
	// Timeout bounds how long Acquire blocks before failing with lock_timeout.
	Timeout time.Duration
	// Retry is the poll interval while waiting for a held lock.
	Retry time.Duration
	// StaleAfter is the age past which a lock left behind by a dead process
	// is reclaimed.
	StaleAfter time.Duration
	// FailFast makes Acquire return busy immediately instead of blocking.
	FailFast bool
}

type Manager struct {
	opts Options

	mu   sync.Mutex
	held map[string]*heldLock
}

type heldLock struct {
	owner string
	depth int
}

func NewManager(opts Options) *Manager {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Retry <= 0 {
		opts.Retry = DefaultRetry
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	return &Manager{opts: opts, held: map[string]*heldLock{}}
}

// Lock is released by calling Release on every exit path; Release is
// idempotent and re-entrant acquisitions nest.
type Lock struct {
	manager  *Manager
	unitDir  string
	path     string
	released bool
}

type lockMetadata struct {
	SchemaID      string `json:"schema_id"`
	SchemaVersion string `json:"schema_version"`
	PID           int    `json:"pid"`
	Owner         string `json:"owner"`
	CreatedAt     string `json:"created_at"`
}

// Acquire takes the lock for unitDir on behalf of owner. The same owner may
// acquire recursively; a different owner blocks until timeout (or fails
// immediately when FailFast is set).
func (m *Manager) Acquire(unitDir, owner string) (*Lock, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return nil, errors.New("lock owner token is required", errors.CategoryInvalidInput, "lock_owner_required", "pass a stable owner token per logical operation", false)
	}
	if err := fsx.EnsureDir(unitDir); err != nil {
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "lock_dir_create_failed", "check storage permissions", false)
	}
	lockPath := filepath.Join(unitDir, LockFileName)

	m.mu.Lock()
	if existing, ok := m.held[unitDir]; ok && existing.owner == owner {
		existing.depth++
		m.mu.Unlock()
		return &Lock{manager: m, unitDir: unitDir, path: lockPath}, nil
	}
	m.mu.Unlock()

	start := time.Now()
	for {
		lockFile, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600) // #nosec G304 -- lock path is derived from the session storage unit.
		if err == nil {
			metadata := lockMetadata{
				SchemaID:      lockSchemaID,
				SchemaVersion: lockSchemaVersion,
				PID:           os.Getpid(),
				Owner:         owner,
				CreatedAt:     time.Now().UTC().Format(time.RFC3339),
			}
			if encoded, marshalErr := json.Marshal(metadata); marshalErr == nil {
				_, _ = lockFile.Write(append(encoded, '\n'))
			}
			_ = lockFile.Close()

			m.mu.Lock()
			m.held[unitDir] = &heldLock{owner: owner, depth: 1}
			m.mu.Unlock()
			return &Lock{manager: m, unitDir: unitDir, path: lockPath}, nil
		}
		if !os.IsExist(err) {
			return nil, errors.Wrap(err, errors.CategoryIOFailure, "lock_create_failed", "check storage permissions", true)
		}

		metadata, readable := readLockMetadata(lockPath)
		if readable && metadata.Owner == owner {
			// Same logical operation re-entering through a fresh manager
			// (nested facade calls across process boundaries share the token).
			m.mu.Lock()
			m.held[unitDir] = &heldLock{owner: owner, depth: 1}
			m.mu.Unlock()
			return &Lock{manager: m, unitDir: unitDir, path: lockPath}, nil
		}
		if readable && isStale(metadata, time.Now().UTC(), m.opts.StaleAfter) {
			_ = os.Remove(lockPath)
			continue
		}
		if m.opts.FailFast {
			return nil, errors.New(
				fmt.Sprintf("session storage %s is locked by another caller", unitDir),
				errors.CategoryStateContention, "busy", "retry once the current operation finishes", true)
		}
		if time.Since(start) >= m.opts.Timeout {
			return nil, errors.New(
				fmt.Sprintf("timed out after %s waiting for lock on %s", m.opts.Timeout, unitDir),
				errors.CategoryStateContention, "lock_timeout", "retry; stage operations are expected to be short", true)
		}
		time.Sleep(m.opts.Retry)
	}
}

// Release drops one level of nesting; the lock file is removed once the
// outermost acquisition releases. Safe to call more than once.
func (l *Lock) Release() {
	if l == nil || l.released {
		return
	}
	l.released = true

	l.manager.mu.Lock()
	defer l.manager.mu.Unlock()
	existing, ok := l.manager.held[l.unitDir]
	if !ok {
		return
	}
	existing.depth--
	if existing.depth > 0 {
		return
	}
	delete(l.manager.held, l.unitDir)
	_ = os.Remove(l.path)
}

func readLockMetadata(lockPath string) (lockMetadata, bool) {
	// #nosec G304 -- lock path is derived from the session storage unit.
	content, err := os.ReadFile(lockPath)
	if err != nil {
		return lockMetadata{}, false
	}
	var metadata lockMetadata
	if err := json.Unmarshal(content, &metadata); err != nil {
		return lockMetadata{}, false
	}
	return metadata, true
}

func isStale(metadata lockMetadata, now time.Time, staleAfter time.Duration) bool {
	createdAt, err := time.Parse(time.RFC3339, strings.TrimSpace(metadata.CreatedAt))
	if err != nil {
		return false
	}
	return now.Sub(createdAt) > staleAfter
}
