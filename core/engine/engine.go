// Package engine is the session lifecycle facade. External stage
// collaborators (document discovery, evidence extraction, cross-validation,
// report generation) go through this package only: every mutation runs under
// the per-session lock and every record write goes through the atomic store,
// so collaborators never bypass the locking or crash-safety discipline.
package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/complykit/casereview/core/errors"
	"github.com/complykit/casereview/core/health"
	"github.com/complykit/casereview/core/lockfile"
	"github.com/complykit/casereview/core/projectconfig"
	"github.com/complykit/casereview/core/registry"
	schemasession "github.com/complykit/casereview/core/schema/v1/session"
	"github.com/complykit/casereview/core/store"
	"github.com/complykit/casereview/core/workflow"
)

// registryUnit is the storage subdirectory whose lock serializes creation
// across callers; per-session locks cannot cover a session that does not
// exist yet.
const registryUnit = ".registry"

const maxProjectNameLength = 200

type Options struct {
	Config          projectconfig.Config
	ProducerVersion string
	Logger          zerolog.Logger
}

type Engine struct {
	config          projectconfig.Config
	store           *store.Store
	locks           *lockfile.Manager
	registry        *registry.Registry
	checker         *health.Checker
	logger          zerolog.Logger
	producerVersion string
	now             func() time.Time
}

func New(opts Options) (*Engine, error) {
	config := opts.Config
	if strings.TrimSpace(config.Storage.Root) == "" {
		return nil, errors.New("storage root is required", errors.CategoryInvalidInput, "storage_root_required", "set storage.root in the config", false)
	}
	timeout, retry, staleAfter, err := config.Lock.Durations()
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryInvalidInput, "lock_config_invalid", "fix the lock durations in the config", false)
	}
	producerVersion := strings.TrimSpace(opts.ProducerVersion)
	if producerVersion == "" {
		producerVersion = "0.0.0-dev"
	}
	recordStore := store.New(config.Storage.Root, store.Options{BackupRetention: config.Storage.BackupRetention})
	return &Engine{
		config: config,
		store:  recordStore,
		locks: lockfile.NewManager(lockfile.Options{
			Timeout:    timeout,
			Retry:      retry,
			StaleAfter: staleAfter,
			FailFast:   config.Lock.FailFast,
		}),
		registry:        registry.New(recordStore),
		checker:         health.NewChecker(recordStore),
		logger:          opts.Logger,
		producerVersion: producerVersion,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

// DuplicateError carries the existing session a create collided with. It is
// a decision point for the caller, not a storage failure.
type DuplicateError struct {
	Existing registry.Summary
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("session %s already reviews this project and documents path", e.Existing.SessionID)
}

type CreateOptions struct {
	ProjectName   string
	DocumentsPath string
	Methodology   string
	// AllowDuplicate bypasses duplicate suppression explicitly; the new
	// session records which session it duplicates.
	AllowDuplicate bool
}

type CreateResult struct {
	Session schemasession.Descriptor `json:"session"`
	// NearMatches are warnings only: similar names or shared paths that are
	// not exact duplicates.
	NearMatches []registry.Summary `json:"near_matches,omitempty"`
}

// Create validates the project metadata, runs duplicate detection before
// writing anything, and persists a fresh session with the initialize stage
// completed.
func (e *Engine) Create(opts CreateOptions) (CreateResult, error) {
	projectName := registry.NormalizeProjectName(opts.ProjectName)
	if err := validateProjectName(projectName); err != nil {
		return CreateResult{}, err
	}
	documentsPath := strings.TrimSpace(opts.DocumentsPath)
	if !filepath.IsAbs(documentsPath) {
		return CreateResult{}, errors.New(
			fmt.Sprintf("documents_path %q is not absolute", documentsPath),
			errors.CategoryInvalidInput, "documents_path_not_absolute", "supply an absolute directory path", false)
	}
	info, statErr := os.Stat(documentsPath)
	if statErr != nil || !info.IsDir() {
		return CreateResult{}, errors.New(
			fmt.Sprintf("documents_path %q is not an existing directory", documentsPath),
			errors.CategoryInvalidInput, "documents_path_not_directory", "create the directory or fix the path", false)
	}
	resolvedPath, err := registry.ResolveDocumentsPath(documentsPath)
	if err != nil {
		return CreateResult{}, err
	}

	owner := e.newOwner("create")
	createLock, err := e.locks.Acquire(filepath.Join(e.store.Root(), registryUnit), owner)
	if err != nil {
		return CreateResult{}, err
	}
	defer createLock.Release()

	duplicates, err := e.registry.FindDuplicates(projectName, resolvedPath)
	if err != nil {
		return CreateResult{}, err
	}
	if len(duplicates) > 0 && !opts.AllowDuplicate {
		return CreateResult{}, errors.Wrap(&DuplicateError{Existing: duplicates[0]},
			errors.CategoryDuplicateFound, "duplicate_found",
			"resume the existing session or pass the explicit duplicate override", false)
	}
	nearMatches, err := e.registry.NearMatches(projectName, resolvedPath)
	if err != nil {
		return CreateResult{}, err
	}

	sessionID, err := e.registry.GenerateIdentity(e.config.Identity.MaxAttempts)
	if err != nil {
		return CreateResult{}, err
	}
	sessionLock, err := e.locks.Acquire(e.store.SessionDir(sessionID), owner)
	if err != nil {
		return CreateResult{}, err
	}
	defer sessionLock.Release()

	now := e.now()
	descriptor := schemasession.Descriptor{
		SchemaID:        schemasession.DescriptorSchemaID,
		SchemaVersion:   schemasession.DescriptorSchemaVersion,
		ProducerVersion: e.producerVersion,
		SessionID:       sessionID,
		Status:          schemasession.StatusInitialized,
		CreatedAt:       now,
		UpdatedAt:       now,
		Project: schemasession.ProjectMetadata{
			ProjectName:           projectName,
			DocumentsPath:         documentsPath,
			DocumentsPathResolved: resolvedPath,
			Methodology:           strings.TrimSpace(opts.Methodology),
		},
		Workflow:  schemasession.NewWorkflow(),
		Revisions: []schemasession.RevisionEvent{},
	}
	if err := workflow.Advance(descriptor.Workflow, schemasession.StageInitialize, schemasession.StageCompleted, now); err != nil {
		return CreateResult{}, err
	}
	if opts.AllowDuplicate && len(duplicates) > 0 {
		descriptor.Revisions = append(descriptor.Revisions, schemasession.RevisionEvent{
			Kind:        schemasession.RevisionDuplicateOverride,
			CreatedAt:   now,
			Reason:      "duplicate suppression bypassed by explicit override",
			DuplicateOf: duplicates[0].SessionID,
		})
	}
	if err := e.writeDescriptor(descriptor); err != nil {
		return CreateResult{}, err
	}

	e.logger.Info().
		Str("session_id", sessionID).
		Str("project_name", projectName).
		Str("documents_path", resolvedPath).
		Int("near_matches", len(nearMatches)).
		Msg("session created")
	return CreateResult{Session: descriptor, NearMatches: nearMatches}, nil
}

type ResumeResult struct {
	Session schemasession.Descriptor `json:"session"`
	Health  health.Result            `json:"health"`
}

// Resume loads a session and runs the health battery so callers see
// structural problems before advancing any stage.
func (e *Engine) Resume(sessionID string) (ResumeResult, error) {
	lock, err := e.locks.Acquire(e.store.SessionDir(sessionID), e.newOwner("resume"))
	if err != nil {
		return ResumeResult{}, err
	}
	defer lock.Release()

	descriptor, err := e.registry.Find(sessionID)
	if err != nil {
		return ResumeResult{}, err
	}
	result := e.checker.Check(sessionID)
	e.logger.Info().
		Str("session_id", sessionID).
		Bool("healthy", result.Healthy).
		Msg("session resumed")
	return ResumeResult{Session: descriptor, Health: result}, nil
}

// Delete removes the session's storage unit permanently. Backups and
// versioned reports go with it; deletion is the caller's explicit decision.
func (e *Engine) Delete(sessionID string) error {
	lock, err := e.locks.Acquire(e.store.SessionDir(sessionID), e.newOwner("delete"))
	if err != nil {
		return err
	}
	defer lock.Release()

	if !e.store.RecordExists(sessionID, schemasession.RecordDescriptor) {
		return errors.New(
			fmt.Sprintf("session %s does not exist", sessionID),
			errors.CategoryNotFound, "session_not_found", "list sessions to find a valid identity", false)
	}
	if err := e.store.Delete(sessionID); err != nil {
		return err
	}
	e.logger.Info().Str("session_id", sessionID).Msg("session deleted")
	return nil
}

// Check runs the read-only health battery; no lock is taken.
func (e *Engine) Check(sessionID string) health.Result {
	return e.checker.Check(sessionID)
}

// List enumerates sessions newest-first straight from disk.
func (e *Engine) List() ([]registry.Summary, error) {
	return e.registry.List()
}

// MostRecent is the auto-selection query: newest session, computed on demand.
func (e *Engine) MostRecent() (registry.Summary, bool, error) {
	return e.registry.MostRecent()
}

func (e *Engine) ListBackups(sessionID, recordKey string) ([]store.Backup, error) {
	return e.store.ListBackups(sessionID, recordKey)
}

// Restore replaces a live record with a backup. Restores are always an
// explicit caller decision; nothing in the engine restores automatically.
func (e *Engine) Restore(sessionID, recordKey, backupID string) error {
	lock, err := e.locks.Acquire(e.store.SessionDir(sessionID), e.newOwner("restore"))
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := e.store.Restore(sessionID, recordKey, backupID); err != nil {
		return err
	}
	e.logger.Info().
		Str("session_id", sessionID).
		Str("record", recordKey).
		Str("backup_id", backupID).
		Msg("record restored from backup")
	return nil
}

// newOwner mints a globally unique token per logical operation. Tokens must
// never collide across Engine instances: the lock manager treats a matching
// owner as the same operation re-entering, so a predictable token would let
// a second caller through a held session lock.
func (e *Engine) newOwner(operation string) string {
	return fmt.Sprintf("%s-%d-%s", operation, os.Getpid(), uuid.NewString())
}

func (e *Engine) readDescriptor(sessionID string) (schemasession.Descriptor, error) {
	return e.registry.Find(sessionID)
}

func (e *Engine) writeDescriptor(descriptor schemasession.Descriptor) error {
	encoded, err := json.MarshalIndent(descriptor, "", "  ")
	if err != nil {
		return errors.Wrap(err, errors.CategoryInternalFailure, "descriptor_encode_failed", "", false)
	}
	encoded = append(encoded, '\n')
	return e.store.Write(descriptor.SessionID, schemasession.RecordDescriptor, encoded)
}

func validateProjectName(projectName string) error {
	if length := len([]rune(projectName)); length < 1 || length > maxProjectNameLength {
		return errors.New(
			fmt.Sprintf("project_name must be 1-%d characters", maxProjectNameLength),
			errors.CategoryInvalidInput, "project_name_length", "shorten or supply the project name", false)
	}
	if strings.ContainsAny(projectName, `/\:*?"<>|`) {
		return errors.New(
			"project_name contains path-unsafe characters",
			errors.CategoryInvalidInput, "project_name_unsafe", `remove /\:*?"<>| from the name`, false)
	}
	for _, r := range projectName {
		if unicode.IsControl(r) {
			return errors.New(
				"project_name contains control characters",
				errors.CategoryInvalidInput, "project_name_unsafe", "remove control characters from the name", false)
		}
	}
	return nil
}
