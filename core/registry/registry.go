// Package registry enumerates the sessions under a storage root and answers
// identity and duplicate queries from the authoritative on-disk state. It
// never caches: "most recent session" is a query, not process state, so
// concurrent writers cannot leave a stale answer behind.
package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/complykit/casereview/core/errors"
	schemasession "github.com/complykit/casereview/core/schema/v1/session"
	"github.com/complykit/casereview/core/store"
)

const DefaultIdentityAttempts = 10

// StatusCorrupted marks a listing entry whose descriptor could not be parsed.
// The session still appears so the operator can find and repair it.
const StatusCorrupted = "corrupted"

type Registry struct {
	store *store.Store

	// newIdentity is swappable in tests to force collisions.
	newIdentity func() string
}

func New(recordStore *store.Store) *Registry {
	return &Registry{
		store:       recordStore,
		newIdentity: func() string { return "sess_" + uuid.NewString() },
	}
}

type Summary struct {
	SessionID             string    `json:"session_id"`
	ProjectName           string    `json:"project_name,omitempty"`
	DocumentsPath         string    `json:"documents_path,omitempty"`
	DocumentsPathResolved string    `json:"documents_path_resolved,omitempty"`
	Status                string    `json:"status"`
	Assessment            string    `json:"assessment,omitempty"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// List returns one summary per session directory, newest first. A session
// whose descriptor cannot be read is listed with status "corrupted" rather
// than hidden.
func (r *Registry) List() ([]Summary, error) {
	entries, err := os.ReadDir(r.store.Root())
	if err != nil {
		if os.IsNotExist(err) {
			return []Summary{}, nil
		}
		return nil, errors.Wrap(err, errors.CategoryIOFailure, "registry_read_failed", "check the storage root", true)
	}

	summaries := make([]Summary, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		sessionID := entry.Name()
		descriptor, findErr := r.Find(sessionID)
		switch {
		case findErr == nil:
			summaries = append(summaries, summarize(descriptor))
		case errors.CategoryOf(findErr) == errors.CategoryCorruptedRecord:
			summaries = append(summaries, Summary{SessionID: sessionID, Status: StatusCorrupted})
		case errors.CategoryOf(findErr) == errors.CategoryNotFound:
			// Directory without a descriptor: likely a foreign dir, skip.
		default:
			return nil, findErr
		}
	}
	sort.Slice(summaries, func(i, j int) bool {
		if summaries[i].CreatedAt.Equal(summaries[j].CreatedAt) {
			return summaries[i].SessionID < summaries[j].SessionID
		}
		return summaries[i].CreatedAt.After(summaries[j].CreatedAt)
	})
	return summaries, nil
}

// MostRecent returns the newest session, computed on demand.
func (r *Registry) MostRecent() (Summary, bool, error) {
	summaries, err := r.List()
	if err != nil {
		return Summary{}, false, err
	}
	if len(summaries) == 0 {
		return Summary{}, false, nil
	}
	return summaries[0], true, nil
}

// Find loads a session descriptor by identity.
func (r *Registry) Find(sessionID string) (schemasession.Descriptor, error) {
	payload, err := r.store.Read(sessionID, schemasession.RecordDescriptor)
	if err != nil {
		return schemasession.Descriptor{}, err
	}
	var descriptor schemasession.Descriptor
	if unmarshalErr := json.Unmarshal(payload, &descriptor); unmarshalErr != nil {
		return schemasession.Descriptor{}, errors.Wrap(unmarshalErr, errors.CategoryCorruptedRecord, "descriptor_decode_failed",
			fmt.Sprintf("session %s descriptor does not match the expected shape", sessionID), false)
	}
	if descriptor.SessionID != sessionID {
		return schemasession.Descriptor{}, errors.New(
			fmt.Sprintf("descriptor claims session %s but lives under %s", descriptor.SessionID, sessionID),
			errors.CategoryCorruptedRecord, "descriptor_identity_mismatch", "inspect the session directory", false)
	}
	return descriptor, nil
}

// NormalizeProjectName trims surrounding whitespace; comparison stays
// case-sensitive since false-positive duplicate suppression is the worse
// failure mode.
func NormalizeProjectName(projectName string) string {
	return strings.TrimSpace(projectName)
}

// ResolveDocumentsPath turns a user-supplied path into its absolute,
// symlink-resolved form for duplicate comparison.
func ResolveDocumentsPath(documentsPath string) (string, error) {
	absolutePath, err := filepath.Abs(documentsPath)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInvalidInput, "documents_path_invalid", "supply an absolute directory path", false)
	}
	resolved, err := filepath.EvalSymlinks(absolutePath)
	if err != nil {
		return "", errors.Wrap(err, errors.CategoryInvalidInput, "documents_path_unresolvable",
			fmt.Sprintf("documents path %s does not resolve", documentsPath), false)
	}
	return resolved, nil
}

// FindDuplicates returns sessions matching exactly on normalized project name
// and resolved documents path. Corrupted sessions cannot match.
func (r *Registry) FindDuplicates(projectName, resolvedDocumentsPath string) ([]Summary, error) {
	normalizedName := NormalizeProjectName(projectName)
	summaries, err := r.List()
	if err != nil {
		return nil, err
	}
	duplicates := make([]Summary, 0)
	for _, summary := range summaries {
		if summary.Status == StatusCorrupted {
			continue
		}
		if NormalizeProjectName(summary.ProjectName) == normalizedName && summary.DocumentsPathResolved == resolvedDocumentsPath {
			duplicates = append(duplicates, summary)
		}
	}
	return duplicates, nil
}

// NearMatches surfaces sessions that are suspiciously similar without being
// exact duplicates: same name under a different casing, or the same resolved
// path under a different name. Callers treat these as warnings only.
func (r *Registry) NearMatches(projectName, resolvedDocumentsPath string) ([]Summary, error) {
	normalizedName := NormalizeProjectName(projectName)
	summaries, err := r.List()
	if err != nil {
		return nil, err
	}
	near := make([]Summary, 0)
	for _, summary := range summaries {
		if summary.Status == StatusCorrupted {
			continue
		}
		existingName := NormalizeProjectName(summary.ProjectName)
		exact := existingName == normalizedName && summary.DocumentsPathResolved == resolvedDocumentsPath
		if exact {
			continue
		}
		sameNameFold := strings.EqualFold(existingName, normalizedName)
		samePath := summary.DocumentsPathResolved == resolvedDocumentsPath
		if sameNameFold || samePath {
			near = append(near, summary)
		}
	}
	return near, nil
}

// GenerateIdentity produces an identifier not present on disk. Each attempt
// consults the filesystem, not a cached view, so independent processes cannot
// both claim the same identity. Exhausting the attempts is fatal: it signals
// a broken registry, not bad luck.
func (r *Registry) GenerateIdentity(maxAttempts int) (string, error) {
	if maxAttempts <= 0 {
		maxAttempts = DefaultIdentityAttempts
	}
	for attempt := 0; attempt < maxAttempts; attempt++ {
		candidate := r.newIdentity()
		if !r.store.SessionExists(candidate) {
			return candidate, nil
		}
	}
	return "", errors.New(
		fmt.Sprintf("no free session identity after %d attempts", maxAttempts),
		errors.CategoryIdentityExhausted, "identity_collision_exhausted",
		"the identifier space or the registry is broken; do not retry automatically", false)
}

func summarize(descriptor schemasession.Descriptor) Summary {
	return Summary{
		SessionID:             descriptor.SessionID,
		ProjectName:           descriptor.Project.ProjectName,
		DocumentsPath:         descriptor.Project.DocumentsPath,
		DocumentsPathResolved: descriptor.Project.DocumentsPathResolved,
		Status:                string(descriptor.Status),
		Assessment:            descriptor.Assessment,
		CreatedAt:             descriptor.CreatedAt,
		UpdatedAt:             descriptor.UpdatedAt,
	}
}
