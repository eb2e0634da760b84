// Package session defines the persisted record shapes for one compliance
// review session. Every record is stamped with schema_id/schema_version so
// external consumers can detect format drift before trusting a payload.
package session

import "time"

const (
	DescriptorSchemaID      = "casereview.session.descriptor"
	DescriptorSchemaVersion = "1.0.0"

	DocumentsIndexSchemaID      = "casereview.session.documents_index"
	DocumentsIndexSchemaVersion = "1.0.0"

	FindingsIndexSchemaID      = "casereview.session.findings_index"
	FindingsIndexSchemaVersion = "1.0.0"

	ValidationResultsSchemaID      = "casereview.session.validation_results"
	ValidationResultsSchemaVersion = "1.0.0"

	ReportReferencesSchemaID      = "casereview.session.report_references"
	ReportReferencesSchemaVersion = "1.0.0"
)

// Record keys under a session's storage directory. Reopen preservation writes
// report references under RecordReportReferences + "@" + timestamp; those
// versioned keys are never subject to backup rotation.
const (
	RecordDescriptor        = "session"
	RecordDocumentsIndex    = "documents_index"
	RecordFindingsIndex     = "findings_index"
	RecordValidationResults = "validation_results"
	RecordReportReferences  = "report_references"
)

type Status string

const (
	StatusInitialized Status = "initialized"
	StatusInProgress  Status = "in_progress"
	StatusCompleted   Status = "completed"
)

type Stage string

const (
	StageInitialize         Stage = "initialize"
	StageDocumentDiscovery  Stage = "document_discovery"
	StageEvidenceExtraction Stage = "evidence_extraction"
	StageCrossValidation    Stage = "cross_validation"
	StageReportGeneration   Stage = "report_generation"
	StageHumanReview        Stage = "human_review"
	StageComplete           Stage = "complete"
)

// Stages lists the seven workflow stages in their canonical order.
var Stages = []Stage{
	StageInitialize,
	StageDocumentDiscovery,
	StageEvidenceExtraction,
	StageCrossValidation,
	StageReportGeneration,
	StageHumanReview,
	StageComplete,
}

// StageIndex returns the position of stage in the canonical order, or -1 for
// an unknown stage.
func StageIndex(stage Stage) int {
	for index, known := range Stages {
		if known == stage {
			return index
		}
	}
	return -1
}

// Optional reports whether a stage may be skipped. Human review is the only
// optional stage.
func Optional(stage Stage) bool {
	return stage == StageHumanReview
}

type StageStatus string

const (
	StagePending    StageStatus = "pending"
	StageInProgress StageStatus = "in_progress"
	StageCompleted  StageStatus = "completed"
	StageSkipped    StageStatus = "skipped"
)

type StageRecord struct {
	Stage       Stage       `json:"stage"`
	Status      StageStatus `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
}

// NewWorkflow returns the seven-stage progress vector in its initial state.
func NewWorkflow() []StageRecord {
	records := make([]StageRecord, 0, len(Stages))
	for _, stage := range Stages {
		records = append(records, StageRecord{Stage: stage, Status: StagePending})
	}
	return records
}

type ProjectMetadata struct {
	ProjectName string `json:"project_name"`
	// DocumentsPath is the path exactly as supplied at creation; it is never
	// rewritten. DocumentsPathResolved carries the symlink-resolved absolute
	// form, recorded separately.
	DocumentsPath         string `json:"documents_path"`
	DocumentsPathResolved string `json:"documents_path_resolved"`
	Methodology           string `json:"methodology"`
}

type RevisionKind string

const (
	RevisionReopen            RevisionKind = "reopen"
	RevisionCompleted         RevisionKind = "completed"
	RevisionDuplicateOverride RevisionKind = "duplicate_override"
)

type RevisionEvent struct {
	Kind        RevisionKind `json:"kind"`
	CreatedAt   time.Time    `json:"created_at"`
	Reason      string       `json:"reason,omitempty"`
	TargetStage Stage        `json:"target_stage,omitempty"`
	DuplicateOf string       `json:"duplicate_of,omitempty"`
}

// Descriptor is the root session record.
type Descriptor struct {
	SchemaID        string          `json:"schema_id"`
	SchemaVersion   string          `json:"schema_version"`
	ProducerVersion string          `json:"producer_version"`
	SessionID       string          `json:"session_id"`
	Status          Status          `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	Project         ProjectMetadata `json:"project_metadata"`
	Workflow        []StageRecord   `json:"workflow_progress"`
	Revisions       []RevisionEvent `json:"revision_history,omitempty"`
	Assessment      string          `json:"assessment,omitempty"`
}

// StageOf returns a pointer into the workflow vector for the given stage.
func (d *Descriptor) StageOf(stage Stage) *StageRecord {
	for index := range d.Workflow {
		if d.Workflow[index].Stage == stage {
			return &d.Workflow[index]
		}
	}
	return nil
}

// Artifact indices hold paths and digests only, never document content.

type DocumentRef struct {
	Path      string `json:"path"`
	Digest    string `json:"digest,omitempty"`
	Category  string `json:"category,omitempty"`
	SizeBytes int64  `json:"size_bytes,omitempty"`
}

type DocumentsIndex struct {
	SchemaID      string        `json:"schema_id"`
	SchemaVersion string        `json:"schema_version"`
	SessionID     string        `json:"session_id"`
	GeneratedAt   time.Time     `json:"generated_at"`
	Documents     []DocumentRef `json:"documents"`
}

type Finding struct {
	FindingID     string `json:"finding_id"`
	RequirementID string `json:"requirement_id"`
	SourcePath    string `json:"source_path"`
	SourceDigest  string `json:"source_digest,omitempty"`
	Status        string `json:"status,omitempty"`
}

type FindingsIndex struct {
	SchemaID      string    `json:"schema_id"`
	SchemaVersion string    `json:"schema_version"`
	SessionID     string    `json:"session_id"`
	GeneratedAt   time.Time `json:"generated_at"`
	Findings      []Finding `json:"findings"`
}

type ValidationFlag struct {
	FlagID        string `json:"flag_id"`
	RequirementID string `json:"requirement_id,omitempty"`
	Severity      string `json:"severity,omitempty"`
	Resolved      bool   `json:"resolved"`
	Note          string `json:"note,omitempty"`
}

type ValidationResults struct {
	SchemaID            string           `json:"schema_id"`
	SchemaVersion       string           `json:"schema_version"`
	SessionID           string           `json:"session_id"`
	GeneratedAt         time.Time        `json:"generated_at"`
	CoveragePercent     float64          `json:"coverage_percent"`
	MissingRequirements []string         `json:"missing_requirements,omitempty"`
	Flags               []ValidationFlag `json:"flags,omitempty"`
}

// UnresolvedFlagCount counts flags still open; resolved flags do not weigh
// against completion classification.
func (v ValidationResults) UnresolvedFlagCount() int {
	count := 0
	for _, flag := range v.Flags {
		if !flag.Resolved {
			count++
		}
	}
	return count
}

type ReportRef struct {
	Path        string    `json:"path"`
	Digest      string    `json:"digest,omitempty"`
	Format      string    `json:"format,omitempty"`
	GeneratedAt time.Time `json:"generated_at"`
}

type ReportReferences struct {
	SchemaID      string      `json:"schema_id"`
	SchemaVersion string      `json:"schema_version"`
	SessionID     string      `json:"session_id"`
	GeneratedAt   time.Time   `json:"generated_at"`
	Reports       []ReportRef `json:"reports"`
}
