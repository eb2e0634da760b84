// Package health runs a fixed battery of read-only structural checks against
// one session's persisted records. It never mutates state and does not take
// the session write lock; the store's rename discipline guarantees every read
// sees a committed version.
package health

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/complykit/casereview/core/errors"
	"github.com/complykit/casereview/core/jcs"
	"github.com/complykit/casereview/core/schema/validate"
	schemasession "github.com/complykit/casereview/core/schema/v1/session"
	"github.com/complykit/casereview/core/store"
)

const (
	statusPass = "pass"
	statusWarn = "warn"
	statusFail = "fail"

	resultSchemaID      = "casereview.health.result"
	resultSchemaVersion = "1.0.0"
)

type Issue struct {
	Name    string `json:"name"`
	Record  string `json:"record,omitempty"`
	Stage   string `json:"stage,omitempty"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

type Result struct {
	SchemaID      string            `json:"schema_id"`
	SchemaVersion string            `json:"schema_version"`
	CreatedAt     string            `json:"created_at"`
	SessionID     string            `json:"session_id"`
	Healthy       bool              `json:"healthy"`
	Summary       string            `json:"summary"`
	Issues        []Issue           `json:"issues"`
	RecordDigests map[string]string `json:"record_digests,omitempty"`
}

type Checker struct {
	store *store.Store
}

func NewChecker(recordStore *store.Store) *Checker {
	return &Checker{store: recordStore}
}

// stageOutputs maps each stage to the record its completion implies, and
// whether that record must be non-empty.
var stageOutputs = []struct {
	stage  schemasession.Stage
	record string
}{
	{schemasession.StageDocumentDiscovery, schemasession.RecordDocumentsIndex},
	{schemasession.StageEvidenceExtraction, schemasession.RecordFindingsIndex},
	{schemasession.StageCrossValidation, schemasession.RecordValidationResults},
	{schemasession.StageReportGeneration, schemasession.RecordReportReferences},
	{schemasession.StageComplete, schemasession.RecordReportReferences},
}

func (c *Checker) Check(sessionID string) Result {
	issues := []Issue{}
	digests := map[string]string{}

	if !c.store.SessionExists(sessionID) {
		issues = append(issues, Issue{
			Name:    "session_storage",
			Status:  statusFail,
			Message: fmt.Sprintf("session %s has no storage directory", sessionID),
		})
		return finish(sessionID, issues, digests)
	}
	issues = append(issues, Issue{
		Name:    "session_storage",
		Status:  statusPass,
		Message: "session storage directory present",
	})

	descriptor, descriptorIssues := c.checkDescriptor(sessionID, digests)
	issues = append(issues, descriptorIssues...)
	if descriptor == nil {
		// Descriptor problems do not stop the artifact records from being
		// judged on their own content.
		issues = append(issues, c.checkArtifactRecords(sessionID, digests)...)
		return finish(sessionID, issues, digests)
	}

	issues = append(issues, checkDocumentsPath(*descriptor)...)
	issues = append(issues, c.checkArtifactRecords(sessionID, digests)...)
	issues = append(issues, c.checkStageConsistency(sessionID, *descriptor)...)
	return finish(sessionID, issues, digests)
}

func (c *Checker) checkDescriptor(sessionID string, digests map[string]string) (*schemasession.Descriptor, []Issue) {
	payload, err := c.store.Read(sessionID, schemasession.RecordDescriptor)
	if err != nil {
		status := statusFail
		name := "descriptor_readable"
		message := fmt.Sprintf("descriptor unreadable: %v", err)
		if errors.CategoryOf(err) == errors.CategoryCorruptedRecord {
			message = "descriptor is corrupted; restore a backup before mutating this session"
		}
		return nil, []Issue{{Name: name, Record: schemasession.RecordDescriptor, Status: status, Message: message}}
	}
	issues := []Issue{{
		Name:    "descriptor_readable",
		Record:  schemasession.RecordDescriptor,
		Status:  statusPass,
		Message: "descriptor parses as JSON",
	}}
	if digest, digestErr := jcs.DigestJCS(payload); digestErr == nil {
		digests[schemasession.RecordDescriptor] = digest
	}

	if err := validate.ValidateDescriptor(payload); err != nil {
		issues = append(issues, Issue{
			Name:    "descriptor_schema",
			Record:  schemasession.RecordDescriptor,
			Status:  statusFail,
			Message: fmt.Sprintf("descriptor fails schema validation: %v", err),
		})
		return nil, issues
	}
	issues = append(issues, Issue{
		Name:    "descriptor_schema",
		Record:  schemasession.RecordDescriptor,
		Status:  statusPass,
		Message: "descriptor matches the session schema",
	})

	var descriptor schemasession.Descriptor
	if err := json.Unmarshal(payload, &descriptor); err != nil {
		issues = append(issues, Issue{
			Name:    "descriptor_decode",
			Record:  schemasession.RecordDescriptor,
			Status:  statusFail,
			Message: fmt.Sprintf("descriptor does not decode: %v", err),
		})
		return nil, issues
	}
	if descriptor.SessionID != sessionID {
		issues = append(issues, Issue{
			Name:    "descriptor_identity",
			Record:  schemasession.RecordDescriptor,
			Status:  statusFail,
			Message: fmt.Sprintf("descriptor claims session %s but lives under %s", descriptor.SessionID, sessionID),
		})
		return nil, issues
	}
	return &descriptor, issues
}

func checkDocumentsPath(descriptor schemasession.Descriptor) []Issue {
	resolved := descriptor.Project.DocumentsPathResolved
	if resolved == "" {
		resolved = descriptor.Project.DocumentsPath
	}
	info, err := os.Stat(resolved)
	if err != nil || !info.IsDir() {
		// Warning only: a moved documents directory breaks future stages,
		// not the session itself.
		return []Issue{{
			Name:    "documents_path",
			Status:  statusWarn,
			Message: fmt.Sprintf("documents path %s no longer exists", resolved),
		}}
	}
	return []Issue{{
		Name:    "documents_path",
		Status:  statusPass,
		Message: "documents path exists",
	}}
}

func (c *Checker) checkArtifactRecords(sessionID string, digests map[string]string) []Issue {
	records := []string{
		schemasession.RecordDocumentsIndex,
		schemasession.RecordFindingsIndex,
		schemasession.RecordValidationResults,
		schemasession.RecordReportReferences,
	}
	issues := make([]Issue, 0, len(records))
	for _, recordKey := range records {
		payload, err := c.store.Read(sessionID, recordKey)
		if err != nil {
			if errors.CategoryOf(err) == errors.CategoryNotFound {
				continue
			}
			issues = append(issues, Issue{
				Name:    "record_readable",
				Record:  recordKey,
				Status:  statusFail,
				Message: fmt.Sprintf("record %s is unreadable or corrupted", recordKey),
			})
			continue
		}
		issues = append(issues, Issue{
			Name:    "record_readable",
			Record:  recordKey,
			Status:  statusPass,
			Message: fmt.Sprintf("record %s parses as JSON", recordKey),
		})
		if digest, digestErr := jcs.DigestJCS(payload); digestErr == nil {
			digests[recordKey] = digest
		}
	}
	return issues
}

func (c *Checker) checkStageConsistency(sessionID string, descriptor schemasession.Descriptor) []Issue {
	issues := []Issue{}
	for _, output := range stageOutputs {
		record := descriptor.StageOf(output.stage)
		if record == nil || record.Status != schemasession.StageCompleted {
			continue
		}
		if inconsistency := c.stageOutputIssue(sessionID, output.stage, output.record); inconsistency != nil {
			issues = append(issues, *inconsistency)
			continue
		}
		issues = append(issues, Issue{
			Name:    "stage_output",
			Stage:   string(output.stage),
			Record:  output.record,
			Status:  statusPass,
			Message: fmt.Sprintf("completed stage %s has its output record", output.stage),
		})
	}
	return issues
}

func (c *Checker) stageOutputIssue(sessionID string, stage schemasession.Stage, recordKey string) *Issue {
	payload, err := c.store.Read(sessionID, recordKey)
	if err != nil {
		return &Issue{
			Name:    "inconsistent_state",
			Stage:   string(stage),
			Record:  recordKey,
			Status:  statusFail,
			Message: fmt.Sprintf("stage %s is completed but record %s is missing or unreadable", stage, recordKey),
		}
	}
	empty := false
	switch recordKey {
	case schemasession.RecordDocumentsIndex:
		var index schemasession.DocumentsIndex
		empty = json.Unmarshal(payload, &index) != nil || len(index.Documents) == 0
	case schemasession.RecordFindingsIndex:
		var index schemasession.FindingsIndex
		empty = json.Unmarshal(payload, &index) != nil
	case schemasession.RecordValidationResults:
		var results schemasession.ValidationResults
		empty = json.Unmarshal(payload, &results) != nil
	case schemasession.RecordReportReferences:
		var references schemasession.ReportReferences
		empty = json.Unmarshal(payload, &references) != nil || len(references.Reports) == 0
	}
	if empty {
		return &Issue{
			Name:    "inconsistent_state",
			Stage:   string(stage),
			Record:  recordKey,
			Status:  statusFail,
			Message: fmt.Sprintf("stage %s is completed but record %s is empty or malformed", stage, recordKey),
		}
	}
	return nil
}

func finish(sessionID string, issues []Issue, digests map[string]string) Result {
	failed := 0
	warned := 0
	for _, issue := range issues {
		switch issue.Status {
		case statusFail:
			failed++
		case statusWarn:
			warned++
		}
	}
	if len(digests) == 0 {
		digests = nil
	}
	return Result{
		SchemaID:      resultSchemaID,
		SchemaVersion: resultSchemaVersion,
		CreatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		SessionID:     sessionID,
		Healthy:       failed == 0,
		Summary:       fmt.Sprintf("health: session=%s failed=%d warned=%d", sessionID, failed, warned),
		Issues:        issues,
		RecordDigests: digests,
	}
}
