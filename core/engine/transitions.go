package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/complykit/casereview/core/errors"
	schemasession "github.com/complykit/casereview/core/schema/v1/session"
	"github.com/complykit/casereview/core/store"
	"github.com/complykit/casereview/core/workflow"
)

// AdvancePayload carries the output record for the stage being advanced. At
// most one field may be set, and it must match the stage.
type AdvancePayload struct {
	Documents  *schemasession.DocumentsIndex
	Findings   *schemasession.FindingsIndex
	Validation *schemasession.ValidationResults
	Reports    *schemasession.ReportReferences
}

type AdvanceOptions struct {
	Stage schemasession.Stage
	// Status defaults to completed when empty.
	Status  schemasession.StageStatus
	Payload AdvancePayload
}

// AdvanceStage applies one stage transition under the session lock. The
// stage's output record is committed before the descriptor, so a crash
// between the two writes leaves the stage incomplete rather than claiming an
// output that does not exist.
func (e *Engine) AdvanceStage(sessionID string, opts AdvanceOptions) (schemasession.Descriptor, error) {
	lock, err := e.locks.Acquire(e.store.SessionDir(sessionID), e.newOwner("advance"))
	if err != nil {
		return schemasession.Descriptor{}, err
	}
	defer lock.Release()

	descriptor, err := e.readDescriptor(sessionID)
	if err != nil {
		return schemasession.Descriptor{}, err
	}
	if descriptor.Status == schemasession.StatusCompleted {
		return schemasession.Descriptor{}, errors.New(
			fmt.Sprintf("session %s is completed; stages cannot advance", sessionID),
			errors.CategoryIllegalState, "session_completed", "reopen the session first", false)
	}

	target := opts.Status
	if target == "" {
		target = schemasession.StageCompleted
	}
	recordKey, recordValue, err := stagePayload(sessionID, opts.Stage, opts.Payload)
	if err != nil {
		return schemasession.Descriptor{}, err
	}
	if target == schemasession.StageCompleted && recordKey != "" && recordValue == nil &&
		!e.store.RecordExists(sessionID, recordKey) {
		return schemasession.Descriptor{}, errors.New(
			fmt.Sprintf("stage %s cannot complete without its %s record", opts.Stage, recordKey),
			errors.CategoryInvalidInput, "stage_output_required", "supply the stage output payload", false)
	}

	now := e.now()
	if err := workflow.Advance(descriptor.Workflow, opts.Stage, target, now); err != nil {
		return schemasession.Descriptor{}, err
	}
	if recordValue != nil {
		encoded, marshalErr := json.MarshalIndent(recordValue, "", "  ")
		if marshalErr != nil {
			return schemasession.Descriptor{}, errors.Wrap(marshalErr, errors.CategoryInternalFailure, "record_encode_failed", "", false)
		}
		encoded = append(encoded, '\n')
		if writeErr := e.store.Write(sessionID, recordKey, encoded); writeErr != nil {
			return schemasession.Descriptor{}, writeErr
		}
	}
	if descriptor.Status == schemasession.StatusInitialized && workflow.Started(descriptor.Workflow) {
		descriptor.Status = schemasession.StatusInProgress
	}
	descriptor.UpdatedAt = now
	if err := e.writeDescriptor(descriptor); err != nil {
		return schemasession.Descriptor{}, err
	}

	e.logger.Info().
		Str("session_id", sessionID).
		Str("stage", string(opts.Stage)).
		Str("target", string(target)).
		Msg("stage advanced")
	return descriptor, nil
}

// Complete classifies the session and marks it completed. Calling Complete on
// an already-completed session returns the stored state unchanged.
func (e *Engine) Complete(sessionID string) (schemasession.Descriptor, error) {
	lock, err := e.locks.Acquire(e.store.SessionDir(sessionID), e.newOwner("complete"))
	if err != nil {
		return schemasession.Descriptor{}, err
	}
	defer lock.Release()

	descriptor, err := e.readDescriptor(sessionID)
	if err != nil {
		return schemasession.Descriptor{}, err
	}
	if descriptor.Status == schemasession.StatusCompleted {
		return descriptor, nil
	}
	if err := workflow.CompletionReady(descriptor.Workflow); err != nil {
		return schemasession.Descriptor{}, err
	}

	reports, err := e.readReports(sessionID)
	if err != nil {
		return schemasession.Descriptor{}, err
	}
	if len(reports.Reports) == 0 {
		return schemasession.Descriptor{}, errors.New(
			fmt.Sprintf("session %s has no generated report to complete with", sessionID),
			errors.CategoryPrerequisite, "report_missing", "rerun report generation before completing", false)
	}
	validation, err := e.readValidation(sessionID)
	if err != nil {
		return schemasession.Descriptor{}, err
	}
	assessment := workflow.Classify(e.config.Assessment,
		validation.CoveragePercent,
		len(validation.MissingRequirements),
		validation.UnresolvedFlagCount())

	now := e.now()
	if record := descriptor.StageOf(schemasession.StageComplete); record != nil && record.Status != schemasession.StageCompleted {
		if err := workflow.Advance(descriptor.Workflow, schemasession.StageComplete, schemasession.StageCompleted, now); err != nil {
			return schemasession.Descriptor{}, err
		}
	}
	descriptor.Status = schemasession.StatusCompleted
	descriptor.CompletedAt = &now
	descriptor.UpdatedAt = now
	descriptor.Assessment = string(assessment)
	descriptor.Revisions = append(descriptor.Revisions, schemasession.RevisionEvent{
		Kind:      schemasession.RevisionCompleted,
		CreatedAt: now,
		Reason:    fmt.Sprintf("assessed as %s", assessment),
	})
	if err := e.writeDescriptor(descriptor); err != nil {
		return schemasession.Descriptor{}, err
	}

	e.logger.Info().
		Str("session_id", sessionID).
		Str("assessment", string(assessment)).
		Msg("session completed")
	return descriptor, nil
}

// Reopen returns a completed session to in_progress at target, preserving the
// completed run's report references under a timestamped key first so the new
// run can never overwrite them.
func (e *Engine) Reopen(sessionID string, target schemasession.Stage, reason string) (schemasession.Descriptor, error) {
	lock, err := e.locks.Acquire(e.store.SessionDir(sessionID), e.newOwner("reopen"))
	if err != nil {
		return schemasession.Descriptor{}, err
	}
	defer lock.Release()

	descriptor, err := e.readDescriptor(sessionID)
	if err != nil {
		return schemasession.Descriptor{}, err
	}
	if descriptor.Status != schemasession.StatusCompleted {
		return schemasession.Descriptor{}, errors.New(
			fmt.Sprintf("session %s is %s; only completed sessions reopen", sessionID, descriptor.Status),
			errors.CategoryIllegalState, "session_not_completed", "reopen applies to completed sessions only", false)
	}
	if target == schemasession.StageInitialize {
		return schemasession.Descriptor{}, errors.New(
			"the initialize stage cannot be reopened",
			errors.CategoryInvalidInput, "stage_unknown", "reopen to document_discovery or later", false)
	}

	now := e.now()
	if payload, readErr := e.store.Read(sessionID, schemasession.RecordReportReferences); readErr == nil {
		versionedKey := schemasession.RecordReportReferences + "@" + now.Format(store.BackupStampLayout)
		if writeErr := e.store.Write(sessionID, versionedKey, payload); writeErr != nil {
			return schemasession.Descriptor{}, writeErr
		}
	} else if errors.CategoryOf(readErr) != errors.CategoryNotFound {
		return schemasession.Descriptor{}, readErr
	}

	if err := workflow.Reopen(descriptor.Workflow, target, now); err != nil {
		return schemasession.Descriptor{}, err
	}
	descriptor.Status = schemasession.StatusInProgress
	descriptor.CompletedAt = nil
	descriptor.Assessment = ""
	descriptor.UpdatedAt = now
	descriptor.Revisions = append(descriptor.Revisions, schemasession.RevisionEvent{
		Kind:        schemasession.RevisionReopen,
		CreatedAt:   now,
		Reason:      reason,
		TargetStage: target,
	})
	if err := e.writeDescriptor(descriptor); err != nil {
		return schemasession.Descriptor{}, err
	}

	e.logger.Info().
		Str("session_id", sessionID).
		Str("target", string(target)).
		Str("reason", reason).
		Msg("session reopened")
	return descriptor, nil
}

func (e *Engine) readReports(sessionID string) (schemasession.ReportReferences, error) {
	payload, err := e.store.Read(sessionID, schemasession.RecordReportReferences)
	if err != nil {
		if errors.CategoryOf(err) == errors.CategoryNotFound {
			return schemasession.ReportReferences{}, errors.Wrap(err,
				errors.CategoryPrerequisite, "report_missing", "rerun report generation before completing", false)
		}
		return schemasession.ReportReferences{}, err
	}
	var references schemasession.ReportReferences
	if err := json.Unmarshal(payload, &references); err != nil {
		return schemasession.ReportReferences{}, errors.Wrap(err,
			errors.CategoryCorruptedRecord, "record_decode_failed", "restore a report_references backup", false)
	}
	return references, nil
}

func (e *Engine) readValidation(sessionID string) (schemasession.ValidationResults, error) {
	payload, err := e.store.Read(sessionID, schemasession.RecordValidationResults)
	if err != nil {
		if errors.CategoryOf(err) == errors.CategoryNotFound {
			return schemasession.ValidationResults{}, errors.Wrap(err,
				errors.CategoryPrerequisite, "validation_results_missing",
				"rerun cross-validation before completing", false)
		}
		return schemasession.ValidationResults{}, err
	}
	var results schemasession.ValidationResults
	if err := json.Unmarshal(payload, &results); err != nil {
		return schemasession.ValidationResults{}, errors.Wrap(err,
			errors.CategoryCorruptedRecord, "record_decode_failed", "restore a validation_results backup", false)
	}
	return results, nil
}

// stagePayload resolves the record key and value for a stage advancement,
// stamping identity and schema fields the caller left blank. A payload that
// does not belong to the stage is rejected outright.
func stagePayload(sessionID string, stage schemasession.Stage, payload AdvancePayload) (string, any, error) {
	set := 0
	if payload.Documents != nil {
		set++
	}
	if payload.Findings != nil {
		set++
	}
	if payload.Validation != nil {
		set++
	}
	if payload.Reports != nil {
		set++
	}
	if set > 1 {
		return "", nil, errors.New(
			"a stage advancement carries at most one output record",
			errors.CategoryInvalidInput, "payload_ambiguous", "set exactly one payload field", false)
	}

	mismatch := func(key string) (string, any, error) {
		return "", nil, errors.New(
			fmt.Sprintf("stage %s does not produce a %s record", stage, key),
			errors.CategoryInvalidInput, "payload_stage_mismatch", "match the payload to the stage", false)
	}
	switch stage {
	case schemasession.StageDocumentDiscovery:
		if set == 1 && payload.Documents == nil {
			return mismatch(schemasession.RecordDocumentsIndex)
		}
		if payload.Documents == nil {
			return schemasession.RecordDocumentsIndex, nil, nil
		}
		index := *payload.Documents
		stampDocuments(&index, sessionID)
		return schemasession.RecordDocumentsIndex, index, nil
	case schemasession.StageEvidenceExtraction:
		if set == 1 && payload.Findings == nil {
			return mismatch(schemasession.RecordFindingsIndex)
		}
		if payload.Findings == nil {
			return schemasession.RecordFindingsIndex, nil, nil
		}
		index := *payload.Findings
		stampFindings(&index, sessionID)
		return schemasession.RecordFindingsIndex, index, nil
	case schemasession.StageCrossValidation:
		if set == 1 && payload.Validation == nil {
			return mismatch(schemasession.RecordValidationResults)
		}
		if payload.Validation == nil {
			return schemasession.RecordValidationResults, nil, nil
		}
		results := *payload.Validation
		stampValidation(&results, sessionID)
		return schemasession.RecordValidationResults, results, nil
	case schemasession.StageReportGeneration:
		if set == 1 && payload.Reports == nil {
			return mismatch(schemasession.RecordReportReferences)
		}
		if payload.Reports == nil {
			return schemasession.RecordReportReferences, nil, nil
		}
		references := *payload.Reports
		stampReports(&references, sessionID)
		return schemasession.RecordReportReferences, references, nil
	default:
		if set != 0 {
			return "", nil, errors.New(
				fmt.Sprintf("stage %s does not take an output record", stage),
				errors.CategoryInvalidInput, "payload_stage_mismatch", "advance this stage without a payload", false)
		}
		return "", nil, nil
	}
}

func stampDocuments(index *schemasession.DocumentsIndex, sessionID string) {
	if index.SchemaID == "" {
		index.SchemaID = schemasession.DocumentsIndexSchemaID
	}
	if index.SchemaVersion == "" {
		index.SchemaVersion = schemasession.DocumentsIndexSchemaVersion
	}
	if index.SessionID == "" {
		index.SessionID = sessionID
	}
	if index.GeneratedAt.IsZero() {
		index.GeneratedAt = time.Now().UTC()
	}
}

func stampFindings(index *schemasession.FindingsIndex, sessionID string) {
	if index.SchemaID == "" {
		index.SchemaID = schemasession.FindingsIndexSchemaID
	}
	if index.SchemaVersion == "" {
		index.SchemaVersion = schemasession.FindingsIndexSchemaVersion
	}
	if index.SessionID == "" {
		index.SessionID = sessionID
	}
	if index.GeneratedAt.IsZero() {
		index.GeneratedAt = time.Now().UTC()
	}
}

func stampValidation(results *schemasession.ValidationResults, sessionID string) {
	if results.SchemaID == "" {
		results.SchemaID = schemasession.ValidationResultsSchemaID
	}
	if results.SchemaVersion == "" {
		results.SchemaVersion = schemasession.ValidationResultsSchemaVersion
	}
	if results.SessionID == "" {
		results.SessionID = sessionID
	}
	if results.GeneratedAt.IsZero() {
		results.GeneratedAt = time.Now().UTC()
	}
}

func stampReports(references *schemasession.ReportReferences, sessionID string) {
	if references.SchemaID == "" {
		references.SchemaID = schemasession.ReportReferencesSchemaID
	}
	if references.SchemaVersion == "" {
		references.SchemaVersion = schemasession.ReportReferencesSchemaVersion
	}
	if references.SessionID == "" {
		references.SessionID = sessionID
	}
	if references.GeneratedAt.IsZero() {
		references.GeneratedAt = time.Now().UTC()
	}
}
