// Package workflow owns stage transitions for a session's progress vector.
// There is no global linear gate: each stage declares its own prerequisites
// and an advancement is checked only against those, so reordering or adding
// stages never requires touching a central sequence.
package workflow

import (
	"fmt"
	"time"

	"github.com/complykit/casereview/core/errors"
	schemasession "github.com/complykit/casereview/core/schema/v1/session"
)

// prerequisites maps each stage to the stages that must be completed (or
// skipped, when optional) before it may be entered.
var prerequisites = map[schemasession.Stage][]schemasession.Stage{
	schemasession.StageInitialize:         {},
	schemasession.StageDocumentDiscovery:  {schemasession.StageInitialize},
	schemasession.StageEvidenceExtraction: {schemasession.StageDocumentDiscovery},
	schemasession.StageCrossValidation:    {schemasession.StageEvidenceExtraction},
	schemasession.StageReportGeneration:   {schemasession.StageCrossValidation},
	schemasession.StageHumanReview:        {schemasession.StageReportGeneration},
	schemasession.StageComplete:           {schemasession.StageReportGeneration},
}

// Prerequisites returns the declared prerequisite stages for stage.
func Prerequisites(stage schemasession.Stage) []schemasession.Stage {
	declared := prerequisites[stage]
	out := make([]schemasession.Stage, len(declared))
	copy(out, declared)
	return out
}

// PrerequisiteError identifies the stage being entered and the first declared
// prerequisite that is not satisfied.
type PrerequisiteError struct {
	Stage   schemasession.Stage
	Missing schemasession.Stage
}

func (e *PrerequisiteError) Error() string {
	return fmt.Sprintf("stage %s requires %s to be completed first", e.Stage, e.Missing)
}

// Advance moves one stage to target within workflow. The vector is mutated
// only after every check passes; a rejected advancement leaves it untouched.
func Advance(workflow []schemasession.StageRecord, stage schemasession.Stage, target schemasession.StageStatus, now time.Time) error {
	record := findStage(workflow, stage)
	if record == nil {
		return errors.New(
			fmt.Sprintf("unknown stage %q", stage),
			errors.CategoryInvalidInput, "stage_unknown", "use one of the seven declared stages", false)
	}
	switch target {
	case schemasession.StageInProgress, schemasession.StageCompleted, schemasession.StageSkipped:
	default:
		return errors.New(
			fmt.Sprintf("stage %s cannot be advanced to %q", stage, target),
			errors.CategoryInvalidInput, "stage_target_invalid", "advance to in_progress, completed, or skipped", false)
	}
	if target == schemasession.StageSkipped && !schemasession.Optional(stage) {
		return errors.New(
			fmt.Sprintf("stage %s is not optional and cannot be skipped", stage),
			errors.CategoryIllegalState, "stage_not_optional", "only human_review may be skipped", false)
	}
	switch record.Status {
	case schemasession.StageCompleted:
		return errors.New(
			fmt.Sprintf("stage %s is already completed", stage),
			errors.CategoryIllegalState, "stage_already_completed", "reopen the session to redo a completed stage", false)
	case schemasession.StageSkipped:
		return errors.New(
			fmt.Sprintf("stage %s was skipped", stage),
			errors.CategoryIllegalState, "stage_skipped", "reopen the session to redo a skipped stage", false)
	}
	if target == schemasession.StageSkipped && record.Status != schemasession.StagePending {
		return errors.New(
			fmt.Sprintf("stage %s is mid-flight and cannot be skipped", stage),
			errors.CategoryIllegalState, "stage_in_progress", "complete the stage instead", false)
	}
	if err := checkPrerequisites(workflow, stage); err != nil {
		return err
	}

	timestamp := now.UTC()
	switch target {
	case schemasession.StageInProgress:
		if record.Status == schemasession.StagePending {
			record.Status = schemasession.StageInProgress
			record.StartedAt = &timestamp
		}
	case schemasession.StageCompleted:
		if record.StartedAt == nil {
			record.StartedAt = &timestamp
		}
		record.Status = schemasession.StageCompleted
		record.CompletedAt = &timestamp
	case schemasession.StageSkipped:
		record.Status = schemasession.StageSkipped
	}
	return nil
}

func checkPrerequisites(workflow []schemasession.StageRecord, stage schemasession.Stage) error {
	for _, required := range prerequisites[stage] {
		requiredRecord := findStage(workflow, required)
		if requiredRecord == nil {
			return errors.Wrap(&PrerequisiteError{Stage: stage, Missing: required},
				errors.CategoryPrerequisite, "prerequisite_not_met", "the workflow vector is missing a declared stage", false)
		}
		satisfied := requiredRecord.Status == schemasession.StageCompleted ||
			(requiredRecord.Status == schemasession.StageSkipped && schemasession.Optional(required))
		if !satisfied {
			return errors.Wrap(&PrerequisiteError{Stage: stage, Missing: required},
				errors.CategoryPrerequisite, "prerequisite_not_met",
				fmt.Sprintf("complete %s before advancing %s", required, stage), false)
		}
	}
	return nil
}

// CompletionReady verifies every non-optional stage before the final one is
// completed, and every optional stage is completed or skipped.
func CompletionReady(workflow []schemasession.StageRecord) error {
	for index := range workflow {
		record := &workflow[index]
		if record.Stage == schemasession.StageComplete {
			continue
		}
		if record.Status == schemasession.StageCompleted {
			continue
		}
		if record.Status == schemasession.StageSkipped && schemasession.Optional(record.Stage) {
			continue
		}
		return errors.Wrap(&PrerequisiteError{Stage: schemasession.StageComplete, Missing: record.Stage},
			errors.CategoryPrerequisite, "prerequisite_not_met",
			fmt.Sprintf("stage %s is %s", record.Stage, record.Status), false)
	}
	return nil
}

// Reopen demotes target and every stage after it. Completed and skipped
// stages return to pending with cleared timestamps; a stage caught mid-flight
// stays in_progress.
func Reopen(workflow []schemasession.StageRecord, target schemasession.Stage, now time.Time) error {
	targetIndex := schemasession.StageIndex(target)
	if targetIndex < 0 || findStage(workflow, target) == nil {
		return errors.New(
			fmt.Sprintf("unknown reopen target stage %q", target),
			errors.CategoryInvalidInput, "stage_unknown", "use one of the seven declared stages", false)
	}
	for index := range workflow {
		record := &workflow[index]
		if schemasession.StageIndex(record.Stage) < targetIndex {
			continue
		}
		switch record.Status {
		case schemasession.StageCompleted, schemasession.StageSkipped:
			record.Status = schemasession.StagePending
			record.StartedAt = nil
			record.CompletedAt = nil
		case schemasession.StageInProgress:
			record.CompletedAt = nil
		}
	}
	return nil
}

// Started reports whether any stage past initialize has been entered.
func Started(workflow []schemasession.StageRecord) bool {
	for _, record := range workflow {
		if record.Stage == schemasession.StageInitialize {
			continue
		}
		if record.Status != schemasession.StagePending {
			return true
		}
	}
	return false
}

func findStage(workflow []schemasession.StageRecord, stage schemasession.Stage) *schemasession.StageRecord {
	for index := range workflow {
		if workflow[index].Stage == stage {
			return &workflow[index]
		}
	}
	return nil
}
