package workflow

import (
	"encoding/json"
	stderrors "errors"
	"testing"
	"time"

	"github.com/complykit/casereview/core/errors"
	schemasession "github.com/complykit/casereview/core/schema/v1/session"
)

var testNow = time.Date(2026, 8, 28, 12, 0, 0, 0, time.UTC)

func workflowWith(t *testing.T, completed ...schemasession.Stage) []schemasession.StageRecord {
	t.Helper()
	records := schemasession.NewWorkflow()
	for _, stage := range completed {
		if err := Advance(records, stage, schemasession.StageCompleted, testNow); err != nil {
			t.Fatalf("advance %s: %v", stage, err)
		}
	}
	return records
}

func TestAdvancePendingToInProgress(t *testing.T) {
	records := workflowWith(t, schemasession.StageInitialize)

	if err := Advance(records, schemasession.StageDocumentDiscovery, schemasession.StageInProgress, testNow); err != nil {
		t.Fatalf("advance: %v", err)
	}
	record := records[schemasession.StageIndex(schemasession.StageDocumentDiscovery)]
	if record.Status != schemasession.StageInProgress {
		t.Fatalf("unexpected status: %s", record.Status)
	}
	if record.StartedAt == nil || !record.StartedAt.Equal(testNow) {
		t.Fatalf("expected started_at to be set")
	}
	if record.CompletedAt != nil {
		t.Fatalf("unexpected completed_at")
	}
}

func TestAdvanceRejectsMissingPrerequisiteWithoutMutation(t *testing.T) {
	records := workflowWith(t, schemasession.StageInitialize)
	if err := Advance(records, schemasession.StageDocumentDiscovery, schemasession.StageInProgress, testNow); err != nil {
		t.Fatalf("start discovery: %v", err)
	}

	before, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	advanceErr := Advance(records, schemasession.StageEvidenceExtraction, schemasession.StageInProgress, testNow)
	if advanceErr == nil {
		t.Fatal("expected prerequisite rejection")
	}
	if errors.CategoryOf(advanceErr) != errors.CategoryPrerequisite {
		t.Fatalf("unexpected category: %s", errors.CategoryOf(advanceErr))
	}
	var prereq *PrerequisiteError
	if !stderrors.As(advanceErr, &prereq) {
		t.Fatal("expected PrerequisiteError in chain")
	}
	if prereq.Stage != schemasession.StageEvidenceExtraction || prereq.Missing != schemasession.StageDocumentDiscovery {
		t.Fatalf("unexpected prerequisite detail: %+v", prereq)
	}

	after, err := json.Marshal(records)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(before) != string(after) {
		t.Fatal("rejected advancement mutated the workflow vector")
	}
}

func TestAdvanceSucceedsOncePrerequisiteCompleted(t *testing.T) {
	records := workflowWith(t, schemasession.StageInitialize, schemasession.StageDocumentDiscovery)

	if err := Advance(records, schemasession.StageEvidenceExtraction, schemasession.StageInProgress, testNow); err != nil {
		t.Fatalf("advance after prerequisite completed: %v", err)
	}
}

func TestAdvanceCompletedStageIsIllegal(t *testing.T) {
	records := workflowWith(t, schemasession.StageInitialize)

	err := Advance(records, schemasession.StageInitialize, schemasession.StageInProgress, testNow)
	if err == nil {
		t.Fatal("expected rejection")
	}
	if errors.CategoryOf(err) != errors.CategoryIllegalState {
		t.Fatalf("unexpected category: %s", errors.CategoryOf(err))
	}
}

func TestSkipOnlyOptionalStage(t *testing.T) {
	records := workflowWith(t,
		schemasession.StageInitialize,
		schemasession.StageDocumentDiscovery,
		schemasession.StageEvidenceExtraction,
		schemasession.StageCrossValidation,
		schemasession.StageReportGeneration,
	)

	if err := Advance(records, schemasession.StageCrossValidation, schemasession.StageSkipped, testNow); err == nil {
		t.Fatal("expected rejection skipping a required stage")
	} else if errors.CodeOf(err) != "stage_not_optional" {
		t.Fatalf("unexpected code: %s", errors.CodeOf(err))
	}

	if err := Advance(records, schemasession.StageHumanReview, schemasession.StageSkipped, testNow); err != nil {
		t.Fatalf("skip human review: %v", err)
	}
	record := records[schemasession.StageIndex(schemasession.StageHumanReview)]
	if record.Status != schemasession.StageSkipped {
		t.Fatalf("unexpected status: %s", record.Status)
	}
}

func TestAdvanceUnknownStage(t *testing.T) {
	records := schemasession.NewWorkflow()
	if err := Advance(records, "peer_review", schemasession.StageInProgress, testNow); err == nil {
		t.Fatal("expected rejection of unknown stage")
	} else if errors.CategoryOf(err) != errors.CategoryInvalidInput {
		t.Fatalf("unexpected category: %s", errors.CategoryOf(err))
	}
}

func TestCompletionReady(t *testing.T) {
	records := workflowWith(t,
		schemasession.StageInitialize,
		schemasession.StageDocumentDiscovery,
		schemasession.StageEvidenceExtraction,
		schemasession.StageCrossValidation,
		schemasession.StageReportGeneration,
	)
	if err := CompletionReady(records); err == nil {
		t.Fatal("expected not ready while human_review is pending")
	}

	if err := Advance(records, schemasession.StageHumanReview, schemasession.StageSkipped, testNow); err != nil {
		t.Fatalf("skip human review: %v", err)
	}
	if err := CompletionReady(records); err != nil {
		t.Fatalf("expected ready with optional stage skipped: %v", err)
	}
}

func TestReopenDemotesTargetAndLaterStages(t *testing.T) {
	records := workflowWith(t,
		schemasession.StageInitialize,
		schemasession.StageDocumentDiscovery,
		schemasession.StageEvidenceExtraction,
		schemasession.StageCrossValidation,
		schemasession.StageReportGeneration,
	)
	if err := Advance(records, schemasession.StageHumanReview, schemasession.StageSkipped, testNow); err != nil {
		t.Fatalf("skip human review: %v", err)
	}
	if err := Advance(records, schemasession.StageComplete, schemasession.StageCompleted, testNow); err != nil {
		t.Fatalf("complete final stage: %v", err)
	}

	if err := Reopen(records, schemasession.StageCrossValidation, testNow); err != nil {
		t.Fatalf("reopen: %v", err)
	}

	for _, record := range records {
		index := schemasession.StageIndex(record.Stage)
		switch {
		case index < schemasession.StageIndex(schemasession.StageCrossValidation):
			if record.Status != schemasession.StageCompleted {
				t.Fatalf("stage %s before target must stay completed, got %s", record.Stage, record.Status)
			}
		default:
			if record.Status != schemasession.StagePending {
				t.Fatalf("stage %s must be demoted to pending, got %s", record.Stage, record.Status)
			}
			if record.StartedAt != nil || record.CompletedAt != nil {
				t.Fatalf("stage %s must have cleared timestamps", record.Stage)
			}
		}
	}
}

func TestReopenKeepsMidFlightStageInProgress(t *testing.T) {
	records := workflowWith(t, schemasession.StageInitialize, schemasession.StageDocumentDiscovery)
	if err := Advance(records, schemasession.StageEvidenceExtraction, schemasession.StageInProgress, testNow); err != nil {
		t.Fatalf("start extraction: %v", err)
	}

	if err := Reopen(records, schemasession.StageEvidenceExtraction, testNow); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	record := records[schemasession.StageIndex(schemasession.StageEvidenceExtraction)]
	if record.Status != schemasession.StageInProgress {
		t.Fatalf("mid-flight stage must stay in_progress, got %s", record.Status)
	}
	if record.StartedAt == nil {
		t.Fatal("mid-flight stage must keep started_at")
	}
}

func TestReopenUnknownTarget(t *testing.T) {
	records := schemasession.NewWorkflow()
	if err := Reopen(records, "audit", testNow); err == nil {
		t.Fatal("expected rejection of unknown target")
	}
}

func TestStarted(t *testing.T) {
	records := workflowWith(t, schemasession.StageInitialize)
	if Started(records) {
		t.Fatal("initialize alone must not count as started")
	}
	if err := Advance(records, schemasession.StageDocumentDiscovery, schemasession.StageInProgress, testNow); err != nil {
		t.Fatalf("advance: %v", err)
	}
	if !Started(records) {
		t.Fatal("expected started after first advancement")
	}
}
