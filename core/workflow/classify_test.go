package workflow

import (
	"testing"

	"pgregory.net/rapid"
)

func TestClassifyDocumentedScenarios(t *testing.T) {
	thresholds := DefaultThresholds()

	cases := []struct {
		name            string
		coverage        float64
		missingRequired int
		unresolvedFlags int
		want            Assessment
	}{
		{"high coverage clean", 91, 0, 0, ReadyForApproval},
		{"mid coverage with missing", 82, 2, 0, ConditionalApproval},
		{"low coverage", 48, 0, 0, RequiresRevision},
		{"boundary ready", 90, 0, 0, ReadyForApproval},
		{"ready coverage but flagged", 95, 0, 1, ConditionalApproval},
		{"ready coverage but missing", 95, 1, 0, ConditionalApproval},
		{"conditional boundary", 70, 3, 5, ConditionalApproval},
		{"too many missing", 85, 4, 0, RequiresRevision},
		{"too many flags", 85, 0, 6, RequiresRevision},
	}
	for _, testCase := range cases {
		got := Classify(thresholds, testCase.coverage, testCase.missingRequired, testCase.unresolvedFlags)
		if got != testCase.want {
			t.Fatalf("%s: got %s want %s", testCase.name, got, testCase.want)
		}
	}
}

func TestClassifyIsDeterministic(t *testing.T) {
	thresholds := DefaultThresholds()
	first := Classify(thresholds, 82, 2, 0)
	second := Classify(thresholds, 82, 2, 0)
	if first != second {
		t.Fatalf("classification not deterministic: %s vs %s", first, second)
	}
}

func rank(assessment Assessment) int {
	switch assessment {
	case RequiresRevision:
		return 0
	case ConditionalApproval:
		return 1
	case ReadyForApproval:
		return 2
	}
	return -1
}

// Raising coverage with the other inputs fixed never makes the assessment
// worse, and the result is always one of the three defined classifications.
func TestClassifyMonotoneInCoverage(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		thresholds := DefaultThresholds()
		missing := rapid.IntRange(0, 10).Draw(rt, "missing")
		flags := rapid.IntRange(0, 10).Draw(rt, "flags")
		low := rapid.Float64Range(0, 100).Draw(rt, "low")
		high := rapid.Float64Range(low, 100).Draw(rt, "high")

		lowAssessment := Classify(thresholds, low, missing, flags)
		highAssessment := Classify(thresholds, high, missing, flags)
		if rank(lowAssessment) < 0 || rank(highAssessment) < 0 {
			rt.Fatalf("undefined assessment: %s / %s", lowAssessment, highAssessment)
		}
		if rank(highAssessment) < rank(lowAssessment) {
			rt.Fatalf("coverage %v -> %s but %v -> %s", low, lowAssessment, high, highAssessment)
		}
	})
}
