package workflow

type Assessment string

const (
	ReadyForApproval    Assessment = "ready_for_approval"
	ConditionalApproval Assessment = "conditional_approval"
	RequiresRevision    Assessment = "requires_revision"
)

// Thresholds are injected configuration; classification policy stays outside
// the state machine so it can change without touching transition logic.
type Thresholds struct {
	ReadyCoveragePercent       float64 `json:"ready_coverage_percent" yaml:"ready_coverage_percent"`
	ConditionalCoveragePercent float64 `json:"conditional_coverage_percent" yaml:"conditional_coverage_percent"`
	MaxConditionalMissing      int     `json:"max_conditional_missing" yaml:"max_conditional_missing"`
	MaxConditionalFlags        int     `json:"max_conditional_flags" yaml:"max_conditional_flags"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		ReadyCoveragePercent:       90,
		ConditionalCoveragePercent: 70,
		MaxConditionalMissing:      3,
		MaxConditionalFlags:        5,
	}
}

// Classify is a pure function over the three completion inputs. Thresholds
// are evaluated in fixed order: full readiness first, then the conditional
// band, then revision.
func Classify(thresholds Thresholds, coveragePercent float64, missingRequired, unresolvedFlags int) Assessment {
	if coveragePercent >= thresholds.ReadyCoveragePercent && missingRequired == 0 && unresolvedFlags == 0 {
		return ReadyForApproval
	}
	if coveragePercent >= thresholds.ConditionalCoveragePercent &&
		missingRequired <= thresholds.MaxConditionalMissing &&
		unresolvedFlags <= thresholds.MaxConditionalFlags {
		return ConditionalApproval
	}
	return RequiresRevision
}
