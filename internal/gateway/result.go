package gateway

// PassThreshold is the minimum percentage counted as a pass.
const PassThreshold = 50.0

// TestResult is what the result view needs from a finalized attempt.
type TestResult struct {
	TotalScore         float64 `json:"total_score"`
	MaxPossibleScore   float64 `json:"max_possible_score"`
	Percentage         float64 `json:"percentage"`
	Passed             bool    `json:"passed"`
	NeedsManualGrading bool    `json:"needs_manual_grading"`
	GradedItems        int     `json:"graded_items"`
	TotalItems         int     `json:"total_items"`
}

// TransformToTestResult derives percentage and pass state from a grading summary.
// A zero maximum yields 0%.
func TransformToTestResult(r SubmitResponse) TestResult {
	var pct float64
	if r.MaxPossibleScore != 0 {
		pct = r.TotalScore / r.MaxPossibleScore * 100
	}
	return TestResult{
		TotalScore:         r.TotalScore,
		MaxPossibleScore:   r.MaxPossibleScore,
		Percentage:         pct,
		Passed:             pct >= PassThreshold,
		NeedsManualGrading: r.NeedsManualGrading,
		GradedItems:        r.GradedItems,
		TotalItems:         r.TotalItems,
	}
}
