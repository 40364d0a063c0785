package workflow

import "fmt"

// Stage is the position of a run in the pipeline.
type Stage string

const (
	StageUploaded            Stage = "uploaded"
	StageDiscoveringVision   Stage = "discovering_vision"
	StageAnalyzingVision     Stage = "analyzing_vision"
	StageDiscoveringSupplier Stage = "discovering_supplier"
	StageMatchingCatalog     Stage = "matching_catalog"
	StagePlacingOrder        Stage = "placing_order"
	StageCompleted           Stage = "completed"
	StageFailed              Stage = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Stage) Terminal() bool {
	return s == StageCompleted || s == StageFailed
}

// validTransitions defines allowed state transitions.
var validTransitions = map[Stage][]Stage{
	StageUploaded:            {StageDiscoveringVision, StageFailed},
	StageDiscoveringVision:   {StageAnalyzingVision, StageFailed},
	StageAnalyzingVision:     {StageDiscoveringSupplier, StageFailed},
	StageDiscoveringSupplier: {StageMatchingCatalog, StageFailed},
	StageMatchingCatalog:     {StagePlacingOrder, StageFailed},
	StagePlacingOrder:        {StageCompleted, StageFailed},
}

// Transition returns nil if from→to is a legal transition.
func Transition(from, to Stage) error {
	allowed, ok := validTransitions[from]
	if !ok {
		return fmt.Errorf("no transitions from %q", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition %q → %q", from, to)
}
