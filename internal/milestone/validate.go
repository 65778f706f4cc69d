package milestone

import "fmt"

// Rejection codes carried by ValidationError.
const (
	CodeInvalidValue   = "invalid_milestone_value"
	CodeRegression     = "regression_not_allowed"
	CodeFinalStageGate = "must_reach_final_stage_first"
)

// ValidationError rejects a requested transition. Allowed lists the
// milestones the caller could have requested instead.
type ValidationError struct {
	Code      string
	Current   int
	Requested int
	Allowed   []int
}

func (e ValidationError) Error() string {
	switch e.Code {
	case CodeInvalidValue:
		return fmt.Sprintf("milestone %d is not on the progress scale", e.Requested)
	case CodeRegression:
		return fmt.Sprintf("cannot move back from %d to %d; progress is non-decreasing", e.Current, e.Requested)
	case CodeFinalStageGate:
		return fmt.Sprintf("cannot complete from %d; the final stage %d must be reached first", e.Current, e.Allowed[0])
	}
	return fmt.Sprintf("transition %d -> %d rejected", e.Current, e.Requested)
}

// Validate decides whether moving from current to requested is legal.
// Rules apply in order: membership, monotonicity, the terminal gate.
// A request equal to current passes; the orchestrator treats it as a no-op.
func (r *Registry) Validate(current, requested int) error {
	if !r.IsValid(requested) {
		return ValidationError{
			Code:      CodeInvalidValue,
			Current:   current,
			Requested: requested,
			Allowed:   r.AllowedNext(current),
		}
	}
	if requested < current {
		return ValidationError{
			Code:      CodeRegression,
			Current:   current,
			Requested: requested,
			Allowed:   r.greaterThan(current),
		}
	}
	if requested == r.Terminal() && current != r.Penultimate() {
		return ValidationError{
			Code:      CodeFinalStageGate,
			Current:   current,
			Requested: requested,
			Allowed:   []int{r.Penultimate()},
		}
	}
	return nil
}
