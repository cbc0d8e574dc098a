package activation

import (
	"github.com/moduleplane/moduleplane/internal/models"
)

// validTransitions defines allowed (from → to) state transitions. The forward
// path is linear; any non-terminal state may drop to failed, and only failed
// enters the rollback pair. A validation refusal returns to pending without
// side effects. active → rolling_back is the manual rollback entry point.
var validTransitions = map[models.ActivationState][]models.ActivationState{
	models.StatePending:     {models.StateValidating, models.StateFailed},
	models.StateValidating:  {models.StatePreparing, models.StatePending, models.StateFailed},
	models.StatePreparing:   {models.StateLoading, models.StateFailed},
	models.StateLoading:     {models.StateRegistering, models.StateFailed},
	models.StateRegistering: {models.StateMigrating, models.StateFailed},
	models.StateMigrating:   {models.StateWarming, models.StateFailed},
	models.StateWarming:     {models.StateActivating, models.StateFailed},
	models.StateActivating:  {models.StateVerifying, models.StateFailed},
	models.StateVerifying:   {models.StateActive, models.StateFailed},
	models.StateActive:      {models.StateRollingBack},
	models.StateFailed:      {models.StateRollingBack},
	models.StateRollingBack: {models.StateRolledBack, models.StateFailed},
	models.StateRolledBack:  nil, // terminal
}

// CanTransition reports whether transitioning from `from` to `to` is allowed.
func CanTransition(from, to models.ActivationState) bool {
	if from == to {
		return true
	}
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
