package service

import (
	backenddomain "github.com/smallbiznis/genbroker/internal/backend/domain"
	"github.com/smallbiznis/genbroker/internal/generation/domain"
)

var phaseStates = map[backenddomain.Phase]domain.State{
	backenddomain.PhaseQueued:              domain.StateQueued,
	backenddomain.PhaseProcessing:          domain.StateProcessing,
	backenddomain.PhaseGeneratingKeyframes: domain.StateGeneratingKeyframes,
	backenddomain.PhaseGeneratingClips:     domain.StateGeneratingClips,
	backenddomain.PhaseMerging:             domain.StateMerging,
	backenddomain.PhasePostProcessing:      domain.StatePostProcessing,
	backenddomain.PhaseSucceeded:           domain.StateCompleted,
	backenddomain.PhaseFailed:              domain.StateFailed,
}

// UpdateFromStatus converts a backend observation into a job update.
func UpdateFromStatus(status *backenddomain.Status) domain.Update {
	if status == nil {
		return domain.Update{}
	}
	state, ok := phaseStates[status.Phase]
	if !ok {
		state = domain.StateProcessing
	}
	return domain.Update{
		State:         state,
		Progress:      status.Progress,
		ProgressLabel: status.ProgressLabel,
		ExternalRef:   status.ExternalRef,
		OutputURL:     status.OutputURL,
		ErrorMessage:  status.Error,
	}
}
