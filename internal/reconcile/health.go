package reconcile

import (
	"time"

	"github.com/Tech-Arch1tect/berth-sub004/internal/model"
)

type HealthPolicy struct {
	DownFailures     int
	DownWindow       time.Duration
	RecoverSuccesses int
}

type HealthState struct {
	Current              model.PollHealth
	ConsecutiveFailures  int
	ConsecutiveSuccesses int
	LastTransitionAt     time.Time
}

func NextHealth(policy HealthPolicy, state HealthState, success bool, now time.Time) HealthState {
	if state.Current == "" {
		state.Current = model.PollHealthOK
	}
	if state.LastTransitionAt.IsZero() {
		state.LastTransitionAt = now
	}
	need := policy.RecoverSuccesses
	if need <= 0 {
		need = 1
	}

	if success {
		state.ConsecutiveSuccesses++
		state.ConsecutiveFailures = 0
		if state.Current != model.PollHealthOK && state.ConsecutiveSuccesses >= need {
			state.Current = model.PollHealthOK
			state.LastTransitionAt = now
		}
		return state
	}

	state.ConsecutiveFailures++
	state.ConsecutiveSuccesses = 0
	switch state.Current {
	case model.PollHealthOK:
		state.Current = model.PollHealthDegraded
		state.LastTransitionAt = now
	case model.PollHealthDegraded:
		if policy.DownWindow > 0 && now.Sub(state.LastTransitionAt) > policy.DownWindow {
			// window expired; restart counting from this failure
			state.ConsecutiveFailures = 1
			state.LastTransitionAt = now
			return state
		}
		if state.ConsecutiveFailures >= policy.DownFailures {
			state.Current = model.PollHealthDown
			state.LastTransitionAt = now
		}
	case model.PollHealthDown:
	}
	return state
}
