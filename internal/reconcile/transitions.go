package reconcile

import (
	"github.com/kodax/payment-router/internal/domain/model"
)

// edges is the direct transition graph for payment attempts. An observed
// status is accepted when it is reachable from the current status through
// one or more edges, which lets a late sync response skip intermediate
// states a webhook already reported.
var edges = map[model.AttemptStatus][]model.AttemptStatus{
	model.StatusCreated: {
		model.StatusAuthenticationPending,
		model.StatusPending,
	},
	model.StatusAuthenticationPending: {
		model.StatusAuthorized,
		model.StatusPending,
		model.StatusFailure,
	},
	model.StatusAuthorized: {
		model.StatusCharged,
		model.StatusVoided,
		model.StatusPartialCharged,
	},
	model.StatusPending: {
		model.StatusCharged,
		model.StatusFailure,
		model.StatusVoided,
	},
	model.StatusPartialCharged: {
		model.StatusCharged,
	},
}

// reachable holds the transitive closure of edges, plus the rule that every
// non-terminal status may move to Unresolved. Computed once at init.
var reachable map[model.AttemptStatus]map[model.AttemptStatus]bool

func init() {
	reachable = make(map[model.AttemptStatus]map[model.AttemptStatus]bool)
	for _, s := range model.AllStatuses() {
		reachable[s] = make(map[model.AttemptStatus]bool)
		walk(s, s)
		if !s.IsTerminal() {
			reachable[s][model.StatusUnresolved] = true
		}
	}
}

func walk(from, cur model.AttemptStatus) {
	for _, next := range edges[cur] {
		if reachable[from][next] {
			continue
		}
		reachable[from][next] = true
		walk(from, next)
	}
}

// CanTransition reports whether an attempt currently at from may accept an
// observed status of to. Same-status proposals are not transitions; callers
// handle them as idempotent no-ops before asking.
func CanTransition(from, to model.AttemptStatus) bool {
	return reachable[from][to]
}
