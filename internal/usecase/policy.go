package usecase

import (
	"time"

	"github.com/example/gait-access/internal/repository"
)

// Canonical resident window: residents may pass between 06:30 and 20:30,
// inclusive on both ends. Staff are exempt from the window. Any other role
// fails closed.
const (
	residentWindowOpenMinutes  = 6*60 + 30
	residentWindowCloseMinutes = 20*60 + 30
)

// Reasons attached to access decisions.
const (
	ReasonStaffAllowed = "staff access permitted at all hours"
	ReasonWithinHours  = "within permitted hours"
	ReasonOutsideHours = "outside permitted hours"
	ReasonUnknownRole  = "unrecognized role"
)

// AccessDecision is the result of applying the time-of-day policy to a
// verified identity. It is recomputed on every call, never cached.
type AccessDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
}

// EvaluateAccess decides whether passage is permitted for a role at the
// given wall-clock time. Pure function: no I/O, no memoization.
func EvaluateAccess(role repository.Role, at time.Time) AccessDecision {
	switch role {
	case repository.RoleStaff:
		return AccessDecision{Allowed: true, Reason: ReasonStaffAllowed}
	case repository.RoleResident:
		minutes := at.Hour()*60 + at.Minute()
		if minutes >= residentWindowOpenMinutes && minutes <= residentWindowCloseMinutes {
			return AccessDecision{Allowed: true, Reason: ReasonWithinHours}
		}
		return AccessDecision{Allowed: false, Reason: ReasonOutsideHours}
	default:
		return AccessDecision{Allowed: false, Reason: ReasonUnknownRole}
	}
}
