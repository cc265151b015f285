package survey

import "time"

type (
	// Collector is a distribution endpoint admitting respondents to one
	// survey under policies.
	Collector struct {
		ID       string
		TenantID string
		SurveyID string
		// Slug is the public URL token.
		Slug   string
		Type   CollectorType
		Status CollectorStatus
		// OpensAt / ClosesAt bound the response window. Nil means open
		// ended.
		OpensAt  *time.Time
		ClosesAt *time.Time
		// MaxResponses caps completed sessions through this collector;
		// zero means unlimited.
		MaxResponses int
		// AllowMultiplePerDevice permits repeated sessions from the same
		// device regardless of survey-level prevention settings.
		AllowMultiplePerDevice bool
		// AllowTestResponses admits sessions flagged as test traffic.
		AllowTestResponses bool
	}

	// CollectorType enumerates distribution channel kinds.
	CollectorType string

	// CollectorStatus is the collector lifecycle state.
	CollectorStatus string

	// Invite is a single-use token owned by a SINGLE_USE collector.
	// Exactly one session may ever be created per token.
	Invite struct {
		Token       string
		CollectorID string
		Email       string
		ExternalID  string
		ExpiresAt   *time.Time
		ConsumedAt  *time.Time
	}
)

const (
	CollectorPublic    CollectorType = "PUBLIC"
	CollectorSingleUse CollectorType = "SINGLE_USE"
	CollectorInternal  CollectorType = "INTERNAL"
	CollectorPanel     CollectorType = "PANEL"
)

const (
	CollectorOpen   CollectorStatus = "OPEN"
	CollectorClosed CollectorStatus = "CLOSED"
)

// AcceptsAt reports whether the collector admits new sessions at t,
// honoring status and open/close windows.
func (c Collector) AcceptsAt(t time.Time) bool {
	if c.Status != CollectorOpen {
		return false
	}
	if c.OpensAt != nil && t.Before(*c.OpensAt) {
		return false
	}
	if c.ClosesAt != nil && !t.Before(*c.ClosesAt) {
		return false
	}
	return true
}

// Usable reports whether the invite can still admit a session at t.
func (i Invite) Usable(t time.Time) bool {
	if i.ConsumedAt != nil {
		return false
	}
	if i.ExpiresAt != nil && !t.Before(*i.ExpiresAt) {
		return false
	}
	return true
}
