// Package respond orchestrates one respondent's pass through a survey:
// admission, page resolution, answer submission, quota accounting,
// routing and event emission.
package respond

import (
	"context"
	"errors"
	"time"

	"canvass.dev/canvass/runtime/answer"
	"canvass.dev/canvass/runtime/outbox"
	"canvass.dev/canvass/runtime/resolve"
	"canvass.dev/canvass/runtime/route"
)

type (
	// Session is one respondent's pass through a survey.
	Session struct {
		ID            string
		TenantID      string
		SurveyID      string
		SurveyVersion int
		CollectorID   string
		Status        Status
		StartedAt     time.Time
		// FinalizedAt is set when the session reaches a terminal status.
		FinalizedAt   *time.Time
		CurrentPageID string
		// LastActivityAt bounds resume eligibility and drives the
		// abandonment sweep.
		LastActivityAt time.Time
		// TerminationReason is set when Status is TERMINATED.
		TerminationReason string
		Meta              Meta
		Render            RenderState
		Progress          Progress
	}

	// Status is the session lifecycle state.
	Status string

	// Meta captures the respondent's client context.
	Meta struct {
		DeviceID  string            `json:"deviceId,omitempty"`
		IP        string            `json:"ip,omitempty"`
		UserAgent string            `json:"userAgent,omitempty"`
		Country   string            `json:"country,omitempty"`
		Region    string            `json:"region,omitempty"`
		Referrer  string            `json:"referrer,omitempty"`
		UTM       map[string]string `json:"utm,omitempty"`
	}

	// RenderState caches resolved layouts and the active loop so
	// refreshes return identical content.
	RenderState struct {
		Pages map[string]resolve.ResolvedPage `json:"pages,omitempty"`
		Loop  *route.LoopState                `json:"loopState,omitempty"`
	}

	// Progress records the respondent's path.
	Progress struct {
		PageHistory         []string `json:"pageHistory,omitempty"`
		LastSubmittedPageID string   `json:"lastSubmittedPageId,omitempty"`
	}

	// Store persists sessions, answers and outbox rows.
	//
	// InTx runs fn inside one database transaction; every store call made
	// with the ctx passed to fn joins that transaction. Implementations
	// must lock the session row for the duration of any transaction that
	// mutates it.
	Store interface {
		InTx(ctx context.Context, fn func(ctx context.Context) error) error
		// InsertSession creates the session record.
		InsertSession(ctx context.Context, s Session) error
		// Session loads a session by ID.
		Session(ctx context.Context, id string) (Session, error)
		// UpdateSession replaces the mutable session fields.
		UpdateSession(ctx context.Context, s Session) error
		// ActiveSessionByDevice finds the IN_PROGRESS session for a
		// collector and device, if any.
		ActiveSessionByDevice(ctx context.Context, collectorID, deviceID string) (Session, error)
		// HasCompletedSubmission reports whether the device or IP already
		// completed the survey.
		HasCompletedSubmission(ctx context.Context, tenantID, surveyID, deviceID, ip string) (bool, error)
		// ReplacePageAnswers atomically replaces all answers for the page:
		// prior rows are deleted and the new ones inserted together.
		ReplacePageAnswers(ctx context.Context, sessionID, pageID string, answers []answer.Answer) error
		// Answers lists all answers of the session.
		Answers(ctx context.Context, sessionID string) ([]answer.Answer, error)
		// InsertOutbox appends an outbox row in the current transaction.
		InsertOutbox(ctx context.Context, ev outbox.Event) error
		// IdleSessions lists IN_PROGRESS sessions with no activity since
		// the cutoff, oldest first, up to limit.
		IdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]Session, error)
	}
)

const (
	StatusCreated    Status = "CREATED"
	StatusInProgress Status = "IN_PROGRESS"
	StatusCompleted  Status = "COMPLETED"
	StatusTerminated Status = "TERMINATED"
	StatusAbandoned  Status = "ABANDONED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusTerminated || s == StatusAbandoned
}

var (
	// ErrSessionNotFound indicates no session exists with the given ID.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionNotActive indicates the session is not IN_PROGRESS.
	ErrSessionNotActive = errors.New("session is not in progress")
)

// LoopContext exposes the active loop to the expression DSL.
func (rs RenderState) LoopContext() map[string]any {
	if rs.Loop == nil {
		return nil
	}
	return map[string]any{
		"option":    rs.Loop.CurrentItem,
		"item":      rs.Loop.CurrentItem,
		"index":     float64(rs.Loop.CurrentIteration),
		"iteration": float64(rs.Loop.CurrentIteration + 1),
	}
}
