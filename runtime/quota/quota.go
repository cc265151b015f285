// Package quota enforces response quotas through atomic
// reserve/finalize/release accounting against bucket counters.
//
// Counter moves always happen behind the Store contract so the backing
// database can make them conditional updates; the manager never
// read-modify-writes a counter. Invariant across all operations, for
// every bucket B: 0 <= B.ReservedN and
// B.FilledN + B.ReservedN <= B.TargetN + B.MaxOverfill.
package quota

import (
	"context"
	"errors"
	"time"
)

type (
	// Plan enumerates mutually addressable buckets.
	Plan struct {
		ID       string
		TenantID string
		SurveyID string
		State    PlanState
		Buckets  []Bucket
	}

	// PlanState is the plan lifecycle state; only OPEN plans constrain
	// sessions.
	PlanState string

	// Bucket is a counter with a target. Addressing precedence: a
	// condition expression when set, else (QuestionID, OptionValue),
	// else catch-all.
	Bucket struct {
		ID     string
		PlanID string
		Name   string
		// TargetN is the fill target; MaxOverfill allows that many
		// completions beyond it.
		TargetN     int
		FilledN     int
		ReservedN   int
		MaxOverfill int
		// ConditionExpressionID addresses the bucket by logic expression.
		ConditionExpressionID string
		// QuestionID and OptionValue address the bucket by a selected
		// option.
		QuestionID  string
		OptionValue string
	}

	// Reservation ties a session to a bucket while the session is in
	// flight. Exactly one ACTIVE reservation exists per (session,
	// bucket).
	Reservation struct {
		ID        string
		SessionID string
		BucketID  string
		Status    ReservationStatus
		CreatedAt time.Time
		ExpiresAt time.Time
	}

	// ReservationStatus is the reservation lifecycle state.
	ReservationStatus string

	// Store persists plans, buckets and reservations.
	//
	// Contract:
	//   - ReserveBucket is atomic: it increments ReservedN only while
	//     FilledN+ReservedN < TargetN+MaxOverfill and reports whether it
	//     did (a conditional update, not a read-modify-write).
	//   - FinalizeReservation and ReleaseReservation each flip exactly
	//     one ACTIVE reservation and adjust its bucket's counters in the
	//     same atomic scope.
	Store interface {
		// OpenPlans lists the OPEN plans for a survey with current
		// counter values.
		OpenPlans(ctx context.Context, tenantID, surveyID string) ([]Plan, error)
		// ReserveBucket conditionally increments the bucket's ReservedN.
		ReserveBucket(ctx context.Context, bucketID string) (bool, error)
		// InsertReservation records a new ACTIVE reservation.
		InsertReservation(ctx context.Context, r Reservation) error
		// ActiveReservations lists the session's ACTIVE reservations.
		ActiveReservations(ctx context.Context, sessionID string) ([]Reservation, error)
		// FinalizeReservation marks the reservation FINALIZED, moves one
		// unit from ReservedN to FilledN.
		FinalizeReservation(ctx context.Context, reservationID string) error
		// ReleaseReservation marks the reservation RELEASED and
		// decrements ReservedN.
		ReleaseReservation(ctx context.Context, reservationID string) error
		// ExpiredReservations lists ACTIVE reservations past their
		// expiry, oldest first, up to limit.
		ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
		// CompletedSessions counts COMPLETED sessions for the survey
		// (drives the hard-close target).
		CompletedSessions(ctx context.Context, tenantID, surveyID string) (int, error)
	}
)

const (
	PlanOpen   PlanState = "OPEN"
	PlanClosed PlanState = "CLOSED"
)

const (
	ReservationActive    ReservationStatus = "ACTIVE"
	ReservationReleased  ReservationStatus = "RELEASED"
	ReservationFinalized ReservationStatus = "FINALIZED"
)

// ErrReservationNotFound indicates no such reservation exists or it is
// no longer ACTIVE.
var ErrReservationNotFound = errors.New("reservation not found")

// HasCapacity reports whether one more session fits the bucket.
func (b Bucket) HasCapacity() bool {
	return b.FilledN+b.ReservedN < b.TargetN+b.MaxOverfill
}

// Saturated reports whether the bucket reached its fill target
// (ignoring overfill headroom).
func (b Bucket) Saturated() bool {
	return b.FilledN >= b.TargetN
}
