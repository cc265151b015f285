package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"canvass.dev/canvass/runtime/answer"
	"canvass.dev/canvass/runtime/expr"
)

const defaultReservationTTL = 30 * time.Minute

type (
	// ManagerOptions configures the quota manager.
	ManagerOptions struct {
		// Store persists plans and reservations. Required.
		Store Store
		// ReservationTTL bounds how long a reservation stays ACTIVE
		// without being finalized. Defaults to 30 minutes.
		ReservationTTL time.Duration
		// Now overrides the clock (tests). Defaults to time.Now.
		Now func() time.Time
	}

	// Manager applies quota policy for one submit: match buckets,
	// check capacity, reserve, and later finalize or release.
	Manager struct {
		store Store
		ttl   time.Duration
		now   func() time.Time
	}

	// Input carries the session context a quota decision needs.
	Input struct {
		TenantID  string
		SurveyID  string
		SessionID string
		// Answers holds all persisted answers, keyed by question ID.
		Answers map[string]answer.Value
		// ExprContext evaluates bucket condition expressions.
		ExprContext expr.Context
		// ExpressionSource resolves a condition expression ID to DSL
		// source. Required when any bucket addresses by condition.
		ExpressionSource func(id string) (string, error)
	}

	// Decision is the outcome of a check or reserve.
	Decision struct {
		// Proceed is false when every matching bucket is full.
		Proceed bool
		// Constrained is true when at least one bucket matched.
		Constrained bool
		// ReservedBucketID names the bucket reserved, when one was.
		ReservedBucketID string
		// ReservationID identifies the reservation created.
		ReservationID string
	}
)

// NewManager builds a Manager from options.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	ttl := opts.ReservationTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Manager{store: opts.Store, ttl: ttl, now: now}, nil
}

// Check reports whether the session may proceed given current counters.
// A session unconstrained by any bucket always proceeds; a constrained
// session proceeds iff at least one matching bucket has capacity.
func (m *Manager) Check(ctx context.Context, in Input) (Decision, error) {
	matched, err := m.matchingBuckets(ctx, in)
	if err != nil {
		return Decision{}, err
	}
	if len(matched) == 0 {
		return Decision{Proceed: true}, nil
	}
	for _, b := range matched {
		if b.HasCapacity() {
			return Decision{Proceed: true, Constrained: true}, nil
		}
	}
	return Decision{Constrained: true}, nil
}

// Reserve atomically takes one unit of the first matching bucket with
// capacity and records a reservation. At most one reservation is
// created per call. A full set of matching buckets yields
// Proceed=false without error.
func (m *Manager) Reserve(ctx context.Context, in Input) (Decision, error) {
	matched, err := m.matchingBuckets(ctx, in)
	if err != nil {
		return Decision{}, err
	}
	if len(matched) == 0 {
		return Decision{Proceed: true}, nil
	}

	// Skip buckets this session already holds: reserve is idempotent
	// per (session, bucket).
	active, err := m.store.ActiveReservations(ctx, in.SessionID)
	if err != nil {
		return Decision{}, err
	}
	held := make(map[string]struct{}, len(active))
	for _, r := range active {
		held[r.BucketID] = struct{}{}
	}

	for _, b := range matched {
		if _, ok := held[b.ID]; ok {
			return Decision{Proceed: true, Constrained: true, ReservedBucketID: b.ID}, nil
		}
	}
	for _, b := range matched {
		ok, err := m.store.ReserveBucket(ctx, b.ID)
		if err != nil {
			return Decision{}, err
		}
		if !ok {
			continue
		}
		now := m.now().UTC()
		r := Reservation{
			ID:        uuid.NewString(),
			SessionID: in.SessionID,
			BucketID:  b.ID,
			Status:    ReservationActive,
			CreatedAt: now,
			ExpiresAt: now.Add(m.ttl),
		}
		if err := m.store.InsertReservation(ctx, r); err != nil {
			// Undo the counter move so the bucket does not leak a unit.
			_ = m.releaseCounter(ctx, b.ID)
			return Decision{}, err
		}
		return Decision{Proceed: true, Constrained: true, ReservedBucketID: b.ID, ReservationID: r.ID}, nil
	}
	return Decision{Constrained: true}, nil
}

// Finalize converts every ACTIVE reservation of the session into a
// fill: status FINALIZED, one unit moved from reserved to filled.
// Returns how many reservations it settled; zero means the session was
// never quota-constrained.
func (m *Manager) Finalize(ctx context.Context, sessionID string) (int, error) {
	active, err := m.store.ActiveReservations(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	for i, r := range active {
		if err := m.store.FinalizeReservation(ctx, r.ID); err != nil {
			return i, err
		}
	}
	return len(active), nil
}

// Release returns every ACTIVE reservation of the session to the pool
// and reports how many it released. Fully symmetric with Reserve.
func (m *Manager) Release(ctx context.Context, sessionID string) (int, error) {
	active, err := m.store.ActiveReservations(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	for i, r := range active {
		if err := m.store.ReleaseReservation(ctx, r.ID); err != nil {
			return i, err
		}
	}
	return len(active), nil
}

// CleanupExpired releases ACTIVE reservations past their expiry and
// returns how many it released. Safe to run concurrently and
// repeatedly; releasing is idempotent per reservation.
func (m *Manager) CleanupExpired(ctx context.Context) (int, error) {
	const batch = 100
	released := 0
	for {
		expired, err := m.store.ExpiredReservations(ctx, m.now().UTC(), batch)
		if err != nil {
			return released, err
		}
		if len(expired) == 0 {
			return released, nil
		}
		for _, r := range expired {
			if err := m.store.ReleaseReservation(ctx, r.ID); err != nil {
				return released, err
			}
			released++
		}
		if len(expired) < batch {
			return released, nil
		}
	}
}

// ShouldClose reports whether the survey should stop admitting: either
// the hard-close target of completed sessions is met, or every bucket
// across all OPEN plans is saturated.
func (m *Manager) ShouldClose(ctx context.Context, tenantID, surveyID string, hardCloseTarget int) (bool, error) {
	if hardCloseTarget > 0 {
		n, err := m.store.CompletedSessions(ctx, tenantID, surveyID)
		if err != nil {
			return false, err
		}
		if n >= hardCloseTarget {
			return true, nil
		}
	}
	plans, err := m.store.OpenPlans(ctx, tenantID, surveyID)
	if err != nil {
		return false, err
	}
	sawBucket := false
	for _, p := range plans {
		for _, b := range p.Buckets {
			sawBucket = true
			if !b.Saturated() {
				return false, nil
			}
		}
	}
	return sawBucket, nil
}

// matchingBuckets returns the buckets constraining the session, in plan
// then bucket order. Condition expressions evaluate with the session's
// answer context; evaluation failures leave the bucket unmatched.
func (m *Manager) matchingBuckets(ctx context.Context, in Input) ([]Bucket, error) {
	plans, err := m.store.OpenPlans(ctx, in.TenantID, in.SurveyID)
	if err != nil {
		return nil, err
	}
	var matched []Bucket
	for _, p := range plans {
		for _, b := range p.Buckets {
			ok, err := m.bucketMatches(b, in)
			if err != nil {
				return nil, err
			}
			if ok {
				matched = append(matched, b)
			}
		}
	}
	return matched, nil
}

func (m *Manager) bucketMatches(b Bucket, in Input) (bool, error) {
	if b.ConditionExpressionID != "" {
		if in.ExpressionSource == nil {
			return false, fmt.Errorf("bucket %s: no expression resolver", b.ID)
		}
		src, err := in.ExpressionSource(b.ConditionExpressionID)
		if err != nil {
			return false, fmt.Errorf("bucket %s: %w", b.ID, err)
		}
		return expr.Eval(src, in.ExprContext), nil
	}
	if b.QuestionID != "" {
		v, ok := in.Answers[b.QuestionID]
		if !ok {
			return false, nil
		}
		for _, c := range v.Choices {
			if c == b.OptionValue {
				return true, nil
			}
		}
		if p, ok := v.Primary().(string); ok && p == b.OptionValue {
			return true, nil
		}
		return false, nil
	}
	// Catch-all.
	return true, nil
}

// releaseCounter undoes a counter reserve that never got its
// reservation row. Best effort; the expiry sweep cannot catch this
// case, so failures are surfaced to the caller's error path via logs
// at the call site.
func (m *Manager) releaseCounter(ctx context.Context, bucketID string) error {
	r := Reservation{
		ID:        uuid.NewString(),
		BucketID:  bucketID,
		Status:    ReservationActive,
		CreatedAt: m.now().UTC(),
		ExpiresAt: m.now().UTC(),
	}
	if err := m.store.InsertReservation(ctx, r); err != nil {
		return err
	}
	return m.store.ReleaseReservation(ctx, r.ID)
}
