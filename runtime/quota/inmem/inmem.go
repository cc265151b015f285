// Package inmem provides an in-memory quota store for tests and local
// development.
package inmem

import (
	"context"
	"sync"
	"time"

	"canvass.dev/canvass/runtime/quota"
)

// Store implements quota.Store backed by process memory. Counter moves
// happen under the store mutex, giving the same atomicity the database
// contract requires.
type Store struct {
	mu           sync.Mutex
	plans        map[string]*quota.Plan        // plan ID -> plan
	buckets      map[string]*quota.Bucket      // bucket ID -> bucket
	reservations map[string]*quota.Reservation // reservation ID -> reservation
	completed    map[string]int                // tenant/survey -> completed count
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		plans:        make(map[string]*quota.Plan),
		buckets:      make(map[string]*quota.Bucket),
		reservations: make(map[string]*quota.Reservation),
		completed:    make(map[string]int),
	}
}

// PutPlan registers or replaces a plan and indexes its buckets.
func (s *Store) PutPlan(p quota.Plan) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := p
	cp.Buckets = make([]quota.Bucket, len(p.Buckets))
	copy(cp.Buckets, p.Buckets)
	s.plans[p.ID] = &cp
	for i := range cp.Buckets {
		s.buckets[cp.Buckets[i].ID] = &cp.Buckets[i]
	}
}

// SetCompletedSessions seeds the completed-session counter.
func (s *Store) SetCompletedSessions(tenantID, surveyID string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[tenantID+"/"+surveyID] = n
}

// Bucket returns a copy of the bucket's current state.
func (s *Store) Bucket(id string) (quota.Bucket, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[id]
	if !ok {
		return quota.Bucket{}, false
	}
	return *b, true
}

// OpenPlans implements quota.Store.
func (s *Store) OpenPlans(_ context.Context, tenantID, surveyID string) ([]quota.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []quota.Plan
	for _, p := range s.plans {
		if p.TenantID != tenantID || p.SurveyID != surveyID || p.State != quota.PlanOpen {
			continue
		}
		cp := *p
		cp.Buckets = make([]quota.Bucket, len(p.Buckets))
		copy(cp.Buckets, p.Buckets)
		out = append(out, cp)
	}
	return out, nil
}

// ReserveBucket implements quota.Store.
func (s *Store) ReserveBucket(_ context.Context, bucketID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucketID]
	if !ok {
		return false, nil
	}
	if b.FilledN+b.ReservedN >= b.TargetN+b.MaxOverfill {
		return false, nil
	}
	b.ReservedN++
	return true, nil
}

// InsertReservation implements quota.Store.
func (s *Store) InsertReservation(_ context.Context, r quota.Reservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := r
	s.reservations[r.ID] = &cp
	return nil
}

// ActiveReservations implements quota.Store.
func (s *Store) ActiveReservations(_ context.Context, sessionID string) ([]quota.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []quota.Reservation
	for _, r := range s.reservations {
		if r.SessionID == sessionID && r.Status == quota.ReservationActive {
			out = append(out, *r)
		}
	}
	return out, nil
}

// FinalizeReservation implements quota.Store.
func (s *Store) FinalizeReservation(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok || r.Status != quota.ReservationActive {
		return quota.ErrReservationNotFound
	}
	r.Status = quota.ReservationFinalized
	if b, ok := s.buckets[r.BucketID]; ok {
		b.ReservedN--
		b.FilledN++
	}
	return nil
}

// ReleaseReservation implements quota.Store.
func (s *Store) ReleaseReservation(_ context.Context, reservationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.reservations[reservationID]
	if !ok || r.Status != quota.ReservationActive {
		return quota.ErrReservationNotFound
	}
	r.Status = quota.ReservationReleased
	if b, ok := s.buckets[r.BucketID]; ok {
		b.ReservedN--
	}
	return nil
}

// ExpiredReservations implements quota.Store.
func (s *Store) ExpiredReservations(_ context.Context, now time.Time, limit int) ([]quota.Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []quota.Reservation
	for _, r := range s.reservations {
		if r.Status == quota.ReservationActive && r.ExpiresAt.Before(now) {
			out = append(out, *r)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// CompletedSessions implements quota.Store.
func (s *Store) CompletedSessions(_ context.Context, tenantID, surveyID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completed[tenantID+"/"+surveyID], nil
}

// Reset clears all state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.plans = make(map[string]*quota.Plan)
	s.buckets = make(map[string]*quota.Bucket)
	s.reservations = make(map[string]*quota.Reservation)
	s.completed = make(map[string]int)
}
