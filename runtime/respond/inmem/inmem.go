// Package inmem provides an in-memory session store for tests and local
// development. InTx runs the callback directly; the mutex gives the
// same atomicity the database contract requires for single-process use.
package inmem

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"canvass.dev/canvass/runtime/answer"
	"canvass.dev/canvass/runtime/outbox"
	"canvass.dev/canvass/runtime/respond"
)

// Store implements respond.Store and outbox.Store backed by process
// memory.
type Store struct {
	mu       sync.Mutex
	sessions map[string]*respond.Session
	answers  map[string][]answer.Answer // session ID -> answers
	events   []outbox.Event
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		sessions: make(map[string]*respond.Session),
		answers:  make(map[string][]answer.Answer),
	}
}

// InTx implements respond.Store. Single-process: the callback runs
// directly and partial failures are not rolled back.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

// InsertSession implements respond.Store.
func (s *Store) InsertSession(_ context.Context, sess respond.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := sess
	s.sessions[sess.ID] = &cp
	return nil
}

// Session implements respond.Store.
func (s *Store) Session(_ context.Context, id string) (respond.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return respond.Session{}, respond.ErrSessionNotFound
	}
	return *sess, nil
}

// UpdateSession implements respond.Store.
func (s *Store) UpdateSession(_ context.Context, sess respond.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sess.ID]; !ok {
		return respond.ErrSessionNotFound
	}
	cp := sess
	s.sessions[sess.ID] = &cp
	return nil
}

// ActiveSessionByDevice implements respond.Store.
func (s *Store) ActiveSessionByDevice(_ context.Context, collectorID, deviceID string) (respond.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.CollectorID == collectorID && sess.Meta.DeviceID == deviceID && sess.Status == respond.StatusInProgress {
			return *sess, nil
		}
	}
	return respond.Session{}, respond.ErrSessionNotFound
}

// HasCompletedSubmission implements respond.Store.
func (s *Store) HasCompletedSubmission(_ context.Context, tenantID, surveyID, deviceID, ip string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sess := range s.sessions {
		if sess.TenantID != tenantID || sess.SurveyID != surveyID || sess.Status != respond.StatusCompleted {
			continue
		}
		if (deviceID != "" && sess.Meta.DeviceID == deviceID) || (ip != "" && sess.Meta.IP == ip) {
			return true, nil
		}
	}
	return false, nil
}

// ReplacePageAnswers implements respond.Store.
func (s *Store) ReplacePageAnswers(_ context.Context, sessionID, pageID string, answers []answer.Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []answer.Answer
	for _, a := range s.answers[sessionID] {
		if a.PageID != pageID {
			kept = append(kept, a)
		}
	}
	s.answers[sessionID] = append(kept, answers...)
	return nil
}

// Answers implements respond.Store.
func (s *Store) Answers(_ context.Context, sessionID string) ([]answer.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]answer.Answer, len(s.answers[sessionID]))
	copy(out, s.answers[sessionID])
	return out, nil
}

// InsertOutbox implements respond.Store.
func (s *Store) InsertOutbox(_ context.Context, ev outbox.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

// IdleSessions implements respond.Store.
func (s *Store) IdleSessions(_ context.Context, cutoff time.Time, limit int) ([]respond.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []respond.Session
	for _, sess := range s.sessions {
		if sess.Status == respond.StatusInProgress && sess.LastActivityAt.Before(cutoff) {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].LastActivityAt.Before(out[k].LastActivityAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Unpublished implements outbox.Store.
func (s *Store) Unpublished(_ context.Context, limit int) ([]outbox.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []outbox.Event
	for _, ev := range s.events {
		if ev.PublishedAt == nil {
			out = append(out, ev)
			if len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// MarkPublished implements outbox.Store.
func (s *Store) MarkPublished(_ context.Context, eventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.events {
		if s.events[i].ID == eventID {
			t := at
			s.events[i].PublishedAt = &t
			return nil
		}
	}
	return fmt.Errorf("outbox event %s not found", eventID)
}

// Events returns a copy of all outbox rows in insertion order.
func (s *Store) Events() []outbox.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Event, len(s.events))
	copy(out, s.events)
	return out
}

// Reset clears all state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = make(map[string]*respond.Session)
	s.answers = make(map[string][]answer.Answer)
	s.events = nil
}
