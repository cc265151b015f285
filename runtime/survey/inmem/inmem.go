// Package inmem provides an in-memory survey store for tests and local
// development.
package inmem

import (
	"context"
	"sync"
	"time"

	"canvass.dev/canvass/runtime/survey"
)

// Store implements survey.Store backed by process memory.
type Store struct {
	mu         sync.Mutex
	surveys    map[string]*survey.Survey   // tenant/survey -> survey
	collectors map[string]survey.Collector // slug -> collector
	invites    map[string]*survey.Invite   // token -> invite
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		surveys:    make(map[string]*survey.Survey),
		collectors: make(map[string]survey.Collector),
		invites:    make(map[string]*survey.Invite),
	}
}

// PutSurvey registers or replaces a survey.
func (s *Store) PutSurvey(sv *survey.Survey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surveys[sv.TenantID+"/"+sv.ID] = sv
}

// PutCollector registers or replaces a collector by slug.
func (s *Store) PutCollector(c survey.Collector) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.collectors[c.Slug] = c
}

// PutInvite registers or replaces an invite by token.
func (s *Store) PutInvite(i survey.Invite) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := i
	s.invites[i.Token] = &cp
}

// Survey implements survey.Store.
func (s *Store) Survey(_ context.Context, tenantID, surveyID string) (*survey.Survey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sv, ok := s.surveys[tenantID+"/"+surveyID]
	if !ok {
		return nil, survey.ErrSurveyNotFound
	}
	return sv, nil
}

// CollectorBySlug implements survey.Store.
func (s *Store) CollectorBySlug(_ context.Context, slug string) (survey.Collector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.collectors[slug]
	if !ok {
		return survey.Collector{}, survey.ErrCollectorNotFound
	}
	return c, nil
}

// Invite implements survey.Store.
func (s *Store) Invite(_ context.Context, token string) (survey.Invite, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.invites[token]
	if !ok {
		return survey.Invite{}, survey.ErrInviteNotFound
	}
	return *i, nil
}

// ConsumeInvite implements survey.Store.
func (s *Store) ConsumeInvite(_ context.Context, token string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	i, ok := s.invites[token]
	if !ok {
		return survey.ErrInviteNotFound
	}
	if i.ConsumedAt != nil {
		return survey.ErrInviteConsumed
	}
	t := at
	i.ConsumedAt = &t
	return nil
}

// Reset clears all state.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.surveys = make(map[string]*survey.Survey)
	s.collectors = make(map[string]survey.Collector)
	s.invites = make(map[string]*survey.Invite)
}
