// Package mongo hosts the MongoDB-backed survey configuration store.
package mongo

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"canvass.dev/canvass/runtime/survey"
)

const (
	defaultSurveysCollection    = "surveys"
	defaultCollectorsCollection = "collectors"
	defaultInvitesCollection    = "invites"
	defaultOpTimeout            = 5 * time.Second
	defaultCacheTTL             = 30 * time.Second
	surveyClientName            = "survey-mongo"
)

// Options configures the Mongo survey store.
type Options struct {
	Client               *mongodriver.Client
	Database             string
	SurveysCollection    string
	CollectorsCollection string
	InvitesCollection    string
	Timeout              time.Duration
	// CacheTTL bounds how long a loaded survey is served from memory.
	// Survey definitions are immutable per version so staleness only
	// delays seeing a new version. Zero means the default; negative
	// disables caching.
	CacheTTL time.Duration
}

// Store implements survey.Store backed by MongoDB with an in-process
// read cache keyed by (tenant, survey).
type Store struct {
	mongo      *mongodriver.Client
	surveys    collection
	collectors collection
	invites    collection
	timeout    time.Duration
	cacheTTL   time.Duration

	mu    sync.Mutex
	cache map[string]cachedSurvey
}

type cachedSurvey struct {
	survey   *survey.Survey
	loadedAt time.Time
}

// New returns a Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	surveysName := opts.SurveysCollection
	if surveysName == "" {
		surveysName = defaultSurveysCollection
	}
	collectorsName := opts.CollectorsCollection
	if collectorsName == "" {
		collectorsName = defaultCollectorsCollection
	}
	invitesName := opts.InvitesCollection
	if invitesName == "" {
		invitesName = defaultInvitesCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	cacheTTL := opts.CacheTTL
	if cacheTTL == 0 {
		cacheTTL = defaultCacheTTL
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:      opts.Client,
		surveys:    mongoCollection{coll: db.Collection(surveysName)},
		collectors: mongoCollection{coll: db.Collection(collectorsName)},
		invites:    mongoCollection{coll: db.Collection(invitesName)},
		timeout:    timeout,
		cacheTTL:   cacheTTL,
		cache:      make(map[string]cachedSurvey),
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// newStoreWithCollections wires explicit collections; tests use it to
// substitute fakes.
func newStoreWithCollections(surveys, collectors, invites collection, cacheTTL time.Duration) *Store {
	return &Store{
		surveys:    surveys,
		collectors: collectors,
		invites:    invites,
		timeout:    defaultOpTimeout,
		cacheTTL:   cacheTTL,
		cache:      make(map[string]cachedSurvey),
	}
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return surveyClientName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// Survey implements survey.Store.
func (s *Store) Survey(ctx context.Context, tenantID, surveyID string) (*survey.Survey, error) {
	if tenantID == "" || surveyID == "" {
		return nil, errors.New("tenant and survey ids are required")
	}
	key := tenantID + "/" + surveyID
	if s.cacheTTL > 0 {
		s.mu.Lock()
		if c, ok := s.cache[key]; ok && time.Since(c.loadedAt) < s.cacheTTL {
			s.mu.Unlock()
			return c.survey, nil
		}
		s.mu.Unlock()
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "survey_id": surveyID}
	var doc surveyDocument
	if err := s.surveys.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, survey.ErrSurveyNotFound
		}
		return nil, err
	}
	sv := doc.Definition
	if s.cacheTTL > 0 {
		s.mu.Lock()
		s.cache[key] = cachedSurvey{survey: &sv, loadedAt: time.Now()}
		s.mu.Unlock()
	}
	return &sv, nil
}

// CollectorBySlug implements survey.Store.
func (s *Store) CollectorBySlug(ctx context.Context, slug string) (survey.Collector, error) {
	if slug == "" {
		return survey.Collector{}, errors.New("slug is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc collectorDocument
	if err := s.collectors.FindOne(ctx, bson.M{"slug": slug}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return survey.Collector{}, survey.ErrCollectorNotFound
		}
		return survey.Collector{}, err
	}
	return doc.toCollector(), nil
}

// Invite implements survey.Store.
func (s *Store) Invite(ctx context.Context, token string) (survey.Invite, error) {
	if token == "" {
		return survey.Invite{}, errors.New("token is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc inviteDocument
	if err := s.invites.FindOne(ctx, bson.M{"token": token}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return survey.Invite{}, survey.ErrInviteNotFound
		}
		return survey.Invite{}, err
	}
	return doc.toInvite(), nil
}

// ConsumeInvite implements survey.Store. The consumed-at stamp is a
// conditional update so exactly one caller ever wins the token.
func (s *Store) ConsumeInvite(ctx context.Context, token string, at time.Time) error {
	if token == "" {
		return errors.New("token is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"token": token, "consumed_at": nil}
	update := bson.M{"$set": bson.M{"consumed_at": at.UTC()}}
	res, err := s.invites.UpdateOne(ctx, filter, update)
	if err != nil {
		return err
	}
	if res.ModifiedCount == 1 {
		return nil
	}
	// Distinguish "already consumed" from "no such token".
	if _, err := s.Invite(ctx, token); err != nil {
		return err
	}
	return survey.ErrInviteConsumed
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	surveyIndex := mongodriver.IndexModel{
		Keys: bson.D{
			{Key: "tenant_id", Value: 1},
			{Key: "survey_id", Value: 1},
		},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.surveys.Indexes().CreateOne(ctx, surveyIndex); err != nil {
		return err
	}
	slugIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "slug", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := s.collectors.Indexes().CreateOne(ctx, slugIndex); err != nil {
		return err
	}
	tokenIndex := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "token", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	_, err := s.invites.Indexes().CreateOne(ctx, tokenIndex)
	return err
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type surveyDocument struct {
	TenantID   string        `bson:"tenant_id"`
	SurveyID   string        `bson:"survey_id"`
	Version    int           `bson:"version"`
	Status     survey.Status `bson:"status"`
	Definition survey.Survey `bson:"definition"`
}

type collectorDocument struct {
	CollectorID            string                 `bson:"collector_id"`
	TenantID               string                 `bson:"tenant_id"`
	SurveyID               string                 `bson:"survey_id"`
	Slug                   string                 `bson:"slug"`
	Type                   survey.CollectorType   `bson:"type"`
	Status                 survey.CollectorStatus `bson:"status"`
	OpensAt                *time.Time             `bson:"opens_at,omitempty"`
	ClosesAt               *time.Time             `bson:"closes_at,omitempty"`
	MaxResponses           int                    `bson:"max_responses,omitempty"`
	AllowMultiplePerDevice bool                   `bson:"allow_multiple_per_device,omitempty"`
	AllowTestResponses     bool                   `bson:"allow_test_responses,omitempty"`
}

func (d collectorDocument) toCollector() survey.Collector {
	return survey.Collector{
		ID:                     d.CollectorID,
		TenantID:               d.TenantID,
		SurveyID:               d.SurveyID,
		Slug:                   d.Slug,
		Type:                   d.Type,
		Status:                 d.Status,
		OpensAt:                d.OpensAt,
		ClosesAt:               d.ClosesAt,
		MaxResponses:           d.MaxResponses,
		AllowMultiplePerDevice: d.AllowMultiplePerDevice,
		AllowTestResponses:     d.AllowTestResponses,
	}
}

type inviteDocument struct {
	Token       string     `bson:"token"`
	CollectorID string     `bson:"collector_id"`
	Email       string     `bson:"email,omitempty"`
	ExternalID  string     `bson:"external_id,omitempty"`
	ExpiresAt   *time.Time `bson:"expires_at,omitempty"`
	ConsumedAt  *time.Time `bson:"consumed_at,omitempty"`
}

func (d inviteDocument) toInvite() survey.Invite {
	return survey.Invite{
		Token:       d.Token,
		CollectorID: d.CollectorID,
		Email:       d.Email,
		ExternalID:  d.ExternalID,
		ExpiresAt:   d.ExpiresAt,
		ConsumedAt:  d.ConsumedAt,
	}
}
