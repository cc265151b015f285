// Package mongo hosts the MongoDB-backed session, quota and outbox
// stores. One store serves all three because their writes must share a
// transaction.
package mongo

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"canvass.dev/canvass/runtime/answer"
	"canvass.dev/canvass/runtime/outbox"
	"canvass.dev/canvass/runtime/quota"
	"canvass.dev/canvass/runtime/respond"
)

const (
	defaultSessionsCollection     = "sessions"
	defaultAnswersCollection      = "answers"
	defaultOutboxCollection       = "outbox"
	defaultPlansCollection        = "quota_plans"
	defaultBucketsCollection      = "quota_buckets"
	defaultReservationsCollection = "quota_reservations"
	defaultOpTimeout              = 5 * time.Second
	respondClientName             = "respond-mongo"
)

// Options configures the Mongo respond store.
type Options struct {
	Client                 *mongodriver.Client
	Database               string
	SessionsCollection     string
	AnswersCollection      string
	OutboxCollection       string
	PlansCollection        string
	BucketsCollection      string
	ReservationsCollection string
	Timeout                time.Duration
}

// Store implements respond.Store, quota.Store and outbox.Store backed
// by MongoDB. Counter moves are conditional updates; InTx wraps the
// callback in a Mongo multi-document transaction.
type Store struct {
	mongo        *mongodriver.Client
	sessions     collection
	answers      collection
	outbox       collection
	plans        collection
	buckets      collection
	reservations collection
	timeout      time.Duration
}

// New returns a Store backed by MongoDB.
func New(opts Options) (*Store, error) {
	if opts.Client == nil {
		return nil, errors.New("mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("database name is required")
	}
	name := func(got, fallback string) string {
		if got == "" {
			return fallback
		}
		return got
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	db := opts.Client.Database(opts.Database)
	s := &Store{
		mongo:        opts.Client,
		sessions:     mongoCollection{coll: db.Collection(name(opts.SessionsCollection, defaultSessionsCollection))},
		answers:      mongoCollection{coll: db.Collection(name(opts.AnswersCollection, defaultAnswersCollection))},
		outbox:       mongoCollection{coll: db.Collection(name(opts.OutboxCollection, defaultOutboxCollection))},
		plans:        mongoCollection{coll: db.Collection(name(opts.PlansCollection, defaultPlansCollection))},
		buckets:      mongoCollection{coll: db.Collection(name(opts.BucketsCollection, defaultBucketsCollection))},
		reservations: mongoCollection{coll: db.Collection(name(opts.ReservationsCollection, defaultReservationsCollection))},
		timeout:      timeout,
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
func newStoreWithCollections(sessions, answers, outboxColl, plans, buckets, reservations collection) *Store {
	return &Store{
		sessions:     sessions,
		answers:      answers,
		outbox:       outboxColl,
		plans:        plans,
		buckets:      buckets,
		reservations: reservations,
		timeout:      defaultOpTimeout,
	}
}

// Name implements health.Pinger.
func (s *Store) Name() string {
	return respondClientName
}

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return s.mongo.Ping(ctx, readpref.Primary())
}

// InTx implements respond.Store. The callback's context carries the
// Mongo session so every store call made with it joins the
// transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	sess, err := s.mongo.StartSession()
	if err != nil {
		return err
	}
	defer sess.EndSession(ctx)
	_, err = sess.WithTransaction(ctx, func(sc mongodriver.SessionContext) (any, error) {
		return nil, fn(sc)
	})
	return err
}

// InsertSession implements respond.Store.
func (s *Store) InsertSession(ctx context.Context, sess respond.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.sessions.InsertOne(ctx, fromSession(sess))
	return err
}

// Session implements respond.Store.
func (s *Store) Session(ctx context.Context, id string) (respond.Session, error) {
	if id == "" {
		return respond.Session{}, errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc sessionDocument
	if err := s.sessions.FindOne(ctx, bson.M{"session_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return respond.Session{}, respond.ErrSessionNotFound
		}
		return respond.Session{}, err
	}
	return doc.toSession(), nil
}

// UpdateSession implements respond.Store.
func (s *Store) UpdateSession(ctx context.Context, sess respond.Session) error {
	if sess.ID == "" {
		return errors.New("session id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	doc := fromSession(sess)
	res, err := s.sessions.UpdateOne(ctx, bson.M{"session_id": sess.ID}, bson.M{"$set": doc})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return respond.ErrSessionNotFound
	}
	return nil
}

// ActiveSessionByDevice implements respond.Store.
func (s *Store) ActiveSessionByDevice(ctx context.Context, collectorID, deviceID string) (respond.Session, error) {
	if collectorID == "" || deviceID == "" {
		return respond.Session{}, respond.ErrSessionNotFound
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"collector_id": collectorID,
		"device_id":    deviceID,
		"status":       respond.StatusInProgress,
	}
	var doc sessionDocument
	if err := s.sessions.FindOne(ctx, filter).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return respond.Session{}, respond.ErrSessionNotFound
		}
		return respond.Session{}, err
	}
	return doc.toSession(), nil
}

// HasCompletedSubmission implements respond.Store.
func (s *Store) HasCompletedSubmission(ctx context.Context, tenantID, surveyID, deviceID, ip string) (bool, error) {
	var or []bson.M
	if deviceID != "" {
		or = append(or, bson.M{"device_id": deviceID})
	}
	if ip != "" {
		or = append(or, bson.M{"ip": ip})
	}
	if len(or) == 0 {
		return false, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"tenant_id": tenantID,
		"survey_id": surveyID,
		"status":    respond.StatusCompleted,
		"$or":       or,
	}
	n, err := s.sessions.CountDocuments(ctx, filter)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ReplacePageAnswers implements respond.Store: delete-then-insert so
// resubmission keeps exactly one row per (session, question).
func (s *Store) ReplacePageAnswers(ctx context.Context, sessionID, pageID string, answers []answer.Answer) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.answers.DeleteMany(ctx, bson.M{"session_id": sessionID, "page_id": pageID}); err != nil {
		return err
	}
	if len(answers) == 0 {
		return nil
	}
	docs := make([]any, len(answers))
	for i, a := range answers {
		docs[i] = fromAnswer(a)
	}
	_, err := s.answers.InsertMany(ctx, docs)
	return err
}

// Answers implements respond.Store.
func (s *Store) Answers(ctx context.Context, sessionID string) ([]answer.Answer, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	cur, err := s.answers.Find(ctx, bson.M{"session_id": sessionID})
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []answer.Answer
	for cur.Next(ctx) {
		var doc answerDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toAnswer())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// InsertOutbox implements respond.Store.
func (s *Store) InsertOutbox(ctx context.Context, ev outbox.Event) error {
	if ev.ID == "" {
		return errors.New("event id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.outbox.InsertOne(ctx, fromEvent(ev))
	return err
}

// IdleSessions implements respond.Store.
func (s *Store) IdleSessions(ctx context.Context, cutoff time.Time, limit int) ([]respond.Session, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":           respond.StatusInProgress,
		"last_activity_at": bson.M{"$lt": cutoff},
	}
	opts := options.Find().SetSort(bson.D{{Key: "last_activity_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.sessions.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []respond.Session
	for cur.Next(ctx) {
		var doc sessionDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toSession())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// OpenPlans implements quota.Store.
func (s *Store) OpenPlans(ctx context.Context, tenantID, surveyID string) ([]quota.Plan, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"tenant_id": tenantID, "survey_id": surveyID, "state": quota.PlanOpen}
	cur, err := s.plans.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var plans []quota.Plan
	var ids []string
	for cur.Next(ctx) {
		var doc planDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		plans = append(plans, quota.Plan{
			ID:       doc.PlanID,
			TenantID: doc.TenantID,
			SurveyID: doc.SurveyID,
			State:    doc.State,
		})
		ids = append(ids, doc.PlanID)
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	if len(plans) == 0 {
		return nil, nil
	}

	bcur, err := s.buckets.Find(ctx, bson.M{"plan_id": bson.M{"$in": ids}},
		options.Find().SetSort(bson.D{{Key: "bucket_id", Value: 1}}))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = bcur.Close(ctx)
	}()
	byPlan := make(map[string][]quota.Bucket)
	for bcur.Next(ctx) {
		var doc bucketDocument
		if err := bcur.Decode(&doc); err != nil {
			return nil, err
		}
		byPlan[doc.PlanID] = append(byPlan[doc.PlanID], doc.toBucket())
	}
	if err := bcur.Err(); err != nil {
		return nil, err
	}
	for i := range plans {
		plans[i].Buckets = byPlan[plans[i].ID]
	}
	return plans, nil
}

// ReserveBucket implements quota.Store: a single conditional update so
// the capacity check and the increment are one atomic operation.
func (s *Store) ReserveBucket(ctx context.Context, bucketID string) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"bucket_id": bucketID,
		"$expr": bson.M{"$lt": bson.A{
			bson.M{"$add": bson.A{"$filled_n", "$reserved_n"}},
			bson.M{"$add": bson.A{"$target_n", "$max_overfill"}},
		}},
	}
	res, err := s.buckets.UpdateOne(ctx, filter, bson.M{"$inc": bson.M{"reserved_n": 1}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount == 1, nil
}

// InsertReservation implements quota.Store.
func (s *Store) InsertReservation(ctx context.Context, r quota.Reservation) error {
	if r.ID == "" {
		return errors.New("reservation id is required")
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	_, err := s.reservations.InsertOne(ctx, fromReservation(r))
	return err
}

// ActiveReservations implements quota.Store.
func (s *Store) ActiveReservations(ctx context.Context, sessionID string) ([]quota.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"session_id": sessionID, "status": quota.ReservationActive}
	cur, err := s.reservations.Find(ctx, filter)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []quota.Reservation
	for cur.Next(ctx) {
		var doc reservationDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toReservation())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// FinalizeReservation implements quota.Store: the reservation flip is
// conditional on ACTIVE so concurrent finalize/release of the same
// reservation moves the counters exactly once.
func (s *Store) FinalizeReservation(ctx context.Context, reservationID string) error {
	return s.settleReservation(ctx, reservationID, quota.ReservationFinalized,
		bson.M{"reserved_n": -1, "filled_n": 1})
}

// ReleaseReservation implements quota.Store.
func (s *Store) ReleaseReservation(ctx context.Context, reservationID string) error {
	return s.settleReservation(ctx, reservationID, quota.ReservationReleased,
		bson.M{"reserved_n": -1})
}

func (s *Store) settleReservation(ctx context.Context, reservationID string, to quota.ReservationStatus, inc bson.M) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	var doc reservationDocument
	if err := s.reservations.FindOne(ctx, bson.M{"reservation_id": reservationID}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return quota.ErrReservationNotFound
		}
		return err
	}
	res, err := s.reservations.UpdateOne(ctx,
		bson.M{"reservation_id": reservationID, "status": quota.ReservationActive},
		bson.M{"$set": bson.M{"status": to}})
	if err != nil {
		return err
	}
	if res.ModifiedCount == 0 {
		return quota.ErrReservationNotFound
	}
	_, err = s.buckets.UpdateOne(ctx, bson.M{"bucket_id": doc.BucketID}, bson.M{"$inc": inc})
	return err
}

// ExpiredReservations implements quota.Store.
func (s *Store) ExpiredReservations(ctx context.Context, now time.Time, limit int) ([]quota.Reservation, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"status":     quota.ReservationActive,
		"expires_at": bson.M{"$lt": now},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.reservations.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []quota.Reservation
	for cur.Next(ctx) {
		var doc reservationDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toReservation())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CompletedSessions implements quota.Store.
func (s *Store) CompletedSessions(ctx context.Context, tenantID, surveyID string) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{
		"tenant_id": tenantID,
		"survey_id": surveyID,
		"status":    respond.StatusCompleted,
	}
	n, err := s.sessions.CountDocuments(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// Unpublished implements outbox.Store: the per-insert sequence number
// totally orders rows, so the relay drains in commit order even when
// several rows of one transaction share a created_at millisecond.
func (s *Store) Unpublished(ctx context.Context, limit int) ([]outbox.Event, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	filter := bson.M{"published_at": nil}
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cur, err := s.outbox.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = cur.Close(ctx)
	}()
	var out []outbox.Event
	for cur.Next(ctx) {
		var doc outboxDocument
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		out = append(out, doc.toEvent())
	}
	if err := cur.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkPublished implements outbox.Store.
func (s *Store) MarkPublished(ctx context.Context, eventID string, at time.Time) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	res, err := s.outbox.UpdateOne(ctx,
		bson.M{"event_id": eventID},
		bson.M{"$set": bson.M{"published_at": at.UTC()}})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return errors.New("outbox event not found")
	}
	return nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	models := []struct {
		coll  collection
		model mongodriver.IndexModel
	}{
		{s.sessions, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "session_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.sessions, mongodriver.IndexModel{
			Keys: bson.D{
				{Key: "collector_id", Value: 1},
				{Key: "device_id", Value: 1},
				{Key: "status", Value: 1},
			},
		}},
		{s.sessions, mongodriver.IndexModel{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "last_activity_at", Value: 1},
			},
		}},
		{s.answers, mongodriver.IndexModel{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "question_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		}},
		{s.answers, mongodriver.IndexModel{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "page_id", Value: 1},
			},
		}},
		{s.outbox, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.outbox, mongodriver.IndexModel{
			Keys: bson.D{
				{Key: "published_at", Value: 1},
				{Key: "seq", Value: 1},
			},
		}},
		{s.plans, mongodriver.IndexModel{
			Keys: bson.D{
				{Key: "tenant_id", Value: 1},
				{Key: "survey_id", Value: 1},
				{Key: "state", Value: 1},
			},
		}},
		{s.buckets, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "bucket_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.reservations, mongodriver.IndexModel{
			Keys:    bson.D{{Key: "reservation_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		}},
		{s.reservations, mongodriver.IndexModel{
			Keys: bson.D{
				{Key: "session_id", Value: 1},
				{Key: "status", Value: 1},
			},
		}},
		{s.reservations, mongodriver.IndexModel{
			Keys: bson.D{
				{Key: "status", Value: 1},
				{Key: "expires_at", Value: 1},
			},
		}},
	}
	for _, m := range models {
		if _, err := m.coll.Indexes().CreateOne(ctx, m.model); err != nil {
			return err
		}
	}
	return nil
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
