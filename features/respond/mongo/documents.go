package mongo

import (
	"sync/atomic"
	"time"

	"canvass.dev/canvass/runtime/answer"
	"canvass.dev/canvass/runtime/outbox"
	"canvass.dev/canvass/runtime/quota"
	"canvass.dev/canvass/runtime/respond"
)

type sessionDocument struct {
	SessionID     string         `bson:"session_id"`
	TenantID      string         `bson:"tenant_id"`
	SurveyID      string         `bson:"survey_id"`
	SurveyVersion int            `bson:"survey_version"`
	CollectorID   string         `bson:"collector_id"`
	Status        respond.Status `bson:"status"`
	StartedAt     time.Time      `bson:"started_at"`
	FinalizedAt   *time.Time     `bson:"finalized_at,omitempty"`
	CurrentPageID string         `bson:"current_page_id,omitempty"`
	// DeviceID and IP duplicate meta fields so the reuse and
	// multiple-submission queries can hit indexes.
	DeviceID          string              `bson:"device_id,omitempty"`
	IP                string              `bson:"ip,omitempty"`
	LastActivityAt    time.Time           `bson:"last_activity_at"`
	TerminationReason string              `bson:"termination_reason,omitempty"`
	Meta              respond.Meta        `bson:"meta"`
	Render            respond.RenderState `bson:"render"`
	Progress          respond.Progress    `bson:"progress"`
}

func fromSession(s respond.Session) sessionDocument {
	return sessionDocument{
		SessionID:         s.ID,
		TenantID:          s.TenantID,
		SurveyID:          s.SurveyID,
		SurveyVersion:     s.SurveyVersion,
		CollectorID:       s.CollectorID,
		Status:            s.Status,
		StartedAt:         s.StartedAt,
		FinalizedAt:       s.FinalizedAt,
		CurrentPageID:     s.CurrentPageID,
		DeviceID:          s.Meta.DeviceID,
		IP:                s.Meta.IP,
		LastActivityAt:    s.LastActivityAt,
		TerminationReason: s.TerminationReason,
		Meta:              s.Meta,
		Render:            s.Render,
		Progress:          s.Progress,
	}
}

func (d sessionDocument) toSession() respond.Session {
	return respond.Session{
		ID:                d.SessionID,
		TenantID:          d.TenantID,
		SurveyID:          d.SurveyID,
		SurveyVersion:     d.SurveyVersion,
		CollectorID:       d.CollectorID,
		Status:            d.Status,
		StartedAt:         d.StartedAt,
		FinalizedAt:       d.FinalizedAt,
		CurrentPageID:     d.CurrentPageID,
		LastActivityAt:    d.LastActivityAt,
		TerminationReason: d.TerminationReason,
		Meta:              d.Meta,
		Render:            d.Render,
		Progress:          d.Progress,
	}
}

type answerDocument struct {
	SessionID   string       `bson:"session_id"`
	PageID      string       `bson:"page_id"`
	QuestionID  string       `bson:"question_id"`
	Value       answer.Value `bson:"value"`
	SubmittedAt time.Time    `bson:"submitted_at"`
}

func fromAnswer(a answer.Answer) answerDocument {
	return answerDocument{
		SessionID:   a.SessionID,
		PageID:      a.PageID,
		QuestionID:  a.QuestionID,
		Value:       a.Value,
		SubmittedAt: a.SubmittedAt,
	}
}

func (d answerDocument) toAnswer() answer.Answer {
	return answer.Answer{
		SessionID:   d.SessionID,
		PageID:      d.PageID,
		QuestionID:  d.QuestionID,
		Value:       d.Value,
		SubmittedAt: d.SubmittedAt,
	}
}

// outboxSeq totally orders rows written within one created_at
// millisecond; the relay drains in this order. Seeded from the wall
// clock so the order survives process restarts.
var outboxSeq atomic.Int64

func init() {
	outboxSeq.Store(time.Now().UnixNano())
}

type outboxDocument struct {
	EventID     string           `bson:"event_id"`
	Seq         int64            `bson:"seq"`
	Type        outbox.EventType `bson:"type"`
	TenantID    string           `bson:"tenant_id"`
	SurveyID    string           `bson:"survey_id,omitempty"`
	SessionID   string           `bson:"session_id,omitempty"`
	Payload     []byte           `bson:"payload,omitempty"`
	CreatedAt   time.Time        `bson:"created_at"`
	PublishedAt *time.Time       `bson:"published_at,omitempty"`
}

func fromEvent(ev outbox.Event) outboxDocument {
	return outboxDocument{
		EventID:     ev.ID,
		Seq:         outboxSeq.Add(1),
		Type:        ev.Type,
		TenantID:    ev.TenantID,
		SurveyID:    ev.SurveyID,
		SessionID:   ev.SessionID,
		Payload:     ev.Payload,
		CreatedAt:   ev.CreatedAt,
		PublishedAt: ev.PublishedAt,
	}
}

func (d outboxDocument) toEvent() outbox.Event {
	return outbox.Event{
		ID:          d.EventID,
		Type:        d.Type,
		TenantID:    d.TenantID,
		SurveyID:    d.SurveyID,
		SessionID:   d.SessionID,
		Payload:     d.Payload,
		CreatedAt:   d.CreatedAt,
		PublishedAt: d.PublishedAt,
	}
}

type planDocument struct {
	PlanID   string          `bson:"plan_id"`
	TenantID string          `bson:"tenant_id"`
	SurveyID string          `bson:"survey_id"`
	State    quota.PlanState `bson:"state"`
}

type bucketDocument struct {
	BucketID              string `bson:"bucket_id"`
	PlanID                string `bson:"plan_id"`
	Name                  string `bson:"name,omitempty"`
	TargetN               int    `bson:"target_n"`
	FilledN               int    `bson:"filled_n"`
	ReservedN             int    `bson:"reserved_n"`
	MaxOverfill           int    `bson:"max_overfill"`
	ConditionExpressionID string `bson:"condition_expression_id,omitempty"`
	QuestionID            string `bson:"question_id,omitempty"`
	OptionValue           string `bson:"option_value,omitempty"`
}

func (d bucketDocument) toBucket() quota.Bucket {
	return quota.Bucket{
		ID:                    d.BucketID,
		PlanID:                d.PlanID,
		Name:                  d.Name,
		TargetN:               d.TargetN,
		FilledN:               d.FilledN,
		ReservedN:             d.ReservedN,
		MaxOverfill:           d.MaxOverfill,
		ConditionExpressionID: d.ConditionExpressionID,
		QuestionID:            d.QuestionID,
		OptionValue:           d.OptionValue,
	}
}

type reservationDocument struct {
	ReservationID string                  `bson:"reservation_id"`
	SessionID     string                  `bson:"session_id,omitempty"`
	BucketID      string                  `bson:"bucket_id"`
	Status        quota.ReservationStatus `bson:"status"`
	CreatedAt     time.Time               `bson:"created_at"`
	ExpiresAt     time.Time               `bson:"expires_at"`
}

func fromReservation(r quota.Reservation) reservationDocument {
	return reservationDocument{
		ReservationID: r.ID,
		SessionID:     r.SessionID,
		BucketID:      r.BucketID,
		Status:        r.Status,
		CreatedAt:     r.CreatedAt,
		ExpiresAt:     r.ExpiresAt,
	}
}

func (d reservationDocument) toReservation() quota.Reservation {
	return quota.Reservation{
		ID:        d.ReservationID,
		SessionID: d.SessionID,
		BucketID:  d.BucketID,
		Status:    d.Status,
		CreatedAt: d.CreatedAt,
		ExpiresAt: d.ExpiresAt,
	}
}
