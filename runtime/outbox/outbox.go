// Package outbox implements the transactional outbox: domain events
// written in the same transaction as the state change they describe,
// published to the downstream bus by a background relay.
package outbox

import (
	"context"
	"encoding/json"
	"time"
)

type (
	// Event is one durable domain event.
	Event struct {
		ID        string          `json:"id"`
		Type      EventType       `json:"type"`
		TenantID  string          `json:"tenantId"`
		SurveyID  string          `json:"surveyId,omitempty"`
		SessionID string          `json:"sessionId,omitempty"`
		Payload   json.RawMessage `json:"payload,omitempty"`
		CreatedAt time.Time       `json:"createdAt"`
		// PublishedAt is nil until the relay delivers the event.
		PublishedAt *time.Time `json:"publishedAt,omitempty"`
	}

	// EventType names a domain event.
	EventType string

	// Store reads and marks outbox rows. Inserts happen through the
	// session store so they share the session transaction.
	Store interface {
		// Unpublished returns up to limit unpublished events in commit
		// order.
		Unpublished(ctx context.Context, limit int) ([]Event, error)
		// MarkPublished stamps PublishedAt on the event.
		MarkPublished(ctx context.Context, eventID string, at time.Time) error
	}

	// Bus delivers events downstream. Consumers deduplicate by event ID;
	// delivery is at-least-once.
	Bus interface {
		Publish(ctx context.Context, ev Event) error
	}

	// CacheRecorder mirrors event activity into short-TTL counters for
	// live dashboards. Best effort only.
	CacheRecorder interface {
		Record(ctx context.Context, ev Event)
	}
)

const (
	EventSessionStarted    EventType = "session.started"
	EventSessionCompleted  EventType = "session.completed"
	EventSessionTerminated EventType = "session.terminated"
	EventSessionAbandoned  EventType = "session.abandoned"
	EventAnswerUpserted    EventType = "answer.upserted"
	EventQuotaReserved     EventType = "quota.reserved"
	EventQuotaReleased     EventType = "quota.released"
	EventQuotaFinalized    EventType = "quota.finalized"
)
