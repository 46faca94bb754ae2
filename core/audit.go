package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
)

// AuditTopic is the topic security events are published on.
const AuditTopic = "security.events"

// AuditSink receives security events. Record must not block for long; a
// failing sink is logged and never fails the request that emitted the event.
type AuditSink interface {
	Record(ctx context.Context, event SecurityEvent) error
}

// StorageAuditSink writes events to the security_events table.
type StorageAuditSink struct {
	repo AuditRepository
}

// NewStorageAuditSink creates a sink backed by repo.
func NewStorageAuditSink(repo AuditRepository) *StorageAuditSink {
	return &StorageAuditSink{repo: repo}
}

func (s *StorageAuditSink) Record(ctx context.Context, event SecurityEvent) error {
	return s.repo.CreateSecurityEvent(ctx, &event)
}

// PublisherAuditSink publishes events as JSON on a watermill Publisher.
type PublisherAuditSink struct {
	publisher message.Publisher
	topic     string
}

// NewPublisherAuditSink creates a sink publishing to topic, or AuditTopic if empty.
func NewPublisherAuditSink(publisher message.Publisher, topic string) *PublisherAuditSink {
	if topic == "" {
		topic = AuditTopic
	}
	return &PublisherAuditSink{publisher: publisher, topic: topic}
}

func (s *PublisherAuditSink) Record(ctx context.Context, event SecurityEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode security event: %w", err)
	}

	msg := message.NewMessage(event.ID, payload)
	msg.Metadata.Set("action", event.Action)
	msg.SetContext(ctx)

	if err := s.publisher.Publish(s.topic, msg); err != nil {
		return fmt.Errorf("failed to publish security event: %w", err)
	}
	return nil
}

// MultiAuditSink fans an event out to every sink.
type MultiAuditSink []AuditSink

func (m MultiAuditSink) Record(ctx context.Context, event SecurityEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.Record(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DecodeSecurityEvent decodes a message published by PublisherAuditSink.
func DecodeSecurityEvent(msg *message.Message) (SecurityEvent, error) {
	var event SecurityEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return SecurityEvent{}, fmt.Errorf("failed to decode security event: %w", err)
	}
	return event, nil
}

// logSecurityEvent records a security event for the request r
func (g *Guard) logSecurityEvent(r *http.Request, userID, action, details string, success bool) {
	event := SecurityEvent{
		ID:        uuid.NewString(),
		UserID:    userID,
		Action:    action,
		Resource:  r.URL.Path,
		IPAddress: g.clientIP(r),
		UserAgent: r.UserAgent(),
		Success:   success,
		Details:   details,
		CreatedAt: g.now(),
	}

	if err := g.audit.Record(r.Context(), event); err != nil {
		slog.Error("Failed to log security event",
			"action", action,
			"user_id", userID,
			"error", err)
	}
}
