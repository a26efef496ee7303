package main

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"

	"github.com/talentbase/talentbase-backend/pkg/config"
	"github.com/talentbase/talentbase-backend/pkg/enums"
	"github.com/talentbase/talentbase-backend/pkg/logger"
	"github.com/talentbase/talentbase-backend/pkg/outbox"
)

const consumerName = "billing-worker"

type subscriber interface {
	Receive(ctx context.Context, f func(context.Context, *gcppubsub.Message)) error
}

type rowInserter interface {
	InsertRows(ctx context.Context, table string, rows []any) error
}

type processedGuard interface {
	CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error)
	Delete(ctx context.Context, consumer string, eventID uuid.UUID) error
}

type ServiceParams struct {
	Config      *config.Config
	Logger      *logger.Logger
	Subscriber  subscriber
	BigQuery    rowInserter
	Idempotency processedGuard
}

// Service streams billing domain events from the Pub/Sub subscription into
// the BigQuery billing_events table. Redis idempotency absorbs Pub/Sub's
// at-least-once delivery; malformed messages are acked and dropped so they
// cannot wedge the subscription.
type Service struct {
	cfg         *config.Config
	logg        *logger.Logger
	subscriber  subscriber
	bigquery    rowInserter
	idempotency processedGuard
	decoders    *outbox.DecoderRegistry
	table       string
}

func NewService(params ServiceParams) (*Service, error) {
	if params.Config == nil {
		return nil, errors.New("config is required")
	}
	if params.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if params.Subscriber == nil {
		return nil, errors.New("subscriber is required")
	}
	if params.BigQuery == nil {
		return nil, errors.New("bigquery client is required")
	}
	if params.Idempotency == nil {
		return nil, errors.New("idempotency guard is required")
	}
	return &Service{
		cfg:         params.Config,
		logg:        params.Logger,
		subscriber:  params.Subscriber,
		bigquery:    params.BigQuery,
		idempotency: params.Idempotency,
		decoders:    newBillingEventDecoders(),
		table:       params.Config.BigQuery.BillingEventsTable,
	}, nil
}

// newBillingEventDecoders registers a payload decoder for every billing event
// the outbox can carry, all at envelope version 1. Deliveries that fail to
// decode are dropped before they reach BigQuery.
func newBillingEventDecoders() *outbox.DecoderRegistry {
	decodeObject := func(payload json.RawMessage) (interface{}, error) {
		var data map[string]any
		if err := json.Unmarshal(payload, &data); err != nil {
			return nil, err
		}
		return data, nil
	}

	registry := outbox.NewDecoderRegistry()
	for _, eventType := range []enums.OutboxEventType{
		enums.EventSubscriptionCreated,
		enums.EventSubscriptionActivated,
		enums.EventSubscriptionChanged,
		enums.EventSubscriptionCanceled,
		enums.EventSubscriptionResumed,
		enums.EventSubscriptionRenewed,
		enums.EventPaymentSucceeded,
		enums.EventPaymentFailed,
		enums.EventTrialEnding,
		enums.EventCheckoutStarted,
		enums.EventCheckoutConverted,
	} {
		registry.Register(eventType, 1, decodeObject)
	}
	return registry
}

func (s *Service) Run(ctx context.Context) error {
	return s.subscriber.Receive(ctx, func(msgCtx context.Context, msg *gcppubsub.Message) {
		if s.processMessage(msgCtx, msg) {
			msg.Ack()
		} else {
			msg.Nack()
		}
	})
}

// processMessage ingests one delivery and reports whether to ack it.
func (s *Service) processMessage(ctx context.Context, msg *gcppubsub.Message) bool {
	row, eventID, err := s.decodeMessage(msg)
	if err != nil {
		logCtx := s.logg.WithField(ctx, "error", err.Error())
		s.logg.Warn(logCtx, "dropping malformed billing event")
		return true
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"event_id":   eventID.String(),
		"event_type": row.EventType,
	})

	processed, err := s.idempotency.CheckAndMarkProcessed(ctx, consumerName, eventID)
	if err != nil {
		s.logg.Error(logCtx, "idempotency check failed", err)
		return false
	}
	if processed {
		s.logg.Info(logCtx, "billing event already ingested")
		return true
	}

	if err := s.bigquery.InsertRows(ctx, s.table, []any{row}); err != nil {
		// Drop the mark so the redelivery gets another shot at the insert.
		if delErr := s.idempotency.Delete(ctx, consumerName, eventID); delErr != nil {
			s.logg.Error(logCtx, "failed to release idempotency mark", delErr)
		}
		s.logg.Error(logCtx, "bigquery insert failed", err)
		return false
	}

	s.logg.Info(logCtx, "billing event ingested")
	return true
}

type billingEventRow struct {
	EventID       string    `bigquery:"event_id"`
	EventType     string    `bigquery:"event_type"`
	AggregateType string    `bigquery:"aggregate_type"`
	AggregateID   string    `bigquery:"aggregate_id"`
	ActorUserID   string    `bigquery:"actor_user_id"`
	Payload       string    `bigquery:"payload"`
	OccurredAt    time.Time `bigquery:"occurred_at"`
	IngestedAt    time.Time `bigquery:"ingested_at"`
}

func (s *Service) decodeMessage(msg *gcppubsub.Message) (*billingEventRow, uuid.UUID, error) {
	if msg == nil {
		return nil, uuid.Nil, errors.New("nil message")
	}

	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		return nil, uuid.Nil, err
	}

	eventID, err := uuid.Parse(envelope.EventID)
	if err != nil {
		return nil, uuid.Nil, errors.New("payload envelope has no valid event id")
	}

	eventType, err := enums.ParseOutboxEventType(msg.Attributes["event_type"])
	if err != nil {
		return nil, uuid.Nil, err
	}
	if _, err := s.decoders.Decode(eventType, envelope.Version, envelope.Data); err != nil {
		return nil, uuid.Nil, err
	}

	occurredAt := envelope.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = msg.PublishTime
	}

	row := &billingEventRow{
		EventID:       eventID.String(),
		EventType:     string(eventType),
		AggregateType: msg.Attributes["aggregate_type"],
		AggregateID:   msg.Attributes["aggregate_id"],
		Payload:       string(envelope.Data),
		OccurredAt:    occurredAt.UTC(),
		IngestedAt:    time.Now().UTC(),
	}
	if envelope.Actor != nil && envelope.Actor.UserID != uuid.Nil {
		row.ActorUserID = envelope.Actor.UserID.String()
	}
	return row, eventID, nil
}
