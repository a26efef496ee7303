package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	gcppubsub "cloud.google.com/go/pubsub/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/talentbase/talentbase-backend/pkg/config"
	"github.com/talentbase/talentbase-backend/pkg/db/models"
	"github.com/talentbase/talentbase-backend/pkg/enums"
	"github.com/talentbase/talentbase-backend/pkg/logger"
	"github.com/talentbase/talentbase-backend/pkg/outbox"
)

type fakeDB struct{}

func (fakeDB) Ping(context.Context) error { return nil }

func (fakeDB) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return fn(&gorm.DB{})
}

type fakePubSub struct{}

func (fakePubSub) Ping(context.Context) error             { return nil }
func (fakePubSub) BillingPublisher() *gcppubsub.Publisher { return nil }

type fakeRepo struct {
	events    []models.OutboxEvent
	published []uuid.UUID
	failed    []uuid.UUID
	fetchErr  error
}

func (f *fakeRepo) FetchUnpublishedTx(tx *gorm.DB, limit, maxAttempts int) ([]models.OutboxEvent, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	if limit < len(f.events) {
		return f.events[:limit], nil
	}
	return f.events, nil
}

func (f *fakeRepo) MarkPublishedTx(tx *gorm.DB, id uuid.UUID) error {
	f.published = append(f.published, id)
	return nil
}

func (f *fakeRepo) MarkFailedTx(tx *gorm.DB, id uuid.UUID, cause error) error {
	f.failed = append(f.failed, id)
	return nil
}

type fakePublisher struct {
	messages []*gcppubsub.Message
	err      error
}

func (f *fakePublisher) Publish(ctx context.Context, msg *gcppubsub.Message) publishResult {
	f.messages = append(f.messages, msg)
	return fakeResult{err: f.err}
}

type fakeResult struct {
	err error
}

func (r fakeResult) Get(context.Context) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	return "msg-id", nil
}

func testService(t *testing.T, repo *fakeRepo, pub *fakePublisher) *Service {
	t.Helper()
	service, err := NewService(ServiceParams{
		Config: &config.Config{
			Outbox: config.OutboxConfig{BatchSize: 10, PollIntervalMS: 10, MaxAttempts: 3},
		},
		Logger:     logger.New(logger.Options{ServiceName: "outbox-test", Output: io.Discard}),
		DB:         fakeDB{},
		PubSub:     fakePubSub{},
		Repository: repo,
		Publisher:  pub,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func queuedEvent(t *testing.T, attemptCount int) models.OutboxEvent {
	t.Helper()
	envelope := outbox.PayloadEnvelope{
		Version:    1,
		EventID:    uuid.NewString(),
		OccurredAt: time.Now().UTC(),
		Data:       json.RawMessage(`{"status":"active"}`),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventSubscriptionActivated,
		AggregateType: enums.AggregateSubscription,
		AggregateID:   uuid.New(),
		Payload:       payload,
		CreatedAt:     time.Now().UTC(),
		AttemptCount:  attemptCount,
	}
}

func TestProcessBatch_PublishesAndMarks(t *testing.T) {
	first := queuedEvent(t, 0)
	second := queuedEvent(t, 1)
	repo := &fakeRepo{events: []models.OutboxEvent{first, second}}
	pub := &fakePublisher{}
	service := testService(t, repo, pub)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if !processed {
		t.Fatal("expected batch to be processed")
	}
	if len(repo.published) != 2 {
		t.Fatalf("expected 2 published marks, got %d", len(repo.published))
	}
	if len(repo.failed) != 0 {
		t.Fatalf("expected no failure marks, got %d", len(repo.failed))
	}
	if len(pub.messages) != 2 {
		t.Fatalf("expected 2 publishes, got %d", len(pub.messages))
	}

	attrs := pub.messages[0].Attributes
	if attrs["event_type"] != string(enums.EventSubscriptionActivated) {
		t.Fatalf("unexpected event_type attribute %q", attrs["event_type"])
	}
	if attrs["aggregate_id"] != first.AggregateID.String() {
		t.Fatalf("unexpected aggregate_id attribute %q", attrs["aggregate_id"])
	}
	if attrs["event_id"] == "" {
		t.Fatal("envelope event_id should be surfaced as an attribute")
	}
}

func TestProcessBatch_FailureMarksFailedAndContinues(t *testing.T) {
	first := queuedEvent(t, 0)
	repo := &fakeRepo{events: []models.OutboxEvent{first}}
	pub := &fakePublisher{err: errors.New("topic unavailable")}
	service := testService(t, repo, pub)

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("publish failures must not abort the batch: %v", err)
	}
	if !processed {
		t.Fatal("expected batch to be processed")
	}
	if len(repo.failed) != 1 || repo.failed[0] != first.ID {
		t.Fatalf("expected one failure mark for %s, got %v", first.ID, repo.failed)
	}
	if len(repo.published) != 0 {
		t.Fatalf("expected no published marks, got %v", repo.published)
	}
}

func TestProcessBatch_EmptyQueueIsIdle(t *testing.T) {
	repo := &fakeRepo{}
	service := testService(t, repo, &fakePublisher{})

	processed, err := service.processBatch(context.Background())
	if err != nil {
		t.Fatalf("process batch: %v", err)
	}
	if processed {
		t.Fatal("empty queue must report idle so the loop sleeps")
	}
}

func TestProcessBatch_FetchErrorPropagates(t *testing.T) {
	repo := &fakeRepo{fetchErr: errors.New("deadlock")}
	service := testService(t, repo, &fakePublisher{})

	if _, err := service.processBatch(context.Background()); err == nil {
		t.Fatal("expected fetch error to propagate")
	}
}

func TestNewService_RequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	if err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}

func TestNextBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	cases := []struct {
		current time.Duration
		want    time.Duration
	}{
		{0, time.Second},
		{base, time.Second},
		{4 * time.Second, 8 * time.Second},
		{8 * time.Second, maxBackoff},
		{maxBackoff, maxBackoff},
	}
	for _, tc := range cases {
		if got := nextBackoff(tc.current, base, maxBackoff); got != tc.want {
			t.Fatalf("nextBackoff(%v) = %v, want %v", tc.current, got, tc.want)
		}
	}
}

func TestWithJitter(t *testing.T) {
	if got := withJitter(0); got != 0 {
		t.Fatalf("zero duration must stay zero, got %v", got)
	}
	base := time.Second
	for i := 0; i < 10; i++ {
		got := withJitter(base)
		if got < base || got > base+jitterWindow {
			t.Fatalf("jittered duration %v outside [%v, %v]", got, base, base+jitterWindow)
		}
	}
}
