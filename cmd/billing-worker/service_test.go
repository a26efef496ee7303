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

	"github.com/talentbase/talentbase-backend/pkg/config"
	"github.com/talentbase/talentbase-backend/pkg/logger"
	"github.com/talentbase/talentbase-backend/pkg/outbox"
)

type noopSubscriber struct{}

func (noopSubscriber) Receive(ctx context.Context, f func(context.Context, *gcppubsub.Message)) error {
	return nil
}

type fakeInserter struct {
	tables []string
	rows   [][]any
	err    error
}

func (f *fakeInserter) InsertRows(ctx context.Context, table string, rows []any) error {
	if f.err != nil {
		return f.err
	}
	f.tables = append(f.tables, table)
	f.rows = append(f.rows, rows)
	return nil
}

type fakeGuard struct {
	marked   map[uuid.UUID]bool
	deleted  []uuid.UUID
	checkErr error
}

func newFakeGuard() *fakeGuard {
	return &fakeGuard{marked: make(map[uuid.UUID]bool)}
}

func (f *fakeGuard) CheckAndMarkProcessed(ctx context.Context, consumer string, eventID uuid.UUID) (bool, error) {
	if f.checkErr != nil {
		return false, f.checkErr
	}
	if f.marked[eventID] {
		return true, nil
	}
	f.marked[eventID] = true
	return false, nil
}

func (f *fakeGuard) Delete(ctx context.Context, consumer string, eventID uuid.UUID) error {
	delete(f.marked, eventID)
	f.deleted = append(f.deleted, eventID)
	return nil
}

func testWorker(t *testing.T, inserter *fakeInserter, guard *fakeGuard) *Service {
	t.Helper()
	service, err := NewService(ServiceParams{
		Config: &config.Config{
			BigQuery: config.BigQueryConfig{Dataset: "talentbase", BillingEventsTable: "billing_events"},
		},
		Logger:      logger.New(logger.Options{ServiceName: "worker-test", Output: io.Discard}),
		Subscriber:  noopSubscriber{},
		BigQuery:    inserter,
		Idempotency: guard,
	})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return service
}

func billingMessage(t *testing.T, actor *outbox.ActorRef) (*gcppubsub.Message, uuid.UUID) {
	t.Helper()
	eventID := uuid.New()
	envelope := outbox.PayloadEnvelope{
		Version:    1,
		EventID:    eventID.String(),
		OccurredAt: time.Now().UTC(),
		Actor:      actor,
		Data:       json.RawMessage(`{"status":"active"}`),
	}
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return &gcppubsub.Message{
		Data: payload,
		Attributes: map[string]string{
			"event_type":     "subscription_activated",
			"aggregate_type": "subscription",
			"aggregate_id":   uuid.NewString(),
		},
	}, eventID
}

func TestProcessMessage_InsertsRow(t *testing.T) {
	inserter := &fakeInserter{}
	guard := newFakeGuard()
	service := testWorker(t, inserter, guard)

	actorID := uuid.New()
	msg, eventID := billingMessage(t, &outbox.ActorRef{UserID: actorID})

	if !service.processMessage(context.Background(), msg) {
		t.Fatal("expected ack")
	}
	if len(inserter.rows) != 1 {
		t.Fatalf("expected one insert, got %d", len(inserter.rows))
	}
	if inserter.tables[0] != "billing_events" {
		t.Fatalf("unexpected table %q", inserter.tables[0])
	}
	row, ok := inserter.rows[0][0].(*billingEventRow)
	if !ok {
		t.Fatalf("unexpected row type %T", inserter.rows[0][0])
	}
	if row.EventID != eventID.String() {
		t.Fatalf("row event id %q, want %q", row.EventID, eventID)
	}
	if row.EventType != "subscription_activated" {
		t.Fatalf("row event type %q", row.EventType)
	}
	if row.ActorUserID != actorID.String() {
		t.Fatalf("row actor %q, want %q", row.ActorUserID, actorID)
	}
	if row.Payload != `{"status":"active"}` {
		t.Fatalf("row payload %q", row.Payload)
	}
}

func TestProcessMessage_DuplicateAckedWithoutInsert(t *testing.T) {
	inserter := &fakeInserter{}
	guard := newFakeGuard()
	service := testWorker(t, inserter, guard)

	msg, _ := billingMessage(t, nil)

	if !service.processMessage(context.Background(), msg) {
		t.Fatal("expected ack on first delivery")
	}
	if !service.processMessage(context.Background(), msg) {
		t.Fatal("expected ack on duplicate delivery")
	}
	if len(inserter.rows) != 1 {
		t.Fatalf("duplicate delivery must not insert again, got %d inserts", len(inserter.rows))
	}
}

func TestProcessMessage_InsertFailureReleasesMarkAndNacks(t *testing.T) {
	inserter := &fakeInserter{err: errors.New("streaming buffer full")}
	guard := newFakeGuard()
	service := testWorker(t, inserter, guard)

	msg, eventID := billingMessage(t, nil)

	if service.processMessage(context.Background(), msg) {
		t.Fatal("expected nack on insert failure")
	}
	if len(guard.deleted) != 1 || guard.deleted[0] != eventID {
		t.Fatalf("expected idempotency mark released for %s, got %v", eventID, guard.deleted)
	}

	// Redelivery after the dependency recovers must go through.
	inserter.err = nil
	if !service.processMessage(context.Background(), msg) {
		t.Fatal("expected ack on redelivery")
	}
	if len(inserter.rows) != 1 {
		t.Fatalf("expected exactly one successful insert, got %d", len(inserter.rows))
	}
}

func TestProcessMessage_MalformedPayloadAcked(t *testing.T) {
	inserter := &fakeInserter{}
	guard := newFakeGuard()
	service := testWorker(t, inserter, guard)

	msg := &gcppubsub.Message{Data: []byte("not-json")}
	if !service.processMessage(context.Background(), msg) {
		t.Fatal("malformed messages must be acked and dropped")
	}
	if len(inserter.rows) != 0 {
		t.Fatal("malformed messages must not be inserted")
	}
}

func TestProcessMessage_UnknownEventTypeAckedWithoutInsert(t *testing.T) {
	inserter := &fakeInserter{}
	guard := newFakeGuard()
	service := testWorker(t, inserter, guard)

	msg, _ := billingMessage(t, nil)
	msg.Attributes["event_type"] = "charge_refunded"

	if !service.processMessage(context.Background(), msg) {
		t.Fatal("events without a registered decoder must be acked and dropped")
	}
	if len(inserter.rows) != 0 {
		t.Fatal("undecodable events must not be inserted")
	}
}

func TestProcessMessage_UndecodablePayloadAcked(t *testing.T) {
	inserter := &fakeInserter{}
	guard := newFakeGuard()
	service := testWorker(t, inserter, guard)

	msg, _ := billingMessage(t, nil)
	var envelope outbox.PayloadEnvelope
	if err := json.Unmarshal(msg.Data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	envelope.Data = json.RawMessage(`"not-an-object"`)
	payload, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	msg.Data = payload

	if !service.processMessage(context.Background(), msg) {
		t.Fatal("non-object payloads must be acked and dropped")
	}
	if len(inserter.rows) != 0 {
		t.Fatal("non-object payloads must not be inserted")
	}
}

func TestProcessMessage_GuardErrorNacks(t *testing.T) {
	inserter := &fakeInserter{}
	guard := newFakeGuard()
	guard.checkErr = errors.New("redis down")
	service := testWorker(t, inserter, guard)

	msg, _ := billingMessage(t, nil)
	if service.processMessage(context.Background(), msg) {
		t.Fatal("expected nack while the idempotency store is unavailable")
	}
}
