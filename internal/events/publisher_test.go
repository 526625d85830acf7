// ABOUTME: Tests for the Kafka change publisher
// ABOUTME: Uses sarama mocks to check keys, headers, payloads and failure handling

package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nainya/resourcestore/pkg/resource"
	"github.com/nainya/resourcestore/pkg/store"
)

type countingRecorder map[string]int

func (c countingRecorder) RecordEventPublished(status string) { c[status]++ }

func headerMap(headers []sarama.RecordHeader) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func TestPublishEncodesEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	defer func() { _ = producer.Close() }()

	var got *sarama.ProducerMessage
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		got = msg
		return nil
	})

	rec := countingRecorder{}
	p := NewPublisher(producer, "resource-changes", nil, rec)

	ev := store.ChangeEvent{
		Type:        store.EventCreate,
		Reference:   resource.Reference{Type: "Patient", ID: "p1"},
		VersionID:   "7",
		LastUpdated: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		Resource:    resource.Resource{"resourceType": "Patient", "id": "p1"},
	}
	require.NoError(t, p.Publish(context.Background(), ev))
	require.NotNil(t, got)

	assert.Equal(t, "resource-changes", got.Topic)
	key, err := got.Key.Encode()
	require.NoError(t, err)
	assert.Equal(t, "Patient/p1", string(key))

	assert.Equal(t, map[string]string{
		HeaderEventType:    "create",
		HeaderResourceType: "Patient",
		HeaderVersionID:    "7",
	}, headerMap(got.Headers))

	value, err := got.Value.Encode()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(value, &msg))
	assert.Equal(t, store.EventCreate, msg.Type)
	assert.Equal(t, "p1", msg.ID)
	assert.Equal(t, "2024-01-02T03:04:05Z", msg.LastUpdated)
	assert.Equal(t, "Patient", msg.Resource.ResourceType())

	assert.Equal(t, 1, rec["ok"])
}

func TestPublishFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	defer func() { _ = producer.Close() }()
	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	rec := countingRecorder{}
	p := NewPublisher(producer, "resource-changes", nil, rec)

	err := p.Publish(context.Background(), store.ChangeEvent{
		Type:      store.EventDelete,
		Reference: resource.Reference{Type: "Patient", ID: "p1"},
		VersionID: "9",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
	assert.Equal(t, 1, rec["error"])
}

func TestListenerPublishesStoreWrites(t *testing.T) {
	producer := mocks.NewSyncProducer(t, mocks.NewTestConfig())
	defer func() { _ = producer.Close() }()

	var types []string
	check := func(msg *sarama.ProducerMessage) error {
		types = append(types, headerMap(msg.Headers)[HeaderEventType])
		return nil
	}
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check)
	producer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(check)
	producer.ExpectSendMessageAndFail(errors.New("broker down"))

	p := NewPublisher(producer, "resource-changes", nil, nil)
	st := store.New()
	st.OnChange(p.Listener())

	ctx := context.Background()
	rec, err := st.Create(ctx, "Patient", resource.Resource{"resourceType": "Patient"})
	require.NoError(t, err)

	_, err = st.Update(ctx, "Patient", rec.ID, resource.Resource{"resourceType": "Patient", "id": rec.ID, "active": true})
	require.NoError(t, err)

	// a publish failure never fails the write
	require.NoError(t, st.Delete(ctx, "Patient", rec.ID))

	assert.Equal(t, []string{"create", "update"}, types)
}
