package kafka

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducer_SendSagaEvent(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var event SagaEvent
		if err := json.Unmarshal(val, &event); err != nil {
			return err
		}
		assert.Equal(t, "saga-1", event.SagaID)
		assert.Equal(t, EventTypeSagaStarted, event.EventType)
		return nil
	})

	producer := NewProducerFromSync(sync, nil)
	err := producer.Send(Record{
		Topic: TopicRentalEvents,
		Key:   "saga-1",
		Value: NewSagaEvent(EventTypeSagaStarted, "saga-1", map[string]interface{}{"user_id": 7}),
	})
	require.NoError(t, err)
	require.NoError(t, producer.Close())
}

func TestProducer_SendFailures(t *testing.T) {
	sync := mocks.NewSyncProducer(t, nil)
	sync.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	producer := NewProducerFromSync(sync, nil)

	err := producer.Send(Record{Topic: TopicRentalEvents, Key: "k", Value: map[string]int{"a": 1}})
	assert.ErrorIs(t, err, sarama.ErrOutOfBrokers)

	// не сериализуется, до брокера не доходит
	err = producer.Send(Record{Topic: TopicRentalEvents, Key: "k", Value: map[string]interface{}{"bad": make(chan int)}})
	assert.Error(t, err)

	require.NoError(t, sync.Close())
}

func TestProducer_Uninitialized(t *testing.T) {
	var producer *Producer
	assert.Error(t, producer.Send(Record{Topic: TopicRentalEvents}))
	assert.NoError(t, producer.Close())
}

func TestRecordHeaders_ContentTypeFirstAndSorted(t *testing.T) {
	headers := recordHeaders(map[string]string{
		HeaderRetryCount:  "2",
		HeaderContentType: "text/plain",
		HeaderEventType:   "rental.created",
	})

	keys := make([]string, len(headers))
	for i, h := range headers {
		keys[i] = string(h.Key)
	}
	assert.Equal(t, []string{HeaderContentType, HeaderEventType, HeaderRetryCount}, keys)
	assert.Equal(t, contentTypeJSON, string(headers[0].Value))
}

func TestNewSagaEvent(t *testing.T) {
	event := NewSagaEvent(EventTypeSagaCompensated, "saga-42", map[string]interface{}{"reason": "conflict"})

	assert.Equal(t, EventTypeSagaCompensated, event.EventType)
	assert.Equal(t, "saga-42", event.SagaID)
	assert.Equal(t, "conflict", event.Metadata["reason"])
	assert.Equal(t, time.UTC, event.Timestamp.Location())
	assert.WithinDuration(t, time.Now(), event.Timestamp, time.Second)
}
