package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/rms/internal/messaging/kafka"
)

const confirmationLetter = `{"original_topic":"rms.payment.confirmations","original_key":"TX-1","original_value":"{\"transaction_code\":\"TX-1\"}","attempts":3}`

// outboxLetter строит запись так, как её кладёт в DLQ outbox-воркер.
func outboxLetter(t *testing.T, eventType string) []byte {
	t.Helper()
	inner, err := json.Marshal(map[string]any{
		"outbox_id":      "outbox-1",
		"aggregate_type": "rental",
		"aggregate_id":   "42",
		"event_type":     eventType,
		"payload":        map[string]any{"rental_id": 42, "status": "ongoing"},
		"publish_error":  "timeout",
		"attempts":       3,
	})
	require.NoError(t, err)
	raw, err := json.Marshal(kafka.RelayedEvent{
		OutboxID:      "outbox-1",
		AggregateType: "rental",
		AggregateID:   "42",
		EventType:     eventType,
		Payload:       inner,
	})
	require.NoError(t, err)
	return raw
}

func env(values map[string]string) func(string) string {
	return func(key string) string { return values[key] }
}

func headersOf(msg *sarama.ProducerMessage) map[string]string {
	out := map[string]string{}
	for _, h := range msg.Headers {
		out[string(h.Key)] = string(h.Value)
	}
	return out
}

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := parseConfig(nil, env(map[string]string{envKafkaBrokers: " broker-1:9092, ,broker-2:9092 "}))
	require.NoError(t, err)

	assert.Equal(t, []string{"broker-1:9092", "broker-2:9092"}, cfg.brokers)
	assert.Equal(t, kafka.TopicDeadLetterQueue, cfg.sourceTopic)
	assert.Equal(t, kafka.TopicRentalEvents, cfg.targetTopic)
	assert.Equal(t, defaultReplayLimit, cfg.limit)
	assert.Equal(t, defaultIdleTimeout, cfg.idleTimeout)
	assert.False(t, cfg.execute)
	assert.True(t, cfg.accepts("order.requested"))
}

func TestParseConfig_FlagsOverrideEnv(t *testing.T) {
	cfg, err := parseConfig([]string{
		"-brokers=broker-1:9092",
		"-limit=10",
		"-execute",
		"-from-newest",
		"-idle-timeout=3s",
		"-only=order.requested, rms.payment.confirmations",
	}, env(map[string]string{envKafkaBrokers: "ignored:9092"}))
	require.NoError(t, err)

	assert.Equal(t, []string{"broker-1:9092"}, cfg.brokers)
	assert.Equal(t, 10, cfg.limit)
	assert.True(t, cfg.execute)
	assert.True(t, cfg.fromNewest)
	assert.Equal(t, 3*time.Second, cfg.idleTimeout)
	assert.True(t, cfg.accepts("rms.payment.confirmations"))
	assert.False(t, cfg.accepts("rental.status_changed"))
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := map[string]struct {
		args []string
		want string
	}{
		"no brokers":   {[]string{"-brokers="}, "kafka brokers are required"},
		"no source":    {[]string{"-brokers=b:9092", "-source-topic= "}, "source-topic is required"},
		"no target":    {[]string{"-brokers=b:9092", "-target-topic="}, "target-topic is required"},
		"same topics":  {[]string{"-brokers=b:9092", "-target-topic=rms.dlq"}, "must differ"},
		"zero limit":   {[]string{"-brokers=b:9092", "-limit=0"}, "limit must be > 0"},
		"zero idle":    {[]string{"-brokers=b:9092", "-idle-timeout=0s"}, "idle-timeout must be > 0"},
		"unknown flag": {[]string{"-brokers=b:9092", "-unknown"}, "flag provided but not defined"},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := parseConfig(tt.args, env(nil))
			assert.ErrorContains(t, err, tt.want)
		})
	}
}

func TestDecodeDeadLetter_ConsumerRecord(t *testing.T) {
	c, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: []byte(confirmationLetter)}, "fallback")
	require.NoError(t, err)

	assert.Equal(t, kafka.TopicPaymentConfirmations, c.topic)
	assert.Equal(t, kafka.TopicPaymentConfirmations, c.kind)
	assert.Equal(t, "TX-1", c.key())
	assert.JSONEq(t, `{"transaction_code":"TX-1"}`, string(c.raw))
	assert.Nil(t, c.event)
}

func TestDecodeDeadLetter_TopicFromHeader(t *testing.T) {
	msg := &sarama.ConsumerMessage{
		Value:   []byte(`{"original_key":"TX-2","original_value":"{}"}`),
		Headers: []*sarama.RecordHeader{{Key: []byte(kafka.HeaderOriginalTopic), Value: []byte("rms.payment.confirmations")}},
	}

	c, err := decodeDeadLetter(msg, "fallback")
	require.NoError(t, err)
	assert.Equal(t, "rms.payment.confirmations", c.topic)
}

func TestDecodeDeadLetter_OutboxRecord(t *testing.T) {
	c, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: outboxLetter(t, "rental.status_changed")}, kafka.TopicRentalEvents)
	require.NoError(t, err)

	require.NotNil(t, c.event)
	assert.Equal(t, kafka.TopicRentalEvents, c.topic)
	assert.Equal(t, "rental.status_changed", c.kind)
	assert.Equal(t, "rental-42", c.key())
	assert.Equal(t, "outbox-1", c.event.ID)
	assert.JSONEq(t, `{"rental_id":42,"status":"ongoing"}`, string(c.event.Payload))
}

func TestDecodeDeadLetter_Rejected(t *testing.T) {
	noEvent, err := json.Marshal(kafka.RelayedEvent{OutboxID: "outbox-1", Payload: json.RawMessage(`{"outbox_id":"outbox-1"}`)})
	require.NoError(t, err)

	_, err = decodeDeadLetter(&sarama.ConsumerMessage{Value: noEvent}, "t")
	assert.ErrorContains(t, err, "no event payload")

	_, err = decodeDeadLetter(&sarama.ConsumerMessage{Value: []byte(`{"original_value":"not json"}`)}, "t")
	assert.ErrorContains(t, err, "not JSON")

	for _, raw := range []string{`{"foo":"bar"}`, `not json`} {
		_, err = decodeDeadLetter(&sarama.ConsumerMessage{Value: []byte(raw)}, "t")
		assert.ErrorIs(t, err, errSkip, raw)
	}
}

func TestCandidatePublish_OutboxEventKeepsPartitionKey(t *testing.T) {
	c, err := decodeDeadLetter(&sarama.ConsumerMessage{Value: outboxLetter(t, "order.requested")}, kafka.TopicRentalEvents)
	require.NoError(t, err)

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		key, _ := msg.Key.Encode()
		assert.Equal(t, "rental-42", string(key))
		assert.Equal(t, "order.requested", headersOf(msg)[kafka.HeaderEventType])
		return nil
	})

	require.NoError(t, c.publish(kafka.NewProducerFromSync(sp, nil)))
	require.NoError(t, sp.Close())
	assert.Error(t, c.publish(nil))
}

func TestScanPartition_DryRun(t *testing.T) {
	r := &replayer{
		cfg:    config{sourceTopic: "rms.dlq", targetTopic: "rms.rental.events", idleTimeout: 20 * time.Millisecond},
		client: &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}},
		source: &stubSource{consumers: map[int32]partitionConsumer{
			0: drainedPartition(&sarama.ConsumerMessage{Offset: 0, Value: []byte(confirmationLetter)}),
		}},
	}

	require.NoError(t, r.scanPartition(context.Background(), 0, 10))
	assert.Equal(t, replayStats{scanned: 1, replayed: 1}, r.stats)
}

func TestScanPartition_ExecuteWithFilter(t *testing.T) {
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		assert.Equal(t, "rms.rental.events", msg.Topic)
		return nil
	})

	source := &stubSource{consumers: map[int32]partitionConsumer{
		0: drainedPartition(
			&sarama.ConsumerMessage{Offset: 0, Value: outboxLetter(t, "order.requested")},
			&sarama.ConsumerMessage{Offset: 1, Value: outboxLetter(t, "rental.status_changed")},
			&sarama.ConsumerMessage{Offset: 2, Value: []byte(`{"foo":"bar"}`)},
		),
	}}
	cfg := config{
		sourceTopic: "rms.dlq",
		targetTopic: "rms.rental.events",
		execute:     true,
		fromNewest:  true,
		idleTimeout: 20 * time.Millisecond,
		only:        map[string]bool{"order.requested": true},
	}
	r := newReplayer(cfg, dependencies{
		client:   &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 3}}},
		source:   source,
		producer: sp,
	})

	require.NoError(t, r.scanPartition(context.Background(), 0, 10))
	assert.Equal(t, replayStats{scanned: 3, replayed: 1, skipped: 2}, r.stats)
	assert.Equal(t, int64(0), source.calls[0].offset, "from-newest start is clamped to the oldest offset")
	require.NoError(t, sp.Close())
}

func TestScanPartition_Errors(t *testing.T) {
	cfg := config{sourceTopic: "rms.dlq", targetTopic: "rms.rental.events", execute: true, idleTimeout: 20 * time.Millisecond}

	r := &replayer{cfg: cfg, client: &stubOffsetClient{offsetErr: errors.New("offset failed")}, source: &stubSource{}}
	assert.Error(t, r.scanPartition(context.Background(), 0, 1))

	r = &replayer{cfg: cfg, client: &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 5, newest: 5}}}, source: &stubSource{}}
	require.NoError(t, r.scanPartition(context.Background(), 0, 1))
	assert.Zero(t, r.stats.scanned)

	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}
	r = &replayer{cfg: cfg, client: client, source: &stubSource{consumeErr: errors.New("consume failed")}}
	assert.Error(t, r.scanPartition(context.Background(), 0, 1))

	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	r = newReplayer(cfg, dependencies{
		client: client,
		source: &stubSource{consumers: map[int32]partitionConsumer{
			0: drainedPartition(&sarama.ConsumerMessage{Offset: 0, Value: []byte(confirmationLetter)}),
		}},
		producer: sp,
	})
	assert.ErrorIs(t, r.scanPartition(context.Background(), 0, 1), sarama.ErrOutOfBrokers)
	require.NoError(t, sp.Close())
}

func TestScanPartition_IdleAndCancel(t *testing.T) {
	cfg := config{sourceTopic: "rms.dlq", targetTopic: "rms.rental.events", idleTimeout: 10 * time.Millisecond}
	client := &stubOffsetClient{offsets: map[int32]offsetRange{0: {oldest: 0, newest: 2}}}

	idle := openPartition()
	r := &replayer{cfg: cfg, client: client, source: &stubSource{consumers: map[int32]partitionConsumer{0: idle}}}
	require.NoError(t, r.scanPartition(context.Background(), 0, 1))
	assert.Zero(t, r.stats.scanned)
	assert.True(t, idle.closed)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r = &replayer{cfg: cfg, client: client, source: &stubSource{consumers: map[int32]partitionConsumer{0: openPartition()}}}
	assert.ErrorIs(t, r.scanPartition(ctx, 0, 1), context.Canceled)
}

func TestReplay_StopsAtLimit(t *testing.T) {
	cfg := config{sourceTopic: "rms.dlq", targetTopic: "rms.rental.events", limit: 1, idleTimeout: 20 * time.Millisecond}

	_, err := newReplayer(cfg, dependencies{}).replay(context.Background())
	assert.Error(t, err)

	client := &stubOffsetClient{
		partitions: []int32{2, 0},
		offsets:    map[int32]offsetRange{0: {oldest: 0, newest: 2}, 2: {oldest: 0, newest: 2}},
	}
	source := &stubSource{consumers: map[int32]partitionConsumer{
		0: drainedPartition(&sarama.ConsumerMessage{Offset: 0, Value: []byte(confirmationLetter)}),
		2: drainedPartition(&sarama.ConsumerMessage{Partition: 2, Offset: 0, Value: []byte(confirmationLetter)}),
	}}

	stats, err := newReplayer(cfg, dependencies{client: client, source: source}).replay(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.scanned)
	require.Len(t, source.calls, 1)
	assert.Equal(t, int32(0), source.calls[0].partition)

	execute := cfg
	execute.execute = true
	_, err = newReplayer(execute, dependencies{client: client, source: source}).replay(context.Background())
	assert.ErrorContains(t, err, "producer is required")

	_, err = newReplayer(cfg, dependencies{client: &stubOffsetClient{}, source: source}).replay(context.Background())
	assert.NoError(t, err)
	_, err = newReplayer(cfg, dependencies{client: &stubOffsetClient{partitionsErr: errors.New("boom")}, source: source}).replay(context.Background())
	assert.Error(t, err)
}

func TestRun_ClosesDependencies(t *testing.T) {
	saved := connect
	defer func() { connect = saved }()

	cfg := config{sourceTopic: "rms.dlq", targetTopic: "rms.rental.events", limit: 1, execute: true, idleTimeout: 20 * time.Millisecond}

	connect = func(config) (dependencies, error) { return dependencies{}, errors.New("deps failed") }
	assert.ErrorContains(t, run(context.Background(), cfg), "deps failed")

	client := &stubOffsetClient{partitions: []int32{0}, offsets: map[int32]offsetRange{0: {oldest: 0, newest: 1}}}
	source := &stubSource{consumers: map[int32]partitionConsumer{
		0: drainedPartition(&sarama.ConsumerMessage{Offset: 0, Value: []byte(confirmationLetter)}),
	}}
	sp := mocks.NewSyncProducer(t, nil)
	sp.ExpectSendMessageAndSucceed()
	connect = func(config) (dependencies, error) {
		return dependencies{client: client, source: source, producer: sp}, nil
	}

	require.NoError(t, run(context.Background(), cfg))
	assert.True(t, client.closed)
	assert.True(t, source.closed)
}

type offsetRange struct {
	oldest int64
	newest int64
}

type stubOffsetClient struct {
	partitions    []int32
	partitionsErr error
	offsets       map[int32]offsetRange
	offsetErr     error
	closed        bool
}

func (s *stubOffsetClient) GetOffset(_ string, partition int32, marker int64) (int64, error) {
	if s.offsetErr != nil {
		return 0, s.offsetErr
	}
	switch marker {
	case sarama.OffsetOldest:
		return s.offsets[partition].oldest, nil
	case sarama.OffsetNewest:
		return s.offsets[partition].newest, nil
	}
	return 0, fmt.Errorf("unsupported marker %d", marker)
}

func (s *stubOffsetClient) Partitions(string) ([]int32, error) {
	return append([]int32(nil), s.partitions...), s.partitionsErr
}

func (s *stubOffsetClient) Close() error {
	s.closed = true
	return nil
}

type consumeCall struct {
	partition int32
	offset    int64
}

type stubSource struct {
	consumers  map[int32]partitionConsumer
	consumeErr error
	calls      []consumeCall
	closed     bool
}

func (s *stubSource) ConsumePartition(_ string, partition int32, offset int64) (partitionConsumer, error) {
	s.calls = append(s.calls, consumeCall{partition: partition, offset: offset})
	if s.consumeErr != nil {
		return nil, s.consumeErr
	}
	if pc, ok := s.consumers[partition]; ok {
		return pc, nil
	}
	return nil, fmt.Errorf("partition %d not configured", partition)
}

func (s *stubSource) Close() error {
	s.closed = true
	return nil
}

type stubPartition struct {
	messages chan *sarama.ConsumerMessage
	errors   chan *sarama.ConsumerError
	closed   bool
}

func (s *stubPartition) Messages() <-chan *sarama.ConsumerMessage { return s.messages }
func (s *stubPartition) Errors() <-chan *sarama.ConsumerError     { return s.errors }
func (s *stubPartition) Close() error {
	s.closed = true
	return nil
}

func openPartition() *stubPartition {
	return &stubPartition{messages: make(chan *sarama.ConsumerMessage), errors: make(chan *sarama.ConsumerError)}
}

// drainedPartition отдаёт сообщения и закрывает канал, как в конце партиции.
func drainedPartition(messages ...*sarama.ConsumerMessage) *stubPartition {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		ch <- msg
	}
	close(ch)
	return &stubPartition{messages: ch, errors: make(chan *sarama.ConsumerError)}
}
