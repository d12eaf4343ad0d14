package kafka

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const (
	clientID = "rms"

	HeaderContentType = "content-type"
	contentTypeJSON   = "application/json"
)

// Record: сообщение для отправки. Value сериализуется в JSON; сообщения с
// одинаковым Key попадают в одну партицию и читаются по порядку.
type Record struct {
	Topic   string
	Key     string
	Value   any
	Headers map[string]string
}

// Producer: синхронный producer с подтверждением от всех реплик.
type Producer struct {
	producer sarama.SyncProducer
	logger   *log.Entry
}

// NewProducer подключается к брокерам. Идемпотентный режим и hash-партиционер
// сохраняют порядок событий одной аренды при повторных отправках.
func NewProducer(brokers []string, logger *log.Entry) (*Producer, error) {
	config := sarama.NewConfig()
	config.ClientID = clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}
	return NewProducerFromSync(producer, logger), nil
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer (в тестах mocks.SyncProducer).
func NewProducerFromSync(producer sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{producer: producer, logger: logger}
}

// Send сериализует и отправляет запись, дожидаясь подтверждения брокера.
func (p *Producer) Send(rec Record) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka producer is not initialized")
	}

	body, err := json.Marshal(rec.Value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s record: %w", rec.Topic, err)
	}

	msg := &sarama.ProducerMessage{
		Topic:     rec.Topic,
		Key:       sarama.StringEncoder(rec.Key),
		Value:     sarama.ByteEncoder(body),
		Headers:   recordHeaders(rec.Headers),
		Timestamp: time.Now().UTC(),
	}

	partition, offset, err := p.producer.SendMessage(msg)
	logger := p.logger.WithFields(log.Fields{"topic": rec.Topic, "key": rec.Key})
	if err != nil {
		logger.WithError(err).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message to %s: %w", rec.Topic, err)
	}
	logger.WithFields(log.Fields{"partition": partition, "offset": offset}).Debug("message sent to kafka")
	return nil
}

func (p *Producer) Close() error {
	if p == nil || p.producer == nil {
		return nil
	}
	if err := p.producer.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}

// recordHeaders добавляет content-type и упорядочивает заголовки по ключу.
func recordHeaders(extra map[string]string) []sarama.RecordHeader {
	keys := make([]string, 0, len(extra)+1)
	for k := range extra {
		if k != HeaderContentType {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	headers := make([]sarama.RecordHeader, 0, len(keys)+1)
	headers = append(headers, sarama.RecordHeader{Key: []byte(HeaderContentType), Value: []byte(contentTypeJSON)})
	for _, k := range keys {
		headers = append(headers, sarama.RecordHeader{Key: []byte(k), Value: []byte(extra[k])})
	}
	return headers
}
