// Команда dlq-reprocess переигрывает сообщения из DLQ: неопубликованные
// outbox-события аренд и подтверждения оплаты, которые не смог обработать consumer.
// Без -execute только печатает кандидатов.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/rms/internal/domain"
	"github.com/vladislavdragonenkov/rms/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/rms/internal/service/outbox"
)

const (
	defaultReplayLimit = 100
	defaultIdleTimeout = 2 * time.Second
	envKafkaBrokers    = "RMS_KAFKA_BROKERS"
)

var errSkip = errors.New("dlq record skipped")

type config struct {
	brokers     []string
	sourceTopic string
	targetTopic string
	limit       int
	execute     bool
	fromNewest  bool
	idleTimeout time.Duration
	// event_type outbox-событий и исходные топики consumer-сообщений; пусто: всё
	only map[string]bool
}

func (c config) accepts(kind string) bool {
	return len(c.only) == 0 || c.only[kind]
}

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionConsumerSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error { return s.consumer.Close() }

// dependencies: клиент Kafka для чтения DLQ и producer (только с -execute).
type dependencies struct {
	client   offsetClient
	source   partitionConsumerSource
	producer sarama.SyncProducer
}

func (d dependencies) close() {
	for _, c := range []io.Closer{d.producer, d.source, d.client} {
		if c != nil {
			_ = c.Close()
		}
	}
}

var connect = func(cfg config) (dependencies, error) {
	readCfg := sarama.NewConfig()
	readCfg.ClientID = "rms-dlq-reprocess"
	readCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(cfg.brokers, readCfg)
	if err != nil {
		return dependencies{}, fmt.Errorf("connect to kafka: %w", err)
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = client.Close()
		return dependencies{}, fmt.Errorf("create dlq reader: %w", err)
	}
	deps := dependencies{client: client, source: saramaSource{consumer: consumer}}
	if !cfg.execute {
		return deps, nil
	}

	writeCfg := sarama.NewConfig()
	writeCfg.ClientID = "rms-dlq-reprocess"
	writeCfg.Producer.RequiredAcks = sarama.WaitForAll
	writeCfg.Producer.Partitioner = sarama.NewHashPartitioner
	writeCfg.Producer.Return.Successes = true
	producer, err := sarama.NewSyncProducer(cfg.brokers, writeCfg)
	if err != nil {
		deps.close()
		return dependencies{}, fmt.Errorf("create replay producer: %w", err)
	}
	deps.producer = producer
	return deps, nil
}

func main() {
	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	if err := run(context.Background(), cfg); err != nil {
		log.WithError(err).Error("dlq replay failed")
		os.Exit(1)
	}
}

func parseConfig(args []string, getenv func(string) string) (config, error) {
	cfg := config{}
	var brokers, only string

	fs := flag.NewFlagSet("dlq-reprocess", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&brokers, "brokers", "", "comma-separated Kafka brokers (default $"+envKafkaBrokers+")")
	fs.StringVar(&cfg.sourceTopic, "source-topic", kafka.TopicDeadLetterQueue, "topic to read dead letters from")
	fs.StringVar(&cfg.targetTopic, "target-topic", kafka.TopicRentalEvents, "topic for replayed outbox events")
	fs.IntVar(&cfg.limit, "limit", defaultReplayLimit, "max dead letters to scan")
	fs.BoolVar(&cfg.execute, "execute", false, "publish replays instead of listing them")
	fs.BoolVar(&cfg.fromNewest, "from-newest", false, "scan the last -limit records of each partition")
	fs.DurationVar(&cfg.idleTimeout, "idle-timeout", defaultIdleTimeout, "stop reading a partition after this long without records")
	fs.StringVar(&only, "only", "", "comma-separated event types or original topics to replay")
	if err := fs.Parse(args); err != nil {
		return config{}, err
	}

	if strings.TrimSpace(brokers) == "" {
		brokers = getenv(envKafkaBrokers)
	}
	cfg.brokers = splitList(brokers)
	cfg.sourceTopic = strings.TrimSpace(cfg.sourceTopic)
	cfg.targetTopic = strings.TrimSpace(cfg.targetTopic)
	if kinds := splitList(only); len(kinds) > 0 {
		cfg.only = make(map[string]bool, len(kinds))
		for _, kind := range kinds {
			cfg.only[kind] = true
		}
	}

	return cfg, cfg.validate()
}

func (c config) validate() error {
	switch {
	case len(c.brokers) == 0:
		return fmt.Errorf("kafka brokers are required (-brokers or %s)", envKafkaBrokers)
	case c.sourceTopic == "":
		return errors.New("source-topic is required")
	case c.targetTopic == "":
		return errors.New("target-topic is required")
	case c.sourceTopic == c.targetTopic:
		return errors.New("source-topic and target-topic must differ")
	case c.limit <= 0:
		return errors.New("limit must be > 0")
	case c.idleTimeout <= 0:
		return errors.New("idle-timeout must be > 0")
	}
	return nil
}

func splitList(raw string) []string {
	var items []string
	for _, chunk := range strings.Split(raw, ",") {
		if item := strings.TrimSpace(chunk); item != "" {
			items = append(items, item)
		}
	}
	return items
}

func run(ctx context.Context, cfg config) error {
	deps, err := connect(cfg)
	if err != nil {
		return err
	}
	defer deps.close()

	stats, err := newReplayer(cfg, deps).replay(ctx)
	mode := "dry-run"
	if cfg.execute {
		mode = "execute"
	}
	log.WithFields(log.Fields{
		"mode":         mode,
		"source_topic": cfg.sourceTopic,
		"scanned":      stats.scanned,
		"replayed":     stats.replayed,
		"skipped":      stats.skipped,
	}).Info("dlq replay finished")
	return err
}

type replayStats struct {
	scanned  int
	replayed int
	skipped  int
}

type replayer struct {
	cfg      config
	client   offsetClient
	source   partitionConsumerSource
	producer *kafka.Producer
	stats    replayStats
}

func newReplayer(cfg config, deps dependencies) *replayer {
	r := &replayer{cfg: cfg, client: deps.client, source: deps.source}
	if deps.producer != nil {
		r.producer = kafka.NewProducerFromSync(deps.producer, log.WithField("component", "dlq-reprocess"))
	}
	return r
}

// replay читает партиции по возрастанию номера, пока не наберёт cfg.limit записей.
func (r *replayer) replay(ctx context.Context) (replayStats, error) {
	if r.client == nil || r.source == nil {
		return r.stats, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.producer == nil {
		return r.stats, errors.New("producer is required in execute mode")
	}

	partitions, err := r.client.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return r.stats, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		left := r.cfg.limit - r.stats.scanned
		if left <= 0 {
			break
		}
		if err := r.scanPartition(ctx, partition, left); err != nil {
			return r.stats, err
		}
	}
	return r.stats, nil
}

// scanPartition читает записи, которые были в партиции на момент старта.
func (r *replayer) scanPartition(ctx context.Context, partition int32, limit int) error {
	oldest, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	end, err := r.client.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if end <= oldest {
		return nil
	}

	start := oldest
	if r.cfg.fromNewest && end-int64(limit) > oldest {
		start = end - int64(limit)
	}

	pc, err := r.source.ConsumePartition(r.cfg.sourceTopic, partition, start)
	if err != nil {
		return fmt.Errorf("read partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()

	for read := 0; read < limit; {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			return nil
		case cerr := <-pc.Errors():
			if cerr != nil {
				return fmt.Errorf("partition %d: %w", partition, cerr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= end {
				return nil
			}
			idle.Reset(r.cfg.idleTimeout)
			read++
			r.stats.scanned++

			switch err := r.handle(msg); {
			case errors.Is(err, errSkip):
				r.stats.skipped++
			case err != nil:
				return err
			default:
				r.stats.replayed++
			}
			if msg.Offset+1 >= end {
				return nil
			}
		}
	}
	return nil
}

func (r *replayer) handle(msg *sarama.ConsumerMessage) error {
	logger := log.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	c, err := decodeDeadLetter(msg, r.cfg.targetTopic)
	if err != nil {
		if !errors.Is(err, errSkip) {
			logger.WithError(err).Warn("unreadable dlq record")
		}
		return errSkip
	}
	if !r.cfg.accepts(c.kind) {
		return errSkip
	}

	logger = logger.WithFields(log.Fields{"kind": c.kind, "topic": c.topic, "key": c.key()})
	if !r.cfg.execute {
		logger.Info("dlq replay candidate")
		return nil
	}
	if err := c.publish(r.producer); err != nil {
		return fmt.Errorf("replay %s record: %w", c.kind, err)
	}
	logger.Info("dlq record replayed")
	return nil
}

// candidate: восстановленное из DLQ сообщение. Outbox-событие публикуется
// тем же OutboxTopicPublisher, что и в сервисе; сообщение consumer
// возвращается в исходный топик как было.
type candidate struct {
	kind   string
	topic  string
	event  *domain.OutboxMessage
	rawKey string
	raw    json.RawMessage
}

func (c candidate) key() string {
	if c.event != nil {
		return c.event.AggregateType + "-" + c.event.AggregateID
	}
	return c.rawKey
}

func (c candidate) publish(producer *kafka.Producer) error {
	if producer == nil {
		return errors.New("producer is nil")
	}
	if c.event != nil {
		return kafka.NewOutboxPublisher(producer, c.topic).Publish(*c.event)
	}
	return producer.Send(kafka.Record{Topic: c.topic, Key: c.rawKey, Value: c.raw})
}

// decodeDeadLetter узнаёт запись DLQ consumer-а или outbox-воркера.
// Прочие записи возвращают errSkip.
func decodeDeadLetter(msg *sarama.ConsumerMessage, outboxTopic string) (candidate, error) {
	var failed kafka.ConsumerDeadLetter
	if err := json.Unmarshal(msg.Value, &failed); err == nil && failed.OriginalValue != "" {
		if !json.Valid([]byte(failed.OriginalValue)) {
			return candidate{}, errors.New("original value is not JSON")
		}
		topic := firstNonEmpty(failed.OriginalTopic, header(msg, kafka.HeaderOriginalTopic), outboxTopic)
		return candidate{
			kind:   topic,
			topic:  topic,
			rawKey: failed.OriginalKey,
			raw:    json.RawMessage(failed.OriginalValue),
		}, nil
	}

	var relayed kafka.RelayedEvent
	if err := json.Unmarshal(msg.Value, &relayed); err != nil || len(relayed.Payload) == 0 {
		return candidate{}, errSkip
	}
	var letter outbox.DeadLetter
	if err := json.Unmarshal(relayed.Payload, &letter); err != nil {
		return candidate{}, fmt.Errorf("decode outbox dead letter: %w", err)
	}
	if len(letter.Payload) == 0 {
		return candidate{}, errors.New("outbox dead letter has no event payload")
	}

	event := domain.OutboxMessage{
		ID:            firstNonEmpty(letter.OutboxID, relayed.OutboxID),
		AggregateType: firstNonEmpty(letter.AggregateType, relayed.AggregateType),
		AggregateID:   firstNonEmpty(letter.AggregateID, relayed.AggregateID),
		EventType:     firstNonEmpty(letter.EventType, relayed.EventType),
		Payload:       []byte(letter.Payload),
	}
	return candidate{kind: event.EventType, topic: outboxTopic, event: &event}, nil
}

func header(msg *sarama.ConsumerMessage, key string) string {
	for _, h := range msg.Headers {
		if h != nil && string(h.Key) == key {
			return string(h.Value)
		}
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
