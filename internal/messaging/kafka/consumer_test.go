package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeGroup struct {
	mu       sync.Mutex
	sessions int
	consume  func(ctx context.Context, n int) error
	errs     chan error
	closeErr error
}

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	g.mu.Lock()
	g.sessions++
	n := g.sessions
	g.mu.Unlock()
	if g.consume != nil {
		return g.consume(ctx, n)
	}
	<-ctx.Done()
	return nil
}

func (g *fakeGroup) Errors() <-chan error { return g.errs }

func (g *fakeGroup) Close() error {
	close(g.errs)
	return g.closeErr
}

func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

func (g *fakeGroup) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessions
}

type fakeSession struct {
	ctx    context.Context
	marked []int64
}

func (s *fakeSession) Claims() map[string][]int32               { return nil }
func (s *fakeSession) MemberID() string                         { return "rms-1" }
func (s *fakeSession) GenerationID() int32                      { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string)  {}
func (s *fakeSession) Commit()                                  {}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) Context() context.Context                 { return s.ctx }
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.marked = append(s.marked, msg.Offset)
}

type fakeClaim struct {
	messages chan *sarama.ConsumerMessage
}

func (c *fakeClaim) Topic() string                            { return TopicPaymentConfirmations }
func (c *fakeClaim) Partition() int32                         { return 0 }
func (c *fakeClaim) InitialOffset() int64                     { return 0 }
func (c *fakeClaim) HighWaterMarkOffset() int64               { return 0 }
func (c *fakeClaim) Messages() <-chan *sarama.ConsumerMessage { return c.messages }

func claimOf(messages ...*sarama.ConsumerMessage) *fakeClaim {
	ch := make(chan *sarama.ConsumerMessage, len(messages))
	for _, msg := range messages {
		ch <- msg
	}
	close(ch)
	return &fakeClaim{messages: ch}
}

func confirmation(offset int64, code string, retries string) *sarama.ConsumerMessage {
	msg := &sarama.ConsumerMessage{
		Topic:  TopicPaymentConfirmations,
		Offset: offset,
		Key:    []byte(code),
		Value:  []byte(fmt.Sprintf(`{"transaction_code":%q,"gateway":"qr"}`, code)),
	}
	if retries != "" {
		msg.Headers = []*sarama.RecordHeader{{Key: []byte(HeaderRetryCount), Value: []byte(retries)}}
	}
	return msg
}

func quietLogger() *log.Entry {
	logger := log.New()
	logger.SetLevel(log.PanicLevel)
	return log.NewEntry(logger)
}

func testConsumer(handler MessageHandler, opts ...ConsumerOption) *Consumer {
	opts = append([]ConsumerOption{WithConsumerLogger(quietLogger()), WithRetryDelay(0)}, opts...)
	return newConsumer(&fakeGroup{errs: make(chan error)}, []string{TopicPaymentConfirmations}, handler, opts...)
}

func TestNewConsumer_UnreachableBroker(t *testing.T) {
	handler := func(context.Context, *sarama.ConsumerMessage) error { return nil }
	_, err := NewConsumer([]string{"invalid-broker:9092"}, "rms", []string{TopicPaymentConfirmations}, handler)
	require.Error(t, err)
}

func TestNewConsumer_Defaults(t *testing.T) {
	c := newConsumer(&fakeGroup{errs: make(chan error)}, nil, nil, WithMaxRetries(0), WithRetryDelay(-time.Second))

	assert.Equal(t, 1, c.maxRetries)
	assert.Equal(t, time.Duration(0), c.retryDelay)
	assert.Equal(t, TopicDeadLetterQueue, c.dlqTopic)
	assert.NotNil(t, c.logger)
}

func TestConsumeClaim_MarksHandledConfirmations(t *testing.T) {
	var codes []string
	c := testConsumer(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		event, err := ParsePaymentConfirmation(msg.Value)
		require.NoError(t, err)
		codes = append(codes, event.TransactionCode)
		return nil
	})

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claimOf(confirmation(10, "TX-1", ""), confirmation(11, "TX-2", ""))))

	assert.Equal(t, []string{"TX-1", "TX-2"}, codes)
	assert.Equal(t, []int64{10, 11}, session.marked)
}

func TestConsumeClaim_WithoutDLQStopsSessionAtFailedMessage(t *testing.T) {
	c := testConsumer(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		if string(msg.Key) == "TX-2" {
			return errors.New("ledger unavailable")
		}
		return nil
	}, WithMaxRetries(2))

	session := &fakeSession{ctx: context.Background()}
	err := c.ConsumeClaim(session, claimOf(
		confirmation(1, "TX-1", ""),
		confirmation(2, "TX-2", ""),
		confirmation(3, "TX-3", ""),
	))

	require.ErrorIs(t, err, errUndelivered)
	assert.Equal(t, []int64{1}, session.marked, "offsets after the failed message must not be committed")
}

func TestConsumeClaim_DeadLettersAndContinues(t *testing.T) {
	dlq := mocks.NewSyncProducer(t, nil)
	var letter ConsumerDeadLetter
	dlq.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "rms.custom.dlq" {
			return fmt.Errorf("unexpected dlq topic %s", msg.Topic)
		}
		body, err := msg.Value.Encode()
		if err != nil {
			return err
		}
		return json.Unmarshal(body, &letter)
	})

	c := testConsumer(func(_ context.Context, msg *sarama.ConsumerMessage) error {
		if string(msg.Key) == "TX-bad" {
			return fmt.Errorf("%w: unknown transaction", ErrNonRetryable)
		}
		return nil
	}, WithDeadLetter(NewProducerFromSync(dlq, quietLogger()), "rms.custom.dlq"), WithMaxRetries(5))

	session := &fakeSession{ctx: context.Background()}
	require.NoError(t, c.ConsumeClaim(session, claimOf(confirmation(7, "TX-bad", ""), confirmation(8, "TX-ok", ""))))
	require.NoError(t, dlq.Close())

	assert.Equal(t, []int64{7, 8}, session.marked)
	assert.Equal(t, TopicPaymentConfirmations, letter.OriginalTopic)
	assert.Equal(t, int64(7), letter.OriginalOffset)
	assert.Equal(t, "TX-bad", letter.OriginalKey)
	assert.Equal(t, 1, letter.Attempts, "non-retryable errors are not retried")
	assert.Contains(t, letter.Error, "unknown transaction")
}

func TestConsumeClaim_DLQFailureStopsSession(t *testing.T) {
	dlq := mocks.NewSyncProducer(t, nil)
	dlq.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		return errors.New("still failing")
	}, WithDeadLetter(NewProducerFromSync(dlq, quietLogger()), ""), WithMaxRetries(1))

	session := &fakeSession{ctx: context.Background()}
	err := c.ConsumeClaim(session, claimOf(confirmation(4, "TX-4", "")))
	require.NoError(t, dlq.Close())

	require.ErrorIs(t, err, errUndelivered)
	assert.Empty(t, session.marked)
}

func TestConsumeClaim_StopsOnSessionEnd(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error { return nil })

	done := make(chan error, 1)
	go func() {
		done <- c.ConsumeClaim(&fakeSession{ctx: ctx}, &fakeClaim{messages: make(chan *sarama.ConsumerMessage)})
	}()
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("ConsumeClaim did not stop after session end")
	}
}

func TestHandle_RespectsRetryHeader(t *testing.T) {
	tests := []struct {
		name         string
		header       string
		maxRetries   int
		wantCalls    int
		wantAttempts int
	}{
		{name: "fresh message", maxRetries: 3, wantCalls: 3, wantAttempts: 3},
		{name: "partly retried", header: "1", maxRetries: 3, wantCalls: 2, wantAttempts: 3},
		{name: "exhausted still tried once", header: "3", maxRetries: 3, wantCalls: 1, wantAttempts: 4},
		{name: "garbage header", header: "many", maxRetries: 2, wantCalls: 2, wantAttempts: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
				calls++
				return errors.New("temporary")
			}, WithMaxRetries(tt.maxRetries))

			attempts, err := c.handle(context.Background(), confirmation(1, "TX-1", tt.header), c.logger)
			require.Error(t, err)
			assert.Equal(t, tt.wantCalls, calls)
			assert.Equal(t, tt.wantAttempts, attempts)
		})
	}
}

func TestHandle_SucceedsAfterRetry(t *testing.T) {
	calls := 0
	c := testConsumer(func(context.Context, *sarama.ConsumerMessage) error {
		calls++
		if calls < 2 {
			return errors.New("ledger busy")
		}
		return nil
	}, WithMaxRetries(3))

	attempts, err := c.handle(context.Background(), confirmation(1, "TX-1", ""), c.logger)
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestConsumer_Backoff(t *testing.T) {
	c := testConsumer(nil, WithRetryDelay(100*time.Millisecond))

	assert.Equal(t, 100*time.Millisecond, c.backoff(1))
	assert.Equal(t, 400*time.Millisecond, c.backoff(3))
	assert.Equal(t, maxConsumerRetryDelay, c.backoff(10))
	assert.Equal(t, maxConsumerRetryDelay, c.backoff(40))
}

func TestConsumer_StartReconnectsAfterSessionFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	group := &fakeGroup{errs: make(chan error, 1)}
	group.consume = func(ctx context.Context, n int) error {
		if n == 1 {
			return errUndelivered
		}
		<-ctx.Done()
		return nil
	}
	c := newConsumer(group, []string{TopicPaymentConfirmations}, nil, WithConsumerLogger(quietLogger()), WithRetryDelay(time.Millisecond))

	group.errs <- errors.New("background error")
	require.NoError(t, c.Start(ctx))
	require.Eventually(t, func() bool { return group.count() >= 2 }, time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, c.Stop())
}

func TestConsumer_StopError(t *testing.T) {
	group := &fakeGroup{errs: make(chan error), closeErr: errors.New("close failed")}
	c := newConsumer(group, nil, nil, WithConsumerLogger(quietLogger()))

	require.Error(t, c.Stop())
}

func TestParsePaymentConfirmation(t *testing.T) {
	event, err := ParsePaymentConfirmation([]byte(`{"transaction_code":" tx-1 ","gateway":"qr"}`))
	require.NoError(t, err)
	assert.Equal(t, "qr", event.Gateway)

	_, err = ParsePaymentConfirmation([]byte(`{"gateway":"qr"}`))
	assert.Error(t, err, "missing transaction code")

	_, err = ParsePaymentConfirmation([]byte("{"))
	assert.Error(t, err)
}
