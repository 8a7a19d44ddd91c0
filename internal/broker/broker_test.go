package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipelineNames(t *testing.T) {
	assert.Equal(t, "PipeLine_0", PipelineRouteKey(0))
	assert.Equal(t, "PipeLine_3", PipelineRouteKey(3))
	assert.Equal(t, "pipeline_2_face_data", PipelineFaceQueue(2))
	assert.Equal(t, "pipeline_2_phone_data", PipelinePhoneQueue(2))
}

func TestAckDecisionString(t *testing.T) {
	assert.Equal(t, "ack", Ack.String())
	assert.Equal(t, "drop", Drop.String())
	assert.Equal(t, "requeue", Requeue.String())
}

type fakeChannel struct {
	failures  int
	published []amqp.Publishing
	closed    int
}

func (f *fakeChannel) PublishWithContext(_ context.Context, _, _ string, _, _ bool, msg amqp.Publishing) error {
	if f.failures > 0 {
		f.failures--
		return errors.New("channel blown")
	}
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeChannel) Close() error {
	f.closed++
	return nil
}

func newTestPublisher(ch *fakeChannel) (*Publisher, *int) {
	opens := 0
	p := &Publisher{
		logger:      zerolog.Nop(),
		maxAttempts: defaultMaxAttempts,
		backoff:     time.Millisecond,
		openChannel: func() (publishChannel, error) {
			opens++
			return ch, nil
		},
	}
	return p, &opens
}

func TestPublishFirstTry(t *testing.T) {
	ch := &fakeChannel{}
	p, opens := newTestPublisher(ch)

	err := p.PublishQueue(context.Background(), QueueClientsData, []byte(`{}`))
	require.NoError(t, err)
	assert.Equal(t, 1, *opens)
	require.Len(t, ch.published, 1)
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.Equal(t, uint8(amqp.Persistent), ch.published[0].DeliveryMode)
}

func TestPublishRetriesResetChannel(t *testing.T) {
	ch := &fakeChannel{failures: 2}
	p, opens := newTestPublisher(ch)

	err := p.Publish(context.Background(), ExchangeClientsData, PipelineRouteKey(0), []byte(`{}`))
	require.NoError(t, err)
	// two failed attempts, each closing and reopening the channel
	assert.Equal(t, 3, *opens)
	assert.Equal(t, 2, ch.closed)
	assert.Len(t, ch.published, 1)
}

func TestPublishExhaustsAttempts(t *testing.T) {
	ch := &fakeChannel{failures: 10}
	p, _ := newTestPublisher(ch)

	err := p.Publish(context.Background(), ExchangePipelineResults, RouteFaceResults, []byte(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Empty(t, ch.published)
}

func TestPublishHonorsContext(t *testing.T) {
	ch := &fakeChannel{failures: 10}
	p, _ := newTestPublisher(ch)
	p.backoff = time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := p.Publish(ctx, "", QueueActions, []byte(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

type fakeDelivery struct {
	acked    bool
	requeued *bool
}

func (f *fakeDelivery) Ack(bool) error {
	f.acked = true
	return nil
}

func (f *fakeDelivery) Nack(_ bool, requeue bool) error {
	f.requeued = &requeue
	return nil
}

func testConsumer(t *testing.T, h HandlerFunc) *Consumer {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		cfg:    ConsumerConfig{Queue: "q", Handler: h},
		logger: zerolog.Nop(),
		ctx:    ctx,
		cancel: cancel,
	}
}

func TestSettleDecisions(t *testing.T) {
	cases := []struct {
		name        string
		decision    AckDecision
		wantAck     bool
		wantRequeue *bool
	}{
		{"ack", Ack, true, nil},
		{"drop", Drop, false, boolPtr(false)},
		{"requeue", Requeue, false, boolPtr(true)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := testConsumer(t, func(context.Context, []byte) AckDecision { return tc.decision })
			d := &fakeDelivery{}
			got := c.settle(d, []byte(`{}`))
			assert.Equal(t, tc.decision, got)
			assert.Equal(t, tc.wantAck, d.acked)
			if tc.wantRequeue == nil {
				assert.Nil(t, d.requeued)
			} else {
				require.NotNil(t, d.requeued)
				assert.Equal(t, *tc.wantRequeue, *d.requeued)
			}
		})
	}
}

func TestHandlerPanicDropsMessage(t *testing.T) {
	c := testConsumer(t, func(context.Context, []byte) AckDecision {
		panic("handler blew up")
	})
	d := &fakeDelivery{}
	got := c.settle(d, []byte(`{}`))
	assert.Equal(t, Drop, got)
	require.NotNil(t, d.requeued)
	assert.False(t, *d.requeued)

	_, dropped, _ := c.Counts()
	assert.Equal(t, int64(1), dropped)
}

func TestNewConsumerValidation(t *testing.T) {
	c := &Client{logger: zerolog.Nop()}
	_, err := c.NewConsumer(ConsumerConfig{Handler: func(context.Context, []byte) AckDecision { return Ack }})
	require.Error(t, err)
	_, err = c.NewConsumer(ConsumerConfig{Queue: "q"})
	require.Error(t, err)

	consumer, err := c.NewConsumer(ConsumerConfig{
		Queue:   "q",
		Handler: func(context.Context, []byte) AckDecision { return Ack },
	})
	require.NoError(t, err)
	assert.Equal(t, 1, consumer.cfg.Prefetch)
}

func boolPtr(b bool) *bool { return &b }
