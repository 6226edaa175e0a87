package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"optiontrader/internal/metrics"
	"optiontrader/internal/model"
)

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func testProducer(w *fakeWriter, m *metrics.Metrics) *Producer {
	return newProducer(w, &ProducerConfig{
		Topic: "optiontrader.events",
		Kinds: []model.EventKind{model.EventSignal, model.EventTrade},
	}, m)
}

func TestNewProducerRequiresBrokersAndTopic(t *testing.T) {
	_, err := NewProducer(nil, WithTopic("x"))
	assert.Error(t, err)

	_, err = NewProducer(nil, WithBrokers("localhost:9092"))
	assert.Error(t, err)

	p, err := NewProducer(nil, WithBrokers("localhost:9092"), WithTopic("x"), WithCompression("zstd"))
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestPublishFiltersKinds(t *testing.T) {
	w := &fakeWriter{}
	p := testProducer(w, nil)
	ctx := context.Background()

	require.NoError(t, p.Publish(ctx, model.Event{Kind: model.EventLTP, Token: 1}))
	require.NoError(t, p.Publish(ctx, model.Event{Kind: model.EventSignal, Token: 256265,
		Signal: &model.Signal{Type: model.Buy, Price: 105}}))

	require.Len(t, w.msgs, 1)
	assert.Equal(t, "256265", string(w.msgs[0].Key))
	assert.Contains(t, string(w.msgs[0].Value), `"kind":"signal"`)
}

func TestMessageHeaders(t *testing.T) {
	id := uuid.MustParse("4b1c2d3e-0000-4000-8000-000000000001")
	at := time.Date(2026, 3, 2, 12, 36, 5, 0, time.UTC)
	msg := Message(model.Event{Kind: model.EventTrade, Token: 9001, Time: at,
		Trade: &model.SimTrade{ReplayID: id, EntryPrice: 50}})

	require.Len(t, msg.Headers, 2)
	assert.Equal(t, "kind", msg.Headers[0].Key)
	assert.Equal(t, "trade", string(msg.Headers[0].Value))
	assert.Equal(t, id.String(), string(msg.Headers[1].Value))
	assert.True(t, msg.Time.Equal(at))
}

func TestPublishCountsErrors(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	m := metrics.Discard()
	p := testProducer(w, m)

	err := p.Publish(context.Background(), model.Event{Kind: model.EventTrade, Token: 9001, Trade: &model.SimTrade{}})
	assert.ErrorContains(t, err, "broker down")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.KafkaWriteErrors))
}

func TestCloseClosesWriter(t *testing.T) {
	w := &fakeWriter{}
	require.NoError(t, testProducer(w, nil).Close())
	assert.True(t, w.closed)
}
