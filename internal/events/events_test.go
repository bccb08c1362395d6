package events

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/signalcraft/signalcraft-correlator/internal/models"
)

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

type fakeReader struct {
	queue     []kafka.Message
	committed []kafka.Message
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if len(r.queue) == 0 {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	msg := r.queue[0]
	r.queue = r.queue[1:]
	return msg, nil
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *fakeReader) Close() error { return nil }

func TestParseBrokers(t *testing.T) {
	assert.Nil(t, ParseBrokers(""))
	assert.Equal(t, []string{"a:9092", "b:9092"}, ParseBrokers(" a:9092 , b:9092,"))
}

func TestConstructorsValidate(t *testing.T) {
	_, err := NewProducer(nil, "", "topic")
	assert.EqualError(t, err, "brokers cannot be empty")
	_, err = NewProducer(nil, "localhost:9092", "")
	assert.EqualError(t, err, "topic cannot be empty")
	_, err = NewConsumer(nil, "localhost:9092", "topic", "")
	assert.EqualError(t, err, "groupID cannot be empty")

	p, err := NewProducer(nil, "localhost:9092", "incident-groups.changed")
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestProducerKeysByWorkspace(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, topic: "facts", logger: discardLogger()}

	fact := models.GroupChanged{WorkspaceID: "ws-1", GroupID: "g-1", Count: 3, Created: true}
	require.NoError(t, p.Publish(context.Background(), fact))
	require.Len(t, w.msgs, 1)
	assert.Equal(t, "ws-1", string(w.msgs[0].Key))
	assert.Equal(t, eventGroupChanged, header(w.msgs[0], eventTypeHeader))

	var decoded models.GroupChanged
	require.NoError(t, json.Unmarshal(w.msgs[0].Value, &decoded))
	assert.Equal(t, fact, decoded)

	w.err = errors.New("broker down")
	assert.ErrorContains(t, p.Publish(context.Background(), fact), "broker down")
}

func TestAlertRoundTripThroughConsumer(t *testing.T) {
	w := &fakeWriter{}
	p := &Producer{writer: w, topic: "alerts", logger: discardLogger()}
	alert := models.NormalizedAlert{
		Source:      "sentry",
		Project:     "api",
		Environment: "prod",
		Fingerprint: "fp",
		Severity:    "error",
		OccurredAt:  time.Date(2024, 6, 3, 9, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.PublishAlert(context.Background(), AlertMessage{WorkspaceID: "ws-1", Alert: alert}))

	r := &fakeReader{queue: w.msgs}
	c := &Consumer{reader: r, topic: "alerts", logger: discardLogger()}
	decoded, raw, err := c.ReadMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "ws-1", decoded.WorkspaceID)
	assert.Equal(t, alert, decoded.Alert)

	require.NoError(t, c.CommitMessage(context.Background(), raw))
	assert.Len(t, r.committed, 1)
}

func TestDecodeAlertFailures(t *testing.T) {
	_, err := DecodeAlert(kafka.Message{Value: []byte("{not json")})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = DecodeAlert(kafka.Message{Value: []byte(`{"alert":{}}`)})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	msg, err := DecodeAlert(kafka.Message{Key: []byte("ws-key"), Value: []byte(`{"alert":{"source":"x"}}`)})
	require.NoError(t, err)
	assert.Equal(t, "ws-key", msg.WorkspaceID)

	_, err = DecodeAlert(kafka.Message{
		Value:   []byte(`{"workspaceId":"ws"}`),
		Headers: []kafka.Header{{Key: eventTypeHeader, Value: []byte(eventGroupChanged)}},
	})
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestConsumerReadHonoursContext(t *testing.T) {
	c := &Consumer{reader: &fakeReader{}, topic: "alerts", logger: discardLogger()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err := c.ReadMessage(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
