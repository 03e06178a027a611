package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xtrntr/tokenexchange/internal/models"
	"go.uber.org/zap"
)

func testEvent(seq uint64) models.Event {
	return models.Event{
		Kind:          models.Purchased,
		Account:       common.HexToAddress("0x1111111111111111111111111111111111111111"),
		AssetAmount:   uint256.NewInt(1000),
		CounterAmount: uint256.NewInt(1),
		Sequence:      seq,
	}
}

func TestFromEvent(t *testing.T) {
	msg := FromEvent(testEvent(3))
	assert.Equal(t, Message{
		Kind:          "purchased",
		Account:       "0x1111111111111111111111111111111111111111",
		AssetAmount:   "1000",
		CounterAmount: "1",
		Sequence:      3,
	}, msg)
}

func TestHub_PublishAndUnsubscribe(t *testing.T) {
	hub := NewHub(zap.NewNop())
	a := hub.Subscribe(4)
	b := hub.Subscribe(4)
	assert.Equal(t, 2, hub.Len())

	hub.Publish(testEvent(0))
	assert.Equal(t, uint64(0), (<-a.C).Sequence)
	assert.Equal(t, uint64(0), (<-b.C).Sequence)

	hub.Unsubscribe(a)
	hub.Unsubscribe(a) // second call is a no-op
	assert.Equal(t, 1, hub.Len())
	_, open := <-a.C
	assert.False(t, open)

	hub.Publish(testEvent(1))
	assert.Equal(t, uint64(1), (<-b.C).Sequence)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub(nil)
	sub := hub.Subscribe(1)

	done := make(chan struct{})
	go func() {
		for i := uint64(0); i < 10; i++ {
			hub.Publish(testEvent(i))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, uint64(0), (<-sub.C).Sequence)
	assert.Equal(t, uint64(9), sub.Dropped())

	// drops are counted per subscription
	roomy := hub.Subscribe(16)
	hub.Publish(testEvent(10))
	assert.Equal(t, uint64(0), roomy.Dropped())
	assert.Equal(t, uint64(9), sub.Dropped())
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
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

func (w *fakeWriter) written() []kafka.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]kafka.Message(nil), w.msgs...)
}

func TestKafkaPublisher_Run(t *testing.T) {
	w := &fakeWriter{}
	p := &KafkaPublisher{writer: w, logger: zap.NewNop()}
	hub := NewHub(zap.NewNop())
	sub := hub.Subscribe(8)

	finished := make(chan struct{})
	go func() {
		p.Run(context.Background(), sub)
		close(finished)
	}()

	hub.Publish(testEvent(0))
	hub.Publish(testEvent(1))
	hub.Unsubscribe(sub)
	<-finished

	msgs := w.written()
	require.Len(t, msgs, 2)
	assert.Equal(t, "0x1111111111111111111111111111111111111111", string(msgs[0].Key))

	var decoded Message
	require.NoError(t, json.Unmarshal(msgs[1].Value, &decoded))
	assert.Equal(t, uint64(1), decoded.Sequence)
	assert.Equal(t, "1000", decoded.AssetAmount)

	require.NoError(t, p.Close())
	assert.True(t, w.closed)
}

func TestKafkaPublisher_PublishError(t *testing.T) {
	w := &fakeWriter{err: errors.New("broker down")}
	p := &KafkaPublisher{writer: w, logger: zap.NewNop()}

	err := p.Publish(context.Background(), FromEvent(testEvent(5)))
	assert.ErrorContains(t, err, "broker down")

	ctx, cancel := context.WithCancel(context.Background())
	sub := NewHub(nil).Subscribe(1)
	cancel()
	p.Run(ctx, sub) // returns once the context is done
}
