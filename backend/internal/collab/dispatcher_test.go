package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabCoord/backend/internal/entity"
)

func producerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

func sampleEvent() CoordEvent {
	return CoordEvent{
		EventType:    EventVersionAdvanced,
		DocumentType: entity.DocQuiz,
		DocumentID:   "q1",
		UserID:       "u1",
		Version:      4,
		Expected:     3,
		OccurredAt:   time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestEventDispatcher_Sends(t *testing.T) {
	sp := mocks.NewSyncProducer(t, producerConfig())
	sp.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "coord-events" {
			return fmt.Errorf("unexpected topic %q", msg.Topic)
		}
		key, _ := msg.Key.Encode()
		if string(key) != "quiz:q1" {
			return fmt.Errorf("unexpected key %q", key)
		}
		b, _ := msg.Value.Encode()
		var evt CoordEvent
		if err := json.Unmarshal(b, &evt); err != nil {
			return err
		}
		if evt.EventType != EventVersionAdvanced || evt.Version != 4 {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		return nil
	})

	d := NewEventDispatcher(sp, "coord-events", nil, DispatcherOptions{Workers: 1})
	d.Publish(sampleEvent())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	require.NoError(t, sp.Close())
}

func TestEventDispatcher_RetriesThenDrops(t *testing.T) {
	sp := mocks.NewSyncProducer(t, producerConfig())
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
	sp.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	d := NewEventDispatcher(sp, "coord-events", nil, DispatcherOptions{
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	})
	d.Publish(sampleEvent())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))
	require.NoError(t, sp.Close())
}

func TestEventDispatcher_DropsAfterClose(t *testing.T) {
	sp := mocks.NewSyncProducer(t, producerConfig())
	d := NewEventDispatcher(sp, "coord-events", nil, DispatcherOptions{})
	require.NoError(t, d.Close(context.Background()))

	// 没有任何 Expect，发送会让 mock 报错
	d.Publish(sampleEvent())
	require.NoError(t, sp.Close())
}

func TestEventDispatcher_NoProducerIsNoop(t *testing.T) {
	d := NewEventDispatcher(nil, "", nil, DispatcherOptions{})
	d.Publish(sampleEvent())
	assert.NoError(t, d.Close(context.Background()))
}

// countingProducer 记录同时进行的 SendMessage 数
type countingProducer struct {
	sarama.SyncProducer

	mu       sync.Mutex
	inFlight int
	peak     int
	sent     int
}

func (p *countingProducer) SendMessage(*sarama.ProducerMessage) (int32, int64, error) {
	p.mu.Lock()
	p.inFlight++
	if p.inFlight > p.peak {
		p.peak = p.inFlight
	}
	p.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	p.mu.Lock()
	p.inFlight--
	p.sent++
	p.mu.Unlock()
	return 0, 0, nil
}

func TestEventDispatcher_LimitsInFlightSends(t *testing.T) {
	p := &countingProducer{}
	d := NewEventDispatcher(p, "coord-events", nil, DispatcherOptions{Workers: 4, MaxInFlight: 2})
	for i := 0; i < 20; i++ {
		d.Publish(sampleEvent())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, d.Close(ctx))

	p.mu.Lock()
	defer p.mu.Unlock()
	assert.Equal(t, 20, p.sent)
	assert.LessOrEqual(t, p.peak, 2)
}

func TestDispatcherOptions_Defaults(t *testing.T) {
	o := DispatcherOptions{Workers: 4}.withDefaults()
	assert.Equal(t, 2, o.MaxInFlight)
	assert.Equal(t, 1024, o.QueueSize)

	o = DispatcherOptions{Workers: 1, MaxInFlight: 8}.withDefaults()
	assert.Equal(t, 1, o.MaxInFlight)
}
