package collab

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/semaphore"

	"collabCoord/backend/internal/metrics"
)

// EventDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞编辑主流程（Publish 只负责入队）
// - Kafka 短暂阻塞时靠队列吸收，后台慢慢补发
// - 队列满时降级（丢弃），避免内存无限增长
type EventDispatcher struct {
	producer sarama.SyncProducer
	topic    string
	logger   *slog.Logger

	queue chan CoordEvent
	stop  chan struct{}
	wg    sync.WaitGroup
	once  sync.Once

	// sem 限制同时进行的 SendMessage；退避等待中的 worker 不占名额
	sem *semaphore.Weighted

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

var _ EventSink = (*EventDispatcher)(nil)

type DispatcherOptions struct {
	QueueSize int
	Workers   int
	// 同时进行的发送上限，默认 Workers/2
	MaxInFlight int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

func (o DispatcherOptions) withDefaults() DispatcherOptions {
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.MaxInFlight <= 0 || o.MaxInFlight > o.Workers {
		o.MaxInFlight = max(o.Workers/2, 1)
	}
	if o.MaxRetry < 0 {
		o.MaxRetry = 0
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = 100 * time.Millisecond
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 2 * time.Second
	}
	return o
}

func NewEventDispatcher(producer sarama.SyncProducer, topic string, logger *slog.Logger, opt DispatcherOptions) *EventDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	opt = opt.withDefaults()
	d := &EventDispatcher{
		producer:    producer,
		topic:       topic,
		logger:      logger.With("component", "dispatcher"),
		queue:       make(chan CoordEvent, opt.QueueSize),
		stop:        make(chan struct{}),
		sem:         semaphore.NewWeighted(int64(opt.MaxInFlight)),
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
	}

	d.start()
	return d
}

// Publish 入队；队列满或已关闭时直接丢弃（事件不要求必达）
func (d *EventDispatcher) Publish(evt CoordEvent) {
	select {
	case <-d.stop:
		metrics.EventsDispatched.WithLabelValues(metrics.OutcomeDropped).Inc()
		return
	default:
	}
	select {
	case d.queue <- evt:
	default:
		metrics.EventsDispatched.WithLabelValues(metrics.OutcomeDropped).Inc()
		d.logger.Warn("event queue full, drop event", "type", evt.EventType, "doc", evt.DocKey().String())
	}
}

// Close 停止 worker；队列里剩下的事件在 ctx 结束前尽量发完
func (d *EventDispatcher) Close(ctx context.Context) error {
	d.once.Do(func() { close(d.stop) })
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *EventDispatcher) start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

func (d *EventDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for {
		select {
		case evt := <-d.queue:
			d.sendWithRetry(workerID, evt)
		case <-d.stop:
			d.drain(workerID)
			return
		}
	}
}

func (d *EventDispatcher) drain(workerID int) {
	for {
		select {
		case evt := <-d.queue:
			d.sendWithRetry(workerID, evt)
		default:
			return
		}
	}
}

func (d *EventDispatcher) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = d.baseBackoff
	b.MaxInterval = d.maxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithMaxRetries(b, uint64(d.maxRetry))
}

func (d *EventDispatcher) sendWithRetry(workerID int, evt CoordEvent) {
	b := d.newBackOff()
	for {
		err := d.sendOnce(evt)
		if err == nil {
			metrics.EventsDispatched.WithLabelValues(metrics.OutcomeSent).Inc()
			return
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			metrics.EventsDispatched.WithLabelValues(metrics.OutcomeFailed).Inc()
			d.logger.Warn("kafka send failed, drop event",
				"type", evt.EventType, "doc", evt.DocKey().String(), "worker", workerID, "error", err)
			return
		}
		select {
		case <-time.After(wait):
		case <-d.stop:
			// 关闭中不再等待退避
		}
	}
}

func (d *EventDispatcher) sendOnce(evt CoordEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.DocKey().String()),
		Value: sarama.ByteEncoder(b),
	}
	// worker 允许一直等待（不影响主链路）
	if err := d.sem.Acquire(context.Background(), 1); err != nil {
		return err
	}
	defer d.sem.Release(1)
	_, _, err = d.producer.SendMessage(msg)
	return err
}
