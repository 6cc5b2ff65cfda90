package linksync

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"link-relay/backend/internal/entity"
	"link-relay/backend/internal/link"
	"link-relay/backend/internal/metrics"
)

// KafkaDispatcher：本地有界队列 + worker 异步发送 + 有限重试。
// - 不阻塞提交流程（OnCommit 只负责入队，队列满直接丢）
// - Kafka 短暂不可用时靠队列吸收，后台慢慢补发
// - 队列满时降级丢弃，避免内存无限增长
type KafkaDispatcher struct {
	producer sarama.SyncProducer
	topic    string

	queue chan LinkCommitEvent

	// sem 限制并发的 SendMessage 数量
	kafkaSem *SemaphoreControl

	workers     int
	maxRetry    int
	baseBackoff time.Duration
	maxBackoff  time.Duration

	logger  *zap.Logger
	metrics *metrics.Collector

	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.RWMutex // 保护 queue 的关闭
	wg        sync.WaitGroup
}

type KafkaDispatcherOptions struct {
	QueueSize   int
	Workers     int
	MaxRetry    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Logger      *zap.Logger
	Metrics     *metrics.Collector
}

var _ CommitObserver = (*KafkaDispatcher)(nil)

func NewKafkaDispatcher(producer sarama.SyncProducer, topic string, kafkaSem *SemaphoreControl, opt KafkaDispatcherOptions) *KafkaDispatcher {
	if opt.QueueSize <= 0 {
		opt.QueueSize = 10_000
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	d := &KafkaDispatcher{
		producer:    producer,
		topic:       topic,
		queue:       make(chan LinkCommitEvent, opt.QueueSize),
		kafkaSem:    kafkaSem,
		workers:     opt.Workers,
		maxRetry:    opt.MaxRetry,
		baseBackoff: opt.BaseBackoff,
		maxBackoff:  opt.MaxBackoff,
		logger:      opt.Logger.With(zap.String("component", "kafka_dispatcher"), zap.String("topic", topic)),
		metrics:     opt.Metrics,
		closed:      make(chan struct{}),
	}

	d.Start()
	return d
}

// NewLinkCommitEvent 记录 -> 事件，link 换成稳定哈希
func NewLinkCommitEvent(rec entity.DiffRecord) LinkCommitEvent {
	return LinkCommitEvent{
		EventType:             EventLinksCommitted,
		RecordID:              rec.ID,
		LinkLanguageUUID:      rec.LinkLanguageUUID,
		AuthorDID:             rec.DID,
		AdditionHashes:        link.Hashes(rec.Additions),
		RemovalHashes:         link.Hashes(rec.Removals),
		ServerRecordTimestamp: rec.ServerRecordTimestamp,
	}
}

// OnCommit 在引擎的命名空间锁内被调用，只做非阻塞入队
func (d *KafkaDispatcher) OnCommit(_ context.Context, rec entity.DiffRecord) {
	evt := NewLinkCommitEvent(rec)
	if !d.TryEnqueue(evt) {
		d.metrics.KafkaEvent("dropped")
		d.logger.Warn("kafka queue full or closed, drop event",
			zap.String("linkLanguageUUID", evt.LinkLanguageUUID),
			zap.Uint64("recordId", evt.RecordID))
	}
}

// TryEnqueue 队列满或已关闭时返回 false
func (d *KafkaDispatcher) TryEnqueue(evt LinkCommitEvent) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	select {
	case <-d.closed:
		return false
	default:
	}
	select {
	case d.queue <- evt:
		return true
	default:
		return false
	}
}

func (d *KafkaDispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(i)
	}
}

// Close 停止接收新事件，等 worker 把队列里剩下的发完
func (d *KafkaDispatcher) Close() {
	d.closeOnce.Do(func() {
		close(d.closed)
		// 等正在入队的调用退出后再关 queue
		d.mu.Lock()
		close(d.queue)
		d.mu.Unlock()
	})
	d.wg.Wait()
}

func (d *KafkaDispatcher) workerLoop(workerID int) {
	defer d.wg.Done()
	for evt := range d.queue {
		d.sendWithRetry(workerID, evt)
	}
}

func (d *KafkaDispatcher) sendWithRetry(workerID int, evt LinkCommitEvent) {
	for attempt := 0; attempt <= d.maxRetry; attempt++ {
		if d.kafkaSem != nil {
			// worker 允许一直等待（不会影响主链路）
			_ = d.kafkaSem.Acquire(context.Background())
		}

		err := d.sendOnce(evt)

		if d.kafkaSem != nil {
			_ = d.kafkaSem.Release()
		}

		if err == nil {
			d.metrics.KafkaEvent("sent")
			return
		}

		if attempt == d.maxRetry {
			d.metrics.KafkaEvent("failed")
			d.logger.Error("kafka send failed, drop event",
				zap.String("linkLanguageUUID", evt.LinkLanguageUUID),
				zap.Uint64("recordId", evt.RecordID),
				zap.Int("worker", workerID),
				zap.Error(err))
			return
		}

		// 退避，每次退避时间 x2
		backoff := d.baseBackoff * time.Duration(1<<attempt)
		if backoff > d.maxBackoff {
			backoff = d.maxBackoff
		}
		time.Sleep(backoff)
	}
}

func (d *KafkaDispatcher) sendOnce(evt LinkCommitEvent) error {
	if d.producer == nil || d.topic == "" {
		return nil
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return err
	}
	// 同一命名空间的事件落到同一分区，保持顺序
	msg := &sarama.ProducerMessage{
		Topic: d.topic,
		Key:   sarama.StringEncoder(evt.LinkLanguageUUID),
		Value: sarama.ByteEncoder(b),
	}
	_, _, err = d.producer.SendMessage(msg)
	return err
}
