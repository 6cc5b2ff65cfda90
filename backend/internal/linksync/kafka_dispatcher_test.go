package linksync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"link-relay/backend/internal/entity"
	"link-relay/backend/internal/link"
	"link-relay/backend/internal/metrics"
)

func testProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Producer.Return.Successes = true
	return cfg
}

func testRecord() entity.DiffRecord {
	return entity.DiffRecord{
		ID:                    7,
		LinkLanguageUUID:      "ns1",
		DID:                   "did:a",
		Additions:             entity.LinkList{testLink("did:a", "100", "z")},
		Removals:              entity.LinkList{},
		ServerRecordTimestamp: time.UnixMilli(1_000).UTC(),
	}
}

func TestKafkaDispatcher_PublishesCommitEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, testProducerConfig())
	rec := testRecord()
	wantHash := link.Hash(rec.Additions[0])

	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var evt LinkCommitEvent
		if err := json.Unmarshal(val, &evt); err != nil {
			return err
		}
		if evt.EventType != EventLinksCommitted || evt.RecordID != 7 || evt.LinkLanguageUUID != "ns1" {
			return fmt.Errorf("unexpected event %+v", evt)
		}
		if len(evt.AdditionHashes) != 1 || evt.AdditionHashes[0] != wantHash {
			return fmt.Errorf("unexpected addition hashes %v", evt.AdditionHashes)
		}
		return nil
	})

	d := NewKafkaDispatcher(producer, "link-commits", NewSemaphoreControl(1), KafkaDispatcherOptions{
		QueueSize: 4,
		Workers:   1,
	})
	d.OnCommit(context.Background(), rec)
	d.Close()

	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_RetriesThenSucceeds(t *testing.T) {
	producer := mocks.NewSyncProducer(t, testProducerConfig())
	producer.ExpectSendMessageAndFail(errors.New("leader not available"))
	producer.ExpectSendMessageAndSucceed()

	collector := metrics.NewCollector("dispatch_test")
	d := NewKafkaDispatcher(producer, "link-commits", nil, KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    2,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Metrics:     collector,
	})
	require.True(t, d.TryEnqueue(NewLinkCommitEvent(testRecord())))
	d.Close()
	require.NoError(t, producer.Close())

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.True(t, strings.Contains(rec.Body.String(), `dispatch_test_kafka_events_total{result="sent"} 1`))
}

func TestKafkaDispatcher_GivesUpAfterMaxRetry(t *testing.T) {
	producer := mocks.NewSyncProducer(t, testProducerConfig())
	sendErr := errors.New("broker down")
	producer.ExpectSendMessageAndFail(sendErr)
	producer.ExpectSendMessageAndFail(sendErr)

	d := NewKafkaDispatcher(producer, "link-commits", nil, KafkaDispatcherOptions{
		QueueSize:   4,
		Workers:     1,
		MaxRetry:    1,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
	})
	d.OnCommit(context.Background(), testRecord())
	d.Close()
	require.NoError(t, producer.Close())
}

func TestKafkaDispatcher_RejectsAfterClose(t *testing.T) {
	d := NewKafkaDispatcher(nil, "", nil, KafkaDispatcherOptions{QueueSize: 1, Workers: 1})
	d.Close()
	// 重复 Close 安全
	d.Close()

	assert.False(t, d.TryEnqueue(NewLinkCommitEvent(testRecord())))
	assert.NotPanics(t, func() { d.OnCommit(context.Background(), testRecord()) })
}

func TestKafkaDispatcher_DropsWhenQueueFull(t *testing.T) {
	// 占住信号量让 worker 卡在发送前，队列只能再收一条
	sem := NewSemaphoreControl(1)
	require.NoError(t, sem.Acquire(context.Background()))

	collector := metrics.NewCollector("dispatch_full")
	d := NewKafkaDispatcher(nil, "", sem, KafkaDispatcherOptions{QueueSize: 1, Workers: 1, Metrics: collector})
	for i := 0; i < 3; i++ {
		d.OnCommit(context.Background(), testRecord())
	}

	require.NoError(t, sem.Release())
	d.Close()

	rec := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rec.Body.String()
	sent := strings.Contains(body, `dispatch_full_kafka_events_total{result="sent"} 1`) &&
		strings.Contains(body, `dispatch_full_kafka_events_total{result="dropped"} 2`)
	sentTwo := strings.Contains(body, `dispatch_full_kafka_events_total{result="sent"} 2`) &&
		strings.Contains(body, `dispatch_full_kafka_events_total{result="dropped"} 1`)
	assert.True(t, sent || sentTwo, body)
}

func TestSemaphoreControl(t *testing.T) {
	sem := NewSemaphoreControl(1)
	require.NoError(t, sem.Acquire(context.Background()))
	assert.Equal(t, 1, sem.InUse())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, sem.Acquire(ctx), ErrAcquireTimeout)

	require.NoError(t, sem.Release())
	assert.ErrorIs(t, sem.Release(), ErrNotAcquired)
}
