package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nimasrn/sms-dispatch/pkg/logger"
	"github.com/nimasrn/sms-dispatch/pkg/redis"
)

// Message is one stream entry handed to a MessageHandler.
type Message struct {
	ID        string
	Data      []byte
	Metadata  map[string]string
	Timestamp time.Time
	// Deliveries counts how many times the stream has handed this entry out.
	Deliveries int64
}

// MessageHandler processes one entry. A nil return acknowledges it; an error
// leaves it pending so it is reclaimed after the visibility timeout.
type MessageHandler func(ctx context.Context, msg *Message) error

type QueueConfig struct {
	Name              string
	ConsumerGroup     string
	ConsumerName      string
	MaxDeliveries     int64
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
	// Concurrency bounds how many entries this consumer hands to its handler
	// at once. The poll loop keeps reading while slots are free.
	Concurrency       int
}

type Queue struct {
	adapter redis.RedisAdapter
	config  QueueConfig
	handler MessageHandler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	slots   chan struct{}
	active  sync.WaitGroup
	log     logger.Logger
}

type QueueStats struct {
	TotalMessages   int64
	PendingMessages int64
	DelayedMessages int64
	DeadLetters     int64
	ConsumerCount   int64
}

// delayedEntry is the sorted-set member for a scheduled publish. Nonce keeps
// identical payloads from collapsing into one member.
type delayedEntry struct {
	Nonce    string            `json:"nonce"`
	Data     string            `json:"data"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

func NewQueue(adapter redis.RedisAdapter, config QueueConfig) (*Queue, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("queue name is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "default-group"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = fmt.Sprintf("consumer-%d", time.Now().UnixNano())
	}
	if config.MaxDeliveries == 0 {
		config.MaxDeliveries = 5
	}
	if config.VisibilityTimeout == 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		adapter: adapter,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(chan struct{}, config.Concurrency),
		log:     logger.With("queue", config.Name, "consumer", config.ConsumerName),
	}

	err := adapter.XGroupCreateMkStream(ctx, config.Name, config.ConsumerGroup, "0")
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		cancel()
		return nil, fmt.Errorf("create consumer group: %w", err)
	}
	return q, nil
}

func (q *Queue) Name() string { return q.config.Name }

func (q *Queue) delayedKey() string { return q.config.Name + ":delayed" }

func (q *Queue) dlqKey() string { return q.config.Name + ":dlq" }

func entryValues(data []byte, metadata map[string]string) map[string]interface{} {
	values := map[string]interface{}{
		"data":      string(data),
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	for k, v := range metadata {
		values["meta_"+k] = v
	}
	return values
}

// Publish appends an entry to the stream.
func (q *Queue) Publish(ctx context.Context, data []byte, metadata map[string]string) (string, error) {
	id, err := q.adapter.XAdd(ctx, q.config.Name, q.config.MaxLen, entryValues(data, metadata))
	if err != nil {
		return "", fmt.Errorf("failed to publish message: %w", err)
	}
	return id, nil
}

func (q *Queue) PublishJSON(ctx context.Context, data interface{}, metadata map[string]string) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return q.Publish(ctx, jsonData, metadata)
}

// PublishAt schedules an entry; it reaches the stream once at has passed and a
// consumer's promoter runs.
func (q *Queue) PublishAt(ctx context.Context, data []byte, metadata map[string]string, at time.Time) error {
	if !at.After(time.Now()) {
		_, err := q.Publish(ctx, data, metadata)
		return err
	}
	member, err := json.Marshal(delayedEntry{Nonce: uuid.NewString(), Data: string(data), Metadata: metadata})
	if err != nil {
		return err
	}
	if err := q.adapter.ZAdd(ctx, q.delayedKey(), float64(at.UnixMilli()), string(member)); err != nil {
		return fmt.Errorf("failed to schedule message: %w", err)
	}
	return nil
}

func (q *Queue) PublishJSONAt(ctx context.Context, data interface{}, metadata map[string]string, at time.Time) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return q.PublishAt(ctx, jsonData, metadata, at)
}

// PromoteDue moves scheduled entries whose time has come onto the stream and
// returns how many it moved. Safe to run from many consumers at once.
func (q *Queue) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	members, err := q.adapter.ZRangeByScore(ctx, q.delayedKey(), float64(now.UnixMilli()), q.config.BatchSize*10)
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, member := range members {
		removed, err := q.adapter.ZRem(ctx, q.delayedKey(), member)
		if err != nil {
			return promoted, err
		}
		if !removed {
			continue // another consumer got it
		}
		var entry delayedEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			q.log.Error("dropping malformed delayed entry", "error", err)
			continue
		}
		if _, err := q.Publish(ctx, []byte(entry.Data), entry.Metadata); err != nil {
			// put it back so it is not lost
			_ = q.adapter.ZAdd(ctx, q.delayedKey(), float64(now.UnixMilli()), member)
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// Consume starts the poll loop. Up to Concurrency entries are handled at
// once, each acked when its own handler call succeeds.
func (q *Queue) Consume(handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}
	q.handler = handler
	q.wg.Add(1)
	go q.consumeLoop()
	return nil
}

func (q *Queue) consumeLoop() {
	defer q.wg.Done()

	ticker := time.NewTicker(q.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.PromoteDue(q.ctx, time.Now()); err != nil && !errors.Is(err, context.Canceled) {
				q.log.Warn("promote delayed entries failed", "error", err)
			}
			q.processMessages()
			q.claimStuckMessages()
		}
	}
}

func (q *Queue) freeSlots() int64 {
	return int64(cap(q.slots) - len(q.slots))
}

func (q *Queue) processMessages() {
	count := min(q.config.BatchSize, q.freeSlots())
	if count <= 0 {
		return
	}
	messages, err := q.adapter.XReadGroup(q.ctx, q.config.ConsumerGroup, q.config.ConsumerName, q.config.Name, count, 0)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			q.log.Warn("read group failed", "error", err)
		}
		return
	}
	for _, streamMsg := range messages {
		msg := streamMessageToMessage(streamMsg)
		msg.Deliveries = 1
		q.dispatch(msg)
	}
}

func (q *Queue) claimStuckMessages() {
	pending, err := q.adapter.XPendingExt(q.ctx, q.config.Name, q.config.ConsumerGroup, 100)
	if err != nil || len(pending) == 0 {
		return
	}

	deliveries := make(map[string]int64, len(pending))
	var idsToReclaim []string
	for _, p := range pending {
		if p.Idle >= q.config.VisibilityTimeout {
			idsToReclaim = append(idsToReclaim, p.ID)
			deliveries[p.ID] = p.RetryCount
		}
	}
	if free := q.freeSlots(); int64(len(idsToReclaim)) > free {
		idsToReclaim = idsToReclaim[:free]
	}
	if len(idsToReclaim) == 0 {
		return
	}

	messages, err := q.adapter.XClaim(q.ctx, q.config.Name, q.config.ConsumerGroup, q.config.ConsumerName, q.config.VisibilityTimeout, idsToReclaim...)
	if err != nil {
		q.log.Warn("claim failed", "error", err)
		return
	}
	for _, streamMsg := range messages {
		msg := streamMessageToMessage(streamMsg)
		// XCLAIM itself counts as one more delivery
		msg.Deliveries = deliveries[msg.ID] + 1
		q.dispatch(msg)
	}
}

// dispatch runs handleMessage on its own goroutine once a slot is free. An
// entry that never gets a slot stays pending and is reclaimed later.
func (q *Queue) dispatch(msg *Message) {
	select {
	case q.slots <- struct{}{}:
	case <-q.ctx.Done():
		return
	}
	q.active.Add(1)
	go func() {
		defer q.active.Done()
		defer func() { <-q.slots }()
		q.handleMessage(msg)
	}()
}

func (q *Queue) handleMessage(msg *Message) {
	if msg.Deliveries > q.config.MaxDeliveries {
		q.moveToDeadLetterQueue(msg)
		q.ack(msg.ID)
		return
	}

	ctx, cancel := context.WithTimeout(q.ctx, q.config.VisibilityTimeout)
	defer cancel()

	if err := q.handler(ctx, msg); err != nil {
		q.log.Debug("handler failed, entry left pending", "id", msg.ID, "deliveries", msg.Deliveries, "error", err)
		return
	}
	q.ack(msg.ID)
}

func (q *Queue) ack(id string) {
	// a fresh context so acknowledgements still land during shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.adapter.XAck(ctx, q.config.Name, q.config.ConsumerGroup, id); err != nil {
		q.log.Error("ack failed", "id", id, "error", err)
	}
}

func (q *Queue) moveToDeadLetterQueue(msg *Message) {
	if !q.config.EnableDLQ {
		q.log.Warn("dropping entry past delivery ceiling", "id", msg.ID, "deliveries", msg.Deliveries)
		return
	}

	values := map[string]interface{}{
		"data":           string(msg.Data),
		"original_id":    msg.ID,
		"deliveries":     msg.Deliveries,
		"failed_at":      time.Now().UTC().Format(time.RFC3339Nano),
		"original_queue": q.config.Name,
	}
	for k, v := range msg.Metadata {
		values["meta_"+k] = v
	}
	if _, err := q.adapter.XAdd(q.ctx, q.dlqKey(), q.config.MaxLen, values); err != nil {
		q.log.Error("dead letter publish failed", "id", msg.ID, "error", err)
		return
	}
	q.log.Warn("entry moved to dead letter queue", "id", msg.ID, "deliveries", msg.Deliveries)
}

func streamMessageToMessage(streamMsg redis.StreamMessage) *Message {
	msg := &Message{
		ID:       streamMsg.ID,
		Metadata: make(map[string]string),
	}

	for k, v := range streamMsg.Values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		switch {
		case k == "data":
			msg.Data = []byte(s)
		case k == "timestamp":
			if ts, err := time.Parse(time.RFC3339Nano, s); err == nil {
				msg.Timestamp = ts
			} else if unix, err := strconv.ParseInt(s, 10, 64); err == nil {
				msg.Timestamp = time.Unix(unix, 0)
			}
		case strings.HasPrefix(k, "meta_"):
			msg.Metadata[strings.TrimPrefix(k, "meta_")] = s
		}
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}

func (q *Queue) Stop(timeout time.Duration) error {
	q.cancel()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		q.active.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for queue to stop")
	}
}

func (q *Queue) GetStats(ctx context.Context) (*QueueStats, error) {
	total, err := q.adapter.XLen(ctx, q.config.Name)
	if err != nil {
		return nil, err
	}
	stats := &QueueStats{TotalMessages: total}

	if pending, err := q.adapter.XPending(ctx, q.config.Name, q.config.ConsumerGroup); err == nil && pending != nil {
		stats.PendingMessages = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}
	if delayed, err := q.adapter.ZCard(ctx, q.delayedKey()); err == nil {
		stats.DelayedMessages = delayed
	}
	if dead, err := q.adapter.XLen(ctx, q.dlqKey()); err == nil {
		stats.DeadLetters = dead
	}
	return stats, nil
}
