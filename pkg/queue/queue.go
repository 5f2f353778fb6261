package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/heron/pkg/log"
	"github.com/cuemby/heron/pkg/metrics"
	"github.com/cuemby/heron/pkg/redisstore"
	"github.com/cuemby/heron/pkg/types"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	fieldTask = "task"
	fieldKey  = "key"

	promoteBatch = 100

	// DefaultGroup is the consumer group shared by every node
	DefaultGroup = "heron-workers"
)

// Options configures topics and consumer identity
type Options struct {
	// Partitions is the number of streams per topic
	Partitions int
	// Group is the consumer group shared by every node
	Group string
	// Consumer names this node within the group
	Consumer string
	// Block bounds how long a read waits for new entries
	Block time.Duration
	// MaxLen caps each stream, approximately
	MaxLen int64
	// ReclaimIdle is how long an entry may stay unacknowledged before another
	// consumer may take it over
	ReclaimIdle time.Duration
}

// Message is one delivered task
type Message struct {
	ID     string
	Stream string
	Topic  string
	Task   *types.RefreshTask
}

// Queue is a partitioned at-least-once task log on Redis Streams
type Queue struct {
	client redis.UniversalClient
	opts   Options
	logger zerolog.Logger

	mu     sync.Mutex
	groups map[string]bool
}

// New creates a queue
func New(client redis.UniversalClient, opts Options) *Queue {
	if opts.Partitions < 1 {
		opts.Partitions = 1
	}
	if opts.Group == "" {
		opts.Group = DefaultGroup
	}
	if opts.ReclaimIdle <= 0 {
		opts.ReclaimIdle = 5 * time.Minute
	}
	return &Queue{
		client: client,
		opts:   opts,
		logger: log.WithComponent("queue"),
		groups: make(map[string]bool),
	}
}

// Partition maps an entity key onto a partition of its topic
func (q *Queue) Partition(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(q.opts.Partitions))
}

// Streams returns every partition stream of a topic
func (q *Queue) Streams(topic string) []string {
	streams := make([]string, q.opts.Partitions)
	for i := range streams {
		streams[i] = redisstore.StreamKey(topic, i)
	}
	return streams
}

// Publish appends a task to its topic, on the partition of its entity
func (q *Queue) Publish(ctx context.Context, task *types.RefreshTask) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	return q.publishRaw(ctx, task.Type.Topic(), task.EntityCode, data)
}

func (q *Queue) publishRaw(ctx context.Context, topic, key string, data []byte) error {
	args := &redis.XAddArgs{
		Stream: redisstore.StreamKey(topic, q.Partition(key)),
		Values: map[string]interface{}{fieldKey: key, fieldTask: string(data)},
	}
	if q.opts.MaxLen > 0 {
		args.MaxLen = q.opts.MaxLen
		args.Approx = true
	}
	if err := q.client.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", topic, err)
	}
	return nil
}

// PublishAfter parks a task until delay has passed. Due tasks are moved onto
// the stream by PromoteDue, which every consumer calls.
func (q *Queue) PublishAfter(ctx context.Context, task *types.RefreshTask, delay time.Duration) error {
	if delay <= 0 {
		return q.Publish(ctx, task)
	}

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	due := time.Now().Add(delay).UnixMilli()
	err = q.client.ZAdd(ctx, redisstore.DelayedKey(task.Type.Topic()), redis.Z{
		Score:  float64(due),
		Member: string(data),
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to schedule task: %w", err)
	}
	return nil
}

// PromoteDue moves due delayed tasks of a topic onto its streams. Several
// nodes may race here; only the one whose ZREM succeeds publishes.
func (q *Queue) PromoteDue(ctx context.Context, topic string) (int, error) {
	key := redisstore.DelayedKey(topic)
	due, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(time.Now().UnixMilli(), 10),
		Count: promoteBatch,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed tasks: %w", err)
	}

	promoted := 0
	for _, raw := range due {
		removed, err := q.client.ZRem(ctx, key, raw).Result()
		if err != nil {
			return promoted, fmt.Errorf("failed to claim delayed task: %w", err)
		}
		if removed == 0 {
			continue
		}

		var task types.RefreshTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil {
			q.logger.Warn().Err(err).Str("topic", topic).Msg("dropping undecodable delayed task")
			continue
		}
		// a crash between claim and publish loses the task; the watchdog re-seeds it
		if err := q.publishRaw(ctx, topic, task.EntityCode, []byte(raw)); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// EnsureGroup creates the consumer group on every partition of a topic
func (q *Queue) EnsureGroup(ctx context.Context, topic string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.groups[topic] {
		return nil
	}
	for _, stream := range q.Streams(topic) {
		err := q.client.XGroupCreateMkStream(ctx, stream, q.opts.Group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return fmt.Errorf("failed to create group on %s: %w", stream, err)
		}
	}
	q.groups[topic] = true
	return nil
}

// Read delivers up to count new tasks across the given topics, waiting up
// to the configured block time. An empty result is not an error.
func (q *Queue) Read(ctx context.Context, topics []string, count int) ([]Message, error) {
	var streams []string
	topicOf := make(map[string]string)
	for _, topic := range topics {
		if err := q.EnsureGroup(ctx, topic); err != nil {
			return nil, err
		}
		for _, s := range q.Streams(topic) {
			streams = append(streams, s)
			topicOf[s] = topic
		}
	}
	if len(streams) == 0 {
		return nil, nil
	}

	block := q.opts.Block
	if block <= 0 {
		block = -1
	}

	var (
		res []redis.XStream
		err error
	)
	if _, clustered := q.client.(*redis.ClusterClient); clustered {
		res, err = q.readEach(ctx, streams, count, block)
	} else {
		res, err = q.readGroup(ctx, streams, count, block)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}

	var msgs []Message
	for _, xs := range res {
		msgs = append(msgs, q.decode(ctx, xs.Stream, topicOf[xs.Stream], xs.Messages)...)
	}
	return msgs, nil
}

func (q *Queue) readGroup(ctx context.Context, streams []string, count int, block time.Duration) ([]redis.XStream, error) {
	ids := make([]string, len(streams))
	for i := range ids {
		ids[i] = ">"
	}
	res, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  append(streams, ids...),
		Count:    int64(count),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return res, err
}

// readEach polls partitions one at a time. Partitions of a topic live in
// different cluster slots, so a single XREADGROUP cannot span them.
func (q *Queue) readEach(ctx context.Context, streams []string, count int, block time.Duration) ([]redis.XStream, error) {
	var out []redis.XStream
	remaining := count
	for _, s := range streams {
		if remaining <= 0 {
			break
		}
		res, err := q.readGroup(ctx, []string{s}, remaining, -1)
		if err != nil {
			return out, err
		}
		for _, xs := range res {
			remaining -= len(xs.Messages)
			out = append(out, xs)
		}
	}
	if len(out) == 0 && block > 0 {
		select {
		case <-time.After(block):
		case <-ctx.Done():
		}
	}
	return out, nil
}

// Ack acknowledges a message and removes it from its stream
func (q *Queue) Ack(ctx context.Context, msg Message) error {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, msg.Stream, q.opts.Group, msg.ID)
	pipe.XDel(ctx, msg.Stream, msg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack %s: %w", msg.ID, err)
	}
	return nil
}

// Reclaim takes over entries that other consumers left unacknowledged for
// longer than ReclaimIdle, typically because the node died mid-task.
func (q *Queue) Reclaim(ctx context.Context, topic string, count int) ([]Message, error) {
	if err := q.EnsureGroup(ctx, topic); err != nil {
		return nil, err
	}

	var msgs []Message
	for _, stream := range q.Streams(topic) {
		claimed, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			MinIdle:  q.opts.ReclaimIdle,
			Start:    "0-0",
			Count:    int64(count),
		}).Result()
		if err != nil {
			return msgs, fmt.Errorf("failed to reclaim from %s: %w", stream, err)
		}
		msgs = append(msgs, q.decode(ctx, stream, topic, claimed)...)
	}
	if len(msgs) > 0 {
		metrics.TasksReclaimed.Add(float64(len(msgs)))
		q.logger.Info().Str("topic", topic).Int("count", len(msgs)).Msg("reclaimed idle tasks")
	}
	return msgs, nil
}

// Depth returns the number of entries held per topic
func (q *Queue) Depth(ctx context.Context) (map[string]int64, error) {
	depth := make(map[string]int64)
	for _, t := range types.AllTaskTypes {
		topic := t.Topic()
		var total int64
		for _, stream := range q.Streams(topic) {
			n, err := q.client.XLen(ctx, stream).Result()
			if err != nil {
				return nil, fmt.Errorf("failed to measure %s: %w", stream, err)
			}
			total += n
		}
		depth[topic] = total
	}
	return depth, nil
}

// decode turns stream entries into messages. Entries that cannot be decoded
// are acknowledged and dropped so they are not redelivered forever.
func (q *Queue) decode(ctx context.Context, stream, topic string, entries []redis.XMessage) []Message {
	msgs := make([]Message, 0, len(entries))
	for _, entry := range entries {
		raw, _ := entry.Values[fieldTask].(string)
		var task types.RefreshTask
		if err := json.Unmarshal([]byte(raw), &task); err != nil || task.EntityCode == "" {
			q.logger.Warn().Str("stream", stream).Str("id", entry.ID).Msg("dropping undecodable task")
			_ = q.Ack(ctx, Message{ID: entry.ID, Stream: stream})
			continue
		}
		msgs = append(msgs, Message{ID: entry.ID, Stream: stream, Topic: topic, Task: &task})
	}
	return msgs
}
