package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"generation-orchestrator/internal/config"
	"generation-orchestrator/internal/models"
)

// RedisQueue is a dispatch log on a Redis stream. Outstanding entries are
// indexed in a hash (entry id to job id) that the enqueue and ack scripts keep
// in step with the stream, so acked entries stay in the log for replay until
// Trim removes them.
type RedisQueue struct {
	client     *redis.Client
	stream     string
	group      string
	maxPending int64
	retention  time.Duration
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue builds a queue on an existing client from config.
func NewRedisQueue(client *redis.Client, cfg config.QueueConfig) *RedisQueue {
	stream := cfg.Stream
	if stream == "" {
		stream = "orchestrator:jobs"
	}
	group := cfg.Group
	if group == "" {
		group = "generators"
	}
	maxPending := int64(cfg.MaxPending)
	if maxPending <= 0 {
		maxPending = 1000
	}
	return &RedisQueue{
		client:     client,
		stream:     stream,
		group:      group,
		maxPending: maxPending,
		retention:  cfg.Retention,
	}
}

func (q *RedisQueue) outstandingKey(group string) string {
	return q.stream + ":outstanding:" + group
}

// EnsureGroup creates the stream and the consumer group if missing.
func (q *RedisQueue) EnsureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group: %w", err)
	}
	return nil
}

// Enqueue appends an entry for jobID unless the group is at capacity.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, payload []byte) (string, error) {
	keys := []string{q.stream, q.outstandingKey(q.group)}
	id, err := enqueueScript.Run(ctx, q.client, keys,
		q.maxPending, jobID, string(payload), time.Now().UnixMilli()).Text()
	if errors.Is(err, redis.Nil) {
		return "", ErrQueueFull
	}
	if err != nil {
		return "", fmt.Errorf("append entry: %w", err)
	}
	return id, nil
}

// Claim reads entries never delivered to any consumer of group.
func (q *RedisQueue) Claim(ctx context.Context, group, consumer string, max int, block time.Duration) ([]models.Entry, error) {
	if max <= 0 {
		max = 1
	}
	if block <= 0 {
		// go-redis treats a zero Block as "wait forever".
		block = -1
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{q.stream, ">"},
		Count:    int64(max),
		Block:    block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read group: %w", err)
	}
	var out []models.Entry
	for _, s := range streams {
		for _, msg := range s.Messages {
			out = append(out, toEntry(msg, false))
		}
	}
	return out, nil
}

// Ack marks an entry processed. Acking twice is harmless and frees capacity
// only once.
func (q *RedisQueue) Ack(ctx context.Context, group, entryID string) error {
	keys := []string{q.stream, q.outstandingKey(group)}
	if err := ackScript.Run(ctx, q.client, keys, group, entryID).Err(); err != nil {
		return fmt.Errorf("ack entry %s: %w", entryID, err)
	}
	return nil
}

// ReclaimStale transfers entries idle longer than idle to consumer. An entry
// whose body was deleted from the stream is still handed back when the
// outstanding index knows its job, since the job record carries the payload.
func (q *RedisQueue) ReclaimStale(ctx context.Context, group, consumer string, idle time.Duration, max int) ([]models.Entry, error) {
	if max <= 0 {
		max = 10
	}
	// XAutoClaim drops the deleted-id list Redis 7 returns, so the reply is
	// parsed here.
	reply, err := q.client.Do(ctx, "XAUTOCLAIM", q.stream, group, consumer,
		idle.Milliseconds(), "0-0", "COUNT", max).Slice()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("auto claim: %w", err)
	}
	msgs, deleted, err := parseAutoClaim(reply)
	if err != nil {
		return nil, err
	}

	out := make([]models.Entry, 0, len(msgs)+len(deleted))
	lost := deleted
	for _, msg := range msgs {
		entry := toEntry(msg, true)
		if entry.JobID == "" {
			lost = append(lost, msg.ID)
			continue
		}
		out = append(out, entry)
	}
	if len(lost) == 0 {
		return out, nil
	}

	jobs, err := q.client.HMGet(ctx, q.outstandingKey(group), lost...).Result()
	if err != nil {
		return out, fmt.Errorf("look up lost entries: %w", err)
	}
	for i, id := range lost {
		jobID, _ := jobs[i].(string)
		if jobID == "" {
			// Not enqueued through this queue; only the pending slot is left.
			if err := q.Ack(ctx, group, id); err != nil {
				return out, err
			}
			continue
		}
		out = append(out, models.Entry{ID: id, JobID: jobID, Redelivered: true})
	}
	return out, nil
}

// Trim removes entries older than the retention window. Entries that any
// group has not delivered yet, or delivered without an ack, are kept. A zero
// retention keeps everything.
func (q *RedisQueue) Trim(ctx context.Context) (int64, error) {
	if q.retention <= 0 {
		return 0, nil
	}
	floor := streamID{ms: uint64(time.Now().Add(-q.retention).UnixMilli())}

	// Groups are read before their pending lists: an entry delivered in
	// between is newer than the last-delivered id read here and is kept.
	groups, err := q.client.XInfoGroups(ctx, q.stream).Result()
	if err != nil {
		return 0, fmt.Errorf("stream groups: %w", err)
	}
	if len(groups) == 0 {
		return 0, nil
	}
	for _, g := range groups {
		last, err := parseStreamID(g.LastDeliveredID)
		if err != nil {
			return 0, fmt.Errorf("group %s: %w", g.Name, err)
		}
		floor = lowerID(floor, last.next())

		pending, err := q.client.XPending(ctx, q.stream, g.Name).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return 0, fmt.Errorf("pending summary %s: %w", g.Name, err)
		}
		if pending != nil && pending.Count > 0 {
			low, err := parseStreamID(pending.Lower)
			if err != nil {
				return 0, fmt.Errorf("group %s: %w", g.Name, err)
			}
			floor = lowerID(floor, low)
		}
	}

	n, err := q.client.XTrimMinID(ctx, q.stream, floor.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("trim stream: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	lenCmd := pipe.XLen(ctx, q.stream)
	outCmd := pipe.HLen(ctx, q.outstandingKey(q.group))
	pendCmd := pipe.XPending(ctx, q.stream, q.group)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	stats := Stats{Length: lenCmd.Val()}
	if n, err := outCmd.Result(); err == nil {
		stats.Outstanding = n
	}
	if p, err := pendCmd.Result(); err == nil && p != nil {
		stats.Pending = p.Count
	}
	return stats, nil
}

func toEntry(msg redis.XMessage, redelivered bool) models.Entry {
	entry := models.Entry{ID: msg.ID, Redelivered: redelivered}
	if v, ok := msg.Values["jobId"].(string); ok {
		entry.JobID = v
	}
	if v, ok := msg.Values["payload"].(string); ok && v != "" {
		entry.Payload = []byte(v)
	}
	if v, ok := msg.Values["enqueuedAt"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			entry.EnqueuedAt = time.UnixMilli(ms).UTC()
		}
	}
	return entry
}

// parseAutoClaim reads an XAUTOCLAIM reply: cursor, claimed entries and, on
// Redis 7, the ids that were pending but no longer exist in the stream.
func parseAutoClaim(reply []any) ([]redis.XMessage, []string, error) {
	if len(reply) < 2 {
		return nil, nil, fmt.Errorf("auto claim: unexpected reply of %d elements", len(reply))
	}
	raw, _ := reply[1].([]any)
	msgs := make([]redis.XMessage, 0, len(raw))
	for _, r := range raw {
		pair, ok := r.([]any)
		if !ok || len(pair) != 2 {
			continue
		}
		id, _ := pair[0].(string)
		msg := redis.XMessage{ID: id}
		if fields, ok := pair[1].([]any); ok {
			msg.Values = make(map[string]any, len(fields)/2)
			for i := 0; i+1 < len(fields); i += 2 {
				if k, ok := fields[i].(string); ok {
					msg.Values[k] = fields[i+1]
				}
			}
		}
		msgs = append(msgs, msg)
	}
	var deleted []string
	if len(reply) > 2 {
		ids, _ := reply[2].([]any)
		for _, v := range ids {
			if id, ok := v.(string); ok {
				deleted = append(deleted, id)
			}
		}
	}
	return msgs, deleted, nil
}

// streamID is a parsed stream entry id, <ms>-<seq>.
type streamID struct {
	ms, seq uint64
}

// parseStreamID accepts a full id or a bare millisecond part, which is how
// a group created at "0" reports its last-delivered id.
func parseStreamID(s string) (streamID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")
	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return streamID{}, fmt.Errorf("invalid stream id %q", s)
	}
	id := streamID{ms: ms}
	if hasSeq {
		if id.seq, err = strconv.ParseUint(seqPart, 10, 64); err != nil {
			return streamID{}, fmt.Errorf("invalid stream id %q", s)
		}
	}
	return id, nil
}

func (id streamID) less(o streamID) bool {
	return id.ms < o.ms || (id.ms == o.ms && id.seq < o.seq)
}

// next is the smallest id greater than id.
func (id streamID) next() streamID {
	if id.seq == math.MaxUint64 {
		return streamID{ms: id.ms + 1}
	}
	return streamID{ms: id.ms, seq: id.seq + 1}
}

func (id streamID) String() string {
	return strconv.FormatUint(id.ms, 10) + "-" + strconv.FormatUint(id.seq, 10)
}

func lowerID(a, b streamID) streamID {
	if b.less(a) {
		return b
	}
	return a
}

// KEYS: stream, outstanding index. ARGV: cap, jobId, payload, enqueuedAt.
var enqueueScript = redis.NewScript(`
if redis.call('HLEN', KEYS[2]) >= tonumber(ARGV[1]) then
  return false
end
local id = redis.call('XADD', KEYS[1], '*', 'jobId', ARGV[2], 'payload', ARGV[3], 'enqueuedAt', ARGV[4])
redis.call('HSET', KEYS[2], id, ARGV[2])
return id
`)

// KEYS: stream, outstanding index. ARGV: group, entry id. Capacity is freed
// by the index even when the entry is no longer in the stream.
var ackScript = redis.NewScript(`
redis.call('XACK', KEYS[1], ARGV[1], ARGV[2])
return redis.call('HDEL', KEYS[2], ARGV[2])
`)
