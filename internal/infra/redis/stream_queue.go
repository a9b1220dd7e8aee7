package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"quiz-ingest-service/internal/domain"
)

const (
	streamPrefix = "quiz:answers:"
	streamSetKey = "quiz:answer_streams"
	dedupePrefix = "quiz:answer:dedupe:"
	heartbeatKey = "quiz:answer_consumer:heartbeat"
)

// StreamEntry is one raw record read from a quiz stream, identified by the
// sequence id Redis assigned on append.
type StreamEntry struct {
	ID    string
	Event domain.AnswerEvent
}

// StreamQueue wraps the per-quiz durable answer streams plus the shared
// primitives layered on the same client: the known-stream registry, the
// dedup markers, and the consumer heartbeat.
type StreamQueue struct {
	client *redis.Client
}

func NewStreamQueue(client *redis.Client) *StreamQueue {
	return &StreamQueue{client: client}
}

// StreamKey returns the stream name for a quiz.
func StreamKey(quizID string) string {
	return streamPrefix + quizID
}

// QuizID recovers the quiz id from a stream key.
func QuizID(streamKey string) string {
	return strings.TrimPrefix(streamKey, streamPrefix)
}

// Append adds an answer to the quiz's stream and registers the stream as
// non-empty so the consumer can discover it.
func (q *StreamQueue) Append(ctx context.Context, event domain.AnswerEvent) error {
	key := StreamKey(event.QuizID)
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]interface{}{
			"visitorId":   event.VisitorID,
			"questionId":  event.QuestionID,
			"quizId":      event.QuizID,
			"answerIndex": strconv.Itoa(event.AnswerIndex),
			"isCorrect":   boolField(event.IsCorrect),
			"timeLeft":    strconv.Itoa(event.TimeLeft),
			"score":       strconv.Itoa(event.Score),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", key, err)
	}
	if err := q.client.SAdd(ctx, streamSetKey, key).Err(); err != nil {
		return fmt.Errorf("register stream %s: %w", key, err)
	}
	return nil
}

// ListStreams returns the registered stream keys.
func (q *StreamQueue) ListStreams(ctx context.Context) ([]string, error) {
	keys, err := q.client.SMembers(ctx, streamSetKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list streams: %w", err)
	}
	return keys, nil
}

// ReadBatch reads up to count entries from the head of a stream.
// Malformed numeric fields are coerced to zero rather than failing the batch.
func (q *StreamQueue) ReadBatch(ctx context.Context, streamKey string, count int) ([]StreamEntry, error) {
	messages, err := q.client.XRangeN(ctx, streamKey, "-", "+", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("xrange %s: %w", streamKey, err)
	}
	entries := make([]StreamEntry, 0, len(messages))
	for _, msg := range messages {
		entries = append(entries, StreamEntry{
			ID:    msg.ID,
			Event: parseAnswerMessage(msg.Values),
		})
	}
	return entries, nil
}

// DeleteEntries removes consumed entries from a stream.
func (q *StreamQueue) DeleteEntries(ctx context.Context, streamKey string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := q.client.XDel(ctx, streamKey, ids...).Err(); err != nil {
		return fmt.Errorf("xdel %s: %w", streamKey, err)
	}
	return nil
}

// Length returns the number of pending entries in a stream.
func (q *StreamQueue) Length(ctx context.Context, streamKey string) (int, error) {
	n, err := q.client.XLen(ctx, streamKey).Result()
	if err != nil {
		return 0, fmt.Errorf("xlen %s: %w", streamKey, err)
	}
	return int(n), nil
}

// RemoveIfEmpty deregisters a stream from the registry once it has no entries,
// so queue discovery does not grow without bound.
func (q *StreamQueue) RemoveIfEmpty(ctx context.Context, streamKey string) error {
	n, err := q.client.XLen(ctx, streamKey).Result()
	if err != nil {
		return fmt.Errorf("xlen %s: %w", streamKey, err)
	}
	if n == 0 {
		if err := q.client.SRem(ctx, streamSetKey, streamKey).Err(); err != nil {
			return fmt.Errorf("deregister stream %s: %w", streamKey, err)
		}
	}
	return nil
}

// Admit attempts to claim the dedup marker for a key. It returns true exactly
// once per key within the TTL window. Any error means "not admitted": the
// caller fails closed rather than risking a double count.
func (q *StreamQueue) Admit(ctx context.Context, dedupeKey string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, dedupePrefix+dedupeKey, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe setnx: %w", err)
	}
	return ok, nil
}

// ReleaseDedupe drops a dedup marker (used when an admitted append fails, so
// the visitor can retry).
func (q *StreamQueue) ReleaseDedupe(ctx context.Context, dedupeKey string) error {
	return q.client.Del(ctx, dedupePrefix+dedupeKey).Err()
}

// SetHeartbeat publishes the consumer heartbeat with a short TTL.
func (q *StreamQueue) SetHeartbeat(ctx context.Context, hb domain.ConsumerHeartbeat, ttl time.Duration) error {
	payload, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	if err := q.client.Set(ctx, heartbeatKey, payload, ttl).Err(); err != nil {
		return fmt.Errorf("set heartbeat: %w", err)
	}
	return nil
}

// GetHeartbeat returns the latest heartbeat, or nil if absent or expired.
func (q *StreamQueue) GetHeartbeat(ctx context.Context) (*domain.ConsumerHeartbeat, error) {
	raw, err := q.client.Get(ctx, heartbeatKey).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get heartbeat: %w", err)
	}
	var hb domain.ConsumerHeartbeat
	if err := json.Unmarshal(raw, &hb); err != nil {
		return nil, nil
	}
	return &hb, nil
}

func parseAnswerMessage(values map[string]interface{}) domain.AnswerEvent {
	return domain.AnswerEvent{
		VisitorID:   stringField(values, "visitorId"),
		QuestionID:  stringField(values, "questionId"),
		QuizID:      stringField(values, "quizId"),
		AnswerIndex: intField(values, "answerIndex"),
		IsCorrect:   parseBool(stringField(values, "isCorrect")),
		TimeLeft:    intField(values, "timeLeft"),
		Score:       intField(values, "score"),
	}
}

func stringField(values map[string]interface{}, key string) string {
	if v, ok := values[key].(string); ok {
		return v
	}
	return ""
}

// intField coerces a missing or malformed numeric field to zero so one bad
// entry cannot block an otherwise valid batch.
func intField(values map[string]interface{}, key string) int {
	n, err := strconv.Atoi(stringField(values, key))
	if err != nil {
		return 0
	}
	return n
}

func parseBool(raw string) bool {
	return raw == "1" || raw == "true"
}

func boolField(b bool) string {
	if b {
		return "1"
	}
	return "0"
}
