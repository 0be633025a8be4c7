package concept

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/weftworks/weft/internal/value"
)

// ratingsKeyPrefix namespaces the per-section rating hashes.
const ratingsKeyPrefix = "weft:ratings:"

// Ratings is the Redis-backed section-rating concept: one hash per
// section, field per user, score as the field value. A user rating a
// section again replaces their previous score.
//
// Actions:
//   - rate {section, user, score} -> {section, user, score}
//   - summary {section} -> {section, count, total}
//
// Scores are integers 1..5. Redis being unreachable is an
// infrastructure failure (a Go error), not an {error} output.
type Ratings struct {
	client *redis.Client
}

// NewRatings creates the ratings concept from a Redis client.
func NewRatings(client *redis.Client) *Ratings {
	return &Ratings{client: client}
}

// ConnectRedis creates a Redis client from a URL such as
// "redis://localhost:6379/0".
func ConnectRedis(redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// Invoke implements Invoker.
func (r *Ratings) Invoke(ctx context.Context, action string, input value.Object) (value.Object, error) {
	switch action {
	case "rate":
		return r.rate(ctx, input)
	case "summary":
		return r.summary(ctx, input)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func (r *Ratings) rate(ctx context.Context, input value.Object) (value.Object, error) {
	sectionID, ok := stringField(input, "section")
	if !ok {
		return failure("section required"), nil
	}
	user, ok := stringField(input, "user")
	if !ok {
		return failure("user required"), nil
	}
	score, ok := intField(input, "score")
	if !ok || score < 1 || score > 5 {
		return failure("score must be an integer from 1 to 5"), nil
	}

	key := ratingsKeyPrefix + sectionID
	if err := r.client.HSet(ctx, key, user, score).Err(); err != nil {
		return nil, fmt.Errorf("rate section %s: %w", sectionID, err)
	}

	return value.Object{
		"section": value.String(sectionID),
		"user":    value.String(user),
		"score":   value.Int(score),
	}, nil
}

func (r *Ratings) summary(ctx context.Context, input value.Object) (value.Object, error) {
	sectionID, ok := stringField(input, "section")
	if !ok {
		return failure("section required"), nil
	}

	key := ratingsKeyPrefix + sectionID
	scores, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("summarize section %s: %w", sectionID, err)
	}

	var total int64
	for user, raw := range scores {
		score, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("summarize section %s: bad score for %q: %w", sectionID, user, err)
		}
		total += score
	}

	return value.Object{
		"section": value.String(sectionID),
		"count":   value.Int(int64(len(scores))),
		"total":   value.Int(total),
	}, nil
}
