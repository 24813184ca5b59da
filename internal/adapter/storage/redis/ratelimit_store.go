package redis

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// RateLimitStore implements a sliding-window counter shared by every API
// instance. Each key keeps one counter per fixed window; the previous
// window's count is weighted by how much of it still overlaps the sliding
// window, which stops a client from bursting 2x the limit across a boundary.
type RateLimitStore struct {
	client *goredis.Client
	prefix string
	now    func() time.Time
}

func NewRateLimitStore(client *goredis.Client) *RateLimitStore {
	return &RateLimitStore{
		client: client,
		prefix: "ratelimit:",
		now:    time.Now,
	}
}

// RateLimitResult holds the outcome of a rate limit check.
type RateLimitResult struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   int64 // Unix timestamp of the current window's end
}

// Allow counts one request for key and reports whether it fits in limit.
// Rejected requests are counted too, so a client hammering past the limit
// stays blocked.
func (s *RateLimitStore) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*RateLimitResult, error) {
	seconds := max(int64(window/time.Second), 1)
	now := s.now()
	windowID := now.Unix() / seconds
	windowStart := time.Unix(windowID*seconds, 0)
	overlap := 1 - float64(now.Sub(windowStart))/float64(time.Duration(seconds)*time.Second)

	current := s.prefix + key + ":" + strconv.FormatInt(windowID, 10)
	previous := s.prefix + key + ":" + strconv.FormatInt(windowID-1, 10)

	var incr *goredis.IntCmd
	var prev *goredis.StringCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.Incr(ctx, current)
		// The counter must outlive its own window to serve as "previous".
		pipe.Expire(ctx, current, 2*time.Duration(seconds)*time.Second)
		prev = pipe.Get(ctx, previous)
		return nil
	})
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}

	prevCount, err := prev.Int64()
	if err != nil && !errors.Is(err, goredis.Nil) {
		return nil, err
	}

	estimate := incr.Val() + int64(math.Floor(float64(prevCount)*overlap))

	return &RateLimitResult{
		Allowed:   estimate <= limit,
		Limit:     limit,
		Remaining: max(limit-estimate, 0),
		ResetAt:   (windowID + 1) * seconds,
	}, nil
}
