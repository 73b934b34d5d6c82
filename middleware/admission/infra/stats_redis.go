package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"admission-gateway/middleware/admission/domain"

	"github.com/redis/go-redis/v9"
)

type RedisStatsStore struct {
	rdb redis.UniversalClient

	prefix string
	// ttl aplica apenas em chaves de série temporal / por origem.
	// total e por recurso são cumulativos e não expiram.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackOrigins bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackOrigins(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackOrigins = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "admission:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := string(ev.Kind)
	totalKey := s.prefix + ":total"

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, field, 1)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if res := strings.TrimSpace(ev.Resource); res != "" {
		resourceKey := s.prefix + ":resource"
		pipe.HIncrBy(ctx, resourceKey, res+":"+field, 1)
		switch ev.Kind {
		case domain.StatsBlock:
			pipe.HIncrBy(ctx, resourceKey, res+":block:"+string(ev.Reason), 1)
		case domain.StatsComplete:
			pipe.HIncrBy(ctx, resourceKey, res+":rt_ms", ev.RT.Milliseconds())
		}
	}

	if s.trackOrigins {
		o := strings.TrimSpace(ev.Origin)
		if o != "" {
			originKey := s.prefix + ":origin:" + o
			pipe.HIncrBy(ctx, originKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, originKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
