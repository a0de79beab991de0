package geo

import (
	"context"
	"fmt"
	"math"

	"github.com/redis/go-redis/v9"
)

// MaxIndexedLat is the latitude limit of redis geo sets (web mercator).
const MaxIndexedLat = 85.05112878

// RedisIndex keeps one member per user in a redis geo set and answers
// radius candidate lookups. The durable store stays authoritative; callers
// re-check every candidate.
type RedisIndex struct {
	client *redis.Client
	key    string
}

func NewRedisIndex(client *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: client, key: key}
}

// Indexable reports whether p can be stored in a redis geo set.
func Indexable(p Point) bool {
	return math.Abs(p.Lat) <= MaxIndexedLat
}

// Covers reports whether a radius query can be answered from the index
// alone, i.e. no part of the search circle leaves the indexable band.
func Covers(center Point, radiusMeters float64) bool {
	for _, w := range RadiusWindows(center, radiusMeters) {
		if w.MaxLat > MaxIndexedLat || w.MinLat < -MaxIndexedLat {
			return false
		}
	}
	return true
}

func (r *RedisIndex) Set(ctx context.Context, userID string, p Point) error {
	if !Indexable(p) {
		return r.Remove(ctx, userID)
	}
	err := r.client.GeoAdd(ctx, r.key, &redis.GeoLocation{
		Name:      userID,
		Longitude: p.Lon,
		Latitude:  p.Lat,
	}).Err()
	if err != nil {
		return fmt.Errorf("geoadd %s: %w", userID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, userID string) error {
	if err := r.client.ZRem(ctx, r.key, userID).Err(); err != nil {
		return fmt.Errorf("zrem %s: %w", userID, err)
	}
	return nil
}

// Replace swaps the whole set for points in one transaction. Points outside
// the indexable band are skipped.
func (r *RedisIndex) Replace(ctx context.Context, points map[string]Point) error {
	locs := make([]*redis.GeoLocation, 0, len(points))
	for id, p := range points {
		if !Indexable(p) {
			continue
		}
		locs = append(locs, &redis.GeoLocation{Name: id, Longitude: p.Lon, Latitude: p.Lat})
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		if len(locs) > 0 {
			pipe.GeoAdd(ctx, r.key, locs...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("replace %s: %w", r.key, err)
	}
	return nil
}

// Near returns the user ids within roughly radiusMeters of center, nearest
// first. The radius is padded because redis uses a smaller earth radius and
// 52-bit geohash cells.
func (r *RedisIndex) Near(ctx context.Context, center Point, radiusMeters float64) ([]string, error) {
	ids, err := r.client.GeoSearch(ctx, r.key, &redis.GeoSearchQuery{
		Longitude:  center.Lon,
		Latitude:   center.Lat,
		Radius:     radiusMeters*1.001 + 1,
		RadiusUnit: "m",
		Sort:       "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("geosearch: %w", err)
	}
	return ids, nil
}
