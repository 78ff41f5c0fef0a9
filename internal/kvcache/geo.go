package kvcache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// GeoMember is one entry in a geo set.
type GeoMember struct {
	Name string
	Lat  float64
	Lon  float64
}

// GeoResult is a radius hit with its distance from the query point.
type GeoResult struct {
	Name       string
	DistanceKm float64
}

// geoAddBatchSize bounds one pipelined GEOADD round-trip during bulk loads.
const geoAddBatchSize = 500

// GeoAdd inserts or updates members in a geo set.
func (c *Client) GeoAdd(ctx context.Context, key string, members ...GeoMember) error {
	if len(members) == 0 {
		return nil
	}
	locs := make([]*redis.GeoLocation, len(members))
	for i, m := range members {
		locs[i] = &redis.GeoLocation{Name: m.Name, Latitude: m.Lat, Longitude: m.Lon}
	}
	if err := c.rdb.GeoAdd(ctx, key, locs...).Err(); err != nil {
		return fmt.Errorf("redis GEOADD %q: %w", key, err)
	}
	return nil
}

// GeoAddBatch bulk-loads members through pipelined GEOADDs of bounded size.
// Used when hydrating the node index from the relational store.
func (c *Client) GeoAddBatch(ctx context.Context, key string, members []GeoMember) error {
	for start := 0; start < len(members); start += geoAddBatchSize {
		end := start + geoAddBatchSize
		if end > len(members) {
			end = len(members)
		}
		chunk := members[start:end]

		_, err := c.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
			locs := make([]*redis.GeoLocation, len(chunk))
			for i, m := range chunk {
				locs[i] = &redis.GeoLocation{Name: m.Name, Latitude: m.Lat, Longitude: m.Lon}
			}
			p.GeoAdd(ctx, key, locs...)
			return nil
		})
		if err != nil {
			return fmt.Errorf("redis GEOADD batch %q [%d:%d]: %w", key, start, end, err)
		}
	}
	return nil
}

// GeoRadius returns up to count members within radiusKm of the point,
// nearest first, each with its distance.
func (c *Client) GeoRadius(ctx context.Context, key string, lat, lon, radiusKm float64, count int) ([]GeoResult, error) {
	locs, err := c.rdb.GeoRadius(ctx, key, lon, lat, &redis.GeoRadiusQuery{
		Radius:   radiusKm,
		Unit:     "km",
		WithDist: true,
		Count:    count,
		Sort:     "ASC",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis GEORADIUS %q: %w", key, err)
	}

	out := make([]GeoResult, len(locs))
	for i, l := range locs {
		out[i] = GeoResult{Name: l.Name, DistanceKm: l.Dist}
	}
	return out, nil
}

// GeoPos returns a member's coordinates. ok is false for unknown members.
func (c *Client) GeoPos(ctx context.Context, key, member string) (lat, lon float64, ok bool, err error) {
	pos, err := c.rdb.GeoPos(ctx, key, member).Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("redis GEOPOS %q %q: %w", key, member, err)
	}
	if len(pos) == 0 || pos[0] == nil {
		return 0, 0, false, nil
	}
	return pos[0].Latitude, pos[0].Longitude, true, nil
}

// GeoDist returns the distance in km between two members. ok is false when
// either member is absent.
func (c *Client) GeoDist(ctx context.Context, key, member1, member2 string) (km float64, ok bool, err error) {
	d, err := c.rdb.GeoDist(ctx, key, member1, member2, "km").Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("redis GEODIST %q: %w", key, err)
	}
	return d, true, nil
}

// GeoRemove drops members from a geo set. Geo sets are sorted sets
// underneath, so removal is a plain ZREM.
func (c *Client) GeoRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := c.rdb.ZRem(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("redis ZREM %q: %w", key, err)
	}
	return nil
}

// GeoCard returns the member count of a geo set.
func (c *Client) GeoCard(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.ZCard(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis ZCARD %q: %w", key, err)
	}
	return n, nil
}
