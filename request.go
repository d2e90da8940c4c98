package main

import (
	"math/rand"
	"net/url"
	"strconv"
)

// Pick draws a value in [Lo, Hi] snapped to a multiple-of-step offset from
// Lo. Two consecutive requests therefore differ in their price bounds, which
// defeats the upstream's response cache.
func (r RandRange) Pick(rnd *rand.Rand, step int) int {
	if r.Hi <= r.Lo {
		return r.Lo
	}
	if step <= 0 {
		step = 1
	}
	slots := (r.Hi-r.Lo)/step + 1
	return r.Lo + rnd.Intn(slots)*step
}

// buildSearchQuery assembles one search request's parameters from scratch.
// Never cached across iterations: the randomized price bounds must be drawn
// fresh every time. Merge order: built-in defaults, then the shard's named
// fields, then the shard's extra map (last writer wins).
func buildSearchQuery(shard ShardConfig, rnd *rand.Rand) url.Values {
	q := url.Values{}

	// Built-in defaults the mobile client always sends.
	q.Set("dealType", "sale")
	q.Set("sort", "creationDate")
	q.Set("limit", "50")

	q.Set("region", strconv.Itoa(shard.Region))
	q.Set("location", strconv.Itoa(shard.Location))

	switch shard.Category {
	case CategoryCommercial:
		q.Set("officeType", "any")
	default:
		for _, r := range shard.Rooms {
			q.Add("room", strconv.Itoa(r))
		}
	}

	if !shard.PriceMin.IsZero() {
		q.Set("minPrice", strconv.Itoa(shard.PriceMin.Pick(rnd, priceStep)))
	}
	if !shard.PriceMax.IsZero() {
		q.Set("maxPrice", strconv.Itoa(shard.PriceMax.Pick(rnd, priceStep)))
	}

	for k, v := range shard.Extra {
		q.Set(k, v)
	}
	return q
}
