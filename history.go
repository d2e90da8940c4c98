package main

import (
	"sort"
	"time"

	"github.com/Proger-1984/first-call-crm-sub001/adapters"
)

// PriceChange is one entry of the stored price-history series.
type PriceChange struct {
	At    time.Time `json:"timestamp"`
	Price int       `json:"price"`
	Delta int       `json:"delta"`
}

// DiffPriceTimeline turns a raw price timeline into the newest-first series
// stored on the listing. Each delta is the rise/drop versus the next-older
// point; the oldest point carries delta 0. Input order does not matter (the
// upstream reports newest-first, the diff wants chronological). A timeline
// with fewer than two points has no history to show and yields nil.
func DiffPriceTimeline(points []adapters.PricePoint) []PriceChange {
	if len(points) < 2 {
		return nil
	}

	asc := make([]adapters.PricePoint, len(points))
	copy(asc, points)
	sort.Slice(asc, func(i, j int) bool { return asc[i].At < asc[j].At })

	out := make([]PriceChange, 0, len(asc))
	for i := len(asc) - 1; i >= 0; i-- {
		delta := 0
		if i > 0 {
			delta = asc[i].Price - asc[i-1].Price
		}
		out = append(out, PriceChange{
			At:    time.Unix(asc[i].At, 0).UTC(),
			Price: asc[i].Price,
			Delta: delta,
		})
	}
	return out
}
