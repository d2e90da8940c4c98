package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/Proger-1984/first-call-crm-sub001/adapters"
)

// listingStore is what a worker needs from persistence. *Gateway satisfies
// it; tests substitute a fake.
type listingStore interface {
	SaveListing(ctx context.Context, l *Listing) (int64, error)
	LinkStation(ctx context.Context, listingID int64, st *Station, est TravelEstimate) error
	RecentExternalIDs(ctx context.Context, sourceID int, shardName string, window time.Duration) (map[int64]struct{}, error)
	LoadStations(ctx context.Context, region int) ([]Station, error)
	SetPriceHistory(ctx context.Context, listingID int64, blob []byte) error
}

// worker owns one shard for its entire lifetime. Its dedup cache, station
// table, store connection, and rand source are all private; no locking
// anywhere.
type worker struct {
	shard   ShardConfig
	cfg     config
	store   listingStore
	adapter adapters.SearchAdapter
	metrics *Metrics
	runID   string
	loc     *time.Location
	rnd     *rand.Rand

	seen       map[int64]struct{}
	stations   []Station
	lastRotate time.Time
	consecErrs int
}

func newWorker(shard ShardConfig, cfg config, store listingStore, adapter adapters.SearchAdapter, m *Metrics, runID string, loc *time.Location) *worker {
	return &worker{
		shard:   shard,
		cfg:     cfg,
		store:   store,
		adapter: adapter,
		metrics: m,
		runID:   runID,
		loc:     loc,
		rnd:     rand.New(rand.NewSource(time.Now().UnixNano() ^ int64(fnvShard(shard.Name)))),
	}
}

func fnvShard(s string) uint32 {
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}

func (w *worker) logf(format string, args ...any) {
	fmt.Printf("[worker %s %s] %s\n", w.shard.Name, w.runID[:8], fmt.Sprintf(format, args...))
}

// run is the daemon loop. It returns nil on a graceful stop and an error on
// anything fatal (the supervisor respawns either way while not stopping).
// stop is observed only at the top of an iteration; ctx is the forced-stop
// escalation and aborts in-flight sleeps and requests.
func (w *worker) run(ctx context.Context, stop <-chan struct{}) error {
	seen, err := w.store.RecentExternalIDs(ctx, w.cfg.sourceID, w.shard.Name, time.Duration(w.cfg.dedupWindowDay)*24*time.Hour)
	if err != nil {
		return fmt.Errorf("dedup cache init: %w", err)
	}
	w.seen = seen
	w.stations, err = w.store.LoadStations(ctx, w.shard.Region)
	if err != nil {
		return fmt.Errorf("station table init: %w", err)
	}
	w.lastRotate = time.Now()
	w.logf("started: %d cached ids, %d stations", len(w.seen), len(w.stations))

	rotateEvery := time.Duration(w.cfg.rotateCacheMin) * time.Minute
	for {
		select {
		case <-stop:
			w.logf("stopping")
			return nil
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if time.Since(w.lastRotate) >= rotateEvery {
			w.rotateCache(ctx)
		}

		if err := sleepCtx(ctx, w.sleepDuration()); err != nil {
			return err
		}

		query := buildSearchQuery(w.shard, w.rnd)
		offers, meta, err := w.adapter.SearchOffers(ctx, query)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.metrics.IncRequestErrors()
			w.consecErrs++
			w.logf("search failed (%d consecutive, http=%d): %v", w.consecErrs, meta.StatusCode, err)
			if w.consecErrs >= w.cfg.errThreshold {
				w.metrics.IncBackoffs()
				w.logf("backing off %ds", w.cfg.errBackoffSec)
				if err := sleepCtx(ctx, time.Duration(w.cfg.errBackoffSec)*time.Second); err != nil {
					return err
				}
				w.consecErrs = 0
			}
			continue
		}
		w.consecErrs = 0

		if len(offers) == 0 {
			// Nothing new is a normal outcome, not a failure.
			continue
		}
		w.processBatch(ctx, offers)
	}
}

// rotateCache rebuilds the dedup cache from storage, bounding its memory and
// absorbing external changes. A failed reload keeps the old cache.
func (w *worker) rotateCache(ctx context.Context) {
	fresh, err := w.store.RecentExternalIDs(ctx, w.cfg.sourceID, w.shard.Name, time.Duration(w.cfg.dedupWindowDay)*24*time.Hour)
	if err != nil {
		w.logf("cache rotation failed, keeping current cache: %v", err)
		return
	}
	w.seen = fresh
	w.lastRotate = time.Now()
	w.logf("cache rotated: %d ids", len(w.seen))
}

func (w *worker) sleepDuration() time.Duration {
	lo, hi := w.cfg.sleepMinSec, w.cfg.sleepMaxSec
	if w.shard.SleepMinSec > 0 {
		lo = w.shard.SleepMinSec
	}
	if w.shard.SleepMaxSec > 0 {
		hi = w.shard.SleepMaxSec
	}
	if hi <= lo {
		return time.Duration(lo) * time.Second
	}
	return time.Duration(lo)*time.Second + time.Duration(w.rnd.Int63n(int64(hi-lo)*int64(time.Second)))
}

// processBatch runs the per-offer pipeline in upstream order. An id enters
// the dedup cache only after its listing is durably saved; a persist failure
// leaves it unmarked so the next sighting retries (upserts make the rare
// double-processing harmless).
func (w *worker) processBatch(ctx context.Context, offers []adapters.Offer) {
	today := time.Now().In(w.loc)
	for _, of := range offers {
		if ctx.Err() != nil {
			return
		}
		w.metrics.IncOffersSeen()

		if _, ok := w.seen[of.ID]; ok {
			continue
		}
		// A zero CreatedAt means the upstream omitted the timestamp; let
		// the offer through rather than blacklisting it as stale.
		if w.shard.TodayOnly && of.CreatedAt != 0 && !sameLocalDay(of.Created(), today, w.loc) {
			// Suppressed for good: re-checking stale offers forever costs
			// more than the odd upstream backdate.
			w.seen[of.ID] = struct{}{}
			w.metrics.IncOffersSkipped()
			continue
		}

		l, ok := NormalizeOffer(of, w.shard, w.cfg.sourceID)
		if !ok {
			w.seen[of.ID] = struct{}{}
			w.metrics.IncOffersSkipped()
			continue
		}

		id, err := w.store.SaveListing(ctx, l)
		if err != nil {
			w.metrics.IncStoreErrors()
			w.logf("save failed, will retry on next sighting: %v", err)
			continue
		}

		if of.Metro != nil {
			if st := NearestStation(w.stations, of.Metro.Name, of.Metro.Lat, of.Metro.Lon); st != nil {
				est := EstimateTravel(of.Metro.Minutes, of.Metro.Transport)
				if err := w.store.LinkStation(ctx, id, st, est); err != nil {
					w.metrics.IncStoreErrors()
					w.logf("station link failed: %v", err)
				}
			}
		}

		w.seen[of.ID] = struct{}{}
		w.metrics.IncOffersSaved()
		if w.cfg.verbose {
			w.logf("saved %d %q", of.ID, l.Title)
		}

		if of.IsRaised {
			// Outside the hot path timing: small fixed pause, then one
			// extra upstream request.
			if err := sleepCtx(ctx, time.Duration(w.cfg.raisedPauseMs)*time.Millisecond); err != nil {
				return
			}
			w.refreshPriceHistory(ctx, id, of.ID)
		}
	}
}

// refreshPriceHistory stores the diffed price series for a promoted listing.
// Failures are logged and swallowed; they never abort the surrounding save.
func (w *worker) refreshPriceHistory(ctx context.Context, listingID, offerID int64) {
	points, _, err := w.adapter.FetchPriceTimeline(ctx, offerID)
	if err != nil {
		w.logf("price timeline fetch %d: %v", offerID, err)
		return
	}
	series := DiffPriceTimeline(points)
	if series == nil {
		// A single price point is no history.
		return
	}
	blob, err := json.Marshal(series)
	if err != nil {
		w.logf("price history encode %d: %v", offerID, err)
		return
	}
	if err := w.store.SetPriceHistory(ctx, listingID, blob); err != nil {
		w.metrics.IncStoreErrors()
		w.logf("price history store %d: %v", offerID, err)
	}
}

func sameLocalDay(a, b time.Time, loc *time.Location) bool {
	ay, am, ad := a.In(loc).Date()
	by, bm, bd := b.In(loc).Date()
	return ay == by && am == bm && ad == bd
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
