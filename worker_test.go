package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/Proger-1984/first-call-crm-sub001/adapters"
)

// ───────── Test doubles ─────────

type linkRec struct {
	listingID int64
	stationID int64
	est       TravelEstimate
}

type fakeStore struct {
	mu       sync.Mutex
	nextID   int64
	recent   map[int64]struct{}
	stations []Station

	saved     []Listing
	ids       map[int64]int64 // external -> internal
	failSave  map[int64]bool  // external ids whose save fails
	links     []linkRec
	histories map[int64][]byte

	recentErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		recent:    map[int64]struct{}{},
		ids:       map[int64]int64{},
		failSave:  map[int64]bool{},
		histories: map[int64][]byte{},
	}
}

func (f *fakeStore) SaveListing(_ context.Context, l *Listing) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSave[l.ExternalID] {
		return 0, errors.New("induced save failure")
	}
	id, ok := f.ids[l.ExternalID]
	if !ok {
		f.nextID++
		id = f.nextID
		f.ids[l.ExternalID] = id
	}
	f.saved = append(f.saved, *l)
	return id, nil
}

func (f *fakeStore) LinkStation(_ context.Context, listingID int64, st *Station, est TravelEstimate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links = append(f.links, linkRec{listingID: listingID, stationID: st.ID, est: est})
	return nil
}

func (f *fakeStore) RecentExternalIDs(_ context.Context, _ int, _ string, _ time.Duration) (map[int64]struct{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.recentErr != nil {
		return nil, f.recentErr
	}
	out := make(map[int64]struct{}, len(f.recent))
	for id := range f.recent {
		out[id] = struct{}{}
	}
	return out, nil
}

func (f *fakeStore) LoadStations(_ context.Context, _ int) ([]Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stations, nil
}

func (f *fakeStore) SetPriceHistory(_ context.Context, listingID int64, blob []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.histories[listingID] = blob
	return nil
}

func (f *fakeStore) savedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.saved)
}

type scriptedAdapter struct {
	search   func(ctx context.Context, q url.Values) ([]adapters.Offer, adapters.FetchMeta, error)
	timeline func(ctx context.Context, id int64) ([]adapters.PricePoint, adapters.FetchMeta, error)
}

func (s *scriptedAdapter) SearchOffers(ctx context.Context, q url.Values) ([]adapters.Offer, adapters.FetchMeta, error) {
	if s.search == nil {
		return nil, adapters.FetchMeta{StatusCode: 200}, nil
	}
	return s.search(ctx, q)
}

func (s *scriptedAdapter) FetchPriceTimeline(ctx context.Context, id int64) ([]adapters.PricePoint, adapters.FetchMeta, error) {
	if s.timeline == nil {
		return nil, adapters.FetchMeta{StatusCode: 200}, nil
	}
	return s.timeline(ctx, id)
}

func workerTestConfig() config {
	return config{
		sourceID:       1,
		rotateCacheMin: 600,
		dedupWindowDay: 30,
		errThreshold:   3,
		errBackoffSec:  0,
		raisedPauseMs:  0,
	}
}

func testWorker(t *testing.T, shard ShardConfig, store listingStore, ad adapters.SearchAdapter) *worker {
	t.Helper()
	m := NewMetrics()
	w := newWorker(shard, workerTestConfig(), store, ad, m, "00000000-0000-0000-0000-000000000000", time.UTC)
	w.seen = map[int64]struct{}{}
	return w
}

func metricsSnapshot(m *Metrics) (backoffs, reqErrs, saved, skipped, storeErrs uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.backoffs, m.requestErrors, m.offersSaved, m.offersSkipped, m.storeErrors
}

// ───────── Tests ─────────

func TestWorkerBackoffAtThreshold(t *testing.T) {
	store := newFakeStore()
	var calls int
	stop := make(chan struct{})
	ad := &scriptedAdapter{
		search: func(context.Context, url.Values) ([]adapters.Offer, adapters.FetchMeta, error) {
			calls++
			if calls == 7 {
				close(stop)
			}
			return nil, adapters.FetchMeta{StatusCode: 500}, errors.New("upstream down")
		},
	}
	w := testWorker(t, ShardConfig{Name: "s", Category: CategoryRooms}, store, ad)

	if err := w.run(context.Background(), stop); err != nil {
		t.Fatalf("run = %v, want nil on graceful stop", err)
	}

	backoffs, reqErrs, _, _, _ := metricsSnapshot(w.metrics)
	// Failures 3 and 6 hit the threshold; failure 7 leaves one on the counter.
	if backoffs != 2 {
		t.Errorf("backoffs = %d, want 2", backoffs)
	}
	if reqErrs != 7 {
		t.Errorf("request errors = %d, want 7", reqErrs)
	}
	if w.consecErrs != 1 {
		t.Errorf("consecutive errors = %d, want 1", w.consecErrs)
	}
}

func TestWorkerSuccessResetsErrorCounter(t *testing.T) {
	store := newFakeStore()
	var calls int
	stop := make(chan struct{})
	ad := &scriptedAdapter{
		search: func(context.Context, url.Values) ([]adapters.Offer, adapters.FetchMeta, error) {
			calls++
			switch {
			case calls <= 2:
				return nil, adapters.FetchMeta{}, errors.New("blip")
			case calls == 3:
				return nil, adapters.FetchMeta{StatusCode: 200}, nil // empty page, still a success
			default:
				close(stop)
				return nil, adapters.FetchMeta{}, errors.New("blip")
			}
		},
	}
	w := testWorker(t, ShardConfig{Name: "s", Category: CategoryRooms}, store, ad)

	if err := w.run(context.Background(), stop); err != nil {
		t.Fatalf("run = %v", err)
	}

	backoffs, _, _, _, _ := metricsSnapshot(w.metrics)
	if backoffs != 0 {
		t.Errorf("backoffs = %d, want 0 (success must reset the streak)", backoffs)
	}
	if w.consecErrs != 1 {
		t.Errorf("consecutive errors = %d, want 1", w.consecErrs)
	}
}

func TestWorkerRunFailsWhenDedupInitFails(t *testing.T) {
	store := newFakeStore()
	store.recentErr = errors.New("db down")
	w := testWorker(t, ShardConfig{Name: "s", Category: CategoryRooms}, store, &scriptedAdapter{})

	if err := w.run(context.Background(), make(chan struct{})); err == nil {
		t.Fatal("run = nil, want dedup init error")
	}
}

func TestProcessBatchMarksSeenOnlyAfterSave(t *testing.T) {
	store := newFakeStore()
	store.failSave[101] = true
	w := testWorker(t, ShardConfig{Name: "s", Category: CategoryRooms}, store, &scriptedAdapter{})

	batch := []adapters.Offer{
		{ID: 101, RoomsCode: 1, Price: 1_000_000},
		{ID: 102, RoomsCode: 2, Price: 2_000_000},
		{ID: 102, RoomsCode: 2, Price: 2_000_000}, // duplicate inside the page
	}
	w.processBatch(context.Background(), batch)

	if _, ok := w.seen[101]; ok {
		t.Error("failed save must leave the id unmarked")
	}
	if _, ok := w.seen[102]; !ok {
		t.Error("durable save must mark the id")
	}
	if n := store.savedCount(); n != 1 {
		t.Errorf("saved %d listings, want 1", n)
	}

	// The next sighting of 101 retries and succeeds.
	delete(store.failSave, 101)
	w.processBatch(context.Background(), batch[:1])
	if _, ok := w.seen[101]; !ok {
		t.Error("retry after restored store must mark the id")
	}

	_, _, saved, _, storeErrs := metricsSnapshot(w.metrics)
	if saved != 2 {
		t.Errorf("saved counter = %d, want 2", saved)
	}
	if storeErrs != 1 {
		t.Errorf("store errors = %d, want 1", storeErrs)
	}
}

func TestProcessBatchTodayOnly(t *testing.T) {
	store := newFakeStore()
	w := testWorker(t, ShardConfig{Name: "s", Category: CategoryRooms, TodayOnly: true}, store, &scriptedAdapter{})

	now := time.Now()
	batch := []adapters.Offer{
		{ID: 201, RoomsCode: 1, CreatedAt: now.Add(-48 * time.Hour).Unix()},
		{ID: 202, RoomsCode: 1, CreatedAt: now.Unix()},
	}
	w.processBatch(context.Background(), batch)

	if store.savedCount() != 1 {
		t.Fatalf("saved %d listings, want only today's", store.savedCount())
	}
	if store.saved[0].ExternalID != 202 {
		t.Errorf("saved %d, want 202", store.saved[0].ExternalID)
	}
	// The stale offer is suppressed permanently, not retried.
	if _, ok := w.seen[201]; !ok {
		t.Error("stale offer must be marked seen")
	}
}

func TestProcessBatchTodayOnlyMissingTimestamp(t *testing.T) {
	store := newFakeStore()
	w := testWorker(t, ShardConfig{Name: "s", Category: CategoryRooms, TodayOnly: true}, store, &scriptedAdapter{})

	// No creation timestamp from the upstream: the date filter must not
	// treat it as a 1970 offer and suppress it.
	w.processBatch(context.Background(), []adapters.Offer{{ID: 203, RoomsCode: 1}})

	if store.savedCount() != 1 {
		t.Fatalf("saved %d listings, want 1", store.savedCount())
	}
	if store.saved[0].ExternalID != 203 {
		t.Errorf("saved %d, want 203", store.saved[0].ExternalID)
	}
}

func TestProcessBatchRejectedOfferMarkedSeen(t *testing.T) {
	store := newFakeStore()
	w := testWorker(t, ShardConfig{Name: "s", Category: CategoryRooms}, store, &scriptedAdapter{})

	w.processBatch(context.Background(), []adapters.Offer{{ID: 301, RoomsCode: 8}})

	if store.savedCount() != 0 {
		t.Error("unmappable offer must not be saved")
	}
	if _, ok := w.seen[301]; !ok {
		t.Error("unmappable offer must be marked seen")
	}
	_, _, _, skipped, _ := metricsSnapshot(w.metrics)
	if skipped != 1 {
		t.Errorf("skipped = %d, want 1", skipped)
	}
}

func TestProcessBatchLinksNearestStation(t *testing.T) {
	store := newFakeStore()
	store.stations = []Station{
		{ID: 1, Name: "Central", Lat: 55.70, Lon: 37.50},
		{ID: 2, Name: "Central", Lat: 55.76, Lon: 37.62},
	}
	w := testWorker(t, ShardConfig{Name: "s", Category: CategoryRooms}, store, &scriptedAdapter{})
	w.stations = store.stations

	of := adapters.Offer{
		ID:        401,
		RoomsCode: 2,
		Metro:     &adapters.MetroInfo{Name: "Central", Lat: 55.7558, Lon: 37.6173, Minutes: 5},
	}
	w.processBatch(context.Background(), []adapters.Offer{of})

	if len(store.links) != 1 {
		t.Fatalf("links = %d, want 1", len(store.links))
	}
	l := store.links[0]
	if l.stationID != 2 {
		t.Errorf("linked station %d, want 2 (closer of the duplicates)", l.stationID)
	}
	if l.est.Minutes != 5 || l.est.Transport {
		t.Errorf("estimate = %+v, want 5 walking minutes", l.est)
	}
}

func TestProcessBatchPromotedFetchesHistory(t *testing.T) {
	store := newFakeStore()
	ad := &scriptedAdapter{
		timeline: func(_ context.Context, id int64) ([]adapters.PricePoint, adapters.FetchMeta, error) {
			return []adapters.PricePoint{
				{At: 3000, Price: 90},
				{At: 1000, Price: 100},
			}, adapters.FetchMeta{StatusCode: 200}, nil
		},
	}
	w := testWorker(t, ShardConfig{Name: "s", Category: CategoryRooms}, store, ad)

	w.processBatch(context.Background(), []adapters.Offer{{ID: 501, RoomsCode: 1, IsRaised: true}})

	id := store.ids[501]
	blob, ok := store.histories[id]
	if !ok {
		t.Fatal("promoted offer must store a price history")
	}
	var series []PriceChange
	if err := json.Unmarshal(blob, &series); err != nil {
		t.Fatal(err)
	}
	if len(series) != 2 || series[0].Price != 90 || series[0].Delta != -10 {
		t.Errorf("series = %+v", series)
	}
	if store.saved[0].Status != StatusPromoted {
		t.Errorf("status = %q, want %q", store.saved[0].Status, StatusPromoted)
	}
}

func TestProcessBatchSinglePricePointStoresNothing(t *testing.T) {
	store := newFakeStore()
	ad := &scriptedAdapter{
		timeline: func(_ context.Context, id int64) ([]adapters.PricePoint, adapters.FetchMeta, error) {
			return []adapters.PricePoint{{At: 1000, Price: 100}}, adapters.FetchMeta{StatusCode: 200}, nil
		},
	}
	w := testWorker(t, ShardConfig{Name: "s", Category: CategoryRooms}, store, ad)

	w.processBatch(context.Background(), []adapters.Offer{{ID: 601, RoomsCode: 1, IsRaised: true}})

	if len(store.histories) != 0 {
		t.Errorf("histories = %v, want none for a single-point timeline", store.histories)
	}
	if _, ok := w.seen[601]; !ok {
		t.Error("the listing itself must still be saved and marked")
	}
}

func TestSleepDurationShardOverride(t *testing.T) {
	cfg := workerTestConfig()
	cfg.sleepMinSec, cfg.sleepMaxSec = 35, 95
	w := newWorker(ShardConfig{Name: "s", SleepMinSec: 2, SleepMaxSec: 4}, cfg, newFakeStore(), &scriptedAdapter{}, NewMetrics(), "00000000-0000-0000-0000-000000000000", time.UTC)

	for i := 0; i < 100; i++ {
		d := w.sleepDuration()
		if d < 2*time.Second || d >= 4*time.Second {
			t.Fatalf("sleep = %s, outside shard's [2s, 4s)", d)
		}
	}

	w.shard.SleepMinSec, w.shard.SleepMaxSec = 0, 0
	for i := 0; i < 100; i++ {
		d := w.sleepDuration()
		if d < 35*time.Second || d >= 95*time.Second {
			t.Fatalf("sleep = %s, outside global [35s, 95s)", d)
		}
	}
}
