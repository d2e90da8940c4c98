// Package adapters contains pluggable upstream connectors for the crawler.
//
// All upstream-specific fetching lives behind the SearchAdapter interface:
//   - http-json: the real mobile search API (impersonation headers, rotating
//     proxies, bounded request rate)
//   - mock: deterministic synthetic offers, no network calls
package adapters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// AddressPart is one component of the upstream's flat geocoded address list.
type AddressPart struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// Address component type codes as reported by the upstream geocoder.
const (
	AddrCity         = "location"
	AddrCityDistrict = "district"
	AddrStreet       = "street"
	AddrHouse        = "house"
)

// MetroInfo is the upstream's nearest-transit block, present only when the
// upstream managed to geocode the offer near a station.
type MetroInfo struct {
	Name      string  `json:"name"`
	Lat       float64 `json:"lat"`
	Lon       float64 `json:"lng"`
	Minutes   int     `json:"time"`
	Transport bool    `json:"isTransport"`
}

// Offer is one raw listing record as the search endpoint reports it.
// Offers are transient: the caller maps them and throws them away.
type Offer struct {
	ID             int64         `json:"offerId"`
	Price          int           `json:"price"`
	AreaM2         float64       `json:"area"`
	Floor          int           `json:"floor"`
	FloorsTotal    int           `json:"floorsTotal"`
	RoomsCode      int           `json:"rooms"`
	CommercialType int           `json:"commercialType"`
	Lat            float64       `json:"lat"`
	Lon            float64       `json:"lng"`
	Address        []AddressPart `json:"address"`
	Metro          *MetroInfo    `json:"metro"`
	Phone          string        `json:"phone"`
	IsRaised       bool          `json:"isRaised"`
	CreatedAt      int64         `json:"creationDate"` // unix seconds
	URL            string        `json:"url"`
}

// Created returns the offer creation timestamp.
func (o Offer) Created() time.Time {
	return time.Unix(o.CreatedAt, 0)
}

// HasPoint reports whether the upstream geocoded the offer.
func (o Offer) HasPoint() bool {
	return o.Lat != 0 || o.Lon != 0
}

// PricePoint is one entry of the upstream's price timeline for an offer.
type PricePoint struct {
	At    int64 `json:"date"` // unix seconds
	Price int   `json:"price"`
}

// FetchMeta provides request-level telemetry without leaking connector details.
type FetchMeta struct {
	StatusCode int
	Latency    time.Duration
	ViaProxy   string
}

// SearchAdapter abstracts all upstream-specific logic.
type SearchAdapter interface {
	// SearchOffers runs one search request with the given query parameters.
	SearchOffers(ctx context.Context, query url.Values) ([]Offer, FetchMeta, error)

	// FetchPriceTimeline fetches the full price timeline for one offer.
	FetchPriceTimeline(ctx context.Context, offerID int64) ([]PricePoint, FetchMeta, error)
}

// ─────────────────────────────────────────────────────────────────────────────
// HTTP JSON adapter
// ─────────────────────────────────────────────────────────────────────────────

const maxBodyBytes = 8 << 20

// HTTPJSONAdapter talks to the mobile search API under BaseURL.
//
// Expected endpoints:
//   GET {base}/api/search?...            -> {"offers":[...]} or [...]
//   GET {base}/api/offers/{id}/prices    -> {"history":[...]} or [...]
//
// Every request goes out with the fixed header set the upstream's mobile
// client sends, and (when a pool is configured) through a randomly chosen
// proxy. The limiter caps total request rate across both endpoints.
type HTTPJSONAdapter struct {
	baseURL   string
	authToken string
	userAgent string
	clients   []proxyClient
	limiter   *rate.Limiter
}

type proxyClient struct {
	label  string // "direct" or proxy host
	client *http.Client
}

type HTTPJSONAdapterOptions struct {
	BaseURL   string
	AuthToken string
	UserAgent string
	Proxies   []string // optional; empty pool means direct only
	Timeout   time.Duration
	RPS       float64 // 0 = unlimited
}

func NewHTTPJSONAdapter(opts HTTPJSONAdapterOptions) (*HTTPJSONAdapter, error) {
	base := strings.TrimSpace(opts.BaseURL)
	if base == "" {
		return nil, errors.New("BaseURL is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("invalid BaseURL: %w", err)
	}
	if strings.TrimSpace(opts.AuthToken) == "" {
		return nil, errors.New("AuthToken is required")
	}
	to := opts.Timeout
	if to <= 0 {
		to = 20 * time.Second
	}
	ua := strings.TrimSpace(opts.UserAgent)
	if ua == "" {
		ua = "ios/estate-search 2.14.1"
	}

	a := &HTTPJSONAdapter{
		baseURL:   strings.TrimRight(base, "/"),
		authToken: strings.TrimSpace(opts.AuthToken),
		userAgent: ua,
	}
	if opts.RPS > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}

	a.clients = append(a.clients, proxyClient{label: "direct", client: &http.Client{Timeout: to}})
	for _, p := range opts.Proxies {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		pu, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy %q: %w", p, err)
		}
		a.clients = append(a.clients, proxyClient{
			label: pu.Host,
			client: &http.Client{
				Timeout:   to,
				Transport: &http.Transport{Proxy: http.ProxyURL(pu)},
			},
		})
	}
	// A configured pool replaces the direct client instead of mixing with it.
	if len(a.clients) > 1 {
		a.clients = a.clients[1:]
	}
	return a, nil
}

func (a *HTTPJSONAdapter) SearchOffers(ctx context.Context, query url.Values) ([]Offer, FetchMeta, error) {
	body, meta, err := a.doGET(ctx, a.baseURL+"/api/search?"+query.Encode())
	if err != nil {
		return nil, meta, err
	}
	if len(body) == 0 {
		return nil, meta, errors.New("empty search body")
	}

	// Accept both object-wrapped and bare-array payloads.
	var wrapped struct {
		Offers []Offer `json:"offers"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Offers != nil {
		return wrapped.Offers, meta, nil
	}
	var arr []Offer
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, meta, fmt.Errorf("search payload parse: %w", err)
	}
	return arr, meta, nil
}

func (a *HTTPJSONAdapter) FetchPriceTimeline(ctx context.Context, offerID int64) ([]PricePoint, FetchMeta, error) {
	u := a.baseURL + "/api/offers/" + strconv.FormatInt(offerID, 10) + "/prices"
	body, meta, err := a.doGET(ctx, u)
	if err != nil {
		return nil, meta, err
	}

	var wrapped struct {
		History []PricePoint `json:"history"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.History != nil {
		return wrapped.History, meta, nil
	}
	var arr []PricePoint
	if err := json.Unmarshal(body, &arr); err != nil {
		return nil, meta, fmt.Errorf("price timeline parse: %w", err)
	}
	return arr, meta, nil
}

func (a *HTTPJSONAdapter) doGET(ctx context.Context, u string) ([]byte, FetchMeta, error) {
	start := time.Now()
	pc := a.clients[rand.Intn(len(a.clients))]
	meta := FetchMeta{ViaProxy: pc.label}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			meta.Latency = time.Since(start)
			return nil, meta, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		meta.Latency = time.Since(start)
		return nil, meta, err
	}
	a.setHeaders(req)

	resp, err := pc.client.Do(req)
	if err != nil {
		meta.Latency = time.Since(start)
		return nil, meta, err
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	meta.StatusCode = resp.StatusCode
	meta.Latency = time.Since(start)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, meta, fmt.Errorf("http status %d", resp.StatusCode)
	}
	return b, meta, nil
}

// setHeaders applies the fixed header set the upstream's own mobile client
// sends. The upstream fingerprints on these; keep them stable.
func (a *HTTPJSONAdapter) setHeaders(req *http.Request) {
	req.Header.Set("User-Agent", a.userAgent)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Language", "ru")
	req.Header.Set("Authorization", "Bearer "+a.authToken)
	req.Header.Set("X-Client-Platform", "ios")
}

// ─────────────────────────────────────────────────────────────────────────────
// Mock adapter (offline-safe)
// ─────────────────────────────────────────────────────────────────────────────

// MockAdapter produces synthetic offers for demos and unit tests.
// Deterministic for a fixed seed; no network calls.
type MockAdapter struct {
	seed int64
}

func NewMockAdapter(seed int64) *MockAdapter {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &MockAdapter{seed: seed}
}

func (m *MockAdapter) SearchOffers(ctx context.Context, query url.Values) ([]Offer, FetchMeta, error) {
	start := time.Now()
	select {
	case <-ctx.Done():
		return nil, FetchMeta{Latency: time.Since(start)}, ctx.Err()
	default:
	}

	h := fnv64(query.Encode())
	r := rand.New(rand.NewSource(int64(h) ^ m.seed))

	n := 8
	now := time.Now()
	out := make([]Offer, 0, n)
	for i := 0; i < n; i++ {
		id := int64(h%1000000)*100 + int64(i)
		of := Offer{
			ID:          id,
			Price:       3_000_000 + int(r.Int31n(40))*50_000,
			AreaM2:      30 + float64(r.Int31n(60)),
			Floor:       1 + int(r.Int31n(16)),
			FloorsTotal: 17,
			RoomsCode:   1 + int(r.Int31n(3)),
			Lat:         55.70 + r.Float64()*0.1,
			Lon:         37.55 + r.Float64()*0.1,
			Address: []AddressPart{
				{Type: AddrCity, Name: "Mock City"},
				{Type: AddrStreet, Name: fmt.Sprintf("Street %d", i+1)},
				{Type: AddrHouse, Name: strconv.Itoa(i + 1)},
			},
			Phone:     fmt.Sprintf("+7916%07d", id%10000000),
			IsRaised:  i%5 == 0,
			CreatedAt: now.Add(-time.Duration(r.Int31n(36)) * time.Hour).Unix(),
			URL:       fmt.Sprintf("https://upstream.invalid/offers/%d", id),
		}
		if i%2 == 0 {
			of.Metro = &MetroInfo{
				Name:      "Central",
				Lat:       of.Lat + 0.004,
				Lon:       of.Lon - 0.003,
				Minutes:   5 + int(r.Int31n(15)),
				Transport: i%4 == 0,
			}
		}
		out = append(out, of)
	}
	return out, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

func (m *MockAdapter) FetchPriceTimeline(ctx context.Context, offerID int64) ([]PricePoint, FetchMeta, error) {
	start := time.Now()
	select {
	case <-ctx.Done():
		return nil, FetchMeta{Latency: time.Since(start)}, ctx.Err()
	default:
	}

	r := rand.New(rand.NewSource(offerID ^ m.seed))
	base := 3_000_000 + int(r.Int31n(40))*50_000
	now := time.Now()
	// Newest-first, the way the upstream reports it.
	return []PricePoint{
		{At: now.Unix(), Price: base},
		{At: now.Add(-14 * 24 * time.Hour).Unix(), Price: base + 150_000},
		{At: now.Add(-30 * 24 * time.Hour).Unix(), Price: base + 100_000},
	}, FetchMeta{StatusCode: 200, Latency: time.Since(start)}, nil
}

// fnv64 returns a simple 64-bit hash for deterministic mock data.
func fnv64(s string) uint64 {
	const (
		offset64 = 14695981039346656037
		prime64  = 1099511628211
	)
	var h uint64 = offset64
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	return h
}
