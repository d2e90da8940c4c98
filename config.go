package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ───────── Defaults ─────────

const (
	defaultSleepMinSec    = 35
	defaultSleepMaxSec    = 95
	defaultRotateCacheMin = 180
	defaultDedupWindowDay = 30

	defaultErrThreshold  = 5
	defaultErrBackoffSec = 300

	defaultRespawnDelaySec = 5
	defaultDrainTimeoutSec = 30

	defaultRaisedPauseMs = 700
	priceStep            = 1000
)

// ───────── Environment helpers ─────────

func envString(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

// ───────── Config ─────────

type config struct {
	// Upstream
	adapter   string // mock | http-json
	baseURL   string
	authToken string
	userAgent string
	proxies   []string
	rps       float64

	// Storage
	pgDSN    string
	sourceID int

	// Shards
	shardFile string
	tzName    string

	// Worker loop
	sleepMinSec    int
	sleepMaxSec    int
	rotateCacheMin int
	dedupWindowDay int
	errThreshold   int
	errBackoffSec  int
	raisedPauseMs  int

	// Supervisor
	respawnDelay time.Duration
	drainTimeout time.Duration

	// Observability
	metricsAddr string
	verbose     bool
}

func parseFlags() config {
	var cfg config
	var proxies string
	var respawnSec, drainSec int

	flag.StringVar(&cfg.adapter, "adapter", envString("UPSTREAM_ADAPTER", "http-json"), "Upstream adapter: mock | http-json. Env: UPSTREAM_ADAPTER")
	flag.StringVar(&cfg.baseURL, "base-url", envString("UPSTREAM_BASE_URL", ""), "Upstream API base URL. Env: UPSTREAM_BASE_URL")
	flag.StringVar(&cfg.authToken, "auth-token", envString("UPSTREAM_AUTH_TOKEN", ""), "Upstream bearer token (required). Env: UPSTREAM_AUTH_TOKEN")
	flag.StringVar(&cfg.userAgent, "user-agent", envString("UPSTREAM_USER_AGENT", ""), "Override impersonation User-Agent. Env: UPSTREAM_USER_AGENT")
	flag.StringVar(&proxies, "proxies", envString("PROXY_LIST", ""), "Comma-separated proxy URLs (optional). Env: PROXY_LIST")
	flag.Float64Var(&cfg.rps, "rps", envFloat("REQUEST_RPS", 0), "Upstream request rate ceiling (0 = unlimited). Env: REQUEST_RPS")

	flag.StringVar(&cfg.pgDSN, "pg-dsn", envString("PG_DSN", ""), "Postgres DSN (required). Env: PG_DSN")
	flag.IntVar(&cfg.sourceID, "source-id", envInt("SOURCE_ID", 1), "source_id written with every listing. Env: SOURCE_ID")

	flag.StringVar(&cfg.shardFile, "shards", envString("SHARD_FILE", "shards.yaml"), "Shard list YAML path. Env: SHARD_FILE")
	flag.StringVar(&cfg.tzName, "tz", envString("SHARD_TZ", "Europe/Moscow"), "Shard-local timezone for the today-only filter. Env: SHARD_TZ")

	flag.IntVar(&cfg.sleepMinSec, "sleep-min-sec", envInt("SLEEP_MIN_SEC", defaultSleepMinSec), "Global minimum sleep between iterations. Env: SLEEP_MIN_SEC")
	flag.IntVar(&cfg.sleepMaxSec, "sleep-max-sec", envInt("SLEEP_MAX_SEC", defaultSleepMaxSec), "Global maximum sleep between iterations. Env: SLEEP_MAX_SEC")
	flag.IntVar(&cfg.rotateCacheMin, "rotate-cache-min", envInt("ROTATE_CACHE_MIN", defaultRotateCacheMin), "Dedup cache rotation interval, minutes. Env: ROTATE_CACHE_MIN")
	flag.IntVar(&cfg.dedupWindowDay, "dedup-window-days", envInt("DEDUP_WINDOW_DAYS", defaultDedupWindowDay), "Recent-listings window rebuilt into the dedup cache. Env: DEDUP_WINDOW_DAYS")
	flag.IntVar(&cfg.errThreshold, "err-threshold", envInt("ERR_THRESHOLD", defaultErrThreshold), "Consecutive request failures before backoff. Env: ERR_THRESHOLD")
	flag.IntVar(&cfg.errBackoffSec, "err-backoff-sec", envInt("ERR_BACKOFF_SEC", defaultErrBackoffSec), "Backoff sleep after threshold failures. Env: ERR_BACKOFF_SEC")
	flag.IntVar(&cfg.raisedPauseMs, "raised-pause-ms", envInt("RAISED_PAUSE_MS", defaultRaisedPauseMs), "Pause before a promoted offer's price-history fetch. Env: RAISED_PAUSE_MS")

	flag.IntVar(&respawnSec, "respawn-delay-sec", envInt("RESPAWN_DELAY_SEC", defaultRespawnDelaySec), "Delay before respawning a dead worker. Env: RESPAWN_DELAY_SEC")
	flag.IntVar(&drainSec, "drain-timeout-sec", envInt("DRAIN_TIMEOUT_SEC", defaultDrainTimeoutSec), "Graceful-drain budget before forced cancellation. Env: DRAIN_TIMEOUT_SEC")

	flag.StringVar(&cfg.metricsAddr, "metrics", envString("METRICS_ADDR", ""), "Serve /metrics and /healthz on this address, e.g. :6060. Env: METRICS_ADDR")
	flag.BoolVar(&cfg.verbose, "verbose", envString("VERBOSE", "") != "", "Per-offer logs. Env: VERBOSE")

	flag.Parse()

	for _, p := range strings.Split(proxies, ",") {
		if p = strings.TrimSpace(p); p != "" {
			cfg.proxies = append(cfg.proxies, p)
		}
	}
	if cfg.sleepMaxSec < cfg.sleepMinSec {
		cfg.sleepMaxSec = cfg.sleepMinSec
	}
	if cfg.errThreshold <= 0 {
		cfg.errThreshold = 1
	}
	cfg.respawnDelay = time.Duration(respawnSec) * time.Second
	cfg.drainTimeout = time.Duration(drainSec) * time.Second
	cfg.adapter = strings.ToLower(strings.TrimSpace(cfg.adapter))

	return cfg
}

// validate reports startup-fatal configuration problems.
func (c config) validate() error {
	if c.adapter == "http-json" {
		if c.authToken == "" {
			return fmt.Errorf("UPSTREAM_AUTH_TOKEN is required")
		}
		if c.baseURL == "" {
			return fmt.Errorf("UPSTREAM_BASE_URL is required")
		}
	}
	if c.pgDSN == "" {
		return fmt.Errorf("PG_DSN is required")
	}
	return nil
}

// ───────── Shard configuration (YAML) ─────────

// RandRange is a query parameter configured either as a fixed scalar or as a
// [lo, hi] randomization range. Pick draws a fresh value per request.
type RandRange struct {
	Lo, Hi int
}

func (r *RandRange) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		n, err := strconv.Atoi(strings.TrimSpace(value.Value))
		if err != nil {
			return fmt.Errorf("range scalar: %w", err)
		}
		r.Lo, r.Hi = n, n
		return nil
	case yaml.SequenceNode:
		if len(value.Content) != 2 {
			return fmt.Errorf("range needs exactly [lo, hi], got %d items", len(value.Content))
		}
		lo, err := strconv.Atoi(strings.TrimSpace(value.Content[0].Value))
		if err != nil {
			return fmt.Errorf("range lo: %w", err)
		}
		hi, err := strconv.Atoi(strings.TrimSpace(value.Content[1].Value))
		if err != nil {
			return fmt.Errorf("range hi: %w", err)
		}
		if hi < lo {
			lo, hi = hi, lo
		}
		r.Lo, r.Hi = lo, hi
		return nil
	default:
		return fmt.Errorf("range must be a scalar or [lo, hi]")
	}
}

// IsZero reports whether the range was configured at all.
func (r RandRange) IsZero() bool { return r.Lo == 0 && r.Hi == 0 }

// Shard categories.
const (
	CategoryRooms      = "rooms"
	CategoryCommercial = "commercial"
)

// ShardConfig is one (location, category) unit of work. Immutable for the
// life of a worker; a respawned worker gets the same ShardConfig.
type ShardConfig struct {
	Name     string `yaml:"name"`
	Region   int    `yaml:"region"`
	Location int    `yaml:"location"`
	Category string `yaml:"category"`

	Rooms    []int     `yaml:"rooms"`
	PriceMin RandRange `yaml:"price_min"`
	PriceMax RandRange `yaml:"price_max"`

	TodayOnly bool `yaml:"today_only"`

	// Zero means "inherit the global default".
	SleepMinSec int `yaml:"sleep_min_sec"`
	SleepMaxSec int `yaml:"sleep_max_sec"`

	// Extra query parameters; override any built-in key.
	Extra map[string]string `yaml:"extra"`
}

type shardFile struct {
	Defaults struct {
		SleepMinSec int `yaml:"sleep_min_sec"`
		SleepMaxSec int `yaml:"sleep_max_sec"`
	} `yaml:"defaults"`
	Shards []ShardConfig `yaml:"shards"`
}

// loadShards reads the shard list and applies file-level defaults to shards
// that omit their own sleep bounds.
func loadShards(path string) ([]ShardConfig, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("shard file: %w", err)
	}
	var f shardFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("shard file parse: %w", err)
	}

	seen := make(map[string]struct{}, len(f.Shards))
	for i := range f.Shards {
		s := &f.Shards[i]
		if strings.TrimSpace(s.Name) == "" {
			return nil, fmt.Errorf("shard %d: name is required", i)
		}
		if _, dup := seen[s.Name]; dup {
			return nil, fmt.Errorf("duplicate shard name %q", s.Name)
		}
		seen[s.Name] = struct{}{}
		switch s.Category {
		case CategoryRooms, CategoryCommercial:
		default:
			return nil, fmt.Errorf("shard %q: unknown category %q", s.Name, s.Category)
		}
		if s.SleepMinSec == 0 {
			s.SleepMinSec = f.Defaults.SleepMinSec
		}
		if s.SleepMaxSec == 0 {
			s.SleepMaxSec = f.Defaults.SleepMaxSec
		}
	}
	return f.Shards, nil
}
