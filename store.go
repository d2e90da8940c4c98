package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Gateway is the per-worker persistence layer. Each worker owns exactly one
// Gateway and therefore exactly one connection; nothing here is shared
// across shards. On a connectivity fault the gateway reconnects once and
// retries the same statement; a second failure surfaces to the caller.
type Gateway struct {
	dsn  string
	conn *pgx.Conn
}

// OpenGateway connects and bootstraps the schema.
func OpenGateway(ctx context.Context, dsn string) (*Gateway, error) {
	conn, err := pgx.Connect(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pg connect: %w", err)
	}
	g := &Gateway{dsn: dsn, conn: conn}
	if err := g.ensureSchema(ctx); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("pg schema: %w", err)
	}
	return g, nil
}

func (g *Gateway) Close(ctx context.Context) error {
	if g.conn == nil {
		return nil
	}
	return g.conn.Close(ctx)
}

// The listings table is shared with the CRM side of the product. Writes must
// stay upsert-only: no deletes, no exclusive locks held across HTTP calls.
func (g *Gateway) ensureSchema(ctx context.Context) error {
	_, err := g.conn.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS listings (
			id            BIGSERIAL PRIMARY KEY,
			source_id     INT    NOT NULL,
			external_id   BIGINT NOT NULL,
			shard         TEXT   NOT NULL,
			category      TEXT   NOT NULL,
			rooms         TEXT   NOT NULL DEFAULT '',
			title         TEXT   NOT NULL DEFAULT '',
			city          TEXT   NOT NULL DEFAULT '',
			street        TEXT   NOT NULL DEFAULT '',
			house         TEXT   NOT NULL DEFAULT '',
			price         BIGINT NOT NULL DEFAULT 0,
			area_m2       DOUBLE PRECISION NOT NULL DEFAULT 0,
			floor         INT    NOT NULL DEFAULT 0,
			floors_total  INT    NOT NULL DEFAULT 0,
			phone         TEXT   NOT NULL DEFAULT '',
			url           TEXT   NOT NULL DEFAULT '',
			lat           DOUBLE PRECISION,
			lon           DOUBLE PRECISION,
			status        TEXT   NOT NULL DEFAULT 'new',
			price_history JSONB,
			first_seen    TIMESTAMPTZ NOT NULL DEFAULT now(),
			last_seen     TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (source_id, external_id)
		);

		CREATE INDEX IF NOT EXISTS idx_listings_shard_seen ON listings(shard, last_seen);

		CREATE TABLE IF NOT EXISTS stations (
			id     BIGSERIAL PRIMARY KEY,
			region INT  NOT NULL,
			name   TEXT NOT NULL,
			lat    DOUBLE PRECISION NOT NULL,
			lon    DOUBLE PRECISION NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_stations_region ON stations(region);

		CREATE TABLE IF NOT EXISTS listing_station_links (
			listing_id BIGINT NOT NULL REFERENCES listings(id),
			station_id BIGINT NOT NULL REFERENCES stations(id),
			minutes    INT     NOT NULL DEFAULT 0,
			transport  BOOLEAN NOT NULL DEFAULT false,
			distance_m INT     NOT NULL DEFAULT 0,
			PRIMARY KEY (listing_id, station_id)
		);
	`)
	return err
}

// isConnFault classifies storage errors that warrant a reconnect. A PgError
// means the server answered; retrying the same statement on a fresh
// connection would not help.
func isConnFault(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "conn closed") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "unexpected EOF")
}

func (g *Gateway) reconnect(ctx context.Context) error {
	if g.conn != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = g.conn.Close(closeCtx)
		cancel()
	}
	conn, err := pgx.Connect(ctx, g.dsn)
	if err != nil {
		return fmt.Errorf("pg reconnect: %w", err)
	}
	g.conn = conn
	return nil
}

// withRetry runs op, and on a connectivity fault reconnects once and runs it
// again.
func (g *Gateway) withRetry(ctx context.Context, op func() error) error {
	err := op()
	if !isConnFault(err) {
		return err
	}
	if rerr := g.reconnect(ctx); rerr != nil {
		return rerr
	}
	return op()
}

// SaveListing upserts by (source_id, external_id) and returns the stored row
// id. Repeated sightings overwrite mutable fields only; the geographic point
// is written only when coordinates are present.
func (g *Gateway) SaveListing(ctx context.Context, l *Listing) (int64, error) {
	var id int64
	err := g.withRetry(ctx, func() error {
		return g.conn.QueryRow(ctx, `
			INSERT INTO listings
				(source_id, external_id, shard, category, rooms, title,
				 city, street, house, price, area_m2, floor, floors_total,
				 phone, url, lat, lon, status)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			ON CONFLICT (source_id, external_id) DO UPDATE SET
				price        = EXCLUDED.price,
				floor        = EXCLUDED.floor,
				floors_total = EXCLUDED.floors_total,
				phone        = CASE WHEN EXCLUDED.phone <> '' THEN EXCLUDED.phone ELSE listings.phone END,
				status       = EXCLUDED.status,
				lat          = COALESCE(EXCLUDED.lat, listings.lat),
				lon          = COALESCE(EXCLUDED.lon, listings.lon),
				last_seen    = now()
			RETURNING id`,
			l.SourceID, l.ExternalID, l.Shard, l.Category, l.Rooms, l.Title,
			l.City, l.Street, l.House, l.Price, l.AreaM2, l.Floor, l.FloorsTot,
			l.Phone, l.URL, l.Lat, l.Lon, l.Status,
		).Scan(&id)
	})
	if err != nil {
		return 0, fmt.Errorf("save listing %d: %w", l.ExternalID, err)
	}
	return id, nil
}

// LinkStation upserts the (listing, station) association, refreshing the
// travel estimate without disturbing other links of the listing.
func (g *Gateway) LinkStation(ctx context.Context, listingID int64, st *Station, est TravelEstimate) error {
	err := g.withRetry(ctx, func() error {
		_, e := g.conn.Exec(ctx, `
			INSERT INTO listing_station_links (listing_id, station_id, minutes, transport, distance_m)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (listing_id, station_id) DO UPDATE SET
				minutes    = EXCLUDED.minutes,
				transport  = EXCLUDED.transport,
				distance_m = EXCLUDED.distance_m`,
			listingID, st.ID, est.Minutes, est.Transport, est.DistanceM)
		return e
	})
	if err != nil {
		return fmt.Errorf("link station %d->%d: %w", listingID, st.ID, err)
	}
	return nil
}

// RecentExternalIDs rebuilds the dedup cache: ids of this shard's listings
// seen within the window.
func (g *Gateway) RecentExternalIDs(ctx context.Context, sourceID int, shardName string, window time.Duration) (map[int64]struct{}, error) {
	out := make(map[int64]struct{}, 4096)
	err := g.withRetry(ctx, func() error {
		rows, e := g.conn.Query(ctx, `
			SELECT external_id FROM listings
			 WHERE source_id=$1 AND shard=$2 AND last_seen >= now() - $3::interval`,
			sourceID, shardName, window)
		if e != nil {
			return e
		}
		defer rows.Close()
		clear(out)
		for rows.Next() {
			var id int64
			if e := rows.Scan(&id); e != nil {
				return e
			}
			out[id] = struct{}{}
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("recent ids %q: %w", shardName, err)
	}
	return out, nil
}

// LoadStations fetches the shard region's station table once per worker life.
func (g *Gateway) LoadStations(ctx context.Context, region int) ([]Station, error) {
	var out []Station
	err := g.withRetry(ctx, func() error {
		rows, e := g.conn.Query(ctx,
			`SELECT id, region, name, lat, lon FROM stations WHERE region=$1`, region)
		if e != nil {
			return e
		}
		defer rows.Close()
		out = out[:0]
		for rows.Next() {
			var s Station
			if e := rows.Scan(&s.ID, &s.Region, &s.Name, &s.Lat, &s.Lon); e != nil {
				return e
			}
			out = append(out, s)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("load stations region=%d: %w", region, err)
	}
	return out, nil
}

// SetPriceHistory stores the diffed series as an opaque blob on the listing.
func (g *Gateway) SetPriceHistory(ctx context.Context, listingID int64, blob []byte) error {
	err := g.withRetry(ctx, func() error {
		_, e := g.conn.Exec(ctx,
			`UPDATE listings SET price_history=$2::jsonb WHERE id=$1`, listingID, blob)
		return e
	})
	if err != nil {
		return fmt.Errorf("price history %d: %w", listingID, err)
	}
	return nil
}
