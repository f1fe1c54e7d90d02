package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/parvazhub/parvaz-crawler/config"
	"github.com/parvazhub/parvaz-crawler/flight"
)

// Postgres implements FlightStore and ScheduleStore on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres connects and verifies the connection.
func NewPostgres(ctx context.Context, cfg config.PostgresConfig) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
	)
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close releases the pool.
func (p *Postgres) Close() { p.pool.Close() }

// Ping verifies the database is reachable.
func (p *Postgres) Ping(ctx context.Context) error { return p.pool.Ping(ctx) }

// InitSchema creates the tables when they do not exist yet.
func (p *Postgres) InitSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
		-- One row per physical flight, keyed by the identity hash.
		CREATE TABLE IF NOT EXISTS flights (
			identity         VARCHAR(64) PRIMARY KEY,
			site_id          VARCHAR(64) NOT NULL,
			airline_name     VARCHAR(255) NOT NULL,
			airline_code     VARCHAR(8) NOT NULL,
			flight_number    VARCHAR(16) NOT NULL,
			origin           VARCHAR(3) NOT NULL,
			destination      VARCHAR(3) NOT NULL,
			departure_time   TIMESTAMPTZ NOT NULL,
			arrival_time     TIMESTAMPTZ NOT NULL,
			duration_minutes INT NOT NULL,
			price            BIGINT NOT NULL,
			currency         VARCHAR(3) NOT NULL,
			cabin_class      VARCHAR(20) NOT NULL,
			baggage          VARCHAR(255),
			booking_class    VARCHAR(8),
			available_seats  INT,
			aircraft         VARCHAR(100),
			loyalty_miles    INT,
			booking_source   VARCHAR(64),
			is_aggregated    BOOLEAN NOT NULL DEFAULT FALSE,
			extracted_at     TIMESTAMPTZ NOT NULL,
			first_seen       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_flights_route
			ON flights (origin, destination, departure_time);

		-- Every price observation, for history queries.
		CREATE TABLE IF NOT EXISTS price_observations (
			id          BIGSERIAL PRIMARY KEY,
			identity    VARCHAR(64) NOT NULL,
			origin      VARCHAR(3) NOT NULL,
			destination VARCHAR(3) NOT NULL,
			site_id     VARCHAR(64) NOT NULL,
			price       BIGINT NOT NULL,
			currency    VARCHAR(3) NOT NULL,
			observed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_price_observations_route
			ON price_observations (origin, destination, observed_at);
		CREATE INDEX IF NOT EXISTS idx_price_observations_identity
			ON price_observations (identity, observed_at);

		CREATE TABLE IF NOT EXISTS crawl_schedules (
			id              SERIAL PRIMARY KEY,
			name            VARCHAR(255) NOT NULL,
			cron_expression VARCHAR(100) NOT NULL,
			origin          VARCHAR(3) NOT NULL,
			destination     VARCHAR(3) NOT NULL,
			date_range_days INT NOT NULL DEFAULT 0,
			cabin_class     VARCHAR(20) NOT NULL DEFAULT 'economy',
			site_ids        TEXT[],
			enabled         BOOLEAN NOT NULL DEFAULT TRUE,
			last_run        TIMESTAMPTZ,
			created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`)
	return err
}

// UpsertBatch writes records in one batch. A conflicting identity only
// updates when the incoming extraction is newer, so replayed jobs cannot
// roll a record back. Returns the number of rows written or refreshed.
func (p *Postgres) UpsertBatch(ctx context.Context, flights []flight.Flight) (int, error) {
	if len(flights) == 0 {
		return 0, nil
	}

	batch := &pgx.Batch{}
	for i := range flights {
		f := &flights[i]
		batch.Queue(`
			INSERT INTO flights (
				identity, site_id, airline_name, airline_code, flight_number,
				origin, destination, departure_time, arrival_time, duration_minutes,
				price, currency, cabin_class, baggage, booking_class,
				available_seats, aircraft, loyalty_miles, booking_source,
				is_aggregated, extracted_at, last_seen
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,NOW())
			ON CONFLICT (identity) DO UPDATE SET
				site_id = EXCLUDED.site_id,
				price = EXCLUDED.price,
				currency = EXCLUDED.currency,
				baggage = EXCLUDED.baggage,
				booking_class = EXCLUDED.booking_class,
				available_seats = EXCLUDED.available_seats,
				aircraft = EXCLUDED.aircraft,
				loyalty_miles = EXCLUDED.loyalty_miles,
				booking_source = EXCLUDED.booking_source,
				is_aggregated = EXCLUDED.is_aggregated,
				extracted_at = EXCLUDED.extracted_at,
				last_seen = NOW()
			WHERE EXCLUDED.extracted_at > flights.extracted_at`,
			f.Identity(), f.SiteID, f.AirlineName, f.AirlineCode, f.FlightNumber,
			f.Origin, f.Destination, f.DepartureTime, f.ArrivalTime, f.DurationMinutes,
			f.Price, f.Currency, f.CabinClass, nullStr(f.Baggage), nullStr(f.BookingClass),
			nullInt(f.AvailableSeats), nullStr(f.Aircraft), nullInt(f.LoyaltyMiles), nullStr(f.BookingSource),
			f.IsAggregated, f.ExtractedAt,
		)
		batch.Queue(`
			INSERT INTO price_observations (identity, origin, destination, site_id, price, currency, observed_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			f.Identity(), f.Origin, f.Destination, f.SiteID, f.Price, f.Currency, f.ExtractedAt,
		)
	}

	res := p.pool.SendBatch(ctx, batch)
	defer res.Close()

	written := 0
	for i := 0; i < batch.Len(); i++ {
		tag, err := res.Exec()
		if err != nil {
			return written, fmt.Errorf("failed to upsert flight batch: %w", err)
		}
		// Count only the flights statements, not the observations.
		if i%2 == 0 && tag.RowsAffected() > 0 {
			written++
		}
	}
	return written, nil
}

// RecentByRoute returns up to limit stored records for a route, freshest
// extractions first within the canonical price order.
func (p *Postgres) RecentByRoute(ctx context.Context, origin, destination string, limit int) ([]flight.Flight, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := p.pool.Query(ctx, `
		SELECT site_id, airline_name, airline_code, flight_number,
			origin, destination, departure_time, arrival_time, duration_minutes,
			price, currency, cabin_class,
			COALESCE(baggage, ''), COALESCE(booking_class, ''),
			COALESCE(available_seats, 0), COALESCE(aircraft, ''), COALESCE(loyalty_miles, 0),
			COALESCE(booking_source, ''), is_aggregated, extracted_at
		FROM flights
		WHERE origin = $1 AND destination = $2
		ORDER BY price, departure_time
		LIMIT $3`,
		origin, destination, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query route flights: %w", err)
	}
	defer rows.Close()

	var out []flight.Flight
	for rows.Next() {
		var f flight.Flight
		if err := rows.Scan(
			&f.SiteID, &f.AirlineName, &f.AirlineCode, &f.FlightNumber,
			&f.Origin, &f.Destination, &f.DepartureTime, &f.ArrivalTime, &f.DurationMinutes,
			&f.Price, &f.Currency, &f.CabinClass,
			&f.Baggage, &f.BookingClass,
			&f.AvailableSeats, &f.Aircraft, &f.LoyaltyMiles,
			&f.BookingSource, &f.IsAggregated, &f.ExtractedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan flight row: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// PriceHistory aggregates one flight's observed fares per day since the
// given time.
func (p *Postgres) PriceHistory(ctx context.Context, identity string, since time.Time) ([]PricePoint, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT date_trunc('day', observed_at) AS day,
			MIN(price), CAST(AVG(price) AS BIGINT), MIN(currency), COUNT(*)
		FROM price_observations
		WHERE identity = $1 AND observed_at >= $2
		GROUP BY day
		ORDER BY day`,
		identity, since,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query price history: %w", err)
	}
	defer rows.Close()

	var out []PricePoint
	for rows.Next() {
		var pt PricePoint
		if err := rows.Scan(&pt.Day, &pt.MinPrice, &pt.AvgPrice, &pt.Currency, &pt.Samples); err != nil {
			return nil, fmt.Errorf("failed to scan price point: %w", err)
		}
		out = append(out, pt)
	}
	return out, rows.Err()
}

// ListEnabledSchedules returns every enabled recurring crawl.
func (p *Postgres) ListEnabledSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, name, cron_expression, origin, destination,
			date_range_days, cabin_class, COALESCE(site_ids, '{}'),
			enabled, COALESCE(last_run, 'epoch'::timestamptz)
		FROM crawl_schedules
		WHERE enabled = TRUE
		ORDER BY id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query crawl schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var s Schedule
		if err := rows.Scan(
			&s.ID, &s.Name, &s.CronExpression, &s.Origin, &s.Destination,
			&s.DateRangeDays, &s.CabinClass, &s.SiteIDs, &s.Enabled, &s.LastRun,
		); err != nil {
			return nil, fmt.Errorf("failed to scan schedule row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MarkScheduleRun stamps the schedule's last run time.
func (p *Postgres) MarkScheduleRun(ctx context.Context, id int) error {
	_, err := p.pool.Exec(ctx,
		`UPDATE crawl_schedules SET last_run = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark schedule run: %w", err)
	}
	return nil
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
