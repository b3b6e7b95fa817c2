package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renja-g/CrateSync/internal/provider"
)

const schema = `
CREATE TABLE IF NOT EXISTS releases (
	id        BIGINT PRIMARY KEY,
	title     TEXT NOT NULL,
	artists   TEXT[] NOT NULL DEFAULT '{}',
	year      INT NOT NULL DEFAULT 0,
	genres    TEXT[] NOT NULL DEFAULT '{}',
	added_at  TIMESTAMPTZ,
	synced_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS release_metadata (
	release_id BIGINT NOT NULL REFERENCES releases(id) ON DELETE CASCADE,
	provider   TEXT NOT NULL,
	found      BOOLEAN NOT NULL,
	url        TEXT NOT NULL DEFAULT '',
	tags       TEXT[] NOT NULL DEFAULT '{}',
	score      DOUBLE PRECISION NOT NULL DEFAULT 0,
	fetched_at TIMESTAMPTZ,
	checked_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (release_id, provider)
);`

type Postgres struct {
	pool *pgxpool.Pool
}

// NewPool opens a connection pool sized for one service instance.
func NewPool(ctx context.Context, connString string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute
	return pgxpool.NewWithConfig(ctx, cfg)
}

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// OpenPostgres connects, verifies the connection and applies the schema.
func OpenPostgres(ctx context.Context, connString string) (*Postgres, error) {
	pool, err := NewPool(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	p := NewPostgres(pool)
	if err := p.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return p, nil
}

func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) PutReleases(ctx context.Context, releases []provider.Release) error {
	if len(releases) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range releases {
		batch.Queue(`
INSERT INTO releases (id, title, artists, year, genres, added_at)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE SET
	title = EXCLUDED.title,
	artists = EXCLUDED.artists,
	year = EXCLUDED.year,
	genres = EXCLUDED.genres,
	added_at = EXCLUDED.added_at,
	synced_at = now()`,
			r.ID, r.Title, nonNil(r.Artists), r.Year, nonNil(r.Genres), nullTime(r.AddedAt))
	}

	br := p.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range releases {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("put releases: %w", err)
		}
	}
	return nil
}

const releaseColumns = `id, title, artists, year, genres, added_at`

func scanRelease(row pgx.Row) (provider.Release, error) {
	var r provider.Release
	var added *time.Time
	if err := row.Scan(&r.ID, &r.Title, &r.Artists, &r.Year, &r.Genres, &added); err != nil {
		return provider.Release{}, err
	}
	if added != nil {
		r.AddedAt = added.UTC()
	}
	return r, nil
}

func (p *Postgres) Releases(ctx context.Context) ([]provider.Release, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+releaseColumns+` FROM releases ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list releases: %w", err)
	}
	defer rows.Close()

	var out []provider.Release
	for rows.Next() {
		r, err := scanRelease(rows)
		if err != nil {
			return nil, fmt.Errorf("list releases: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (p *Postgres) Release(ctx context.Context, id int64) (provider.Release, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+releaseColumns+` FROM releases WHERE id = $1`, id)
	r, err := scanRelease(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return provider.Release{}, fmt.Errorf("release %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return provider.Release{}, fmt.Errorf("get release %d: %w", id, err)
	}
	return r, nil
}

func (p *Postgres) PutMetadata(ctx context.Context, rec MetadataRecord) error {
	var (
		found     = rec.Metadata != nil
		url       string
		tags      []string
		score     float64
		fetchedAt any
	)
	if found {
		url = rec.Metadata.URL
		tags = rec.Metadata.Tags
		score = rec.Metadata.Score
		fetchedAt = nullTime(rec.Metadata.FetchedAt)
	}
	_, err := p.pool.Exec(ctx, `
INSERT INTO release_metadata (release_id, provider, found, url, tags, score, fetched_at, checked_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (release_id, provider) DO UPDATE SET
	found = EXCLUDED.found,
	url = EXCLUDED.url,
	tags = EXCLUDED.tags,
	score = EXCLUDED.score,
	fetched_at = EXCLUDED.fetched_at,
	checked_at = EXCLUDED.checked_at`,
		rec.ReleaseID, rec.Provider, found, url, nonNil(tags), score, fetchedAt, rec.CheckedAt)
	if err != nil {
		return fmt.Errorf("put metadata %d/%s: %w", rec.ReleaseID, rec.Provider, err)
	}
	return nil
}

func (p *Postgres) Metadata(ctx context.Context, id int64) ([]MetadataRecord, error) {
	rows, err := p.pool.Query(ctx, `
SELECT provider, found, url, tags, score, fetched_at, checked_at
FROM release_metadata
WHERE release_id = $1
ORDER BY provider`, id)
	if err != nil {
		return nil, fmt.Errorf("list metadata %d: %w", id, err)
	}
	defer rows.Close()

	var out []MetadataRecord
	for rows.Next() {
		var (
			rec       = MetadataRecord{ReleaseID: id}
			found     bool
			md        provider.Metadata
			fetchedAt *time.Time
		)
		if err := rows.Scan(&rec.Provider, &found, &md.URL, &md.Tags, &md.Score, &fetchedAt, &rec.CheckedAt); err != nil {
			return nil, fmt.Errorf("list metadata %d: %w", id, err)
		}
		rec.CheckedAt = rec.CheckedAt.UTC()
		if found {
			md.Provider = rec.Provider
			if fetchedAt != nil {
				md.FetchedAt = fetchedAt.UTC()
			}
			if len(md.Tags) == 0 {
				md.Tags = nil
			}
			rec.Metadata = &md
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *Postgres) LastChecked(ctx context.Context, id int64, prov string) (time.Time, bool, error) {
	var checked time.Time
	err := p.pool.QueryRow(ctx,
		`SELECT checked_at FROM release_metadata WHERE release_id = $1 AND provider = $2`,
		id, prov,
	).Scan(&checked)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("last checked %d/%s: %w", id, prov, err)
	}
	return checked.UTC(), true, nil
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}
