// Package store persists the mirrored collection and per-provider metadata.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/renja-g/CrateSync/internal/provider"
)

var ErrNotFound = errors.New("not found")

// MetadataRecord is the result of one provider check for one release.
// A nil Metadata records that the provider had nothing for it.
type MetadataRecord struct {
	ReleaseID int64
	Provider  string
	Metadata  *provider.Metadata
	CheckedAt time.Time
}

type Store interface {
	// PutReleases inserts or replaces releases by id.
	PutReleases(ctx context.Context, releases []provider.Release) error
	// Releases lists all releases ordered by id.
	Releases(ctx context.Context) ([]provider.Release, error)
	// Release returns ErrNotFound for unknown ids.
	Release(ctx context.Context, id int64) (provider.Release, error)
	PutMetadata(ctx context.Context, rec MetadataRecord) error
	// Metadata lists the records for a release ordered by provider.
	Metadata(ctx context.Context, id int64) ([]MetadataRecord, error)
	// LastChecked reports when provider was last checked for id.
	LastChecked(ctx context.Context, id int64, provider string) (time.Time, bool, error)
	Close() error
}
