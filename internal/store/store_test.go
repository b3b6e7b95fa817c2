package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/renja-g/CrateSync/internal/provider"
)

// testStore runs the behaviour every Store implementation shares.
func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	added := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	releases := []provider.Release{
		{ID: 20, Title: "Second", Artists: []string{"B"}, Year: 1999, Genres: []string{"Jazz"}},
		{ID: 10, Title: "First", Artists: []string{"A", "C"}, Year: 1977, Genres: []string{"Rock"}, AddedAt: added},
	}
	if err := s.PutReleases(ctx, releases); err != nil {
		t.Fatalf("PutReleases: %v", err)
	}

	t.Run("releases ordered by id", func(t *testing.T) {
		got, err := s.Releases(ctx)
		if err != nil {
			t.Fatalf("Releases: %v", err)
		}
		want := []provider.Release{releases[1], releases[0]}
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("releases mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("upsert replaces", func(t *testing.T) {
		updated := releases[0]
		updated.Title = "Second (Remaster)"
		if err := s.PutReleases(ctx, []provider.Release{updated}); err != nil {
			t.Fatalf("PutReleases: %v", err)
		}
		got, err := s.Release(ctx, 20)
		if err != nil {
			t.Fatalf("Release: %v", err)
		}
		if got.Title != "Second (Remaster)" {
			t.Fatalf("title = %q", got.Title)
		}
	})

	t.Run("unknown release", func(t *testing.T) {
		if _, err := s.Release(ctx, 99); !errors.Is(err, ErrNotFound) {
			t.Fatalf("err = %v, want ErrNotFound", err)
		}
	})

	t.Run("metadata", func(t *testing.T) {
		checked := time.Date(2024, 4, 2, 8, 0, 0, 0, time.UTC)
		found := MetadataRecord{
			ReleaseID: 10,
			Provider:  "tags",
			Metadata: &provider.Metadata{
				Provider:  "tags",
				URL:       "https://tags.example/r/10",
				Tags:      []string{"krautrock"},
				Score:     0.8,
				FetchedAt: checked,
			},
			CheckedAt: checked,
		}
		absent := MetadataRecord{ReleaseID: 10, Provider: "covers", CheckedAt: checked}
		for _, rec := range []MetadataRecord{found, absent} {
			if err := s.PutMetadata(ctx, rec); err != nil {
				t.Fatalf("PutMetadata: %v", err)
			}
		}

		got, err := s.Metadata(ctx, 10)
		if err != nil {
			t.Fatalf("Metadata: %v", err)
		}
		if diff := cmp.Diff([]MetadataRecord{absent, found}, got); diff != "" {
			t.Fatalf("metadata mismatch (-want +got):\n%s", diff)
		}

		at, ok, err := s.LastChecked(ctx, 10, "covers")
		if err != nil || !ok || !at.Equal(checked) {
			t.Fatalf("LastChecked = %v, %v, %v", at, ok, err)
		}
		if _, ok, err := s.LastChecked(ctx, 20, "covers"); err != nil || ok {
			t.Fatalf("LastChecked unchecked = %v, %v", ok, err)
		}
	})

	t.Run("metadata overwrite", func(t *testing.T) {
		later := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
		if err := s.PutMetadata(ctx, MetadataRecord{ReleaseID: 10, Provider: "tags", CheckedAt: later}); err != nil {
			t.Fatalf("PutMetadata: %v", err)
		}
		got, err := s.Metadata(ctx, 10)
		if err != nil {
			t.Fatalf("Metadata: %v", err)
		}
		if len(got) != 2 || got[1].Metadata != nil || !got[1].CheckedAt.Equal(later) {
			t.Fatalf("metadata after overwrite = %+v", got)
		}
	})
}
