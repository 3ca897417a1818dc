package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/stacklok/datasource-federation-server/internal/config"
	"github.com/stacklok/datasource-federation-server/internal/datasource"
	"github.com/stacklok/datasource-federation-server/internal/store"
)

// SeedResult counts the outcome of PrimeStore
type SeedResult struct {
	Created   int
	Updated   int
	Unchanged int
}

// PrimeStore writes the sources and compositions declared in the config to the store.
// This function is idempotent and safe to call on every startup.
//
// Sources are written before compositions so that members exist when a
// composition is validated. Records that already match the config are left
// untouched and keep their version. A composition whose member pins are out of
// date is rewritten to pin the current member versions.
func PrimeStore(ctx context.Context, cfg *config.Config, s store.Store) (SeedResult, error) {
	var result SeedResult
	if cfg == nil {
		return result, fmt.Errorf("config is required")
	}
	if s == nil {
		return result, fmt.Errorf("store is required")
	}

	if len(cfg.Sources) == 0 && len(cfg.Compositions) == 0 {
		slog.Info("No sources or compositions declared in config")
		return result, nil
	}

	for i := range cfg.Sources {
		src := cfg.Sources[i].Clone()
		src.Normalize()

		existing, err := s.GetSource(ctx, src.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			result.Created++
		case err != nil:
			return result, fmt.Errorf("failed to read source '%s': %w", src.Name, err)
		case sameSource(existing, src):
			result.Unchanged++
			continue
		default:
			result.Updated++
		}

		stored, err := s.PutSource(ctx, src)
		if err != nil {
			return result, fmt.Errorf("failed to seed source '%s': %w", src.Name, err)
		}
		slog.Info("Seeded source", "name", stored.Name, "version", stored.Version, "state", stored.State)
	}

	for i := range cfg.Compositions {
		comp := cfg.Compositions[i].Clone()
		comp.Normalize()

		existing, err := s.GetComposition(ctx, comp.Name)
		switch {
		case errors.Is(err, store.ErrNotFound):
			result.Created++
		case err != nil:
			return result, fmt.Errorf("failed to read composition '%s': %w", comp.Name, err)
		default:
			current, err := pinsCurrent(ctx, s, existing)
			if err != nil {
				return result, err
			}
			if current && sameComposition(existing, comp) {
				result.Unchanged++
				continue
			}
			result.Updated++
		}

		stored, err := s.PutComposition(ctx, comp)
		if err != nil {
			return result, fmt.Errorf("failed to seed composition '%s': %w", comp.Name, err)
		}
		slog.Info("Seeded composition", "name", stored.Name, "version", stored.Version, "members", len(stored.Members))
	}

	total := result.Created + result.Updated + result.Unchanged
	slog.Info(fmt.Sprintf("Primed %d configuration%s", total, pluralize(total, "", "s")),
		"created", result.Created,
		"updated", result.Updated,
		"unchanged", result.Unchanged,
	)
	return result, nil
}

func sameSource(a, b *datasource.SingleSourceConfig) bool {
	return a.Index == b.Index &&
		a.State == b.State &&
		a.Description == b.Description &&
		slices.Equal(a.Fields, b.Fields)
}

func sameComposition(a, b *datasource.MultiSourceConfig) bool {
	return a.Description == b.Description && slices.Equal(a.Members, b.Members)
}

// pinsCurrent reports whether every member pin still matches the stored member version
func pinsCurrent(ctx context.Context, s store.Store, comp *datasource.MultiSourceConfig) (bool, error) {
	for _, member := range comp.Members {
		src, err := s.GetSource(ctx, member)
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrKindMismatch) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read member '%s' of '%s': %w", member, comp.Name, err)
		}
		if comp.MemberVersions[member] != src.Version {
			return false, nil
		}
	}
	return true, nil
}

// pluralize returns singular or plural suffix based on count
func pluralize(count int, singular, plural string) string {
	if count == 1 {
		return singular
	}
	return plural
}
