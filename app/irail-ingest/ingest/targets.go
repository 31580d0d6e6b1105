package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Ltcbe/07N/business/irail"
	"github.com/bluele/gcache"
	"github.com/rs/zerolog"
)

const catalogKey = "catalog"

// targetResolver decides which stations a cycle polls
type targetResolver struct {
	log        zerolog.Logger
	mode       TargetMode
	configured []string
	store      Store
	upstream   Upstream
	catalog    gcache.Cache
	ttl        time.Duration
}

func makeTargetResolver(log zerolog.Logger, cfg Config, store Store, upstream Upstream, clock gcache.Clock) *targetResolver {
	builder := gcache.New(1).LRU()
	if clock != nil {
		builder = builder.Clock(clock)
	}
	return &targetResolver{
		log:        log,
		mode:       cfg.TargetMode,
		configured: cfg.Stations,
		store:      store,
		upstream:   upstream,
		catalog:    builder.Build(),
		ttl:        cfg.catalogTTL(),
	}
}

// resolve returns the stations to poll, in a stable order
func (r *targetResolver) resolve(ctx context.Context) ([]string, error) {
	switch r.mode {
	case TargetsObserved:
		stations, err := r.store.DepartureStations(ctx)
		if err != nil {
			return nil, fmt.Errorf("loading observed departure stations: %w", err)
		}
		if len(stations) == 0 {
			r.log.Info().Msg("no departure station observed yet, polling configured stations")
			return r.configuredStations(), nil
		}
		return stations, nil
	case TargetsNetwork:
		stations, err := r.stationCatalog(ctx)
		if err != nil {
			return nil, err
		}
		targets := make([]string, 0, len(stations))
		for _, s := range stations {
			if s.ID != "" {
				targets = append(targets, s.ID)
			} else {
				targets = append(targets, s.Name)
			}
		}
		return targets, nil
	}
	return r.configuredStations(), nil
}

func (r *targetResolver) configuredStations() []string {
	stations := make([]string, len(r.configured))
	copy(stations, r.configured)
	return stations
}

// stationCatalog returns the iRail station catalog, fetching it at most once per catalog TTL
func (r *targetResolver) stationCatalog(ctx context.Context) ([]irail.Station, error) {
	cached, err := r.catalog.Get(catalogKey)
	if err == nil {
		return cached.([]irail.Station), nil
	}
	if !errors.Is(err, gcache.KeyNotFoundError) {
		return nil, fmt.Errorf("reading station catalog cache: %w", err)
	}

	stations, err := r.upstream.StationCatalog(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching station catalog: %w", err)
	}
	if err = r.catalog.SetWithExpire(catalogKey, stations, r.ttl); err != nil {
		r.log.Warn().Err(err).Msg("unable to cache station catalog")
	}
	r.log.Info().Int("stations", len(stations)).Msg("loaded station catalog")
	return stations, nil
}
