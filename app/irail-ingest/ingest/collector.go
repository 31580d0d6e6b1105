package ingest

import (
	"context"

	"github.com/Ltcbe/07N/business/data/journey"
	"github.com/Ltcbe/07N/business/irail"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"
)

// stationStats counts what happened to the vehicles of one station
type stationStats struct {
	processed int
	skipped   int
}

// vehicleResult is the outcome of fetching one vehicle's detail
type vehicleResult struct {
	vehicleID string
	payload   irail.VehiclePayload
	err       error
}

// cycleCache holds what one cycle already did, so stations sharing a vehicle neither fetch it twice nor write
// the same journey twice
type cycleCache struct {
	payloads map[string]irail.VehiclePayload
	written  map[string]struct{}
}

func makeCycleCache() *cycleCache {
	return &cycleCache{
		payloads: make(map[string]irail.VehiclePayload),
		written:  make(map[string]struct{}),
	}
}

// collector consolidates the journeys departing from one station
type collector struct {
	upstream   Upstream
	normalizer Normalizer
	store      Store
	publisher  *journeyPublisher
	batchSize  int
	setState   func(State)
}

// collect processes station. Every vehicle on its liveboard is normalized with station as the known departure
// station, a vehicle fetched earlier in the cycle reuses its payload from cache. Only a failure to list the
// station's departures is returned. Any vehicle that fails along the way is logged and counted as skipped.
func (c *collector) collect(ctx context.Context, log zerolog.Logger, station string,
	cache *cycleCache, cycleID string) (stationStats, error) {

	var stats stationStats
	log = log.With().Str("station", station).Logger()

	c.state(Fetching)
	departures, err := c.upstream.StationDepartures(ctx, station)
	if err != nil {
		return stats, err
	}
	vehicleIDs := departingVehicles(departures)
	var missing []string
	for _, id := range vehicleIDs {
		if _, ok := cache.payloads[id]; !ok {
			missing = append(missing, id)
		}
	}
	log.Debug().Int("departures", len(departures)).Int("vehicles", len(vehicleIDs)).
		Int("cached", len(vehicleIDs)-len(missing)).Msg("loaded liveboard")

	failed := make(map[string]error)
	for _, f := range c.fetchVehicles(ctx, missing) {
		if f.err != nil {
			failed[f.vehicleID] = f.err
			continue
		}
		cache.payloads[f.vehicleID] = f.payload
	}
	if err = ctx.Err(); err != nil {
		return stats, err
	}

	c.state(Normalizing)
	journeys := make([]journey.Journey, 0, len(vehicleIDs))
	for _, id := range vehicleIDs {
		if err, ok := failed[id]; ok {
			log.Warn().Err(err).Str("vehicle", id).Msg("skipping vehicle, detail unavailable")
			stats.skipped++
			continue
		}
		j, err := c.normalizer.Normalize(cache.payloads[id], station)
		if err != nil {
			log.Warn().Err(err).Str("vehicle", id).Msg("skipping vehicle, payload rejected")
			stats.skipped++
			continue
		}
		if _, ok := cache.written[j.ID]; ok {
			log.Debug().Str("journey_id", j.ID).Msg("journey already consolidated this cycle")
			continue
		}
		journeys = append(journeys, j)
	}

	c.state(Consolidating)
	// writes started here complete even when ctx is cancelled meanwhile
	writeCtx := context.WithoutCancel(ctx)
	for _, j := range journeys {
		result, err := c.store.Upsert(writeCtx, j)
		if err != nil {
			log.Error().Err(err).Str("vehicle", j.VehicleID).Str("journey_id", j.ID).Msg("failed to save journey")
			stats.skipped++
			continue
		}
		stats.processed++
		cache.written[j.ID] = struct{}{}
		log.Debug().Str("journey_id", j.ID).Stringer("outcome", result.Outcome).Msg("consolidated journey")
		c.publisher.publish(cycleID, result)
	}
	return stats, nil
}

// fetchVehicles requests the detail of every vehicle, batchSize at a time, each batch completing before the
// next one starts. A failed request is reported in its result and never stops its siblings.
func (c *collector) fetchVehicles(ctx context.Context, vehicleIDs []string) []vehicleResult {
	batchSize := c.batchSize
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	results := make([]vehicleResult, 0, len(vehicleIDs))
	for start := 0; start < len(vehicleIDs); start += batchSize {
		if ctx.Err() != nil {
			break
		}
		end := min(start+batchSize, len(vehicleIDs))
		p := pool.NewWithResults[vehicleResult]().WithMaxGoroutines(batchSize)
		for _, id := range vehicleIDs[start:end] {
			id := id
			p.Go(func() vehicleResult {
				payload, err := c.upstream.VehicleDetail(ctx, id)
				return vehicleResult{vehicleID: id, payload: payload, err: err}
			})
		}
		results = append(results, p.Wait()...)
	}
	return results
}

func (c *collector) state(s State) {
	if c.setState != nil {
		c.setState(s)
	}
}

// departingVehicles returns the distinct vehicle ids of departures, in liveboard order
func departingVehicles(departures []irail.Departure) []string {
	var ids []string
	listed := make(map[string]struct{}, len(departures))
	for _, d := range departures {
		id := d.VehicleID()
		if id == "" {
			continue
		}
		if _, ok := listed[id]; ok {
			continue
		}
		listed[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
