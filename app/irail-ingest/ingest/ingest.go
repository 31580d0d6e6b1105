// Package ingest polls iRail on a fixed interval and consolidates the journeys it sees into the journey store,
// and serves the punctuality reports built from them.
package ingest

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Ltcbe/07N/business/data/journey"
	"github.com/Ltcbe/07N/business/irail"
)

// State is the phase the Scheduler is in
type State int

const (
	Idle State = iota
	Fetching
	Normalizing
	Consolidating
	Sleeping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Normalizing:
		return "normalizing"
	case Consolidating:
		return "consolidating"
	case Sleeping:
		return "sleeping"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// TargetMode selects which stations are polled each cycle
type TargetMode string

const (
	// TargetsConfigured polls the configured stations
	TargetsConfigured TargetMode = "configured"
	// TargetsObserved polls the departure stations already in the store, the configured ones until there are any
	TargetsObserved TargetMode = "observed"
	// TargetsNetwork polls every station of the iRail catalog
	TargetsNetwork TargetMode = "network"
)

// ParseTargetMode validates a configured target mode
func ParseTargetMode(s string) (TargetMode, error) {
	switch mode := TargetMode(strings.ToLower(s)); mode {
	case TargetsConfigured, TargetsObserved, TargetsNetwork:
		return mode, nil
	case "":
		return TargetsConfigured, nil
	}
	return "", fmt.Errorf("unknown target mode %q", s)
}

const (
	// MinInterval is the shortest accepted time between the start of two cycles
	MinInterval = 60 * time.Second
	// MinSleep is the rest period kept after a cycle, however long it ran
	MinSleep = 5 * time.Second
	// DefaultBatchSize is the number of vehicle details fetched concurrently
	DefaultBatchSize = 4
	// DefaultCatalogTTL is how long the station catalog is reused before being fetched again
	DefaultCatalogTTL = 12 * time.Hour
)

// Config holds the tunables of a Scheduler
type Config struct {
	Interval   time.Duration
	Stations   []string
	TargetMode TargetMode
	BatchSize  int
	CatalogTTL time.Duration
}

// interval returns the configured interval floored at MinInterval
func (c Config) interval() time.Duration {
	if c.Interval < MinInterval {
		return MinInterval
	}
	return c.Interval
}

func (c Config) batchSize() int {
	if c.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return c.BatchSize
}

func (c Config) catalogTTL() time.Duration {
	if c.CatalogTTL <= 0 {
		return DefaultCatalogTTL
	}
	return c.CatalogTTL
}

// Upstream is the source of departures and vehicles, implemented by *irail.Client
type Upstream interface {
	StationDepartures(ctx context.Context, station string) ([]irail.Departure, error)
	VehicleDetail(ctx context.Context, vehicleID string) (irail.VehiclePayload, error)
	StationCatalog(ctx context.Context) ([]irail.Station, error)
}

// Normalizer turns vehicle payloads into journeys, implemented by *irail.Normalizer
type Normalizer interface {
	Normalize(payload irail.VehiclePayload, knownDepartureStation string) (journey.Journey, error)
}

// Store consolidates journeys, implemented by *journey.Store
type Store interface {
	Upsert(ctx context.Context, j journey.Journey) (journey.UpsertResult, error)
	DepartureStations(ctx context.Context) ([]string, error)
	MarkFinalized(ctx context.Context) (int64, error)
}

// ReportStore answers the read side queries of the web service, implemented by *journey.Store
type ReportStore interface {
	Dashboard(ctx context.Context, filter journey.DashboardFilter, loc *time.Location) (journey.Dashboard, error)
	Get(ctx context.Context, id string) (journey.Journey, error)
}

// CycleResult summarizes one polling cycle
type CycleResult struct {
	ID            string        `json:"id"`
	Started       time.Time     `json:"started"`
	Took          time.Duration `json:"took"`
	Targets       int           `json:"targets"`
	FailedTargets []string      `json:"failed_targets"`
	// Processed counts journeys the store accepted, whatever the outcome
	Processed int `json:"processed"`
	// Skipped counts vehicles dropped after a failure
	Skipped int `json:"skipped"`
}

//fmtDuration returns a string presentation of time.Duration for logging
func fmtDuration(d time.Duration) string {
	d = d.Round(time.Millisecond)
	h := d / time.Hour
	d -= h * time.Hour
	m := d / time.Minute
	d -= m * time.Minute
	s := d / time.Second
	d -= s * time.Second
	mill := d / time.Millisecond
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, mill)
}
