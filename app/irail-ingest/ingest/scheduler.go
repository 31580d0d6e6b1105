package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Ltcbe/07N/business/irail"
	"github.com/bluele/gcache"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Scheduler runs polling cycles, in a background loop started with Start or on demand with RunOnce
type Scheduler struct {
	log       zerolog.Logger
	cfg       Config
	store     Store
	targets   *targetResolver
	collector *collector
	now       func() time.Time

	mu      sync.Mutex
	state   State
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewScheduler creates a Scheduler polling upstream and consolidating into store. Written journeys are published
// on events when it is not nil.
func NewScheduler(log zerolog.Logger,
	cfg Config,
	upstream Upstream,
	normalizer Normalizer,
	store Store,
	events MessagePublisher,
	subject string) *Scheduler {
	return newScheduler(log, cfg, upstream, normalizer, store, events, subject, nil)
}

func newScheduler(log zerolog.Logger,
	cfg Config,
	upstream Upstream,
	normalizer Normalizer,
	store Store,
	events MessagePublisher,
	subject string,
	catalogClock gcache.Clock) *Scheduler {

	s := &Scheduler{
		log:     log,
		cfg:     cfg,
		store:   store,
		targets: makeTargetResolver(log, cfg, store, upstream, catalogClock),
		now:     time.Now,
	}
	s.collector = &collector{
		upstream:   upstream,
		normalizer: normalizer,
		store:      store,
		publisher:  makeJourneyPublisher(log, events, subject),
		batchSize:  cfg.batchSize(),
		setState:   s.setState,
	}
	return s
}

// State returns the phase the Scheduler is currently in
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Start runs cycles in the background until ctx is done or Stop is called. The first cycle starts immediately.
// Calling Start on a running Scheduler does nothing, once the loop ended it can be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.running = true
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(loopCtx, s.done)
}

// Stop ends the background loop and waits for it to return. A cycle in progress stops at its next fetch,
// journey writes already started complete first.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// loop runs a cycle, then sleeps until the next one is due, until ctx is done
func (s *Scheduler) loop(ctx context.Context, done chan struct{}) {
	defer func() {
		s.mu.Lock()
		if s.done == done {
			s.running = false
			s.cancel()
		}
		s.state = Idle
		s.mu.Unlock()
		close(done)
	}()
	interval := s.cfg.interval()
	s.log.Info().Str("interval", interval.String()).Msg("starting ingestion loop")

	sleep := time.Duration(0) //sleep for zero seconds the first time
	for {
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.log.Info().Msg("exiting ingestion loop on shutdown signal")
			return
		case <-timer.C:
		}

		// mark the time we start working
		start := s.now()
		s.runCycle(ctx)
		workTook := s.now().Sub(start)

		sleep = nextSleep(interval, workTook)
		s.setState(Sleeping)
		s.log.Debug().Str("took", fmtDuration(workTook)).Str("sleep", fmtDuration(sleep)).Msg("cycle done")
	}
}

// runCycle runs one cycle for the background loop, a failing or panicking cycle is logged and the loop goes on
func (s *Scheduler) runCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error().Interface("panic", r).Msg("ingestion cycle aborted")
		}
	}()
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.log.Error().Err(err).Msg("ingestion cycle failed")
	}
}

// nextSleep returns the rest before the next cycle: what remains of interval after a cycle that took
// workTook, never less than MinSleep
func nextSleep(interval, workTook time.Duration) time.Duration {
	sleep := interval - workTook
	if sleep < MinSleep {
		return MinSleep
	}
	return sleep
}

// RunOnce runs a single cycle over every polling target. It is safe to call while the background loop runs.
// Failing targets are logged and recorded in the result. When every target failed because iRail was
// unavailable and no journey was processed the returned error wraps irail.ErrUpstreamUnavailable.
func (s *Scheduler) RunOnce(ctx context.Context) (CycleResult, error) {
	result := CycleResult{
		ID:            uuid.NewString(),
		Started:       s.now(),
		FailedTargets: []string{},
	}
	log := s.log.With().Str("cycle_id", result.ID).Logger()
	defer s.setState(Idle)

	s.setState(Fetching)
	targets, err := s.targets.resolve(ctx)
	if err != nil {
		result.Took = s.now().Sub(result.Started)
		return result, fmt.Errorf("resolving polling targets: %w", err)
	}
	result.Targets = len(targets)

	cache := makeCycleCache()
	upstreamFailures := 0
	for _, station := range targets {
		if ctx.Err() != nil {
			break
		}
		stats, err := s.collector.collect(ctx, log, station, cache, result.ID)
		result.Processed += stats.processed
		result.Skipped += stats.skipped
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			result.FailedTargets = append(result.FailedTargets, station)
			if errors.Is(err, irail.ErrUpstreamUnavailable) {
				upstreamFailures++
			}
			log.Error().Err(err).Str("station", station).Msg("skipping station")
		}
	}

	s.markFinalized(context.WithoutCancel(ctx), log)
	result.Took = s.now().Sub(result.Started)

	log.Info().
		Int("targets", result.Targets).
		Int("failed_targets", len(result.FailedTargets)).
		Int("processed", result.Processed).
		Int("skipped", result.Skipped).
		Str("took", fmtDuration(result.Took)).
		Msg("ingestion cycle complete")

	if err = ctx.Err(); err != nil {
		return result, err
	}
	if result.Targets > 0 && upstreamFailures == result.Targets && result.Processed == 0 {
		return result, fmt.Errorf("%w: all %d polling targets failed", irail.ErrUpstreamUnavailable, result.Targets)
	}
	return result, nil
}

// markFinalized flags the journeys whose finalization time passed
func (s *Scheduler) markFinalized(ctx context.Context, log zerolog.Logger) {
	n, err := s.store.MarkFinalized(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to mark finalized journeys")
		return
	}
	if n > 0 {
		log.Info().Int64("journeys", n).Msg("marked journeys finalized")
	}
}

// Stations returns the stations the reporting layer should offer: the observed departure stations or the
// configured ones until there are any
func (s *Scheduler) Stations(ctx context.Context) ([]string, error) {
	stations, err := s.store.DepartureStations(ctx)
	if err != nil {
		return nil, err
	}
	if len(stations) == 0 {
		return s.targets.configuredStations(), nil
	}
	return stations, nil
}

// StationCatalog returns the cached iRail station catalog
func (s *Scheduler) StationCatalog(ctx context.Context) ([]irail.Station, error) {
	return s.targets.stationCatalog(ctx)
}
