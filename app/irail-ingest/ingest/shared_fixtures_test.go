package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Ltcbe/07N/business/data/journey"
	"github.com/Ltcbe/07N/business/irail"
	"github.com/rs/zerolog"
)

// fakeUpstream serves canned liveboards and vehicles, recording how it is called
type fakeUpstream struct {
	mu            sync.Mutex
	departures    map[string][]irail.Departure
	departureErrs map[string]error
	vehicles      map[string]irail.VehiclePayload
	vehicleErrs   map[string]error
	catalog       []irail.Station
	catalogErr    error
	vehicleDelay  time.Duration

	stationCalls []string
	vehicleCalls []string
	catalogCalls int
	inFlight     int
	maxInFlight  int
	onDepartures func(station string)
}

func makeFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		departures:    make(map[string][]irail.Departure),
		departureErrs: make(map[string]error),
		vehicles:      make(map[string]irail.VehiclePayload),
		vehicleErrs:   make(map[string]error),
	}
}

func (f *fakeUpstream) StationDepartures(ctx context.Context, station string) ([]irail.Departure, error) {
	f.mu.Lock()
	f.stationCalls = append(f.stationCalls, station)
	departures, err, hook := f.departures[station], f.departureErrs[station], f.onDepartures
	f.mu.Unlock()
	if hook != nil {
		hook(station)
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	return departures, nil
}

func (f *fakeUpstream) VehicleDetail(ctx context.Context, vehicleID string) (irail.VehiclePayload, error) {
	f.mu.Lock()
	f.vehicleCalls = append(f.vehicleCalls, vehicleID)
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	payload, known := f.vehicles[vehicleID]
	err, delay := f.vehicleErrs[vehicleID], f.vehicleDelay
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.inFlight--
		f.mu.Unlock()
	}()
	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return irail.VehiclePayload{}, err
	}
	if !known {
		return irail.VehiclePayload{}, fmt.Errorf("vehicle %s: %w", vehicleID, irail.ErrUpstreamRejected)
	}
	return payload, nil
}

func (f *fakeUpstream) StationCatalog(_ context.Context) ([]irail.Station, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.catalogCalls++
	if f.catalogErr != nil {
		return nil, f.catalogErr
	}
	return f.catalog, nil
}

// addVehicle lists vehicleID on the liveboard of station and serves a two stop payload for it, departing from
// station at departure
func (f *fakeUpstream) addVehicle(t *testing.T, station, vehicleID string, departure int64) {
	t.Helper()
	f.addRoute(t, vehicleID, departure, station, "Terminus")
}

// addRoute serves a payload for vehicleID calling at stations ten minutes apart from departure on, and lists
// the vehicle on the liveboard of every station but the last
func (f *fakeUpstream) addRoute(t *testing.T, vehicleID string, departure int64, stations ...string) {
	t.Helper()
	stops := make([]string, 0, len(stations))
	for i, station := range stations {
		delay := 0
		if i == len(stations)-1 {
			delay = 120
		}
		stops = append(stops, fmt.Sprintf(`{"station":%q,"time":"%d","delay":"%d"}`,
			station, departure+int64(i*600), delay))
	}
	body := fmt.Sprintf(`{"vehicle":%q,"vehicleinfo":{"type":"IC","number":"1"},"stops":{"stop":[%s]}}`,
		vehicleID, strings.Join(stops, ","))
	payload, err := irail.DecodeVehiclePayload([]byte(body))
	if err != nil {
		t.Fatalf("unable to decode test payload: %v", err)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, station := range stations[:len(stations)-1] {
		f.departures[station] = append(f.departures[station], irail.Departure{Vehicle: irail.Flex(vehicleID)})
	}
	f.vehicles[vehicleID] = payload
}

func (f *fakeUpstream) calledVehicles() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.vehicleCalls...)
}

// fakeStore keeps upserted journeys in memory
type fakeStore struct {
	mu            sync.Mutex
	journeys      map[string]journey.Journey
	failIDs       map[string]bool
	stations      []string
	stationsErr   error
	markCalls     int
	upsertCtxErrs []error
}

func makeFakeStore() *fakeStore {
	return &fakeStore{journeys: make(map[string]journey.Journey), failIDs: make(map[string]bool)}
}

func (s *fakeStore) Upsert(ctx context.Context, j journey.Journey) (journey.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upsertCtxErrs = append(s.upsertCtxErrs, ctx.Err())
	if s.failIDs[j.VehicleID] {
		return journey.UpsertResult{}, &journey.PersistenceError{JourneyID: j.ID, Err: errors.New("constraint violation")}
	}
	outcome := journey.Inserted
	if _, ok := s.journeys[j.ID]; ok {
		outcome = journey.Updated
	}
	s.journeys[j.ID] = j
	return journey.UpsertResult{Journey: j, Outcome: outcome}, nil
}

func (s *fakeStore) DepartureStations(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stations, s.stationsErr
}

func (s *fakeStore) MarkFinalized(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markCalls++
	return 0, nil
}

func (s *fakeStore) journey(id string) (journey.Journey, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.journeys[id]
	return j, ok
}

func (s *fakeStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.journeys)
}

// fakePublisher records published messages
type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
	messages [][]byte
}

func (p *fakePublisher) Publish(subj string, data []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subj)
	p.messages = append(p.messages, data)
	return nil
}

func makeTestScheduler(cfg Config, upstream *fakeUpstream, store *fakeStore, events MessagePublisher) *Scheduler {
	normalizer := irail.NewNormalizer(zerolog.Nop(), irail.FinalizeOnArrival, true)
	return NewScheduler(zerolog.Nop(), cfg, upstream, normalizer, store, events, "")
}
