package journey

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Ltcbe/07N/foundation/database"
	"github.com/rs/zerolog"
)

// testClock is a settable clock shared by a Store under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *testClock) advance(d time.Duration) {
	c.set(c.Now().Add(d))
}

// makeTestStore opens an in memory sqlite database with the schema applied
func makeTestStore(t *testing.T, start time.Time) (*Store, *testClock) {
	t.Helper()
	db, err := database.Open(database.Config{Driver: database.DriverSQLite})
	if err != nil {
		t.Fatalf("unable to open test database: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	if err = database.EnsureSchema(context.Background(), db); err != nil {
		t.Fatalf("unable to create schema: %v", err)
	}
	clock := &testClock{now: start}
	return &Store{DB: db, Log: zerolog.Nop(), Now: clock.Now}, clock
}

func timePtr(t time.Time) *time.Time {
	return &t
}

// makeTestJourney builds a journey departing at departure with one stop every ten minutes.
// arrivalDelay is applied to the last stop.
func makeTestJourney(vehicle string, departure time.Time, stations []string, arrivalDelay int) Journey {
	stops := make([]Stop, 0, len(stations))
	for i, station := range stations {
		scheduled := departure.Add(time.Duration(i) * 10 * time.Minute)
		delay := 0
		if i == len(stations)-1 {
			delay = arrivalDelay
		}
		stops = append(stops, Stop{
			Sequence:      i + 1,
			Station:       station,
			ScheduledTime: timePtr(scheduled),
			RealTime:      timePtr(scheduled.Add(time.Duration(delay) * time.Second)),
			Delay:         delay,
			Platform:      fmt.Sprintf("%d", i+1),
			RawPayload:    fmt.Sprintf(`{"station":%q}`, station),
		})
	}
	last := stops[len(stops)-1]
	arrival := *last.ScheduledTime
	return Journey{
		ID:               fmt.Sprintf("%s_%d", vehicle, departure.Unix()),
		VehicleID:        vehicle,
		VehicleType:      "IC",
		Number:           "1832",
		DepartureStation: stations[0],
		ArrivalStation:   last.Station,
		TripDate:         departure.Format(TripDateLayout),
		DepartureTime:    timePtr(departure),
		ArrivalTime:      timePtr(arrival),
		ArrivalDelay:     arrivalDelay,
		LastStopTime:     timePtr(arrival),
		FinalizationTime: timePtr(arrival.Add(FinalizationGrace)),
		RawPayload:       fmt.Sprintf(`{"vehicle":%q}`, vehicle),
		Stops:            stops,
	}
}
