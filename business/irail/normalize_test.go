package irail

import (
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/rs/zerolog"
)

var testNow = time.Date(2024, 5, 2, 10, 0, 0, 0, time.UTC)

func makeTestNormalizer(strategy FinalizeStrategy, requireDepartureTime bool) *Normalizer {
	n := NewNormalizer(zerolog.Nop(), strategy, requireDepartureTime)
	n.Now = func() time.Time {
		return testNow
	}
	return n
}

func readTestPayload(t *testing.T, fileName string) VehiclePayload {
	t.Helper()
	data, err := os.ReadFile("testdata/" + fileName)
	if err != nil {
		t.Fatalf("unable to read test payload %s: %v", fileName, err)
	}
	payload, err := DecodeVehiclePayload(data)
	if err != nil {
		t.Fatalf("unable to decode test payload %s: %v", fileName, err)
	}
	return payload
}

func decodeTestPayload(t *testing.T, body string) VehiclePayload {
	t.Helper()
	payload, err := DecodeVehiclePayload([]byte(body))
	if err != nil {
		t.Fatalf("unable to decode payload: %v", err)
	}
	return payload
}

func assertEpoch(t *testing.T, name string, got *time.Time, want int64) {
	t.Helper()
	if got == nil {
		t.Errorf("%s is nil, want epoch %d", name, want)
		return
	}
	if got.Unix() != want {
		t.Errorf("%s = %d, want %d", name, got.Unix(), want)
	}
}

func TestNormalize_TwoStopScenario(t *testing.T) {
	is := is.New(t)
	payload := decodeTestPayload(t, `{
		"vehicle": "BE.NMBS.IC1",
		"vehicleinfo": {"type": "IC", "number": "1"},
		"stops": {"stop": [
			{"station": "A", "time": "1000", "delay": "0"},
			{"station": "B", "time": "2000", "delay": "120"}
		]}
	}`)

	j, err := makeTestNormalizer(FinalizeOnArrival, true).Normalize(payload, "A")
	is.NoErr(err)

	assertEpoch(t, "departure time", j.DepartureTime, 1000)
	assertEpoch(t, "arrival time", j.ArrivalTime, 2000)
	assertEpoch(t, "finalization time", j.FinalizationTime, 2300)
	is.Equal(j.ArrivalDelay, 120)
	is.Equal(j.DepartureDelay, 0)
	is.Equal(j.DepartureTime.Location(), Location)
	is.Equal(j.ID, "BE.NMBS.IC1_1000")
	is.Equal(j.TripDate, "1970-01-01")
	is.Equal(j.DepartureStation, "A")
	is.Equal(j.ArrivalStation, "B")
	is.Equal(len(j.Stops), 2)
	is.Equal(j.Stops[0].Sequence, 1)
	is.Equal(j.Stops[1].Sequence, 2)
}

func TestNormalize_VehicleFixture(t *testing.T) {
	tests := []struct {
		name               string
		knownStation       string
		wantDepartureEpoch int64
		wantDepartureDelay int
		wantStation        string
	}{
		{name: "by name", knownStation: "Bruxelles-Central", wantDepartureEpoch: 1714627800,
			wantStation: "Bruxelles-Central"},
		{name: "by standard name ignoring case", knownStation: "brussel-centraal", wantDepartureEpoch: 1714627800,
			wantStation: "Bruxelles-Central"},
		{name: "by station id", knownStation: "BE.NMBS.008892007", wantDepartureEpoch: 1714630200,
			wantDepartureDelay: 60, wantStation: "Gent-Sint-Pieters"},
		{name: "unknown station falls back to first stop", knownStation: "Leuven", wantDepartureEpoch: 1714627800,
			wantStation: "Bruxelles-Central"},
		{name: "no known station", wantDepartureEpoch: 1714627800, wantStation: "Bruxelles-Central"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			payload := readTestPayload(t, "vehicle_ic1832.json")
			j, err := makeTestNormalizer(FinalizeOnArrival, true).Normalize(payload, tt.knownStation)
			is.NoErr(err)

			assertEpoch(t, "departure time", j.DepartureTime, tt.wantDepartureEpoch)
			is.Equal(j.DepartureDelay, tt.wantDepartureDelay)
			is.Equal(j.DepartureStation, tt.wantStation)
			is.Equal(j.TripDate, "2024-05-02")
			is.Equal(j.ArrivalStation, "Brugge")
			is.Equal(j.ArrivalDelay, 180)
			assertEpoch(t, "arrival time", j.ArrivalTime, 1714631700)
			assertEpoch(t, "finalization time", j.FinalizationTime, 1714632000)
			is.Equal(j.VehicleType, "IC")
			is.Equal(j.Number, "1832")
		})
	}
}

func TestNormalize_VehicleFixtureStops(t *testing.T) {
	is := is.New(t)
	payload := readTestPayload(t, "vehicle_ic1832.json")
	j, err := makeTestNormalizer(FinalizeOnArrival, true).Normalize(payload, "Bruxelles-Central")
	is.NoErr(err)

	is.Equal(j.ID, "BE.NMBS.IC1832_1714627800")
	is.Equal(len(j.Stops), 3)

	brussels := j.Stops[0]
	is.Equal(brussels.StationID, "BE.NMBS.008813003")
	is.Equal(brussels.Platform, "3")
	is.True(brussels.IsArrival)
	is.True(brussels.IsDeparture)
	assertEpoch(t, "scheduled arrival", brussels.ScheduledArrival, 1714627620)
	assertEpoch(t, "scheduled departure", brussels.ScheduledDeparture, 1714627800)

	gent := j.Stops[1]
	is.Equal(gent.Platform, "10")
	is.Equal(gent.Delay, 60)
	assertEpoch(t, "real time", gent.RealTime, 1714630260)
	assertEpoch(t, "real arrival", gent.RealArrival, 1714630140)
	is.True(!gent.IsDeparture)

	brugge := j.Stops[2]
	is.Equal(brugge.Platform, "5")
	is.Equal(brugge.Delay, 180)
	assertEpoch(t, "scheduled departure", brugge.ScheduledDeparture, 1714631700)
	is.True(strings.Contains(brugge.RawPayload, `"stationinfo"`))

	var raw map[string]json.RawMessage
	is.NoErr(json.Unmarshal([]byte(j.RawPayload), &raw))
	_, hasConnections := raw["connections"]
	is.True(!hasConnections)
	is.True(strings.Contains(j.RawPayload, `"departureConnection"`))
	is.True(strings.Contains(j.RawPayload, `"timestamp":"1714627000"`))
}

func TestNormalize_PairedTimes(t *testing.T) {
	tests := []struct {
		name                  string
		strategy              FinalizeStrategy
		wantArrivalDelay      int
		wantFinalizationEpoch int64
		wantLastStopEpoch     int64
	}{
		{
			name:                  "immutable after",
			strategy:              FinalizeImmutableAfter,
			wantArrivalDelay:      300,
			wantFinalizationEpoch: 1714633500 + 300,
			wantLastStopEpoch:     1714633500,
		},
		{
			name:                  "arrival",
			strategy:              FinalizeOnArrival,
			wantArrivalDelay:      300,
			wantFinalizationEpoch: 1714633200 + 300,
			wantLastStopEpoch:     1714633200,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			payload := readTestPayload(t, "vehicle_paired.json")
			j, err := makeTestNormalizer(tt.strategy, true).Normalize(payload, "Nivelles")
			is.NoErr(err)

			is.Equal(j.ID, "BE.NMBS.S11990_1714627800")
			is.Equal(j.DepartureDelay, 60)
			is.Equal(j.ArrivalDelay, tt.wantArrivalDelay)
			is.Equal(j.ArrivalStation, "Antwerpen-Centraal")
			assertEpoch(t, "arrival time", j.ArrivalTime, 1714633200)
			assertEpoch(t, "finalization time", j.FinalizationTime, tt.wantFinalizationEpoch)
			assertEpoch(t, "last stop time", j.LastStopTime, tt.wantLastStopEpoch)
			is.True(j.Left)

			midi := j.Stops[1]
			assertEpoch(t, "scheduled arrival", midi.ScheduledArrival, 1714629600)
			assertEpoch(t, "real arrival", midi.RealArrival, 1714629840)
			is.Equal(midi.ArrivalDelay, 240)
			assertEpoch(t, "scheduled departure", midi.ScheduledDeparture, 1714629720)
			is.Equal(midi.DepartureDelay, 180)
			// the single time view of an intermediate stop is its departure
			assertEpoch(t, "scheduled time", midi.ScheduledTime, 1714629720)
			is.Equal(midi.Delay, 180)

			is.Equal(j.Stops[0].Platform, "2")
			is.Equal(j.Stops[2].Status, "arrived")
			is.Equal(j.Stops[2].ScheduledDeparture, (*time.Time)(nil))
		})
	}
}

func TestNormalize_MissingDepartureTime(t *testing.T) {
	body := `{
		"vehicle": "BE.NMBS.P8000",
		"stops": {"stop": [{"station": "Ath"}, {"station": "Mons"}]}
	}`

	t.Run("rejected when required", func(t *testing.T) {
		is := is.New(t)
		_, err := makeTestNormalizer(FinalizeOnArrival, true).Normalize(decodeTestPayload(t, body), "Ath")
		is.True(errors.Is(err, ErrMalformedPayload))
	})

	t.Run("degraded when allowed", func(t *testing.T) {
		is := is.New(t)
		j, err := makeTestNormalizer(FinalizeOnArrival, false).Normalize(decodeTestPayload(t, body), "Ath")
		is.NoErr(err)
		is.Equal(j.ID, "BE.NMBS.P8000_")
		is.Equal(j.TripDate, "2024-05-02")
		is.Equal(j.FinalizationTime, (*time.Time)(nil))
		is.Equal(j.ArrivalTime, (*time.Time)(nil))
	})

	t.Run("immutable after falls back to now", func(t *testing.T) {
		is := is.New(t)
		j, err := makeTestNormalizer(FinalizeImmutableAfter, false).Normalize(decodeTestPayload(t, body), "Ath")
		is.NoErr(err)
		is.Equal(j.ArrivalDelay, 0)
		is.True(j.FinalizationTime.Equal(testNow.Add(5 * time.Minute)))
	})
}

func TestNormalize_ImmutableAfterTimelessTerminus(t *testing.T) {
	body := `{
		"vehicle": "BE.NMBS.L4350",
		"stops": {"stop": [
			{"station": "Leuven", "time": "1714627800", "delay": "0"},
			{"station": "Aarschot", "time": "1714628700", "delay": "240"},
			{"station": "Diest"}
		]}
	}`
	is := is.New(t)
	j, err := makeTestNormalizer(FinalizeImmutableAfter, true).Normalize(decodeTestPayload(t, body), "Leuven")
	is.NoErr(err)
	is.Equal(j.ArrivalStation, "Diest")
	is.Equal(j.ArrivalTime, (*time.Time)(nil))
	// latest observed time is Aarschot, delayed 4 minutes
	assertEpoch(t, "finalization time", j.FinalizationTime, 1714628700+240+300)
}

func TestNormalize_Malformed(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "no vehicle", body: `{"stops": {"stop": [{"station": "A", "time": "1000"}]}}`},
		{name: "empty stop list", body: `{"vehicle": "BE.NMBS.IC1", "stops": {"stop": []}}`},
		{name: "no stops", body: `{"vehicle": "BE.NMBS.IC1"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			is := is.New(t)
			_, err := makeTestNormalizer(FinalizeOnArrival, true).Normalize(decodeTestPayload(t, tt.body), "")
			is.True(errors.Is(err, ErrMalformedPayload))
		})
	}
}

func TestNormalize_PayloadVariants(t *testing.T) {
	is := is.New(t)
	payload := decodeTestPayload(t, `{
		"vehicleinfo": {"name": "BE.NMBS.EC9236", "type": "EC", "canceled": "1", "left": "0"},
		"stops": {"stop": {"station": "Liège-Guillemins", "time": 1714627800, "delay": "30", "canceled": "1"}}
	}`)

	j, err := makeTestNormalizer(FinalizeOnArrival, true).Normalize(payload, "")
	is.NoErr(err)
	is.Equal(j.VehicleID, "BE.NMBS.EC9236")
	is.True(j.Canceled)
	is.True(!j.Left)
	is.Equal(len(j.Stops), 1)
	is.True(j.Stops[0].Canceled)
	is.Equal(j.DepartureStation, j.ArrivalStation)
	is.Equal(j.ArrivalDelay, 30)
}

func TestParseFinalizeStrategy(t *testing.T) {
	is := is.New(t)
	s, err := ParseFinalizeStrategy("")
	is.NoErr(err)
	is.Equal(s, FinalizeOnArrival)
	s, err = ParseFinalizeStrategy("immutable-after")
	is.NoErr(err)
	is.Equal(s, FinalizeImmutableAfter)
	_, err = ParseFinalizeStrategy("never")
	is.True(err != nil)
}
