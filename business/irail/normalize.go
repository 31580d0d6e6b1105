package irail

import (
	"encoding/json"
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/Ltcbe/07N/business/data/journey"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// Location is the civil time zone of the Belgian railways
var Location = mustLoadLocation("Europe/Brussels")

func mustLoadLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("loading time zone %s: %v", name, err))
	}
	return loc
}

// FinalizeStrategy selects how a normalized journey's finalization time and arrival delay are computed
type FinalizeStrategy string

const (
	// FinalizeOnArrival finalizes a journey five minutes after its last stop's scheduled time, never when that
	// time is unknown. The arrival delay is the delay reported for the last stop.
	FinalizeOnArrival FinalizeStrategy = "arrival"
	// FinalizeImmutableAfter finalizes a journey five minutes after the later of the last stop's observed and
	// scheduled arrival, or five minutes from now when neither is known. The arrival delay is the difference
	// between the last stop's observed and scheduled arrival.
	FinalizeImmutableAfter FinalizeStrategy = "immutable-after"
)

// ParseFinalizeStrategy validates a configured strategy name
func ParseFinalizeStrategy(s string) (FinalizeStrategy, error) {
	switch FinalizeStrategy(s) {
	case FinalizeOnArrival, FinalizeImmutableAfter:
		return FinalizeStrategy(s), nil
	case "":
		return FinalizeOnArrival, nil
	}
	return "", fmt.Errorf("unknown finalize strategy %q", s)
}

// Normalizer converts vehicle payloads into journeys
type Normalizer struct {
	Log      zerolog.Logger
	Strategy FinalizeStrategy
	// RequireDepartureTime rejects payloads whose departure stop has no time. Without one the journey id
	// degrades to the vehicle id alone and unrelated runs of the vehicle would merge.
	RequireDepartureTime bool
	Location             *time.Location
	Now                  func() time.Time
}

// validate checks normalized journeys against their struct tags, safe for concurrent use
var validate = validator.New()

// NewNormalizer creates a Normalizer using Location and the wall clock
func NewNormalizer(log zerolog.Logger, strategy FinalizeStrategy, requireDepartureTime bool) *Normalizer {
	return &Normalizer{
		Log:                  log,
		Strategy:             strategy,
		RequireDepartureTime: requireDepartureTime,
		Location:             Location,
		Now:                  time.Now,
	}
}

// Normalize builds the journey described by payload. The departure is taken from the first stop matching
// knownDepartureStation, by name or id, or from the first stop when there is no match. The arrival is the last stop.
// Payloads without a vehicle id, without stops or failing validation return ErrMalformedPayload.
func (n *Normalizer) Normalize(payload VehiclePayload, knownDepartureStation string) (journey.Journey, error) {
	vehicleID := payload.VehicleID()
	if vehicleID == "" {
		return journey.Journey{}, fmt.Errorf("%w: payload has no vehicle id", ErrMalformedPayload)
	}
	rawStops := payload.Stops.Stop
	if len(rawStops) == 0 {
		return journey.Journey{}, fmt.Errorf("%w: vehicle %s has no stops", ErrMalformedPayload, vehicleID)
	}

	stops := make([]journey.Stop, len(rawStops))
	departureIndex := -1
	for i, raw := range rawStops {
		stops[i] = n.parseStop(raw, i+1)
		if departureIndex < 0 && knownDepartureStation != "" && raw.matches(knownDepartureStation) {
			departureIndex = i
		}
	}
	if departureIndex < 0 {
		departureIndex = 0
	}
	departure := stops[departureIndex]
	last := stops[len(stops)-1]

	j := journey.Journey{
		VehicleID:        vehicleID,
		VehicleType:      payload.VehicleInfo.Type.String(),
		Number:           payload.VehicleInfo.Number.String(),
		Direction:        payload.VehicleInfo.Direction.String(),
		DepartureStation: departure.Station,
		ArrivalStation:   last.Station,
		DepartureTime:    departure.ScheduledTime,
		DepartureDelay:   departure.Delay,
		Canceled:         payload.VehicleInfo.Canceled.Flag(),
		Left:             payload.VehicleInfo.Left.Flag(),
		RawPayload:       rawPayload(payload.Raw),
		Stops:            stops,
	}

	if j.DepartureTime == nil {
		if n.RequireDepartureTime {
			return journey.Journey{}, fmt.Errorf("%w: vehicle %s has no departure time at %s",
				ErrMalformedPayload, vehicleID, departure.Station)
		}
		n.Log.Warn().Str("vehicle", vehicleID).Msg("no departure time, trip date defaults to today")
		j.TripDate = n.now().In(n.location()).Format(journey.TripDateLayout)
		j.ID = vehicleID + "_"
	} else {
		j.TripDate = j.DepartureTime.In(n.location()).Format(journey.TripDateLayout)
		j.ID = fmt.Sprintf("%s_%d", vehicleID, j.DepartureTime.Unix())
	}

	switch n.Strategy {
	case FinalizeImmutableAfter:
		n.finalizeImmutableAfter(&j, stops)
	default:
		n.finalizeOnArrival(&j, last)
	}

	if err := validate.Struct(j); err != nil {
		return journey.Journey{}, fmt.Errorf("%w: vehicle %s: %v", ErrMalformedPayload, vehicleID, err)
	}
	return j, nil
}

func (n *Normalizer) finalizeOnArrival(j *journey.Journey, last journey.Stop) {
	j.ArrivalTime = last.ScheduledTime
	j.ArrivalDelay = last.Delay
	j.LastStopTime = last.ScheduledTime
	if j.ArrivalTime == nil {
		n.Log.Warn().Str("vehicle", j.VehicleID).Str("journey_id", j.ID).
			Msg("no arrival time, journey will never finalize")
		return
	}
	j.FinalizationTime = timePtr(j.ArrivalTime.Add(journey.FinalizationGrace))
}

// finalizeImmutableAfter locks the journey five minutes after the latest observed time of any stop, or the
// latest planned time when nothing was observed. The arrival fields still describe the last stop.
func (n *Normalizer) finalizeImmutableAfter(j *journey.Journey, stops []journey.Stop) {
	last := stops[len(stops)-1]
	planned := firstTime(last.ScheduledArrival, last.ScheduledTime)
	observed := firstTime(last.RealArrival, last.RealTime)

	j.ArrivalTime = planned
	j.LastStopTime = firstTime(observed, planned)
	j.ArrivalDelay = 0
	if planned != nil && observed != nil {
		j.ArrivalDelay = int(observed.Sub(*planned) / time.Second)
	}

	var latestObserved, latestPlanned *time.Time
	for _, stop := range stops {
		latestObserved = laterTime(latestObserved, firstTime(stop.RealArrival, stop.RealDeparture, stop.RealTime))
		latestPlanned = laterTime(latestPlanned,
			firstTime(stop.ScheduledArrival, stop.ScheduledDeparture, stop.ScheduledTime))
	}
	base := firstTime(latestObserved, latestPlanned)
	if base == nil {
		base = timePtr(n.now().In(n.location()))
	}
	j.FinalizationTime = timePtr(base.Add(journey.FinalizationGrace))
}

// parseStop converts a raw stop into a journey.Stop numbered sequence
func (n *Normalizer) parseStop(raw VehicleStop, sequence int) journey.Stop {
	platform := string(raw.Platform)
	if platform == "" {
		platform = raw.PlatformInfo.Name.String()
	}
	stop := journey.Stop{
		Sequence:    sequence,
		Station:     raw.StationName(),
		StationID:   raw.StationInfo.ID.String(),
		Platform:    platform,
		Status:      raw.Status.String(),
		IsArrival:   raw.Arrived.Flag(),
		IsDeparture: raw.Left.Flag(),
		Canceled:    raw.Canceled.Flag(),
		RawPayload:  string(raw.Raw),
	}

	if raw.Time.Paired() {
		if raw.Time.Arrival != nil {
			stop.ScheduledArrival, stop.RealArrival, stop.ArrivalDelay = n.pair(*raw.Time.Arrival)
		}
		if raw.Time.Departure != nil {
			stop.ScheduledDeparture, stop.RealDeparture, stop.DepartureDelay = n.pair(*raw.Time.Departure)
		}
		if stop.ScheduledDeparture != nil {
			stop.ScheduledTime, stop.RealTime, stop.Delay = stop.ScheduledDeparture, stop.RealDeparture, stop.DepartureDelay
		} else {
			stop.ScheduledTime, stop.RealTime, stop.Delay = stop.ScheduledArrival, stop.RealArrival, stop.ArrivalDelay
		}
		return stop
	}

	scheduled := n.civil(raw.Time.Epoch)
	delay := raw.Delay.IntOr(0)
	stop.ScheduledTime = scheduled
	stop.Delay = delay
	stop.RealTime = addSeconds(scheduled, delay)

	stop.ScheduledArrival = n.civil(raw.ScheduledArrivalTime)
	if stop.ScheduledArrival == nil {
		stop.ScheduledArrival = scheduled
	}
	stop.ArrivalDelay = raw.ArrivalDelay.IntOr(delay)
	stop.RealArrival = addSeconds(stop.ScheduledArrival, stop.ArrivalDelay)

	stop.ScheduledDeparture = n.civil(raw.ScheduledDepartureTime)
	if stop.ScheduledDeparture == nil {
		stop.ScheduledDeparture = scheduled
	}
	stop.DepartureDelay = raw.DepartureDelay.IntOr(delay)
	stop.RealDeparture = addSeconds(stop.ScheduledDeparture, stop.DepartureDelay)
	return stop
}

// pair returns the scheduled and observed time of p and the delay between them in seconds
func (n *Normalizer) pair(p TimePair) (*time.Time, *time.Time, int) {
	scheduled := n.civil(p.Scheduled)
	observed := n.civil(p.Realtime)
	delay, hasDelay := p.Delay.Int()
	if !hasDelay && scheduled != nil && observed != nil {
		delay = int(observed.Sub(*scheduled) / time.Second)
	}
	if observed == nil {
		observed = addSeconds(scheduled, delay)
	}
	return scheduled, observed, delay
}

// civil converts an epoch or timestamp value into the railway's local time, nil when absent
func (n *Normalizer) civil(f Flex) *time.Time {
	t, ok := f.Time()
	if !ok {
		return nil
	}
	return timePtr(t.In(n.location()))
}

func (n *Normalizer) location() *time.Location {
	if n.Location == nil {
		return Location
	}
	return n.Location
}

func (n *Normalizer) now() time.Time {
	if n.Now == nil {
		return time.Now()
	}
	return n.Now()
}

// rawPayload returns the vehicle payload without its connections, which are not retained
func rawPayload(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return string(raw)
	}
	if _, ok := fields["connections"]; !ok {
		return string(raw)
	}
	delete(fields, "connections")
	trimmed, err := json.Marshal(fields)
	if err != nil {
		return string(raw)
	}
	return string(trimmed)
}

func firstTime(times ...*time.Time) *time.Time {
	for _, t := range times {
		if t != nil {
			return t
		}
	}
	return nil
}

// laterTime returns the later of a and b, ignoring nil
func laterTime(a, b *time.Time) *time.Time {
	if a == nil || (b != nil && b.After(*a)) {
		return b
	}
	return a
}

func addSeconds(t *time.Time, seconds int) *time.Time {
	if t == nil {
		return nil
	}
	return timePtr(t.Add(time.Duration(seconds) * time.Second))
}

func timePtr(t time.Time) *time.Time {
	return &t
}
