// Package journey holds consolidated train journeys and their stops and the queries reporting on them.
package journey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// FinalizationGrace is added to the last known stop time to compute when a journey becomes immutable
const FinalizationGrace = 5 * time.Minute

// TripDateLayout is the layout of Journey.TripDate
const TripDateLayout = "2006-01-02"

var (
	// ErrNotFound is returned when no journey exists with the requested id
	ErrNotFound = errors.New("journey not found")
	// ErrPersistenceConflict marks a write that lost a race with a concurrent writer. Upsert retries these
	// and never returns them to the caller, once retries run out it reports a plain PersistenceError.
	ErrPersistenceConflict = errors.New("persistence conflict")
)

// PersistenceError is returned when a journey could not be written
type PersistenceError struct {
	JourneyID string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting journey %q: %v", e.JourneyID, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// Journey is one run of a vehicle on one calendar date
type Journey struct {
	// ID combines the vehicle id and the departure epoch, e.g. "BE.NMBS.IC1832_1714550400"
	ID          string `db:"id" json:"id" validate:"required"`
	VehicleID   string `db:"vehicle_id" json:"vehicle" validate:"required"`
	VehicleType string `db:"vehicle_type" json:"type"`
	Number      string `db:"number" json:"number"`
	Direction   string `db:"direction" json:"direction"`

	DepartureStation string `db:"departure_station" json:"departure_station"`
	ArrivalStation   string `db:"arrival_station" json:"arrival_station"`
	// TripDate is the civil date of the departure in the operator's time zone
	TripDate string `db:"trip_date" json:"trip_date" validate:"required,datetime=2006-01-02"`

	DepartureTime *time.Time `db:"departure_time" json:"departure_time"`
	ArrivalTime   *time.Time `db:"arrival_time" json:"arrival_time"`
	// DepartureDelay and ArrivalDelay are in seconds
	DepartureDelay int `db:"departure_delay" json:"departure_delay"`
	ArrivalDelay   int `db:"arrival_delay" json:"arrival_delay"`

	Canceled bool `db:"canceled" json:"canceled"`
	Left     bool `db:"has_left" json:"left"`

	LastStopTime *time.Time `db:"last_stop_time" json:"last_stop_time"`
	// FinalizationTime is the instant after which the stored journey no longer accepts updates,
	// nil means it never finalizes
	FinalizationTime *time.Time `db:"finalization_time" json:"finalization_time"`
	// IsFinalized is set by the sweep in Store.MarkFinalized, the lock itself only looks at FinalizationTime
	IsFinalized bool `db:"is_finalized" json:"is_finalized"`

	RawPayload  string    `db:"raw_payload" json:"-"`
	Fingerprint string    `db:"fingerprint" json:"-"`
	// Revision counts the writes of the journey, starting at 1
	Revision  int       `db:"revision" json:"revision"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`

	Stops []Stop `db:"-" json:"stops" validate:"min=1,dive"`
}

// Stop is one station visit within a Journey, ordered by Sequence starting at 1
type Stop struct {
	JourneyID string `db:"journey_id" json:"-"`
	Sequence  int    `db:"stop_sequence" json:"sequence" validate:"min=1"`
	Station   string `db:"station" json:"station"`
	StationID string `db:"station_id" json:"station_id"`

	// ScheduledTime, RealTime and Delay are the single timestamp view of the stop: the departure when the
	// vehicle departs from it, otherwise the arrival
	ScheduledTime *time.Time `db:"scheduled_time" json:"scheduled_time"`
	RealTime      *time.Time `db:"real_time" json:"real_time"`
	Delay         int        `db:"delay" json:"delay"`

	ScheduledArrival   *time.Time `db:"scheduled_arrival" json:"scheduled_arrival"`
	RealArrival        *time.Time `db:"real_arrival" json:"real_arrival"`
	ArrivalDelay       int        `db:"arrival_delay" json:"arrival_delay"`
	ScheduledDeparture *time.Time `db:"scheduled_departure" json:"scheduled_departure"`
	RealDeparture      *time.Time `db:"real_departure" json:"real_departure"`
	DepartureDelay     int        `db:"departure_delay" json:"departure_delay"`

	Platform    string `db:"platform" json:"platform"`
	Status      string `db:"status" json:"status"`
	IsArrival   bool   `db:"is_arrival" json:"is_arrival"`
	IsDeparture bool   `db:"is_departure" json:"is_departure"`
	Canceled    bool   `db:"canceled" json:"canceled"`
	RawPayload  string `db:"raw_payload" json:"-"`
}

// FinalizedAt returns true when the journey no longer accepts updates at now
func (j *Journey) FinalizedAt(now time.Time) bool {
	return j.FinalizationTime != nil && !now.Before(*j.FinalizationTime)
}

// Outcome describes what Store.Upsert did with a journey
type Outcome int

const (
	// Inserted means the journey did not exist before
	Inserted Outcome = iota
	// Updated means the stored journey and its stops were replaced
	Updated
	// Unchanged means the stored journey already held identical content
	Unchanged
	// Finalized means the stored journey is past its finalization time and was left as is
	Finalized
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Updated:
		return "updated"
	case Unchanged:
		return "unchanged"
	case Finalized:
		return "finalized"
	}
	return fmt.Sprintf("Outcome(%d)", int(o))
}

// Written returns true when the upsert changed stored data
func (o Outcome) Written() bool {
	return o == Inserted || o == Updated
}

// UpsertResult is the stored journey after Store.Upsert and what happened to it
type UpsertResult struct {
	Journey Journey
	Outcome Outcome
}

// prepareForWrite returns a copy of j ready for storage. Times are in UTC at database precision and stops are
// numbered 1..n under the journey's id, then the fingerprint is computed over the result
func prepareForWrite(j Journey) Journey {
	prepared := j
	prepared.DepartureTime = dbTime(j.DepartureTime)
	prepared.ArrivalTime = dbTime(j.ArrivalTime)
	prepared.LastStopTime = dbTime(j.LastStopTime)
	prepared.FinalizationTime = dbTime(j.FinalizationTime)
	prepared.Stops = make([]Stop, len(j.Stops))
	for i, s := range j.Stops {
		s.JourneyID = j.ID
		s.Sequence = i + 1
		s.ScheduledTime = dbTime(s.ScheduledTime)
		s.RealTime = dbTime(s.RealTime)
		s.ScheduledArrival = dbTime(s.ScheduledArrival)
		s.RealArrival = dbTime(s.RealArrival)
		s.ScheduledDeparture = dbTime(s.ScheduledDeparture)
		s.RealDeparture = dbTime(s.RealDeparture)
		prepared.Stops[i] = s
	}
	prepared.Fingerprint = fingerprint(prepared)
	return prepared
}

// fingerprint hashes the normalized content of a journey and its stops. Raw payloads and bookkeeping
// timestamps are left out so re-fetching an unchanged train does not count as a change.
func fingerprint(j Journey) string {
	content := j
	content.IsFinalized = false
	content.Revision = 0
	content.CreatedAt = time.Time{}
	content.UpdatedAt = time.Time{}
	// Journey only holds json friendly types, Marshal cannot fail
	data, _ := json.Marshal(content)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// dbTime converts t to UTC truncated to the microsecond precision postgres stores
func dbTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	utc := t.UTC().Truncate(time.Microsecond)
	return &utc
}
