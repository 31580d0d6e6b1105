package journey

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/Ltcbe/07N/foundation/database"
	"github.com/cenkalti/backoff/v4"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

const journeyColumns = "id, vehicle_id, vehicle_type, number, direction, departure_station, arrival_station, " +
	"trip_date, departure_time, arrival_time, departure_delay, arrival_delay, canceled, has_left, " +
	"last_stop_time, finalization_time, is_finalized, raw_payload, fingerprint, revision, created_at, updated_at"

const stopColumns = "journey_id, stop_sequence, station, station_id, scheduled_time, real_time, delay, " +
	"scheduled_arrival, real_arrival, arrival_delay, scheduled_departure, real_departure, departure_delay, " +
	"platform, status, is_arrival, is_departure, canceled, raw_payload"

// upsertJourneyStatement inserts a journey or overwrites it when the stored row is not finalized and its content
// differs. No row is returned when the update was skipped, a returned revision of 1 means the row is new.
const upsertJourneyStatement = "insert into journeys (" + journeyColumns + ") " +
	"values (:id, :vehicle_id, :vehicle_type, :number, :direction, :departure_station, :arrival_station, " +
	":trip_date, :departure_time, :arrival_time, :departure_delay, :arrival_delay, :canceled, :has_left, " +
	":last_stop_time, :finalization_time, false, :raw_payload, :fingerprint, 1, :now, :now) " +
	"on conflict (id) do update set " +
	"vehicle_id = excluded.vehicle_id, " +
	"vehicle_type = excluded.vehicle_type, " +
	"number = excluded.number, " +
	"direction = excluded.direction, " +
	"departure_station = excluded.departure_station, " +
	"arrival_station = excluded.arrival_station, " +
	"trip_date = excluded.trip_date, " +
	"departure_time = excluded.departure_time, " +
	"arrival_time = excluded.arrival_time, " +
	"departure_delay = excluded.departure_delay, " +
	"arrival_delay = excluded.arrival_delay, " +
	"canceled = excluded.canceled, " +
	"has_left = excluded.has_left, " +
	"last_stop_time = excluded.last_stop_time, " +
	"finalization_time = excluded.finalization_time, " +
	"raw_payload = excluded.raw_payload, " +
	"fingerprint = excluded.fingerprint, " +
	"revision = journeys.revision + 1, " +
	"updated_at = excluded.updated_at " +
	"where (journeys.finalization_time is null or journeys.finalization_time > :now) " +
	"and journeys.fingerprint <> excluded.fingerprint " +
	"returning revision"

const insertStopStatement = "insert into stops (" + stopColumns + ") " +
	"values (:journey_id, :stop_sequence, :station, :station_id, :scheduled_time, :real_time, :delay, " +
	":scheduled_arrival, :real_arrival, :arrival_delay, :scheduled_departure, :real_departure, :departure_delay, " +
	":platform, :status, :is_arrival, :is_departure, :canceled, :raw_payload)"

// conflictRetries bounds how many times a transaction losing a race is replayed
const conflictRetries = 5

// Store consolidates journeys into the database
type Store struct {
	DB  *sqlx.DB
	Log zerolog.Logger
	// Now is the clock used for the finalization lock and bookkeeping timestamps, time.Now when nil
	Now func() time.Time
}

// NewStore creates a Store on db using the wall clock
func NewStore(log zerolog.Logger, db *sqlx.DB) *Store {
	return &Store{DB: db, Log: log, Now: time.Now}
}

func (s *Store) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC().Truncate(time.Microsecond)
	}
	return s.Now().UTC().Truncate(time.Microsecond)
}

// Upsert writes j and replaces its stops in a single transaction.
// A journey whose stored finalization time has passed is returned unchanged, as is one whose content is identical
// to what is stored. Transactions losing a race against a concurrent writer are retried, so among concurrent
// non finalized writes the last to commit wins. Any other failure is returned as a *PersistenceError.
func (s *Store) Upsert(ctx context.Context, j Journey) (UpsertResult, error) {
	if j.ID == "" {
		return UpsertResult{}, &PersistenceError{Err: errors.New("journey has no id")}
	}
	prepared := prepareForWrite(j)

	var result UpsertResult
	err := s.retryConflicts(ctx, j.ID, func() error {
		r, err := s.upsert(ctx, prepared)
		if err == nil {
			result = r
		}
		return err
	})
	if err != nil {
		return UpsertResult{}, &PersistenceError{JourneyID: j.ID, Err: err}
	}
	return result, nil
}

// retryConflicts runs attempt until it succeeds, fails with anything but a write conflict, or has been retried
// conflictRetries times. A conflict outlasting the retries is returned as a plain error.
func (s *Store) retryConflicts(ctx context.Context, journeyID string, attempt func() error) error {
	var lastConflict error
	operation := func() error {
		err := attempt()
		if err == nil {
			return nil
		}
		if database.IsConflict(err) {
			s.Log.Debug().Str("journey_id", journeyID).Err(err).Msg("retrying journey upsert after conflict")
			lastConflict = err
			return fmt.Errorf("%w: %w", ErrPersistenceConflict, err)
		}
		return backoff.Permanent(err)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxElapsedTime = 0
	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, conflictRetries), ctx))
	if errors.Is(err, ErrPersistenceConflict) {
		return fmt.Errorf("write still contended after %d retries: %v", conflictRetries, lastConflict)
	}
	return err
}

// upsert runs one attempt of Upsert in its own transaction
func (s *Store) upsert(ctx context.Context, j Journey) (UpsertResult, error) {
	tx, err := s.DB.BeginTxx(ctx, nil)
	if err != nil {
		return UpsertResult{}, fmt.Errorf("starting transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := s.now()
	query, args, err := database.PrepareNamedQueryFromMap(upsertJourneyStatement, tx, journeyArgs(j, now))
	if err != nil {
		return UpsertResult{}, err
	}

	var revision int
	err = tx.QueryRowxContext(ctx, query, args...).Scan(&revision)
	if errors.Is(err, sql.ErrNoRows) {
		// the conflict update was skipped, report why
		existing, err := getJourneyWithStops(ctx, tx, j.ID)
		if err != nil {
			return UpsertResult{}, err
		}
		outcome := Unchanged
		if existing.FinalizedAt(now) {
			outcome = Finalized
		}
		if err = tx.Commit(); err != nil {
			return UpsertResult{}, fmt.Errorf("committing: %w", err)
		}
		return UpsertResult{Journey: existing, Outcome: outcome}, nil
	}
	if err != nil {
		return UpsertResult{}, fmt.Errorf("upserting journey: %w", err)
	}

	if err = replaceStops(ctx, tx, j); err != nil {
		return UpsertResult{}, err
	}

	stored, err := getJourneyWithStops(ctx, tx, j.ID)
	if err != nil {
		return UpsertResult{}, err
	}
	if err = tx.Commit(); err != nil {
		return UpsertResult{}, fmt.Errorf("committing: %w", err)
	}

	outcome := Updated
	if revision == 1 {
		outcome = Inserted
	}
	return UpsertResult{Journey: stored, Outcome: outcome}, nil
}

// journeyArgs maps j onto the named parameters of upsertJourneyStatement
func journeyArgs(j Journey, now time.Time) map[string]interface{} {
	return map[string]interface{}{
		"id":                j.ID,
		"vehicle_id":        j.VehicleID,
		"vehicle_type":      j.VehicleType,
		"number":            j.Number,
		"direction":         j.Direction,
		"departure_station": j.DepartureStation,
		"arrival_station":   j.ArrivalStation,
		"trip_date":         j.TripDate,
		"departure_time":    j.DepartureTime,
		"arrival_time":      j.ArrivalTime,
		"departure_delay":   j.DepartureDelay,
		"arrival_delay":     j.ArrivalDelay,
		"canceled":          j.Canceled,
		"has_left":          j.Left,
		"last_stop_time":    j.LastStopTime,
		"finalization_time": j.FinalizationTime,
		"raw_payload":       j.RawPayload,
		"fingerprint":       j.Fingerprint,
		"now":               now,
	}
}

// replaceStops deletes every stored stop of j and inserts j.Stops in their place
func replaceStops(ctx context.Context, tx *sqlx.Tx, j Journey) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind("delete from stops where journey_id = ?"), j.ID); err != nil {
		return fmt.Errorf("deleting stops: %w", err)
	}
	for _, stop := range j.Stops {
		if _, err := tx.NamedExecContext(ctx, insertStopStatement, stop); err != nil {
			return fmt.Errorf("inserting stop %d: %w", stop.Sequence, err)
		}
	}
	return nil
}

// Get returns the journey with id and its stops, ErrNotFound if absent. Both are read from one snapshot, so the
// stops always belong to the same write as the journey.
func (s *Store) Get(ctx context.Context, id string) (Journey, error) {
	tx, err := s.DB.BeginTxx(ctx, &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead})
	if err != nil {
		return Journey{}, fmt.Errorf("starting read transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()
	j, err := getJourneyWithStops(ctx, tx, id)
	if err != nil {
		return Journey{}, err
	}
	if err = tx.Commit(); err != nil {
		return Journey{}, fmt.Errorf("ending read transaction: %w", err)
	}
	return j, nil
}

// Stops returns the stops of journeyID ordered by sequence
func (s *Store) Stops(ctx context.Context, journeyID string) ([]Stop, error) {
	return getStops(ctx, s.DB, journeyID)
}

// MarkFinalized flags every journey whose finalization time has passed, returning how many were flagged
func (s *Store) MarkFinalized(ctx context.Context) (int64, error) {
	query, args, err := database.PrepareNamedQueryFromMap(
		"update journeys set is_finalized = true "+
			"where is_finalized = false and finalization_time is not null and finalization_time <= :now",
		s.DB, map[string]interface{}{"now": s.now()})
	if err != nil {
		return 0, err
	}
	result, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("marking finalized journeys: %w", err)
	}
	return result.RowsAffected()
}

// queryer is implemented by *sqlx.DB and *sqlx.Tx
type queryer interface {
	sqlx.QueryerContext
	Rebind(query string) string
}

func getJourney(ctx context.Context, q queryer, id string) (Journey, error) {
	var j Journey
	err := sqlx.GetContext(ctx, q, &j, q.Rebind("select "+journeyColumns+" from journeys where id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return Journey{}, ErrNotFound
	}
	if err != nil {
		return Journey{}, fmt.Errorf("loading journey %q: %w", id, err)
	}
	return j, nil
}

func getJourneyWithStops(ctx context.Context, q queryer, id string) (Journey, error) {
	j, err := getJourney(ctx, q, id)
	if err != nil {
		return Journey{}, err
	}
	j.Stops, err = getStops(ctx, q, id)
	if err != nil {
		return Journey{}, err
	}
	return j, nil
}

func getStops(ctx context.Context, q queryer, journeyID string) ([]Stop, error) {
	stops := make([]Stop, 0)
	err := sqlx.SelectContext(ctx, q, &stops,
		q.Rebind("select "+stopColumns+" from stops where journey_id = ? order by stop_sequence"), journeyID)
	if err != nil {
		return nil, fmt.Errorf("loading stops of %q: %w", journeyID, err)
	}
	return stops, nil
}
