package journey

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/Ltcbe/07N/foundation/database"
)

// lateThreshold separates "Retard" from "Léger retard"
const lateThreshold = 5 * 60

// Dashboard row statuses
const (
	StatusCanceled     = "Annulé"
	StatusLate         = "Retard"
	StatusSlightlyLate = "Léger retard"
	StatusOnTime       = "À l'heure"
)

// DashboardFilter restricts the journeys reported on, empty fields match everything
type DashboardFilter struct {
	// Day is a trip date in TripDateLayout
	Day              string
	DepartureStation string
	ArrivalStation   string
}

// Summary aggregates punctuality over the filtered journeys
type Summary struct {
	AverageDelayMinutes float64 `json:"average_delay_minutes"`
	LateTrains          int     `json:"late_trains"`
	Punctuality         float64 `json:"punctuality"`
}

// HourCount is the number of journeys departing within Hour
type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// JourneyRow is the flattened view of a journey shown on the dashboard
type JourneyRow struct {
	ID               string  `json:"id"`
	Train            string  `json:"train"`
	Type             string  `json:"type"`
	DepartureStation string  `json:"departure_station"`
	ArrivalStation   string  `json:"arrival_station"`
	DepartureTime    *string `json:"departure_time"`
	ArrivalTime      *string `json:"arrival_time"`
	DelayMinutes     float64 `json:"delay_minutes"`
	Status           string  `json:"status"`
}

// Dashboard is the punctuality report for a DashboardFilter
type Dashboard struct {
	Summary     Summary      `json:"summary"`
	Histogram   []HourCount  `json:"histogram"`
	Journeys    []JourneyRow `json:"journeys"`
	LastUpdated *string      `json:"last_updated"`
	// Holiday is true when the filtered day is a Belgian public holiday
	Holiday bool `json:"holiday,omitempty"`
}

// emptyDashboard is the report returned when no journey matches
func emptyDashboard() Dashboard {
	return Dashboard{
		Histogram: []HourCount{},
		Journeys:  []JourneyRow{},
	}
}

// DepartureStations lists the distinct departure stations of stored journeys in alphabetical order
func (s *Store) DepartureStations(ctx context.Context) ([]string, error) {
	stations := make([]string, 0)
	err := s.DB.SelectContext(ctx, &stations,
		"select distinct departure_station from journeys where departure_station <> '' order by departure_station")
	if err != nil {
		return nil, fmt.Errorf("listing departure stations: %w", err)
	}
	return stations, nil
}

// Dashboard builds the punctuality report over the journeys matching filter. Hours and rendered times use loc.
func (s *Store) Dashboard(ctx context.Context, filter DashboardFilter, loc *time.Location) (Dashboard, error) {
	if loc == nil {
		loc = time.UTC
	}
	journeys, err := s.filteredJourneys(ctx, filter)
	if err != nil {
		return Dashboard{}, err
	}

	report := buildDashboard(journeys, loc)
	if filter.Day != "" && len(report.Journeys) > 0 {
		if day, err := time.ParseInLocation(TripDateLayout, filter.Day, loc); err == nil {
			report.Holiday = isHoliday(day)
		}
	}
	return report, nil
}

// filteredJourneys loads the journeys matching filter without their stops
func (s *Store) filteredJourneys(ctx context.Context, filter DashboardFilter) ([]Journey, error) {
	var conditions []string
	args := make(map[string]interface{})
	if filter.Day != "" {
		conditions = append(conditions, "trip_date = :day")
		args["day"] = filter.Day
	}
	if filter.DepartureStation != "" {
		conditions = append(conditions, "departure_station = :departure_station")
		args["departure_station"] = filter.DepartureStation
	}
	if filter.ArrivalStation != "" {
		conditions = append(conditions, "arrival_station = :arrival_station")
		args["arrival_station"] = filter.ArrivalStation
	}

	statement := "select " + journeyColumns + " from journeys"
	if len(conditions) > 0 {
		statement += " where " + strings.Join(conditions, " and ")
	}
	statement += " order by departure_time, id"

	rows, err := database.PrepareNamedQueryRowsFromMap(ctx, statement, s.DB, args)
	if err != nil {
		return nil, fmt.Errorf("loading dashboard journeys: %w", err)
	}
	defer func() {
		_ = rows.Close()
	}()
	journeys := make([]Journey, 0)
	for rows.Next() {
		var j Journey
		if err = rows.StructScan(&j); err != nil {
			return nil, fmt.Errorf("scanning dashboard journey: %w", err)
		}
		journeys = append(journeys, j)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("loading dashboard journeys: %w", err)
	}
	return journeys, nil
}

// buildDashboard aggregates journeys into a Dashboard
func buildDashboard(journeys []Journey, loc *time.Location) Dashboard {
	if len(journeys) == 0 {
		return emptyDashboard()
	}

	total := len(journeys)
	arrivalDelaySum := 0
	late := 0
	var lastUpdated time.Time
	rows := make([]JourneyRow, 0, total)
	for _, j := range journeys {
		arrivalDelaySum += j.ArrivalDelay
		if j.ArrivalDelay > 0 || j.DepartureDelay > 0 {
			late++
		}
		if j.UpdatedAt.After(lastUpdated) {
			lastUpdated = j.UpdatedAt
		}
		rows = append(rows, makeJourneyRow(j, loc))
	}

	report := Dashboard{
		Summary: Summary{
			AverageDelayMinutes: round2(float64(arrivalDelaySum) / 60 / float64(total)),
			LateTrains:          late,
			Punctuality:         round2(float64(total-late) / float64(total) * 100),
		},
		Histogram: departureHistogram(journeys, loc),
		Journeys:  rows,
	}
	if !lastUpdated.IsZero() {
		formatted := lastUpdated.In(loc).Format(time.RFC3339)
		report.LastUpdated = &formatted
	}
	return report
}

// departureHistogram counts journeys by departure hour, always returning all 24 hours
func departureHistogram(journeys []Journey, loc *time.Location) []HourCount {
	histogram := make([]HourCount, 24)
	for hour := range histogram {
		histogram[hour].Hour = hour
	}
	for _, j := range journeys {
		if j.DepartureTime == nil {
			continue
		}
		histogram[j.DepartureTime.In(loc).Hour()].Count++
	}
	return histogram
}

func makeJourneyRow(j Journey, loc *time.Location) JourneyRow {
	train := j.Number
	if train == "" {
		train = j.VehicleID
	}
	return JourneyRow{
		ID:               j.ID,
		Train:            train,
		Type:             j.VehicleType,
		DepartureStation: j.DepartureStation,
		ArrivalStation:   j.ArrivalStation,
		DepartureTime:    isoTime(j.DepartureTime, loc),
		ArrivalTime:      isoTime(j.ArrivalTime, loc),
		DelayMinutes:     round2(float64(reportedDelay(j)) / 60),
		Status:           status(j),
	}
}

// reportedDelay is the arrival delay, or the departure delay when the arrival is on time
func reportedDelay(j Journey) int {
	if j.ArrivalDelay != 0 {
		return j.ArrivalDelay
	}
	return j.DepartureDelay
}

func status(j Journey) string {
	if j.Canceled {
		return StatusCanceled
	}
	delay := reportedDelay(j)
	switch {
	case delay >= lateThreshold:
		return StatusLate
	case delay > 0:
		return StatusSlightlyLate
	}
	return StatusOnTime
}

func isoTime(t *time.Time, loc *time.Location) *string {
	if t == nil {
		return nil
	}
	formatted := t.In(loc).Format(time.RFC3339)
	return &formatted
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
