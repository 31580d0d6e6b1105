// Package irail talks to the iRail api of the Belgian railways and turns its vehicle payloads into journeys.
package irail

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/Ltcbe/07N/foundation/httpclient"
)

// DefaultBaseURL is the public iRail api
const DefaultBaseURL = "https://api.irail.be"

var (
	// ErrUpstreamUnavailable is returned when iRail kept failing after every retry
	ErrUpstreamUnavailable = httpclient.ErrUpstreamUnavailable
	// ErrUpstreamRejected is returned when iRail refused a request, retrying would not help
	ErrUpstreamRejected = httpclient.ErrUpstreamRejected
	// ErrMalformedPayload is returned when a record cannot be decoded or misses what a journey needs
	ErrMalformedPayload = errors.New("malformed payload")
)

// stationIDPrefix starts every iRail station identifier
const stationIDPrefix = "BE.NMBS."

// Getter performs retried http GET requests, implemented by *httpclient.Client
type Getter interface {
	Get(ctx context.Context, rawURL string, query url.Values) ([]byte, error)
	GetJSON(ctx context.Context, rawURL string, query url.Values, dst interface{}) error
}

// Client reads the iRail API over a retrying httpclient.Client
type Client struct {
	http    Getter
	baseURL string
	lang    string
}

// NewClient creates a Client for the iRail api at baseURL answering in lang
func NewClient(http Getter, baseURL string, lang string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if lang == "" {
		lang = "fr"
	}
	return &Client{
		http:    http,
		baseURL: strings.TrimRight(baseURL, "/"),
		lang:    lang,
	}
}

// StationDepartures returns the current departures of station, a station name or an iRail station id.
// A station without departures returns an empty list.
func (c *Client) StationDepartures(ctx context.Context, station string) ([]Departure, error) {
	query := c.query()
	if strings.HasPrefix(station, stationIDPrefix) {
		query.Set("id", station)
	} else {
		query.Set("station", station)
	}
	query.Set("arrdep", "departure")
	query.Set("alerts", "false")
	query.Set("fast", "true")

	var board liveboard
	if err := c.http.GetJSON(ctx, c.baseURL+"/liveboard/", query, &board); err != nil {
		return nil, c.wrap(err, "liveboard of %s", station)
	}
	if board.Departures == nil {
		return []Departure{}, nil
	}
	departures := make([]Departure, 0, len(board.Departures.Departure))
	departures = append(departures, board.Departures.Departure...)
	return departures, nil
}

// VehicleDetail returns the stops of vehicleID, retaining the raw payload
func (c *Client) VehicleDetail(ctx context.Context, vehicleID string) (VehiclePayload, error) {
	query := c.query()
	query.Set("id", vehicleID)

	body, err := c.http.Get(ctx, c.baseURL+"/vehicle/", query)
	if err != nil {
		return VehiclePayload{}, c.wrap(err, "vehicle %s", vehicleID)
	}
	payload, err := DecodeVehiclePayload(body)
	if err != nil {
		return VehiclePayload{}, fmt.Errorf("%w: vehicle %s: %v", ErrMalformedPayload, vehicleID, err)
	}
	return payload, nil
}

// StationCatalog returns every station known to iRail
func (c *Client) StationCatalog(ctx context.Context) ([]Station, error) {
	var catalog stationCatalog
	if err := c.http.GetJSON(ctx, c.baseURL+"/stations/", c.query(), &catalog); err != nil {
		return nil, c.wrap(err, "station catalog")
	}
	stations := make([]Station, 0, len(catalog.Station))
	for _, s := range catalog.Station {
		if s.ID == "" && s.Name == "" {
			continue
		}
		stations = append(stations, s)
	}
	return stations, nil
}

func (c *Client) query() url.Values {
	q := make(url.Values)
	q.Set("format", "json")
	q.Set("lang", c.lang)
	return q
}

// wrap adds what was requested to err, turning undecodable responses into ErrMalformedPayload
func (c *Client) wrap(err error, format string, args ...interface{}) error {
	what := fmt.Sprintf(format, args...)
	if errors.Is(err, httpclient.ErrMalformedResponse) {
		return fmt.Errorf("%w: %s: %v", ErrMalformedPayload, what, err)
	}
	return fmt.Errorf("%s: %w", what, err)
}
