package irail

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Flex decodes a json value that iRail sends either as a string, a number or a boolean
type Flex string

// UnmarshalJSON implements json.Unmarshaler
func (f *Flex) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = Flex(strings.TrimSpace(s))
		return nil
	}
	if b[0] == '{' || b[0] == '[' {
		// structured values are not scalar, treat them as absent
		*f = ""
		return nil
	}
	*f = Flex(b)
	return nil
}

// String returns the raw text of the value
func (f Flex) String() string {
	return string(f)
}

// Int parses the value as an integer, false if it is absent or not numeric
func (f Flex) Int() (int, bool) {
	s := string(f)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, true
	}
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return int(v), true
	}
	return 0, false
}

// IntOr returns the integer value or fallback
func (f Flex) IntOr(fallback int) int {
	if n, ok := f.Int(); ok {
		return n
	}
	return fallback
}

// Flag returns true for "1" and "true"
func (f Flex) Flag() bool {
	switch strings.ToLower(string(f)) {
	case "1", "true":
		return true
	}
	return false
}

// Time interprets the value as epoch seconds or an RFC 3339 timestamp
func (f Flex) Time() (time.Time, bool) {
	if n, ok := f.Int(); ok {
		if n <= 0 {
			return time.Time{}, false
		}
		return time.Unix(int64(n), 0), true
	}
	if t, err := time.Parse(time.RFC3339, string(f)); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Platform decodes a platform sent either as a plain value or as {"name": "3"} or {"#text": "3"}
type Platform string

// UnmarshalJSON implements json.Unmarshaler
func (p *Platform) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var nested struct {
			Name Flex `json:"name"`
			Text Flex `json:"#text"`
		}
		if err := json.Unmarshal(b, &nested); err != nil {
			return err
		}
		*p = Platform(nested.Name)
		if *p == "" {
			*p = Platform(nested.Text)
		}
		return nil
	}
	var f Flex
	if err := f.UnmarshalJSON(b); err != nil {
		return err
	}
	*p = Platform(f)
	return nil
}

// List decodes a json array, a single object being read as a one element list
type List[T any] []T

// UnmarshalJSON implements json.Unmarshaler
func (l *List[T]) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		*l = nil
		return nil
	}
	if b[0] == '[' {
		var items []T
		if err := json.Unmarshal(b, &items); err != nil {
			return err
		}
		*l = items
		return nil
	}
	var item T
	if err := json.Unmarshal(b, &item); err != nil {
		return err
	}
	*l = List[T]{item}
	return nil
}

// Station describes a station of the network
type Station struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	StandardName string `json:"standardname"`
}

// StationInfo is the station detail attached to stops and departures
type StationInfo struct {
	ID           Flex `json:"id"`
	Name         Flex `json:"name"`
	StandardName Flex `json:"standardname"`
}

// VehicleInfo is the vehicle level metadata of a vehicle or departure payload
type VehicleInfo struct {
	Name      Flex `json:"name"`
	Type      Flex `json:"type"`
	Number    Flex `json:"number"`
	ShortName Flex `json:"shortname"`
	Direction Flex `json:"direction"`
	Canceled  Flex `json:"canceled"`
	Left      Flex `json:"left"`
}

// Departure is one entry of a station liveboard
type Departure struct {
	ID          Flex        `json:"id"`
	Vehicle     Flex        `json:"vehicle"`
	VehicleInfo VehicleInfo `json:"vehicleinfo"`
	// Station is the destination of the departing vehicle
	Station  Flex     `json:"station"`
	Time     Flex     `json:"time"`
	Delay    Flex     `json:"delay"`
	Canceled Flex     `json:"canceled"`
	Left     Flex     `json:"left"`
	Platform Platform `json:"platform"`
}

// VehicleID returns the vehicle identifier of the departure, empty when the record has none
func (d Departure) VehicleID() string {
	if d.Vehicle != "" {
		return d.Vehicle.String()
	}
	return d.VehicleInfo.Name.String()
}

// liveboard is the response of the liveboard endpoint
type liveboard struct {
	Station    Flex `json:"station"`
	Departures *struct {
		Departure List[Departure] `json:"departure"`
	} `json:"departures"`
}

// stationCatalog is the response of the stations endpoint
type stationCatalog struct {
	Station List[Station] `json:"station"`
}

// TimePair is the scheduled and observed time of an arrival or a departure
type TimePair struct {
	Scheduled Flex `json:"scheduled"`
	Realtime  Flex `json:"realtime"`
	Delay     Flex `json:"delay"`
}

// StopTime holds the time of a stop, sent either as an epoch or as separate arrival and departure pairs
type StopTime struct {
	Epoch     Flex
	Arrival   *TimePair
	Departure *TimePair
}

// UnmarshalJSON implements json.Unmarshaler
func (s *StopTime) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var pairs struct {
			Arrival   *TimePair `json:"arrival"`
			Departure *TimePair `json:"departure"`
		}
		if err := json.Unmarshal(b, &pairs); err != nil {
			return err
		}
		*s = StopTime{Arrival: pairs.Arrival, Departure: pairs.Departure}
		return nil
	}
	*s = StopTime{}
	return s.Epoch.UnmarshalJSON(b)
}

// Paired returns true when the stop carries separate arrival and departure times
func (s StopTime) Paired() bool {
	return s.Arrival != nil || s.Departure != nil
}

// VehicleStop is one stop of a vehicle payload
type VehicleStop struct {
	Station      Flex        `json:"station"`
	StationInfo  StationInfo `json:"stationinfo"`
	Time         StopTime    `json:"time"`
	Delay        Flex        `json:"delay"`
	Platform     Platform    `json:"platform"`
	PlatformInfo struct {
		Name Flex `json:"name"`
	} `json:"platforminfo"`
	ScheduledArrivalTime   Flex `json:"scheduledArrivalTime"`
	ScheduledDepartureTime Flex `json:"scheduledDepartureTime"`
	ArrivalDelay           Flex `json:"arrivalDelay"`
	DepartureDelay         Flex `json:"departureDelay"`
	Canceled               Flex `json:"canceled"`
	Left                   Flex `json:"left"`
	Arrived                Flex `json:"arrived"`
	Status                 Flex `json:"status"`

	// Raw is the stop exactly as received
	Raw json.RawMessage `json:"-"`
}

// UnmarshalJSON implements json.Unmarshaler, keeping a copy of the raw stop
func (v *VehicleStop) UnmarshalJSON(b []byte) error {
	type plain VehicleStop
	var decoded plain
	if err := json.Unmarshal(b, &decoded); err != nil {
		return err
	}
	*v = VehicleStop(decoded)
	v.Raw = append(json.RawMessage(nil), b...)
	return nil
}

// StationName returns the best available display name of the stop's station
func (v VehicleStop) StationName() string {
	if v.Station != "" {
		return v.Station.String()
	}
	if v.StationInfo.Name != "" {
		return v.StationInfo.Name.String()
	}
	return v.StationInfo.StandardName.String()
}

// matches returns true when station names or identifies the stop's station, ignoring case
func (v VehicleStop) matches(station string) bool {
	for _, candidate := range []Flex{v.Station, v.StationInfo.Name, v.StationInfo.StandardName, v.StationInfo.ID} {
		if candidate != "" && strings.EqualFold(candidate.String(), station) {
			return true
		}
	}
	return false
}

// VehiclePayload is the response of the vehicle endpoint
type VehiclePayload struct {
	Vehicle     Flex        `json:"vehicle"`
	VehicleInfo VehicleInfo `json:"vehicleinfo"`
	Stops       struct {
		Stop List[VehicleStop] `json:"stop"`
	} `json:"stops"`

	// Raw is the payload exactly as received
	Raw json.RawMessage `json:"-"`
}

// VehicleID returns the identifier of the vehicle, empty when the payload has none
func (p VehiclePayload) VehicleID() string {
	if p.Vehicle != "" {
		return p.Vehicle.String()
	}
	return p.VehicleInfo.Name.String()
}

// DecodeVehiclePayload decodes a vehicle response, retaining the raw bytes
func DecodeVehiclePayload(b []byte) (VehiclePayload, error) {
	var p VehiclePayload
	if err := json.Unmarshal(b, &p); err != nil {
		return VehiclePayload{}, err
	}
	p.Raw = append(json.RawMessage(nil), b...)
	return p, nil
}
