package ingest

import (
	"encoding/json"
	"time"

	"github.com/Ltcbe/07N/business/data/journey"
	"github.com/rs/zerolog"
)

// DefaultSubject is the NATS subject consolidated journeys are published on
const DefaultSubject = "irail-journeys"

// MessagePublisher sends data on a subject, implemented by *nats.Conn
type MessagePublisher interface {
	Publish(subj string, data []byte) error
}

// journeyEvent is what is published for each journey the store wrote
type journeyEvent struct {
	CycleID     string          `json:"cycle_id"`
	Outcome     string          `json:"outcome"`
	PublishedAt time.Time       `json:"published_at"`
	Journey     journey.Journey `json:"journey"`
}

// journeyPublisher sends written journeys over NATS
type journeyPublisher struct {
	log     zerolog.Logger
	conn    MessagePublisher
	subject string
	now     func() time.Time
}

// makeJourneyPublisher creates a journeyPublisher, conn may be nil when publishing is disabled
func makeJourneyPublisher(log zerolog.Logger, conn MessagePublisher, subject string) *journeyPublisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &journeyPublisher{
		log:     log,
		conn:    conn,
		subject: subject,
		now:     time.Now,
	}
}

// publish sends result over NATS when the store inserted or updated the journey
func (p *journeyPublisher) publish(cycleID string, result journey.UpsertResult) {
	if p == nil || p.conn == nil || !result.Outcome.Written() {
		return
	}
	jsonData, err := json.Marshal(journeyEvent{
		CycleID:     cycleID,
		Outcome:     result.Outcome.String(),
		PublishedAt: p.now(),
		Journey:     result.Journey,
	})
	if err != nil {
		p.log.Error().Err(err).Str("journey_id", result.Journey.ID).Msg("failed to marshal journey event")
		return
	}
	if err = p.conn.Publish(p.subject, jsonData); err != nil {
		p.log.Error().Err(err).Str("journey_id", result.Journey.ID).Str("subject", p.subject).
			Msg("failed to publish journey event")
	}
}
