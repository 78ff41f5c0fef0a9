// Package invalidation broadcasts weather model-run changes between
// instances over a Kafka topic. One instance detecting a fresh model
// run publishes an event; every instance, the publisher included,
// drops its cached entries for that cell on receipt.
package invalidation

import (
	"errors"
	"time"
)

// EventVersion is the wire version accepted by the consumer.
const EventVersion = 1

// Event is one model-refresh notification. Keyed by geohash so events
// for the same cell land on the same partition in order.
type Event struct {
	Version     int       `json:"version"`
	Geohash     string    `json:"geohash"`
	OldModelRun string    `json:"old_model_run"`
	NewModelRun string    `json:"new_model_run"`
	TS          time.Time `json:"ts"`
}

// Validate rejects events the consumer cannot act on.
func (e Event) Validate() error {
	if e.Version != EventVersion {
		return errors.New("unsupported event version")
	}
	if e.Geohash == "" {
		return errors.New("event missing geohash")
	}
	if e.NewModelRun == "" {
		return errors.New("event missing new model run")
	}
	return nil
}
