package influxdb

import (
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	// measurementReadings holds every successful device reading.
	measurementReadings = "device_readings"

	// measurementExchanges holds one point per CoAP exchange.
	measurementExchanges = "coap_exchanges"
)

// WriteReading records a decoded device value.
//
// Tags: resource, source. Field: value (LED readings are 1 for On, 0 for Off).
//
// Example:
//
//	client.WriteReading("temp", 21.5, "poller", time.Now())
func (c *Client) WriteReading(resource string, value float64, source string, at time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(newReadingPoint(resource, value, source, at))
}

// WriteExchange records the outcome of one CoAP exchange.
//
// Tags: resource, verb, outcome ("ok" or the failure kind).
// Fields: duration_ms, attempts.
func (c *Client) WriteExchange(resource, verb, outcome string, duration time.Duration, attempts int, at time.Time) {
	if !c.IsConnected() {
		return
	}

	c.writeAPI.WritePoint(newExchangePoint(resource, verb, outcome, duration, attempts, at))
}

func newReadingPoint(resource string, value float64, source string, at time.Time) *write.Point {
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		measurementReadings,
		map[string]string{
			"resource": resource,
			"source":   source,
		},
		map[string]any{
			"value": value,
		},
		at,
	)
}

func newExchangePoint(resource, verb, outcome string, duration time.Duration, attempts int, at time.Time) *write.Point {
	if at.IsZero() {
		at = time.Now()
	}
	return write.NewPoint(
		measurementExchanges,
		map[string]string{
			"resource": resource,
			"verb":     verb,
			"outcome":  outcome,
		},
		map[string]any{
			"duration_ms": float64(duration) / float64(time.Millisecond),
			"attempts":    attempts,
		},
		at,
	)
}
