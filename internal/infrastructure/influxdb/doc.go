// Package influxdb writes device telemetry to InfluxDB v2.
//
// Two measurements are written:
//
//	device_readings  tags: resource, source         fields: value
//	coap_exchanges   tags: resource, verb, outcome  fields: duration_ms, attempts
//
// Writes are batched by the official client (influxdb-client-go/v2) and never
// block the caller. InfluxDB is optional: when influxdb.enabled is false the
// gateway does not connect and readings are kept only in the local history.
//
// Usage:
//
//	client, err := influxdb.Connect(ctx, cfg.InfluxDB)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//	client.WriteReading("temp", 21.5, "poller", time.Now())
package influxdb
