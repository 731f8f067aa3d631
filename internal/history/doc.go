// Package history keeps a local record of device readings in SQLite.
//
// Every successful reading (from the HTTP API, an MQTT command or the
// telemetry poller) is stored with its source. The record survives when
// InfluxDB is disabled or unreachable, and backs GET /api/v1/history.
//
// Old entries are removed by a Pruner according to telemetry.history_retention.
package history
