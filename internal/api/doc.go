// Package api implements the HTTP API and WebSocket server for the CoAP gateway.
//
// This package provides:
//   - The four device operations under /device, rendered as
//     {"result":"ok",...} or {"result":"error","code":...,"message":...}
//   - The dashboard page at "/" (see package panel)
//   - Operational endpoints under /api/v1: health, metrics, history
//   - A WebSocket hub broadcasting every device reading on "device.reading"
//   - Middleware stack (request ID, logging, recovery, CORS, body limit)
//
// # Error mapping
//
// Device failures keep the message chosen by the gateway ("Invalid command",
// "Failed to get LED status", ...) and the status from Failure.HTTPStatus:
// 400 for an invalid command, 500 for everything else. The code field carries
// the failure kind so clients can tell a timeout from an unreachable device.
//
// # Graceful Degradation
//
// History, MQTT and database statistics are optional. Without a history
// repository /api/v1/history answers 503; the device endpoints never depend
// on them.
package api
