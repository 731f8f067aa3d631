// Package coap implements the CoAP device bridge for the gateway.
//
// The bridge turns synchronous gateway calls into CoAP exchanges with a single
// constrained device (an ESP8266 board exposing three resources over UDP) and
// translates the device's text payloads into typed values.
//
// # Architecture
//
//	┌──────────────┐  calls   ┌──────────┐  Send  ┌────────────┐  WithConn  ┌───────────┐  UDP
//	│ HTTP / MQTT  │─────────►│ Gateway  │───────►│ Dispatcher │───────────►│ Transport │◄──────► device
//	└──────────────┘          └──────────┘        └────────────┘            └───────────┘
//
// The Gateway validates commands, decodes replies with the codec and maps
// every failure to a *Failure carrying a stable message. The Dispatcher is the
// only place where transport errors are classified. The Transport owns the
// CoAP connection lifecycle: either one shared connection multiplexing
// concurrent exchanges and replaced after a connection-level failure, or a
// fresh connection per exchange.
//
// # Resources
//
//   - LED: read/write, "On" or "Off"
//   - temp: read-only, decimal temperature in °C
//   - tempVar: read-only, decimal value from an alternate sensor
//
// # MQTT
//
// When an MQTT client is supplied the Bridge publishes readings to
// coapgw/state/coap/{resource}, accepts LED commands on
// coapgw/command/coap/LED, acknowledges them on coapgw/ack/coap/LED and
// reports health on coapgw/health/coap.
//
// # Thread Safety
//
// All exported types are safe for concurrent use from multiple goroutines.
package coap
