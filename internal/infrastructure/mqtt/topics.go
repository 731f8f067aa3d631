package mqtt

import "fmt"

// TopicPrefix is the root of every gateway topic.
const TopicPrefix = "coapgw"

// Topics provides builders for gateway-level MQTT topics.
//
// Device topics (state, command, ack, health) are built by the CoAP bridge
// under the same prefix: coapgw/{category}/coap/{resource}.
type Topics struct{}

// SystemStatus returns the retained online/offline status topic.
//
// Example: coapgw/system/status
func (Topics) SystemStatus() string {
	return fmt.Sprintf("%s/system/status", TopicPrefix)
}

// All returns a pattern matching every gateway topic.
//
// Pattern: coapgw/#
func (Topics) All() string {
	return TopicPrefix + "/#"
}
