// Package mqtt provides the gateway's MQTT client.
//
// It wraps eclipse/paho.mqtt.golang with:
//   - Automatic reconnection with subscription restore
//   - A retained online/offline status on coapgw/system/status, with a
//     Last Will for unexpected disconnects
//   - Panic recovery around message handlers
//
// The CoAP bridge uses it to publish device state and health and to receive
// LED commands.
//
// Usage:
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.Subscribe("coapgw/command/coap/+", 1, func(topic string, payload []byte) error {
//	    return handle(topic, payload)
//	})
package mqtt
