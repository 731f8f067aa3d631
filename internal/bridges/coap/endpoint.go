package coap

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Default device addressing, matching the firmware defaults.
const (
	DefaultDeviceHost = "192.168.1.100"
	DefaultDevicePort = 5683

	// uriScheme is the scheme used when rendering resource URIs.
	uriScheme = "coap"

	maxPort = 65535
)

// Resource names a value exposed by the device.
type Resource string

// Resources exposed by the device. The set is closed.
const (
	ResourceLED            Resource = "LED"
	ResourceTemperature    Resource = "temp"
	ResourceAltTemperature Resource = "tempVar"
)

// Resources returns every resource in a stable order.
func Resources() []Resource {
	return []Resource{ResourceLED, ResourceTemperature, ResourceAltTemperature}
}

// Valid reports whether r belongs to the device's resource namespace.
func (r Resource) Valid() bool {
	switch r {
	case ResourceLED, ResourceTemperature, ResourceAltTemperature:
		return true
	default:
		return false
	}
}

// Writable reports whether the resource accepts POST.
func (r Resource) Writable() bool {
	return r == ResourceLED
}

// Path returns the CoAP URI path for the resource ("/LED").
func (r Resource) Path() string {
	return "/" + string(r)
}

// ParseResource converts a resource name into a Resource.
func ParseResource(name string) (Resource, error) {
	r := Resource(name)
	if !r.Valid() {
		return "", fmt.Errorf("unknown resource %q", name)
	}
	return r, nil
}

// Verb is the CoAP method of an exchange.
type Verb string

// Verbs used by the gateway.
const (
	VerbGet  Verb = "GET"
	VerbPost Verb = "POST"
)

// Endpoint identifies the device. It is an immutable value built once from
// configuration and passed to the dispatcher.
type Endpoint struct {
	host string
	port int
}

// NewEndpoint validates host and port and returns an Endpoint.
func NewEndpoint(host string, port int) (Endpoint, error) {
	host = strings.TrimSpace(host)
	if host == "" {
		return Endpoint{}, fmt.Errorf("device host is required")
	}
	if port < 1 || port > maxPort {
		return Endpoint{}, fmt.Errorf("device port must be between 1 and %d, got %d", maxPort, port)
	}
	return Endpoint{host: host, port: port}, nil
}

// Host returns the device host.
func (e Endpoint) Host() string { return e.host }

// Port returns the device UDP port.
func (e Endpoint) Port() int { return e.port }

// Address returns host:port suitable for dialling.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.host, strconv.Itoa(e.port))
}

// URI renders coap://host:port/resource.
func (e Endpoint) URI(r Resource) string {
	return fmt.Sprintf("%s://%s%s", uriScheme, e.Address(), r.Path())
}

// String implements fmt.Stringer.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s://%s", uriScheme, e.Address())
}
