package coap

import (
	"bytes"
	"context"
	"fmt"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"
	"github.com/plgd-dev/go-coap/v3/udp/client"
)

// Request is a single CoAP request.
type Request struct {
	Verb     Verb
	Resource Resource
	Payload  []byte
}

// Response is the device's answer to a Request.
type Response struct {
	Code    codes.Code
	Payload []byte
}

// Success reports whether the response code is in the 2.xx class.
func (r Response) Success() bool {
	return uint8(r.Code)>>5 == 2
}

// Conn is an open CoAP client connection.
type Conn interface {
	// Exchange sends req and waits for the response until ctx is done.
	Exchange(ctx context.Context, req Request) (Response, error)

	// Close releases the connection.
	Close() error
}

// DialFunc opens a connection to address.
type DialFunc func(ctx context.Context, address string) (Conn, error)

// udpConn adapts a go-coap UDP client connection to Conn.
type udpConn struct {
	conn *client.Conn
}

// Ensure udpConn implements Conn.
var _ Conn = (*udpConn)(nil)

// DialUDP opens a CoAP-over-UDP client connection.
//
// go-coap's own per-client and per-path request limits are lifted; the
// transport's MaxInFlight is the only bound on concurrent exchanges.
func DialUDP(ctx context.Context, address string) (Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conn, err := udp.Dial(address,
		options.WithLimitClientParallelRequest(0),
		options.WithLimitClientEndpointParallelRequest(0),
	)
	if err != nil {
		return nil, err
	}
	return &udpConn{conn: conn}, nil
}

// Exchange implements Conn.
func (c *udpConn) Exchange(ctx context.Context, req Request) (Response, error) {
	path := req.Resource.Path()

	var (
		resp *pool.Message
		err  error
	)
	switch req.Verb {
	case VerbGet:
		resp, err = c.conn.Get(ctx, path)
	case VerbPost:
		resp, err = c.conn.Post(ctx, path, message.TextPlain, bytes.NewReader(req.Payload))
	default:
		return Response{}, fmt.Errorf("unsupported verb %q", req.Verb)
	}
	if err != nil {
		return Response{}, err
	}

	body, err := resp.ReadBody()
	if err != nil {
		return Response{}, fmt.Errorf("reading response body: %w", err)
	}
	return Response{Code: resp.Code(), Payload: body}, nil
}

// Close implements Conn.
func (c *udpConn) Close() error {
	return c.conn.Close()
}
