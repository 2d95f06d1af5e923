// Package client talks to the device server's CoAP resources on behalf of
// the bridge.
package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
	"github.com/plgd-dev/go-coap/v3/udp"

	"github.com/ericogr/sensor-ledger-bridge/pkg/config"
)

type conn interface {
	Get(ctx context.Context, path string, opts ...message.Option) (*pool.Message, error)
	Put(ctx context.Context, path string, contentFormat message.MediaType, payload io.ReadSeeker, opts ...message.Option) (*pool.Message, error)
	Close() error
}

// StatusError is a non-success response code from the device.
type StatusError struct {
	Path    string
	Code    codes.Code
	Payload string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("coap %s: %v %s", e.Path, e.Code, e.Payload)
}

type Client struct {
	conn      conn
	resources config.ResourceConfig
	timeout   time.Duration
}

// Dial opens a UDP CoAP session to address (host:port). Every call made
// through the client is bounded by timeout.
func Dial(address string, resources config.ResourceConfig, timeout time.Duration) (*Client, error) {
	co, err := udp.Dial(address)
	if err != nil {
		return nil, fmt.Errorf("coap dial %s: %w", address, err)
	}
	return &Client{conn: co, resources: resources, timeout: timeout}, nil
}

// Temperature GETs the temperature resource and parses the decimal payload.
func (c *Client) Temperature(ctx context.Context) (float64, error) {
	return c.readFloat(ctx, c.resources.Temperature)
}

// light reads the light resource. The bridge only reconciles temperature.
func (c *Client) light(ctx context.Context) (float64, error) {
	return c.readFloat(ctx, c.resources.Light)
}

func (c *Client) readFloat(ctx context.Context, resource string) (float64, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	path := "/" + resource
	resp, err := c.conn.Get(ctx, path)
	if err != nil {
		return 0, fmt.Errorf("coap get %s: %w", path, err)
	}
	payload, err := checkResponse(path, resp, codes.Content)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(payload, 64)
	if err != nil {
		return 0, fmt.Errorf("coap get %s: parse %q: %w", path, payload, err)
	}
	return v, nil
}

// Actuate PUTs value to the actuator resource and returns the value the
// device accepted.
func (c *Client) Actuate(ctx context.Context, value int) (int, error) {
	ctx, cancel := c.bound(ctx)
	defer cancel()

	path := "/" + c.resources.Actuator
	body := bytes.NewReader([]byte(strconv.Itoa(value)))
	resp, err := c.conn.Put(ctx, path, message.TextPlain, body)
	if err != nil {
		return 0, fmt.Errorf("coap put %s: %w", path, err)
	}
	payload, err := checkResponse(path, resp, codes.Changed)
	if err != nil {
		return 0, err
	}
	accepted, err := strconv.Atoi(payload)
	if err != nil {
		return 0, fmt.Errorf("coap put %s: parse echo %q: %w", path, payload, err)
	}
	return accepted, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func checkResponse(path string, resp *pool.Message, want codes.Code) (string, error) {
	var payload string
	if body := resp.Body(); body != nil {
		b, err := io.ReadAll(body)
		if err != nil {
			return "", fmt.Errorf("coap %s: read body: %w", path, err)
		}
		payload = strings.TrimSpace(string(b))
	}
	if resp.Code() != want {
		return "", &StatusError{Path: path, Code: resp.Code(), Payload: payload}
	}
	return payload, nil
}
