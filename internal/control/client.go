package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"nhooyr.io/websocket"

	"github.com/postalsys/udpturbo/internal/bridge"
	"github.com/postalsys/udpturbo/internal/registry"
)

// APIError is a failed control request.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// IsNotFound reports whether err is an unknown-handle error.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Client is a control socket client.
type Client struct {
	socketPath string
	httpClient *http.Client
	timeout    time.Duration
}

// NewClient creates a new control client.
func NewClient(socketPath string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socketPath)
		},
	}

	return &Client{
		socketPath: socketPath,
		// No client timeout: receive and stream calls are long-lived and
		// websocket.Dial rejects clients with one. Other calls get
		// c.timeout through their context.
		httpClient: &http.Client{Transport: transport},
		timeout:    10 * time.Second,
	}
}

// Status retrieves the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var out StatusResponse
	if err := c.do(ctx, http.MethodGet, "/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Sockets lists the registered sockets.
func (c *Client) Sockets(ctx context.Context) (*SocketsResponse, error) {
	var out SocketsResponse
	if err := c.do(ctx, http.MethodGet, "/sockets", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create registers a new socket of the given type (udp4 or udp6).
func (c *Client) Create(ctx context.Context, socketType string) (int64, error) {
	var out CreateResponse
	if err := c.do(ctx, http.MethodPost, "/sockets", CreateRequest{Type: socketType}, &out); err != nil {
		return 0, err
	}
	return out.Handle, nil
}

// Info describes one socket.
func (c *Client) Info(ctx context.Context, handle int64) (*registry.Entry, error) {
	var out registry.Entry
	if err := c.do(ctx, http.MethodGet, socketPath(handle, ""), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Bind binds a socket and returns its updated description.
func (c *Client) Bind(ctx context.Context, handle int64, req BindRequest) (*registry.Entry, error) {
	var out registry.Entry
	if err := c.do(ctx, http.MethodPost, socketPath(handle, "/bind"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Connect sets the socket's default destination.
func (c *Client) Connect(ctx context.Context, handle int64, port int, address string) error {
	return c.do(ctx, http.MethodPost, socketPath(handle, "/connect"), DestinationRequest{Port: port, Address: address}, nil)
}

// Send sends payload as one datagram.
func (c *Client) Send(ctx context.Context, handle int64, payload []byte, port int, address string) error {
	req := SendRequest{Data: bridge.EncodePayload(payload), Port: port, Address: address}
	return c.do(ctx, http.MethodPost, socketPath(handle, "/send"), req, nil)
}

// Receive waits up to timeout for one datagram.
func (c *Client) Receive(ctx context.Context, handle int64, timeout time.Duration) (*Message, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout+c.timeout)
	defer cancel()

	var out Message
	req := ReceiveRequest{TimeoutMS: timeout.Milliseconds()}
	if err := c.do(ctx, http.MethodPost, socketPath(handle, "/receive"), req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stream calls fn for every datagram received on the socket until ctx is
// done, the socket is closed or fn returns an error.
func (c *Client) Stream(ctx context.Context, handle int64, fn func(*Message) error) error {
	conn, _, err := websocket.Dial(ctx, "ws://localhost"+socketPath(handle, "/stream"), &websocket.DialOptions{
		HTTPClient:   c.httpClient,
		Subprotocols: []string{"udpturbo-stream"},
	})
	if err != nil {
		return fmt.Errorf("open stream: %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if status := websocket.CloseStatus(err); status == websocket.StatusNormalClosure {
				return nil
			}
			return fmt.Errorf("stream closed: %w", err)
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			return fmt.Errorf("decode message: %w", err)
		}
		if err := fn(&msg); err != nil {
			return err
		}
	}
}

// SetBroadcast toggles SO_BROADCAST.
func (c *Client) SetBroadcast(ctx context.Context, handle int64, enabled bool) error {
	return c.do(ctx, http.MethodPost, socketPath(handle, "/broadcast"), BroadcastRequest{Enabled: enabled}, nil)
}

// AddMembership joins a multicast group.
func (c *Client) AddMembership(ctx context.Context, handle int64, group string) error {
	return c.do(ctx, http.MethodPost, socketPath(handle, "/membership"), MembershipRequest{Group: group}, nil)
}

// DropMembership leaves a multicast group.
func (c *Client) DropMembership(ctx context.Context, handle int64, group string) error {
	return c.do(ctx, http.MethodDelete, socketPath(handle, "/membership"), MembershipRequest{Group: group}, nil)
}

// CloseSocket closes a socket and removes its handle.
func (c *Client) CloseSocket(ctx context.Context, handle int64) error {
	return c.do(ctx, http.MethodDelete, socketPath(handle, ""), nil, nil)
}

// Reset closes every socket.
func (c *Client) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/reset", nil, nil)
}

func socketPath(handle int64, suffix string) string {
	return "/sockets/" + strconv.FormatInt(handle, 10) + suffix
}

// do performs a request to the control socket and decodes the JSON response
// into out when out is not nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	// Use a dummy host since we're connecting via Unix socket
	req, err := http.NewRequestWithContext(ctx, method, "http://localhost"+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr ErrorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err != nil || apiErr.Error == "" {
			return &APIError{StatusCode: resp.StatusCode, Code: "unknown", Message: fmt.Sprintf("unexpected status: %d", resp.StatusCode)}
		}
		return &APIError{StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// Close closes the client.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
