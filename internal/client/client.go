// Package client is a small CDP client for the relay hub's /cdp socket.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"

	"github.com/dgnsrekt/tab_relay/internal/config"
	"github.com/dgnsrekt/tab_relay/internal/protocol"
	"github.com/dgnsrekt/tab_relay/internal/wsconn"
)

const eventBufSize = 1024

// Client sends requests to the hub and receives its events.
type Client struct {
	conn   *wsconn.Conn
	w      *wsconn.Writer
	events chan protocol.Message
	done   chan struct{}

	mu      sync.Mutex
	pending map[int64]chan protocol.Message
	nextID  int64
	err     error
}

// Dial connects to the hub's client socket. token may be empty.
func Dial(ctx context.Context, hubURL, token string) (*Client, error) {
	opts := wsconn.DialOptions{WriteTimeout: 10 * time.Second}
	if token != "" {
		opts.Header = http.Header{protocol.TokenHeader: []string{token}}
	}
	conn, err := wsconn.Dial(ctx, config.WSURL(hubURL, "/cdp"), opts)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeTransport, "dial hub", err)
	}
	c := &Client{
		conn:    conn,
		w:       wsconn.NewWriter(conn),
		events:  make(chan protocol.Message, eventBufSize),
		done:    make(chan struct{}),
		pending: make(map[int64]chan protocol.Message),
	}
	go c.readLoop()
	return c, nil
}

// Events delivers every message from the hub that is not a response. It is
// closed when the connection ends.
func (c *Client) Events() <-chan protocol.Message { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Call sends method and waits for its response. Error responses come back as
// *protocol.CodedError.
func (c *Client) Call(ctx context.Context, method, sessionID string, params any) (json.RawMessage, error) {
	msg, err := protocol.Request(0, method, params)
	if err != nil {
		return nil, err
	}
	msg.SessionID = sessionID
	ch := make(chan protocol.Message, 1)

	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	c.nextID++
	msg.ID = c.nextID
	c.pending[msg.ID] = ch
	c.mu.Unlock()

	data, err := protocol.Encode(msg)
	if err != nil {
		c.forget(msg.ID)
		return nil, err
	}
	if !c.w.Text(data) {
		c.forget(msg.ID)
		return nil, protocol.Errorf(protocol.CodeTransport, "connection closed")
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, c.closedErr()
		}
		if resp.Error != nil {
			return nil, resp.Error.Err()
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.forget(msg.ID)
		return nil, protocol.NewError(protocol.CodeTimeout, method, ctx.Err())
	}
}

// Close ends the connection.
func (c *Client) Close() error {
	c.w.CloseWith(1000, "bye")
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
		c.w.Stop()
	}
	return nil
}

func (c *Client) forget(id int64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Client) readLoop() {
	var cause error
	defer func() {
		c.mu.Lock()
		c.err = protocol.NewError(protocol.CodeTransport, "connection closed", cause)
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		c.w.Stop()
		close(c.events)
		close(c.done)
	}()
	for {
		data, op, err := c.conn.Read()
		if err != nil {
			cause = err
			return
		}
		if op != ws.OpText {
			continue
		}
		msg, err := protocol.Decode(data)
		if err != nil {
			slog.Warn("client malformed message", "error", err)
			continue
		}
		if msg.IsResponse() {
			c.mu.Lock()
			ch, ok := c.pending[msg.ID]
			delete(c.pending, msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- msg
			}
			continue
		}
		select {
		case c.events <- msg:
		default:
			slog.Warn("client event dropped", "method", msg.Method)
		}
	}
}

// Status queries the hub's liveness endpoint.
func Status(ctx context.Context, httpClient *http.Client, hubURL string) (protocol.Status, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, config.HTTPURL(hubURL)+"/status", nil)
	if err != nil {
		return protocol.Status{}, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return protocol.Status{}, protocol.NewError(protocol.CodeTransport, "status request", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return protocol.Status{}, fmt.Errorf("status request: %s", resp.Status)
	}
	var st protocol.Status
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return protocol.Status{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}
